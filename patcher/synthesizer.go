package patcher

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tosin2013/pipeline-guardian/contracts"
	"github.com/tosin2013/pipeline-guardian/debugger"
	"github.com/tosin2013/pipeline-guardian/llm"
	"github.com/tosin2013/pipeline-guardian/mlengine"
)

var codeBlockPattern = regexp.MustCompile("(?s)```(?:[a-z]*\n)?(.*?)```")

// Synthesizer produces PatchSolutions: template first, chat model fallback.
type Synthesizer struct {
	chat   llm.Client
	logger *logrus.Logger
}

// NewSynthesizer wires the synthesizer; chat may be nil, restricting it to
// the template path.
func NewSynthesizer(chat llm.Client, logger *logrus.Logger) *Synthesizer {
	return &Synthesizer{chat: chat, logger: logger}
}

// Synthesize builds a solution for the error. classification may be nil;
// when present its confidence scales the LLM path's estimated success
// rate. Every returned solution has passed the safety check.
func (s *Synthesizer) Synthesize(ctx context.Context, e *debugger.PipelineError, callerContext map[string]contracts.Value, classification *mlengine.ClassificationResult) (*PatchSolution, error) {
	if e == nil {
		return nil, contracts.E(contracts.KindValidation, "error must not be nil")
	}

	if builder := templateFor(e.Category); builder != nil {
		if solution := builder(e); solution != nil {
			if err := CheckSolutionSafety(solution); err != nil {
				return nil, err
			}
			if err := solution.Validate(); err != nil {
				return nil, err
			}
			s.logger.WithFields(logrus.Fields{
				"error_id":    e.ErrorID,
				"solution_id": solution.SolutionID,
				"patch_type":  solution.PatchType,
			}).Info("Template solution synthesized")
			return solution, nil
		}
	}

	if s.chat == nil {
		return nil, contracts.E(contracts.KindNotFound, "no template matched error %s and no chat client is configured", e.ErrorID)
	}
	return s.synthesizeWithLLM(ctx, e, callerContext, classification)
}

func (s *Synthesizer) synthesizeWithLLM(ctx context.Context, e *debugger.PipelineError, callerContext map[string]contracts.Value, classification *mlengine.ClassificationResult) (*PatchSolution, error) {
	errJSON, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize error: %w", err)
	}
	ctxJSON, _ := json.MarshalIndent(contracts.Object(callerContext), "", "  ")

	var hint string
	if classification != nil {
		hint = fmt.Sprintf("\nML classification (overall confidence %.2f):\n", classification.OverallConfidence)
		for target, tr := range classification.Targets {
			hint += fmt.Sprintf("- %s: %s (%.2f)\n", target, tr.Prediction, tr.Confidence)
		}
	}
	language := inferLanguage(e.Message)

	resp, err := s.chat.Chat(ctx, &llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You are an expert at generating solutions for CI/CD pipeline errors."},
			{Role: "user", Content: fmt.Sprintf(
				"Generate a shell patch for this pipeline error. Target language/ecosystem: %s.\n\nError:\n%s\n\nContext:\n%s\n%s\nReply with one fenced code block containing the patch script, followed by a 'Validation:' list of shell commands, one per line prefixed with '- '.",
				language, errJSON, ctxJSON, hint)},
		},
		Temperature: 0.5,
	})
	if err != nil {
		return nil, fmt.Errorf("solution generation failed: %w", err)
	}

	script, validations := parseGeneratedSolution(resp.Content)
	if script == "" {
		return nil, contracts.E(contracts.KindData, "chat model returned no usable patch script for %s", e.ErrorID)
	}

	solution := &PatchSolution{
		SolutionID:           contracts.NewSolutionID(),
		ErrorID:              e.ErrorID,
		PatchType:            PatchAIGenerated,
		PatchScript:          script,
		IsReversible:         false,
		RequiresApproval:     true,
		EstimatedSuccessRate: successRateFor(classification),
		ValidationSteps:      validations,
	}
	if err := CheckSolutionSafety(solution); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"error_id":    e.ErrorID,
		"solution_id": solution.SolutionID,
		"language":    language,
	}).Info("Generated solution synthesized")
	return solution, nil
}

// successRateFor scales the estimate with ML confidence.
func successRateFor(classification *mlengine.ClassificationResult) float64 {
	if classification == nil {
		return 0.7
	}
	switch {
	case classification.OverallConfidence > 0.8:
		return 0.85
	case classification.OverallConfidence > 0.6:
		return 0.75
	default:
		return 0.7
	}
}

// parseGeneratedSolution recovers the first code block and the validation
// list from the model's answer.
func parseGeneratedSolution(content string) (script string, validations []string) {
	if m := codeBlockPattern.FindStringSubmatch(content); m != nil {
		script = strings.TrimSpace(m[1])
	}
	inValidation := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(trimmed), "validation") {
			inValidation = true
			continue
		}
		if inValidation && strings.HasPrefix(trimmed, "- ") {
			validations = append(validations, strings.TrimPrefix(trimmed, "- "))
		} else if inValidation && trimmed == "" {
			inValidation = false
		}
	}
	return script, validations
}

// languageScores are the keyword groups for the language hint.
var languageScores = map[string][]string{
	"python":     {"python", "pip", "pytest", "django", "flask", "traceback", "module named"},
	"javascript": {"npm", "node", "javascript", "typescript", "yarn", "jest", "webpack"},
	"java":       {"java", "maven", "mvn", "gradle", "junit", "classpath"},
	"go":         {"go build", "go test", "go.mod", "go.sum", "golang"},
	"ruby":       {"ruby", "gem", "bundler", "rake", "rspec"},
	"c++":        {"g++", "clang", "cmake", "makefile", "undefined reference"},
	"bash":       {"bash", "sh:", "command not found", "syntax error near"},
	"docker":     {"docker", "dockerfile", "container", "image"},
}

// inferLanguage scores keyword hits per language; python wins ties and the
// empty case.
func inferLanguage(message string) string {
	lower := strings.ToLower(message)
	best, bestScore := "python", 0
	for _, lang := range []string{"python", "javascript", "java", "go", "ruby", "c++", "bash", "docker"} {
		score := 0
		for _, kw := range languageScores[lang] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = lang, score
		}
	}
	return best
}

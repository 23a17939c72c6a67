package debugger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tosin2013/pipeline-guardian/config"
	"github.com/tosin2013/pipeline-guardian/contracts"
	"github.com/tosin2013/pipeline-guardian/llm"
)

// TargetPrediction is a single-target classification outcome as the
// analyzer consumes it.
type TargetPrediction struct {
	Label          string
	Confidence     float64
	MeetsThreshold bool
}

// ErrorClassifier is the ML classifier capability the analyzer consumes.
type ErrorClassifier interface {
	ClassifyTargets(e *PipelineError, threshold float64) (map[string]TargetPrediction, error)
}

// LogAnalyzer orchestrates the rule, LLM, and ML passes over pipeline logs.
type LogAnalyzer struct {
	registry   *Registry
	classifier ErrorClassifier
	chat       llm.Client
	history    HistoryStore
	settings   *config.Settings
	clock      contracts.Clock
	logger     *logrus.Logger
}

// NewLogAnalyzer wires the analyzer. classifier, chat, and history may be
// nil; the corresponding pass is skipped. Only a missing chat client is
// reported as degraded, and only when the log has lines the rules did not
// cover.
func NewLogAnalyzer(registry *Registry, classifier ErrorClassifier, chat llm.Client, history HistoryStore, settings *config.Settings, clock contracts.Clock, logger *logrus.Logger) *LogAnalyzer {
	return &LogAnalyzer{
		registry:   registry,
		classifier: classifier,
		chat:       chat,
		history:    history,
		settings:   settings,
		clock:      clock,
		logger:     logger,
	}
}

// AnalyzeLog turns raw log text into a deduplicated list of errors. A
// failure in one pass degrades but never aborts the others; the metadata
// records which passes succeeded.
func (a *LogAnalyzer) AnalyzeLog(ctx context.Context, pipelineID, logContent string) ([]*PipelineError, *AnalysisMetadata, error) {
	meta := &AnalysisMetadata{RulePassOK: true, LLMPassOK: true, MLRefinementOK: true, PersistenceOK: true}
	a.logger.WithFields(logrus.Fields{
		"pipeline_id": pipelineID,
		"log_bytes":   len(logContent),
	}).Info("Starting log analysis")

	// Rule pass.
	candidates := a.rulePass(logContent)

	// LLM pass over the gaps the rules did not cover.
	gaps := a.unmatchedSections(logContent, candidates)
	if gaps != "" && a.chat != nil {
		llmErrors, err := a.llmPass(ctx, gaps)
		if err != nil {
			a.degrade(meta, "llm", err)
		} else {
			candidates = append(candidates, llmErrors...)
		}
	} else if gaps != "" && a.chat == nil {
		a.degrade(meta, "llm", fmt.Errorf("no chat client configured"))
	}

	// Classification refinement.
	if a.classifier != nil {
		if err := a.refineWithML(candidates); err != nil {
			a.degrade(meta, "ml", err)
		}
	}

	meta.CandidatesFound = len(candidates)
	retained := Deduplicate(candidates, a.settings.SimilarityThreshold)
	meta.Retained = len(retained)

	// Persistence; errors stay in the response either way.
	if a.history != nil {
		for _, e := range retained {
			if err := a.history.Index(ctx, pipelineID, e); err != nil {
				a.degrade(meta, "persistence", err)
				break
			}
		}
	}

	a.logger.WithFields(logrus.Fields{
		"pipeline_id": pipelineID,
		"candidates":  meta.CandidatesFound,
		"retained":    meta.Retained,
		"degraded":    meta.Degraded,
	}).Info("Log analysis completed")
	return retained, meta, nil
}

func (a *LogAnalyzer) degrade(meta *AnalysisMetadata, pass string, err error) {
	meta.Degraded = true
	meta.PassErrors = append(meta.PassErrors, fmt.Sprintf("%s: %v", pass, err))
	switch pass {
	case "llm":
		meta.LLMPassOK = false
	case "ml":
		meta.MLRefinementOK = false
	case "persistence":
		meta.PersistenceOK = false
	}
	a.logger.WithError(err).WithField("pass", pass).Warn("Analysis pass degraded")
}

// rulePass applies the pattern registry over the full log, attaching a line
// number and a ±200 character context window to every match.
func (a *LogAnalyzer) rulePass(logContent string) []*PipelineError {
	var errs []*PipelineError
	for _, m := range a.registry.Match(logContent) {
		contextStart := m.Start - 200
		if contextStart < 0 {
			contextStart = 0
		}
		contextEnd := m.End + 200
		if contextEnd > len(logContent) {
			contextEnd = len(logContent)
		}
		line := strings.Count(logContent[:m.Start], "\n") + 1

		ctxMap := map[string]contracts.Value{
			"line_number":         contracts.Int(line),
			"surrounding_context": contracts.String(logContent[contextStart:contextEnd]),
			"source":              contracts.String("rule"),
		}
		if len(m.Groups) > 0 {
			ctxMap["match"] = contracts.String(m.Groups[0])
		}

		errs = append(errs, &PipelineError{
			ErrorID:   contracts.NewErrorID(),
			Message:   m.Text,
			Severity:  DetermineSeverity(m.Text),
			Category:  m.Category,
			Stage:     DetermineStage(logContent[contextStart:contextEnd]),
			Timestamp: a.clock.Now(),
			Context:   ctxMap,
		})
	}
	return errs
}

// unmatchedSections returns the log line ranges not covered by existing
// matches, with a five-line buffer around each match.
func (a *LogAnalyzer) unmatchedSections(logContent string, matches []*PipelineError) string {
	if logContent == "" {
		return ""
	}
	if len(matches) == 0 {
		return logContent
	}

	lines := strings.Split(logContent, "\n")
	covered := make([]bool, len(lines))
	for _, e := range matches {
		line := e.LineNumber()
		if line < 0 {
			continue
		}
		start := line - 1 - 5
		if start < 0 {
			start = 0
		}
		end := line - 1 + 5
		if end >= len(lines) {
			end = len(lines) - 1
		}
		for i := start; i <= end; i++ {
			covered[i] = true
		}
	}

	var sections []string
	var current []string
	flush := func() {
		if len(current) > 0 && strings.TrimSpace(strings.Join(current, "\n")) != "" {
			sections = append(sections, strings.Join(current, "\n"))
		}
		current = nil
	}
	for i, line := range lines {
		if covered[i] {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return strings.Join(sections, "\n\n")
}

// llmPass asks the chat model to enumerate further errors in the gap text
// and parses its answer with a permissive line-oriented parser.
func (a *LogAnalyzer) llmPass(ctx context.Context, gapText string) ([]*PipelineError, error) {
	resp, err := a.chat.Chat(ctx, &llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You are an expert at analyzing CI/CD pipeline logs and identifying errors."},
			{Role: "user", Content: "Analyze these log sections and identify any errors. List each error on its own line starting with 'error:', 'exception:' or 'failed:'.\n\n" + gapText},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return nil, err
	}
	return a.parseCandidates(resp.Content), nil
}

// parseCandidates starts a new candidate on each line containing "error:",
// "exception:" or "failed:"; following non-blank lines extend the current
// candidate.
func (a *LogAnalyzer) parseCandidates(text string) []*PipelineError {
	var errs []*PipelineError
	var currentLines []string

	flush := func() {
		if len(currentLines) == 0 {
			return
		}
		message := strings.Join(currentLines, "\n")
		errs = append(errs, &PipelineError{
			ErrorID:   contracts.NewErrorID(),
			Message:   message,
			Severity:  DetermineSeverity(message),
			Category:  DetermineCategory(message),
			Stage:     DetermineStage(message),
			Timestamp: a.clock.Now(),
			Context: map[string]contracts.Value{
				"source": contracts.String("llm"),
			},
		})
		currentLines = nil
	}

	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error:") || strings.Contains(lower, "exception:") || strings.Contains(lower, "failed:") {
			flush()
			currentLines = []string{line}
		} else if len(currentLines) > 0 && strings.TrimSpace(line) != "" {
			currentLines = append(currentLines, line)
		}
	}
	flush()
	return errs
}

// refineWithML overrides the rule-inferred category where the model is
// confident; severity keeps the rule text; stage keeps the rule value on
// disagreement.
func (a *LogAnalyzer) refineWithML(candidates []*PipelineError) error {
	var firstErr error
	for _, e := range candidates {
		predictions, err := a.classifier.ClassifyTargets(e, a.settings.MLConfidenceThreshold)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if p, ok := predictions["category"]; ok && p.MeetsThreshold {
			e.Category = ErrorCategory(p.Label)
			e.Context["ml_category_confidence"] = contracts.Number(p.Confidence)
		}
		if p, ok := predictions["stage"]; ok && p.MeetsThreshold && PipelineStage(p.Label) == e.Stage {
			e.Context["ml_stage_agreement"] = contracts.Bool(true)
		}
	}
	return firstErr
}

// GetErrorAnalysis produces the detailed diagnosis for one error, using
// similar historical errors as context and the chat model for root-cause
// reasoning. Without a chat client, the pattern catalogue alone answers.
func (a *LogAnalyzer) GetErrorAnalysis(ctx context.Context, e *PipelineError) (*AnalysisResult, error) {
	if e == nil {
		return nil, contracts.E(contracts.KindValidation, "error must not be nil")
	}

	var similar []HistoryDocument
	if a.history != nil {
		docs, err := a.history.Search(ctx, HistoryQuery{Category: e.Category, Limit: 5})
		if err != nil {
			a.logger.WithError(err).Warn("Similar-error lookup failed, continuing without history")
		} else {
			similar = docs
		}
	}

	result := &AnalysisResult{
		Error:              *e,
		RootCause:          fmt.Sprintf("%s error in %s stage", e.Category, e.Stage),
		ConfidenceScore:    0.4,
		SuggestedSolutions: ruleSuggestions(e.Category),
		PreventionMeasures: rulePreventions(e.Category),
	}

	if a.chat == nil {
		return result, nil
	}

	errJSON, _ := json.MarshalIndent(e, "", "  ")
	var similarText strings.Builder
	for _, doc := range similar {
		similarText.WriteString("- " + doc.Error.Message + "\n")
	}

	resp, err := a.chat.Chat(ctx, &llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You are an expert CI/CD pipeline debugger."},
			{Role: "user", Content: fmt.Sprintf(
				"Analyze this pipeline error and reply with JSON holding root_cause (string), confidence (0..1), suggested_solutions (list) and prevention_measures (list).\n\nError:\n%s\n\nSimilar historical errors:\n%s",
				errJSON, similarText.String())},
		},
		Temperature: 0.5,
	})
	if err != nil {
		a.logger.WithError(err).Warn("LLM analysis failed, returning rule-based analysis")
		return result, nil
	}

	a.mergeLLMAnalysis(result, resp.Content)
	return result, nil
}

// mergeLLMAnalysis folds a JSON-bearing model response into result,
// keeping the rule-based fields when the response is unusable.
func (a *LogAnalyzer) mergeLLMAnalysis(result *AnalysisResult, content string) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return
	}
	var parsed struct {
		RootCause          string   `json:"root_cause"`
		Confidence         float64  `json:"confidence"`
		SuggestedSolutions []string `json:"suggested_solutions"`
		PreventionMeasures []string `json:"prevention_measures"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return
	}
	if parsed.RootCause != "" {
		result.RootCause = parsed.RootCause
	}
	if parsed.Confidence > 0 && parsed.Confidence <= 1 {
		result.ConfidenceScore = parsed.Confidence
	}
	if len(parsed.SuggestedSolutions) > 0 {
		result.SuggestedSolutions = parsed.SuggestedSolutions
	}
	if len(parsed.PreventionMeasures) > 0 {
		result.PreventionMeasures = parsed.PreventionMeasures
	}
}

func ruleSuggestions(category ErrorCategory) []string {
	suggestions := map[ErrorCategory][]string{
		CategoryDependency:    {"Install the missing dependency", "Pin dependency versions in the lockfile"},
		CategoryPermission:    {"Fix file permissions on the affected path", "Run the step with the correct user"},
		CategoryConfiguration: {"Set the missing configuration value", "Validate the configuration file syntax"},
		CategoryNetwork:       {"Check connectivity to the remote host", "Configure proxy or DNS settings"},
		CategoryResource:      {"Increase the memory or disk allocation", "Clean caches to free space"},
		CategoryBuild:         {"Fix the compilation error", "Align toolchain versions with the project"},
		CategoryTest:          {"Fix the failing assertion", "Increase the test timeout"},
		CategoryDeployment:    {"Verify deployment credentials and quotas", "Retry after checking cluster state"},
		CategorySecurity:      {"Upgrade the vulnerable dependency", "Apply the published security patch"},
	}
	if s, ok := suggestions[category]; ok {
		return s
	}
	return []string{"Inspect the surrounding log context"}
}

func rulePreventions(category ErrorCategory) []string {
	preventions := map[ErrorCategory][]string{
		CategoryDependency:    {"Commit lockfiles and verify them in CI"},
		CategoryPermission:    {"Declare required permissions in the pipeline definition"},
		CategoryConfiguration: {"Validate configuration in a pre-flight step"},
		CategoryNetwork:       {"Add retries with backoff around network calls"},
		CategoryResource:      {"Set resource requests that match observed usage"},
		CategoryBuild:         {"Run the build locally in the CI image before pushing"},
		CategoryTest:          {"Quarantine flaky tests and track them"},
		CategoryDeployment:    {"Gate deployments on a staging environment"},
		CategorySecurity:      {"Run dependency audits on every build"},
	}
	if p, ok := preventions[category]; ok {
		return p
	}
	return []string{"Add a pattern for this error to the registry"}
}

// SortByLine orders errors by their context line number, stable for ties.
func SortByLine(errs []*PipelineError) {
	sort.SliceStable(errs, func(i, j int) bool {
		return errs[i].LineNumber() < errs[j].LineNumber()
	})
}

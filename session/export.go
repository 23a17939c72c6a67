package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tosin2013/pipeline-guardian/contracts"
	"github.com/tosin2013/pipeline-guardian/debugger"
	"github.com/tosin2013/pipeline-guardian/patcher"
)

// exportDocument is the serialized session shape shared by all formats.
type exportDocument struct {
	Summary  SessionSummary             `json:"summary"`
	Errors   []*debugger.PipelineError  `json:"errors"`
	Analyses []*debugger.AnalysisResult `json:"analyses"`
	Patches  []*patcher.PatchSolution   `json:"patches"`
	History  []HistoryEntry             `json:"command_history"`
}

func (s *Session) exportDocument() exportDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := exportDocument{
		Errors:   append([]*debugger.PipelineError(nil), s.errors...),
		Analyses: append([]*debugger.AnalysisResult(nil), s.analyses...),
		Patches:  append([]*patcher.PatchSolution(nil), s.patches...),
	}
	doc.Summary = SessionSummary{
		SessionID:     s.ID,
		PipelineID:    s.PipelineID,
		Status:        s.status,
		StartTime:     s.StartTime,
		EndTime:       s.endTime,
		ErrorCount:    len(s.errors),
		AnalysisCount: len(s.analyses),
		PatchCount:    len(s.patches),
		PatchedCount:  len(s.patchedBy),
		EventCount:    len(s.events),
		CommandCount:  s.history.Len(),
	}
	doc.History = s.history.Entries()
	return doc
}

// Export serializes the session as json, markdown, or text. Every format
// preserves the session id, pipeline id, and error/patch counts.
func Export(s *Session, format string) (string, error) {
	doc := s.exportDocument()
	switch format {
	case "json", "":
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to export session: %w", err)
		}
		return string(data), nil
	case "markdown":
		return exportMarkdown(doc), nil
	case "text":
		return exportText(doc), nil
	default:
		return "", contracts.E(contracts.KindValidation, "unknown export format %q", format)
	}
}

func exportMarkdown(doc exportDocument) string {
	title := cases.Title(language.English)
	var b strings.Builder

	fmt.Fprintf(&b, "# Debug Session %s\n\n", doc.Summary.SessionID)
	fmt.Fprintf(&b, "- **Pipeline**: %s\n", doc.Summary.PipelineID)
	fmt.Fprintf(&b, "- **Status**: %s\n", title.String(string(doc.Summary.Status)))
	fmt.Fprintf(&b, "- **Errors**: %d\n", doc.Summary.ErrorCount)
	fmt.Fprintf(&b, "- **Patches**: %d\n\n", doc.Summary.PatchCount)

	if len(doc.Errors) > 0 {
		b.WriteString("## Errors\n\n")
		for _, e := range doc.Errors {
			fmt.Fprintf(&b, "### %s\n\n", e.ErrorID)
			fmt.Fprintf(&b, "- **Category**: %s\n", title.String(string(e.Category)))
			fmt.Fprintf(&b, "- **Severity**: %s\n", title.String(string(e.Severity)))
			fmt.Fprintf(&b, "- **Stage**: %s\n\n", e.Stage)
			fmt.Fprintf(&b, "```\n%s\n```\n\n", e.Message)
		}
	}

	if len(doc.Patches) > 0 {
		b.WriteString("## Patches\n\n")
		for _, p := range doc.Patches {
			fmt.Fprintf(&b, "### %s\n\n", p.SolutionID)
			fmt.Fprintf(&b, "- **Type**: %s\n", p.PatchType)
			fmt.Fprintf(&b, "- **Reversible**: %t\n", p.IsReversible)
			fmt.Fprintf(&b, "- **Estimated success rate**: %.2f\n\n", p.EstimatedSuccessRate)
			fmt.Fprintf(&b, "```sh\n%s\n```\n\n", p.PatchScript)
		}
	}

	if len(doc.History) > 0 {
		b.WriteString("## Command History\n\n")
		for _, h := range doc.History {
			fmt.Fprintf(&b, "1. `%s`\n", h.Command)
		}
	}
	return b.String()
}

func exportText(doc exportDocument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Debug session %s (pipeline %s, status %s)\n", doc.Summary.SessionID, doc.Summary.PipelineID, doc.Summary.Status)
	fmt.Fprintf(&b, "errors=%d analyses=%d patches=%d\n\n", doc.Summary.ErrorCount, doc.Summary.AnalysisCount, doc.Summary.PatchCount)
	for _, e := range doc.Errors {
		fmt.Fprintf(&b, "[%s/%s] %s: %s\n", e.Severity, e.Category, e.ErrorID, firstLine(e.Message))
	}
	for _, p := range doc.Patches {
		fmt.Fprintf(&b, "patch %s (%s) -> %s\n", p.SolutionID, p.PatchType, firstLine(p.PatchScript))
	}
	return b.String()
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

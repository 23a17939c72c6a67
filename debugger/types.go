// Package debugger turns raw pipeline logs into classified, deduplicated
// error records and produces per-error analyses. It hosts the pattern
// registry, the feature extractor used by the ML classifier, and the
// historical errors store.
package debugger

import (
	"time"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// ErrorSeverity grades the impact of a pipeline error.
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "critical"
	SeverityHigh     ErrorSeverity = "high"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityLow      ErrorSeverity = "low"
	SeverityInfo     ErrorSeverity = "info"
)

// ErrorCategory identifies the nature of a pipeline error.
type ErrorCategory string

const (
	CategoryDependency    ErrorCategory = "dependency"
	CategoryPermission    ErrorCategory = "permission"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryNetwork       ErrorCategory = "network"
	CategoryResource      ErrorCategory = "resource"
	CategoryBuild         ErrorCategory = "build"
	CategoryTest          ErrorCategory = "test"
	CategoryDeployment    ErrorCategory = "deployment"
	CategorySecurity      ErrorCategory = "security"
	CategoryUnknown       ErrorCategory = "unknown"
)

// Categories lists every category in registry order.
func Categories() []ErrorCategory {
	return []ErrorCategory{
		CategoryDependency, CategoryPermission, CategoryConfiguration,
		CategoryNetwork, CategoryResource, CategoryBuild, CategoryTest,
		CategoryDeployment, CategorySecurity, CategoryUnknown,
	}
}

// PipelineStage locates an error within the pipeline lifecycle.
type PipelineStage string

const (
	StageCheckout     PipelineStage = "checkout"
	StageBuild        PipelineStage = "build"
	StageTest         PipelineStage = "test"
	StageSecurityScan PipelineStage = "security_scan"
	StageDeploy       PipelineStage = "deploy"
	StagePostDeploy   PipelineStage = "post_deploy"
)

// PipelineError is one identified error in a pipeline run. Immutable after
// creation; error ids are unique within a run.
type PipelineError struct {
	ErrorID    string                     `json:"error_id"`
	Message    string                     `json:"message"`
	StackTrace string                     `json:"stack_trace,omitempty"`
	Severity   ErrorSeverity              `json:"severity"`
	Category   ErrorCategory              `json:"category"`
	Stage      PipelineStage              `json:"stage"`
	Timestamp  time.Time                  `json:"timestamp"`
	Context    map[string]contracts.Value `json:"context,omitempty"`
}

// LineNumber returns the context line number when known, -1 otherwise.
func (e *PipelineError) LineNumber() int {
	if v, ok := e.Context["line_number"]; ok && !v.IsNull() {
		return v.AsInt()
	}
	return -1
}

// SurroundingContext returns the captured log window around the error.
func (e *PipelineError) SurroundingContext() string {
	if v, ok := e.Context["surrounding_context"]; ok {
		return v.AsString()
	}
	return ""
}

// AnalysisResult is the detailed diagnosis for one PipelineError.
type AnalysisResult struct {
	Error              PipelineError `json:"error"`
	RootCause          string        `json:"root_cause"`
	ConfidenceScore    float64       `json:"confidence_score"`
	SuggestedSolutions []string      `json:"suggested_solutions"`
	PreventionMeasures []string      `json:"prevention_measures"`
}

// AnalysisMetadata reports which passes of the log analysis succeeded, so
// callers can tell a complete result from a degraded one.
type AnalysisMetadata struct {
	RulePassOK      bool     `json:"rule_pass_ok"`
	LLMPassOK       bool     `json:"llm_pass_ok"`
	MLRefinementOK  bool     `json:"ml_refinement_ok"`
	PersistenceOK   bool     `json:"persistence_ok"`
	Degraded        bool     `json:"degraded"`
	PassErrors      []string `json:"pass_errors,omitempty"`
	CandidatesFound int      `json:"candidates_found"`
	Retained        int      `json:"retained"`
}

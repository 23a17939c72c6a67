package session

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tosin2013/pipeline-guardian/config"
	"github.com/tosin2013/pipeline-guardian/contracts"
	"github.com/tosin2013/pipeline-guardian/debugger"
	"github.com/tosin2013/pipeline-guardian/mlengine"
	"github.com/tosin2013/pipeline-guardian/patcher"
)

type fakeAnalyzer struct {
	errors []*debugger.PipelineError
}

func (f *fakeAnalyzer) AnalyzeLog(_ context.Context, _ string, _ string) ([]*debugger.PipelineError, *debugger.AnalysisMetadata, error) {
	return f.errors, &debugger.AnalysisMetadata{RulePassOK: true, LLMPassOK: true, MLRefinementOK: true, PersistenceOK: true}, nil
}

func (f *fakeAnalyzer) GetErrorAnalysis(_ context.Context, e *debugger.PipelineError) (*debugger.AnalysisResult, error) {
	return &debugger.AnalysisResult{Error: *e, RootCause: "root cause of " + e.ErrorID, ConfidenceScore: 0.8}, nil
}

type fakeSynthesizer struct{}

func (f *fakeSynthesizer) Synthesize(_ context.Context, e *debugger.PipelineError, _ map[string]contracts.Value, _ *mlengine.ClassificationResult) (*patcher.PatchSolution, error) {
	return &patcher.PatchSolution{
		SolutionID:           contracts.NewSolutionID(),
		ErrorID:              e.ErrorID,
		PatchType:            patcher.PatchDependency,
		PatchScript:          "pip install something",
		IsReversible:         true,
		RollbackScript:       "pip uninstall -y something",
		EstimatedSuccessRate: 0.9,
	}, nil
}

type fakeRunner struct {
	applied map[string]*patcher.PatchSolution
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{applied: map[string]*patcher.PatchSolution{}}
}

func (f *fakeRunner) DryRun(_ context.Context, p *patcher.PatchSolution) (*patcher.ApplyOutcome, error) {
	return &patcher.ApplyOutcome{SolutionID: p.SolutionID, ErrorID: p.ErrorID, DryRun: true, Success: true}, nil
}

func (f *fakeRunner) Apply(_ context.Context, p *patcher.PatchSolution, _ bool) (*patcher.ApplyOutcome, error) {
	f.applied[p.SolutionID] = p
	return &patcher.ApplyOutcome{SolutionID: p.SolutionID, ErrorID: p.ErrorID, Success: true}, nil
}

func (f *fakeRunner) Rollback(_ context.Context, solutionID string) (*patcher.ApplyOutcome, error) {
	if _, ok := f.applied[solutionID]; !ok {
		return nil, contracts.E(contracts.KindNotFound, "no applied patch with id %s", solutionID)
	}
	delete(f.applied, solutionID)
	return &patcher.ApplyOutcome{SolutionID: solutionID, Success: true}, nil
}

type fakeML struct{}

func (f *fakeML) Classify(e *debugger.PipelineError, _ map[mlengine.Target]mlengine.Family, _ float64, _ bool) (*mlengine.ClassificationResult, error) {
	return &mlengine.ClassificationResult{ErrorID: e.ErrorID, OverallConfidence: 0.9,
		Targets: map[mlengine.Target]mlengine.TargetResult{}}, nil
}

func (f *fakeML) Train(_ []*debugger.PipelineError, target mlengine.Target, _ mlengine.TrainOptions) (*mlengine.TrainResult, error) {
	return &mlengine.TrainResult{Target: target, Accuracy: 1}, nil
}

func (f *fakeML) Info() []mlengine.ModelInfo { return nil }

func testDeps(t *testing.T, errors []*debugger.PipelineError) Deps {
	t.Helper()
	settings, err := config.Load("")
	require.NoError(t, err)
	settings.PatchApprovalRequired = false
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return Deps{
		Analyzer:    &fakeAnalyzer{errors: errors},
		Synthesizer: &fakeSynthesizer{},
		Runner:      newFakeRunner(),
		ML:          &fakeML{},
		Settings:    settings,
		Clock:       contracts.FixedClock{T: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
		Logger:      logger,
	}
}

func sessionErrors() []*debugger.PipelineError {
	return []*debugger.PipelineError{
		{ErrorID: "err_1", Message: "ModuleNotFoundError: No module named 'requests'",
			Category: debugger.CategoryDependency, Severity: debugger.SeverityHigh, Stage: debugger.StageBuild},
		{ErrorID: "err_2", Message: "Connection timed out",
			Category: debugger.CategoryNetwork, Severity: debugger.SeverityHigh, Stage: debugger.StageTest},
	}
}

func (s *Session) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []string
	for _, e := range s.events {
		types = append(types, e.Type)
	}
	return types
}

func (s *Session) lastEventOfType(eventType string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == eventType {
			return s.events[i], true
		}
	}
	return Event{}, false
}

// TestNewSessionBecomesActive tests creation and the initial update event
func TestNewSessionBecomesActive(t *testing.T) {
	s, err := NewSession(context.Background(), "pipe-1", "some log", testDeps(t, sessionErrors()))
	require.NoError(t, err)

	assert.Equal(t, StatusActive, s.Status())
	assert.Equal(t, []string{"session_update"}, s.eventTypes())
	assert.Len(t, s.Errors(), 2)
}

// TestAnalyzeUnknownErrorKeepsSessionActive tests end-to-end scenario 6:
// exactly one error event, session stays active and accepts exit
func TestAnalyzeUnknownErrorKeepsSessionActive(t *testing.T) {
	s, err := NewSession(context.Background(), "pipe-1", "log", testDeps(t, sessionErrors()))
	require.NoError(t, err)

	s.HandleCommand(context.Background(), Command{Name: "analyze_error", ErrorID: "err_unknown"})

	types := s.eventTypes()
	var errorEvents int
	for _, et := range types {
		if et == "error" {
			errorEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)
	assert.Equal(t, StatusActive, s.Status())

	s.HandleCommand(context.Background(), Command{Name: "exit"})
	assert.Equal(t, StatusCompleted, s.Status())
}

// TestAnalyzeKnownError tests the analysis_result event
func TestAnalyzeKnownError(t *testing.T) {
	s, err := NewSession(context.Background(), "pipe-1", "log", testDeps(t, sessionErrors()))
	require.NoError(t, err)

	s.HandleCommand(context.Background(), Command{Name: "analyze_error", ErrorID: "err_1"})

	event, ok := s.lastEventOfType("analysis_result")
	require.True(t, ok)
	analysis := event.Data.(*debugger.AnalysisResult)
	assert.Equal(t, "root cause of err_1", analysis.RootCause)
}

// TestGenerateAndApplyPatch tests the patch flow end to end
func TestGenerateAndApplyPatch(t *testing.T) {
	deps := testDeps(t, sessionErrors())
	s, err := NewSession(context.Background(), "pipe-1", "log", deps)
	require.NoError(t, err)

	s.HandleCommand(context.Background(), Command{Name: "generate_patch", ErrorID: "err_1"})
	_, ok := s.lastEventOfType("patch_solution")
	require.True(t, ok)

	live := false
	s.HandleCommand(context.Background(), Command{Name: "apply_patch", ErrorID: "err_1", DryRun: &live})
	event, ok := s.lastEventOfType("patch_applied")
	require.True(t, ok)
	outcome := event.Data.(*patcher.ApplyOutcome)
	assert.True(t, outcome.Success)
	assert.False(t, outcome.DryRun)

	summary := s.Summary()
	assert.Equal(t, 1, summary.PatchCount)
	assert.Equal(t, 1, summary.PatchedCount)
}

// TestApplyAllPatchesEmitsBatchSummary tests per-error events plus summary
func TestApplyAllPatchesEmitsBatchSummary(t *testing.T) {
	s, err := NewSession(context.Background(), "pipe-1", "log", testDeps(t, sessionErrors()))
	require.NoError(t, err)

	s.HandleCommand(context.Background(), Command{Name: "apply_all_patches"})

	var appliedEvents int
	for _, et := range s.eventTypes() {
		if et == "patch_applied" {
			appliedEvents++
		}
	}
	assert.Equal(t, 2, appliedEvents)

	event, ok := s.lastEventOfType("batch_summary")
	require.True(t, ok)
	summary := event.Data.(map[string]int)
	assert.Equal(t, 2, summary["attempted"])
	assert.Equal(t, 2, summary["succeeded"])
}

// TestApplyAllPatchesHonorsLimit tests max_auto_patches_per_run
func TestApplyAllPatchesHonorsLimit(t *testing.T) {
	deps := testDeps(t, sessionErrors())
	deps.Settings.MaxAutoPatchesPerRun = 1
	s, err := NewSession(context.Background(), "pipe-1", "log", deps)
	require.NoError(t, err)

	live := false
	s.HandleCommand(context.Background(), Command{Name: "apply_all_patches", DryRun: &live})

	event, ok := s.lastEventOfType("batch_summary")
	require.True(t, ok)
	assert.Equal(t, 1, event.Data.(map[string]int)["attempted"])
}

// TestRollbackPatch tests the rollback event and bookkeeping
func TestRollbackPatch(t *testing.T) {
	deps := testDeps(t, sessionErrors())
	s, err := NewSession(context.Background(), "pipe-1", "log", deps)
	require.NoError(t, err)

	s.HandleCommand(context.Background(), Command{Name: "generate_patch", ErrorID: "err_1"})
	live := false
	s.HandleCommand(context.Background(), Command{Name: "apply_patch", ErrorID: "err_1", DryRun: &live})

	event, _ := s.lastEventOfType("patch_applied")
	solutionID := event.Data.(*patcher.ApplyOutcome).SolutionID

	s.HandleCommand(context.Background(), Command{Name: "rollback_patch", SolutionID: solutionID})
	rollback, ok := s.lastEventOfType("patch_rollback")
	require.True(t, ok)
	assert.True(t, rollback.Data.(*patcher.ApplyOutcome).Success)
	assert.Equal(t, 0, s.Summary().PatchedCount)
}

// TestTerminalStateRejectsCommands tests the completed-session contract
func TestTerminalStateRejectsCommands(t *testing.T) {
	s, err := NewSession(context.Background(), "pipe-1", "log", testDeps(t, sessionErrors()))
	require.NoError(t, err)

	s.HandleCommand(context.Background(), Command{Name: "exit"})
	require.Equal(t, StatusCompleted, s.Status())

	s.HandleCommand(context.Background(), Command{Name: "analyze_error", ErrorID: "err_1"})
	event, ok := s.lastEventOfType("error")
	require.True(t, ok)
	assert.Contains(t, event.Message, "completed")
}

// TestAbortAfterExitIsNoOp tests disconnect-after-exit semantics
func TestAbortAfterExitIsNoOp(t *testing.T) {
	s, err := NewSession(context.Background(), "pipe-1", "log", testDeps(t, sessionErrors()))
	require.NoError(t, err)

	s.HandleCommand(context.Background(), Command{Name: "exit"})
	s.Abort()
	assert.Equal(t, StatusCompleted, s.Status())
}

// TestExportPreservesIdentity tests the round-trip property across formats
func TestExportPreservesIdentity(t *testing.T) {
	s, err := NewSession(context.Background(), "pipe-1", "log", testDeps(t, sessionErrors()))
	require.NoError(t, err)
	s.HandleCommand(context.Background(), Command{Name: "generate_patch", ErrorID: "err_1"})

	jsonOut, err := Export(s, "json")
	require.NoError(t, err)
	var doc exportDocument
	require.NoError(t, json.Unmarshal([]byte(jsonOut), &doc))
	assert.Equal(t, s.ID, doc.Summary.SessionID)
	assert.Equal(t, "pipe-1", doc.Summary.PipelineID)
	assert.Equal(t, 2, doc.Summary.ErrorCount)
	assert.Equal(t, 1, doc.Summary.PatchCount)

	mdOut, err := Export(s, "markdown")
	require.NoError(t, err)
	assert.Contains(t, mdOut, s.ID)
	assert.Contains(t, mdOut, "pipe-1")
	assert.True(t, strings.Contains(mdOut, "## Errors"))

	textOut, err := Export(s, "text")
	require.NoError(t, err)
	assert.Contains(t, textOut, s.ID)
	assert.Contains(t, textOut, "errors=2")

	_, err = Export(s, "xml")
	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))
}

// TestSubscriberReceivesOrderedEvents tests at-most-once ordered delivery
func TestSubscriberReceivesOrderedEvents(t *testing.T) {
	s, err := NewSession(context.Background(), "pipe-1", "log", testDeps(t, sessionErrors()))
	require.NoError(t, err)

	events := s.Subscribe()
	s.HandleCommand(context.Background(), Command{Name: "analyze_error", ErrorID: "err_1"})
	s.HandleCommand(context.Background(), Command{Name: "exit"})

	var types []string
	for event := range events {
		types = append(types, event.Type)
	}
	assert.Equal(t, []string{"analysis_result", "session_update"}, types)
}

// TestCommandHistorySummary tests frequencies and transitions
func TestCommandHistorySummary(t *testing.T) {
	h := NewCommandHistory()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for _, cmd := range []string{"analyze_error", "generate_patch", "apply_patch", "analyze_error", "generate_patch"} {
		h.Append(cmd, now)
	}

	summary := h.Summary(3)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 2, summary.Frequencies["analyze_error"])
	assert.Equal(t, []string{"apply_patch", "analyze_error", "generate_patch"}, summary.Recent)

	require.NotEmpty(t, summary.TopTransitions)
	assert.Equal(t, Transition{From: "analyze_error", To: "generate_patch", Count: 2}, summary.TopTransitions[0])
}

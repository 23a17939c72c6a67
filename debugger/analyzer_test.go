package debugger

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tosin2013/pipeline-guardian/config"
	"github.com/tosin2013/pipeline-guardian/contracts"
	"github.com/tosin2013/pipeline-guardian/llm"
)

type mockChat struct {
	response string
	err      error
	calls    int
}

func (m *mockChat) Chat(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &llm.Response{Content: m.response}, nil
}

type mockClassifier struct {
	predictions map[string]TargetPrediction
	err         error
}

func (m *mockClassifier) ClassifyTargets(_ *PipelineError, _ float64) (map[string]TargetPrediction, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.predictions, nil
}

type memoryHistory struct {
	indexed []HistoryDocument
	err     error
}

func (m *memoryHistory) Index(_ context.Context, pipelineID string, e *PipelineError) error {
	if m.err != nil {
		return m.err
	}
	m.indexed = append(m.indexed, HistoryDocument{PipelineID: pipelineID, Error: *e})
	return nil
}

func (m *memoryHistory) Search(_ context.Context, _ HistoryQuery) ([]HistoryDocument, error) {
	return m.indexed, nil
}

func testAnalyzer(t *testing.T, chat llm.Client, classifier ErrorClassifier, history HistoryStore) *LogAnalyzer {
	t.Helper()
	settings, err := config.Load("")
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	clock := contracts.FixedClock{T: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	return NewLogAnalyzer(DefaultRegistry(), classifier, chat, history, settings, clock, logger)
}

// TestAnalyzeLogRulePass tests the dependency end-to-end scenario
func TestAnalyzeLogRulePass(t *testing.T) {
	history := &memoryHistory{}
	a := testAnalyzer(t, &mockChat{response: "no further errors"}, nil, history)

	log := "Installing collected packages\nModuleNotFoundError: No module named 'requests'\nBuild step done"
	errs, meta, err := a.AnalyzeLog(context.Background(), "pipe-1", log)
	require.NoError(t, err)
	require.Len(t, errs, 1)

	e := errs[0]
	assert.Equal(t, CategoryDependency, e.Category)
	assert.Equal(t, SeverityHigh, e.Severity)
	assert.Equal(t, StageBuild, e.Stage)
	assert.Equal(t, 2, e.LineNumber())
	assert.Contains(t, e.SurroundingContext(), "Installing collected packages")
	assert.NotEmpty(t, e.ErrorID)
	assert.False(t, meta.Degraded)

	// Persisted once under the pipeline id.
	require.Len(t, history.indexed, 1)
	assert.Equal(t, "pipe-1", history.indexed[0].PipelineID)
}

// TestAnalyzeLogUniqueErrorIDs tests id uniqueness within a run
func TestAnalyzeLogUniqueErrorIDs(t *testing.T) {
	a := testAnalyzer(t, nil, nil, nil)

	log := "ModuleNotFoundError: No module named 'requests'\n" +
		"Connection timed out\n" +
		"AssertionError: expected 200 got 500\n"
	errs, _, err := a.AnalyzeLog(context.Background(), "pipe-2", log)
	require.NoError(t, err)
	require.NotEmpty(t, errs)

	seen := map[string]bool{}
	for _, e := range errs {
		assert.False(t, seen[e.ErrorID], "duplicate id %s", e.ErrorID)
		seen[e.ErrorID] = true
	}
}

// TestAnalyzeLogEmptyLog tests the empty-input boundary
func TestAnalyzeLogEmptyLog(t *testing.T) {
	a := testAnalyzer(t, &mockChat{response: ""}, nil, nil)

	errs, meta, err := a.AnalyzeLog(context.Background(), "pipe-3", "")
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, 0, meta.CandidatesFound)
}

// TestAnalyzeLogLLMPassParsesCandidates tests the gap-text LLM pass
func TestAnalyzeLogLLMPassParsesCandidates(t *testing.T) {
	chat := &mockChat{response: "error: flaky DNS lookup in service mesh\nmore detail line\nexception: unexpected nil pointer"}
	a := testAnalyzer(t, chat, nil, nil)

	// No registry pattern matches, so the whole log is gap text.
	errs, meta, err := a.AnalyzeLog(context.Background(), "pipe-4", "some log line\nanother log line")
	require.NoError(t, err)
	require.Len(t, errs, 2)

	assert.Equal(t, 1, chat.calls)
	assert.Contains(t, errs[0].Message, "flaky DNS lookup")
	assert.Contains(t, errs[0].Message, "more detail line")
	assert.Contains(t, errs[1].Message, "nil pointer")
	assert.False(t, meta.Degraded)
}

// TestAnalyzeLogLLMFailureDegrades tests partial failure semantics
func TestAnalyzeLogLLMFailureDegrades(t *testing.T) {
	chat := &mockChat{err: contracts.E(contracts.KindTransient, "llm unavailable")}
	a := testAnalyzer(t, chat, nil, nil)

	log := "prologue\nModuleNotFoundError: No module named 'requests'\n" +
		"filler\nfiller\nfiller\nfiller\nfiller\nfiller\nfiller\nfiller\nepilogue"
	errs, meta, err := a.AnalyzeLog(context.Background(), "pipe-5", log)
	require.NoError(t, err)

	// Rule-pass errors still come back.
	require.Len(t, errs, 1)
	assert.True(t, meta.Degraded)
	assert.False(t, meta.LLMPassOK)
	assert.NotEmpty(t, meta.PassErrors)
}

// TestAnalyzeLogMLOverridesCategory tests confident ML refinement
func TestAnalyzeLogMLOverridesCategory(t *testing.T) {
	classifier := &mockClassifier{predictions: map[string]TargetPrediction{
		"category": {Label: string(CategoryNetwork), Confidence: 0.92, MeetsThreshold: true},
	}}
	a := testAnalyzer(t, nil, classifier, nil)

	errs, _, err := a.AnalyzeLog(context.Background(), "pipe-6", "ModuleNotFoundError: No module named 'requests'")
	require.NoError(t, err)
	require.Len(t, errs, 1)

	assert.Equal(t, CategoryNetwork, errs[0].Category)
	assert.InDelta(t, 0.92, errs[0].Context["ml_category_confidence"].AsNumber(), 0.001)
}

// TestAnalyzeLogMLBelowThresholdKeepsRuleCategory tests the retain path
func TestAnalyzeLogMLBelowThresholdKeepsRuleCategory(t *testing.T) {
	classifier := &mockClassifier{predictions: map[string]TargetPrediction{
		"category": {Label: string(CategoryNetwork), Confidence: 0.3, MeetsThreshold: false},
	}}
	a := testAnalyzer(t, nil, classifier, nil)

	errs, _, err := a.AnalyzeLog(context.Background(), "pipe-7", "ModuleNotFoundError: No module named 'requests'")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, CategoryDependency, errs[0].Category)
}

// TestAnalyzeLogPersistenceFailureDegrades tests history-store degradation
func TestAnalyzeLogPersistenceFailureDegrades(t *testing.T) {
	history := &memoryHistory{err: contracts.E(contracts.KindTransient, "store down")}
	a := testAnalyzer(t, nil, nil, history)

	errs, meta, err := a.AnalyzeLog(context.Background(), "pipe-8", "ModuleNotFoundError: No module named 'requests'")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.True(t, meta.Degraded)
	assert.False(t, meta.PersistenceOK)
}

// TestGetErrorAnalysis tests LLM-backed analysis with history context
func TestGetErrorAnalysis(t *testing.T) {
	chat := &mockChat{response: `Here is my take: {"root_cause":"requests missing from requirements.txt","confidence":0.9,"suggested_solutions":["pip install requests"],"prevention_measures":["pin dependencies"]}`}
	a := testAnalyzer(t, chat, nil, &memoryHistory{})

	e := &PipelineError{
		ErrorID:  contracts.NewErrorID(),
		Message:  "ModuleNotFoundError: No module named 'requests'",
		Category: CategoryDependency,
		Stage:    StageBuild,
	}
	result, err := a.GetErrorAnalysis(context.Background(), e)
	require.NoError(t, err)

	assert.Equal(t, "requests missing from requirements.txt", result.RootCause)
	assert.InDelta(t, 0.9, result.ConfidenceScore, 0.001)
	assert.Equal(t, []string{"pip install requests"}, result.SuggestedSolutions)
}

// TestGetErrorAnalysisWithoutChat tests the rule-only fallback
func TestGetErrorAnalysisWithoutChat(t *testing.T) {
	a := testAnalyzer(t, nil, nil, nil)

	result, err := a.GetErrorAnalysis(context.Background(), &PipelineError{
		ErrorID:  contracts.NewErrorID(),
		Message:  "EACCES: permission denied, access '/var/log/app.log'",
		Category: CategoryPermission,
		Stage:    StageBuild,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SuggestedSolutions)
	assert.NotEmpty(t, result.PreventionMeasures)
}

// TestGetErrorAnalysisNilError tests validation
func TestGetErrorAnalysisNilError(t *testing.T) {
	a := testAnalyzer(t, nil, nil, nil)

	_, err := a.GetErrorAnalysis(context.Background(), nil)
	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))
}

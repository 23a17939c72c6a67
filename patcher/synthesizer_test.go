package patcher

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tosin2013/pipeline-guardian/contracts"
	"github.com/tosin2013/pipeline-guardian/debugger"
	"github.com/tosin2013/pipeline-guardian/llm"
	"github.com/tosin2013/pipeline-guardian/mlengine"
)

type stubChat struct {
	response string
	err      error
}

func (s *stubChat) Chat(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.response}, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func pipelineError(message string, category debugger.ErrorCategory) *debugger.PipelineError {
	return &debugger.PipelineError{
		ErrorID:  contracts.NewErrorID(),
		Message:  message,
		Category: category,
		Severity: debugger.SeverityHigh,
		Stage:    debugger.StageBuild,
	}
}

// TestSynthesizeDependencyPatch tests end-to-end scenario 1: the missing
// python module yields a reversible dependency patch with an uninstall
func TestSynthesizeDependencyPatch(t *testing.T) {
	s := NewSynthesizer(nil, quietLogger())

	e := pipelineError("ModuleNotFoundError: No module named 'requests'", debugger.CategoryDependency)
	solution, err := s.Synthesize(context.Background(), e, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, PatchDependency, solution.PatchType)
	assert.Equal(t, e.ErrorID, solution.ErrorID)
	assert.Equal(t, "pip install requests", solution.PatchScript)
	assert.True(t, solution.IsReversible)
	assert.Contains(t, solution.RollbackScript, "uninstall")
	assert.Contains(t, solution.Dependencies, "pip:requests")
}

// TestSynthesizePermissionPatch tests end-to-end scenario 2: rollback
// restores mode 644 on the named path
func TestSynthesizePermissionPatch(t *testing.T) {
	s := NewSynthesizer(nil, quietLogger())

	e := pipelineError("EACCES: permission denied, access '/var/log/app.log'", debugger.CategoryPermission)
	solution, err := s.Synthesize(context.Background(), e, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, PatchPermission, solution.PatchType)
	assert.Contains(t, solution.PatchScript, "/var/log/app.log")
	assert.True(t, solution.IsReversible)
	assert.Equal(t, "chmod 644 /var/log/app.log", solution.RollbackScript)
}

// TestSynthesizeNpmPatch tests the node dependency family
func TestSynthesizeNpmPatch(t *testing.T) {
	s := NewSynthesizer(nil, quietLogger())

	e := pipelineError("npm ERR! missing: left-pad@1.3.0", debugger.CategoryDependency)
	solution, err := s.Synthesize(context.Background(), e, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "npm install left-pad", solution.PatchScript)
	assert.Contains(t, solution.Dependencies, "npm:left-pad")
}

// TestSynthesizeConfigPatch tests the env-var configuration writer
func TestSynthesizeConfigPatch(t *testing.T) {
	s := NewSynthesizer(nil, quietLogger())

	e := pipelineError("Required environment variable DATABASE_URL is not defined", debugger.CategoryConfiguration)
	solution, err := s.Synthesize(context.Background(), e, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, PatchConfiguration, solution.PatchType)
	assert.Contains(t, solution.PatchScript, "DATABASE_URL")
	assert.True(t, solution.IsReversible)
	assert.Contains(t, solution.RollbackScript, "DATABASE_URL")
}

// TestSynthesizeLLMFallback tests the generated path with approval and
// confidence scaling
func TestSynthesizeLLMFallback(t *testing.T) {
	chat := &stubChat{response: "Here is the fix:\n```bash\npip cache purge\npip install --no-cache-dir requests\n```\nValidation:\n- python -c \"import requests\"\n- pip check\n"}
	s := NewSynthesizer(chat, quietLogger())

	e := pipelineError("something exotic broke in an unclassifiable way", debugger.CategoryUnknown)
	classification := &mlengine.ClassificationResult{OverallConfidence: 0.85}

	solution, err := s.Synthesize(context.Background(), e, map[string]contracts.Value{
		"pipeline": contracts.String("build-42"),
	}, classification)
	require.NoError(t, err)

	assert.Equal(t, PatchAIGenerated, solution.PatchType)
	assert.Contains(t, solution.PatchScript, "pip install --no-cache-dir requests")
	assert.True(t, solution.RequiresApproval)
	assert.False(t, solution.IsReversible)
	assert.InDelta(t, 0.85, solution.EstimatedSuccessRate, 0.001)
	assert.Equal(t, []string{"python -c \"import requests\"", "pip check"}, solution.ValidationSteps)
}

// TestSynthesizeLLMSuccessRateTiers tests the confidence ladder
func TestSynthesizeLLMSuccessRateTiers(t *testing.T) {
	tests := []struct {
		confidence float64
		expected   float64
	}{
		{0.9, 0.85},
		{0.7, 0.75},
		{0.3, 0.7},
	}
	for _, tt := range tests {
		rate := successRateFor(&mlengine.ClassificationResult{OverallConfidence: tt.confidence})
		assert.Equal(t, tt.expected, rate)
	}
	assert.Equal(t, 0.7, successRateFor(nil))
}

// TestSynthesizeRejectsDangerousGeneratedScript tests the safety gate on
// the LLM path
func TestSynthesizeRejectsDangerousGeneratedScript(t *testing.T) {
	chat := &stubChat{response: "```bash\nsudo rm -rf /tmp/cache\n```"}
	s := NewSynthesizer(chat, quietLogger())

	e := pipelineError("weird failure", debugger.CategoryUnknown)
	_, err := s.Synthesize(context.Background(), e, nil, nil)

	assert.Equal(t, contracts.KindSafety, contracts.KindOf(err))
}

// TestSynthesizeNoTemplateNoChat tests the not-found path
func TestSynthesizeNoTemplateNoChat(t *testing.T) {
	s := NewSynthesizer(nil, quietLogger())

	e := pipelineError("weird failure", debugger.CategoryUnknown)
	_, err := s.Synthesize(context.Background(), e, nil, nil)
	assert.Equal(t, contracts.KindNotFound, contracts.KindOf(err))
}

// TestInferLanguage tests the keyword scoring with python default
func TestInferLanguage(t *testing.T) {
	tests := []struct {
		message  string
		expected string
	}{
		{"npm ERR! peer dependency conflict in webpack", "javascript"},
		{"Maven mvn install failed on classpath", "java"},
		{"go build ./... failed: missing go.sum entry", "go"},
		{"bundler: gem install rake failed under rspec", "ruby"},
		{"Dockerfile: image build failed in container step", "docker"},
		{"completely ambiguous text", "python"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, inferLanguage(tt.message), tt.message)
	}
}

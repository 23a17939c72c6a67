// Package session owns interactive debug sessions: a per-session command
// loop over the analyzer, synthesizer, runner, and classifier, emitting an
// ordered event stream to subscribers.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tosin2013/pipeline-guardian/config"
	"github.com/tosin2013/pipeline-guardian/contracts"
	"github.com/tosin2013/pipeline-guardian/debugger"
	"github.com/tosin2013/pipeline-guardian/mlengine"
	"github.com/tosin2013/pipeline-guardian/patcher"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusAborted      Status = "aborted"
)

// Event is one server-to-client frame on the session stream.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Command is one client request. Name selects the operation; the remaining
// fields carry its arguments.
type Command struct {
	Name       string   `json:"command"`
	ErrorID    string   `json:"error_id,omitempty"`
	ErrorIDs   []string `json:"error_ids,omitempty"`
	SolutionID string   `json:"solution_id,omitempty"`
	Format     string   `json:"format,omitempty"`
	DryRun     *bool    `json:"dry_run,omitempty"`
	ModelTypes []string `json:"model_types,omitempty"`
}

// Analyzer is the log-analysis capability the session consumes.
type Analyzer interface {
	AnalyzeLog(ctx context.Context, pipelineID, logContent string) ([]*debugger.PipelineError, *debugger.AnalysisMetadata, error)
	GetErrorAnalysis(ctx context.Context, e *debugger.PipelineError) (*debugger.AnalysisResult, error)
}

// Synthesizer is the patch-generation capability the session consumes.
type Synthesizer interface {
	Synthesize(ctx context.Context, e *debugger.PipelineError, callerContext map[string]contracts.Value, classification *mlengine.ClassificationResult) (*patcher.PatchSolution, error)
}

// Runner is the patch-lifecycle capability the session consumes.
type Runner interface {
	DryRun(ctx context.Context, p *patcher.PatchSolution) (*patcher.ApplyOutcome, error)
	Apply(ctx context.Context, p *patcher.PatchSolution, approved bool) (*patcher.ApplyOutcome, error)
	Rollback(ctx context.Context, solutionID string) (*patcher.ApplyOutcome, error)
}

// MLService is the classifier capability the session consumes.
type MLService interface {
	Classify(e *debugger.PipelineError, families map[mlengine.Target]mlengine.Family, threshold float64, detailed bool) (*mlengine.ClassificationResult, error)
	Train(records []*debugger.PipelineError, target mlengine.Target, opts mlengine.TrainOptions) (*mlengine.TrainResult, error)
	Info() []mlengine.ModelInfo
}

// Session is one live debugging session. All mutation happens inside the
// session's command lock; readers get immutable snapshots.
type Session struct {
	ID         string
	PipelineID string
	StartTime  time.Time

	deps  Deps
	clock contracts.Clock

	// cmdMu serializes command processing; no two commands for the same
	// session interleave.
	cmdMu sync.Mutex

	mu        sync.Mutex
	status    Status
	endTime   *time.Time
	errors    []*debugger.PipelineError
	analyses  []*debugger.AnalysisResult
	patches   []*patcher.PatchSolution
	events    []Event
	history   *CommandHistory
	patchedBy map[string]string // error id -> solution id

	subMu       sync.Mutex
	subscribers []chan Event
}

// Deps bundles the capabilities a session drives.
type Deps struct {
	Analyzer    Analyzer
	Synthesizer Synthesizer
	Runner      Runner
	ML          MLService
	Settings    *config.Settings
	Clock       contracts.Clock
	Logger      *logrus.Logger
}

// NewSession creates a session and runs the initial log analysis. The
// session becomes active even when the analysis is degraded.
func NewSession(ctx context.Context, pipelineID, logContent string, deps Deps) (*Session, error) {
	s := &Session{
		ID:         contracts.NewSessionID(),
		PipelineID: pipelineID,
		StartTime:  deps.Clock.Now(),
		deps:       deps,
		clock:      deps.Clock,
		status:     StatusInitializing,
		history:    NewCommandHistory(),
		patchedBy:  map[string]string{},
	}

	errs, meta, err := deps.Analyzer.AnalyzeLog(ctx, pipelineID, logContent)
	if err != nil {
		return nil, fmt.Errorf("session analysis failed: %w", err)
	}
	s.errors = errs
	s.status = StatusActive

	s.emit(Event{Type: "session_update", Data: map[string]interface{}{
		"session_id":  s.ID,
		"pipeline_id": pipelineID,
		"status":      s.status,
		"error_count": len(errs),
		"degraded":    meta.Degraded,
	}})

	deps.Logger.WithFields(logrus.Fields{
		"session_id":  s.ID,
		"pipeline_id": pipelineID,
		"errors":      len(errs),
	}).Info("Debug session started")
	return s, nil
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe attaches a buffered event stream. Events already emitted are
// not replayed; each subscriber sees each new event at most once, in order.
func (s *Session) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Session) emit(event Event) {
	event.Timestamp = s.clock.Now()
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()

	s.subMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// A stalled subscriber drops events rather than blocking the
			// session's command loop.
		}
	}
	s.subMu.Unlock()
}

func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	s.subMu.Unlock()
}

// HandleCommand processes one command. Commands for the same session never
// interleave; a command that fails is converted to an error event and the
// session stays active.
func (s *Session) HandleCommand(ctx context.Context, cmd Command) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.mu.Lock()
	if s.status != StatusActive {
		status := s.status
		s.mu.Unlock()
		s.emit(Event{Type: "error", Message: fmt.Sprintf("session is %s and accepts no commands", status)})
		return
	}
	s.history.Append(cmd.Name, s.clock.Now())
	s.mu.Unlock()

	if err := s.dispatch(ctx, cmd); err != nil {
		s.deps.Logger.WithError(err).WithFields(logrus.Fields{
			"session_id": s.ID,
			"command":    cmd.Name,
		}).Warn("Command failed")
		s.emit(Event{Type: "error", Message: err.Error()})
	}
}

func (s *Session) dispatch(ctx context.Context, cmd Command) error {
	switch cmd.Name {
	case "analyze_error":
		return s.analyzeError(ctx, cmd.ErrorID)
	case "generate_patch":
		return s.generatePatch(ctx, cmd.ErrorID)
	case "apply_patch":
		return s.applyPatch(ctx, cmd.ErrorID, dryRunOf(cmd))
	case "apply_all_patches":
		return s.applyAllPatches(ctx, cmd.ErrorIDs, dryRunOf(cmd))
	case "rollback_patch":
		return s.rollbackPatch(ctx, cmd.SolutionID)
	case "export_session":
		return s.exportSession(cmd.Format)
	case "get_session_summary":
		s.emit(Event{Type: "session_summary", Data: s.Summary()})
		return nil
	case "get_command_history":
		s.emit(Event{Type: "command_history", Data: s.history.Summary(10)})
		return nil
	case "classify_error_ml":
		return s.classifyError(cmd.ErrorID, cmd.ModelTypes)
	case "train_ml_models":
		return s.trainModels(cmd.ModelTypes)
	case "get_ml_model_info":
		s.emit(Event{Type: "ml_model_info", Data: s.deps.ML.Info()})
		return nil
	case "exit":
		s.finish(StatusCompleted)
		return nil
	default:
		return contracts.E(contracts.KindValidation, "unknown command %q", cmd.Name)
	}
}

func dryRunOf(cmd Command) bool {
	if cmd.DryRun == nil {
		return true
	}
	return *cmd.DryRun
}

func (s *Session) findError(errorID string) (*debugger.PipelineError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.errors {
		if e.ErrorID == errorID {
			return e, nil
		}
	}
	return nil, contracts.E(contracts.KindNotFound, "no error with id %s in session", errorID)
}

func (s *Session) analyzeError(ctx context.Context, errorID string) error {
	e, err := s.findError(errorID)
	if err != nil {
		return err
	}
	analysis, err := s.deps.Analyzer.GetErrorAnalysis(ctx, e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.analyses = append(s.analyses, analysis)
	s.mu.Unlock()
	s.emit(Event{Type: "analysis_result", Data: analysis})
	return nil
}

func (s *Session) classification(e *debugger.PipelineError) *mlengine.ClassificationResult {
	if s.deps.ML == nil {
		return nil
	}
	result, err := s.deps.ML.Classify(e, nil, s.deps.Settings.MLConfidenceThreshold, false)
	if err != nil {
		return nil
	}
	return result
}

func (s *Session) generatePatch(ctx context.Context, errorID string) error {
	e, err := s.findError(errorID)
	if err != nil {
		return err
	}
	solution, err := s.deps.Synthesizer.Synthesize(ctx, e, map[string]contracts.Value{
		"session_id":  contracts.String(s.ID),
		"pipeline_id": contracts.String(s.PipelineID),
	}, s.classification(e))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.patches = append(s.patches, solution)
	s.mu.Unlock()
	s.emit(Event{Type: "patch_solution", Data: solution})
	return nil
}

func (s *Session) solutionFor(errorID string) (*patcher.PatchSolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.patches) - 1; i >= 0; i-- {
		if s.patches[i].ErrorID == errorID {
			return s.patches[i], nil
		}
	}
	return nil, contracts.E(contracts.KindNotFound, "no generated patch for error %s", errorID)
}

func (s *Session) applyPatch(ctx context.Context, errorID string, dryRun bool) error {
	solution, err := s.solutionFor(errorID)
	if err != nil {
		return err
	}
	outcome, err := s.runPatch(ctx, solution, dryRun)
	if err != nil {
		return err
	}
	s.emit(Event{Type: "patch_applied", Data: outcome})
	return nil
}

func (s *Session) runPatch(ctx context.Context, solution *patcher.PatchSolution, dryRun bool) (*patcher.ApplyOutcome, error) {
	if dryRun {
		return s.deps.Runner.DryRun(ctx, solution)
	}
	approved := !s.deps.Settings.PatchApprovalRequired
	outcome, err := s.deps.Runner.Apply(ctx, solution, approved)
	if err != nil {
		return nil, err
	}
	if outcome.Success {
		s.mu.Lock()
		s.patchedBy[solution.ErrorID] = solution.SolutionID
		s.mu.Unlock()
	}
	return outcome, nil
}

// applyAllPatches patches the named errors, or every unpatched error when
// none are named. Live runs are bounded by max_auto_patches_per_run; dry
// runs cover every error. One patch_applied event per error, then a
// batch_summary.
func (s *Session) applyAllPatches(ctx context.Context, errorIDs []string, dryRun bool) error {
	if len(errorIDs) == 0 {
		s.mu.Lock()
		for _, e := range s.errors {
			if _, done := s.patchedBy[e.ErrorID]; !done {
				errorIDs = append(errorIDs, e.ErrorID)
			}
		}
		s.mu.Unlock()
	}
	limit := s.deps.Settings.MaxAutoPatchesPerRun
	if !dryRun && limit > 0 && len(errorIDs) > limit {
		errorIDs = errorIDs[:limit]
	}

	summary := map[string]int{"attempted": len(errorIDs), "succeeded": 0, "failed": 0}
	for _, errorID := range errorIDs {
		outcome, err := s.patchOne(ctx, errorID, dryRun)
		if err != nil {
			summary["failed"]++
			s.emit(Event{Type: "patch_applied", Data: &patcher.ApplyOutcome{
				ErrorID: errorID, DryRun: dryRun, Reason: err.Error(), AppliedAt: s.clock.Now(),
			}})
			continue
		}
		if outcome.Success {
			summary["succeeded"]++
		} else {
			summary["failed"]++
		}
		s.emit(Event{Type: "patch_applied", Data: outcome})
	}
	s.emit(Event{Type: "batch_summary", Data: summary})
	return nil
}

func (s *Session) patchOne(ctx context.Context, errorID string, dryRun bool) (*patcher.ApplyOutcome, error) {
	solution, err := s.solutionFor(errorID)
	if err != nil {
		e, findErr := s.findError(errorID)
		if findErr != nil {
			return nil, findErr
		}
		solution, err = s.deps.Synthesizer.Synthesize(ctx, e, nil, s.classification(e))
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.patches = append(s.patches, solution)
		s.mu.Unlock()
	}
	return s.runPatch(ctx, solution, dryRun)
}

func (s *Session) rollbackPatch(ctx context.Context, solutionID string) error {
	outcome, err := s.deps.Runner.Rollback(ctx, solutionID)
	if err != nil {
		return err
	}
	if outcome.Success {
		s.mu.Lock()
		for errorID, solID := range s.patchedBy {
			if solID == solutionID {
				delete(s.patchedBy, errorID)
			}
		}
		s.mu.Unlock()
	}
	s.emit(Event{Type: "patch_rollback", Data: outcome})
	return nil
}

func (s *Session) classifyError(errorID string, modelTypes []string) error {
	e, err := s.findError(errorID)
	if err != nil {
		return err
	}
	families := map[mlengine.Target]mlengine.Family{}
	for _, mt := range modelTypes {
		families[mlengine.Target(mt)] = mlengine.FamilyLinear
	}
	result, err := s.deps.ML.Classify(e, families, s.deps.Settings.MLConfidenceThreshold, true)
	if err != nil {
		return err
	}
	s.emit(Event{Type: "ml_classification", Data: result})
	return nil
}

func (s *Session) trainModels(modelTypes []string) error {
	s.mu.Lock()
	records := make([]*debugger.PipelineError, len(s.errors))
	copy(records, s.errors)
	s.mu.Unlock()

	targets := mlengine.Targets()
	if len(modelTypes) > 0 {
		targets = nil
		for _, mt := range modelTypes {
			targets = append(targets, mlengine.Target(mt))
		}
	}
	results := map[string]interface{}{}
	for _, target := range targets {
		result, err := s.deps.ML.Train(records, target, mlengine.TrainOptions{})
		if err != nil {
			results[string(target)] = map[string]string{"error": err.Error()}
			continue
		}
		results[string(target)] = result
	}
	s.emit(Event{Type: "ml_training_result", Data: results})
	return nil
}

func (s *Session) exportSession(format string) error {
	data, err := Export(s, format)
	if err != nil {
		return err
	}
	s.emit(Event{Type: "session_exported", Data: map[string]string{
		"format":  format,
		"content": data,
	}})
	return nil
}

func (s *Session) finish(status Status) {
	s.mu.Lock()
	if s.status == StatusCompleted || s.status == StatusAborted {
		s.mu.Unlock()
		return
	}
	s.status = status
	now := s.clock.Now()
	s.endTime = &now
	s.mu.Unlock()

	s.emit(Event{Type: "session_update", Data: map[string]interface{}{
		"session_id": s.ID,
		"status":     status,
	}})
	s.closeSubscribers()
	s.deps.Logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"status":     status,
	}).Info("Debug session finished")
}

// Abort transitions the session to aborted, used on client disconnect.
// A no-op after exit.
func (s *Session) Abort() { s.finish(StatusAborted) }

// SessionSummary is the immutable aggregate view of a session.
type SessionSummary struct {
	SessionID     string     `json:"session_id"`
	PipelineID    string     `json:"pipeline_id"`
	Status        Status     `json:"status"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	ErrorCount    int        `json:"error_count"`
	AnalysisCount int        `json:"analysis_count"`
	PatchCount    int        `json:"patch_count"`
	PatchedCount  int        `json:"patched_count"`
	EventCount    int        `json:"event_count"`
	CommandCount  int        `json:"command_count"`
}

// Summary snapshots the session counters.
func (s *Session) Summary() SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSummary{
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
}

// Errors snapshots the session's error list.
func (s *Session) Errors() []*debugger.PipelineError {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*debugger.PipelineError, len(s.errors))
	copy(out, s.errors)
	return out
}

// Manager tracks live sessions by id.
type Manager struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds a session manager over shared dependencies.
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, sessions: map[string]*Session{}}
}

// Create starts a session for a pipeline's log content.
func (m *Manager) Create(ctx context.Context, pipelineID, logContent string) (*Session, error) {
	s, err := NewSession(ctx, pipelineID, logContent, m.deps)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s, nil
}

// Get looks a session up by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, contracts.E(contracts.KindNotFound, "no session with id %s", id)
	}
	return s, nil
}

// Remove drops a finished session from the registry.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

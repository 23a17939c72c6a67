package patcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// ApplyOutcome reports one apply or dry-run attempt.
type ApplyOutcome struct {
	SolutionID string    `json:"solution_id"`
	ErrorID    string    `json:"error_id"`
	DryRun     bool      `json:"dry_run"`
	Success    bool      `json:"success"`
	Output     string    `json:"output,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	AppliedAt  time.Time `json:"applied_at"`
}

// Runner owns the patch lifecycle: dry-run, apply with validation, and
// rollback. The applied-patches registry allows concurrent readers with
// serialized writers; at most one apply per solution id runs at a time.
type Runner struct {
	executor Executor
	timeout  time.Duration
	clock    contracts.Clock
	logger   *logrus.Logger

	mu       sync.RWMutex
	applied  map[string]*PatchSolution
	inFlight map[string]bool
}

// NewRunner builds a runner. timeout bounds each script execution.
func NewRunner(executor Executor, timeout time.Duration, clock contracts.Clock, logger *logrus.Logger) *Runner {
	if timeout == 0 {
		timeout = 300 * time.Second
	}
	return &Runner{
		executor: executor,
		timeout:  timeout,
		clock:    clock,
		logger:   logger,
		applied:  map[string]*PatchSolution{},
		inFlight: map[string]bool{},
	}
}

// DryRun validates the script against the safety denylist and verifies the
// declared dependencies are resolvable, executing nothing side-effecting.
// Multiple dry-runs may proceed in parallel.
func (r *Runner) DryRun(ctx context.Context, p *PatchSolution) (*ApplyOutcome, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := CheckSolutionSafety(p); err != nil {
		return nil, err
	}

	outcome := &ApplyOutcome{SolutionID: p.SolutionID, ErrorID: p.ErrorID, DryRun: true, AppliedAt: r.clock.Now()}
	for _, dep := range p.Dependencies {
		manager := dependencyManager(dep)
		if !r.executor.CommandAvailable(ctx, manager) {
			outcome.Reason = "dependency manager " + manager + " is not available"
			return outcome, nil
		}
	}
	outcome.Success = true

	r.logger.WithFields(logrus.Fields{
		"solution_id": p.SolutionID,
		"success":     outcome.Success,
	}).Info("Dry run completed")
	return outcome, nil
}

// Apply installs declared dependencies, executes the script inside the
// sandbox with the wall-clock budget, then runs every validation step in
// order; any failing step marks the apply failed. Successful applies are
// recorded in the applied registry; re-applying is rejected.
func (r *Runner) Apply(ctx context.Context, p *PatchSolution, approved bool) (*ApplyOutcome, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.RequiresApproval && !approved {
		return nil, contracts.E(contracts.KindForbidden, "solution %s requires approval", p.SolutionID)
	}
	if err := CheckSolutionSafety(p); err != nil {
		return nil, err
	}

	if err := r.acquire(p.SolutionID); err != nil {
		return nil, err
	}
	defer r.release(p.SolutionID)

	outcome := &ApplyOutcome{SolutionID: p.SolutionID, ErrorID: p.ErrorID, AppliedAt: r.clock.Now()}

	for _, dep := range p.Dependencies {
		if err := r.installDependency(ctx, dep); err != nil {
			outcome.Reason = "dependency installation failed: " + err.Error()
			return outcome, nil
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	output, err := r.executor.Run(execCtx, p.PatchScript)
	outcome.Output = output
	if err != nil {
		outcome.Reason = err.Error()
		r.logger.WithError(err).WithField("solution_id", p.SolutionID).Warn("Patch execution failed")
		return outcome, nil
	}

	for _, step := range p.ValidationSteps {
		stepCtx, stepCancel := context.WithTimeout(ctx, r.timeout)
		_, err := r.executor.Run(stepCtx, step)
		stepCancel()
		if err != nil {
			outcome.Reason = "validation step failed: " + step
			r.logger.WithField("solution_id", p.SolutionID).WithField("step", step).Warn("Validation step failed")
			return outcome, nil
		}
	}

	outcome.Success = true
	r.mu.Lock()
	r.applied[p.SolutionID] = p
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"solution_id": p.SolutionID,
		"error_id":    p.ErrorID,
		"patch_type":  p.PatchType,
	}).Info("Patch applied")
	return outcome, nil
}

// Rollback reverts a previously applied patch. Requires reversibility and
// a rollback script; a second rollback of the same id reports not-found.
func (r *Runner) Rollback(ctx context.Context, solutionID string) (*ApplyOutcome, error) {
	r.mu.RLock()
	p, ok := r.applied[solutionID]
	r.mu.RUnlock()
	if !ok {
		return nil, contracts.E(contracts.KindNotFound, "no applied patch with id %s", solutionID)
	}
	if !p.IsReversible || p.RollbackScript == "" {
		return nil, contracts.E(contracts.KindValidation, "patch %s is not reversible", solutionID)
	}
	if err := CheckScriptSafety(p.RollbackScript); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	output, err := r.executor.Run(execCtx, p.RollbackScript)

	outcome := &ApplyOutcome{SolutionID: solutionID, ErrorID: p.ErrorID, Output: output, AppliedAt: r.clock.Now()}
	if err != nil {
		outcome.Reason = err.Error()
		return outcome, nil
	}
	outcome.Success = true

	r.mu.Lock()
	delete(r.applied, solutionID)
	r.mu.Unlock()

	r.logger.WithField("solution_id", solutionID).Info("Patch rolled back")
	return outcome, nil
}

// Applied returns the solution recorded under id, if any.
func (r *Runner) Applied(id string) (*PatchSolution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.applied[id]
	return p, ok
}

// AppliedIDs lists every currently applied solution id.
func (r *Runner) AppliedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.applied))
	for id := range r.applied {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runner) acquire(solutionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.applied[solutionID]; done {
		return contracts.E(contracts.KindConflict, "patch %s is already applied", solutionID)
	}
	if r.inFlight[solutionID] {
		return contracts.E(contracts.KindConflict, "patch %s apply already in progress", solutionID)
	}
	r.inFlight[solutionID] = true
	return nil
}

func (r *Runner) release(solutionID string) {
	r.mu.Lock()
	delete(r.inFlight, solutionID)
	r.mu.Unlock()
}

// installDependency dispatches on the declared prefix; bare names default
// to pip.
func (r *Runner) installDependency(ctx context.Context, dep string) error {
	var script string
	switch {
	case strings.HasPrefix(dep, "pip:"):
		script = "pip install " + strings.TrimSpace(strings.TrimPrefix(dep, "pip:"))
	case strings.HasPrefix(dep, "npm:"):
		script = "npm install " + strings.TrimSpace(strings.TrimPrefix(dep, "npm:"))
	default:
		script = "pip install " + strings.TrimSpace(dep)
	}
	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.executor.Run(execCtx, script)
	return err
}

func dependencyManager(dep string) string {
	switch {
	case strings.HasPrefix(dep, "npm:"):
		return "npm"
	default:
		return "pip"
	}
}

// Package patcher synthesizes patch solutions for pipeline errors from
// templates or the chat model, and owns their lifecycle: dry-run, apply,
// validate, and rollback.
package patcher

import (
	"github.com/tosin2013/pipeline-guardian/contracts"
)

// PatchType identifies the family of a patch solution.
type PatchType string

const (
	PatchDependency    PatchType = "dependency"
	PatchPermission    PatchType = "permission"
	PatchConfiguration PatchType = "configuration"
	PatchNetwork       PatchType = "network"
	PatchResource      PatchType = "resource"
	PatchTest          PatchType = "test"
	PatchSecurity      PatchType = "security"
	PatchAIGenerated   PatchType = "ai_generated"
)

// PatchSolution is one executable remediation for a pipeline error.
// Invariant: a reversible patch always carries a rollback script.
type PatchSolution struct {
	SolutionID           string    `json:"solution_id"`
	ErrorID              string    `json:"error_id"`
	PatchType            PatchType `json:"patch_type"`
	PatchScript          string    `json:"patch_script"`
	IsReversible         bool      `json:"is_reversible"`
	RequiresApproval     bool      `json:"requires_approval"`
	EstimatedSuccessRate float64   `json:"estimated_success_rate"`
	Dependencies         []string  `json:"dependencies,omitempty"`
	ValidationSteps      []string  `json:"validation_steps,omitempty"`
	RollbackScript       string    `json:"rollback_script,omitempty"`
}

// Validate checks the solution's structural invariants.
func (p *PatchSolution) Validate() error {
	if p.SolutionID == "" {
		return contracts.E(contracts.KindValidation, "solution id must not be empty")
	}
	if p.PatchScript == "" {
		return contracts.E(contracts.KindValidation, "patch script must not be empty")
	}
	if p.IsReversible && p.RollbackScript == "" {
		return contracts.E(contracts.KindValidation, "reversible patch %s has no rollback script", p.SolutionID)
	}
	return nil
}

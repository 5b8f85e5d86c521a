package workflow

import (
	"fmt"

	"github.com/safee-analytics/be-approvals/internal/apperrors"
	"github.com/safee-analytics/be-approvals/internal/repository"
)

// ValidateSteps checks a workflow's step templates: orders must be unique and
// contiguous from 1, step and approver types must be known, and parallel
// thresholds must be coherent. Called on workflow create/update and again
// before instantiation as a guard against configs written before a rule
// change.
func ValidateSteps(steps []*repository.ApprovalWorkflowStep) error {
	if len(steps) == 0 {
		return apperrors.InvalidInput("steps", "workflow requires at least one step")
	}

	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if seen[s.StepOrder] {
			return apperrors.InvalidInput("step_order", fmt.Sprintf("duplicate step order %d", s.StepOrder))
		}
		seen[s.StepOrder] = true

		switch s.StepType {
		case repository.StepTypeSingle, repository.StepTypeAny:
		case repository.StepTypeParallel:
			if s.MinApprovals < 1 {
				return apperrors.InvalidInput("min_approvals",
					fmt.Sprintf("step %d: parallel steps require min_approvals >= 1", s.StepOrder))
			}
			if s.RequiredApprovers > 0 && s.MinApprovals > s.RequiredApprovers {
				return apperrors.InvalidInput("min_approvals",
					fmt.Sprintf("step %d: min_approvals exceeds required_approvers", s.StepOrder))
			}
		default:
			return apperrors.InvalidInput("step_type",
				fmt.Sprintf("step %d: unsupported step type %q", s.StepOrder, s.StepType))
		}

		switch s.ApproverType {
		case repository.ApproverTypeRole, repository.ApproverTypeTeam, repository.ApproverTypeUser:
		default:
			return apperrors.InvalidInput("approver_type",
				fmt.Sprintf("step %d: unsupported approver type %q", s.StepOrder, s.ApproverType))
		}
	}

	for order := 1; order <= len(steps); order++ {
		if !seen[order] {
			return apperrors.InvalidInput("step_order",
				fmt.Sprintf("step orders must be contiguous from 1; missing order %d", order))
		}
	}
	return nil
}

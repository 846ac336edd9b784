package incident

import (
	"errors"
	"fmt"
	"strings"
)

// ValidatePlan checks the structural invariants of a remediation plan: at
// least one step, indices 0..n-1 in order, every step and rollback names an
// action, and the risk level is known. Violations wrap ErrPlanningFailed.
func ValidatePlan(p *RemediationPlan) error {
	if p == nil {
		return fmt.Errorf("%w: plan is nil", ErrPlanningFailed)
	}

	var errs []error
	if len(p.Steps) == 0 {
		errs = append(errs, errors.New("plan has no steps"))
	}
	if p.Risk != "" && SeverityRank(p.Risk) == 0 {
		errs = append(errs, fmt.Errorf("unknown risk level %q", p.Risk))
	}
	for i, s := range p.Steps {
		if s.Index != i {
			errs = append(errs, fmt.Errorf("step %d: index %d out of order", i, s.Index))
		}
		if strings.TrimSpace(s.Action.Name) == "" {
			errs = append(errs, fmt.Errorf("step %d: action name is required", i))
		}
		if s.Rollback != nil && strings.TrimSpace(s.Rollback.Name) == "" {
			errs = append(errs, fmt.Errorf("step %d: rollback action name is required", i))
		}
		if s.Verify != nil && strings.TrimSpace(s.Verify.Name) == "" {
			errs = append(errs, fmt.Errorf("step %d: verify check name is required", i))
		}
	}
	if p.Verification != nil && strings.TrimSpace(p.Verification.Name) == "" {
		errs = append(errs, errors.New("verification check name is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPlanningFailed, errors.Join(errs...))
	}
	return nil
}

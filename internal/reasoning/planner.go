package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/incident"
)

// PlanPolicy bounds the plans the planner accepts.
type PlanPolicy interface {
	Check(plan *incident.RemediationPlan) error
	Catalog() string
}

type planAnswer struct {
	Title             string       `json:"title" validate:"required"`
	Summary           string       `json:"summary"`
	RiskLevel         string       `json:"risk_level" validate:"required,oneof=low medium high critical"`
	EstimatedDuration string       `json:"estimated_duration"`
	Steps             []stepAnswer `json:"steps" validate:"required,min=1,dive"`
	Prerequisites     []string     `json:"prerequisites"`
	Verification      *checkAnswer `json:"verification"`
}

type stepAnswer struct {
	Step        int            `json:"step"`
	Description string         `json:"description"`
	Action      string         `json:"action" validate:"required"`
	Parameters  map[string]any `json:"parameters"`
	Verify      *checkAnswer   `json:"verify"`
	Rollback    *actionAnswer  `json:"rollback"`
}

type checkAnswer struct {
	Check      string         `json:"check" validate:"required"`
	Parameters map[string]any `json:"parameters"`
}

type actionAnswer struct {
	Action     string         `json:"action" validate:"required"`
	Parameters map[string]any `json:"parameters"`
}

func (c *checkAnswer) toCheck() *incident.Check {
	if c == nil {
		return nil
	}
	return &incident.Check{Name: c.Check, Params: c.Parameters}
}

// toPlan maps the answer onto a plan. Step numbers are 1-based in the
// answer and shifted to 0-based indices without renumbering, so gaps and
// reordering surface in ValidatePlan.
func (ans *planAnswer) toPlan(id string, now time.Time) *incident.RemediationPlan {
	p := &incident.RemediationPlan{
		ID:           id,
		Title:        ans.Title,
		Summary:      ans.Summary,
		Risk:         ans.RiskLevel,
		Verification: ans.Verification.toCheck(),
		CreatedAt:    now,
	}
	for _, pre := range ans.Prerequisites {
		if pre = strings.TrimSpace(pre); pre != "" {
			p.Prerequisites = append(p.Prerequisites, pre)
		}
	}
	if d, err := time.ParseDuration(ans.EstimatedDuration); err == nil {
		p.EstimatedDuration = d
	}
	for _, s := range ans.Steps {
		step := incident.PlanStep{
			Index:       s.Step - 1,
			Description: s.Description,
			Action:      incident.Action{Name: s.Action, Params: s.Parameters},
			Verify:      s.Verify.toCheck(),
		}
		if s.Rollback != nil {
			step.Rollback = &incident.Action{Name: s.Rollback.Action, Params: s.Rollback.Parameters}
		}
		p.Steps = append(p.Steps, step)
	}
	return p
}

// Planner is the planning stage.
type Planner struct {
	engine *Engine
	policy PlanPolicy
	retry  RetryPolicy
	now    func() time.Time
}

// NewPlanner creates the planning stage. policy must not be nil.
func NewPlanner(engine *Engine, policy PlanPolicy, rp RetryPolicy) *Planner {
	return &Planner{engine: engine, policy: policy, retry: rp, now: time.Now}
}

// errRejected marks a plan that parsed but broke an invariant or the policy.
// Such plans are not retried.
var errRejected = errors.New("plan rejected")

// Plan proposes a remediation plan for inc. Every failure wraps
// incident.ErrPlanningFailed.
func (p *Planner) Plan(ctx context.Context, inc *incident.Incident, analysis *incident.AnalysisResult) (*incident.RemediationPlan, error) {
	if analysis == nil {
		return nil, fmt.Errorf("%w: no analysis", incident.ErrPlanningFailed)
	}
	L := p.engine.loggerFor(ctx)
	system := planningSystem(p.policy.Catalog())

	var (
		out      *incident.RemediationPlan
		rejected error
	)
	err := p.retry.do(ctx, func(attempt uint) error {
		res, err := p.engine.Run(ctx, Conversation{
			IncidentID: inc.ID,
			Stage:      "planning",
			System:     system,
			Prompt:     planningPrompt(inc, analysis),
		})
		if err != nil {
			L.Warn(ctx, "planning attempt failed", "attempt", attempt, "err", err)
			return err
		}
		var ans planAnswer
		if err := decodeAnswer(res.Text, &ans); err != nil {
			L.Warn(ctx, "plan answer rejected", "attempt", attempt, "err", err)
			return err
		}

		plan := ans.toPlan(ulid.Make().String(), p.now())
		if err := incident.ValidatePlan(plan); err != nil {
			rejected = err
			return nil
		}
		if err := p.policy.Check(plan); err != nil {
			rejected = err
			return nil
		}
		out = plan
		L.Info(ctx, "plan proposed",
			"attempt", attempt,
			"plan_id", plan.ID,
			"steps", len(plan.Steps),
			"risk", plan.Risk,
			"tokens", res.Tokens,
		)
		return nil
	})
	switch {
	case err != nil:
		return nil, fmt.Errorf("%w: %w", incident.ErrPlanningFailed, err)
	case rejected != nil:
		L.Warn(ctx, "plan rejected", "err", rejected)
		return nil, fmt.Errorf("%w: %w: %w", incident.ErrPlanningFailed, errRejected, rejected)
	}
	return out, nil
}

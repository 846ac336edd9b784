// Package policy holds the action policy that bounds what a remediation plan
// may do: which actions and checks exist, their required parameters, the
// highest acceptable risk and the maximum number of steps.
package policy

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/linnemanlabs/warden/internal/incident"
)

// ErrViolation is wrapped by every plan rejection.
var ErrViolation = errors.New("policy violation")

// Policy is loaded once at startup and never changes.
type Policy struct {
	MaxSteps    int          `mapstructure:"max_steps" validate:"gte=0"`
	MaxRisk     string       `mapstructure:"max_risk" validate:"omitempty,oneof=low medium high critical"`
	Actions     []ActionRule `mapstructure:"actions" validate:"unique=Name,dive"`
	Checks      []CheckRule  `mapstructure:"checks" validate:"unique=Name,dive"`
	Diagnostics []string     `mapstructure:"diagnostics" validate:"unique,dive,required"`
}

// ActionRule allows one action name.
type ActionRule struct {
	Name            string   `mapstructure:"name" validate:"required"`
	Description     string   `mapstructure:"description"`
	RequiredParams  []string `mapstructure:"required_params"`
	RequireRollback bool     `mapstructure:"require_rollback"`
}

// CheckRule allows one check name.
type CheckRule struct {
	Name           string   `mapstructure:"name" validate:"required"`
	Description    string   `mapstructure:"description"`
	RequiredParams []string `mapstructure:"required_params"`
}

// AllowAll is the policy used when no policy file is configured: any
// action or check name is accepted.
func AllowAll() *Policy { return &Policy{} }

// Load reads a policy file (YAML, JSON or TOML, by extension) and validates it.
func Load(path string) (*Policy, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	var p Policy
	if err := v.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", path, err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return &p, nil
}

func (p *Policy) action(name string) (ActionRule, bool) {
	i := slices.IndexFunc(p.Actions, func(r ActionRule) bool { return r.Name == name })
	if i < 0 {
		return ActionRule{}, false
	}
	return p.Actions[i], true
}

func (p *Policy) check(name string) (CheckRule, bool) {
	i := slices.IndexFunc(p.Checks, func(r CheckRule) bool { return r.Name == name })
	if i < 0 {
		return CheckRule{}, false
	}
	return p.Checks[i], true
}

// Check reports every way plan violates the policy, joined and wrapped with
// ErrViolation. A nil error means the plan is acceptable.
func (p *Policy) Check(plan *incident.RemediationPlan) error {
	var errs []error
	if p.MaxSteps > 0 && len(plan.Steps) > p.MaxSteps {
		errs = append(errs, fmt.Errorf("plan has %d steps, limit is %d", len(plan.Steps), p.MaxSteps))
	}
	if p.MaxRisk != "" && incident.SeverityRank(plan.Risk) > incident.SeverityRank(p.MaxRisk) {
		errs = append(errs, fmt.Errorf("plan risk %s exceeds %s", plan.Risk, p.MaxRisk))
	}
	for _, s := range plan.Steps {
		errs = append(errs, p.checkAction(s.Index, "action", s.Action, s.Rollback == nil)...)
		if s.Rollback != nil {
			errs = append(errs, p.checkAction(s.Index, "rollback", *s.Rollback, false)...)
		}
		if s.Verify != nil {
			errs = append(errs, p.checkCheck(fmt.Sprintf("step %d verify", s.Index), *s.Verify)...)
		}
	}
	if plan.Verification != nil {
		errs = append(errs, p.checkCheck("verification", *plan.Verification)...)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrViolation, errors.Join(errs...))
}

func (p *Policy) checkAction(idx int, kind string, a incident.Action, missingRollback bool) []error {
	if len(p.Actions) == 0 {
		return nil
	}
	rule, ok := p.action(a.Name)
	if !ok {
		return []error{fmt.Errorf("step %d %s %q is not allowed", idx, kind, a.Name)}
	}
	var errs []error
	for _, k := range missingParams(rule.RequiredParams, a.Params) {
		errs = append(errs, fmt.Errorf("step %d %s %q missing parameter %q", idx, kind, a.Name, k))
	}
	if rule.RequireRollback && missingRollback {
		errs = append(errs, fmt.Errorf("step %d action %q requires a rollback", idx, a.Name))
	}
	return errs
}

func (p *Policy) checkCheck(where string, c incident.Check) []error {
	if len(p.Checks) == 0 {
		return nil
	}
	rule, ok := p.check(c.Name)
	if !ok {
		return []error{fmt.Errorf("%s check %q is not allowed", where, c.Name)}
	}
	var errs []error
	for _, k := range missingParams(rule.RequiredParams, c.Params) {
		errs = append(errs, fmt.Errorf("%s check %q missing parameter %q", where, c.Name, k))
	}
	return errs
}

func missingParams(required []string, params map[string]any) []string {
	var out []string
	for _, k := range required {
		if _, ok := params[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// Catalog renders the allowed actions and checks for inclusion in a
// planning prompt. It returns "" for an allow-all policy.
func (p *Policy) Catalog() string {
	if len(p.Actions) == 0 && len(p.Checks) == 0 {
		return ""
	}
	var b strings.Builder
	if len(p.Actions) > 0 {
		b.WriteString("Allowed actions:\n")
		for _, a := range p.Actions {
			writeRule(&b, a.Name, a.Description, a.RequiredParams)
			if a.RequireRollback {
				b.WriteString("    (rollback required)\n")
			}
		}
	}
	if len(p.Checks) > 0 {
		b.WriteString("Allowed checks:\n")
		for _, c := range p.Checks {
			writeRule(&b, c.Name, c.Description, c.RequiredParams)
		}
	}
	if p.MaxSteps > 0 {
		fmt.Fprintf(&b, "At most %d steps.\n", p.MaxSteps)
	}
	if p.MaxRisk != "" {
		fmt.Fprintf(&b, "Plan risk must not exceed %s.\n", p.MaxRisk)
	}
	return b.String()
}

func writeRule(b *strings.Builder, name, desc string, params []string) {
	fmt.Fprintf(b, "  - %s", name)
	if desc != "" {
		fmt.Fprintf(b, ": %s", desc)
	}
	if len(params) > 0 {
		fmt.Fprintf(b, " (parameters: %s)", strings.Join(params, ", "))
	}
	b.WriteString("\n")
}

package reasoning

import (
	"context"
	"fmt"
	"time"

	"github.com/Songmu/retry"

	"github.com/linnemanlabs/warden/internal/incident"
)

// RetryPolicy bounds how often a stage asks the provider again after a
// failed attempt. Attempts <= 1 means a single attempt.
type RetryPolicy struct {
	Attempts uint
	Interval time.Duration
}

func (p RetryPolicy) attempts() uint { return max(p.Attempts, 1) }

// do runs fn under the policy, stopping early once ctx is done.
func (p RetryPolicy) do(ctx context.Context, fn func(attempt uint) error) error {
	var attempt uint
	return retry.Retry(p.attempts(), p.Interval, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		return fn(attempt)
	})
}

type analysisAnswer struct {
	RootCause            string   `json:"root_cause" validate:"required"`
	Severity             string   `json:"severity" validate:"required,oneof=low medium high critical"`
	AffectedComponents   []string `json:"affected_components"`
	InvestigationSummary string   `json:"investigation_summary" validate:"required"`
	Confidence           *float64 `json:"confidence" validate:"omitnil,gte=0,lte=1"`
	Evidence             []string `json:"evidence"`
}

// Analyzer is the analysis stage.
type Analyzer struct {
	engine *Engine
	retry  RetryPolicy
	now    func() time.Time
}

// NewAnalyzer creates the analysis stage on top of engine.
func NewAnalyzer(engine *Engine, rp RetryPolicy) *Analyzer {
	return &Analyzer{engine: engine, retry: rp, now: time.Now}
}

// Analyze diagnoses inc. Every failure wraps incident.ErrAnalysisFailed.
func (a *Analyzer) Analyze(ctx context.Context, inc *incident.Incident) (*incident.AnalysisResult, error) {
	L := a.engine.loggerFor(ctx)

	var out *incident.AnalysisResult
	err := a.retry.do(ctx, func(attempt uint) error {
		res, err := a.engine.Run(ctx, Conversation{
			IncidentID: inc.ID,
			Stage:      "analysis",
			System:     analysisSystemPrompt,
			Prompt:     analysisPrompt(inc),
		})
		if err != nil {
			L.Warn(ctx, "analysis attempt failed", "attempt", attempt, "err", err)
			return err
		}
		var ans analysisAnswer
		if err := decodeAnswer(res.Text, &ans); err != nil {
			L.Warn(ctx, "analysis answer rejected", "attempt", attempt, "err", err)
			return err
		}
		out = &incident.AnalysisResult{
			RootCause:          ans.RootCause,
			Severity:           ans.Severity,
			AffectedComponents: ans.AffectedComponents,
			Summary:            ans.InvestigationSummary,
			Confidence:         ans.Confidence,
			Evidence:           ans.Evidence,
			CreatedAt:          a.now(),
		}
		L.Info(ctx, "analysis complete",
			"attempt", attempt,
			"severity", ans.Severity,
			"tokens", res.Tokens,
			"tool_calls", res.ToolCalls,
		)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", incident.ErrAnalysisFailed, err)
	}
	return out, nil
}

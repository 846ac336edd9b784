package approval

import (
	"context"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/incident"
)

// LogPublisher announces approval requests in the log only. Decisions then
// arrive through the HTTP API. It is used when no chat channel is configured.
type LogPublisher struct {
	logger log.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger log.Logger) *LogPublisher {
	if logger == nil {
		logger = log.Nop()
	}
	return &LogPublisher{logger: logger}
}

// PublishApproval logs the plan. It returns an empty ref, so the gate never
// asks to update it.
func (p *LogPublisher) PublishApproval(ctx context.Context, inc *incident.Incident, plan *incident.RemediationPlan, req *incident.ApprovalRequest) (string, error) {
	actions := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		actions = append(actions, s.Action.Name)
	}
	p.logger.Info(ctx, "plan awaiting approval",
		"approval_id", req.ID,
		"incident_id", inc.ID,
		"alert", inc.AlertName(),
		"plan", plan.Title,
		"risk", plan.Risk,
		"actions", actions,
		"deadline", req.Deadline,
	)
	return "", nil
}

// UpdateApproval logs the resolution.
func (p *LogPublisher) UpdateApproval(ctx context.Context, req *incident.ApprovalRequest) error {
	p.logger.Info(ctx, "approval resolved", "approval_id", req.ID, "status", string(req.Status), "actor", req.Actor)
	return nil
}

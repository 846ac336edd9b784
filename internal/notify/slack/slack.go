// Package slack is warden's notification and approval channel. It publishes
// approval requests with interactive buttons, reports incident progress and
// outcomes, and turns button clicks and app mentions into gate decisions and
// status replies.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Songmu/retry"
	goslack "github.com/slack-go/slack"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/incident"
)

const (
	defaultRetries  = 5
	defaultInterval = 2 * time.Second
)

// Notifier posts to one channel through the Slack Web API.
type Notifier struct {
	api      *goslack.Client
	channel  string
	logger   log.Logger
	retries  uint
	interval time.Duration
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithRetry sets how often a failed Slack write is attempted and the pause
// between attempts.
func WithRetry(attempts uint, interval time.Duration) Option {
	return func(n *Notifier) {
		n.retries = attempts
		n.interval = interval
	}
}

// New creates a notifier posting to channel.
func New(api *goslack.Client, channel string, logger log.Logger, opts ...Option) *Notifier {
	if api == nil {
		panic(xerrors.New("slack.New: api client is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	n := &Notifier{
		api:      api,
		channel:  channel,
		logger:   logger,
		retries:  defaultRetries,
		interval: defaultInterval,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// messageRef identifies a posted message as "<channel id>/<ts>".
func messageRef(channel, ts string) string { return channel + "/" + ts }

func parseRef(ref string) (channel, ts string, err error) {
	channel, ts, ok := strings.Cut(ref, "/")
	if !ok || channel == "" || ts == "" {
		return "", "", fmt.Errorf("invalid message ref %q", ref)
	}
	return channel, ts, nil
}

// post sends blocks to the channel with retries and returns the message ref.
func (n *Notifier) post(ctx context.Context, fallback string, blocks []goslack.Block, opts ...goslack.MsgOption) (string, error) {
	opts = append([]goslack.MsgOption{
		goslack.MsgOptionText(fallback, false),
		goslack.MsgOptionBlocks(blocks...),
	}, opts...)

	var ch, ts string
	err := retry.Retry(n.retries, n.interval, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		ch, ts, err = n.api.PostMessageContext(ctx, n.channel, opts...)
		if err != nil {
			n.logger.Warn(ctx, "slack post failed", "channel", n.channel, "err", err)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("slack: post message: %w", err)
	}
	return messageRef(ch, ts), nil
}

func (n *Notifier) update(ctx context.Context, ref, fallback string, blocks []goslack.Block) error {
	ch, ts, err := parseRef(ref)
	if err != nil {
		return err
	}
	err = retry.Retry(n.retries, n.interval, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, _, _, err := n.api.UpdateMessageContext(ctx, ch, ts,
			goslack.MsgOptionText(fallback, false),
			goslack.MsgOptionBlocks(blocks...),
		)
		if err != nil {
			n.logger.Warn(ctx, "slack update failed", "channel", ch, "ts", ts, "err", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("slack: update message: %w", err)
	}
	return nil
}

// PublishApproval posts the plan with approve and reject buttons and
// returns the message ref.
func (n *Notifier) PublishApproval(ctx context.Context, inc *incident.Incident, plan *incident.RemediationPlan, req *incident.ApprovalRequest) (string, error) {
	fallback := fmt.Sprintf("Remediation plan for %s awaits approval: %s", alertTitle(inc), plan.Title)
	return n.post(ctx, fallback, approvalBlocks(inc, plan, req))
}

// UpdateApproval replaces the buttons with the resolution.
func (n *Notifier) UpdateApproval(ctx context.Context, req *incident.ApprovalRequest) error {
	return n.update(ctx, req.MessageRef, fmt.Sprintf("Approval %s", req.Status), resolvedBlocks(req))
}

// ReportAnalysis posts the diagnosis before planning starts.
func (n *Notifier) ReportAnalysis(ctx context.Context, inc *incident.Incident) error {
	if inc.Analysis == nil {
		return errors.New("slack: incident has no analysis")
	}
	_, err := n.post(ctx, "Analysis for "+alertTitle(inc)+": "+inc.Analysis.RootCause, analysisBlocks(inc))
	return err
}

// ReportOutcome posts the terminal outcome with the execution record, if any.
func (n *Notifier) ReportOutcome(ctx context.Context, inc *incident.Incident) error {
	fallback := fmt.Sprintf("%s: %s", alertTitle(inc), inc.Stage)
	if inc.Execution != nil && inc.Execution.RollbackIncomplete {
		fallback += " (rollback incomplete)"
	}
	_, err := n.post(ctx, fallback, outcomeBlocks(inc))
	return err
}

// ReportError posts a stage failure.
func (n *Notifier) ReportError(ctx context.Context, inc *incident.Incident, cause error) error {
	_, err := n.post(ctx, fmt.Sprintf("Error handling %s: %v", alertTitle(inc), cause), errorBlocks(inc, cause))
	return err
}

// reply posts plain text into a thread of channel.
func (n *Notifier) reply(ctx context.Context, channel, threadTS, text string) error {
	err := retry.Retry(n.retries, n.interval, func() error {
		_, _, err := n.api.PostMessageContext(ctx, channel,
			goslack.MsgOptionText(text, false),
			goslack.MsgOptionTS(threadTS),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("slack: reply: %w", err)
	}
	return nil
}

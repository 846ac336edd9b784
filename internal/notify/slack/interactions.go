package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/approval"
	"github.com/linnemanlabs/warden/internal/incident"
)

// Decider applies approval decisions.
type Decider interface {
	Decide(ctx context.Context, approvalID, actor string, approve bool) (*incident.ApprovalRequest, error)
}

// StatusReader is the read side of the incident store.
type StatusReader interface {
	Get(ctx context.Context, id string) (*incident.Incident, error)
	List(ctx context.Context) ([]*incident.Incident, error)
}

// Interactions dispatches Slack button clicks to the approval gate and
// answers app mentions from store state.
type Interactions struct {
	notifier *Notifier
	decider  Decider
	status   StatusReader
	logger   log.Logger
}

// NewInteractions wires the interaction handlers.
func NewInteractions(n *Notifier, d Decider, s StatusReader, logger log.Logger) *Interactions {
	if logger == nil {
		logger = log.Nop()
	}
	return &Interactions{notifier: n, decider: d, status: s, logger: logger}
}

// HandleInteraction applies approve and reject clicks. Late or unknown
// decisions are logged and discarded.
func (h *Interactions) HandleInteraction(ctx context.Context, cb *goslack.InteractionCallback) error {
	if cb.Type != goslack.InteractionTypeBlockActions {
		return nil
	}
	for _, act := range cb.ActionCallback.BlockActions {
		var approve bool
		switch act.ActionID {
		case ActionApprove:
			approve = true
		case ActionReject:
		default:
			continue
		}
		actor := "slack:" + cb.User.ID
		_, err := h.decider.Decide(ctx, act.Value, actor, approve)
		switch {
		case err == nil:
		case errors.Is(err, approval.ErrAlreadyResolved), errors.Is(err, approval.ErrUnknownRequest):
			h.logger.Warn(ctx, "slack decision discarded", "approval_id", act.Value, "actor", actor, "err", err)
		default:
			return fmt.Errorf("decide %s: %w", act.Value, err)
		}
	}
	return nil
}

var mentionRe = regexp.MustCompile(`<@[A-Z0-9]+>`)

const helpText = "Commands:\n" +
	"• `status`: list active incidents\n" +
	"• `status <incident id>`: show one incident\n" +
	"• `help`: show this message"

// HandleMention answers `status [id]` and `help`. It only reads state.
func (h *Interactions) HandleMention(ctx context.Context, ev *slackevents.AppMentionEvent) error {
	thread := ev.ThreadTimeStamp
	if thread == "" {
		thread = ev.TimeStamp
	}
	return h.notifier.reply(ctx, ev.Channel, thread, h.command(ctx, ev.Text))
}

func (h *Interactions) command(ctx context.Context, text string) string {
	args := strings.Fields(mentionRe.ReplaceAllString(text, ""))
	if len(args) == 0 || !strings.EqualFold(args[0], "status") {
		return helpText
	}
	if len(args) > 1 {
		inc, err := h.status.Get(ctx, args[1])
		if errors.Is(err, incident.ErrNotFound) {
			return fmt.Sprintf("No incident `%s`.", args[1])
		}
		if err != nil {
			h.logger.Error(ctx, err, "status lookup failed", "incident_id", args[1])
			return "Status is unavailable right now."
		}
		return describe(inc)
	}

	all, err := h.status.List(ctx)
	if err != nil {
		h.logger.Error(ctx, err, "status list failed")
		return "Status is unavailable right now."
	}
	active := slices.DeleteFunc(all, func(inc *incident.Incident) bool { return inc.Stage.Terminal() })
	if len(active) == 0 {
		return "No active incidents."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d active incident(s):\n", len(active))
	for _, inc := range active {
		fmt.Fprintf(&b, "• `%s` %s: %s (since %s)\n", inc.ID, alertTitle(inc), inc.Stage, inc.CreatedAt.UTC().Format(timeLayout))
	}
	return b.String()
}

func describe(inc *incident.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* `%s`\nStage: %s, updated %s\n", alertTitle(inc), inc.ID, inc.Stage, inc.UpdatedAt.UTC().Format(timeLayout))
	if inc.Analysis != nil {
		fmt.Fprintf(&b, "Root cause: %s (%s)\n", inc.Analysis.RootCause, inc.Analysis.Severity)
	}
	if inc.Plan != nil {
		fmt.Fprintf(&b, "Plan: %s, %d step(s), risk %s\n", inc.Plan.Title, len(inc.Plan.Steps), inc.Plan.Risk)
	}
	if a := inc.Approval; a != nil {
		fmt.Fprintf(&b, "Approval: %s", a.Status)
		if a.Actor != "" {
			fmt.Fprintf(&b, " by %s", actorRef(a.Actor))
		}
		b.WriteString("\n")
	}
	if ex := inc.Execution; ex != nil {
		fmt.Fprintf(&b, "Execution: %s", ex.Status)
		if ex.RollbackIncomplete {
			b.WriteString(" ⚠️ rollback incomplete")
		}
		b.WriteString("\n")
	}
	if inc.Outcome != nil && inc.Outcome.Reason != "" {
		fmt.Fprintf(&b, "Outcome: %s\n", inc.Outcome.Reason)
	}
	return b.String()
}

// RunSocketMode consumes Socket Mode events until ctx ends.
func (h *Interactions) RunSocketMode(ctx context.Context, sm *socketmode.Client) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sm.Events:
				if !ok {
					return
				}
				h.dispatch(ctx, sm, evt)
			}
		}
	}()
	return sm.RunContext(ctx)
}

func (h *Interactions) dispatch(ctx context.Context, sm *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		h.logger.Info(ctx, "slack socket mode connected")
	case socketmode.EventTypeEventsAPI:
		sm.Ack(*evt.Request)
		payload, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || payload.Type != slackevents.CallbackEvent {
			return
		}
		if ev, ok := payload.InnerEvent.Data.(*slackevents.AppMentionEvent); ok {
			if err := h.HandleMention(ctx, ev); err != nil {
				h.logger.Error(ctx, err, "app mention failed", "channel", ev.Channel)
			}
		}
	case socketmode.EventTypeInteractive:
		sm.Ack(*evt.Request)
		cb, ok := evt.Data.(goslack.InteractionCallback)
		if !ok {
			return
		}
		if err := h.HandleInteraction(ctx, &cb); err != nil {
			h.logger.Error(ctx, err, "slack interaction failed")
		}
	}
}

// ServeHTTP handles interaction payloads posted to the interactivity URL.
// The request signature must already be verified by middleware.
func (h *Interactions) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	var cb goslack.InteractionCallback
	if err := json.Unmarshal([]byte(r.PostFormValue("payload")), &cb); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	// Slack expects an answer within 3s.
	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := h.HandleInteraction(bg, &cb); err != nil {
			h.logger.Error(bg, err, "slack interaction failed")
		}
	}()
	w.WriteHeader(http.StatusOK)
}

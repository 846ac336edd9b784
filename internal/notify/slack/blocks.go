package slack

import (
	"fmt"
	"slices"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/linnemanlabs/warden/internal/incident"
)

// Button action IDs. The button value carries the approval ID.
const (
	ActionApprove = "warden_approve"
	ActionReject  = "warden_reject"
)

const (
	maxSectionLen = 2900
	timeLayout    = "2006-01-02 15:04 UTC"
)

func mrkdwn(text string) *goslack.TextBlockObject {
	return goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false)
}

func plain(text string) *goslack.TextBlockObject {
	return goslack.NewTextBlockObject(goslack.PlainTextType, truncate(text, 150), true, false)
}

func section(text string) *goslack.SectionBlock {
	return goslack.NewSectionBlock(mrkdwn(truncate(text, maxSectionLen)), nil, nil)
}

func fields(kv ...string) *goslack.SectionBlock {
	var fs []*goslack.TextBlockObject
	for i := 0; i+1 < len(kv); i += 2 {
		fs = append(fs, mrkdwn(fmt.Sprintf("*%s:* %s", kv[i], kv[i+1])))
	}
	return goslack.NewSectionBlock(nil, fs, nil)
}

func footer(inc *incident.Incident, extra ...string) *goslack.ContextBlock {
	parts := append([]string{"warden", inc.ID}, extra...)
	return goslack.NewContextBlock("", mrkdwn(strings.Join(parts, " • ")))
}

func alertTitle(inc *incident.Incident) string {
	if name := inc.AlertName(); name != "" {
		return name
	}
	return inc.ID
}

func severityEmoji(severity string) string {
	switch severity {
	case incident.SeverityCritical:
		return "\U0001f534" // red circle
	case incident.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case incident.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// approvalBlocks renders a plan with approve and reject buttons.
func approvalBlocks(inc *incident.Incident, plan *incident.RemediationPlan, req *incident.ApprovalRequest) []goslack.Block {
	blocks := []goslack.Block{
		goslack.NewHeaderBlock(plain(fmt.Sprintf("%s Remediation plan: %s", severityEmoji(plan.Risk), alertTitle(inc)))),
		fields(
			"Plan", plan.Title,
			"Risk", plan.Risk,
			"Steps", fmt.Sprint(len(plan.Steps)),
			"Estimated", durationOrDash(plan.EstimatedDuration),
		),
	}
	if inc.Analysis != nil {
		blocks = append(blocks, section("*Root cause*\n"+inc.Analysis.RootCause))
	}
	if plan.Summary != "" {
		blocks = append(blocks, section("*Summary*\n"+plan.Summary))
	}
	if len(plan.Prerequisites) > 0 {
		blocks = append(blocks, section("*Prerequisites* (confirm before approving)\n• "+strings.Join(plan.Prerequisites, "\n• ")))
	}
	blocks = append(blocks,
		goslack.NewDividerBlock(),
		section("*Steps*\n"+renderSteps(plan)),
	)
	if plan.Verification != nil {
		blocks = append(blocks, section("*Final verification:* "+renderCall(plan.Verification.Name, plan.Verification.Params)))
	}
	blocks = append(blocks,
		goslack.NewDividerBlock(),
		section(fmt.Sprintf("Approve before *%s* or the plan is discarded.", req.Deadline.UTC().Format(timeLayout))),
		goslack.NewActionBlock("warden_approval",
			goslack.NewButtonBlockElement(ActionApprove, req.ID, plain("Approve")).WithStyle(goslack.StylePrimary),
			goslack.NewButtonBlockElement(ActionReject, req.ID, plain("Reject")).WithStyle(goslack.StyleDanger),
		),
		footer(inc, "approval "+req.ID),
	)
	return blocks
}

// resolvedBlocks replaces the approval message once it is decided.
func resolvedBlocks(req *incident.ApprovalRequest) []goslack.Block {
	var text string
	switch req.Status {
	case incident.ApprovalApproved:
		text = fmt.Sprintf("✅ Plan approved by %s, executing.", actorRef(req.Actor))
	case incident.ApprovalRejected:
		text = fmt.Sprintf("❌ Plan rejected by %s, nothing was executed.", actorRef(req.Actor))
	case incident.ApprovalExpired:
		text = "⌛ Approval timeout reached, plan execution cancelled."
	default:
		text = "Approval " + string(req.Status)
	}
	return []goslack.Block{
		section(text),
		goslack.NewContextBlock("", mrkdwn(fmt.Sprintf("warden • %s • approval %s • %s",
			req.IncidentID, req.ID, req.ResolvedAt.UTC().Format(timeLayout)))),
	}
}

func analysisBlocks(inc *incident.Incident) []goslack.Block {
	a := inc.Analysis
	confidence := "-"
	if a.Confidence != nil {
		confidence = fmt.Sprintf("%.0f%%", *a.Confidence*100)
	}
	blocks := []goslack.Block{
		goslack.NewHeaderBlock(plain(fmt.Sprintf("%s Analysis: %s", severityEmoji(a.Severity), alertTitle(inc)))),
		fields(
			"Severity", a.Severity,
			"Confidence", confidence,
			"Affected", orDash(strings.Join(a.AffectedComponents, ", ")),
		),
		section("*Root cause*\n" + a.RootCause),
	}
	if a.Summary != "" {
		blocks = append(blocks, section("*Investigation*\n"+a.Summary))
	}
	if len(a.Evidence) > 0 {
		blocks = append(blocks, section("*Evidence*\n• "+strings.Join(a.Evidence, "\n• ")))
	}
	return append(blocks, footer(inc, "planning next"))
}

var outcomeTitles = map[incident.Stage]string{
	incident.StageCompleted:       "✅ Remediated",
	incident.StageRolledBack:      "↩️ Rolled back",
	incident.StageExecutionFailed: "\U0001f534 Execution failed",
	incident.StageNotExecuted:     "⏹️ Not executed",
	incident.StageAnalysisFailed:  "\U0001f534 Analysis failed",
	incident.StagePlanningFailed:  "\U0001f534 Planning failed",
}

func outcomeBlocks(inc *incident.Incident) []goslack.Block {
	title, ok := outcomeTitles[inc.Stage]
	if !ok {
		title = string(inc.Stage)
	}
	blocks := []goslack.Block{
		goslack.NewHeaderBlock(plain(fmt.Sprintf("%s: %s", title, alertTitle(inc)))),
	}
	if ex := inc.Execution; ex != nil && ex.DryRun {
		blocks = append(blocks, section("🧪 *Dry run.* No action backend is configured; steps were simulated and nothing was changed."))
	}
	if ex := inc.Execution; ex != nil && ex.RollbackIncomplete {
		blocks = append(blocks, section("⚠️ *Rollback incomplete.* At least one step could not be undone; "+
			"the system may be partially remediated and needs manual attention."))
	}
	if inc.Outcome != nil && inc.Outcome.Reason != "" {
		blocks = append(blocks, section("*Reason:* "+inc.Outcome.Reason))
	}
	if ex := inc.Execution; ex != nil {
		blocks = append(blocks,
			fields(
				"Execution", string(ex.Status),
				"Duration", durationOrDash(ex.FinishedAt.Sub(ex.StartedAt)),
			),
			section("*Steps*\n"+renderOutcomes(inc.Plan, ex)),
		)
		if ex.Error != "" {
			blocks = append(blocks, section("*Error*\n```"+ex.Error+"```"))
		}
	}
	if inc.Plan != nil && inc.Plan.Verification != nil && inc.Execution != nil {
		verdict := "passed"
		if inc.Stage != incident.StageCompleted {
			verdict = "not passed"
		}
		blocks = append(blocks, section(fmt.Sprintf("*Final verification* %s: %s",
			renderCall(inc.Plan.Verification.Name, inc.Plan.Verification.Params), verdict)))
	}
	return append(blocks, footer(inc, inc.UpdatedAt.UTC().Format(timeLayout)))
}

func errorBlocks(inc *incident.Incident, err error) []goslack.Block {
	return []goslack.Block{
		section(fmt.Sprintf("\U0001f6a8 *Error while handling %s* (stage %s)\n```%s```", alertTitle(inc), inc.Stage, err)),
		footer(inc),
	}
}

func renderSteps(plan *incident.RemediationPlan) string {
	var b strings.Builder
	for _, s := range plan.Steps {
		fmt.Fprintf(&b, "%d. %s\n    action: %s", s.Index+1, orDash(s.Description), renderCall(s.Action.Name, s.Action.Params))
		if s.Verify != nil {
			fmt.Fprintf(&b, "\n    verify: %s", renderCall(s.Verify.Name, s.Verify.Params))
		}
		if s.Rollback != nil {
			fmt.Fprintf(&b, "\n    rollback: %s", renderCall(s.Rollback.Name, s.Rollback.Params))
		} else {
			b.WriteString("\n    rollback: _none, cannot be undone_")
		}
		b.WriteString("\n")
	}
	return b.String()
}

var stepEmoji = map[incident.StepStatus]string{
	incident.StepPending:        "◻️",
	incident.StepSucceeded:      "✅",
	incident.StepFailed:         "❌",
	incident.StepRolledBack:     "↩️",
	incident.StepSkipped:        "⚠️",
	incident.StepRollbackFailed: "\U0001f6a8",
}

func renderOutcomes(plan *incident.RemediationPlan, ex *incident.ExecutionRecord) string {
	var b strings.Builder
	for _, o := range ex.Steps {
		name := ""
		if plan != nil && o.Index < len(plan.Steps) {
			name = plan.Steps[o.Index].Action.Name
		}
		fmt.Fprintf(&b, "%s %d. `%s` %s", stepEmoji[o.Status], o.Index+1, name, o.Status)
		if o.Error != "" {
			fmt.Fprintf(&b, ": %s", truncate(o.Error, 200))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderCall(name string, params map[string]any) string {
	if len(params) == 0 {
		return "`" + name + "`"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return "`" + name + "(" + strings.Join(args, ", ") + ")`"
}

// actorRef mentions Slack user IDs and prints other actors verbatim.
func actorRef(actor string) string {
	if id, ok := strings.CutPrefix(actor, "slack:"); ok {
		return "<@" + id + ">"
	}
	return actor
}

func durationOrDash(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

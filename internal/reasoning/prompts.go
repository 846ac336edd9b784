package reasoning

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/incident"
)

const analysisSystemPrompt = `You are Warden, an incident response analyst. You diagnose the root cause of
infrastructure alerts.

Use the available tools to look at metrics, logs and diagnostics before concluding.
Do not propose fixes, another stage plans the remediation.

Finish with a single JSON object and nothing after it:
{
  "root_cause": "one or two sentences",
  "severity": "low | medium | high | critical",
  "affected_components": ["service or host names"],
  "investigation_summary": "what you checked and what you found",
  "confidence": 0.0-1.0,
  "evidence": ["short facts backing the root cause"]
}`

const planningSystemPrompt = `You are Warden, an incident remediation planner. Given an alert and its root
cause analysis, propose the smallest safe plan that resolves the incident.

Rules:
- Steps run strictly in order and stop at the first failure.
- Give every state-changing step a rollback that undoes it. A step without a rollback
  cannot be undone if a later step fails.
- Give a step a verify check when its effect can be observed.
- Number steps from 1 with no gaps.
- Use only the actions and checks listed below when a list is given.
- estimated_duration uses Go duration syntax, e.g. "90s" or "10m".
- List in prerequisites what a human must confirm before approving: access,
  backups, maintenance windows, sign-off from other teams. Leave it empty when
  nothing is needed.

Finish with a single JSON object and nothing after it:
{
  "title": "short plan name",
  "summary": "what the plan does and why",
  "risk_level": "low | medium | high | critical",
  "estimated_duration": "10m",
  "prerequisites": ["condition a human confirms before approving"],
  "steps": [
    {
      "step": 1,
      "description": "what this step does",
      "action": "action name",
      "parameters": {},
      "verify": {"check": "check name", "parameters": {}},
      "rollback": {"action": "action name", "parameters": {}}
    }
  ],
  "verification": {"check": "check name", "parameters": {}}
}`

// planningSystem appends the policy catalog to the planning prompt.
func planningSystem(catalog string) string {
	if catalog == "" {
		return planningSystemPrompt
	}
	return planningSystemPrompt + "\n\n" + catalog
}

// alertContext renders the incident's alert group for a prompt.
func alertContext(inc *incident.Incident) string {
	var b strings.Builder
	wh := inc.Alert
	fmt.Fprintf(&b, "Incident: %s\n", inc.ID)
	if wh == nil {
		return b.String()
	}
	fmt.Fprintf(&b, "Group status: %s, receiver: %s\n", wh.Status, wh.Receiver)
	if len(wh.CommonLabels) > 0 {
		fmt.Fprintf(&b, "Common labels: %s\n", renderMap(wh.CommonLabels))
	}

	firing := wh.Firing()
	fmt.Fprintf(&b, "\nFiring alerts (%d):\n", len(firing))
	for i, al := range firing {
		fmt.Fprintf(&b, "\n%d. %s [%s] since %s\n", i+1, al.Name(), al.Severity(), al.StartsAt.Format(time.RFC3339))
		fmt.Fprintf(&b, "   Summary: %s\n", al.Summary())
		fmt.Fprintf(&b, "   Labels: %s\n", renderMap(al.Labels))
		if len(al.Annotations) > 0 {
			fmt.Fprintf(&b, "   Annotations: %s\n", renderMap(al.Annotations))
		}
		if al.GeneratorURL != "" {
			fmt.Fprintf(&b, "   Generator: %s\n", al.GeneratorURL)
		}
	}
	return b.String()
}

func renderMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, m[k]))
	}
	return strings.Join(parts, ", ")
}

func analysisPrompt(inc *incident.Incident) string {
	return alertContext(inc) + "\nInvestigate this incident with the available tools and report the root cause."
}

func planningPrompt(inc *incident.Incident, a *incident.AnalysisResult) string {
	analysis, _ := json.MarshalIndent(struct {
		RootCause          string   `json:"root_cause"`
		Severity           string   `json:"severity"`
		AffectedComponents []string `json:"affected_components,omitempty"`
		Summary            string   `json:"investigation_summary"`
		Evidence           []string `json:"evidence,omitempty"`
	}{a.RootCause, a.Severity, a.AffectedComponents, a.Summary, a.Evidence}, "", "  ")

	return alertContext(inc) + "\nRoot cause analysis:\n" + string(analysis) +
		"\n\nPropose a remediation plan for this incident."
}

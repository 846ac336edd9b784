package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// DiagnosticsRunner runs a named read-only diagnostic on the action backend.
type DiagnosticsRunner interface {
	RunDiagnostic(ctx context.Context, name string, params map[string]any) (json.RawMessage, error)
}

// Diagnostics exposes backend diagnostics (process lists, service status,
// disk usage, ...) to the reasoning provider.
type Diagnostics struct {
	runner  DiagnosticsRunner
	allowed []string
}

// NewDiagnostics returns the run_diagnostic tool. When allowed is non-empty
// only those diagnostic names are accepted.
func NewDiagnostics(runner DiagnosticsRunner, allowed []string) *Diagnostics {
	a := slices.Clone(allowed)
	slices.Sort(a)
	return &Diagnostics{runner: runner, allowed: a}
}

func (d *Diagnostics) Name() string { return "run_diagnostic" }

func (d *Diagnostics) Description() string {
	desc := `Run a read-only diagnostic on the affected infrastructure through the action backend,
for example service status, recent restarts, process list or disk usage of a host.
Diagnostics never change state.`
	if len(d.allowed) > 0 {
		desc += "\nAvailable diagnostics: " + strings.Join(d.allowed, ", ") + "."
	}
	return desc
}

func (d *Diagnostics) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "name":       {"type": "string", "description": "Diagnostic name"},
            "parameters": {"type": "object", "description": "Diagnostic parameters, e.g. {\"host\": \"web-1\"}"}
        },
        "required": ["name"]
    }`)
}

func (d *Diagnostics) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Name       string         `json:"name"`
		Parameters map[string]any `json:"parameters,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.Name == "" {
		return nil, errors.New("name is required")
	}
	if len(d.allowed) > 0 {
		if _, ok := slices.BinarySearch(d.allowed, input.Name); !ok {
			return nil, fmt.Errorf("diagnostic %q is not allowed", input.Name)
		}
	}
	out, err := d.runner.RunDiagnostic(ctx, input.Name, input.Parameters)
	if err != nil {
		return nil, fmt.Errorf("diagnostic %s: %w", input.Name, err)
	}
	return out, nil
}

package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/execution"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/tools"
)

var (
	_ execution.Backend       = (*DryRun)(nil)
	_ execution.Simulator     = (*DryRun)(nil)
	_ tools.DiagnosticsRunner = (*DryRun)(nil)
)

// DryRun simulates the backend: actions and checks succeed without touching
// anything and every call is logged.
type DryRun struct {
	logger log.Logger
}

// NewDryRun creates a simulated backend.
func NewDryRun(logger log.Logger) *DryRun {
	if logger == nil {
		logger = log.Nop()
	}
	return &DryRun{logger: logger}
}

// Simulated always reports true.
func (d *DryRun) Simulated() bool { return true }

func (d *DryRun) Perform(ctx context.Context, a incident.Action) (string, error) {
	d.logger.Info(ctx, "dry-run action", "action", a.Name, "params", a.Params)
	return fmt.Sprintf("dry-run: %s not executed", a.Name), nil
}

func (d *DryRun) Verify(ctx context.Context, c incident.Check) (bool, string, error) {
	d.logger.Info(ctx, "dry-run check", "check", c.Name, "params", c.Params)
	return true, "dry-run: assumed passing", nil
}

func (d *DryRun) RunDiagnostic(ctx context.Context, name string, params map[string]any) (json.RawMessage, error) {
	d.logger.Info(ctx, "dry-run diagnostic", "diagnostic", name, "params", params)
	return json.Marshal(map[string]any{
		"dry_run":    true,
		"diagnostic": name,
		"note":       "no action backend configured; diagnostic output unavailable",
	})
}

package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CheckResult summarises a unit file loaded outside the registry.
type CheckResult struct {
	Name    string
	Config  UnitConfig
	Gate    string // empty when the unit exports only onStateChanged
	Action  string
	HasInit bool

	// Enabled reports whether the unit runs in the checked environment.
	Enabled bool

	// Schedules registered by the top-level chunk. InvalidSchedules holds
	// the expressions the cron parser rejected; at runtime they are ignored.
	Interval         time.Duration
	Schedules        []string
	InvalidSchedules []string
}

// Check loads one unit file with an inert capability surface and reports
// its exports and declared config. No unit function is invoked.
func Check(ctx context.Context, sandbox Sandbox, path, env string, timeout time.Duration) (CheckResult, error) {
	res := CheckResult{Name: filepath.Base(path)}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	source, err := os.ReadFile(path)
	if err != nil {
		return res, fmt.Errorf("%w: reading %s: %w", ErrInvalidUnit, res.Name, err)
	}

	caps := &checkCapabilities{res: &res}
	loadCtx, cancel := context.WithTimeout(ctx, timeout)
	mod, err := sandbox.Load(loadCtx, res.Name, source, caps)
	cancel()
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", ErrInvalidUnit, res.Name, err)
	}
	defer mod.Close() //nolint:errcheck // check-only module

	cfg, gate, action, err := inspectModule(mod)
	if err != nil {
		return res, fmt.Errorf("%s: %w", res.Name, err)
	}
	res.Config = cfg
	res.Gate = gate
	res.Action = action
	res.HasInit = mod.Has(ExportInit)
	res.Enabled = cfg.Supports(env)
	return res, nil
}

// checkCapabilities records what a unit asks for at load time.
type checkCapabilities struct {
	res *CheckResult
}

func (checkCapabilities) CallExternalService(context.Context, string, string, map[string]any) {}

func (c *checkCapabilities) Interval(_ ScheduledFunc, period time.Duration) {
	c.res.Interval = period
}

func (c *checkCapabilities) ClearInterval() {
	c.res.Interval = 0
}

func (c *checkCapabilities) Schedule(expr string, _ ScheduledFunc) {
	if _, err := cronParser.Parse(expr); err != nil {
		c.res.InvalidSchedules = append(c.res.InvalidSchedules, expr)
		return
	}
	c.res.Schedules = append(c.res.Schedules, expr)
}

func (c *checkCapabilities) ClearSchedule() {
	c.res.Schedules = nil
}

func (checkCapabilities) Log(string) {}

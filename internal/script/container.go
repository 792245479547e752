package script

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nerrad567/hal-core/internal/entity"
)

// defaultTimeout bounds a single sandbox invocation when none is configured.
const defaultTimeout = time.Second

// containerDeps is what a container needs from its owner.
type containerDeps struct {
	sandbox   Sandbox
	env       string
	timeout   time.Duration
	loc       *time.Location
	cron      *cron.Cron
	call      commandFunc
	recorder  RunRecorder
	logger    Logger
	logOutput bool
	onEnd     func(*Container)
}

// Container owns one unit's lifecycle: load, environment gate, triggered
// and scheduled runs, reload and end.
//
// State machine:
//
//	unloaded ──Load──▶ loaded ──Run──▶ loaded
//	    │                │ ▲
//	    │                └─┘ Reload
//	    └──────End───────┴──────────▶ ended
//
// A failed load or reload ends the container. Ended containers are
// dropped by the registry and recreated on the next dispatch.
//
// Thread Safety:
//   - Load, Reload and End are serialised.
//   - Run and scheduled runs may overlap. The sandbox serialises the
//     actual invocations; the event context and sub-contexts are separate.
type Container struct {
	name    string
	path    string
	deps    containerDeps
	baseCtx context.Context
	view    *View
	sched   *scheduler

	lifecycle sync.Mutex

	mu       sync.Mutex
	state    State
	module   Module
	config   UnitConfig
	gate     string
	action   string
	dormant  bool
	loadedAt time.Time
	lastErr  string
	runCtx   map[string]any
}

// newContainer creates an unloaded container. ctx is the owner's lifetime
// context and bounds scheduled runs.
func newContainer(ctx context.Context, name, path string, deps containerDeps) *Container {
	if deps.logger == nil {
		deps.logger = noopLogger{}
	}
	if deps.timeout <= 0 {
		deps.timeout = defaultTimeout
	}
	if deps.cron == nil {
		deps.cron = cron.New()
	}

	c := &Container{
		name:    name,
		path:    path,
		deps:    deps,
		baseCtx: ctx,
		view:    NewView(name, deps.loc),
		state:   StateUnloaded,
		runCtx:  make(map[string]any),
	}
	c.sched = newScheduler(name, deps.cron, c.runScheduled, deps.logger)
	return c
}

// Name returns the unit file name.
func (c *Container) Name() string { return c.name }

// View returns the unit's state view.
func (c *Container) View() *View { return c.view }

// State returns the current lifecycle state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Context returns a copy of the event-triggered run context.
func (c *Container) Context() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyContext(c.runCtx)
}

// SubContext returns a copy of the interval or schedule sub-context, or nil
// if that kind is not active.
func (c *Container) SubContext(kind Trigger) map[string]any {
	return c.sched.SubContext(kind)
}

// Descriptor summarises the container for status reporting.
func (c *Container) Descriptor() Descriptor {
	interval, schedule := c.sched.Active()

	c.mu.Lock()
	defer c.mu.Unlock()

	return Descriptor{
		Name:             c.name,
		State:            c.state,
		Loaded:           c.state == StateLoaded,
		Valid:            c.module != nil,
		Dormant:          c.dormant,
		SupportedEnvs:    c.config.SupportedEnvs,
		EntityFilter:     filterString(c.config.EntityFilter),
		StateFilter:      filterString(c.config.EntityStateFilter),
		OnlyStateChanges: c.config.OnlyStateChanges,
		IntervalActive:   interval,
		ScheduleActive:   schedule,
		LoadedAt:         c.loadedAt,
		LastError:        c.lastErr,
	}
}

// Load loads the unit if it is not loaded yet. A failed load ends the
// container and returns the error.
func (c *Container) Load(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	switch c.State() {
	case StateLoaded:
		return nil
	case StateEnded:
		return ErrUnitEnded
	}

	if err := c.loadLocked(ctx); err != nil {
		c.deps.logger.Error("failed to load unit", "unit", c.name, "error", err)
		c.endLocked()
		return err
	}
	return nil
}

// Reload cancels the unit's interval and cron job, clears its context and
// custom store, then re-reads and re-validates the source. An in-flight
// run is not cancelled. Containers that were never loaded are left alone.
func (c *Container) Reload(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	switch c.State() {
	case StateUnloaded:
		return nil
	case StateEnded:
		return ErrUnitEnded
	}

	c.sched.EndAll()
	c.view.Reset()

	c.mu.Lock()
	old := c.module
	c.runCtx = make(map[string]any)
	c.mu.Unlock()

	if err := c.loadLocked(ctx); err != nil {
		c.deps.logger.Error("failed to reload unit", "unit", c.name, "error", err)
		c.endLocked()
		return err
	}

	if old != nil {
		if err := old.Close(); err != nil {
			c.deps.logger.Warn("closing previous unit module", "unit", c.name, "error", err)
		}
	}

	c.deps.logger.Info("unit reloaded", "unit", c.name)
	return nil
}

// End cancels schedules, releases the module and notifies the owner.
// It is idempotent.
func (c *Container) End() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.endLocked()
}

func (c *Container) endLocked() {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.state = StateEnded
	mod := c.module
	c.module = nil
	c.mu.Unlock()

	c.sched.EndAll()

	if mod != nil {
		if err := mod.Close(); err != nil {
			c.deps.logger.Warn("closing unit module", "unit", c.name, "error", err)
		}
	}

	c.deps.logger.Debug("unit ended", "unit", c.name)

	if c.deps.onEnd != nil {
		c.deps.onEnd(c)
	}
}

// loadLocked reads the source, loads it into the sandbox, checks exports,
// parses config and applies the environment gate. Must hold lifecycle.
func (c *Container) loadLocked(ctx context.Context) error {
	source, err := os.ReadFile(c.path)
	if err != nil {
		c.setLastErr(err)
		return fmt.Errorf("%w: reading %s: %w", ErrInvalidUnit, c.name, err)
	}

	loadCtx, cancel := context.WithTimeout(ctx, c.deps.timeout)
	mod, err := c.deps.sandbox.Load(loadCtx, c.name, source, capabilities{c: c})
	cancel()
	if err != nil {
		c.sched.EndAll()
		c.setLastErr(err)
		return fmt.Errorf("%w: %s: %w", ErrInvalidUnit, c.name, err)
	}

	cfg, gate, action, err := inspectModule(mod)
	if err != nil {
		c.sched.EndAll()
		mod.Close() //nolint:errcheck // discarding a module that never became active
		c.setLastErr(err)
		return fmt.Errorf("%s: %w", c.name, err)
	}

	if dormant := c.commit(mod, cfg, gate, action); dormant {
		// The chunk may have registered schedules at load time.
		c.sched.EndAll()
		c.deps.logger.Info("unit not enabled for environment",
			"unit", c.name,
			"environment", c.deps.env,
			"supported", cfg.SupportedEnvs,
		)
		return nil
	}

	c.deps.logger.Info("unit loaded", "unit", c.name)

	if mod.Has(ExportInit) {
		start := time.Now()
		if _, err := c.invoke(ctx, mod, ExportInit, c.view); err != nil {
			c.deps.logger.Error("unit init failed", "unit", c.name, "error", err)
			c.record(ctx, TriggerInit, OutcomeFailed, start, err)
		} else {
			c.record(ctx, TriggerInit, OutcomeCompleted, start, nil)
		}
	}
	return nil
}

// commit installs a freshly loaded module and reports whether the unit is
// dormant in the configured environment.
func (c *Container) commit(mod Module, cfg UnitConfig, gate, action string) bool {
	c.view.SetConfig(cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.module = mod
	c.config = cfg
	c.gate = gate
	c.action = action
	c.dormant = !cfg.Supports(c.deps.env)
	c.loadedAt = time.Now().UTC()
	c.lastErr = ""
	c.state = StateLoaded
	return c.dormant
}

// inspectModule validates the exports and parses the declared config.
func inspectModule(mod Module) (cfg UnitConfig, gate, action string, err error) {
	gate, action, err = resolveExports(mod)
	if err != nil {
		return cfg, "", "", err
	}
	cfg, err = parseUnitConfig(mod.Config())
	if err != nil {
		return cfg, "", "", fmt.Errorf("%w: %w", ErrInvalidUnit, err)
	}
	return cfg, gate, action, nil
}

func (c *Container) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

// resolveExports picks the gate and action export names. A unit exporting
// only onStateChanged gets an always-true gate (empty gate name).
func resolveExports(mod Module) (gate, action string, err error) {
	gate = firstExport(mod, ExportGate, ExportShouldRun)
	action = firstExport(mod, ExportAction, ExportRun)

	if action == "" && mod.Has(ExportOnStateChanged) {
		return gate, ExportOnStateChanged, nil
	}
	if gate == "" || action == "" {
		return "", "", fmt.Errorf("%w: unit must export %s and %s functions", ErrMissingExport, ExportGate, ExportAction)
	}
	return gate, action, nil
}

func firstExport(mod Module, names ...string) string {
	for _, n := range names {
		if mod.Has(n) {
			return n
		}
	}
	return ""
}

// Run handles one dispatched snapshot: load if needed, update the view,
// validate, gate, act and merge the returned context.
//
// Errors from the unit are logged, recorded and returned; the context is
// left unchanged in that case. A dormant unit returns nil without running.
func (c *Container) Run(ctx context.Context, snap entity.Snapshot, change entity.Change) error {
	c.view.Update(snap, change)

	if err := c.Load(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	state, mod, gate, action, dormant := c.state, c.module, c.gate, c.action, c.dormant
	runCtx := copyContext(c.runCtx)
	c.mu.Unlock()

	if state != StateLoaded || mod == nil {
		return ErrUnitEnded
	}
	if dormant {
		return nil
	}

	start := time.Now()

	if !change.Initial && !c.view.Validate() {
		c.record(ctx, TriggerEvent, OutcomeSkipped, start, nil)
		return nil
	}

	keys := c.view.ChangedKeys()

	if gate != "" {
		ok, err := c.invoke(ctx, mod, gate, c.view, keys, runCtx)
		if err != nil {
			c.deps.logger.Error("unit gate failed", "unit", c.name, "error", err)
			c.record(ctx, TriggerEvent, OutcomeFailed, start, err)
			return err
		}
		if !truthy(ok) {
			c.record(ctx, TriggerEvent, OutcomeGated, start, nil)
			return nil
		}
	}

	result, err := c.invoke(ctx, mod, action, c.view, keys, runCtx)
	if err != nil {
		c.deps.logger.Error("unit action failed", "unit", c.name, "error", err)
		c.record(ctx, TriggerEvent, OutcomeFailed, start, err)
		return err
	}

	if m, ok := result.(map[string]any); ok && len(m) > 0 {
		c.mu.Lock()
		c.runCtx = mergeContext(c.runCtx, m)
		c.mu.Unlock()
	}

	c.deps.logger.Debug("unit run complete", "unit", c.name, "duration", time.Since(start))
	c.record(ctx, TriggerEvent, OutcomeCompleted, start, nil)
	return nil
}

// runScheduled is the scheduled-run path shared by interval and cron
// firings. It returns the callback's table and whether the run succeeded.
func (c *Container) runScheduled(kind Trigger, cb ScheduledFunc, sub map[string]any) (map[string]any, bool) {
	c.mu.Lock()
	state, dormant := c.state, c.dormant
	c.mu.Unlock()
	if state != StateLoaded || dormant {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(c.baseCtx, c.deps.timeout)
	defer cancel()

	start := time.Now()
	var result map[string]any
	err := safeCall(func() error {
		var callErr error
		result, callErr = cb(ctx, c.view, sub)
		return callErr
	})
	if err != nil {
		c.deps.logger.Error("unit scheduled callback failed", "unit", c.name, "trigger", kind, "error", err)
		c.record(ctx, kind, OutcomeFailed, start, err)
		return nil, false
	}

	c.record(ctx, kind, OutcomeCompleted, start, nil)
	return result, true
}

// invoke calls one export under the execution quota, converting panics
// into errors.
func (c *Container) invoke(ctx context.Context, mod Module, export string, args ...any) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.deps.timeout)
	defer cancel()

	var result any
	err := safeCall(func() error {
		var callErr error
		result, callErr = mod.Invoke(callCtx, export, args...)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", export, err)
	}
	return result, nil
}

func (c *Container) record(ctx context.Context, trigger Trigger, outcome Outcome, start time.Time, err error) {
	if c.deps.recorder == nil {
		return
	}
	rec := RunRecord{
		ID:        GenerateID(),
		Unit:      c.name,
		Trigger:   trigger,
		Outcome:   outcome,
		StartedAt: start.UTC(),
		Duration:  time.Since(start),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if recErr := c.deps.recorder.RecordRun(context.WithoutCancel(ctx), rec); recErr != nil {
		c.deps.logger.Warn("failed to record unit run", "unit", c.name, "error", recErr)
	}
}

// safeCall runs fn and turns a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

// truthy follows Lua semantics: only nil and false are false.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	default:
		return true
	}
}

package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nerrad567/hal-core/internal/entity"
)

// Default discovery settings.
const (
	DefaultExtension     = ".lua"
	DefaultPrivatePrefix = "_"
	DefaultEnvironment   = "development"

	// DefaultCallTimeout bounds one outbound command.
	DefaultCallTimeout = 10 * time.Second
)

// Options configures a Registry.
type Options struct {
	// Dir is the folder scanned for unit files.
	Dir string

	// Extension is the recognised unit file extension, including the dot.
	Extension string

	// PrivatePrefix excludes files whose name starts with it.
	PrivatePrefix string

	// Environment is matched against each unit's supportedEnvs.
	Environment string

	// Timeout bounds each sandbox invocation.
	Timeout time.Duration

	// CallTimeout bounds each outbound command. Commands are sent after
	// the invoking unit has moved on, so this is not charged to Timeout.
	CallTimeout time.Duration

	// PruneRemoved ends and evicts containers whose file disappeared.
	PruneRemoved bool

	// LogOutput routes unit log output to the logger.
	LogOutput bool

	// Location is the time zone for cron schedules and View.Now.
	Location *time.Location
}

func (o *Options) applyDefaults() {
	if o.Extension == "" {
		o.Extension = DefaultExtension
	}
	if o.PrivatePrefix == "" {
		o.PrivatePrefix = DefaultPrivatePrefix
	}
	if o.Environment == "" {
		o.Environment = DefaultEnvironment
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
}

// Registry discovers unit files, owns one container per unit and fans
// snapshots out to them.
//
// Thread Safety:
//   - All public methods are safe for concurrent use.
type Registry struct {
	opts     Options
	sandbox  Sandbox
	tracker  *entity.Tracker
	cron     *cron.Cron
	logger   Logger
	sink     CommandSink
	recorder RunRecorder
	observe  func(entity.Change)
	outbox   outbox

	mu         sync.Mutex
	ctx        context.Context
	names      []string
	containers map[string]*Container
}

// NewRegistry creates a registry that loads units through sandbox.
func NewRegistry(sandbox Sandbox, opts Options) *Registry {
	opts.applyDefaults()
	return &Registry{
		opts:       opts,
		sandbox:    sandbox,
		tracker:    entity.NewTracker(),
		cron:       cron.New(cron.WithParser(cronParser), cron.WithLocation(opts.Location)),
		logger:     noopLogger{},
		ctx:        context.Background(),
		containers: make(map[string]*Container),
	}
}

// SetLogger sets the logger for the registry and its containers.
// Call before Start.
func (r *Registry) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// SetCommandSink sets where outbound unit commands go. A nil sink drops them.
func (r *Registry) SetCommandSink(sink CommandSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// SetRecorder sets the recorder that receives every run record.
// Call before Start.
func (r *Registry) SetRecorder(recorder RunRecorder) {
	r.recorder = recorder
}

// SetDispatchObserver sets a function called after every dispatched
// snapshot with its change set. Call before Start.
func (r *Registry) SetDispatchObserver(fn func(entity.Change)) {
	r.observe = fn
}

// Options returns the effective options.
func (r *Registry) Options() Options {
	return r.opts
}

// Start scans the unit folder and starts the cron runner. ctx bounds
// scheduled runs for the registry's lifetime.
func (r *Registry) Start(ctx context.Context) error {
	names, err := Scan(r.opts.Dir, r.opts.Extension, r.opts.PrivatePrefix)
	if err != nil {
		return fmt.Errorf("scanning units: %w", err)
	}

	r.mu.Lock()
	r.ctx = ctx
	r.names = names
	r.mu.Unlock()

	r.cron.Start()

	r.logger.Info("unit registry started",
		"dir", r.opts.Dir,
		"units", len(names),
		"environment", r.opts.Environment,
	)
	return nil
}

// Stop ends every container and stops the cron runner, waiting for
// running cron jobs and queued outbound commands to finish.
func (r *Registry) Stop() {
	for _, c := range r.snapshotContainers() {
		c.End()
	}
	<-r.cron.Stop().Done()
	r.outbox.wait()
	r.logger.Info("unit registry stopped")
}

// Scan returns the sorted names of eligible unit files in dir: regular
// files with the given extension whose name does not start with
// privatePrefix.
func Scan(dir, ext, privatePrefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading unit folder: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ext {
			continue
		}
		if privatePrefix != "" && strings.HasPrefix(name, privatePrefix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Names returns the unit names found by the last scan.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

// Lookup returns the live container for a unit.
func (r *Registry) Lookup(name string) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	return c, ok
}

// Units describes every scanned unit plus any resident container whose
// file has since disappeared, sorted by name.
func (r *Registry) Units() []Descriptor {
	r.mu.Lock()
	seen := make(map[string]bool, len(r.names)+len(r.containers))
	containers := make(map[string]*Container, len(r.containers))
	for name, c := range r.containers {
		containers[name] = c
		seen[name] = true
	}
	for _, name := range r.names {
		seen[name] = true
	}
	r.mu.Unlock()

	out := make([]Descriptor, 0, len(seen))
	for name := range seen {
		if c, ok := containers[name]; ok {
			out = append(out, c.Descriptor())
			continue
		}
		out = append(out, Descriptor{Name: name, State: StateUnloaded})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unit describes one unit by name.
func (r *Registry) Unit(name string) (Descriptor, error) {
	for _, d := range r.Units() {
		if d.Name == name {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %s", ErrUnitNotFound, name)
}

// OnSnapshot diffs the snapshot against the last dispatched one and, if
// anything changed, dispatches it. It returns false when nothing changed.
func (r *Registry) OnSnapshot(ctx context.Context, snap entity.Snapshot) bool {
	change, ok := r.tracker.Observe(snap)
	if !ok {
		return false
	}
	r.Dispatch(ctx, snap, change)
	if r.observe != nil {
		r.observe(change)
	}
	return true
}

// Dispatch runs every scanned unit concurrently against the snapshot and
// waits for all of them. Failures and panics are isolated per unit.
func (r *Registry) Dispatch(ctx context.Context, snap entity.Snapshot, change entity.Change) {
	names := r.Names()

	var wg sync.WaitGroup
	for _, name := range names {
		c := r.getOrCreate(name)

		wg.Add(1)
		go func(c *Container) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("unit run panicked", "unit", c.Name(), "panic", rec)
				}
			}()

			if err := c.Run(ctx, snap, change); err != nil {
				r.logger.Debug("unit run returned error", "unit", c.Name(), "error", err)
			}
		}(c)
	}
	wg.Wait()

	r.logger.Debug("dispatch complete",
		"units", len(names),
		"initial", change.Initial,
		"changed", len(change.Keys),
	)
}

// getOrCreate returns the unit's container, creating a fresh unloaded one
// if none exists. At most one container exists per name.
func (r *Registry) getOrCreate(name string) *Container {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.containers[name]; ok {
		return c
	}
	c := newContainer(r.ctx, name, filepath.Join(r.opts.Dir, name), containerDeps{
		sandbox:   r.sandbox,
		env:       r.opts.Environment,
		timeout:   r.opts.Timeout,
		loc:       r.opts.Location,
		cron:      r.cron,
		call:      r.callService,
		recorder:  r.recorder,
		logger:    r.logger,
		logOutput: r.opts.LogOutput,
		onEnd:     r.remove,
	})
	r.containers[name] = c
	return c
}

// remove drops an ended container, unless the map already holds a newer one.
func (r *Registry) remove(c *Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.containers[c.Name()]; ok && cur == c {
		delete(r.containers, c.Name())
	}
}

func (r *Registry) snapshotContainers() []*Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c)
	}
	return out
}

// HandleDirectoryChange rescans the folder and reloads every loaded
// container. Containers whose file disappeared are pruned when
// PruneRemoved is set and left untouched otherwise.
func (r *Registry) HandleDirectoryChange(ctx context.Context) {
	names, err := Scan(r.opts.Dir, r.opts.Extension, r.opts.PrivatePrefix)
	if err != nil {
		r.logger.Error("rescanning unit folder", "error", err)
		return
	}

	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}

	r.mu.Lock()
	r.names = names
	r.mu.Unlock()

	var reloaded, pruned int
	for _, c := range r.snapshotContainers() {
		if !present[c.Name()] {
			if r.opts.PruneRemoved {
				c.End()
				pruned++
			}
			continue
		}
		if c.State() != StateLoaded {
			continue
		}
		if err := c.Reload(ctx); err == nil {
			reloaded++
		}
	}

	r.logger.Info("unit folder changed",
		"units", len(names),
		"reloaded", reloaded,
		"pruned", pruned,
	)
}

// callService is the single funnel for outbound unit commands. The command
// is queued and the unit continues immediately; delivery happens in order
// on a separate goroutine bounded by CallTimeout.
func (r *Registry) callService(ctx context.Context, unit, domain, service string, data map[string]any) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()

	if sink == nil {
		r.logger.Debug("no command sink configured, dropping call",
			"unit", unit, "domain", domain, "service", service)
		return
	}

	// Detached from the invocation: its deadline expires as soon as the
	// unit returns.
	callCtx := context.WithoutCancel(ctx)
	r.outbox.send(func() {
		sendCtx, cancel := context.WithTimeout(callCtx, r.opts.CallTimeout)
		defer cancel()

		if err := sink.CallService(sendCtx, domain, service, data); err != nil {
			r.logger.Error("external service call failed",
				"unit", unit,
				"domain", domain,
				"service", service,
				"error", err,
			)
			return
		}

		r.logger.Debug("external service called", "unit", unit, "domain", domain, "service", service)
	})
}

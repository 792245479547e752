package script

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/hal-core/internal/entity"
)

// Logger defines the logging interface used by the registry and containers.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Export names looked up on a loaded unit. Older units use the
// shouldRun/run pair, or a bare onStateChanged action.
const (
	ExportInit           = "init"
	ExportGate           = "gate"
	ExportAction         = "action"
	ExportShouldRun      = "shouldRun"
	ExportRun            = "run"
	ExportOnStateChanged = "onStateChanged"
)

// Trigger identifies what caused a unit invocation.
type Trigger string

const (
	TriggerInit     Trigger = "init"
	TriggerEvent    Trigger = "event"
	TriggerInterval Trigger = "interval"
	TriggerSchedule Trigger = "schedule"
)

// Outcome is the result of one unit invocation.
type Outcome string

const (
	// OutcomeSkipped means view validation rejected the change.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeGated means the gate returned false.
	OutcomeGated Outcome = "gated"
	// OutcomeCompleted means the action (or scheduled callback) returned normally.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means an error or timeout inside the sandbox.
	OutcomeFailed Outcome = "failed"
)

// State is a container lifecycle state.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoaded   State = "loaded"
	StateEnded    State = "ended"
)

// ScheduledFunc is a unit callback registered through interval or schedule.
// It receives the unit's view and a copy of that schedule kind's
// sub-context, and may return a table to merge back into it.
type ScheduledFunc func(ctx context.Context, view *View, sub map[string]any) (map[string]any, error)

// Capabilities is the fixed surface injected into every loaded unit.
type Capabilities interface {
	// CallExternalService forwards a command to the hub. Failures are
	// logged and never reported back to the unit.
	CallExternalService(ctx context.Context, domain, service string, data map[string]any)

	// Interval starts the unit's repeating timer. No-op if one is active.
	Interval(cb ScheduledFunc, period time.Duration)

	// ClearInterval stops the unit's repeating timer, if any.
	ClearInterval()

	// Schedule replaces the unit's cron job. Invalid expressions are ignored.
	Schedule(expr string, cb ScheduledFunc)

	// ClearSchedule stops the unit's cron job, if any.
	ClearSchedule()

	// Log writes unit output to the application log when enabled.
	Log(msg string)
}

// Sandbox loads foreign unit code with a capability surface injected.
type Sandbox interface {
	// Load executes source and captures its exports. The ctx bounds the
	// top-level chunk execution.
	Load(ctx context.Context, name string, source []byte, caps Capabilities) (Module, error)
}

// Module is a loaded unit inside the sandbox.
//
// Implementations serialise Invoke calls; a Module is safe for
// concurrent use.
type Module interface {
	// Has reports whether the unit exports a function with this name.
	Has(export string) bool

	// Config returns the unit's declared config table, or nil.
	Config() map[string]any

	// Invoke calls an exported function. The ctx carries the execution quota.
	Invoke(ctx context.Context, export string, args ...any) (any, error)

	// Close releases the sandbox state. Further Invoke calls fail.
	Close() error
}

// SnapshotSource delivers full entity snapshots to handler until ctx is
// cancelled. Handlers are called sequentially.
type SnapshotSource interface {
	Subscribe(ctx context.Context, handler func(entity.Snapshot)) error
}

// CommandSink forwards outbound service calls to the external system.
type CommandSink interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// UnitConfig is the parsed form of a unit's declared config table.
type UnitConfig struct {
	EntityFilter      Filter
	EntityStateFilter Filter
	OnlyStateChanges  bool

	// SupportedEnvs lists environments the unit runs in. A unit that
	// declares no list never runs.
	SupportedEnvs []string
}

// Supports reports whether the unit runs in env.
func (c UnitConfig) Supports(env string) bool {
	for _, e := range c.SupportedEnvs {
		if e == env {
			return true
		}
	}
	return false
}

// parseUnitConfig converts the raw table exported by a unit.
// Both supportedEnvs and the older supportedNodeEnvs key are accepted.
func parseUnitConfig(raw map[string]any) (UnitConfig, error) {
	var cfg UnitConfig
	if raw == nil {
		return cfg, nil
	}

	var err error
	if v, ok := raw["entityFilter"]; ok {
		if cfg.EntityFilter, err = ParseFilter(v); err != nil {
			return cfg, fmt.Errorf("entityFilter: %w", err)
		}
	}
	if v, ok := raw["entityStateFilter"]; ok {
		if cfg.EntityStateFilter, err = ParseFilter(v); err != nil {
			return cfg, fmt.Errorf("entityStateFilter: %w", err)
		}
	}
	if v, ok := raw["onlyStateChanges"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return cfg, fmt.Errorf("onlyStateChanges: expected boolean, got %T", v)
		}
		cfg.OnlyStateChanges = b
	}

	envs, ok := raw["supportedEnvs"]
	if !ok {
		envs, ok = raw["supportedNodeEnvs"]
	}
	if ok {
		if cfg.SupportedEnvs, err = stringList(envs); err != nil {
			return cfg, fmt.Errorf("supportedEnvs: %w", err)
		}
	}

	return cfg, nil
}

func stringList(v any) ([]string, error) {
	switch val := v.(type) {
	case string:
		return []string{val}, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected list of strings, got element %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return append([]string(nil), val...), nil
	case map[string]any:
		// An empty table converts to a map.
		if len(val) == 0 {
			return []string{}, nil
		}
	}
	return nil, fmt.Errorf("expected list of strings, got %T", v)
}

// Descriptor is a read-only summary of one unit, used by the status API.
type Descriptor struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	Loaded           bool      `json:"loaded"`
	Valid            bool      `json:"valid"`
	Dormant          bool      `json:"dormant"`
	SupportedEnvs    []string  `json:"supported_envs,omitempty"`
	EntityFilter     string    `json:"entity_filter,omitempty"`
	StateFilter      string    `json:"entity_state_filter,omitempty"`
	OnlyStateChanges bool      `json:"only_state_changes"`
	IntervalActive   bool      `json:"interval_active"`
	ScheduleActive   bool      `json:"schedule_active"`
	LoadedAt         time.Time `json:"loaded_at,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
}

// GenerateID creates a new unique identifier for run records.
func GenerateID() string {
	return uuid.New().String()
}

// mergeContext shallow-merges src over dst into a fresh map.
func mergeContext(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// copyContext returns a shallow copy that is never nil.
func copyContext(m map[string]any) map[string]any {
	return mergeContext(m, nil)
}

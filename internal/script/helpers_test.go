package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hal-core/internal/entity"
)

// ─── Fake Sandbox ───────────────────────────────────────────────────────────

type exportFunc func(ctx context.Context, args ...any) (any, error)

// fakeUnit is a unit implemented in Go for tests.
type fakeUnit struct {
	config  map[string]any
	fns     map[string]exportFunc
	onLoad  func(caps Capabilities)
	loadErr error
}

type fakeSandbox struct {
	mu    sync.Mutex
	units map[string]*fakeUnit
	loads map[string]int
	caps  map[string]Capabilities
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{
		units: make(map[string]*fakeUnit),
		loads: make(map[string]int),
		caps:  make(map[string]Capabilities),
	}
}

func (s *fakeSandbox) define(name string, u *fakeUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[name] = u
}

func (s *fakeSandbox) loadCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[name]
}

func (s *fakeSandbox) capsFor(name string) Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps[name]
}

func (s *fakeSandbox) Load(_ context.Context, name string, _ []byte, caps Capabilities) (Module, error) {
	s.mu.Lock()
	u := s.units[name]
	s.loads[name]++
	s.caps[name] = caps
	s.mu.Unlock()

	if u == nil {
		return nil, errors.New("no such unit")
	}
	if u.loadErr != nil {
		return nil, u.loadErr
	}
	if u.onLoad != nil {
		u.onLoad(caps)
	}
	return &fakeModule{unit: u}, nil
}

type fakeModule struct {
	mu     sync.Mutex
	unit   *fakeUnit
	closed bool
}

func (m *fakeModule) Has(export string) bool {
	_, ok := m.unit.fns[export]
	return ok
}

func (m *fakeModule) Config() map[string]any { return m.unit.config }

func (m *fakeModule) Invoke(ctx context.Context, export string, args ...any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("module closed")
	}
	fn, ok := m.unit.fns[export]
	if !ok {
		return nil, errors.New("no export " + export)
	}
	return fn(ctx, args...)
}

func (m *fakeModule) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// runFunc adapts a typed gate/action to an export.
func runFunc(fn func(view *View, keys []string, runCtx map[string]any) (any, error)) exportFunc {
	return func(_ context.Context, args ...any) (any, error) {
		return fn(args[0].(*View), args[1].([]string), args[2].(map[string]any))
	}
}

func alwaysTrue() exportFunc {
	return runFunc(func(*View, []string, map[string]any) (any, error) { return true, nil })
}

func noAction() exportFunc {
	return runFunc(func(*View, []string, map[string]any) (any, error) { return nil, nil })
}

// allEnvs is a config table that runs in the default environment.
func allEnvs() map[string]any {
	return map[string]any{"supportedEnvs": []any{"development", "production"}}
}

// ─── Recording Collaborators ────────────────────────────────────────────────

type serviceCall struct {
	Domain  string
	Service string
	Data    map[string]any
}

type recordingSink struct {
	mu    sync.Mutex
	calls []serviceCall
	err   error
}

func (s *recordingSink) CallService(_ context.Context, domain, service string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, serviceCall{Domain: domain, Service: service, Data: data})
	return s.err
}

func (s *recordingSink) Calls() []serviceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]serviceCall(nil), s.calls...)
}

// slowSink sleeps before recording each call.
type slowSink struct {
	delay     time.Duration
	mu        sync.Mutex
	services  []string
	deadlines []bool
}

func (s *slowSink) CallService(ctx context.Context, _, service string, _ map[string]any) error {
	time.Sleep(s.delay)
	_, hasDeadline := ctx.Deadline()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = append(s.services, service)
	s.deadlines = append(s.deadlines, hasDeadline)
	return nil
}

func (s *slowSink) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.services...)
}

func (s *slowSink) Deadlines() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.deadlines...)
}

type recordingRecorder struct {
	mu   sync.Mutex
	runs []RunRecord
}

func (r *recordingRecorder) RecordRun(_ context.Context, rec RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, rec)
	return nil
}

func (r *recordingRecorder) outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, len(r.runs))
	for i, rec := range r.runs {
		out[i] = rec.Outcome
	}
	return out
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeUnit creates a unit file; the fake sandbox ignores its content.
func writeUnit(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("-- "+name+"\n"), 0600); err != nil {
		t.Fatalf("writing unit %s: %v", name, err)
	}
}

// newTestContainer builds a container for a unit file in a temp dir.
func newTestContainer(t *testing.T, sb *fakeSandbox, name string, rec RunRecorder) *Container {
	t.Helper()
	dir := t.TempDir()
	writeUnit(t, dir, name)
	c := newContainer(context.Background(), name, filepath.Join(dir, name), containerDeps{
		sandbox:  sb,
		env:      DefaultEnvironment,
		timeout:  time.Second,
		recorder: rec,
	})
	t.Cleanup(c.End)
	return c
}

func snapOf(entities ...entity.Entity) entity.Snapshot {
	s := make(entity.Snapshot, len(entities))
	for _, e := range entities {
		s[e.ID] = e
	}
	return s
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

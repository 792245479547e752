package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/hal-core/internal/entity"
)

func newTestRegistry(t *testing.T, sb *fakeSandbox, dir string, opts Options) *Registry {
	t.Helper()
	opts.Dir = dir
	r := NewRegistry(sb, opts)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(r.Stop)
	return r
}

// countingUnit returns a unit whose action increments n.
func countingUnit(n *int32) *fakeUnit {
	return &fakeUnit{
		config: allEnvs(),
		fns: map[string]exportFunc{
			ExportGate: alwaysTrue(),
			ExportAction: runFunc(func(*View, []string, map[string]any) (any, error) {
				atomic.AddInt32(n, 1)
				return nil, nil
			}),
		},
	}
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.lua", "a.lua", "_private.lua", "notes.txt", "c.lua.bak"} {
		writeUnit(t, dir, name)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.lua"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := Scan(dir, ".lua", "_")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if want := []string{"a.lua", "b.lua"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Scan() = %v, want %v", got, want)
	}
}

func TestScan_MissingDir(t *testing.T) {
	if _, err := Scan(filepath.Join(t.TempDir(), "nope"), ".lua", "_"); err == nil {
		t.Error("expected error for missing folder")
	}
}

func TestRegistry_InitialSnapshotRunsEveryUnit(t *testing.T) {
	dir := t.TempDir()
	sb := newFakeSandbox()

	var a, b int32
	writeUnit(t, dir, "a.lua")
	writeUnit(t, dir, "b.lua")
	sb.define("a.lua", countingUnit(&a))
	sb.define("b.lua", countingUnit(&b))

	r := newTestRegistry(t, sb, dir, Options{})
	snap := snapOf(entity.Entity{ID: "light.a", State: "on"})

	if !r.OnSnapshot(context.Background(), snap) {
		t.Fatal("first snapshot should dispatch")
	}
	if a != 1 || b != 1 {
		t.Errorf("runs a=%d b=%d, want 1 each", a, b)
	}

	if r.OnSnapshot(context.Background(), snapOf(entity.Entity{ID: "light.a", State: "on"})) {
		t.Error("equal snapshot should not dispatch")
	}
	if a != 1 || b != 1 {
		t.Errorf("runs after equal snapshot a=%d b=%d, want 1 each", a, b)
	}
}

func TestRegistry_FailureIsolation(t *testing.T) {
	dir := t.TempDir()
	sb := newFakeSandbox()

	var good int32
	writeUnit(t, dir, "bad.lua")
	writeUnit(t, dir, "good.lua")
	writeUnit(t, dir, "panic.lua")
	writeUnit(t, dir, "broken.lua")
	sb.define("bad.lua", &fakeUnit{
		config: allEnvs(),
		fns: map[string]exportFunc{
			ExportGate: alwaysTrue(),
			ExportAction: runFunc(func(*View, []string, map[string]any) (any, error) {
				return nil, errors.New("boom")
			}),
		},
	})
	sb.define("panic.lua", &fakeUnit{
		config: allEnvs(),
		fns: map[string]exportFunc{
			ExportGate:   func(context.Context, ...any) (any, error) { panic("gate exploded") },
			ExportAction: noAction(),
		},
	})
	sb.define("broken.lua", &fakeUnit{loadErr: errors.New("syntax error")})
	sb.define("good.lua", countingUnit(&good))

	r := newTestRegistry(t, sb, dir, Options{})
	r.OnSnapshot(context.Background(), snapOf(entity.Entity{ID: "light.a", State: "on"}))

	if good != 1 {
		t.Errorf("good unit ran %d times, want 1", good)
	}
	if _, ok := r.Lookup("broken.lua"); ok {
		t.Error("unit that failed to load should be dropped")
	}
	if c, ok := r.Lookup("bad.lua"); !ok || c.State() != StateLoaded {
		t.Error("unit whose action failed should stay loaded")
	}
}

func TestRegistry_EndedUnitIsRecreated(t *testing.T) {
	dir := t.TempDir()
	sb := newFakeSandbox()

	var n int32
	writeUnit(t, dir, "a.lua")
	sb.define("a.lua", &fakeUnit{loadErr: errors.New("syntax error")})

	r := newTestRegistry(t, sb, dir, Options{})
	r.OnSnapshot(context.Background(), snapOf(entity.Entity{ID: "light.a", State: "on"}))
	if _, ok := r.Lookup("a.lua"); ok {
		t.Fatal("failed unit should not be resident")
	}

	// Fixed on disk; the next dispatch gets a fresh container.
	sb.define("a.lua", countingUnit(&n))
	r.OnSnapshot(context.Background(), snapOf(entity.Entity{ID: "light.a", State: "off"}))

	if n != 1 {
		t.Errorf("recreated unit ran %d times, want 1", n)
	}
	if sb.loadCount("a.lua") != 2 {
		t.Errorf("loads = %d, want 2", sb.loadCount("a.lua"))
	}
}

func TestRegistry_OneContainerPerUnit(t *testing.T) {
	dir := t.TempDir()
	sb := newFakeSandbox()

	var n int32
	writeUnit(t, dir, "a.lua")
	sb.define("a.lua", countingUnit(&n))

	r := newTestRegistry(t, sb, dir, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Dispatch(context.Background(), entity.Snapshot{}, entity.Change{Initial: true})
		}()
	}
	wg.Wait()

	if sb.loadCount("a.lua") != 1 {
		t.Errorf("loads = %d, want 1", sb.loadCount("a.lua"))
	}
	if n != 8 {
		t.Errorf("runs = %d, want 8", n)
	}
}

func TestRegistry_CommandSink(t *testing.T) {
	dir := t.TempDir()
	sb := newFakeSandbox()
	writeUnit(t, dir, "cmd.lua")

	var afterCall int32
	sb.define("cmd.lua", &fakeUnit{
		config: allEnvs(),
		fns:    map[string]exportFunc{ExportGate: alwaysTrue(), ExportAction: noAction()},
	})

	r := newTestRegistry(t, sb, dir, Options{})
	sb.units["cmd.lua"].fns[ExportAction] = runFunc(func(*View, []string, map[string]any) (any, error) {
		sb.capsFor("cmd.lua").CallExternalService(context.Background(), "light", "turn_on",
			map[string]any{"entity_id": "light.kitchen"})
		atomic.AddInt32(&afterCall, 1)
		return nil, nil
	})

	// No sink: dropped without error.
	r.OnSnapshot(context.Background(), snapOf(entity.Entity{ID: "light.a", State: "on"}))
	if afterCall != 1 {
		t.Fatal("action did not complete without a sink")
	}

	sink := &recordingSink{err: errors.New("hub unreachable")}
	r.SetCommandSink(sink)

	r.OnSnapshot(context.Background(), snapOf(entity.Entity{ID: "light.a", State: "off"}))
	r.outbox.wait()

	calls := sink.Calls()
	if len(calls) != 1 {
		t.Fatalf("sink calls = %d, want 1", len(calls))
	}
	if calls[0].Domain != "light" || calls[0].Service != "turn_on" || calls[0].Data["entity_id"] != "light.kitchen" {
		t.Errorf("call = %+v", calls[0])
	}
	if afterCall != 2 {
		t.Error("sink error should not abort the unit")
	}
}

func TestRegistry_CommandsDoNotBlockUnit(t *testing.T) {
	dir := t.TempDir()
	sb := newFakeSandbox()
	writeUnit(t, dir, "cmd.lua")
	sb.define("cmd.lua", &fakeUnit{
		config: allEnvs(),
		fns:    map[string]exportFunc{ExportGate: alwaysTrue(), ExportAction: noAction()},
	})

	r := newTestRegistry(t, sb, dir, Options{CallTimeout: time.Second})
	sb.units["cmd.lua"].fns[ExportAction] = runFunc(func(*View, []string, map[string]any) (any, error) {
		caps := sb.capsFor("cmd.lua")
		caps.CallExternalService(context.Background(), "light", "turn_off", nil)
		caps.CallExternalService(context.Background(), "light", "turn_on", nil)
		return map[string]any{"sent": true}, nil
	})

	sink := &slowSink{delay: 200 * time.Millisecond}
	r.SetCommandSink(sink)

	start := time.Now()
	r.OnSnapshot(context.Background(), snapOf(entity.Entity{ID: "light.a", State: "on"}))
	if elapsed := time.Since(start); elapsed >= sink.delay {
		t.Errorf("dispatch took %v, should not wait for the sink", elapsed)
	}

	c, _ := r.Lookup("cmd.lua")
	if c.Context()["sent"] != true {
		t.Errorf("context = %v, want sent merged", c.Context())
	}

	r.outbox.wait()
	if got, want := sink.Services(), []string{"turn_off", "turn_on"}; !reflect.DeepEqual(got, want) {
		t.Errorf("services = %v, want %v", got, want)
	}
	for _, d := range sink.Deadlines() {
		if !d {
			t.Error("sink call had no deadline")
		}
	}
}

func TestRegistry_RemovedFileKeptWithoutPrune(t *testing.T) {
	dir := t.TempDir()
	sb := newFakeSandbox()

	var n int32
	writeUnit(t, dir, "a.lua")
	unit := countingUnit(&n)
	unit.onLoad = func(caps Capabilities) {
		caps.Schedule("@hourly", func(context.Context, *View, map[string]any) (map[string]any, error) {
			return nil, nil
		})
	}
	sb.define("a.lua", unit)

	r := newTestRegistry(t, sb, dir, Options{})
	r.OnSnapshot(context.Background(), snapOf(entity.Entity{ID: "light.a", State: "on"}))

	if err := os.Remove(filepath.Join(dir, "a.lua")); err != nil {
		t.Fatal(err)
	}
	r.HandleDirectoryChange(context.Background())

	if got := r.Names(); len(got) != 0 {
		t.Errorf("Names() = %v, want empty", got)
	}

	c, ok := r.Lookup("a.lua")
	if !ok {
		t.Fatal("container should remain resident")
	}
	if _, schedule := c.sched.Active(); !schedule {
		t.Error("schedule should stay active on a resident unit")
	}

	r.OnSnapshot(context.Background(), snapOf(entity.Entity{ID: "light.a", State: "off"}))
	if n != 1 {
		t.Errorf("removed unit was dispatched: runs = %d, want 1", n)
	}

	// Still callable directly.
	cur := snapOf(entity.Entity{ID: "light.a", State: "on"})
	if err := c.Run(context.Background(), cur, entity.Change{Initial: true}); err != nil {
		t.Errorf("direct Run() error = %v", err)
	}
	if n != 2 {
		t.Errorf("direct run count = %d, want 2", n)
	}

	d, err := r.Unit("a.lua")
	if err != nil || d.State != StateLoaded {
		t.Errorf("Unit(a.lua) = %+v, %v", d, err)
	}
}

func TestRegistry_RemovedFilePruned(t *testing.T) {
	dir := t.TempDir()
	sb := newFakeSandbox()

	var n int32
	writeUnit(t, dir, "a.lua")
	sb.define("a.lua", countingUnit(&n))

	r := newTestRegistry(t, sb, dir, Options{PruneRemoved: true})
	r.OnSnapshot(context.Background(), snapOf(entity.Entity{ID: "light.a", State: "on"}))

	c, _ := r.Lookup("a.lua")

	if err := os.Remove(filepath.Join(dir, "a.lua")); err != nil {
		t.Fatal(err)
	}
	r.HandleDirectoryChange(context.Background())

	if _, ok := r.Lookup("a.lua"); ok {
		t.Error("pruned container should be evicted")
	}
	if c.State() != StateEnded {
		t.Errorf("state = %s, want ended", c.State())
	}
	if _, err := r.Unit("a.lua"); !errors.Is(err, ErrUnitNotFound) {
		t.Errorf("Unit() error = %v, want ErrUnitNotFound", err)
	}
}

func TestRegistry_DirectoryChangeReloads(t *testing.T) {
	dir := t.TempDir()
	sb := newFakeSandbox()

	var n int32
	writeUnit(t, dir, "a.lua")
	writeUnit(t, dir, "lazy.lua")
	sb.define("a.lua", countingUnit(&n))
	sb.define("lazy.lua", countingUnit(&n))

	r := newTestRegistry(t, sb, dir, Options{})
	r.Dispatch(context.Background(), entity.Snapshot{}, entity.Change{Initial: true})

	// Containers that were never created are not touched.
	writeUnit(t, dir, "new.lua")
	sb.define("new.lua", countingUnit(&n))

	r.HandleDirectoryChange(context.Background())

	if sb.loadCount("a.lua") != 2 {
		t.Errorf("a.lua loads = %d, want 2", sb.loadCount("a.lua"))
	}
	if sb.loadCount("new.lua") != 0 {
		t.Errorf("new.lua loads = %d, want 0 until dispatched", sb.loadCount("new.lua"))
	}
	if got, want := r.Names(), []string{"a.lua", "lazy.lua", "new.lua"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestRegistry_Units(t *testing.T) {
	dir := t.TempDir()
	sb := newFakeSandbox()

	writeUnit(t, dir, "b.lua")
	writeUnit(t, dir, "a.lua")
	sb.define("a.lua", &fakeUnit{
		config: map[string]any{
			"entityFilter":  "light.a",
			"supportedEnvs": []any{"production"},
		},
		fns: map[string]exportFunc{ExportGate: alwaysTrue(), ExportAction: noAction()},
	})

	r := newTestRegistry(t, sb, dir, Options{Environment: "development"})

	c := r.getOrCreate("a.lua")
	if err := c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	units := r.Units()
	if len(units) != 2 {
		t.Fatalf("Units() = %d entries, want 2", len(units))
	}
	if units[0].Name != "a.lua" || !units[0].Dormant || units[0].EntityFilter != "light.a" {
		t.Errorf("a.lua descriptor = %+v", units[0])
	}
	if units[1].Name != "b.lua" || units[1].State != StateUnloaded {
		t.Errorf("b.lua descriptor = %+v", units[1])
	}
}

func TestRegistry_ScheduledRunUsesRecorder(t *testing.T) {
	dir := t.TempDir()
	sb := newFakeSandbox()
	writeUnit(t, dir, "tick.lua")

	unit := &fakeUnit{
		config: allEnvs(),
		fns:    map[string]exportFunc{ExportGate: alwaysTrue(), ExportAction: noAction()},
		onLoad: func(caps Capabilities) {
			caps.Interval(func(context.Context, *View, map[string]any) (map[string]any, error) {
				return nil, nil
			}, 5*time.Millisecond)
		},
	}
	sb.define("tick.lua", unit)

	var intervals int32
	r := NewRegistry(sb, Options{Dir: dir})
	r.SetRecorder(RunRecorderFunc(func(_ context.Context, rec RunRecord) error {
		if rec.Trigger == TriggerInterval && rec.Outcome == OutcomeCompleted {
			atomic.AddInt32(&intervals, 1)
		}
		return nil
	}))
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Stop)

	r.Dispatch(context.Background(), entity.Snapshot{}, entity.Change{Initial: true})

	if !eventually(t, 2*time.Second, func() bool { return atomic.LoadInt32(&intervals) >= 2 }) {
		t.Error("interval runs were not recorded")
	}
}

func TestRecorders_JoinErrors(t *testing.T) {
	var calls int32
	ok := RunRecorderFunc(func(context.Context, RunRecord) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	bad := RunRecorderFunc(func(context.Context, RunRecord) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("disk full")
	})

	err := Recorders{bad, nil, ok}.RecordRun(context.Background(), RunRecord{Unit: "u"})
	if err == nil {
		t.Error("expected joined error")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRegistry_DispatchObserver(t *testing.T) {
	dir := t.TempDir()
	sb := newFakeSandbox()
	var n int32
	writeUnit(t, dir, "a.lua")
	sb.define("a.lua", countingUnit(&n))

	r := NewRegistry(sb, Options{Dir: dir})
	var changes []entity.Change
	r.SetDispatchObserver(func(c entity.Change) { changes = append(changes, c) })
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Stop)

	ctx := context.Background()
	r.OnSnapshot(ctx, snapOf(entity.Entity{ID: "light.a", State: "on"}))
	r.OnSnapshot(ctx, snapOf(entity.Entity{ID: "light.a", State: "on"}))
	r.OnSnapshot(ctx, snapOf(entity.Entity{ID: "light.a", State: "off"}))

	if len(changes) != 2 {
		t.Fatalf("observed %d changes, want 2", len(changes))
	}
	if !changes[0].Initial {
		t.Error("first change should be initial")
	}
	if len(changes[1].Keys) != 1 || changes[1].Keys[0] != "light.a" {
		t.Errorf("second change keys = %v", changes[1].Keys)
	}
}

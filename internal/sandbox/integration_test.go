package sandbox_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hal-core/internal/entity"
	"github.com/nerrad567/hal-core/internal/sandbox"
	"github.com/nerrad567/hal-core/internal/script"
)

type captureSink struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (s *captureSink) CallService(_ context.Context, domain, service string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := map[string]any{"domain": domain, "service": service}
	for k, v := range data {
		entry[k] = v
	}
	s.calls = append(s.calls, entry)
	return nil
}

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// waitCalls polls until the sink has seen want calls. Commands are
// delivered asynchronously.
func waitCalls(t *testing.T, sink *captureSink, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.len() >= want {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.len(); got != want {
		t.Fatalf("sink calls = %d, want %d", got, want)
	}
}

const motionUnit = `
return {
  config = {
    entityFilter = "binary_sensor.hall_motion",
    entityStateFilter = "on",
    onlyStateChanges = true,
    supportedEnvs = { "development" },
  },

  gate = function(view, keys, ctx)
    return view.getEntityState("light.hall") ~= "on"
  end,

  action = function(view, keys, ctx)
    hal.callExternalService("light", "turn_on", { entity_id = "light.hall" })
    return { triggered = (ctx.triggered or 0) + 1 }
  end,
}
`

func TestRegistryWithLuaUnits(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "motion.lua"), []byte(motionUnit), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "_helpers.lua"), []byte(`error("never loaded")`), 0600); err != nil {
		t.Fatal(err)
	}

	reg := script.NewRegistry(sandbox.New(), script.Options{Dir: dir, Timeout: time.Second})
	sink := &captureSink{}
	reg.SetCommandSink(sink)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer reg.Stop()

	ctx := context.Background()
	snap := func(motion, light string) entity.Snapshot {
		return entity.Snapshot{
			"binary_sensor.hall_motion": {ID: "binary_sensor.hall_motion", State: motion},
			"light.hall":                {ID: "light.hall", State: light},
		}
	}

	// Initial snapshot runs regardless of filters; the gate passes.
	reg.OnSnapshot(ctx, snap("off", "off"))
	waitCalls(t, sink, 1)

	// Motion detected with the light off.
	reg.OnSnapshot(ctx, snap("on", "off"))
	waitCalls(t, sink, 2)

	// Light changed only: entity filter rejects.
	reg.OnSnapshot(ctx, snap("on", "on"))
	if sink.len() != 2 {
		t.Fatalf("calls after light change = %d, want 2", sink.len())
	}

	c, ok := reg.Lookup("motion.lua")
	if !ok {
		t.Fatal("motion.lua not resident")
	}
	if got := c.Context()["triggered"]; got != 2 {
		t.Errorf("triggered = %v, want 2", got)
	}
	if _, ok := reg.Lookup("_helpers.lua"); ok {
		t.Error("private file should not be loaded")
	}
}

// slowSink takes longer per call than the unit's run limit allows in total.
type slowSink struct {
	captureSink
	delay time.Duration
}

func (s *slowSink) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	time.Sleep(s.delay)
	return s.captureSink.CallService(ctx, domain, service, data)
}

func TestRegistry_SlowSinkNotChargedToTimeout(t *testing.T) {
	dir := t.TempDir()
	unit := `
return {
  config = { supportedEnvs = { "development" } },
  action = function(view, keys, ctx)
    hal.callExternalService("light", "turn_on", { entity_id = "light.a" })
    hal.callExternalService("light", "turn_on", { entity_id = "light.b" })
    return { counter = (ctx.counter or 0) + 1 }
  end,
}
`
	if err := os.WriteFile(filepath.Join(dir, "lights.lua"), []byte(unit), 0600); err != nil {
		t.Fatal(err)
	}

	reg := script.NewRegistry(sandbox.New(), script.Options{
		Dir:         dir,
		Timeout:     time.Second,
		CallTimeout: 5 * time.Second,
	})
	sink := &slowSink{delay: 600 * time.Millisecond}
	reg.SetCommandSink(sink)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer reg.Stop()

	reg.OnSnapshot(context.Background(), entity.Snapshot{"light.a": {ID: "light.a", State: "off"}})

	c, ok := reg.Lookup("lights.lua")
	if !ok {
		t.Fatal("lights.lua not resident")
	}
	if got := c.Context()["counter"]; got != 1 {
		t.Errorf("counter = %v, want 1", got)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sink.len() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.calls) != 2 || sink.calls[0]["entity_id"] != "light.a" || sink.calls[1]["entity_id"] != "light.b" {
		t.Errorf("calls = %v", sink.calls)
	}
}

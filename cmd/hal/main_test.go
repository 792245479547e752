package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/hal-core/internal/infrastructure/database"
	"github.com/nerrad567/hal-core/internal/script"
)

const motionUnit = `
return {
  config = {
    entityFilter = "binary_sensor.hall_motion",
    entityStateFilter = "on",
    supportedEnvs = { "development" },
  },

  gate = function(view, keys, ctx)
    return view.getEntityState("light.hall") ~= "on"
  end,

  action = function(view, keys, ctx)
    hal.callExternalService("light", "turn_on", { entity_id = "light.hall" })
  end,
}
`

const clockUnit = `
hal.schedule("0 7 * * *", function(view, sub) end)
return {
  config = { supportedEnvs = { "production" } },
  onStateChanged = function(view, keys, ctx) end,
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// fakeHomeAssistant serves just enough of the websocket API for one
// session and forwards every call_service command to calls.
func fakeHomeAssistant(t *testing.T, calls chan<- map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		//nolint:errcheck // Test server
		conn.WriteJSON(map[string]any{"type": "auth_required"})
		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		//nolint:errcheck // Test server
		conn.WriteJSON(map[string]any{"type": "auth_ok"})

		for {
			var cmd map[string]any
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			reply := map[string]any{"id": cmd["id"], "type": "result", "success": true, "result": nil}
			switch cmd["type"] {
			case "get_states":
				reply["result"] = []map[string]any{
					{"entity_id": "binary_sensor.hall_motion", "state": "on", "attributes": map[string]any{}},
					{"entity_id": "light.hall", "state": "off", "attributes": map[string]any{}},
				}
			case "call_service":
				calls <- cmd
			}
			//nolint:errcheck // Test server
			conn.WriteJSON(reply)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, "/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_InvalidDatabasePath verifies run fails when the database
// directory cannot be created.
func TestRun_InvalidDatabasePath(t *testing.T) {
	tmpDir := t.TempDir()
	blocker := filepath.Join(tmpDir, "not-a-dir")
	writeFile(t, blocker, "")

	configPath := filepath.Join(tmpDir, "config.yaml")
	writeFile(t, configPath, `
environment: development
scripts:
  folder: "`+tmpDir+`"
homeassistant:
  url: "http://127.0.0.1:1"
  token: "token"
database:
  enabled: true
  path: "`+filepath.Join(blocker, "hal.db")+`"
api:
  enabled: false
logging:
  level: error
  format: text
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, configPath)
	if err == nil || !strings.Contains(err.Error(), "opening database") {
		t.Fatalf("run() error = %v, want opening database failure", err)
	}
}

// TestRun_EndToEnd starts the engine against a fake Home Assistant, waits
// for the unit's command, shuts down and checks the stored run history.
func TestRun_EndToEnd(t *testing.T) {
	tmpDir := t.TempDir()
	scripts := filepath.Join(tmpDir, "scripts")
	if err := os.Mkdir(scripts, 0700); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(scripts, "motion.lua"), motionUnit)

	calls := make(chan map[string]any, 4)
	ha := fakeHomeAssistant(t, calls)
	dbPath := filepath.Join(tmpDir, "data", "hal.db")

	configPath := filepath.Join(tmpDir, "config.yaml")
	writeFile(t, configPath, `
environment: development
scripts:
  folder: "`+scripts+`"
  debounce_ms: 50
transport:
  type: websocket
homeassistant:
  url: "`+ha.URL+`"
  token: "test-token"
  reconnect_delay: 1
  call_timeout: 2
database:
  enabled: true
  path: "`+dbPath+`"
api:
  enabled: false
logging:
  level: error
  format: text
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, configPath) }()

	select {
	case cmd := <-calls:
		if cmd["domain"] != "light" || cmd["service"] != "turn_on" {
			t.Errorf("call = %v", cmd)
		}
		data, _ := cmd["service_data"].(map[string]any)
		if data["entity_id"] != "light.hall" {
			t.Errorf("service_data = %v", cmd["service_data"])
		}
	case err := <-done:
		t.Fatalf("run() returned early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for call_service")
	}

	// The run record lands once the action returns; poll it through a
	// second connection before shutting down.
	db, err := database.Open(database.Config{Path: dbPath, WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer db.Close()
	repo := script.NewSQLiteRunRepository(db.DB)

	var runs []script.RunRecord
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		runs, err = repo.ListRuns(context.Background(), "motion.lua", 10)
		if err == nil && len(runs) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(runs) == 0 {
		t.Fatalf("no run recorded (last error: %v)", err)
	}
	if runs[0].Outcome != script.OutcomeCompleted || runs[0].Trigger != script.TriggerEvent {
		t.Errorf("run = %+v", runs[0])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

func TestConfigPath(t *testing.T) {
	cmd := newRootCmd()
	t.Setenv("HAL_CONFIG", "")
	if got := configPath(cmd); got != defaultConfigPath {
		t.Errorf("default = %q", got)
	}

	t.Setenv("HAL_CONFIG", "/etc/hal/env.yaml")
	if got := configPath(cmd); got != "/etc/hal/env.yaml" {
		t.Errorf("env = %q", got)
	}

	if err := cmd.PersistentFlags().Set("config", "/etc/hal/flag.yaml"); err != nil {
		t.Fatal(err)
	}
	if got := configPath(cmd); got != "/etc/hal/flag.yaml" {
		t.Errorf("flag = %q", got)
	}
}

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "hal dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestCheckCmd(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "motion.lua"), motionUnit)
	writeFile(t, filepath.Join(dir, "clock.lua"), clockUnit)
	writeFile(t, filepath.Join(dir, "_draft.lua"), `this is not lua`)

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"check", "--config", filepath.Join(dir, "missing.yaml"), dir})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("check error = %v\n%s", err, out.String())
	}

	got := out.String()
	for _, want := range []string{
		"ok   clock.lua gate=(always) action=onStateChanged dormant schedule=\"0 7 * * *\"",
		"ok   motion.lua gate=gate action=action entities=binary_sensor.hall_motion",
		"2 units checked, 0 failed",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if !strings.Contains(errOut.String(), "using defaults") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestCheckCmd_Failure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.lua"), `return {`)
	writeFile(t, filepath.Join(dir, "noaction.lua"), `return { gate = function() return true end }`)

	var out bytes.Buffer
	err := runCheck(context.Background(), checkOptions{
		dir:     dir,
		ext:     ".lua",
		prefix:  "_",
		env:     "development",
		timeout: time.Second,
	}, &out)
	if err == nil {
		t.Fatal("runCheck() should fail")
	}
	if !strings.Contains(out.String(), "FAIL broken.lua") || !strings.Contains(out.String(), "FAIL noaction.lua") {
		t.Errorf("output = %s", out.String())
	}
	if !strings.Contains(out.String(), "2 units checked, 2 failed") {
		t.Errorf("summary missing: %s", out.String())
	}
}

func TestTokenCmd(t *testing.T) {
	tmpDir := t.TempDir()
	secret := strings.Repeat("s", 32)
	configPath := filepath.Join(tmpDir, "config.yaml")
	writeFile(t, configPath, `
environment: development
scripts:
  folder: "`+tmpDir+`"
transport:
  type: mqtt
api:
  auth:
    enabled: true
    jwt_secret: "`+secret+`"
`)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--config", configPath, "--subject", "wallpanel", "--ttl", "5m"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("token error = %v", err)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(out.String()), claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Subject != "wallpanel" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "wallpanel")
	}
	if left := time.Until(claims.ExpiresAt.Time); left <= 0 || left > 5*time.Minute {
		t.Errorf("expires in %v, want within 5m", left)
	}
}

func TestTokenCmd_AuthDisabled(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	writeFile(t, configPath, `
environment: development
scripts:
  folder: "`+tmpDir+`"
transport:
  type: mqtt
`)

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "--config", configPath})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "api.auth is disabled") {
		t.Errorf("token error = %v, want auth disabled", err)
	}
}

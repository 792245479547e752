package script

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const unitRunsMigration = "../../migrations/20261019_120000_unit_runs.up.sql"

// setupRunDB opens an in-memory database with the unit_runs table.
func setupRunDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile(unitRunsMigration)
	if err != nil {
		t.Fatalf("reading migration: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("applying migration: %v", err)
	}
	return db
}

func TestSQLiteRunRepository_RecordAndList(t *testing.T) {
	repo := NewSQLiteRunRepository(setupRunDB(t))
	ctx := context.Background()

	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	records := []RunRecord{
		{Unit: "a.lua", Trigger: TriggerInit, Outcome: OutcomeCompleted, StartedAt: base},
		{Unit: "a.lua", Trigger: TriggerEvent, Outcome: OutcomeFailed, StartedAt: base.Add(time.Second), Duration: 15 * time.Millisecond, Error: "boom"},
		{Unit: "a.lua", Trigger: TriggerEvent, Outcome: OutcomeSkipped, StartedAt: base.Add(2 * time.Second)},
		{Unit: "a.lua", Trigger: TriggerInterval, Outcome: OutcomeCompleted, StartedAt: base.Add(3*time.Second + 500*time.Microsecond)},
		{Unit: "b.lua", Trigger: TriggerEvent, Outcome: OutcomeGated, StartedAt: base},
	}
	for _, rec := range records {
		if err := repo.RecordRun(ctx, rec); err != nil {
			t.Fatalf("RecordRun() error = %v", err)
		}
	}

	runs, err := repo.ListRuns(ctx, "a.lua", 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("ListRuns() = %d runs, want 3 (skipped not stored)", len(runs))
	}

	if runs[0].Trigger != TriggerInterval {
		t.Errorf("newest trigger = %s, want interval", runs[0].Trigger)
	}
	if !runs[0].StartedAt.Equal(base.Add(3*time.Second + 500*time.Microsecond)) {
		t.Errorf("StartedAt = %v", runs[0].StartedAt)
	}
	if runs[1].Outcome != OutcomeFailed || runs[1].Error != "boom" || runs[1].Duration != 15*time.Millisecond {
		t.Errorf("failed run = %+v", runs[1])
	}
	if runs[2].Trigger != TriggerInit || runs[2].Error != "" {
		t.Errorf("oldest run = %+v", runs[2])
	}
	for _, r := range runs {
		if r.ID == "" {
			t.Error("run stored without ID")
		}
	}
}

func TestSQLiteRunRepository_Limit(t *testing.T) {
	repo := NewSQLiteRunRepository(setupRunDB(t))
	ctx := context.Background()

	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := RunRecord{Unit: "a.lua", Trigger: TriggerEvent, Outcome: OutcomeCompleted, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := repo.RecordRun(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := repo.ListRuns(ctx, "a.lua", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListRuns(limit 2) = %d runs", len(runs))
	}
	if !runs[0].StartedAt.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("newest = %v, want %v", runs[0].StartedAt, base.Add(4*time.Minute))
	}
}

func TestSQLiteRunRepository_Prune(t *testing.T) {
	repo := NewSQLiteRunRepository(setupRunDB(t))
	ctx := context.Background()

	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		rec := RunRecord{Unit: "a.lua", Trigger: TriggerEvent, Outcome: OutcomeCompleted, StartedAt: base.AddDate(0, 0, -i*10)}
		if err := repo.RecordRun(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	n, err := repo.Prune(ctx, base.AddDate(0, 0, -15))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d rows, want 2", n)
	}

	runs, err := repo.ListRuns(ctx, "a.lua", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("remaining runs = %d, want 2", len(runs))
	}
}

func TestSQLiteRunRepository_EmptyList(t *testing.T) {
	repo := NewSQLiteRunRepository(setupRunDB(t))

	runs, err := repo.ListRuns(context.Background(), "nothing.lua", 10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("ListRuns() = %v, want none", runs)
	}
}

package script

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RunRecord describes one unit invocation. Records are written for
// observability only and are never fed back into a unit.
type RunRecord struct {
	ID        string        `json:"id"`
	Unit      string        `json:"unit"`
	Trigger   Trigger       `json:"trigger"`
	Outcome   Outcome       `json:"outcome"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Error     string        `json:"error,omitempty"`
}

// RunRecorder receives a record after every unit invocation.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// RunRecorderFunc adapts a function to RunRecorder.
type RunRecorderFunc func(ctx context.Context, rec RunRecord) error

// RecordRun calls f.
func (f RunRecorderFunc) RecordRun(ctx context.Context, rec RunRecord) error {
	return f(ctx, rec)
}

// Recorders fans a record out to several recorders. Every recorder is
// called even if an earlier one fails.
type Recorders []RunRecorder

// RecordRun forwards rec to each recorder and joins their errors.
func (rs Recorders) RecordRun(ctx context.Context, rec RunRecord) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.RecordRun(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunRepository stores and lists run history.
type RunRepository interface {
	RunRecorder
	ListRuns(ctx context.Context, unit string, limit int) ([]RunRecord, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// defaultRunLimit caps ListRuns when no positive limit is given.
const defaultRunLimit = 50

// runTimeLayout has a fixed-width fraction so stored timestamps sort
// lexically in time order.
const runTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRunRepository implements RunRepository using the unit_runs table.
type SQLiteRunRepository struct {
	db *sql.DB
}

// NewSQLiteRunRepository creates a new SQLite-backed run repository.
func NewSQLiteRunRepository(db *sql.DB) *SQLiteRunRepository {
	return &SQLiteRunRepository{db: db}
}

// RecordRun inserts a run record. Skipped runs are only counted by metrics
// and are not stored.
func (r *SQLiteRunRepository) RecordRun(ctx context.Context, rec RunRecord) error {
	if rec.Outcome == OutcomeSkipped {
		return nil
	}
	if rec.ID == "" {
		rec.ID = GenerateID()
	}

	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}

	query := `
		INSERT INTO unit_runs (id, unit, trigger_type, outcome, started_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.Unit,
		string(rec.Trigger),
		string(rec.Outcome),
		rec.StartedAt.UTC().Format(runTimeLayout),
		rec.Duration.Milliseconds(),
		errMsg,
	)
	if err != nil {
		return fmt.Errorf("inserting run record: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs of a unit, newest first.
func (r *SQLiteRunRepository) ListRuns(ctx context.Context, unit string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}

	query := `
		SELECT id, unit, trigger_type, outcome, started_at, duration_ms, error
		FROM unit_runs
		WHERE unit = ?
		ORDER BY started_at DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, unit, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			rec        RunRecord
			trigger    string
			outcome    string
			startedAt  string
			durationMS int64
			errMsg     sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Unit, &trigger, &outcome, &startedAt, &durationMS, &errMsg); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		rec.Trigger = Trigger(trigger)
		rec.Outcome = Outcome(outcome)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.StartedAt, err = time.Parse(runTimeLayout, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// Prune deletes runs that started before the cutoff and returns how many
// were removed.
func (r *SQLiteRunRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM unit_runs WHERE started_at < ?`,
		before.UTC().Format(runTimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned runs: %w", err)
	}
	return n, nil
}

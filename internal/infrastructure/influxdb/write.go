package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/hal-core/internal/script"
)

// MeasurementUnitRuns holds one point per unit invocation.
const MeasurementUnitRuns = "unit_runs"

// unitRunPoint builds the point for one run record.
//
// Tags (low cardinality): unit, trigger, outcome.
// Fields: duration_ms, failed (0/1), error (only when set).
func unitRunPoint(rec script.RunRecord) *write.Point {
	failed := 0
	if rec.Outcome == script.OutcomeFailed {
		failed = 1
	}

	fields := map[string]any{
		"duration_ms": float64(rec.Duration) / float64(time.Millisecond),
		"failed":      failed,
	}
	if rec.Error != "" {
		fields["error"] = rec.Error
	}

	ts := rec.StartedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	return write.NewPoint(
		MeasurementUnitRuns,
		map[string]string{
			"unit":    rec.Unit,
			"trigger": string(rec.Trigger),
			"outcome": string(rec.Outcome),
		},
		fields,
		ts,
	)
}

// RecordRun queues a point for rec. It implements script.RunRecorder and
// never blocks; write failures are reported through SetOnError.
func (c *Client) RecordRun(_ context.Context, rec script.RunRecord) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.writeAPI.WritePoint(unitRunPoint(rec))
	return nil
}

// WritePoint writes a custom point stamped with the current time.
//
// Example:
//
//	client.WritePoint("engine",
//	    map[string]string{"site": "home"},
//	    map[string]any{"units": 12})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

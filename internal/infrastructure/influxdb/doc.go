// Package influxdb provides InfluxDB connectivity for HAL run telemetry.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched point writing and health monitoring.
//
// # Purpose
//
// Every unit invocation is written as a point in the unit_runs
// measurement, tagged with unit, trigger and outcome, so dashboards can
// chart how often each unit fires and how long it takes.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	registry.SetRecorder(client)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
//
// # Error Handling
//
// Writes are non-blocking; batch errors are delivered to the SetOnError
// callback. Connection and health check errors are returned directly.
package influxdb

package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/hal-core/internal/script"
)

const namespace = "hal"

// Service call results used as the result label.
const (
	resultOK    = "ok"
	resultError = "error"
)

// Collector owns the engine's Prometheus metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	snapshots    prometheus.Counter
	changed      prometheus.Histogram
	serviceCalls *prometheus.CounterVec
}

// New creates a Collector with Go runtime and process collectors
// registered alongside the engine metrics.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_runs_total",
				Help:      "Unit invocations by trigger and outcome.",
			},
			[]string{"unit", "trigger", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_run_duration_seconds",
				Help:      "Time spent inside the sandbox per unit invocation.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"unit", "trigger"},
		),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_dispatched_total",
			Help:      "Entity snapshots that changed and were dispatched to units.",
		}),
		changed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_changed_entities",
			Help:      "Number of changed entities per dispatched snapshot.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		serviceCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_calls_total",
				Help:      "Outbound service calls by domain, service and result.",
			},
			[]string{"domain", "service", "result"},
		),
	}

	c.registry.MustRegister(
		c.runs,
		c.runDuration,
		c.snapshots,
		c.changed,
		c.serviceCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RecordRun counts one invocation. It implements script.RunRecorder.
// Skipped runs are counted but not timed.
func (c *Collector) RecordRun(_ context.Context, rec script.RunRecord) error {
	c.runs.WithLabelValues(rec.Unit, string(rec.Trigger), string(rec.Outcome)).Inc()
	if rec.Outcome != script.OutcomeSkipped {
		c.runDuration.WithLabelValues(rec.Unit, string(rec.Trigger)).Observe(rec.Duration.Seconds())
	}
	return nil
}

// ObserveSnapshot records a dispatched snapshot with its changed-entity count.
func (c *Collector) ObserveSnapshot(changed int) {
	c.snapshots.Inc()
	c.changed.Observe(float64(changed))
}

// ObserveServiceCall counts an outbound service call.
func (c *Collector) ObserveServiceCall(domain, service string, err error) {
	result := resultOK
	if err != nil {
		result = resultError
	}
	c.serviceCalls.WithLabelValues(domain, service, result).Inc()
}

// RegisterUnitGauge exposes the number of resident units, read from fn at
// scrape time. Registering twice returns an error.
func (c *Collector) RegisterUnitGauge(fn func() float64) error {
	return c.registry.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_resident",
			Help:      "Units currently held by the registry.",
		},
		fn,
	))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// InstrumentSink wraps sink so every call is counted.
func (c *Collector) InstrumentSink(sink script.CommandSink) script.CommandSink {
	return &instrumentedSink{next: sink, c: c}
}

type instrumentedSink struct {
	next script.CommandSink
	c    *Collector
}

func (s *instrumentedSink) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	err := s.next.CallService(ctx, domain, service, data)
	s.c.ObserveServiceCall(domain, service, err)
	return err
}

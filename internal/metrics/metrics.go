// Package metrics exposes execution and worker pool metrics to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

const namespace = "stepflow"

// Metrics holds the collectors and the registry they are registered on.
type Metrics struct {
	registry *prometheus.Registry

	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	executionDuration  prometheus.Histogram
	running            prometheus.Gauge
	steps              *prometheus.CounterVec
	stepRetries        prometheus.Counter
}

// New creates the collectors on a fresh registry, together with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		executionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Executions created.",
		}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status.",
		}, []string{"status"}),
		executionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time from start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_running",
			Help:      "Executions currently running.",
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Step attempts by outcome.",
		}, []string{"outcome"}),
		stepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Step retries scheduled after a failure.",
		}),
	}
	reg.MustRegister(
		m.executionsStarted,
		m.executionsFinished,
		m.executionDuration,
		m.running,
		m.steps,
		m.stepRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Handle updates the collectors from one execution event.
func (m *Metrics) Handle(_ context.Context, evt schema.ExecutionEvent) {
	switch evt.Type {
	case schema.EventExecutionCreated:
		m.executionsStarted.Inc()
		m.running.Inc()
	case schema.EventStepCompleted:
		m.steps.WithLabelValues("completed").Inc()
	case schema.EventStepFailed:
		m.steps.WithLabelValues("failed").Inc()
	case schema.EventStepRetrying:
		m.stepRetries.Inc()
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		m.running.Dec()
		if e := evt.Execution; e != nil {
			m.executionsFinished.WithLabelValues(string(e.Status)).Inc()
			if e.DurationMs != nil {
				m.executionDuration.Observe(float64(*e.DurationMs) / 1000)
			}
		}
	}
}

// RegisterPool exposes worker pool counters read from fn at scrape time.
func (m *Metrics) RegisterPool(fn func() engine.PoolMetrics) error {
	gauge := func(name, help string, value func(engine.PoolMetrics) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(fn()) })
	}
	for _, c := range []prometheus.Collector{
		gauge("size", "Worker pool capacity.", func(p engine.PoolMetrics) float64 { return float64(p.Size) }),
		gauge("active", "Workers busy running executions.", func(p engine.PoolMetrics) float64 { return float64(p.Active) }),
		gauge("completed", "Tasks finished by the pool.", func(p engine.PoolMetrics) float64 { return float64(p.Completed) }),
		gauge("panics", "Tasks that panicked.", func(p engine.PoolMetrics) float64 { return float64(p.Panics) }),
	} {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// HubStats is satisfied by *streaming.MemoryHub.
type HubStats interface {
	Subscribers() int
	Dropped() uint64
}

// RegisterHub exposes live stream subscribers and events dropped for slow ones.
func (m *Metrics) RegisterHub(hub HubStats) error {
	subs := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "subscribers",
		Help:      "Open event stream subscriptions.",
	}, func() float64 { return float64(hub.Subscribers()) })
	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "dropped_events_total",
		Help:      "Events not delivered because a subscriber fell behind.",
	}, func() float64 { return float64(hub.Dropped()) })

	for _, c := range []prometheus.Collector{subs, dropped} {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

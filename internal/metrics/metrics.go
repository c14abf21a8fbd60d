package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/senseng/schema"
)

// Engine records engine activity. It satisfies core.Recorder.
type Engine struct {
	registry   *prometheus.Registry
	outputs    *prometheus.CounterVec
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queue      prometheus.Gauge
	erased     prometheus.Counter
	sessions   prometheus.Gauge
}

// New registers the engine metrics on a fresh registry.
func New() *Engine {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Engine{
		registry: registry,
		outputs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "senseng_outputs_total",
			Help: "Output events emitted by type",
		}, []string{"type"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "senseng_executions_total",
			Help: "Chunk executions by language and result",
		}, []string{"language", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "senseng_execution_duration_seconds",
			Help:    "Chunk execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"language"}),
		queue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "senseng_queue_depth",
			Help: "Queued work items of the most recently active engine",
		}),
		erased: factory.NewCounter(prometheus.CounterOpts{
			Name: "senseng_erased_cells_total",
			Help: "Cells retracted by overwriting inputs",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "senseng_sessions",
			Help: "Live front-end sessions",
		}),
	}
}

// ObserveOutput counts an output event.
func (m *Engine) ObserveOutput(outputType schema.OutputType) {
	m.outputs.WithLabelValues(string(outputType)).Inc()
}

// ObserveExecution records one finished execution.
func (m *Engine) ObserveExecution(language schema.LanguageName, elapsed time.Duration, err error) {
	result := "ok"
	switch {
	case errors.Is(err, schema.ErrExecutionTimeout):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	m.executions.WithLabelValues(string(language), result).Inc()
	m.duration.WithLabelValues(string(language)).Observe(elapsed.Seconds())
}

// ObserveQueueDepth sets the queue gauge.
func (m *Engine) ObserveQueueDepth(depth int) {
	m.queue.Set(float64(depth))
}

// ObserveErase counts erased cells.
func (m *Engine) ObserveErase(cells int) {
	m.erased.Add(float64(cells))
}

// SessionOpened increments the live session gauge.
func (m *Engine) SessionOpened() {
	m.sessions.Inc()
}

// SessionClosed decrements the live session gauge.
func (m *Engine) SessionClosed() {
	m.sessions.Dec()
}

// Handler serves the registry in the prometheus exposition format.
func (m *Engine) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Engine) Registry() *prometheus.Registry {
	return m.registry
}

// Package metrics centralizes Prometheus instrumentation for the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the pipeline records into. Construct once at
// process start and pass through to components.
type Metrics struct {
	registry *prometheus.Registry

	SignalsReceived  *prometheus.CounterVec
	SignalsEnqueued  *prometheus.CounterVec
	SignalsEnriched  *prometheus.CounterVec
	SignalsEvaluated *prometheus.CounterVec
	SignalsPublished *prometheus.CounterVec
	SignalsRejected  *prometheus.CounterVec

	DLQEntries *prometheus.CounterVec

	EnqueueDuration    prometheus.Histogram
	EnrichmentDuration *prometheus.HistogramVec
	EvaluationDuration *prometheus.HistogramVec
	EndToEndDuration   prometheus.Histogram
	WSFanoutDuration   prometheus.Histogram

	QueueDepth    *prometheus.GaugeVec
	WSConnections prometheus.Gauge
	WSSubscribers *prometheus.GaugeVec

	WorkerHeartbeat *prometheus.GaugeVec

	ModelErrors         *prometheus.CounterVec
	ModelTokens         *prometheus.CounterVec
	ModelInvalidOutputs *prometheus.CounterVec

	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
}

// New creates the metric families on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		SignalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_signals_received_total",
			Help: "Total signals received",
		}, []string{"source", "symbol", "event_type"}),
		SignalsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_signals_enqueued_total",
			Help: "Total signals enqueued",
		}, []string{"symbol"}),
		SignalsEnriched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_signals_enriched_total",
			Help: "Total signals enriched",
		}, []string{"profile", "symbol"}),
		SignalsEvaluated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_signals_evaluated_total",
			Help: "Total signals evaluated by AI",
		}, []string{"model", "symbol", "decision"}),
		SignalsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_signals_published_total",
			Help: "Total decisions published",
		}, []string{"model"}),
		SignalsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_signals_rejected_total",
			Help: "Signals rejected by pre-enrichment validation",
		}, []string{"symbol", "reason"}),

		DLQEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_dlq_entries_total",
			Help: "Total DLQ entries",
		}, []string{"stage", "reason_code"}),

		EnqueueDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lens_signal_enqueue_duration_seconds",
			Help:    "Time to enqueue signal",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		EnrichmentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lens_enrichment_duration_seconds",
			Help:    "Time to enrich signal",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		}, []string{"profile"}),
		EvaluationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lens_model_evaluation_duration_seconds",
			Help:    "Time to evaluate with AI model",
			Buckets: []float64{0.5, 1.0, 2.0, 3.0, 5.0, 10.0, 30.0},
		}, []string{"model"}),
		EndToEndDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lens_end_to_end_duration_seconds",
			Help:    "Total time from receive to publish",
			Buckets: []float64{1.0, 2.0, 3.0, 5.0, 6.0, 10.0, 15.0},
		}),
		WSFanoutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lens_websocket_fanout_duration_seconds",
			Help:    "Time to broadcast to subscribers",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lens_queue_depth",
			Help: "Current queue depth",
		}, []string{"queue"}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lens_active_websocket_connections",
			Help: "Active WebSocket connections",
		}),
		WSSubscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lens_websocket_subscriptions",
			Help: "Active WebSocket subscriptions",
		}, []string{"filter_type"}),

		WorkerHeartbeat: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lens_worker_heartbeat_timestamp",
			Help: "Last worker heartbeat timestamp",
		}, []string{"worker_type"}),

		ModelErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_model_errors_total",
			Help: "AI model errors by type",
		}, []string{"model", "error_type"}),
		ModelTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_model_tokens_total",
			Help: "Tokens used by model",
		}, []string{"model", "direction"}),
		ModelInvalidOutputs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_model_invalid_outputs_total",
			Help: "Invalid JSON outputs from models",
		}, []string{"model"}),

		ProviderRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_provider_requests_total",
			Help: "Data provider requests",
		}, []string{"provider", "endpoint", "status"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lens_provider_latency_seconds",
			Help:    "Data provider latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"provider", "endpoint"}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Heartbeat stamps the worker heartbeat gauge with the current time.
func (m *Metrics) Heartbeat(workerType string) {
	m.WorkerHeartbeat.WithLabelValues(workerType).SetToCurrentTime()
}

// RecordEvaluation updates the evaluation counters for one model result.
func (m *Metrics) RecordEvaluation(model, symbol, decision string, duration time.Duration, tokensIn, tokensOut int) {
	m.SignalsEvaluated.WithLabelValues(model, symbol, decision).Inc()
	m.EvaluationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if tokensIn > 0 {
		m.ModelTokens.WithLabelValues(model, "input").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		m.ModelTokens.WithLabelValues(model, "output").Add(float64(tokensOut))
	}
}

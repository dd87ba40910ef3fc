// Package metrics exposes Prometheus instrumentation for every job
// lifecycle event. Each worker process owns one Set on a private
// registry, labeled with its queue and worker identity, and serves it
// over the standard text exposition endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for the processed counter.
const (
	OutcomeOK        = "ok"
	OutcomeRetry     = "retry"
	OutcomePermanent = "permanent"
	OutcomeSkipped   = "skipped"
)

// Set holds every collector the worker updates. All collectors carry
// queue and worker as constant labels so a scrape across the cluster
// separates cleanly per consumer.
type Set struct {
	registry *prometheus.Registry

	Processed        *prometheus.CounterVec
	DLQEntries       prometheus.Counter
	DLQWriteFailures prometheus.Counter
	DLQTrimmed       prometheus.Counter
	Reconnects       prometheus.Counter
	DedupDrops       prometheus.Counter

	ProcessDuration prometheus.Histogram
	EndToEndLatency prometheus.Histogram
	FetchBatchSize  prometheus.Histogram

	InFlight     prometheus.Gauge
	CircuitState *prometheus.GaugeVec
	WorkerUp     *prometheus.GaugeVec
	ConsumerLag  prometheus.Gauge
}

// New creates a Set on a private registry for one queue/worker pair.
func New(queue, worker string) *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"queue": queue, "worker": worker}

	s := &Set{
		registry: reg,

		Processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "jobs_processed_total",
			Help:        "Processing attempts by terminal outcome of the attempt.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		DLQEntries: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dlq_entries_total",
			Help:        "Jobs routed to the dead letter queue.",
			ConstLabels: constLabels,
		}),
		DLQWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dlq_write_failures_total",
			Help:        "Failed dead letter writes; the message was nak'd for redelivery.",
			ConstLabels: constLabels,
		}),
		DLQTrimmed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dlq_trimmed_total",
			Help:        "Oldest DLQ entries dropped by the length bound.",
			ConstLabels: constLabels,
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name:        "broker_reconnects_total",
			Help:        "Reconnection attempts after broker loss.",
			ConstLabels: constLabels,
		}),
		DedupDrops: factory.NewCounter(prometheus.CounterOpts{
			Name:        "enqueue_dedup_drops_total",
			Help:        "Enqueues dropped by the broker dedup window.",
			ConstLabels: constLabels,
		}),

		ProcessDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "job_process_duration_seconds",
			Help:        "Wall time of one processor invocation.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		EndToEndLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "job_end_to_end_latency_seconds",
			Help:        "Time from envelope receipt to terminal decision.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2.5, 12),
		}),
		FetchBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "fetch_batch_size",
			Help:        "Messages returned per fetch round.",
			ConstLabels: constLabels,
			Buckets:     prometheus.LinearBuckets(0, 4, 9),
		}),

		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "in_flight_jobs",
			Help:        "Jobs currently being processed.",
			ConstLabels: constLabels,
		}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "circuit_state",
			Help:        "1 for the current circuit breaker state, 0 otherwise.",
			ConstLabels: constLabels,
		}, []string{"state"}),
		WorkerUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "worker_up",
			Help:        "1 for the current worker lifecycle state, 0 otherwise.",
			ConstLabels: constLabels,
		}, []string{"state"}),
		ConsumerLag: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "consumer_lag",
			Help:        "Messages waiting in the queue, where the broker exposes it.",
			ConstLabels: constLabels,
		}),
	}

	s.SetCircuitState("closed")
	s.SetWorkerState("created")
	return s
}

// SetCircuitState flips the one-hot circuit_state gauge.
func (s *Set) SetCircuitState(state string) {
	for _, st := range []string{"closed", "open", "half_open"} {
		v := 0.0
		if st == state {
			v = 1.0
		}
		s.CircuitState.WithLabelValues(st).Set(v)
	}
}

// SetWorkerState flips the one-hot worker_up gauge.
func (s *Set) SetWorkerState(state string) {
	for _, st := range []string{"created", "running", "draining", "stopped", "degraded"} {
		v := 0.0
		if st == state {
			v = 1.0
		}
		s.WorkerUp.WithLabelValues(st).Set(v)
	}
}

// Handler returns the text exposition handler for this Set's registry.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (s *Set) Registry() *prometheus.Registry { return s.registry }

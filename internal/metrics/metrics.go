// Package metrics exposes Prometheus metrics for engine exchanges, editor
// operations, edit jobs and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "audiosculptor"

// Registry holds all metrics. Each Registry owns its Prometheus registry so
// several can coexist in one process.
type Registry struct {
	reg *prometheus.Registry

	// Engine exchanges
	ExchangesTotal   *prometheus.CounterVec
	ExchangeDuration *prometheus.HistogramVec

	// Editor operations
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Edit jobs
	JobsTotal *prometheus.CounterVec

	// HTTP API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// New creates a Registry with Go runtime and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	r := &Registry{reg: reg}

	r.ExchangesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "engine_exchanges_total",
		Help:      "Command exchanges with the engine worker, by outcome",
	}, []string{"outcome"})

	r.ExchangeDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "engine_exchange_duration_seconds",
		Help:      "Time from posting a command to its terminal event",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"outcome"})

	r.OperationsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "editor_operations_total",
		Help:      "Editing operations, by operation and outcome",
	}, []string{"op", "outcome"})

	r.OperationDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "editor_operation_duration_seconds",
		Help:      "Editing operation latency including queueing on the session",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"op"})

	r.JobsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "Edit jobs that reached a terminal status",
	}, []string{"operation", "status"})

	r.APIRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Total API requests",
	}, []string{"method", "path", "status"})

	r.APILatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "API request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	return r
}

// ObserveExchange records one protocol exchange.
func (r *Registry) ObserveExchange(outcome string, elapsed time.Duration) {
	r.ExchangesTotal.WithLabelValues(outcome).Inc()
	r.ExchangeDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveOperation records one editor operation.
func (r *Registry) ObserveOperation(op, outcome string, elapsed time.Duration) {
	r.OperationsTotal.WithLabelValues(op, outcome).Inc()
	r.OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveJob records a job reaching a terminal status.
func (r *Registry) ObserveJob(operation, status string) {
	r.JobsTotal.WithLabelValues(operation, status).Inc()
}

// RecordAPIRequest records an API request.
func (r *Registry) RecordAPIRequest(method, path string, status int, elapsed time.Duration) {
	r.APIRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.APILatency.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

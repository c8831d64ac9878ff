// Package metrics exposes Prometheus collectors for deployments and the
// HTTP API. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pushdeploy"

var (
	durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600}
	requestBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Metrics owns a private registry so several instances can coexist in tests
type Metrics struct {
	registry *prometheus.Registry

	deploymentsStarted  *prometheus.CounterVec
	deploymentsFinished *prometheus.CounterVec
	deploymentsActive   *prometheus.GaugeVec
	deploymentDuration  *prometheus.HistogramVec
	storeErrors         *prometheus.CounterVec
	webhooks            *prometheus.CounterVec
	streamSubscribers   *prometheus.GaugeVec
	requestTotal        *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		deploymentsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_started_total",
			Help:      "Deployments created, by service and trigger source",
		}, []string{"service", "source"}),

		deploymentsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_finished_total",
			Help:      "Deployments that reached a terminal status",
		}, []string{"service", "status"}),

		deploymentsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deployments_active",
			Help:      "Deployments currently queued or running",
		}, []string{"service", "status"}),

		deploymentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deployment_duration_seconds",
			Help:      "Wall time of the deploy command",
			Buckets:   durationBuckets,
		}, []string{"service", "status"}),

		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed persistence writes; execution continues regardless",
		}, []string{"operation"}),

		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound webhook notifications by outcome",
		}, []string{"outcome"}),

		streamSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Open log stream connections",
		}, []string{"transport"}),

		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   requestBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.deploymentsStarted,
		m.deploymentsFinished,
		m.deploymentsActive,
		m.deploymentDuration,
		m.storeErrors,
		m.webhooks,
		m.streamSubscribers,
		m.requestTotal,
		m.requestDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) DeploymentQueued(service, source string) {
	if m == nil {
		return
	}
	m.deploymentsStarted.WithLabelValues(service, source).Inc()
	m.deploymentsActive.WithLabelValues(service, "queued").Inc()
}

func (m *Metrics) DeploymentRunning(service string) {
	if m == nil {
		return
	}
	m.deploymentsActive.WithLabelValues(service, "queued").Dec()
	m.deploymentsActive.WithLabelValues(service, "running").Inc()
}

// DeploymentFinished records a terminal transition. wasRunning tells
// which active gauge the deployment leaves.
func (m *Metrics) DeploymentFinished(service, status string, wasRunning bool, duration time.Duration) {
	if m == nil {
		return
	}
	if wasRunning {
		m.deploymentsActive.WithLabelValues(service, "running").Dec()
		m.deploymentDuration.WithLabelValues(service, status).Observe(duration.Seconds())
	} else {
		m.deploymentsActive.WithLabelValues(service, "queued").Dec()
	}
	m.deploymentsFinished.WithLabelValues(service, status).Inc()
}

func (m *Metrics) StoreError(operation string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) Webhook(outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(outcome).Inc()
}

// StreamOpened increments the subscriber gauge and returns its decrement
func (m *Metrics) StreamOpened(transport string) func() {
	if m == nil {
		return func() {}
	}
	g := m.streamSubscribers.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}

func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(duration.Seconds())
}

// Package metrics exposes the Prometheus collectors of the deployment engine.
//
// Every method is safe on a nil *Metrics, so components can run without
// instrumentation (tests, one-shot CLI commands).
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var stageBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600}

var requestBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Metrics holds the collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	deployments     *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	admissions      *prometheus.CounterVec
	inProgress      *prometheus.GaugeVec
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered (a second New against the default registry) are
// reused instead of failing.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{gatherer: gatherer}

	m.deployments = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keel",
		Name:      "deployments_total",
		Help:      "Finished deployments by outcome",
	}, []string{"outcome"}))

	m.stageDuration = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keel",
		Name:      "deployment_stage_seconds",
		Help:      "Duration of deployment pipeline stages",
		Buckets:   stageBuckets,
	}, []string{"stage"}))

	m.admissions = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keel",
		Name:      "queue_admissions_total",
		Help:      "Queue admission decisions by result",
	}, []string{"result"}))

	m.inProgress = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "keel",
		Name:      "deployments_in_progress",
		Help:      "Deployments currently in progress per server",
	}, []string{"server"}))

	m.requestTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keel",
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"}))

	m.requestDuration = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keel",
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   requestBuckets,
	}, []string{"method", "route", "status"}))

	return m
}

// NewDefault registers with the global Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// DeploymentFinished counts a finished pipeline run.
func (m *Metrics) DeploymentFinished(outcome string) {
	if m == nil {
		return
	}
	m.deployments.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// ObserveStage records how long a pipeline stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.With(prometheus.Labels{"stage": stage}).Observe(d.Seconds())
}

// AdmissionDecided counts an admission decision.
func (m *Metrics) AdmissionDecided(result string) {
	if m == nil {
		return
	}
	m.admissions.With(prometheus.Labels{"result": result}).Inc()
}

// SetInProgress sets the running deployment count of a server.
func (m *Metrics) SetInProgress(serverID int64, n int) {
	if m == nil {
		return
	}
	m.inProgress.With(prometheus.Labels{"server": strconv.FormatInt(serverID, 10)}).Set(float64(n))
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

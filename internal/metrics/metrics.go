// Package metrics holds the Prometheus collectors inboxsort exports on
// /metrics.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.io/infrasutra/inboxsort/internal/backend"
)

const namespace = "inboxsort"

// Metrics records backend calls, pipeline outcomes and live sessions. It
// satisfies backend.Observer and session.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	backendRequests *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	pipelineRuns    *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	storedSessions  prometheus.Gauge
	streams         prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		backendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Requests sent to the classification backend.",
		}, []string{"endpoint", "status"}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Latency of classification backend requests.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"endpoint"}),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Fetch-then-classify runs by outcome.",
		}, []string{"outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions with a live controller.",
		}),
		storedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_sessions",
			Help:      "Sessions kept in the credential store, as of the last sweep.",
		}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_streams",
			Help:      "Open server-sent event streams.",
		}),
	}
	m.registry.MustRegister(
		m.backendRequests,
		m.backendDuration,
		m.pipelineRuns,
		m.activeSessions,
		m.storedSessions,
		m.streams,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRequest records one backend call.
func (m *Metrics) ObserveRequest(endpoint string, elapsed time.Duration, err error) {
	m.backendRequests.WithLabelValues(endpoint, requestStatus(err)).Inc()
	m.backendDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// PipelineFinished counts one pipeline outcome.
func (m *Metrics) PipelineFinished(outcome string) {
	m.pipelineRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) SetStoredSessions(n int64) {
	m.storedSessions.Set(float64(n))
}

func (m *Metrics) StreamOpened() {
	m.streams.Inc()
}

func (m *Metrics) StreamClosed() {
	m.streams.Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func requestStatus(err error) string {
	if err == nil {
		return "ok"
	}
	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code >= 500:
			return "5xx"
		case statusErr.Code >= 400:
			return "4xx"
		}
		return "http_error"
	}
	return "error"
}

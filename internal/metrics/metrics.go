// Package metrics owns the Prometheus registry and the collectors ordersim
// exports on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ordersim"

// Step error kinds used as the "kind" label.
const (
	KindNotActive = "not_active"
	KindMalformed = "malformed"
	KindEngine    = "engine"
)

// Metrics bundles a private registry with every collector the process uses.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	EpisodesStarted  *prometheus.CounterVec
	EpisodesFinished *prometheus.CounterVec
	Steps            *prometheus.CounterVec
	StepErrors       *prometheus.CounterVec
	FilledQuantity   *prometheus.CounterVec
	EngineDuration   *prometheus.HistogramVec
	ActiveSessions   prometheus.Gauge
	BreakerState     *prometheus.GaugeVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New registers the runtime collectors and the ordersim collectors on a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.EpisodesStarted = m.counterVec("episodes_started_total", "Episodes reset.", "variant")
	m.EpisodesFinished = m.counterVec("episodes_finished_total", "Episodes that ended, by outcome.", "variant", "outcome")
	m.Steps = m.counterVec("steps_total", "Steps accepted by the engine.", "variant")
	m.StepErrors = m.counterVec("step_errors_total", "Rejected or failed steps.", "variant", "kind")
	m.FilledQuantity = m.counterVec("filled_quantity_total", "Shares filled.", "variant")

	m.EngineDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "engine_call_duration_seconds",
		Help:      "Latency of engine calls.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method"})
	reg.MustRegister(m.EngineDuration)

	m.ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently hosted.",
	})
	reg.MustRegister(m.ActiveSessions)

	m.BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})
	reg.MustRegister(m.BreakerState)

	m.HTTPRequests = m.counterVec("http_server_requests_total", "HTTP requests served.", "method", "path", "status")
	m.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_server_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
	reg.MustRegister(m.HTTPDuration)

	return m
}

func (m *Metrics) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	m.registry.MustRegister(cv)
	return cv
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEngine records the latency of one engine call since start.
func (m *Metrics) ObserveEngine(method string, start time.Time) {
	if m == nil {
		return
	}
	m.EngineDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// EpisodeStarted counts a reset.
func (m *Metrics) EpisodeStarted(variant string) {
	if m == nil {
		return
	}
	m.EpisodesStarted.WithLabelValues(variant).Inc()
}

// EpisodeFinished counts an episode ending with outcome.
func (m *Metrics) EpisodeFinished(variant, outcome string) {
	if m == nil {
		return
	}
	m.EpisodesFinished.WithLabelValues(variant, outcome).Inc()
}

// StepAccepted counts one step and the quantity it filled.
func (m *Metrics) StepAccepted(variant string, filled int64) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(variant).Inc()
	if filled > 0 {
		m.FilledQuantity.WithLabelValues(variant).Add(float64(filled))
	}
}

// StepFailed counts one rejected or failed step.
func (m *Metrics) StepFailed(variant, kind string) {
	if m == nil {
		return
	}
	m.StepErrors.WithLabelValues(variant, kind).Inc()
}

// SetActiveSessions sets the hosted session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// SetBreakerState records a breaker transition.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

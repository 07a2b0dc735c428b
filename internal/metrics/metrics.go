// Package metrics exposes Prometheus instrumentation for credit metering and the
// image provider queues. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	queueDepth      *prometheus.GaugeVec
	queueProcessing *prometheus.GaugeVec
	queueAttempts   *prometheus.CounterVec
	queueWait       *prometheus.HistogramVec
	fallbacks       *prometheus.CounterVec
	creditsCharged  *prometheus.CounterVec
	creditDenials   *prometheus.CounterVec
	creditRefunds   *prometheus.CounterVec
	resets          *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "deckforge",
				Subsystem: "image_queue",
				Name:      "depth",
				Help:      "Pending requests per image provider queue.",
			},
			[]string{"provider"},
		),
		queueProcessing: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "deckforge",
				Subsystem: "image_queue",
				Name:      "processing",
				Help:      "1 while a provider queue worker is running.",
			},
			[]string{"provider"},
		),
		queueAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deckforge",
				Subsystem: "image_queue",
				Name:      "attempts_total",
				Help:      "Provider call attempts partitioned by result.",
			},
			[]string{"provider", "result"},
		),
		queueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "deckforge",
				Subsystem: "image_queue",
				Name:      "wait_seconds",
				Help:      "Time from enqueue to final result.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"provider"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deckforge",
				Subsystem: "image_fallback",
				Name:      "total",
				Help:      "Fallback attempts partitioned by source model and result.",
			},
			[]string{"source_model", "fallback_model", "result"},
		),
		creditsCharged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deckforge",
				Subsystem: "credits",
				Name:      "charged_total",
				Help:      "Credits deducted per action.",
			},
			[]string{"action"},
		),
		creditDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deckforge",
				Subsystem: "credits",
				Name:      "denials_total",
				Help:      "Rejected paid actions per reason.",
			},
			[]string{"action", "reason"},
		),
		creditRefunds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deckforge",
				Subsystem: "credits",
				Name:      "refunded_total",
				Help:      "Credits returned after a failed action.",
			},
			[]string{"action"},
		),
		resets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deckforge",
				Subsystem: "credits",
				Name:      "resets_total",
				Help:      "Balance resets per reason.",
			},
			[]string{"reason"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueDepth,
		m.queueProcessing,
		m.queueAttempts,
		m.queueWait,
		m.fallbacks,
		m.creditsCharged,
		m.creditDenials,
		m.creditRefunds,
		m.resets,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetQueueState(provider string, depth int, processing bool) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(provider).Set(float64(depth))
	v := 0.0
	if processing {
		v = 1
	}
	m.queueProcessing.WithLabelValues(provider).Set(v)
}

func (m *Metrics) ObserveAttempt(provider, result string) {
	if m == nil {
		return
	}
	m.queueAttempts.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ObserveWait(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.queueWait.WithLabelValues(provider).Observe(seconds)
}

func (m *Metrics) ObserveFallback(source, target, result string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(source, target, result).Inc()
}

func (m *Metrics) AddCharged(action string, credits int) {
	if m == nil || credits <= 0 {
		return
	}
	m.creditsCharged.WithLabelValues(action).Add(float64(credits))
}

func (m *Metrics) IncDenied(action, reason string) {
	if m == nil {
		return
	}
	m.creditDenials.WithLabelValues(action, reason).Inc()
}

func (m *Metrics) AddRefunded(action string, credits int) {
	if m == nil || credits <= 0 {
		return
	}
	m.creditRefunds.WithLabelValues(action).Add(float64(credits))
}

func (m *Metrics) IncReset(reason string) {
	if m == nil {
		return
	}
	m.resets.WithLabelValues(reason).Inc()
}

// Package metrics provides Prometheus instrumentation for the tapguard
// interception pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters and histograms for the wrapper.
type Metrics struct {
	registry *prometheus.Registry

	messagesTotal  *prometheus.CounterVec
	fragmentsTotal *prometheus.CounterVec
	categoriesHit  *prometheus.CounterVec
	scanLatency    prometheus.Histogram
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	messagesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tapguard",
		Name:      "messages_total",
		Help:      "Inbound messages by disposition.",
	}, []string{"result"})

	fragmentsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tapguard",
		Name:      "fragments_scanned_total",
		Help:      "Content fragments submitted for scanning, by kind.",
	}, []string{"kind"})

	categoriesHit := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tapguard",
		Name:      "unsafe_categories_total",
		Help:      "Detected threat categories on unsafe verdicts.",
	}, []string{"code"})

	scanLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tapguard",
		Name:      "scan_duration_seconds",
		Help:      "Whole-message scan aggregation latency in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(messagesTotal, fragmentsTotal, categoriesHit, scanLatency)

	return &Metrics{
		registry:       reg,
		messagesTotal:  messagesTotal,
		fragmentsTotal: fragmentsTotal,
		categoriesHit:  categoriesHit,
		scanLatency:    scanLatency,
	}
}

// RecordMessage records one inbound message's disposition
// (forwarded, bypassed, replaced, blocked, dropped, error).
func (m *Metrics) RecordMessage(result string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(result).Inc()
}

// RecordScan records a completed scan aggregation.
func (m *Metrics) RecordScan(textFragments, imageFragments int, duration time.Duration) {
	if m == nil {
		return
	}
	m.fragmentsTotal.WithLabelValues("text").Add(float64(textFragments))
	m.fragmentsTotal.WithLabelValues("image").Add(float64(imageFragments))
	m.scanLatency.Observe(duration.Seconds())
}

// RecordCategories records the categories of an unsafe combined verdict.
func (m *Metrics) RecordCategories(codes []string) {
	if m == nil {
		return
	}
	for _, code := range codes {
		m.categoriesHit.WithLabelValues(code).Inc()
	}
}

// PrometheusHandler returns an HTTP handler serving /metrics in Prometheus
// text format.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

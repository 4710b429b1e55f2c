package telemetry

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics is an alternate Metrics backend for deployments that
// scrape Prometheus directly rather than exporting OTEL metrics. Hensu
// supports both so operators can choose without touching component code.
type PrometheusMetrics struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics builds a Metrics recorder registered against reg. If
// reg is nil, a fresh registry is created.
func NewPrometheusMetrics(reg *prometheus.Registry) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &PrometheusMetrics{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry returns the underlying Prometheus registry so callers can mount it
// on an HTTP handler.
func (m *PrometheusMetrics) Registry() *prometheus.Registry { return m.reg }

func tagLabels(tags []string) (names []string, values []string) {
	for i := 0; i+1 < len(tags); i += 2 {
		names = append(names, sanitizeLabel(tags[i]))
		values = append(values, tags[i+1])
	}
	return names, values
}

func sanitizeLabel(s string) string {
	return strings.ReplaceAll(s, ".", "_")
}

func (m *PrometheusMetrics) counterVec(name string, labelNames []string) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelNames)
	m.reg.MustRegister(c)
	m.counters[name] = c
	return c
}

func (m *PrometheusMetrics) histogramVec(name string, labelNames []string) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, labelNames)
	m.reg.MustRegister(h)
	m.histograms[name] = h
	return h
}

// IncCounter implements Metrics.
func (m *PrometheusMetrics) IncCounter(name string, value float64, tags ...string) {
	names, values := tagLabels(tags)
	m.counterVec(name, names).WithLabelValues(values...).Add(value)
}

// RecordTimer implements Metrics.
func (m *PrometheusMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	names, values := tagLabels(tags)
	m.histogramVec(name, names).WithLabelValues(values...).Observe(d.Seconds())
}

// RecordGauge implements Metrics. Prometheus gauges need their own registry
// type; to keep the construction code uniform with RecordTimer, the value
// is observed into a histogram (default buckets) named name+"_gauge", so
// the last recorded value itself is not exposed.
func (m *PrometheusMetrics) RecordGauge(name string, value float64, tags ...string) {
	names, values := tagLabels(tags)
	m.histogramVec(name+"_gauge", names).WithLabelValues(values...).Observe(value)
}

package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus instruments of the HTTP and bot surface.
type Metrics struct {
	UpdatesTotal   *prometheus.CounterVec
	RepliesTotal   *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	ReplyLatency   prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewMetrics registers the instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func NewMetricsWith(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UpdatesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Inbound updates by kind.",
		}, []string{"kind"}),
		RepliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Replies by outcome.",
		}, []string{"outcome"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions held by the store.",
		}),
		ReplyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_latency_ms",
			Help:      "Time to produce a reply in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}),
		gatherer: gatherer,
	}
}

// Handler exposes the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Update counts one inbound update. Nil-safe so callers can run without metrics.
func (m *Metrics) Update(kind string) {
	if m == nil {
		return
	}
	m.UpdatesTotal.WithLabelValues(kind).Inc()
}

// Reply counts one outgoing reply and observes its latency.
func (m *Metrics) Reply(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RepliesTotal.WithLabelValues(outcome).Inc()
	m.ReplyLatency.Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// Package metrics provides Prometheus metrics for the export tracker and the
// live feed.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "floatchat"

// Metrics holds every collector the service exports.
type Metrics struct {
	// Export metrics
	JobsSubmitted *prometheus.CounterVec
	JobsFinished  *prometheus.CounterVec
	JobsActive    prometheus.Gauge
	JobDuration   *prometheus.HistogramVec
	ArtifactBytes prometheus.Histogram
	JobsEvicted   prometheus.Counter

	// Feed client metrics
	FeedMessages   *prometheus.CounterVec
	FeedReconnects prometheus.Counter
	FeedConnected  prometheus.Gauge

	// Live publisher metrics
	StreamSubscribers prometheus.Gauge
	StreamPublished   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg gets a
// fresh private registry, which keeps tests independent of each other.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "jobs_submitted_total",
			Help:      "Export jobs accepted, by format.",
		}, []string{"format"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "jobs_finished_total",
			Help:      "Export jobs that reached a terminal state, by status.",
		}, []string{"status"}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "jobs_active",
			Help:      "Export jobs currently pending or processing.",
		}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "job_duration_seconds",
			Help:      "Time from submission to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"status"}),
		ArtifactBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "artifact_bytes",
			Help:      "Size of completed export artifacts.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		JobsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "jobs_evicted_total",
			Help:      "Terminal jobs dropped from history to honour the retention limit.",
		}),
		FeedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_total",
			Help:      "Inbound feed messages, by result (accepted or malformed).",
		}, []string{"result"}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after a disconnect.",
		}),
		FeedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "connected",
			Help:      "1 while the feed client holds a live connection.",
		}),
		StreamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Clients attached to the event stream endpoint.",
		}),
		StreamPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "published_total",
			Help:      "Messages broadcast on the event stream, by type.",
		}, []string{"type"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.JobsSubmitted, m.JobsFinished, m.JobsActive, m.JobDuration, m.ArtifactBytes, m.JobsEvicted,
		m.FeedMessages, m.FeedReconnects, m.FeedConnected,
		m.StreamSubscribers, m.StreamPublished,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

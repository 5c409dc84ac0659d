// Package metrics holds the Prometheus instrumentation for the sync engine:
// connection and room gauges, event throughput, write-behind flushes and
// code execution.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codesync"

type Metrics struct {
	Connections     prometheus.Gauge
	CachedRooms     prometheus.Gauge
	ActiveRooms     prometheus.Gauge
	PendingEvicts   prometheus.Gauge
	Events          *prometheus.CounterVec
	Flushes         *prometheus.CounterVec
	FlushDuration   prometheus.Histogram
	Evictions       prometheus.Counter
	CodeRuns        *prometheus.CounterVec
	CodeRunDuration prometheus.Histogram
	DroppedMessages prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. Tests pass a fresh prometheus.NewRegistry().
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Current number of open websocket connections",
		}),
		CachedRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_rooms",
			Help:      "Rooms currently held in memory",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Rooms with at least one connected member",
		}),
		PendingEvicts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_evictions",
			Help:      "Empty rooms waiting out the eviction delay",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound client events by type",
		}, []string{"type"}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Write-behind flushes by outcome",
		}, []string{"outcome"}), // outcome = "ok", "error"
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent writing a room snapshot to durable storage",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Rooms evicted from memory after staying empty",
		}),
		CodeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_runs_total",
			Help:      "Code run requests by outcome",
		}, []string{"outcome"}), // outcome = "ok", "error", "rate_limited"
		CodeRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "code_run_duration_seconds",
			Help:      "Latency of the external execution service",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10, 15, 30},
		}),
		DroppedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Outbound messages dropped because a client buffer was full",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.Connections,
		m.CachedRooms,
		m.ActiveRooms,
		m.PendingEvicts,
		m.Events,
		m.Flushes,
		m.FlushDuration,
		m.Evictions,
		m.CodeRuns,
		m.CodeRunDuration,
		m.DroppedMessages,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

// NewWithRuntime also registers the Go runtime and process collectors.
func NewWithRuntime() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return New(reg)
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

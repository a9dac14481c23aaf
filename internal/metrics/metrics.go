// Package metrics groups the Prometheus collectors exported by the
// relay. Collectors live on a private registry so tests can build as
// many instances as they need without double-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the relay's Prometheus collectors.
type Registry struct {
	reg *prometheus.Registry

	// Ingest path
	IngestRequests *prometheus.CounterVec // by outcome
	ParseFailures  *prometheus.CounterVec // by kind
	IngestBytes    prometheus.Histogram

	// Broadcast path
	DeltasPublished prometheus.Counter
	DeltasDiscarded prometheus.Counter
	DisconnectMarks prometheus.Counter
	EntitiesPruned  prometheus.Counter
	BroadcastFlush  prometheus.Histogram

	// Live state
	Entities      prometheus.Gauge
	Subscribers   prometheus.Gauge
	SubscriberLag prometheus.Counter

	// Rate limiter
	LimiterTrackedIPs prometheus.Gauge
	LimiterBannedIPs  prometheus.Gauge

	// Process
	CPUPercent prometheus.Gauge
	MemoryMB   prometheus.Gauge
	Goroutines prometheus.Gauge
}

// NewRegistry creates all collectors on a fresh registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Registry{
		reg: reg,

		IngestRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msdp_ingest_requests_total",
			Help: "Ingest requests by outcome (ok, bad_request, internal_error, throttled, banned, method_not_allowed)",
		}, []string{"outcome"}),
		ParseFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msdp_parse_failures_total",
			Help: "Payload parse failures by kind",
		}, []string{"kind"}),
		IngestBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "msdp_ingest_payload_bytes",
			Help:    "Size of accepted ingest payloads",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),

		DeltasPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "msdp_deltas_published_total",
			Help: "Deltas published to the fan-out channel",
		}),
		DeltasDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "msdp_deltas_discarded_total",
			Help: "Deltas dropped because no subscriber was attached",
		}),
		DisconnectMarks: f.NewCounter(prometheus.CounterOpts{
			Name: "msdp_disconnect_marks_total",
			Help: "Entities marked CONNECTED=NO by the broadcast loop",
		}),
		EntitiesPruned: f.NewCounter(prometheus.CounterOpts{
			Name: "msdp_entities_pruned_total",
			Help: "Entities removed by the prune loop",
		}),
		BroadcastFlush: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "msdp_broadcast_flush_seconds",
			Help:    "Duration of one broadcast tick",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),

		Entities: f.NewGauge(prometheus.GaugeOpts{
			Name: "msdp_entities",
			Help: "Entities currently in the store",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "msdp_subscribers",
			Help: "Attached WebSocket subscribers",
		}),
		SubscriberLag: f.NewCounter(prometheus.CounterOpts{
			Name: "msdp_subscriber_lag_events_total",
			Help: "Times a subscriber fell behind the fan-out ring",
		}),

		LimiterTrackedIPs: f.NewGauge(prometheus.GaugeOpts{
			Name: "msdp_rate_limiter_tracked_ips",
			Help: "IPs with live rate limiter state",
		}),
		LimiterBannedIPs: f.NewGauge(prometheus.GaugeOpts{
			Name: "msdp_rate_limiter_banned_ips",
			Help: "IPs currently banned",
		}),

		CPUPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "msdp_cpu_percent",
			Help: "Process CPU usage sampled by the system monitor",
		}),
		MemoryMB: f.NewGauge(prometheus.GaugeOpts{
			Name: "msdp_memory_mb",
			Help: "Resident memory in MB sampled by the system monitor",
		}),
		Goroutines: f.NewGauge(prometheus.GaugeOpts{
			Name: "msdp_goroutines",
			Help: "Goroutine count sampled by the system monitor",
		}),
	}
}

// Handler exposes the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Package metrics wraps the Prometheus collectors exposed by the
// lobby broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Prometheus collector the broker publishes.
type Registry struct {
	PeersActive   prometheus.Gauge
	LobbiesActive prometheus.Gauge
	ProcessCPU    prometheus.Gauge
	ProcessMemory prometheus.Gauge

	CodesIssued        prometheus.Counter
	StoreRetries       prometheus.Counter
	StorePoolRecreates prometheus.Counter
	SnapshotEvictions  prometheus.Counter
	MessagesRouted     prometheus.Counter
	ProtocolErrors     prometheus.Counter
}

// NewRegistry creates the Prometheus collectors used by the broker.
func NewRegistry() *Registry {
	return &Registry{
		PeersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lobby_peers_active",
			Help: "Number of currently connected peers",
		}),
		LobbiesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lobby_lobbies_active",
			Help: "Number of currently registered lobbies",
		}),
		ProcessCPU: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lobby_process_cpu_percent",
			Help: "CPU usage percent of the broker process",
		}),
		ProcessMemory: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lobby_process_memory_bytes",
			Help: "Resident memory usage of the broker process",
		}),
		CodesIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lobby_codes_issued_total",
			Help: "Total number of lobby codes issued by the generator",
		}),
		StoreRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lobby_store_retries_total",
			Help: "Total number of store query retries due to transient errors",
		}),
		StorePoolRecreates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lobby_store_pool_recreations_total",
			Help: "Total number of store connection pool recreations",
		}),
		SnapshotEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lobby_snapshot_evictions_total",
			Help: "Total number of snapshot cache entries evicted to the store",
		}),
		MessagesRouted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lobby_messages_routed_total",
			Help: "Total number of signaling messages routed between peers",
		}),
		ProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lobby_protocol_errors_total",
			Help: "Total number of protocol errors that closed a transport",
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// StartProcessCollector launches a background goroutine that samples
// process CPU and memory usage every two seconds and publishes them to
// the ProcessCPU/ProcessMemory gauges, grounded on the sibling
// servers' gopsutil-based collectMetrics loops.
func (r *Registry) StartProcessCollector(stop <-chan struct{}) {
	go r.collectProcessMetrics(stop)
}

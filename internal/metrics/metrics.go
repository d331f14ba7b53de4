// Package metrics defines the broker's Prometheus collectors: promauto
// registrations held on a struct, served later via promhttp.Handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the broker exposes on /metrics.
type Metrics struct {
	SessionsActive         prometheus.Gauge
	SessionsCreatedTotal   prometheus.Counter
	SessionsDestroyedTotal *prometheus.CounterVec
	WorkerSpawnFailures    prometheus.Counter
	PortPoolAvailable      prometheus.Gauge
	PortPoolReserved       prometheus.Gauge
	RPCDuration            *prometheus.HistogramVec
}

// New registers and returns the broker's metric collectors against the
// default Prometheus registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the broker's metric collectors against reg,
// letting tests use a fresh prometheus.NewRegistry() instead of colliding
// with the process-wide default registry across test cases.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "phoebe_sessions_active",
			Help: "Number of sessions currently in the registry.",
		}),
		SessionsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "phoebe_sessions_created_total",
			Help: "Total number of sessions successfully created.",
		}),
		SessionsDestroyedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "phoebe_sessions_destroyed_total",
			Help: "Total number of sessions destroyed, by termination reason.",
		}, []string{"reason"}),
		WorkerSpawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "phoebe_worker_spawn_failures_total",
			Help: "Total number of worker spawn attempts that failed the readiness probe.",
		}),
		PortPoolAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "phoebe_port_pool_available",
			Help: "Number of ports currently available in the pool.",
		}),
		PortPoolReserved: factory.NewGauge(prometheus.GaugeOpts{
			Name: "phoebe_port_pool_reserved",
			Help: "Number of ports currently reserved by live sessions.",
		}),
		RPCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phoebe_rpc_duration_seconds",
			Help:    "Latency of routed worker RPCs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command", "success"}),
	}
}

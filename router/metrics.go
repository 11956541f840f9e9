package router

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors the router exports. Construct
// one per process and register it on the registry backing the /metrics
// endpoint; tests pass a private registry.
type Metrics struct {
	RequestsRouted    *prometheus.CounterVec
	RequestsCompleted *prometheus.CounterVec
	RequestsKilled    *prometheus.CounterVec

	HRAQueueLength        prometheus.Gauge
	AllocatedBlocks       *prometheus.GaugeVec
	PendingReservedBlocks *prometheus.GaugeVec
	MemoryUsagePercent    *prometheus.GaugeVec
}

// NewMetrics creates and registers the router's collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvrouter_requests_routed_total",
			Help: "Requests routed, by policy and target replica",
		}, []string{"policy", "replica"}),
		RequestsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvrouter_requests_completed_total",
			Help: "Requests that streamed to completion, by replica",
		}, []string{"replica"}),
		RequestsKilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvrouter_requests_killed_total",
			Help: "Requests torn down before completion, by replica",
		}, []string{"replica"}),
		HRAQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvrouter_hra_queue_length",
			Help: "Requests waiting in the head-room admission queue",
		}),
		AllocatedBlocks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kvrouter_allocated_blocks",
			Help: "Estimated KV blocks allocated on a replica",
		}, []string{"replica"}),
		PendingReservedBlocks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kvrouter_pending_reserved_blocks",
			Help: "KV blocks pessimistically reserved for routed requests on a replica",
		}, []string{"replica"}),
		MemoryUsagePercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kvrouter_memory_usage_percent",
			Help: "Estimated KV cache occupancy of a replica, percent of total blocks",
		}, []string{"replica"}),
	}
	reg.MustRegister(
		m.RequestsRouted,
		m.RequestsCompleted,
		m.RequestsKilled,
		m.HRAQueueLength,
		m.AllocatedBlocks,
		m.PendingReservedBlocks,
		m.MemoryUsagePercent,
	)
	return m
}

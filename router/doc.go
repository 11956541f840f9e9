// Package router implements memory-aware request placement for a fleet of
// LLM inference replicas with paged KV caches.
//
// The package has three layers. SlidingWindow and RequestStatsMonitor track
// per-replica request lifecycles and expose rolling averages plus KV-block
// occupancy estimates. PlacementPolicy implementations (round-robin, session
// affinity, least-loaded, custom work estimation) pick a replica from a stats
// snapshot. HRARouter adds head-room admission control on top: requests queue
// until a replica can host them while keeping a configured fraction of its
// KV blocks free, which avoids engine-side preemption under bursty load.
//
// The serving glue in router/proxy streams requests to the chosen replica
// and drives the monitor's lifecycle hooks.
package router

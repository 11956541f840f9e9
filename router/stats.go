package router

import "net/http"

// Endpoint identifies a serving replica. URL is the identity: unique within
// any endpoint list handed to a policy.
type Endpoint struct {
	URL       string `json:"url"`
	ModelName string `json:"model_name,omitempty"`
}

// Request carries the routing-relevant view of an incoming request. Policies
// read headers (session affinity) and nothing else; the body never reaches
// the placement layer.
type Request struct {
	ID     string
	Header http.Header
}

// EngineStats is the engine-reported load of a replica, scraped from the
// engine's own metrics surface by an external collaborator. Policies receive
// it alongside the request-level stats; none of the shipped policies consume
// it, but the interface carries it so custom policies can.
type EngineStats struct {
	NumRunningRequests int     `json:"num_running_requests"`
	NumQueuingRequests int     `json:"num_queuing_requests"`
	GPUCacheUsagePerc  float64 `json:"gpu_cache_usage_perc"`
}

// RequestStats is the per-replica snapshot produced by
// RequestStatsMonitor.GetStats. Averages are computed over the monitor's
// sliding window and are -1 when no samples exist. The TS* slices hold ages
// in seconds (time since entry into the phase) for each in-flight request,
// not timestamps.
type RequestStats struct {
	// QPS is queries per second over the sliding window.
	QPS float64 `json:"qps"`
	// TTFT is the average time-to-first-token in seconds.
	TTFT float64 `json:"ttft"`
	// InPrefillRequests counts requests routed but awaiting their first token.
	InPrefillRequests int `json:"in_prefill_requests"`
	// InDecodingRequests counts requests generating tokens.
	InDecodingRequests int `json:"in_decoding_requests"`
	// TSPrefillEnqueue holds, for each in-prefill request, seconds since arrival.
	TSPrefillEnqueue []float64 `json:"ts_prefill_enqueue"`
	// TSDecodingEnqueue holds, for each in-decoding request, seconds since first token.
	TSDecodingEnqueue []float64 `json:"ts_decoding_enqueue"`
	// FinishedRequests counts completions since the monitor started.
	FinishedRequests int `json:"finished_requests"`
	// Uptime is seconds since the monitor saw its first request.
	Uptime float64 `json:"uptime"`
	// AvgDecodingLength is the average first-token-to-completion duration.
	AvgDecodingLength float64 `json:"avg_decoding_length"`
	// AvgLatency is the average arrival-to-completion duration.
	AvgLatency float64 `json:"avg_latency"`
	// AvgITL is reserved; always -1.
	AvgITL float64 `json:"avg_itl"`
	// NumSwappedRequests counts GPU-to-CPU swaps reported for this replica.
	NumSwappedRequests int `json:"num_swapped_requests"`
}

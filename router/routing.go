package router

import (
	"math"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// PlacementPolicy decides which replica serves a request. Implementations
// must call the monitor's OnRequestRouted hook for the chosen URL before
// surfacing it, so the stats pipeline sees the placement the moment the
// caller does.
//
// Synchronous policies return a resolved Placement. The HRA policy may
// return a pending one; see HRARouter.
type PlacementPolicy interface {
	RouteRequest(
		endpoints []Endpoint,
		engineStats map[string]EngineStats,
		requestStats map[string]RequestStats,
		request *Request,
		requestID string,
		prefillTokens int,
	) (*Placement, error)
}

// RoundRobinRouter cycles through endpoints sorted lexicographically by URL.
// On a fixed endpoint set the rotation is exact with period N; when the set
// changes between calls the fairness is approximate.
type RoundRobinRouter struct {
	monitor *RequestStatsMonitor
	counter atomic.Uint64
}

// NewRoundRobinRouter creates a RoundRobinRouter reporting placements to monitor.
func NewRoundRobinRouter(monitor *RequestStatsMonitor) *RoundRobinRouter {
	return &RoundRobinRouter{monitor: monitor}
}

// RouteRequest implements PlacementPolicy for RoundRobinRouter.
func (r *RoundRobinRouter) RouteRequest(endpoints []Endpoint, engineStats map[string]EngineStats,
	requestStats map[string]RequestStats, request *Request, requestID string, prefillTokens int) (*Placement, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	sorted := sortedByURL(endpoints)
	idx := (r.counter.Add(1) - 1) % uint64(len(sorted))
	chosen := sorted[idx].URL
	r.monitor.OnRequestRouted(chosen, requestID, prefillTokens)
	return resolvedPlacement(chosen), nil
}

// LeastLoadedRouter picks the replica with the fewest in-flight requests
// (in-prefill plus in-decoding) according to the stats snapshot. A replica
// with no stats counts as idle. Ties go to the first endpoint in list order.
type LeastLoadedRouter struct {
	monitor *RequestStatsMonitor
}

// NewLeastLoadedRouter creates a LeastLoadedRouter reporting placements to monitor.
func NewLeastLoadedRouter(monitor *RequestStatsMonitor) *LeastLoadedRouter {
	return &LeastLoadedRouter{monitor: monitor}
}

// RouteRequest implements PlacementPolicy for LeastLoadedRouter.
func (r *LeastLoadedRouter) RouteRequest(endpoints []Endpoint, engineStats map[string]EngineStats,
	requestStats map[string]RequestStats, request *Request, requestID string, prefillTokens int) (*Placement, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	lowest := math.Inf(1)
	chosen := ""
	for _, ep := range endpoints {
		work := inFlightWork(ep.URL, requestStats)
		if work < lowest {
			lowest = work
			chosen = ep.URL
		}
	}
	r.monitor.OnRequestRouted(chosen, requestID, prefillTokens)
	return resolvedPlacement(chosen), nil
}

// inFlightWork returns the in-flight request count for a URL from the
// snapshot, treating unknown URLs as zero load.
func inFlightWork(url string, requestStats map[string]RequestStats) float64 {
	stats, ok := requestStats[url]
	if !ok {
		return 0
	}
	if len(stats.TSPrefillEnqueue) != stats.InPrefillRequests {
		logrus.Debugf("%s: %d prefill ages vs %d in-prefill requests", url, len(stats.TSPrefillEnqueue), stats.InPrefillRequests)
	}
	if len(stats.TSDecodingEnqueue) != stats.InDecodingRequests {
		logrus.Debugf("%s: %d decoding ages vs %d in-decoding requests", url, len(stats.TSDecodingEnqueue), stats.InDecodingRequests)
	}
	return float64(stats.InPrefillRequests + stats.InDecodingRequests)
}

// CustomWorkRouter estimates outstanding generation work per replica from
// the snapshot's enqueue ages and decoding-duration average, and picks the
// replica with the least. Before the decoding average warms up the QPS is
// used as a stand-in. Ties go to the first endpoint in list order.
type CustomWorkRouter struct {
	monitor *RequestStatsMonitor
}

// NewCustomWorkRouter creates a CustomWorkRouter reporting placements to monitor.
func NewCustomWorkRouter(monitor *RequestStatsMonitor) *CustomWorkRouter {
	return &CustomWorkRouter{monitor: monitor}
}

// RouteRequest implements PlacementPolicy for CustomWorkRouter.
func (r *CustomWorkRouter) RouteRequest(endpoints []Endpoint, engineStats map[string]EngineStats,
	requestStats map[string]RequestStats, request *Request, requestID string, prefillTokens int) (*Placement, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	lowest := math.Inf(1)
	chosen := ""
	for _, ep := range endpoints {
		work := estimateOutstandingWork(ep.URL, requestStats)
		if work < lowest {
			lowest = work
			chosen = ep.URL
		}
	}
	r.monitor.OnRequestRouted(chosen, requestID, prefillTokens)
	return resolvedPlacement(chosen), nil
}

// estimateOutstandingWork projects remaining service time on a replica:
// every queued (in-prefill) request costs one average decoding duration, and
// every decoding request costs at least its elapsed decode time.
func estimateOutstandingWork(url string, requestStats map[string]RequestStats) float64 {
	stats, ok := requestStats[url]
	if !ok {
		logrus.Debugf("%s: no request stats", url)
		return 0
	}
	avgDecoding := stats.AvgDecodingLength
	if avgDecoding < 0 {
		// No completed decode in the window yet; fall back to arrival pressure.
		return stats.QPS
	}
	queuedWork := float64(len(stats.TSPrefillEnqueue)) * avgDecoding
	decodingWork := 0.0
	for _, elapsed := range stats.TSDecodingEnqueue {
		decodingWork += math.Max(elapsed, avgDecoding)
	}
	logrus.Debugf("%s: queued=%d decoding=%d ttft=%.3f avg_dec=%.3f qps=%.3f work=%.3f",
		url, len(stats.TSPrefillEnqueue), len(stats.TSDecodingEnqueue), stats.TTFT, avgDecoding, stats.QPS, queuedWork+decodingWork)
	return queuedWork + decodingWork
}

// lowestQPSEndpoint picks the endpoint with the lowest QPS from the
// snapshot. An endpoint with no stats has served nothing and wins
// immediately.
func lowestQPSEndpoint(endpoints []Endpoint, requestStats map[string]RequestStats) string {
	lowest := math.Inf(1)
	chosen := ""
	for _, ep := range endpoints {
		stats, ok := requestStats[ep.URL]
		if !ok {
			return ep.URL
		}
		if stats.QPS < lowest {
			lowest = stats.QPS
			chosen = ep.URL
		}
	}
	return chosen
}

// sortedByURL returns a copy of endpoints sorted lexicographically by URL.
func sortedByURL(endpoints []Endpoint) []Endpoint {
	sorted := make([]Endpoint, len(endpoints))
	copy(sorted, endpoints)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].URL < sorted[j].URL })
	return sorted
}

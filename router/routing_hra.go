package router

import (
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// queuedRequest is an entry in the HRA wait queue.
type queuedRequest struct {
	prefillTokens int
	arrivedAt     float64
	request       *Request
	endpoints     []Endpoint
	placement     *Placement
	requestID     string
}

// HRARouter implements Head-Room Admission control. Requests that cannot be
// admitted to any replica without eating into the configured free-block
// head-room wait in an internal queue; every completion re-runs the
// admission sweep, so queued requests are admitted as soon as blocks free up.
//
// The queue is ordered by (prefill tokens, arrival time): shortest prefill
// first with FIFO tiebreak. A sweep stops at the first entry it cannot place
// anywhere, so an entry never starves behind one that sorts after it.
//
// Both RouteRequest and the completion-triggered sweep run under a single
// router-wide lock held across the whole sweep, keeping the optimistic
// block projections consistent. The sweep takes monitor snapshots while
// holding it; the global lock order is HRA lock first, monitor lock second.
type HRARouter struct {
	monitor *RequestStatsMonitor
	profile KVCacheProfile

	mu    sync.Mutex
	queue []*queuedRequest

	// now is swappable for tests.
	now func() float64
}

// NewHRARouter creates an HRARouter using the monitor's block estimators and
// the given KV cache profile for admission math.
func NewHRARouter(monitor *RequestStatsMonitor, profile KVCacheProfile) *HRARouter {
	return &HRARouter{
		monitor: monitor,
		profile: profile,
		now:     MonotonicNow,
	}
}

// RouteRequest implements PlacementPolicy for HRARouter. The returned
// placement is pending; it resolves once an admission sweep places the
// request, which may happen before this call returns when head-room is
// already available.
func (r *HRARouter) RouteRequest(endpoints []Endpoint, engineStats map[string]EngineStats,
	requestStats map[string]RequestStats, request *Request, requestID string, prefillTokens int) (*Placement, error) {
	entry := &queuedRequest{
		prefillTokens: prefillTokens,
		arrivedAt:     r.now(),
		request:       request,
		endpoints:     endpoints,
		placement:     pendingPlacement(),
		requestID:     requestID,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, entry)
	sort.SliceStable(r.queue, func(i, j int) bool {
		if r.queue[i].prefillTokens != r.queue[j].prefillTokens {
			return r.queue[i].prefillTokens < r.queue[j].prefillTokens
		}
		return r.queue[i].arrivedAt < r.queue[j].arrivedAt
	})
	r.trySchedule()

	return entry.placement, nil
}

// OnRequestComplete re-runs the admission sweep after a completion freed
// blocks somewhere. The URL is not needed for the sweep itself; the
// signature mirrors the monitor's completion notification.
func (r *HRARouter) OnRequestComplete(engineURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trySchedule()
}

// QueueLength returns the number of requests waiting for admission.
func (r *HRARouter) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// trySchedule walks the queue in sort order and admits every entry that fits
// on some replica, stopping at the first that fits nowhere. Callers must
// hold r.mu.
//
// Admission math per replica: blocks already allocated (known tokens) plus
// blocks pessimistically reserved for routed requests plus this entry's
// demand must leave at least MinFreeBlocks free. Projections are updated
// optimistically as entries are admitted so later entries in the same sweep
// see the effect.
func (r *HRARouter) trySchedule() {
	if len(r.queue) == 0 {
		return
	}

	currentTime := r.now()
	snapshot := r.monitor.GetStats(currentTime)

	replicaURLs := make(map[string]struct{})
	for _, entry := range r.queue {
		for _, ep := range entry.endpoints {
			replicaURLs[ep.URL] = struct{}{}
		}
	}

	allocatedBlocks := make(map[string]int, len(replicaURLs))
	pendingReservedBlocks := make(map[string]int, len(replicaURLs))
	queueLengths := make(map[string]int, len(replicaURLs))
	for url := range replicaURLs {
		allocatedBlocks[url] = r.monitor.EstimateAllocatedBlocks(url)
		pendingReservedBlocks[url] = r.monitor.EstimatePendingReservedBlocks(url)
		if stats, ok := snapshot[url]; ok {
			queueLengths[url] = stats.InPrefillRequests + stats.InDecodingRequests
		}
	}

	minFreeBlocks := r.profile.MinFreeBlocks()

	idx := 0
	for idx < len(r.queue) {
		entry := r.queue[idx]

		// Pessimistic block demand: prompt plus expected decode tokens.
		needBlocks := int(math.Ceil(float64(entry.prefillTokens) * (1 + r.profile.DecodeToPrefillRatio) / float64(r.profile.BlockSize)))

		target := ""
		targetQueueLen := 0
		for _, ep := range entry.endpoints {
			url := ep.URL
			projected := allocatedBlocks[url] + pendingReservedBlocks[url] + needBlocks
			if r.profile.TotalBlocks-projected < minFreeBlocks {
				continue
			}
			if target == "" || queueLengths[url] < targetQueueLen {
				target = url
				targetQueueLen = queueLengths[url]
			}
		}

		if target == "" {
			// The head of the remaining queue fits nowhere. Admitting an
			// entry that sorts after it instead would let it starve, so the
			// sweep ends here; the next completion retries.
			logrus.Debugf("[hra] request %s (%d prefill tokens, %d blocks) unschedulable; %d queued",
				entry.requestID, entry.prefillTokens, needBlocks, len(r.queue))
			break
		}

		r.monitor.OnRequestRouted(target, entry.requestID, entry.prefillTokens)
		entry.placement.resolve(target)
		r.queue = append(r.queue[:idx], r.queue[idx+1:]...)

		// Optimistic bookkeeping so later entries in this sweep see the
		// placement. Do not advance idx: the next entry moved into its slot.
		pendingReservedBlocks[target] += needBlocks
		queueLengths[target]++
	}
}

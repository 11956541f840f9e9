package router

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// engineRequest keys per-replica, per-request state.
type engineRequest struct {
	url string
	id  string
}

// RequestStatsMonitor observes the lifecycle of every request the router
// handles and derives per-replica statistics from it. One monitor serves the
// whole process; it is constructed once at startup and handed to the policy
// registry and the serving layer.
//
// All hooks and the snapshot builder run under a single coarse lock. The
// critical sections are map updates and a sliding-window append, so the lock
// is never held long; at router call rates this is not a contention point.
//
// QPS is counted from requests dispatched in the sliding window, while TTFT,
// latency and decoding length are computed from requests that produced the
// corresponding event inside the window.
type RequestStatsMonitor struct {
	mu sync.Mutex

	windowSize float64 // seconds
	profile    KVCacheProfile

	qpsWindows      map[string]*SlidingWindow
	ttftWindows     map[string]*SlidingWindow
	latencyWindows  map[string]*SlidingWindow
	decodingWindows map[string]*SlidingWindow

	// arrivalTime holds request arrival timestamps from OnArrival until
	// completion or kill.
	arrivalTime map[string]float64
	// firstTokenTime holds the prefill-to-decode transition time per
	// (replica, request). Kept until completion so overall latency and
	// decoding duration can both be computed.
	firstTokenTime map[engineRequest]float64

	inPrefillIDs  map[string]map[string]struct{}
	inDecodingIDs map[string]map[string]struct{}

	// prefillTokens is populated at route decision and retained until the
	// request leaves the replica. decodeTokens counts streamed tokens.
	prefillTokens map[string]map[string]int
	decodeTokens  map[string]map[string]int

	finishedCount map[string]int
	swappedCount  map[string]int

	firstQueryTime    float64
	hasFirstQueryTime bool

	// completionListener is invoked (outside the monitor lock) after every
	// recorded completion. The policy registry points it at the HRA router's
	// admission sweep when that policy is active.
	completionListener func(url string)
}

// NewRequestStatsMonitor creates a monitor with the given sliding window
// size in seconds. The window size is fixed for the monitor's lifetime.
func NewRequestStatsMonitor(windowSize float64, profile KVCacheProfile) (*RequestStatsMonitor, error) {
	if windowSize <= 0 {
		return nil, errInvalidWindow(windowSize)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &RequestStatsMonitor{
		windowSize:      windowSize,
		profile:         profile,
		qpsWindows:      make(map[string]*SlidingWindow),
		ttftWindows:     make(map[string]*SlidingWindow),
		latencyWindows:  make(map[string]*SlidingWindow),
		decodingWindows: make(map[string]*SlidingWindow),
		arrivalTime:     make(map[string]float64),
		firstTokenTime:  make(map[engineRequest]float64),
		inPrefillIDs:    make(map[string]map[string]struct{}),
		inDecodingIDs:   make(map[string]map[string]struct{}),
		prefillTokens:   make(map[string]map[string]int),
		decodeTokens:    make(map[string]map[string]int),
		finishedCount:   make(map[string]int),
		swappedCount:    make(map[string]int),
	}, nil
}

// Profile returns the KV cache profile the monitor's estimators use.
func (m *RequestStatsMonitor) Profile() KVCacheProfile {
	return m.profile
}

// WindowSize returns the sliding window duration in seconds.
func (m *RequestStatsMonitor) WindowSize() float64 {
	return m.windowSize
}

// SetCompletionListener installs the callback run after every recorded
// completion. Pass nil to clear. The callback runs outside the monitor lock
// so it may take stats snapshots.
func (m *RequestStatsMonitor) SetCompletionListener(fn func(url string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionListener = fn
}

// OnRequestArrival records the arrival of a request before any routing
// decision is made.
func (m *RequestStatsMonitor) OnRequestArrival(requestID string, timestamp float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arrivalTime[requestID] = timestamp
	if !m.hasFirstQueryTime {
		m.firstQueryTime = timestamp
		m.hasFirstQueryTime = true
	}
}

// OnRequestStart records that a request has been dispatched to a replica.
// Each dispatch counts one QPS sample on that replica's window.
func (m *RequestStatsMonitor) OnRequestStart(engineURL, requestID string, timestamp float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.qpsWindows[engineURL]
	if !ok {
		w = NewSlidingWindow(m.windowSize)
		m.qpsWindows[engineURL] = w
	}
	w.Update(timestamp, 1)
}

// OnRequestRouted records a placement decision: the request's prefill token
// count is registered against the target replica and the request enters the
// in-prefill set. Placement policies call this immediately before surfacing
// the chosen URL.
func (m *RequestStatsMonitor) OnRequestRouted(engineURL, requestID string, prefillTokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefillTokens[engineURL] == nil {
		m.prefillTokens[engineURL] = make(map[string]int)
	}
	m.prefillTokens[engineURL][requestID] = prefillTokens
	logrus.Debugf("recorded prefill token count for request %s on %s: %d tokens", requestID, engineURL, prefillTokens)

	if m.inPrefillIDs[engineURL] == nil {
		m.inPrefillIDs[engineURL] = make(map[string]struct{})
	}
	m.inPrefillIDs[engineURL][requestID] = struct{}{}
}

// OnRequestResponse records a streamed response token. Every call increments
// the decode token count, including the first token that marks the
// prefill-to-decode transition. When isFirstToken is set the request moves
// from the prefill set to the decoding set and the TTFT window is updated.
//
// A first token for a request the monitor never saw arrive is an
// inconsistent lifecycle; the partial state is torn down and the call
// returns normally.
func (m *RequestStatsMonitor) OnRequestResponse(engineURL, requestID string, timestamp float64, isFirstToken bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decodeTokens[engineURL] == nil {
		m.decodeTokens[engineURL] = make(map[string]int)
	}
	m.decodeTokens[engineURL][requestID]++

	if !isFirstToken {
		return
	}

	arrival, ok := m.arrivalTime[requestID]
	if !ok {
		logrus.Debugf("first token for %s on %s without an arrival record; discarding request state", requestID, engineURL)
		m.killLocked(engineURL, requestID)
		return
	}

	if set := m.inPrefillIDs[engineURL]; set != nil {
		delete(set, requestID)
	}
	if m.inDecodingIDs[engineURL] == nil {
		m.inDecodingIDs[engineURL] = make(map[string]struct{})
	}
	m.inDecodingIDs[engineURL][requestID] = struct{}{}

	m.firstTokenTime[engineRequest{engineURL, requestID}] = timestamp

	w, ok := m.ttftWindows[engineURL]
	if !ok {
		w = NewSlidingWindow(m.windowSize)
		m.ttftWindows[engineURL] = w
	}
	w.Update(timestamp, timestamp-arrival)
}

// OnRequestComplete records the completion of a request: latency and
// decoding-duration windows are updated, counters incremented, and all
// per-request state removed. A completion without an arrival or first-token
// record is inconsistent; the state is torn down and nothing is recorded.
//
// After a recorded completion the completion listener (if any) runs, which
// is how the HRA router learns that blocks were freed.
func (m *RequestStatsMonitor) OnRequestComplete(engineURL, requestID string, timestamp float64) {
	if !m.completeLocked(engineURL, requestID, timestamp) {
		return
	}
	m.mu.Lock()
	notify := m.completionListener
	m.mu.Unlock()
	if notify != nil {
		notify(engineURL)
	}
}

// completeLocked performs the completion bookkeeping under the lock and
// reports whether a completion was actually recorded.
func (m *RequestStatsMonitor) completeLocked(engineURL, requestID string, timestamp float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	arrival, ok := m.arrivalTime[requestID]
	if !ok {
		logrus.Debugf("completion for %s on %s without an arrival record; discarding request state", requestID, engineURL)
		m.killLocked(engineURL, requestID)
		return false
	}
	key := engineRequest{engineURL, requestID}
	firstToken, ok := m.firstTokenTime[key]
	if !ok {
		logrus.Debugf("completion for %s on %s without a first-token record; discarding request state", requestID, engineURL)
		m.killLocked(engineURL, requestID)
		return false
	}

	if set := m.inDecodingIDs[engineURL]; set != nil {
		delete(set, requestID)
	}
	m.finishedCount[engineURL]++

	w, ok := m.latencyWindows[engineURL]
	if !ok {
		w = NewSlidingWindow(m.windowSize)
		m.latencyWindows[engineURL] = w
	}
	w.Update(timestamp, timestamp-arrival)

	w, ok = m.decodingWindows[engineURL]
	if !ok {
		w = NewSlidingWindow(m.windowSize)
		m.decodingWindows[engineURL] = w
	}
	w.Update(timestamp, timestamp-firstToken)

	if tokens, ok := m.decodeTokens[engineURL][requestID]; ok {
		logrus.Debugf("request %s on %s completed with %d decode tokens", requestID, engineURL, tokens)
		delete(m.decodeTokens[engineURL], requestID)
		if len(m.decodeTokens[engineURL]) == 0 {
			delete(m.decodeTokens, engineURL)
		}
	}
	if tokens, ok := m.prefillTokens[engineURL][requestID]; ok {
		logrus.Debugf("request %s on %s completed with %d prefill tokens", requestID, engineURL, tokens)
		delete(m.prefillTokens[engineURL], requestID)
		if len(m.prefillTokens[engineURL]) == 0 {
			delete(m.prefillTokens, engineURL)
		}
	}

	delete(m.arrivalTime, requestID)
	delete(m.firstTokenTime, key)
	return true
}

// OnRequestSwapped records that the engine moved a request's KV state from
// GPU to CPU memory under pressure.
func (m *RequestStatsMonitor) OnRequestSwapped(engineURL, requestID string, timestamp float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swappedCount[engineURL]++
}

// OnRequestKill unconditionally tears down all state the monitor holds for
// a request on a replica. Idempotent; used both by the serving layer on
// stream failure and internally to recover from inconsistent lifecycles.
func (m *RequestStatsMonitor) OnRequestKill(engineURL, requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killLocked(engineURL, requestID)
}

func (m *RequestStatsMonitor) killLocked(engineURL, requestID string) {
	if set := m.inPrefillIDs[engineURL]; set != nil {
		delete(set, requestID)
	}
	if set := m.inDecodingIDs[engineURL]; set != nil {
		delete(set, requestID)
	}
	delete(m.arrivalTime, requestID)
	delete(m.firstTokenTime, engineRequest{engineURL, requestID})
	if tokens := m.decodeTokens[engineURL]; tokens != nil {
		delete(tokens, requestID)
		if len(tokens) == 0 {
			delete(m.decodeTokens, engineURL)
		}
	}
	if tokens := m.prefillTokens[engineURL]; tokens != nil {
		delete(tokens, requestID)
		if len(tokens) == 0 {
			delete(m.prefillTokens, engineURL)
		}
	}
}

// GetStats builds a snapshot of per-replica request statistics at the given
// time. A replica appears in the snapshot once a request has been routed to
// it or has produced a first token there, and stays in it after its
// in-flight requests finish. Averages are -1 when the corresponding window
// has no samples.
func (m *RequestStatsMonitor) GetStats(currentTime float64) map[string]RequestStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	urls := make(map[string]struct{}, len(m.inPrefillIDs)+len(m.inDecodingIDs))
	for url := range m.inPrefillIDs {
		urls[url] = struct{}{}
	}
	for url := range m.inDecodingIDs {
		urls[url] = struct{}{}
	}

	ret := make(map[string]RequestStats, len(urls))
	for url := range urls {
		var stats RequestStats

		if w, ok := m.qpsWindows[url]; ok {
			w.UpdateNoValue(currentTime)
			stats.QPS = w.Sum() / m.windowSize
		} else {
			stats.QPS = -1
		}
		stats.TTFT = windowAverage(m.ttftWindows[url], currentTime)
		stats.AvgDecodingLength = windowAverage(m.decodingWindows[url], currentTime)
		stats.AvgLatency = windowAverage(m.latencyWindows[url], currentTime)
		stats.AvgITL = -1

		stats.InPrefillRequests = len(m.inPrefillIDs[url])
		stats.InDecodingRequests = len(m.inDecodingIDs[url])
		stats.FinishedRequests = m.finishedCount[url]
		stats.NumSwappedRequests = m.swappedCount[url]

		for id := range m.inPrefillIDs[url] {
			stats.TSPrefillEnqueue = append(stats.TSPrefillEnqueue, currentTime-m.arrivalTime[id])
		}
		for id := range m.inDecodingIDs[url] {
			stats.TSDecodingEnqueue = append(stats.TSDecodingEnqueue, currentTime-m.firstTokenTime[engineRequest{url, id}])
		}

		if m.hasFirstQueryTime {
			stats.Uptime = currentTime - m.firstQueryTime
		}

		ret[url] = stats
	}
	return ret
}

// windowAverage ages the window to currentTime and returns its mean, or -1
// if the window is absent or empty.
func windowAverage(w *SlidingWindow, currentTime float64) float64 {
	if w == nil {
		return -1
	}
	w.UpdateNoValue(currentTime)
	return w.Average()
}

// EstimateAllocatedBlocks estimates the KV blocks currently allocated on a
// replica from tokens known to exist: for every request in the decoding
// phase, prefill tokens plus decode tokens generated so far, rounded up to
// whole blocks. Returns 0 when the replica has no tracked decoding state.
func (m *RequestStatsMonitor) EstimateAllocatedBlocks(engineURL string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	decodeTokens := m.decodeTokens[engineURL]
	decoding := m.inDecodingIDs[engineURL]
	if decodeTokens == nil || decoding == nil {
		return 0
	}

	totalBlocks := 0
	for requestID, tokens := range decodeTokens {
		if _, ok := decoding[requestID]; !ok {
			logrus.Errorf("request %s on %s has decode tokens but is not in the decoding phase", requestID, engineURL)
			continue
		}
		prefill := m.prefillTokens[engineURL][requestID]
		totalBlocks += ceilDiv(prefill+tokens, m.profile.BlockSize)
	}
	return totalBlocks
}

// EstimatePendingReservedBlocks estimates the blocks a replica must hold in
// reserve for every request routed to it: all registered prefill tokens,
// scaled by the expected decode-to-prefill ratio to cover the unknown decode
// phase, rounded up to whole blocks. This deliberately double-counts
// requests already decoding; the pessimism is what keeps admissions from
// overshooting into preemption territory.
func (m *RequestStatsMonitor) EstimatePendingReservedBlocks(engineURL string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens := m.prefillTokens[engineURL]
	if tokens == nil {
		return 0
	}
	totalPrefill := 0
	for _, t := range tokens {
		totalPrefill += t
	}
	expected := float64(totalPrefill) * (1 + m.profile.DecodeToPrefillRatio)
	return int(math.Ceil(expected / float64(m.profile.BlockSize)))
}

// ceilDiv returns ceil(a/b) for positive b.
func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

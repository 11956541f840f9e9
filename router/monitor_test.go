package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T) *RequestStatsMonitor {
	t.Helper()
	m, err := NewRequestStatsMonitor(10, DefaultKVCacheProfile())
	require.NoError(t, err)
	return m
}

func TestNewRequestStatsMonitor_RejectsBadArguments(t *testing.T) {
	_, err := NewRequestStatsMonitor(0, DefaultKVCacheProfile())
	assert.Error(t, err)

	bad := DefaultKVCacheProfile()
	bad.BlockSize = 0
	_, err = NewRequestStatsMonitor(10, bad)
	assert.Error(t, err)
}

func TestMonitor_LifecycleProducesSnapshot(t *testing.T) {
	m := newTestMonitor(t)
	const url = "https://replica-0"

	m.OnRequestArrival("r1", 1.0)
	m.OnRequestRouted(url, "r1", 100)
	m.OnRequestStart(url, "r1", 1.1)

	stats := m.GetStats(2.0)
	require.Contains(t, stats, url)
	s := stats[url]
	assert.Equal(t, 1, s.InPrefillRequests)
	assert.Equal(t, 0, s.InDecodingRequests)
	require.Len(t, s.TSPrefillEnqueue, 1)
	assert.InDelta(t, 1.0, s.TSPrefillEnqueue[0], 1e-9) // 2.0 - arrival at 1.0
	assert.InDelta(t, 0.1, s.QPS, 1e-9)                 // one dispatch in a 10s window
	assert.Equal(t, -1.0, s.TTFT)
	assert.Equal(t, -1.0, s.AvgLatency)
	assert.Equal(t, -1.0, s.AvgITL)
	assert.InDelta(t, 1.0, s.Uptime, 1e-9)

	// First token moves the request to decoding and records TTFT.
	m.OnRequestResponse(url, "r1", 1.5, true)
	stats = m.GetStats(2.0)
	s = stats[url]
	assert.Equal(t, 0, s.InPrefillRequests)
	assert.Equal(t, 1, s.InDecodingRequests)
	require.Len(t, s.TSDecodingEnqueue, 1)
	assert.InDelta(t, 0.5, s.TSDecodingEnqueue[0], 1e-9) // 2.0 - first token at 1.5
	assert.InDelta(t, 0.5, s.TTFT, 1e-9)                 // 1.5 - arrival at 1.0

	// Completion records latency and decoding duration and clears state.
	m.OnRequestResponse(url, "r1", 1.7, false)
	m.OnRequestComplete(url, "r1", 2.5)
	stats = m.GetStats(3.0)
	s = stats[url]
	assert.Equal(t, 0, s.InPrefillRequests)
	assert.Equal(t, 0, s.InDecodingRequests)
	assert.Equal(t, 1, s.FinishedRequests)
	assert.InDelta(t, 1.5, s.AvgLatency, 1e-9)        // 2.5 - 1.0
	assert.InDelta(t, 1.0, s.AvgDecodingLength, 1e-9) // 2.5 - 1.5
}

func TestMonitor_PrefillAndDecodingSetsAreDisjoint(t *testing.T) {
	m := newTestMonitor(t)
	const url = "https://replica-0"

	for i, id := range []string{"a", "b", "c"} {
		m.OnRequestArrival(id, float64(i))
		m.OnRequestRouted(url, id, 10)
	}
	m.OnRequestResponse(url, "a", 3.0, true)
	m.OnRequestResponse(url, "b", 3.1, true)

	stats := m.GetStats(4.0)[url]
	assert.Equal(t, 1, stats.InPrefillRequests)
	assert.Equal(t, 2, stats.InDecodingRequests)
}

func TestMonitor_CompleteRemovesAllRequestState(t *testing.T) {
	m := newTestMonitor(t)
	const url = "https://replica-0"

	m.OnRequestArrival("r1", 0)
	m.OnRequestRouted(url, "r1", 64)
	m.OnRequestResponse(url, "r1", 1, true)
	m.OnRequestResponse(url, "r1", 2, false)
	m.OnRequestComplete(url, "r1", 3)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.arrivalTime, "r1")
	assert.NotContains(t, m.firstTokenTime, engineRequest{url, "r1"})
	assert.NotContains(t, m.prefillTokens, url)
	assert.NotContains(t, m.decodeTokens, url)
	assert.Empty(t, m.inPrefillIDs[url])
	assert.Empty(t, m.inDecodingIDs[url])
}

func TestMonitor_GhostFirstTokenSelfHeals(t *testing.T) {
	// A first token for a request that never arrived must not panic and must
	// leave no state behind.
	m := newTestMonitor(t)
	const url = "https://replica-0"

	m.OnRequestResponse(url, "ghost", 1.0, true)

	assert.Empty(t, m.GetStats(2.0))
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.decodeTokens, url)
	assert.NotContains(t, m.firstTokenTime, engineRequest{url, "ghost"})
}

func TestMonitor_CompleteWithoutFirstTokenSelfHeals(t *testing.T) {
	m := newTestMonitor(t)
	const url = "https://replica-0"

	m.OnRequestArrival("r1", 0)
	m.OnRequestRouted(url, "r1", 64)
	m.OnRequestComplete(url, "r1", 1)

	stats := m.GetStats(2.0)
	if s, ok := stats[url]; ok {
		assert.Equal(t, 0, s.InPrefillRequests)
		assert.Equal(t, 0, s.FinishedRequests)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.arrivalTime, "r1")
	assert.NotContains(t, m.prefillTokens, url)
}

func TestMonitor_KillIsIdempotent(t *testing.T) {
	m := newTestMonitor(t)
	const url = "https://replica-0"

	m.OnRequestArrival("r1", 0)
	m.OnRequestRouted(url, "r1", 64)
	m.OnRequestKill(url, "r1")
	m.OnRequestKill(url, "r1")

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.arrivalTime, "r1")
	assert.NotContains(t, m.prefillTokens, url)
}

func TestMonitor_SwappedOnlyCountsSwaps(t *testing.T) {
	m := newTestMonitor(t)
	const url = "https://replica-0"

	m.OnRequestArrival("r1", 0)
	m.OnRequestRouted(url, "r1", 64)
	m.OnRequestSwapped(url, "r1", 1)
	m.OnRequestSwapped(url, "r1", 2)

	stats := m.GetStats(3.0)[url]
	assert.Equal(t, 2, stats.NumSwappedRequests)
	assert.Equal(t, 1, stats.InPrefillRequests) // swap does not change phase
}

func TestMonitor_EstimateAllocatedBlocks(t *testing.T) {
	profile := DefaultKVCacheProfile() // 16 tokens per block
	m, err := NewRequestStatsMonitor(10, profile)
	require.NoError(t, err)
	const url = "https://replica-0"

	assert.Equal(t, 0, m.EstimateAllocatedBlocks(url))

	// Request with 100 prefill tokens and 5 decode tokens: ceil(105/16) = 7.
	m.OnRequestArrival("r1", 0)
	m.OnRequestRouted(url, "r1", 100)
	m.OnRequestResponse(url, "r1", 1, true)
	for i := 0; i < 4; i++ {
		m.OnRequestResponse(url, "r1", 1.1, false)
	}
	assert.Equal(t, 7, m.EstimateAllocatedBlocks(url))

	// A second decoding request adds its own ceiling: 32+1 tokens = 3 blocks.
	m.OnRequestArrival("r2", 0)
	m.OnRequestRouted(url, "r2", 32)
	m.OnRequestResponse(url, "r2", 1, true)
	assert.Equal(t, 10, m.EstimateAllocatedBlocks(url))

	// In-prefill requests contribute nothing until their first token.
	m.OnRequestArrival("r3", 0)
	m.OnRequestRouted(url, "r3", 1000)
	assert.Equal(t, 10, m.EstimateAllocatedBlocks(url))
}

func TestMonitor_EstimatePendingReservedBlocks(t *testing.T) {
	profile := DefaultKVCacheProfile() // ratio 0.6, block size 16
	m, err := NewRequestStatsMonitor(10, profile)
	require.NoError(t, err)
	const url = "https://replica-0"

	assert.Equal(t, 0, m.EstimatePendingReservedBlocks(url))

	m.OnRequestArrival("r1", 0)
	m.OnRequestRouted(url, "r1", 100)
	m.OnRequestArrival("r2", 0)
	m.OnRequestRouted(url, "r2", 60)

	// ceil(160 * 1.6 / 16) = 16 blocks reserved.
	assert.Equal(t, 16, m.EstimatePendingReservedBlocks(url))

	// Reservations cover decoding requests too: the prefill record lives
	// until completion.
	m.OnRequestResponse(url, "r1", 1, true)
	assert.Equal(t, 16, m.EstimatePendingReservedBlocks(url))

	m.OnRequestComplete(url, "r1", 2)
	// ceil(60 * 1.6 / 16) = 6.
	assert.Equal(t, 6, m.EstimatePendingReservedBlocks(url))
}

func TestMonitor_CompletionListenerRunsAfterRecordedCompletions(t *testing.T) {
	m := newTestMonitor(t)
	const url = "https://replica-0"

	var notified []string
	m.SetCompletionListener(func(u string) { notified = append(notified, u) })

	// Inconsistent completion: torn down, no notification.
	m.OnRequestComplete(url, "ghost", 1)
	assert.Empty(t, notified)

	m.OnRequestArrival("r1", 0)
	m.OnRequestRouted(url, "r1", 64)
	m.OnRequestResponse(url, "r1", 1, true)
	m.OnRequestComplete(url, "r1", 2)
	assert.Equal(t, []string{url}, notified)
}

func TestMonitor_QPSWindowAgesOut(t *testing.T) {
	m := newTestMonitor(t) // 10s window
	const url = "https://replica-0"

	m.OnRequestArrival("r1", 0)
	m.OnRequestRouted(url, "r1", 10)
	m.OnRequestStart(url, "r1", 0)
	m.OnRequestStart(url, "r2", 1)

	s := m.GetStats(5)[url]
	assert.InDelta(t, 0.2, s.QPS, 1e-9) // 2 dispatches / 10s

	s = m.GetStats(50)[url]
	assert.InDelta(t, 0.0, s.QPS, 1e-9) // both samples aged out
}

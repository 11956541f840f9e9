package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHRA builds an HRA router over a fresh monitor with a deterministic
// clock the test can advance.
func testHRA(t *testing.T, profile KVCacheProfile) (*HRARouter, *RequestStatsMonitor, *float64) {
	t.Helper()
	m, err := NewRequestStatsMonitor(10, profile)
	require.NoError(t, err)
	hra := NewHRARouter(m, profile)
	clock := new(float64)
	hra.now = func() float64 { return *clock }
	m.SetCompletionListener(hra.OnRequestComplete)
	return hra, m, clock
}

func waitURL(t *testing.T, p *Placement) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	url, err := p.Wait(ctx)
	require.NoError(t, err)
	return url
}

func TestHRARouter_AdmitsWhenHeadRoomAvailable(t *testing.T) {
	profile := KVCacheProfile{BlockSize: 16, TotalBlocks: 100, DecodeToPrefillRatio: 0.5, SafetyFraction: 0.10}
	hra, m, _ := testHRA(t, profile)
	endpoints := endpointList("https://r1", "https://r2")

	placement, err := hra.RouteRequest(endpoints, nil, nil, nil, "req-1", 160)
	require.NoError(t, err)

	// needBlocks = ceil(160*1.5/16) = 15; both replicas empty, tie on queue
	// length goes to the first endpoint.
	require.True(t, placement.Resolved())
	assert.Equal(t, "https://r1", waitURL(t, placement))
	assert.Equal(t, 0, hra.QueueLength())

	// The placement was reported: the reservation is now visible.
	assert.Equal(t, 15, m.EstimatePendingReservedBlocks("https://r1"))
}

func TestHRARouter_HeadRoomBlocksFatRequest(t *testing.T) {
	// needBlocks = ceil(1600*1.5/16) = 150 > 100 total on every replica:
	// the request queues and stays queued across sweeps with no completions.
	profile := KVCacheProfile{BlockSize: 16, TotalBlocks: 100, DecodeToPrefillRatio: 0.5, SafetyFraction: 0.10}
	hra, _, _ := testHRA(t, profile)
	endpoints := endpointList("https://r1", "https://r2")

	placement, err := hra.RouteRequest(endpoints, nil, nil, nil, "fat", 1600)
	require.NoError(t, err)
	assert.False(t, placement.Resolved())
	assert.Equal(t, 1, hra.QueueLength())

	hra.OnRequestComplete("https://r1")
	assert.False(t, placement.Resolved())
	assert.Equal(t, 1, hra.QueueLength())
}

func TestHRARouter_ShorterPrefillJumpsQueue(t *testing.T) {
	// A large admitted request leaves room for a 160-token entry but not a
	// 320-token one. The 160 entry arrives later yet is admitted first
	// because the queue sorts by prefill tokens.
	profile := KVCacheProfile{BlockSize: 16, TotalBlocks: 100, DecodeToPrefillRatio: 0.5, SafetyFraction: 0.10}
	hra, _, clock := testHRA(t, profile)
	endpoints := endpointList("https://r1")

	big, err := hra.RouteRequest(endpoints, nil, nil, nil, "big", 800)
	require.NoError(t, err)
	assert.Equal(t, "https://r1", waitURL(t, big)) // need 75, free 25 >= 10

	*clock = 1
	mid, err := hra.RouteRequest(endpoints, nil, nil, nil, "mid", 320)
	require.NoError(t, err)
	assert.False(t, mid.Resolved()) // need 30: 75+30 leaves free -5

	*clock = 2
	small, err := hra.RouteRequest(endpoints, nil, nil, nil, "small", 160)
	require.NoError(t, err)
	assert.True(t, small.Resolved()) // need 15: 75+15 leaves free 10 == minimum
	assert.Equal(t, "https://r1", waitURL(t, small))

	assert.False(t, mid.Resolved())
	assert.Equal(t, 1, hra.QueueLength())
}

func TestHRARouter_SweepStopsAtFirstUnschedulableEntry(t *testing.T) {
	// Entry A (sorted first) can only go to a saturated replica; entry B
	// targets an idle one. The sweep must stop at A without admitting B.
	profile := KVCacheProfile{BlockSize: 16, TotalBlocks: 100, DecodeToPrefillRatio: 0.5, SafetyFraction: 0.10}
	hra, m, clock := testHRA(t, profile)

	// Saturate r1 with a pessimistic reservation.
	m.OnRequestArrival("blocker", 0)
	m.OnRequestRouted("https://r1", "blocker", 1000)

	a, err := hra.RouteRequest(endpointList("https://r1"), nil, nil, nil, "a", 160)
	require.NoError(t, err)
	assert.False(t, a.Resolved())

	*clock = 1
	b, err := hra.RouteRequest(endpointList("https://r2"), nil, nil, nil, "b", 160)
	require.NoError(t, err)

	// Same prefill count, later arrival: b sorts after a, and a is stuck.
	assert.False(t, b.Resolved())
	assert.Equal(t, 2, hra.QueueLength())
}

func TestHRARouter_CompletionTriggersAdmission(t *testing.T) {
	profile := DefaultKVCacheProfile()
	hra, m, clock := testHRA(t, profile)

	// Occupy r1 with a decoding request whose reservation exceeds the cache.
	m.OnRequestArrival("load", 0)
	m.OnRequestRouted("https://r1", "load", 43000)
	m.OnRequestResponse("https://r1", "load", 0.5, true)

	// A small request with both replicas available avoids r1.
	placement, err := hra.RouteRequest(endpointList("https://r1", "https://r2"), nil, nil, nil, "small", 100)
	require.NoError(t, err)
	assert.Equal(t, "https://r2", waitURL(t, placement))

	// An r1-only request has to wait.
	*clock = 1
	stuck, err := hra.RouteRequest(endpointList("https://r1"), nil, nil, nil, "stuck", 100)
	require.NoError(t, err)
	assert.False(t, stuck.Resolved())

	// Completion on r1 frees its blocks; the monitor's listener re-runs the
	// sweep and the queued entry lands on r1.
	*clock = 2
	m.OnRequestComplete("https://r1", "load", 2)
	assert.Equal(t, "https://r1", waitURL(t, stuck))
	assert.Equal(t, 0, hra.QueueLength())
}

func TestHRARouter_PicksShortestQueueAmongAdmissible(t *testing.T) {
	profile := KVCacheProfile{BlockSize: 16, TotalBlocks: 1000, DecodeToPrefillRatio: 0.5, SafetyFraction: 0.10}
	hra, m, _ := testHRA(t, profile)

	// r1 carries two in-flight requests, r2 one; both have plenty of room.
	for _, id := range []string{"x", "y"} {
		m.OnRequestArrival(id, 0)
		m.OnRequestRouted("https://r1", id, 16)
	}
	m.OnRequestArrival("z", 0)
	m.OnRequestRouted("https://r2", "z", 16)

	placement, err := hra.RouteRequest(endpointList("https://r1", "https://r2"), nil, nil, nil, "new", 16)
	require.NoError(t, err)
	assert.Equal(t, "https://r2", waitURL(t, placement))
}

func TestHRARouter_OptimisticProjectionWithinOneSweep(t *testing.T) {
	// Two queued entries, room for exactly one: the sweep's own reservation
	// for the first must block the second.
	profile := KVCacheProfile{BlockSize: 16, TotalBlocks: 100, DecodeToPrefillRatio: 0.5, SafetyFraction: 0.10}
	hra, m, clock := testHRA(t, profile)
	endpoints := endpointList("https://r1")

	// Saturate, queue two identical entries, then free the replica.
	m.OnRequestArrival("blocker", 0)
	m.OnRequestRouted("https://r1", "blocker", 1000)

	first, err := hra.RouteRequest(endpoints, nil, nil, nil, "first", 800)
	require.NoError(t, err)
	*clock = 1
	second, err := hra.RouteRequest(endpoints, nil, nil, nil, "second", 800)
	require.NoError(t, err)
	require.False(t, first.Resolved())
	require.False(t, second.Resolved())

	m.OnRequestKill("https://r1", "blocker")
	hra.OnRequestComplete("https://r1")

	// need 75 each: one fits (free 25), two would not (free -50).
	assert.True(t, first.Resolved())
	assert.False(t, second.Resolved())
	assert.Equal(t, 1, hra.QueueLength())
}

func TestPlacement_WaitHonorsContext(t *testing.T) {
	p := pendingPlacement()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A waiter that gave up does not consume the resolution.
	p.resolve("https://r1")
	url, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://r1", url)
}

package router

import (
	"fmt"
	"sync"

	"github.com/serialx/hashring"
	"github.com/sirupsen/logrus"
)

// SessionRouter pins requests carrying a session id to a replica via a
// consistent-hash ring over the current endpoint URLs, so a session keeps
// hitting the same replica (and its warm KV cache) as long as that replica
// stays in the endpoint list. Requests without a session id go to the
// endpoint with the lowest QPS.
//
// The ring is reconciled against the endpoint list on every call: new URLs
// are added, absent ones removed. Under heavy endpoint churn this can
// remap sessions; with consistent hashing the blast radius of a single
// membership change stays small.
type SessionRouter struct {
	monitor    *RequestStatsMonitor
	sessionKey string

	mu      sync.Mutex
	ring    *hashring.HashRing
	members map[string]struct{}
}

// NewSessionRouter creates a SessionRouter keyed on the given request
// header. An empty session key is a configuration error.
func NewSessionRouter(monitor *RequestStatsMonitor, sessionKey string) (*SessionRouter, error) {
	if sessionKey == "" {
		return nil, fmt.Errorf("session router requires a session key header name")
	}
	return &SessionRouter{
		monitor:    monitor,
		sessionKey: sessionKey,
		ring:       hashring.New(nil),
		members:    make(map[string]struct{}),
	}, nil
}

// RouteRequest implements PlacementPolicy for SessionRouter.
func (r *SessionRouter) RouteRequest(endpoints []Endpoint, engineStats map[string]EngineStats,
	requestStats map[string]RequestStats, request *Request, requestID string, prefillTokens int) (*Placement, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	sessionID := ""
	if request != nil && request.Header != nil {
		sessionID = request.Header.Get(r.sessionKey)
	}
	logrus.Debugf("got session id: %q", sessionID)

	var chosen string
	if sessionID == "" {
		chosen = lowestQPSEndpoint(endpoints, requestStats)
	} else {
		var ok bool
		chosen, ok = r.ringLookup(endpoints, sessionID)
		if !ok {
			return nil, fmt.Errorf("hash ring lookup failed for session %q", sessionID)
		}
	}

	r.monitor.OnRequestRouted(chosen, requestID, prefillTokens)
	return resolvedPlacement(chosen), nil
}

// ringLookup reconciles ring membership with the endpoint list, then maps
// the session id to a node.
func (r *SessionRouter) ringLookup(endpoints []Endpoint, sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[string]struct{}, len(endpoints))
	for _, ep := range endpoints {
		current[ep.URL] = struct{}{}
	}
	for url := range r.members {
		if _, ok := current[url]; !ok {
			r.ring = r.ring.RemoveNode(url)
			delete(r.members, url)
		}
	}
	for url := range current {
		if _, ok := r.members[url]; !ok {
			r.ring = r.ring.AddNode(url)
			r.members[url] = struct{}{}
		}
	}

	return r.ring.GetNode(sessionID)
}

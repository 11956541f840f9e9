// Package proxy is the serving glue between HTTP clients and the placement
// core: it assigns request ids, resolves placements (waiting on head-room
// admission when that policy is active), streams upstream responses back to
// the client, and drives the stats monitor's lifecycle hooks from the
// stream.
package proxy

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kvrouter/kvrouter/router"
)

// Request headers the router consumes.
const (
	// RequestIDHeader carries the global request id; a UUID is assigned
	// when absent.
	RequestIDHeader = "x-request-id"
	// PrefillTokensHeader carries the authoritative prefill token count.
	PrefillTokensHeader = "x-prefill-tokens"
)

// Config parameterizes a Server.
type Config struct {
	// Endpoints is the static replica list. Service discovery is an
	// external concern; whatever maintains the list can replace it at
	// runtime via SetEndpoints.
	Endpoints []router.Endpoint
	// MetricsHandler serves GET /metrics; usually promhttp.Handler().
	// Nil disables the route.
	MetricsHandler http.Handler
}

// Server relays chat-completion requests to the replica chosen by the
// active placement policy.
type Server struct {
	monitor  *router.RequestStatsMonitor
	registry *router.PolicyRegistry
	metrics  *router.Metrics

	mu        sync.RWMutex
	endpoints []router.Endpoint

	metricsHandler http.Handler
	client         *http.Client
	now            func() float64
}

// NewServer creates a Server. metrics may be nil when no collectors are
// registered (tests).
func NewServer(monitor *router.RequestStatsMonitor, registry *router.PolicyRegistry,
	metrics *router.Metrics, cfg Config) *Server {
	return &Server{
		monitor:        monitor,
		registry:       registry,
		metrics:        metrics,
		endpoints:      cfg.Endpoints,
		metricsHandler: cfg.MetricsHandler,
		client:         &http.Client{}, // no timeout: responses stream indefinitely
		now:            router.MonotonicNow,
	}
}

// Endpoints returns a copy of the current replica list.
func (s *Server) Endpoints() []router.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	endpoints := make([]router.Endpoint, len(s.endpoints))
	copy(endpoints, s.endpoints)
	return endpoints
}

// SetEndpoints replaces the replica list.
func (s *Server) SetEndpoints(endpoints []router.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = endpoints
}

// Handler returns the HTTP routes: the relay on the OpenAI-compatible
// completion paths plus stats, health, and metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/v1/chat/completions", s.handleRelay)
	r.Post("/v1/completions", s.handleRelay)
	r.Get("/stats", s.handleStats)
	r.Get("/health", s.handleHealth)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}
	return r
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.monitor.GetStats(s.now())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok")) //nolint:errcheck // best-effort health body
}

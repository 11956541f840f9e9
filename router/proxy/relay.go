package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kvrouter/kvrouter/router"
)

// handleRelay routes one completion request and streams the replica's
// response back, firing the monitor's lifecycle hooks as the stream
// progresses: arrival before routing, start on dispatch, one response event
// per body chunk (the first flips prefill to decoding), completion on clean
// EOF, kill on any mid-stream failure.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	prefillTokens := s.prefillTokens(r, body)

	s.monitor.OnRequestArrival(requestID, s.now())

	policy, err := s.registry.Get()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	endpoints := s.Endpoints()
	if len(endpoints) == 0 {
		http.Error(w, "no replicas available", http.StatusServiceUnavailable)
		return
	}

	requestStats := s.monitor.GetStats(s.now())
	placement, err := policy.RouteRequest(endpoints, nil, requestStats,
		&router.Request{ID: requestID, Header: r.Header}, requestID, prefillTokens)
	if err != nil {
		if errors.Is(err, router.ErrNoEndpoints) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// HRA placements resolve when an admission sweep finds head-room; the
	// request context bounds how long this caller is willing to wait.
	engineURL, err := placement.Wait(r.Context())
	if err != nil {
		logrus.Debugf("[proxy] request %s gave up waiting for admission: %v", requestID, err)
		http.Error(w, "request not admitted", http.StatusServiceUnavailable)
		return
	}

	if s.metrics != nil {
		s.metrics.RequestsRouted.WithLabelValues(s.registry.Logic(), engineURL).Inc()
	}
	s.monitor.OnRequestStart(engineURL, requestID, s.now())
	s.stream(w, r, engineURL, requestID, body)
}

// prefillTokens reads the authoritative token-count header, falling back to
// a bytes/4 heuristic over the body when the client did not send one.
func (s *Server) prefillTokens(r *http.Request, body []byte) int {
	if v := r.Header.Get(PrefillTokensHeader); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n >= 0 {
			return n
		}
		logrus.Debugf("[proxy] ignoring malformed %s header %q", PrefillTokensHeader, v)
	}
	n := len(body) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// stream forwards the request to the replica and copies the response body
// through chunk by chunk.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, engineURL, requestID string, body []byte) {
	target := strings.TrimRight(engineURL, "/") + r.URL.Path
	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		s.kill(engineURL, requestID)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	upstream.Header = r.Header.Clone()
	upstream.Header.Set(RequestIDHeader, requestID)

	resp, err := s.client.Do(upstream)
	if err != nil {
		logrus.Warnf("[proxy] dispatch to %s failed for request %s: %v", engineURL, requestID, err)
		s.kill(engineURL, requestID)
		http.Error(w, "upstream dispatch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // streamed body; close error is not actionable

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 32*1024)
	first := true
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			s.monitor.OnRequestResponse(engineURL, requestID, s.now(), first)
			first = false
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away mid-stream.
				s.kill(engineURL, requestID)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			if first {
				// Upstream closed without producing a single chunk.
				s.kill(engineURL, requestID)
				return
			}
			s.monitor.OnRequestComplete(engineURL, requestID, s.now())
			if s.metrics != nil {
				s.metrics.RequestsCompleted.WithLabelValues(engineURL).Inc()
			}
			return
		}
		if err != nil {
			logrus.Warnf("[proxy] stream from %s broke for request %s: %v", engineURL, requestID, err)
			s.kill(engineURL, requestID)
			return
		}
	}
}

func (s *Server) kill(engineURL, requestID string) {
	s.monitor.OnRequestKill(engineURL, requestID)
	if s.metrics != nil {
		s.metrics.RequestsKilled.WithLabelValues(engineURL).Inc()
	}
}

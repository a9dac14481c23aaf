package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/chasdabigone/msdp-web-server/internal/braceparse"
	"github.com/chasdabigone/msdp-web-server/internal/limits"
	"github.com/chasdabigone/msdp-web-server/internal/relay"
)

// handleUpdate ingests one producer payload. Status mapping: 200 on
// success, 400 on anything wrong with the payload, 429 when the source
// is throttled, 403 while it is banned, and 500 when the parser
// returns nothing from a non-empty body.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.metrics.IngestRequests.WithLabelValues("method_not_allowed").Inc()
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	switch s.limiter.Check(ip) {
	case limits.Banned:
		s.metrics.IngestRequests.WithLabelValues("banned").Inc()
		s.logger.Warn().Str("ip", ip).Msg("rejected update from banned source")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	case limits.Throttled:
		s.metrics.IngestRequests.WithLabelValues("throttled").Inc()
		s.logger.Debug().Str("ip", ip).Msg("throttled update")
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.metrics.IngestRequests.WithLabelValues("bad_request").Inc()
		http.Error(w, "Bad Request: unreadable body", http.StatusBadRequest)
		return
	}

	if err := s.relay.Ingest(string(body)); err != nil {
		s.writeIngestError(w, ip, err)
		return
	}

	s.metrics.IngestRequests.WithLabelValues("ok").Inc()
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// writeIngestError translates relay ingest failures to HTTP statuses.
// A parser that accepts a non-empty body but extracts nothing is our
// fault, not the producer's, hence the 500.
func (s *Server) writeIngestError(w http.ResponseWriter, ip string, err error) {
	if errors.Is(err, relay.ErrNoFields) {
		s.metrics.IngestRequests.WithLabelValues("internal_error").Inc()
		s.logger.Error().Str("ip", ip).Err(err).Msg("parser returned no fields")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.metrics.IngestRequests.WithLabelValues("bad_request").Inc()
	var perr *braceparse.Error
	switch {
	case errors.As(err, &perr):
		s.logger.Debug().Str("ip", ip).Err(err).Msg("rejected malformed payload")
		http.Error(w, "Bad Request: "+perr.Error(), http.StatusBadRequest)
	case errors.Is(err, relay.ErrEmptyPayload):
		http.Error(w, "Bad Request: Missing request body", http.StatusBadRequest)
	case errors.Is(err, relay.ErrMissingName):
		http.Error(w, "Bad Request: payload missing CHARACTER_NAME", http.StatusBadRequest)
	default:
		s.logger.Warn().Str("ip", ip).Err(err).Msg("rejected payload")
		http.Error(w, "Bad Request", http.StatusBadRequest)
	}
}

// handleRoot serves the bundled subscriber page on "/" exactly;
// anything else under the catch-all is a 404.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.staticDir, "subscriber_client.html"))
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Entities      int     `json:"entities"`
	Subscribers   int     `json:"subscribers"`
	Goroutines    int     `json:"goroutines"`
	MemoryMB      float64 `json:"memory_mb"`
	CPUPercent    float64 `json:"cpu_percent"`
	NATSConnected *bool   `json:"nats_connected,omitempty"`
}

// handleHealth reports liveness plus the gauges a dashboard wants at a
// glance. CORS is open so browser dashboards can poll it directly.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sample := s.sysmon.Latest()
	resp := healthResponse{
		Status:        "healthy",
		UptimeSeconds: time.Since(s.started).Seconds(),
		Entities:      s.relay.EntityCount(),
		Subscribers:   s.relay.SubscriberCount(),
		Goroutines:    runtime.NumGoroutine(),
		MemoryMB:      sample.MemoryMB,
		CPUPercent:    sample.CPUPercent,
	}
	if s.natsConnected != nil {
		connected := s.natsConnected()
		resp.NATSConnected = &connected
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write health response")
	}
}

// handleDebugEntities dumps every entity record with its timestamp.
// Read-only and unauthenticated, same as the rest of the surface; keep
// it off public deployments or fence it at the proxy.
func (s *Server) handleDebugEntities(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.relay.DebugSnapshot()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write debug entities response")
	}
}

// clientIP prefers the first X-Forwarded-For hop so limits hold behind
// a reverse proxy, falling back to the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

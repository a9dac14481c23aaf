// Package transport owns the HTTP surface: the producer ingest
// endpoint, the WebSocket subscriber sessions, the landing page, and
// the operational endpoints (health, metrics, debug snapshot).
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chasdabigone/msdp-web-server/internal/limits"
	"github.com/chasdabigone/msdp-web-server/internal/metrics"
	"github.com/chasdabigone/msdp-web-server/internal/relay"
	"github.com/chasdabigone/msdp-web-server/internal/sysmon"
)

// Options wires a Server. ConnLimiter and NATSConnected are optional;
// everything else is required.
type Options struct {
	Addr            string
	StaticDir       string
	ShutdownTimeout time.Duration

	Relay         *relay.Relay
	IngestLimiter *limits.IngestLimiter
	ConnLimiter   *limits.ConnLimiter // nil disables upgrade limiting
	Metrics       *metrics.Registry
	Sysmon        *sysmon.Monitor
	Logger        zerolog.Logger

	// NATSConnected reports broker health for the health endpoint;
	// nil means the bridge is disabled.
	NATSConnected func() bool
}

// Server serves every route of the relay.
type Server struct {
	addr            string
	staticDir       string
	shutdownTimeout time.Duration

	relay         *relay.Relay
	limiter       *limits.IngestLimiter
	connLimiter   *limits.ConnLimiter
	metrics       *metrics.Registry
	sysmon        *sysmon.Monitor
	logger        zerolog.Logger
	natsConnected func() bool

	started    time.Time
	sessionSeq atomic.Int64
}

// New builds a Server from its collaborators.
func New(opts Options) *Server {
	return &Server{
		addr:            opts.Addr,
		staticDir:       opts.StaticDir,
		shutdownTimeout: opts.ShutdownTimeout,
		relay:           opts.Relay,
		limiter:         opts.IngestLimiter,
		connLimiter:     opts.ConnLimiter,
		metrics:         opts.Metrics,
		sysmon:          opts.Sysmon,
		logger:          opts.Logger.With().Str("component", "transport").Logger(),
		natsConnected:   opts.NATSConnected,
		started:         time.Now(),
	}
}

// Handler builds the route table. Exposed separately from Run so tests
// can mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/update", s.handleUpdate)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/debug/entities", s.handleDebugEntities)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// the configured timeout. Long-lived WebSocket sessions are not waited
// for; they terminate when the relay closes its fan-out channel.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
		// No blanket read/write timeouts: /ws connections are long
		// lived and the ingest path carries no deadline of its own.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown did not finish cleanly, closing")
			return srv.Close()
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

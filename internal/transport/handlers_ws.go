package transport

import (
	"net/http"

	"github.com/gobwas/ws"
)

// handleWebSocket upgrades a subscriber connection and hands it to a
// session. The handler returns immediately after the upgrade; the
// hijacked connection belongs to the session goroutines from then on.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if s.connLimiter != nil && !s.connLimiter.Allow(ip) {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("ip", ip).Msg("websocket upgrade failed")
		return
	}

	sess := &session{
		id:      s.sessionSeq.Add(1),
		conn:    conn,
		relay:   s.relay,
		metrics: s.metrics,
	}
	sess.logger = s.logger.With().
		Int64("session_id", sess.id).
		Str("ip", ip).
		Logger()

	go sess.run()
}

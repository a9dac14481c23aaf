package limits

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnLimiter rate limits WebSocket upgrade attempts per IP using
// golang.org/x/time/rate token buckets. Unlike the ingest limiter it
// carries no ban escalation: an over-limit attempt is simply refused
// and the client may retry after backing off.
type ConnLimiter struct {
	mu      sync.RWMutex
	entries map[string]*connEntry

	perSecond float64
	burst     int
	ttl       time.Duration

	logger zerolog.Logger
	now    func() time.Time
}

type connEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnLimiterConfig configures a ConnLimiter.
type ConnLimiterConfig struct {
	PerSecond float64       // sustained upgrade attempts/sec per IP
	Burst     int           // burst attempts per IP
	TTL       time.Duration // idle entries older than this are evicted
	Logger    zerolog.Logger
}

// NewConnLimiter returns a limiter with empty state.
func NewConnLimiter(cfg ConnLimiterConfig) *ConnLimiter {
	return &ConnLimiter{
		entries:   make(map[string]*connEntry),
		perSecond: cfg.PerSecond,
		burst:     cfg.Burst,
		ttl:       cfg.TTL,
		logger:    cfg.Logger.With().Str("component", "conn_limiter").Logger(),
		now:       time.Now,
	}
}

// Allow reports whether an upgrade attempt from ip may proceed.
func (cl *ConnLimiter) Allow(ip string) bool {
	allowed := cl.entryFor(ip).limiter.Allow()
	if !allowed {
		cl.logger.Debug().
			Str("ip", ip).
			Float64("per_second", cl.perSecond).
			Int("burst", cl.burst).
			Msg("rejected websocket upgrade attempt")
	}
	return allowed
}

func (cl *ConnLimiter) entryFor(ip string) *connEntry {
	cl.mu.RLock()
	e, ok := cl.entries[ip]
	cl.mu.RUnlock()
	if ok {
		cl.mu.Lock()
		e.lastAccess = cl.now()
		cl.mu.Unlock()
		return e
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	// Re-check: another goroutine may have created it in between.
	if e, ok = cl.entries[ip]; ok {
		e.lastAccess = cl.now()
		return e
	}
	e = &connEntry{
		limiter:    rate.NewLimiter(rate.Limit(cl.perSecond), cl.burst),
		lastAccess: cl.now(),
	}
	cl.entries[ip] = e
	return e
}

// RunCleanup evicts idle entries on the given cadence until ctx is
// cancelled.
func (cl *ConnLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cl.cleanup()
		}
	}
}

func (cl *ConnLimiter) cleanup() {
	now := cl.now()
	cl.mu.Lock()
	defer cl.mu.Unlock()
	removed := 0
	for ip, e := range cl.entries {
		if now.Sub(e.lastAccess) > cl.ttl {
			delete(cl.entries, ip)
			removed++
		}
	}
	if removed > 0 {
		cl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(cl.entries)).
			Msg("evicted idle connection limiter entries")
	}
}

// Tracked reports the number of IPs with live entries.
func (cl *ConnLimiter) Tracked() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.entries)
}

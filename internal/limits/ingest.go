// Package limits contains the per-IP admission controls: a token-bucket
// limiter with violation tracking and temporary bans for the ingest
// endpoint, and a lighter attempt limiter for WebSocket upgrades.
package limits

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	// Allowed admits the request.
	Allowed Decision = iota
	// Throttled denies the request softly; the client should back off.
	Throttled
	// Banned denies the request for the remainder of a ban window.
	Banned
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Throttled:
		return "throttled"
	case Banned:
		return "banned"
	default:
		return "unknown"
	}
}

// IngestLimiterConfig configures an IngestLimiter.
type IngestLimiterConfig struct {
	RPS                float64       // sustained requests/sec per IP
	Burst              float64       // bucket capacity per IP
	ViolationThreshold int           // consecutive-ish violations before a ban
	BanDuration        time.Duration // how long a ban lasts
	CleanupInterval    time.Duration // cadence of the idle-entry GC
	Logger             zerolog.Logger
}

type clientState struct {
	tokens      float64
	lastRefill  time.Time
	violations  int
	bannedUntil time.Time // zero while not banned
}

// IngestLimiter is a per-IP token bucket with escalation. Repeated
// denials accumulate violations; reaching the threshold starts a ban
// window during which every request is rejected outright and the bucket
// neither refills nor drains.
type IngestLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientState

	rps                float64
	burst              float64
	violationThreshold int
	banDuration        time.Duration
	cleanupInterval    time.Duration

	logger zerolog.Logger
	now    func() time.Time // swapped out by tests
}

// NewIngestLimiter returns a limiter with empty state. Run RunCleanup
// in a goroutine to keep the per-IP map bounded.
func NewIngestLimiter(cfg IngestLimiterConfig) *IngestLimiter {
	return &IngestLimiter{
		clients:            make(map[string]*clientState),
		rps:                cfg.RPS,
		burst:              cfg.Burst,
		violationThreshold: cfg.ViolationThreshold,
		banDuration:        cfg.BanDuration,
		cleanupInterval:    cfg.CleanupInterval,
		logger:             cfg.Logger.With().Str("component", "ingest_limiter").Logger(),
		now:                time.Now,
	}
}

// Check runs the admission decision for one request from ip.
//
// A request that lands on the violation threshold starts the ban window
// but is itself answered Throttled; every request after it gets Banned
// until the window passes. Expiry of the window clears the violation
// count along with the ban.
func (l *IngestLimiter) Check(ip string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[ip]
	if !ok {
		c = &clientState{tokens: l.burst, lastRefill: now}
		l.clients[ip] = c
	}

	if !c.bannedUntil.IsZero() {
		if now.Before(c.bannedUntil) {
			return Banned
		}
		c.bannedUntil = time.Time{}
		c.violations = 0
	}

	if elapsed := now.Sub(c.lastRefill).Seconds(); elapsed > 0 {
		c.tokens = math.Min(l.burst, c.tokens+elapsed*l.rps)
	}
	c.lastRefill = now

	if c.tokens >= 1 {
		c.tokens--
		if c.violations > 0 {
			c.violations--
		}
		return Allowed
	}

	c.violations++
	if c.violations >= l.violationThreshold {
		c.bannedUntil = now.Add(l.banDuration)
		l.logger.Warn().
			Str("ip", ip).
			Int("violations", c.violations).
			Dur("ban_duration", l.banDuration).
			Msg("banning IP after repeated rate limit violations")
	}
	return Throttled
}

// RunCleanup evicts idle per-IP entries at the configured interval
// until ctx is cancelled.
func (l *IngestLimiter) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()
	l.logger.Info().
		Dur("interval", l.cleanupInterval).
		Msg("rate limiter cleanup loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("rate limiter cleanup loop stopped")
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup drops entries that are not banned, have not been touched for
// five cleanup intervals, and have a near-full bucket. Everything else
// still carries state worth keeping.
func (l *IngestLimiter) cleanup() {
	now := l.now()
	retainWindow := 5 * l.cleanupInterval

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, c := range l.clients {
		banned := !c.bannedUntil.IsZero() && now.Before(c.bannedUntil)
		touched := now.Sub(c.lastRefill) < retainWindow
		holdsDebt := c.tokens < 0.9*l.burst
		if banned || touched || holdsDebt {
			continue
		}
		delete(l.clients, ip)
		removed++
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.clients)).
			Msg("evicted idle rate limiter entries")
	}
}

// Stats reports the number of tracked IPs and how many of them are
// currently banned.
func (l *IngestLimiter) Stats() (tracked, banned int) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	tracked = len(l.clients)
	for _, c := range l.clients {
		if !c.bannedUntil.IsZero() && now.Before(c.bannedUntil) {
			banned++
		}
	}
	return tracked, banned
}

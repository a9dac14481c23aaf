package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(cfg IngestLimiterConfig) (*IngestLimiter, *time.Time) {
	cfg.Logger = zerolog.Nop()
	l := NewIngestLimiter(cfg)
	current := time.Unix(1700000000, 0)
	l.now = func() time.Time { return current }
	return l, &current
}

func TestIngestLimiterBurstThenThrottle(t *testing.T) {
	l, _ := newTestLimiter(IngestLimiterConfig{
		RPS: 1, Burst: 2, ViolationThreshold: 20,
		BanDuration: time.Minute, CleanupInterval: time.Minute,
	})

	assert.Equal(t, Allowed, l.Check("10.0.0.1"))
	assert.Equal(t, Allowed, l.Check("10.0.0.1"))
	assert.Equal(t, Throttled, l.Check("10.0.0.1"))
}

func TestIngestLimiterIsolatesIPs(t *testing.T) {
	l, _ := newTestLimiter(IngestLimiterConfig{
		RPS: 1, Burst: 1, ViolationThreshold: 20,
		BanDuration: time.Minute, CleanupInterval: time.Minute,
	})

	assert.Equal(t, Allowed, l.Check("10.0.0.1"))
	assert.Equal(t, Throttled, l.Check("10.0.0.1"))
	assert.Equal(t, Allowed, l.Check("10.0.0.2"))
}

func TestIngestLimiterRefillCapped(t *testing.T) {
	l, clock := newTestLimiter(IngestLimiterConfig{
		RPS: 5, Burst: 15, ViolationThreshold: 20,
		BanDuration: time.Minute, CleanupInterval: time.Minute,
	})

	for i := 0; i < 15; i++ {
		require.Equal(t, Allowed, l.Check("10.0.0.1"), "warm-up request %d", i)
	}
	assert.Equal(t, Throttled, l.Check("10.0.0.1"))

	// One second at 5 rps refills five tokens.
	*clock = clock.Add(time.Second)
	for i := 0; i < 5; i++ {
		assert.Equal(t, Allowed, l.Check("10.0.0.1"), "refilled request %d", i)
	}
	assert.Equal(t, Throttled, l.Check("10.0.0.1"))

	// A long idle period cannot push tokens beyond the burst capacity.
	*clock = clock.Add(time.Hour)
	for i := 0; i < 15; i++ {
		assert.Equal(t, Allowed, l.Check("10.0.0.1"), "capped request %d", i)
	}
	assert.Equal(t, Throttled, l.Check("10.0.0.1"))
}

// A source that paces itself at the refill rate is never denied once
// its bucket has tokens.
func TestIngestLimiterSteadyRateAllowed(t *testing.T) {
	l, clock := newTestLimiter(IngestLimiterConfig{
		RPS: 5, Burst: 15, ViolationThreshold: 20,
		BanDuration: time.Minute, CleanupInterval: time.Minute,
	})

	for i := 0; i < 200; i++ {
		require.Equal(t, Allowed, l.Check("10.0.0.1"), "request %d", i)
		*clock = clock.Add(200 * time.Millisecond)
	}
}

func TestIngestLimiterBanEscalation(t *testing.T) {
	l, _ := newTestLimiter(IngestLimiterConfig{
		RPS: 1, Burst: 1, ViolationThreshold: 3,
		BanDuration: 5 * time.Minute, CleanupInterval: time.Minute,
	})

	var got []Decision
	for i := 0; i < 6; i++ {
		got = append(got, l.Check("10.0.0.1"))
	}
	want := []Decision{Allowed, Throttled, Throttled, Throttled, Banned, Banned}
	assert.Equal(t, want, got)
}

func TestIngestLimiterBanExpiryClearsViolations(t *testing.T) {
	l, clock := newTestLimiter(IngestLimiterConfig{
		RPS: 1, Burst: 1, ViolationThreshold: 3,
		BanDuration: 5 * time.Minute, CleanupInterval: time.Minute,
	})

	for i := 0; i < 5; i++ {
		l.Check("10.0.0.1")
	}
	require.Equal(t, Banned, l.Check("10.0.0.1"))

	*clock = clock.Add(5*time.Minute + time.Second)
	assert.Equal(t, Allowed, l.Check("10.0.0.1"))
	assert.Zero(t, l.clients["10.0.0.1"].violations)
	assert.True(t, l.clients["10.0.0.1"].bannedUntil.IsZero())
}

func TestIngestLimiterBanFreezesBucket(t *testing.T) {
	l, clock := newTestLimiter(IngestLimiterConfig{
		RPS: 1, Burst: 1, ViolationThreshold: 2,
		BanDuration: 5 * time.Minute, CleanupInterval: time.Minute,
	})

	l.Check("10.0.0.1") // Allowed, bucket empty
	l.Check("10.0.0.1") // Throttled, violation 1
	l.Check("10.0.0.1") // Throttled, violation 2, ban starts

	// Requests inside the ban window never refill the bucket.
	*clock = clock.Add(time.Minute)
	require.Equal(t, Banned, l.Check("10.0.0.1"))
	assert.Zero(t, l.clients["10.0.0.1"].tokens)
}

func TestIngestLimiterViolationsHealOnSuccess(t *testing.T) {
	l, clock := newTestLimiter(IngestLimiterConfig{
		RPS: 1, Burst: 1, ViolationThreshold: 20,
		BanDuration: time.Minute, CleanupInterval: time.Minute,
	})

	l.Check("10.0.0.1")
	l.Check("10.0.0.1")
	l.Check("10.0.0.1")
	require.Equal(t, 2, l.clients["10.0.0.1"].violations)

	*clock = clock.Add(time.Second)
	require.Equal(t, Allowed, l.Check("10.0.0.1"))
	assert.Equal(t, 1, l.clients["10.0.0.1"].violations)
}

func TestIngestLimiterCleanup(t *testing.T) {
	l, clock := newTestLimiter(IngestLimiterConfig{
		RPS: 1, Burst: 10, ViolationThreshold: 20,
		BanDuration: time.Hour, CleanupInterval: time.Minute,
	})
	t0 := *clock

	l.clients["banned"] = &clientState{
		tokens: 10, lastRefill: t0.Add(-time.Hour), bannedUntil: t0.Add(time.Hour),
	}
	l.clients["recent"] = &clientState{
		tokens: 10, lastRefill: t0.Add(-time.Minute),
	}
	l.clients["indebted"] = &clientState{
		tokens: 2, lastRefill: t0.Add(-time.Hour),
	}
	l.clients["idle"] = &clientState{
		tokens: 10, lastRefill: t0.Add(-time.Hour),
	}

	l.cleanup()

	assert.Contains(t, l.clients, "banned")
	assert.Contains(t, l.clients, "recent")
	assert.Contains(t, l.clients, "indebted")
	assert.NotContains(t, l.clients, "idle")
}

func TestIngestLimiterStats(t *testing.T) {
	l, clock := newTestLimiter(IngestLimiterConfig{
		RPS: 1, Burst: 10, ViolationThreshold: 20,
		BanDuration: time.Hour, CleanupInterval: time.Minute,
	})
	t0 := *clock

	l.clients["a"] = &clientState{tokens: 10, lastRefill: t0}
	l.clients["b"] = &clientState{tokens: 0, lastRefill: t0, bannedUntil: t0.Add(time.Hour)}
	l.clients["c"] = &clientState{tokens: 0, lastRefill: t0, bannedUntil: t0.Add(-time.Hour)}

	tracked, banned := l.Stats()
	assert.Equal(t, 3, tracked)
	assert.Equal(t, 1, banned)
}

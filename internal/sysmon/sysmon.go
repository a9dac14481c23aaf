// Package sysmon samples process resource usage on a fixed cadence and
// exports it through the Prometheus gauges and the health endpoint.
package sysmon

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/chasdabigone/msdp-web-server/internal/metrics"
)

// Sample is one point-in-time resource measurement.
type Sample struct {
	CPUPercent float64
	MemoryMB   float64
	Goroutines int
	Taken      time.Time
}

// Options configures a Monitor.
type Options struct {
	Interval time.Duration
	Metrics  *metrics.Registry
	Logger   zerolog.Logger

	// LimiterStats, when non-nil, is polled on every sample to export
	// the rate limiter gauges alongside the process ones.
	LimiterStats func() (tracked, banned int)
}

// Monitor samples CPU, memory, and goroutine counts. Measurements
// prefer per-process figures and fall back to system-wide ones when
// the own-process handle is unavailable.
type Monitor struct {
	interval     time.Duration
	metrics      *metrics.Registry
	logger       zerolog.Logger
	limiterStats func() (int, int)

	proc *process.Process // nil when the pid lookup failed

	mu     sync.RWMutex
	latest Sample
}

// New builds a Monitor. It resolves the process handle once; sampling
// starts when Run is called.
func New(opts Options) *Monitor {
	m := &Monitor{
		interval:     opts.Interval,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With().Str("component", "sysmon").Logger(),
		limiterStats: opts.LimiterStats,
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.logger.Warn().Err(err).Msg("own process handle unavailable, sampling system-wide")
	} else {
		m.proc = proc
	}
	return m
}

// Run samples at the configured interval until ctx is cancelled. The
// first sample is taken immediately so the health endpoint never
// reports zeros for the whole first interval.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info().Dur("interval", m.interval).Msg("system monitor started")
	m.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("system monitor stopped")
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	s := Sample{
		Goroutines: runtime.NumGoroutine(),
		Taken:      time.Now(),
	}

	if m.proc != nil {
		if info, err := m.proc.MemoryInfo(); err == nil {
			s.MemoryMB = float64(info.RSS) / 1024 / 1024
		}
		if pct, err := m.proc.CPUPercent(); err == nil {
			s.CPUPercent = pct
		}
	} else {
		if vmem, err := mem.VirtualMemory(); err == nil {
			s.MemoryMB = float64(vmem.Used) / 1024 / 1024
		}
		if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
			s.CPUPercent = pcts[0]
		}
	}

	m.metrics.CPUPercent.Set(s.CPUPercent)
	m.metrics.MemoryMB.Set(s.MemoryMB)
	m.metrics.Goroutines.Set(float64(s.Goroutines))
	if m.limiterStats != nil {
		tracked, banned := m.limiterStats()
		m.metrics.LimiterTrackedIPs.Set(float64(tracked))
		m.metrics.LimiterBannedIPs.Set(float64(banned))
	}

	m.mu.Lock()
	m.latest = s
	m.mu.Unlock()

	m.logger.Debug().
		Float64("cpu_percent", s.CPUPercent).
		Float64("memory_mb", s.MemoryMB).
		Int("goroutines", s.Goroutines).
		Msg("sampled process resources")
}

// Latest returns the most recent sample. A zero Sample means Run has
// not produced one yet.
func (m *Monitor) Latest() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

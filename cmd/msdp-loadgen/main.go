// msdp-loadgen drives a running relay from the outside: it ramps up
// WebSocket subscribers, runs producers POSTing generated payloads, and
// reports what both sides observe together with the server's own
// /health numbers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/chasdabigone/msdp-web-server/internal/logging"
)

type config struct {
	BaseURL        string
	Subscribers    int
	RampRate       int // subscriber dials per second
	Producers      int
	ProducerRPS    float64 // POSTs per second, per producer
	Duration       time.Duration
	ReportInterval time.Duration
	HealthInterval time.Duration
	DialTimeout    time.Duration
	LogLevel       string
}

func (c *config) wsURL() string {
	return "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/ws"
}

func (c *config) updateURL() string { return c.BaseURL + "/update" }
func (c *config) healthURL() string { return c.BaseURL + "/health" }

type state struct {
	started time.Time

	dialed       atomic.Int64
	dialFailures atomic.Int64
	activeSubs   atomic.Int64
	snapshots    atomic.Int64
	textFrames   atomic.Int64

	postsOK        atomic.Int64
	postsThrottled atomic.Int64
	postsBanned    atomic.Int64
	postsOther     atomic.Int64
	postsFailed    atomic.Int64

	mu     sync.RWMutex
	health *healthSnapshot
}

// healthSnapshot mirrors the server's /health payload.
type healthSnapshot struct {
	Status      string  `json:"status"`
	Entities    int     `json:"entities"`
	Subscribers int     `json:"subscribers"`
	Goroutines  int     `json:"goroutines"`
	MemoryMB    float64 `json:"memory_mb"`
	CPUPercent  float64 `json:"cpu_percent"`
}

func (st *state) lastHealth() *healthSnapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.health
}

func main() {
	cfg := parseFlags()
	logger := logging.Init(logging.Options{Level: cfg.LogLevel, Format: "console"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	st := &state{started: time.Now()}
	client := &http.Client{Timeout: 10 * time.Second}

	if err := pollHealth(ctx, client, cfg, st); err != nil {
		logger.Fatal().Err(err).Str("url", cfg.healthURL()).Msg("server not reachable")
	}

	logger.Info().
		Str("target", cfg.BaseURL).
		Int("subscribers", cfg.Subscribers).
		Int("ramp_rate", cfg.RampRate).
		Int("producers", cfg.Producers).
		Float64("producer_rps", cfg.ProducerRPS).
		Dur("duration", cfg.Duration).
		Msg("starting load run")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthLoop(ctx, client, cfg, st, logger)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		reportLoop(ctx, cfg, st, logger)
	}()

	for i := 0; i < cfg.Producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			producer(ctx, client, cfg, st, id)
		}(i)
	}

	rampUp(ctx, cfg, st, &wg, logger)

	<-ctx.Done()
	stop()
	wg.Wait()

	report(logger, st)
	logger.Info().Msg("load run finished")
}

func parseFlags() *config {
	cfg := &config{}

	flag.StringVar(&cfg.BaseURL, "url", getEnv("TARGET_URL", "http://localhost:8080"), "base URL of the relay")
	flag.IntVar(&cfg.Subscribers, "subscribers", getEnvInt("SUBSCRIBERS", 500), "WebSocket subscribers to hold open")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 50), "subscriber dials per second during ramp-up")
	flag.IntVar(&cfg.Producers, "producers", getEnvInt("PRODUCERS", 10), "concurrent payload producers")
	flag.Float64Var(&cfg.ProducerRPS, "producer-rps", getEnvFloat("PRODUCER_RPS", 2), "POSTs per second per producer")
	flag.DurationVar(&cfg.Duration, "duration", getEnvDuration("DURATION", 5*time.Minute), "total run time, 0 for until interrupted")
	flag.DurationVar(&cfg.ReportInterval, "report-interval", 10*time.Second, "time between progress reports")
	flag.DurationVar(&cfg.HealthInterval, "health-interval", 5*time.Second, "time between /health polls")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level")
	flag.Parse()

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// rampUp dials subscribers in sub-second batches until the target count
// is reached or the run ends.
func rampUp(ctx context.Context, cfg *config, st *state, wg *sync.WaitGroup, logger zerolog.Logger) {
	batch := cfg.RampRate / 10
	if batch < 1 {
		batch = 1
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for i := 0; i < batch && st.dialed.Load() < int64(cfg.Subscribers); i++ {
			st.dialed.Add(1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				subscriber(ctx, cfg, st, logger)
			}()
		}
		if st.dialed.Load() >= int64(cfg.Subscribers) {
			logger.Info().
				Int64("dialed", st.dialed.Load()).
				Msg("ramp-up complete, sustaining")
			return
		}
	}
}

// subscriber holds one WebSocket open, counting text frames and
// answering pings, until the connection or the run ends.
func subscriber(ctx context.Context, cfg *config, st *state, logger zerolog.Logger) {
	dialer := ws.Dialer{Timeout: cfg.DialTimeout}
	conn, br, _, err := dialer.Dial(ctx, cfg.wsURL())
	if err != nil {
		st.dialFailures.Add(1)
		logger.Debug().Err(err).Msg("subscriber dial failed")
		return
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	st.activeSubs.Add(1)
	defer st.activeSubs.Add(-1)

	// The dialer may hand back frames the server sent right after the
	// handshake; they must be read through its buffered reader.
	var rd io.Reader = conn
	if br != nil {
		rd = br
	}
	reader := wsutil.NewReader(rd, ws.StateClientSide)

	gotSnapshot := false
	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			return
		}
		payload := make([]byte, hdr.Length)
		if hdr.Length > 0 {
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
		}
		switch hdr.OpCode {
		case ws.OpText:
			st.textFrames.Add(1)
			if !gotSnapshot {
				gotSnapshot = true
				st.snapshots.Add(1)
			}
		case ws.OpPing:
			if err := wsutil.WriteClientMessage(conn, ws.OpPong, payload); err != nil {
				return
			}
		case ws.OpClose:
			return
		}
	}
}

// producer POSTs generated payloads for one synthetic entity at the
// configured rate.
func producer(ctx context.Context, client *http.Client, cfg *config, st *state, id int) {
	name := fmt.Sprintf("load-%03d", id)
	interval := time.Duration(float64(time.Second) / cfg.ProducerRPS)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			postUpdate(ctx, client, cfg, st, name)
		}
	}
}

func postUpdate(ctx context.Context, client *http.Client, cfg *config, st *state, name string) {
	payload := fmt.Sprintf("{CHARACTER_NAME}{%s}{HP}{%d}{MANA}{%d}{AREA}{arena}",
		name, 50+rand.Intn(450), rand.Intn(200))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.updateURL(), strings.NewReader(payload))
	if err != nil {
		st.postsFailed.Add(1)
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			st.postsFailed.Add(1)
		}
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		st.postsOK.Add(1)
	case http.StatusTooManyRequests:
		st.postsThrottled.Add(1)
	case http.StatusForbidden:
		st.postsBanned.Add(1)
	default:
		st.postsOther.Add(1)
	}
}

func pollHealth(ctx context.Context, client *http.Client, cfg *config, st *state) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.healthURL(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var h healthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	st.mu.Lock()
	st.health = &h
	st.mu.Unlock()
	return nil
}

func healthLoop(ctx context.Context, client *http.Client, cfg *config, st *state, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pollHealth(ctx, client, cfg, st); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("health poll failed")
			}
		}
	}
}

func reportLoop(ctx context.Context, cfg *config, st *state, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report(logger, st)
		}
	}
}

func report(logger zerolog.Logger, st *state) {
	elapsed := time.Since(st.started).Seconds()
	frames := st.textFrames.Load()

	ev := logger.Info().
		Int("elapsed_seconds", int(elapsed)).
		Int64("subscribers_active", st.activeSubs.Load()).
		Int64("subscribers_dialed", st.dialed.Load()).
		Int64("dial_failures", st.dialFailures.Load()).
		Int64("snapshots", st.snapshots.Load()).
		Int64("frames", frames).
		Float64("frames_per_second", float64(frames)/max(elapsed, 1)).
		Int64("posts_ok", st.postsOK.Load()).
		Int64("posts_throttled", st.postsThrottled.Load()).
		Int64("posts_banned", st.postsBanned.Load()).
		Int64("posts_other", st.postsOther.Load()).
		Int64("posts_failed", st.postsFailed.Load())

	if h := st.lastHealth(); h != nil {
		ev = ev.
			Str("server_status", h.Status).
			Int("server_entities", h.Entities).
			Int("server_subscribers", h.Subscribers).
			Float64("server_cpu_percent", h.CPUPercent).
			Float64("server_memory_mb", h.MemoryMB)
	}
	ev.Msg("load report")
}

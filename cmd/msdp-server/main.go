package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/chasdabigone/msdp-web-server/internal/config"
	"github.com/chasdabigone/msdp-web-server/internal/limits"
	"github.com/chasdabigone/msdp-web-server/internal/logging"
	"github.com/chasdabigone/msdp-web-server/internal/metrics"
	"github.com/chasdabigone/msdp-web-server/internal/natsfeed"
	"github.com/chasdabigone/msdp-web-server/internal/relay"
	"github.com/chasdabigone/msdp-web-server/internal/sysmon"
	"github.com/chasdabigone/msdp-web-server/internal/transport"
)

// connLimiterTTL bounds how long idle upgrade-limiter entries are kept.
const connLimiterTTL = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	reg := metrics.NewRegistry()

	rly := relay.New(relay.Options{
		PruneInterval:     cfg.PruneInterval(),
		DataTimeout:       cfg.DataTimeout(),
		BroadcastInterval: cfg.BroadcastInterval(),
		ConnectionTimeout: cfg.ConnectionTimeout(),
		ChannelCapacity:   cfg.BroadcastChannelCapacity,
		Metrics:           reg,
		Logger:            logger,
	})

	ingestLimiter := limits.NewIngestLimiter(limits.IngestLimiterConfig{
		RPS:                cfg.RateLimitRPS,
		Burst:              cfg.RateLimitBurstCapacity,
		ViolationThreshold: cfg.RateLimitViolationThreshold,
		BanDuration:        cfg.RateLimitBanDuration(),
		CleanupInterval:    cfg.RateLimitCleanupInterval(),
		Logger:             logger,
	})

	var connLimiter *limits.ConnLimiter
	if cfg.WSRateLimitEnabled {
		connLimiter = limits.NewConnLimiter(limits.ConnLimiterConfig{
			PerSecond: cfg.WSRateLimitPerSecond,
			Burst:     cfg.WSRateLimitBurst,
			TTL:       connLimiterTTL,
			Logger:    logger,
		})
	}

	monitor := sysmon.New(sysmon.Options{
		Interval:     cfg.SysmonInterval(),
		Metrics:      reg,
		Logger:       logger,
		LimiterStats: ingestLimiter.Stats,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var natsConnected func() bool
	if cfg.NATSURL != "" {
		bridge, err := natsfeed.Connect(natsfeed.Config{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
			Logger:  logger,
		}, rly)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect NATS bridge")
		}
		defer bridge.Close()
		natsConnected = bridge.Connected
	}

	var wg sync.WaitGroup
	runLoop := func(loop func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	runLoop(rly.RunPrune)
	runLoop(rly.RunBroadcast)
	runLoop(ingestLimiter.RunCleanup)
	runLoop(monitor.Run)
	if connLimiter != nil {
		runLoop(func(ctx context.Context) {
			connLimiter.RunCleanup(ctx, cfg.RateLimitCleanupInterval())
		})
	}

	srv := transport.New(transport.Options{
		Addr:            cfg.ListenAddr(),
		StaticDir:       cfg.StaticDirPath,
		ShutdownTimeout: cfg.ShutdownTimeout(),
		Relay:           rly,
		IngestLimiter:   ingestLimiter,
		ConnLimiter:     connLimiter,
		Metrics:         reg,
		Sysmon:          monitor,
		Logger:          logger,
		NATSConnected:   natsConnected,
	})

	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("http server failed")
	}

	// Stop the background loops even when Run exited on its own, then
	// release any subscriber sessions still draining the fan-out.
	stop()
	rly.Close()
	wg.Wait()
	logger.Info().Msg("shutdown complete")
}

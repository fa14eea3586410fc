package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/tvbill/internal/api"
	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/config"
	"github.com/goodtune/tvbill/internal/metrics"
	"github.com/goodtune/tvbill/internal/policy"
	"github.com/goodtune/tvbill/internal/realtime"
	"github.com/goodtune/tvbill/internal/scheduler"
	"github.com/goodtune/tvbill/internal/storage/sqlstore"
	"github.com/goodtune/tvbill/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start tvbill server",
	Long:  `Start the tvbill API, websocket hub, background sweeps and metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting tvbill")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := sqlstore.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("driver", cfg.Storage.Driver).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	authz, err := policy.New(cfg.Policy.File, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize authorization policy: %w", err)
	}

	hub := realtime.NewHub(api.OriginChecker(cfg.Server.AllowedOrigins), logger)
	bus, err := newEventBus(cfg, hub, logger)
	if err != nil {
		return err
	}
	defer bus.Close(logger)

	clk := clock.Real{}
	eng := newEngine(cfg, store, bus.publisher, clk, logger)

	supervisor := scheduler.New(logger)
	tasks := []scheduler.Task{
		{
			Name:     "presence",
			Interval: parseDuration(cfg.Presence.Interval, time.Minute),
			Fn:       eng.presence.Run,
		},
		{
			Name:       "expiry",
			Interval:   parseDuration(cfg.Expiry.Interval, time.Minute),
			RunOnStart: true,
			Fn:         eng.expiry.Run,
		},
		{
			Name:       "discovery-cleanup",
			Interval:   parseDuration(cfg.Discovery.CleanupInterval, 5*time.Minute),
			RunOnStart: true,
			Fn:         eng.discovery.Run,
		},
		{
			Name:     "timer",
			Interval: parseDuration(cfg.Realtime.TimerInterval, 30*time.Second),
			Fn:       realtime.NewTicker(store.Sessions(), bus.publisher, clk, cfg.Realtime.WarningMinutes, logger).Tick,
		},
	}
	for _, t := range tasks {
		if err := supervisor.Add(t); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", t.Name, err)
		}
	}

	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	apiServer := api.NewServer(apiAddr, api.Deps{
		Sessions:       eng.sessions,
		Presence:       eng.presence,
		Discovery:      eng.discovery,
		Expiry:         eng.expiry,
		Devices:        store.Devices(),
		Catalog:        eng.catalog,
		Hub:            hub,
		Tokens:         api.NewTokenService(cfg.Auth.JWTSecret, parseDuration(cfg.Auth.TokenTTL, api.DefaultTokenExpiration)),
		Policy:         authz,
		Limiter:        api.NewRateLimiter(cfg.Auth.RateLimit, cfg.Auth.RateBurst),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Clock:          clk,
		Logger:         logger,
	})

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, store.Ping, logger)
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return apiServer.Serve(sdListeners.HTTP)
	})
	if bus.relay != nil {
		g.Go(func() error {
			return bus.relay.Run(gctx)
		})
	}
	g.Go(func() error {
		return systemd.Watchdog(gctx, logger)
	})
	supervisor.Start(gctx)

	logger.Info().Msg("tvbill startup complete")
	logger.Info().Msgf("API: http://%s/api", apiAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	waitForShutdown(gctx, logger, func() {
		if err := authz.Reload(gctx); err != nil {
			logger.Error().Err(err).Msg("Failed to reload authorization policy")
		} else {
			logger.Info().Msg("Authorization policy reloaded")
		}
		eng.catalog.Invalidate()
	})

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), parseDuration(cfg.Server.ShutdownTimeout, 10*time.Second))
	defer cancelShutdown()

	supervisor.Stop()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}
	cancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("tvbill stopped with error")
		return err
	}

	logger.Info().Msg("tvbill stopped")
	return nil
}

// waitForShutdown blocks until SIGINT/SIGTERM or until ctx ends because a
// server component failed. SIGHUP runs reload and keeps waiting.
func waitForShutdown(ctx context.Context, logger zerolog.Logger, reload func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			logger.Error().Msg("Server component failed, stopping")
			return
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info().Msg("SIGHUP received, reloading policy and package catalog...")
				reload()
				continue
			}
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			return
		}
	}
}

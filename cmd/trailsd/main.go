package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentworkforce/trails/internal/config"
	"github.com/agentworkforce/trails/internal/httpapi"
	"github.com/agentworkforce/trails/internal/observability"
	"github.com/agentworkforce/trails/internal/trails"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config (TRAILS_CONFIG overrides)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := observability.InitLogger("trailsd", "info")
		bootLogger.Fatal().Err(err).Msg("config load failed")
	}
	logger := observability.InitLogger("trailsd", cfg.LogLevel)
	logger.Info().
		Str("addr", cfg.ListenAddr).
		Str("instance", cfg.ServerInstance).
		Str("tier", cfg.SecurityTier).
		Msg("trailsd starting")

	store, err := trails.OpenStore(cfg.StoreDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("store open failed")
	}
	defer store.Close()

	identity, err := trails.LoadHubIdentity(cfg.KeyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("hub identity load failed")
	}

	hub, err := trails.NewHub(trails.Options{
		Store:                store,
		ServerInstance:       cfg.ServerInstance,
		SecurityTier:         trails.SecurityTier(cfg.SecurityTier),
		Identity:             identity,
		Logger:               logger,
		RegistrationTimeout:  cfg.RegistrationTimeout.Std(),
		DeadlineCeiling:      cfg.StartDeadlineCeiling.Std(),
		DefaultStartDeadline: cfg.DefaultStartDeadline.Std(),
		ReconnectGrace:       cfg.ReconnectGrace.Std(),
		StartupGrace:         cfg.StartupGrace.Std(),
		IntentTimeout:        cfg.IntentTimeout.Std(),
		CrashDowngrade:       trails.CrashDowngrade(cfg.CrashDowngrade),
		AutoCreateIntents:    cfg.AutoCreateIntents,
		EventBuffer:          cfg.EventBuffer,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("hub init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub.Start(ctx)

	// Sessions this instance owned must be reconnecting before the
	// listener accepts anything.
	if err := hub.Reconcile(ctx); err != nil {
		logger.Fatal().Err(err).Msg("startup reconciliation failed")
	}

	watchPath := *configPath
	if env := os.Getenv("TRAILS_CONFIG"); env != "" {
		watchPath = env
	}
	if watchPath != "" {
		go func() {
			err := config.Watch(ctx, watchPath, func(next config.Config) {
				hub.SetReconnectGrace(next.ReconnectGrace.Std())
			})
			if err != nil {
				logger.Warn().Err(err).Msg("config watch stopped")
			}
		}()
	}

	api := httpapi.NewServer(hub, httpapi.ServerConfig{}, logger)
	server := &http.Server{Addr: cfg.ListenAddr, Handler: api}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("signal received, draining")
		hub.Shutdown(cfg.ShutdownDrain.Std())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain.Std())
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Msg("trailsd listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("trailsd stopped")
}

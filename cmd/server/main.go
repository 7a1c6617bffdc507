package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/richtext-sync/internal/api"
	"github.com/example/richtext-sync/internal/broadcast"
	"github.com/example/richtext-sync/internal/collab"
	"github.com/example/richtext-sync/internal/config"
	"github.com/example/richtext-sync/internal/crdt"
	"github.com/example/richtext-sync/internal/engine"
	"github.com/example/richtext-sync/internal/observability"
	"github.com/example/richtext-sync/internal/playback"
	"github.com/example/richtext-sync/internal/presence"
	"github.com/example/richtext-sync/internal/snapshot"
	"github.com/example/richtext-sync/internal/storage"
	syncstate "github.com/example/richtext-sync/internal/sync"
	"github.com/example/richtext-sync/internal/types"
	"github.com/example/richtext-sync/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	peer := types.PeerID(cfg.PeerID)
	if peer == 0 {
		peer = crdt.RandomPeerID()
	}
	eng := engine.NewEngine(peer, logger)
	registry := ws.NewConnectionRegistry()
	policy := storage.NewSnapshotPolicy(cfg.SnapshotThreshold)

	var (
		collabSvc   *collab.Service
		broadcaster *broadcast.RedisBroadcaster
	)
	collabCfg := collab.Config{
		Log:      resources.Log,
		Engine:   eng,
		Store:    resources.Snapshots,
		Registry: registry,
		Policy:   policy,
		Tracker:  syncstate.NewVersionTracker(),
		Logger:   logger.With().Str("component", "collab").Logger(),
	}
	if resources.Redis != nil {
		broadcaster = broadcast.NewRedisBroadcaster(resources.Redis, registry, logger.With().Str("component", "broadcast").Logger(),
			broadcast.WithRemoteHook(func(ctx context.Context, docID types.DocumentID, opID types.OperationID, payload []byte) error {
				return collabSvc.ApplyRemote(ctx, docID, opID, payload)
			}))
		collabCfg.Publisher = broadcaster
	}
	collabSvc, err = collab.NewService(collabCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build collaboration service")
	}
	if err := collabSvc.LoadAll(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to restore documents")
	}
	if broadcaster != nil {
		broadcaster.Start(ctx)
	}
	logger.Info().Int("documents", len(eng.Documents())).Uint64("peer", uint64(peer)).Msg("documents restored")

	go checkpointLoop(ctx, collabSvc, cfg.HealthcheckProbe)

	snapshotWorker := snapshot.NewWorker(resources.Log, eng, resources.Snapshots, logger.With().Str("component", "snapshot").Logger(),
		snapshot.WithInterval(cfg.SnapshotInterval),
		snapshot.WithWALThreshold(cfg.WALThreshold),
		snapshot.WithPolicy(policy),
	)
	snapshotWorker.Start(ctx)

	presenceSvc := presence.NewService(resources.Redis, registry, logger.With().Str("component", "presence").Logger())
	presenceSvc.Start(ctx)

	gateway, err := ws.NewGateway(ws.QueryAuthenticator, registry, logger.With().Str("component", "gateway").Logger(),
		presenceSvc.WrapHooks(collabSvc.Hooks()),
		ws.GatewayConfig{HeartbeatInterval: cfg.HeartbeatInterval},
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build websocket gateway")
	}

	playbackSvc := playback.NewService(resources.Log, resources.Snapshots, logger, playback.ServiceConfig{CacheSize: cfg.PlaybackCacheSize})
	router := api.NewRouter(api.Config{
		Collab:   collabSvc,
		Playback: playback.NewHTTPHandler(playbackSvc, logger),
		Gateway:  gateway,
		Health:   resources.HealthCheck,
		Logger:   logger,
	})
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: router}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Msg("server dependencies initialized")

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	// Persist positions one last time before the log is closed.
	collabSvc.Checkpoint(shutdownCtx)

	done := make(chan struct{})
	go func() {
		resources.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}

func checkpointLoop(ctx context.Context, svc *collab.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			svc.Checkpoint(ctx)
		case <-ctx.Done():
			return
		}
	}
}

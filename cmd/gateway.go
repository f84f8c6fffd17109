package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/roomgate/internal/bus"
	"github.com/nextlevelbuilder/roomgate/internal/config"
	"github.com/nextlevelbuilder/roomgate/internal/dedup"
	"github.com/nextlevelbuilder/roomgate/internal/gateway"
	"github.com/nextlevelbuilder/roomgate/internal/orchestrator"
	"github.com/nextlevelbuilder/roomgate/internal/queue"
	"github.com/nextlevelbuilder/roomgate/internal/tracing"
	"github.com/nextlevelbuilder/roomgate/pkg/protocol"
)

func runGateway() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		shutdownTracing(sctx)
	}()

	coord, err := openCoordination(ctx, cfg)
	if err != nil {
		slog.Error("failed to open coordination backend", "backend", cfg.Coordination.Backend, "error", err)
		os.Exit(1)
	}
	defer coord.Close()

	msgStore, err := openMessageStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open message store", "mode", cfg.Database.Mode, "error", err)
		os.Exit(1)
	}
	if msgStore != nil {
		defer msgStore.Close()
	}

	eventBus := bus.New(cfg.HeartbeatInterval())
	replyQueue := queue.New(coord.locker, queue.Options{
		MaxPending:         cfg.Queue.MaxPending,
		MaxConcurrentRooms: cfg.Queue.MaxConcurrentRooms,
		TaskTimeout:        cfg.TaskTimeout(),
		AcquireRetries:     cfg.Queue.AcquireRetries,
		AcquireBackoff:     cfg.AcquireBackoff(),
	})

	fingerprints := dedup.NewFingerprintStore(coord.fingerprints, dedup.Config{
		Window:           cfg.DedupWindow(),
		MaxEntries:       cfg.Dedup.MaxEntries,
		MaintenanceEvery: cfg.Dedup.MaintenanceEvery,
	})
	turns := dedup.NewTurnRegistry(coord.turns, dedup.Config{
		MaxEntries:       cfg.Dedup.TurnMaxEntries,
		MaintenanceEvery: cfg.Dedup.MaintenanceEvery,
	})

	coordinator := orchestrator.New(orchestrator.Deps{
		Fingerprints: fingerprints,
		Turns:        turns,
		Locker:       coord.locker,
		Queue:        replyQueue,
		Bus:          eventBus,
		Responder:    newResponder(cfg),
		Store:        msgStore,
	}, orchestrator.Config{
		MaxMessageChars: cfg.Gateway.MaxMessageChars,
	})

	server := gateway.NewServer(cfg, coordinator, eventBus)

	// Setup graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		eventBus.Run(gctx)
		return nil
	})

	g.Go(func() error {
		runMaintenance(gctx, coordinator, cfg.SweepInterval())
		return nil
	})

	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, func(next *config.Config) {
			cfg.ReplaceFrom(next)
			eventBus.SetHeartbeatInterval(cfg.HeartbeatInterval())
			fingerprints.SetWindow(cfg.DedupWindow())
			slog.Info("config applied", "heartbeat", cfg.HeartbeatInterval(), "dedup_window", cfg.DedupWindow())
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			slog.Info("graceful shutdown initiated", "signal", sig)
		case <-gctx.Done():
			return nil
		}

		// Let queued turns finish (and close their typing brackets) before
		// clients hear about the shutdown.
		qctx, qcancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := replyQueue.Stop(qctx); err != nil {
			slog.Warn("reply queue did not drain", "error", err)
		}
		qcancel()

		eventBus.Broadcast(protocol.EventShutdown, nil)
		eventBus.Close()
		cancel()
		return nil
	})

	g.Go(func() error {
		return server.Start(gctx)
	})

	slog.Info("roomgate gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"coordination", cfg.Coordination.Backend,
		"database", cfg.Database.Mode,
		"pipeline", cfg.Pipeline.Mode,
	)

	if err := g.Wait(); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// runMaintenance forces the dedup sweep and lease reaping on an idle
// ticker so memory stays bounded without traffic.
func runMaintenance(ctx context.Context, c *orchestrator.Coordinator, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Maintain(ctx)
		}
	}
}

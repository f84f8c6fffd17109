package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/roomgate/internal/config"
	"github.com/nextlevelbuilder/roomgate/internal/dedup"
	"github.com/nextlevelbuilder/roomgate/internal/orchestrator"
	"github.com/nextlevelbuilder/roomgate/internal/pipeline"
	"github.com/nextlevelbuilder/roomgate/internal/roomlock"
	"github.com/nextlevelbuilder/roomgate/internal/store"
	"github.com/nextlevelbuilder/roomgate/internal/store/pg"
	"github.com/nextlevelbuilder/roomgate/internal/store/sqlite"
)

// coordination holds the dedup and lock backends. Memory backends are
// process-local; redis backends are shared between gateway replicas.
type coordination struct {
	fingerprints dedup.Backend
	turns        dedup.Backend
	locker       roomlock.Locker
	client       *redis.Client
}

func (c *coordination) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func openCoordination(ctx context.Context, cfg *config.Config) (*coordination, error) {
	if cfg.Coordination.Backend != "redis" {
		// Separate backends so fingerprint expiry never touches turn IDs.
		return &coordination{
			fingerprints: dedup.NewMemoryBackend(),
			turns:        dedup.NewMemoryBackend(),
			locker:       roomlock.NewMemoryLocker(cfg.LockLease()),
		}, nil
	}

	client, err := store.OpenRedis(ctx, cfg.Coordination.RedisURL)
	if err != nil {
		return nil, err
	}
	prefix := cfg.Coordination.Prefix
	return &coordination{
		fingerprints: dedup.NewRedisBackend(client, prefix+"dedup:"),
		turns:        dedup.NewRedisBackend(client, prefix+"dedup:").WithRetention(cfg.TurnRetention()),
		locker:       roomlock.NewRedisLocker(client, prefix+"lock:room:", cfg.LockLease()),
		client:       client,
	}, nil
}

// openMessageStore returns nil when persistence is disabled.
func openMessageStore(ctx context.Context, cfg *config.Config) (store.MessageStore, error) {
	switch cfg.Database.Mode {
	case "postgres":
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, err
		}
		// Schema compatibility check: ensure DB schema matches this binary.
		st, err := pg.CheckSchema(ctx, db)
		if err == nil {
			err = st.Err()
		}
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("schema compatibility check failed: %w", err)
		}
		return pg.NewPGMessageStore(db), nil

	case "", "sqlite":
		path := config.ExpandHome(cfg.Database.SQLitePath)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		s, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return s, nil

	default:
		slog.Info("message persistence disabled", "mode", cfg.Database.Mode)
		return nil, nil
	}
}

func newResponder(cfg *config.Config) orchestrator.Responder {
	if cfg.Pipeline.Mode == "http" {
		return pipeline.NewHTTPResponder(cfg.Pipeline.URL, cfg.Pipeline.Token, cfg.PipelineTimeout()).
			WithRetry(pipeline.DefaultRetryConfig())
	}
	return pipeline.EchoResponder{Delay: cfg.EchoDelay()}
}

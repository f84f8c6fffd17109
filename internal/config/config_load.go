package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18800,
			MaxMessageChars: 32000,
			RateLimitRPM:    30,
		},
		Dedup: DedupConfig{
			Window:           "10s",
			MaxEntries:       10000,
			MaintenanceEvery: 100,
			TurnMaxEntries:   10000,
			TurnRetention:    "24h",
			SweepInterval:    "1m",
		},
		Lock: LockConfig{Lease: "5m"},
		Queue: QueueConfig{
			MaxPending:         100,
			MaxConcurrentRooms: 64,
			TaskTimeout:        "2m",
			AcquireRetries:     5,
			AcquireBackoff:     "200ms",
		},
		Bus: BusConfig{
			HeartbeatInterval: "25s",
			SendBuffer:        256,
		},
		Coordination: CoordinationConfig{
			Backend: "memory",
			Prefix:  "roomgate:",
		},
		Database: DatabaseConfig{
			Mode:       "sqlite",
			SQLitePath: "~/.roomgate/roomgate.db",
		},
		Pipeline: PipelineConfig{
			Mode:    "echo",
			Timeout: "120s",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "roomgate",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A .env file
// in the working directory is loaded first; variables already set in the
// process environment win over it.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Gateway
	envStr("ROOMGATE_HOST", &c.Gateway.Host)
	if v := os.Getenv("ROOMGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("ROOMGATE_GATEWAY_TOKEN", &c.Gateway.Token)
	envInt("ROOMGATE_RATE_LIMIT_RPM", &c.Gateway.RateLimitRPM)
	if v := os.Getenv("ROOMGATE_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = splitList(v)
	}

	// Core knobs
	envStr("ROOMGATE_DEDUP_WINDOW", &c.Dedup.Window)
	envInt("ROOMGATE_DEDUP_MAX_ENTRIES", &c.Dedup.MaxEntries)
	envStr("ROOMGATE_LOCK_LEASE", &c.Lock.Lease)
	envStr("ROOMGATE_HEARTBEAT_INTERVAL", &c.Bus.HeartbeatInterval)
	envStr("ROOMGATE_TASK_TIMEOUT", &c.Queue.TaskTimeout)

	// Coordination
	envStr("ROOMGATE_COORDINATION_BACKEND", &c.Coordination.Backend)
	envStr("ROOMGATE_REDIS_URL", &c.Coordination.RedisURL)

	// Database
	envStr("ROOMGATE_DB_MODE", &c.Database.Mode)
	envStr("ROOMGATE_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("ROOMGATE_POSTGRES_DSN", &c.Database.PostgresDSN)

	// Pipeline
	envStr("ROOMGATE_PIPELINE_MODE", &c.Pipeline.Mode)
	envStr("ROOMGATE_PIPELINE_URL", &c.Pipeline.URL)
	envStr("ROOMGATE_PIPELINE_TOKEN", &c.Pipeline.Token)

	// Telemetry
	envStr("ROOMGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ROOMGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("ROOMGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("ROOMGATE_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("ROOMGATE_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate rejects combinations the gateway cannot start with.
func (c *Config) Validate() error {
	switch c.Coordination.Backend {
	case "", "memory":
	case "redis":
		if c.Coordination.RedisURL == "" {
			return fmt.Errorf("coordination.backend is redis but ROOMGATE_REDIS_URL is not set")
		}
	default:
		return fmt.Errorf("unknown coordination.backend %q (want memory or redis)", c.Coordination.Backend)
	}

	switch c.Database.Mode {
	case "", "none", "sqlite":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("database.mode is postgres but ROOMGATE_POSTGRES_DSN is not set")
		}
	default:
		return fmt.Errorf("unknown database.mode %q (want none, sqlite or postgres)", c.Database.Mode)
	}

	switch c.Pipeline.Mode {
	case "", "echo":
	case "http":
		if c.Pipeline.URL == "" {
			return fmt.Errorf("pipeline.mode is http but pipeline.url is empty")
		}
	default:
		return fmt.Errorf("unknown pipeline.mode %q (want echo or http)", c.Pipeline.Mode)
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("unknown telemetry.protocol %q (want grpc or http)", c.Telemetry.Protocol)
	}

	// A lease that can run out mid-turn hands the room to a second pipeline.
	if lease, timeout := c.LockLease(), c.TaskTimeout(); lease > 0 {
		if timeout <= 0 {
			return fmt.Errorf("queue.task_timeout must be set while lock.lease is %s", lease)
		}
		if timeout >= lease {
			return fmt.Errorf("queue.task_timeout (%s) must be shorter than lock.lease (%s)", timeout, lease)
		}
	}
	return nil
}

// Save writes the config to a JSON file. Env-only secrets are not written.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the roomgate gateway.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	Dedup        DedupConfig        `json:"dedup"`
	Lock         LockConfig         `json:"lock"`
	Queue        QueueConfig        `json:"queue"`
	Bus          BusConfig          `json:"bus"`
	Coordination CoordinationConfig `json:"coordination"`
	Database     DatabaseConfig     `json:"database,omitempty"`
	Pipeline     PipelineConfig     `json:"pipeline"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
	mu           sync.RWMutex
}

// GatewayConfig configures the HTTP/WebSocket listener.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"token,omitempty"`             // bearer token for WS/HTTP auth (empty = open)
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`   // WebSocket CORS whitelist (empty = allow all)
	MaxMessageChars int      `json:"max_message_chars,omitempty"` // default 32000
	RateLimitRPM    int      `json:"rate_limit_rpm,omitempty"`    // intake requests per minute per sender (0 = disabled)
}

// DedupConfig configures the fingerprint store and turn registry.
type DedupConfig struct {
	Window           string `json:"window,omitempty"`            // Go duration, default "10s"
	MaxEntries       int    `json:"max_entries,omitempty"`       // bulk-reset threshold for fingerprints
	MaintenanceEvery int    `json:"maintenance_every,omitempty"` // maintenance pass every N calls
	TurnMaxEntries   int    `json:"turn_max_entries,omitempty"`  // bulk-reset threshold for turn IDs
	TurnRetention    string `json:"turn_retention,omitempty"`    // redis only: turn ID lifetime, default "24h"
	SweepInterval    string `json:"sweep_interval,omitempty"`    // idle maintenance ticker, default "1m"
}

// LockConfig configures room locks.
type LockConfig struct {
	Lease string `json:"lease,omitempty"` // max hold before a lock is reclaimable, default "5m", "0" disables
}

// QueueConfig configures the per-room reply queue.
type QueueConfig struct {
	MaxPending         int    `json:"max_pending,omitempty"`
	MaxConcurrentRooms int    `json:"max_concurrent_rooms,omitempty"`
	TaskTimeout        string `json:"task_timeout,omitempty"`
	AcquireRetries     int    `json:"acquire_retries,omitempty"`
	AcquireBackoff     string `json:"acquire_backoff,omitempty"`
}

// BusConfig configures live event delivery.
type BusConfig struct {
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"` // default "25s"
	SendBuffer        int    `json:"send_buffer,omitempty"`        // per-connection frames buffered before the client is dropped
}

// CoordinationConfig selects where dedup state and room locks live.
// RedisURL is never read from the config file, only from ROOMGATE_REDIS_URL.
type CoordinationConfig struct {
	Backend  string `json:"backend,omitempty"` // "memory" (default, single instance) or "redis"
	Prefix   string `json:"prefix,omitempty"`  // redis key prefix, default "roomgate:"
	RedisURL string `json:"-"`
}

// DatabaseConfig selects message persistence.
// PostgresDSN is never read from the config file, only from ROOMGATE_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"`        // "none", "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"` // default "~/.roomgate/roomgate.db"
	PostgresDSN string `json:"-"`
}

// PipelineConfig selects the reply generator.
type PipelineConfig struct {
	Mode      string `json:"mode,omitempty"`       // "echo" (default) or "http"
	URL       string `json:"url,omitempty"`        // http mode endpoint
	Token     string `json:"-"`                    // from env ROOMGATE_PIPELINE_TOKEN only
	Timeout   string `json:"timeout,omitempty"`    // per attempt, default "120s"
	EchoDelay string `json:"echo_delay,omitempty"` // echo mode artificial latency
}

// TelemetryConfig configures OpenTelemetry OTLP export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "roomgate"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	src.mu.RLock()
	defer src.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Dedup = src.Dedup
	c.Lock = src.Lock
	c.Queue = src.Queue
	c.Bus = src.Bus
	c.Coordination = src.Coordination
	c.Database = src.Database
	c.Pipeline = src.Pipeline
	c.Telemetry = src.Telemetry
}

// parseDuration reads a Go duration, falling back to def when s is empty
// or invalid. "0" yields 0 so callers can disable a feature.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// DedupWindow returns the configured dedup window.
func (c *Config) DedupWindow() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration(c.Dedup.Window, 10*time.Second)
}

// TurnRetention returns how long redis keeps turn IDs.
func (c *Config) TurnRetention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration(c.Dedup.TurnRetention, 24*time.Hour)
}

// SweepInterval returns the idle maintenance period.
func (c *Config) SweepInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration(c.Dedup.SweepInterval, time.Minute)
}

// LockLease returns the room lock lease; 0 means locks never expire.
func (c *Config) LockLease() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration(c.Lock.Lease, 5*time.Minute)
}

// HeartbeatInterval returns the bus heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration(c.Bus.HeartbeatInterval, 25*time.Second)
}

// TaskTimeout returns the per-turn deadline; 0 disables it.
func (c *Config) TaskTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration(c.Queue.TaskTimeout, 2*time.Minute)
}

// AcquireBackoff returns the first lock retry delay.
func (c *Config) AcquireBackoff() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration(c.Queue.AcquireBackoff, 200*time.Millisecond)
}

// PipelineTimeout returns the per-attempt timeout for the HTTP responder.
func (c *Config) PipelineTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration(c.Pipeline.Timeout, 120*time.Second)
}

// EchoDelay returns the echo responder latency.
func (c *Config) EchoDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration(c.Pipeline.EchoDelay, 0)
}

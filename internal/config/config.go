// Package config provides hierarchical configuration loading for TraceForge.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the TraceForge core service.
type Config struct {
	Server   Server   `yaml:"server"`
	SQLite   SQLite   `yaml:"sqlite"`
	NATS     NATS     `yaml:"nats"`
	Cache    Cache    `yaml:"cache"`
	Fallback Fallback `yaml:"fallback"`
	Hub      Hub      `yaml:"hub"`
	Session  Session  `yaml:"session"`
	Logging  Logging  `yaml:"logging"`
	OTel     OTel     `yaml:"otel"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// SQLite holds durable store configuration.
type SQLite struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// NATS holds NATS JetStream configuration for the cache tier.
type NATS struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
}

// Cache holds read-acceleration cache configuration.
type Cache struct {
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	L1TTL       time.Duration `yaml:"l1_ttl"`
	TTL         time.Duration `yaml:"ttl"`
}

// Fallback holds dual-write resilience configuration: the on-disk queue
// of cache operations and the monitor/sync loops that repair the cache
// tier after an outage.
type Fallback struct {
	Enabled          bool          `yaml:"enabled"`
	Dir              string        `yaml:"dir"`
	CacheTimeout     time.Duration `yaml:"cache_timeout"`
	SyncInterval     time.Duration `yaml:"sync_interval"`
	SyncBatchSize    int           `yaml:"sync_batch_size"`
	SyncMaxRetries   int           `yaml:"sync_max_retries"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
}

// Hub holds realtime broadcast hub configuration.
type Hub struct {
	BacklogSize  int           `yaml:"backlog_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Session holds relationship engine configuration.
type Session struct {
	TimeoutAfter  time.Duration `yaml:"timeout_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// OTel holds OpenTelemetry exporter configuration. An empty endpoint
// disables the OTLP exporter; instruments still record locally.
type OTel struct {
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "4000",
			CORSOrigin: "http://localhost:5173",
		},
		SQLite: SQLite{
			Path:        "traceforge.db",
			BusyTimeout: 5 * time.Second,
		},
		NATS: NATS{
			URL:    "nats://localhost:4222",
			Bucket: "TRACEFORGE_CACHE",
		},
		Cache: Cache{
			L1MaxSizeMB: 64,
			L1TTL:       30 * time.Second,
			TTL:         time.Hour,
		},
		Fallback: Fallback{
			Enabled:          true,
			Dir:              "fallback",
			CacheTimeout:     2 * time.Second,
			SyncInterval:     30 * time.Second,
			SyncBatchSize:    50,
			SyncMaxRetries:   5,
			FailureThreshold: 3,
			ProbeInterval:    10 * time.Second,
		},
		Hub: Hub{
			BacklogSize:  50,
			WriteTimeout: 5 * time.Second,
		},
		Session: Session{
			TimeoutAfter:  30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Logging: Logging{
			Level:   "info",
			Service: "traceforge-core",
		},
	}
}

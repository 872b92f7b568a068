package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "traceforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "TRACEFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "TRACEFORGE_CORS_ORIGIN")

	setString(&cfg.SQLite.Path, "TRACEFORGE_DB_PATH")
	setDuration(&cfg.SQLite.BusyTimeout, "TRACEFORGE_DB_BUSY_TIMEOUT")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Bucket, "TRACEFORGE_CACHE_BUCKET")

	setInt64(&cfg.Cache.L1MaxSizeMB, "TRACEFORGE_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "TRACEFORGE_CACHE_L1_TTL")
	setDuration(&cfg.Cache.TTL, "TRACEFORGE_CACHE_TTL")

	setBool(&cfg.Fallback.Enabled, "TRACEFORGE_FALLBACK_ENABLED")
	setString(&cfg.Fallback.Dir, "TRACEFORGE_FALLBACK_DIR")
	setDuration(&cfg.Fallback.CacheTimeout, "TRACEFORGE_CACHE_TIMEOUT")
	setDuration(&cfg.Fallback.SyncInterval, "TRACEFORGE_SYNC_INTERVAL")
	setInt(&cfg.Fallback.SyncBatchSize, "TRACEFORGE_SYNC_BATCH_SIZE")
	setInt(&cfg.Fallback.SyncMaxRetries, "TRACEFORGE_SYNC_MAX_RETRIES")
	setInt(&cfg.Fallback.FailureThreshold, "TRACEFORGE_FAILURE_THRESHOLD")
	setDuration(&cfg.Fallback.ProbeInterval, "TRACEFORGE_PROBE_INTERVAL")

	setInt(&cfg.Hub.BacklogSize, "TRACEFORGE_HUB_BACKLOG")
	setDuration(&cfg.Hub.WriteTimeout, "TRACEFORGE_HUB_WRITE_TIMEOUT")

	setDuration(&cfg.Session.TimeoutAfter, "TRACEFORGE_SESSION_TIMEOUT_AFTER")
	setDuration(&cfg.Session.SweepInterval, "TRACEFORGE_SESSION_SWEEP_INTERVAL")

	setString(&cfg.Logging.Level, "TRACEFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TRACEFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "TRACEFORGE_LOG_ASYNC")

	setString(&cfg.OTel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.SQLite.Path == "" {
		return errors.New("sqlite.path is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Fallback.SyncBatchSize < 1 {
		return errors.New("fallback.sync_batch_size must be >= 1")
	}
	if cfg.Fallback.SyncMaxRetries < 1 {
		return errors.New("fallback.sync_max_retries must be >= 1")
	}
	if cfg.Fallback.FailureThreshold < 1 {
		return errors.New("fallback.failure_threshold must be >= 1")
	}
	if cfg.Hub.BacklogSize < 0 {
		return errors.New("hub.backlog_size must be >= 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

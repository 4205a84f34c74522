package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "fleetd.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
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
	setString(&cfg.Server.Port, "FLEETD_PORT")
	setString(&cfg.Server.AuthToken, "FLEETD_AUTH_TOKEN")
	setString(&cfg.Server.CORSOrigin, "FLEETD_CORS_ORIGIN")
	setDuration(&cfg.Server.ReadTimeout, "FLEETD_READ_TIMEOUT")

	setString(&cfg.Store.Backend, "FLEETD_STORE_BACKEND")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "FLEETD_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "FLEETD_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "FLEETD_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "FLEETD_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "FLEETD_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Sandbox.URL, "FLEETD_SANDBOX_URL")
	setString(&cfg.Sandbox.Token, "FLEETD_SANDBOX_TOKEN")

	setString(&cfg.Logging.Level, "FLEETD_LOG_LEVEL")
	setString(&cfg.Logging.Service, "FLEETD_LOG_SERVICE")

	setDuration(&cfg.Sprite.ReconcileInterval, "FLEETD_RECONCILE_INTERVAL")
	setDuration(&cfg.Sprite.RequestTimeout, "FLEETD_REQUEST_TIMEOUT")
	setDuration(&cfg.Sprite.BackoffBase, "FLEETD_BACKOFF_BASE")
	setDuration(&cfg.Sprite.BackoffMax, "FLEETD_BACKOFF_MAX")
	setInt(&cfg.Sprite.MaxRetries, "FLEETD_MAX_RETRIES")
	setString(&cfg.Sprite.StateProfile, "FLEETD_STATE_PROFILE")
	setDuration(&cfg.Sprite.SessionIdleTimeout, "FLEETD_SESSION_IDLE_TIMEOUT")

	if v := os.Getenv("FLEETD_RESOURCE_ALLOW_LIST"); v != "" {
		cfg.Safety.ResourceAllowList = splitList(v)
	}

	setDuration(&cfg.Approval.PollInterval, "FLEETD_APPROVAL_POLL_INTERVAL")
	setString(&cfg.Approval.Repo, "FLEETD_APPROVAL_REPO")
	setString(&cfg.Approval.Token, "FLEETD_APPROVAL_TOKEN")
	setString(&cfg.Approval.ApproveLabel, "FLEETD_APPROVE_LABEL")
	setString(&cfg.Approval.RejectLabel, "FLEETD_REJECT_LABEL")

	setDuration(&cfg.Webhook.DedupTTL, "FLEETD_WEBHOOK_DEDUP_TTL")
	setInt64(&cfg.Webhook.DedupMaxBytes, "FLEETD_WEBHOOK_DEDUP_MAX_BYTES")

	setString(&cfg.Telemetry.Endpoint, "FLEETD_OTLP_ENDPOINT")
	setDuration(&cfg.Telemetry.Interval, "FLEETD_OTLP_INTERVAL")
}

// validate rejects configurations that cannot work.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port must not be empty")
	}
	if cfg.Sandbox.URL == "" {
		return errors.New("sandbox.url must not be empty")
	}
	switch cfg.Store.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("store.backend must be memory or postgres, got %q", cfg.Store.Backend)
	}
	switch cfg.Sprite.StateProfile {
	case "full", "simple":
	default:
		return fmt.Errorf("sprite.state_profile must be full or simple, got %q", cfg.Sprite.StateProfile)
	}
	if cfg.Sprite.BackoffBase <= 0 || cfg.Sprite.BackoffMax < cfg.Sprite.BackoffBase {
		return errors.New("sprite backoff bounds must satisfy 0 < base <= max")
	}
	if cfg.Sprite.MaxRetries < 1 {
		return errors.New("sprite.max_retries must be at least 1")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
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

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

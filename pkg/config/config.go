// Package config loads runtime configuration from the environment and the
// optional wallet bootstrap file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrInvalid is returned for configuration that parses but cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverFile     = "file"
	DriverMemory   = "memory"
)

// Config holds process configuration.
type Config struct {
	DatabaseDriver string `env:"QUORUM_DB_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"quorum.db"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	EffectTimeout    time.Duration `env:"QUORUM_EFFECT_TIMEOUT" envDefault:"30s"`
	EffectWebhookURL string        `env:"QUORUM_EFFECT_WEBHOOK_URL"`
	EffectRetries    int           `env:"QUORUM_EFFECT_RETRIES" envDefault:"3"`

	// SubmitRPM of zero disables submit rate limiting.
	SubmitRPM   int    `env:"QUORUM_SUBMIT_RPM" envDefault:"0"`
	SubmitBurst int    `env:"QUORUM_SUBMIT_BURST" envDefault:"5"`
	RedisAddr   string `env:"REDIS_ADDR"`

	TelemetryEnabled  bool   `env:"QUORUM_TELEMETRY" envDefault:"false"`
	TelemetryInsecure bool   `env:"QUORUM_TELEMETRY_INSECURE" envDefault:"false"`
	OTLPEndpoint      string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Environment       string `env:"QUORUM_ENV" envDefault:"development"`

	BootstrapFile string `env:"QUORUM_BOOTSTRAP_FILE"`

	// AuthSecret, when set, makes write commands take a signed caller token
	// instead of a bare identity.
	AuthSecret string `env:"QUORUM_AUTH_SECRET"`

	// BackupURL is the default destination of "quorum backup": a directory,
	// s3://bucket/prefix or gs://bucket/prefix.
	BackupURL  string `env:"QUORUM_BACKUP_URL"`
	S3Region   string `env:"AWS_REGION" envDefault:"us-east-1"`
	S3Endpoint string `env:"QUORUM_S3_ENDPOINT"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres, DriverFile:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL required for driver %s", ErrInvalid, c.DatabaseDriver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalid, c.DatabaseDriver)
	}
	if c.EffectTimeout < 0 {
		return fmt.Errorf("%w: negative effect timeout", ErrInvalid)
	}
	if c.SubmitRPM < 0 || c.SubmitBurst < 0 {
		return fmt.Errorf("%w: negative submit rate", ErrInvalid)
	}
	// Each CLI invocation is its own process; only Redis outlives it.
	if c.SubmitRPM > 0 && c.RedisAddr == "" {
		return fmt.Errorf("%w: QUORUM_SUBMIT_RPM requires REDIS_ADDR", ErrInvalid)
	}
	if c.AuthSecret != "" && len(c.AuthSecret) < 32 {
		return fmt.Errorf("%w: QUORUM_AUTH_SECRET must be at least 32 bytes", ErrInvalid)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.LogFormat)
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, c.LogLevel)
	}
	return l, nil
}

// NewLogger builds the process logger described by the config.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"

	"github.com/maauso/audiosculptor/internal/media"
)

// Static errors for configuration validation.
var (
	// ErrInvalidMediaType is returned when MEDIA_TYPE is not a supported type.
	ErrInvalidMediaType = errors.New("config: MEDIA_TYPE must be one of mp3, webm, png, mp4")
	// ErrS3CredentialsIncomplete is returned when only one AWS key is set.
	ErrS3CredentialsIncomplete = errors.New("config: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
)

// Logging holds logger settings shared by every binary.
type Logging struct {
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format" validate:"oneof=text json"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`                              // "debug", "info", "warn", "error"
}

// Config holds all configuration for the HTTP server.
type Config struct {
	// Server settings
	Port           int           `env:"PORT, default=8080" json:"port" validate:"gt=0,lte=65535"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS, default=*" json:"allowed_origins"`
	ShutdownGrace  time.Duration `env:"SHUTDOWN_GRACE, default=30s" json:"shutdown_grace" validate:"gte=0"`

	// Engine settings
	WorkerPath     string        `env:"WORKER_PATH, default=sculptor-worker" json:"worker_path" validate:"required"`
	MediaType      string        `env:"MEDIA_TYPE, default=mp3" json:"media_type"`
	DefaultTimeout time.Duration `env:"DEFAULT_TIMEOUT, default=30s" json:"default_timeout" validate:"gte=0"`
	OpenTimeout    time.Duration `env:"OPEN_TIMEOUT, default=30s" json:"open_timeout" validate:"gte=0"`

	// AllowCustomCommands exposes the custom operation over HTTP
	AllowCustomCommands bool `env:"ALLOW_CUSTOM_COMMANDS, default=false" json:"allow_custom_commands"`

	// Storage settings
	TempDir string `env:"TEMP_DIR, default=/tmp/audiosculptor" json:"temp_dir" validate:"required"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	Logging
}

// WorkerConfig holds configuration for the engine host process.
type WorkerConfig struct {
	FFmpegPath string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path" validate:"required"`
	TempDir    string `env:"WORKER_TEMP_DIR" json:"temp_dir"`

	Logging
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Media returns the configured media type.
func (c *Config) Media() media.Type {
	return media.Type(strings.ToLower(c.MediaType))
}

// Load reads the server configuration from environment variables using
// go-envconfig and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWorker reads the engine host configuration.
func LoadWorker() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if !c.Media().Valid() {
		return ErrInvalidMediaType
	}
	if (c.AWSAccessKeyID == "") != (c.AWSSecretAccessKey == "") {
		return ErrS3CredentialsIncomplete
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// NewLogger creates a structured logger writing to stdout.
func (l Logging) NewLogger() *slog.Logger {
	return l.NewLoggerTo(os.Stdout)
}

// NewLoggerTo creates a structured logger writing to w.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (l Logging) NewLoggerTo(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(l.LogLevel)}

	var handler slog.Handler
	if strings.ToLower(l.LogFormat) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, AllowedOrigins: %v, WorkerPath: %s, MediaType: %s, DefaultTimeout: %s, OpenTimeout: %s, TempDir: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.AllowedOrigins,
		c.WorkerPath,
		c.MediaType,
		c.DefaultTimeout,
		c.OpenTimeout,
		c.TempDir,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

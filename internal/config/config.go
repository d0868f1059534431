package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	ResumeStoreSQLite = "sqlite"
	ResumeStoreFile   = "file"
)

// Config struct for environment variables.
type Config struct {
	TargetDir        string        `envconfig:"TARGET_DIR"`
	MaxConcurrent    int           `envconfig:"MAX_CONCURRENT" default:"3"`
	QueueLimit       int           `envconfig:"QUEUE_LIMIT" default:"64"`
	ChunkSize        int           `envconfig:"CHUNK_SIZE" default:"32768"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"200ms"`
	IdleTimeout      time.Duration `envconfig:"IDLE_TIMEOUT" default:"30s"`

	ResumeStore       string        `envconfig:"RESUME_STORE" default:"sqlite"`
	DBPath            string        `envconfig:"DB_PATH" default:"rangeget.db"`
	StateDir          string        `envconfig:"STATE_DIR" default:".rangeget"`
	KeepResumeDataFor time.Duration `envconfig:"KEEP_RESUME_DATA_FOR" default:"168h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"rangeget"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}
}

// Option adjusts a Config after the environment has been read.
type Option func(*Config)

// WithTargetDir overrides TARGET_DIR when dir is not empty.
func WithTargetDir(dir string) Option {
	return func(c *Config) {
		if dir != "" {
			c.TargetDir = dir
		}
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig(opts ...Option) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values envconfig cannot check on its own.
func (c *Config) Validate() error {
	if c.TargetDir == "" {
		return fmt.Errorf("TARGET_DIR must not be empty")
	}

	switch c.ResumeStore {
	case ResumeStoreSQLite, ResumeStoreFile:
	default:
		return fmt.Errorf("invalid RESUME_STORE %q: must be %q or %q", c.ResumeStore, ResumeStoreSQLite, ResumeStoreFile)
	}

	if c.MaxConcurrent < 1 {
		return fmt.Errorf("invalid MAX_CONCURRENT %d: must be at least 1", c.MaxConcurrent)
	}

	if c.QueueLimit < 1 {
		return fmt.Errorf("invalid QUEUE_LIMIT %d: must be at least 1", c.QueueLimit)
	}

	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

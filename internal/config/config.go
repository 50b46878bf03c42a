package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath            string        `envconfig:"DB_PATH" default:"audiobooks.db"`
	DownloadDir       string        `envconfig:"DOWNLOAD_DIR" required:"true"`
	StreamingBaseURL  string        `envconfig:"STREAMING_BASE_URL" required:"true"`
	StreamingTimeout  time.Duration `envconfig:"STREAMING_TIMEOUT" default:"30s"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Redis struct {
		URL      string `split_words:"true" default:"localhost:6379"`
		Password string `split_words:"true"`
		DB       int    `split_words:"true" default:"0"`
	}

	Jobs struct {
		Concurrency     int           `split_words:"true" default:"10"`
		TransferTimeout time.Duration `split_words:"true" default:"30m"`
		Retention       time.Duration `split_words:"true" default:"24h"`
		MaxAttempts     int           `split_words:"true" default:"3"`
		BackoffBase     time.Duration `split_words:"true" default:"2s"`
		Timezone        string        `split_words:"true" default:"UTC"`
		// DownloadRetention is how long completed offline downloads are kept on disk.
		DownloadRetention time.Duration `split_words:"true" default:"720h"`
		// ProgressRetentionMonths is how long untouched completed chapter progress is kept.
		ProgressRetentionMonths int `split_words:"true" default:"6"`
	}

	Admin struct {
		Username string `split_words:"true" default:"admin"`
		Password string `split_words:"true"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"audiobook-backend"`
		OTLPEndpoint string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.Jobs.Concurrency < 1 {
		return nil, fmt.Errorf("JOBS_CONCURRENCY must be at least 1, got %d", cfg.Jobs.Concurrency)
	}

	if _, err := time.LoadLocation(cfg.Jobs.Timezone); err != nil {
		return nil, fmt.Errorf("invalid JOBS_TIMEZONE %q: %w", cfg.Jobs.Timezone, err)
	}

	return &cfg, nil
}

// Location returns the time zone cron schedules are evaluated in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Jobs.Timezone)
	if err != nil {
		return time.UTC
	}

	return loc
}

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

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
	AuthBaseURL string `envconfig:"AUTH_BASE_URL" default:"https://auth.itunes.apple.com"`
	BuyBaseURL  string `envconfig:"BUY_BASE_URL" default:"https://p25-buy.itunes.apple.com"`

	DownloadDir       string        `envconfig:"DOWNLOAD_DIR" required:"true"`
	ChunkSize         int64         `envconfig:"CHUNK_SIZE" default:"5242880"`
	MaxParallel       int           `envconfig:"MAX_PARALLEL" default:"10"`
	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath            string        `envconfig:"DB_PATH" default:"appfetch.db"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	// CredentialKey is the hex-encoded 32-byte key used to encrypt saved
	// account passwords at rest. Login works without it, but automatic
	// session refresh after expiry does not.
	CredentialKey   string `envconfig:"CREDENTIAL_KEY"`
	CredentialKeyID string `envconfig:"CREDENTIAL_KEY_ID" default:"v1"`

	Telemetry struct {
		Enabled bool `split_words:"true" default:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
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

	return &cfg, nil
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

package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DataDir       string `envconfig:"DATA_DIR" required:"true"`
	ModelsDir     string `envconfig:"MODELS_DIR"`
	QuarantineDir string `envconfig:"QUARANTINE_DIR"`

	MainFileName      string `envconfig:"MAIN_FILE_NAME" default:"model.gguf"`
	CompanionFileName string `envconfig:"COMPANION_FILE_NAME" default:"tokenizer.json"`

	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`
	ProgressInterval  time.Duration `envconfig:"PROGRESS_INTERVAL" default:"100ms"`

	HTTPConnectTimeout  time.Duration `envconfig:"HTTP_CONNECT_TIMEOUT" default:"30s"`
	HTTPIdleConnTimeout time.Duration `envconfig:"HTTP_IDLE_CONN_TIMEOUT" default:"90s"`

	// PartialRetention enables the sweep of abandoned partial files. Zero
	// disables it.
	PartialRetention time.Duration `envconfig:"PARTIAL_RETENTION" default:"0"`
	CleanupInterval  time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}

	Telemetry struct {
		Enabled      bool   `default:"true"`
		ServiceName  string `split_words:"true" default:"artifactd"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
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

// ModelsRoot is the directory holding one subdirectory per artifact.
func (c *Config) ModelsRoot() string {
	if c.ModelsDir != "" {
		return c.ModelsDir
	}

	return filepath.Join(c.DataDir, "models")
}

// QuarantineRoot is the directory holding corrupted artifacts.
func (c *Config) QuarantineRoot() string {
	if c.QuarantineDir != "" {
		return c.QuarantineDir
	}

	return filepath.Join(c.DataDir, "quarantine")
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

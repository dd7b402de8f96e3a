package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("DATA_DIR", dataDir)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "model.gguf", cfg.MainFileName)
	assert.Equal(t, "tokenizer.json", cfg.CompanionFileName)
	assert.Equal(t, 100*time.Millisecond, cfg.ProgressInterval)
	assert.Equal(t, 30*time.Second, cfg.HTTPConnectTimeout)
	assert.Zero(t, cfg.PartialRetention)
	assert.Equal(t, "0.0.0.0:9092", cfg.Web.BindAddress)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "artifactd", cfg.Telemetry.ServiceName)

	assert.Equal(t, filepath.Join(dataDir, "models"), cfg.ModelsRoot())
	assert.Equal(t, filepath.Join(dataDir, "quarantine"), cfg.QuarantineRoot())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("DATA_DIR", "/data")
	t.Setenv("MODELS_DIR", "/mnt/models")
	t.Setenv("QUARANTINE_DIR", "/mnt/quarantine")
	t.Setenv("WEB_USERNAME", "admin")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("PARTIAL_RETENTION", "72h")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/mnt/models", cfg.ModelsRoot())
	assert.Equal(t, "/mnt/quarantine", cfg.QuarantineRoot())
	assert.Equal(t, "admin", cfg.Web.Username)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, 72*time.Hour, cfg.PartialRetention)
}

func TestLoadConfig_RequiresDataDir(t *testing.T) {
	t.Setenv("DATA_DIR", "")
	require.NoError(t, os.Unsetenv("DATA_DIR"))

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{level: "debug", want: slog.LevelDebug},
		{level: "INFO", want: slog.LevelInfo},
		{level: "Warn", want: slog.LevelWarn},
		{level: "ERROR", want: slog.LevelError},
		{level: "verbose", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			assert.Equal(t, tt.want, cfg.SlogLevel())
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Pipeline.MaxWorkers)
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.RetryDelay)
	assert.Equal(t, 1, cfg.Services.Caption.MaxConcurrency)
	assert.Equal(t, "@hourly", cfg.Cleanup.Schedule)
	assert.True(t, cfg.Cleanup.OnFailure)
}

func TestLoad_FromFile(t *testing.T) {
	doc := map[string]any{
		"server": map[string]any{"port": 9090},
		"pipeline": map[string]any{
			"max_workers":           8,
			"frame_extraction_rate": 5,
		},
		"services": map[string]any{
			"detect": map[string]any{"url": "http://gpu-1:8081", "max_concurrency": 4},
		},
	}
	raw, err := yaml.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Pipeline.MaxWorkers)
	assert.Equal(t, 5, cfg.Pipeline.FrameExtractionRate)
	assert.Equal(t, "http://gpu-1:8081", cfg.Services.Detect.URL)
	assert.Equal(t, 4, cfg.Services.Detect.MaxConcurrency)
	// Untouched keys keep defaults.
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoad_LegacyEnv(t *testing.T) {
	t.Setenv("FRAME_EXTRACTION_RATE", "7")
	t.Setenv("CAPTION_RATING_THRESHOLD", "0.75")
	t.Setenv("PIPELINE_MAX_RETRIES", "5")
	t.Setenv("CLEANUP_ON_FAILURE", "false")
	t.Setenv("CURRENT_ENV", "prod")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Pipeline.FrameExtractionRate)
	assert.InDelta(t, 0.75, cfg.Pipeline.CaptionRatingThreshold, 1e-9)
	assert.Equal(t, 5, cfg.Pipeline.MaxRetries)
	assert.False(t, cfg.Cleanup.OnFailure)
	assert.Equal(t, "prod", cfg.Storage.Environment)
	assert.Equal(t, "/srv/adscribe/artifacts", cfg.Storage.EffectiveArtifactsRoot())
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("caption concurrency is a hard contract", func(t *testing.T) {
		cfg := base(t)
		cfg.Services.Caption.MaxConcurrency = 2
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "caption.max_concurrency")
	})

	t.Run("rejects unknown driver", func(t *testing.T) {
		cfg := base(t)
		cfg.Database.Driver = "oracle"
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects empty service url", func(t *testing.T) {
		cfg := base(t)
		cfg.Services.Rating.URL = ""
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects zero workers", func(t *testing.T) {
		cfg := base(t)
		cfg.Pipeline.MaxWorkers = 0
		require.Error(t, cfg.Validate())
	})
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, uint32(100), cfg.Pipeline.BufferSize)
	require.Equal(t, uint32(3), cfg.Pipeline.RetryAttempts)
	require.Equal(t, uint64(1000), cfg.Pipeline.RetryDelayMs)
	require.Equal(t, uint32(4), cfg.Processing.ParallelWorkers)
	require.Equal(t, uint64(100), cfg.Limits.MaxFileSizeMB)
	require.Equal(t, uint32(10000), cfg.Limits.MaxImageDimension)
	require.Equal(t, "siglip-base-patch16", cfg.Embedding.Model)
	require.True(t, cfg.Thumbnail.Enabled)
	require.Equal(t, uint32(256), cfg.Thumbnail.Size)
	require.InDelta(t, 0.25, cfg.Tagging.MinConfidence, 1e-6)
	require.Equal(t, 15, cfg.Tagging.MaxTags)
	require.True(t, cfg.Tagging.DeduplicateAncestors)
	require.False(t, cfg.Tagging.ShowPaths)
	require.False(t, cfg.Tagging.Relevance.Enabled, "relevance is opt-in")
	require.Equal(t, uint64(100), cfg.Tagging.Relevance.WarmCheckInterval)
	require.InDelta(t, 0.3, cfg.Tagging.Relevance.PromotionThreshold, 1e-6)
	require.Equal(t, uint32(90), cfg.Tagging.Relevance.ActiveDemotionDays)
	require.Equal(t, uint32(50), cfg.Tagging.Relevance.WarmDemotionChecks)
	require.True(t, cfg.Tagging.Relevance.NeighborExpansion)
	require.True(t, cfg.Progressive.Enabled)
	require.Equal(t, 2000, cfg.Progressive.SeedSize)
	require.Equal(t, 1000, cfg.Progressive.ChunkSize)
}

func TestImageSizeDerivesFromModel(t *testing.T) {
	require.Equal(t, 224, Embedding{Model: "siglip-base-patch16"}.ImageSize())
	require.Equal(t, 384, Embedding{Model: "siglip-base-patch16-384"}.ImageSize())
	require.Equal(t, 384, Embedding{Model: "siglip-so400m-patch14-384"}.ImageSize())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, uint32(100), cfg.Pipeline.BufferSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photon.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[processing]
parallel_workers = 8

[tagging]
min_confidence = 0.4

[tagging.relevance]
enabled = true
warm_check_interval = 50

[embedding]
model = "siglip-base-patch16-384"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint32(8), cfg.Processing.ParallelWorkers)
	require.InDelta(t, 0.4, cfg.Tagging.MinConfidence, 1e-6)
	require.True(t, cfg.Tagging.Relevance.Enabled)
	require.Equal(t, uint64(50), cfg.Tagging.Relevance.WarmCheckInterval)
	require.Equal(t, 384, cfg.Embedding.ImageSize())
	// Untouched sections keep their defaults.
	require.Equal(t, uint32(100), cfg.Pipeline.BufferSize)
}

func TestValidateBufferSizeZero(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.BufferSize = 0
	_, err := cfg.Validate()
	require.Error(t, err, "buffer_size must be > 0")
}

func TestValidateAutoCorrects(t *testing.T) {
	cfg := Default()
	cfg.Tagging.MinConfidence = 3.5
	cfg.Tagging.MaxTags = -1
	warnings, err := cfg.Validate()
	require.NoError(t, err)
	require.NotEmpty(t, warnings)
	require.InDelta(t, 0.25, cfg.Tagging.MinConfidence, 1e-6)
	require.Equal(t, 15, cfg.Tagging.MaxTags)
}

func TestValidateUnknownProvider(t *testing.T) {
	cfg := Default()
	cfg.LLM.Enabled = true
	cfg.LLM.Provider = "carrier-pigeon"
	_, err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateWarnsUnknownModel(t *testing.T) {
	cfg := Default()
	cfg.Embedding.Model = "clip-vit-base"
	warnings, err := cfg.Validate()
	require.NoError(t, err)
	require.NotEmpty(t, warnings, "unknown model names warn about the derived image size")
}

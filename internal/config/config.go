// Package config loads and validates photon.toml. Unknown values are
// range-checked at startup; correctable problems produce warnings instead of
// aborting the run.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full photon.toml document.
type Config struct {
	Pipeline    Pipeline    `toml:"pipeline"`
	Processing  Processing  `toml:"processing"`
	Limits      Limits      `toml:"limits"`
	Embedding   Embedding   `toml:"embedding"`
	Thumbnail   Thumbnail   `toml:"thumbnail"`
	Tagging     Tagging     `toml:"tagging"`
	Progressive Progressive `toml:"progressive"`
	Models      Models      `toml:"models"`
	LLM         LLM         `toml:"llm"`
}

type Pipeline struct {
	BufferSize    uint32 `toml:"buffer_size"`
	RetryAttempts uint32 `toml:"retry_attempts"`
	RetryDelayMs  uint64 `toml:"retry_delay_ms"`
}

type Processing struct {
	ParallelWorkers uint32 `toml:"parallel_workers"`
}

type Limits struct {
	MaxFileSizeMB     uint64 `toml:"max_file_size_mb"`
	MaxImageDimension uint32 `toml:"max_image_dimension"`
	DecodeTimeoutMs   uint64 `toml:"decode_timeout_ms"`
	EmbedTimeoutMs    uint64 `toml:"embed_timeout_ms"`
	LLMTimeoutMs      uint64 `toml:"llm_timeout_ms"`
}

type Embedding struct {
	Enabled bool   `toml:"enabled"`
	Model   string `toml:"model"`
}

// ImageSize derives the model input side length from the model name. There
// is deliberately no separate image_size field to drift out of sync.
func (e Embedding) ImageSize() int {
	if strings.Contains(e.Model, "384") {
		return 384
	}
	return 224
}

type Thumbnail struct {
	Enabled bool   `toml:"enabled"`
	Size    uint32 `toml:"size"`
}

type Tagging struct {
	MinConfidence        float32   `toml:"min_confidence"`
	MaxTags              int       `toml:"max_tags"`
	DeduplicateAncestors bool      `toml:"deduplicate_ancestors"`
	ShowPaths            bool      `toml:"show_paths"`
	Relevance            Relevance `toml:"relevance"`
}

type Relevance struct {
	Enabled            bool    `toml:"enabled"`
	WarmCheckInterval  uint64  `toml:"warm_check_interval"`
	SweepInterval      uint64  `toml:"sweep_interval"`
	PromotionThreshold float32 `toml:"promotion_threshold"`
	ActiveDemotionDays uint32  `toml:"active_demotion_days"`
	WarmDemotionChecks uint32  `toml:"warm_demotion_checks"`
	NeighborExpansion  bool    `toml:"neighbor_expansion"`
}

type Progressive struct {
	Enabled   bool `toml:"enabled"`
	SeedSize  int  `toml:"seed_size"`
	ChunkSize int  `toml:"chunk_size"`
}

// Models locates the ONNX models, runtime library, vocabulary files, and the
// cache directory for the label bank and relevance state.
type Models struct {
	Dir          string `toml:"dir"`
	OrtLib       string `toml:"ort_lib"`
	Threads      int    `toml:"threads"`
	CacheDir     string `toml:"cache_dir"`
	WordNet      string `toml:"wordnet_vocab"`
	Supplemental string `toml:"supplemental_vocab"`
}

// LLM configures the optional description enrichment pass.
type LLM struct {
	Enabled   bool   `toml:"enabled"`
	Provider  string `toml:"provider"` // openai | anthropic | ollama
	Model     string `toml:"model"`
	Endpoint  string `toml:"endpoint"`
	APIKeyEnv string `toml:"api_key_env"`
	TopKTags  int    `toml:"top_k_tags"`
	Parallel  int    `toml:"parallel"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Pipeline: Pipeline{
			BufferSize:    100,
			RetryAttempts: 3,
			RetryDelayMs:  1000,
		},
		Processing: Processing{ParallelWorkers: 4},
		Limits: Limits{
			MaxFileSizeMB:     100,
			MaxImageDimension: 10000,
			DecodeTimeoutMs:   5000,
			EmbedTimeoutMs:    30000,
			LLMTimeoutMs:      60000,
		},
		Embedding: Embedding{Enabled: true, Model: "siglip-base-patch16"},
		Thumbnail: Thumbnail{Enabled: true, Size: 256},
		Tagging: Tagging{
			MinConfidence:        0.25,
			MaxTags:              15,
			DeduplicateAncestors: true,
			Relevance: Relevance{
				WarmCheckInterval:  100,
				SweepInterval:      1000,
				PromotionThreshold: 0.3,
				ActiveDemotionDays: 90,
				WarmDemotionChecks: 50,
				NeighborExpansion:  true,
			},
		},
		Progressive: Progressive{Enabled: true, SeedSize: 2000, ChunkSize: 1000},
		Models: Models{
			Dir:          "./models",
			CacheDir:     "./.photon",
			WordNet:      "./models/wordnet_nouns.txt",
			Supplemental: "./models/supplemental.txt",
		},
		LLM: LLM{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			TopKTags:  5,
			Parallel:  4,
		},
	}
}

// Load reads a TOML config file over the defaults. A missing file is not an
// error: the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate range-checks the configuration. Correctable values are reset to
// their defaults and reported as warnings; contradictions are errors.
func (c *Config) Validate() ([]string, error) {
	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	if c.Pipeline.BufferSize == 0 {
		return nil, fmt.Errorf("pipeline.buffer_size must be > 0")
	}
	if c.Processing.ParallelWorkers == 0 {
		warn("processing.parallel_workers was 0; using 4")
		c.Processing.ParallelWorkers = 4
	}
	if c.Limits.MaxFileSizeMB == 0 {
		return nil, fmt.Errorf("limits.max_file_size_mb must be > 0")
	}
	if c.Limits.MaxImageDimension == 0 {
		return nil, fmt.Errorf("limits.max_image_dimension must be > 0")
	}
	for name, v := range map[string]uint64{
		"limits.decode_timeout_ms": c.Limits.DecodeTimeoutMs,
		"limits.embed_timeout_ms":  c.Limits.EmbedTimeoutMs,
		"limits.llm_timeout_ms":    c.Limits.LLMTimeoutMs,
	} {
		if v == 0 {
			return nil, fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.Tagging.MinConfidence < 0 || c.Tagging.MinConfidence > 1 {
		warn("tagging.min_confidence %.2f out of [0,1]; using 0.25", c.Tagging.MinConfidence)
		c.Tagging.MinConfidence = 0.25
	}
	if c.Tagging.MaxTags <= 0 {
		warn("tagging.max_tags must be positive; using 15")
		c.Tagging.MaxTags = 15
	}
	if c.Tagging.Relevance.WarmCheckInterval == 0 {
		warn("tagging.relevance.warm_check_interval must be positive; using 100")
		c.Tagging.Relevance.WarmCheckInterval = 100
	}
	if c.Tagging.Relevance.SweepInterval == 0 {
		warn("tagging.relevance.sweep_interval must be positive; using 1000")
		c.Tagging.Relevance.SweepInterval = 1000
	}
	if c.Progressive.Enabled {
		if c.Progressive.SeedSize <= 0 {
			warn("progressive.seed_size must be positive; using 2000")
			c.Progressive.SeedSize = 2000
		}
		if c.Progressive.ChunkSize <= 0 {
			warn("progressive.chunk_size must be positive; using 1000")
			c.Progressive.ChunkSize = 1000
		}
	}
	if c.Thumbnail.Enabled && c.Thumbnail.Size == 0 {
		warn("thumbnail.size must be positive; using 256")
		c.Thumbnail.Size = 256
	}
	if c.LLM.Enabled {
		switch c.LLM.Provider {
		case "openai", "anthropic", "ollama":
		default:
			return nil, fmt.Errorf("llm.provider %q not recognized (want openai, anthropic, or ollama)", c.LLM.Provider)
		}
		if c.LLM.Parallel <= 0 {
			warn("llm.parallel must be positive; using 4")
			c.LLM.Parallel = 4
		}
	}
	if !strings.Contains(c.Embedding.Model, "siglip") {
		warn("embedding.model %q is not a known SigLIP variant; image size defaults to %d",
			c.Embedding.Model, c.Embedding.ImageSize())
	}
	return warnings, nil
}

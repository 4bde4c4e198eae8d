package searchengine

import (
	"github.com/kestrelnotes/vecsync/pkg/envutil"
	"github.com/kestrelnotes/vecsync/pkg/hnsw"
)

// Config holds the tunable parameters of an Engine.
type Config struct {
	EfSearch       int
	EfConstruction int
	Alpha          float64 // sparse-fusion weight; 1.0 disables sparse fusion
	CacheSize      int
}

// DefaultConfig returns the balanced-preset defaults from §4.2.
func DefaultConfig() Config {
	return Config{
		EfSearch:       50,
		EfConstruction: 200,
		Alpha:          1.0,
		CacheSize:      128,
	}
}

// ConfigFromEnv loads a Config from a named ANN quality preset plus
// fine-grained overrides, following the teacher's envutil conventions.
// The preset sets EfSearch and EfConstruction only; the preset's M is not
// carried over (see graphConfig).
//
// Environment variables:
//   - VECSYNC_ANN_QUALITY: fast|balanced|accurate (default: balanced)
//   - VECSYNC_EF_SEARCH: override the search-time candidate budget
//   - VECSYNC_ALPHA: override the sparse-fusion weight
//   - VECSYNC_CACHE_SIZE: override the LRU cache bound
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	preset := hnsw.QualityPreset(envutil.Get("VECSYNC_ANN_QUALITY", string(hnsw.QualityBalanced)))
	switch preset {
	case hnsw.QualityFast:
		cfg.EfSearch = 30
	case hnsw.QualityAccurate:
		cfg.EfSearch = 100
	}
	graphCfg := hnsw.PresetConfig(preset)
	cfg.EfConstruction = graphCfg.EfConstruction

	if ef := envutil.GetInt("VECSYNC_EF_SEARCH", 0); ef > 0 {
		cfg.EfSearch = ef
	}
	if a := envutil.GetFloat("VECSYNC_ALPHA", -1); a >= 0 {
		cfg.Alpha = a
	}
	if cs := envutil.GetInt("VECSYNC_CACHE_SIZE", 0); cs > 0 {
		cfg.CacheSize = cs
	}
	return cfg
}

// graphConfig derives the hnsw.Config used to build the underlying graph.
// Only EfConstruction comes from c; M and LevelMultiplier are always those
// of hnsw.DefaultConfig, whatever quality preset was selected.
func (c Config) graphConfig() hnsw.Config {
	cfg := hnsw.DefaultConfig()
	cfg.EfConstruction = c.EfConstruction
	return cfg
}

package hnsw

import (
	"math"

	"github.com/kestrelnotes/vecsync/pkg/envutil"
)

// Config holds the tunable parameters of a Graph.
type Config struct {
	M               int     // base degree per node per layer (default 16)
	EfConstruction  int     // candidate list size during insert (default 200)
	LevelMultiplier float64 // mL = 1/ln(M), scales the level-assignment draw
}

// DefaultConfig returns the "balanced" preset.
func DefaultConfig() Config {
	return Config{
		M:               16,
		EfConstruction:  200,
		LevelMultiplier: 1.0 / math.Log(16.0),
	}
}

// QualityPreset selects a bundle of {M, EfConstruction} and, via
// searchengine.Config, a matching EfSearch. Mirrors the teacher's
// HNSWQualityPreset tiers.
type QualityPreset string

const (
	QualityFast     QualityPreset = "fast"
	QualityBalanced QualityPreset = "balanced"
	QualityAccurate QualityPreset = "accurate"
)

// PresetConfig returns the Graph Config for a named quality preset, falling
// back to "balanced" for unknown or empty input.
func PresetConfig(preset QualityPreset) Config {
	switch preset {
	case QualityFast:
		return Config{M: 16, EfConstruction: 100, LevelMultiplier: 1.0 / math.Log(16.0)}
	case QualityAccurate:
		return Config{M: 32, EfConstruction: 400, LevelMultiplier: 1.0 / math.Log(32.0)}
	case QualityBalanced:
		fallthrough
	default:
		return DefaultConfig()
	}
}

// ConfigFromEnv loads a Graph Config from VECSYNC_ANN_QUALITY plus optional
// fine-grained overrides, following the teacher's HNSWConfigFromEnv pattern.
//
// Environment variables:
//   - VECSYNC_ANN_QUALITY: fast|balanced|accurate (default: balanced)
//   - VECSYNC_HNSW_M: override base degree
//   - VECSYNC_HNSW_EF_CONSTRUCTION: override construction candidate budget
func ConfigFromEnv() Config {
	preset := QualityPreset(envutil.Get("VECSYNC_ANN_QUALITY", string(QualityBalanced)))
	cfg := PresetConfig(preset)

	if m := envutil.GetInt("VECSYNC_HNSW_M", 0); m > 0 {
		cfg.M = m
		cfg.LevelMultiplier = 1.0 / math.Log(float64(m))
	}
	if ef := envutil.GetInt("VECSYNC_HNSW_EF_CONSTRUCTION", 0); ef > 0 {
		cfg.EfConstruction = ef
	}
	return cfg
}

// Mmax returns the maximum degree for layer 0 (2M) or the base degree M for
// any layer above 0, per the standard HNSW parameterization.
func (c Config) Mmax(layer int) int {
	if layer == 0 {
		return 2 * c.M
	}
	return c.M
}

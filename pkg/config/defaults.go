// Package config provides configuration loading and validation for the mapfree pipeline.
package config

import "time"

// Processing tier names.
const (
	TierHigh    = "HIGH"
	TierMedium  = "MEDIUM"
	TierLow     = "LOW"
	TierCPUSafe = "CPU_SAFE"
)

// Quality preset names.
const (
	QualityHigh   = "high"
	QualityMedium = "medium"
	QualityLow    = "low"
)

// Chunking defaults.
const (
	defaultMaxImagesPerChunk = 250
	defaultMemoryMultiplier  = 1.0
)

// Dense stage defaults.
const (
	defaultRetryCount           = 2
	defaultWatchdogThreshold    = 0.9
	defaultWatchdogPollInterval = 5 * time.Second
	defaultWatchdogDownscale    = 0.75
)

// COLMAP mapper defaults.
const (
	defaultMapperBAGlobalMaxIter = 30
	defaultMapperBALocalMaxIter  = 20
)

// Geospatial defaults.
const (
	defaultDTMResolution = 0.05
)

// Quality recommendation VRAM floors, in MB.
const (
	vramFloorQualityHigh   = 6144
	vramFloorQualityMedium = 2560
)

// DefaultProfiles returns the built-in processing tier table. Callers
// get a fresh map on every call and may mutate it freely.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		TierHigh: {
			Name:         TierHigh,
			MaxImageSize: 3200,
			MaxFeatures:  16384,
			Matcher:      "sequential",
			UseGPU:       true,
		},
		TierMedium: {
			Name:         TierMedium,
			MaxImageSize: 2400,
			MaxFeatures:  8192,
			Matcher:      "sequential",
			UseGPU:       true,
		},
		TierLow: {
			Name:         TierLow,
			MaxImageSize: 1600,
			MaxFeatures:  8000,
			Matcher:      "exhaustive",
			UseGPU:       true,
		},
		TierCPUSafe: {
			Name:         TierCPUSafe,
			MaxImageSize: 1600,
			MaxFeatures:  8000,
			Matcher:      "exhaustive",
			UseGPU:       false,
		},
	}
}

// DefaultChunkSizes returns the built-in per-tier chunk size table.
func DefaultChunkSizes() map[string]int {
	return map[string]int{
		TierHigh:    400,
		TierMedium:  250,
		TierLow:     150,
		TierCPUSafe: 100,
	}
}

// DownscaleForQuality maps a quality preset to its image downscale
// divisor. Unknown presets map to the medium divisor.
func DownscaleForQuality(quality string) int {
	switch quality {
	case QualityHigh:
		return 1
	case QualityMedium:
		return 2
	case QualityLow:
		return 4
	default:
		return 2
	}
}

// ValidQuality reports whether quality names a known preset.
func ValidQuality(quality string) bool {
	return quality == QualityHigh || quality == QualityMedium || quality == QualityLow
}

// RecommendQuality picks a quality preset from available VRAM.
func RecommendQuality(vramMB int) string {
	switch {
	case vramMB >= vramFloorQualityHigh:
		return QualityHigh
	case vramMB >= vramFloorQualityMedium:
		return QualityMedium
	default:
		return QualityLow
	}
}

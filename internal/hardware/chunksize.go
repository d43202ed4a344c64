package hardware

import (
	"os"
	"strconv"
	"strings"

	"github.com/Sumatoshi-tech/mapfree/pkg/config"
)

// EnvChunkSize overrides the resolved chunk size when set.
const EnvChunkSize = "MAPFREE_CHUNK_SIZE"

// Chunk size recommendation needs both headroom dimensions: enough VRAM
// for the tier and enough RAM to merge the per-chunk models.
const (
	ramFloorHighGB   = 16
	ramFloorMediumGB = 8
	ramFloorLowGB    = 4

	assumedRAMGB = 8
)

// RecommendChunkSize picks a chunk size from VRAM and RAM using the
// configured per-tier table, scaled by the memory multiplier. Unknown
// RAM assumes a mid-range host rather than the floor, since chunk size
// only bounds merge memory and a too-small chunk wastes alignment work.
func RecommendChunkSize(cfg *config.Config, vramMB int, ramGB float64) int {
	multiplier := 1.0
	if cfg != nil && cfg.MemoryMultiplier > 0 {
		multiplier = cfg.MemoryMultiplier
	}

	if ramGB <= 0 {
		ramGB = assumedRAMGB
	}

	var tier string

	switch {
	case vramMB >= vramFloorHigh && ramGB >= ramFloorHighGB:
		tier = config.TierHigh
	case vramMB >= vramFloorMedium && ramGB >= ramFloorMediumGB:
		tier = config.TierMedium
	case vramMB >= vramFloorLow && ramGB >= ramFloorLowGB:
		tier = config.TierLow
	default:
		tier = config.TierCPUSafe
	}

	base := lookupChunkSize(cfg, tier)

	return max(1, int(float64(base)*multiplier))
}

// ResolveChunkSize resolves the effective chunk size in priority order:
// explicit override, configured chunk_size, configured
// max_images_per_chunk, the MAPFREE_CHUNK_SIZE env var, and finally the
// hardware recommendation. Zero means unset at every level.
func ResolveChunkSize(cfg *config.Config, override, vramMB int, ramGB float64) int {
	if override > 0 {
		return override
	}

	if cfg != nil {
		if cfg.ChunkSize > 0 {
			return cfg.ChunkSize
		}

		if cfg.MaxImagesPerChunk > 0 {
			return cfg.MaxImagesPerChunk
		}
	}

	if envVal := strings.TrimSpace(os.Getenv(EnvChunkSize)); envVal != "" {
		parsed, err := strconv.Atoi(envVal)
		if err == nil {
			return max(1, parsed)
		}
	}

	return RecommendChunkSize(cfg, vramMB, ramGB)
}

func lookupChunkSize(cfg *config.Config, tier string) int {
	if cfg != nil {
		if size, ok := cfg.ChunkSizes[tier]; ok {
			return size
		}

		if size, ok := cfg.ChunkSizes[strings.ToLower(tier)]; ok {
			return size
		}
	}

	return config.DefaultChunkSizes()[tier]
}

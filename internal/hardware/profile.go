package hardware

import (
	"strings"

	"github.com/Sumatoshi-tech/mapfree/pkg/config"
)

// VRAM floors for profile selection, in MB.
const (
	vramFloorHigh   = 4096
	vramFloorMedium = 2048
	vramFloorLow    = 1024
)

// TierForVRAM maps detected VRAM to a processing tier name.
func TierForVRAM(vramMB int) string {
	switch {
	case vramMB >= vramFloorHigh:
		return config.TierHigh
	case vramMB >= vramFloorMedium:
		return config.TierMedium
	case vramMB >= vramFloorLow:
		return config.TierLow
	default:
		return config.TierCPUSafe
	}
}

// SelectProfile picks the processing profile for the detected VRAM from
// the configured tier table, falling back to the built-in table for
// missing tiers. The returned value is a copy and safe to mutate.
func SelectProfile(cfg *config.Config, vramMB int) config.Profile {
	return lookupProfile(cfg, TierForVRAM(vramMB))
}

// ForcedProfile resolves a caller-forced tier. Known tiers map to a
// representative VRAM value so the selection path stays uniform;
// anything else resolves to the most conservative tier but keeps the
// forced name, matching what the caller asked for in later reporting.
func ForcedProfile(cfg *config.Config, tier string) config.Profile {
	var representativeVRAM int

	switch strings.ToUpper(tier) {
	case config.TierHigh:
		representativeVRAM = vramFloorHigh
	case config.TierMedium:
		representativeVRAM = vramFloorMedium
	case config.TierLow:
		representativeVRAM = vramFloorLow
	default:
		representativeVRAM = 0
	}

	profile := SelectProfile(cfg, representativeVRAM)
	profile.Name = tier

	return profile
}

// lookupProfile reads a tier from the configured table. Viper lowercases
// map keys, so both spellings are tried before the built-in fallback.
func lookupProfile(cfg *config.Config, tier string) config.Profile {
	if cfg != nil {
		if profile, ok := cfg.Profiles[tier]; ok {
			return profile
		}

		if profile, ok := cfg.Profiles[strings.ToLower(tier)]; ok {
			return profile
		}
	}

	return config.DefaultProfiles()[tier]
}

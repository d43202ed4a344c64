package engine

import (
	"log/slog"

	"github.com/Sumatoshi-tech/mapfree/internal/engine/colmap"
	"github.com/Sumatoshi-tech/mapfree/internal/engine/openmvs"
	"github.com/Sumatoshi-tech/mapfree/pkg/config"
)

var (
	_ Engine         = (*colmap.Engine)(nil)
	_ ModelMerger    = (*colmap.Engine)(nil)
	_ ModelConverter = (*colmap.Engine)(nil)
	_ Engine         = (*openmvs.Engine)(nil)
	_ ModelMerger    = (*openmvs.Engine)(nil)
	_ ModelConverter = (*openmvs.Engine)(nil)
)

// KindFromConfig maps the configured dense engine selector onto a Kind.
func KindFromConfig(cfg *config.Config) Kind {
	if cfg != nil && config.NormalizeDenseEngine(cfg.DenseEngine) == config.EngineOpenMVS {
		return KindOpenMVS
	}

	return KindColmap
}

// New builds the engine for kind. Unknown kinds fall back to COLMAP, the
// reference backend.
func New(kind Kind, cfg *config.Config, logger *slog.Logger) Engine {
	switch kind {
	case KindOpenMVS:
		return openmvs.New(cfg, logger)
	default:
		return colmap.New(cfg, logger)
	}
}

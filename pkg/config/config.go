// Package config provides configuration loading and validation for the mapfree pipeline.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Sentinel validation errors.
var (
	ErrInvalidRetryCount       = errors.New("retry count must not be negative")
	ErrInvalidThreshold        = errors.New("watchdog threshold must be in (0, 1]")
	ErrInvalidPollInterval     = errors.New("watchdog poll interval must be positive")
	ErrInvalidDownscaleFactor  = errors.New("watchdog downscale factor must be in (0, 1)")
	ErrInvalidChunkSize        = errors.New("chunk size must not be negative")
	ErrInvalidMultiplier       = errors.New("memory multiplier must be positive")
	ErrInvalidDTMResolution    = errors.New("dtm resolution must be positive")
	ErrInvalidProfileTable     = errors.New("profile table entry is invalid")
	ErrUnknownDenseEngine      = errors.New("unknown dense engine")
	ErrInvalidMapperIterations = errors.New("mapper bundle adjustment iterations must be positive")
)

// Dense engine selector values.
const (
	EngineColmap  = "colmap"
	EngineOpenMVS = "openmvs"
)

// Profile describes one processing tier. The pipeline selects a profile
// from detected hardware, stamps the quality downscale on it, and the
// dense retry loop may shrink MaxImageSize in place afterwards.
type Profile struct {
	Name         string `mapstructure:"profile"        yaml:"profile"`
	Matcher      string `mapstructure:"matcher"        yaml:"matcher"`
	Quality      string `mapstructure:"quality"        yaml:"quality,omitempty"`
	MaxImageSize int    `mapstructure:"max_image_size" yaml:"max_image_size"`
	MaxFeatures  int    `mapstructure:"max_features"   yaml:"max_features"`
	Downscale    int    `mapstructure:"downscale"      yaml:"downscale,omitempty"`
	UseGPU       bool   `mapstructure:"use_gpu"        yaml:"use_gpu"`
}

// WatchdogConfig holds VRAM watchdog tuning.
type WatchdogConfig struct {
	Threshold       float64       `mapstructure:"threshold"        yaml:"threshold"`
	PollInterval    time.Duration `mapstructure:"poll_interval"    yaml:"poll_interval"`
	DownscaleFactor float64       `mapstructure:"downscale_factor" yaml:"downscale_factor"`
}

// ColmapConfig holds COLMAP mapper tuning.
type ColmapConfig struct {
	MapperBAGlobalMaxIter int `mapstructure:"mapper_ba_global_max_iter" yaml:"mapper_ba_global_max_iter"`
	MapperBALocalMaxIter  int `mapstructure:"mapper_ba_local_max_iter"  yaml:"mapper_ba_local_max_iter"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Dir    string `mapstructure:"dir"    yaml:"dir"`
}

// ObservabilityConfig holds telemetry export configuration.
type ObservabilityConfig struct {
	ServiceName  string `mapstructure:"service_name"  yaml:"service_name"`
	MetricsAddr  string `mapstructure:"metrics_addr"  yaml:"metrics_addr"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	Enabled      bool   `mapstructure:"enabled"       yaml:"enabled"`
}

// GeospatialConfig holds raster product configuration.
type GeospatialConfig struct {
	Enabled        bool    `mapstructure:"enabled"          yaml:"enabled"`
	DTMResolution  float64 `mapstructure:"dtm_resolution"   yaml:"dtm_resolution"`
	AutoDetectEPSG bool    `mapstructure:"auto_detect_epsg" yaml:"auto_detect_epsg"`
	TargetEPSG     int     `mapstructure:"target_epsg"      yaml:"target_epsg"`
}

// Config holds all configuration for a mapfree run.
//
// Zero means "unset" for ChunkSize and TargetEPSG; the resolution helpers
// fall through to the next source in their priority chain.
type Config struct {
	Profiles   map[string]Profile `mapstructure:"profiles"    yaml:"profiles"`
	ChunkSizes map[string]int     `mapstructure:"chunk_sizes" yaml:"chunk_sizes"`

	ChunkSize         int     `mapstructure:"chunk_size"           yaml:"chunk_size"`
	MaxImagesPerChunk int     `mapstructure:"max_images_per_chunk" yaml:"max_images_per_chunk"`
	MemoryMultiplier  float64 `mapstructure:"memory_multiplier"    yaml:"memory_multiplier"`
	ProfileOverride   string  `mapstructure:"profile_override"     yaml:"profile_override"`
	RetryCount        int     `mapstructure:"retry_count"          yaml:"retry_count"`
	DenseEngine       string  `mapstructure:"dense_engine"         yaml:"dense_engine"`

	VRAMWatchdog  WatchdogConfig      `mapstructure:"vram_watchdog" yaml:"vram_watchdog"`
	Colmap        ColmapConfig        `mapstructure:"colmap"        yaml:"colmap"`
	Geospatial    GeospatialConfig    `mapstructure:"geospatial"    yaml:"geospatial"`
	Logging       LoggingConfig       `mapstructure:"logging"       yaml:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// Load loads configuration from an optional YAML file and environment
// variables. Environment variables use the MAPFREE_ prefix with dots
// replaced by underscores, e.g. MAPFREE_CHUNK_SIZE or
// MAPFREE_VRAM_WATCHDOG_THRESHOLD. An empty configPath falls back to
// the MAPFREE_CONFIG env var, then to config.yaml in the usual places.
func Load(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	viperCfg.SetEnvPrefix("MAPFREE")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Legacy flat env names kept from earlier releases.
	_ = viperCfg.BindEnv("logging.level", "MAPFREE_LOG_LEVEL")
	_ = viperCfg.BindEnv("logging.dir", "MAPFREE_LOG_DIR")

	if configPath == "" {
		configPath = viperCfg.GetString("config")
	}

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("$HOME/.mapfree")
		viperCfg.AddConfigPath("/etc/mapfree")
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	config.DenseEngine = NormalizeDenseEngine(config.DenseEngine)

	validateErr := validateConfig(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// Default returns the built-in configuration without consulting files or
// the environment.
func Default() *Config {
	return &Config{
		Profiles:          DefaultProfiles(),
		ChunkSizes:        DefaultChunkSizes(),
		ChunkSize:         0,
		MaxImagesPerChunk: defaultMaxImagesPerChunk,
		MemoryMultiplier:  defaultMemoryMultiplier,
		RetryCount:        defaultRetryCount,
		DenseEngine:       EngineColmap,
		VRAMWatchdog: WatchdogConfig{
			Threshold:       defaultWatchdogThreshold,
			PollInterval:    defaultWatchdogPollInterval,
			DownscaleFactor: defaultWatchdogDownscale,
		},
		Colmap: ColmapConfig{
			MapperBAGlobalMaxIter: defaultMapperBAGlobalMaxIter,
			MapperBALocalMaxIter:  defaultMapperBALocalMaxIter,
		},
		Geospatial: GeospatialConfig{
			Enabled:        true,
			DTMResolution:  defaultDTMResolution,
			AutoDetectEPSG: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Dir:    "",
		},
		Observability: ObservabilityConfig{
			ServiceName: "mapfree",
		},
	}
}

// NormalizeDenseEngine lowercases and trims the selector, falling back
// to the COLMAP engine for anything unrecognized.
func NormalizeDenseEngine(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized != EngineColmap && normalized != EngineOpenMVS {
		return EngineColmap
	}

	return normalized
}

// YAML renders the effective configuration as YAML.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}

	return data, nil
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	// Chunking defaults.
	viperCfg.SetDefault("chunk_size", 0)
	viperCfg.SetDefault("max_images_per_chunk", defaultMaxImagesPerChunk)
	viperCfg.SetDefault("memory_multiplier", defaultMemoryMultiplier)

	for tier, size := range DefaultChunkSizes() {
		viperCfg.SetDefault("chunk_sizes."+strings.ToLower(tier), size)
	}

	// Profile table defaults.
	viperCfg.SetDefault("profile_override", "")

	for tier, profile := range DefaultProfiles() {
		prefix := "profiles." + strings.ToLower(tier) + "."
		viperCfg.SetDefault(prefix+"profile", profile.Name)
		viperCfg.SetDefault(prefix+"max_image_size", profile.MaxImageSize)
		viperCfg.SetDefault(prefix+"max_features", profile.MaxFeatures)
		viperCfg.SetDefault(prefix+"matcher", profile.Matcher)
		viperCfg.SetDefault(prefix+"use_gpu", profile.UseGPU)
	}

	// Dense stage defaults.
	viperCfg.SetDefault("retry_count", defaultRetryCount)
	viperCfg.SetDefault("dense_engine", EngineColmap)
	viperCfg.SetDefault("vram_watchdog.threshold", defaultWatchdogThreshold)
	viperCfg.SetDefault("vram_watchdog.poll_interval", defaultWatchdogPollInterval)
	viperCfg.SetDefault("vram_watchdog.downscale_factor", defaultWatchdogDownscale)

	// COLMAP mapper defaults.
	viperCfg.SetDefault("colmap.mapper_ba_global_max_iter", defaultMapperBAGlobalMaxIter)
	viperCfg.SetDefault("colmap.mapper_ba_local_max_iter", defaultMapperBALocalMaxIter)

	// Geospatial defaults.
	viperCfg.SetDefault("geospatial.enabled", true)
	viperCfg.SetDefault("geospatial.dtm_resolution", defaultDTMResolution)
	viperCfg.SetDefault("geospatial.auto_detect_epsg", true)
	viperCfg.SetDefault("geospatial.target_epsg", 0)

	// Logging defaults.
	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "text")
	viperCfg.SetDefault("logging.dir", "")

	// Observability defaults.
	viperCfg.SetDefault("observability.enabled", false)
	viperCfg.SetDefault("observability.service_name", "mapfree")
	viperCfg.SetDefault("observability.metrics_addr", "")
	viperCfg.SetDefault("observability.otlp_endpoint", "")
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if config.RetryCount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRetryCount, config.RetryCount)
	}

	if config.VRAMWatchdog.Threshold <= 0 || config.VRAMWatchdog.Threshold > 1 {
		return fmt.Errorf("%w: %g", ErrInvalidThreshold, config.VRAMWatchdog.Threshold)
	}

	if config.VRAMWatchdog.PollInterval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPollInterval, config.VRAMWatchdog.PollInterval)
	}

	if config.VRAMWatchdog.DownscaleFactor <= 0 || config.VRAMWatchdog.DownscaleFactor >= 1 {
		return fmt.Errorf("%w: %g", ErrInvalidDownscaleFactor, config.VRAMWatchdog.DownscaleFactor)
	}

	if config.ChunkSize < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, config.ChunkSize)
	}

	if config.MaxImagesPerChunk < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, config.MaxImagesPerChunk)
	}

	if config.MemoryMultiplier <= 0 {
		return fmt.Errorf("%w: %g", ErrInvalidMultiplier, config.MemoryMultiplier)
	}

	if config.Geospatial.DTMResolution <= 0 {
		return fmt.Errorf("%w: %g", ErrInvalidDTMResolution, config.Geospatial.DTMResolution)
	}

	if config.DenseEngine != EngineColmap && config.DenseEngine != EngineOpenMVS {
		return fmt.Errorf("%w: %q", ErrUnknownDenseEngine, config.DenseEngine)
	}

	if config.Colmap.MapperBAGlobalMaxIter <= 0 || config.Colmap.MapperBALocalMaxIter <= 0 {
		return fmt.Errorf("%w: global %d, local %d", ErrInvalidMapperIterations,
			config.Colmap.MapperBAGlobalMaxIter, config.Colmap.MapperBALocalMaxIter)
	}

	for tier, profile := range config.Profiles {
		if profile.MaxImageSize <= 0 || profile.MaxFeatures <= 0 {
			return fmt.Errorf("%w: tier %q", ErrInvalidProfileTable, tier)
		}
	}

	return nil
}

// Package config loads application configuration from an optional config file
// and the environment.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	AzureMaps AzureMapsConfig `yaml:"azuremaps" mapstructure:"azuremaps"`
	Workbook  WorkbookConfig  `yaml:"workbook" mapstructure:"workbook"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// AzureMapsConfig configures the batch geocoding client. Key is read from the
// AZURE_MAPS_KEY environment variable.
type AzureMapsConfig struct {
	Key             string  `yaml:"key" mapstructure:"key"`
	BaseURL         string  `yaml:"base_url" mapstructure:"base_url"`
	APIVersion      string  `yaml:"api_version" mapstructure:"api_version"`
	CountrySet      string  `yaml:"country_set" mapstructure:"country_set"`
	BatchSize       int     `yaml:"batch_size" mapstructure:"batch_size"`
	PollFloorSecs   int     `yaml:"poll_floor_secs" mapstructure:"poll_floor_secs"`
	PollCapSecs     int     `yaml:"poll_cap_secs" mapstructure:"poll_cap_secs"`
	PollTimeoutSecs int     `yaml:"poll_timeout_secs" mapstructure:"poll_timeout_secs"`
	RateLimit       float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// Validate checks that the credential is present. It runs before any network
// activity so a missing key never reaches the service.
func (c AzureMapsConfig) Validate() error {
	if c.Key == "" {
		return eris.New("config: AZURE_MAPS_KEY environment variable is not set")
	}
	return nil
}

// WorkbookConfig names the input file, sheet and columns.
type WorkbookConfig struct {
	Path             string `yaml:"path" mapstructure:"path"`
	Sheet            string `yaml:"sheet" mapstructure:"sheet"`
	AddressColumn    string `yaml:"address_column" mapstructure:"address_column"`
	LatColumn        string `yaml:"lat_column" mapstructure:"lat_column"`
	LonColumn        string `yaml:"lon_column" mapstructure:"lon_column"`
	StatusColumn     string `yaml:"status_column" mapstructure:"status_column"`
	ConfidenceColumn string `yaml:"confidence_column" mapstructure:"confidence_column"`
}

// CacheConfig configures the local geocode result cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
	TTLDays int    `yaml:"ttl_days" mapstructure:"ttl_days"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LOCATIONS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The credential keeps its historical variable name.
	if err := v.BindEnv("azuremaps.key", "AZURE_MAPS_KEY", "LOCATIONS_AZUREMAPS_KEY"); err != nil {
		return nil, eris.Wrap(err, "config: bind credential env")
	}

	// Defaults
	v.SetDefault("azuremaps.base_url", "https://atlas.microsoft.com/search/address/batch/json")
	v.SetDefault("azuremaps.api_version", "1.0")
	v.SetDefault("azuremaps.country_set", "US")
	v.SetDefault("azuremaps.batch_size", 100)
	v.SetDefault("azuremaps.poll_floor_secs", 2)
	v.SetDefault("azuremaps.poll_cap_secs", 15)
	v.SetDefault("azuremaps.poll_timeout_secs", 1800)
	v.SetDefault("azuremaps.rate_limit", 5)
	v.SetDefault("workbook.path", "Locations_geocode_ready.xlsx")
	v.SetDefault("workbook.sheet", "Locations")
	v.SetDefault("workbook.address_column", "FullAddress")
	v.SetDefault("workbook.lat_column", "Lat")
	v.SetDefault("workbook.lon_column", "Long")
	v.SetDefault("workbook.status_column", "MatchStatus")
	v.SetDefault("workbook.confidence_column", "Confidence")
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.path", "geocode_cache.db")
	v.SetDefault("cache.ttl_days", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

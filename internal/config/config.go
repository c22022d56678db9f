package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/edgewatt/tibberlink/internal/tibber"
)

// Config holds all configuration for the client daemon
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	DataAPI  DataAPIConfig  `mapstructure:"data_api"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type APIConfig struct {
	Endpoint       string  `mapstructure:"endpoint"`
	AccessToken    string  `mapstructure:"access_token"`
	UserAgent      string  `mapstructure:"user_agent"`
	Timeout        int     `mapstructure:"timeout"` // seconds per attempt
	Retries        int     `mapstructure:"retries"`
	RateLimit      float64 `mapstructure:"rate_limit"` // requests per second
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	TimeZone       string  `mapstructure:"time_zone"`
}

type DataAPIConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	UserInfoURL    string  `mapstructure:"userinfo_url"`
	Timeout        int     `mapstructure:"timeout"`
	Retries        int     `mapstructure:"retries"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	CacheSize      int     `mapstructure:"cache_size"`
	CacheTTL       int     `mapstructure:"cache_ttl"` // seconds
}

type RealtimeConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// HomeIDs restricts the live feed to specific homes. Empty means every
	// active home of the account.
	HomeIDs []string `mapstructure:"home_ids"`
}

type MetricsConfig struct {
	// Addr is the listen address of the Prometheus endpoint. Empty disables
	// the listener.
	Addr string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// First unmarshal into a map to handle type conversions
	var rawConfig map[string]interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw config: %w", err)
	}

	// Convert the map to YAML again
	data, err = yaml.Marshal(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw config: %w", err)
	}

	// Expand environment variables
	expandedData := os.ExpandEnv(string(data))

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadConfig(strings.NewReader(expandedData)); err != nil {
		return nil, fmt.Errorf("failed to read expanded config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.endpoint", tibber.DefaultAPIEndpoint)
	v.SetDefault("api.timeout", 10)
	v.SetDefault("api.retries", 2)
	v.SetDefault("api.rate_limit", 5.0)
	v.SetDefault("api.rate_limit_burst", 10)
	v.SetDefault("api.time_zone", "UTC")

	v.SetDefault("data_api.base_url", tibber.DefaultDataAPIEndpoint)
	v.SetDefault("data_api.userinfo_url", tibber.DefaultUserInfoEndpoint)
	v.SetDefault("data_api.timeout", 10)
	v.SetDefault("data_api.retries", 3)
	v.SetDefault("data_api.rate_limit", 5.0)
	v.SetDefault("data_api.rate_limit_burst", 10)
	v.SetDefault("data_api.cache_size", 100)
	v.SetDefault("data_api.cache_ttl", 300)

	v.SetDefault("realtime.enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

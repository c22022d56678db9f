package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgewatt/tibberlink/internal/tibber"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
api:
  endpoint: "https://api.example.com/gql"
  access_token: "test-token"
  user_agent: "HomeAssistant/2024.8"
  timeout: 15
  rate_limit: 2.5
  time_zone: "Europe/Oslo"

data_api:
  base_url: "https://data.example.com"
  cache_size: 50
  cache_ttl: 60

realtime:
  enabled: true
  home_ids:
    - "96a14971-525a-4420-aae9-e5aedaa129ff"

logging:
  level: "debug"
  format: "json"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	assert.NoError(t, err)

	// Test loading configuration
	config, err := Load(configPath)
	assert.NoError(t, err)
	assert.NotNil(t, config)

	// Verify loaded values
	assert.Equal(t, "https://api.example.com/gql", config.API.Endpoint)
	assert.Equal(t, "test-token", config.API.AccessToken)
	assert.Equal(t, "HomeAssistant/2024.8", config.API.UserAgent)
	assert.Equal(t, 15, config.API.Timeout)
	assert.Equal(t, 2.5, config.API.RateLimit)
	assert.Equal(t, "Europe/Oslo", config.API.TimeZone)
	assert.Equal(t, "https://data.example.com", config.DataAPI.BaseURL)
	assert.Equal(t, 50, config.DataAPI.CacheSize)
	assert.True(t, config.Realtime.Enabled)
	assert.Equal(t, []string{"96a14971-525a-4420-aae9-e5aedaa129ff"}, config.Realtime.HomeIDs)
	assert.Equal(t, "debug", config.Logging.Level)
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
api:
  access_token: "test-token"
  user_agent: "test-agent"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	assert.NoError(t, err)

	config, err := Load(configPath)
	assert.NoError(t, err)
	assert.NotNil(t, config)

	// Keys absent from the file fall back to the defaults
	assert.Equal(t, tibber.DefaultAPIEndpoint, config.API.Endpoint)
	assert.Equal(t, 10, config.API.Timeout)
	assert.Equal(t, 2, config.API.Retries)
	assert.Equal(t, tibber.DefaultDataAPIEndpoint, config.DataAPI.BaseURL)
	assert.Equal(t, tibber.DefaultUserInfoEndpoint, config.DataAPI.UserInfoURL)
	assert.Equal(t, 3, config.DataAPI.Retries)
	assert.Equal(t, 300, config.DataAPI.CacheTTL)
	assert.True(t, config.Realtime.Enabled)
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
}

func TestLoadWithEnvOverride(t *testing.T) {
	// Set environment variables
	t.Setenv("TIBBER_TOKEN", "secret-from-env")
	t.Setenv("TIBBER_ENDPOINT", "https://api.example.com/gql")

	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
api:
  endpoint: $TIBBER_ENDPOINT
  access_token: ${TIBBER_TOKEN}
  user_agent: "test-agent"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	assert.NoError(t, err)

	// Test loading configuration
	config, err := Load(configPath)
	assert.NoError(t, err)
	assert.NotNil(t, config)

	// Verify environment variables override config file
	assert.Equal(t, "secret-from-env", config.API.AccessToken)
	assert.Equal(t, "https://api.example.com/gql", config.API.Endpoint)
}

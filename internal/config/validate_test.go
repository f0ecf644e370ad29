package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty app name", func(c *Config) { c.AppName = "" }, "app_name"},
		{"empty storage", func(c *Config) { c.StorageURL = "" }, "storage_url"},
		{"unknown primary", func(c *Config) { c.PrimaryIntegration = "ghost" }, "primary_integration"},
		{"probe url scheme", func(c *Config) { c.ProbeURL = "ftp://probe" }, "probe_url"},
		{"probe timeout too small", func(c *Config) { c.ProbeTimeout = "10ms" }, "probe_timeout"},
		{"check interval garbage", func(c *Config) { c.CheckInterval = "often" }, "check_interval"},
		{"connect timeout", func(c *Config) { c.ConnectTimeout = "0s" }, "connect_timeout"},
		{"data timeout", func(c *Config) { c.DataTimeout = "1s" }, "data_timeout"},
		{"negative rate", func(c *Config) { c.RequestRate = -1 }, "request_rate"},
		{"outbox interval", func(c *Config) { c.OutboxInterval = "1ms" }, "outbox_interval"},
		{"outbox attempts", func(c *Config) { c.OutboxMaxAttempts = 1000 }, "outbox_max_attempts"},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"log retention", func(c *Config) { c.LogRetentionDays = 0 }, "log_retention_days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			assert.ErrorContains(t, Validate(cfg), tt.wantErr)
		})
	}
}

func TestValidate_Integrations(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		ic      IntegrationConfig
		wantErr string
	}{
		{"valid", "canvas", IntegrationConfig{Type: "lms", Kinds: []string{"course"}}, ""},
		{"bad id", "my canvas", IntegrationConfig{Type: "lms"}, "id must be"},
		{"bad type", "x", IntegrationConfig{Type: "fax"}, "integration.x.type"},
		{"bad base url", "x", IntegrationConfig{Type: "lms", BaseURL: "canvas.local"}, "base_url"},
		{"unknown kind", "x", IntegrationConfig{Type: "lms", Kinds: []string{"homework"}}, "kinds"},
		{"kind not served", "x", IntegrationConfig{Type: "cloud_storage", Kinds: []string{"grade"}}, "do not serve grade"},
		{"bad frequency", "x", IntegrationConfig{Type: "erp", SyncFrequency: "sometimes"}, "sync_frequency"},
		{"bad policy", "x", IntegrationConfig{Type: "erp", ConflictResolution: "coin_flip"}, "conflict_resolution"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Integrations[tt.id] = tt.ic

			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateResolved_OwnerWhitespace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OwnerID = " u1"

	assert.ErrorContains(t, ValidateResolved(cfg), "owner_id")
}

func TestClosestMatch(t *testing.T) {
	assert.Equal(t, "storage_url", closestMatch("storage_uri", knownGlobalKeysList))
	assert.Equal(t, "credentials_file", closestMatch("credential_file", knownIntegrationKeysList))
	assert.Empty(t, closestMatch("completely_unrelated", knownGlobalKeysList))
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("kinds", "kinds"))
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
	assert.Equal(t, 4, levenshtein("", "type"))
}

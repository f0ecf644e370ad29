// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for edusync. Values resolve through a
// four-layer chain (defaults -> config file -> environment -> CLI flags).
// Each [integration.<id>] table describes one external data source.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Global settings are flat top-level keys; the embedded sections only group
// them in Go.
type Config struct {
	AppName            string `toml:"app_name"`
	OwnerID            string `toml:"owner_id"`
	StorageURL         string `toml:"storage_url"`
	PrimaryIntegration string `toml:"primary_integration"`
	ListenAddr         string `toml:"listen_addr"`

	NetworkConfig
	OutboxConfig
	LoggingConfig

	Integrations map[string]IntegrationConfig `toml:"integration"`
}

// NetworkConfig controls connectivity probing and the remote HTTP client.
type NetworkConfig struct {
	ProbeURL       string  `toml:"probe_url"`
	ProbeTimeout   string  `toml:"probe_timeout"`
	CheckInterval  string  `toml:"check_interval"`
	RequestRate    float64 `toml:"request_rate"`
	ConnectTimeout string  `toml:"connect_timeout"`
	DataTimeout    string  `toml:"data_timeout"`
	UserAgent      string  `toml:"user_agent"`
}

// OutboxConfig controls delivery of queued writes.
type OutboxConfig struct {
	OutboxInterval    string `toml:"outbox_interval"`
	OutboxMaxAttempts int    `toml:"outbox_max_attempts"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// IntegrationConfig is one [integration.<id>] table. Secrets never live
// here: credentials_file points at a JSON credential file.
type IntegrationConfig struct {
	Type               string   `toml:"type"`
	BaseURL            string   `toml:"base_url"`
	CredentialsFile    string   `toml:"credentials_file"`
	Kinds              []string `toml:"kinds"`
	SyncFrequency      string   `toml:"sync_frequency"`
	ConflictResolution string   `toml:"conflict_resolution"`
	NotifyOnSync       bool     `toml:"notify_on_sync"`
	Disabled           bool     `toml:"disabled"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	StorageURL *string // --storage
	OwnerID    *string // --owner
	ListenAddr *string // --listen
}

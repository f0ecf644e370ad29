package config

import "path/filepath"

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultAppName            = "edusync"
	defaultListenAddr         = "127.0.0.1:7420"
	defaultProbeTimeout       = "5s"
	defaultCheckInterval      = "30s"
	defaultConnectTimeout     = "10s"
	defaultDataTimeout        = "60s"
	defaultOutboxInterval     = "30s"
	defaultOutboxMaxAttempts  = 10
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
	defaultLogRetentionDays   = 30
	defaultSyncFrequency      = "hourly"
	defaultConflictResolution = "remote_wins"
	storageFileName           = "edusync.db"
)

// DefaultConfig returns a Config populated with all default values. It is
// both the starting point for TOML decoding and the fallback when no config
// file exists.
func DefaultConfig() *Config {
	return &Config{
		AppName:       defaultAppName,
		StorageURL:    DefaultStorageURL(),
		ListenAddr:    defaultListenAddr,
		NetworkConfig: defaultNetworkConfig(),
		OutboxConfig: OutboxConfig{
			OutboxInterval:    defaultOutboxInterval,
			OutboxMaxAttempts: defaultOutboxMaxAttempts,
		},
		LoggingConfig: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			LogRetentionDays: defaultLogRetentionDays,
		},
		Integrations: make(map[string]IntegrationConfig),
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ProbeTimeout:   defaultProbeTimeout,
		CheckInterval:  defaultCheckInterval,
		ConnectTimeout: defaultConnectTimeout,
		DataTimeout:    defaultDataTimeout,
	}
}

// DefaultStorageURL is a sqlite database in the platform data directory.
func DefaultStorageURL() string {
	dir := DefaultDataDir()
	if dir == "" {
		return "sqlite://" + storageFileName
	}

	return "sqlite://" + filepath.Join(dir, storageFileName)
}

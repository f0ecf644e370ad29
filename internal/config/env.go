package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig     = "EDUSYNC_CONFIG"
	EnvStorageURL = "EDUSYNC_STORAGE_URL"
	EnvOwner      = "EDUSYNC_OWNER"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // EDUSYNC_CONFIG: override config file path
	StorageURL string // EDUSYNC_STORAGE_URL: durable backend
	OwnerID    string // EDUSYNC_OWNER: user the daemon syncs for
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		StorageURL: os.Getenv(EnvStorageURL),
		OwnerID:    os.Getenv(EnvOwner),
	}
}

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "edusync"

const (
	configFileName = "config.toml"
	pidFileName    = "edusync.pid"
	credentialsDir = "credentials"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/edusync).
// On macOS, uses ~/Library/Application Support/edusync.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for application
// data (the sqlite database, credential files, pid file, logs).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/edusync).
// macOS collapses config and data into one directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func xdgDir(env, fallback string) string {
	if v := os.Getenv(env); v != "" {
		return filepath.Join(v, appName)
	}

	return filepath.Join(fallback, appName)
}

// DefaultConfigPath returns the full path to the default config file, used
// when neither EDUSYNC_CONFIG nor --config is given.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DefaultPIDPath is where serve holds its lock.
func DefaultPIDPath() string {
	return filepath.Join(DefaultDataDir(), pidFileName)
}

// DefaultCredentialsPath is the credential file used for an integration
// that does not name one.
func DefaultCredentialsPath(integrationID string) string {
	return filepath.Join(DefaultDataDir(), credentialsDir, integrationID+".json")
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

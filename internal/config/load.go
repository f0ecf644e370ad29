package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if cfg.Integrations == nil {
		cfg.Integrations = make(map[string]IntegrationConfig)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// ResolvePath picks the config file path: CLI > env > platform default.
func ResolvePath(env EnvOverrides, cli CLIOverrides) string {
	if cli.ConfigPath != "" {
		return cli.ConfigPath
	}

	if env.ConfigPath != "" {
		return env.ConfigPath
	}

	return DefaultConfigPath()
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
// It returns the resolved config and the file path it came from.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, string, error) {
	path := ResolvePath(env, cli)

	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, path, err
	}

	applyOverrides(cfg, env, cli)

	if err := ValidateResolved(cfg); err != nil {
		return nil, path, fmt.Errorf("config validation: %w", err)
	}

	return cfg, path, nil
}

func applyOverrides(cfg *Config, env EnvOverrides, cli CLIOverrides) {
	if env.StorageURL != "" {
		cfg.StorageURL = env.StorageURL
	}

	if env.OwnerID != "" {
		cfg.OwnerID = env.OwnerID
	}

	if cli.StorageURL != nil {
		cfg.StorageURL = *cli.StorageURL
	}

	if cli.OwnerID != nil {
		cfg.OwnerID = *cli.OwnerID
	}

	if cli.ListenAddr != nil {
		cfg.ListenAddr = *cli.ListenAddr
	}
}

// Reload re-reads the file at path and reapplies the same overrides. The
// config watcher uses it so env and flag values survive a reload.
func Reload(path string, env EnvOverrides, cli CLIOverrides) (*Config, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	applyOverrides(cfg, env, cli)

	if err := ValidateResolved(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

package config

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/campusline/edusync/internal/model"
)

// Validation range constants.
const (
	minProbeTimeout     = 500 * time.Millisecond
	minCheckInterval    = 1 * time.Second
	minConnectTimeout   = 1 * time.Second
	minDataTimeout      = 5 * time.Second
	minOutboxInterval   = 1 * time.Second
	minOutboxAttempts   = 1
	maxOutboxAttempts   = 100
	minLogRetention     = 1
	maxIntegrationIDLen = 64
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.AppName == "" {
		errs = append(errs, errors.New("app_name: must not be empty"))
	}

	if cfg.StorageURL == "" {
		errs = append(errs, errors.New("storage_url: must not be empty"))
	}

	if cfg.PrimaryIntegration != "" {
		if _, ok := cfg.Integrations[cfg.PrimaryIntegration]; !ok {
			errs = append(errs, fmt.Errorf("primary_integration: no [integration.%s] table", cfg.PrimaryIntegration))
		}
	}

	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)
	errs = append(errs, validateOutbox(&cfg.OutboxConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)

	for _, id := range slices.Sorted(maps.Keys(cfg.Integrations)) {
		ic := cfg.Integrations[id]
		errs = append(errs, validateIntegration(id, &ic)...)
	}

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense after the env
// and CLI layers have been applied.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr: must not be empty"))
	}

	if strings.TrimSpace(cfg.OwnerID) != cfg.OwnerID {
		errs = append(errs, fmt.Errorf("owner_id: must not have surrounding whitespace, got %q", cfg.OwnerID))
	}

	return errors.Join(errs...)
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if n.ProbeURL != "" {
		errs = append(errs, validateURL("probe_url", n.ProbeURL)...)
	}

	errs = append(errs, validateDurationMin("probe_timeout", n.ProbeTimeout, minProbeTimeout)...)
	errs = append(errs, validateDurationMin("check_interval", n.CheckInterval, minCheckInterval)...)
	errs = append(errs, validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("data_timeout", n.DataTimeout, minDataTimeout)...)

	if n.RequestRate < 0 {
		errs = append(errs, fmt.Errorf("request_rate: must be >= 0, got %g", n.RequestRate))
	}

	return errs
}

func validateOutbox(o *OutboxConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("outbox_interval", o.OutboxInterval, minOutboxInterval)...)

	if o.OutboxMaxAttempts < minOutboxAttempts || o.OutboxMaxAttempts > maxOutboxAttempts {
		errs = append(errs, fmt.Errorf("outbox_max_attempts: must be between %d and %d, got %d",
			minOutboxAttempts, maxOutboxAttempts, o.OutboxMaxAttempts))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateIntegration(id string, ic *IntegrationConfig) []error {
	var errs []error

	where := "integration." + id

	if id == "" || len(id) > maxIntegrationIDLen || strings.ContainsAny(id, " /\\") {
		errs = append(errs, fmt.Errorf("%s: id must be 1-%d characters without spaces or slashes",
			where, maxIntegrationIDLen))
	}

	typ, err := model.ParseIntegrationType(ic.Type)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s.type: %w", where, err))
	}

	if ic.BaseURL != "" {
		errs = append(errs, validateURL(where+".base_url", ic.BaseURL)...)
	}

	for _, raw := range ic.Kinds {
		k, err := model.ParseKind(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.kinds: %w", where, err))
			continue
		}

		if typ != "" && !slices.Contains(typ.DefaultKinds(), k) {
			errs = append(errs, fmt.Errorf("%s.kinds: %s integrations do not serve %s", where, typ, k))
		}
	}

	if ic.SyncFrequency != "" {
		if _, err := model.ParseSyncFrequency(ic.SyncFrequency); err != nil {
			errs = append(errs, fmt.Errorf("%s.sync_frequency: %w", where, err))
		}
	}

	if ic.ConflictResolution != "" {
		if _, err := model.ParseConflictPolicy(ic.ConflictResolution); err != nil {
			errs = append(errs, fmt.Errorf("%s.conflict_resolution: %w", where, err))
		}
	}

	return errs
}

func validateURL(field, raw string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return []error{fmt.Errorf("%s: must be an http or https URL, got %q", field, raw)}
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

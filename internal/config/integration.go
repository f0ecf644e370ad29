package config

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/goccy/go-json"

	"github.com/campusline/edusync/internal/credfile"
	"github.com/campusline/edusync/internal/model"
)

// IntegrationIDs returns the configured integration ids, sorted.
func (c *Config) IntegrationIDs() []string {
	return slices.Sorted(maps.Keys(c.Integrations))
}

// CredentialsPath returns where an integration's credentials live.
func (c *Config) CredentialsPath(id string) string {
	if ic, ok := c.Integrations[id]; ok && ic.CredentialsFile != "" {
		return ExpandHome(ic.CredentialsFile)
	}

	return DefaultCredentialsPath(id)
}

// Integration builds the runtime integration for one table. Credentials
// come from the credential file; base_url, when set, overrides the one
// stored there. An integration without credentials is pending_auth.
func (c *Config) Integration(id string) (model.Integration, error) {
	ic, ok := c.Integrations[id]
	if !ok {
		return model.Integration{}, fmt.Errorf("config: no [integration.%s] table", id)
	}

	typ, err := model.ParseIntegrationType(ic.Type)
	if err != nil {
		return model.Integration{}, fmt.Errorf("config: integration %s: %w", id, err)
	}

	settings, err := ic.settings(typ)
	if err != nil {
		return model.Integration{}, fmt.Errorf("config: integration %s: %w", id, err)
	}

	creds, _, err := credfile.Load(c.CredentialsPath(id))
	if err != nil {
		return model.Integration{}, err
	}

	status := model.StatusConnected
	if creds == nil {
		status = model.StatusPendingAuth
	}

	if ic.Disabled {
		status = model.StatusDisabled
	}

	if ic.BaseURL != "" {
		creds, err = withBaseURL(creds, ic.BaseURL)
		if err != nil {
			return model.Integration{}, fmt.Errorf("config: integration %s: %w", id, err)
		}
	}

	return model.Integration{
		ID:          id,
		Type:        typ,
		Status:      status,
		Credentials: creds,
		Settings:    settings,
	}, nil
}

func (ic *IntegrationConfig) settings(typ model.IntegrationType) (model.IntegrationSettings, error) {
	kinds := typ.DefaultKinds()

	if len(ic.Kinds) > 0 {
		kinds = make([]model.Kind, 0, len(ic.Kinds))

		for _, raw := range ic.Kinds {
			k, err := model.ParseKind(raw)
			if err != nil {
				return model.IntegrationSettings{}, err
			}

			kinds = append(kinds, k)
		}
	}

	freq, err := model.ParseSyncFrequency(valueOr(ic.SyncFrequency, defaultSyncFrequency))
	if err != nil {
		return model.IntegrationSettings{}, err
	}

	policy, err := model.ParseConflictPolicy(valueOr(ic.ConflictResolution, defaultConflictResolution))
	if err != nil {
		return model.IntegrationSettings{}, err
	}

	return model.IntegrationSettings{
		Kinds:              model.KindSet(kinds...),
		SyncFrequency:      freq,
		ConflictResolution: policy,
		NotifyOnSync:       ic.NotifyOnSync,
	}, nil
}

// withBaseURL sets baseUrl in a credential object, creating one if needed.
func withBaseURL(creds json.RawMessage, baseURL string) (json.RawMessage, error) {
	obj := map[string]any{}

	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &obj); err != nil {
			return nil, fmt.Errorf("decoding credentials: %w", err)
		}
	}

	obj["baseUrl"] = baseURL

	return json.Marshal(obj)
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}

	return v
}

// Durations of the validated config. Invalid values fall back to the
// defaults; Validate has already reported them.

// ProbeTimeoutDuration returns probe_timeout.
func (c *Config) ProbeTimeoutDuration() time.Duration {
	return parseDurationOr(c.ProbeTimeout, defaultProbeTimeout)
}

// CheckIntervalDuration returns check_interval.
func (c *Config) CheckIntervalDuration() time.Duration {
	return parseDurationOr(c.CheckInterval, defaultCheckInterval)
}

// ConnectTimeoutDuration returns connect_timeout.
func (c *Config) ConnectTimeoutDuration() time.Duration {
	return parseDurationOr(c.ConnectTimeout, defaultConnectTimeout)
}

// DataTimeoutDuration returns data_timeout.
func (c *Config) DataTimeoutDuration() time.Duration {
	return parseDurationOr(c.DataTimeout, defaultDataTimeout)
}

// OutboxIntervalDuration returns outbox_interval.
func (c *Config) OutboxIntervalDuration() time.Duration {
	return parseDurationOr(c.OutboxInterval, defaultOutboxInterval)
}

func parseDurationOr(s, def string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	d, _ := time.ParseDuration(def)

	return d
}

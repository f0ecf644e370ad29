package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// IntegrationType identifies the kind of external data source.
type IntegrationType string

// Integration types.
const (
	TypeLMS          IntegrationType = "lms"
	TypeERP          IntegrationType = "erp"
	TypeCloudStorage IntegrationType = "cloud_storage"
)

// ParseIntegrationType converts a string to an IntegrationType.
func ParseIntegrationType(s string) (IntegrationType, error) {
	switch IntegrationType(s) {
	case TypeLMS, TypeERP, TypeCloudStorage:
		return IntegrationType(s), nil
	default:
		return "", fmt.Errorf("model: unknown integration type %q", s)
	}
}

// DefaultKinds returns the kinds an integration type serves when the
// configuration does not list them explicitly.
func (t IntegrationType) DefaultKinds() []Kind {
	switch t {
	case TypeLMS:
		return []Kind{KindCourse, KindAssignment, KindGrade, KindAnnouncement}
	case TypeERP:
		return []Kind{KindProfile, KindGrade, KindAttendance}
	case TypeCloudStorage:
		return []Kind{KindFile}
	default:
		return nil
	}
}

// IntegrationStatus is the connection state of an integration.
type IntegrationStatus string

// Integration statuses.
const (
	StatusPendingAuth IntegrationStatus = "pending_auth"
	StatusConnected   IntegrationStatus = "connected"
	StatusError       IntegrationStatus = "error"
	StatusDisabled    IntegrationStatus = "disabled"
)

// ParseIntegrationStatus converts a string to an IntegrationStatus.
func ParseIntegrationStatus(s string) (IntegrationStatus, error) {
	switch IntegrationStatus(s) {
	case StatusPendingAuth, StatusConnected, StatusError, StatusDisabled:
		return IntegrationStatus(s), nil
	default:
		return "", fmt.Errorf("model: unknown integration status %q", s)
	}
}

// SyncFrequency controls how often the scheduler runs an integration.
type SyncFrequency string

// Sync frequencies.
const (
	FrequencyEvery15Minutes SyncFrequency = "every_15_minutes"
	FrequencyHourly         SyncFrequency = "hourly"
	FrequencyDaily          SyncFrequency = "daily"
	FrequencyWeekly         SyncFrequency = "weekly"
	FrequencyNone           SyncFrequency = "none"
)

// ParseSyncFrequency converts a string to a SyncFrequency.
func ParseSyncFrequency(s string) (SyncFrequency, error) {
	switch SyncFrequency(s) {
	case FrequencyEvery15Minutes, FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyNone:
		return SyncFrequency(s), nil
	default:
		return "", fmt.Errorf("model: unknown sync frequency %q", s)
	}
}

// Interval returns the timer interval for the frequency. Zero means no timer.
func (f SyncFrequency) Interval() time.Duration {
	switch f {
	case FrequencyEvery15Minutes:
		return 15 * time.Minute
	case FrequencyHourly:
		return time.Hour
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// ConflictPolicy is the rule used to reconcile local and remote versions.
type ConflictPolicy string

// Conflict policies.
const (
	PolicyRemoteWins ConflictPolicy = "remote_wins"
	PolicyLocalWins  ConflictPolicy = "local_wins"
	PolicyMerge      ConflictPolicy = "merge"
	PolicyManual     ConflictPolicy = "manual"
)

// ParseConflictPolicy converts a string to a ConflictPolicy.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case PolicyRemoteWins, PolicyLocalWins, PolicyMerge, PolicyManual:
		return ConflictPolicy(s), nil
	default:
		return "", fmt.Errorf("model: unknown conflict policy %q", s)
	}
}

// IntegrationSettings are the user-controlled sync settings.
type IntegrationSettings struct {
	Kinds              map[Kind]bool
	SyncFrequency      SyncFrequency
	ConflictResolution ConflictPolicy
	NotifyOnSync       bool
}

// Integration is a configured connection to one external data source.
type Integration struct {
	ID          string
	Type        IntegrationType
	Status      IntegrationStatus
	Credentials json.RawMessage
	Settings    IntegrationSettings
	LastSync    *time.Time
}

// EnabledKinds returns the enabled kinds in sync phase order.
func (in *Integration) EnabledKinds() []Kind {
	kinds := make([]Kind, 0, len(in.Settings.Kinds))
	for _, k := range AllKinds {
		if in.Settings.Kinds[k] {
			kinds = append(kinds, k)
		}
	}

	return kinds
}

// Serves reports whether the integration syncs the given kind.
func (in *Integration) Serves(k Kind) bool {
	return slices.Contains(in.EnabledKinds(), k)
}

// Clone returns a deep copy of the integration.
func (in Integration) Clone() Integration {
	out := in
	out.Credentials = slices.Clone(in.Credentials)

	out.Settings.Kinds = make(map[Kind]bool, len(in.Settings.Kinds))
	for k, v := range in.Settings.Kinds {
		out.Settings.Kinds[k] = v
	}

	if in.LastSync != nil {
		t := *in.LastSync
		out.LastSync = &t
	}

	return out
}

// KindSet builds a settings kind map from a list.
func KindSet(kinds ...Kind) map[Kind]bool {
	m := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}

	return m
}

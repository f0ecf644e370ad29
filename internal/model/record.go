package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// Top-level record field names. Filters and orderings address these names;
// any other name addresses a payload field.
const (
	FieldID            = "id"
	FieldOwnerID       = "ownerId"
	FieldCreatedAt     = "createdAt"
	FieldLastUpdated   = "lastUpdated"
	FieldSyncStatus    = "syncStatus"
	FieldExternalID    = "externalId"
	FieldIntegrationID = "integrationId"

	// fieldUpdatedKey holds per-field modification timestamps in the flat form.
	fieldUpdatedKey = "_fieldUpdated"
)

// ErrUnsupportedValue is returned when a payload value is not a JSON type.
var ErrUnsupportedValue = errors.New("model: unsupported payload value")

// reserved lists names payload fields may not use.
var reserved = map[string]bool{
	FieldID: true, FieldOwnerID: true, FieldCreatedAt: true, FieldLastUpdated: true,
	FieldSyncStatus: true, FieldExternalID: true, FieldIntegrationID: true, fieldUpdatedKey: true,
}

// Record is one entity of any kind. Fields carries the kind-specific payload
// with native nested values (maps and slices), never pre-encoded strings.
type Record struct {
	ID            string
	OwnerID       string
	Fields        map[string]any
	CreatedAt     time.Time
	LastUpdated   time.Time
	SyncStatus    SyncState
	ExternalID    string
	IntegrationID string

	// FieldUpdated holds per-field modification times when the source
	// provides them. Used by the merge conflict policy.
	FieldUpdated map[string]time.Time
}

// Get returns the value of a top-level or payload field.
func (r *Record) Get(field string) (any, bool) {
	switch field {
	case FieldID:
		return r.ID, true
	case FieldOwnerID:
		return r.OwnerID, true
	case FieldCreatedAt:
		return r.CreatedAt, true
	case FieldLastUpdated:
		return r.LastUpdated, true
	case FieldSyncStatus:
		return string(r.SyncStatus), true
	case FieldExternalID:
		return r.ExternalID, true
	case FieldIntegrationID:
		return r.IntegrationID, true
	}

	v, ok := r.Fields[field]

	return v, ok
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = CloneValue(v)
		}
	}

	if r.FieldUpdated != nil {
		out.FieldUpdated = maps.Clone(r.FieldUpdated)
	}

	return out
}

// Normalize validates the payload and widens numeric values to float64 so a
// record reads back identically after a JSON round trip. Timestamps are
// converted to UTC with millisecond precision.
func (r *Record) Normalize() error {
	if r.ID == "" {
		return errors.New("model: record id is empty")
	}

	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}

	for k, v := range r.Fields {
		if reserved[k] {
			return fmt.Errorf("model: payload field %q collides with a reserved name", k)
		}

		nv, err := NormalizeValue(v)
		if err != nil {
			return fmt.Errorf("model: field %q: %w", k, err)
		}

		r.Fields[k] = nv
	}

	r.CreatedAt = normTime(r.CreatedAt)
	r.LastUpdated = normTime(r.LastUpdated)

	for k, t := range r.FieldUpdated {
		r.FieldUpdated[k] = normTime(t)
	}

	if r.SyncStatus == "" {
		r.SyncStatus = StateSynced
	}

	return nil
}

func normTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}

	return t.UTC().Truncate(time.Millisecond)
}

// NormalizeValue converts v into the canonical JSON value space:
// nil, bool, string, float64, []any, map[string]any.
func NormalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}

		return f, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			ne, err := NormalizeValue(e)
			if err != nil {
				return nil, err
			}

			out[i] = ne
		}

		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			ne, err := NormalizeValue(e)
			if err != nil {
				return nil, err
			}

			out[k] = ne
		}

		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

// CloneValue deep-copies a payload value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = CloneValue(e)
		}

		return out
	default:
		return v
	}
}

// Flat returns the flat map form of the record used by the persisted
// snapshot layout. Top-level fields sit beside payload fields.
func (r *Record) Flat() map[string]any {
	m := make(map[string]any, len(r.Fields)+8)
	for k, v := range r.Fields {
		m[k] = CloneValue(v)
	}

	m[FieldID] = r.ID
	m[FieldOwnerID] = r.OwnerID
	m[FieldSyncStatus] = string(r.SyncStatus)
	m[FieldCreatedAt] = formatTime(r.CreatedAt)
	m[FieldLastUpdated] = formatTime(r.LastUpdated)

	if r.ExternalID != "" {
		m[FieldExternalID] = r.ExternalID
	}

	if r.IntegrationID != "" {
		m[FieldIntegrationID] = r.IntegrationID
	}

	if len(r.FieldUpdated) > 0 {
		fu := make(map[string]any, len(r.FieldUpdated))
		for k, t := range r.FieldUpdated {
			fu[k] = formatTime(t)
		}

		m[fieldUpdatedKey] = fu
	}

	return m
}

// RecordFromFlat rebuilds a record from its flat map form.
func RecordFromFlat(m map[string]any) (Record, error) {
	var r Record

	id, _ := m[FieldID].(string)
	if id == "" {
		return r, errors.New("model: flat record has no id")
	}

	r.ID = id
	r.OwnerID, _ = m[FieldOwnerID].(string)
	r.ExternalID, _ = m[FieldExternalID].(string)
	r.IntegrationID, _ = m[FieldIntegrationID].(string)

	status, _ := m[FieldSyncStatus].(string)

	state, err := ParseSyncState(status)
	if err != nil {
		return r, err
	}

	r.SyncStatus = state

	if r.CreatedAt, err = parseTimeField(m, FieldCreatedAt); err != nil {
		return r, err
	}

	if r.LastUpdated, err = parseTimeField(m, FieldLastUpdated); err != nil {
		return r, err
	}

	if fu, ok := m[fieldUpdatedKey].(map[string]any); ok {
		r.FieldUpdated = make(map[string]time.Time, len(fu))
		for k, v := range fu {
			s, _ := v.(string)

			t, perr := ParseTime(s)
			if perr != nil {
				return r, fmt.Errorf("model: field timestamp %q: %w", k, perr)
			}

			r.FieldUpdated[k] = t
		}
	}

	r.Fields = make(map[string]any, len(m))
	for k, v := range m {
		if reserved[k] {
			continue
		}

		nv, nerr := NormalizeValue(v)
		if nerr != nil {
			return r, fmt.Errorf("model: field %q: %w", k, nerr)
		}

		r.Fields[k] = nv
	}

	return r, nil
}

func parseTimeField(m map[string]any, key string) (time.Time, error) {
	s, _ := m[key].(string)

	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("model: %s: %w", key, err)
	}

	return t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses an RFC 3339 timestamp or a bare YYYY-MM-DD date.
// The empty string yields the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return normTime(t), nil
	}

	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("model: invalid timestamp %q", s)
	}

	return t.UTC(), nil
}

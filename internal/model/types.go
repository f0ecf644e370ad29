// Package model defines the records shared by every layer of edusync: entity
// records, integrations, and the transient sync status of an integration.
// It has no dependencies on the rest of the module.
package model

import (
	"fmt"
	"time"
)

// Kind is an entity category with its own remote collection and mapping.
type Kind string

// Supported entity kinds.
const (
	KindProfile      Kind = "profile"
	KindCourse       Kind = "course"
	KindAssignment   Kind = "assignment"
	KindGrade        Kind = "grade"
	KindAttendance   Kind = "attendance"
	KindAnnouncement Kind = "announcement"
	KindFile         Kind = "file"
)

// AllKinds lists every supported kind in sync phase order.
var AllKinds = []Kind{
	KindProfile,
	KindCourse,
	KindAssignment,
	KindGrade,
	KindAttendance,
	KindAnnouncement,
	KindFile,
}

// ParseKind converts a string to a Kind, rejecting unknown values.
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}

	return "", fmt.Errorf("model: unknown entity kind %q", s)
}

// Table returns the local store table name for the kind.
func (k Kind) Table() string {
	return string(k) + "s"
}

// SyncState is the per-record synchronization state.
type SyncState string

// Record sync states.
const (
	StatePending  SyncState = "pending"
	StateSyncing  SyncState = "syncing"
	StateSynced   SyncState = "synced"
	StateConflict SyncState = "conflict"
	StateError    SyncState = "error"
)

// ParseSyncState converts a string to a SyncState. The empty string maps to
// StateSynced so records written before the field existed stay readable.
func ParseSyncState(s string) (SyncState, error) {
	switch SyncState(s) {
	case StatePending, StateSyncing, StateSynced, StateConflict, StateError:
		return SyncState(s), nil
	case "":
		return StateSynced, nil
	default:
		return "", fmt.Errorf("model: unknown sync state %q", s)
	}
}

// ErrorClass is the user-facing category of a sync error.
type ErrorClass string

// Error classes recorded in SyncStatus.Errors.
const (
	ClassConnection ErrorClass = "connection"
	ClassAuth       ErrorClass = "auth"
	ClassData       ErrorClass = "data"
	ClassStorage    ErrorClass = "storage"
	ClassConflict   ErrorClass = "conflict"
	ClassInternal   ErrorClass = "internal"
)

// Now returns the current time truncated to millisecond precision in UTC.
// Millisecond precision survives the JSON round trip through every backend.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

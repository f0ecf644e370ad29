package model

import (
	"slices"
	"time"
)

// SyncError is one error recorded during a sync cycle.
type SyncError struct {
	Kind      Kind       `json:"kind"`
	Class     ErrorClass `json:"class"`
	RecordID  string     `json:"recordId,omitempty"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
	Resolved  bool       `json:"resolved"`
}

// SyncStatus is the transient progress report of one integration's sync.
type SyncStatus struct {
	IntegrationID    string      `json:"integrationId"`
	IsActive         bool        `json:"isActive"`
	Progress         int         `json:"progress"`
	CurrentOperation string      `json:"currentOperation"`
	ItemsProcessed   int         `json:"itemsProcessed"`
	TotalItems       int         `json:"totalItems"`
	Errors           []SyncError `json:"errors"`
	StartedAt        time.Time   `json:"startedAt"`
	CompletedAt      *time.Time  `json:"completedAt,omitempty"`
}

// Clone returns a copy that shares no mutable state with s.
func (s SyncStatus) Clone() SyncStatus {
	out := s
	out.Errors = slices.Clone(s.Errors)

	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}

	return out
}

// HasClass reports whether any unresolved error of the given class exists.
func (s *SyncStatus) HasClass(c ErrorClass) bool {
	for _, e := range s.Errors {
		if e.Class == c && !e.Resolved {
			return true
		}
	}

	return false
}

// Package resolve reconciles a local and a remote version of one record
// under a conflict policy. Resolve is a pure function: it reads nothing but
// its arguments and never mutates them.
package resolve

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/campusline/edusync/internal/model"
)

// ErrConflictUnresolved reports a manual-policy conflict awaiting a user
// choice.
var ErrConflictUnresolved = errors.New("resolve: conflict awaits manual resolution")

// Resolution is the outcome of reconciling one record.
type Resolution struct {
	// Record is the version to store.
	Record model.Record

	// Conflict is set when no value was chosen (manual policy with
	// differing versions).
	Conflict bool

	// Remote holds the remote version when Conflict is set.
	Remote *model.Record

	// Push is set when Record must be sent to the remote store.
	Push bool
}

// Check returns ErrConflictUnresolved when the resolution is a manual
// conflict.
func (r Resolution) Check() error {
	if r.Conflict {
		return fmt.Errorf("%w: %s", ErrConflictUnresolved, r.Record.ID)
	}

	return nil
}

// Resolve reconciles local and remote under policy. A nil local means the
// record only exists remotely; a nil remote means it only exists locally.
// At least one side must be non-nil. The policy applies whenever the two
// payloads differ, whatever the local sync state.
func Resolve(local, remote *model.Record, policy model.ConflictPolicy) Resolution {
	if local == nil {
		return Resolution{Record: synced(remote.Clone())}
	}

	if remote == nil {
		return Resolution{Record: local.Clone(), Push: local.SyncStatus == model.StatePending}
	}

	if sameContent(local, remote) {
		return Resolution{Record: synced(remote.Clone())}
	}

	switch policy {
	case model.PolicyLocalWins:
		out := local.Clone()
		out.SyncStatus = model.StatePending

		return Resolution{Record: out, Push: true}
	case model.PolicyMerge:
		return merge(local, remote)
	case model.PolicyManual:
		out := local.Clone()
		out.SyncStatus = model.StateConflict
		r := synced(remote.Clone())

		return Resolution{Record: out, Conflict: true, Remote: &r}
	default:
		return Resolution{Record: synced(remote.Clone())}
	}
}

// merge picks each differing payload field from the side that changed it
// last. A field is compared only when both sides timestamp it; ties and
// fields missing a timestamp on either side go to remote. With no per-field
// timestamps at all the whole record falls back to remote.
func merge(local, remote *model.Record) Resolution {
	if len(local.FieldUpdated) == 0 && len(remote.FieldUpdated) == 0 {
		return Resolution{Record: synced(remote.Clone())}
	}

	out := remote.Clone()
	if out.Fields == nil {
		out.Fields = make(map[string]any)
	}

	localWon := false

	for _, field := range unionKeys(local.Fields, remote.Fields) {
		lv, lok := local.Fields[field]
		rv, rok := remote.Fields[field]

		if lok == rok && reflect.DeepEqual(lv, rv) {
			continue
		}

		lt, lts := local.FieldUpdated[field]
		rt, rts := remote.FieldUpdated[field]

		if !lts || !rts || !lt.After(rt) {
			continue
		}

		localWon = true

		if out.FieldUpdated == nil {
			out.FieldUpdated = make(map[string]time.Time)
		}

		out.FieldUpdated[field] = lt

		if lok {
			out.Fields[field] = model.CloneValue(lv)
		} else {
			delete(out.Fields, field)
		}
	}

	if out.LastUpdated.Before(local.LastUpdated) {
		out.LastUpdated = local.LastUpdated
	}

	if localWon {
		out.SyncStatus = model.StatePending
		return Resolution{Record: out, Push: true}
	}

	return Resolution{Record: synced(out)}
}

// sameContent reports whether both versions carry the same payload and
// owner, ignoring sync bookkeeping.
func sameContent(a, b *model.Record) bool {
	return a.OwnerID == b.OwnerID && reflect.DeepEqual(nonNil(a.Fields), nonNil(b.Fields))
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}

func synced(r model.Record) model.Record {
	r.SyncStatus = model.StateSynced
	return r
}

func unionKeys(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))

	for _, m := range []map[string]any{a, b} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}

	return keys
}

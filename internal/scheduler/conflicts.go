package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/campusline/edusync/internal/model"
	"github.com/campusline/edusync/internal/store"
)

// ErrNoConflict is returned when resolving a record that has no pending
// manual conflict.
var ErrNoConflict = errors.New("scheduler: no conflict recorded")

// Choice is the user's pick for a manual conflict.
type Choice string

// Conflict choices.
const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
)

// ParseChoice converts a string to a Choice.
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChoiceLocal, ChoiceRemote:
		return Choice(s), nil
	default:
		return "", fmt.Errorf("scheduler: unknown conflict choice %q (want local or remote)", s)
	}
}

// Payload fields of a conflict record.
const (
	conflictKind     = "kind"
	conflictRecordID = "recordId"
	conflictRemote   = "remote"
	conflictDetected = "detectedAt"

	// detectedLayout has fixed-width fractions so stored values sort
	// lexically.
	detectedLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Conflict is a record held under the manual policy together with the
// remote version that disagreed with it.
type Conflict struct {
	ID            string       `json:"id"`
	Kind          model.Kind   `json:"kind"`
	RecordID      string       `json:"recordId"`
	IntegrationID string       `json:"integrationId"`
	Local         model.Record `json:"-"`
	Remote        model.Record `json:"-"`
	DetectedAt    time.Time    `json:"detectedAt"`
}

// saveConflict records remote as the competing version of its record,
// replacing any earlier conflict for the same record.
func (s *Scheduler) saveConflict(kind model.Kind, integrationID string, remote *model.Record) error {
	scope := store.Filter{conflictKind: string(kind), conflictRecordID: remote.ID}

	id := uuid.NewString()
	if prev, err := s.store.FindOne(store.TableConflicts, scope); err == nil {
		id = prev.ID
	}

	rec := model.Record{
		ID:            id,
		OwnerID:       remote.OwnerID,
		IntegrationID: integrationID,
		Fields: map[string]any{
			conflictKind:     string(kind),
			conflictRecordID: remote.ID,
			conflictRemote:   remote.Flat(),
			conflictDetected: s.nowFunc().UTC().Format(detectedLayout),
		},
	}

	if err := s.store.Replace(store.TableConflicts, scope, []model.Record{rec}); err != nil {
		return fmt.Errorf("scheduler: saving conflict %s/%s: %w", kind, remote.ID, err)
	}

	return nil
}

// clearConflicts drops the integration's conflicts of one kind whose
// record is not in keep: a later sync resolved them, or the record is gone.
func (s *Scheduler) clearConflicts(kind model.Kind, integrationID string, keep map[string]bool) error {
	where := store.Filter{conflictKind: string(kind), model.FieldIntegrationID: integrationID}

	recs, err := s.store.FindMany(store.TableConflicts, where, store.OrderBy{})
	if err != nil {
		return fmt.Errorf("scheduler: listing %s conflicts: %w", kind, err)
	}

	for i := range recs {
		recordID, _ := recs[i].Fields[conflictRecordID].(string)
		if keep[recordID] {
			continue
		}

		if _, err := s.store.Delete(store.TableConflicts, store.Filter{model.FieldID: recs[i].ID}); err != nil {
			return fmt.Errorf("scheduler: clearing conflict %s/%s: %w", kind, recordID, err)
		}

		s.logger.Debug("conflict cleared by sync",
			slog.String("integration", integrationID),
			slog.String("kind", string(kind)),
			slog.String("id", recordID),
		)
	}

	return nil
}

func (s *Scheduler) conflictFromRecord(rec *model.Record) (Conflict, error) {
	kindName, _ := rec.Fields[conflictKind].(string)

	kind, err := model.ParseKind(kindName)
	if err != nil {
		return Conflict{}, err
	}

	flat, ok := rec.Fields[conflictRemote].(map[string]any)
	if !ok {
		return Conflict{}, fmt.Errorf("scheduler: conflict %s has no remote version", rec.ID)
	}

	remote, err := model.RecordFromFlat(flat)
	if err != nil {
		return Conflict{}, fmt.Errorf("scheduler: conflict %s: %w", rec.ID, err)
	}

	detected, _ := rec.Fields[conflictDetected].(string)
	at, _ := model.ParseTime(detected)

	c := Conflict{
		ID:            rec.ID,
		Kind:          kind,
		RecordID:      remote.ID,
		IntegrationID: rec.IntegrationID,
		Remote:        remote,
		DetectedAt:    at,
	}

	if local, err := s.store.FindOne(kind.Table(), store.Filter{model.FieldID: remote.ID}); err == nil {
		c.Local = local
	}

	return c, nil
}

// Conflicts lists the pending manual conflicts of one kind, oldest first.
// An empty kind lists every kind.
func (s *Scheduler) Conflicts(kind model.Kind) ([]Conflict, error) {
	where := store.Filter{}
	if kind != "" {
		where[conflictKind] = string(kind)
	}

	recs, err := s.store.FindMany(store.TableConflicts, where, store.Ascending(conflictDetected))
	if err != nil {
		return nil, fmt.Errorf("scheduler: listing conflicts: %w", err)
	}

	out := make([]Conflict, 0, len(recs))

	for i := range recs {
		c, err := s.conflictFromRecord(&recs[i])
		if err != nil {
			s.logger.Warn("skipping unreadable conflict", slog.String("id", recs[i].ID), slog.String("error", err.Error()))
			continue
		}

		out = append(out, c)
	}

	return out, nil
}

// ResolveConflict applies a user choice to a manual conflict. Choosing
// remote stores the remote version as synced; choosing local marks the
// local record pending and queues it for push. The conflict entry is
// removed either way.
func (s *Scheduler) ResolveConflict(kind model.Kind, recordID string, choice Choice) (model.Record, error) {
	scope := store.Filter{conflictKind: string(kind), conflictRecordID: recordID}

	rec, err := s.store.FindOne(store.TableConflicts, scope)
	if errors.Is(err, store.ErrNotFound) {
		return model.Record{}, fmt.Errorf("%w: %s/%s", ErrNoConflict, kind, recordID)
	} else if err != nil {
		return model.Record{}, fmt.Errorf("scheduler: resolving %s/%s: %w", kind, recordID, err)
	}

	c, err := s.conflictFromRecord(&rec)
	if err != nil {
		return model.Record{}, err
	}

	// The local record moved on without this conflict, e.g. through a
	// write-through. The entry is stale.
	if c.Local.ID != "" && c.Local.SyncStatus != model.StateConflict {
		if _, err := s.store.Delete(store.TableConflicts, store.Filter{model.FieldID: c.ID}); err != nil {
			return model.Record{}, fmt.Errorf("scheduler: clearing conflict %s: %w", c.ID, err)
		}

		return model.Record{}, fmt.Errorf("%w: %s/%s is %s", ErrNoConflict, kind, recordID, c.Local.SyncStatus)
	}

	var out model.Record

	switch choice {
	case ChoiceRemote:
		remote := c.Remote.Clone()
		remote.SyncStatus = model.StateSynced
		remote.IntegrationID = c.IntegrationID

		if out, err = s.store.Upsert(kind.Table(), remote); err != nil {
			return model.Record{}, fmt.Errorf("scheduler: resolving %s/%s: %w", kind, recordID, err)
		}
	case ChoiceLocal:
		if c.Local.ID == "" {
			return model.Record{}, fmt.Errorf("scheduler: resolving %s/%s: local record no longer exists", kind, recordID)
		}

		local := c.Local.Clone()
		local.SyncStatus = model.StatePending
		local.LastUpdated = model.Now()

		if out, err = s.store.Upsert(kind.Table(), local); err != nil {
			return model.Record{}, fmt.Errorf("scheduler: resolving %s/%s: %w", kind, recordID, err)
		}

		if s.queue != nil {
			if _, err := s.queue.Enqueue(kind, c.IntegrationID, out); err != nil {
				return model.Record{}, fmt.Errorf("scheduler: queueing %s/%s: %w", kind, recordID, err)
			}
		}
	default:
		return model.Record{}, fmt.Errorf("scheduler: unknown conflict choice %q", choice)
	}

	if _, err := s.store.Delete(store.TableConflicts, store.Filter{model.FieldID: c.ID}); err != nil {
		return model.Record{}, fmt.Errorf("scheduler: clearing conflict %s: %w", c.ID, err)
	}

	s.logger.Info("conflict resolved",
		slog.String("kind", string(kind)),
		slog.String("id", recordID),
		slog.String("choice", string(choice)),
	)

	return out, nil
}

package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/campusline/edusync/internal/model"
	"github.com/campusline/edusync/internal/store"
)

// Payload fields of a persisted integration record.
const (
	fieldType               = "type"
	fieldStatus             = "status"
	fieldCredentials        = "credentials"
	fieldKinds              = "kinds"
	fieldSyncFrequency      = "syncFrequency"
	fieldConflictResolution = "conflictResolution"
	fieldNotifyOnSync       = "notifyOnSync"
	fieldLastSync           = "lastSync"
)

// integrationToRecord maps an integration onto a store record. Credentials
// are kept as their JSON text so the blob round-trips byte for byte.
func integrationToRecord(in *model.Integration) model.Record {
	kinds := make([]any, 0, len(in.Settings.Kinds))
	for _, k := range in.EnabledKinds() {
		kinds = append(kinds, string(k))
	}

	fields := map[string]any{
		fieldType:               string(in.Type),
		fieldStatus:             string(in.Status),
		fieldCredentials:        string(in.Credentials),
		fieldKinds:              kinds,
		fieldSyncFrequency:      string(in.Settings.SyncFrequency),
		fieldConflictResolution: string(in.Settings.ConflictResolution),
		fieldNotifyOnSync:       in.Settings.NotifyOnSync,
		fieldLastSync:           nil,
	}

	if in.LastSync != nil {
		fields[fieldLastSync] = in.LastSync.UTC().Format(time.RFC3339Nano)
	}

	return model.Record{ID: in.ID, Fields: fields, SyncStatus: model.StateSynced}
}

func integrationFromRecord(rec *model.Record) (model.Integration, error) {
	str := func(name string) string {
		s, _ := rec.Fields[name].(string)
		return s
	}

	typ, err := model.ParseIntegrationType(str(fieldType))
	if err != nil {
		return model.Integration{}, err
	}

	status, err := model.ParseIntegrationStatus(str(fieldStatus))
	if err != nil {
		return model.Integration{}, err
	}

	freq, err := model.ParseSyncFrequency(str(fieldSyncFrequency))
	if err != nil {
		return model.Integration{}, err
	}

	policy, err := model.ParseConflictPolicy(str(fieldConflictResolution))
	if err != nil {
		return model.Integration{}, err
	}

	in := model.Integration{
		ID:     rec.ID,
		Type:   typ,
		Status: status,
		Settings: model.IntegrationSettings{
			Kinds:              make(map[model.Kind]bool),
			SyncFrequency:      freq,
			ConflictResolution: policy,
		},
	}

	if creds := str(fieldCredentials); creds != "" {
		if !json.Valid([]byte(creds)) {
			return model.Integration{}, fmt.Errorf("integration %s: credentials are not valid JSON", rec.ID)
		}

		in.Credentials = json.RawMessage(creds)
	}

	if list, ok := rec.Fields[fieldKinds].([]any); ok {
		for _, v := range list {
			s, _ := v.(string)

			k, err := model.ParseKind(s)
			if err != nil {
				return model.Integration{}, fmt.Errorf("integration %s: %w", rec.ID, err)
			}

			in.Settings.Kinds[k] = true
		}
	}

	in.Settings.NotifyOnSync, _ = rec.Fields[fieldNotifyOnSync].(bool)

	if ls := str(fieldLastSync); ls != "" {
		t, err := model.ParseTime(ls)
		if err != nil {
			return model.Integration{}, fmt.Errorf("integration %s: last sync: %w", rec.ID, err)
		}

		in.LastSync = &t
	}

	return in, nil
}

// loadIntegrations reads every persisted integration. Records that cannot
// be mapped are logged and skipped.
func (s *Scheduler) loadIntegrations() error {
	recs, err := s.store.FindMany(store.TableIntegrations, nil, store.Ascending(model.FieldID))
	if err != nil {
		return fmt.Errorf("scheduler: loading integrations: %w", err)
	}

	for i := range recs {
		in, err := integrationFromRecord(&recs[i])
		if err != nil {
			s.logger.Warn("skipping unreadable integration record",
				slog.String("id", recs[i].ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		s.entries[in.ID] = &entry{in: in}
	}

	return nil
}

func (s *Scheduler) persist(in *model.Integration) error {
	if _, err := s.store.Upsert(store.TableIntegrations, integrationToRecord(in)); err != nil {
		return fmt.Errorf("scheduler: saving integration %s: %w", in.ID, err)
	}

	return nil
}

// validateIntegration checks the fields the scheduler relies on and fills
// defaults for unset settings.
func validateIntegration(in *model.Integration) error {
	if strings.TrimSpace(in.ID) == "" {
		return errors.New("scheduler: integration id is empty")
	}

	if _, err := model.ParseIntegrationType(string(in.Type)); err != nil {
		return fmt.Errorf("scheduler: integration %s: %w", in.ID, err)
	}

	if in.Status == "" {
		in.Status = model.StatusPendingAuth
	}

	if in.Settings.SyncFrequency == "" {
		in.Settings.SyncFrequency = model.FrequencyDaily
	}

	if in.Settings.ConflictResolution == "" {
		in.Settings.ConflictResolution = model.PolicyRemoteWins
	}

	if len(in.Settings.Kinds) == 0 {
		in.Settings.Kinds = model.KindSet(in.Type.DefaultKinds()...)
	}

	return nil
}

// PutIntegration adds or replaces an integration, persists it, and (re)arms
// its timer when the scheduler is running. An unchanged sync frequency
// keeps the current timer.
func (s *Scheduler) PutIntegration(in model.Integration) error {
	in = in.Clone()
	if err := validateIntegration(&in); err != nil {
		return err
	}

	s.mu.Lock()

	e, exists := s.entries[in.ID]
	if !exists {
		e = &entry{}
		s.entries[in.ID] = e
	}

	if in.LastSync == nil && e.in.LastSync != nil {
		t := *e.in.LastSync
		in.LastSync = &t
	}

	retime := !exists || e.in.Settings.SyncFrequency != in.Settings.SyncFrequency
	credsChanged := exists && !slices.Equal(e.in.Credentials, in.Credentials)
	e.in = in

	if retime {
		s.armLocked(in.ID, e)
	}

	s.mu.Unlock()

	if credsChanged {
		s.invalidate(in.ID)
	}

	s.logger.Info("integration saved",
		slog.String("integration", in.ID),
		slog.String("type", string(in.Type)),
		slog.String("status", string(in.Status)),
		slog.String("frequency", string(in.Settings.SyncFrequency)),
	)

	return s.persist(&in)
}

// Integration returns a copy of one integration.
func (s *Scheduler) Integration(id string) (model.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return model.Integration{}, fmt.Errorf("%w: %s", ErrUnknownIntegration, id)
	}

	return e.in.Clone(), nil
}

// Integrations returns copies of every integration sorted by ID.
func (s *Scheduler) Integrations() []model.Integration {
	s.mu.Lock()

	out := make([]model.Integration, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.in.Clone())
	}

	s.mu.Unlock()

	slices.SortFunc(out, func(a, b model.Integration) int {
		return strings.Compare(a.ID, b.ID)
	})

	return out
}

// SetStatus changes an integration's connection status. Setting it back to
// connected after re-authentication clears the failure backoff, so the
// timer resumes.
func (s *Scheduler) SetStatus(id string, status model.IntegrationStatus) error {
	if _, err := model.ParseIntegrationStatus(string(status)); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	s.mu.Lock()

	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownIntegration, id)
	}

	e.in.Status = status
	if status == model.StatusConnected {
		e.failures = 0
	}

	in := e.in.Clone()
	s.mu.Unlock()

	s.logger.Info("integration status changed",
		slog.String("integration", id),
		slog.String("status", string(status)),
	)

	return s.persist(&in)
}

// MergeCredentials merges fields into the integration's inline credentials
// JSON. A nil value removes the key. Used to keep refreshed OAuth tokens.
func (s *Scheduler) MergeCredentials(id string, fields map[string]any) error {
	s.mu.Lock()

	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownIntegration, id)
	}

	creds := make(map[string]any)
	if len(e.in.Credentials) > 0 {
		if err := json.Unmarshal(e.in.Credentials, &creds); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("scheduler: integration %s credentials: %w", id, err)
		}
	}

	for k, v := range fields {
		if v == nil {
			delete(creds, k)
		} else {
			creds[k] = v
		}
	}

	data, err := json.Marshal(creds)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: integration %s credentials: %w", id, err)
	}

	e.in.Credentials = data
	in := e.in.Clone()
	s.mu.Unlock()

	return s.persist(&in)
}

// RemoveIntegration cancels the integration's timer and any active run,
// purges its cached records, conflicts and queued writes, and deletes it.
func (s *Scheduler) RemoveIntegration(id string) error {
	s.mu.Lock()

	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownIntegration, id)
	}

	if e.stopTimer != nil {
		e.stopTimer()
	}

	if e.cancelRun != nil {
		e.cancelRun()
	}

	delete(s.entries, id)
	s.mu.Unlock()

	s.invalidate(id)

	scope := store.Filter{model.FieldIntegrationID: id}
	purged := 0

	for _, k := range model.AllKinds {
		n, err := s.store.Delete(k.Table(), scope)
		if err != nil {
			return fmt.Errorf("scheduler: purging %s for %s: %w", k, id, err)
		}

		purged += n
	}

	if _, err := s.store.Delete(store.TableConflicts, scope); err != nil {
		return fmt.Errorf("scheduler: purging conflicts for %s: %w", id, err)
	}

	if s.queue != nil {
		if _, err := s.queue.Purge(id); err != nil {
			return fmt.Errorf("scheduler: purging queued writes for %s: %w", id, err)
		}
	}

	if _, err := s.store.Delete(store.TableIntegrations, store.Filter{model.FieldID: id}); err != nil {
		return fmt.Errorf("scheduler: deleting integration %s: %w", id, err)
	}

	s.logger.Info("integration removed",
		slog.String("integration", id),
		slog.Int("purged_records", purged),
	)

	return nil
}

func (s *Scheduler) invalidate(id string) {
	if inv, ok := s.fetcher.(interface{ Invalidate(string) }); ok {
		inv.Invalidate(id)
	}
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/campusline/edusync/internal/model"
	"github.com/campusline/edusync/internal/remote"
	"github.com/campusline/edusync/internal/resolve"
	"github.com/campusline/edusync/internal/store"
)

// phaseWeights is the progress reported after each kind's phase.
var phaseWeights = map[model.Kind]int{
	model.KindProfile:      5,
	model.KindCourse:       10,
	model.KindAssignment:   40,
	model.KindGrade:        70,
	model.KindAttendance:   80,
	model.KindAnnouncement: 90,
	model.KindFile:         95,
}

// runResult is the outcome of one sync run. err is nil only when every
// phase completed; rejected documents alone do not fail a run.
type runResult struct {
	err        error
	authFailed bool
}

// runProtected executes run with panic recovery. A panic fails the run
// without affecting other integrations.
func (s *Scheduler) runProtected(ctx context.Context, in *model.Integration) (res runResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in sync of %s: %v", in.ID, r)

			s.logger.Error("sync panicked",
				slog.String("integration", in.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			s.recordError(in.ID, model.SyncError{Class: model.ClassInternal, Message: err.Error()})

			res = runResult{err: err}
		}
	}()

	return s.run(ctx, in)
}

// run syncs every enabled kind in phase order. An auth error aborts the
// run; any other phase error aborts only that phase.
func (s *Scheduler) run(ctx context.Context, in *model.Integration) runResult {
	var errs []error

	for _, kind := range in.EnabledKinds() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		s.updateStatus(in.ID, func(st *model.SyncStatus) {
			st.CurrentOperation = "syncing " + string(kind)
		})

		err := s.syncKind(ctx, in, kind)
		if err == nil {
			s.updateStatus(in.ID, func(st *model.SyncStatus) {
				st.Progress = phaseWeights[kind]
			})

			continue
		}

		class := classify(err)

		s.logger.Warn("sync phase failed",
			slog.String("integration", in.ID),
			slog.String("kind", string(kind)),
			slog.String("class", string(class)),
			slog.String("error", err.Error()),
		)
		s.recordError(in.ID, model.SyncError{Kind: kind, Class: class, Message: err.Error()})

		errs = append(errs, err)

		if class == model.ClassAuth {
			return runResult{err: fmt.Errorf("scheduler: sync %s: %w", in.ID, errors.Join(errs...)), authFailed: true}
		}
	}

	if len(errs) > 0 {
		return runResult{err: fmt.Errorf("scheduler: sync %s: %w", in.ID, errors.Join(errs...))}
	}

	return runResult{}
}

// syncKind fetches one kind, resolves every record against the local copy,
// and atomically replaces the integration's scope of the kind's table.
func (s *Scheduler) syncKind(ctx context.Context, in *model.Integration, kind model.Kind) error {
	res, err := s.fetcher.Fetch(ctx, kind, in)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", kind, err)
	}

	s.updateStatus(in.ID, func(st *model.SyncStatus) {
		st.TotalItems += len(res.Records) + len(res.Rejected)
	})

	for _, rej := range res.Rejected {
		s.logger.Debug("remote document rejected",
			slog.String("integration", in.ID),
			slog.String("kind", string(kind)),
			slog.String("id", rej.RecordID),
			slog.String("error", rej.Error()),
		)
		s.recordError(in.ID, model.SyncError{
			Kind:     kind,
			Class:    model.ClassData,
			RecordID: rej.RecordID,
			Message:  rej.Error(),
		})
	}

	table := kind.Table()
	scope := store.Filter{model.FieldIntegrationID: in.ID}
	policy := in.Settings.ConflictResolution

	existing, err := s.store.FindMany(table, scope, store.OrderBy{})
	if err != nil {
		return fmt.Errorf("reading local %s: %w", kind, err)
	}

	seen := make(map[string]bool, len(res.Records))
	next := make([]model.Record, 0, len(res.Records))

	ph := phase{kind: kind, scope: scope}

	for i := range res.Records {
		rem := res.Records[i]
		rem.IntegrationID = in.ID

		if seen[rem.ID] {
			continue
		}

		seen[rem.ID] = true

		var local *model.Record

		l, err := s.store.FindOne(table, store.Filter{model.FieldID: rem.ID})
		switch {
		case err == nil:
			local = &l
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("reading local %s/%s: %w", kind, rem.ID, err)
		}

		r := resolve.Resolve(local, &rem, policy)
		r.Record.IntegrationID = in.ID
		next = append(next, r.Record)

		if r.Push {
			ph.pushes = append(ph.pushes, r.Record)
		}

		// The remote version replaced a local edit that was still waiting
		// to go out, so its queued write must not resurrect it.
		if local != nil && local.SyncStatus != model.StateSynced && !r.Push && !r.Conflict {
			ph.superseded = append(ph.superseded, rem.ID)
		}

		if r.Conflict {
			ph.conflicts = append(ph.conflicts, *r.Remote)

			s.logger.Info("manual conflict detected",
				slog.String("integration", in.ID),
				slog.String("kind", string(kind)),
				slog.String("id", rem.ID),
			)
		}
	}

	// Local records the remote no longer lists are dropped, except writes
	// still awaiting push under local_wins.
	for i := range existing {
		l := existing[i]
		if seen[l.ID] {
			continue
		}

		if policy == model.PolicyLocalWins && l.SyncStatus == model.StatePending {
			next = append(next, l)
		}
	}

	ph.next = next

	if err := s.apply(in.ID, &ph); err != nil {
		return err
	}

	s.updateStatus(in.ID, func(st *model.SyncStatus) {
		st.ItemsProcessed += len(res.Records)
	})
	s.metrics.recordsApplied(string(kind), len(next))

	s.logger.Debug("sync phase complete",
		slog.String("integration", in.ID),
		slog.String("kind", string(kind)),
		slog.Int("records", len(next)),
		slog.Int("rejected", len(res.Rejected)),
		slog.Int("queued", len(ph.pushes)),
		slog.Int("superseded", len(ph.superseded)),
		slog.Int("conflicts", len(ph.conflicts)),
	)

	return nil
}

// phase is the outcome of one kind's sync, written by apply.
type phase struct {
	kind  model.Kind
	scope store.Filter
	next  []model.Record

	// conflicts holds the remote versions of records in manual conflict.
	conflicts []model.Record

	pushes []model.Record

	// superseded lists records whose queued local edit lost to remote.
	superseded []string
}

// apply writes one phase's results. It holds s.mu so a concurrent
// RemoveIntegration either purges the results afterwards or makes apply
// discard them.
func (s *Scheduler) apply(id string, ph *phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: %s removed during sync", ErrUnknownIntegration, id)
	}

	kind := ph.kind

	if err := s.store.Replace(kind.Table(), ph.scope, ph.next); err != nil {
		return fmt.Errorf("replacing local %s: %w", kind, err)
	}

	open := make(map[string]bool, len(ph.conflicts))

	for i := range ph.conflicts {
		open[ph.conflicts[i].ID] = true

		if err := s.saveConflict(kind, id, &ph.conflicts[i]); err != nil {
			return err
		}
	}

	if err := s.clearConflicts(kind, id, open); err != nil {
		return err
	}

	if s.queue == nil {
		return nil
	}

	for _, recordID := range ph.superseded {
		cancelled, err := s.queue.Cancel(kind, recordID)
		if err != nil {
			return fmt.Errorf("cancelling queued %s/%s: %w", kind, recordID, err)
		}

		if cancelled {
			s.logger.Info("local edit discarded by sync",
				slog.String("integration", id),
				slog.String("kind", string(kind)),
				slog.String("id", recordID),
			)
		}
	}

	for i := range ph.pushes {
		if _, err := s.queue.Enqueue(kind, id, ph.pushes[i]); err != nil {
			return fmt.Errorf("queueing %s/%s: %w", kind, ph.pushes[i].ID, err)
		}
	}

	return nil
}

// classify maps a phase error to its user-facing class.
func classify(err error) model.ErrorClass {
	var se *store.StorageError

	switch {
	case errors.As(err, &se), errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrClosed):
		return model.ClassStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return model.ClassConnection
	default:
		return remote.Classify(err)
	}
}

// Package scheduler runs per-integration sync cycles. Each integration has
// its own timer derived from its sync frequency, enforces a single active
// run, and defers at most one follow-up run when triggered while busy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/campusline/edusync/internal/model"
	"github.com/campusline/edusync/internal/remote"
	"github.com/campusline/edusync/internal/store"
)

// Errors reported to manual callers. Automatic triggers swallow them.
var (
	ErrNotConnected       = errors.New("scheduler: integration not connected")
	ErrSyncInProgress     = errors.New("scheduler: sync already in progress")
	ErrUnknownIntegration = errors.New("scheduler: unknown integration")
	ErrStopped            = errors.New("scheduler: stopped")
)

// Fetcher lists the remote records of one kind. Implemented by
// *remote.Client.
type Fetcher interface {
	Fetch(ctx context.Context, kind model.Kind, in *model.Integration) (remote.FetchResult, error)
}

// Queue accepts records that must be pushed later. Implemented by
// *outbox.Outbox. Cancel drops a queued write whose local edit a sync
// discarded.
type Queue interface {
	Enqueue(kind model.Kind, integrationID string, rec model.Record) (string, error)
	Cancel(kind model.Kind, recordID string) (bool, error)
	Purge(integrationID string) (int, error)
}

// Trigger names what started a run.
type Trigger string

// Run triggers.
const (
	TriggerTimer     Trigger = "timer"
	TriggerManual    Trigger = "manual"
	TriggerReconnect Trigger = "reconnect"
	TriggerFollowUp  Trigger = "follow_up"
)

// Notification is delivered after every run of an integration whose
// NotifyOnSync setting is on.
type Notification struct {
	IntegrationID  string
	Success        bool
	ItemsProcessed int
	Errors         []model.SyncError
	CompletedAt    time.Time
}

// Options configures a Scheduler.
type Options struct {
	Store   *store.Store
	Fetcher Fetcher

	// Queue receives local_wins and merge results that must be pushed.
	// Optional.
	Queue Queue

	Logger  *slog.Logger
	Metrics *Metrics

	// Notify receives sync notifications. Optional.
	Notify func(Notification)
}

// entry is the scheduler's state for one integration. Guarded by
// Scheduler.mu.
type entry struct {
	in        model.Integration
	status    model.SyncStatus
	hasStatus bool

	running   bool
	deferred  bool
	cancelRun context.CancelFunc
	stopTimer context.CancelFunc
	interval  time.Duration

	failures    int
	lastFailure time.Time
}

// Scheduler owns the integrations and their sync runs. It is safe for
// concurrent use.
type Scheduler struct {
	store   *store.Store
	fetcher Fetcher
	queue   Queue
	logger  *slog.Logger
	metrics *Metrics
	notify  func(Notification)

	mu      sync.Mutex
	entries map[string]*entry
	started bool
	stopped bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// newTicker and nowFunc are injectable for tests.
	newTicker func(d time.Duration) (<-chan time.Time, func())
	nowFunc   func() time.Time
}

// New creates a scheduler and loads the persisted integrations. Timers
// start with Start.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("scheduler: nil store")
	}

	if opts.Fetcher == nil {
		return nil, errors.New("scheduler: nil fetcher")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		store:     opts.Store,
		fetcher:   opts.Fetcher,
		queue:     opts.Queue,
		logger:    logger,
		metrics:   opts.Metrics,
		notify:    opts.Notify,
		entries:   make(map[string]*entry),
		baseCtx:   ctx,
		cancel:    cancel,
		newTicker: realTicker,
		nowFunc:   model.Now,
	}

	if err := s.loadIntegrations(); err != nil {
		cancel()
		return nil, err
	}

	return s, nil
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Start arms the timer of every integration. The scheduler stops when ctx
// is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()

	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}

	s.started = true

	for id, e := range s.entries {
		s.armLocked(id, e)
	}

	n := len(s.entries)
	s.mu.Unlock()

	s.logger.Info("scheduler started", slog.Int("integrations", n))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.baseCtx.Done():
		}
	}()
}

// Stop cancels every timer and active run and waits for background runs
// to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()
		return
	}

	s.stopped = true

	for _, e := range s.entries {
		if e.stopTimer != nil {
			e.stopTimer()
			e.stopTimer = nil
		}
	}

	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.logger.Info("scheduler stopped")
}

// armLocked (re)starts the timer for one integration. Caller holds s.mu.
func (s *Scheduler) armLocked(id string, e *entry) {
	if e.stopTimer != nil {
		e.stopTimer()
		e.stopTimer = nil
	}

	e.interval = e.in.Settings.SyncFrequency.Interval()

	if !s.started || s.stopped || e.interval == 0 {
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	e.stopTimer = cancel
	tick, stopTick := s.newTicker(e.interval)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer stopTick()

		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
				s.runInBackground(ctx, id, TriggerTimer)
			}
		}
	}()

	s.logger.Debug("timer armed",
		slog.String("integration", id),
		slog.Duration("interval", e.interval),
	)
}

// TimerInterval returns the interval of the integration's armed timer, or
// zero when none is armed.
func (s *Scheduler) TimerInterval(id string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.stopTimer == nil {
		return 0
	}

	return e.interval
}

// SyncIntegration runs one sync of the integration in the caller's
// goroutine. It returns ErrNotConnected, ErrSyncInProgress (a follow-up
// run is scheduled), or the errors of a failed run.
func (s *Scheduler) SyncIntegration(ctx context.Context, id string) error {
	return s.trigger(ctx, id, TriggerManual)
}

// CatchUp syncs every connected integration concurrently, including those
// that only sync on demand.
// Called when the network comes back. Busy integrations get a follow-up run.
func (s *Scheduler) CatchUp(ctx context.Context) {
	s.mu.Lock()

	ids := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		if e.in.Status == model.StatusConnected {
			ids = append(ids, id)
		}
	}

	s.mu.Unlock()

	s.logger.Info("reconnect catch-up", slog.Int("integrations", len(ids)))

	var g errgroup.Group

	for _, id := range ids {
		g.Go(func() error {
			if err := s.trigger(ctx, id, TriggerReconnect); err != nil && !errors.Is(err, ErrSyncInProgress) {
				s.logger.Warn("catch-up sync failed",
					slog.String("integration", id),
					slog.String("error", err.Error()),
				)
			}

			return nil
		})
	}

	_ = g.Wait()
}

// OnReconnect returns a hook for netmon.Monitor.OnReconnect that runs
// CatchUp in the background.
func (s *Scheduler) OnReconnect() func() {
	return func() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}

		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.CatchUp(s.baseCtx)
		}()
	}
}

// Status returns the latest sync status of an integration. ok is false
// when it has never run.
func (s *Scheduler) Status(id string) (model.SyncStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[id]
	if !found || !e.hasStatus {
		return model.SyncStatus{IntegrationID: id}, false
	}

	return e.status.Clone(), true
}

// Indicator returns the user-facing indicator for an integration.
func (s *Scheduler) Indicator(id string) (Indicator, error) {
	in, err := s.Integration(id)
	if err != nil {
		return Indicator{}, err
	}

	st, _ := s.Status(id)

	return IndicatorFor(in, st), nil
}

func (s *Scheduler) runInBackground(ctx context.Context, id string, trig Trigger) {
	err := s.trigger(ctx, id, trig)

	switch {
	case err == nil, errors.Is(err, ErrNotConnected), errors.Is(err, ErrSyncInProgress),
		errors.Is(err, ErrUnknownIntegration), errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
	default:
		s.logger.Warn("background sync failed",
			slog.String("integration", id),
			slog.String("trigger", string(trig)),
			slog.String("error", err.Error()),
		)
	}
}

// trigger performs the check-and-set of the active flag and runs the sync.
func (s *Scheduler) trigger(ctx context.Context, id string, trig Trigger) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}

	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownIntegration, id)
	}

	if e.in.Status != model.StatusConnected {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, id, e.in.Status)
	}

	if e.running {
		e.deferred = true
		s.mu.Unlock()

		s.logger.Debug("sync deferred",
			slog.String("integration", id),
			slog.String("trigger", string(trig)),
		)

		return fmt.Errorf("%w: %s", ErrSyncInProgress, id)
	}

	if trig == TriggerTimer {
		if wait := backoffDuration(e.failures); wait > 0 && s.nowFunc().Before(e.lastFailure.Add(wait)) {
			s.mu.Unlock()

			s.logger.Debug("timer sync suppressed by backoff",
				slog.String("integration", id),
				slog.Int("failures", e.failures),
			)

			return nil
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	started := s.nowFunc()

	e.running = true
	e.cancelRun = cancel
	e.hasStatus = true
	e.status = model.SyncStatus{
		IntegrationID:    id,
		IsActive:         true,
		CurrentOperation: "starting",
		StartedAt:        started,
	}
	in := e.in.Clone()

	s.mu.Unlock()

	s.metrics.runStarted()
	s.logger.Info("sync started",
		slog.String("integration", id),
		slog.String("trigger", string(trig)),
	)

	res := s.runProtected(runCtx, &in)
	cancel()

	s.finish(id, started, res)

	return res.err
}

// finish records the outcome of a run, persists the integration, and
// starts the deferred follow-up run if one was requested.
func (s *Scheduler) finish(id string, started time.Time, res runResult) {
	now := s.nowFunc()
	ok := res.err == nil

	s.mu.Lock()

	e, exists := s.entries[id]
	if !exists {
		s.mu.Unlock()
		s.metrics.runFinished(id, ok, now.Sub(started))
		s.logger.Info("sync finished for removed integration", slog.String("integration", id))

		return
	}

	e.running = false
	e.cancelRun = nil
	e.status.IsActive = false
	e.status.CompletedAt = &now

	switch {
	case ok:
		e.status.Progress = 100
		e.status.CurrentOperation = "completed"
		e.in.LastSync = &now
		e.failures = 0
	case res.authFailed:
		e.status.CurrentOperation = "authentication failed"
		e.in.Status = model.StatusError
		e.failures++
		e.lastFailure = now
	default:
		e.status.CurrentOperation = "failed"
		e.failures++
		e.lastFailure = now
	}

	in := e.in.Clone()
	st := e.status.Clone()
	notify := s.notify != nil && in.Settings.NotifyOnSync

	if e.deferred && !s.stopped {
		e.deferred = false
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			s.runInBackground(s.baseCtx, id, TriggerFollowUp)
		}()
	}

	s.mu.Unlock()

	if err := s.persist(&in); err != nil {
		s.logger.Error("persisting integration after sync",
			slog.String("integration", id),
			slog.String("error", err.Error()),
		)
	}

	s.metrics.runFinished(id, ok, now.Sub(started))

	s.logger.Info("sync finished",
		slog.String("integration", id),
		slog.Bool("success", ok),
		slog.Int("items", st.ItemsProcessed),
		slog.Int("errors", len(st.Errors)),
		slog.Duration("elapsed", now.Sub(started)),
	)

	if notify {
		s.notify(Notification{
			IntegrationID:  id,
			Success:        ok,
			ItemsProcessed: st.ItemsProcessed,
			Errors:         st.Errors,
			CompletedAt:    now,
		})
	}
}

// updateStatus applies fn to the integration's active status.
func (s *Scheduler) updateStatus(id string, fn func(st *model.SyncStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok && e.hasStatus {
		fn(&e.status)
	}
}

func (s *Scheduler) recordError(id string, se model.SyncError) {
	se.Timestamp = s.nowFunc()

	s.updateStatus(id, func(st *model.SyncStatus) {
		st.Errors = append(st.Errors, se)
	})

	s.metrics.errorRecorded(string(se.Class))
}

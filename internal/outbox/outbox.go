// Package outbox is the durable write-ahead queue for local writes that
// must reach a remote store. Entries live in the local store's outbox
// table, are delivered in enqueue order by a background loop with
// exponential backoff, and are removed only after the remote accepted
// them, so delivery is at-least-once.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/campusline/edusync/internal/model"
	"github.com/campusline/edusync/internal/remote"
	"github.com/campusline/edusync/internal/store"
)

// Defaults for Options.
const (
	DefaultInterval    = 30 * time.Second
	DefaultMaxAttempts = 10
	DefaultBaseBackoff = 5 * time.Second
	DefaultMaxBackoff  = time.Hour

	jitterFraction = 0.25
)

// Payload fields of an outbox entry record.
const (
	fieldKind        = "kind"
	fieldRecordID    = "recordId"
	fieldRecord      = "record"
	fieldAttempts    = "attempts"
	fieldNextAttempt = "nextAttempt"
	fieldLastError   = "lastError"
)

// Pusher sends one record to its remote store. Implemented by
// *remote.Client.
type Pusher interface {
	Push(ctx context.Context, kind model.Kind, in *model.Integration, rec model.Record) (model.Record, error)
}

// Integrations resolves an integration by ID. Implemented by
// *scheduler.Scheduler.
type Integrations interface {
	Integration(id string) (model.Integration, error)
}

// Options configures an Outbox.
type Options struct {
	Store        *store.Store
	Pusher       Pusher
	Integrations Integrations
	Logger       *slog.Logger

	// Interval between delivery passes of Run.
	Interval time.Duration

	// MaxAttempts before an entry is dropped and its record marked error.
	MaxAttempts int

	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Entry is one queued write.
type Entry struct {
	ID            string
	Kind          model.Kind
	IntegrationID string
	Record        model.Record
	Attempts      int
	NextAttempt   time.Time
	LastError     string
	CreatedAt     time.Time
}

// Outbox queues and delivers writes. It is safe for concurrent use.
type Outbox struct {
	store        *store.Store
	pusher       Pusher
	integrations Integrations
	logger       *slog.Logger

	interval    time.Duration
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	// deliverMu serializes delivery passes.
	deliverMu sync.Mutex

	wake  chan struct{}
	force chan struct{}

	nowFunc func() time.Time
}

// New creates an outbox over the store's outbox table.
func New(opts Options) (*Outbox, error) {
	if opts.Store == nil || opts.Pusher == nil || opts.Integrations == nil {
		return nil, errors.New("outbox: store, pusher and integrations are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Outbox{
		store:        opts.Store,
		pusher:       opts.Pusher,
		integrations: opts.Integrations,
		logger:       logger,
		interval:     opts.Interval,
		maxAttempts:  opts.MaxAttempts,
		baseBackoff:  opts.BaseBackoff,
		maxBackoff:   opts.MaxBackoff,
		wake:         make(chan struct{}, 1),
		force:        make(chan struct{}, 1),
		nowFunc:      model.Now,
	}

	if o.interval <= 0 {
		o.interval = DefaultInterval
	}

	if o.maxAttempts <= 0 {
		o.maxAttempts = DefaultMaxAttempts
	}

	if o.baseBackoff <= 0 {
		o.baseBackoff = DefaultBaseBackoff
	}

	if o.maxBackoff <= 0 {
		o.maxBackoff = DefaultMaxBackoff
	}

	return o, nil
}

// Enqueue durably queues rec for push to the integration and returns the
// entry ID. An undelivered entry for the same record is superseded.
func (o *Outbox) Enqueue(kind model.Kind, integrationID string, rec model.Record) (string, error) {
	if rec.ID == "" {
		return "", errors.New("outbox: record id is empty")
	}

	if _, err := o.store.Delete(store.TableOutbox, recordScope(kind, rec.ID)); err != nil {
		return "", fmt.Errorf("outbox: superseding %s/%s: %w", kind, rec.ID, err)
	}

	e := Entry{
		ID:            ulid.Make().String(),
		Kind:          kind,
		IntegrationID: integrationID,
		Record:        rec.Clone(),
	}

	if _, err := o.store.Insert(store.TableOutbox, entryToRecord(&e)); err != nil {
		return "", fmt.Errorf("outbox: enqueue %s/%s: %w", kind, rec.ID, err)
	}

	o.logger.Debug("write queued",
		slog.String("entry", e.ID),
		slog.String("kind", string(kind)),
		slog.String("id", rec.ID),
		slog.String("integration", integrationID),
	)

	o.Kick()

	return e.ID, nil
}

// Pending returns every queued entry in enqueue order.
func (o *Outbox) Pending() ([]Entry, error) {
	recs, err := o.store.FindMany(store.TableOutbox, nil, store.Ascending(model.FieldID))
	if err != nil {
		return nil, fmt.Errorf("outbox: listing: %w", err)
	}

	out := make([]Entry, 0, len(recs))

	for i := range recs {
		e, err := entryFromRecord(&recs[i])
		if err != nil {
			o.logger.Warn("skipping unreadable outbox entry",
				slog.String("entry", recs[i].ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		out = append(out, e)
	}

	return out, nil
}

// Cancel drops the undelivered entry for one record, if any. A delivery of
// that entry already in flight no longer touches the local copy when it
// completes.
func (o *Outbox) Cancel(kind model.Kind, recordID string) (bool, error) {
	n, err := o.store.Delete(store.TableOutbox, recordScope(kind, recordID))
	if err != nil {
		return false, fmt.Errorf("outbox: cancel %s/%s: %w", kind, recordID, err)
	}

	if n > 0 {
		o.logger.Debug("queued write cancelled",
			slog.String("kind", string(kind)),
			slog.String("id", recordID),
		)
	}

	return n > 0, nil
}

// Purge drops every entry queued for the integration.
func (o *Outbox) Purge(integrationID string) (int, error) {
	n, err := o.store.Delete(store.TableOutbox, store.Filter{model.FieldIntegrationID: integrationID})
	if err != nil {
		return 0, fmt.Errorf("outbox: purge %s: %w", integrationID, err)
	}

	return n, nil
}

// Kick wakes Run for a delivery pass of due entries.
func (o *Outbox) Kick() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// OnReconnect returns a hook for netmon.Monitor.OnReconnect that makes Run
// retry every entry immediately, ignoring backoff.
func (o *Outbox) OnReconnect() func() {
	return func() {
		select {
		case o.force <- struct{}{}:
		default:
		}
	}
}

// Run delivers due entries every interval and whenever kicked, until ctx
// is cancelled.
func (o *Outbox) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.logger.Info("outbox running", slog.Duration("interval", o.interval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.deliver(ctx, false)
		case <-o.wake:
			o.deliver(ctx, false)
		case <-o.force:
			o.deliver(ctx, true)
		}
	}
}

// Flush attempts every queued entry now, ignoring backoff, and returns the
// number delivered.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	return o.deliver(ctx, true)
}

// deliver runs one pass over the queue. Entries are attempted in order;
// entries whose integration is not connected wait without using attempts.
func (o *Outbox) deliver(ctx context.Context, force bool) (int, error) {
	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()

	entries, err := o.Pending()
	if err != nil {
		return 0, err
	}

	now := o.nowFunc()
	delivered := 0

	for i := range entries {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		e := &entries[i]
		if !force && now.Before(e.NextAttempt) {
			continue
		}

		ok, err := o.attempt(ctx, e)
		if err != nil {
			return delivered, err
		}

		if ok {
			delivered++
		}
	}

	if delivered > 0 {
		o.logger.Info("outbox delivered", slog.Int("entries", delivered))
	}

	return delivered, nil
}

// attempt pushes one entry. It returns true when the entry was delivered.
// The error is non-nil only for local store failures.
func (o *Outbox) attempt(ctx context.Context, e *Entry) (bool, error) {
	in, err := o.integrations.Integration(e.IntegrationID)
	if err != nil {
		o.logger.Warn("dropping outbox entry for unknown integration",
			slog.String("entry", e.ID),
			slog.String("integration", e.IntegrationID),
		)

		return false, o.remove(e.ID)
	}

	if in.Status != model.StatusConnected {
		return false, nil
	}

	pushed, err := o.pusher.Push(ctx, e.Kind, &in, e.Record)
	if err == nil {
		return true, o.acknowledge(e, pushed)
	}

	switch remote.Classify(err) {
	case model.ClassData:
		o.logger.Warn("remote rejected queued write",
			slog.String("entry", e.ID),
			slog.String("kind", string(e.Kind)),
			slog.String("id", e.Record.ID),
			slog.String("error", err.Error()),
		)

		return false, o.giveUp(e, err)
	default:
		return false, o.retryLater(e, err)
	}
}

// acknowledge removes a delivered entry and stores the remote's version as
// synced, unless the entry was cancelled or a newer entry for the same
// record is already queued.
func (o *Outbox) acknowledge(e *Entry, pushed model.Record) error {
	n, err := o.store.Delete(store.TableOutbox, store.Filter{model.FieldID: e.ID})
	if err != nil {
		return fmt.Errorf("outbox: removing %s: %w", e.ID, err)
	}

	// Cancelled or superseded while the push was in flight.
	if n == 0 {
		return nil
	}

	newer, err := o.store.Count(store.TableOutbox, recordScope(e.Kind, e.Record.ID))
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}

	if newer > 0 {
		return nil
	}

	if pushed.ID == "" {
		pushed = e.Record.Clone()
	}

	pushed.SyncStatus = model.StateSynced
	pushed.IntegrationID = e.IntegrationID

	if _, err := o.store.Upsert(e.Kind.Table(), pushed); err != nil {
		return fmt.Errorf("outbox: storing pushed %s/%s: %w", e.Kind, pushed.ID, err)
	}

	o.logger.Debug("queued write delivered",
		slog.String("entry", e.ID),
		slog.String("kind", string(e.Kind)),
		slog.String("id", pushed.ID),
	)

	return nil
}

func (o *Outbox) retryLater(e *Entry, cause error) error {
	e.Attempts++
	e.LastError = cause.Error()

	if e.Attempts >= o.maxAttempts {
		o.logger.Error("queued write abandoned after retries",
			slog.String("entry", e.ID),
			slog.String("kind", string(e.Kind)),
			slog.String("id", e.Record.ID),
			slog.Int("attempts", e.Attempts),
			slog.String("error", e.LastError),
		)

		return o.giveUp(e, cause)
	}

	e.NextAttempt = o.nowFunc().Add(o.backoff(e.Attempts))

	o.logger.Debug("queued write will retry",
		slog.String("entry", e.ID),
		slog.Int("attempts", e.Attempts),
		slog.Time("next", e.NextAttempt),
		slog.String("error", e.LastError),
	)

	if _, err := o.store.Upsert(store.TableOutbox, entryToRecord(e)); err != nil {
		return fmt.Errorf("outbox: updating %s: %w", e.ID, err)
	}

	return nil
}

// giveUp drops the entry and flags the local record so the UI can show
// that the write never reached the remote.
func (o *Outbox) giveUp(e *Entry, cause error) error {
	if err := o.remove(e.ID); err != nil {
		return err
	}

	patch := model.Record{SyncStatus: model.StateError}
	where := store.Filter{model.FieldID: e.Record.ID}

	if _, err := o.store.Update(e.Kind.Table(), patch, where); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("outbox: flagging %s/%s after %v: %w", e.Kind, e.Record.ID, cause, err)
	}

	return nil
}

func (o *Outbox) remove(id string) error {
	if _, err := o.store.Delete(store.TableOutbox, store.Filter{model.FieldID: id}); err != nil {
		return fmt.Errorf("outbox: removing %s: %w", id, err)
	}

	return nil
}

// backoff returns the delay before the given attempt: exponential from
// baseBackoff, capped at maxBackoff, with ±25% jitter.
func (o *Outbox) backoff(attempt int) time.Duration {
	d := o.baseBackoff
	for i := 1; i < attempt && d < o.maxBackoff; i++ {
		d *= 2
	}

	d = min(d, o.maxBackoff)
	jitter := float64(d) * jitterFraction * (rand.Float64()*2 - 1)

	return time.Duration(float64(d) + jitter)
}

func recordScope(kind model.Kind, id string) store.Filter {
	return store.Filter{fieldKind: string(kind), fieldRecordID: id}
}

func entryToRecord(e *Entry) model.Record {
	next := ""
	if !e.NextAttempt.IsZero() {
		next = e.NextAttempt.UTC().Format(time.RFC3339Nano)
	}

	return model.Record{
		ID:            e.ID,
		OwnerID:       e.Record.OwnerID,
		IntegrationID: e.IntegrationID,
		CreatedAt:     e.CreatedAt,
		Fields: map[string]any{
			fieldKind:        string(e.Kind),
			fieldRecordID:    e.Record.ID,
			fieldRecord:      e.Record.Flat(),
			fieldAttempts:    float64(e.Attempts),
			fieldNextAttempt: next,
			fieldLastError:   e.LastError,
		},
	}
}

func entryFromRecord(rec *model.Record) (Entry, error) {
	kindName, _ := rec.Fields[fieldKind].(string)

	kind, err := model.ParseKind(kindName)
	if err != nil {
		return Entry{}, err
	}

	flat, ok := rec.Fields[fieldRecord].(map[string]any)
	if !ok {
		return Entry{}, fmt.Errorf("outbox: entry %s has no record", rec.ID)
	}

	payload, err := model.RecordFromFlat(flat)
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: entry %s: %w", rec.ID, err)
	}

	next, _ := rec.Fields[fieldNextAttempt].(string)

	nextAt, err := model.ParseTime(next)
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: entry %s: %w", rec.ID, err)
	}

	attempts, _ := rec.Fields[fieldAttempts].(float64)
	lastErr, _ := rec.Fields[fieldLastError].(string)

	return Entry{
		ID:            rec.ID,
		Kind:          kind,
		IntegrationID: rec.IntegrationID,
		Record:        payload,
		Attempts:      int(attempts),
		NextAttempt:   nextAt,
		LastError:     strings.TrimSpace(lastErr),
		CreatedAt:     rec.CreatedAt,
	}, nil
}

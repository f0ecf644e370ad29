// Package cachefirst is the read/write facade the application talks to. A
// read is answered by the remote store when reachable and by the local
// store otherwise; a write goes to the remote first and is mirrored
// locally only on success, or is queued for background delivery.
package cachefirst

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/campusline/edusync/internal/capability"
	"github.com/campusline/edusync/internal/model"
	"github.com/campusline/edusync/internal/realtime"
	"github.com/campusline/edusync/internal/remote"
	"github.com/campusline/edusync/internal/store"
)

// Sentinel errors.
var (
	// ErrOffline is returned by writes that need the remote store while
	// the device is offline.
	ErrOffline = errors.New("cachefirst: offline")

	// ErrNotCached is returned by reads that cannot reach the remote store
	// and have no local copy.
	ErrNotCached = errors.New("cachefirst: not cached")

	// ErrNoIntegration is returned when no connected integration serves
	// a kind.
	ErrNoIntegration = errors.New("cachefirst: no integration serves kind")

	// ErrNotFound is returned when the remote store has no such record.
	ErrNotFound = errors.New("cachefirst: not found")
)

// Contract is the surface screens and other collaborators consume.
type Contract interface {
	Read(ctx context.Context, kind model.Kind, id string) (Result, error)
	Write(ctx context.Context, kind model.Kind, rec model.Record) (model.Record, error)
	Subscribe(ctx context.Context, kind model.Kind, q realtime.Query, cb realtime.Callback) (func(), error)
	SyncIntegration(ctx context.Context, id string) error
}

// Remote reads and writes single documents. Implemented by *remote.Client.
type Remote interface {
	Get(ctx context.Context, kind model.Kind, in *model.Integration, id string) (model.Record, error)
	Push(ctx context.Context, kind model.Kind, in *model.Integration, rec model.Record) (model.Record, error)
}

// Connectivity reports the network state. Implemented by *netmon.Monitor.
type Connectivity interface {
	IsOffline() bool
}

// Integrations lists the configured integrations and runs manual syncs.
// Implemented by *scheduler.Scheduler.
type Integrations interface {
	Integrations() []model.Integration
	SyncIntegration(ctx context.Context, id string) error
}

// Subscriber opens live queries. Implemented by *realtime.Manager.
type Subscriber interface {
	Subscribe(ctx context.Context, kind model.Kind, q realtime.Query, cb realtime.Callback) (func(), error)
}

// Queue accepts writes for background delivery. Implemented by
// *outbox.Outbox.
type Queue interface {
	Enqueue(kind model.Kind, integrationID string, rec model.Record) (string, error)
}

// Result is the outcome of a read.
type Result struct {
	Record model.Record

	// FromCache is set when the record came from the local store.
	FromCache bool

	// Stale is set when the remote store was asked for but could not
	// answer, so the local copy may be out of date.
	Stale bool
}

// Options configures a Layer. Subscriber and Queue are optional.
type Options struct {
	Store        *store.Store
	Remote       Remote
	Network      Connectivity
	Integrations Integrations
	Subscriber   Subscriber
	Queue        Queue
	Logger       *slog.Logger

	// Primary is preferred when several integrations serve a kind.
	Primary string
}

// Layer implements Contract.
type Layer struct {
	store        *store.Store
	remote       Remote
	network      Connectivity
	integrations Integrations
	subscriber   Subscriber
	queue        Queue
	logger       *slog.Logger
	primary      string

	reads singleflight.Group
}

var _ Contract = (*Layer)(nil)

// New creates the facade.
func New(opts Options) (*Layer, error) {
	if opts.Store == nil || opts.Remote == nil || opts.Network == nil || opts.Integrations == nil {
		return nil, errors.New("cachefirst: store, remote, network and integrations are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Layer{
		store:        opts.Store,
		remote:       opts.Remote,
		network:      opts.Network,
		integrations: opts.Integrations,
		subscriber:   opts.Subscriber,
		queue:        opts.Queue,
		logger:       logger,
		primary:      opts.Primary,
	}, nil
}

// Read returns one record. A local copy with unsent changes is returned as
// is so a remote read cannot overwrite it.
func (l *Layer) Read(ctx context.Context, kind model.Kind, id string) (Result, error) {
	if err := capability.Check(ctx, capability.ReadRecords); err != nil {
		return Result{}, err
	}

	id = remote.NormalizeID(id)
	table := kind.Table()

	local, err := l.store.FindOne(table, store.Filter{model.FieldID: id})

	var cached *model.Record

	switch {
	case err == nil:
		cached = &local
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, fmt.Errorf("cachefirst: read %s/%s: %w", kind, id, err)
	}

	if cached != nil && dirty(cached) {
		return Result{Record: *cached, FromCache: true}, nil
	}

	in, err := l.integrationFor(kind, cached)
	if err != nil {
		if cached != nil {
			return Result{Record: *cached, FromCache: true}, nil
		}

		return Result{}, fmt.Errorf("%w: %s/%s", ErrNotCached, kind, id)
	}

	if l.network.IsOffline() {
		return l.fallback(kind, id, cached, ErrOffline)
	}

	v, err, shared := l.reads.Do(string(kind)+"/"+id, func() (any, error) {
		return l.refresh(ctx, kind, &in, id)
	})

	if shared {
		l.logger.Debug("read shared in-flight fetch",
			slog.String("kind", string(kind)),
			slog.String("id", id),
		)
	}

	switch {
	case err == nil:
		return Result{Record: v.(model.Record).Clone()}, nil
	case errors.Is(err, ErrNotFound):
		return Result{}, err
	default:
		return l.fallback(kind, id, cached, err)
	}
}

// refresh fetches one record and replaces the cache entry with it. A
// record the remote no longer has is removed from the cache.
func (l *Layer) refresh(ctx context.Context, kind model.Kind, in *model.Integration, id string) (model.Record, error) {
	table := kind.Table()
	entry := store.Filter{model.FieldID: id}

	rec, err := l.remote.Get(ctx, kind, in, id)
	if errors.Is(err, remote.ErrNotFound) {
		if _, derr := l.store.Delete(table, entry); derr != nil {
			return model.Record{}, fmt.Errorf("cachefirst: evicting %s/%s: %w", kind, id, derr)
		}

		return model.Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}

	if err != nil {
		return model.Record{}, err
	}

	rec.IntegrationID = in.ID
	rec.SyncStatus = model.StateSynced

	if err := l.store.Replace(table, entry, []model.Record{rec}); err != nil {
		return model.Record{}, fmt.Errorf("cachefirst: caching %s/%s: %w", kind, id, err)
	}

	return rec, nil
}

func (l *Layer) fallback(kind model.Kind, id string, cached *model.Record, cause error) (Result, error) {
	if cached == nil {
		return Result{}, fmt.Errorf("%w: %s/%s: %w", ErrNotCached, kind, id, cause)
	}

	l.logger.Debug("serving cached record",
		slog.String("kind", string(kind)),
		slog.String("id", id),
		slog.String("reason", cause.Error()),
	)

	return Result{Record: *cached, FromCache: true, Stale: true}, nil
}

// Write pushes rec to the remote store and mirrors the stored version
// locally. On failure the local store is left untouched.
func (l *Layer) Write(ctx context.Context, kind model.Kind, rec model.Record) (model.Record, error) {
	if err := capability.Check(ctx, capability.ForWrite(kind)); err != nil {
		return model.Record{}, err
	}

	in, err := l.integrationFor(kind, nil)
	if err != nil {
		return model.Record{}, err
	}

	if l.network.IsOffline() {
		return model.Record{}, fmt.Errorf("cachefirst: write %s/%s: %w", kind, rec.ID, ErrOffline)
	}

	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = model.Now()
	}

	stored, err := l.remote.Push(ctx, kind, &in, rec)
	if err != nil {
		return model.Record{}, fmt.Errorf("cachefirst: write %s/%s: %w", kind, rec.ID, err)
	}

	stored.IntegrationID = in.ID
	stored.SyncStatus = model.StateSynced

	saved, err := l.store.Upsert(kind.Table(), stored)
	if err != nil {
		return model.Record{}, fmt.Errorf("cachefirst: mirroring %s/%s: %w", kind, stored.ID, err)
	}

	l.logger.Debug("record written through",
		slog.String("kind", string(kind)),
		slog.String("id", saved.ID),
		slog.String("integration", in.ID),
	)

	return saved, nil
}

// WriteQueued stores rec locally as pending and queues it for delivery.
// It succeeds offline.
func (l *Layer) WriteQueued(ctx context.Context, kind model.Kind, rec model.Record) (model.Record, error) {
	if err := capability.Check(ctx, capability.ForWrite(kind)); err != nil {
		return model.Record{}, err
	}

	if l.queue == nil {
		return model.Record{}, errors.New("cachefirst: no outbox configured")
	}

	in, err := l.integrationFor(kind, nil)
	if err != nil {
		return model.Record{}, err
	}

	rec.ID = remote.NormalizeID(rec.ID)
	rec.IntegrationID = in.ID
	rec.SyncStatus = model.StatePending
	rec.LastUpdated = model.Now()

	saved, err := l.store.Upsert(kind.Table(), rec)
	if err != nil {
		return model.Record{}, fmt.Errorf("cachefirst: queued write %s: %w", kind, err)
	}

	if _, err := l.queue.Enqueue(kind, in.ID, saved); err != nil {
		return model.Record{}, fmt.Errorf("cachefirst: queued write %s/%s: %w", kind, saved.ID, err)
	}

	return saved, nil
}

// Subscribe opens a live query.
func (l *Layer) Subscribe(ctx context.Context, kind model.Kind, q realtime.Query, cb realtime.Callback) (func(), error) {
	if err := capability.Check(ctx, capability.ReadRecords); err != nil {
		return nil, err
	}

	if l.subscriber == nil {
		return nil, errors.New("cachefirst: live queries are not configured")
	}

	return l.subscriber.Subscribe(ctx, kind, q, cb)
}

// SyncIntegration runs a manual sync of one integration.
func (l *Layer) SyncIntegration(ctx context.Context, id string) error {
	return l.integrations.SyncIntegration(ctx, id)
}

// integrationFor picks the connected integration serving kind: the one the
// cached record came from, then the primary, then the first by ID.
func (l *Layer) integrationFor(kind model.Kind, cached *model.Record) (model.Integration, error) {
	var candidates []model.Integration

	for _, in := range l.integrations.Integrations() {
		if in.Status == model.StatusConnected && in.Serves(kind) {
			candidates = append(candidates, in)
		}
	}

	prefer := func(id string) (model.Integration, bool) {
		for _, in := range candidates {
			if id != "" && in.ID == id {
				return in, true
			}
		}

		return model.Integration{}, false
	}

	if cached != nil {
		if in, ok := prefer(cached.IntegrationID); ok {
			return in, nil
		}
	}

	if in, ok := prefer(l.primary); ok {
		return in, nil
	}

	if len(candidates) > 0 {
		return candidates[0], nil
	}

	return model.Integration{}, fmt.Errorf("%w: %s", ErrNoIntegration, kind)
}

// dirty reports whether the local copy holds changes the remote has not
// accepted yet.
func dirty(rec *model.Record) bool {
	return rec.SyncStatus == model.StatePending || rec.SyncStatus == model.StateConflict
}

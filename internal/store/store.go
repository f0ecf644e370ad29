// Package store implements the local record store: named tables of
// model.Record held in memory and flushed to a Durable backend.
//
// Every mutation is applied to the in-memory table first and then handed to
// that table's flush goroutine as a full snapshot. Flushes for one table
// never interleave and a burst of mutations coalesces into the latest
// snapshot. A crash between a mutation and its flush loses the mutation.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/campusline/edusync/internal/model"
)

// Tables that are not entity kinds.
const (
	TableIntegrations = "integrations"
	TableConflicts    = "conflicts"
	TableOutbox       = "outbox"
)

// DefaultAppName namespaces durable keys when Options.AppName is empty.
const DefaultAppName = "edusync"

// maxParallelLoads bounds concurrent durable reads during Open.
const maxParallelLoads = 4

// DefaultTables returns every table the sync layer uses.
func DefaultTables() []string {
	tables := make([]string, 0, len(model.AllKinds)+3)
	for _, k := range model.AllKinds {
		tables = append(tables, k.Table())
	}

	return append(tables, TableIntegrations, TableConflicts, TableOutbox)
}

// Options configures Open.
type Options struct {
	// AppName prefixes durable keys: "<app>_<table>".
	AppName string

	// Tables to open. Defaults to DefaultTables().
	Tables []string

	Logger *slog.Logger

	// OnStorageError is called for every durable load or save failure.
	OnStorageError func(*StorageError)
}

// Store is the in-memory-first record store. It is safe for concurrent use.
type Store struct {
	durable Durable
	logger  *slog.Logger
	onErr   func(*StorageError)
	tables  map[string]*table // fixed after Open

	errMu sync.Mutex
	errs  []*StorageError

	flushCtx    context.Context
	stopFlush   context.CancelFunc
	flushDone   sync.WaitGroup
	closed      atomic.Bool
	closeResult error
	closeOnce   sync.Once
}

type table struct {
	name string
	key  string

	mu      sync.RWMutex
	records []model.Record
	index   map[string]int

	flush *flusher
}

// flusher holds the latest unwritten snapshot of one table.
type flusher struct {
	mu        sync.Mutex
	snapshot  []model.Record
	dirty     bool
	submitted uint64
	written   uint64
	lastErr   error
	progress  chan struct{} // closed and replaced after every write

	wake chan struct{}
}

// Open loads every table from durable and starts the flush goroutines. A
// table whose durable data cannot be read or decoded starts empty; the
// failure is logged and recorded as a StorageError.
func Open(ctx context.Context, durable Durable, opts Options) (*Store, error) {
	if durable == nil {
		return nil, errors.New("store: nil durable backend")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	app := opts.AppName
	if app == "" {
		app = DefaultAppName
	}

	names := opts.Tables
	if len(names) == 0 {
		names = DefaultTables()
	}

	flushCtx, stop := context.WithCancel(context.Background())

	s := &Store{
		durable:   durable,
		logger:    logger,
		onErr:     opts.OnStorageError,
		tables:    make(map[string]*table, len(names)),
		flushCtx:  flushCtx,
		stopFlush: stop,
	}

	for _, name := range names {
		s.tables[name] = &table{
			name:  name,
			key:   app + "_" + name,
			index: make(map[string]int),
			flush: &flusher{
				progress: make(chan struct{}),
				wake:     make(chan struct{}, 1),
			},
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLoads)

	for _, t := range s.tables {
		g.Go(func() error {
			s.load(gctx, t)
			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		stop()
		return nil, fmt.Errorf("store: open cancelled: %w", err)
	}

	for _, t := range s.tables {
		s.flushDone.Add(1)

		go s.runFlusher(t)
	}

	logger.Info("store opened", slog.Int("tables", len(s.tables)))

	return s, nil
}

func (s *Store) load(ctx context.Context, t *table) {
	data, err := s.durable.Load(ctx, t.key)

	var records []model.Record
	if err == nil {
		records, err = decodeSnapshot(data)
	}

	if err != nil {
		s.recordError(&StorageError{Table: t.name, Op: "load", Err: err})
		return
	}

	t.records = records
	for i := range records {
		t.index[records[i].ID] = i
	}

	s.logger.Debug("table loaded", slog.String("table", t.name), slog.Int("records", len(records)))
}

func (s *Store) recordError(e *StorageError) {
	s.logger.Error("storage failure",
		slog.String("table", e.Table),
		slog.String("op", e.Op),
		slog.String("error", e.Err.Error()),
	)

	s.errMu.Lock()
	s.errs = append(s.errs, e)
	s.errMu.Unlock()

	if s.onErr != nil {
		s.onErr(e)
	}
}

// StorageErrors returns every durable failure recorded since Open.
func (s *Store) StorageErrors() []*StorageError {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return slices.Clone(s.errs)
}

func (s *Store) table(name string) (*table, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}

	return t, nil
}

// Insert adds a new record. An empty ID is replaced with a fresh UUID and
// zero timestamps are set to now. It returns the stored copy.
func (s *Store) Insert(tableName string, rec model.Record) (model.Record, error) {
	t, err := s.table(tableName)
	if err != nil {
		return model.Record{}, err
	}

	rec = rec.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if err := prepare(&rec); err != nil {
		return model.Record{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.index[rec.ID]; exists {
		return model.Record{}, fmt.Errorf("%w: %s/%s", ErrDuplicate, tableName, rec.ID)
	}

	t.index[rec.ID] = len(t.records)
	t.records = append(t.records, rec)
	t.submit()

	return rec.Clone(), nil
}

// Upsert inserts rec or replaces the stored record with the same ID. The
// stored CreatedAt is kept when rec has none and LastUpdated never moves
// backwards.
func (s *Store) Upsert(tableName string, rec model.Record) (model.Record, error) {
	t, err := s.table(tableName)
	if err != nil {
		return model.Record{}, err
	}

	rec = rec.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if err := rec.Normalize(); err != nil {
		return model.Record{}, fmt.Errorf("store: upsert %s: %w", tableName, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if i, exists := t.index[rec.ID]; exists {
		inherit(&rec, &t.records[i])
		t.records[i] = rec
	} else {
		stampNew(&rec)
		t.index[rec.ID] = len(t.records)
		t.records = append(t.records, rec)
	}

	t.submit()

	return rec.Clone(), nil
}

// Update applies patch to every record matching where and returns the number
// of records changed. Payload fields in patch are merged into the stored
// payload; non-empty top-level fields replace the stored ones.
func (s *Store) Update(tableName string, patch model.Record, where Filter) (int, error) {
	t, err := s.table(tableName)
	if err != nil {
		return 0, err
	}

	patch = patch.Clone()
	patch.ID = "patch"
	status := patch.SyncStatus

	if err := patch.Normalize(); err != nil {
		return 0, fmt.Errorf("store: update %s: %w", tableName, err)
	}

	patch.SyncStatus = status

	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0

	for i := range t.records {
		if !where.Match(&t.records[i]) {
			continue
		}

		t.records[i] = applyPatch(t.records[i], patch)
		n++
	}

	if n > 0 {
		t.submit()
	}

	return n, nil
}

// Delete removes every record matching where and returns how many were
// removed.
func (s *Store) Delete(tableName string, where Filter) (int, error) {
	t, err := s.table(tableName)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.records[:0:0]
	for i := range t.records {
		if !where.Match(&t.records[i]) {
			kept = append(kept, t.records[i])
		}
	}

	n := len(t.records) - len(kept)
	if n > 0 {
		t.setRecords(kept)
		t.submit()
	}

	return n, nil
}

// Replace atomically swaps every record matching scope for records. Records
// outside the scope are untouched. A record in records whose ID is held by
// an out-of-scope record takes its place. Readers see either the old or the
// new set, never a mix.
func (s *Store) Replace(tableName string, scope Filter, records []model.Record) error {
	t, err := s.table(tableName)
	if err != nil {
		return err
	}

	incoming := make([]model.Record, len(records))
	ids := make(map[string]bool, len(records))

	for i := range records {
		rec := records[i].Clone()
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}

		if err := rec.Normalize(); err != nil {
			return fmt.Errorf("store: replace %s: %w", tableName, err)
		}

		if ids[rec.ID] {
			return fmt.Errorf("%w: %s/%s", ErrDuplicate, tableName, rec.ID)
		}

		ids[rec.ID] = true
		incoming[i] = rec
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	kept := make([]model.Record, 0, len(t.records)+len(incoming))

	for i := range t.records {
		old := &t.records[i]
		if scope.Match(old) {
			continue
		}

		if !ids[old.ID] {
			kept = append(kept, *old)
			continue
		}

		s.logger.Warn("replace moved record into scope",
			slog.String("table", tableName),
			slog.String("id", old.ID),
		)
	}

	for i := range incoming {
		if j, ok := t.index[incoming[i].ID]; ok {
			inherit(&incoming[i], &t.records[j])
		} else {
			stampNew(&incoming[i])
		}
	}

	t.setRecords(append(kept, incoming...))
	t.submit()

	return nil
}

// FindOne returns the first record matching where or ErrNotFound.
func (s *Store) FindOne(tableName string, where Filter) (model.Record, error) {
	t, err := s.table(tableName)
	if err != nil {
		return model.Record{}, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if id, ok := where[model.FieldID].(string); ok {
		i, found := t.index[id]
		if !found || !where.Match(&t.records[i]) {
			return model.Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, tableName, id)
		}

		return t.records[i].Clone(), nil
	}

	for i := range t.records {
		if where.Match(&t.records[i]) {
			return t.records[i].Clone(), nil
		}
	}

	return model.Record{}, fmt.Errorf("%w: %s", ErrNotFound, tableName)
}

// FindMany returns copies of every record matching where, sorted by order.
// The zero OrderBy keeps insertion order.
func (s *Store) FindMany(tableName string, where Filter, order OrderBy) ([]model.Record, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()

	out := make([]model.Record, 0, len(t.records))
	for i := range t.records {
		if where.Match(&t.records[i]) {
			out = append(out, t.records[i].Clone())
		}
	}

	t.mu.RUnlock()

	if order.Field != "" {
		slices.SortStableFunc(out, func(a, b model.Record) int {
			return order.compare(&a, &b)
		})
	}

	return out, nil
}

// Count returns the number of records matching where.
func (s *Store) Count(tableName string, where Filter) (int, error) {
	t, err := s.table(tableName)
	if err != nil {
		return 0, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for i := range t.records {
		if where.Match(&t.records[i]) {
			n++
		}
	}

	return n, nil
}

// Flush blocks until every snapshot submitted before the call has been
// written. It returns the save errors of those writes, if any.
func (s *Store) Flush(ctx context.Context) error {
	var errs []error

	for _, t := range s.tables {
		if err := t.flush.waitFor(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Close flushes pending snapshots, stops the flush goroutines, and closes
// the durable backend. Mutations after Close return ErrClosed.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		flushErr := s.Flush(ctx)

		s.stopFlush()
		s.flushDone.Wait()

		s.closeResult = errors.Join(flushErr, s.durable.Close())
		s.logger.Info("store closed")
	})

	return s.closeResult
}

func (s *Store) runFlusher(t *table) {
	defer s.flushDone.Done()

	for {
		select {
		case <-s.flushCtx.Done():
			return
		case <-t.flush.wake:
			s.writeSnapshot(t)
		}
	}
}

func (s *Store) writeSnapshot(t *table) {
	f := t.flush

	f.mu.Lock()
	if !f.dirty {
		f.mu.Unlock()
		return
	}

	snap, seq := f.snapshot, f.submitted
	f.snapshot, f.dirty = nil, false
	f.mu.Unlock()

	data, err := encodeSnapshot(snap)
	if err == nil {
		err = s.durable.Save(s.flushCtx, t.key, data)
	}

	if err != nil {
		serr := &StorageError{Table: t.name, Op: "save", Err: err}
		s.recordError(serr)
		err = serr
	} else {
		s.logger.Debug("table flushed", slog.String("table", t.name), slog.Int("records", len(snap)))
	}

	f.mu.Lock()
	f.written = seq
	f.lastErr = err
	close(f.progress)
	f.progress = make(chan struct{})
	f.mu.Unlock()
}

// submit queues the current records for flushing. Callers hold t.mu, so
// submissions are ordered like the mutations that produced them.
func (t *table) submit() {
	f := t.flush

	f.mu.Lock()
	f.snapshot = slices.Clone(t.records)
	f.dirty = true
	f.submitted++
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (t *table) setRecords(records []model.Record) {
	t.records = records
	t.index = make(map[string]int, len(records))

	for i := range records {
		t.index[records[i].ID] = i
	}
}

func (f *flusher) waitFor(ctx context.Context) error {
	f.mu.Lock()
	target := f.submitted
	f.mu.Unlock()

	for {
		f.mu.Lock()
		if f.written >= target {
			err := f.lastErr
			f.mu.Unlock()

			return err
		}

		progress := f.progress
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-progress:
		}
	}
}

func prepare(rec *model.Record) error {
	if err := rec.Normalize(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	stampNew(rec)

	return nil
}

func stampNew(rec *model.Record) {
	now := model.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = now
	}
}

// inherit fills rec from the stored version it replaces.
func inherit(rec, old *model.Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = old.CreatedAt
	}

	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = model.Now()
	}

	if rec.LastUpdated.Before(old.LastUpdated) {
		rec.LastUpdated = old.LastUpdated
	}
}

func applyPatch(old, patch model.Record) model.Record {
	out := old.Clone()

	for k, v := range patch.Fields {
		out.Fields[k] = v
	}

	if patch.OwnerID != "" {
		out.OwnerID = patch.OwnerID
	}

	if patch.ExternalID != "" {
		out.ExternalID = patch.ExternalID
	}

	if patch.IntegrationID != "" {
		out.IntegrationID = patch.IntegrationID
	}

	if patch.SyncStatus != "" {
		out.SyncStatus = patch.SyncStatus
	}

	if len(patch.FieldUpdated) > 0 {
		if out.FieldUpdated == nil {
			out.FieldUpdated = make(map[string]time.Time, len(patch.FieldUpdated))
		}

		for k, ts := range patch.FieldUpdated {
			out.FieldUpdated[k] = ts
		}
	}

	ts := patch.LastUpdated
	if ts.IsZero() {
		ts = model.Now()
	}

	if ts.After(out.LastUpdated) {
		out.LastUpdated = ts
	}

	return out
}

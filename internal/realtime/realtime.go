// Package realtime keeps local collections current with live remote
// queries. Each subscription holds one websocket to the remote store; every
// frame carries the full current result set, which replaces the
// subscription's scope of the local table before the callback runs.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/campusline/edusync/internal/model"
	"github.com/campusline/edusync/internal/remote"
	"github.com/campusline/edusync/internal/store"
)

// Reconnect backoff.
const (
	baseBackoff    = time.Second
	maxBackoff     = 30 * time.Second
	jitterFraction = 0.25

	// maxFrameBytes bounds one result-set frame.
	maxFrameBytes = 32 << 20
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("realtime: manager closed")

// Watcher builds the websocket request of a live query. Implemented by
// *remote.Client.
type Watcher interface {
	WatchRequest(ctx context.Context, kind model.Kind, in *model.Integration, ownerID string, filters map[string]string) (string, http.Header, error)
}

// Integrations resolves an integration by ID.
type Integrations interface {
	Integration(id string) (model.Integration, error)
}

// Query selects the records of one subscription.
type Query struct {
	// IntegrationID names the remote store. Empty selects the manager's
	// default integration.
	IntegrationID string

	OwnerID string

	// Filters are equality tests on payload fields named as they are
	// locally, applied remotely and used as the local replace scope.
	// Values are parsed by field type; unknown fields fail Subscribe.
	Filters map[string]string

	// OrderBy is the timestamp field results are sorted on, newest first.
	// Defaults to lastUpdated.
	OrderBy string
}

// Callback receives the current result set after it has been stored.
type Callback func(records []model.Record)

// Options configures a Manager.
type Options struct {
	Store        *store.Store
	Watcher      Watcher
	Integrations Integrations
	Logger       *slog.Logger

	// DefaultIntegration serves queries that name none.
	DefaultIntegration string

	// HTTPClient is used for the websocket handshake.
	HTTPClient *http.Client
}

// Manager owns every live subscription.
type Manager struct {
	store        *store.Store
	watcher      Watcher
	integrations Integrations
	logger       *slog.Logger
	defaultID    string
	httpClient   *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	// sleepFunc waits between reconnects. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

type subscription struct {
	id     uint64
	kind   model.Kind
	in     model.Integration
	query  Query
	scope  store.Filter
	cb     Callback
	cancel context.CancelFunc
}

// NewManager creates a manager. Call Close to end every subscription.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Watcher == nil || opts.Integrations == nil {
		return nil, errors.New("realtime: store, watcher and integrations are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		store:        opts.Store,
		watcher:      opts.Watcher,
		integrations: opts.Integrations,
		logger:       logger,
		defaultID:    opts.DefaultIntegration,
		httpClient:   opts.HTTPClient,
		ctx:          ctx,
		cancel:       cancel,
		subs:         make(map[uint64]*subscription),
		sleepFunc:    sleepCtx,
	}, nil
}

// Subscribe opens a live query. The subscription lasts until the returned
// unsubscribe is called, ctx is cancelled, or the manager is closed.
// Unsubscribe is idempotent and may be called from the callback.
func (m *Manager) Subscribe(ctx context.Context, kind model.Kind, q Query, cb Callback) (func(), error) {
	if cb == nil {
		return nil, errors.New("realtime: callback is nil")
	}

	mapping, err := remote.MappingFor(kind)
	if err != nil {
		return nil, fmt.Errorf("realtime: %w", err)
	}

	_, filters, err := mapping.TranslateFilters(q.Filters)
	if err != nil {
		return nil, fmt.Errorf("realtime: subscribe %s: %w", kind, err)
	}

	if q.IntegrationID == "" {
		q.IntegrationID = m.defaultID
	}

	in, err := m.integrations.Integration(q.IntegrationID)
	if err != nil {
		return nil, fmt.Errorf("realtime: subscribe %s: %w", kind, err)
	}

	if !in.Serves(kind) {
		return nil, fmt.Errorf("realtime: integration %s does not serve %s", in.ID, kind)
	}

	if q.OrderBy == "" {
		q.OrderBy = model.FieldLastUpdated
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	m.nextID++
	subCtx, cancel := context.WithCancel(m.ctx)
	sub := &subscription{
		id:     m.nextID,
		kind:   kind,
		in:     in,
		query:  q,
		scope:  scopeOf(in.ID, q.OwnerID, filters),
		cb:     cb,
		cancel: cancel,
	}
	m.subs[sub.id] = sub
	m.wg.Add(1)
	m.mu.Unlock()

	stopAfter := context.AfterFunc(ctx, cancel)

	go func() {
		defer m.wg.Done()
		m.run(subCtx, sub)
	}()

	m.logger.Info("subscription opened",
		slog.String("kind", string(kind)),
		slog.String("integration", in.ID),
		slog.String("owner", q.OwnerID),
	)

	var once sync.Once

	return func() {
		once.Do(func() {
			stopAfter()
			cancel()

			m.mu.Lock()
			delete(m.subs, sub.id)
			m.mu.Unlock()
		})
	}, nil
}

// Active returns the number of open subscriptions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.subs)
}

// Close ends every subscription and waits for their goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[uint64]*subscription)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// run keeps one subscription's channel open, reconnecting with backoff.
func (m *Manager) run(ctx context.Context, sub *subscription) {
	defer func() {
		m.mu.Lock()
		delete(m.subs, sub.id)
		m.mu.Unlock()
	}()

	failures := 0

	for {
		frames, err := m.stream(ctx, sub)
		if ctx.Err() != nil {
			return
		}

		if frames > 0 {
			failures = 0
		}

		failures++
		delay := backoff(failures)

		m.logger.Warn("subscription disconnected, reconnecting",
			slog.String("kind", string(sub.kind)),
			slog.String("integration", sub.in.ID),
			slog.Duration("backoff", delay),
			slog.String("error", errString(err)),
		)

		if err := m.sleepFunc(ctx, delay); err != nil {
			return
		}
	}
}

// stream dials the watch endpoint and applies frames until the connection
// ends. It returns the number of frames applied.
func (m *Manager) stream(ctx context.Context, sub *subscription) (int, error) {
	wsURL, header, err := m.watcher.WatchRequest(ctx, sub.kind, &sub.in, sub.query.OwnerID, sub.query.Filters)
	if err != nil {
		return 0, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: m.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return 0, fmt.Errorf("realtime: dial: %w", err)
	}
	defer conn.CloseNow()

	conn.SetReadLimit(maxFrameBytes)

	frames := 0

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return frames, err
		}

		if err := m.apply(sub, data); err != nil {
			m.logger.Warn("discarding subscription frame",
				slog.String("kind", string(sub.kind)),
				slog.String("integration", sub.in.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		frames++
	}
}

// apply decodes one frame, replaces the subscription scope with it, and
// delivers the stored set to the callback.
func (m *Manager) apply(sub *subscription, data []byte) error {
	mapping, err := remote.MappingFor(sub.kind)
	if err != nil {
		return err
	}

	records, rejected, err := mapping.DecodeDocuments(data, sub.in.Type == model.TypeERP)
	if err != nil {
		return err
	}

	for _, rej := range rejected {
		m.logger.Debug("live document rejected",
			slog.String("kind", string(sub.kind)),
			slog.String("id", rej.RecordID),
			slog.String("error", rej.Error()),
		)
	}

	for i := range records {
		records[i].IntegrationID = sub.in.ID
	}

	table := sub.kind.Table()
	if err := m.store.Replace(table, sub.scope, records); err != nil {
		return fmt.Errorf("realtime: replacing %s: %w", sub.kind, err)
	}

	current, err := m.store.FindMany(table, sub.scope, store.Descending(sub.query.OrderBy))
	if err != nil {
		return fmt.Errorf("realtime: reading %s: %w", sub.kind, err)
	}

	m.logger.Debug("subscription frame applied",
		slog.String("kind", string(sub.kind)),
		slog.String("integration", sub.in.ID),
		slog.Int("records", len(current)),
	)

	sub.cb(current)

	return nil
}

// scopeOf is the local slice of a table one query owns. Filters are typed
// local values.
func scopeOf(integrationID, ownerID string, filters map[string]any) store.Filter {
	scope := store.Filter{model.FieldIntegrationID: integrationID}
	if ownerID != "" {
		scope[model.FieldOwnerID] = ownerID
	}

	for k, v := range filters {
		scope[k] = v
	}

	return scope
}

func backoff(failures int) time.Duration {
	d := baseBackoff
	for i := 1; i < failures && d < maxBackoff; i++ {
		d *= 2
	}

	d = min(d, maxBackoff)
	jitter := float64(d) * jitterFraction * (rand.Float64()*2 - 1)

	return time.Duration(float64(d) + jitter)
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package cachefirst

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusline/edusync/internal/capability"
	"github.com/campusline/edusync/internal/model"
	"github.com/campusline/edusync/internal/realtime"
	"github.com/campusline/edusync/internal/remote"
	"github.com/campusline/edusync/internal/store"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

type fakeRemote struct {
	mu      sync.Mutex
	docs    map[string]model.Record
	getErr  error
	pushErr error
	gate    chan struct{}
	gets    atomic.Int32
	pushes  atomic.Int32
}

func (r *fakeRemote) Get(_ context.Context, _ model.Kind, _ *model.Integration, id string) (model.Record, error) {
	r.gets.Add(1)

	if r.gate != nil {
		<-r.gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.getErr != nil {
		return model.Record{}, r.getErr
	}

	rec, ok := r.docs[id]
	if !ok {
		return model.Record{}, &remote.Error{StatusCode: 404, Message: "gone", Err: remote.ErrNotFound}
	}

	return rec.Clone(), nil
}

func (r *fakeRemote) Push(_ context.Context, _ model.Kind, _ *model.Integration, rec model.Record) (model.Record, error) {
	r.pushes.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pushErr != nil {
		return model.Record{}, r.pushErr
	}

	out := rec.Clone()
	out.Fields["stored"] = true
	r.docs[rec.ID] = out

	return out.Clone(), nil
}

type fakeNetwork struct{ offline atomic.Bool }

func (n *fakeNetwork) IsOffline() bool { return n.offline.Load() }

type fakeIntegrations struct {
	list   []model.Integration
	synced []string
}

func (f *fakeIntegrations) Integrations() []model.Integration { return f.list }

func (f *fakeIntegrations) SyncIntegration(_ context.Context, id string) error {
	f.synced = append(f.synced, id)
	return nil
}

type fakeQueue struct {
	entries []model.Record
}

func (q *fakeQueue) Enqueue(_ model.Kind, _ string, rec model.Record) (string, error) {
	q.entries = append(q.entries, rec)
	return "entry", nil
}

type fixture struct {
	layer   *Layer
	store   *store.Store
	remote  *fakeRemote
	network *fakeNetwork
	queue   *fakeQueue
	ins     *fakeIntegrations
}

func connectedLMS(id string) model.Integration {
	return model.Integration{
		ID:       id,
		Type:     model.TypeLMS,
		Status:   model.StatusConnected,
		Settings: model.IntegrationSettings{Kinds: model.KindSet(model.KindAssignment, model.KindGrade)},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.Open(context.Background(), store.NewMemory(), store.Options{Logger: testLogger(t)})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})

	f := &fixture{
		store:   s,
		remote:  &fakeRemote{docs: make(map[string]model.Record)},
		network: &fakeNetwork{},
		queue:   &fakeQueue{},
		ins:     &fakeIntegrations{list: []model.Integration{connectedLMS("lms")}},
	}

	f.layer, err = New(Options{
		Store:        s,
		Remote:       f.remote,
		Network:      f.network,
		Integrations: f.ins,
		Queue:        f.queue,
		Logger:       testLogger(t),
	})
	require.NoError(t, err)

	return f
}

func assignment(id, title string) model.Record {
	return model.Record{ID: id, OwnerID: "u1", Fields: map[string]any{"courseId": "c1", "title": title}}
}

func (f *fixture) seedLocal(t *testing.T, rec model.Record) {
	t.Helper()

	if rec.IntegrationID == "" {
		rec.IntegrationID = "lms"
	}

	_, err := f.store.Upsert(model.KindAssignment.Table(), rec)
	require.NoError(t, err)
}

func TestRead_FreshReplacesCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedLocal(t, assignment("a1", "Old"))
	f.remote.docs["a1"] = assignment("a1", "New")

	res, err := f.layer.Read(context.Background(), model.KindAssignment, "a1")
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.False(t, res.Stale)
	assert.Equal(t, "New", res.Record.Fields["title"])

	local, err := f.store.FindOne(model.KindAssignment.Table(), store.Filter{model.FieldID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "New", local.Fields["title"])
	assert.Equal(t, "lms", local.IntegrationID)
}

func TestRead_OfflineServesStaleCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedLocal(t, assignment("a1", "Cached"))
	f.network.offline.Store(true)

	res, err := f.layer.Read(context.Background(), model.KindAssignment, "a1")
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.True(t, res.Stale)
	assert.Equal(t, "Cached", res.Record.Fields["title"])
	assert.Zero(t, f.remote.gets.Load())

	_, err = f.layer.Read(context.Background(), model.KindAssignment, "missing")
	assert.ErrorIs(t, err, ErrNotCached)
	assert.ErrorIs(t, err, ErrOffline)
}

func TestRead_RemoteErrorFallsBack(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedLocal(t, assignment("a1", "Cached"))
	f.remote.getErr = &remote.Error{Message: "timeout", Err: remote.ErrConnection}

	res, err := f.layer.Read(context.Background(), model.KindAssignment, "a1")
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, "Cached", res.Record.Fields["title"])

	_, err = f.layer.Read(context.Background(), model.KindAssignment, "a2")
	assert.ErrorIs(t, err, ErrNotCached)
	assert.ErrorIs(t, err, remote.ErrConnection)
}

func TestRead_RemoteNotFoundEvicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedLocal(t, assignment("a1", "Deleted upstream"))

	_, err := f.layer.Read(context.Background(), model.KindAssignment, "a1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.store.FindOne(model.KindAssignment.Table(), store.Filter{model.FieldID: "a1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRead_PendingLocalIsNotOverwritten(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	pending := assignment("a1", "Unsent edit")
	pending.SyncStatus = model.StatePending
	f.seedLocal(t, pending)
	f.remote.docs["a1"] = assignment("a1", "Remote")

	res, err := f.layer.Read(context.Background(), model.KindAssignment, "a1")
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, "Unsent edit", res.Record.Fields["title"])
	assert.Zero(t, f.remote.gets.Load())
}

func TestRead_NoIntegrationServesLocal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ins.list = nil
	f.seedLocal(t, assignment("a1", "Local only"))

	res, err := f.layer.Read(context.Background(), model.KindAssignment, "a1")
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.False(t, res.Stale)
}

func TestRead_ConcurrentReadsShareOneFetch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.remote.docs["a1"] = assignment("a1", "Shared")
	f.remote.gate = make(chan struct{})

	const readers = 8

	var wg sync.WaitGroup

	results := make([]Result, readers)
	errs := make([]error, readers)

	for i := range readers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			results[i], errs[i] = f.layer.Read(context.Background(), model.KindAssignment, "a1")
		}()
	}

	require.Eventually(t, func() bool { return f.remote.gets.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(f.remote.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.remote.gets.Load())

	for i := range readers {
		require.NoError(t, errs[i])
		assert.Equal(t, "Shared", results[i].Record.Fields["title"])
	}
}

func TestWrite_ThroughMirrorsOnSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	saved, err := f.layer.Write(context.Background(), model.KindAssignment, assignment("a1", "Essay"))
	require.NoError(t, err)
	assert.Equal(t, model.StateSynced, saved.SyncStatus)
	assert.Equal(t, true, saved.Fields["stored"])

	local, err := f.store.FindOne(model.KindAssignment.Table(), store.Filter{model.FieldID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "lms", local.IntegrationID)
	assert.Equal(t, true, local.Fields["stored"])
}

func TestWrite_FailureLeavesStoreUntouched(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedLocal(t, assignment("a1", "Before"))
	f.remote.pushErr = &remote.Error{StatusCode: 422, Message: "invalid", Err: remote.ErrData}

	_, err := f.layer.Write(context.Background(), model.KindAssignment, assignment("a1", "After"))
	require.ErrorIs(t, err, remote.ErrData)

	local, err := f.store.FindOne(model.KindAssignment.Table(), store.Filter{model.FieldID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "Before", local.Fields["title"])
}

func TestWrite_Offline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.network.offline.Store(true)

	_, err := f.layer.Write(context.Background(), model.KindAssignment, assignment("a1", "Essay"))
	assert.ErrorIs(t, err, ErrOffline)
	assert.Zero(t, f.remote.pushes.Load())
}

func TestWrite_CapabilityChecked(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := capability.WithRole(context.Background(), capability.RoleStudent)

	grade := model.Record{ID: "g1", Fields: map[string]any{"courseId": "c1", "score": 90}}

	_, err := f.layer.Write(ctx, model.KindGrade, grade)
	assert.ErrorIs(t, err, capability.ErrForbidden)

	_, err = f.layer.Write(ctx, model.KindAssignment, assignment("a1", "Essay"))
	assert.NoError(t, err)
}

func TestWriteQueued_StoresPendingAndEnqueues(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.network.offline.Store(true)

	saved, err := f.layer.WriteQueued(context.Background(), model.KindAssignment, assignment("a1", "Offline edit"))
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, saved.SyncStatus)

	require.Len(t, f.queue.entries, 1)
	assert.Equal(t, "a1", f.queue.entries[0].ID)

	local, err := f.store.FindOne(model.KindAssignment.Table(), store.Filter{model.FieldID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, local.SyncStatus)
	assert.Equal(t, "lms", local.IntegrationID)
}

func TestIntegrationFor_Preference(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ins.list = []model.Integration{connectedLMS("a-lms"), connectedLMS("b-lms"), connectedLMS("c-lms")}
	f.layer.primary = "b-lms"

	in, err := f.layer.integrationFor(model.KindAssignment, nil)
	require.NoError(t, err)
	assert.Equal(t, "b-lms", in.ID)

	in, err = f.layer.integrationFor(model.KindAssignment, &model.Record{IntegrationID: "c-lms"})
	require.NoError(t, err)
	assert.Equal(t, "c-lms", in.ID)

	_, err = f.layer.integrationFor(model.KindFile, nil)
	assert.ErrorIs(t, err, ErrNoIntegration)
}

func TestDelegation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	require.NoError(t, f.layer.SyncIntegration(context.Background(), "lms"))
	assert.Equal(t, []string{"lms"}, f.ins.synced)

	_, err := f.layer.Subscribe(context.Background(), model.KindAssignment, realtime.Query{}, func([]model.Record) {})
	assert.Error(t, err, "no subscriber configured")
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	assert.Error(t, err)
}

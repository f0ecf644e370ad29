package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusline/edusync/internal/model"
)

const courses = "courses"

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// openTestStore opens a store over d and closes it on cleanup.
func openTestStore(t *testing.T, d Durable) *Store {
	t.Helper()

	s, err := Open(context.Background(), d, Options{Logger: testLogger(t)})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})

	return s
}

// gatedDurable wraps a Durable and blocks Save while the gate is closed.
type gatedDurable struct {
	Durable

	mu     sync.Mutex
	gate   chan struct{}
	saves  int
	failed error
}

func newGated(d Durable) *gatedDurable {
	open := make(chan struct{})
	close(open)

	return &gatedDurable{Durable: d, gate: open}
}

func (g *gatedDurable) block() {
	g.mu.Lock()
	g.gate = make(chan struct{})
	g.mu.Unlock()
}

func (g *gatedDurable) release() {
	g.mu.Lock()
	close(g.gate)
	g.mu.Unlock()
}

func (g *gatedDurable) Save(ctx context.Context, key string, data []byte) error {
	g.mu.Lock()
	gate, failed := g.gate, g.failed
	g.mu.Unlock()

	select {
	case <-gate:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.mu.Lock()
	g.saves++
	g.mu.Unlock()

	if failed != nil {
		return failed
	}

	return g.Durable.Save(ctx, key, data)
}

func (g *gatedDurable) saveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.saves
}

func nestedCourse(id string) model.Record {
	return model.Record{
		ID:      id,
		OwnerID: "u1",
		Fields: map[string]any{
			"title":   "Course " + id,
			"credits": 4,
			"schedule": map[string]any{
				"days":  []any{"mon", "wed"},
				"rooms": []any{map[string]any{"building": "A", "floor": 2}},
			},
			"archived": false,
		},
	}
}

func TestStore_RoundTripBackends(t *testing.T) {
	mr := miniredis.RunT(t)

	backends := []struct {
		name string
		open func(t *testing.T) Durable
	}{
		{"memory", func(t *testing.T) Durable { return NewMemory() }},
		{"sqlite", func(t *testing.T) Durable {
			d, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "edusync.db"), testLogger(t))
			require.NoError(t, err)

			return d
		}},
		{"redis", func(t *testing.T) Durable {
			return NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
		}},
	}

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			d := &keepOpen{Durable: b.open(t)}
			t.Cleanup(func() { _ = d.Durable.Close() })

			s, err := Open(context.Background(), d, Options{Logger: testLogger(t)})
			require.NoError(t, err)

			written, err := s.Insert(courses, nestedCourse("c1"))
			require.NoError(t, err)
			require.NoError(t, s.Close(context.Background()))

			reopened := openTestStore(t, d)

			got, err := reopened.FindOne(courses, Filter{model.FieldID: "c1"})
			require.NoError(t, err)
			assert.Equal(t, written, got)
			assert.Equal(t, "A", got.Fields["schedule"].(map[string]any)["rooms"].([]any)[0].(map[string]any)["building"])
		})
	}
}

// TestStore_PostgresRoundTrip runs when EDUSYNC_TEST_POSTGRES_URL points at
// a scratch database.
func TestStore_PostgresRoundTrip(t *testing.T) {
	url := os.Getenv("EDUSYNC_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("EDUSYNC_TEST_POSTGRES_URL not set")
	}

	ctx := context.Background()

	d, err := OpenDurable(ctx, url, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	opts := Options{AppName: fmt.Sprintf("edusync_test_%d", time.Now().UnixNano()), Logger: testLogger(t)}

	s, err := Open(ctx, &keepOpen{Durable: d}, opts)
	require.NoError(t, err)

	written, err := s.Insert(courses, nestedCourse("c1"))
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	reopened, err := Open(ctx, &keepOpen{Durable: d}, opts)
	require.NoError(t, err)

	got, err := reopened.FindOne(courses, Filter{model.FieldID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, written, got)
}

// keepOpen ignores Close so one backend can serve two stores.
type keepOpen struct {
	Durable
}

func (k *keepOpen) Close() error { return nil }

func TestStore_CrashBeforeFlushLosesOnlyLastWrite(t *testing.T) {
	mem := NewMemory()
	gated := newGated(mem)

	s := openTestStore(t, gated)

	_, err := s.Insert(courses, nestedCourse("c1"))
	require.NoError(t, err)
	require.NoError(t, s.Flush(context.Background()))

	gated.block()
	t.Cleanup(gated.release)

	_, err = s.Insert(courses, nestedCourse("c2"))
	require.NoError(t, err)

	// In memory both writes are visible.
	all, err := s.FindMany(courses, nil, OrderBy{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// A process restarting now only sees what reached the backend.
	restarted := openTestStore(t, mem)

	after, err := restarted.FindMany(courses, nil, OrderBy{})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "c1", after[0].ID)
}

func TestStore_CorruptDataLoadsEmpty(t *testing.T) {
	mem := NewMemory()
	require.NoError(t, mem.Save(context.Background(), "edusync_courses", []byte(`[{"id":"c1"},{"broken`)))
	require.NoError(t, mem.Save(context.Background(), "edusync_grades", []byte(`[{"id":"g1","ownerId":"u1"}]`)))

	var hooked []*StorageError

	s, err := Open(context.Background(), mem, Options{
		Logger:         testLogger(t),
		OnStorageError: func(e *StorageError) { hooked = append(hooked, e) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	n, err := s.Count(courses, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	grades, err := s.FindMany("grades", nil, OrderBy{})
	require.NoError(t, err)
	assert.Len(t, grades, 1)

	errs := s.StorageErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, courses, errs[0].Table)
	assert.Equal(t, "load", errs[0].Op)
	assert.Len(t, hooked, 1)
}

func TestStore_SaveFailureIsNonFatal(t *testing.T) {
	gated := newGated(NewMemory())
	gated.failed = errors.New("disk full")

	s := openTestStore(t, gated)

	_, err := s.Insert(courses, nestedCourse("c1"))
	require.NoError(t, err)

	err = s.Flush(context.Background())
	require.Error(t, err)

	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "save", serr.Op)

	got, err := s.FindOne(courses, Filter{model.FieldID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)
	assert.NotEmpty(t, s.StorageErrors())
}

func TestStore_FlushCoalescesBurst(t *testing.T) {
	gated := newGated(NewMemory())
	s := openTestStore(t, gated)

	gated.block()

	for i := range 10 {
		_, err := s.Upsert(courses, model.Record{ID: "c1", Fields: map[string]any{"rev": i}})
		require.NoError(t, err)
	}

	gated.release()
	require.NoError(t, s.Flush(context.Background()))

	// The flusher may have taken the first snapshot before the burst; the
	// rest must collapse into one write.
	assert.LessOrEqual(t, gated.saveCount(), 2)

	restarted := openTestStore(t, gated.Durable)
	got, err := restarted.FindOne(courses, Filter{model.FieldID: "c1"})
	require.NoError(t, err)
	assert.InDelta(t, 9.0, got.Fields["rev"], 0)
}

func TestStore_InsertDuplicateAndUnknownTable(t *testing.T) {
	s := openTestStore(t, NewMemory())

	_, err := s.Insert(courses, nestedCourse("c1"))
	require.NoError(t, err)

	_, err = s.Insert(courses, nestedCourse("c1"))
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.Insert("lessons", nestedCourse("c1"))
	assert.ErrorIs(t, err, ErrUnknownTable)

	generated, err := s.Insert(courses, model.Record{OwnerID: "u1"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)
	assert.False(t, generated.CreatedAt.IsZero())
}

func TestStore_ReturnsDeepCopies(t *testing.T) {
	s := openTestStore(t, NewMemory())

	in := nestedCourse("c1")
	_, err := s.Insert(courses, in)
	require.NoError(t, err)

	in.Fields["title"] = "mutated input"

	got, err := s.FindOne(courses, Filter{model.FieldID: "c1"})
	require.NoError(t, err)
	got.Fields["schedule"].(map[string]any)["days"].([]any)[0] = "sun"

	again, err := s.FindOne(courses, Filter{model.FieldID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "Course c1", again.Fields["title"])
	assert.Equal(t, "mon", again.Fields["schedule"].(map[string]any)["days"].([]any)[0])
}

func TestStore_FindManyFilterAndOrder(t *testing.T) {
	s := openTestStore(t, NewMemory())
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a1", "a2", "a3", "a4"} {
		owner := "u1"
		if i == 3 {
			owner = "u2"
		}

		_, err := s.Insert("assignments", model.Record{
			ID:          id,
			OwnerID:     owner,
			LastUpdated: base.Add(time.Duration(i) * time.Hour),
			Fields:      map[string]any{"points": 10 * (4 - i), "course": "c1"},
		})
		require.NoError(t, err)
	}

	desc, err := s.FindMany("assignments", Filter{model.FieldOwnerID: "u1"}, Descending(model.FieldLastUpdated))
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, []string{"a3", "a2", "a1"}, ids(desc))

	byPoints, err := s.FindMany("assignments", Filter{"course": "c1"}, Ascending("points"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a4", "a3", "a2", "a1"}, ids(byPoints))

	intMatch, err := s.FindMany("assignments", Filter{"points": 40}, OrderBy{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids(intMatch))

	_, err = s.FindOne("assignments", Filter{model.FieldID: "a4", model.FieldOwnerID: "u1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdatePatchesAndClampsLastUpdated(t *testing.T) {
	s := openTestStore(t, NewMemory())
	stored := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Insert(courses, model.Record{
		ID: "c1", OwnerID: "u1", LastUpdated: stored,
		Fields: map[string]any{"title": "Old", "room": "B2"},
	})
	require.NoError(t, err)

	n, err := s.Update(courses,
		model.Record{Fields: map[string]any{"title": "New"}, LastUpdated: stored.Add(-time.Hour), SyncStatus: model.StatePending},
		Filter{model.FieldID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.FindOne(courses, Filter{model.FieldID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "New", got.Fields["title"])
	assert.Equal(t, "B2", got.Fields["room"])
	assert.Equal(t, model.StatePending, got.SyncStatus)
	assert.Equal(t, stored, got.LastUpdated)

	n, err = s.Update(courses, model.Record{Fields: map[string]any{"title": "X"}}, Filter{model.FieldID: "missing"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_ReplaceIsScoped(t *testing.T) {
	s := openTestStore(t, NewMemory())

	for _, r := range []model.Record{
		{ID: "c1", OwnerID: "u1", IntegrationID: "lms"},
		{ID: "c2", OwnerID: "u1", IntegrationID: "lms"},
		{ID: "c3", OwnerID: "u1", IntegrationID: "erp"},
	} {
		_, err := s.Insert(courses, r)
		require.NoError(t, err)
	}

	scope := Filter{model.FieldIntegrationID: "lms"}
	err := s.Replace(courses, scope, []model.Record{
		{ID: "c2", OwnerID: "u1", IntegrationID: "lms", Fields: map[string]any{"title": "fresh"}},
		{ID: "c4", OwnerID: "u1", IntegrationID: "lms"},
	})
	require.NoError(t, err)

	lms, err := s.FindMany(courses, scope, Ascending(model.FieldID))
	require.NoError(t, err)
	assert.Equal(t, []string{"c2", "c4"}, ids(lms))
	assert.Equal(t, "fresh", lms[0].Fields["title"])

	erp, err := s.FindMany(courses, Filter{model.FieldIntegrationID: "erp"}, OrderBy{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c3"}, ids(erp))

	err = s.Replace(courses, scope, []model.Record{{ID: "dup"}, {ID: "dup"}})
	require.ErrorIs(t, err, ErrDuplicate)

	unchanged, err := s.Count(courses, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, unchanged)
}

func TestStore_DeleteAndClose(t *testing.T) {
	s, err := Open(context.Background(), NewMemory(), Options{Logger: testLogger(t)})
	require.NoError(t, err)

	_, err = s.Insert(courses, nestedCourse("c1"))
	require.NoError(t, err)
	_, err = s.Insert(courses, nestedCourse("c2"))
	require.NoError(t, err)

	n, err := s.Delete(courses, Filter{model.FieldID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := s.FindMany(courses, nil, OrderBy{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, ids(left))

	require.NoError(t, s.Close(context.Background()))

	_, err = s.Insert(courses, nestedCourse("c3"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenDurable_Schemes(t *testing.T) {
	d, err := OpenDurable(context.Background(), "memory://", testLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, d)

	path := filepath.Join(t.TempDir(), "x.db")
	d, err = OpenDurable(context.Background(), "sqlite://"+path, testLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, d)
	require.NoError(t, d.Close())

	_, err = OpenDurable(context.Background(), "ftp://nowhere", testLogger(t))
	assert.Error(t, err)
}

func ids(records []model.Record) []string {
	out := make([]string, len(records))
	for i := range records {
		out[i] = records[i].ID
	}

	return out
}

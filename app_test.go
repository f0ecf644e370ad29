package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/campusline/edusync/internal/config"
	"github.com/campusline/edusync/internal/credfile"
	"github.com/campusline/edusync/internal/docserver"
	"github.com/campusline/edusync/internal/model"
	"github.com/campusline/edusync/internal/statusapi"
)

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type appFixture struct {
	app      *app
	cfg      *config.Config
	docs     *docserver.Server
	dir      string
	credPath string
}

// newAppFixture wires an app with memory storage against an in-process
// document server holding one ERP integration.
func newAppFixture(t *testing.T) *appFixture {
	t.Helper()

	docs := docserver.New(docserver.Options{Logger: testLogger(t), APIKeys: []string{"k1"}})
	srv := httptest.NewServer(docs.Router())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	credPath := filepath.Join(dir, "registrar.json")
	require.NoError(t, credfile.Save(credPath, json.RawMessage(`{"apiKey":"k1","institution":"north"}`), nil))

	cfg := config.DefaultConfig()
	cfg.StorageURL = "memory://"
	cfg.OwnerID = "u1"
	cfg.ProbeURL = ""
	cfg.Integrations["registrar"] = config.IntegrationConfig{
		Type:            "erp",
		BaseURL:         srv.URL,
		CredentialsFile: credPath,
		Kinds:           []string{"profile", "grade"},
		SyncFrequency:   "manual",
	}

	a, err := openApp(context.Background(), config.NewHolder(cfg, filepath.Join(dir, "config.toml")), testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { a.close(context.Background()) })

	return &appFixture{app: a, cfg: cfg, docs: docs, dir: dir, credPath: credPath}
}

func TestOpenApp_LoadsIntegrationsFromConfig(t *testing.T) {
	f := newAppFixture(t)

	ins := f.app.sched.Integrations()
	require.Len(t, ins, 1)
	assert.Equal(t, "registrar", ins[0].ID)
	assert.Equal(t, model.StatusConnected, ins[0].Status)
	assert.Equal(t, []model.Kind{model.KindProfile, model.KindGrade}, ins[0].EnabledKinds())
}

func TestOpenApp_SyncPullsRemoteRecords(t *testing.T) {
	f := newAppFixture(t)
	ctx := context.Background()

	f.docs.Put("profiles", docserver.Document{"id": "p1", "ownerId": "u1", "displayName": "Ada"})
	f.docs.Put("profiles", docserver.Document{"id": "p2", "ownerId": "u2", "displayName": "Not mine"})
	f.docs.Put("grades", docserver.Document{"id": "g1", "ownerId": "u1", "courseId": "c1", "score": 91})

	require.NoError(t, f.app.sched.SyncIntegration(ctx, "registrar"))

	res, err := f.app.records.Read(ctx, model.KindProfile, "p1")
	require.NoError(t, err)

	name, ok := res.Record.Get("name")
	require.True(t, ok)
	assert.Equal(t, "Ada", name)
	assert.Equal(t, "registrar", res.Record.IntegrationID)

	st, ok := f.app.sched.Status("registrar")
	require.True(t, ok)
	assert.Equal(t, 2, st.ItemsProcessed)

	in, err := f.app.sched.Integration("registrar")
	require.NoError(t, err)
	assert.NotNil(t, in.LastSync)
}

func TestReconcile_KeepsErrorUntilCredentialsChange(t *testing.T) {
	f := newAppFixture(t)

	require.NoError(t, f.app.sched.SetStatus("registrar", model.StatusError))
	require.NoError(t, f.app.reconcile(f.cfg))

	in, err := f.app.sched.Integration("registrar")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, in.Status)

	require.NoError(t, credfile.Save(f.credPath, json.RawMessage(`{"apiKey":"k2","institution":"north"}`), nil))
	require.NoError(t, f.app.reconcile(f.cfg))

	in, err = f.app.sched.Integration("registrar")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnected, in.Status)
}

func TestReconcile_RemovesIntegrationsMissingFromConfig(t *testing.T) {
	f := newAppFixture(t)

	next := *f.cfg
	next.Integrations = map[string]config.IntegrationConfig{
		"drive": {
			Type:            "cloud_storage",
			CredentialsFile: filepath.Join(f.dir, "missing.json"),
		},
	}

	require.NoError(t, f.app.reconcile(&next))

	ins := f.app.sched.Integrations()
	require.Len(t, ins, 1)
	assert.Equal(t, "drive", ins[0].ID)
	assert.Equal(t, model.StatusPendingAuth, ins[0].Status)
}

func TestSaveRefreshedToken_PersistsToFileAndStore(t *testing.T) {
	f := newAppFixture(t)

	drivePath := filepath.Join(f.dir, "drive.json")
	require.NoError(t, credfile.Save(drivePath, json.RawMessage(
		`{"baseUrl":"https://files.example.edu","clientId":"c","tokenUrl":"https://auth.example.edu/token","accessToken":"old","refreshToken":"r1"}`,
	), map[string]string{"account": "ada"}))

	cfg := *f.cfg
	cfg.Integrations = map[string]config.IntegrationConfig{
		"registrar": f.cfg.Integrations["registrar"],
		"drive":     {Type: "cloud_storage", CredentialsFile: drivePath},
	}
	f.app.holder.Update(&cfg)
	require.NoError(t, f.app.reconcile(&cfg))

	expiry := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	f.app.saveRefreshedToken("drive", &oauth2.Token{AccessToken: "new", RefreshToken: "r2", Expiry: expiry})

	creds, meta, err := credfile.Load(drivePath)
	require.NoError(t, err)
	assert.Equal(t, "ada", meta["account"])

	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(creds, &onDisk))
	assert.Equal(t, "new", onDisk["accessToken"])
	assert.Equal(t, "r2", onDisk["refreshToken"])
	assert.Equal(t, "2026-10-14T12:00:00Z", onDisk["expiry"])

	in, err := f.app.sched.Integration("drive")
	require.NoError(t, err)

	var stored map[string]any
	require.NoError(t, json.Unmarshal(in.Credentials, &stored))
	assert.Equal(t, "new", stored["accessToken"])
}

func TestQueryDaemon_ReadsLocalAPI(t *testing.T) {
	f := newAppFixture(t)

	api, err := statusapi.New(statusapi.Options{
		Scheduler:     f.app.sched,
		Records:       f.app.records,
		Outbox:        f.app.outbox,
		Network:       f.app.network,
		Gatherer:      f.app.registry,
		Logger:        testLogger(t),
		StorageErrors: f.app.storageErrors,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	for _, addr := range []string{strings.TrimPrefix(srv.URL, "http://"), srv.URL + "/"} {
		report, err := queryDaemon(context.Background(), srv.Client(), addr)
		require.NoError(t, err, addr)

		assert.Equal(t, "daemon", report.Source)
		assert.Equal(t, 0, report.StorageErrors)
		require.NotNil(t, report.Online)
		assert.True(t, *report.Online)
		require.Len(t, report.Integrations, 1)
		assert.Equal(t, "registrar", report.Integrations[0].ID)
		assert.Equal(t, model.TypeERP, report.Integrations[0].Type)
	}
}

func TestQueryDaemon_Unreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	_, err := queryDaemon(context.Background(), srv.Client(), addr)
	assert.Error(t, err)
}

func TestBuildLocalReport_AndText(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	last := now.Add(-3 * time.Hour)

	ins := []model.Integration{
		{ID: "canvas", Type: model.TypeLMS, Status: model.StatusConnected, LastSync: &last},
		{ID: "drive", Type: model.TypeCloudStorage, Status: model.StatusPendingAuth},
	}

	report := buildLocalReport(ins, func(string) (model.SyncStatus, bool) { return model.SyncStatus{}, false }, 2)
	assert.Equal(t, "local", report.Source)
	require.Len(t, report.Integrations, 2)

	var buf bytes.Buffer
	printStatusText(&buf, report, now)

	out := buf.String()
	assert.Contains(t, out, "canvas")
	assert.Contains(t, out, "3h ago")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "action_required: reconnect account")
	assert.Contains(t, out, "2 local storage write(s) failed")
}

func TestConnectedIDs(t *testing.T) {
	ins := []model.Integration{
		{ID: "a", Status: model.StatusConnected},
		{ID: "b", Status: model.StatusDisabled},
		{ID: "c", Status: model.StatusConnected},
	}

	assert.Equal(t, []string{"a", "c"}, connectedIDs(ins))
	assert.Empty(t, connectedIDs(nil))
}

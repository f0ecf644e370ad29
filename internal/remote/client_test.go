package remote

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/campusline/edusync/internal/model"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	return tok
}

func lmsIntegration(t *testing.T, baseURL string, exp time.Time) *model.Integration {
	t.Helper()

	creds, err := json.Marshal(LMSCredentials{BaseURL: baseURL, Token: signedToken(t, exp)})
	require.NoError(t, err)

	return &model.Integration{ID: "campus-lms", Type: model.TypeLMS, Status: model.StatusConnected, Credentials: creds}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()

	c := NewClient(Options{OwnerID: "u1", Logger: testLogger(t)})
	c.sleepFunc = noopSleep

	return c
}

func TestFetch_DecodesDocumentsAndRejectsBadOnes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/courses", r.URL.Path)
		assert.Equal(t, "u1", r.URL.Query().Get("ownerId"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))

		_, _ = io.WriteString(w, `{"documents":[
			{"id":"c1","ownerId":"u1","name":"Algebra","credits":5,"schedule":{"days":["mon"]},"updatedAt":"2024-01-05T10:00:00Z"},
			{"id":"c2","ownerId":"u1","credits":3},
			{"id":"c3","ownerId":"u1","name":42}
		]}`)
	}))
	defer srv.Close()

	c := newTestClient(t)

	res, err := c.Fetch(context.Background(), model.KindCourse, lmsIntegration(t, srv.URL, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.Equal(t, "c1", rec.ID)
	assert.Equal(t, "campus-lms", rec.IntegrationID)
	assert.Equal(t, "Algebra", rec.Fields["title"])
	assert.InDelta(t, 5.0, rec.Fields["credits"], 0)
	assert.Equal(t, map[string]any{"days": []any{"mon"}}, rec.Fields["schedule"])
	assert.Equal(t, time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC), rec.LastUpdated)

	require.Len(t, res.Rejected, 2)
	assert.ErrorIs(t, res.Rejected[0], ErrData)
	assert.Equal(t, "c2", res.Rejected[0].RecordID)
	assert.Equal(t, "c3", res.Rejected[1].RecordID)
}

func TestFetch_ExpiredTokenFailsBeforeRequest(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"documents":[]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t).Fetch(context.Background(), model.KindCourse, lmsIntegration(t, srv.URL, time.Now().Add(-time.Minute)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, model.ClassAuth, Classify(err))
	assert.Zero(t, hits.Load())
}

func TestFetch_StatusClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		want    error
		retries int32
	}{
		{"unauthorized", http.StatusUnauthorized, ErrAuth, 1},
		{"forbidden", http.StatusForbidden, ErrAuth, 1},
		{"not found", http.StatusNotFound, ErrNotFound, 1},
		{"unprocessable", http.StatusUnprocessableEntity, ErrData, 1},
		{"conflict", http.StatusConflict, ErrData, 1},
		{"server error retried", http.StatusInternalServerError, ErrConnection, maxRetries + 1},
		{"throttled retried", http.StatusTooManyRequests, ErrConnection, maxRetries + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(t).Fetch(context.Background(), model.KindGrade, lmsIntegration(t, srv.URL, time.Now().Add(time.Hour)))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.retries, hits.Load())

			var rerr *Error
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, tt.status, rerr.StatusCode)
			assert.Equal(t, model.KindGrade, rerr.Kind)
		})
	}
}

func TestFetch_RetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		_, _ = io.WriteString(w, `{"documents":[]}`)
	}))
	defer srv.Close()

	res, err := newTestClient(t).Fetch(context.Background(), model.KindCourse, lmsIntegration(t, srv.URL, time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_NetworkErrorIsConnection(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t).Fetch(context.Background(), model.KindCourse, lmsIntegration(t, url, time.Now().Add(time.Hour)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, model.ClassConnection, Classify(err))
}

func TestPush_ERPFlattensNestedValues(t *testing.T) {
	var received map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/collections/profiles/u1", r.URL.Path)
		assert.Equal(t, "secret-key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "EFREI", r.Header.Get("X-Institution"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &received))

		_, _ = w.Write(body)
	}))
	defer srv.Close()

	creds, err := json.Marshal(ERPCredentials{BaseURL: srv.URL, APIKey: "secret-key", Institution: "EFREI"})
	require.NoError(t, err)

	erp := &model.Integration{ID: "erp", Type: model.TypeERP, Credentials: creds}
	prefs := map[string]any{"theme": "dark", "notifications": []any{"email", "push"}}

	stored, err := newTestClient(t).Push(context.Background(), model.KindProfile, erp, model.Record{
		ID:      "u1",
		OwnerID: "u1",
		Fields:  map[string]any{"name": "Ada", "preferences": prefs, "unmapped": "dropped"},
	})
	require.NoError(t, err)

	assert.IsType(t, "", received["preferences"])
	assert.JSONEq(t, `{"theme":"dark","notifications":["email","push"]}`, received["preferences"].(string))
	assert.NotContains(t, received, "unmapped")
	assert.Equal(t, "Ada", received["displayName"])

	assert.Equal(t, prefs, stored.Fields["preferences"])
	assert.Equal(t, "erp", stored.IntegrationID)
}

func TestGet_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestClient(t).Get(context.Background(), model.KindCourse, lmsIntegration(t, srv.URL, time.Now().Add(time.Hour)), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloudStorage_RefreshesAndReportsToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600,"refresh_token":"r2"}`)
	}))
	defer tokenSrv.Close()

	var seenAuth atomic.Value

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth.Store(r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"documents":[{"id":"f1","ownerId":"u1","name":"notes.pdf","sizeBytes":1024}]}`)
	}))
	defer api.Close()

	creds, err := json.Marshal(CloudCredentials{
		BaseURL:      api.URL,
		ClientID:     "edusync",
		TokenURL:     tokenSrv.URL,
		AccessToken:  "stale",
		RefreshToken: "r1",
		Expiry:       time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	var refreshed *oauth2.Token

	c := NewClient(Options{
		OwnerID: "u1",
		Logger:  testLogger(t),
		OnTokenRefresh: func(id string, tok *oauth2.Token) {
			assert.Equal(t, "drive", id)
			refreshed = tok
		},
	})

	res, err := c.Fetch(context.Background(), model.KindFile, &model.Integration{ID: "drive", Type: model.TypeCloudStorage, Credentials: creds})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.InDelta(t, 1024.0, res.Records[0].Fields["size"], 0)

	assert.Equal(t, "Bearer fresh", seenAuth.Load())
	require.NotNil(t, refreshed)
	assert.Equal(t, "r2", refreshed.RefreshToken)
}

func TestWatchRequest(t *testing.T) {
	c := newTestClient(t)
	in := lmsIntegration(t, "https://lms.example/api/", time.Now().Add(time.Hour))

	u, hdr, err := c.WatchRequest(context.Background(), model.KindAnnouncement, in, "u1", map[string]string{"courseId": "c1"})
	require.NoError(t, err)
	assert.Equal(t, "wss://lms.example/api/collections/announcements/watch?courseId=c1&ownerId=u1", u)
	assert.True(t, strings.HasPrefix(hdr.Get("Authorization"), "Bearer "))
}

func TestWatchRequest_TranslatesFilterNames(t *testing.T) {
	c := newTestClient(t)
	in := lmsIntegration(t, "https://lms.example/api/", time.Now().Add(time.Hour))

	u, _, err := c.WatchRequest(context.Background(), model.KindCourse, in, "u1", map[string]string{"title": "Algebra"})
	require.NoError(t, err)
	assert.Equal(t, "wss://lms.example/api/collections/courses/watch?name=Algebra&ownerId=u1", u)

	_, _, err = c.WatchRequest(context.Background(), model.KindCourse, in, "u1", map[string]string{"bogus": "x"})
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestNormalizeID_NFC(t *testing.T) {
	decomposed := "e\u0301tude"
	composed := "\u00e9tude"

	assert.NotEqual(t, composed, decomposed)
	assert.Equal(t, composed, NormalizeID(decomposed))
	assert.Equal(t, composed, NormalizeID(" "+composed+" "))
}

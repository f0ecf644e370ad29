// Package statusapi serves the local HTTP API of the daemon: health,
// metrics, integration status, manual sync, and the cache-first record
// contract for collaborators that are not linked into the process.
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/campusline/edusync/internal/cachefirst"
	"github.com/campusline/edusync/internal/capability"
	"github.com/campusline/edusync/internal/model"
	"github.com/campusline/edusync/internal/netmon"
	"github.com/campusline/edusync/internal/outbox"
	"github.com/campusline/edusync/internal/remote"
	"github.com/campusline/edusync/internal/scheduler"
)

// RoleHeader carries the caller's role. Requests without it are not
// capability checked.
const RoleHeader = "X-Edusync-Role"

const (
	defaultSyncTimeout = 5 * time.Minute
	maxBodyBytes       = 8 << 20
)

// Scheduler is the part of *scheduler.Scheduler the API uses.
type Scheduler interface {
	Integrations() []model.Integration
	Integration(id string) (model.Integration, error)
	Status(id string) (model.SyncStatus, bool)
	SyncIntegration(ctx context.Context, id string) error
	Conflicts(kind model.Kind) ([]scheduler.Conflict, error)
	ResolveConflict(kind model.Kind, recordID string, choice scheduler.Choice) (model.Record, error)
}

// Records is the part of *cachefirst.Layer the API uses.
type Records interface {
	Read(ctx context.Context, kind model.Kind, id string) (cachefirst.Result, error)
	Write(ctx context.Context, kind model.Kind, rec model.Record) (model.Record, error)
	WriteQueued(ctx context.Context, kind model.Kind, rec model.Record) (model.Record, error)
}

// Outbox lists queued writes.
type Outbox interface {
	Pending() ([]outbox.Entry, error)
}

// Network reports connectivity.
type Network interface {
	State() netmon.State
}

// Options configures the API. Gatherer, Outbox, Network and StorageErrors
// are optional.
type Options struct {
	Scheduler Scheduler
	Records   Records
	Outbox    Outbox
	Network   Network
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger

	// StorageErrors reports how many durable writes have failed.
	StorageErrors func() int

	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string

	// SyncTimeout bounds a manual sync request.
	SyncTimeout time.Duration
}

// Server is the HTTP API.
type Server struct {
	opts   Options
	logger *slog.Logger
}

// New creates the API server.
func New(opts Options) (*Server, error) {
	if opts.Scheduler == nil || opts.Records == nil {
		return nil, errors.New("statusapi: scheduler and records are required")
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaultSyncTimeout
	}

	return &Server{opts: opts, logger: opts.Logger}, nil
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, s.roleMiddleware)

	r.Get("/health", s.handleHealth)

	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/integrations", s.handleIntegrations)
	r.Get("/integrations/{id}/status", s.handleStatus)
	r.Post("/integrations/{id}/sync", s.handleSync)

	r.Get("/records/{kind}/{id}", s.handleReadRecord)
	r.Put("/records/{kind}/{id}", s.handleWriteRecord)

	r.Get("/conflicts/{kind}", s.handleConflicts)
	r.Post("/conflicts/{kind}/{id}/resolve", s.handleResolve)

	r.Get("/outbox", s.handleOutbox)

	return s.cors().Handler(r)
}

func (s *Server) cors() *cors.Cors {
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", RoleHeader},
		MaxAge:         300,
	}

	if len(s.opts.AllowedOrigins) > 0 {
		opts.AllowedOrigins = s.opts.AllowedOrigins
	} else {
		opts.AllowOriginFunc = func(string) bool { return true }
	}

	return cors.New(opts)
}

func (s *Server) roleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(RoleHeader)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		role, err := capability.ParseRole(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown_role")
			return
		}

		next.ServeHTTP(w, r.WithContext(capability.WithRole(r.Context(), role)))
	})
}

type integrationView struct {
	ID        string                  `json:"id"`
	Type      model.IntegrationType   `json:"type"`
	Status    model.IntegrationStatus `json:"status"`
	Kinds     []model.Kind            `json:"kinds"`
	Frequency model.SyncFrequency     `json:"syncFrequency"`
	Policy    model.ConflictPolicy    `json:"conflictResolution"`
	LastSync  *time.Time              `json:"lastSync"`
	Indicator scheduler.Indicator     `json:"indicator"`
}

func (s *Server) view(in *model.Integration) integrationView {
	st, _ := s.opts.Scheduler.Status(in.ID)

	return integrationView{
		ID:        in.ID,
		Type:      in.Type,
		Status:    in.Status,
		Kinds:     in.EnabledKinds(),
		Frequency: in.Settings.SyncFrequency,
		Policy:    in.Settings.ConflictResolution,
		LastSync:  in.LastSync,
		Indicator: scheduler.IndicatorFor(*in, st),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}

	if s.opts.Network != nil {
		body["network"] = s.opts.Network.State()
	}

	if s.opts.StorageErrors != nil {
		body["storageErrors"] = s.opts.StorageErrors()
	}

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleIntegrations(w http.ResponseWriter, _ *http.Request) {
	ins := s.opts.Scheduler.Integrations()

	out := make([]integrationView, 0, len(ins))
	for i := range ins {
		out = append(out, s.view(&ins[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{"integrations": out})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	in, err := s.opts.Scheduler.Integration(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	st, ok := s.opts.Scheduler.Status(id)
	if !ok {
		st = model.SyncStatus{IntegrationID: id}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"integration": s.view(&in),
		"status":      st,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := capability.Check(r.Context(), capability.ManageIntegrations); err != nil {
		s.writeErr(w, err)
		return
	}

	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.SyncTimeout)
	defer cancel()

	err := s.opts.Scheduler.SyncIntegration(ctx, id)

	if errors.Is(err, scheduler.ErrUnknownIntegration) ||
		errors.Is(err, scheduler.ErrNotConnected) ||
		errors.Is(err, scheduler.ErrStopped) {
		s.writeErr(w, err)
		return
	}

	st, _ := s.opts.Scheduler.Status(id)
	body := map[string]any{"status": st}
	code := http.StatusOK

	switch {
	case errors.Is(err, scheduler.ErrSyncInProgress):
		code = http.StatusAccepted
	case err != nil:
		code, _ = classify(err)
		body["error"] = err.Error()
	}

	writeJSON(w, code, body)
}

func (s *Server) handleReadRecord(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_kind")
		return
	}

	res, err := s.opts.Records.Read(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"record":    res.Record.Flat(),
		"fromCache": res.FromCache,
		"stale":     res.Stale,
	})
}

// handleWriteRecord writes through to the remote store, or queues the
// write when the request carries ?queued=true.
func (s *Server) handleWriteRecord(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_kind")
		return
	}

	var flat map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&flat); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	flat[model.FieldID] = remote.NormalizeID(chi.URLParam(r, "id"))

	rec, err := model.RecordFromFlat(flat)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_record")
		return
	}

	write := s.opts.Records.Write
	if r.URL.Query().Get("queued") == "true" {
		write = s.opts.Records.WriteQueued
	}

	saved, err := write(r.Context(), kind, rec)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"record": saved.Flat()})
}

type conflictView struct {
	scheduler.Conflict
	LocalRecord  map[string]any `json:"local"`
	RemoteRecord map[string]any `json:"remote"`
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_kind")
		return
	}

	conflicts, err := s.opts.Scheduler.Conflicts(kind)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	out := make([]conflictView, 0, len(conflicts))
	for i := range conflicts {
		c := conflicts[i]
		out = append(out, conflictView{Conflict: c, LocalRecord: c.Local.Flat(), RemoteRecord: c.Remote.Flat()})
	}

	writeJSON(w, http.StatusOK, map[string]any{"conflicts": out})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if err := capability.Check(r.Context(), capability.ResolveSyncConflicts); err != nil {
		s.writeErr(w, err)
		return
	}

	kind, err := model.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_kind")
		return
	}

	var body struct {
		Choice string `json:"choice"`
	}

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	choice, err := scheduler.ParseChoice(body.Choice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_choice")
		return
	}

	rec, err := s.opts.Scheduler.ResolveConflict(kind, chi.URLParam(r, "id"), choice)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"record": rec.Flat()})
}

func (s *Server) handleOutbox(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Outbox == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}

	entries, err := s.opts.Outbox.Pending()
	if err != nil {
		s.writeErr(w, err)
		return
	}

	out := make([]map[string]any, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		out = append(out, map[string]any{
			"id":            e.ID,
			"kind":          e.Kind,
			"recordId":      e.Record.ID,
			"integrationId": e.IntegrationID,
			"attempts":      e.Attempts,
			"lastError":     e.LastError,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// writeErr maps a domain error to an HTTP status.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("api request failed", slog.String("error", err.Error()))
	}

	writeJSON(w, status, map[string]string{"error": code, "message": err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, capability.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, scheduler.ErrUnknownIntegration):
		return http.StatusNotFound, "unknown_integration"
	case errors.Is(err, scheduler.ErrNoConflict):
		return http.StatusNotFound, "no_conflict"
	case errors.Is(err, cachefirst.ErrNotFound), errors.Is(err, cachefirst.ErrNotCached):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, scheduler.ErrNotConnected), errors.Is(err, cachefirst.ErrNoIntegration):
		return http.StatusConflict, "not_connected"
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable, "stopped"
	case errors.Is(err, cachefirst.ErrOffline):
		return http.StatusServiceUnavailable, "offline"
	case errors.Is(err, remote.ErrData):
		return http.StatusUnprocessableEntity, "rejected"
	case errors.Is(err, remote.ErrAuth), errors.Is(err, remote.ErrConnection):
		return http.StatusBadGateway, "upstream"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

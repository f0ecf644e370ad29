// Package docserver is an in-memory remote document store that speaks the
// collection protocol the sync client uses. It backs the devserver command
// and the end-to-end tests.
package docserver

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
)

const (
	maxBodyBytes = 8 << 20
	writeTimeout = 5 * time.Second
)

// Document is one stored JSON object.
type Document = map[string]any

// Options configures a Server.
type Options struct {
	Logger *slog.Logger

	// JWTSecret verifies HS256 bearer tokens. Empty accepts any bearer
	// token that is a well-formed, unexpired JWT.
	JWTSecret []byte

	// APIKeys lists accepted X-Api-Key values. Empty accepts any key.
	APIKeys []string
}

// Server holds the collections and the live watchers.
type Server struct {
	logger    *slog.Logger
	jwtSecret []byte
	apiKeys   map[string]bool

	mu          sync.Mutex
	collections map[string]map[string]Document
	watchers    map[*watcher]struct{}
	faults      map[string][]int

	nowFunc func() time.Time
}

type watcher struct {
	collection string
	filter     map[string]string
	notify     chan struct{}
}

// New creates an empty server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keys := make(map[string]bool, len(opts.APIKeys))
	for _, k := range opts.APIKeys {
		keys[k] = true
	}

	return &Server{
		logger:      logger,
		jwtSecret:   opts.JWTSecret,
		apiKeys:     keys,
		collections: make(map[string]map[string]Document),
		watchers:    make(map[*watcher]struct{}),
		faults:      make(map[string][]int),
		nowFunc:     time.Now,
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/collections/{collection}", func(r chi.Router) {
		r.Use(s.authMiddleware, s.faultMiddleware)
		r.Get("/", s.handleList)
		r.Get("/watch", s.handleWatch)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handlePut)
		r.Delete("/{id}", s.handleDelete)
	})

	return r
}

// Put stores a document directly, as if another client had written it, and
// notifies watchers.
func (s *Server) Put(collection string, doc Document) Document {
	id, _ := doc["id"].(string)

	s.mu.Lock()
	stored := s.storeLocked(collection, id, doc)
	s.mu.Unlock()

	s.notify(collection)

	return stored
}

// Remove deletes a document and notifies watchers. It reports whether the
// document existed.
func (s *Server) Remove(collection, id string) bool {
	s.mu.Lock()
	_, ok := s.collections[collection][id]
	delete(s.collections[collection], id)
	s.mu.Unlock()

	if ok {
		s.notify(collection)
	}

	return ok
}

// Documents returns copies of a collection's documents sorted by id.
func (s *Server) Documents(collection string) []Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.matchLocked(collection, nil)
}

// FailNext makes the next requests to a collection fail with the given
// statuses, one per request.
func (s *Server) FailNext(collection string, statuses ...int) {
	s.mu.Lock()
	s.faults[collection] = append(s.faults[collection], statuses...)
	s.mu.Unlock()
}

// Watchers returns the number of open watch channels.
func (s *Server) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.watchers)
}

func (s *Server) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		collection := chi.URLParam(r, "collection")

		s.mu.Lock()
		queue := s.faults[collection]

		status := 0
		if len(queue) > 0 {
			status = queue[0]
			s.faults[collection] = queue[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, "injected_fault")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	s.mu.Lock()
	docs := s.matchLocked(collection, queryFilter(r))
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	doc, ok := s.collections[collection][id]
	if ok {
		doc = cloneDoc(doc)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	var doc Document
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	if bodyID, ok := doc["id"].(string); ok && bodyID != id {
		writeError(w, http.StatusConflict, "id_mismatch")
		return
	}

	s.mu.Lock()
	stored := s.storeLocked(collection, id, doc)
	s.mu.Unlock()

	s.logger.Debug("document stored",
		slog.String("collection", collection),
		slog.String("id", id),
	)

	s.notify(collection)
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.Remove(chi.URLParam(r, "collection"), chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleWatch streams the full matching result set on connect and after
// every change to the collection.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	wt := &watcher{
		collection: chi.URLParam(r, "collection"),
		filter:     queryFilter(r),
		notify:     make(chan struct{}, 1),
	}
	wt.notify <- struct{}{}

	s.mu.Lock()
	s.watchers[wt] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.watchers, wt)
		s.mu.Unlock()
	}()

	// CloseRead discards client frames and cancels ctx when the peer leaves.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case <-wt.notify:
		}

		s.mu.Lock()
		docs := s.matchLocked(wt.collection, wt.filter)
		s.mu.Unlock()

		frame, err := json.Marshal(map[string]any{"documents": docs})
		if err != nil {
			s.logger.Error("encoding watch frame", slog.String("error", err.Error()))
			return
		}

		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(wctx, websocket.MessageText, frame)
		cancel()

		if err != nil {
			s.logger.Debug("watch client gone", slog.String("error", err.Error()))
			return
		}
	}
}

// storeLocked writes doc under id, keeping createdAt of an existing
// document and stamping updatedAt when the writer did not.
func (s *Server) storeLocked(collection, id string, doc Document) Document {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]Document)
		s.collections[collection] = docs
	}

	stored := cloneDoc(doc)
	stored["id"] = id

	now := s.nowFunc().UTC().Format(time.RFC3339Nano)

	if old, exists := docs[id]; exists {
		if created, ok := old["createdAt"]; ok {
			stored["createdAt"] = created
		}
	}

	if _, ok := stored["createdAt"]; !ok {
		stored["createdAt"] = now
	}

	if _, ok := stored["updatedAt"]; !ok {
		stored["updatedAt"] = now
	}

	docs[id] = stored

	return cloneDoc(stored)
}

func (s *Server) matchLocked(collection string, filter map[string]string) []Document {
	docs := s.collections[collection]
	ids := slices.Sorted(maps.Keys(docs))
	out := make([]Document, 0, len(ids))

	for _, id := range ids {
		doc := docs[id]
		if matches(doc, filter) {
			out = append(out, cloneDoc(doc))
		}
	}

	return out
}

func (s *Server) notify(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for wt := range s.watchers {
		if wt.collection != collection {
			continue
		}

		select {
		case wt.notify <- struct{}{}:
		default:
		}
	}
}

func matches(doc Document, filter map[string]string) bool {
	for k, want := range filter {
		got, ok := scalarString(doc[k])
		if !ok || got != want {
			return false
		}
	}

	return true
}

// scalarString renders a document value as it appears in a query string.
// Objects, arrays and missing values have no rendering.
func scalarString(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

func queryFilter(r *http.Request) map[string]string {
	q := r.URL.Query()
	if len(q) == 0 {
		return nil
	}

	out := make(map[string]string, len(q))
	for k := range q {
		out[k] = q.Get(k)
	}

	return out
}

// cloneDoc deep-copies through JSON so nested values are never shared.
func cloneDoc(doc Document) Document {
	data, err := json.Marshal(doc)
	if err != nil {
		return Document{}
	}

	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return Document{}
	}

	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}

	return strings.TrimSpace(token)
}

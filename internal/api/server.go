// ABOUTME: Local control API and upstream reverse proxy for the agent
// ABOUTME: Exposes status, sync, and conflict endpoints plus an SSE event stream

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/harborpos/outpost/internal/bus"
	"github.com/harborpos/outpost/internal/conflict"
	"github.com/harborpos/outpost/internal/store"
	"github.com/harborpos/outpost/internal/version"
)

// StatusResponse is the JSON response for GET /api/v1/status.
type StatusResponse struct {
	Online    bool            `json:"online"`
	Pending   PendingStatus   `json:"pending"`
	Conflicts int             `json:"conflicts"`
	LastSync  *LastSyncStatus `json:"last_sync,omitempty"`
	Version   string          `json:"version"`
	Build     string          `json:"build"`
}

// PendingStatus breaks the outbox backlog down by entity.
type PendingStatus struct {
	Total    int            `json:"total"`
	ByEntity map[string]int `json:"by_entity"`
}

// LastSyncStatus summarizes the most recent flush pass.
type LastSyncStatus struct {
	OK        int       `json:"ok"`
	Fail      int       `json:"fail"`
	Deferred  int       `json:"deferred"`
	Discarded int       `json:"discarded"`
	Conflicts int       `json:"conflicts"`
	At        time.Time `json:"at"`
}

// ConflictResponse is the JSON shape of one pending conflict.
type ConflictResponse struct {
	ID            string          `json:"id"`
	Entity        string          `json:"entity"`
	EntityID      string          `json:"entity_id"`
	Local         json.RawMessage `json:"local"`
	Remote        json.RawMessage `json:"remote"`
	LocalVersion  int64           `json:"local_version"`
	RemoteVersion int64           `json:"remote_version"`
	DetectedAt    string          `json:"detected_at"`
}

// ResolveRequest is the JSON request body for resolving a conflict.
type ResolveRequest struct {
	Choice string          `json:"choice"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// OnlineReporter reports the last observed upstream connectivity state.
type OnlineReporter interface {
	Online() bool
}

// Server is the local HTTP surface. Control endpoints live under /api/v1;
// every other path is reverse-proxied to the upstream through the
// intercepting transport, so browser traffic pointed at the agent gets the
// full offline behavior.
type Server struct {
	store    store.Store
	bus      *bus.Bus
	online   OnlineReporter
	resolver *conflict.Resolver
	proxy    *httputil.ReverseProxy
	logger   *slog.Logger

	mu       sync.Mutex
	lastSync *LastSyncStatus
}

// New creates a Server. transport is the intercepting round tripper the
// proxy sends upstream traffic through.
func New(s store.Store, b *bus.Bus, online OnlineReporter, resolver *conflict.Resolver, upstream *url.URL, transport http.RoundTripper, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.Transport = transport
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}

	return &Server{
		store:    s,
		bus:      b,
		online:   online,
		resolver: resolver,
		proxy:    proxy,
		logger:   logger.With("component", "api"),
	}
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync", s.handleSync)
		r.Get("/conflicts", s.handleListConflicts)
		r.Post("/conflicts/{entity}/{id}/resolve", s.handleResolveConflict)
		r.Get("/events", s.handleEvents)

		// Anything else under the API namespace belongs to the upstream.
		r.Handle("/*", s.proxy)
	})

	r.Handle("/*", s.proxy)

	return r
}

// WatchBus records flush summaries from the bus for the status endpoint.
// Blocks until ctx is cancelled.
func (s *Server) WatchBus(ctx context.Context) {
	msgs, _ := s.bus.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if synced, isSynced := msg.(bus.Synced); isSynced {
				s.mu.Lock()
				s.lastSync = &LastSyncStatus{
					OK:        synced.OK,
					Fail:      synced.Fail,
					Deferred:  synced.Deferred,
					Discarded: synced.Discarded,
					Conflicts: synced.Conflicts,
					At:        time.Now(),
				}
				s.mu.Unlock()
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.PendingByEntity(r.Context())
	if err != nil {
		s.logger.Error("failed to count pending items", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	byEntity := make(map[string]int, len(counts))
	total := 0
	for _, c := range counts {
		byEntity[c.Entity] = c.Count
		total += c.Count
	}

	conflicts, err := s.store.ListConflicts(r.Context())
	if err != nil {
		s.logger.Error("failed to list conflicts", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.mu.Lock()
	lastSync := s.lastSync
	s.mu.Unlock()

	resp := StatusResponse{
		Online:    s.online.Online(),
		Pending:   PendingStatus{Total: total, ByEntity: byEntity},
		Conflicts: len(conflicts),
		LastSync:  lastSync,
		Version:   version.Version,
		Build:     version.Build,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.bus.Publish(bus.SyncNow{})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "sync requested"})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.store.ListConflicts(r.Context())
	if err != nil {
		s.logger.Error("failed to list conflicts", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]ConflictResponse, len(conflicts))
	for i, c := range conflicts {
		resp[i] = ConflictResponse{
			ID:            c.ID,
			Entity:        c.Entity,
			EntityID:      c.EntityID,
			Local:         json.RawMessage(c.Local),
			Remote:        json.RawMessage(c.Remote),
			LocalVersion:  c.LocalVersion,
			RemoteVersion: c.RemoteVersion,
			DetectedAt:    c.DetectedAt.Format(time.RFC3339),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	entityID := chi.URLParam(r, "id")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Choice == "" {
		s.sendJSONError(w, http.StatusBadRequest, "choice is required")
		return
	}

	err := s.resolver.Resolve(r.Context(), entity, entityID, conflict.Choice(req.Choice), req.Data)
	if errors.Is(err, conflict.ErrUnknownChoice) {
		s.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown choice %q", req.Choice))
		return
	}
	if err != nil {
		s.logger.Error("failed to resolve conflict",
			"entity", entity, "id", entityID, "error", err)
		s.sendJSONError(w, http.StatusBadGateway, "resolution failed, conflict still pending")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "resolved"})
}

// handleEvents streams bus messages as Server-Sent Events. The event name is
// the message kind, the data is the message body as JSON.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	msgs, _ := s.bus.Subscribe(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s.writeSSEEvent(w, "connected", map[string]string{
		"version": version.Version,
		"build":   version.Build,
	})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.writeSSEEvent(w, msg.Kind(), msg)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

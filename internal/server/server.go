// ABOUTME: HTTP surface of the controller: command endpoint plus read-only query routes
// ABOUTME: Built on chi; handlers stay thin and delegate to the registry, store and managers

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/fleet-warden/internal/config"
	"github.com/2389/fleet-warden/internal/registry"
	"github.com/2389/fleet-warden/internal/snapshot"
	"github.com/2389/fleet-warden/internal/store"
)

// Recoverer schedules asynchronous recoveries and handles the operator
// pathway for clearing exhausted attempt counters.
type Recoverer interface {
	Enqueue(agentID, reason string)
	ResetAttempts(ctx context.Context, agentID string) error
}

// Snapshotter is the slice of the snapshot manager the server needs.
type Snapshotter interface {
	Create(ctx context.Context, name string) (*snapshot.Manifest, error)
	Restore(ctx context.Context, id string) error
	List() ([]snapshot.Manifest, error)
}

// ResourceSource exposes the latest host resource sample.
type ResourceSource interface {
	Latest() (*store.ResourceSnapshot, bool)
}

// Server serves the controller's HTTP API.
type Server struct {
	registry   *registry.Registry
	store      store.Store
	recoverer  Recoverer
	snapshots  Snapshotter
	resources  ResourceSource
	logger     *slog.Logger
	httpServer *http.Server
}

func New(cfg config.ServerConfig, reg *registry.Registry, st store.Store, rec Recoverer, snaps Snapshotter, res ResourceSource, logger *slog.Logger) *Server {
	s := &Server{
		registry:  reg,
		store:     st,
		recoverer: rec,
		snapshots: snaps,
		resources: res,
		logger:    logger.With("component", "server"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route tree. Exposed separately so tests can drive it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Post("/api/command", s.handleCommand)
	r.Get("/api/agents", s.handleAgents)
	r.Get("/api/errors", s.handleErrors)
	r.Get("/api/recoveries", s.handleRecoveries)
	r.Get("/api/resources", s.handleResources)
	r.Get("/api/snapshots", s.handleSnapshots)

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": s.registry.Counts(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": s.registry.Snapshot(),
		"counts": s.registry.Counts(),
	})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	filter := store.ErrorFilter{Limit: queryLimit(r)}
	if v := r.URL.Query().Get("agent_id"); v != "" {
		filter.AgentID = &v
	}
	if v := r.URL.Query().Get("resolved"); v != "" {
		resolved := v == "true"
		filter.Resolved = &resolved
	}
	if v := r.URL.Query().Get("type"); v != "" {
		filter.Type = &v
	}

	records, err := s.store.QueryErrors(r.Context(), filter)
	if err != nil {
		s.internalError(w, "querying errors", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": records})
}

func (s *Server) handleRecoveries(w http.ResponseWriter, r *http.Request) {
	filter := store.ActionFilter{Limit: queryLimit(r)}
	if v := r.URL.Query().Get("agent_id"); v != "" {
		filter.AgentID = &v
	}

	actions, err := s.store.QueryRecoveryActions(r.Context(), filter)
	if err != nil {
		s.internalError(w, "querying recovery actions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recoveries": actions})
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	filter := store.ResourceFilter{Limit: queryLimit(r)}
	if v := r.URL.Query().Get("start"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start time: "+v)
			return
		}
		filter.Start = &ts
	}
	if v := r.URL.Query().Get("end"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end time: "+v)
			return
		}
		filter.End = &ts
	}

	history, err := s.store.QueryResourceSnapshots(r.Context(), filter)
	if err != nil {
		s.internalError(w, "querying resource snapshots", err)
		return
	}

	resp := map[string]any{"history": history}
	if current, ok := s.resources.Latest(); ok {
		resp["current"] = current
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	manifests, err := s.snapshots.List()
	if err != nil {
		s.internalError(w, "listing snapshots", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": manifests})
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, what+" failed")
}

func queryLimit(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"status":  "error",
		"message": msg,
	})
}

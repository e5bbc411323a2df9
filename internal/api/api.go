// ABOUTME: HTTP JSON API for agents, tasks, maintenance sweeps, stats and the event stream
// ABOUTME: Maps dispatcher and registry errors onto status codes with {"error": ...} bodies

package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-dispatch/internal/dedupe"
	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/notify"
	"github.com/2389/coven-dispatch/internal/perf"
	"github.com/2389/coven-dispatch/internal/registry"
	"github.com/2389/coven-dispatch/internal/store"
)

// ScopeHeader carries the tenant scope of a request.
const ScopeHeader = "X-Scope"

// IdempotencyHeader lets clients retry task submission without creating duplicates.
const IdempotencyHeader = "Idempotency-Key"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the collaborators of the API.
type Config struct {
	Dispatcher  *dispatch.Dispatcher
	Registry    *registry.Registry
	Tracker     *perf.Tracker
	Broadcaster *notify.Broadcaster // nil disables /api/events
	Idempotency *dedupe.Cache       // nil disables Idempotency-Key handling
	Store       Pinger

	// MaintenanceSecret guards POST /api/maintenance. Empty disables the endpoint.
	MaintenanceSecret string
}

// API serves the HTTP endpoints.
type API struct {
	dispatcher  *dispatch.Dispatcher
	registry    *registry.Registry
	tracker     *perf.Tracker
	broadcaster *notify.Broadcaster
	idem        *dedupe.Cache
	store       Pinger
	secret      string
	logger      *slog.Logger
}

// New creates the API. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		dispatcher:  cfg.Dispatcher,
		registry:    cfg.Registry,
		tracker:     cfg.Tracker,
		broadcaster: cfg.Broadcaster,
		idem:        cfg.Idempotency,
		store:       cfg.Store,
		secret:      cfg.MaintenanceSecret,
		logger:      logger.With("component", "api"),
	}
}

// RegisterRoutes mounts every endpoint on mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /health/ready", a.handleReady)

	mux.HandleFunc("POST /api/agents", a.handleRegisterAgent)
	mux.HandleFunc("GET /api/agents", a.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", a.handleGetAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", a.handleDeleteAgent)
	mux.HandleFunc("PUT /api/agents/{id}/status", a.handleUpdateAgentStatus)
	mux.HandleFunc("GET /api/agents/{id}/metrics", a.handleAgentMetrics)

	mux.HandleFunc("POST /api/tasks", a.handleSubmitTask)
	mux.HandleFunc("GET /api/tasks", a.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", a.handleGetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", a.handleDeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/route", a.handleRouteTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", a.handleCompleteTask)
	mux.HandleFunc("GET /api/tasks/{id}/decisions", a.handleTaskDecisions)

	mux.HandleFunc("POST /api/maintenance", a.handleMaintenance)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/events", a.handleEvents)
}

// Handler returns a mux with every endpoint mounted.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.store != nil {
		if err := a.store.Ping(r.Context()); err != nil {
			a.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// requestScope returns the scope named by the X-Scope header.
func requestScope(r *http.Request) string {
	if s := strings.TrimSpace(r.Header.Get(ScopeHeader)); s != "" {
		return s
	}
	return store.DefaultScope
}

// authorizeMaintenance checks the bearer token against the shared secret.
// Returns the status to reply with, or 0 when the caller is authorized.
func (a *API) authorizeMaintenance(r *http.Request) (int, string) {
	if a.secret == "" {
		return http.StatusServiceUnavailable, "maintenance secret not configured"
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return http.StatusUnauthorized, "missing bearer token"
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) != 1 {
		return http.StatusUnauthorized, "invalid token"
	}
	return 0, ""
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// sendJSON writes v as a JSON response with the given status.
func (a *API) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (a *API) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendError maps a domain error onto a status code. Unexpected errors are
// logged and reported without detail.
func (a *API) sendError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrScopeConflict):
		a.sendJSONError(w, http.StatusConflict, "agent id is registered in another scope")
	case errors.Is(err, dispatch.ErrInvalidState), errors.Is(err, store.ErrConflict):
		a.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrInvalidTask),
		errors.Is(err, registry.ErrInvalidAgent),
		errors.Is(err, registry.ErrInvalidStatus):
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

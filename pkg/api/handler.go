// Package api is the daemon's operational HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/sessiond/pkg/keyedlock"
	"github.com/psantana5/sessiond/pkg/logging"
	"github.com/psantana5/sessiond/pkg/models"
	"github.com/psantana5/sessiond/pkg/probe"
	"github.com/psantana5/sessiond/pkg/registry"
	"github.com/psantana5/sessiond/pkg/supervisor"
)

// Handler exposes the supervisor over HTTP
type Handler struct {
	sup    *supervisor.Supervisor
	prober *probe.Prober
	log    *logging.Logger
}

// NewHandler creates a new API handler
func NewHandler(sup *supervisor.Supervisor, prober *probe.Prober, log *logging.Logger) *Handler {
	return &Handler{
		sup:    sup,
		prober: prober,
		log:    log.WithComponent("api"),
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	r.HandleFunc("/sessions/{key}", h.GetSession).Methods("GET")
	r.HandleFunc("/sessions/{key}/start", h.StartSession).Methods("POST")
	r.HandleFunc("/sessions/{key}/stop", h.StopSession).Methods("POST")
	r.HandleFunc("/sessions/{key}/reload", h.ReloadSession).Methods("POST")
	r.HandleFunc("/flush", h.Flush).Methods("POST")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

type statusResponse struct {
	Status string `json:"status"`
	Key    string `json:"key,omitempty"`
	Error  string `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// respondError maps supervisor errors onto distinct statuses so
// callers can tell "already running" from "gave up recovering".
func respondError(w http.ResponseWriter, key string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrAlreadyActive), errors.Is(err, registry.ErrAlreadyPending):
		code = http.StatusConflict
	case errors.Is(err, supervisor.ErrRestartLimit):
		code = http.StatusTooManyRequests
	case errors.Is(err, supervisor.ErrPathTraversal):
		code = http.StatusBadRequest
	case errors.Is(err, keyedlock.ErrLockTimeout):
		code = http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrLaunchFailure):
		code = http.StatusBadGateway
	}
	respondJSON(w, code, statusResponse{Status: "error", Key: key, Error: err.Error()})
}

// StartSession launches a worker for the key
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := h.sup.Setup(r.Context(), key); err != nil {
		h.log.Warn("Start failed", map[string]interface{}{"key": key, "error": err.Error()})
		respondError(w, key, err)
		return
	}
	respondJSON(w, http.StatusCreated, statusResponse{Status: "started", Key: key})
}

// StopSession tears down the worker for the key.
// Query params: mode=logout|destroy (default destroy), delete=true to
// remove the work directory.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	mode := models.TeardownDestroy
	if r.URL.Query().Get("mode") == string(models.TeardownLogout) {
		mode = models.TeardownLogout
	}
	deleteDir := r.URL.Query().Get("delete") == "true"

	if err := h.sup.Teardown(key, mode, deleteDir); err != nil {
		h.log.Warn("Stop failed", map[string]interface{}{"key": key, "error": err.Error()})
		respondError(w, key, err)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{Status: "stopped", Key: key})
}

// ReloadSession restarts the worker for the key
func (h *Handler) ReloadSession(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := h.sup.Reload(r.Context(), key); err != nil {
		h.log.Warn("Reload failed", map[string]interface{}{"key": key, "error": err.Error()})
		respondError(w, key, err)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{Status: "reloaded", Key: key})
}

// Flush runs a reconciliation pass. inactive=true restricts it to
// disconnected sessions and orphans.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	restrict := r.URL.Query().Get("inactive") == "true"
	if err := h.sup.Flush(r.Context(), restrict); err != nil {
		respondError(w, "", err)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{Status: "flushed"})
}

// ListSessions returns a snapshot of all registered sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	infos := h.sup.Registry().Snapshot()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	respondJSON(w, http.StatusOK, infos)
}

type sessionDetail struct {
	models.SessionInfo
	Events []*models.Event `json:"events,omitempty"`
}

// GetSession returns one session's state, probe result, and recent
// audit events
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := models.ValidateKey(key); err != nil {
		respondJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Key: key, Error: err.Error()})
		return
	}

	detail := sessionDetail{
		SessionInfo: models.SessionInfo{Key: key, State: h.sup.Registry().State(key)},
	}
	if handle, ok := h.sup.Registry().Handle(key); ok {
		detail.PID = handle.PID()
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		result := h.prober.Probe(ctx, handle)
		cancel()
		detail.Connected = result.Connected
		detail.Detail = result.Detail
	}

	events, err := h.sup.Events().RecentEvents(key, 20)
	if err != nil {
		h.log.Warn("Failed to load events", map[string]interface{}{"key": key, "error": err.Error()})
	} else {
		detail.Events = events
	}

	if detail.State == models.StateAbsent && len(detail.Events) == 0 {
		respondJSON(w, http.StatusNotFound, statusResponse{Status: "error", Key: key, Error: "session not found"})
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// Health reports daemon liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(h.sup.Registry().Keys()),
	})
}

// Copyright 2025 James Ross

// Package adminhttp exposes the protected governance-update surface (§4.9)
// over HTTP: a thin gorilla/mux front door that authenticates the caller and
// delegates straight through to internal/governance.Engine.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/flyingrobots/engram/internal/governance"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Engine is the subset of governance.Engine this handler depends on.
type Engine interface {
	UpdateSettings(ctx context.Context, projectKey string, adminKeyMatches bool, actorUserID string, teamWriteEnabled *bool, policyPatch governance.PolicyDocument, updatedBy string) error
}

// Handler serves the governance-update endpoint.
type Handler struct {
	engine   Engine
	adminKey string
	log      *zap.Logger
}

func NewHandler(engine Engine, adminKey string, log *zap.Logger) *Handler {
	return &Handler{engine: engine, adminKey: adminKey, log: log}
}

// RegisterRoutes wires the handler's routes onto router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/governance-update", h.updateGovernance).Methods("POST")
}

type updateGovernanceRequest struct {
	ProjectKey       string                     `json:"project_key"`
	ActorUserID      string                     `json:"actor_user_id"`
	TeamWriteEnabled *bool                      `json:"team_write_enabled"`
	Policy           governance.PolicyDocument  `json:"policy"`
}

func (h *Handler) updateGovernance(w http.ResponseWriter, r *http.Request) {
	var req updateGovernanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", err)
		return
	}
	if req.ProjectKey == "" {
		h.writeError(w, http.StatusBadRequest, "project_key is required", nil)
		return
	}

	adminKeyMatches := h.adminKey != "" && r.Header.Get("X-Admin-Key") == h.adminKey
	updatedBy := req.ActorUserID
	if updatedBy == "" {
		updatedBy = "admin"
	}

	if err := h.engine.UpdateSettings(r.Context(), req.ProjectKey, adminKeyMatches, req.ActorUserID, req.TeamWriteEnabled, req.Policy, updatedBy); err != nil {
		h.writeError(w, http.StatusForbidden, "governance update rejected", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp["details"] = err.Error()
	}
	h.writeJSON(w, status, resp)
}

// StartServer builds a router with the handler's routes and serves it on
// addr, returning the *http.Server for graceful shutdown by the caller.
func StartServer(addr string, h *Handler, log *zap.Logger) *http.Server {
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin http server stopped", zap.Error(err))
		}
	}()
	return srv
}

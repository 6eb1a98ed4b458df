package gateway

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type ensureSessionRequest struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Label     string `json:"label"`
}

func (s *Server) handleEnsureSession(w http.ResponseWriter, r *http.Request) {
	var req ensureSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondValidation(w, err.Error())
		return
	}
	if err := s.cfg.Store.EnsureSession(r.Context(), req.SessionID, req.AgentID, req.Label); err != nil {
		respondFault(w, err)
		return
	}
	sess, err := s.cfg.Store.GetSession(r.Context(), req.SessionID)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := s.cfg.Store.ListSessions(r.Context(), limit)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type sessionHeartbeatRequest struct {
	Enabled     bool `json:"enabled"`
	IntervalSec int  `json:"interval_sec"`
}

func (s *Server) handleSessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req sessionHeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondValidation(w, err.Error())
		return
	}
	sessionID := chi.URLParam(r, "id")
	if err := s.cfg.Store.SetSessionHeartbeat(r.Context(), sessionID, req.Enabled, req.IntervalSec); err != nil {
		respondFault(w, err)
		return
	}
	sess, err := s.cfg.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type ensureAgentRequest struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleEnsureAgent(w http.ResponseWriter, r *http.Request) {
	var req ensureAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondValidation(w, err.Error())
		return
	}
	if err := s.cfg.Store.EnsureAgent(r.Context(), req.AgentID, req.DisplayName); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Store.ListAgents(r.Context())
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

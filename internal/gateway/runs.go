package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/basket/taskdeck/internal/runmanager"
)

type enqueueRunRequest struct {
	Mode      string `json:"mode"`
	Prompt    string `json:"prompt"`
	DedupeKey string `json:"dedupe_key"`
	Source    string `json:"source"`
	Internal  bool   `json:"internal"`
}

func (s *Server) handleEnqueueRun(w http.ResponseWriter, r *http.Request) {
	var req enqueueRunRequest
	if err := decodeJSON(r, &req); err != nil {
		respondValidation(w, err.Error())
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	run, coalesced, err := s.cfg.Runs.Submit(r.Context(), runmanager.Request{
		SessionID: chi.URLParam(r, "id"),
		Mode:      runmanager.Mode(req.Mode),
		Prompt:    req.Prompt,
		DedupeKey: req.DedupeKey,
		Source:    req.Source,
		Internal:  req.Internal,
	})
	if err != nil {
		respondFault(w, err)
		return
	}
	status := http.StatusCreated
	if coalesced {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]any{"run": run, "coalesced": coalesced})
}

func (s *Server) handleSessionRuns(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Runs.SessionSnapshot(chi.URLParam(r, "id"))
	respondJSON(w, http.StatusOK, snap)
}

type abortRunRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	var req abortRunRequest
	if err := decodeJSON(r, &req); err != nil && err != errEmptyBody {
		respondValidation(w, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "aborted via api"
	}
	runID := chi.URLParam(r, "id")
	if err := s.cfg.Runs.Abort(runID, req.Reason); err != nil {
		respondFault(w, err)
		return
	}
	run, err := s.cfg.Runs.Get(runID)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

type cancelHeartbeatRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelHeartbeatRuns(w http.ResponseWriter, r *http.Request) {
	var req cancelHeartbeatRequest
	if err := decodeJSON(r, &req); err != nil && err != errEmptyBody {
		respondValidation(w, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "heartbeat runs cancelled via api"
	}
	report := s.cfg.Runs.CancelAllBySource("heartbeat", req.Reason)
	respondJSON(w, http.StatusOK, report)
}

package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

type sendEnvelopeRequest struct {
	SessionID string `json:"session_id"`
	Sender    string `json:"sender"`
	Kind      string `json:"kind"`
	Body      string `json:"body"`
	TTLSec    int    `json:"ttl_sec"`
}

func (s *Server) handleSendEnvelope(w http.ResponseWriter, r *http.Request) {
	var req sendEnvelopeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondValidation(w, err.Error())
		return
	}
	env, err := s.cfg.Store.DeliverEnvelope(r.Context(), req.SessionID, req.Sender, req.Kind, req.Body,
		time.Duration(req.TTLSec)*time.Second)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, env)
}

func (s *Server) handleListMailbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	includeAcked := q.Get("include_acked") == "true"
	envelopes, err := s.cfg.Store.ListEnvelopes(r.Context(), chi.URLParam(r, "id"), includeAcked, limit)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"envelopes": envelopes, "count": len(envelopes)})
}

type ackEnvelopeRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleAckEnvelope(w http.ResponseWriter, r *http.Request) {
	var req ackEnvelopeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondValidation(w, err.Error())
		return
	}
	if req.SessionID == "" {
		respondValidation(w, "session_id is required")
		return
	}
	if err := s.cfg.Store.AckEnvelope(r.Context(), req.SessionID, chi.URLParam(r, "id")); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"acked": true})
}

func (s *Server) handleClearMailbox(w http.ResponseWriter, r *http.Request) {
	includeAcked := r.URL.Query().Get("include_acked") == "true"
	report, err := s.cfg.Store.ClearMailbox(r.Context(), chi.URLParam(r, "id"), includeAcked)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handlePurgeExpired(w http.ResponseWriter, r *http.Request) {
	purged, err := s.cfg.Store.PurgeExpiredEnvelopes(r.Context())
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/basket/taskdeck/internal/schedule"
	"github.com/basket/taskdeck/internal/store"
)

type createScheduleRequest struct {
	AgentID     string     `json:"agent_id"`
	SessionID   string     `json:"session_id"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	CronExpr    string     `json:"cron_expr"`
	IntervalSec int        `json:"interval_sec"`
	RunAt       *time.Time `json:"run_at"`
	TaskPrompt  string     `json:"task_prompt"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondValidation(w, err.Error())
		return
	}
	sched, created, err := s.cfg.Schedules.Create(r.Context(), schedule.CreateRequest{
		AgentID:     req.AgentID,
		SessionID:   req.SessionID,
		Name:        req.Name,
		Type:        store.ScheduleType(req.Type),
		CronExpr:    req.CronExpr,
		IntervalSec: req.IntervalSec,
		RunAt:       req.RunAt,
		TaskPrompt:  req.TaskPrompt,
	})
	if err != nil {
		respondFault(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]any{
		"schedule": sched,
		"created":  created,
		"human":    scheduleHuman(sched),
	})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.cfg.Schedules.List(r.Context())
	if err != nil {
		respondFault(w, err)
		return
	}
	out := make([]map[string]any, 0, len(schedules))
	for i := range schedules {
		out = append(out, map[string]any{
			"schedule": schedules[i],
			"human":    scheduleHuman(&schedules[i]),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"schedules": out, "count": len(out)})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.cfg.Schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"schedule": sched,
		"human":    scheduleHuman(sched),
	})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Schedules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	s.scheduleTransition(w, r, s.cfg.Schedules.Pause)
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	s.scheduleTransition(w, r, s.cfg.Schedules.Resume)
}

func (s *Server) scheduleTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, scheduleID string) error) {
	scheduleID := chi.URLParam(r, "id")
	if err := op(r.Context(), scheduleID); err != nil {
		respondFault(w, err)
		return
	}
	sched, err := s.cfg.Schedules.Get(r.Context(), scheduleID)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sched)
}

// handleRunSchedule fires a schedule immediately, subject to the same
// anti-overlap skip as a timed fire.
func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	result, err := s.cfg.Schedules.Fire(r.Context(), chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// scheduleHuman renders the trigger for display.
func scheduleHuman(sched *store.Schedule) string {
	switch sched.Type {
	case store.ScheduleTypeCron:
		return schedule.CronToHuman(sched.CronExpr)
	case store.ScheduleTypeInterval:
		return "Every " + (time.Duration(sched.IntervalSec) * time.Second).String()
	case store.ScheduleTypeOnce:
		if sched.RunAt != nil {
			return "Once at " + sched.RunAt.UTC().Format(time.RFC3339)
		}
	}
	return ""
}

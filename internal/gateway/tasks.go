package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/basket/taskdeck/internal/store"
)

type createTaskRequest struct {
	AgentID         string   `json:"agent_id"`
	SessionID       string   `json:"session_id"`
	Title           string   `json:"title"`
	Prompt          string   `json:"prompt"`
	MaxAttempts     int      `json:"max_attempts"`
	RetryBackoffSec int      `json:"retry_backoff_sec"`
	GoalContract    string   `json:"goal_contract"`
	Checkpoint      string   `json:"checkpoint"`
	BlockedBy       []string `json:"blocked_by"`
	// Enqueue moves the task straight from backlog into the queue.
	Enqueue bool `json:"enqueue"`
	// Status "completed" records already-done work: the task lands
	// terminal with Result, never touching the queue.
	Status string `json:"status"`
	Result string `json:"result"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondValidation(w, err.Error())
		return
	}
	draft := store.TaskDraft{
		AgentID:         req.AgentID,
		SessionID:       req.SessionID,
		Title:           req.Title,
		Prompt:          req.Prompt,
		MaxAttempts:     req.MaxAttempts,
		RetryBackoffSec: req.RetryBackoffSec,
		GoalContract:    req.GoalContract,
		Checkpoint:      req.Checkpoint,
		BlockedBy:       req.BlockedBy,
	}
	switch req.Status {
	case "", string(store.TaskStatusBacklog):
	case string(store.TaskStatusCompleted):
		if req.Enqueue {
			respondValidation(w, "a completed task cannot be enqueued")
			return
		}
		task, verdict, err := s.cfg.Queue.CreateCompleted(r.Context(), draft, req.Result)
		if err != nil {
			respondFault(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, map[string]any{"task": task, "verdict": verdict})
		return
	default:
		respondValidation(w, "status must be backlog or completed, got "+req.Status)
		return
	}
	task, err := s.cfg.Queue.Create(r.Context(), draft)
	if err != nil {
		respondFault(w, err)
		return
	}
	if req.Enqueue {
		if err := s.cfg.Queue.Enqueue(r.Context(), task.ID); err != nil {
			respondFault(w, err)
			return
		}
		task, err = s.cfg.Queue.Get(r.Context(), task.ID)
		if err != nil {
			respondFault(w, err)
			return
		}
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	tasks, err := s.cfg.Queue.List(r.Context(), store.TaskFilter{
		Status:     store.TaskStatus(q.Get("status")),
		SessionID:  q.Get("session_id"),
		ScheduleID: q.Get("schedule_id"),
		Limit:      limit,
	})
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.cfg.Queue.Events(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.cfg.Queue.Enqueue)
}

func (s *Server) handleDequeueTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.cfg.Queue.Dequeue)
}

func (s *Server) handleArchiveTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.cfg.Queue.Archive)
}

func (s *Server) handleResetTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.cfg.Queue.Reset)
}

func (s *Server) handleArchiveTasks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filter string `json:"filter"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondValidation(w, err.Error())
		return
	}
	// Bare request defaults to cleanup of rows already archived.
	if req.Filter == "" {
		req.Filter = string(store.ArchiveFilterCleanup)
	}
	n, err := s.cfg.Queue.ArchiveBulk(r.Context(), store.ArchiveFilter(req.Filter))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"filter": req.Filter, "archived": n})
}

func (s *Server) taskTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, taskID string) error) {
	taskID := chi.URLParam(r, "id")
	if err := op(r.Context(), taskID); err != nil {
		respondFault(w, err)
		return
	}
	task, err := s.cfg.Queue.Get(r.Context(), taskID)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

type completeTaskRequest struct {
	Result string `json:"result"`
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req completeTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondValidation(w, err.Error())
		return
	}
	taskID := chi.URLParam(r, "id")
	verdict, err := s.cfg.Queue.Complete(r.Context(), taskID, req.Result)
	if err != nil {
		respondFault(w, err)
		return
	}
	task, err := s.cfg.Queue.Get(r.Context(), taskID)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task": task, "verdict": verdict})
}

type failTaskRequest struct {
	Error string `json:"error"`
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	var req failTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondValidation(w, err.Error())
		return
	}
	if req.Error == "" {
		respondValidation(w, "error is required")
		return
	}
	decision, err := s.cfg.Queue.Fail(r.Context(), chi.URLParam(r, "id"), req.Error)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

type claimTaskRequest struct {
	AgentID string `json:"agent_id"`
}

// handleClaimTask hands the next runnable queued task to an external
// worker. 204 when the queue is empty.
func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	var req claimTaskRequest
	if err := decodeJSON(r, &req); err != nil && err != errEmptyBody {
		respondValidation(w, err.Error())
		return
	}
	task, err := s.cfg.Queue.Claim(r.Context(), req.AgentID)
	if err != nil {
		respondFault(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// handleAbortTask cancels a task's in-flight execution on this daemon's
// worker pool.
func (s *Server) handleAbortTask(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Workers == nil {
		respondValidation(w, "no in-process workers")
		return
	}
	if err := s.cfg.Workers.Abort(chi.URLParam(r, "id")); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"aborted": true})
}

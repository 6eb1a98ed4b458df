// Package queue is the task queue service: validation, backpressure,
// and the completion gate sit here, on top of the store's state machine.
package queue

import (
	"context"
	"log/slog"
	"strings"

	"github.com/basket/taskdeck/internal/fault"
	"github.com/basket/taskdeck/internal/store"
	"github.com/basket/taskdeck/internal/validator"
)

// Config wires the service. Zero defaults are filled in by New.
type Config struct {
	Store     *store.Store
	Validator *validator.Validator
	Logger    *slog.Logger

	// MaxQueueDepth rejects enqueues past this many queued tasks. 0 = unlimited.
	MaxQueueDepth int

	// DefaultMaxAttempts and DefaultBackoffSec apply to drafts that
	// leave the retry policy unset.
	DefaultMaxAttempts int
	DefaultBackoffSec  int
}

type Service struct {
	store     *store.Store
	validator *validator.Validator
	logger    *slog.Logger

	maxQueueDepth      int
	defaultMaxAttempts int
	defaultBackoffSec  int
}

func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultMaxAttempts == 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.DefaultBackoffSec == 0 {
		cfg.DefaultBackoffSec = 60
	}
	return &Service{
		store:              cfg.Store,
		validator:          cfg.Validator,
		logger:             cfg.Logger.With("component", "queue"),
		maxQueueDepth:      cfg.MaxQueueDepth,
		defaultMaxAttempts: cfg.DefaultMaxAttempts,
		defaultBackoffSec:  cfg.DefaultBackoffSec,
	}
}

// Create validates a draft and stores it in backlog.
func (s *Service) Create(ctx context.Context, draft store.TaskDraft) (*store.Task, error) {
	draft, err := s.normalizeDraft(draft)
	if err != nil {
		return nil, err
	}

	task, err := s.store.CreateTask(ctx, draft)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task created", "task_id", task.ID, "session_id", task.SessionID, "title", task.Title)
	return task, nil
}

// CreateCompleted records work that already happened: the draft is
// validated like Create and the result runs through the completion
// gate, but the task skips the queue and lands terminal. A result that
// fails the goal contract lands in failed instead.
func (s *Service) CreateCompleted(ctx context.Context, draft store.TaskDraft, result string) (*store.Task, validator.Verdict, error) {
	draft, err := s.normalizeDraft(draft)
	if err != nil {
		return nil, validator.Verdict{}, err
	}
	if len(draft.BlockedBy) > 0 {
		return nil, validator.Verdict{}, fault.Validation("a completed task cannot be blocked")
	}

	report := validator.EnsureTaskCompletionReport(result, draft.Checkpoint)
	verdict, err := s.validator.ValidateTaskReport(draft.GoalContract, report)
	if err != nil {
		return nil, validator.Verdict{}, err
	}

	status := store.TaskStatusCompleted
	errMsg := ""
	if !verdict.OK {
		status = store.TaskStatusFailed
		errMsg = "completion rejected: " + strings.Join(verdict.Reasons, "; ")
		s.logger.Warn("completion rejected on create", "title", draft.Title, "reasons", verdict.Reasons)
	}
	task, err := s.store.CreateFinishedTask(ctx, draft, status, result, errMsg)
	if err != nil {
		return nil, verdict, err
	}
	s.logger.Info("task created finished", "task_id", task.ID, "status", task.Status, "title", task.Title)
	return task, verdict, nil
}

func (s *Service) normalizeDraft(draft store.TaskDraft) (store.TaskDraft, error) {
	if strings.TrimSpace(draft.Prompt) == "" {
		return draft, fault.Validation("task prompt required")
	}
	if draft.MaxAttempts == 0 {
		draft.MaxAttempts = s.defaultMaxAttempts
	}
	if draft.RetryBackoffSec == 0 {
		draft.RetryBackoffSec = s.defaultBackoffSec
	}
	if draft.MaxAttempts < store.MinAttempts || draft.MaxAttempts > store.MaxAttempts {
		return draft, fault.Validation("max_attempts must be in [%d,%d], got %d",
			store.MinAttempts, store.MaxAttempts, draft.MaxAttempts)
	}
	if draft.RetryBackoffSec < store.MinBackoffSec || draft.RetryBackoffSec > store.MaxBackoffSec {
		return draft, fault.Validation("retry_backoff_sec must be in [%d,%d], got %d",
			store.MinBackoffSec, store.MaxBackoffSec, draft.RetryBackoffSec)
	}
	if draft.GoalContract != "" {
		if _, err := s.validator.ParseContract(draft.GoalContract); err != nil {
			return draft, err
		}
	}
	if draft.Title == "" {
		draft.Title = titleFromPrompt(draft.Prompt)
	}
	return draft, nil
}

// Enqueue moves a backlog task into the queue, subject to backpressure.
func (s *Service) Enqueue(ctx context.Context, taskID string) error {
	if s.maxQueueDepth > 0 {
		depth, err := s.store.QueueDepth(ctx)
		if err != nil {
			return err
		}
		if depth >= s.maxQueueDepth {
			return fault.Conflict("queue is full (%d tasks)", depth)
		}
	}
	if err := s.store.EnqueueTask(ctx, taskID); err != nil {
		return err
	}
	s.logger.Info("task enqueued", "task_id", taskID)
	return nil
}

// Complete runs the completion gate. A result that clears the task's
// goal contract lands in completed; a rejected result diverts to failed
// with the reasons joined into the error text.
func (s *Service) Complete(ctx context.Context, taskID, result string) (validator.Verdict, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return validator.Verdict{}, err
	}
	report := validator.EnsureTaskCompletionReport(result, task.Checkpoint)
	verdict, err := s.validator.ValidateTaskReport(task.GoalContract, report)
	if err != nil {
		return validator.Verdict{}, err
	}
	if !verdict.OK {
		msg := "completion rejected: " + strings.Join(verdict.Reasons, "; ")
		s.logger.Warn("completion rejected", "task_id", taskID, "reasons", verdict.Reasons)
		if err := s.store.FailTaskTerminal(ctx, taskID, msg); err != nil {
			return verdict, err
		}
		return verdict, nil
	}
	if err := s.store.CompleteTask(ctx, taskID, result); err != nil {
		return verdict, err
	}
	s.logger.Info("task completed", "task_id", taskID)
	return verdict, nil
}

// Fail records a failed attempt; the store decides retry or dead-letter.
func (s *Service) Fail(ctx context.Context, taskID, errMsg string) (store.FailureDecision, error) {
	decision, err := s.store.HandleTaskFailure(ctx, taskID, errMsg)
	if err != nil {
		return store.FailureDecision{}, err
	}
	s.logger.Warn("task failed", "task_id", taskID,
		"outcome", string(decision.Outcome),
		"attempts", decision.Attempts, "max_attempts", decision.MaxAttempts)
	return decision, nil
}

// Archive parks a task.
func (s *Service) Archive(ctx context.Context, taskID string) error {
	return s.store.ArchiveTask(ctx, taskID)
}

// ArchiveBulk archives tasks matching the filter. The cleanup filter
// purges already-archived rows instead.
func (s *Service) ArchiveBulk(ctx context.Context, filter store.ArchiveFilter) (int, error) {
	n, err := s.store.ArchiveTasks(ctx, filter)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("tasks archived", "filter", string(filter), "count", n)
	}
	return n, nil
}

// Reset returns a failed or archived task to backlog, clearing the
// dead-letter flag. The only path out of dead-letter.
func (s *Service) Reset(ctx context.Context, taskID string) error {
	if err := s.store.ResetTask(ctx, taskID); err != nil {
		return err
	}
	s.logger.Info("task reset", "task_id", taskID)
	return nil
}

// Dequeue returns a queued task to backlog.
func (s *Service) Dequeue(ctx context.Context, taskID string) error {
	return s.store.DequeueTask(ctx, taskID)
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, taskID string) (*store.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// List runs the completion integrity pass, then returns matching tasks.
func (s *Service) List(ctx context.Context, filter store.TaskFilter) ([]store.Task, error) {
	repaired, err := s.store.RepairCompletedTasks(ctx)
	if err != nil {
		return nil, err
	}
	if repaired > 0 {
		s.logger.Warn("repaired inconsistent completed tasks", "count", repaired)
	}
	return s.store.ListTasks(ctx, filter)
}

// Events returns a task's ledger, oldest first.
func (s *Service) Events(ctx context.Context, taskID string, limit int) ([]store.TaskEvent, error) {
	return s.store.ListTaskEvents(ctx, taskID, limit)
}

// Claim hands the next runnable queued task to a worker.
func (s *Service) Claim(ctx context.Context, agentID string) (*store.Task, error) {
	return s.store.ClaimNextQueuedTask(ctx, agentID)
}

func titleFromPrompt(prompt string) string {
	title := strings.TrimSpace(prompt)
	if idx := strings.IndexAny(title, "\r\n"); idx >= 0 {
		title = title[:idx]
	}
	const maxTitle = 80
	if len(title) > maxTitle {
		title = strings.TrimSpace(title[:maxTitle-1]) + "…"
	}
	return title
}

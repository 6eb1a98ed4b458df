package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/fault"
	"github.com/basket/taskdeck/internal/shared"
)

type TaskStatus string

const (
	TaskStatusBacklog   TaskStatus = "backlog"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusArchived  TaskStatus = "archived"
)

// allowedTransitions is the single source of truth for the task state
// machine. Every transition goes through transitionTaskTx.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusBacklog: {
		TaskStatusQueued:   {},
		TaskStatusArchived: {},
	},
	TaskStatusQueued: {
		TaskStatusRunning:  {},
		TaskStatusBacklog:  {},
		TaskStatusArchived: {},
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusQueued:    {}, // Retry requeue and crash recovery.
	},
	TaskStatusCompleted: {
		TaskStatusArchived: {},
		TaskStatusBacklog:  {}, // Schedule recycle.
		TaskStatusFailed:   {}, // Completion integrity demotion.
	},
	TaskStatusFailed: {
		TaskStatusBacklog:  {},
		TaskStatusArchived: {},
	},
	TaskStatusArchived: {
		TaskStatusBacklog: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

const (
	MinAttempts   = 1
	MaxAttempts   = 20
	MinBackoffSec = 1
	MaxBackoffSec = 3600
)

type Task struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agent_id"`
	SessionID       string     `json:"session_id"`
	ScheduleID      string     `json:"schedule_id,omitempty"`
	ScheduleKey     string     `json:"schedule_key,omitempty"`
	Title           string     `json:"title"`
	Prompt          string     `json:"prompt"`
	Status          TaskStatus `json:"status"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	RetryBackoffSec int        `json:"retry_backoff_sec"`
	NextAttemptAt   *time.Time `json:"next_attempt_at,omitempty"`
	GoalContract    string     `json:"goal_contract,omitempty"`
	Checkpoint      string     `json:"checkpoint,omitempty"`
	BlockedBy       []string   `json:"blocked_by,omitempty"`
	Blocks          []string   `json:"blocks,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	DeadLetteredAt  *time.Time `json:"dead_lettered_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DeadLettered reports whether the task is parked pending manual reset.
func (t Task) DeadLettered() bool {
	return t.Status == TaskStatusFailed && t.DeadLetteredAt != nil
}

type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	SessionID string     `json:"session_id"`
	RunID     string     `json:"run_id,omitempty"`
	TraceID   string     `json:"trace_id,omitempty"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

type FailureOutcome string

const (
	FailureOutcomeRetried    FailureOutcome = "RETRIED"
	FailureOutcomeDeadLetter FailureOutcome = "DEAD_LETTER"
)

type FailureDecision struct {
	Outcome      FailureOutcome `json:"outcome"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	BackoffUntil *time.Time     `json:"backoff_until,omitempty"`
}

const taskColumns = `id, agent_id, session_id, COALESCE(schedule_id, ''), schedule_key, title, prompt, status,
	attempts, max_attempts, retry_backoff_sec, next_attempt_at, COALESCE(goal_contract, ''),
	checkpoint, blocked_by, blocks,
	result, error, dead_lettered_at, completed_at, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var nextAttempt, deadLettered, completed sql.NullTime
	var blockedBy, blocks string
	if err := scanFn(
		&task.ID,
		&task.AgentID,
		&task.SessionID,
		&task.ScheduleID,
		&task.ScheduleKey,
		&task.Title,
		&task.Prompt,
		&task.Status,
		&task.Attempts,
		&task.MaxAttempts,
		&task.RetryBackoffSec,
		&nextAttempt,
		&task.GoalContract,
		&task.Checkpoint,
		&blockedBy,
		&blocks,
		&task.Result,
		&task.Error,
		&deadLettered,
		&completed,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.BlockedBy = decodeIDList(blockedBy)
	task.Blocks = decodeIDList(blocks)
	if nextAttempt.Valid {
		t := nextAttempt.Time
		task.NextAttemptAt = &t
	}
	if deadLettered.Valid {
		t := deadLettered.Time
		task.DeadLetteredAt = &t
	}
	if completed.Valid {
		t := completed.Time
		task.CompletedAt = &t
	}
	return nil
}

func encodeIDList(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeIDList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, sessionID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = sessionID
	}
	runID := shared.RunID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, session_id, run_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, sessionID, runID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx performs a status-guarded transition. The UPDATE is
// conditioned on the observed status so a concurrent writer loses the
// race instead of clobbering. Returns false when the task is missing,
// not in an allowedFrom status, or lost the race.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	payload string,
) (TaskStatus, bool, error) {
	var current TaskStatus
	var sessionID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, session_id FROM tasks WHERE id = ?;
	`, taskID).Scan(&current, &sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return current, false, nil
	}
	if !canTransition(current, to) {
		return current, false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, taskID, current)
	if err != nil {
		return current, false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, sessionID, current, to, eventType, payload); err != nil {
		return current, false, err
	}
	return current, true, nil
}

func (s *Store) publishStateChange(taskID, sessionID string, from, to TaskStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		SessionID: sessionID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
}

// TaskDraft is the caller-supplied part of a new task. Zero retry
// fields fall back to the stored defaults.
type TaskDraft struct {
	AgentID         string
	SessionID       string
	ScheduleID      string
	ScheduleKey     string
	Title           string
	Prompt          string
	MaxAttempts     int
	RetryBackoffSec int
	GoalContract    string
	Checkpoint      string
	BlockedBy       []string
}

// CreateTask inserts a new task in backlog. Dependencies named in
// BlockedBy must already exist; each blocker's reverse edge (blocks) is
// updated in the same tx.
func (s *Store) CreateTask(ctx context.Context, draft TaskDraft) (*Task, error) {
	if draft.AgentID == "" {
		draft.AgentID = shared.DefaultAgentID
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, blockerID := range draft.BlockedBy {
			var blocks string
			err := tx.QueryRowContext(ctx, `SELECT blocks FROM tasks WHERE id = ?;`, blockerID).Scan(&blocks)
			if errors.Is(err, sql.ErrNoRows) {
				return fault.NotFound("blocking task %s", blockerID)
			}
			if err != nil {
				return fmt.Errorf("select blocker: %w", err)
			}
			ids := decodeIDList(blocks)
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET blocks = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
				encodeIDList(ids), blockerID); err != nil {
				return fmt.Errorf("update blocker edge: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, agent_id, session_id, schedule_id, schedule_key, title, prompt, status,
				max_attempts, retry_backoff_sec, goal_contract, checkpoint, blocked_by, created_at, updated_at)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, draft.AgentID, draft.SessionID, draft.ScheduleID, draft.ScheduleKey, draft.Title, draft.Prompt,
			TaskStatusBacklog, draft.MaxAttempts, draft.RetryBackoffSec, draft.GoalContract,
			draft.Checkpoint, encodeIDList(draft.BlockedBy)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

// CreateFinishedTask inserts a task directly in a terminal status,
// recording work that already happened outside the queue. Completed
// rows carry the result and completion time; failed rows carry the
// error text.
func (s *Store) CreateFinishedTask(ctx context.Context, draft TaskDraft, status TaskStatus, result, errMsg string) (*Task, error) {
	if status != TaskStatusCompleted && status != TaskStatusFailed {
		return nil, fault.Validation("finished task status must be %s or %s, got %q",
			TaskStatusCompleted, TaskStatusFailed, status)
	}
	if draft.AgentID == "" {
		draft.AgentID = shared.DefaultAgentID
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, agent_id, session_id, schedule_id, schedule_key, title, prompt, status,
				max_attempts, retry_backoff_sec, goal_contract, checkpoint, result, error,
				completed_at, created_at, updated_at)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?,
				CASE WHEN ? = ? THEN CURRENT_TIMESTAMP END, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, draft.AgentID, draft.SessionID, draft.ScheduleID, draft.ScheduleKey, draft.Title, draft.Prompt,
			status, draft.MaxAttempts, draft.RetryBackoffSec, draft.GoalContract,
			draft.Checkpoint, result, errMsg, status, TaskStatusCompleted)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert finished task: %w", err)
	}
	return s.GetTask(ctx, id)
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.NotFound("task %s", taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// TaskFilter narrows ListTasks. Archived tasks only show up when asked
// for by status; other zero values match everything.
type TaskFilter struct {
	Status     TaskStatus
	SessionID  string
	ScheduleID string
	Limit      int
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	} else {
		query += ` AND status != ?`
		args = append(args, TaskStatusArchived)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.ScheduleID != "" {
		query += ` AND schedule_id = ?`
		args = append(args, filter.ScheduleID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// EnqueueTask moves a backlog task into the queue. The task's agent
// must be registered, and tasks whose blockedBy dependencies have not
// finished refuse to enqueue.
func (s *Store) EnqueueTask(ctx context.Context, taskID string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	for _, blockerID := range task.BlockedBy {
		blocker, err := s.GetTask(ctx, blockerID)
		if err != nil {
			if fault.Is(err, fault.KindNotFound) {
				continue // blocker deleted; dependency is moot
			}
			return err
		}
		if blocker.Status != TaskStatusCompleted && blocker.Status != TaskStatusArchived {
			return fault.Conflict("task %s is blocked by %s (%s)", taskID, blockerID, blocker.Status)
		}
	}
	var known int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ?;`, task.AgentID).Scan(&known); err != nil {
		return fmt.Errorf("check agent: %w", err)
	}
	if known == 0 {
		return fault.NotFound("agent %s", task.AgentID)
	}
	return s.simpleTransition(ctx, taskID,
		[]TaskStatus{TaskStatusBacklog}, TaskStatusQueued, "task.enqueued", "{}")
}

// DequeueTask returns a queued task to backlog.
func (s *Store) DequeueTask(ctx context.Context, taskID string) error {
	return s.simpleTransition(ctx, taskID,
		[]TaskStatus{TaskStatusQueued}, TaskStatusBacklog, "task.dequeued", "{}")
}

// ArchiveTask parks a finished or shelved task.
func (s *Store) ArchiveTask(ctx context.Context, taskID string) error {
	return s.simpleTransition(ctx, taskID,
		[]TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusBacklog, TaskStatusQueued},
		TaskStatusArchived, "task.archived", "{}")
}

// ArchiveFilter selects which tasks a bulk archive touches.
type ArchiveFilter string

const (
	// ArchiveFilterAll archives every task not running or already archived.
	ArchiveFilterAll ArchiveFilter = "all"
	// ArchiveFilterSchedule archives schedule-sourced tasks only.
	ArchiveFilterSchedule ArchiveFilter = "schedule"
	// ArchiveFilterDone archives completed and failed tasks.
	ArchiveFilterDone ArchiveFilter = "done"
	// ArchiveFilterCleanup deletes rows already archived, ledger included.
	ArchiveFilterCleanup ArchiveFilter = "cleanup"
)

// ArchiveTasks bulk-archives tasks matching the filter and returns the
// number touched. Running tasks are never archived; ArchiveFilterCleanup
// purges already-archived rows instead of archiving anything.
func (s *Store) ArchiveTasks(ctx context.Context, filter ArchiveFilter) (int, error) {
	if filter == ArchiveFilterCleanup {
		return s.purgeArchivedTasks(ctx)
	}

	where := `status IN (?, ?, ?, ?)`
	args := []any{TaskStatusBacklog, TaskStatusQueued, TaskStatusCompleted, TaskStatusFailed}
	switch filter {
	case ArchiveFilterAll:
	case ArchiveFilterSchedule:
		where += ` AND COALESCE(schedule_id, '') != ''`
	case ArchiveFilterDone:
		where = `status IN (?, ?)`
		args = []any{TaskStatusCompleted, TaskStatusFailed}
	default:
		return 0, fault.Validation("unknown archive filter %q", filter)
	}

	type archived struct {
		id        string
		prev      TaskStatus
		sessionID string
	}
	var done []archived
	err := retryOnBusy(ctx, 5, func() error {
		done = done[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin archive tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `SELECT id, session_id FROM tasks WHERE `+where+`;`, args...)
		if err != nil {
			return fmt.Errorf("select archivable tasks: %w", err)
		}
		var targets []archived
		for rows.Next() {
			var a archived
			if err := rows.Scan(&a.id, &a.sessionID); err != nil {
				rows.Close()
				return fmt.Errorf("scan archivable task: %w", err)
			}
			targets = append(targets, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, a := range targets {
			prev, ok, err := s.transitionTaskTx(ctx, tx, a.id,
				[]TaskStatus{TaskStatusBacklog, TaskStatusQueued, TaskStatusCompleted, TaskStatusFailed},
				TaskStatusArchived, "task.archived", fmt.Sprintf(`{"filter":%q}`, filter))
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			a.prev = prev
			done = append(done, a)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	for _, a := range done {
		s.publishStateChange(a.id, a.sessionID, a.prev, TaskStatusArchived)
	}
	return len(done), nil
}

func (s *Store) purgeArchivedTasks(ctx context.Context) (int, error) {
	purged := 0
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin purge tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM task_events WHERE task_id IN (SELECT id FROM tasks WHERE status = ?);
		`, TaskStatusArchived); err != nil {
			return fmt.Errorf("purge archived ledger: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE status = ?;`, TaskStatusArchived)
		if err != nil {
			return fmt.Errorf("purge archived tasks: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			purged = int(n)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func (s *Store) simpleTransition(ctx context.Context, taskID string, from []TaskStatus, to TaskStatus, eventType, payload string) error {
	var prev TaskStatus
	var sessionID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, ok, err := s.transitionTaskTx(ctx, tx, taskID, from, to, eventType, payload)
		if err != nil {
			return err
		}
		if !ok {
			if current == "" {
				return fault.NotFound("task %s", taskID)
			}
			if current == to {
				return fault.Conflict("task %s already %s", taskID, to)
			}
			return fault.Conflict("task %s is %s, not %v", taskID, current, from)
		}
		if err := tx.QueryRowContext(ctx, `SELECT session_id FROM tasks WHERE id = ?;`, taskID).Scan(&sessionID); err != nil {
			return fmt.Errorf("select session after transition: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition: %w", err)
		}
		prev = current
		return nil
	})
	if err != nil {
		return err
	}
	s.publishStateChange(taskID, sessionID, prev, to)
	return nil
}

// ClaimNextQueuedTask atomically moves the oldest runnable queued task
// to running and returns it. Returns nil when the queue is empty or
// everything queued is still backing off.
func (s *Store) ClaimNextQueuedTask(ctx context.Context, agentID string) (*Task, error) {
	var claimed *Task
	err := retryOnBusy(ctx, 5, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `
			SELECT ` + taskColumns + ` FROM tasks
			WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)`
		args := []any{TaskStatusQueued, time.Now().UTC()}
		if agentID != "" {
			query += ` AND agent_id = ?`
			args = append(args, agentID)
		}
		query += ` ORDER BY created_at ASC, id ASC LIMIT 1;`

		var task Task
		row := tx.QueryRowContext(ctx, query, args...)
		if err := scanTask(row.Scan, &task); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return tx.Commit()
			}
			return fmt.Errorf("select claimable task: %w", err)
		}

		_, ok, err := s.transitionTaskTx(ctx, tx, task.ID,
			[]TaskStatus{TaskStatusQueued}, TaskStatusRunning, "task.claimed",
			fmt.Sprintf(`{"attempt":%d}`, task.Attempts+1))
		if err != nil {
			return err
		}
		if !ok {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET attempts = attempts + 1, next_attempt_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, task.ID, TaskStatusRunning); err != nil {
			return fmt.Errorf("bump attempts: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim: %w", err)
		}
		task.Status = TaskStatusRunning
		task.Attempts++
		task.NextAttemptAt = nil
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		s.publishStateChange(claimed.ID, claimed.SessionID, TaskStatusQueued, TaskStatusRunning)
	}
	return claimed, nil
}

// CompleteTask records a successful result. Callers must have cleared
// the completion gate first; the store only enforces the state machine.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) error {
	var sessionID, scheduleID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusRunning}, TaskStatusCompleted, "task.completed", "{}")
		if err != nil {
			return err
		}
		if !ok {
			if current == "" {
				return fault.NotFound("task %s", taskID)
			}
			if current == TaskStatusCompleted {
				return fault.Conflict("task %s already completed", taskID)
			}
			return fault.Conflict("task %s is %s, not running", taskID, current)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET result = ?, error = '', completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, result, taskID, TaskStatusCompleted); err != nil {
			return fmt.Errorf("store result: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT session_id, COALESCE(schedule_id, '') FROM tasks WHERE id = ?;`, taskID).Scan(&sessionID, &scheduleID); err != nil {
			return fmt.Errorf("select session: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishStateChange(taskID, sessionID, TaskStatusRunning, TaskStatusCompleted)
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{
			TaskID: taskID, SessionID: sessionID, ScheduleID: scheduleID,
			OldStatus: string(TaskStatusRunning), NewStatus: string(TaskStatusCompleted),
		})
	}
	return nil
}

// HandleTaskFailure decides retry versus dead-letter for a running task
// in a single transaction. Retry requeues with a fixed backoff window;
// exhausted attempts park the task as failed with dead_lettered_at set.
func (s *Store) HandleTaskFailure(ctx context.Context, taskID, errMsg string) (FailureDecision, error) {
	errMsg = fault.Truncate(errMsg)
	var decision FailureDecision
	var sessionID, scheduleID string
	var to TaskStatus

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			status     TaskStatus
			attempts   int
			maxAtt     int
			backoffSec int
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT status, attempts, max_attempts, retry_backoff_sec, session_id, COALESCE(schedule_id, '')
			FROM tasks WHERE id = ?;
		`, taskID).Scan(&status, &attempts, &maxAtt, &backoffSec, &sessionID, &scheduleID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fault.NotFound("task %s", taskID)
			}
			return fmt.Errorf("select task for failure: %w", err)
		}
		if status != TaskStatusRunning {
			return fault.Conflict("task %s is %s, not running", taskID, status)
		}

		decision = FailureDecision{Attempts: attempts, MaxAttempts: maxAtt}

		if attempts >= maxAtt {
			to = TaskStatusFailed
			_, ok, err := s.transitionTaskTx(ctx, tx, taskID,
				[]TaskStatus{TaskStatusRunning}, TaskStatusFailed, "task.dead_letter",
				fmt.Sprintf(`{"attempts":%d,"max_attempts":%d}`, attempts, maxAtt))
			if err != nil {
				return err
			}
			if !ok {
				return fault.Conflict("task %s transition raced", taskID)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET error = ?, next_attempt_at = NULL,
					dead_lettered_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, errMsg, taskID, TaskStatusFailed); err != nil {
				return fmt.Errorf("mark dead letter: %w", err)
			}
			decision.Outcome = FailureOutcomeDeadLetter
			return tx.Commit()
		}

		// Fixed per-task backoff. The delay does not grow with the
		// attempt count.
		backoffUntil := time.Now().UTC().Add(time.Duration(backoffSec) * time.Second)
		to = TaskStatusQueued
		_, ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusRunning}, TaskStatusQueued, "task.retry_scheduled",
			fmt.Sprintf(`{"attempts":%d,"max_attempts":%d,"backoff_sec":%d}`, attempts, maxAtt, backoffSec))
		if err != nil {
			return err
		}
		if !ok {
			return fault.Conflict("task %s transition raced", taskID)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET error = ?, next_attempt_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, errMsg, backoffUntil, taskID, TaskStatusQueued); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		decision.Outcome = FailureOutcomeRetried
		decision.BackoffUntil = &backoffUntil
		return tx.Commit()
	})
	if err != nil {
		return FailureDecision{}, err
	}

	s.publishStateChange(taskID, sessionID, TaskStatusRunning, to)
	if s.bus != nil {
		ev := bus.TaskFailureEvent{
			TaskID:      taskID,
			ScheduleID:  scheduleID,
			Attempts:    decision.Attempts,
			MaxAttempts: decision.MaxAttempts,
			Error:       errMsg,
			WillRetry:   decision.Outcome == FailureOutcomeRetried,
		}
		if decision.Outcome == FailureOutcomeRetried {
			s.bus.Publish(bus.TopicTaskRetrying, ev)
		} else {
			s.bus.Publish(bus.TopicTaskDeadLetter, ev)
		}
	}
	return decision, nil
}

// FailTaskTerminal marks a running task failed without a retry, used
// when the completion gate rejects a result.
func (s *Store) FailTaskTerminal(ctx context.Context, taskID, errMsg string) error {
	errMsg = fault.Truncate(errMsg)
	var sessionID, scheduleID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusRunning}, TaskStatusFailed, "task.failed", "{}")
		if err != nil {
			return err
		}
		if !ok {
			if current == "" {
				return fault.NotFound("task %s", taskID)
			}
			return fault.Conflict("task %s is %s, not running", taskID, current)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET error = ?, next_attempt_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, errMsg, taskID, TaskStatusFailed); err != nil {
			return fmt.Errorf("store error: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT session_id, COALESCE(schedule_id, '') FROM tasks WHERE id = ?;`, taskID).Scan(&sessionID, &scheduleID); err != nil {
			return fmt.Errorf("select session: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishStateChange(taskID, sessionID, TaskStatusRunning, TaskStatusFailed)
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{
			TaskID: taskID, SessionID: sessionID, ScheduleID: scheduleID,
			OldStatus: string(TaskStatusRunning), NewStatus: string(TaskStatusFailed),
		})
	}
	return nil
}

// ResetTask returns a failed or archived task to backlog with a clean
// slate: attempts, error, result, backoff, and the dead-letter flag are
// all cleared. This is the only way out of dead-letter.
func (s *Store) ResetTask(ctx context.Context, taskID string) error {
	var prev TaskStatus
	var sessionID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reset tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusFailed, TaskStatusArchived}, TaskStatusBacklog, "task.reset", "{}")
		if err != nil {
			return err
		}
		if !ok {
			if current == "" {
				return fault.NotFound("task %s", taskID)
			}
			if current == TaskStatusBacklog {
				return fault.Conflict("task %s already in backlog", taskID)
			}
			return fault.Conflict("task %s is %s, not resettable", taskID, current)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET attempts = 0, error = '', result = '', next_attempt_at = NULL,
				dead_lettered_at = NULL, completed_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, TaskStatusBacklog); err != nil {
			return fmt.Errorf("clear task fields: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT session_id FROM tasks WHERE id = ?;`, taskID).Scan(&sessionID); err != nil {
			return fmt.Errorf("select session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reset: %w", err)
		}
		prev = current
		return nil
	})
	if err != nil {
		return err
	}
	s.publishStateChange(taskID, sessionID, prev, TaskStatusBacklog)
	return nil
}

// RecycleTask resets a schedule's linked task for its next run: back to
// backlog, fields cleared, retitled with the new run number.
func (s *Store) RecycleTask(ctx context.Context, taskID, newTitle string) error {
	var prev TaskStatus
	var sessionID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recycle tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusArchived},
			TaskStatusBacklog, "task.recycled", "{}")
		if err != nil {
			return err
		}
		if !ok {
			if current == "" {
				return fault.NotFound("task %s", taskID)
			}
			return fault.Conflict("task %s is %s, not recyclable", taskID, current)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET title = ?, attempts = 0, error = '', result = '', next_attempt_at = NULL,
				dead_lettered_at = NULL, completed_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, newTitle, taskID, TaskStatusBacklog); err != nil {
			return fmt.Errorf("clear recycled task: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT session_id FROM tasks WHERE id = ?;`, taskID).Scan(&sessionID); err != nil {
			return fmt.Errorf("select session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit recycle: %w", err)
		}
		prev = current
		return nil
	})
	if err != nil {
		return err
	}
	s.publishStateChange(taskID, sessionID, prev, TaskStatusBacklog)
	return nil
}

// QueueDepth counts queued tasks, including those still backing off.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE status = ?;
	`, TaskStatusQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// InFlightForSignature reports whether any task stamped with the
// schedule signature is queued or running. Keyed by signature rather
// than schedule id so a deleted-and-recreated schedule still sees the
// old row's work.
func (s *Store) InFlightForSignature(ctx context.Context, signature string) (bool, error) {
	if signature == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE schedule_key = ? AND status IN (?, ?);
	`, signature, TaskStatusQueued, TaskStatusRunning).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("in flight for signature: %w", err)
	}
	return n > 0, nil
}

// RepairCompletedTasks is an idempotent integrity pass run before
// listing reads. Completed tasks with no result are demoted to failed;
// completed tasks missing completed_at get it backfilled. Returns the
// number of rows repaired.
func (s *Store) RepairCompletedTasks(ctx context.Context) (int, error) {
	repaired := 0
	err := retryOnBusy(ctx, 5, func() error {
		repaired = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin repair tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks WHERE status = ? AND TRIM(result) = '';
		`, TaskStatusCompleted)
		if err != nil {
			return fmt.Errorf("select hollow completions: %w", err)
		}
		var hollow []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan hollow completion: %w", err)
			}
			hollow = append(hollow, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range hollow {
			_, ok, err := s.transitionTaskTx(ctx, tx, id,
				[]TaskStatus{TaskStatusCompleted}, TaskStatusFailed, "task.integrity_demoted", "{}")
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET error = 'completed without result', completed_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, id, TaskStatusFailed); err != nil {
				return fmt.Errorf("demote hollow completion: %w", err)
			}
			repaired++
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET completed_at = updated_at
			WHERE status = ? AND completed_at IS NULL;
		`, TaskStatusCompleted)
		if err != nil {
			return fmt.Errorf("backfill completed_at: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			repaired += int(n)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return repaired, nil
}

// RecoverRunningTasks requeues tasks stranded in running by a crash.
// Called once at startup. The bumped attempt is not refunded.
func (s *Store) RecoverRunningTasks(ctx context.Context) (int, error) {
	recovered := 0
	err := retryOnBusy(ctx, 5, func() error {
		recovered = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recovery tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ?;`, TaskStatusRunning)
		if err != nil {
			return fmt.Errorf("select stranded tasks: %w", err)
		}
		var stranded []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stranded task: %w", err)
			}
			stranded = append(stranded, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range stranded {
			_, ok, err := s.transitionTaskTx(ctx, tx, id,
				[]TaskStatus{TaskStatusRunning}, TaskStatusQueued, "task.recovered", "{}")
			if err != nil {
				return err
			}
			if ok {
				recovered++
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return recovered, nil
}

// ListTaskEvents returns the ledger for one task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	query := `
		SELECT event_id, task_id, session_id, COALESCE(run_id, ''), trace_id, event_type,
			COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events WHERE task_id = ? ORDER BY event_id ASC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.SessionID, &ev.RunID, &ev.TraceID,
			&ev.EventType, &ev.StateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneTaskEvents removes ledger rows older than the retention window.
func (s *Store) PruneTaskEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune task events: %w", err)
	}
	return res.RowsAffected()
}

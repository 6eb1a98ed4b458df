package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskdeck/internal/fault"
)

type ScheduleType string

const (
	ScheduleTypeCron     ScheduleType = "cron"
	ScheduleTypeInterval ScheduleType = "interval"
	ScheduleTypeOnce     ScheduleType = "once"
)

type Schedule struct {
	ID             string       `json:"id"`
	AgentID        string       `json:"agent_id"`
	SessionID      string       `json:"session_id"`
	Name           string       `json:"name"`
	Type           ScheduleType `json:"schedule_type"`
	CronExpr       string       `json:"cron_expr,omitempty"`
	IntervalSec    int          `json:"interval_sec,omitempty"`
	RunAt          *time.Time   `json:"run_at,omitempty"`
	TaskPrompt     string       `json:"task_prompt"`
	Signature      string       `json:"signature"`
	Paused         bool         `json:"paused"`
	NextRunAt      *time.Time   `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time   `json:"last_run_at,omitempty"`
	TotalRuns      int          `json:"total_runs"`
	TotalCompleted int          `json:"total_completed"`
	TotalFailed    int          `json:"total_failed"`
	LastTaskID     string       `json:"last_task_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

const scheduleColumns = `id, agent_id, session_id, name, schedule_type, cron_expr, interval_sec,
	run_at, task_prompt, signature, paused, next_run_at, last_run_at, total_runs,
	total_completed, total_failed, COALESCE(last_task_id, ''), created_at, updated_at`

func scanSchedule(scanFn func(dest ...any) error, sc *Schedule) error {
	var paused int
	var runAt, nextRun, lastRun sql.NullTime
	if err := scanFn(
		&sc.ID, &sc.AgentID, &sc.SessionID, &sc.Name, &sc.Type, &sc.CronExpr, &sc.IntervalSec,
		&runAt, &sc.TaskPrompt, &sc.Signature, &paused, &nextRun, &lastRun, &sc.TotalRuns,
		&sc.TotalCompleted, &sc.TotalFailed, &sc.LastTaskID, &sc.CreatedAt, &sc.UpdatedAt,
	); err != nil {
		return err
	}
	sc.Paused = paused != 0
	if runAt.Valid {
		t := runAt.Time
		sc.RunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		sc.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		sc.LastRunAt = &t
	}
	return nil
}

// InsertSchedule stores a new schedule. The signature column is unique;
// callers resolve duplicates with GetScheduleBySignature first.
func (s *Store) InsertSchedule(ctx context.Context, sched *Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, agent_id, session_id, name, schedule_type, cron_expr,
				interval_sec, run_at, task_prompt, signature, paused, next_run_at,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, sched.ID, sched.AgentID, sched.SessionID, sched.Name, sched.Type, sched.CronExpr,
			sched.IntervalSec, sched.RunAt, sched.TaskPrompt, sched.Signature,
			boolToInt(sched.Paused), sched.NextRunAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	var sc Schedule
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?;`, id)
	if err := scanSchedule(row.Scan, &sc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.NotFound("schedule %s", id)
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return &sc, nil
}

// GetScheduleBySignature returns the schedule with the given signature,
// or nil when none exists.
func (s *Store) GetScheduleBySignature(ctx context.Context, signature string) (*Schedule, error) {
	var sc Schedule
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE signature = ?;`, signature)
	if err := scanSchedule(row.Scan, &sc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get schedule by signature: %w", err)
	}
	return &sc, nil
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := scanSchedule(rows.Scan, &sc); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a schedule. Linked tasks keep their
// schedule_id for history but are no longer recycled.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fault.NotFound("schedule %s", id)
	}
	return nil
}

// SetSchedulePaused flips the paused flag.
func (s *Store) SetSchedulePaused(ctx context.Context, id string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET paused = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, boolToInt(paused), id)
	if err != nil {
		return fmt.Errorf("set schedule paused: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fault.NotFound("schedule %s", id)
	}
	return nil
}

// UpdateScheduleName renames a schedule.
func (s *Store) UpdateScheduleName(ctx context.Context, id, name string) error {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, `
			UPDATE schedules SET name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, name, id)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("update schedule name: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fault.NotFound("schedule %s", id)
	}
	return nil
}

// UpdateScheduleRun records a firing: run bookkeeping and the next due
// time. A nil nextRun disables further firing (one-shot schedules).
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time, lastTaskID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules
			SET last_run_at = ?, next_run_at = ?, total_runs = total_runs + 1,
				last_task_id = NULLIF(?, ''), paused = CASE WHEN ? IS NULL THEN 1 ELSE paused END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, lastRun, nextRun, lastTaskID, nextRun, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

// RecordScheduleOutcome bumps the completed or failed counter once a
// task spawned by the schedule reaches a terminal status. A missing
// schedule is ignored; the task outlives its origin.
func (s *Store) RecordScheduleOutcome(ctx context.Context, id string, completed bool) error {
	column := "total_failed"
	if completed {
		column = "total_completed"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET `+column+` = `+column+` + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("record schedule outcome: %w", err)
	}
	return nil
}

// TouchScheduleNextRun moves the due time forward without counting a
// run, used when a firing is skipped.
func (s *Store) TouchScheduleNextRun(ctx context.Context, id string, nextRun *time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules
			SET next_run_at = ?, paused = CASE WHEN ? IS NULL THEN 1 ELSE paused END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, nextRun, nextRun, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("touch schedule next run: %w", err)
	}
	return nil
}

// DueSchedules returns unpaused schedules with next_run_at <= now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE paused = 0 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := scanSchedule(rows.Scan, &sc); err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

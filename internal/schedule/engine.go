// Package schedule owns recurring work: schedule identity, firing due
// schedules into the task queue, and the background tick loop.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/fault"
	otelpkg "github.com/basket/taskdeck/internal/otel"
	"github.com/basket/taskdeck/internal/queue"
	"github.com/basket/taskdeck/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Engine creates, merges, and fires schedules.
type Engine struct {
	store  *store.Store
	queue  *queue.Service
	bus    *bus.Bus
	logger *slog.Logger
}

type EngineConfig struct {
	Store  *store.Store
	Queue  *queue.Service
	Bus    *bus.Bus
	Logger *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  cfg.Store,
		queue:  cfg.Queue,
		bus:    cfg.Bus,
		logger: logger.With("component", "schedule"),
	}
}

// CreateRequest describes a new schedule. Exactly one trigger field is
// set, matching Type.
type CreateRequest struct {
	AgentID     string
	SessionID   string
	Name        string
	Type        store.ScheduleType
	CronExpr    string
	IntervalSec int
	RunAt       *time.Time
	TaskPrompt  string
}

// Create validates the request and inserts the schedule. A request
// whose signature matches an existing schedule merges into it: the
// existing schedule is returned and created is false.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*store.Schedule, bool, error) {
	if req.AgentID == "" {
		req.AgentID = "default"
	}
	if req.TaskPrompt == "" {
		return nil, false, fault.Validation("task prompt required")
	}

	now := time.Now().UTC()
	var triggerValue string
	var nextRun time.Time
	switch req.Type {
	case store.ScheduleTypeCron:
		sched, err := cronParser.Parse(req.CronExpr)
		if err != nil {
			return nil, false, fault.Validation("invalid cron expression %q: %v", req.CronExpr, err)
		}
		triggerValue = req.CronExpr
		nextRun = sched.Next(now)
	case store.ScheduleTypeInterval:
		if req.IntervalSec <= 0 {
			return nil, false, fault.Validation("interval_sec must be positive, got %d", req.IntervalSec)
		}
		triggerValue = strconv.Itoa(req.IntervalSec)
		nextRun = now.Add(time.Duration(req.IntervalSec) * time.Second)
	case store.ScheduleTypeOnce:
		if req.RunAt == nil {
			return nil, false, fault.Validation("run_at required for one-shot schedule")
		}
		triggerValue = req.RunAt.UTC().Format(time.RFC3339)
		nextRun = req.RunAt.UTC()
	default:
		return nil, false, fault.Validation("unknown schedule type %q", req.Type)
	}

	signature := Signature(req.AgentID, req.Type, triggerValue, req.TaskPrompt)
	existing, err := e.store.GetScheduleBySignature(ctx, signature)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return e.merge(ctx, existing, req)
	}

	sched := &store.Schedule{
		AgentID:     req.AgentID,
		SessionID:   req.SessionID,
		Name:        ResolveScheduleName(req.Name, req.TaskPrompt),
		Type:        req.Type,
		CronExpr:    req.CronExpr,
		IntervalSec: req.IntervalSec,
		RunAt:       req.RunAt,
		TaskPrompt:  req.TaskPrompt,
		Signature:   signature,
		NextRunAt:   &nextRun,
	}
	if err := e.store.InsertSchedule(ctx, sched); err != nil {
		return nil, false, err
	}
	e.logger.Info("schedule created", "schedule_id", sched.ID, "name", sched.Name, "next_run_at", nextRun)
	created, err := e.store.GetSchedule(ctx, sched.ID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// merge folds a duplicate create into the existing schedule: an
// explicit new name wins, and a paused match is reactivated so the
// caller gets a live schedule back. A one-shot that already fired stays
// paused.
func (e *Engine) merge(ctx context.Context, existing *store.Schedule, req CreateRequest) (*store.Schedule, bool, error) {
	if req.Name != "" {
		if name := ResolveScheduleName(req.Name, req.TaskPrompt); name != existing.Name {
			if err := e.store.UpdateScheduleName(ctx, existing.ID, name); err != nil {
				return nil, false, err
			}
		}
	}
	if existing.Paused {
		if err := e.Resume(ctx, existing.ID); err != nil && !fault.Is(err, fault.KindConflict) {
			return nil, false, err
		}
	}
	merged, err := e.store.GetSchedule(ctx, existing.ID)
	if err != nil {
		return nil, false, err
	}
	e.logger.Info("schedule merge", "schedule_id", merged.ID, "signature", merged.Signature)
	return merged, false, nil
}

// FireResult reports what a firing did.
type FireResult struct {
	Queued bool   `json:"queued"`
	Reason string `json:"reason,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

// Fire runs one schedule now. If the schedule's previous task is still
// queued or running the firing is skipped with reason "in_flight"; the
// run bookkeeping still advances so a stuck task cannot wedge the
// schedule's clock. Otherwise the linked task is recycled for a fresh
// run, or created on the first firing, and enqueued.
func (e *Engine) Fire(ctx context.Context, scheduleID string, now time.Time) (FireResult, error) {
	ctx, span := otelpkg.StartSpan(ctx, otelpkg.Tracer(), "schedule.fire",
		otelpkg.AttrScheduleID.String(scheduleID),
	)
	defer span.End()

	sched, err := e.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return FireResult{}, err
	}

	inFlight, err := e.store.InFlightForSignature(ctx, sched.Signature)
	if err != nil {
		return FireResult{}, err
	}
	if inFlight {
		next := e.nextRunAfter(sched, now)
		if err := e.store.TouchScheduleNextRun(ctx, sched.ID, next); err != nil {
			return FireResult{}, err
		}
		e.publish(bus.TopicScheduleSkipped, sched.ID, "", false, "in_flight")
		e.logger.Info("schedule skipped, previous run in flight", "schedule_id", sched.ID)
		return FireResult{Queued: false, Reason: "in_flight"}, nil
	}

	runNumber := sched.TotalRuns + 1
	title := fmt.Sprintf("%s (run %d)", sched.Name, runNumber)

	taskID := sched.LastTaskID
	if taskID != "" {
		if err := e.store.RecycleTask(ctx, taskID, title); err != nil {
			if fault.Is(err, fault.KindNotFound) {
				taskID = ""
			} else {
				return FireResult{}, err
			}
		}
	}
	if taskID == "" {
		task, err := e.queue.Create(ctx, store.TaskDraft{
			AgentID:     sched.AgentID,
			SessionID:   sched.SessionID,
			ScheduleID:  sched.ID,
			ScheduleKey: sched.Signature,
			Title:       title,
			Prompt:      sched.TaskPrompt,
		})
		if err != nil {
			return FireResult{}, err
		}
		taskID = task.ID
	}

	if err := e.queue.Enqueue(ctx, taskID); err != nil {
		return FireResult{}, err
	}
	if err := e.advanceClock(ctx, sched, now, taskID); err != nil {
		return FireResult{}, err
	}

	e.publish(bus.TopicScheduleFired, sched.ID, taskID, true, "")
	e.logger.Info("schedule fired", "schedule_id", sched.ID, "task_id", taskID, "run", runNumber)
	return FireResult{Queued: true, TaskID: taskID}, nil
}

// advanceClock records the run and computes the next due time. One-shot
// schedules get a nil next run, which pauses them in the store.
func (e *Engine) advanceClock(ctx context.Context, sched *store.Schedule, now time.Time, taskID string) error {
	return e.store.UpdateScheduleRun(ctx, sched.ID, now, e.nextRunAfter(sched, now), taskID)
}

// nextRunAfter computes the next due time, nil for one-shot schedules.
func (e *Engine) nextRunAfter(sched *store.Schedule, now time.Time) *time.Time {
	switch sched.Type {
	case store.ScheduleTypeCron:
		parsed, err := cronParser.Parse(sched.CronExpr)
		if err != nil {
			e.logger.Error("stored cron expression no longer parses", "schedule_id", sched.ID, "error", err)
			return nil
		}
		t := parsed.Next(now)
		return &t
	case store.ScheduleTypeInterval:
		t := now.Add(time.Duration(sched.IntervalSec) * time.Second)
		return &t
	default:
		return nil
	}
}

func (e *Engine) publish(topic, scheduleID, taskID string, queued bool, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, bus.ScheduleFiredEvent{
		ScheduleID: scheduleID,
		TaskID:     taskID,
		Queued:     queued,
		Reason:     reason,
	})
}

// Watch subscribes to terminal task transitions and folds them back
// into the owning schedule's completed/failed counters. It returns
// after starting the consumer goroutine; cancelling ctx stops it.
func (e *Engine) Watch(ctx context.Context) {
	if e.bus == nil {
		return
	}
	sub := e.bus.Subscribe("task.")
	go func() {
		defer e.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.Ch():
				scheduleID, completed := scheduleOutcome(ev)
				if scheduleID == "" {
					continue
				}
				if err := e.store.RecordScheduleOutcome(ctx, scheduleID, completed); err != nil {
					e.logger.Warn("schedule outcome not recorded",
						"schedule_id", scheduleID, "error", err)
				}
			}
		}
	}()
}

// scheduleOutcome maps a task event to a schedule counter update.
// Retries are not terminal and report no schedule.
func scheduleOutcome(ev bus.Event) (scheduleID string, completed bool) {
	switch ev.Topic {
	case bus.TopicTaskCompleted:
		if p, ok := ev.Payload.(bus.TaskStateChangedEvent); ok {
			return p.ScheduleID, true
		}
	case bus.TopicTaskFailed:
		if p, ok := ev.Payload.(bus.TaskStateChangedEvent); ok {
			return p.ScheduleID, false
		}
	case bus.TopicTaskDeadLetter:
		if p, ok := ev.Payload.(bus.TaskFailureEvent); ok {
			return p.ScheduleID, false
		}
	}
	return "", false
}

// Pause stops a schedule from firing without deleting it.
func (e *Engine) Pause(ctx context.Context, scheduleID string) error {
	return e.store.SetSchedulePaused(ctx, scheduleID, true)
}

// Resume recomputes the next due time and unpauses.
func (e *Engine) Resume(ctx context.Context, scheduleID string) error {
	sched, err := e.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	if sched.Type == store.ScheduleTypeOnce && sched.TotalRuns > 0 {
		return fault.Conflict("one-shot schedule %s already fired", scheduleID)
	}
	now := time.Now().UTC()
	next := e.nextRunAfter(sched, now)
	if sched.Type == store.ScheduleTypeOnce {
		next = sched.RunAt
	}
	if err := e.store.TouchScheduleNextRun(ctx, sched.ID, next); err != nil {
		return err
	}
	return e.store.SetSchedulePaused(ctx, scheduleID, false)
}

// Delete removes a schedule. Its linked task survives with its history.
func (e *Engine) Delete(ctx context.Context, scheduleID string) error {
	return e.store.DeleteSchedule(ctx, scheduleID)
}

// Get returns one schedule.
func (e *Engine) Get(ctx context.Context, scheduleID string) (*store.Schedule, error) {
	return e.store.GetSchedule(ctx, scheduleID)
}

// List returns all schedules.
func (e *Engine) List(ctx context.Context) ([]store.Schedule, error) {
	return e.store.ListSchedules(ctx)
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

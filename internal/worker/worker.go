// Package worker runs the in-process claim loop: a fixed pool of
// goroutines polls the queue, executes claimed tasks through a
// Processor, and settles the outcome back through the queue service.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskdeck/internal/fault"
	otelpkg "github.com/basket/taskdeck/internal/otel"
	"github.com/basket/taskdeck/internal/queue"
	"github.com/basket/taskdeck/internal/runmanager"
	"github.com/basket/taskdeck/internal/shared"
	"github.com/basket/taskdeck/internal/store"
)

// Processor executes one claimed task and returns its result text.
type Processor interface {
	Process(ctx context.Context, task store.Task) (string, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task store.Task) (string, error)

func (f ProcessorFunc) Process(ctx context.Context, task store.Task) (string, error) {
	return f(ctx, task)
}

type Config struct {
	WorkerCount  int
	PollInterval time.Duration
	TaskTimeout  time.Duration
	// AgentID restricts claims to one agent's tasks when set.
	AgentID string
	// Runs serializes session-bound task execution with interactive
	// runs on the same session. Sessionless tasks bypass it.
	Runs   *runmanager.Manager
	Logger *slog.Logger
}

// Status is a point-in-time view of the pool.
type Status struct {
	WorkerCount int    `json:"worker_count"`
	ActiveTasks int32  `json:"active_tasks"`
	LastError   string `json:"last_error,omitempty"`
}

type Pool struct {
	queue  *queue.Service
	proc   Processor
	config Config
	logger *slog.Logger

	once sync.Once
	wg   sync.WaitGroup

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
}

func New(q *queue.Service, proc Processor, cfg Config) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:   q,
		proc:    proc,
		config:  cfg,
		logger:  logger.With("component", "worker"),
		cancels: map[string]context.CancelFunc{},
	}
}

// Start launches the worker goroutines. Subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		p.logger.Info("starting workers", "count", p.config.WorkerCount, "poll", p.config.PollInterval)
		for i := 0; i < p.config.WorkerCount; i++ {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.worker(ctx)
			}()
		}
	})
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

// Drain waits for in-flight tasks up to timeout. Tasks still running
// after the deadline stay in running and are requeued by the startup
// recovery pass.
func (p *Pool) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("workers drained cleanly")
	case <-time.After(timeout):
		p.logger.Warn("worker drain timeout; running tasks recover on next startup", "timeout", timeout)
	}
}

// Abort cancels a task's in-flight execution. The failure path decides
// retry or dead-letter as usual.
func (p *Pool) Abort(taskID string) error {
	p.cancelMu.Lock()
	cancel, ok := p.cancels[taskID]
	p.cancelMu.Unlock()
	if !ok {
		return fault.NotFound("task %s has no in-flight execution", taskID)
	}
	cancel()
	return nil
}

func (p *Pool) Status() Status {
	st := Status{
		WorkerCount: p.config.WorkerCount,
		ActiveTasks: p.activeTasks.Load(),
	}
	if msg := p.lastError.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

func (p *Pool) worker(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.queue.Claim(ctx, p.config.AgentID)
		if err != nil {
			p.setLastError(err)
		}
		if err != nil || task == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		p.handleTask(ctx, *task)
	}
}

func (p *Pool) handleTask(ctx context.Context, task store.Task) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx, span := otelpkg.StartClientSpan(ctx, otelpkg.Tracer(), "task.process",
		otelpkg.AttrTaskID.String(task.ID),
		otelpkg.AttrAgentID.String(task.AgentID),
		otelpkg.AttrAttempt.Int(task.Attempts+1),
	)
	defer span.End()
	p.logger.Info("task processing", "task_id", task.ID, "session_id", task.SessionID,
		"attempt", task.Attempts, "trace_id", traceID)

	taskCtx, cancel := context.WithTimeout(ctx, p.config.TaskTimeout)
	p.activeTasks.Add(1)
	defer p.activeTasks.Add(-1)

	p.cancelMu.Lock()
	p.cancels[task.ID] = cancel
	p.cancelMu.Unlock()
	defer func() {
		cancel()
		p.cancelMu.Lock()
		delete(p.cancels, task.ID)
		p.cancelMu.Unlock()
	}()

	result, err := p.invoke(taskCtx, task)
	if err != nil {
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("task timeout exceeded: %w", taskCtx.Err())
		} else if errors.Is(taskCtx.Err(), context.Canceled) {
			err = errors.New("task aborted")
		}
		span.RecordError(err)
		p.settleFailure(task, err)
		return
	}

	// Never record success once the context has ended.
	if taskCtx.Err() != nil {
		if errors.Is(taskCtx.Err(), context.Canceled) {
			p.settleFailure(task, errors.New("task aborted"))
			return
		}
		p.settleFailure(task, fmt.Errorf("skip complete after context end: %w", taskCtx.Err()))
		return
	}

	verdict, err := p.queue.Complete(context.Background(), task.ID, result)
	if err != nil {
		p.setLastError(err)
		return
	}
	if !verdict.OK {
		p.logger.Warn("task result rejected", "task_id", task.ID, "reasons", verdict.Reasons)
	}
}

// invoke runs the claimed task's work. Tasks bound to a session go
// through the run manager, so at most one of them executes per session
// and they queue behind interactive runs instead of racing them.
func (p *Pool) invoke(ctx context.Context, task store.Task) (string, error) {
	if p.config.Runs == nil || task.SessionID == "" {
		return p.proc.Process(ctx, task)
	}

	var (
		procResult string
		procErr    error
	)
	run, _, err := p.config.Runs.Submit(ctx, runmanager.Request{
		SessionID: task.SessionID,
		Mode:      runmanager.ModeFollowup,
		Prompt:    task.Prompt,
		Source:    "task",
		Internal:  true,
		Execute: func(runCtx context.Context, _ *runmanager.Run) error {
			execCtx, cancelExec := context.WithCancel(runCtx)
			defer cancelExec()
			// The claim context carries the task timeout and abort.
			stop := context.AfterFunc(ctx, cancelExec)
			defer stop()
			procResult, procErr = p.proc.Process(execCtx, task)
			return procErr
		},
	})
	if err != nil {
		return "", fmt.Errorf("submit session run for task %s: %w", task.ID, err)
	}

	final, err := p.config.Runs.Wait(ctx, run.ID)
	if err != nil {
		// Stop a run still queued behind another; a running one is
		// already cancelled through the claim context.
		_ = p.config.Runs.Abort(run.ID, "task context ended")
		return "", err
	}
	switch final.State {
	case runmanager.RunStateCompleted:
		return procResult, nil
	case runmanager.RunStateFailed:
		if procErr != nil {
			return "", procErr
		}
		return "", errors.New(final.Error)
	default:
		if procErr != nil {
			return "", procErr
		}
		return "", errors.New("session run cancelled before completion")
	}
}

func (p *Pool) settleFailure(task store.Task, err error) {
	p.setLastError(err)
	decision, failErr := p.queue.Fail(context.Background(), task.ID, err.Error())
	if failErr != nil {
		p.setLastError(failErr)
		return
	}
	p.logger.Warn("task attempt failed", "task_id", task.ID, "error", err,
		"outcome", decision.Outcome, "attempts", decision.Attempts)
}

func (p *Pool) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	p.lastError.Store(&msg)
	p.logger.Error("worker error", "error", err)
}

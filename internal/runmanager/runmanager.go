// Package runmanager serializes executor runs per session: one run
// active at a time, later submissions queue FIFO, and pending runs with
// the same dedupe key coalesce instead of stacking up.
package runmanager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/fault"
)

// Mode selects how the executor treats the prompt mid-session.
type Mode string

const (
	// ModeSteer redirects the session's current work.
	ModeSteer Mode = "steer"
	// ModeFollowup continues the session after its current work.
	ModeFollowup Mode = "followup"
)

type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Run is one unit of session work.
type Run struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Mode       Mode      `json:"mode"`
	Prompt     string    `json:"prompt"`
	DedupeKey  string    `json:"dedupe_key,omitempty"`
	Source     string    `json:"source,omitempty"`
	Internal   bool      `json:"internal,omitempty"`
	State      RunState  `json:"state"`
	Error      string    `json:"error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	execute Executor
	done    chan struct{}
}

// snapshot copies the run for handing outside the manager. Callers
// hold m.mu; the manager keeps mutating the original.
func (r *Run) snapshot() *Run {
	c := *r
	return &c
}

// Request is a submission. An empty DedupeKey never coalesces.
type Request struct {
	SessionID string
	Mode      Mode
	Prompt    string
	DedupeKey string
	Source    string
	// Internal marks housekeeping runs (heartbeats, recovery) that
	// should stay out of user-facing run listings.
	Internal bool
	// Execute overrides the manager's executor for this run. The task
	// worker uses it to run claimed task work inside the session gate.
	Execute Executor
}

// Executor performs one run. Cancellation arrives via ctx.
type Executor func(ctx context.Context, run *Run) error

type activeRun struct {
	run    *Run
	cancel context.CancelFunc
}

// Manager is the single-flight gate. Safe for concurrent use.
type Manager struct {
	executor Executor
	bus      *bus.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	active  map[string]*activeRun // sessionID -> running
	pending map[string][]*Run     // sessionID -> FIFO queue
	byID    map[string]*Run
	retired []string // terminal run IDs, oldest first
	wg      sync.WaitGroup
	closed  bool
}

// maxRetainedRuns bounds how many terminal runs stay queryable by ID
// before the oldest are evicted.
const maxRetainedRuns = 512

type Config struct {
	Executor Executor
	Bus      *bus.Bus
	Logger   *slog.Logger
}

func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		executor: cfg.Executor,
		bus:      cfg.Bus,
		logger:   logger.With("component", "runmanager"),
		active:   make(map[string]*activeRun),
		pending:  make(map[string][]*Run),
		byID:     make(map[string]*Run),
	}
}

// Submit enqueues a run. When the session is idle the run starts
// immediately; otherwise it joins the session's FIFO queue. A pending
// run with the same dedupe key absorbs the submission: the existing run
// is returned with coalesced set.
func (m *Manager) Submit(ctx context.Context, req Request) (*Run, bool, error) {
	if req.SessionID == "" {
		return nil, false, fault.Validation("session id required")
	}
	switch req.Mode {
	case ModeSteer, ModeFollowup:
	default:
		return nil, false, fault.Validation("mode must be steer or followup, got %q", req.Mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, fault.Conflict("run manager is shut down")
	}

	if req.DedupeKey != "" {
		for _, queued := range m.pending[req.SessionID] {
			if queued.DedupeKey == req.DedupeKey {
				return queued.snapshot(), true, nil
			}
		}
	}

	run := &Run{
		ID:         uuid.NewString(),
		SessionID:  req.SessionID,
		Mode:       req.Mode,
		Prompt:     req.Prompt,
		DedupeKey:  req.DedupeKey,
		Source:     req.Source,
		Internal:   req.Internal,
		State:      RunStatePending,
		EnqueuedAt: time.Now().UTC(),
		execute:    req.Execute,
		done:       make(chan struct{}),
	}
	m.byID[run.ID] = run

	if _, busy := m.active[req.SessionID]; busy {
		m.pending[req.SessionID] = append(m.pending[req.SessionID], run)
		m.logger.Info("run queued", "run_id", run.ID, "session_id", run.SessionID, "mode", string(run.Mode))
		return run.snapshot(), false, nil
	}
	m.startLocked(run)
	return run.snapshot(), false, nil
}

// startLocked launches a run. Caller holds m.mu.
func (m *Manager) startLocked(run *Run) {
	ctx, cancel := context.WithCancel(context.Background())
	run.State = RunStateRunning
	m.active[run.SessionID] = &activeRun{run: run, cancel: cancel}
	m.publish(bus.TopicRunStarted, run, "")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		exec := run.execute
		if exec == nil {
			exec = m.executor
		}
		err := exec(ctx, run)
		m.finish(run, ctx, err)
	}()
}

// retireLocked marks a run terminal: wakes waiters and evicts the
// oldest retained runs past the bound. Caller holds m.mu and has
// already set a terminal State.
func (m *Manager) retireLocked(run *Run) {
	close(run.done)
	m.retired = append(m.retired, run.ID)
	for len(m.retired) > maxRetainedRuns {
		delete(m.byID, m.retired[0])
		m.retired = m.retired[1:]
	}
}

func (m *Manager) finish(run *Run, runCtx context.Context, err error) {
	m.mu.Lock()
	switch {
	case runCtx.Err() != nil:
		run.State = RunStateCancelled
		if err != nil {
			run.Error = fault.Truncate(err.Error())
		}
	case err != nil:
		run.State = RunStateFailed
		run.Error = fault.Truncate(err.Error())
	default:
		run.State = RunStateCompleted
	}
	m.retireLocked(run)
	delete(m.active, run.SessionID)

	var next *Run
	if queue := m.pending[run.SessionID]; len(queue) > 0 && !m.closed {
		next = queue[0]
		m.pending[run.SessionID] = queue[1:]
		if len(m.pending[run.SessionID]) == 0 {
			delete(m.pending, run.SessionID)
		}
	}
	if next != nil {
		m.startLocked(next)
	}
	final := run.snapshot()
	m.mu.Unlock()

	switch final.State {
	case RunStateCancelled:
		m.publish(bus.TopicRunCancelled, final, final.Error)
	default:
		m.publish(bus.TopicRunFinished, final, final.Error)
	}
	m.logger.Info("run finished", "run_id", final.ID, "session_id", final.SessionID, "state", string(final.State))
}

func (m *Manager) publish(topic string, run *Run, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, bus.RunEvent{
		RunID:     run.ID,
		SessionID: run.SessionID,
		Mode:      string(run.Mode),
		Reason:    reason,
	})
}

// Abort cancels one run by ID: a pending run leaves the queue, a
// running run has its context cancelled.
func (m *Manager) Abort(runID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.byID[runID]
	if !ok {
		return fault.NotFound("run %s", runID)
	}
	switch run.State {
	case RunStatePending:
		m.removePendingLocked(run)
		run.State = RunStateCancelled
		run.Error = reason
		m.retireLocked(run)
		m.logger.Info("pending run cancelled", "run_id", runID, "reason", reason)
		return nil
	case RunStateRunning:
		if active, ok := m.active[run.SessionID]; ok && active.run.ID == runID {
			active.cancel()
			m.logger.Info("running run aborted", "run_id", runID, "reason", reason)
			return nil
		}
		return fault.Conflict("run %s not active", runID)
	default:
		return fault.Conflict("run %s already %s", runID, run.State)
	}
}

func (m *Manager) removePendingLocked(run *Run) {
	queue := m.pending[run.SessionID]
	for i, queued := range queue {
		if queued.ID == run.ID {
			m.pending[run.SessionID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(m.pending[run.SessionID]) == 0 {
		delete(m.pending, run.SessionID)
	}
}

// CancelReport counts what CancelAllBySource touched.
type CancelReport struct {
	CancelledQueued int `json:"cancelled_queued"`
	AbortedRunning  int `json:"aborted_running"`
}

// CancelAllBySource drops every pending run and aborts every active run
// submitted by the given source, e.g. "heartbeat".
func (m *Manager) CancelAllBySource(source, reason string) CancelReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	var report CancelReport
	for sessionID, queue := range m.pending {
		kept := queue[:0]
		for _, run := range queue {
			if run.Source == source {
				run.State = RunStateCancelled
				run.Error = reason
				m.retireLocked(run)
				report.CancelledQueued++
				continue
			}
			kept = append(kept, run)
		}
		if len(kept) == 0 {
			delete(m.pending, sessionID)
		} else {
			m.pending[sessionID] = kept
		}
	}
	for _, active := range m.active {
		if active.run.Source == source {
			active.cancel()
			report.AbortedRunning++
		}
	}
	if report.CancelledQueued > 0 || report.AbortedRunning > 0 {
		m.logger.Info("runs cancelled by source", "source", source, "reason", reason,
			"cancelled_queued", report.CancelledQueued, "aborted_running", report.AbortedRunning)
	}
	return report
}

// Get returns a copy of a run by ID.
func (m *Manager) Get(runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.byID[runID]
	if !ok {
		return nil, fault.NotFound("run %s", runID)
	}
	return run.snapshot(), nil
}

// Wait blocks until the run reaches a terminal state, then returns its
// final snapshot.
func (m *Manager) Wait(ctx context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	run, ok := m.byID[runID]
	m.mu.Unlock()
	if !ok {
		return nil, fault.NotFound("run %s", runID)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-run.done:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return run.snapshot(), nil
}

// Snapshot reports a session's active run and pending queue.
type Snapshot struct {
	Active  *Run   `json:"active,omitempty"`
	Pending []*Run `json:"pending,omitempty"`
}

func (m *Manager) SessionSnapshot(sessionID string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snap Snapshot
	if active, ok := m.active[sessionID]; ok {
		snap.Active = active.run.snapshot()
	}
	for _, run := range m.pending[sessionID] {
		snap.Pending = append(snap.Pending, run.snapshot())
	}
	return snap
}

// Shutdown stops accepting runs, cancels everything active, and waits
// for the executors to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for sessionID, queue := range m.pending {
		for _, run := range queue {
			run.State = RunStateCancelled
			run.Error = "shutdown"
			m.retireLocked(run)
		}
		delete(m.pending, sessionID)
	}
	for _, active := range m.active {
		active.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

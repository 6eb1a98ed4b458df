// Package heartbeat runs periodic check-in prompts for sessions that
// opted in. Each enabled session gets its own ticker; every beat
// submits a heartbeat-sourced run through the run manager, where the
// dedupe key keeps a slow session from stacking up check-ins.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskdeck/internal/runmanager"
	"github.com/basket/taskdeck/internal/store"
)

const (
	// ChecklistFile under <home>/workspace enables heartbeats globally.
	// No file, no beats.
	ChecklistFile = "HEARTBEAT.md"

	defaultResync = 30 * time.Second
)

// RunSubmitter is the slice of the run manager the heartbeat needs.
type RunSubmitter interface {
	Submit(ctx context.Context, req runmanager.Request) (*runmanager.Run, bool, error)
}

// SessionLister is the slice of the store the heartbeat needs.
type SessionLister interface {
	ListHeartbeatSessions(ctx context.Context) ([]store.Session, error)
}

type beat struct {
	cancel      context.CancelFunc
	intervalSec int
}

// Manager owns one ticker goroutine per heartbeat-enabled session and
// reconciles the set against the store.
type Manager struct {
	sessions SessionLister
	runs     RunSubmitter
	homeDir  string
	resync   time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	beats map[string]*beat
	wg    sync.WaitGroup
}

type Config struct {
	Sessions SessionLister
	Runs     RunSubmitter
	HomeDir  string
	Resync   time.Duration
	Logger   *slog.Logger
}

func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resync := cfg.Resync
	if resync <= 0 {
		resync = defaultResync
	}
	return &Manager{
		sessions: cfg.Sessions,
		runs:     cfg.Runs,
		homeDir:  cfg.HomeDir,
		resync:   resync,
		logger:   logger.With("component", "heartbeat"),
		beats:    make(map[string]*beat),
	}
}

// Start launches the reconcile loop. It returns immediately; beats stop
// when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("starting heartbeat manager", "resync", m.resync)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconcile(ctx)
		ticker := time.NewTicker(m.resync)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.stopAll()
				return
			case <-ticker.C:
				m.reconcile(ctx)
			}
		}
	}()
}

// Wait blocks until every beat goroutine has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// reconcile diffs running beats against the store and starts or stops
// tickers to match. An interval change restarts the beat.
func (m *Manager) reconcile(ctx context.Context) {
	sessions, err := m.sessions.ListHeartbeatSessions(ctx)
	if err != nil {
		m.logger.Error("heartbeat reconcile failed", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]store.Session, len(sessions))
	for _, sess := range sessions {
		want[sess.ID] = sess
	}
	for id, b := range m.beats {
		sess, keep := want[id]
		if keep && sess.HeartbeatIntervalSec == b.intervalSec {
			continue
		}
		b.cancel()
		delete(m.beats, id)
	}
	for id, sess := range want {
		if _, running := m.beats[id]; running {
			continue
		}
		beatCtx, cancel := context.WithCancel(ctx)
		m.beats[id] = &beat{cancel: cancel, intervalSec: sess.HeartbeatIntervalSec}
		m.wg.Add(1)
		go m.run(beatCtx, sess)
		m.logger.Info("heartbeat started", "session_id", id, "interval_sec", sess.HeartbeatIntervalSec)
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.beats {
		b.cancel()
		delete(m.beats, id)
	}
}

func (m *Manager) run(ctx context.Context, sess store.Session) {
	defer m.wg.Done()
	interval := time.Duration(sess.HeartbeatIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.beatOnce(ctx, sess.ID); err != nil {
				m.logger.Error("heartbeat failed", "session_id", sess.ID, "error", err)
			}
		}
	}
}

func (m *Manager) beatOnce(ctx context.Context, sessionID string) error {
	checklist, err := m.readChecklist()
	if err != nil {
		return err
	}
	if checklist == "" {
		return nil
	}

	prompt := fmt.Sprintf("Periodic check-in.\n\nReview the session against this checklist:\n\n%s\n\nReport anything off. If all is well, confirm the session is healthy.", checklist)
	run, coalesced, err := m.runs.Submit(ctx, runmanager.Request{
		SessionID: sessionID,
		Mode:      runmanager.ModeFollowup,
		Prompt:    prompt,
		DedupeKey: "heartbeat:" + sessionID,
		Source:    "heartbeat",
		Internal:  true,
	})
	if err != nil {
		return fmt.Errorf("submit heartbeat run: %w", err)
	}
	if coalesced {
		m.logger.Debug("heartbeat coalesced into pending run", "session_id", sessionID, "run_id", run.ID)
		return nil
	}
	m.logger.Info("heartbeat run submitted", "session_id", sessionID, "run_id", run.ID)
	return nil
}

// readChecklist returns the trimmed checklist, or "" when the file is
// absent or empty.
func (m *Manager) readChecklist() (string, error) {
	path := filepath.Join(m.homeDir, "workspace", ChecklistFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", ChecklistFile, err)
	}
	return strings.TrimSpace(string(data)), nil
}

package heartbeat

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskdeck/internal/runmanager"
	"github.com/basket/taskdeck/internal/store"
)

type mockSubmitter struct {
	mu       sync.Mutex
	requests []runmanager.Request
	err      error
}

func (m *mockSubmitter) Submit(_ context.Context, req runmanager.Request) (*runmanager.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	m.requests = append(m.requests, req)
	return &runmanager.Run{ID: "run-1", SessionID: req.SessionID}, false, nil
}

func (m *mockSubmitter) all() []runmanager.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]runmanager.Request(nil), m.requests...)
}

type mockSessions struct {
	mu       sync.Mutex
	sessions []store.Session
}

func (m *mockSessions) ListHeartbeatSessions(context.Context) ([]store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Session(nil), m.sessions...), nil
}

func (m *mockSessions) set(sessions []store.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = sessions
}

func writeChecklist(t *testing.T, homeDir, content string) {
	t.Helper()
	dir := filepath.Join(homeDir, "workspace")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ChecklistFile), []byte(content), 0o644); err != nil {
		t.Fatalf("write checklist: %v", err)
	}
}

func newTestManager(t *testing.T, sessions SessionLister, runs RunSubmitter, homeDir string) *Manager {
	t.Helper()
	return New(Config{
		Sessions: sessions,
		Runs:     runs,
		HomeDir:  homeDir,
		Resync:   10 * time.Millisecond,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestBeatOnce_SubmitsHeartbeatRun(t *testing.T) {
	homeDir := t.TempDir()
	writeChecklist(t, homeDir, "- [ ] disk space ok")

	runs := &mockSubmitter{}
	mgr := newTestManager(t, &mockSessions{}, runs, homeDir)

	if err := mgr.beatOnce(context.Background(), "sess-1"); err != nil {
		t.Fatalf("beatOnce: %v", err)
	}
	got := runs.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 run, got %d", len(got))
	}
	req := got[0]
	if req.SessionID != "sess-1" || req.Source != "heartbeat" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.DedupeKey != "heartbeat:sess-1" {
		t.Fatalf("unexpected dedupe key %q", req.DedupeKey)
	}
	if req.Mode != runmanager.ModeFollowup {
		t.Fatalf("expected followup mode, got %s", req.Mode)
	}
	if !strings.Contains(req.Prompt, "disk space ok") {
		t.Fatalf("prompt missing checklist: %q", req.Prompt)
	}
}

func TestBeatOnce_NoChecklist(t *testing.T) {
	homeDir := t.TempDir()
	runs := &mockSubmitter{}
	mgr := newTestManager(t, &mockSessions{}, runs, homeDir)

	if err := mgr.beatOnce(context.Background(), "sess-1"); err != nil {
		t.Fatalf("missing checklist should be a no-op, got %v", err)
	}
	if len(runs.all()) != 0 {
		t.Fatal("no run should be submitted without a checklist")
	}

	writeChecklist(t, homeDir, "   \n  ")
	if err := mgr.beatOnce(context.Background(), "sess-1"); err != nil {
		t.Fatalf("blank checklist should be a no-op, got %v", err)
	}
	if len(runs.all()) != 0 {
		t.Fatal("no run should be submitted for a blank checklist")
	}
}

func TestReconcile_StartsAndStopsBeats(t *testing.T) {
	homeDir := t.TempDir()
	writeChecklist(t, homeDir, "- [ ] check")

	sessions := &mockSessions{}
	sessions.set([]store.Session{{ID: "sess-1", HeartbeatEnabled: true, HeartbeatIntervalSec: 60}})

	runs := &mockSubmitter{}
	mgr := newTestManager(t, sessions, runs, homeDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.reconcile(ctx)

	mgr.mu.Lock()
	if len(mgr.beats) != 1 {
		mgr.mu.Unlock()
		t.Fatalf("expected 1 beat, got %d", len(mgr.beats))
	}
	mgr.mu.Unlock()

	// Interval change restarts the beat.
	sessions.set([]store.Session{{ID: "sess-1", HeartbeatEnabled: true, HeartbeatIntervalSec: 120}})
	mgr.reconcile(ctx)
	mgr.mu.Lock()
	if b := mgr.beats["sess-1"]; b == nil || b.intervalSec != 120 {
		mgr.mu.Unlock()
		t.Fatalf("expected beat restarted at 120s, got %+v", mgr.beats["sess-1"])
	}
	mgr.mu.Unlock()

	// Disabled session is stopped.
	sessions.set(nil)
	mgr.reconcile(ctx)
	mgr.mu.Lock()
	if len(mgr.beats) != 0 {
		mgr.mu.Unlock()
		t.Fatalf("expected no beats after disable, got %d", len(mgr.beats))
	}
	mgr.mu.Unlock()

	cancel()
	mgr.Wait()
}

func TestRun_BeatsFire(t *testing.T) {
	homeDir := t.TempDir()
	writeChecklist(t, homeDir, "- [ ] check")

	runs := &mockSubmitter{}
	mgr := newTestManager(t, &mockSessions{}, runs, homeDir)

	ctx, cancel := context.WithCancel(context.Background())
	mgr.wg.Add(1)
	go mgr.run(ctx, store.Session{ID: "sess-1", HeartbeatIntervalSec: 1})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(runs.all()) == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	if len(runs.all()) == 0 {
		t.Fatal("expected at least one heartbeat run")
	}
	cancel()
	mgr.Wait()
}

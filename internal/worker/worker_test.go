package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/taskdeck/internal/queue"
	"github.com/basket/taskdeck/internal/runmanager"
	"github.com/basket/taskdeck/internal/store"
	"github.com/basket/taskdeck/internal/validator"
)

func newTestQueue(t *testing.T) *queue.Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "taskdeck.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	v, err := validator.New()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return queue.New(queue.Config{Store: st, Validator: v, Logger: testLogger()})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func enqueueTask(t *testing.T, q *queue.Service, prompt string) *store.Task {
	t.Helper()
	task, err := q.Create(context.Background(), store.TaskDraft{Prompt: prompt})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := q.Enqueue(context.Background(), task.ID); err != nil {
		t.Fatalf("enqueue task: %v", err)
	}
	return task
}

func waitForStatus(t *testing.T, q *queue.Service, taskID string, want store.TaskStatus) *store.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(20 * time.Millisecond)
	}
	task, _ := q.Get(context.Background(), taskID)
	t.Fatalf("task %s never reached %s, stuck at %s", taskID, want, task.Status)
	return nil
}

func TestPool_CompletesTask(t *testing.T) {
	q := newTestQueue(t)
	task := enqueueTask(t, q, "echo hello")

	proc := ProcessorFunc(func(_ context.Context, task store.Task) (string, error) {
		return "done: " + task.Prompt, nil
	})
	pool := New(q, proc, Config{WorkerCount: 1, PollInterval: 10 * time.Millisecond, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	got := waitForStatus(t, q, task.ID, store.TaskStatusCompleted)
	if got.Result != "done: echo hello" {
		t.Fatalf("unexpected result %q", got.Result)
	}
	cancel()
	pool.Wait()
}

func TestPool_FailureRetriesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	task, err := q.Create(context.Background(), store.TaskDraft{
		Prompt:          "always fails",
		MaxAttempts:     2,
		RetryBackoffSec: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}

	proc := ProcessorFunc(func(context.Context, store.Task) (string, error) {
		return "", errors.New("boom")
	})
	pool := New(q, proc, Config{WorkerCount: 1, PollInterval: 10 * time.Millisecond, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	got := waitForStatus(t, q, task.ID, store.TaskStatusFailed)
	if !got.DeadLettered() {
		t.Fatalf("expected dead-lettered task, got %+v", got)
	}
	if got.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.Attempts)
	}
	if !strings.Contains(got.Error, "boom") {
		t.Fatalf("unexpected error %q", got.Error)
	}
	cancel()
	pool.Wait()
}

func TestPool_RejectedCompletionFailsTask(t *testing.T) {
	q := newTestQueue(t)
	task, err := q.Create(context.Background(), store.TaskDraft{
		Prompt:       "report something",
		GoalContract: `{"min_result_chars": 100}`,
		MaxAttempts:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}

	proc := ProcessorFunc(func(context.Context, store.Task) (string, error) {
		return "too short", nil
	})
	pool := New(q, proc, Config{WorkerCount: 1, PollInterval: 10 * time.Millisecond, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	got := waitForStatus(t, q, task.ID, store.TaskStatusFailed)
	if !strings.Contains(got.Error, "completion rejected") {
		t.Fatalf("unexpected error %q", got.Error)
	}
	cancel()
	pool.Wait()
}

func TestPool_AbortCancelsInFlight(t *testing.T) {
	q := newTestQueue(t)
	task, err := q.Create(context.Background(), store.TaskDraft{Prompt: "long job", MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	var once sync.Once
	proc := ProcessorFunc(func(ctx context.Context, _ store.Task) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	})
	pool := New(q, proc, Config{WorkerCount: 1, PollInterval: 10 * time.Millisecond, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	<-started
	if err := pool.Abort(task.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	got := waitForStatus(t, q, task.ID, store.TaskStatusFailed)
	if !strings.Contains(got.Error, "task aborted") {
		t.Fatalf("unexpected error %q", got.Error)
	}

	if err := pool.Abort("missing"); err == nil {
		t.Fatal("expected error aborting unknown task")
	}
	cancel()
	pool.Wait()
}

func TestPool_SessionTasksDoNotOverlap(t *testing.T) {
	q := newTestQueue(t)
	runs := runmanager.New(runmanager.Config{
		Executor: func(context.Context, *runmanager.Run) error { return nil },
		Logger:   testLogger(),
	})

	first, err := q.Create(context.Background(), store.TaskDraft{SessionID: "sess-1", Prompt: "first"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Create(context.Background(), store.TaskDraft{SessionID: "sess-1", Prompt: "second"})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{first.ID, second.ID} {
		if err := q.Enqueue(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}

	var inFlight, peak atomic.Int32
	proc := ProcessorFunc(func(_ context.Context, task store.Task) (string, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(150 * time.Millisecond)
		inFlight.Add(-1)
		return "done: " + task.Prompt, nil
	})
	pool := New(q, proc, Config{WorkerCount: 2, PollInterval: 10 * time.Millisecond, Runs: runs, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	waitForStatus(t, q, first.ID, store.TaskStatusCompleted)
	waitForStatus(t, q, second.ID, store.TaskStatusCompleted)
	if got := peak.Load(); got != 1 {
		t.Fatalf("expected same-session tasks to serialize, saw %d in flight", got)
	}
	cancel()
	pool.Wait()
}

func TestPool_SessionRunCancelFailsTask(t *testing.T) {
	q := newTestQueue(t)
	runs := runmanager.New(runmanager.Config{
		Executor: func(context.Context, *runmanager.Run) error { return nil },
		Logger:   testLogger(),
	})
	task, err := q.Create(context.Background(), store.TaskDraft{SessionID: "sess-1", Prompt: "interruptible", MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	var once sync.Once
	proc := ProcessorFunc(func(ctx context.Context, _ store.Task) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	})
	pool := New(q, proc, Config{WorkerCount: 1, PollInterval: 10 * time.Millisecond, Runs: runs, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	<-started
	snap := runs.SessionSnapshot("sess-1")
	if snap.Active == nil {
		t.Fatal("expected an active session run for the task")
	}
	if err := runs.Abort(snap.Active.ID, "operator"); err != nil {
		t.Fatalf("abort run: %v", err)
	}
	got := waitForStatus(t, q, task.ID, store.TaskStatusFailed)
	if !strings.Contains(got.Error, "cancel") {
		t.Fatalf("unexpected error %q", got.Error)
	}
	cancel()
	pool.Wait()
}

func TestPool_Status(t *testing.T) {
	q := newTestQueue(t)
	pool := New(q, ProcessorFunc(func(context.Context, store.Task) (string, error) { return "", nil }),
		Config{WorkerCount: 2, Logger: testLogger()})

	st := pool.Status()
	if st.WorkerCount != 2 || st.ActiveTasks != 0 || st.LastError != "" {
		t.Fatalf("unexpected status %+v", st)
	}
}

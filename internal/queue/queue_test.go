package queue

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskdeck/internal/fault"
	"github.com/basket/taskdeck/internal/store"
	"github.com/basket/taskdeck/internal/validator"
)

func newTestService(t *testing.T, maxDepth int) *Service {
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
	return New(Config{Store: st, Validator: v, MaxQueueDepth: maxDepth})
}

func TestCreate_Validation(t *testing.T) {
	s := newTestService(t, 0)
	ctx := context.Background()

	cases := []store.TaskDraft{
		{Prompt: "   "},
		{Prompt: "ok", MaxAttempts: 21},
		{Prompt: "ok", RetryBackoffSec: 4000},
		{Prompt: "ok", GoalContract: `{"bogus": 1}`},
	}
	for i, draft := range cases {
		if _, err := s.Create(ctx, draft); !fault.Is(err, fault.KindValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestCreate_DefaultsAndTitle(t *testing.T) {
	s := newTestService(t, 0)
	ctx := context.Background()

	task, err := s.Create(ctx, store.TaskDraft{Prompt: "Summarize the weekly numbers\nwith detail"})
	if err != nil {
		t.Fatal(err)
	}
	if task.MaxAttempts != 3 || task.RetryBackoffSec != 60 {
		t.Fatalf("defaults not applied: %+v", task)
	}
	if task.Title != "Summarize the weekly numbers" {
		t.Fatalf("unexpected title %q", task.Title)
	}

	long := strings.Repeat("word ", 40)
	task, err = s.Create(ctx, store.TaskDraft{Prompt: long})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(task.Title, "…") {
		t.Fatalf("expected truncated title, got %q", task.Title)
	}
}

func TestEnqueue_Backpressure(t *testing.T) {
	s := newTestService(t, 2)
	ctx := context.Background()

	var last *store.Task
	for i := 0; i < 3; i++ {
		task, err := s.Create(ctx, store.TaskDraft{Prompt: "work"})
		if err != nil {
			t.Fatal(err)
		}
		last = task
		if i < 2 {
			if err := s.Enqueue(ctx, task.ID); err != nil {
				t.Fatalf("enqueue %d: %v", i, err)
			}
		}
	}
	if err := s.Enqueue(ctx, last.ID); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict at queue depth limit, got %v", err)
	}
}

func TestComplete_GatePassesAndRejects(t *testing.T) {
	s := newTestService(t, 0)
	ctx := context.Background()

	contract := `{"required_keywords": ["summary"]}`
	task, err := s.Create(ctx, store.TaskDraft{Prompt: "report", GoalContract: contract})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, ""); err != nil {
		t.Fatal(err)
	}

	verdict, err := s.Complete(ctx, task.ID, "no keyword here")
	if err != nil {
		t.Fatal(err)
	}
	if verdict.OK {
		t.Fatal("expected gate rejection")
	}
	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.TaskStatusFailed {
		t.Fatalf("rejected completion should fail the task, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "completion rejected") {
		t.Fatalf("unexpected error text %q", got.Error)
	}

	// Reset and run it again with a passing result.
	if err := s.Reset(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, ""); err != nil {
		t.Fatal(err)
	}
	verdict, err = s.Complete(ctx, task.ID, "Here is the summary of findings.")
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.OK {
		t.Fatalf("expected pass, got %v", verdict.Reasons)
	}
	got, _ = s.Get(ctx, task.ID)
	if got.Status != store.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestList_RunsIntegrityPass(t *testing.T) {
	s := newTestService(t, 0)
	ctx := context.Background()

	task, err := s.Create(ctx, store.TaskDraft{Prompt: "work"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Complete(ctx, task.ID, "result"); err != nil {
		t.Fatal(err)
	}
	// Corrupt the row directly.
	if _, err := s.store.DB().ExecContext(ctx, `UPDATE tasks SET result = '' WHERE id = ?;`, task.ID); err != nil {
		t.Fatal(err)
	}

	tasks, err := s.List(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Status != store.TaskStatusFailed {
		t.Fatalf("expected integrity pass to demote hollow completion, got %+v", tasks)
	}
}

func TestFail_RoutesThroughStore(t *testing.T) {
	s := newTestService(t, 0)
	ctx := context.Background()

	task, err := s.Create(ctx, store.TaskDraft{Prompt: "work", MaxAttempts: 1, RetryBackoffSec: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, ""); err != nil {
		t.Fatal(err)
	}
	decision, err := s.Fail(ctx, task.ID, "boom")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Outcome != store.FailureOutcomeDeadLetter {
		t.Fatalf("single-attempt task should dead-letter, got %s", decision.Outcome)
	}
}

func TestCreateCompleted(t *testing.T) {
	s := newTestService(t, 0)
	ctx := context.Background()

	task, verdict, err := s.CreateCompleted(ctx, store.TaskDraft{
		Prompt: "file the expense report",
	}, "filed under Q3 travel")
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.OK {
		t.Fatalf("expected passing verdict, got %+v", verdict)
	}
	if task.Status != store.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	if task.Result != "filed under Q3 travel" || task.CompletedAt == nil {
		t.Fatalf("completion fields not recorded: %+v", task)
	}

	// The finished task never appears to the claim loop.
	claimed, err := s.Claim(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if claimed != nil {
		t.Fatalf("expected empty queue, claimed %+v", claimed)
	}
}

func TestCreateCompleted_GateRejectsToFailed(t *testing.T) {
	s := newTestService(t, 0)
	ctx := context.Background()

	task, verdict, err := s.CreateCompleted(ctx, store.TaskDraft{
		Prompt:       "write the summary",
		GoalContract: `{"min_result_chars": 100}`,
	}, "too short")
	if err != nil {
		t.Fatal(err)
	}
	if verdict.OK {
		t.Fatal("expected gate rejection")
	}
	if task.Status != store.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if !strings.Contains(task.Error, "completion rejected") {
		t.Fatalf("unexpected error %q", task.Error)
	}

	// Blocked-by makes no sense on finished work.
	if _, _, err := s.CreateCompleted(ctx, store.TaskDraft{
		Prompt:    "x",
		BlockedBy: []string{task.ID},
	}, "done"); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

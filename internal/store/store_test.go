package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskdeck/internal/fault"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "taskdeck.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateTask(t *testing.T, s *Store, draft TaskDraft) *Task {
	t.Helper()
	if draft.Prompt == "" {
		draft.Prompt = "do the thing"
	}
	if draft.MaxAttempts == 0 {
		draft.MaxAttempts = 3
	}
	if draft.RetryBackoffSec == 0 {
		draft.RetryBackoffSec = 60
	}
	task, err := s.CreateTask(context.Background(), draft)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateTask_StartsInBacklog(t *testing.T) {
	s := openTestStore(t)
	task := mustCreateTask(t, s, TaskDraft{Title: "first"})
	if task.Status != TaskStatusBacklog {
		t.Fatalf("expected backlog, got %s", task.Status)
	}
	if task.Attempts != 0 {
		t.Fatalf("expected 0 attempts, got %d", task.Attempts)
	}
	if task.AgentID != "default" {
		t.Fatalf("expected default agent, got %q", task.AgentID)
	}
}

func TestEnqueueClaimComplete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, TaskDraft{})

	if err := s.EnqueueTask(ctx, task.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.ClaimNextQueuedTask(ctx, "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != task.ID {
		t.Fatalf("expected to claim %s, got %+v", task.ID, claimed)
	}
	if claimed.Status != TaskStatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed state: %s attempts=%d", claimed.Status, claimed.Attempts)
	}

	if err := s.CompleteTask(ctx, task.ID, "report text"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskStatusCompleted || got.Result != "report text" {
		t.Fatalf("unexpected final state: %s result=%q", got.Status, got.Result)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
}

func TestClaim_FIFOAndBackoffGate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := mustCreateTask(t, s, TaskDraft{Title: "a"})
	time.Sleep(1100 * time.Millisecond) // created_at has second resolution
	second := mustCreateTask(t, s, TaskDraft{Title: "b"})
	for _, id := range []string{first.ID, second.ID} {
		if err := s.EnqueueTask(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	claimed, err := s.ClaimNextQueuedTask(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("expected FIFO claim of %s, got %+v", first.ID, claimed)
	}

	// Push the remaining task into a backoff window; it must not be claimable.
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET next_attempt_at = ? WHERE id = ?;`,
		time.Now().UTC().Add(time.Hour), second.ID); err != nil {
		t.Fatal(err)
	}
	claimed, err = s.ClaimNextQueuedTask(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if claimed != nil {
		t.Fatalf("expected nothing claimable, got %s", claimed.ID)
	}
}

func TestEnqueue_Conflicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, TaskDraft{})

	if err := s.EnqueueTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	err := s.EnqueueTask(ctx, task.ID)
	if !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict on double enqueue, got %v", err)
	}
	if err := s.EnqueueTask(ctx, "nope"); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHandleTaskFailure_RetriesWithFixedBackoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, TaskDraft{MaxAttempts: 3, RetryBackoffSec: 120})
	if err := s.EnqueueTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextQueuedTask(ctx, ""); err != nil {
		t.Fatal(err)
	}

	decision, err := s.HandleTaskFailure(ctx, task.ID, "executor exploded")
	if err != nil {
		t.Fatalf("handle failure: %v", err)
	}
	if decision.Outcome != FailureOutcomeRetried {
		t.Fatalf("expected retry, got %s", decision.Outcome)
	}
	if decision.BackoffUntil == nil {
		t.Fatal("expected backoff window")
	}
	delay := time.Until(*decision.BackoffUntil)
	if delay < 100*time.Second || delay > 125*time.Second {
		t.Fatalf("expected ~120s fixed backoff, got %v", delay)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskStatusQueued || got.Attempts != 1 {
		t.Fatalf("unexpected state after retry: %s attempts=%d", got.Status, got.Attempts)
	}
	if got.Error != "executor exploded" {
		t.Fatalf("unexpected error text %q", got.Error)
	}
}

func TestHandleTaskFailure_DeadLettersAtMaxAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, TaskDraft{MaxAttempts: 2, RetryBackoffSec: 1})
	if err := s.EnqueueTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	// Attempt 1: fails, retries.
	if _, err := s.ClaimNextQueuedTask(ctx, ""); err != nil {
		t.Fatal(err)
	}
	decision, err := s.HandleTaskFailure(ctx, task.ID, "boom")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Outcome != FailureOutcomeRetried {
		t.Fatalf("expected retry on attempt 1, got %s", decision.Outcome)
	}

	// Wait out the backoff, then fail again at the attempt ceiling.
	time.Sleep(1200 * time.Millisecond)
	claimed, err := s.ClaimNextQueuedTask(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil {
		t.Fatal("expected task claimable after backoff")
	}
	decision, err = s.HandleTaskFailure(ctx, task.ID, "boom again")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Outcome != FailureOutcomeDeadLetter {
		t.Fatalf("expected dead letter at max attempts, got %s", decision.Outcome)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskStatusFailed || !got.DeadLettered() {
		t.Fatalf("expected dead-lettered failed task, got %s dl=%v", got.Status, got.DeadLetteredAt)
	}
}

func TestHandleTaskFailure_TruncatesError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, TaskDraft{MaxAttempts: 3, RetryBackoffSec: 1})
	if err := s.EnqueueTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextQueuedTask(ctx, ""); err != nil {
		t.Fatal(err)
	}
	long := strings.Repeat("e", 2000)
	if _, err := s.HandleTaskFailure(ctx, task.ID, long); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Error) != fault.MaxStoredErrorLen {
		t.Fatalf("expected %d-char error, got %d", fault.MaxStoredErrorLen, len(got.Error))
	}
}

func TestResetTask_ClearsDeadLetter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, TaskDraft{MaxAttempts: 1, RetryBackoffSec: 1})
	if err := s.EnqueueTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextQueuedTask(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.HandleTaskFailure(ctx, task.ID, "fatal"); err != nil {
		t.Fatal(err)
	}

	if err := s.ResetTask(ctx, task.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskStatusBacklog || got.Attempts != 0 || got.Error != "" || got.DeadLetteredAt != nil {
		t.Fatalf("reset did not clear state: %+v", got)
	}
}

func TestResetTask_RejectsNonResettable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, TaskDraft{})
	if err := s.ResetTask(ctx, task.ID); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict resetting backlog task, got %v", err)
	}
}

func TestRecycleTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, TaskDraft{Title: "Report (run 1)"})
	if err := s.EnqueueTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextQueuedTask(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTask(ctx, task.ID, "done"); err != nil {
		t.Fatal(err)
	}

	if err := s.RecycleTask(ctx, task.ID, "Report (run 2)"); err != nil {
		t.Fatalf("recycle: %v", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskStatusBacklog || got.Title != "Report (run 2)" {
		t.Fatalf("unexpected recycled state: %s %q", got.Status, got.Title)
	}
	if got.Result != "" || got.Attempts != 0 || got.CompletedAt != nil {
		t.Fatalf("recycle did not clear run state: %+v", got)
	}
}

func TestArchiveTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, TaskDraft{})
	if err := s.ArchiveTask(ctx, task.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != TaskStatusArchived {
		t.Fatalf("expected archived, got %s", got.Status)
	}
	// Archived tasks can only return via reset.
	if err := s.EnqueueTask(ctx, task.ID); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := s.ResetTask(ctx, task.ID); err != nil {
		t.Fatalf("reset archived: %v", err)
	}
}

func TestListTasks_HidesArchivedByDefault(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	kept := mustCreateTask(t, s, TaskDraft{Prompt: "kept"})
	parked := mustCreateTask(t, s, TaskDraft{Prompt: "parked"})
	if err := s.ArchiveTask(ctx, parked.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, err := s.ListTasks(ctx, TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != kept.ID {
		t.Fatalf("expected only the live task, got %+v", got)
	}

	// Asking for archived explicitly still works.
	got, err = s.ListTasks(ctx, TaskFilter{Status: TaskStatusArchived})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != parked.ID {
		t.Fatalf("expected the archived task, got %+v", got)
	}
}

func TestRepairCompletedTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, TaskDraft{})
	if err := s.EnqueueTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextQueuedTask(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTask(ctx, task.ID, "fine"); err != nil {
		t.Fatal(err)
	}
	// Corrupt: blank out the result behind the state machine's back.
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET result = '' WHERE id = ?;`, task.ID); err != nil {
		t.Fatal(err)
	}

	repaired, err := s.RepairCompletedTasks(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if repaired != 1 {
		t.Fatalf("expected 1 repair, got %d", repaired)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != TaskStatusFailed {
		t.Fatalf("expected demotion to failed, got %s", got.Status)
	}

	// Idempotent.
	repaired, err = s.RepairCompletedTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 0 {
		t.Fatalf("expected 0 repairs on second pass, got %d", repaired)
	}
}

func TestRecoverRunningTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, TaskDraft{})
	if err := s.EnqueueTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextQueuedTask(ctx, ""); err != nil {
		t.Fatal(err)
	}

	recovered, err := s.RecoverRunningTasks(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered, got %d", recovered)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != TaskStatusQueued {
		t.Fatalf("expected queued after recovery, got %s", got.Status)
	}
	// Attempt consumed by the crashed run is not refunded.
	if got.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", got.Attempts)
	}
}

func TestTaskEventsLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, TaskDraft{})
	if err := s.EnqueueTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextQueuedTask(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTask(ctx, task.ID, "done"); err != nil {
		t.Fatal(err)
	}

	events, err := s.ListTaskEvents(ctx, task.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	want := []string{"task.enqueued", "task.claimed", "task.completed"}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
}

func TestCreateTask_DependencyEdges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	blocker := mustCreateTask(t, s, TaskDraft{Title: "collect data"})
	dependent := mustCreateTask(t, s, TaskDraft{Title: "write summary", BlockedBy: []string{blocker.ID}})

	if len(dependent.BlockedBy) != 1 || dependent.BlockedBy[0] != blocker.ID {
		t.Fatalf("blocked_by = %v, want [%s]", dependent.BlockedBy, blocker.ID)
	}
	blocker, err := s.GetTask(ctx, blocker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocker.Blocks) != 1 || blocker.Blocks[0] != dependent.ID {
		t.Fatalf("blocks = %v, want [%s]", blocker.Blocks, dependent.ID)
	}

	_, err = s.CreateTask(ctx, TaskDraft{Prompt: "x", BlockedBy: []string{"no-such-task"}})
	if !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected not-found for unknown blocker, got %v", err)
	}
}

func TestEnqueueTask_RefusesWhileBlocked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	blocker := mustCreateTask(t, s, TaskDraft{Title: "collect data"})
	dependent := mustCreateTask(t, s, TaskDraft{Title: "write summary", BlockedBy: []string{blocker.ID}})

	err := s.EnqueueTask(ctx, dependent.ID)
	if !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict while blocker is unfinished, got %v", err)
	}

	// Finish the blocker, then the dependent may enqueue.
	if err := s.EnqueueTask(ctx, blocker.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextQueuedTask(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTask(ctx, blocker.ID, "done"); err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueueTask(ctx, dependent.ID); err != nil {
		t.Fatalf("expected enqueue after blocker completed, got %v", err)
	}
}

func TestArchiveTasks_Filters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doneTask := mustCreateTask(t, s, TaskDraft{Title: "done"})
	if err := s.EnqueueTask(ctx, doneTask.ID); err != nil {
		t.Fatal(err)
	}
	claimed, err := s.ClaimNextQueuedTask(ctx, "default")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if err := s.CompleteTask(ctx, claimed.ID, "ok"); err != nil {
		t.Fatal(err)
	}
	scheduled := mustCreateTask(t, s, TaskDraft{Title: "nightly", ScheduleID: "sched-1"})
	shelf := mustCreateTask(t, s, TaskDraft{Title: "shelf"})

	n, err := s.ArchiveTasks(ctx, ArchiveFilterDone)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 done task archived, got %d", n)
	}

	n, err = s.ArchiveTasks(ctx, ArchiveFilterSchedule)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 schedule task archived, got %d", n)
	}
	got, _ := s.GetTask(ctx, scheduled.ID)
	if got.Status != TaskStatusArchived {
		t.Fatalf("schedule task not archived: %s", got.Status)
	}
	got, _ = s.GetTask(ctx, shelf.ID)
	if got.Status != TaskStatusBacklog {
		t.Fatalf("backlog task should survive the schedule filter: %s", got.Status)
	}

	n, err = s.ArchiveTasks(ctx, ArchiveFilterAll)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected the remaining backlog task archived, got %d", n)
	}

	purged, err := s.ArchiveTasks(ctx, ArchiveFilterCleanup)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 3 {
		t.Fatalf("expected 3 archived rows purged, got %d", purged)
	}
	if _, err := s.GetTask(ctx, shelf.ID); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected purged task gone, got %v", err)
	}
}

func TestArchiveTasks_NeverTouchesRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, TaskDraft{Title: "busy"})
	if err := s.EnqueueTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextQueuedTask(ctx, "default"); err != nil {
		t.Fatal(err)
	}

	n, err := s.ArchiveTasks(ctx, ArchiveFilterAll)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected running task skipped, archived %d", n)
	}

	if _, err := s.ArchiveTasks(ctx, ArchiveFilter("bogus")); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("expected validation error for bogus filter, got %v", err)
	}
}

func TestEnqueueTask_RequiresKnownAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, TaskDraft{AgentID: "ghost"})
	if err := s.EnqueueTask(ctx, task.ID); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected not-found for unregistered agent, got %v", err)
	}

	if err := s.EnsureAgent(ctx, "ghost", "Ghost"); err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueueTask(ctx, task.ID); err != nil {
		t.Fatalf("enqueue after registering agent: %v", err)
	}
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/basket/taskdeck/internal/fault"
)

func seedMailboxSessions(t *testing.T, s *Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.EnsureSession(context.Background(), id, "", ""); err != nil {
			t.Fatalf("ensure session %s: %v", id, err)
		}
	}
}

func TestMailbox_DeliverAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedMailboxSessions(t, s, "sess-1", "sess-2")

	first, err := s.DeliverEnvelope(ctx, "sess-1", "scheduler", "note", "older", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond) // created_at has second resolution
	second, err := s.DeliverEnvelope(ctx, "sess-1", "scheduler", "note", "newer", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeliverEnvelope(ctx, "sess-2", "scheduler", "note", "other session", time.Hour); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListEnvelopes(ctx, "sess-1", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(got))
	}
	// Newest first.
	if got[0].ID != second.ID || got[1].ID != first.ID {
		t.Fatalf("expected newest-first ordering, got %s then %s", got[0].Body, got[1].Body)
	}
}

func TestMailbox_DeliverRequiresKnownSession(t *testing.T) {
	s := openTestStore(t)

	_, err := s.DeliverEnvelope(context.Background(), "ghost", "scheduler", "note", "hello", time.Hour)
	if !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected not found for unknown recipient, got %v", err)
	}
}

func TestMailbox_ZeroTTLNeverExpires(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedMailboxSessions(t, s, "sess-1")

	env, err := s.DeliverEnvelope(ctx, "sess-1", "scheduler", "note", "durable", 0)
	if err != nil {
		t.Fatal(err)
	}
	if env.ExpiresAt != nil {
		t.Fatalf("expected no expiry, got %v", env.ExpiresAt)
	}

	got, err := s.ListEnvelopes(ctx, "sess-1", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ExpiresAt != nil {
		t.Fatalf("expected one envelope without expiry, got %+v", got)
	}

	// Not swept as expired either.
	purged, err := s.PurgeExpiredEnvelopes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 0 {
		t.Fatalf("expected nothing purged, got %d", purged)
	}
	if err := s.AckEnvelope(ctx, "sess-1", env.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestMailbox_ExpiredEnvelopesInvisible(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedMailboxSessions(t, s, "sess-1")

	if _, err := s.DeliverEnvelope(ctx, "sess-1", "x", "note", "short-lived", 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	got, err := s.ListEnvelopes(ctx, "sess-1", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected expired envelope hidden, got %d", len(got))
	}
}

func TestMailbox_AckScopedToRecipient(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedMailboxSessions(t, s, "sess-1", "sess-2")

	env, err := s.DeliverEnvelope(ctx, "sess-1", "x", "note", "hello", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	// Wrong session cannot ack.
	if err := s.AckEnvelope(ctx, "sess-2", env.ID); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected not found for wrong session, got %v", err)
	}

	if err := s.AckEnvelope(ctx, "sess-1", env.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	// Acked envelopes drop out of the default listing.
	got, err := s.ListEnvelopes(ctx, "sess-1", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected acked envelope hidden, got %d", len(got))
	}
	// But stay visible when acked are included.
	got, err = s.ListEnvelopes(ctx, "sess-1", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].AckedAt == nil {
		t.Fatalf("expected acked envelope with timestamp, got %+v", got)
	}

	// Double ack conflicts.
	if err := s.AckEnvelope(ctx, "sess-1", env.ID); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict on double ack, got %v", err)
	}
}

func TestMailbox_PurgeExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedMailboxSessions(t, s, "sess-1")

	if _, err := s.DeliverEnvelope(ctx, "sess-1", "x", "note", "gone", 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeliverEnvelope(ctx, "sess-1", "x", "note", "kept", time.Hour); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	purged, err := s.PurgeExpiredEnvelopes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
}

func TestMailbox_Clear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedMailboxSessions(t, s, "sess-1", "sess-2")

	kept, err := s.DeliverEnvelope(ctx, "sess-1", "scheduler", "note", "read me", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeliverEnvelope(ctx, "sess-1", "scheduler", "note", "pending", time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeliverEnvelope(ctx, "sess-2", "scheduler", "note", "other session", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.AckEnvelope(ctx, "sess-1", kept.ID); err != nil {
		t.Fatal(err)
	}

	report, err := s.ClearMailbox(ctx, "sess-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Acked != 1 || report.Pending != 1 || report.Removed != 1 {
		t.Fatalf("unexpected clear report %+v", report)
	}

	// The acked envelope survives until includeAcked is set.
	got, err := s.ListEnvelopes(ctx, "sess-1", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != kept.ID {
		t.Fatalf("expected only the acked envelope to remain, got %d", len(got))
	}

	report, err = s.ClearMailbox(ctx, "sess-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if report.Removed != 1 {
		t.Fatalf("expected 1 removed with includeAcked, got %d", report.Removed)
	}

	// The other session's mail is untouched.
	other, err := s.ListEnvelopes(ctx, "sess-2", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 1 {
		t.Fatalf("expected sess-2 mail untouched, got %d", len(other))
	}
}

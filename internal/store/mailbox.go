package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/fault"
)

type Envelope struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Sender    string     `json:"sender"`
	Kind      string     `json:"kind"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	AckedAt   *time.Time `json:"acked_at,omitempty"`
}

// DeliverEnvelope stores a message for a session. The recipient session
// must exist. A zero or negative ttl means the envelope never expires;
// expired envelopes are filtered lazily on read, there is no background
// sweep.
func (s *Store) DeliverEnvelope(ctx context.Context, sessionID, sender, kind, body string, ttl time.Duration) (*Envelope, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	env := &Envelope{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Sender:    sender,
		Kind:      kind,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if ttl > 0 {
		t := env.CreatedAt.Add(ttl)
		env.ExpiresAt = &t
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO mailbox_envelopes (id, session_id, sender, kind, body, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, env.ID, env.SessionID, env.Sender, env.Kind, env.Body, env.CreatedAt, env.ExpiresAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("deliver envelope: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicMailboxDelivered, bus.MailboxEvent{
			EnvelopeID: env.ID,
			SessionID:  env.SessionID,
			Kind:       env.Kind,
		})
	}
	return env, nil
}

// ListEnvelopes returns a session's live unacked envelopes, newest
// first. Expired rows are skipped, never returned.
func (s *Store) ListEnvelopes(ctx context.Context, sessionID string, includeAcked bool, limit int) ([]Envelope, error) {
	query := `
		SELECT id, session_id, sender, kind, body, created_at, expires_at, acked_at
		FROM mailbox_envelopes
		WHERE session_id = ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{sessionID, time.Now().UTC()}
	if !includeAcked {
		query += ` AND acked_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list envelopes: %w", err)
	}
	defer rows.Close()
	var out []Envelope
	for rows.Next() {
		var env Envelope
		var expires, acked sql.NullTime
		if err := rows.Scan(&env.ID, &env.SessionID, &env.Sender, &env.Kind, &env.Body,
			&env.CreatedAt, &expires, &acked); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			env.ExpiresAt = &t
		}
		if acked.Valid {
			t := acked.Time
			env.AckedAt = &t
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// AckEnvelope marks an envelope consumed. The ack is scoped to the
// recipient session: a wrong session gets not-found, not someone
// else's mail.
func (s *Store) AckEnvelope(ctx context.Context, sessionID, envelopeID string) error {
	var err error
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE mailbox_envelopes SET acked_at = CURRENT_TIMESTAMP
			WHERE id = ? AND session_id = ? AND acked_at IS NULL
				AND (expires_at IS NULL OR expires_at > ?);
		`, envelopeID, sessionID, time.Now().UTC())
		if execErr != nil {
			return fmt.Errorf("ack envelope: %w", execErr)
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			var exists int
			if scanErr := s.db.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM mailbox_envelopes
				WHERE id = ? AND session_id = ?
					AND (expires_at IS NULL OR expires_at > ?);
			`, envelopeID, sessionID, time.Now().UTC()).Scan(&exists); scanErr != nil {
				return fmt.Errorf("check envelope: %w", scanErr)
			}
			if exists > 0 {
				return fault.Conflict("envelope %s already acked", envelopeID)
			}
			return fault.NotFound("envelope %s for session %s", envelopeID, sessionID)
		}
		return nil
	})
	return err
}

// MailboxClearReport counts the rows a ClearMailbox call removed.
type MailboxClearReport struct {
	Removed int64 `json:"removed"`
	Acked   int64 `json:"acked"`
	Pending int64 `json:"pending"`
}

// ClearMailbox bulk-removes a session's live envelopes. Unless
// includeAcked is set, acked envelopes survive. Expired rows are
// dropped either way.
func (s *Store) ClearMailbox(ctx context.Context, sessionID string, includeAcked bool) (MailboxClearReport, error) {
	var report MailboxClearReport
	now := time.Now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(CASE WHEN acked_at IS NOT NULL THEN 1 END),
				COUNT(CASE WHEN acked_at IS NULL THEN 1 END)
			FROM mailbox_envelopes
			WHERE session_id = ? AND (expires_at IS NULL OR expires_at > ?);
		`, sessionID, now).Scan(&report.Acked, &report.Pending); err != nil {
			return fmt.Errorf("count envelopes: %w", err)
		}

		clause := `session_id = ? AND ((expires_at IS NOT NULL AND expires_at <= ?) OR acked_at IS NULL)`
		if includeAcked {
			clause = `session_id = ?`
		}
		args := []any{sessionID, now}
		if includeAcked {
			args = []any{sessionID}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM mailbox_envelopes WHERE `+clause+`;`, args...)
		if err != nil {
			return fmt.Errorf("clear mailbox: %w", err)
		}
		if report.Removed, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("clear mailbox rows: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return MailboxClearReport{}, err
	}
	return report, nil
}

// PurgeExpiredEnvelopes deletes rows past their TTL. Optional hygiene;
// reads already filter them.
func (s *Store) PurgeExpiredEnvelopes(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mailbox_envelopes WHERE expires_at IS NOT NULL AND expires_at <= ?;
	`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge envelopes: %w", err)
	}
	return res.RowsAffected()
}

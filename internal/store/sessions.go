package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskdeck/internal/fault"
	"github.com/basket/taskdeck/internal/shared"
)

type Agent struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Session struct {
	ID                   string    `json:"id"`
	AgentID              string    `json:"agent_id"`
	Label                string    `json:"label"`
	HeartbeatEnabled     bool      `json:"heartbeat_enabled"`
	HeartbeatIntervalSec int       `json:"heartbeat_interval_sec"`
	CreatedAt            time.Time `json:"created_at"`
	LastActiveAt         time.Time `json:"last_active_at"`
}

// EnsureAgent upserts an agent row.
func (s *Store) EnsureAgent(ctx context.Context, agentID, displayName string) error {
	if agentID == "" {
		agentID = shared.DefaultAgentID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, display_name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE agents.display_name END,
			updated_at = CURRENT_TIMESTAMP;
	`, agentID, displayName)
	if err != nil {
		return fmt.Errorf("ensure agent: %w", err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, created_at, updated_at FROM agents ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// EnsureSession upserts a session row and bumps last_active_at.
func (s *Store) EnsureSession(ctx context.Context, sessionID, agentID, label string) error {
	if sessionID == "" {
		return fault.Validation("session id required")
	}
	if agentID == "" {
		agentID = shared.DefaultAgentID
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, agent_id, label) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				label = CASE WHEN excluded.label != '' THEN excluded.label ELSE sessions.label END,
				last_active_at = CURRENT_TIMESTAMP;
		`, sessionID, agentID, label)
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, label, heartbeat_enabled, heartbeat_interval_sec, created_at, last_active_at
		FROM sessions WHERE id = ?;
	`, sessionID).Scan(&sess.ID, &sess.AgentID, &sess.Label, &sess.HeartbeatEnabled, &sess.HeartbeatIntervalSec, &sess.CreatedAt, &sess.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFound("session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// SetSessionHeartbeat flips periodic check-ins for a session. Interval
// below one minute is clamped.
func (s *Store) SetSessionHeartbeat(ctx context.Context, sessionID string, enabled bool, intervalSec int) error {
	if intervalSec < 60 {
		intervalSec = 60
	}
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, `
			UPDATE sessions SET heartbeat_enabled = ?, heartbeat_interval_sec = ? WHERE id = ?;
		`, boolToInt(enabled), intervalSec, sessionID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("set session heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.NotFound("session %s", sessionID)
	}
	return nil
}

// ListHeartbeatSessions returns every session with heartbeats enabled.
func (s *Store) ListHeartbeatSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, label, heartbeat_enabled, heartbeat_interval_sec, created_at, last_active_at
		FROM sessions WHERE heartbeat_enabled = 1 ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeat sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.Label, &sess.HeartbeatEnabled, &sess.HeartbeatIntervalSec, &sess.CreatedAt, &sess.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	query := `SELECT id, agent_id, label, heartbeat_enabled, heartbeat_interval_sec, created_at, last_active_at
		FROM sessions ORDER BY last_active_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.Label, &sess.HeartbeatEnabled, &sess.HeartbeatIntervalSec, &sess.CreatedAt, &sess.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

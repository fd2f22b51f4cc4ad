// ABOUTME: Session snapshot operations for state history and duration accounting.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lockerfleet/lockerfleet/internal/models"
)

// AddSnapshot records a session state at a point in time.
func (s *Store) AddSnapshot(ctx context.Context, sessionID string, state models.SessionState, ts time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if state == "" {
		return errors.New("snapshot state is required")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO snapshots (session_id, state, ts) VALUES (?, ?, ?)`,
		sessionID, state, formatTime(ts))
	if err != nil {
		return fmt.Errorf("insert snapshot for session %s: %w", sessionID, err)
	}
	return nil
}

// ListSnapshotsBySession returns the snapshots of a session oldest first.
func (s *Store) ListSnapshotsBySession(ctx context.Context, sessionID string) ([]models.Snapshot, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, session_id, state, ts
		FROM snapshots WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	var out []models.Snapshot
	for rows.Next() {
		var snap models.Snapshot
		var state string
		var ts string
		if err := rows.Scan(&snap.ID, &snap.SessionID, &state, &ts); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.State = models.SessionState(state)
		if ts != "" {
			parsed, err := parseTime(ts)
			if err != nil {
				return nil, fmt.Errorf("parse snapshot ts: %w", err)
			}
			snap.Timestamp = parsed
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// ABOUTME: Session database operations for locker usage cycles.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lockerfleet/lockerfleet/internal/models"
)

const timeLayout = time.RFC3339Nano

const sessionColumns = `id, user_id, station_id, locker_id, state, payment_method,
	websocket_token, timeout_count, created_at, concluded_at, active_duration_ms, total_duration_ms`

// CreateSession inserts a new session row into the database.
func (s *Store) CreateSession(ctx context.Context, session models.Session) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if session.ID == "" {
		return errors.New("session id is required")
	}
	if session.UserID == "" {
		return errors.New("session user_id is required")
	}
	if session.StationID == "" {
		return errors.New("session station_id is required")
	}
	if session.LockerID == "" {
		return errors.New("session locker_id is required")
	}
	if session.State == "" {
		return errors.New("session state is required")
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var method interface{}
	if session.PaymentMethod != nil {
		method = string(*session.PaymentMethod)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO sessions (
		id, user_id, station_id, locker_id, state, payment_method, websocket_token,
		timeout_count, created_at, concluded_at, active_duration_ms, total_duration_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.UserID,
		session.StationID,
		session.LockerID,
		session.State,
		method,
		session.WebsocketToken,
		session.TimeoutCount,
		formatTime(createdAt),
		nullableTime(session.ConcludedAt),
		session.ActiveDuration.Milliseconds(),
		session.TotalDuration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (models.Session, error) {
	if s == nil || s.DB == nil {
		return models.Session{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSessionRow(row)
}

// GetSessionByToken loads a session by its websocket subscription token.
func (s *Store) GetSessionByToken(ctx context.Context, token string) (models.Session, error) {
	if s == nil || s.DB == nil {
		return models.Session{}, errors.New("db store is nil")
	}
	if token == "" {
		return models.Session{}, errors.New("session token is required")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE websocket_token = ?`, token)
	return scanSessionRow(row)
}

// UpdateSessionState sets the state of a session.
func (s *Store) UpdateSessionState(ctx context.Context, id string, state models.SessionState) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("session id is required")
	}
	if state == "" {
		return errors.New("session state is required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE sessions SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("update session %s state: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected session %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetSessionPaymentMethod records the chosen payment method.
func (s *Store) SetSessionPaymentMethod(ctx context.Context, id string, method models.PaymentMethod) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("session id is required")
	}
	if method == "" {
		return errors.New("payment method is required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE sessions SET payment_method = ? WHERE id = ?`, string(method), id)
	if err != nil {
		return fmt.Errorf("update session %s payment method: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected session %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IncrementSessionTimeoutCount bumps the timeout counter of a session.
func (s *Store) IncrementSessionTimeoutCount(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("session id is required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE sessions SET timeout_count = timeout_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment session %s timeout count: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected session %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ResetSessionTimeoutCount clears the timeout counter after a completed flow.
func (s *Store) ResetSessionTimeoutCount(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("session id is required")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE sessions SET timeout_count = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("reset session %s timeout count: %w", id, err)
	}
	return nil
}

// ConcludeSession stamps the conclusion time and computed durations.
func (s *Store) ConcludeSession(ctx context.Context, id string, concludedAt time.Time, activeDuration, totalDuration time.Duration) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("session id is required")
	}
	if concludedAt.IsZero() {
		return errors.New("concluded_at is required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE sessions
		SET concluded_at = ?, active_duration_ms = ?, total_duration_ms = ?
		WHERE id = ?`,
		formatTime(concludedAt), activeDuration.Milliseconds(), totalDuration.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("conclude session %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected session %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FindSessionByLocker returns the session currently holding the locker: the
// newest session on the locker whose state is non-terminal or STALE. A STALE
// session still blocks the locker until recovery completes.
func (s *Store) FindSessionByLocker(ctx context.Context, lockerID string) (models.Session, error) {
	if s == nil || s.DB == nil {
		return models.Session{}, errors.New("db store is nil")
	}
	if lockerID == "" {
		return models.Session{}, errors.New("locker id is required")
	}
	states := blockingStatePlaceholders()
	args := make([]any, 0, len(states)+1)
	args = append(args, lockerID)
	for _, st := range blockingStates() {
		args = append(args, string(st))
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE locker_id = ? AND state IN (`+states+`)
		ORDER BY created_at DESC LIMIT 1`, args...)
	return scanSessionRow(row)
}

// ListActiveSessions returns all sessions in non-terminal states.
func (s *Store) ListActiveSessions(ctx context.Context) ([]models.Session, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	states := models.ActiveStates()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	args := make([]any, 0, len(states))
	for _, st := range states {
		args = append(args, string(st))
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE state IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active sessions: %w", err)
	}
	return out, nil
}

func blockingStates() []models.SessionState {
	return append(models.ActiveStates(), models.SessionStale)
}

func blockingStatePlaceholders() string {
	return strings.TrimSuffix(strings.Repeat("?, ", len(blockingStates())), ", ")
}

func scanSessionRow(scanner interface{ Scan(dest ...any) error }) (models.Session, error) {
	var session models.Session
	var method sql.NullString
	var state string
	var createdAt string
	var concludedAt sql.NullString
	var activeMS int64
	var totalMS int64
	if err := scanner.Scan(
		&session.ID,
		&session.UserID,
		&session.StationID,
		&session.LockerID,
		&state,
		&method,
		&session.WebsocketToken,
		&session.TimeoutCount,
		&createdAt,
		&concludedAt,
		&activeMS,
		&totalMS,
	); err != nil {
		return models.Session{}, err
	}
	if state == "" {
		return models.Session{}, errors.New("session state missing")
	}
	session.State = models.SessionState(state)
	if method.Valid {
		value := models.PaymentMethod(method.String)
		session.PaymentMethod = &value
	}
	var err error
	if createdAt != "" {
		session.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return models.Session{}, fmt.Errorf("parse created_at: %w", err)
		}
	}
	if concludedAt.Valid {
		session.ConcludedAt, err = parseTime(concludedAt.String)
		if err != nil {
			return models.Session{}, fmt.Errorf("parse concluded_at: %w", err)
		}
	}
	session.ActiveDuration = time.Duration(activeMS) * time.Millisecond
	session.TotalDuration = time.Duration(totalMS) * time.Millisecond
	return session, nil
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed, nil
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func nullableTime(value time.Time) interface{} {
	if value.IsZero() {
		return nil
	}
	return formatTime(value)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

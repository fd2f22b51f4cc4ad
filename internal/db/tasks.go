// ABOUTME: Task database operations for queued and pending session tasks.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lockerfleet/lockerfleet/internal/models"
)

const taskColumns = `id, task_type, target, state, session_id, station_id, locker_id,
	queued_state, timeout_states, expiration_window_ms, created_at, activated_at, expires_at, completed_at`

// CreateTask inserts a new task row into the database.
func (s *Store) CreateTask(ctx context.Context, task models.Task) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if task.ID == "" {
		return errors.New("task id is required")
	}
	if task.TaskType == "" {
		return errors.New("task type is required")
	}
	if task.Target == "" {
		return errors.New("task target is required")
	}
	if task.State == "" {
		return errors.New("task state is required")
	}
	if task.SessionID == "" {
		return errors.New("task session_id is required")
	}
	if task.StationID == "" {
		return errors.New("task station_id is required")
	}
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var locker interface{}
	if task.LockerID != nil && *task.LockerID != "" {
		locker = *task.LockerID
	}
	var queuedState interface{}
	if task.QueuedState != nil {
		queuedState = string(*task.QueuedState)
	}
	timeoutStates, err := encodeTimeoutStates(task.TimeoutStates)
	if err != nil {
		return fmt.Errorf("encode timeout states for task %s: %w", task.ID, err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO tasks (
		id, task_type, target, state, session_id, station_id, locker_id, queued_state,
		timeout_states, expiration_window_ms, created_at, activated_at, expires_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.TaskType,
		task.Target,
		task.State,
		task.SessionID,
		task.StationID,
		locker,
		queuedState,
		timeoutStates,
		task.ExpirationWindow.Milliseconds(),
		formatTime(createdAt),
		nullableTime(task.ActivatedAt),
		nullableTime(task.ExpiresAt),
		nullableTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	if s == nil || s.DB == nil {
		return models.Task{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTaskRow(row)
}

// ActivateTask moves a task to PENDING and stamps its activation and
// deadline. The deadline may be zero for tasks that never expire.
func (s *Store) ActivateTask(ctx context.Context, id string, activatedAt, expiresAt time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("task id is required")
	}
	if activatedAt.IsZero() {
		return errors.New("activated_at is required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks
		SET state = ?, activated_at = ?, expires_at = ?
		WHERE id = ?`,
		models.TaskPending, formatTime(activatedAt), nullableTime(expiresAt), id)
	if err != nil {
		return fmt.Errorf("activate task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected task %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CloseTask moves a task to a closed state (COMPLETED, EXPIRED or CANCELED)
// and stamps the closing time.
func (s *Store) CloseTask(ctx context.Context, id string, state models.TaskState, closedAt time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("task id is required")
	}
	switch state {
	case models.TaskCompleted, models.TaskExpired, models.TaskCanceled:
	default:
		return fmt.Errorf("task state %q is not a closed state", state)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET state = ?, completed_at = ? WHERE id = ?`,
		state, nullableTime(closedAt), id)
	if err != nil {
		return fmt.Errorf("close task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected task %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListPendingTasks returns all PENDING tasks with a deadline, soonest first.
func (s *Store) ListPendingTasks(ctx context.Context) ([]models.Task, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE state = ? AND expires_at IS NOT NULL
		ORDER BY expires_at ASC`, models.TaskPending)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// NextPendingExpiry returns the earliest deadline among PENDING tasks.
// The second return value is false when no pending task has a deadline.
func (s *Store) NextPendingExpiry(ctx context.Context) (time.Time, bool, error) {
	if s == nil || s.DB == nil {
		return time.Time{}, false, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT MIN(expires_at) FROM tasks
		WHERE state = ? AND expires_at IS NOT NULL`, models.TaskPending)
	var value sql.NullString
	if err := row.Scan(&value); err != nil {
		return time.Time{}, false, fmt.Errorf("next pending expiry: %w", err)
	}
	if !value.Valid || value.String == "" {
		return time.Time{}, false, nil
	}
	parsed, err := parseTime(value.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse expires_at: %w", err)
	}
	return parsed, true, nil
}

// CountEarlierTerminalTasks counts the terminal-bound tasks at a station that
// are still open and were created before the given time. A zero result means
// the task at hand is first in line.
func (s *Store) CountEarlierTerminalTasks(ctx context.Context, stationID string, createdBefore time.Time) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	if stationID == "" {
		return 0, errors.New("station id is required")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks
		WHERE station_id = ? AND target = ? AND state IN (?, ?) AND created_at < ?`,
		stationID, models.TargetTerminal, models.TaskQueued, models.TaskPending,
		formatTime(createdBefore))
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count earlier terminal tasks: %w", err)
	}
	return count, nil
}

// HasPendingTerminalTask reports whether the station terminal is already
// claimed by a PENDING task.
func (s *Store) HasPendingTerminalTask(ctx context.Context, stationID string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if stationID == "" {
		return false, errors.New("station id is required")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks
		WHERE station_id = ? AND target = ? AND state = ?`,
		stationID, models.TargetTerminal, models.TaskPending)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("count pending terminal tasks: %w", err)
	}
	return count > 0, nil
}

// PendingTerminalTask returns the PENDING terminal-bound task at a station,
// or sql.ErrNoRows when the terminal is idle.
func (s *Store) PendingTerminalTask(ctx context.Context, stationID string) (models.Task, error) {
	if s == nil || s.DB == nil {
		return models.Task{}, errors.New("db store is nil")
	}
	if stationID == "" {
		return models.Task{}, errors.New("station id is required")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE station_id = ? AND target = ? AND state = ?
		ORDER BY activated_at ASC LIMIT 1`,
		stationID, models.TargetTerminal, models.TaskPending)
	return scanTaskRow(row)
}

// RequeueTask moves a PENDING task back to QUEUED, clearing its activation
// and deadline.
func (s *Store) RequeueTask(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("task id is required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks
		SET state = ?, activated_at = NULL, expires_at = NULL
		WHERE id = ? AND state = ?`,
		models.TaskQueued, id, models.TaskPending)
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected task %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// NextQueuedTerminalTask returns the oldest QUEUED terminal-bound task at a
// station, or sql.ErrNoRows when the queue is empty.
func (s *Store) NextQueuedTerminalTask(ctx context.Context, stationID string) (models.Task, error) {
	if s == nil || s.DB == nil {
		return models.Task{}, errors.New("db store is nil")
	}
	if stationID == "" {
		return models.Task{}, errors.New("station id is required")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE station_id = ? AND target = ? AND state = ?
		ORDER BY created_at ASC LIMIT 1`,
		stationID, models.TargetTerminal, models.TaskQueued)
	return scanTaskRow(row)
}

// ListQueuedTerminalTasks returns the QUEUED terminal-bound tasks at a
// station in FIFO order.
func (s *Store) ListQueuedTerminalTasks(ctx context.Context, stationID string) ([]models.Task, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if stationID == "" {
		return nil, errors.New("station id is required")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE station_id = ? AND target = ? AND state = ?
		ORDER BY created_at ASC`,
		stationID, models.TargetTerminal, models.TaskQueued)
	if err != nil {
		return nil, fmt.Errorf("list queued terminal tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// FindPendingTask returns the PENDING task of a session matching the target
// and type, or sql.ErrNoRows when none is open.
func (s *Store) FindPendingTask(ctx context.Context, sessionID string, target models.TaskTarget, taskType models.TaskType) (models.Task, error) {
	if s == nil || s.DB == nil {
		return models.Task{}, errors.New("db store is nil")
	}
	if sessionID == "" {
		return models.Task{}, errors.New("session id is required")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE session_id = ? AND target = ? AND task_type = ? AND state = ?
		ORDER BY created_at DESC LIMIT 1`,
		sessionID, target, taskType, models.TaskPending)
	return scanTaskRow(row)
}

// ListOpenTasksBySession returns the QUEUED and PENDING tasks of a session.
func (s *Store) ListOpenTasksBySession(ctx context.Context, sessionID string) ([]models.Task, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE session_id = ? AND state IN (?, ?)
		ORDER BY created_at ASC`,
		sessionID, models.TaskQueued, models.TaskPending)
	if err != nil {
		return nil, fmt.Errorf("list open tasks for session %s: %w", sessionID, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]models.Task, error) {
	var out []models.Task
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func scanTaskRow(scanner interface{ Scan(dest ...any) error }) (models.Task, error) {
	var task models.Task
	var taskType string
	var target string
	var state string
	var locker sql.NullString
	var queuedState sql.NullString
	var timeoutStates sql.NullString
	var windowMS int64
	var createdAt string
	var activatedAt sql.NullString
	var expiresAt sql.NullString
	var completedAt sql.NullString
	if err := scanner.Scan(
		&task.ID,
		&taskType,
		&target,
		&state,
		&task.SessionID,
		&task.StationID,
		&locker,
		&queuedState,
		&timeoutStates,
		&windowMS,
		&createdAt,
		&activatedAt,
		&expiresAt,
		&completedAt,
	); err != nil {
		return models.Task{}, err
	}
	if state == "" {
		return models.Task{}, errors.New("task state missing")
	}
	task.TaskType = models.TaskType(taskType)
	task.Target = models.TaskTarget(target)
	task.State = models.TaskState(state)
	if locker.Valid {
		value := locker.String
		task.LockerID = &value
	}
	if queuedState.Valid {
		value := models.SessionState(queuedState.String)
		task.QueuedState = &value
	}
	if timeoutStates.Valid && timeoutStates.String != "" {
		decoded, err := decodeTimeoutStates(timeoutStates.String)
		if err != nil {
			return models.Task{}, fmt.Errorf("decode timeout states: %w", err)
		}
		task.TimeoutStates = decoded
	}
	task.ExpirationWindow = time.Duration(windowMS) * time.Millisecond
	var err error
	if createdAt != "" {
		task.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return models.Task{}, fmt.Errorf("parse created_at: %w", err)
		}
	}
	if activatedAt.Valid {
		task.ActivatedAt, err = parseTime(activatedAt.String)
		if err != nil {
			return models.Task{}, fmt.Errorf("parse activated_at: %w", err)
		}
	}
	if expiresAt.Valid {
		task.ExpiresAt, err = parseTime(expiresAt.String)
		if err != nil {
			return models.Task{}, fmt.Errorf("parse expires_at: %w", err)
		}
	}
	if completedAt.Valid {
		task.CompletedAt, err = parseTime(completedAt.String)
		if err != nil {
			return models.Task{}, fmt.Errorf("parse completed_at: %w", err)
		}
	}
	return task, nil
}

func encodeTimeoutStates(states []models.SessionState) (interface{}, error) {
	if len(states) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(states)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeTimeoutStates(value string) ([]models.SessionState, error) {
	var states []models.SessionState
	if err := json.Unmarshal([]byte(value), &states); err != nil {
		return nil, err
	}
	return states, nil
}

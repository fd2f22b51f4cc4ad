// ABOUTME: Locker database operations including availability queries.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lockerfleet/lockerfleet/internal/models"
)

const lockerColumns = `id, station_id, callsign, station_index, locker_type, reported_state,
	total_session_count, total_session_duration_ms, created_at, updated_at`

// CreateLocker inserts a new locker row into the database.
func (s *Store) CreateLocker(ctx context.Context, locker models.Locker) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if locker.ID == "" {
		return errors.New("locker id is required")
	}
	if locker.StationID == "" {
		return errors.New("locker station_id is required")
	}
	if locker.Callsign == "" {
		return errors.New("locker callsign is required")
	}
	if locker.LockerType == "" {
		return errors.New("locker type is required")
	}
	if locker.ReportedState == "" {
		return errors.New("locker reported_state is required")
	}
	now := time.Now().UTC()
	createdAt := locker.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := locker.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO lockers (
		id, station_id, callsign, station_index, locker_type, reported_state,
		total_session_count, total_session_duration_ms, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		locker.ID,
		locker.StationID,
		locker.Callsign,
		locker.StationIndex,
		locker.LockerType,
		locker.ReportedState,
		locker.TotalSessionCount,
		locker.TotalSessionDuration.Milliseconds(),
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert locker %s: %w", locker.ID, err)
	}
	return nil
}

// GetLocker loads a locker by id.
func (s *Store) GetLocker(ctx context.Context, id string) (models.Locker, error) {
	if s == nil || s.DB == nil {
		return models.Locker{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+lockerColumns+` FROM lockers WHERE id = ?`, id)
	return scanLockerRow(row)
}

// GetLockerByCallsign loads a locker by its hardware callsign.
func (s *Store) GetLockerByCallsign(ctx context.Context, callsign string) (models.Locker, error) {
	if s == nil || s.DB == nil {
		return models.Locker{}, errors.New("db store is nil")
	}
	if callsign == "" {
		return models.Locker{}, errors.New("locker callsign is required")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+lockerColumns+` FROM lockers WHERE callsign = ?`, callsign)
	return scanLockerRow(row)
}

// ListLockersByStation returns the lockers of a station ordered by index.
func (s *Store) ListLockersByStation(ctx context.Context, stationID string) ([]models.Locker, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if stationID == "" {
		return nil, errors.New("station id is required")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+lockerColumns+` FROM lockers
		WHERE station_id = ? ORDER BY station_index`, stationID)
	if err != nil {
		return nil, fmt.Errorf("list lockers for station %s: %w", stationID, err)
	}
	defer rows.Close()
	return collectLockers(rows)
}

// FindAvailableLocker returns the lowest-index locker of the requested type
// at a station that is not bound to an active or stale session. Returns
// sql.ErrNoRows when every matching locker is taken.
func (s *Store) FindAvailableLocker(ctx context.Context, stationID, lockerType string) (models.Locker, error) {
	if s == nil || s.DB == nil {
		return models.Locker{}, errors.New("db store is nil")
	}
	if stationID == "" {
		return models.Locker{}, errors.New("station id is required")
	}
	if lockerType == "" {
		return models.Locker{}, errors.New("locker type is required")
	}
	states := blockingStatePlaceholders()
	args := make([]any, 0, len(blockingStates())+2)
	args = append(args, stationID, lockerType)
	for _, st := range blockingStates() {
		args = append(args, string(st))
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+lockerColumns+` FROM lockers
		WHERE station_id = ? AND locker_type = ?
		AND id NOT IN (SELECT locker_id FROM sessions WHERE state IN (`+states+`))
		ORDER BY station_index ASC LIMIT 1`, args...)
	return scanLockerRow(row)
}

// UpdateLockerReportedState records the hardware-confirmed lock state.
func (s *Store) UpdateLockerReportedState(ctx context.Context, id string, state models.LockerState) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("locker id is required")
	}
	if state == "" {
		return errors.New("locker state is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE lockers SET reported_state = ?, updated_at = ? WHERE id = ?`,
		state, updatedAt, id)
	if err != nil {
		return fmt.Errorf("update locker %s reported state: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected locker %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AddLockerSessionStats accumulates lifetime counters on conclusion.
func (s *Store) AddLockerSessionStats(ctx context.Context, id string, duration time.Duration) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("locker id is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE lockers
		SET total_session_count = total_session_count + 1,
		    total_session_duration_ms = total_session_duration_ms + ?,
		    updated_at = ?
		WHERE id = ?`, duration.Milliseconds(), updatedAt, id)
	if err != nil {
		return fmt.Errorf("update locker %s stats: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected locker %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func collectLockers(rows *sql.Rows) ([]models.Locker, error) {
	var out []models.Locker
	for rows.Next() {
		locker, err := scanLockerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, locker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lockers: %w", err)
	}
	return out, nil
}

func scanLockerRow(scanner interface{ Scan(dest ...any) error }) (models.Locker, error) {
	var locker models.Locker
	var reportedState string
	var durationMS int64
	var createdAt string
	var updatedAt string
	if err := scanner.Scan(
		&locker.ID,
		&locker.StationID,
		&locker.Callsign,
		&locker.StationIndex,
		&locker.LockerType,
		&reportedState,
		&locker.TotalSessionCount,
		&durationMS,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.Locker{}, err
	}
	if reportedState == "" {
		return models.Locker{}, errors.New("locker reported state missing")
	}
	locker.ReportedState = models.LockerState(reportedState)
	locker.TotalSessionDuration = time.Duration(durationMS) * time.Millisecond
	var err error
	if createdAt != "" {
		locker.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return models.Locker{}, fmt.Errorf("parse created_at: %w", err)
		}
	}
	if updatedAt != "" {
		locker.UpdatedAt, err = parseTime(updatedAt)
		if err != nil {
			return models.Locker{}, fmt.Errorf("parse updated_at: %w", err)
		}
	}
	return locker, nil
}

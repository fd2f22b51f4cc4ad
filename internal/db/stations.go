// ABOUTME: Station database operations for the physical locker fleet.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lockerfleet/lockerfleet/internal/models"
)

const stationColumns = `id, callsign, name, state, terminal_state,
	total_session_count, total_session_duration_ms, created_at, updated_at`

// CreateStation inserts a new station row into the database.
func (s *Store) CreateStation(ctx context.Context, station models.Station) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if station.ID == "" {
		return errors.New("station id is required")
	}
	if station.Callsign == "" {
		return errors.New("station callsign is required")
	}
	if station.State == "" {
		return errors.New("station state is required")
	}
	if station.TerminalState == "" {
		return errors.New("station terminal_state is required")
	}
	now := time.Now().UTC()
	createdAt := station.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := station.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO stations (
		id, callsign, name, state, terminal_state, total_session_count,
		total_session_duration_ms, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		station.ID,
		station.Callsign,
		station.Name,
		station.State,
		station.TerminalState,
		station.TotalSessionCount,
		station.TotalSessionDuration.Milliseconds(),
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert station %s: %w", station.ID, err)
	}
	return nil
}

// GetStation loads a station by id.
func (s *Store) GetStation(ctx context.Context, id string) (models.Station, error) {
	if s == nil || s.DB == nil {
		return models.Station{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+stationColumns+` FROM stations WHERE id = ?`, id)
	return scanStationRow(row)
}

// GetStationByCallsign loads a station by its hardware callsign.
func (s *Store) GetStationByCallsign(ctx context.Context, callsign string) (models.Station, error) {
	if s == nil || s.DB == nil {
		return models.Station{}, errors.New("db store is nil")
	}
	if callsign == "" {
		return models.Station{}, errors.New("station callsign is required")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+stationColumns+` FROM stations WHERE callsign = ?`, callsign)
	return scanStationRow(row)
}

// ListStations returns all stations ordered by callsign.
func (s *Store) ListStations(ctx context.Context) ([]models.Station, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+stationColumns+` FROM stations ORDER BY callsign`)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	defer rows.Close()
	var out []models.Station
	for rows.Next() {
		station, err := scanStationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, station)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stations: %w", err)
	}
	return out, nil
}

// UpdateStationState sets the operational state of a station.
func (s *Store) UpdateStationState(ctx context.Context, id string, state models.StationState) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("station id is required")
	}
	if state == "" {
		return errors.New("station state is required")
	}
	return s.updateStationColumn(ctx, id, `state`, string(state))
}

// UpdateTerminalState sets the terminal mode of a station.
func (s *Store) UpdateTerminalState(ctx context.Context, id string, state models.TerminalState) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("station id is required")
	}
	if state == "" {
		return errors.New("terminal state is required")
	}
	return s.updateStationColumn(ctx, id, `terminal_state`, string(state))
}

// AddStationSessionStats accumulates lifetime counters on conclusion.
func (s *Store) AddStationSessionStats(ctx context.Context, id string, duration time.Duration) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("station id is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE stations
		SET total_session_count = total_session_count + 1,
		    total_session_duration_ms = total_session_duration_ms + ?,
		    updated_at = ?
		WHERE id = ?`, duration.Milliseconds(), updatedAt, id)
	if err != nil {
		return fmt.Errorf("update station %s stats: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected station %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) updateStationColumn(ctx context.Context, id, column, value string) error {
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE stations SET `+column+` = ?, updated_at = ? WHERE id = ?`, value, updatedAt, id)
	if err != nil {
		return fmt.Errorf("update station %s %s: %w", id, column, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected station %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanStationRow(scanner interface{ Scan(dest ...any) error }) (models.Station, error) {
	var station models.Station
	var name sql.NullString
	var state string
	var terminalState string
	var durationMS int64
	var createdAt string
	var updatedAt string
	if err := scanner.Scan(
		&station.ID,
		&station.Callsign,
		&name,
		&state,
		&terminalState,
		&station.TotalSessionCount,
		&durationMS,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.Station{}, err
	}
	if name.Valid {
		station.Name = name.String
	}
	if state == "" {
		return models.Station{}, errors.New("station state missing")
	}
	station.State = models.StationState(state)
	station.TerminalState = models.TerminalState(terminalState)
	station.TotalSessionDuration = time.Duration(durationMS) * time.Millisecond
	var err error
	if createdAt != "" {
		station.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return models.Station{}, fmt.Errorf("parse created_at: %w", err)
		}
	}
	if updatedAt != "" {
		station.UpdatedAt, err = parseTime(updatedAt)
		if err != nil {
			return models.Station{}, fmt.Errorf("parse updated_at: %w", err)
		}
	}
	return station, nil
}

package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lockerfleet/lockerfleet/internal/models"
)

// Hardware report handlers. Reports are the source of truth for physical
// state; instructions are only ever requests. A report that matches no
// outstanding expectation is logged and dropped without mutating anything.

// HandleTerminalConfirmation records that a station terminal entered a mode.
// A confirmation of IDLE frees the terminal and advances the station queue.
func (e *Engine) HandleTerminalConfirmation(ctx context.Context, stationCallsign string, mode models.TerminalState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	station, err := e.store.GetStationByCallsign(ctx, stationCallsign)
	if errors.Is(err, sql.ErrNoRows) {
		e.dropReport("terminal_confirmation", stationCallsign, "unknown station")
		return
	}
	if err != nil {
		e.logger.Error("station lookup failed", zap.String("station", stationCallsign), zap.Error(err))
		return
	}
	if mode != models.TerminalIdle && mode != models.TerminalOutOfService {
		busy, err := e.store.HasPendingTerminalTask(ctx, station.ID)
		if err != nil {
			e.logger.Error("pending terminal task lookup failed", zap.String("station", station.ID), zap.Error(err))
			return
		}
		if !busy {
			e.dropReport("terminal_confirmation", stationCallsign, "no terminal task pending")
			return
		}
	}
	if err := e.store.UpdateTerminalState(ctx, station.ID, mode); err != nil {
		e.logger.Error("terminal state update failed", zap.String("station", station.ID), zap.Error(err))
		return
	}
	e.logger.Info("terminal mode confirmed",
		zap.String("station", stationCallsign),
		zap.String("mode", string(mode)),
	)
	if mode == models.TerminalIdle {
		if err := e.evaluateQueueLocked(ctx, station.ID); err != nil {
			e.logger.Error("queue evaluation failed", zap.String("station", station.ID), zap.Error(err))
		}
	}
}

// HandleTerminalReport processes a completed terminal action: the user
// finished verification or payment at the station. The pending terminal task
// completes, the terminal is sent back to IDLE, and the session moves on to
// the matching unlock flow.
func (e *Engine) HandleTerminalReport(ctx context.Context, stationCallsign string, expectedSession models.SessionState, expectedTerminal models.TerminalState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	station, err := e.store.GetStationByCallsign(ctx, stationCallsign)
	if errors.Is(err, sql.ErrNoRows) {
		e.dropReport("terminal_report", stationCallsign, "unknown station")
		return
	}
	if err != nil {
		e.logger.Error("station lookup failed", zap.String("station", stationCallsign), zap.Error(err))
		return
	}
	if station.TerminalState != expectedTerminal {
		e.dropReport("terminal_report", stationCallsign,
			fmt.Sprintf("terminal is %s, report claims %s", station.TerminalState, expectedTerminal))
		return
	}
	task, err := e.store.PendingTerminalTask(ctx, station.ID)
	if errors.Is(err, sql.ErrNoRows) {
		e.dropReport("terminal_report", stationCallsign, "no terminal task pending")
		return
	}
	if err != nil {
		e.logger.Error("pending terminal task lookup failed", zap.String("station", station.ID), zap.Error(err))
		return
	}
	session, err := e.getSession(ctx, task.SessionID)
	if err != nil {
		e.logger.Error("session lookup failed", zap.String("session", task.SessionID), zap.Error(err))
		return
	}
	if session.State != expectedSession {
		e.dropReport("terminal_report", stationCallsign,
			fmt.Sprintf("session %s is %s, report claims %s", session.ID, session.State, expectedSession))
		return
	}
	if _, err := e.completeTaskLocked(ctx, task.ID); err != nil {
		e.logger.Warn("terminal task completion failed", zap.String("task", task.ID), zap.Error(err))
		return
	}
	e.idleTerminal(ctx, station.ID)

	var next models.SessionState
	switch expectedSession {
	case models.SessionVerificationPending:
		next = models.SessionStashing
	case models.SessionPaymentPending:
		next = models.SessionRetrieval
	default:
		return
	}
	if err := e.beginUnlockFlow(ctx, session, next); err != nil {
		e.logger.Error("unlock flow failed", zap.String("session", session.ID), zap.Error(err))
	}
}

// HandleLockerConfirmation processes a locker's unlock confirmation: the
// pending unlock task completes and a lock-report expectation takes its
// place, giving the user the session state's window before the locker counts
// as abandoned open.
func (e *Engine) HandleLockerConfirmation(ctx context.Context, lockerCallsign string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	locker, err := e.store.GetLockerByCallsign(ctx, lockerCallsign)
	if errors.Is(err, sql.ErrNoRows) {
		e.dropReport("locker_confirmation", lockerCallsign, "unknown locker")
		return
	}
	if err != nil {
		e.logger.Error("locker lookup failed", zap.String("locker", lockerCallsign), zap.Error(err))
		return
	}
	if err := e.store.UpdateLockerReportedState(ctx, locker.ID, models.LockerUnlocked); err != nil {
		e.logger.Error("locker state update failed", zap.String("locker", locker.ID), zap.Error(err))
		return
	}
	session, err := e.store.FindSessionByLocker(ctx, locker.ID)
	if errors.Is(err, sql.ErrNoRows) {
		e.dropReport("locker_confirmation", lockerCallsign, "no session bound to locker")
		return
	}
	if err != nil {
		e.logger.Error("session lookup failed", zap.String("locker", locker.ID), zap.Error(err))
		return
	}
	task, err := e.store.FindPendingTask(ctx, session.ID, models.TargetLocker, models.TaskConfirmation)
	if errors.Is(err, sql.ErrNoRows) {
		e.dropReport("locker_confirmation", lockerCallsign, "no unlock pending")
		return
	}
	if err != nil {
		e.logger.Error("pending locker task lookup failed", zap.String("session", session.ID), zap.Error(err))
		return
	}
	if _, err := e.completeTaskLocked(ctx, task.ID); err != nil {
		e.logger.Warn("unlock task completion failed", zap.String("task", task.ID), zap.Error(err))
		return
	}
	if _, _, err := e.createTaskLocked(ctx, TaskRequest{
		TaskType:      models.TaskReport,
		Target:        models.TargetLocker,
		Session:       session,
		LockerID:      locker.ID,
		QueuedState:   session.State,
		TimeoutStates: []models.SessionState{models.SessionStale},
	}); err != nil {
		e.logger.Error("lock expectation failed", zap.String("session", session.ID), zap.Error(err))
	}
}

// HandleLockerReport processes a locker's lock report: depending on the
// session phase the rental starts, resumes, or completes. A lock report for
// a stale session recovers the locker.
func (e *Engine) HandleLockerReport(ctx context.Context, lockerCallsign string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	locker, err := e.store.GetLockerByCallsign(ctx, lockerCallsign)
	if errors.Is(err, sql.ErrNoRows) {
		e.dropReport("locker_report", lockerCallsign, "unknown locker")
		return
	}
	if err != nil {
		e.logger.Error("locker lookup failed", zap.String("locker", lockerCallsign), zap.Error(err))
		return
	}
	if err := e.store.UpdateLockerReportedState(ctx, locker.ID, models.LockerLocked); err != nil {
		e.logger.Error("locker state update failed", zap.String("locker", locker.ID), zap.Error(err))
		return
	}
	session, err := e.store.FindSessionByLocker(ctx, locker.ID)
	if errors.Is(err, sql.ErrNoRows) {
		e.dropReport("locker_report", lockerCallsign, "no session bound to locker")
		return
	}
	if err != nil {
		e.logger.Error("session lookup failed", zap.String("locker", locker.ID), zap.Error(err))
		return
	}
	if session.State == models.SessionStale {
		e.completeStaleSession(ctx, &session)
		return
	}

	task, err := e.store.FindPendingTask(ctx, session.ID, models.TargetLocker, models.TaskReport)
	if errors.Is(err, sql.ErrNoRows) {
		e.dropReport("locker_report", lockerCallsign, "no lock report pending")
		return
	}
	if err != nil {
		e.logger.Error("pending locker task lookup failed", zap.String("session", session.ID), zap.Error(err))
		return
	}
	if _, err := e.completeTaskLocked(ctx, task.ID); err != nil {
		e.logger.Warn("lock task completion failed", zap.String("task", task.ID), zap.Error(err))
		return
	}

	next := session.State.NextState()
	if next == "" {
		e.dropReport("locker_report", lockerCallsign,
			fmt.Sprintf("session %s in %s has no follow-up", session.ID, session.State))
		return
	}
	if err := e.advanceSession(ctx, &session, next); err != nil {
		e.logger.Error("session advance failed", zap.String("session", session.ID), zap.Error(err))
		return
	}
	if next == models.SessionActive {
		if _, _, err := e.createTaskLocked(ctx, TaskRequest{
			TaskType:      models.TaskReport,
			Target:        models.TargetUser,
			Session:       session,
			QueuedState:   models.SessionActive,
			TimeoutStates: []models.SessionState{models.SessionAbandoned},
		}); err != nil {
			e.logger.Error("rental wait task failed", zap.String("session", session.ID), zap.Error(err))
		}
	}
}

// SetStationState sets the operator-facing station availability.
func (e *Engine) SetStationState(ctx context.Context, stationCallsign string, state models.StationState) (models.Station, error) {
	station, err := e.store.GetStationByCallsign(ctx, stationCallsign)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Station{}, fmt.Errorf("station %s: %w", stationCallsign, models.ErrNotFound)
	}
	if err != nil {
		return models.Station{}, err
	}
	switch state {
	case models.StationAvailable, models.StationMaintenance, models.StationOutOfService:
	default:
		return models.Station{}, fmt.Errorf("unknown station state %q", state)
	}
	if err := e.store.UpdateStationState(ctx, station.ID, state); err != nil {
		return models.Station{}, err
	}
	station.State = state
	e.logger.Info("station state set",
		zap.String("station", stationCallsign),
		zap.String("state", string(state)),
	)
	return station, nil
}

func (e *Engine) dropReport(kind, callsign, reason string) {
	e.metrics.IncReportDropped(kind)
	e.logger.Warn("hardware report dropped",
		zap.String("kind", kind),
		zap.String("callsign", callsign),
		zap.String("reason", reason),
	)
}

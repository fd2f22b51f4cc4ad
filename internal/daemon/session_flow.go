package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lockerfleet/lockerfleet/internal/models"
)

// CreateSessionRequest carries the parameters of a session creation.
type CreateSessionRequest struct {
	StationCallsign string
	UserID          string
	LockerType      string
}

// CreateSession claims a locker at an available station and opens a CREATED
// session with a payment-selection deadline running.
func (e *Engine) CreateSession(ctx context.Context, req CreateSessionRequest) (models.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	station, err := e.store.GetStationByCallsign(ctx, req.StationCallsign)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, fmt.Errorf("station %s: %w", req.StationCallsign, models.ErrNotFound)
	}
	if err != nil {
		return models.Session{}, err
	}
	if station.State != models.StationAvailable {
		return models.Session{}, models.NewPreconditionError("station", station.Callsign, string(models.StationAvailable), string(station.State))
	}

	locker, err := e.claimLocker(ctx, station.ID, req.LockerType)
	if err != nil {
		return models.Session{}, err
	}

	now := e.now().UTC()
	session := models.Session{
		ID:             newID(),
		UserID:         req.UserID,
		StationID:      station.ID,
		LockerID:       locker.ID,
		State:          models.SessionCreated,
		WebsocketToken: newID(),
		CreatedAt:      now,
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		return models.Session{}, err
	}
	if err := e.store.AddSnapshot(ctx, session.ID, session.State, now); err != nil {
		e.logger.Warn("snapshot write failed", zap.String("session", session.ID), zap.Error(err))
	}
	e.logger.Info("session created",
		zap.String("session", session.ID),
		zap.String("station", station.Callsign),
		zap.String("locker", locker.Callsign),
	)
	if e.notifier != nil {
		if err := e.notifier.NotifySession(ctx, session.ID, session.State); err != nil {
			e.logger.Warn("session notify failed", zap.String("session", session.ID), zap.Error(err))
		}
	}

	// The user now has a window to pick a payment method.
	if _, _, err := e.createTaskLocked(ctx, TaskRequest{
		TaskType:      models.TaskReport,
		Target:        models.TargetUser,
		Session:       session,
		QueuedState:   models.SessionCreated,
		TimeoutStates: []models.SessionState{models.SessionExpired},
	}); err != nil {
		return models.Session{}, err
	}
	return e.getSession(ctx, session.ID)
}

// claimLocker picks the lowest-index free locker of the requested type,
// recovering lockers stranded behind stale sessions when necessary.
func (e *Engine) claimLocker(ctx context.Context, stationID, lockerType string) (models.Locker, error) {
	locker, err := e.store.FindAvailableLocker(ctx, stationID, lockerType)
	if err == nil {
		return locker, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Locker{}, err
	}
	locker, recovered := e.recoverStaleLocker(ctx, stationID, lockerType)
	if recovered {
		return locker, nil
	}
	return models.Locker{}, fmt.Errorf("no %s locker available: %w", lockerType, models.ErrNotFound)
}

// recoverStaleLocker frees a locker whose last session went STALE but whose
// hardware reports LOCKED again, concluding the stale session on the way.
func (e *Engine) recoverStaleLocker(ctx context.Context, stationID, lockerType string) (models.Locker, bool) {
	lockers, err := e.store.ListLockersByStation(ctx, stationID)
	if err != nil {
		e.logger.Error("list lockers failed", zap.String("station", stationID), zap.Error(err))
		return models.Locker{}, false
	}
	for _, locker := range lockers {
		if locker.LockerType != lockerType || locker.ReportedState != models.LockerLocked {
			continue
		}
		session, err := e.store.FindSessionByLocker(ctx, locker.ID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			e.logger.Error("session lookup failed", zap.String("locker", locker.ID), zap.Error(err))
			continue
		}
		if session.State != models.SessionStale {
			continue
		}
		e.completeStaleSession(ctx, &session)
		return locker, true
	}
	return models.Locker{}, false
}

// completeStaleSession flips a stale session to COMPLETED once its locker is
// physically locked again. Stale is a terminal state, so this is the one
// place that writes a session state without consulting the transition table.
func (e *Engine) completeStaleSession(ctx context.Context, session *models.Session) {
	now := e.now().UTC()
	if err := e.store.UpdateSessionState(ctx, session.ID, models.SessionCompleted); err != nil {
		e.logger.Error("stale recovery failed", zap.String("session", session.ID), zap.Error(err))
		return
	}
	if err := e.store.AddSnapshot(ctx, session.ID, models.SessionCompleted, now); err != nil {
		e.logger.Warn("snapshot write failed", zap.String("session", session.ID), zap.Error(err))
	}
	e.metrics.IncSessionTransition(models.SessionStale, models.SessionCompleted)
	e.logger.Info("stale session recovered", zap.String("session", session.ID))
	session.State = models.SessionCompleted
	if e.notifier != nil {
		if err := e.notifier.NotifySession(ctx, session.ID, session.State); err != nil {
			e.logger.Warn("session notify failed", zap.String("session", session.ID), zap.Error(err))
		}
	}
}

// SelectPayment records the user's payment method choice. Allowed while the
// session is CREATED or still on the payment selection screen; once a
// verification or payment flow has started the method is immutable.
func (e *Engine) SelectPayment(ctx context.Context, sessionID string, method models.PaymentMethod) (models.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, err := e.getSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	switch session.State {
	case models.SessionCreated, models.SessionPaymentSelected:
	default:
		return models.Session{}, models.NewPreconditionError("session", session.ID, string(models.SessionCreated), string(session.State))
	}
	switch method {
	case models.PaymentTerminal, models.PaymentApp:
	default:
		return models.Session{}, fmt.Errorf("unknown payment method %q", method)
	}
	if err := e.store.SetSessionPaymentMethod(ctx, session.ID, method); err != nil {
		return models.Session{}, err
	}
	session.PaymentMethod = &method

	if session.State == models.SessionCreated {
		e.completeUserTask(ctx, session.ID)
		if _, _, err := e.createTaskLocked(ctx, TaskRequest{
			TaskType:      models.TaskReport,
			Target:        models.TargetUser,
			Session:       session,
			QueuedState:   models.SessionPaymentSelected,
			TimeoutStates: []models.SessionState{models.SessionExpired},
		}); err != nil {
			return models.Session{}, err
		}
	}
	return e.getSession(ctx, session.ID)
}

// RequestVerification starts the payment verification flow. Terminal-paying
// sessions contend for the station terminal and may queue; app-paying
// sessions verify in the app and never touch the terminal.
func (e *Engine) RequestVerification(ctx context.Context, sessionID string) (models.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, err := e.getSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if session.State != models.SessionPaymentSelected {
		return models.Session{}, models.NewPreconditionError("session", session.ID, string(models.SessionPaymentSelected), string(session.State))
	}
	if session.PaymentMethod == nil {
		return models.Session{}, models.NewPreconditionError("session", session.ID, "payment method selected", "none")
	}
	e.completeUserTask(ctx, session.ID)

	if *session.PaymentMethod == models.PaymentTerminal {
		_, activated, err := e.createTaskLocked(ctx, TaskRequest{
			TaskType:      models.TaskConfirmation,
			Target:        models.TargetTerminal,
			Session:       session,
			QueuedState:   models.SessionVerificationPending,
			TimeoutStates: []models.SessionState{models.SessionPaymentSelected, models.SessionExpired},
		})
		if err != nil {
			return models.Session{}, err
		}
		if !activated {
			if err := e.advanceSession(ctx, &session, models.SessionVerificationQueued); err != nil {
				return models.Session{}, err
			}
		}
		return e.getSession(ctx, session.ID)
	}

	if _, _, err := e.createTaskLocked(ctx, TaskRequest{
		TaskType:      models.TaskReport,
		Target:        models.TargetUser,
		Session:       session,
		QueuedState:   models.SessionVerificationPending,
		TimeoutStates: []models.SessionState{models.SessionExpired},
	}); err != nil {
		return models.Session{}, err
	}
	return e.getSession(ctx, session.ID)
}

// CompleteVerification finishes an app-side verification and opens the
// locker for stashing.
func (e *Engine) CompleteVerification(ctx context.Context, sessionID string) (models.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, err := e.getSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if session.State != models.SessionVerificationPending {
		return models.Session{}, models.NewPreconditionError("session", session.ID, string(models.SessionVerificationPending), string(session.State))
	}
	if session.PaymentMethod == nil || *session.PaymentMethod != models.PaymentApp {
		return models.Session{}, models.NewPreconditionError("session", session.ID, string(models.PaymentApp), "terminal verification in progress")
	}
	task, err := e.store.FindPendingTask(ctx, session.ID, models.TargetUser, models.TaskReport)
	if err != nil {
		return models.Session{}, fmt.Errorf("no verification pending for session %s: %w", session.ID, models.ErrNotFound)
	}
	if _, err := e.completeTaskLocked(ctx, task.ID); err != nil {
		return models.Session{}, err
	}
	if err := e.beginUnlockFlow(ctx, session, models.SessionStashing); err != nil {
		return models.Session{}, err
	}
	return e.getSession(ctx, session.ID)
}

// RequestHold re-opens the locker mid-rental so the user can add or remove
// items.
func (e *Engine) RequestHold(ctx context.Context, sessionID string) (models.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, err := e.getSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if session.State != models.SessionActive {
		return models.Session{}, models.NewPreconditionError("session", session.ID, string(models.SessionActive), string(session.State))
	}
	e.completeUserTask(ctx, session.ID)
	if err := e.beginUnlockFlow(ctx, session, models.SessionHold); err != nil {
		return models.Session{}, err
	}
	return e.getSession(ctx, session.ID)
}

// RequestPayment starts the final payment flow from an active or held
// session.
func (e *Engine) RequestPayment(ctx context.Context, sessionID string) (models.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, err := e.getSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	switch session.State {
	case models.SessionActive, models.SessionHold:
	default:
		return models.Session{}, models.NewPreconditionError("session", session.ID, string(models.SessionActive), string(session.State))
	}
	if session.PaymentMethod == nil {
		return models.Session{}, models.NewPreconditionError("session", session.ID, "payment method selected", "none")
	}
	e.closeOpenTasks(ctx, session.ID)

	if *session.PaymentMethod == models.PaymentTerminal {
		_, activated, err := e.createTaskLocked(ctx, TaskRequest{
			TaskType:      models.TaskConfirmation,
			Target:        models.TargetTerminal,
			Session:       session,
			QueuedState:   models.SessionPaymentPending,
			TimeoutStates: []models.SessionState{models.SessionActive, models.SessionExpired},
		})
		if err != nil {
			return models.Session{}, err
		}
		if !activated {
			if err := e.advanceSession(ctx, &session, models.SessionPaymentQueued); err != nil {
				return models.Session{}, err
			}
		}
		return e.getSession(ctx, session.ID)
	}

	if _, _, err := e.createTaskLocked(ctx, TaskRequest{
		TaskType:      models.TaskReport,
		Target:        models.TargetUser,
		Session:       session,
		QueuedState:   models.SessionPaymentPending,
		TimeoutStates: []models.SessionState{models.SessionActive},
	}); err != nil {
		return models.Session{}, err
	}
	return e.getSession(ctx, session.ID)
}

// CompletePayment finishes an app-side payment and opens the locker for
// retrieval.
func (e *Engine) CompletePayment(ctx context.Context, sessionID string) (models.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, err := e.getSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if session.State != models.SessionPaymentPending {
		return models.Session{}, models.NewPreconditionError("session", session.ID, string(models.SessionPaymentPending), string(session.State))
	}
	if session.PaymentMethod == nil || *session.PaymentMethod != models.PaymentApp {
		return models.Session{}, models.NewPreconditionError("session", session.ID, string(models.PaymentApp), "terminal payment in progress")
	}
	task, err := e.store.FindPendingTask(ctx, session.ID, models.TargetUser, models.TaskReport)
	if err != nil {
		return models.Session{}, fmt.Errorf("no payment pending for session %s: %w", session.ID, models.ErrNotFound)
	}
	if _, err := e.completeTaskLocked(ctx, task.ID); err != nil {
		return models.Session{}, err
	}
	if err := e.beginUnlockFlow(ctx, session, models.SessionRetrieval); err != nil {
		return models.Session{}, err
	}
	return e.getSession(ctx, session.ID)
}

// CancelSession cancels a session that has not stashed anything yet.
func (e *Engine) CancelSession(ctx context.Context, sessionID string) (models.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, err := e.getSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if !session.State.CanTransition(models.SessionCanceled) {
		return models.Session{}, models.NewPreconditionError("session", session.ID, "cancelable", string(session.State))
	}
	if err := e.advanceSession(ctx, &session, models.SessionCanceled); err != nil {
		return models.Session{}, err
	}
	return e.getSession(ctx, session.ID)
}

// SessionDetails returns the current session record.
func (e *Engine) SessionDetails(ctx context.Context, sessionID string) (models.Session, error) {
	return e.getSession(ctx, sessionID)
}

// SessionHistory returns the session's state snapshots in order.
func (e *Engine) SessionHistory(ctx context.Context, sessionID string) ([]models.Snapshot, error) {
	if _, err := e.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.store.ListSnapshotsBySession(ctx, sessionID)
}

// beginUnlockFlow spawns the locker unlock confirmation that carries the
// session into the target state (STASHING, HOLD or RETRIEVAL). The locker
// must still be reported LOCKED; activation instructs the unlock.
func (e *Engine) beginUnlockFlow(ctx context.Context, session models.Session, target models.SessionState) error {
	_, _, err := e.createTaskLocked(ctx, TaskRequest{
		TaskType:      models.TaskConfirmation,
		Target:        models.TargetLocker,
		Session:       session,
		LockerID:      session.LockerID,
		QueuedState:   target,
		TimeoutStates: []models.SessionState{models.SessionAborted},
	})
	return err
}

// completeUserTask closes the session's pending user wait, if any. Flows
// tolerate a missing wait task so an operator-created session can still
// advance.
func (e *Engine) completeUserTask(ctx context.Context, sessionID string) {
	task, err := e.store.FindPendingTask(ctx, sessionID, models.TargetUser, models.TaskReport)
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err != nil {
		e.logger.Error("pending user task lookup failed", zap.String("session", sessionID), zap.Error(err))
		return
	}
	if _, err := e.completeTaskLocked(ctx, task.ID); err != nil {
		e.logger.Warn("user task completion failed", zap.String("task", task.ID), zap.Error(err))
	}
}

// closeOpenTasks cancels a session's open tasks outside of conclusion, e.g.
// when a payment request supersedes an active-rental wait.
func (e *Engine) closeOpenTasks(ctx context.Context, sessionID string) {
	open, err := e.store.ListOpenTasksBySession(ctx, sessionID)
	if err != nil {
		e.logger.Error("list open tasks failed", zap.String("session", sessionID), zap.Error(err))
		return
	}
	for _, task := range open {
		if err := e.store.CloseTask(ctx, task.ID, models.TaskCanceled, e.now().UTC()); err != nil {
			e.logger.Error("cancel task failed", zap.String("task", task.ID), zap.Error(err))
			continue
		}
		e.metrics.IncTaskEvent("canceled", task.Target)
	}
	if len(open) > 0 {
		e.restartScheduler()
	}
}

package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lockerfleet/lockerfleet/internal/models"
)

// TaskRequest describes a task to enqueue.
type TaskRequest struct {
	TaskType      models.TaskType
	Target        models.TaskTarget
	Session       models.Session
	LockerID      string
	QueuedState   models.SessionState
	TimeoutStates []models.SessionState
	SkipQueue     bool
}

// CreateTask inserts a QUEUED task and activates it when the queue policy
// allows. Terminal-bound tasks wait until they are first in line and the
// station terminal is free; every other target activates immediately.
//
// The returned bool reports whether the task was activated.
func (e *Engine) CreateTask(ctx context.Context, req TaskRequest) (models.Task, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createTaskLocked(ctx, req)
}

func (e *Engine) createTaskLocked(ctx context.Context, req TaskRequest) (models.Task, bool, error) {
	if len(req.TimeoutStates) == 0 {
		return models.Task{}, false, errors.New("timeout states must not be empty")
	}
	if !req.Session.State.IsActive() {
		return models.Task{}, false, models.NewPreconditionError("session", req.Session.ID, "active", string(req.Session.State))
	}
	window, err := e.expirationWindow(req)
	if err != nil {
		return models.Task{}, false, err
	}

	task := models.Task{
		ID:               newID(),
		TaskType:         req.TaskType,
		Target:           req.Target,
		State:            models.TaskQueued,
		SessionID:        req.Session.ID,
		StationID:        req.Session.StationID,
		TimeoutStates:    append([]models.SessionState(nil), req.TimeoutStates...),
		ExpirationWindow: window,
		CreatedAt:        e.now().UTC(),
	}
	if req.QueuedState != "" {
		task.QueuedState = &req.QueuedState
	}
	if req.LockerID != "" {
		task.LockerID = &req.LockerID
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return models.Task{}, false, err
	}
	e.metrics.IncTaskEvent("created", task.Target)

	activate := req.SkipQueue || req.Target != models.TargetTerminal
	if !activate {
		free, err := e.terminalFree(ctx, task)
		if err != nil {
			return models.Task{}, false, err
		}
		activate = free
	}
	if !activate {
		e.restartScheduler()
		return task, false, nil
	}
	session := req.Session
	if err := e.activateTaskLocked(ctx, &task, &session); err != nil {
		return models.Task{}, false, err
	}
	return task, true, nil
}

// terminalFree reports whether a terminal-bound task is first in line with
// no PENDING terminal task claiming the station.
func (e *Engine) terminalFree(ctx context.Context, task models.Task) (bool, error) {
	busy, err := e.store.HasPendingTerminalTask(ctx, task.StationID)
	if err != nil {
		return false, err
	}
	if busy {
		return false, nil
	}
	earlier, err := e.store.CountEarlierTerminalTasks(ctx, task.StationID, task.CreatedAt)
	if err != nil {
		return false, err
	}
	return earlier == 0, nil
}

// expirationWindow resolves how long the task may stay PENDING: a fixed
// terminal window for terminal confirmations, the session-state window for
// everything else.
func (e *Engine) expirationWindow(req TaskRequest) (time.Duration, error) {
	if req.Target == models.TargetTerminal {
		return e.cfg.TerminalExpiration, nil
	}
	window, ok := e.cfg.ExpirationWindow(req.QueuedState)
	if !ok {
		return 0, fmt.Errorf("no expiration window configured for state %s", req.QueuedState)
	}
	return window, nil
}

// ActivateTask moves a QUEUED task to PENDING, stamps its deadline, advances
// the session to the task's queued state, and fires the instruction side
// effects for confirmation tasks.
func (e *Engine) ActivateTask(ctx context.Context, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	session, err := e.getSession(ctx, task.SessionID)
	if err != nil {
		return err
	}
	return e.activateTaskLocked(ctx, &task, &session)
}

func (e *Engine) activateTaskLocked(ctx context.Context, task *models.Task, session *models.Session) error {
	if task.State != models.TaskQueued {
		return models.NewPreconditionError("task", task.ID, string(models.TaskQueued), string(task.State))
	}

	var locker models.Locker
	if task.TaskType == models.TaskConfirmation && task.Target == models.TargetLocker {
		if task.LockerID == nil {
			return fmt.Errorf("locker confirmation task %s has no locker", task.ID)
		}
		var err error
		locker, err = e.store.GetLocker(ctx, *task.LockerID)
		if err != nil {
			return err
		}
		// An unlock may only be instructed for a locker the hardware last
		// reported LOCKED. Anything else means a report went missing.
		if locker.ReportedState != models.LockerLocked {
			return models.NewPreconditionError("locker", locker.ID, string(models.LockerLocked), string(locker.ReportedState))
		}
	}

	now := e.now().UTC()
	expiresAt := now.Add(task.ExpirationWindow)
	if err := e.store.ActivateTask(ctx, task.ID, now, expiresAt); err != nil {
		return err
	}
	task.State = models.TaskPending
	task.ActivatedAt = now
	task.ExpiresAt = expiresAt
	e.metrics.IncTaskEvent("activated", task.Target)

	if task.QueuedState != nil {
		if err := e.advanceSession(ctx, session, *task.QueuedState); err != nil {
			return err
		}
	}

	switch {
	case task.TaskType == models.TaskConfirmation && task.Target == models.TargetTerminal:
		station, err := e.store.GetStation(ctx, task.StationID)
		if err != nil {
			return err
		}
		mode := terminalModeFor(session.State)
		if err := e.instructor.InstructTerminal(ctx, station.Callsign, mode); err != nil {
			e.logger.Warn("terminal instruction failed", zap.String("station", station.Callsign), zap.Error(err))
		}
	case task.TaskType == models.TaskConfirmation && task.Target == models.TargetLocker:
		if err := e.instructor.InstructLocker(ctx, locker.Callsign, models.LockerUnlocked); err != nil {
			e.logger.Warn("locker instruction failed", zap.String("locker", locker.Callsign), zap.Error(err))
		}
	}

	e.restartScheduler()
	return nil
}

// CompleteTask closes a PENDING task whose confirmation arrived in time.
// A task past its deadline plus the completion grace is left for the
// expiration scheduler; completing it again fails the PENDING precondition.
func (e *Engine) CompleteTask(ctx context.Context, taskID string) (models.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completeTaskLocked(ctx, taskID)
}

func (e *Engine) completeTaskLocked(ctx context.Context, taskID string) (models.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	if task.State != models.TaskPending {
		return models.Task{}, models.NewPreconditionError("task", task.ID, string(models.TaskPending), string(task.State))
	}
	now := e.now().UTC()
	if !task.ExpiresAt.IsZero() && now.After(task.ExpiresAt.Add(e.cfg.CompletionGrace)) {
		return models.Task{}, models.NewPreconditionError("task", task.ID, "within deadline", "past deadline")
	}
	if err := e.store.CloseTask(ctx, task.ID, models.TaskCompleted, now); err != nil {
		return models.Task{}, err
	}
	task.State = models.TaskCompleted
	task.CompletedAt = now
	e.metrics.IncTaskEvent("completed", task.Target)
	if err := e.store.ResetSessionTimeoutCount(ctx, task.SessionID); err != nil {
		e.logger.Warn("timeout count reset failed", zap.String("session", task.SessionID), zap.Error(err))
	}
	e.restartScheduler()
	return task, nil
}

// HandleExpiration fires when a PENDING task ran out its deadline: the task
// is EXPIRED, the session rolls to the head of the task's timeout chain, and
// a successor task carrying the tail is spawned when the session survives.
func (e *Engine) HandleExpiration(ctx context.Context, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != models.TaskPending {
		return models.NewPreconditionError("task", task.ID, string(models.TaskPending), string(task.State))
	}
	session, err := e.getSession(ctx, task.SessionID)
	if err != nil {
		return err
	}
	now := e.now().UTC()
	if err := e.store.CloseTask(ctx, task.ID, models.TaskExpired, now); err != nil {
		return err
	}
	e.metrics.IncTaskEvent("expired", task.Target)
	if err := e.store.IncrementSessionTimeoutCount(ctx, task.SessionID); err != nil {
		e.logger.Warn("timeout count increment failed", zap.String("session", task.SessionID), zap.Error(err))
	}

	next := task.TimeoutStates[0]
	if override, ok := e.staleOverride(ctx, session); ok {
		next = override
	}

	// A timed-out session cannot satisfy its other outstanding expectations
	// either; expire them before the state rolls over.
	e.expireSiblings(ctx, &task, now)

	e.logger.Info("task expired",
		zap.String("task", task.ID),
		zap.String("session", session.ID),
		zap.String("follow_up", string(next)),
	)
	if err := e.advanceSession(ctx, &session, next); err != nil {
		return err
	}

	if task.Target == models.TargetTerminal {
		e.idleTerminal(ctx, task.StationID)
	}

	switch {
	case !session.State.IsTerminal() && len(task.TimeoutStates) > 1:
		successor := TaskRequest{
			TaskType:      task.TaskType,
			Target:        task.Target,
			Session:       session,
			QueuedState:   queuedStateOf(&task),
			TimeoutStates: task.TimeoutStates[1:],
		}
		if task.LockerID != nil {
			successor.LockerID = *task.LockerID
		}
		if _, _, err := e.createTaskLocked(ctx, successor); err != nil {
			e.logger.Error("successor task failed", zap.String("task", task.ID), zap.Error(err))
		}
	case session.State == models.SessionActive:
		// A rental rolled back to ACTIVE gets its abandonment wait re-armed.
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

	e.restartScheduler()
	return nil
}

// staleOverride redirects a timeout to STALE when the session's locker was
// left physically open during a stash, hold, or retrieval window.
func (e *Engine) staleOverride(ctx context.Context, session models.Session) (models.SessionState, bool) {
	switch session.State {
	case models.SessionStashing, models.SessionHold, models.SessionRetrieval:
	default:
		return "", false
	}
	locker, err := e.store.GetLocker(ctx, session.LockerID)
	if err != nil {
		e.logger.Warn("locker lookup failed", zap.String("locker", session.LockerID), zap.Error(err))
		return "", false
	}
	if locker.ReportedState == models.LockerUnlocked {
		return models.SessionStale, true
	}
	return "", false
}

// expireSiblings closes the session's other open tasks after one of them
// timed out.
func (e *Engine) expireSiblings(ctx context.Context, expired *models.Task, at time.Time) {
	open, err := e.store.ListOpenTasksBySession(ctx, expired.SessionID)
	if err != nil {
		e.logger.Error("list open tasks failed", zap.String("session", expired.SessionID), zap.Error(err))
		return
	}
	for _, sibling := range open {
		if sibling.ID == expired.ID {
			continue
		}
		if err := e.store.CloseTask(ctx, sibling.ID, models.TaskExpired, at); err != nil {
			e.logger.Error("expire sibling task failed", zap.String("task", sibling.ID), zap.Error(err))
			continue
		}
		e.metrics.IncTaskEvent("expired", sibling.Target)
	}
}

// CancelTask closes an open task without completing it.
func (e *Engine) CancelTask(ctx context.Context, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != models.TaskQueued && task.State != models.TaskPending {
		return models.NewPreconditionError("task", task.ID, "open", string(task.State))
	}
	if err := e.store.CloseTask(ctx, task.ID, models.TaskCanceled, e.now().UTC()); err != nil {
		return err
	}
	e.metrics.IncTaskEvent("canceled", task.Target)
	if task.Target == models.TargetTerminal && task.State == models.TaskPending {
		e.idleTerminal(ctx, task.StationID)
	}
	e.restartScheduler()
	return nil
}

// EvaluateQueue activates the oldest QUEUED terminal task at a station once
// its terminal is idle again. This is the only path by which a queued
// terminal task advances.
func (e *Engine) EvaluateQueue(ctx context.Context, stationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluateQueueLocked(ctx, stationID)
}

func (e *Engine) evaluateQueueLocked(ctx context.Context, stationID string) error {
	station, err := e.store.GetStation(ctx, stationID)
	if err != nil {
		return err
	}
	if station.TerminalState != models.TerminalIdle {
		return nil
	}
	busy, err := e.store.HasPendingTerminalTask(ctx, stationID)
	if err != nil {
		return err
	}
	if busy {
		return nil
	}
	next, err := e.store.NextQueuedTerminalTask(ctx, stationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	session, err := e.getSession(ctx, next.SessionID)
	if err != nil {
		return err
	}
	return e.activateTaskLocked(ctx, &next, &session)
}

// ResetStationQueue requeues every PENDING terminal task at a station and
// re-runs the queue policy. Meant for operators recovering a wedged terminal.
func (e *Engine) ResetStationQueue(ctx context.Context, stationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending, err := e.store.PendingTerminalTask(ctx, stationID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err == nil {
		if err := e.store.RequeueTask(ctx, pending.ID); err != nil {
			return err
		}
		e.metrics.IncTaskEvent("requeued", pending.Target)
	}
	if err := e.store.UpdateTerminalState(ctx, stationID, models.TerminalIdle); err != nil {
		return err
	}
	e.idleTerminal(ctx, stationID)
	if err := e.evaluateQueueLocked(ctx, stationID); err != nil {
		return err
	}
	e.restartScheduler()
	return nil
}

// terminalModeFor maps the session state a terminal task drives into the
// terminal mode that must be shown.
func terminalModeFor(state models.SessionState) models.TerminalState {
	switch state {
	case models.SessionVerificationPending, models.SessionVerificationQueued:
		return models.TerminalVerification
	case models.SessionPaymentPending, models.SessionPaymentQueued:
		return models.TerminalPayment
	default:
		return models.TerminalIdle
	}
}

func queuedStateOf(task *models.Task) models.SessionState {
	if task.QueuedState == nil {
		return ""
	}
	return *task.QueuedState
}

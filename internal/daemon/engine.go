// Package daemon implements the lockerfleet control plane: the session state
// machine, the per-station terminal task queue, the global expiration
// scheduler, and the HTTP surface that drives them.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lockerfleet/lockerfleet/internal/config"
	"github.com/lockerfleet/lockerfleet/internal/db"
	"github.com/lockerfleet/lockerfleet/internal/models"
)

// Instructor sends fire-and-forget instructions to station hardware.
// Delivery is never awaited; a later hardware report is the source of truth.
type Instructor interface {
	InstructTerminal(ctx context.Context, stationCallsign string, mode models.TerminalState) error
	InstructLocker(ctx context.Context, lockerCallsign string, desired models.LockerState) error
}

// Notifier pushes session state changes to subscribers.
type Notifier interface {
	NotifySession(ctx context.Context, sessionID string, state models.SessionState) error
}

// restarter is the slice of the expiration scheduler the engine needs:
// every task mutation can change which task expires next.
type restarter interface {
	Restart()
}

// Engine owns the session and task lifecycle.
//
// All mutations run under a single mutex. Requests at different stations
// rarely contend, but the task queue invariants (one PENDING terminal task
// per station, FIFO activation) are much easier to keep under one lock than
// with per-record compare-and-swap.
type Engine struct {
	store      *db.Store
	instructor Instructor
	notifier   Notifier
	scheduler  restarter
	cfg        config.Config
	logger     *zap.Logger
	metrics    *Metrics
	now        func() time.Time
	mu         sync.Mutex
}

// NewEngine constructs an engine with defaults.
func NewEngine(store *db.Store, instructor Instructor, notifier Notifier, cfg config.Config, logger *zap.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      store,
		instructor: instructor,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// WithScheduler attaches the expiration scheduler restarted on task mutations.
func (e *Engine) WithScheduler(s restarter) *Engine {
	e.scheduler = s
	return e
}

func (e *Engine) restartScheduler() {
	if e.scheduler != nil {
		e.scheduler.Restart()
	}
}

// advanceSession moves a session to the next state, persisting the change,
// recording a snapshot, and notifying subscribers. Illegal transitions are
// rejected by the session's own transition table. Terminal states conclude
// the session.
func (e *Engine) advanceSession(ctx context.Context, session *models.Session, next models.SessionState) error {
	from := session.State
	if from == next {
		return nil
	}
	if err := session.SetState(next); err != nil {
		return err
	}
	if err := e.store.UpdateSessionState(ctx, session.ID, next); err != nil {
		return fmt.Errorf("persist session %s state: %w", session.ID, err)
	}
	now := e.now().UTC()
	if err := e.store.AddSnapshot(ctx, session.ID, next, now); err != nil {
		e.logger.Warn("snapshot write failed", zap.String("session", session.ID), zap.Error(err))
	}
	e.metrics.IncSessionTransition(from, next)
	e.logger.Info("session state changed",
		zap.String("session", session.ID),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
	)
	if e.notifier != nil {
		if err := e.notifier.NotifySession(ctx, session.ID, next); err != nil {
			e.logger.Warn("session notify failed", zap.String("session", session.ID), zap.Error(err))
		}
	}
	if next.IsTerminal() {
		e.concludeSession(ctx, session, now)
	}
	return nil
}

// concludeSession stamps conclusion timestamps and durations, cancels any
// tasks the session still has open, and rolls lifetime counters onto the
// station and locker.
func (e *Engine) concludeSession(ctx context.Context, session *models.Session, at time.Time) {
	total := at.Sub(session.CreatedAt)
	if total < 0 {
		total = 0
	}
	active, err := e.activeDuration(ctx, session.ID, at)
	if err != nil {
		e.logger.Warn("active duration unavailable", zap.String("session", session.ID), zap.Error(err))
	}
	if err := e.store.ConcludeSession(ctx, session.ID, at, active, total); err != nil {
		e.logger.Error("conclude session failed", zap.String("session", session.ID), zap.Error(err))
	}
	session.ConcludedAt = at
	session.ActiveDuration = active
	session.TotalDuration = total

	e.cancelOpenTasks(ctx, session, at)

	if err := e.store.AddStationSessionStats(ctx, session.StationID, total); err != nil {
		e.logger.Warn("station stats update failed", zap.String("station", session.StationID), zap.Error(err))
	}
	if err := e.store.AddLockerSessionStats(ctx, session.LockerID, total); err != nil {
		e.logger.Warn("locker stats update failed", zap.String("locker", session.LockerID), zap.Error(err))
	}
	e.metrics.ObserveSessionDuration(session.State, total)
}

// activeDuration sums the time the session spent in ACTIVE windows, computed
// from its snapshot history.
func (e *Engine) activeDuration(ctx context.Context, sessionID string, concludedAt time.Time) (time.Duration, error) {
	snapshots, err := e.store.ListSnapshotsBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	var active time.Duration
	for i, snap := range snapshots {
		if snap.State != models.SessionActive {
			continue
		}
		end := concludedAt
		if i+1 < len(snapshots) {
			end = snapshots[i+1].Timestamp
		}
		if window := end.Sub(snap.Timestamp); window > 0 {
			active += window
		}
	}
	return active, nil
}

// cancelOpenTasks closes every QUEUED or PENDING task of a session. A
// canceled PENDING terminal task leaves the terminal in a non-idle mode, so
// the terminal is instructed back to IDLE; the queue advances once the
// hardware confirms.
func (e *Engine) cancelOpenTasks(ctx context.Context, session *models.Session, at time.Time) {
	open, err := e.store.ListOpenTasksBySession(ctx, session.ID)
	if err != nil {
		e.logger.Error("list open tasks failed", zap.String("session", session.ID), zap.Error(err))
		return
	}
	for _, task := range open {
		if err := e.store.CloseTask(ctx, task.ID, models.TaskCanceled, at); err != nil {
			e.logger.Error("cancel task failed", zap.String("task", task.ID), zap.Error(err))
			continue
		}
		e.metrics.IncTaskEvent("canceled", task.Target)
		if task.Target == models.TargetTerminal && task.State == models.TaskPending {
			e.idleTerminal(ctx, session.StationID)
		}
	}
	if len(open) > 0 {
		e.restartScheduler()
	}
}

// idleTerminal instructs a station terminal back to IDLE.
func (e *Engine) idleTerminal(ctx context.Context, stationID string) {
	station, err := e.store.GetStation(ctx, stationID)
	if err != nil {
		e.logger.Error("station lookup failed", zap.String("station", stationID), zap.Error(err))
		return
	}
	if err := e.instructor.InstructTerminal(ctx, station.Callsign, models.TerminalIdle); err != nil {
		e.logger.Warn("terminal idle instruction failed", zap.String("station", station.Callsign), zap.Error(err))
	}
}

// getSession loads a session or reports models.ErrNotFound.
func (e *Engine) getSession(ctx context.Context, id string) (models.Session, error) {
	session, err := e.store.GetSession(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	return session, err
}

func newID() string {
	return uuid.NewString()
}

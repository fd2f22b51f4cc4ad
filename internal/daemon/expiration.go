package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lockerfleet/lockerfleet/internal/db"
	"github.com/lockerfleet/lockerfleet/internal/models"
)

// expirer handles a task whose deadline passed.
type expirer interface {
	HandleExpiration(ctx context.Context, taskID string) error
}

// Scheduler drives task expirations for the whole fleet with a single timer.
//
// It always waits on the globally soonest PENDING deadline. Any task mutation
// can change which deadline that is, so mutators call Restart: the in-flight
// wait is cancelled and the minimum recomputed from the store. Recomputing
// from durable state on every restart means a raced or stale in-memory
// deadline can never cause a missed or duplicate fire; before acting the
// scheduler re-reads the task and skips it unless it is still PENDING.
type Scheduler struct {
	store   *db.Store
	engine  expirer
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	base    context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewScheduler constructs a stopped scheduler. Call Start to arm it.
func NewScheduler(store *db.Store, engine expirer, logger *zap.Logger, metrics *Metrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:   store,
		engine:  engine,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Start arms the scheduler against the given context and schedules the first
// wait. Deadlines already in the past (left over from a previous run) fire
// immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.stopped = false
	s.mu.Unlock()
	s.Restart()
}

// Stop cancels the in-flight wait and blocks until it has drained. An
// expiration handler past its PENDING re-check runs to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Restart cancels the current wait and re-arms on the soonest PENDING
// deadline. With no pending deadline the scheduler goes idle until the next
// restart.
func (s *Scheduler) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.stopped || s.base == nil || s.base.Err() != nil {
		return
	}
	s.metrics.IncSchedulerRestart()

	deadline, ok, err := s.store.NextPendingExpiry(s.base)
	if err != nil {
		s.logger.Error("next pending expiry lookup failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	waitCtx, cancel := context.WithCancel(s.base)
	s.cancel = cancel
	s.wg.Add(1)
	go s.wait(waitCtx, deadline)
}

func (s *Scheduler) wait(ctx context.Context, deadline time.Time) {
	defer s.wg.Done()
	delay := deadline.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.fire()
}

// fire expires every PENDING task whose deadline has passed, then re-arms.
// It runs on the scheduler's base context: expiration handlers restart the
// scheduler themselves, which cancels the wait context mid-loop.
// The engine re-checks each task's state, so a completion that raced the
// timer is skipped silently.
func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.metrics.IncSchedulerFire()
	tasks, err := s.store.ListPendingTasks(ctx)
	if err != nil {
		s.logger.Error("list pending tasks failed", zap.Error(err))
		s.Restart()
		return
	}
	now := s.now()
	for _, task := range tasks {
		if task.ExpiresAt.After(now) {
			break
		}
		if err := s.engine.HandleExpiration(ctx, task.ID); err != nil {
			var precondition *models.PreconditionError
			if errors.As(err, &precondition) {
				// Completed or already expired in the race window.
				continue
			}
			s.logger.Error("expiration handling failed", zap.String("task", task.ID), zap.Error(err))
		}
	}
	s.Restart()
}

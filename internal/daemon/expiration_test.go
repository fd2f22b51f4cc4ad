package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lockerfleet/lockerfleet/internal/models"
	testutil "github.com/lockerfleet/lockerfleet/internal/testing"
)

// recordingExpirer captures expiration callbacks.
type recordingExpirer struct {
	mu    sync.Mutex
	ids   []string
	errFn func(taskID string) error
}

func (r *recordingExpirer) HandleExpiration(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, taskID)
	if r.errFn != nil {
		return r.errFn(taskID)
	}
	return nil
}

func (r *recordingExpirer) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// seedPendingTask inserts a PENDING task with the given deadline.
func seedPendingTask(t *testing.T, f *fixture, id string, expiresAt time.Time) models.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.GetSession(ctx, testutil.TestSessionID); err != nil {
		require.NoError(t, f.store.CreateSession(ctx, testutil.NewTestSession(testutil.SessionOpts{})))
	}
	task := testutil.NewTestTask(testutil.TaskOpts{
		ID:            id,
		State:         models.TaskQueued,
		TimeoutStates: []models.SessionState{models.SessionExpired},
	})
	require.NoError(t, f.store.CreateTask(ctx, task))
	require.NoError(t, f.store.ActivateTask(ctx, task.ID, expiresAt.Add(-time.Minute), expiresAt))
	task.State = models.TaskPending
	task.ExpiresAt = expiresAt
	return task
}

func TestSchedulerFiresOverdueDeadline(t *testing.T) {
	f := newFixture(t)
	f.seedStation(t, testutil.StationOpts{})
	f.seedLocker(t, testutil.LockerOpts{})
	expirer := &recordingExpirer{}
	scheduler := NewScheduler(f.store, expirer, zap.NewNop(), NewMetrics())

	// A deadline left in the past fires as soon as the scheduler starts.
	seedPendingTask(t, f, "task-overdue", time.Now().UTC().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)
	defer scheduler.Stop()

	require.Eventually(t, func() bool {
		return len(expirer.calls()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, expirer.calls(), "task-overdue")
}

func TestSchedulerRestartPicksUpNewDeadline(t *testing.T) {
	f := newFixture(t)
	f.seedStation(t, testutil.StationOpts{})
	f.seedLocker(t, testutil.LockerOpts{})
	expirer := &recordingExpirer{}
	scheduler := NewScheduler(f.store, expirer, zap.NewNop(), NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// No pending deadline; the scheduler idles.
	scheduler.Start(ctx)
	defer scheduler.Stop()

	seedPendingTask(t, f, "task-late", time.Now().UTC().Add(-time.Second))
	scheduler.Restart()

	require.Eventually(t, func() bool {
		return len(expirer.calls()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerSkipsRacedCompletion(t *testing.T) {
	f := newFixture(t)
	f.seedStation(t, testutil.StationOpts{})
	f.seedLocker(t, testutil.LockerOpts{})

	// The handler reports the task no longer PENDING, as the engine does when
	// a completion slipped in ahead of the timer.
	expirer := &recordingExpirer{errFn: func(taskID string) error {
		return models.NewPreconditionError("task", taskID, "PENDING", "COMPLETED")
	}}
	scheduler := NewScheduler(f.store, expirer, zap.NewNop(), NewMetrics())

	seedPendingTask(t, f, "task-raced", time.Now().UTC().Add(-time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)

	require.Eventually(t, func() bool {
		return len(expirer.calls()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// A raced task is skipped silently and the scheduler keeps running.
	scheduler.Stop()
}

func TestSchedulerStopDrainsWait(t *testing.T) {
	f := newFixture(t)
	f.seedStation(t, testutil.StationOpts{})
	f.seedLocker(t, testutil.LockerOpts{})
	expirer := &recordingExpirer{}
	scheduler := NewScheduler(f.store, expirer, zap.NewNop(), NewMetrics())

	seedPendingTask(t, f, "task-future", time.Now().UTC().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)
	scheduler.Stop()

	// The far-future wait was cancelled without firing.
	assert.Empty(t, expirer.calls())

	// Restart after Stop stays idle.
	scheduler.Restart()
	assert.Empty(t, expirer.calls())
}

package daemon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lockerfleet/lockerfleet/internal/config"
	"github.com/lockerfleet/lockerfleet/internal/db"
	"github.com/lockerfleet/lockerfleet/internal/models"
	testutil "github.com/lockerfleet/lockerfleet/internal/testing"
)

// fixture is an engine wired to a real store with mocked hardware and a
// manual clock.
type fixture struct {
	store      *db.Store
	engine     *Engine
	instructor *testutil.MockInstructor
	notifier   *testutil.MockNotifier
	clock      *testutil.Clock
	cfg        config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	instructor := testutil.NewMockInstructor()
	notifier := testutil.NewMockNotifier()
	clock := testutil.NewClock(testutil.FixedTime)

	engine := NewEngine(store, instructor, notifier, cfg, zap.NewNop(), NewMetrics())
	engine.now = clock.Now

	return &fixture{
		store:      store,
		engine:     engine,
		instructor: instructor,
		notifier:   notifier,
		clock:      clock,
		cfg:        cfg,
	}
}

// seedStation inserts a factory station.
func (f *fixture) seedStation(t *testing.T, opts testutil.StationOpts) models.Station {
	t.Helper()
	station := testutil.NewTestStation(opts)
	require.NoError(t, f.store.CreateStation(context.Background(), station))
	return station
}

// seedLocker inserts a factory locker.
func (f *fixture) seedLocker(t *testing.T, opts testutil.LockerOpts) models.Locker {
	t.Helper()
	locker := testutil.NewTestLocker(opts)
	require.NoError(t, f.store.CreateLocker(context.Background(), locker))
	return locker
}

// seedStationWithLockers inserts the default station with n medium lockers.
func (f *fixture) seedStationWithLockers(t *testing.T, n int) models.Station {
	t.Helper()
	station := f.seedStation(t, testutil.StationOpts{})
	for i := 0; i < n; i++ {
		f.seedLocker(t, testutil.LockerOpts{
			ID:           "lk-" + string(rune('a'+i)),
			StationID:    station.ID,
			Callsign:     "MUCODE-0" + string(rune('1'+i)),
			StationIndex: i + 1,
		})
	}
	return station
}

// session reloads a session or fails the test.
func (f *fixture) session(t *testing.T, id string) models.Session {
	t.Helper()
	session, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return session
}

// openTasks returns the session's QUEUED and PENDING tasks.
func (f *fixture) openTasks(t *testing.T, sessionID string) []models.Task {
	t.Helper()
	tasks, err := f.store.ListOpenTasksBySession(context.Background(), sessionID)
	require.NoError(t, err)
	return tasks
}

// startedSession creates a session through the engine and selects the given
// payment method.
func (f *fixture) startedSession(t *testing.T, userID string, method models.PaymentMethod) models.Session {
	t.Helper()
	ctx := context.Background()
	session, err := f.engine.CreateSession(ctx, CreateSessionRequest{
		StationCallsign: testutil.TestStationCallsign,
		UserID:          userID,
		LockerType:      testutil.TestLockerType,
	})
	require.NoError(t, err)
	session, err = f.engine.SelectPayment(ctx, session.ID, method)
	require.NoError(t, err)
	return session
}

package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lockerfleet/lockerfleet/internal/models"
	testutil "github.com/lockerfleet/lockerfleet/internal/testing"
)

// openTestStore creates a test database in a temporary directory.
// The database is automatically closed and removed when the test completes.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := testutil.MkdirTempInDir(t, t.TempDir())
	store, err := Open(path + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// seedStation inserts a factory station and returns it.
func seedStation(t *testing.T, store *Store, opts testutil.StationOpts) models.Station {
	t.Helper()
	station := testutil.NewTestStation(opts)
	require.NoError(t, store.CreateStation(context.Background(), station))
	return station
}

// seedLocker inserts a factory locker and returns it.
func seedLocker(t *testing.T, store *Store, opts testutil.LockerOpts) models.Locker {
	t.Helper()
	locker := testutil.NewTestLocker(opts)
	require.NoError(t, store.CreateLocker(context.Background(), locker))
	return locker
}

// seedSession inserts a factory session (with its station and locker when
// missing) and returns it.
func seedSession(t *testing.T, store *Store, opts testutil.SessionOpts) models.Session {
	t.Helper()
	ctx := context.Background()
	session := testutil.NewTestSession(opts)
	if _, err := store.GetStation(ctx, session.StationID); err != nil {
		seedStation(t, store, testutil.StationOpts{ID: session.StationID, Callsign: "CS-" + session.StationID})
	}
	if _, err := store.GetLocker(ctx, session.LockerID); err != nil {
		seedLocker(t, store, testutil.LockerOpts{ID: session.LockerID, StationID: session.StationID, Callsign: "CS-" + session.LockerID})
	}
	require.NoError(t, store.CreateSession(ctx, session))
	return session
}

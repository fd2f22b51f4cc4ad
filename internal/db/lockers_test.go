package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockerfleet/lockerfleet/internal/models"
	testutil "github.com/lockerfleet/lockerfleet/internal/testing"
)

func TestCreateLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		store := openTestStore(t)
		seedStation(t, store, testutil.StationOpts{ID: "st-1"})
		locker := seedLocker(t, store, testutil.LockerOpts{ID: "lk-1", StationID: "st-1"})

		got, err := store.GetLocker(ctx, "lk-1")
		require.NoError(t, err)
		assert.Equal(t, locker.Callsign, got.Callsign)
		assert.Equal(t, locker.LockerType, got.LockerType)
		assert.Equal(t, models.LockerLocked, got.ReportedState)
	})

	t.Run("nil store", func(t *testing.T) {
		err := (*Store)(nil).CreateLocker(ctx, testutil.NewTestLocker(testutil.LockerOpts{}))
		assert.EqualError(t, err, "db store is nil")
	})

	t.Run("missing callsign", func(t *testing.T) {
		store := openTestStore(t)
		locker := testutil.NewTestLocker(testutil.LockerOpts{})
		locker.Callsign = ""
		err := store.CreateLocker(ctx, locker)
		assert.EqualError(t, err, "locker callsign is required")
	})

	t.Run("unknown station rejected", func(t *testing.T) {
		store := openTestStore(t)
		err := store.CreateLocker(ctx, testutil.NewTestLocker(testutil.LockerOpts{StationID: "nope"}))
		assert.Error(t, err)
	})
}

func TestGetLockerByCallsign(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedStation(t, store, testutil.StationOpts{ID: "st-1"})
	seedLocker(t, store, testutil.LockerOpts{ID: "lk-1", StationID: "st-1", Callsign: "MUCODE-01"})

	got, err := store.GetLockerByCallsign(ctx, "MUCODE-01")
	require.NoError(t, err)
	assert.Equal(t, "lk-1", got.ID)

	_, err = store.GetLockerByCallsign(ctx, "MUCODE-99")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListLockersByStation(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedStation(t, store, testutil.StationOpts{ID: "st-1"})
	seedLocker(t, store, testutil.LockerOpts{ID: "lk-2", StationID: "st-1", Callsign: "MUCODE-02", StationIndex: 2})
	seedLocker(t, store, testutil.LockerOpts{ID: "lk-1", StationID: "st-1", Callsign: "MUCODE-01", StationIndex: 1})

	got, err := store.ListLockersByStation(ctx, "st-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "lk-1", got[0].ID)
	assert.Equal(t, "lk-2", got[1].ID)
}

func TestFindAvailableLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("lowest free index wins", func(t *testing.T) {
		store := openTestStore(t)
		seedStation(t, store, testutil.StationOpts{ID: "st-1"})
		seedLocker(t, store, testutil.LockerOpts{ID: "lk-1", StationID: "st-1", Callsign: "MUCODE-01", StationIndex: 1})
		seedLocker(t, store, testutil.LockerOpts{ID: "lk-2", StationID: "st-1", Callsign: "MUCODE-02", StationIndex: 2})

		got, err := store.FindAvailableLocker(ctx, "st-1", testutil.TestLockerType)
		require.NoError(t, err)
		assert.Equal(t, "lk-1", got.ID)
	})

	t.Run("active session blocks a locker", func(t *testing.T) {
		store := openTestStore(t)
		seedSession(t, store, testutil.SessionOpts{ID: "se-1", StationID: "st-1", LockerID: "lk-1", State: models.SessionActive})
		seedLocker(t, store, testutil.LockerOpts{ID: "lk-2", StationID: "st-1", Callsign: "MUCODE-02", StationIndex: 2})

		got, err := store.FindAvailableLocker(ctx, "st-1", testutil.TestLockerType)
		require.NoError(t, err)
		assert.Equal(t, "lk-2", got.ID)
	})

	t.Run("stale session blocks a locker", func(t *testing.T) {
		store := openTestStore(t)
		seedSession(t, store, testutil.SessionOpts{ID: "se-1", StationID: "st-1", LockerID: "lk-1"})
		require.NoError(t, store.UpdateSessionState(ctx, "se-1", models.SessionStale))

		_, err := store.FindAvailableLocker(ctx, "st-1", testutil.TestLockerType)
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("concluded session frees the locker", func(t *testing.T) {
		store := openTestStore(t)
		seedSession(t, store, testutil.SessionOpts{ID: "se-1", StationID: "st-1", LockerID: "lk-1"})
		require.NoError(t, store.UpdateSessionState(ctx, "se-1", models.SessionCompleted))

		got, err := store.FindAvailableLocker(ctx, "st-1", testutil.TestLockerType)
		require.NoError(t, err)
		assert.Equal(t, "lk-1", got.ID)
	})

	t.Run("type filter", func(t *testing.T) {
		store := openTestStore(t)
		seedStation(t, store, testutil.StationOpts{ID: "st-1"})
		seedLocker(t, store, testutil.LockerOpts{ID: "lk-1", StationID: "st-1", Callsign: "MUCODE-01", StationIndex: 1, LockerType: "small"})

		_, err := store.FindAvailableLocker(ctx, "st-1", "large")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})
}

func TestUpdateLockerReportedState(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedStation(t, store, testutil.StationOpts{ID: "st-1"})
	seedLocker(t, store, testutil.LockerOpts{ID: "lk-1", StationID: "st-1"})

	require.NoError(t, store.UpdateLockerReportedState(ctx, "lk-1", models.LockerUnlocked))
	got, err := store.GetLocker(ctx, "lk-1")
	require.NoError(t, err)
	assert.Equal(t, models.LockerUnlocked, got.ReportedState)

	err = store.UpdateLockerReportedState(ctx, "nope", models.LockerLocked)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestAddLockerSessionStats(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedStation(t, store, testutil.StationOpts{ID: "st-1"})
	seedLocker(t, store, testutil.LockerOpts{ID: "lk-1", StationID: "st-1"})

	require.NoError(t, store.AddLockerSessionStats(ctx, "lk-1", 20*time.Minute))
	require.NoError(t, store.AddLockerSessionStats(ctx, "lk-1", 10*time.Minute))

	got, err := store.GetLocker(ctx, "lk-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalSessionCount)
	assert.Equal(t, 30*time.Minute, got.TotalSessionDuration)
}

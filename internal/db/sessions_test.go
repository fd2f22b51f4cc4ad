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

func TestCreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		store := openTestStore(t)
		session := seedSession(t, store, testutil.SessionOpts{ID: "se-1"})

		got, err := store.GetSession(ctx, "se-1")
		require.NoError(t, err)
		assert.Equal(t, session.ID, got.ID)
		assert.Equal(t, session.UserID, got.UserID)
		assert.Equal(t, session.StationID, got.StationID)
		assert.Equal(t, session.LockerID, got.LockerID)
		assert.Equal(t, models.SessionCreated, got.State)
		assert.Nil(t, got.PaymentMethod)
		assert.Zero(t, got.TimeoutCount)
		assert.True(t, got.ConcludedAt.IsZero())
	})

	t.Run("nil store", func(t *testing.T) {
		err := (*Store)(nil).CreateSession(ctx, testutil.NewTestSession(testutil.SessionOpts{}))
		assert.EqualError(t, err, "db store is nil")
	})

	t.Run("nil db", func(t *testing.T) {
		err := (&Store{}).CreateSession(ctx, testutil.NewTestSession(testutil.SessionOpts{}))
		assert.EqualError(t, err, "db store is nil")
	})

	t.Run("missing id", func(t *testing.T) {
		store := openTestStore(t)
		session := testutil.NewTestSession(testutil.SessionOpts{})
		session.ID = ""
		err := store.CreateSession(ctx, session)
		assert.EqualError(t, err, "session id is required")
	})

	t.Run("missing user_id", func(t *testing.T) {
		store := openTestStore(t)
		session := testutil.NewTestSession(testutil.SessionOpts{})
		session.UserID = ""
		err := store.CreateSession(ctx, session)
		assert.EqualError(t, err, "session user_id is required")
	})
}

func TestGetSessionByToken(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	session := seedSession(t, store, testutil.SessionOpts{ID: "se-1", WebsocketToken: "tok-abc"})

	got, err := store.GetSessionByToken(ctx, "tok-abc")
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	_, err = store.GetSessionByToken(ctx, "unknown")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestUpdateSessionState(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		store := openTestStore(t)
		seedSession(t, store, testutil.SessionOpts{ID: "se-1"})

		require.NoError(t, store.UpdateSessionState(ctx, "se-1", models.SessionPaymentSelected))
		got, err := store.GetSession(ctx, "se-1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionPaymentSelected, got.State)
	})

	t.Run("missing session", func(t *testing.T) {
		store := openTestStore(t)
		err := store.UpdateSessionState(ctx, "nope", models.SessionActive)
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})
}

func TestSetSessionPaymentMethod(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedSession(t, store, testutil.SessionOpts{ID: "se-1"})

	require.NoError(t, store.SetSessionPaymentMethod(ctx, "se-1", models.PaymentTerminal))
	got, err := store.GetSession(ctx, "se-1")
	require.NoError(t, err)
	require.NotNil(t, got.PaymentMethod)
	assert.Equal(t, models.PaymentTerminal, *got.PaymentMethod)
}

func TestSessionTimeoutCount(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedSession(t, store, testutil.SessionOpts{ID: "se-1"})

	require.NoError(t, store.IncrementSessionTimeoutCount(ctx, "se-1"))
	require.NoError(t, store.IncrementSessionTimeoutCount(ctx, "se-1"))
	got, err := store.GetSession(ctx, "se-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TimeoutCount)

	require.NoError(t, store.ResetSessionTimeoutCount(ctx, "se-1"))
	got, err = store.GetSession(ctx, "se-1")
	require.NoError(t, err)
	assert.Zero(t, got.TimeoutCount)
}

func TestConcludeSession(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedSession(t, store, testutil.SessionOpts{ID: "se-1"})

	concludedAt := testutil.FixedTime.Add(time.Hour)
	require.NoError(t, store.ConcludeSession(ctx, "se-1", concludedAt, 40*time.Minute, time.Hour))

	got, err := store.GetSession(ctx, "se-1")
	require.NoError(t, err)
	assert.WithinDuration(t, concludedAt, got.ConcludedAt, time.Second)
	assert.Equal(t, 40*time.Minute, got.ActiveDuration)
	assert.Equal(t, time.Hour, got.TotalDuration)
}

func TestFindSessionByLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("active session blocks locker", func(t *testing.T) {
		store := openTestStore(t)
		session := seedSession(t, store, testutil.SessionOpts{ID: "se-1", State: models.SessionActive})

		got, err := store.FindSessionByLocker(ctx, session.LockerID)
		require.NoError(t, err)
		assert.Equal(t, "se-1", got.ID)
	})

	t.Run("stale session blocks locker", func(t *testing.T) {
		store := openTestStore(t)
		session := seedSession(t, store, testutil.SessionOpts{ID: "se-1"})
		require.NoError(t, store.UpdateSessionState(ctx, "se-1", models.SessionStale))

		got, err := store.FindSessionByLocker(ctx, session.LockerID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStale, got.State)
	})

	t.Run("concluded session frees locker", func(t *testing.T) {
		store := openTestStore(t)
		session := seedSession(t, store, testutil.SessionOpts{ID: "se-1"})
		require.NoError(t, store.UpdateSessionState(ctx, "se-1", models.SessionCanceled))

		_, err := store.FindSessionByLocker(ctx, session.LockerID)
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})
}

func TestListActiveSessions(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedSession(t, store, testutil.SessionOpts{ID: "se-1", State: models.SessionActive})
	seedSession(t, store, testutil.SessionOpts{
		ID: "se-2", LockerID: "lk-2", State: models.SessionStashing,
		CreatedAt: testutil.FixedTime.Add(time.Minute),
	})
	seedSession(t, store, testutil.SessionOpts{
		ID: "se-3", LockerID: "lk-3", State: models.SessionCompleted,
		CreatedAt: testutil.FixedTime.Add(2 * time.Minute),
	})

	got, err := store.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "se-1", got[0].ID)
	assert.Equal(t, "se-2", got[1].ID)
}

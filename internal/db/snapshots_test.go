package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockerfleet/lockerfleet/internal/models"
	testutil "github.com/lockerfleet/lockerfleet/internal/testing"
)

func TestAddSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("records history in order", func(t *testing.T) {
		store := openTestStore(t)
		seedSession(t, store, testutil.SessionOpts{ID: "se-1"})

		require.NoError(t, store.AddSnapshot(ctx, "se-1", models.SessionCreated, testutil.FixedTime))
		require.NoError(t, store.AddSnapshot(ctx, "se-1", models.SessionPaymentSelected, testutil.FixedTime.Add(time.Minute)))
		require.NoError(t, store.AddSnapshot(ctx, "se-1", models.SessionStashing, testutil.FixedTime.Add(2*time.Minute)))

		got, err := store.ListSnapshotsBySession(ctx, "se-1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, models.SessionCreated, got[0].State)
		assert.Equal(t, models.SessionPaymentSelected, got[1].State)
		assert.Equal(t, models.SessionStashing, got[2].State)
		assert.WithinDuration(t, testutil.FixedTime.Add(time.Minute), got[1].Timestamp, time.Second)
	})

	t.Run("zero timestamp defaults to now", func(t *testing.T) {
		store := openTestStore(t)
		seedSession(t, store, testutil.SessionOpts{ID: "se-1"})

		require.NoError(t, store.AddSnapshot(ctx, "se-1", models.SessionCreated, time.Time{}))
		got, err := store.ListSnapshotsBySession(ctx, "se-1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.WithinDuration(t, time.Now(), got[0].Timestamp, time.Minute)
	})

	t.Run("nil store", func(t *testing.T) {
		err := (*Store)(nil).AddSnapshot(ctx, "se-1", models.SessionCreated, testutil.FixedTime)
		assert.EqualError(t, err, "db store is nil")
	})

	t.Run("missing session rejected", func(t *testing.T) {
		store := openTestStore(t)
		err := store.AddSnapshot(ctx, "nope", models.SessionCreated, testutil.FixedTime)
		assert.Error(t, err)
	})
}

func TestListSnapshotsBySession(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedSession(t, store, testutil.SessionOpts{ID: "se-1"})
	seedSession(t, store, testutil.SessionOpts{ID: "se-2", LockerID: "lk-2"})

	require.NoError(t, store.AddSnapshot(ctx, "se-1", models.SessionCreated, testutil.FixedTime))
	require.NoError(t, store.AddSnapshot(ctx, "se-2", models.SessionCreated, testutil.FixedTime))

	got, err := store.ListSnapshotsBySession(ctx, "se-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "se-1", got[0].SessionID)

	empty, err := store.ListSnapshotsBySession(ctx, "se-3")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

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

func TestCreateStation(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		store := openTestStore(t)
		station := seedStation(t, store, testutil.StationOpts{ID: "st-1", Callsign: "MUCODE"})

		got, err := store.GetStation(ctx, "st-1")
		require.NoError(t, err)
		assert.Equal(t, station.Callsign, got.Callsign)
		assert.Equal(t, models.StationAvailable, got.State)
		assert.Equal(t, models.TerminalIdle, got.TerminalState)
	})

	t.Run("nil store", func(t *testing.T) {
		err := (*Store)(nil).CreateStation(ctx, testutil.NewTestStation(testutil.StationOpts{}))
		assert.EqualError(t, err, "db store is nil")
	})

	t.Run("empty name allowed", func(t *testing.T) {
		store := openTestStore(t)
		station := testutil.NewTestStation(testutil.StationOpts{ID: "st-1", Callsign: "MUCODE"})
		station.Name = ""
		require.NoError(t, store.CreateStation(ctx, station))

		got, err := store.GetStation(ctx, "st-1")
		require.NoError(t, err)
		assert.Equal(t, "", got.Name)
	})

	t.Run("missing callsign", func(t *testing.T) {
		store := openTestStore(t)
		station := testutil.NewTestStation(testutil.StationOpts{})
		station.Callsign = ""
		err := store.CreateStation(ctx, station)
		assert.EqualError(t, err, "station callsign is required")
	})

	t.Run("duplicate callsign rejected", func(t *testing.T) {
		store := openTestStore(t)
		seedStation(t, store, testutil.StationOpts{ID: "st-1", Callsign: "MUCODE"})
		err := store.CreateStation(ctx, testutil.NewTestStation(testutil.StationOpts{ID: "st-2", Callsign: "MUCODE"}))
		assert.Error(t, err)
	})
}

func TestGetStationByCallsign(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedStation(t, store, testutil.StationOpts{ID: "st-1", Callsign: "MUCODE"})

	got, err := store.GetStationByCallsign(ctx, "MUCODE")
	require.NoError(t, err)
	assert.Equal(t, "st-1", got.ID)

	_, err = store.GetStationByCallsign(ctx, "UNKNOWN")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestUpdateTerminalState(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedStation(t, store, testutil.StationOpts{ID: "st-1"})

	require.NoError(t, store.UpdateTerminalState(ctx, "st-1", models.TerminalVerification))
	got, err := store.GetStation(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, models.TerminalVerification, got.TerminalState)

	err = store.UpdateTerminalState(ctx, "nope", models.TerminalIdle)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestUpdateStationState(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedStation(t, store, testutil.StationOpts{ID: "st-1"})

	require.NoError(t, store.UpdateStationState(ctx, "st-1", models.StationMaintenance))
	got, err := store.GetStation(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, models.StationMaintenance, got.State)
}

func TestAddStationSessionStats(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedStation(t, store, testutil.StationOpts{ID: "st-1"})

	require.NoError(t, store.AddStationSessionStats(ctx, "st-1", 30*time.Minute))
	require.NoError(t, store.AddStationSessionStats(ctx, "st-1", 15*time.Minute))

	got, err := store.GetStation(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalSessionCount)
	assert.Equal(t, 45*time.Minute, got.TotalSessionDuration)
}

func TestListStations(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedStation(t, store, testutil.StationOpts{ID: "st-2", Callsign: "BBB"})
	seedStation(t, store, testutil.StationOpts{ID: "st-1", Callsign: "AAA"})

	got, err := store.ListStations(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "AAA", got[0].Callsign)
	assert.Equal(t, "BBB", got[1].Callsign)
}

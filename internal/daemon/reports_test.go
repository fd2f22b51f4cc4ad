package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockerfleet/lockerfleet/internal/models"
	testutil "github.com/lockerfleet/lockerfleet/internal/testing"
)

func TestHandleTerminalConfirmation(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown station is dropped", func(t *testing.T) {
		f := newFixture(t)
		f.engine.HandleTerminalConfirmation(ctx, "GHOST", models.TerminalVerification)
	})

	t.Run("busy mode without a pending task is dropped", func(t *testing.T) {
		f := newFixture(t)
		station := f.seedStation(t, testutil.StationOpts{})

		f.engine.HandleTerminalConfirmation(ctx, station.Callsign, models.TerminalVerification)

		reloaded, err := f.store.GetStation(ctx, station.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TerminalIdle, reloaded.TerminalState)
	})

	t.Run("out of service needs no pending task", func(t *testing.T) {
		f := newFixture(t)
		station := f.seedStation(t, testutil.StationOpts{})

		f.engine.HandleTerminalConfirmation(ctx, station.Callsign, models.TerminalOutOfService)

		reloaded, err := f.store.GetStation(ctx, station.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TerminalOutOfService, reloaded.TerminalState)
	})
}

func TestHandleTerminalReport(t *testing.T) {
	ctx := context.Background()

	t.Run("mode mismatch is dropped without mutation", func(t *testing.T) {
		f := newFixture(t)
		f.seedStationWithLockers(t, 1)
		session := f.startedSession(t, testutil.TestUserID, models.PaymentTerminal)
		_, err := f.engine.RequestVerification(ctx, session.ID)
		require.NoError(t, err)

		// The terminal never confirmed VERIFICATION; a payment report now
		// contradicts the persisted terminal state.
		f.engine.HandleTerminalReport(ctx, testutil.TestStationCallsign, models.SessionPaymentPending, models.TerminalPayment)

		assert.Equal(t, models.SessionVerificationPending, f.session(t, session.ID).State)
		_, err = f.store.PendingTerminalTask(ctx, session.StationID)
		require.NoError(t, err)
	})

	t.Run("session state mismatch is dropped", func(t *testing.T) {
		f := newFixture(t)
		f.seedStationWithLockers(t, 1)
		session := f.startedSession(t, testutil.TestUserID, models.PaymentTerminal)
		_, err := f.engine.RequestVerification(ctx, session.ID)
		require.NoError(t, err)
		f.engine.HandleTerminalConfirmation(ctx, testutil.TestStationCallsign, models.TerminalVerification)

		f.engine.HandleTerminalReport(ctx, testutil.TestStationCallsign, models.SessionPaymentPending, models.TerminalVerification)

		assert.Equal(t, models.SessionVerificationPending, f.session(t, session.ID).State)
	})

	t.Run("report without a pending task is dropped", func(t *testing.T) {
		f := newFixture(t)
		f.seedStation(t, testutil.StationOpts{})
		f.engine.HandleTerminalReport(ctx, testutil.TestStationCallsign, models.SessionVerificationPending, models.TerminalIdle)
	})
}

func TestHandleLockerConfirmation(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown locker is dropped", func(t *testing.T) {
		f := newFixture(t)
		f.engine.HandleLockerConfirmation(ctx, "GHOST-01")
	})

	t.Run("confirmation without a pending unlock still records the state", func(t *testing.T) {
		f := newFixture(t)
		f.seedStation(t, testutil.StationOpts{})
		locker := f.seedLocker(t, testutil.LockerOpts{})

		f.engine.HandleLockerConfirmation(ctx, locker.Callsign)

		reloaded, err := f.store.GetLocker(ctx, locker.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LockerUnlocked, reloaded.ReportedState)
	})

	t.Run("confirmation opens the lock report window", func(t *testing.T) {
		f := newFixture(t)
		f.seedStationWithLockers(t, 1)
		session := f.startedSession(t, testutil.TestUserID, models.PaymentApp)
		_, err := f.engine.RequestVerification(ctx, session.ID)
		require.NoError(t, err)
		_, err = f.engine.CompleteVerification(ctx, session.ID)
		require.NoError(t, err)

		f.engine.HandleLockerConfirmation(ctx, "MUCODE-01")

		task, err := f.store.FindPendingTask(ctx, session.ID, models.TargetLocker, models.TaskReport)
		require.NoError(t, err)
		assert.Equal(t, []models.SessionState{models.SessionStale}, task.TimeoutStates)
	})
}

func TestHandleLockerReport(t *testing.T) {
	ctx := context.Background()

	t.Run("report without a session is dropped", func(t *testing.T) {
		f := newFixture(t)
		f.seedStation(t, testutil.StationOpts{})
		locker := f.seedLocker(t, testutil.LockerOpts{})

		f.engine.HandleLockerReport(ctx, locker.Callsign)

		reloaded, err := f.store.GetLocker(ctx, locker.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LockerLocked, reloaded.ReportedState)
	})

	t.Run("lock report starts the rental with an abandonment window", func(t *testing.T) {
		f := newFixture(t)
		f.seedStationWithLockers(t, 1)
		session := f.startedSession(t, testutil.TestUserID, models.PaymentApp)
		_, err := f.engine.RequestVerification(ctx, session.ID)
		require.NoError(t, err)
		_, err = f.engine.CompleteVerification(ctx, session.ID)
		require.NoError(t, err)
		f.engine.HandleLockerConfirmation(ctx, "MUCODE-01")
		f.clock.Advance(30 * time.Second)

		f.engine.HandleLockerReport(ctx, "MUCODE-01")

		assert.Equal(t, models.SessionActive, f.session(t, session.ID).State)
		task, err := f.store.FindPendingTask(ctx, session.ID, models.TargetUser, models.TaskReport)
		require.NoError(t, err)
		assert.Equal(t, []models.SessionState{models.SessionAbandoned}, task.TimeoutStates)
	})

	t.Run("duplicate lock report is dropped", func(t *testing.T) {
		f := newFixture(t)
		f.seedStationWithLockers(t, 1)
		session := f.startedSession(t, testutil.TestUserID, models.PaymentApp)
		_, err := f.engine.RequestVerification(ctx, session.ID)
		require.NoError(t, err)
		_, err = f.engine.CompleteVerification(ctx, session.ID)
		require.NoError(t, err)
		f.engine.HandleLockerConfirmation(ctx, "MUCODE-01")
		f.engine.HandleLockerReport(ctx, "MUCODE-01")
		require.Equal(t, models.SessionActive, f.session(t, session.ID).State)

		// The second report finds no lock expectation and changes nothing.
		f.engine.HandleLockerReport(ctx, "MUCODE-01")
		assert.Equal(t, models.SessionActive, f.session(t, session.ID).State)
	})
}

func TestSetStationState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	station := f.seedStation(t, testutil.StationOpts{})

	updated, err := f.engine.SetStationState(ctx, station.Callsign, models.StationMaintenance)
	require.NoError(t, err)
	assert.Equal(t, models.StationMaintenance, updated.State)

	_, err = f.engine.SetStationState(ctx, station.Callsign, "BROKEN")
	require.Error(t, err)

	_, err = f.engine.SetStationState(ctx, "GHOST", models.StationAvailable)
	require.ErrorIs(t, err, models.ErrNotFound)
}

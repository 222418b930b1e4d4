package state

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testMachine() *Machine {
	return NewMachine(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// A fresh machine starts in Standby.
func Test_Unit_Machine_InitialState_Success(t *testing.T) {
	t.Parallel()

	m := testMachine()
	require.Equal(t, Standby, m.Current())
	require.False(t, m.IsTransfer())
	require.False(t, m.IsUtility())
}

// The allowed transition graph should round-trip through both modes.
func Test_Unit_Machine_AllowedTransitions_Success(t *testing.T) {
	t.Parallel()

	m := testMachine()

	require.NoError(t, m.EnterTransfer())
	require.True(t, m.IsTransfer())
	require.NoError(t, m.ExitTransfer())
	require.Equal(t, Standby, m.Current())

	require.NoError(t, m.EnterUtility())
	require.True(t, m.IsUtility())
	require.NoError(t, m.ExitUtility())
	require.Equal(t, Standby, m.Current())
}

// Transitions outside the graph should fail deterministically, carrying the
// states involved.
func Test_Unit_Machine_InvalidTransitions_Failure(t *testing.T) {
	t.Parallel()

	m := testMachine()

	// Exit without entry.
	require.Error(t, m.ExitTransfer())
	require.Error(t, m.ExitUtility())

	require.NoError(t, m.EnterTransfer())

	// No Transfer -> Utility and no double entry.
	err := m.EnterUtility()
	require.Error(t, err)

	var transErr *InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
	require.Equal(t, Transfer, transErr.From)
	require.Equal(t, Utility, transErr.To)

	require.Error(t, m.EnterTransfer())

	require.NoError(t, m.ExitTransfer())
	require.NoError(t, m.EnterUtility())
	require.Error(t, m.EnterTransfer())
	require.Error(t, m.EnterUtility())
}

// EnterStandby is idempotent and allowed from any state.
func Test_Unit_Machine_EnterStandbyIdempotent_Success(t *testing.T) {
	t.Parallel()

	m := testMachine()

	m.EnterStandby()
	require.Equal(t, Standby, m.Current())

	require.NoError(t, m.EnterTransfer())
	m.EnterStandby()
	require.Equal(t, Standby, m.Current())

	require.NoError(t, m.EnterUtility())
	m.EnterStandby()
	require.Equal(t, Standby, m.Current())
}

// Transfer time should accumulate across sessions.
func Test_Unit_Machine_TransferTimeAccumulates_Success(t *testing.T) {
	t.Parallel()

	m := testMachine()

	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	require.NoError(t, m.EnterTransfer())
	clock = clock.Add(90 * time.Second)
	require.NoError(t, m.ExitTransfer())

	require.Equal(t, 90*time.Second, m.TotalTransferTime())

	require.NoError(t, m.EnterTransfer())
	clock = clock.Add(30 * time.Second)
	m.EnterStandby() // forced standby also folds in the running timer

	require.Equal(t, 120*time.Second, m.TotalTransferTime())
}

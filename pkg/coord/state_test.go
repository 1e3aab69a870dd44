package coord

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestValidTransitionTable(t *testing.T) {
	allowed := []struct{ from, to State }{
		{Disconnected, Connecting},
		{Connecting, Synchronized},
		{Connecting, Failed},
		{Connecting, Disconnected},
		{Synchronized, Completed},
		{Synchronized, Failed},
		{Synchronized, Disconnected},
	}
	for _, tr := range allowed {
		require.True(t, ValidTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to State }{
		{Disconnected, Synchronized},
		{Disconnected, Completed},
		{Connecting, Completed},
		{Completed, Connecting},
		{Completed, Disconnected},
		{Failed, Connecting},
		{Failed, Disconnected},
	}
	for _, tr := range denied {
		require.False(t, ValidTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestTerminalStates(t *testing.T) {
	require.True(t, Completed.Terminal())
	require.True(t, Failed.Terminal())
	require.False(t, Disconnected.Terminal())
	require.False(t, Connecting.Terminal())
	require.False(t, Synchronized.Terminal())
}

func TestStateMachineTransitions(t *testing.T) {
	sm := newStateMachine(clock.NewMock())
	require.Equal(t, Disconnected, sm.Current())

	require.NoError(t, sm.TransitionTo(Connecting, "start"))
	require.NoError(t, sm.TransitionTo(Synchronized, "ready"))
	require.Equal(t, Synchronized, sm.Current())

	err := sm.TransitionTo(Connecting, "backwards")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, Synchronized, sm.Current())

	hist := sm.History()
	require.Len(t, hist, 2)
	require.Equal(t, Disconnected, hist[0].From)
	require.Equal(t, Connecting, hist[0].To)
	require.Equal(t, "ready", hist[1].Trigger)
}

func TestStateMachineHistoryBounded(t *testing.T) {
	sm := newStateMachine(clock.NewMock())
	// bounce between two states well past the cap
	for i := 0; i < 120; i++ {
		if sm.Current() == Disconnected {
			require.NoError(t, sm.TransitionTo(Connecting, "up"))
		} else {
			require.NoError(t, sm.TransitionTo(Disconnected, "down"))
		}
	}
	require.Len(t, sm.History(), maxTransitionHistory)
}

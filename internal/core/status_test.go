package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunTransitions(t *testing.T) {
	require.True(t, RunScheduled.CanTransition(RunRunning))
	require.True(t, RunRunning.CanTransition(RunFinished))
	require.True(t, RunRunning.CanTransition(RunFailed))

	require.False(t, RunFinished.CanTransition(RunRunning))
	require.False(t, RunFailed.CanTransition(RunRunning))
	require.False(t, RunScheduled.CanTransition(RunFinished))

	require.True(t, RunFinished.Terminal())
	require.True(t, RunFailed.Terminal())
	require.False(t, RunRunning.Terminal())
}

func TestMessageTransitions(t *testing.T) {
	require.True(t, MessagePending.CanTransition(MessageQueued))
	require.True(t, MessageQueued.CanTransition(MessageSent))
	require.True(t, MessageQueued.CanTransition(MessageFailed))
	// Retry path re-queues a failed message.
	require.True(t, MessageFailed.CanTransition(MessageQueued))

	require.False(t, MessageSent.CanTransition(MessageFailed))
	require.False(t, MessagePending.CanTransition(MessageSent))
}

func TestTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("09:30")
	require.NoError(t, err)
	require.Equal(t, 9, tod.Hour())
	require.Equal(t, 30, tod.Minute())
	require.Equal(t, "09:30", tod.String())

	_, err = ParseTimeOfDay("24:00")
	require.Error(t, err)
	_, err = ParseTimeOfDay("oops")
	require.Error(t, err)
}

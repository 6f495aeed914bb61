package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name  string
		state State
		event fsmEvent
		next  State
		note  Notification
		valid bool
	}{
		{"acquire starts connecting", Disconnected, evAcquire, Connecting, NoteNone, true},
		{"ack connects", Connecting, evAck, Connected, NoteConnected, true},
		{"connect failure starts reconnecting", Connecting, evDrop, Reconnecting, NoteReconnecting, true},
		{"drop starts reconnecting", Connected, evDrop, Reconnecting, NoteReconnecting, true},
		{"reconnect ack connects", Reconnecting, evAck, Connected, NoteConnected, true},
		{"retry failure is silent", Reconnecting, evDrop, Reconnecting, NoteNone, true},
		{"exhaustion fails", Reconnecting, evExhausted, Failed, NoteFailed, true},
		{"exhaustion while connecting fails", Connecting, evExhausted, Failed, NoteFailed, true},
		{"acquire while connected is invalid", Connected, evAcquire, Connected, NoteNone, false},
		{"ack while disconnected is invalid", Disconnected, evAck, Disconnected, NoteNone, false},
		{"failed is terminal for acquire", Failed, evAcquire, Failed, NoteNone, false},
		{"failed is terminal for ack", Failed, evAck, Failed, NoteNone, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, note, err := transition(tc.state, tc.event)
			if !tc.valid {
				require.ErrorIs(t, err, ErrInvalidTransition)
				require.Equal(t, tc.state, next, "invalid events must not move the state")
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.next, next)
			require.Equal(t, tc.note, note)
		})
	}
}

func TestCloseIsLegalFromEveryState(t *testing.T) {
	for _, s := range []State{Disconnected, Connecting, Connected, Reconnecting, Failed} {
		next, note, err := transition(s, evClose)
		require.NoError(t, err, "close from %s", s)
		require.Equal(t, Disconnected, next)
		require.Equal(t, NoteDisconnected, note)
	}
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "disconnected", Disconnected.String())
	require.Equal(t, "connecting", Connecting.String())
	require.Equal(t, "connected", Connected.String())
	require.Equal(t, "reconnecting", Reconnecting.String())
	require.Equal(t, "failed", Failed.String())
}

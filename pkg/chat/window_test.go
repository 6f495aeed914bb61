package chat

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func mkMessages(system, rest int) []*Message {
	var out []*Message
	for i := 0; i < system; i++ {
		out = append(out, newMessage(RoleSystem, fmt.Sprintf("sys-%d", i), StatusComplete))
	}
	for i := 0; i < rest; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		out = append(out, newMessage(role, fmt.Sprintf("turn-%d", i), StatusComplete))
	}
	return out
}

func TestBuildWindowDisabledReturnsInputUnchanged(t *testing.T) {
	w := NewSlidingWindow(DefaultWindowSize)

	for _, msgs := range [][]*Message{nil, {}, mkMessages(2, 30)} {
		got := w.BuildWindow(msgs, false)
		require.Equal(t, msgs, got)
	}
}

func TestBuildWindowUnderLimitReturnsInputUnchanged(t *testing.T) {
	w := NewSlidingWindow(DefaultWindowSize)
	msgs := mkMessages(0, 10)

	got := w.BuildWindow(msgs, true)
	require.Equal(t, msgs, got)
}

func TestBuildWindowKeepsSystemAndRecentTurns(t *testing.T) {
	w := NewSlidingWindow(DefaultWindowSize)
	msgs := mkMessages(2, 12)

	got := w.BuildWindow(msgs, true)
	require.Len(t, got, 12)

	// system messages first, in original order
	require.Equal(t, "sys-0", got[0].Content)
	require.Equal(t, "sys-1", got[1].Content)
	// then the last 10 non-system turns, in original order
	for i := 0; i < 10; i++ {
		require.Equal(t, fmt.Sprintf("turn-%d", i+2), got[2+i].Content)
	}
}

func TestBuildWindowNeverDropsSystemMessages(t *testing.T) {
	w := NewSlidingWindow(3)
	msgs := mkMessages(5, 20)

	got := w.BuildWindow(msgs, true)
	require.Len(t, got, 8)
	for i := 0; i < 5; i++ {
		require.Equal(t, RoleSystem, got[i].Role)
	}
}

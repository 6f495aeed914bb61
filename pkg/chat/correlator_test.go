package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	Event   string
	Payload any
}

// fakeSender records outbound sends and lets tests move the channel epoch.
type fakeSender struct {
	mu      sync.Mutex
	sent    []sentEvent
	epoch   uint64
	sendErr error
}

func (f *fakeSender) Send(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentEvent{Event: event, Payload: payload})
	return nil
}

func (f *fakeSender) Epoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch
}

func (f *fakeSender) bumpEpoch() {
	f.mu.Lock()
	f.epoch++
	f.mu.Unlock()
}

func (f *fakeSender) sentEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

func lookupOne(conv *Conversation) func(string) *Conversation {
	return func(id string) *Conversation {
		if conv != nil && conv.ID == id {
			return conv
		}
		return nil
	}
}

func TestBeginExchangeOpensPlaceholderAndSends(t *testing.T) {
	sender := &fakeSender{}
	c := NewCorrelator(sender)
	conv := NewConversation("t", "")

	ex, err := c.BeginExchange(context.Background(), conv, "send_message", map[string]string{"message": "hi"})
	require.NoError(t, err)
	require.Equal(t, conv.ID, ex.ConversationID)

	require.Len(t, conv.Messages, 1)
	placeholder := conv.Messages[0]
	require.Equal(t, RoleAssistant, placeholder.Role)
	require.Equal(t, StatusSending, placeholder.Status)
	require.Equal(t, placeholder.ID, ex.MessageID)
	require.Len(t, sender.sentEvents(), 1)
	require.Equal(t, "send_message", sender.sentEvents()[0].Event)
}

func TestBeginExchangeBusyLeavesStateUnchanged(t *testing.T) {
	sender := &fakeSender{}
	c := NewCorrelator(sender)
	conv := NewConversation("t", "")

	first, err := c.BeginExchange(context.Background(), conv, "send_message", nil)
	require.NoError(t, err)

	_, err = c.BeginExchange(context.Background(), conv, "send_message", nil)
	require.ErrorIs(t, err, ErrExchangeBusy)

	require.Len(t, conv.Messages, 1, "no second placeholder")
	require.Len(t, sender.sentEvents(), 1, "no second send")
	require.True(t, c.PendingFor(conv.ID))
	require.Equal(t, first.MessageID, conv.Messages[0].ID)
}

func TestBeginExchangeSendFailureFailsPlaceholder(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("transport down")}
	c := NewCorrelator(sender)
	conv := NewConversation("t", "")

	_, err := c.BeginExchange(context.Background(), conv, "send_message", nil)
	require.Error(t, err)

	require.Len(t, conv.Messages, 1)
	require.Equal(t, StatusError, conv.Messages[0].Status)
	require.False(t, c.PendingFor(conv.ID), "failed exchange must not stay pending")
}

func TestCompleteExchangeResolvesOldestPending(t *testing.T) {
	sender := &fakeSender{}
	c := NewCorrelator(sender)
	conv := NewConversation("t", "")

	_, err := c.BeginExchange(context.Background(), conv, "send_message", nil)
	require.NoError(t, err)

	ex, msg, err := c.CompleteExchange("hello there", lookupOne(conv), HeuristicEstimator{})
	require.NoError(t, err)
	require.Equal(t, conv.ID, ex.ConversationID)
	require.Equal(t, StatusComplete, msg.Status)
	require.Equal(t, "hello there", msg.Content)
	require.Equal(t, 3, msg.TokenCount)
	require.False(t, c.PendingFor(conv.ID))
}

func TestCompleteExchangeWithoutPendingIsCorrelationError(t *testing.T) {
	sender := &fakeSender{}
	c := NewCorrelator(sender)
	conv := NewConversation("t", "")

	_, _, err := c.CompleteExchange("late answer", lookupOne(conv), HeuristicEstimator{})
	require.ErrorIs(t, err, ErrNoPendingExchange)
	require.Empty(t, conv.Messages, "nothing may be mutated")
}

func TestFailExchangeUsesFixedNotice(t *testing.T) {
	sender := &fakeSender{}
	c := NewCorrelator(sender)
	conv := NewConversation("t", "")

	_, err := c.BeginExchange(context.Background(), conv, "send_message", nil)
	require.NoError(t, err)

	_, msg, err := c.FailExchange("upstream error", lookupOne(conv))
	require.NoError(t, err)
	require.Equal(t, StatusError, msg.Status)
	require.Equal(t, failedExchangeNotice, msg.Content)
	require.Zero(t, msg.TokenCount, "no credit on failure")
	require.False(t, c.PendingFor(conv.ID))
}

func TestStaleExchangeIsNeverCompletedByLateAnswer(t *testing.T) {
	sender := &fakeSender{}
	c := NewCorrelator(sender)
	conv := NewConversation("t", "")

	_, err := c.BeginExchange(context.Background(), conv, "send_message", nil)
	require.NoError(t, err)

	// channel teardown: the pending exchange goes stale
	sender.bumpEpoch()

	_, _, err = c.CompleteExchange("late answer", lookupOne(conv), HeuristicEstimator{})
	require.ErrorIs(t, err, ErrNoPendingExchange)

	// the abandoned placeholder resolves to error locally, never to the answer
	require.Len(t, conv.Messages, 1)
	require.Equal(t, StatusError, conv.Messages[0].Status)
	require.NotContains(t, conv.Messages[0].Content, "late answer")
}

func TestSweepStaleFreesConversationForNewExchange(t *testing.T) {
	sender := &fakeSender{}
	c := NewCorrelator(sender)
	conv := NewConversation("t", "")

	_, err := c.BeginExchange(context.Background(), conv, "send_message", nil)
	require.NoError(t, err)

	sender.bumpEpoch()
	c.SweepStale(lookupOne(conv))

	require.False(t, c.PendingFor(conv.ID))
	require.Equal(t, StatusError, conv.Messages[0].Status)

	_, err = c.BeginExchange(context.Background(), conv, "send_message", nil)
	require.NoError(t, err)
	require.Equal(t, 1, conv.sendingCount())
}

package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/dartopia/codeflow/pkg/channel"
)

// loopTransport answers every send_message frame with a canned
// receive_message frame, standing in for the live backend.
type loopTransport struct {
	mu      sync.Mutex
	frames  chan channel.Envelope
	done    chan struct{}
	once    sync.Once
	answers map[string]string
}

func newLoopTransport(answers map[string]string) *loopTransport {
	return &loopTransport{
		frames:  make(chan channel.Envelope, 16),
		done:    make(chan struct{}),
		answers: answers,
	}
}

func (t *loopTransport) ReadFrame() (channel.Envelope, error) {
	select {
	case env := <-t.frames:
		return env, nil
	case <-t.done:
		return channel.Envelope{}, errors.New("transport closed")
	}
}

func (t *loopTransport) WriteFrame(env channel.Envelope) error {
	if env.Event != channel.EventSendMessage {
		return nil
	}
	var req channel.SendMessagePayload
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return err
	}
	answer, ok := t.answers[req.Message]
	if !ok {
		answer = "unknown prompt"
	}
	data, _ := json.Marshal(channel.ReceiveMessagePayload{Response: answer})
	t.frames <- channel.Envelope{Event: channel.EventReceiveMessage, Data: data}
	return nil
}

func (t *loopTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

type loopDialer struct {
	answers map[string]string
}

func (d *loopDialer) Dial(_ context.Context, _ string) (channel.Transport, error) {
	return newLoopTransport(d.answers), nil
}

func TestSubmitThroughChannelRoundTrip(t *testing.T) {
	cfg := channel.DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour

	mgr, err := channel.NewManager(cfg, channel.WithDialer(&loopDialer{
		answers: map[string]string{"hi": "hello there"},
	}))
	require.NoError(t, err)
	defer mgr.Close()

	replies := make(chan *Message, 1)
	store, err := NewSessionStore(SessionStoreConfig{
		Model: "gemini-test",
		OnAssistantMessage: func(convID string, msg *Message) {
			replies <- msg
		},
	}, mgr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop, err := store.Attach(ctx, mgr.Bus())
	require.NoError(t, err)
	go func() { _ = loop() }()

	require.NoError(t, mgr.Acquire(ctx))
	require.Eventually(t, func() bool { return mgr.State() == channel.Connected }, time.Second, time.Millisecond)

	_, err = store.SubmitMessage(ctx, "hi")
	require.NoError(t, err)

	select {
	case msg := <-replies:
		require.Equal(t, StatusComplete, msg.Status)
		require.Equal(t, "hello there", msg.Content)
		require.Equal(t, 3, msg.TokenCount)
	case <-time.After(time.Second):
		t.Fatal("no assistant reply arrived")
	}

	conv := store.ActiveConversation()
	require.Equal(t, 1, conv.Usage.Input)
	require.Equal(t, 3, conv.Usage.Output)
	require.Equal(t, 4, conv.Usage.Total)
}

package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dartopia/codeflow/pkg/channel"
)

// ErrEmptyMessage rejects empty or whitespace-only outbound content before
// any send or state mutation happens.
var ErrEmptyMessage = errors.New("message is empty")

// ErrNoSuchConversation reports an unknown conversation id.
var ErrNoSuchConversation = errors.New("no such conversation")

// DefaultTitle names conversations created implicitly on first use.
const DefaultTitle = "New Conversation"

// SessionStoreConfig carries the request parameters attached to every
// outbound exchange plus the pluggable policies.
type SessionStoreConfig struct {
	Model        string
	Temperature  float64
	EnableVoice  bool
	UseWindowing bool
	// Window defaults to a SlidingWindow of DefaultWindowSize.
	Window WindowPolicy
	// Estimator defaults to the heuristic ceil(len/4) proxy.
	Estimator Estimator
	// OnAssistantMessage, when set, fires after an assistant placeholder
	// reaches a terminal status. It runs outside the store lock; presentation
	// layers hang off this hook instead of reaching into store internals.
	OnAssistantMessage func(convID string, msg *Message)
}

// SessionStore owns the conversation collection and the active-conversation
// pointer. Every user action and every inbound event runs through it, behind
// one mutex, so there is exactly one logical writer for conversation state.
type SessionStore struct {
	mu         sync.Mutex
	cfg        SessionStoreConfig
	sender     Sender
	correlator *Correlator

	conversations map[string]*Conversation
	order         []string
	activeID      string
}

func NewSessionStore(cfg SessionStoreConfig, sender Sender) (*SessionStore, error) {
	if sender == nil {
		return nil, errors.New("session store sender is nil")
	}
	if cfg.Model == "" {
		return nil, errors.New("session store model is empty")
	}
	if cfg.Window == nil {
		cfg.Window = NewSlidingWindow(DefaultWindowSize)
	}
	if cfg.Estimator == nil {
		cfg.Estimator = HeuristicEstimator{}
	}
	return &SessionStore{
		cfg:           cfg,
		sender:        sender,
		correlator:    NewCorrelator(sender),
		conversations: map[string]*Conversation{},
	}, nil
}

// NewConversation creates a conversation and makes it active.
func (s *SessionStore) NewConversation(title, systemInstructions string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(title, systemInstructions)
}

// ActiveConversation returns the active conversation, creating one on first
// use.
func (s *SessionStore) ActiveConversation() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

// SelectConversation switches the active-conversation pointer.
func (s *SessionStore) SelectConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return errors.Wrap(ErrNoSuchConversation, id)
	}
	s.activeID = id
	return nil
}

// DeleteConversation removes a conversation and its messages. Individual
// messages are never deleted; this is the only destruction path.
func (s *SessionStore) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return errors.Wrap(ErrNoSuchConversation, id)
	}
	delete(s.conversations, id)
	for i, cid := range s.order {
		if cid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.activeID == id {
		s.activeID = ""
	}
	return nil
}

// RenameConversation updates a conversation title.
func (s *SessionStore) RenameConversation(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return errors.Wrap(ErrNoSuchConversation, id)
	}
	conv.Title = title
	return nil
}

// Conversations lists all conversations in creation order.
func (s *SessionStore) Conversations() []*Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.conversations[id])
	}
	return out
}

// SubmitMessage turns one user turn into an asynchronous exchange: the user
// message is appended (already terminal), input tokens are credited, the
// context window is built over the history as it stood before this turn, and
// an assistant placeholder goes into StatusSending until the answer arrives.
func (s *SessionStore) SubmitMessage(ctx context.Context, text string) (*Message, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.activeLocked()
	s.correlator.SweepStale(s.lookupLocked)
	if s.correlator.PendingFor(conv.ID) {
		return nil, ErrExchangeBusy
	}

	// The window deliberately excludes the new turn: it travels in the
	// message field, never duplicated into history.
	history := s.cfg.Window.BuildWindow(conv.Messages, s.cfg.UseWindowing)
	payload := channel.SendMessagePayload{
		Message:            trimmed,
		Model:              s.cfg.Model,
		History:            toHistory(history),
		SystemInstructions: conv.SystemInstructions,
		Temperature:        s.cfg.Temperature,
		EnableVoice:        s.cfg.EnableVoice,
	}

	user := newMessage(RoleUser, trimmed, StatusComplete)
	user.TokenCount = s.cfg.Estimator.Estimate(trimmed)
	conv.appendMessage(user)
	conv.Usage.creditInput(user.TokenCount)

	if _, err := s.correlator.BeginExchange(ctx, conv, channel.EventSendMessage, payload); err != nil {
		return user, err
	}
	return user, nil
}

// StartScreenShare submits a screen capture for analysis through the same
// exchange mechanism; the answer arrives as screen_sharing_response.
func (s *SessionStore) StartScreenShare(ctx context.Context, screenData string) error {
	if strings.TrimSpace(screenData) == "" {
		return ErrEmptyMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.activeLocked()
	s.correlator.SweepStale(s.lookupLocked)
	if s.correlator.PendingFor(conv.ID) {
		return ErrExchangeBusy
	}
	payload := channel.StartScreenSharingPayload{
		ScreenData: screenData,
		Model:      s.cfg.Model,
	}
	_, err := s.correlator.BeginExchange(ctx, conv, channel.EventStartScreenSharing, payload)
	return err
}

// HandleEnvelope dispatches one inbound wire event. Unmatched answers are
// correlation failures: logged and dropped without touching conversation
// state.
func (s *SessionStore) HandleEnvelope(env channel.Envelope) {
	switch env.Event {
	case channel.EventReceiveMessage:
		var p channel.ReceiveMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Warn().Err(err).Str("component", "session").Str("event", env.Event).Msg("malformed inbound payload")
			return
		}
		if p.VoiceError != "" {
			log.Warn().Str("component", "session").Str("voice_error", p.VoiceError).Msg("voice synthesis failed upstream")
		}
		s.completeExchange(p.Response)
	case channel.EventScreenSharingResponse:
		var p channel.ScreenSharingResponsePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Warn().Err(err).Str("component", "session").Str("event", env.Event).Msg("malformed inbound payload")
			return
		}
		s.completeExchange(p.Response)
	case channel.EventError:
		var p channel.ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Warn().Err(err).Str("component", "session").Str("event", env.Event).Msg("malformed inbound payload")
			return
		}
		s.failExchange("upstream error: " + p.Error)
	case channel.EventConnectionStatus, channel.EventServerReady:
		var p channel.StatusPayload
		_ = json.Unmarshal(env.Data, &p)
		log.Info().Str("component", "session").Str("event", env.Event).Str("status", p.Status).Msg("backend status")
	default:
		log.Debug().Str("component", "session").Str("event", env.Event).Msg("unhandled inbound event")
	}
}

// HandleLifecycle reacts to channel lifecycle notifications. A terminal
// channel failure fails every pending exchange so no placeholder stays in
// StatusSending forever.
func (s *SessionStore) HandleLifecycle(notice channel.LifecycleNotice) {
	log.Info().Str("component", "session").Str("kind", string(notice.Kind)).Msg("channel lifecycle")
	if notice.Kind != channel.NoteFailed {
		return
	}
	type failure struct {
		convID string
		msg    *Message
	}
	var failed []failure
	s.mu.Lock()
	for {
		ex, msg, err := s.correlator.FailExchange("channel failed", s.lookupLocked)
		if err != nil {
			break
		}
		failed = append(failed, failure{convID: ex.ConversationID, msg: msg})
	}
	s.mu.Unlock()
	if s.cfg.OnAssistantMessage != nil {
		for _, f := range failed {
			s.cfg.OnAssistantMessage(f.convID, f.msg)
		}
	}
}

// Attach subscribes to the channel bus and returns the loop that consumes it.
// Subscribing happens synchronously so no event published after Attach
// returns can be missed; the returned loop runs until ctx is cancelled.
func (s *SessionStore) Attach(ctx context.Context, bus *channel.Bus) (func() error, error) {
	inbound, err := bus.SubscribeInbound(ctx)
	if err != nil {
		return nil, err
	}
	lifecycle, err := bus.SubscribeLifecycle(ctx)
	if err != nil {
		return nil, err
	}
	loop := func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-inbound:
				if !ok {
					return nil
				}
				s.applyInbound(msg)
			case msg, ok := <-lifecycle:
				if !ok {
					return nil
				}
				s.applyLifecycle(msg)
			}
		}
	}
	return loop, nil
}

// Run consumes the channel bus until ctx is cancelled. Inbound events are
// applied in transport-receive order by this single consumer.
func (s *SessionStore) Run(ctx context.Context, bus *channel.Bus) error {
	loop, err := s.Attach(ctx, bus)
	if err != nil {
		return err
	}
	return loop()
}

func (s *SessionStore) applyInbound(msg *message.Message) {
	defer msg.Ack()
	var env channel.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("malformed inbound bus message")
		return
	}
	s.HandleEnvelope(env)
}

func (s *SessionStore) applyLifecycle(msg *message.Message) {
	defer msg.Ack()
	var notice channel.LifecycleNotice
	if err := json.Unmarshal(msg.Payload, &notice); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("malformed lifecycle bus message")
		return
	}
	s.HandleLifecycle(notice)
}

func (s *SessionStore) completeExchange(content string) {
	s.mu.Lock()
	ex, msg, err := s.correlator.CompleteExchange(content, s.lookupLocked, s.cfg.Estimator)
	if err != nil {
		s.mu.Unlock()
		log.Warn().Err(err).Str("component", "session").Msg("dropping uncorrelated answer")
		return
	}
	if conv := s.lookupLocked(ex.ConversationID); conv != nil {
		conv.Usage.creditOutput(msg.TokenCount)
	}
	s.mu.Unlock()
	if s.cfg.OnAssistantMessage != nil {
		s.cfg.OnAssistantMessage(ex.ConversationID, msg)
	}
}

func (s *SessionStore) failExchange(reason string) {
	s.mu.Lock()
	ex, msg, err := s.correlator.FailExchange(reason, s.lookupLocked)
	s.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Str("reason", reason).Msg("dropping uncorrelated failure")
		return
	}
	if s.cfg.OnAssistantMessage != nil {
		s.cfg.OnAssistantMessage(ex.ConversationID, msg)
	}
}

func (s *SessionStore) lookupLocked(convID string) *Conversation {
	return s.conversations[convID]
}

func (s *SessionStore) activeLocked() *Conversation {
	if conv, ok := s.conversations[s.activeID]; ok {
		return conv
	}
	return s.createLocked(DefaultTitle, "")
}

func (s *SessionStore) createLocked(title, systemInstructions string) *Conversation {
	if title == "" {
		title = DefaultTitle
	}
	conv := NewConversation(title, systemInstructions)
	s.conversations[conv.ID] = conv
	s.order = append(s.order, conv.ID)
	s.activeID = conv.ID
	log.Debug().Str("component", "session").Str("conv_id", conv.ID).Msg("conversation created")
	return conv
}

func toHistory(messages []*Message) []channel.HistoryEntry {
	out := make([]channel.HistoryEntry, 0, len(messages))
	for _, m := range messages {
		// Only terminal, successful turns travel in the window.
		if m.Status != StatusComplete {
			continue
		}
		out = append(out, channel.HistoryEntry{Role: string(m.Role), Content: m.Content})
	}
	return out
}

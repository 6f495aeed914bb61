package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrExchangeBusy signals that the conversation already has an exchange in
// flight. Nothing is mutated; the caller retries after the current exchange
// reaches a terminal state.
var ErrExchangeBusy = errors.New("an exchange is already pending for this conversation")

// ErrNoPendingExchange is the correlation failure: an inbound answer arrived
// with no live exchange to attach it to (duplicate, late, or post-teardown).
// Such events are logged and dropped without touching conversation state.
var ErrNoPendingExchange = errors.New("no pending exchange to correlate")

// failedExchangeNotice is the fixed user-facing content assigned to a
// placeholder when its exchange fails. The user resends manually; the core
// never auto-resubmits content.
const failedExchangeNotice = "Sorry, something went wrong while waiting for a response. Please try sending your message again."

// Sender is the outbound half of the channel as the correlator sees it.
// *channel.Manager satisfies it.
type Sender interface {
	Send(ctx context.Context, event string, payload any) error
	Epoch() uint64
}

// Exchange is one outbound request awaiting its single inbound answer. The id
// is generated locally at begin time; the transport does not carry it, so
// inbound answers resolve the oldest live exchange (FIFO). Epoch records the
// channel generation the request was sent on: answers arriving on a later
// generation are stale and never applied.
type Exchange struct {
	ID             string
	ConversationID string
	MessageID      string
	RequestedAt    time.Time
	Epoch          uint64
}

// Correlator matches outbound requests to inbound answers and drives the
// placeholder message through its terminal transition. It shares the
// SessionStore's lock: all methods are called with the store lock held.
type Correlator struct {
	sender  Sender
	pending map[string]*Exchange
	order   []string
}

func NewCorrelator(sender Sender) *Correlator {
	return &Correlator{
		sender:  sender,
		pending: map[string]*Exchange{},
	}
}

// BeginExchange opens an exchange for conv: it appends an assistant
// placeholder in StatusSending, records the exchange, and sends the outbound
// event. A send failure fails the exchange immediately so no placeholder is
// ever left dangling in StatusSending.
func (c *Correlator) BeginExchange(ctx context.Context, conv *Conversation, event string, payload any) (*Exchange, error) {
	if conv == nil {
		return nil, errors.New("nil conversation")
	}
	if c.pendingFor(conv.ID) != nil {
		return nil, ErrExchangeBusy
	}

	placeholder := newMessage(RoleAssistant, "", StatusSending)
	conv.appendMessage(placeholder)

	ex := &Exchange{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		MessageID:      placeholder.ID,
		RequestedAt:    time.Now(),
		Epoch:          c.sender.Epoch(),
	}
	c.pending[ex.ID] = ex
	c.order = append(c.order, ex.ID)

	if err := c.sender.Send(ctx, event, payload); err != nil {
		log.Warn().Err(err).
			Str("component", "correlator").
			Str("conv_id", conv.ID).
			Str("exchange_id", ex.ID).
			Msg("outbound send failed, failing exchange")
		c.resolve(ex, conv, func(m *Message) {
			m.Status = StatusError
			m.Content = failedExchangeNotice
		})
		return nil, errors.Wrap(err, "sending outbound request")
	}
	return ex, nil
}

// CompleteExchange resolves the oldest live exchange with the answer content.
// The estimator computes the placeholder's token count; the caller applies the
// usage credit. Returns the resolved exchange and message.
func (c *Correlator) CompleteExchange(content string, lookup func(convID string) *Conversation, est Estimator) (*Exchange, *Message, error) {
	ex, conv := c.oldestLive(lookup)
	if ex == nil {
		return nil, nil, ErrNoPendingExchange
	}
	var resolved *Message
	c.resolve(ex, conv, func(m *Message) {
		m.Status = StatusComplete
		m.Content = content
		m.TokenCount = est.Estimate(content)
		resolved = m
	})
	if resolved == nil {
		return nil, nil, ErrNoPendingExchange
	}
	return ex, resolved, nil
}

// FailExchange resolves the oldest live exchange with the fixed error notice.
func (c *Correlator) FailExchange(reason string, lookup func(convID string) *Conversation) (*Exchange, *Message, error) {
	ex, conv := c.oldestLive(lookup)
	if ex == nil {
		return nil, nil, ErrNoPendingExchange
	}
	log.Warn().
		Str("component", "correlator").
		Str("conv_id", ex.ConversationID).
		Str("exchange_id", ex.ID).
		Str("reason", reason).
		Msg("failing pending exchange")
	var resolved *Message
	c.resolve(ex, conv, func(m *Message) {
		m.Status = StatusError
		m.Content = failedExchangeNotice
		resolved = m
	})
	if resolved == nil {
		return nil, nil, ErrNoPendingExchange
	}
	return ex, resolved, nil
}

// PendingFor reports whether conv has a live exchange.
func (c *Correlator) PendingFor(convID string) bool {
	return c.pendingFor(convID) != nil
}

// SweepStale resolves exchanges abandoned by a channel teardown: their
// placeholders go to error so the conversation is free to submit again on the
// fresh channel.
func (c *Correlator) SweepStale(lookup func(convID string) *Conversation) {
	currentEpoch := c.sender.Epoch()
	for _, id := range append([]string(nil), c.order...) {
		ex, ok := c.pending[id]
		if !ok || ex.Epoch == currentEpoch {
			continue
		}
		log.Warn().
			Str("component", "correlator").
			Str("exchange_id", ex.ID).
			Uint64("exchange_epoch", ex.Epoch).
			Uint64("channel_epoch", currentEpoch).
			Msg("sweeping stale exchange")
		c.resolve(ex, lookup(ex.ConversationID), func(m *Message) {
			m.Status = StatusError
			m.Content = failedExchangeNotice
		})
	}
}

func (c *Correlator) pendingFor(convID string) *Exchange {
	for _, id := range c.order {
		ex, ok := c.pending[id]
		if ok && ex.ConversationID == convID {
			return ex
		}
	}
	return nil
}

// oldestLive walks the FIFO order, discarding stale entries (epoch mismatch
// or vanished conversation) until it finds an exchange the answer can still be
// applied to. The answer itself is never applied to a stale exchange; its
// abandoned placeholder is resolved to error locally so no message stays in
// StatusSending past a channel teardown.
func (c *Correlator) oldestLive(lookup func(convID string) *Conversation) (*Exchange, *Conversation) {
	currentEpoch := c.sender.Epoch()
	for len(c.order) > 0 {
		id := c.order[0]
		ex, ok := c.pending[id]
		if !ok {
			c.order = c.order[1:]
			continue
		}
		conv := lookup(ex.ConversationID)
		if conv == nil || ex.Epoch != currentEpoch {
			log.Warn().
				Str("component", "correlator").
				Str("exchange_id", ex.ID).
				Uint64("exchange_epoch", ex.Epoch).
				Uint64("channel_epoch", currentEpoch).
				Msg("dropping stale exchange")
			c.resolve(ex, conv, func(m *Message) {
				m.Status = StatusError
				m.Content = failedExchangeNotice
			})
			continue
		}
		return ex, conv
	}
	return nil, nil
}

func (c *Correlator) resolve(ex *Exchange, conv *Conversation, mutate func(*Message)) {
	if conv != nil {
		if m := conv.messageByID(ex.MessageID); m != nil && !m.Terminal() {
			mutate(m)
			conv.UpdatedAt = time.Now()
		}
	}
	c.drop(ex)
}

func (c *Correlator) drop(ex *Exchange) {
	delete(c.pending, ex.ID)
	for i, id := range c.order {
		if id == ex.ID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

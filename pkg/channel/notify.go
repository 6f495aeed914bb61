package channel

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Topics carried on the channel bus. Lifecycle carries LifecycleNotice frames;
// inbound carries raw wire Envelopes in transport-receive order.
const (
	TopicLifecycle = "channel.lifecycle"
	TopicInbound   = "channel.inbound"
)

// LifecycleNotice is one lifecycle notification as published on the bus.
type LifecycleNotice struct {
	Kind   Notification `json:"kind"`
	Detail string       `json:"detail,omitempty"`
}

// Bus fans channel events out to subscribers (the session store and any UI
// collaborators) over an in-process watermill pub/sub.
type Bus struct {
	pubsub *gochannel.GoChannel
}

func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			newWatermillLogger(log.Logger),
		),
	}
}

func (b *Bus) PublishLifecycle(note Notification, detail string) {
	payload, err := json.Marshal(LifecycleNotice{Kind: note, Detail: detail})
	if err != nil {
		log.Error().Err(err).Str("component", "channel").Msg("marshaling lifecycle notice")
		return
	}
	if err := b.pubsub.Publish(TopicLifecycle, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		log.Warn().Err(err).Str("component", "channel").Msg("publishing lifecycle notice")
	}
}

func (b *Bus) PublishInbound(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("component", "channel").Str("event", env.Event).Msg("marshaling inbound envelope")
		return
	}
	if err := b.pubsub.Publish(TopicInbound, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		log.Warn().Err(err).Str("component", "channel").Str("event", env.Event).Msg("publishing inbound envelope")
	}
}

// SubscribeLifecycle delivers lifecycle notices until ctx is cancelled.
func (b *Bus) SubscribeLifecycle(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, TopicLifecycle)
	if err != nil {
		return nil, errors.Wrap(err, "subscribing to lifecycle topic")
	}
	return ch, nil
}

// SubscribeInbound delivers inbound wire envelopes until ctx is cancelled.
func (b *Bus) SubscribeInbound(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, TopicInbound)
	if err != nil {
		return nil, errors.Wrap(err, "subscribing to inbound topic")
	}
	return ch, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// watermillLogger bridges watermill's logging into zerolog.
type watermillLogger struct {
	logger zerolog.Logger
}

func newWatermillLogger(logger zerolog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{logger: logger}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(l.logger.Error().Err(err), fields).Msg(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), fields).Msg(msg)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), fields).Msg(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(l.logger.Trace(), fields).Msg(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	logger := l.logger
	for k, v := range fields {
		logger = logger.With().Interface(k, v).Logger()
	}
	return &watermillLogger{logger: logger}
}

func (l *watermillLogger) event(ev *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}

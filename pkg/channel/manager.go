package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config is the channel configuration surface.
type Config struct {
	// Addr is the backend websocket address, e.g. ws://localhost:5000/ws.
	Addr string
	// MaxReconnectAttempts bounds consecutive failed connection attempts
	// before the channel transitions to Failed.
	MaxReconnectAttempts int
	// BaseDelay is the first reconnection delay; subsequent delays grow
	// exponentially up to MaxDelay and reset on every successful connect.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout time.Duration
	// HeartbeatInterval is the ping_server cadence while Connected.
	HeartbeatInterval time.Duration
	// SendRetryWait bounds how long Send waits for an implicit reconnect
	// before reporting failure.
	SendRetryWait time.Duration
	// Transports is the preference order tried at dial time.
	Transports []string
}

func DefaultConfig() Config {
	return Config{
		Addr:                 "ws://localhost:5000/ws",
		MaxReconnectAttempts: 5,
		BaseDelay:            time.Second,
		MaxDelay:             5 * time.Second,
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		SendRetryWait:        2 * time.Second,
		Transports:           []string{TransportWebsocket, TransportPolling},
	}
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("channel address is empty")
	}
	if c.MaxReconnectAttempts <= 0 {
		return errors.New("max reconnect attempts must be positive")
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return errors.New("invalid backoff delays")
	}
	for _, name := range c.Transports {
		if name != TransportWebsocket && name != TransportPolling {
			return errors.Errorf("unknown transport %q", name)
		}
	}
	return nil
}

// ErrChannelFailed is returned once reconnection attempts are exhausted.
// Failed is terminal: only Close() followed by a fresh Acquire() recovers.
var ErrChannelFailed = errors.New("channel failed, close and reacquire")

// ErrNotConnected is the Send failure when no connection could be established
// within the bounded retry wait.
var ErrNotConnected = errors.New("channel not connected")

// Manager owns one persistent connection to the backend: lifecycle,
// reconnection with capped exponential backoff, and the heartbeat probe. It is
// an explicit, injectable object rather than a module-level singleton so the
// composing application controls its lifetime and tests can substitute a
// scripted dialer.
type Manager struct {
	cfg    Config
	dialer Dialer
	bus    *Bus

	mu        sync.Mutex
	state     State
	transport Transport
	attempts  int
	epoch     uint64
	// gen guards callbacks from a torn-down connection session against
	// mutating state that belongs to a newer one.
	gen        int
	loopCancel context.CancelFunc
	// connected is closed while the channel is Connected and replaced with a
	// fresh open channel whenever it is not.
	connected chan struct{}

	// writeMu serializes frame writes (heartbeat vs business traffic).
	writeMu sync.Mutex
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer substitutes the transport dialer, typically with a test double.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithBus substitutes the notification bus.
func WithBus(b *Bus) Option {
	return func(m *Manager) { m.bus = b }
}

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid channel config")
	}
	m := &Manager{
		cfg:       cfg,
		state:     Disconnected,
		connected: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = NewWebsocketDialer(cfg.ConnectTimeout, cfg.Transports)
	}
	if m.bus == nil {
		m.bus = NewBus()
	}
	return m, nil
}

// Bus exposes the notification bus for subscribers.
func (m *Manager) Bus() *Bus { return m.bus }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Epoch identifies the current channel generation. It increments on every
// Close, so answers that were in flight across a teardown can be recognized
// as stale and dropped instead of being applied to a fresh exchange.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// ReconnectAttempts returns the consecutive failed attempt count.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Acquire ensures a connection session exists. It is idempotent: if the
// channel is already connecting or connected it does nothing. From Failed it
// returns ErrChannelFailed; Close must run first to get a fresh channel.
func (m *Manager) Acquire(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Failed:
		m.mu.Unlock()
		return ErrChannelFailed
	case Connecting, Connected, Reconnecting:
		m.mu.Unlock()
		return nil
	}
	note, err := m.dispatchLocked(evAcquire)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.attempts = 0
	loopCtx, cancel := context.WithCancel(context.Background())
	m.loopCancel = cancel
	gen := m.gen
	m.mu.Unlock()

	m.publish(note)
	log.Info().Str("component", "channel").Str("addr", m.cfg.Addr).Msg("acquiring channel")
	go m.run(loopCtx, gen)
	return nil
}

// Send delivers one outbound event. If the channel is not connected it
// triggers an implicit reconnect and waits a bounded time before reporting
// failure; failures come back as error values, never panics.
func (m *Manager) Send(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "marshaling %s payload", event)
	}
	env := Envelope{Event: event, Data: data}

	t := m.connectedTransport()
	if t == nil {
		if err := m.Acquire(ctx); err != nil {
			return errors.Wrapf(err, "sending %s", event)
		}
		if err := m.waitConnected(ctx); err != nil {
			log.Warn().Err(err).Str("component", "channel").Str("event", event).Msg("send failed, channel unavailable")
			return errors.Wrapf(err, "sending %s", event)
		}
		t = m.connectedTransport()
		if t == nil {
			return errors.Wrapf(ErrNotConnected, "sending %s", event)
		}
	}
	if err := m.writeFrame(t, env); err != nil {
		log.Warn().Err(err).Str("component", "channel").Str("event", event).Msg("frame write failed")
		return errors.Wrapf(err, "sending %s", event)
	}
	return nil
}

// Close tears the channel down intentionally: pumps are cancelled, the
// transport is closed, the attempt counter resets, and the epoch advances.
// Manual close never triggers automatic reconnection; the next Acquire starts
// a fully fresh channel.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
	m.gen++
	m.epoch++
	m.attempts = 0
	wasDisconnected := m.state == Disconnected
	note, _ := m.dispatchLocked(evClose)
	m.mu.Unlock()

	if !wasDisconnected {
		m.publish(note)
		log.Info().Str("component", "channel").Msg("channel closed")
	}
}

// run is one connection session: connect with backoff, pump frames until the
// transport drops, reconnect, and repeat. It exits on manual close (ctx
// cancel) or when attempts are exhausted.
func (m *Manager) run(ctx context.Context, gen int) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BaseDelay
	bo.MaxInterval = m.cfg.MaxDelay
	bo.MaxElapsedTime = 0

	for {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		t, err := m.dialer.Dial(dialCtx, m.cfg.Addr)
		cancel()
		if ctx.Err() != nil {
			if t != nil {
				_ = t.Close()
			}
			return
		}
		if err != nil {
			stop := m.connectFailed(gen, err)
			if stop {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		if !m.adoptTransport(gen, t) {
			_ = t.Close()
			return
		}
		bo.Reset()

		err = m.pump(ctx, t)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("component", "channel").Msg("transport dropped, reconnecting")
		if !m.transportDropped(gen) {
			return
		}
	}
}

// pump runs the read loop and the heartbeat until either fails or ctx is
// cancelled. The transport is closed on the way out to unblock the reader.
func (m *Manager) pump(ctx context.Context, t Transport) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = t.Close()
		return nil
	})
	g.Go(func() error {
		return m.readLoop(t)
	})
	g.Go(func() error {
		return m.heartbeat(gctx, t)
	})
	return g.Wait()
}

// readLoop publishes inbound frames to the bus in transport-receive order.
func (m *Manager) readLoop(t Transport) error {
	for {
		env, err := t.ReadFrame()
		if err != nil {
			return err
		}
		log.Debug().Str("component", "channel").Str("event", env.Event).Msg("inbound frame")
		m.bus.PublishInbound(env)
	}
}

// heartbeat emits the liveness probe on a fixed interval, independent of
// business traffic, to surface silent transport failures sooner than the
// transport's own detection.
func (m *Manager) heartbeat(ctx context.Context, t Transport) error {
	if m.cfg.HeartbeatInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			data, _ := json.Marshal(PingPayload{Timestamp: float64(time.Now().UnixMilli()) / 1000})
			if err := m.writeFrame(t, Envelope{Event: EventPingServer, Data: data}); err != nil {
				return errors.Wrap(err, "heartbeat write")
			}
		}
	}
}

// connectFailed counts one failed attempt. Crossing the configured maximum
// transitions to Failed and emits the single terminal notification.
func (m *Manager) connectFailed(gen int, cause error) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return true
	}
	m.attempts++
	attempts := m.attempts
	var note Notification
	exhausted := attempts >= m.cfg.MaxReconnectAttempts
	if exhausted {
		note, _ = m.dispatchLocked(evExhausted)
		m.loopCancel = nil
	} else {
		note, _ = m.dispatchLocked(evDrop)
	}
	m.mu.Unlock()

	m.publish(note)
	if exhausted {
		log.Error().Err(cause).Str("component", "channel").Int("attempts", attempts).Msg("reconnection attempts exhausted")
	} else {
		log.Warn().Err(cause).Str("component", "channel").Int("attempts", attempts).Msg("connection attempt failed")
	}
	return exhausted
}

// adoptTransport installs a freshly dialed transport and acks the connection.
func (m *Manager) adoptTransport(gen int, t Transport) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	note, err := m.dispatchLocked(evAck)
	if err != nil {
		m.mu.Unlock()
		return false
	}
	m.transport = t
	m.attempts = 0
	m.mu.Unlock()

	m.publish(note)
	log.Info().Str("component", "channel").Str("addr", m.cfg.Addr).Msg("channel connected")
	return true
}

// transportDropped records an unexpected drop of a live transport.
func (m *Manager) transportDropped(gen int) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.transport = nil
	note, err := m.dispatchLocked(evDrop)
	m.mu.Unlock()
	if err != nil {
		return false
	}
	m.publish(note)
	return true
}

// dispatchLocked is the single entry point applying the pure transition
// function to the manager's state. Callers hold mu; the returned notification
// is published after the lock is released.
func (m *Manager) dispatchLocked(ev fsmEvent) (Notification, error) {
	next, note, err := transition(m.state, ev)
	if err != nil {
		log.Warn().Err(err).Str("component", "channel").Str("state", m.state.String()).Msg("rejected transition")
		return NoteNone, err
	}
	prev := m.state
	m.state = next
	if next == Connected && prev != Connected {
		close(m.connected)
	} else if next != Connected && prev == Connected {
		m.connected = make(chan struct{})
	}
	log.Debug().Str("component", "channel").Str("from", prev.String()).Str("to", next.String()).Str("event", ev.String()).Msg("state transition")
	return note, nil
}

func (m *Manager) publish(note Notification) {
	if note == NoteNone || m.bus == nil {
		return
	}
	m.bus.PublishLifecycle(note, "")
}

func (m *Manager) connectedTransport() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return nil
	}
	return m.transport
}

// waitConnected blocks until the channel reaches Connected, the bounded retry
// wait elapses, or ctx is cancelled.
func (m *Manager) waitConnected(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	ch := m.connected
	m.mu.Unlock()

	switch state {
	case Connected:
		return nil
	case Failed:
		return ErrChannelFailed
	}
	timer := time.NewTimer(m.cfg.SendRetryWait)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return errors.Wrap(ErrNotConnected, "timed out waiting for connection")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) writeFrame(t Transport, env Envelope) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return t.WriteFrame(env)
}

package channel

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TransportWebsocket and TransportPolling are the recognized transport names
// for the configured preference order. Only websocket is implemented; polling
// is accepted in configuration and skipped at dial time so a preference list
// written for the original client keeps working.
const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

// ErrTransportUnsupported marks a recognized but unimplemented transport.
var ErrTransportUnsupported = errors.New("transport not supported")

// Transport is one live duplex connection carrying JSON envelopes. ReadFrame
// blocks until a frame arrives or the connection drops.
type Transport interface {
	ReadFrame() (Envelope, error)
	WriteFrame(env Envelope) error
	Close() error
}

// Dialer opens a Transport to the backend. Injected so tests can substitute a
// scripted double for the real websocket stack.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Transport, error)
}

// WebsocketDialer dials the backend over gorilla/websocket, trying the
// configured transport names in preference order.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	Transports       []string
}

func NewWebsocketDialer(handshakeTimeout time.Duration, transports []string) *WebsocketDialer {
	if len(transports) == 0 {
		transports = []string{TransportWebsocket}
	}
	return &WebsocketDialer{HandshakeTimeout: handshakeTimeout, Transports: transports}
}

func (d *WebsocketDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	var lastErr error
	for _, name := range d.Transports {
		switch name {
		case TransportWebsocket:
			dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
			conn, _, err := dialer.DialContext(ctx, addr, nil)
			if err != nil {
				lastErr = errors.Wrapf(err, "dialing %s", addr)
				continue
			}
			return &websocketTransport{conn: conn}, nil
		case TransportPolling:
			log.Debug().Str("component", "channel").Msg("polling transport requested, skipping")
			lastErr = errors.Wrap(ErrTransportUnsupported, TransportPolling)
		default:
			lastErr = errors.Errorf("unknown transport %q", name)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no transports configured")
	}
	return nil, lastErr
}

type websocketTransport struct {
	conn *websocket.Conn
}

func (t *websocketTransport) ReadFrame() (Envelope, error) {
	var env Envelope
	if err := t.conn.ReadJSON(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (t *websocketTransport) WriteFrame(env Envelope) error {
	return t.conn.WriteJSON(env)
}

func (t *websocketTransport) Close() error {
	return t.conn.Close()
}

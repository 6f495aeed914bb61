package channel

import "github.com/pkg/errors"

// State is the channel lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// fsmEvent drives lifecycle transitions.
type fsmEvent int

const (
	evAcquire fsmEvent = iota // acquire() on an absent connection
	evAck                     // transport handshake succeeded
	evDrop                    // transport dropped or a connect attempt failed
	evExhausted               // reconnection attempts exceeded the maximum
	evClose                   // manual close()
)

func (e fsmEvent) String() string {
	switch e {
	case evAcquire:
		return "acquire"
	case evAck:
		return "ack"
	case evDrop:
		return "drop"
	case evExhausted:
		return "exhausted"
	case evClose:
		return "close"
	}
	return "unknown"
}

// Notification is the lifecycle signal a transition emits, if any.
type Notification string

const (
	NoteNone         Notification = ""
	NoteConnected    Notification = "connected"
	NoteDisconnected Notification = "disconnected"
	NoteReconnecting Notification = "reconnecting"
	NoteFailed       Notification = "failed"
)

// ErrInvalidTransition reports an event that is not legal in the current
// state. Failed is terminal until close() plus a fresh acquire().
var ErrInvalidTransition = errors.New("invalid channel state transition")

type transitionKey struct {
	state State
	event fsmEvent
}

type transitionResult struct {
	next State
	note Notification
}

// transitionTable is the complete lifecycle state machine. Keeping it as data
// makes every legal edge visible in one place and testable with synthetic
// events, without a live transport.
//
// Note that Reconnecting+drop stays in Reconnecting silently: retry attempts
// within one reconnection episode emit a single reconnecting notification when
// the episode begins, and a single failed notification if it exhausts.
var transitionTable = map[transitionKey]transitionResult{
	{Disconnected, evAcquire}:   {Connecting, NoteNone},
	{Connecting, evAck}:         {Connected, NoteConnected},
	{Connecting, evDrop}:        {Reconnecting, NoteReconnecting},
	{Connecting, evExhausted}:   {Failed, NoteFailed},
	{Connected, evDrop}:         {Reconnecting, NoteReconnecting},
	{Reconnecting, evAck}:       {Connected, NoteConnected},
	{Reconnecting, evDrop}:      {Reconnecting, NoteNone},
	{Reconnecting, evExhausted}: {Failed, NoteFailed},
}

// transition is the pure state-transition function: state x event -> state'
// plus the notification to emit. Manual close is legal from every state and
// always lands in Disconnected.
func transition(s State, e fsmEvent) (State, Notification, error) {
	if e == evClose {
		return Disconnected, NoteDisconnected, nil
	}
	res, ok := transitionTable[transitionKey{s, e}]
	if !ok {
		return s, NoteNone, errors.Wrapf(ErrInvalidTransition, "%s on %s", e, s)
	}
	return res.next, res.note, nil
}

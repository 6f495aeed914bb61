package chat

// DefaultWindowSize bounds how many non-system turns accompany a new request.
const DefaultWindowSize = 10

// WindowPolicy selects which prior messages accompany a new outbound request.
// The policy runs over history only: the newest user turn is carried in the
// request's message field and is never part of the window input.
type WindowPolicy interface {
	BuildWindow(messages []*Message, useWindowing bool) []*Message
}

// SlidingWindow keeps every system message plus the most recent Size
// non-system messages, all in original order. System messages are never
// dropped regardless of age, so persistent instructions always reach the
// backend while turn history stays bounded.
type SlidingWindow struct {
	Size int
}

func NewSlidingWindow(size int) SlidingWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return SlidingWindow{Size: size}
}

func (w SlidingWindow) BuildWindow(messages []*Message, useWindowing bool) []*Message {
	if !useWindowing || len(messages) <= w.Size {
		return messages
	}
	var system, rest []*Message
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) > w.Size {
		rest = rest[len(rest)-w.Size:]
	}
	out := make([]*Message, 0, len(system)+len(rest))
	out = append(out, system...)
	out = append(out, rest...)
	return out
}

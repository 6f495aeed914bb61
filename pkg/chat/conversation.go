package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status tracks a message through its lifecycle. Complete and Error are
// terminal; a message reaches a terminal status exactly once.
type Status string

const (
	StatusSending  Status = "sending"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// TokenUsage accumulates approximate cost units for one conversation.
// Total == Input + Output holds whenever no message is in StatusSending.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Message is one turn in a conversation. Content is mutable only while the
// message is sending; after the terminal transition it is frozen.
type Message struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Status     Status    `json:"status"`
	TokenCount int       `json:"token_count,omitempty"`
	// Formatting is carried for presentation layers and never interpreted here.
	Formatting map[string]any `json:"formatting,omitempty"`
}

// Terminal reports whether the message has reached a final status.
func (m *Message) Terminal() bool {
	return m.Status == StatusComplete || m.Status == StatusError
}

// Conversation holds an ordered, append-only message history plus its token
// ledger. All mutation goes through the SessionStore.
type Conversation struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Messages           []*Message `json:"messages"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Usage              TokenUsage `json:"token_usage"`
	SystemInstructions string     `json:"system_instructions,omitempty"`
}

// NewConversation creates an empty conversation.
func NewConversation(title, systemInstructions string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:                 uuid.NewString(),
		Title:              title,
		CreatedAt:          now,
		UpdatedAt:          now,
		SystemInstructions: systemInstructions,
	}
}

// appendMessage adds a message and bumps UpdatedAt. Callers hold the store lock.
func (c *Conversation) appendMessage(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
}

// messageByID returns the message with the given id, or nil.
func (c *Conversation) messageByID(id string) *Message {
	for _, m := range c.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// sendingCount returns how many messages are currently in StatusSending.
// The store keeps this at zero or one.
func (c *Conversation) sendingCount() int {
	n := 0
	for _, m := range c.Messages {
		if m.Status == StatusSending {
			n++
		}
	}
	return n
}

func newMessage(role Role, content string, status Status) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Status:    status,
	}
}

// Package model defines the records shared by the scheduling assistant.
package model

import (
	"encoding/json"
	"time"
)

// Role represents the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a structured request emitted by the AI engine.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Turn is a single entry in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Set on assistant turns that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Set on tool turns.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Conversation is the per-thread state kept by the conversation store.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Turns     []Turn    `json:"turns"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewConversation returns an unsaved conversation with version zero.
func NewConversation(id, userID string, now time.Time, ttl time.Duration) *Conversation {
	return &Conversation{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Append adds turns and pushes the expiry forward.
func (c *Conversation) Append(now time.Time, ttl time.Duration, turns ...Turn) {
	for i := range turns {
		if turns[i].CreatedAt.IsZero() {
			turns[i].CreatedAt = now
		}
	}
	c.Turns = append(c.Turns, turns...)
	c.UpdatedAt = now
	c.ExpiresAt = now.Add(ttl)
}

// Expired reports whether the conversation is past its TTL.
func (c *Conversation) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Clone returns a deep copy safe to mutate.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Turns = make([]Turn, len(c.Turns))
	for i, t := range c.Turns {
		if len(t.ToolCalls) > 0 {
			t.ToolCalls = append([]ToolCall(nil), t.ToolCalls...)
		}
		out.Turns[i] = t
	}
	return &out
}

package model

import (
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	EventTurn              EventType = "turn"
	EventActionCreated     EventType = "action_created"
	EventActionConfirmed   EventType = "action_confirmed"
	EventActionCancelled   EventType = "action_cancelled"
	EventActionExpired     EventType = "action_expired"
	EventRequestDeferred   EventType = "request_deferred"
	EventRequestResumed    EventType = "request_resumed"
	EventAuthorized        EventType = "authorized"
	EventRequestFailed     EventType = "request_failed"
	EventIterationExceeded EventType = "iteration_exceeded"
)

// AuditEvent records something that happened in a conversation.
type AuditEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Sequence       uint64         `json:"sequence,omitempty"`
}

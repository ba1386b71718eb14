package model

import "time"

// ActionState is the lifecycle state of a PendingAction.
type ActionState string

const (
	ActionOpen      ActionState = "open"
	ActionConfirmed ActionState = "confirmed"
	ActionCancelled ActionState = "cancelled"
	ActionExpired   ActionState = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s ActionState) Terminal() bool {
	return s != ActionOpen
}

// ActionKind selects what a confirmation executes.
type ActionKind string

const (
	// KindCreateEvent books the event described by the arguments.
	KindCreateEvent ActionKind = "create_event"
	// KindCreateFromSlot books one of the candidate slots.
	KindCreateFromSlot ActionKind = "create_from_slot"
	// KindReschedule moves an existing event to one of the candidate slots.
	KindReschedule ActionKind = "reschedule"
)

// NeedsTitle reports whether confirming goes through the title-edit step.
func (k ActionKind) NeedsTitle() bool {
	return k == KindCreateEvent || k == KindCreateFromSlot
}

// ActionType is what the user did on a prompt.
type ActionType string

const (
	ActionConfirm ActionType = "confirm"
	ActionCancel  ActionType = "cancel"
)

// Target identifies where replies for a conversation are delivered.
type Target struct {
	Channel string `json:"channel,omitempty"`
	Thread  string `json:"thread,omitempty"`
}

// EventArgs are the resolved arguments of a calendar mutation.
type EventArgs struct {
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	EventID     string    `json:"event_id,omitempty"`
	Range       TimeRange `json:"range"`
}

// PendingAction is a single-use token awaiting human confirmation.
type PendingAction struct {
	Token          string      `json:"token"`
	ConversationID string      `json:"conversation_id"`
	UserID         string      `json:"user_id"`
	Target         Target      `json:"target"`
	Kind           ActionKind  `json:"kind"`
	ToolName       string      `json:"tool_name"`
	Args           EventArgs   `json:"args"`
	Candidates     []TimeRange `json:"candidates,omitempty"`
	Fallback       bool        `json:"fallback,omitempty"`
	State          ActionState `json:"state"`
	CreatedAt      time.Time   `json:"created_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// Expired reports whether the token is past its expiry. Expiry wins over stored state.
func (a *PendingAction) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// DeferredRequest is an inbound message parked until the user authorizes calendar access.
type DeferredRequest struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Target         Target    `json:"target"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the request is past its TTL.
func (d *DeferredRequest) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

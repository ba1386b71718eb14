package model

// InboundMessage is a user message addressed to the assistant.
type InboundMessage struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Target         Target `json:"target"`
	Text           string `json:"text"`
}

// PromptKind selects how a chat platform renders an interactive prompt.
type PromptKind string

const (
	// PromptConfirmCreate asks the user to confirm a fully specified new event.
	PromptConfirmCreate PromptKind = "confirm_create"
	// PromptChooseSlot offers candidate slots for a new event.
	PromptChooseSlot PromptKind = "choose_slot"
	// PromptChooseReschedule offers candidate slots for moving an event.
	PromptChooseReschedule PromptKind = "choose_reschedule"
	// PromptAuthorize links to the calendar authorization page.
	PromptAuthorize PromptKind = "authorize"
)

// Prompt is an interactive element attached to a reply.
type Prompt struct {
	Kind       PromptKind  `json:"kind"`
	Token      string      `json:"token,omitempty"`
	Title      string      `json:"title,omitempty"`
	Args       *EventArgs  `json:"args,omitempty"`
	Candidates []TimeRange `json:"candidates,omitempty"`
	Fallback   bool        `json:"fallback,omitempty"`
	URL        string      `json:"url,omitempty"`
}

// Reply is what the assistant sends back for one request or action.
type Reply struct {
	Text    string   `json:"text"`
	Prompts []Prompt `json:"prompts,omitempty"`

	// Attendees of a booked or moved event, for the follow-up mention post.
	Attendees []string `json:"attendees,omitempty"`
	Link      string   `json:"link,omitempty"`

	// Failed marks apology and stale-action replies.
	Failed bool `json:"failed,omitempty"`
}

// SendMessageRequest is the REST body for posting a message.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// ActionRequest is the REST body for resolving a pending action.
type ActionRequest struct {
	Action ActionType        `json:"action"`
	Fields map[string]string `json:"fields,omitempty"`
}

// AuthorizeResponse carries the calendar authorization link.
type AuthorizeResponse struct {
	URL        string `json:"url"`
	Authorized bool   `json:"authorized"`
}

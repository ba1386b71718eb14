package model

// CalendarEvent is the calendar collaborator's view of a meeting.
type CalendarEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	Range       TimeRange `json:"range"`
	Link        string    `json:"link,omitempty"`
}

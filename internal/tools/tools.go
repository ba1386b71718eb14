// Package tools defines the closed set of scheduling tools the AI engine may
// call and executes them against the calendar.
package tools

import (
	"errors"

	"github.com/capitalize-ai/meeting-scheduler/internal/llm"
	"github.com/capitalize-ai/meeting-scheduler/internal/model"
)

// Tool names.
const (
	SearchFreeSlots   = "search_free_slots"
	CreateEvent       = "create_event"
	SuggestReschedule = "suggest_reschedule"
	RescheduleEvent   = "reschedule_event"
)

var (
	// ErrAuthorizationRequired means the user has no usable calendar credential.
	ErrAuthorizationRequired = errors.New("calendar authorization required")

	// ErrUnknownTool is returned for names outside the tool set.
	ErrUnknownTool = errors.New("unknown tool")
)

// Class is the static behaviour of a tool.
type Class struct {
	// Confirmatory results must be confirmed by the user before anything is
	// written.
	Confirmatory bool
	// ConfirmKind is the pending action a confirmatory result creates.
	ConfirmKind model.ActionKind
	// FollowUp is the pending action offered for the candidates of a
	// non-confirmatory result, if any.
	FollowUp model.ActionKind
	// MaxCandidates caps the candidates offered to the user.
	MaxCandidates int
	// Writes marks tools that modify the calendar when executed.
	Writes bool
}

var classes = map[string]Class{
	SearchFreeSlots:   {FollowUp: model.KindCreateFromSlot, MaxCandidates: 5},
	CreateEvent:       {Confirmatory: true, ConfirmKind: model.KindCreateEvent},
	SuggestReschedule: {FollowUp: model.KindReschedule, MaxCandidates: 3},
	RescheduleEvent:   {Writes: true},
}

// Classify returns the static class of a tool.
func Classify(name string) (Class, error) {
	c, ok := classes[name]
	if !ok {
		return Class{}, ErrUnknownTool
	}
	return c, nil
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func emails(desc string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
}

// Specs returns the fixed tool schema sent with every engine call.
func Specs() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name:        SearchFreeSlots,
			Description: "Find free meeting slots shared by the attendees on a given day, within business hours and outside lunch.",
			Parameters: map[string]any{
				"properties": map[string]any{
					"attendees":        emails("Attendee email addresses or Slack mentions such as <@U123>"),
					"date":             str("Day to search: today, tomorrow, day after tomorrow or YYYY-MM-DD"),
					"time_min":         str("Earliest start time, HH:MM"),
					"time_max":         str("Latest end time, HH:MM"),
					"duration_minutes": integer("Meeting length in minutes, default 60"),
					"summary":          str("Meeting title, default Meeting"),
				},
				"required": []string{"date"},
			},
		},
		{
			Name:        CreateEvent,
			Description: "Propose a calendar event. The user confirms before it is created.",
			Parameters: map[string]any{
				"properties": map[string]any{
					"summary":     str("Event title"),
					"start_time":  str("Start, YYYY-MM-DDTHH:MM:SS; Asia/Tokyo when no offset is given"),
					"end_time":    str("End, YYYY-MM-DDTHH:MM:SS; Asia/Tokyo when no offset is given"),
					"attendees":   emails("Attendee email addresses or Slack mentions"),
					"description": str("Event description"),
				},
				"required": []string{"summary", "start_time", "end_time"},
			},
		},
		{
			Name:        SuggestReschedule,
			Description: "Suggest new times for an existing event. Identify it by event_id or event_title.",
			Parameters: map[string]any{
				"properties": map[string]any{
					"event_id":         str("Calendar event id"),
					"event_title":      str("Title of the event when the id is unknown"),
					"date":             str("Day to move the event to; defaults to the event's current day"),
					"duration_minutes": integer("New length in minutes; defaults to the current length"),
				},
				"required": []string{},
			},
		},
		{
			Name:        RescheduleEvent,
			Description: "Move an existing event to a new time immediately.",
			Parameters: map[string]any{
				"properties": map[string]any{
					"event_id":       str("Calendar event id"),
					"new_start_time": str("New start, YYYY-MM-DDTHH:MM:SS"),
					"new_end_time":   str("New end, YYYY-MM-DDTHH:MM:SS"),
				},
				"required": []string{"event_id", "new_start_time", "new_end_time"},
			},
		},
	}
}

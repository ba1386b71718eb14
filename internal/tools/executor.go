package tools

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/oauth"
	"github.com/capitalize-ai/meeting-scheduler/internal/slots"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
	"github.com/capitalize-ai/meeting-scheduler/pkg/metrics"
	"github.com/capitalize-ai/meeting-scheduler/pkg/tracing"
)

// Calendar is the calendar collaborator for one user's credential.
type Calendar interface {
	GetBusy(ctx context.Context, calendars []string, r model.TimeRange) (map[string][]model.TimeRange, error)
	// CreateEvent inserts an event under eventID. A second call with the same
	// id returns the event already created instead of booking another.
	CreateEvent(ctx context.Context, eventID string, args model.EventArgs) (*model.CalendarEvent, error)
	FindEventByTitle(ctx context.Context, title string, r model.TimeRange) (*model.CalendarEvent, error)
	GetEvent(ctx context.Context, id string) (*model.CalendarEvent, error)
	UpdateEventTime(ctx context.Context, id string, r model.TimeRange) (*model.CalendarEvent, error)
}

// CalendarSource opens a Calendar with an access token.
type CalendarSource interface {
	Calendar(ctx context.Context, accessToken string) (Calendar, error)
}

// Credentials hands out calendar access tokens.
type Credentials interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// Directory resolves chat user mentions to email addresses.
type Directory interface {
	ResolveMentionToEmail(ctx context.Context, mention string) (string, error)
}

// PrimaryCalendar is the requesting user's own calendar id.
const PrimaryCalendar = "primary"

const (
	defaultDuration = 60 * time.Minute
	defaultSummary  = "Meeting"
	// titleSearchWindow bounds the event lookup by title, starting today.
	titleSearchWindow = 30 * 24 * time.Hour
)

// Result is the outcome of one tool call.
type Result struct {
	Tool         string
	Confirmatory bool
	// Content is the tool-result turn fed back to the engine.
	Content string
	IsError bool
	// Proposal is the pending action to offer: the confirmation itself for a
	// confirmatory result, or the candidate follow-up otherwise. Token, state
	// and delivery fields are filled by the caller.
	Proposal *model.PendingAction
	// Event is set when the call modified the calendar.
	Event *model.CalendarEvent
}

func errorResult(tool string, err error) *Result {
	return &Result{Tool: tool, IsError: true, Content: fmt.Sprintf(`{"error":%q}`, err.Error())}
}

// Executor maps tool calls to calendar operations.
type Executor struct {
	engine    *slots.Engine
	calendars CalendarSource
	creds     Credentials
	directory Directory
	now       func() time.Time
	log       *logger.Logger
}

// NewExecutor creates an executor.
func NewExecutor(engine *slots.Engine, calendars CalendarSource, creds Credentials, directory Directory, log *logger.Logger) *Executor {
	return &Executor{
		engine:    engine,
		calendars: calendars,
		creds:     creds,
		directory: directory,
		now:       time.Now,
		log:       log.With(zap.String("component", "tools")),
	}
}

// WithClock replaces the executor's clock.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute runs a tool call for userID. Validation and calendar failures come
// back as error results for the engine; the returned error is reserved for
// ErrAuthorizationRequired and cancellation.
func (e *Executor) Execute(ctx context.Context, call model.ToolCall, userID string) (res *Result, err error) {
	ctx, span := tracing.Start(ctx, "tools.Execute",
		attribute.String("tool", call.Name),
		attribute.String("user_id", userID),
	)
	defer func() {
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
		case res.IsError:
			outcome = "tool_error"
		case res.Confirmatory:
			outcome = "confirmatory"
		}
		metrics.RecordToolExecution(call.Name, outcome)
		tracing.End(span, err)
	}()

	class, cerr := Classify(call.Name)
	if cerr != nil {
		return errorResult(call.Name, fmt.Errorf("%w: %s", cerr, call.Name)), nil
	}

	switch call.Name {
	case SearchFreeSlots:
		res, err = e.searchFreeSlots(ctx, call, userID, class)
	case CreateEvent:
		res, err = e.createEvent(ctx, call, class)
	case SuggestReschedule:
		res, err = e.suggestReschedule(ctx, call, userID, class)
	case RescheduleEvent:
		res, err = e.rescheduleEvent(ctx, call, userID)
	}
	if err != nil {
		if errors.Is(err, ErrAuthorizationRequired) || ctx.Err() != nil {
			return nil, err
		}
		e.log.Warn("tool call failed",
			zap.String("tool", call.Name),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return errorResult(call.Name, err), nil
	}
	res.Tool = call.Name
	res.Confirmatory = class.Confirmatory
	return res, nil
}

// Commit performs the calendar write of the confirmed action identified by
// token. Created events take their id from the token.
func (e *Executor) Commit(ctx context.Context, userID, token string, kind model.ActionKind, args model.EventArgs) (ev *model.CalendarEvent, err error) {
	ctx, span := tracing.Start(ctx, "tools.Commit",
		attribute.String("kind", string(kind)),
		attribute.String("user_id", userID),
	)
	defer func() { tracing.End(span, err) }()

	cal, err := e.calendar(ctx, userID)
	if err != nil {
		return nil, err
	}

	switch kind {
	case model.KindCreateEvent, model.KindCreateFromSlot:
		return cal.CreateEvent(ctx, EventIDForToken(token), args)
	case model.KindReschedule:
		return cal.UpdateEventTime(ctx, args.EventID, args.Range)
	default:
		return nil, fmt.Errorf("unsupported action kind %q", kind)
	}
}

var eventIDEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// EventIDForToken derives a calendar event id from an action token. Event ids
// allow only the base32hex alphabet in lower case.
func EventIDForToken(token string) string {
	if u, err := uuid.Parse(token); err == nil {
		return strings.ToLower(eventIDEncoding.EncodeToString(u[:]))
	}
	sum := sha256.Sum256([]byte(token))
	return strings.ToLower(eventIDEncoding.EncodeToString(sum[:16]))
}

// calendar obtains a credential before any calendar access.
func (e *Executor) calendar(ctx context.Context, userID string) (Calendar, error) {
	token, err := e.creds.AccessToken(ctx, userID)
	if err != nil {
		if errors.Is(err, oauth.ErrNotAuthorized) {
			return nil, fmt.Errorf("%w: %v", ErrAuthorizationRequired, err)
		}
		return nil, err
	}
	return e.calendars.Calendar(ctx, token)
}

var mentionPattern = regexp.MustCompile(`^<@([A-Z0-9]+)(?:\|[^>]*)?>$|^([UW][A-Z0-9]{2,})$`)

// resolveAttendees turns mentions into emails; plain addresses pass through.
func (e *Executor) resolveAttendees(ctx context.Context, attendees []string) ([]string, error) {
	out := make([]string, 0, len(attendees))
	seen := make(map[string]bool, len(attendees))
	for _, a := range attendees {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		addr := a
		if m := mentionPattern.FindStringSubmatch(a); m != nil {
			id := m[1]
			if id == "" {
				id = m[2]
			}
			resolved, err := e.directory.ResolveMentionToEmail(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("could not resolve attendee %s: %w", a, err)
			}
			addr = resolved
		} else if !strings.Contains(a, "@") {
			return nil, fmt.Errorf("attendee %q is neither an email address nor a user mention", a)
		}
		addr = strings.ToLower(addr)
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out, nil
}

func decode(call model.ToolCall, v any) error {
	if len(call.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(call.Arguments, v); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", call.Name, err)
	}
	return nil
}

func minutes(n int, fallback time.Duration) (time.Duration, error) {
	if n == 0 {
		return fallback, nil
	}
	if n < 0 || n > 24*60 {
		return 0, fmt.Errorf("duration_minutes %d is out of range", n)
	}
	return time.Duration(n) * time.Minute, nil
}

type slotJSON struct {
	Index int       `json:"index"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func slotList(candidates []model.TimeRange, loc *time.Location) []slotJSON {
	out := make([]slotJSON, len(candidates))
	for i, c := range candidates {
		out[i] = slotJSON{Index: i, Start: c.Start.In(loc), End: c.End.In(loc)}
	}
	return out
}

func payload(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}

type searchArgs struct {
	Attendees       []string `json:"attendees"`
	Date            string   `json:"date"`
	TimeMin         string   `json:"time_min"`
	TimeMax         string   `json:"time_max"`
	DurationMinutes int      `json:"duration_minutes"`
	Summary         string   `json:"summary"`
}

func (e *Executor) searchFreeSlots(ctx context.Context, call model.ToolCall, userID string, class Class) (*Result, error) {
	var args searchArgs
	if err := decode(call, &args); err != nil {
		return nil, err
	}
	loc := e.engine.Calendar().Location

	day, err := slots.ParseDate(args.Date, e.now(), loc)
	if err != nil {
		return nil, err
	}
	rng, err := slots.DayRange(day, args.TimeMin, args.TimeMax)
	if err != nil {
		return nil, err
	}
	duration, err := minutes(args.DurationMinutes, defaultDuration)
	if err != nil {
		return nil, err
	}
	attendees, err := e.resolveAttendees(ctx, args.Attendees)
	if err != nil {
		return nil, err
	}
	if args.Summary == "" {
		args.Summary = defaultSummary
	}

	cal, err := e.calendar(ctx, userID)
	if err != nil {
		return nil, err
	}

	window, _ := e.engine.EffectiveRange(rng)
	participants := append([]string{PrimaryCalendar}, attendees...)
	busy, err := cal.GetBusy(ctx, participants, window)
	if err != nil {
		return nil, fmt.Errorf("failed to read availability: %w", err)
	}

	found := e.engine.FindSlots(slots.Query{
		Participants: participants,
		Range:        rng,
		Duration:     duration,
		Busy:         busy,
		Limit:        class.MaxCandidates,
	})
	metrics.RecordSlots(len(found.Slots))

	res := &Result{Content: payload(map[string]any{
		"slots":     slotList(found.Slots, loc),
		"fallback":  found.Fallback,
		"searched":  map[string]time.Time{"start": found.Window.Start.In(loc), "end": found.Window.End.In(loc)},
		"attendees": attendees,
		"summary":   args.Summary,
	})}
	if len(found.Slots) > 0 {
		res.Proposal = &model.PendingAction{
			Kind:     class.FollowUp,
			ToolName: call.Name,
			Args: model.EventArgs{
				Title:     args.Summary,
				Attendees: attendees,
			},
			Candidates: found.Slots,
			Fallback:   found.Fallback,
		}
	}
	return res, nil
}

type createArgs struct {
	Summary     string   `json:"summary"`
	StartTime   string   `json:"start_time"`
	EndTime     string   `json:"end_time"`
	Attendees   []string `json:"attendees"`
	Description string   `json:"description"`
}

func (e *Executor) parseRange(start, end string) (model.TimeRange, error) {
	loc := e.engine.Calendar().Location
	s, err := slots.ParseDateTime(start, loc)
	if err != nil {
		return model.TimeRange{}, err
	}
	t, err := slots.ParseDateTime(end, loc)
	if err != nil {
		return model.TimeRange{}, err
	}
	r := model.TimeRange{Start: s, End: t}
	if r.Empty() {
		return model.TimeRange{}, fmt.Errorf("end time %s is not after start time %s", end, start)
	}
	return r, nil
}

// createEvent only validates and proposes; nothing is written until the
// user confirms.
func (e *Executor) createEvent(ctx context.Context, call model.ToolCall, class Class) (*Result, error) {
	var args createArgs
	if err := decode(call, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Summary) == "" {
		return nil, errors.New("summary is required")
	}
	rng, err := e.parseRange(args.StartTime, args.EndTime)
	if err != nil {
		return nil, err
	}
	attendees, err := e.resolveAttendees(ctx, args.Attendees)
	if err != nil {
		return nil, err
	}

	proposal := &model.PendingAction{
		Kind:     class.ConfirmKind,
		ToolName: call.Name,
		Args: model.EventArgs{
			Title:       args.Summary,
			Description: args.Description,
			Attendees:   attendees,
			Range:       rng,
		},
	}
	return &Result{
		Content:  payload(map[string]any{"status": "awaiting_confirmation", "event": proposal.Args}),
		Proposal: proposal,
	}, nil
}

type suggestArgs struct {
	EventID         string `json:"event_id"`
	EventTitle      string `json:"event_title"`
	Date            string `json:"date"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (e *Executor) suggestReschedule(ctx context.Context, call model.ToolCall, userID string, class Class) (*Result, error) {
	var args suggestArgs
	if err := decode(call, &args); err != nil {
		return nil, err
	}
	if args.EventID == "" && args.EventTitle == "" {
		return nil, errors.New("event_id or event_title is required")
	}
	loc := e.engine.Calendar().Location

	cal, err := e.calendar(ctx, userID)
	if err != nil {
		return nil, err
	}

	var ev *model.CalendarEvent
	if args.EventID != "" {
		ev, err = cal.GetEvent(ctx, args.EventID)
	} else {
		from := e.engine.Calendar().StartOfDay(e.now())
		ev, err = cal.FindEventByTitle(ctx, args.EventTitle, model.TimeRange{Start: from, End: from.Add(titleSearchWindow)})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find event: %w", err)
	}

	day := e.engine.Calendar().StartOfDay(ev.Range.Start)
	if args.Date != "" {
		if day, err = slots.ParseDate(args.Date, e.now(), loc); err != nil {
			return nil, err
		}
	}
	duration, err := minutes(args.DurationMinutes, ev.Range.Duration())
	if err != nil {
		return nil, err
	}
	rng, err := slots.DayRange(day, "", "")
	if err != nil {
		return nil, err
	}

	window, _ := e.engine.EffectiveRange(rng)
	participants := append([]string{PrimaryCalendar}, ev.Attendees...)
	busy, err := cal.GetBusy(ctx, participants, window)
	if err != nil {
		return nil, fmt.Errorf("failed to read availability: %w", err)
	}
	for who, list := range busy {
		busy[who] = withoutInterval(list, ev.Range)
	}

	found := e.engine.FindSlots(slots.Query{
		Participants: participants,
		Range:        rng,
		Duration:     duration,
		Busy:         busy,
		Limit:        class.MaxCandidates,
	})
	metrics.RecordSlots(len(found.Slots))

	res := &Result{Content: payload(map[string]any{
		"event":    ev,
		"slots":    slotList(found.Slots, loc),
		"fallback": found.Fallback,
	})}
	if len(found.Slots) > 0 {
		res.Proposal = &model.PendingAction{
			Kind:     class.FollowUp,
			ToolName: call.Name,
			Args: model.EventArgs{
				Title:     ev.Title,
				Attendees: ev.Attendees,
				EventID:   ev.ID,
				Range:     ev.Range,
			},
			Candidates: found.Slots,
			Fallback:   found.Fallback,
		}
	}
	return res, nil
}

// withoutInterval drops the event's own slot from a busy list.
func withoutInterval(list []model.TimeRange, own model.TimeRange) []model.TimeRange {
	out := list[:0:0]
	for _, r := range list {
		if r.Start.Equal(own.Start) && r.End.Equal(own.End) {
			continue
		}
		out = append(out, r)
	}
	return out
}

type rescheduleArgs struct {
	EventID      string `json:"event_id"`
	NewStartTime string `json:"new_start_time"`
	NewEndTime   string `json:"new_end_time"`
}

func (e *Executor) rescheduleEvent(ctx context.Context, call model.ToolCall, userID string) (*Result, error) {
	var args rescheduleArgs
	if err := decode(call, &args); err != nil {
		return nil, err
	}
	if args.EventID == "" {
		return nil, errors.New("event_id is required")
	}
	rng, err := e.parseRange(args.NewStartTime, args.NewEndTime)
	if err != nil {
		return nil, err
	}

	cal, err := e.calendar(ctx, userID)
	if err != nil {
		return nil, err
	}
	ev, err := cal.UpdateEventTime(ctx, args.EventID, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to reschedule event: %w", err)
	}
	return &Result{
		Content: payload(map[string]any{"status": "rescheduled", "event": ev}),
		Event:   ev,
	}, nil
}

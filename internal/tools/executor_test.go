package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/oauth"
	"github.com/capitalize-ai/meeting-scheduler/internal/slots"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
)

func jst(day, h, m int) time.Time {
	return time.Date(2025, 3, day, h, m, 0, 0, slots.JST)
}

type fakeCalendar struct {
	busy      map[string][]model.TimeRange
	events    map[string]*model.CalendarEvent
	busyCalls [][]string
	created   []model.EventArgs
	createdID []string
	moved     map[string]model.TimeRange
}

func (c *fakeCalendar) GetBusy(ctx context.Context, calendars []string, r model.TimeRange) (map[string][]model.TimeRange, error) {
	c.busyCalls = append(c.busyCalls, calendars)
	out := map[string][]model.TimeRange{}
	for _, id := range calendars {
		out[id] = append([]model.TimeRange(nil), c.busy[id]...)
	}
	return out, nil
}

func (c *fakeCalendar) CreateEvent(ctx context.Context, eventID string, args model.EventArgs) (*model.CalendarEvent, error) {
	c.created = append(c.created, args)
	c.createdID = append(c.createdID, eventID)
	return &model.CalendarEvent{ID: eventID, Title: args.Title, Attendees: args.Attendees, Range: args.Range}, nil
}

func (c *fakeCalendar) FindEventByTitle(ctx context.Context, title string, r model.TimeRange) (*model.CalendarEvent, error) {
	for _, ev := range c.events {
		if ev.Title == title {
			return ev, nil
		}
	}
	return nil, errors.New("event not found")
}

func (c *fakeCalendar) GetEvent(ctx context.Context, id string) (*model.CalendarEvent, error) {
	if ev, ok := c.events[id]; ok {
		return ev, nil
	}
	return nil, errors.New("event not found")
}

func (c *fakeCalendar) UpdateEventTime(ctx context.Context, id string, r model.TimeRange) (*model.CalendarEvent, error) {
	if c.moved == nil {
		c.moved = map[string]model.TimeRange{}
	}
	c.moved[id] = r
	return &model.CalendarEvent{ID: id, Range: r, Attendees: []string{"b@example.com"}}, nil
}

type fakeSource struct {
	cal    *fakeCalendar
	opened int
}

func (s *fakeSource) Calendar(ctx context.Context, accessToken string) (Calendar, error) {
	if accessToken != "access" {
		return nil, fmt.Errorf("unexpected token %q", accessToken)
	}
	s.opened++
	return s.cal, nil
}

type fakeCreds map[string]bool

func (f fakeCreds) AccessToken(ctx context.Context, userID string) (string, error) {
	if !f[userID] {
		return "", oauth.ErrNotAuthorized
	}
	return "access", nil
}

type fakeDirectory map[string]string

func (d fakeDirectory) ResolveMentionToEmail(ctx context.Context, id string) (string, error) {
	if e, ok := d[id]; ok {
		return e, nil
	}
	return "", errors.New("user not found")
}

type fixture struct {
	exec   *Executor
	cal    *fakeCalendar
	source *fakeSource
}

func newFixture() *fixture {
	cal := &fakeCalendar{
		busy: map[string][]model.TimeRange{
			PrimaryCalendar: {{Start: jst(4, 10, 0), End: jst(4, 11, 0)}},
		},
		events: map[string]*model.CalendarEvent{
			"ev1": {ID: "ev1", Title: "Weekly sync", Attendees: []string{"b@example.com"}, Range: model.TimeRange{Start: jst(4, 10, 0), End: jst(4, 11, 0)}},
		},
	}
	src := &fakeSource{cal: cal}
	exec := NewExecutor(slots.NewEngine(slots.DefaultCalendar()), src, fakeCreds{"U1": true}, fakeDirectory{"U0BOB": "B@Example.com"}, logger.NewNop()).
		WithClock(func() time.Time { return jst(3, 8, 0) })
	return &fixture{exec: exec, cal: cal, source: src}
}

func call(name, args string) model.ToolCall {
	return model.ToolCall{ID: "c1", Name: name, Arguments: json.RawMessage(args)}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		confirmatory bool
		followUp     model.ActionKind
		max          int
	}{
		{SearchFreeSlots, false, model.KindCreateFromSlot, 5},
		{CreateEvent, true, "", 0},
		{SuggestReschedule, false, model.KindReschedule, 3},
		{RescheduleEvent, false, "", 0},
	}
	for _, tt := range tests {
		c, err := Classify(tt.name)
		if err != nil {
			t.Fatalf("Classify(%s) error = %v", tt.name, err)
		}
		if c.Confirmatory != tt.confirmatory || c.FollowUp != tt.followUp || c.MaxCandidates != tt.max {
			t.Errorf("Classify(%s) = %+v", tt.name, c)
		}
	}
	if _, err := Classify("delete_everything"); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Classify(unknown) error = %v", err)
	}
	if got := len(Specs()); got != len(classes) {
		t.Errorf("Specs() has %d tools, classification has %d", got, len(classes))
	}
}

func TestSearchFreeSlots(t *testing.T) {
	f := newFixture()
	res, err := f.exec.Execute(context.Background(),
		call(SearchFreeSlots, `{"attendees":["<@U0BOB>","c@example.com"],"date":"2025-03-04","summary":"Planning"}`), "U1")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.IsError || res.Confirmatory {
		t.Fatalf("result = %+v, want non-confirmatory success", res)
	}

	if len(f.cal.busyCalls) != 1 {
		t.Fatalf("GetBusy calls = %d", len(f.cal.busyCalls))
	}
	if got := f.cal.busyCalls[0]; len(got) != 3 || got[0] != PrimaryCalendar || got[1] != "b@example.com" {
		t.Errorf("participants = %v", got)
	}

	p := res.Proposal
	if p == nil || p.Kind != model.KindCreateFromSlot || p.Args.Title != "Planning" {
		t.Fatalf("proposal = %+v", p)
	}
	want := []time.Time{jst(4, 9, 0), jst(4, 11, 0), jst(4, 13, 0), jst(4, 14, 0), jst(4, 15, 0)}
	if len(p.Candidates) != len(want) {
		t.Fatalf("candidates = %v", p.Candidates)
	}
	for i, w := range want {
		if !p.Candidates[i].Start.Equal(w) || p.Candidates[i].Duration() != time.Hour {
			t.Errorf("candidate[%d] = %v, want 1h at %v", i, p.Candidates[i], w)
		}
	}
}

func TestSearchFreeSlotsRelativeDate(t *testing.T) {
	f := newFixture()
	res, err := f.exec.Execute(context.Background(), call(SearchFreeSlots, `{"date":"tomorrow","time_min":"14:00","duration_minutes":30}`), "U1")
	if err != nil || res.IsError {
		t.Fatalf("Execute() = %+v, %v", res, err)
	}
	if first := res.Proposal.Candidates[0]; !first.Start.Equal(jst(4, 14, 0)) {
		t.Errorf("first candidate = %v, want tomorrow 14:00", first)
	}
}

func TestCreateEventIsConfirmatory(t *testing.T) {
	f := newFixture()
	res, err := f.exec.Execute(context.Background(),
		call(CreateEvent, `{"summary":"Sync","start_time":"2025-03-04T14:00:00","end_time":"2025-03-04T15:00:00","attendees":["U0BOB"]}`), "U1")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Confirmatory || res.Proposal == nil || res.Proposal.Kind != model.KindCreateEvent {
		t.Fatalf("result = %+v", res)
	}
	if !res.Proposal.Args.Range.Start.Equal(jst(4, 14, 0)) || res.Proposal.Args.Attendees[0] != "b@example.com" {
		t.Errorf("args = %+v", res.Proposal.Args)
	}
	if len(f.cal.created) != 0 || f.source.opened != 0 {
		t.Error("create_event touched the calendar before confirmation")
	}
}

func TestValidationErrorsAreToolResults(t *testing.T) {
	tests := []struct {
		name string
		call model.ToolCall
	}{
		{"end before start", call(CreateEvent, `{"summary":"x","start_time":"2025-03-04T15:00:00","end_time":"2025-03-04T14:00:00"}`)},
		{"bad date", call(SearchFreeSlots, `{"date":"someday"}`)},
		{"unknown mention", call(SearchFreeSlots, `{"date":"today","attendees":["<@U404>"]}`)},
		{"bare name", call(SearchFreeSlots, `{"date":"today","attendees":["alice"]}`)},
		{"malformed json", call(RescheduleEvent, `{"event_id":`)},
		{"missing event", call(SuggestReschedule, `{}`)},
		{"unknown tool", call("drop_tables", `{}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newFixture().exec.Execute(context.Background(), tt.call, "U1")
			if err != nil {
				t.Fatalf("Execute() error = %v, want tool error result", err)
			}
			if !res.IsError || res.Proposal != nil {
				t.Errorf("result = %+v, want error result without proposal", res)
			}
		})
	}
}

func TestUnauthorizedUserNeverReachesCalendar(t *testing.T) {
	f := newFixture()
	for _, c := range []model.ToolCall{
		call(SearchFreeSlots, `{"date":"today"}`),
		call(RescheduleEvent, `{"event_id":"ev1","new_start_time":"2025-03-04T16:00:00","new_end_time":"2025-03-04T17:00:00"}`),
	} {
		if _, err := f.exec.Execute(context.Background(), c, "U9"); !errors.Is(err, ErrAuthorizationRequired) {
			t.Errorf("%s: error = %v, want ErrAuthorizationRequired", c.Name, err)
		}
	}
	if _, err := f.exec.Commit(context.Background(), "U9", testToken, model.KindCreateEvent, model.EventArgs{}); !errors.Is(err, ErrAuthorizationRequired) {
		t.Errorf("Commit() error = %v, want ErrAuthorizationRequired", err)
	}
	if f.source.opened != 0 {
		t.Errorf("calendar opened %d times", f.source.opened)
	}
}

func TestSuggestRescheduleIgnoresOwnSlot(t *testing.T) {
	f := newFixture()
	res, err := f.exec.Execute(context.Background(), call(SuggestReschedule, `{"event_title":"Weekly sync"}`), "U1")
	if err != nil || res.IsError {
		t.Fatalf("Execute() = %+v, %v", res, err)
	}
	p := res.Proposal
	if p.Kind != model.KindReschedule || p.Args.EventID != "ev1" || len(p.Candidates) != 3 {
		t.Fatalf("proposal = %+v", p)
	}
	want := []time.Time{jst(4, 9, 0), jst(4, 10, 0), jst(4, 11, 0)}
	for i, w := range want {
		if !p.Candidates[i].Start.Equal(w) {
			t.Errorf("candidate[%d] = %v, want %v", i, p.Candidates[i].Start, w)
		}
	}
}

func TestRescheduleEventExecutesImmediately(t *testing.T) {
	f := newFixture()
	res, err := f.exec.Execute(context.Background(),
		call(RescheduleEvent, `{"event_id":"ev1","new_start_time":"2025-03-04T16:00:00+09:00","new_end_time":"2025-03-04T17:00:00+09:00"}`), "U1")
	if err != nil || res.IsError || res.Confirmatory {
		t.Fatalf("Execute() = %+v, %v", res, err)
	}
	if got := f.cal.moved["ev1"]; !got.Start.Equal(jst(4, 16, 0)) {
		t.Errorf("moved = %v", got)
	}
	if res.Event == nil || res.Event.ID != "ev1" {
		t.Errorf("Event = %+v", res.Event)
	}
}

func TestCommit(t *testing.T) {
	f := newFixture()
	r := model.TimeRange{Start: jst(4, 13, 0), End: jst(4, 14, 0)}

	ev, err := f.exec.Commit(context.Background(), "U1", testToken, model.KindCreateFromSlot, model.EventArgs{Title: "Edited", Range: r})
	if err != nil || ev.Title != "Edited" || len(f.cal.created) != 1 {
		t.Fatalf("Commit(create) = %+v, %v", ev, err)
	}
	if ev.ID != EventIDForToken(testToken) {
		t.Errorf("event id = %q, want id derived from the action token", ev.ID)
	}
	if _, err := f.exec.Commit(context.Background(), "U1", testToken, model.KindReschedule, model.EventArgs{EventID: "ev1", Range: r}); err != nil {
		t.Fatalf("Commit(reschedule) error = %v", err)
	}
	if got := f.cal.moved["ev1"]; !got.Start.Equal(r.Start) {
		t.Errorf("moved = %v", got)
	}
}

const testToken = "0b5e7c1a-3f0d-4c52-9a57-3e1d2f6b8c90"

func TestEventIDForToken(t *testing.T) {
	valid := regexp.MustCompile(`^[a-v0-9]{5,1024}$`)
	tests := []struct {
		name  string
		token string
	}{
		{"uuid", testToken},
		{"upper case uuid", strings.ToUpper(testToken)},
		{"opaque", "not-a-uuid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := EventIDForToken(tt.token)
			if !valid.MatchString(id) {
				t.Errorf("EventIDForToken(%q) = %q, not a valid event id", tt.token, id)
			}
			if again := EventIDForToken(tt.token); again != id {
				t.Errorf("EventIDForToken(%q) not stable: %q then %q", tt.token, id, again)
			}
		})
	}
	if EventIDForToken(testToken) != EventIDForToken(strings.ToUpper(testToken)) {
		t.Error("case of the uuid changed the event id")
	}
	if EventIDForToken(testToken) == EventIDForToken("0b5e7c1a-3f0d-4c52-9a57-3e1d2f6b8c91") {
		t.Error("different tokens share an event id")
	}
}

func TestResolveAttendees(t *testing.T) {
	tests := []struct {
		name     string
		attendee string
		want     string
		wantErr  bool
	}{
		{"bracketed mention", "<@U0BOB>", "b@example.com", false},
		{"mention with label", "<@U0BOB|bob>", "b@example.com", false},
		{"bare user id", "U0BOB", "b@example.com", false},
		{"bare id too short", "U2", "", true},
		{"email", "C@Example.com", "c@example.com", false},
		{"plain name", "bob", "", true},
	}
	f := newFixture()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.exec.resolveAttendees(context.Background(), []string{tt.attendee})
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveAttendees(%q) error = %v, wantErr %v", tt.attendee, err, tt.wantErr)
			}
			if !tt.wantErr && (len(got) != 1 || got[0] != tt.want) {
				t.Errorf("resolveAttendees(%q) = %v, want [%s]", tt.attendee, got, tt.want)
			}
		})
	}
}

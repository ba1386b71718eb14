// Package gcal is the Google Calendar collaborator.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/tools"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
)

// ErrEventNotFound is returned when no event matches a lookup.
var ErrEventNotFound = errors.New("event not found")

const primary = "primary"

// Source opens calendar clients per access token.
type Source struct {
	loc        *time.Location
	opts       []option.ClientOption
	maxRetries uint64
	log        *logger.Logger
}

// NewSource creates a source. Extra options are applied to every client.
func NewSource(loc *time.Location, log *logger.Logger, opts ...option.ClientOption) *Source {
	return &Source{
		loc:        loc,
		opts:       opts,
		maxRetries: 3,
		log:        log.With(zap.String("component", "gcal")),
	}
}

// Calendar returns a client acting with accessToken.
func (s *Source) Calendar(ctx context.Context, accessToken string) (tools.Calendar, error) {
	opts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}, s.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &Client{svc: svc, loc: s.loc, maxRetries: s.maxRetries, log: s.log}, nil
}

// Client implements tools.Calendar on the Calendar v3 API.
type Client struct {
	svc        *calendar.Service
	loc        *time.Location
	maxRetries uint64
	log        *logger.Logger
}

// retry runs op with exponential backoff on rate limits and server errors.
func retry[T any](ctx context.Context, c *Client, name string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 4 * time.Second

	return backoff.RetryNotifyWithData(func() (T, error) {
		v, err := op()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx), func(err error, wait time.Duration) {
		c.log.Warn("calendar call failed, retrying",
			zap.String("op", name),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}

func retryable(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 {
		return true
	}
	if gerr.Code == http.StatusForbidden {
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return true
			}
		}
	}
	return false
}

// GetBusy returns busy intervals per requested calendar.
func (c *Client) GetBusy(ctx context.Context, calendars []string, r model.TimeRange) (map[string][]model.TimeRange, error) {
	req := &calendar.FreeBusyRequest{
		TimeMin:  r.Start.Format(time.RFC3339),
		TimeMax:  r.End.Format(time.RFC3339),
		TimeZone: c.loc.String(),
	}
	for _, id := range calendars {
		req.Items = append(req.Items, &calendar.FreeBusyRequestItem{Id: id})
	}

	resp, err := retry(ctx, c, "freebusy", func() (*calendar.FreeBusyResponse, error) {
		return c.svc.Freebusy.Query(req).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}

	busy := make(map[string][]model.TimeRange, len(resp.Calendars))
	for id, cal := range resp.Calendars {
		if len(cal.Errors) > 0 {
			return nil, fmt.Errorf("calendar %s is not readable: %s", id, cal.Errors[0].Reason)
		}
		for _, p := range cal.Busy {
			start, err := time.Parse(time.RFC3339, p.Start)
			if err != nil {
				return nil, fmt.Errorf("invalid busy start %q: %w", p.Start, err)
			}
			end, err := time.Parse(time.RFC3339, p.End)
			if err != nil {
				return nil, fmt.Errorf("invalid busy end %q: %w", p.End, err)
			}
			busy[id] = append(busy[id], model.TimeRange{Start: start, End: end})
		}
	}
	return busy, nil
}

func (c *Client) dateTime(t time.Time) *calendar.EventDateTime {
	return &calendar.EventDateTime{DateTime: t.In(c.loc).Format(time.RFC3339), TimeZone: c.loc.String()}
}

// CreateEvent inserts an event on the primary calendar and notifies attendees.
// A non-empty eventID makes the insert idempotent: when an earlier attempt
// already stored the event, the insert conflicts and the stored event is
// returned. Without an id the insert is not retried.
func (c *Client) CreateEvent(ctx context.Context, eventID string, args model.EventArgs) (*model.CalendarEvent, error) {
	ev := &calendar.Event{
		Id:          eventID,
		Summary:     args.Title,
		Description: args.Description,
		Start:       c.dateTime(args.Range.Start),
		End:         c.dateTime(args.Range.End),
	}
	for _, a := range args.Attendees {
		ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{Email: a})
	}

	insert := func() (*calendar.Event, error) {
		return c.svc.Events.Insert(primary, ev).SendUpdates("all").Context(ctx).Do()
	}
	if eventID == "" {
		created, err := insert()
		if err != nil {
			return nil, err
		}
		return c.toModel(created)
	}

	created, err := retry(ctx, c, "insert", func() (*calendar.Event, error) {
		out, err := insert()
		if isStatus(err, http.StatusConflict) {
			c.log.Info("event already exists, fetching it", zap.String("event_id", eventID))
			return c.svc.Events.Get(primary, eventID).Context(ctx).Do()
		}
		return out, err
	})
	if err != nil {
		return nil, err
	}
	if created.Status == "cancelled" {
		return nil, fmt.Errorf("event %s was created earlier and has since been cancelled", eventID)
	}
	return c.toModel(created)
}

func isStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

// FindEventByTitle returns the first event in r whose title matches,
// preferring an exact case-insensitive match.
func (c *Client) FindEventByTitle(ctx context.Context, title string, r model.TimeRange) (*model.CalendarEvent, error) {
	resp, err := retry(ctx, c, "list", func() (*calendar.Events, error) {
		return c.svc.Events.List(primary).
			Q(title).
			TimeMin(r.Start.Format(time.RFC3339)).
			TimeMax(r.End.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			MaxResults(10).
			Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEventNotFound, title)
	}
	for _, item := range resp.Items {
		if strings.EqualFold(item.Summary, title) {
			return c.toModel(item)
		}
	}
	return c.toModel(resp.Items[0])
}

// GetEvent fetches an event by id.
func (c *Client) GetEvent(ctx context.Context, id string) (*model.CalendarEvent, error) {
	ev, err := retry(ctx, c, "get", func() (*calendar.Event, error) {
		return c.svc.Events.Get(primary, id).Context(ctx).Do()
	})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		return nil, err
	}
	return c.toModel(ev)
}

// UpdateEventTime moves an event and notifies attendees.
func (c *Client) UpdateEventTime(ctx context.Context, id string, r model.TimeRange) (*model.CalendarEvent, error) {
	patch := &calendar.Event{Start: c.dateTime(r.Start), End: c.dateTime(r.End)}
	ev, err := retry(ctx, c, "patch", func() (*calendar.Event, error) {
		return c.svc.Events.Patch(primary, id, patch).SendUpdates("all").Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	return c.toModel(ev)
}

func (c *Client) parseEventTime(t *calendar.EventDateTime) (time.Time, error) {
	if t == nil {
		return time.Time{}, errors.New("event time is missing")
	}
	if t.DateTime != "" {
		return time.Parse(time.RFC3339, t.DateTime)
	}
	return time.ParseInLocation(time.DateOnly, t.Date, c.loc)
}

func (c *Client) toModel(ev *calendar.Event) (*model.CalendarEvent, error) {
	start, err := c.parseEventTime(ev.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.Id, err)
	}
	end, err := c.parseEventTime(ev.End)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.Id, err)
	}
	out := &model.CalendarEvent{
		ID:          ev.Id,
		Title:       ev.Summary,
		Description: ev.Description,
		Range:       model.TimeRange{Start: start, End: end},
		Link:        ev.HtmlLink,
	}
	for _, a := range ev.Attendees {
		if a.Email != "" && !a.Self {
			out.Attendees = append(out.Attendees, a.Email)
		}
	}
	return out, nil
}

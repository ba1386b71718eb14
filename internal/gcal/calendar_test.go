package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/slots"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	src := NewSource(slots.JST, logger.NewNop(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	cal, err := src.Calendar(context.Background(), "token")
	if err != nil {
		t.Fatal(err)
	}
	return cal.(*Client)
}

func jst(h, m int) time.Time {
	return time.Date(2025, 3, 4, h, m, 0, 0, slots.JST)
}

func TestGetBusy(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/freeBusy" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":{"code":503,"message":"busy"}}`, http.StatusServiceUnavailable)
			return
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if items, _ := req["items"].([]any); len(items) != 2 {
			t.Errorf("items = %v", req["items"])
		}
		io.WriteString(w, `{"calendars":{
			"primary":{"busy":[{"start":"2025-03-04T10:00:00+09:00","end":"2025-03-04T11:00:00+09:00"}]},
			"b@example.com":{"busy":[]}
		}}`)
	})

	busy, err := c.GetBusy(context.Background(), []string{"primary", "b@example.com"}, model.TimeRange{Start: jst(9, 0), End: jst(18, 0)})
	if err != nil {
		t.Fatalf("GetBusy() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", calls.Load())
	}
	if got := busy["primary"]; len(got) != 1 || !got[0].Start.Equal(jst(10, 0)) || !got[0].End.Equal(jst(11, 0)) {
		t.Errorf("busy[primary] = %v", got)
	}
}

func TestGetBusyCalendarError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"calendars":{"x@example.com":{"errors":[{"domain":"global","reason":"notFound"}]}}}`)
	})
	if _, err := c.GetBusy(context.Background(), []string{"x@example.com"}, model.TimeRange{Start: jst(9, 0), End: jst(18, 0)}); err == nil {
		t.Fatal("GetBusy() error = nil, want calendar error")
	}
}

func TestCreateEvent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/calendars/primary/events" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("sendUpdates") != "all" {
			t.Errorf("sendUpdates = %q", r.URL.Query().Get("sendUpdates"))
		}
		var ev map[string]any
		json.NewDecoder(r.Body).Decode(&ev)
		start := ev["start"].(map[string]any)
		if start["dateTime"] != "2025-03-04T14:00:00+09:00" || start["timeZone"] != "Asia/Tokyo" {
			t.Errorf("start = %v", start)
		}
		io.WriteString(w, `{"id":"ev1","summary":"Sync","htmlLink":"https://cal/ev1",
			"start":{"dateTime":"2025-03-04T14:00:00+09:00"},"end":{"dateTime":"2025-03-04T15:00:00+09:00"},
			"attendees":[{"email":"me@example.com","self":true},{"email":"b@example.com"}]}`)
	})

	ev, err := c.CreateEvent(context.Background(), "", model.EventArgs{
		Title:     "Sync",
		Attendees: []string{"b@example.com"},
		Range:     model.TimeRange{Start: jst(14, 0), End: jst(15, 0)},
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	if ev.ID != "ev1" || ev.Link != "https://cal/ev1" || len(ev.Attendees) != 1 || ev.Attendees[0] != "b@example.com" {
		t.Errorf("event = %+v", ev)
	}
}

func TestCreateEventRetryDoesNotDuplicate(t *testing.T) {
	const id = "1bf7o6h3u1m54ikne7ehu2ft1g"
	var (
		mu      sync.Mutex
		stored  = map[string]string{}
		inserts int
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/calendars/primary/events":
			inserts++
			var ev map[string]any
			json.NewDecoder(r.Body).Decode(&ev)
			if ev["id"] != id {
				t.Errorf("insert id = %v, want %s", ev["id"], id)
			}
			if _, ok := stored[id]; ok {
				w.WriteHeader(http.StatusConflict)
				io.WriteString(w, `{"error":{"code":409,"message":"The requested identifier already exists."}}`)
				return
			}
			stored[id] = `{"id":"` + id + `","status":"confirmed","summary":"Sync",
				"start":{"dateTime":"2025-03-04T14:00:00+09:00"},"end":{"dateTime":"2025-03-04T15:00:00+09:00"}}`
			// The event is stored but the response is lost.
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":{"code":503,"message":"backend error"}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/calendars/primary/events/"+id:
			body, ok := stored[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				io.WriteString(w, `{"error":{"code":404,"message":"Not Found"}}`)
				return
			}
			io.WriteString(w, body)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})

	ev, err := c.CreateEvent(context.Background(), id, model.EventArgs{
		Title: "Sync",
		Range: model.TimeRange{Start: jst(14, 0), End: jst(15, 0)},
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	if ev.ID != id || !ev.Range.Start.Equal(jst(14, 0)) {
		t.Errorf("event = %+v", ev)
	}
	mu.Lock()
	defer mu.Unlock()
	if inserts != 2 {
		t.Errorf("inserts = %d, want 2 (one retry)", inserts)
	}
	if len(stored) != 1 {
		t.Errorf("stored events = %d, want 1", len(stored))
	}
}

func TestCreateEventWithoutIDIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":{"code":503,"message":"backend error"}}`)
	})
	if _, err := c.CreateEvent(context.Background(), "", model.EventArgs{
		Title: "Sync",
		Range: model.TimeRange{Start: jst(14, 0), End: jst(15, 0)},
	}); err == nil {
		t.Fatal("CreateEvent() error = nil, want the 503")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestFindEventByTitle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "weekly sync" || r.URL.Query().Get("singleEvents") != "true" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		io.WriteString(w, `{"items":[
			{"id":"a","summary":"Weekly sync prep","start":{"dateTime":"2025-03-04T09:00:00+09:00"},"end":{"dateTime":"2025-03-04T09:30:00+09:00"}},
			{"id":"b","summary":"Weekly Sync","start":{"dateTime":"2025-03-04T10:00:00+09:00"},"end":{"dateTime":"2025-03-04T11:00:00+09:00"}}
		]}`)
	})
	ev, err := c.FindEventByTitle(context.Background(), "weekly sync", model.TimeRange{Start: jst(0, 0), End: jst(23, 0)})
	if err != nil || ev.ID != "b" {
		t.Fatalf("FindEventByTitle() = %+v, %v; want b", ev, err)
	}
}

func TestGetEventNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"code":404,"message":"Not Found"}}`)
	})
	if _, err := c.GetEvent(context.Background(), "missing"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("GetEvent() error = %v, want ErrEventNotFound", err)
	}
}

func TestUpdateEventTime(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || !strings.HasSuffix(r.URL.Path, "/events/ev1") {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		io.WriteString(w, `{"id":"ev1","summary":"Sync","start":{"dateTime":"2025-03-04T16:00:00+09:00"},"end":{"dateTime":"2025-03-04T17:00:00+09:00"}}`)
	})
	ev, err := c.UpdateEventTime(context.Background(), "ev1", model.TimeRange{Start: jst(16, 0), End: jst(17, 0)})
	if err != nil || !ev.Range.Start.Equal(jst(16, 0)) {
		t.Fatalf("UpdateEventTime() = %+v, %v", ev, err)
	}
}

func TestAllDayEvent(t *testing.T) {
	c := &Client{loc: slots.JST}
	start, err := c.parseEventTime(&calendar.EventDateTime{Date: "2025-03-04"})
	if err != nil || !start.Equal(jst(0, 0)) {
		t.Errorf("parseEventTime(all-day) = %v, %v", start, err)
	}
}

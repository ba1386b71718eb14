package slots

import (
	"math/rand"
	"testing"
	"time"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
)

// 2025-03-04 is a Tuesday.
func at(day, hour, minute int) time.Time {
	return time.Date(2025, 3, day, hour, minute, 0, 0, JST)
}

func span(start, end time.Time) model.TimeRange {
	return model.TimeRange{Start: start, End: end}
}

func TestFindSlotsTwoParticipantsScenario(t *testing.T) {
	e := NewEngine(DefaultCalendar())

	res := e.FindSlots(Query{
		Participants: []string{"a@example.com", "b@example.com"},
		Range:        span(at(4, 9, 0), at(5, 20, 0)),
		Duration:     30 * time.Minute,
		Busy: map[string][]model.TimeRange{
			"a@example.com": {span(at(4, 10, 0), at(4, 11, 0))},
		},
	})

	if res.Fallback {
		t.Fatal("Fallback = true, want false")
	}
	if len(res.Slots) < 3 {
		t.Fatalf("got %d slots, want at least 3", len(res.Slots))
	}
	want := []time.Time{at(4, 9, 0), at(4, 9, 30), at(4, 11, 0), at(4, 11, 30), at(4, 13, 0)}
	for i, w := range want {
		if !res.Slots[i].Start.Equal(w) {
			t.Errorf("slot[%d].Start = %v, want %v", i, res.Slots[i].Start, w)
		}
	}

	busy := span(at(4, 10, 0), at(4, 11, 0))
	lunchTue := span(at(4, 12, 0), at(4, 13, 0))
	lunchWed := span(at(5, 12, 0), at(5, 13, 0))
	for _, s := range res.Slots {
		if s.Overlaps(busy) || s.Overlaps(lunchTue) || s.Overlaps(lunchWed) {
			t.Errorf("slot %v overlaps busy or lunch", s)
		}
	}

	// Wednesday is searched as well, up to 18:00.
	last := res.Slots[len(res.Slots)-1]
	if !last.End.Equal(at(5, 18, 0)) {
		t.Errorf("last slot ends %v, want %v", last.End, at(5, 18, 0))
	}
}

func TestFindSlotsNonOverlappingForLongMeetings(t *testing.T) {
	e := NewEngine(DefaultCalendar())

	res := e.FindSlots(Query{
		Range:    span(at(4, 0, 0), at(5, 0, 0)),
		Duration: 60 * time.Minute,
	})

	want := []time.Time{at(4, 9, 0), at(4, 10, 0), at(4, 11, 0), at(4, 13, 0), at(4, 14, 0), at(4, 15, 0), at(4, 16, 0), at(4, 17, 0)}
	if len(res.Slots) != len(want) {
		t.Fatalf("got %d slots, want %d: %v", len(res.Slots), len(want), res.Slots)
	}
	for i, w := range want {
		if !res.Slots[i].Start.Equal(w) {
			t.Errorf("slot[%d].Start = %v, want %v", i, res.Slots[i].Start, w)
		}
	}
}

func TestFindSlotsAlignsAfterOddBusyEnd(t *testing.T) {
	e := NewEngine(DefaultCalendar())

	res := e.FindSlots(Query{
		Range:    span(at(4, 9, 0), at(4, 12, 0)),
		Duration: 30 * time.Minute,
		Busy:     map[string][]model.TimeRange{"a": {span(at(4, 9, 0), at(4, 10, 45))}},
	})

	want := []time.Time{at(4, 11, 0), at(4, 11, 30)}
	if len(res.Slots) != len(want) {
		t.Fatalf("got %v, want starts %v", res.Slots, want)
	}
	for i, w := range want {
		if !res.Slots[i].Start.Equal(w) {
			t.Errorf("slot[%d].Start = %v, want %v", i, res.Slots[i].Start, w)
		}
	}
}

func TestFindSlotsFallback(t *testing.T) {
	e := NewEngine(DefaultCalendar())

	tests := []struct {
		name      string
		rng       model.TimeRange
		busy      map[string][]model.TimeRange
		wantStart time.Time
		wantEmpty bool
	}{
		{
			name:      "weekend falls back to monday",
			rng:       span(at(8, 0, 0), at(10, 0, 0)),
			wantStart: at(10, 9, 0),
		},
		{
			name:      "after hours falls back to next day",
			rng:       span(at(4, 19, 0), at(5, 0, 0)),
			wantStart: at(5, 9, 0),
		},
		{
			name:      "fully booked fallback day returns empty",
			rng:       span(at(8, 0, 0), at(10, 0, 0)),
			busy:      map[string][]model.TimeRange{"a": {span(at(10, 8, 0), at(10, 19, 0))}},
			wantEmpty: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.FindSlots(Query{Range: tt.rng, Duration: 30 * time.Minute, Busy: tt.busy})
			if !res.Fallback {
				t.Fatal("Fallback = false, want true")
			}
			if tt.wantEmpty {
				if len(res.Slots) != 0 {
					t.Errorf("got %d slots, want none", len(res.Slots))
				}
				return
			}
			if len(res.Slots) == 0 || !res.Slots[0].Start.Equal(tt.wantStart) {
				t.Errorf("first slot = %v, want start %v", res.Slots, tt.wantStart)
			}
		})
	}
}

func TestFindSlotsSkipsHolidays(t *testing.T) {
	cal := DefaultCalendar()
	cal.Holidays = map[string]bool{"2025-03-04": true}
	e := NewEngine(cal)

	res := e.FindSlots(Query{Range: span(at(4, 0, 0), at(6, 0, 0)), Duration: 30 * time.Minute, Limit: 1})
	if res.Fallback {
		t.Fatal("Fallback = true, want false")
	}
	if len(res.Slots) != 1 || !res.Slots[0].Start.Equal(at(5, 9, 0)) {
		t.Errorf("slots = %v, want one at %v", res.Slots, at(5, 9, 0))
	}

	fb := e.FindSlots(Query{Range: span(at(4, 0, 0), at(5, 0, 0)), Duration: 30 * time.Minute, Limit: 1})
	if !fb.Fallback || len(fb.Slots) != 1 || !fb.Slots[0].Start.Equal(at(5, 9, 0)) {
		t.Errorf("holiday-only range = %+v, want fallback to %v", fb, at(5, 9, 0))
	}
}

func TestFindSlotsLimit(t *testing.T) {
	e := NewEngine(DefaultCalendar())
	res := e.FindSlots(Query{Range: span(at(4, 0, 0), at(7, 0, 0)), Duration: 30 * time.Minute, Limit: 5})
	if len(res.Slots) != 5 {
		t.Errorf("got %d slots, want 5", len(res.Slots))
	}
}

func TestFindSlotsProperties(t *testing.T) {
	cal := DefaultCalendar()
	e := NewEngine(cal)
	rng := rand.New(rand.NewSource(42))
	durations := []time.Duration{15 * time.Minute, 30 * time.Minute, 45 * time.Minute, 60 * time.Minute, 90 * time.Minute}

	for iter := 0; iter < 300; iter++ {
		base := at(3, 0, 0).Add(time.Duration(rng.Intn(14*24)) * time.Hour)
		q := Query{
			Range:    span(base, base.Add(time.Duration(1+rng.Intn(96))*time.Hour)),
			Duration: durations[rng.Intn(len(durations))],
			Busy:     map[string][]model.TimeRange{},
		}
		for p := 0; p < 3; p++ {
			who := string(rune('a' + p))
			for n := rng.Intn(6); n > 0; n-- {
				start := base.Add(time.Duration(rng.Intn(96*60)) * time.Minute)
				q.Busy[who] = append(q.Busy[who], span(start, start.Add(time.Duration(5+rng.Intn(180))*time.Minute)))
			}
		}

		res := e.FindSlots(q)
		var prev *model.TimeRange
		for i := range res.Slots {
			s := res.Slots[i]
			if s.Duration() != q.Duration {
				t.Fatalf("iter %d: slot %v has length %v, want %v", iter, s, s.Duration(), q.Duration)
			}
			if !cal.IsBusinessDay(s.Start) {
				t.Fatalf("iter %d: slot %v not on a business day", iter, s)
			}
			if !cal.Hours(s.Start).Contains(s) {
				t.Fatalf("iter %d: slot %v outside business hours", iter, s)
			}
			if s.Overlaps(cal.Lunch(s.Start)) {
				t.Fatalf("iter %d: slot %v overlaps lunch", iter, s)
			}
			if !res.Fallback && !q.Range.Contains(s) {
				t.Fatalf("iter %d: slot %v outside range %v", iter, s, q.Range)
			}
			for who, list := range q.Busy {
				for _, b := range list {
					if s.Overlaps(b) {
						t.Fatalf("iter %d: slot %v overlaps %s busy %v", iter, s, who, b)
					}
				}
			}
			if prev != nil && s.Start.Before(prev.End) {
				t.Fatalf("iter %d: slot %v overlaps or precedes %v", iter, s, *prev)
			}
			prev = &res.Slots[i]
		}
	}
}

func TestEffectiveRange(t *testing.T) {
	e := NewEngine(DefaultCalendar())

	r := span(at(4, 14, 0), at(4, 16, 0))
	got, fb := e.EffectiveRange(r)
	if fb || got != r {
		t.Errorf("EffectiveRange(weekday) = %v, %v; want input, false", got, fb)
	}

	got, fb = e.EffectiveRange(span(at(8, 10, 0), at(8, 12, 0)))
	if !fb || !got.Start.Equal(at(10, 9, 0)) || !got.End.Equal(at(10, 18, 0)) {
		t.Errorf("EffectiveRange(saturday) = %v, %v; want monday hours, true", got, fb)
	}
}

func TestParseDate(t *testing.T) {
	now := time.Date(2025, 3, 4, 23, 30, 0, 0, time.UTC) // already 3/5 in JST

	tests := []struct {
		in   string
		want time.Time
	}{
		{"today", at(5, 0, 0)},
		{"", at(5, 0, 0)},
		{"Tomorrow", at(6, 0, 0)},
		{"明日", at(6, 0, 0)},
		{"day after tomorrow", at(7, 0, 0)},
		{"2025-03-10", at(10, 0, 0)},
	}
	for _, tt := range tests {
		got, err := ParseDate(tt.in, now, JST)
		if err != nil {
			t.Errorf("ParseDate(%q) error = %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseDate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseDate("next blue moon", now, JST); err == nil {
		t.Error("ParseDate(garbage) error = nil, want error")
	}
}

func TestParseDateTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-03-04T14:00:00+09:00", at(4, 14, 0)},
		{"2025-03-04T05:00:00Z", at(4, 14, 0)},
		{"2025-03-04T14:00:00", at(4, 14, 0)},
		{"2025-03-04 14:00", at(4, 14, 0)},
	}
	for _, tt := range tests {
		got, err := ParseDateTime(tt.in, JST)
		if err != nil {
			t.Errorf("ParseDateTime(%q) error = %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseDateTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseDateTime("tuesday afternoon", JST); err == nil {
		t.Error("ParseDateTime(garbage) error = nil, want error")
	}
}

func TestDayRange(t *testing.T) {
	r, err := DayRange(at(4, 0, 0), "13:30", "17:00")
	if err != nil {
		t.Fatalf("DayRange() error = %v", err)
	}
	if !r.Start.Equal(at(4, 13, 30)) || !r.End.Equal(at(4, 17, 0)) {
		t.Errorf("DayRange() = %v", r)
	}
	if _, err := DayRange(at(4, 0, 0), "17:00", "09:00"); err == nil {
		t.Error("DayRange(inverted) error = nil, want error")
	}
}

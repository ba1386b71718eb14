package slots

import (
	"sort"
	"time"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
)

// Query is the input of a slot search. Busy intervals are fetched by the
// caller, keyed by participant.
type Query struct {
	Participants []string
	Range        model.TimeRange
	Duration     time.Duration
	Busy         map[string][]model.TimeRange
	// Limit caps the number of slots; zero means no cap.
	Limit int
}

// Result is the outcome of a slot search.
type Result struct {
	Slots []model.TimeRange
	// Fallback is set when the requested range held no business day and the
	// next business day was searched instead.
	Fallback bool
	Window   model.TimeRange
}

// Engine computes free slots. It performs no I/O.
type Engine struct {
	cal Calendar
}

// NewEngine creates an engine for the given business calendar.
func NewEngine(cal Calendar) *Engine {
	return &Engine{cal: cal}
}

// Calendar returns the business rules in use.
func (e *Engine) Calendar() Calendar {
	return e.cal
}

// EffectiveRange returns the window a search over r will cover: r itself when
// some business day's hours intersect it, otherwise the full business hours of
// the next business day after r ends.
func (e *Engine) EffectiveRange(r model.TimeRange) (model.TimeRange, bool) {
	if !r.Empty() {
		for day := e.cal.StartOfDay(r.Start); day.Before(r.End); day = day.AddDate(0, 0, 1) {
			if !e.cal.IsBusinessDay(day) {
				continue
			}
			if e.cal.Hours(day).Overlaps(r) {
				return r, false
			}
		}
	}

	last := r.End.Add(-time.Nanosecond)
	if r.Empty() {
		last = r.Start
	}
	return e.cal.Hours(e.cal.NextBusinessDay(last)), true
}

// FindSlots returns non-overlapping slots of exactly q.Duration in
// chronological order. Each slot is inside business hours on a business day,
// outside the lunch window and clear of every busy interval.
func (e *Engine) FindSlots(q Query) Result {
	window, fallback := e.EffectiveRange(q.Range)
	res := Result{Fallback: fallback, Window: window}
	if q.Duration <= 0 {
		return res
	}

	busy := mergeBusy(q.Busy)
	stride := roundUp(q.Duration, e.cal.Step)

	for day := e.cal.StartOfDay(window.Start); day.Before(window.End); day = day.AddDate(0, 0, 1) {
		if !e.cal.IsBusinessDay(day) {
			continue
		}
		open := clip(e.cal.Hours(day), window)
		if open.Empty() {
			continue
		}

		blocked := append([]model.TimeRange{e.cal.Lunch(day)}, busy...)
		for _, gap := range subtract(open, blocked) {
			for start := e.alignUp(gap.Start, day); !start.Add(q.Duration).After(gap.End); start = start.Add(stride) {
				res.Slots = append(res.Slots, model.TimeRange{Start: start, End: start.Add(q.Duration)})
				if q.Limit > 0 && len(res.Slots) >= q.Limit {
					return res
				}
			}
		}
	}
	return res
}

// alignUp moves t forward onto the step grid counted from the day's midnight.
func (e *Engine) alignUp(t, day time.Time) time.Time {
	offset := t.Sub(day)
	return day.Add(roundUp(offset, e.cal.Step))
}

func roundUp(d, step time.Duration) time.Duration {
	if rem := d % step; rem != 0 {
		return d + step - rem
	}
	return d
}

func clip(r, bound model.TimeRange) model.TimeRange {
	if r.Start.Before(bound.Start) {
		r.Start = bound.Start
	}
	if r.End.After(bound.End) {
		r.End = bound.End
	}
	return r
}

// mergeBusy flattens per-participant busy lists into sorted, disjoint intervals.
func mergeBusy(busy map[string][]model.TimeRange) []model.TimeRange {
	var all []model.TimeRange
	for _, list := range busy {
		for _, r := range list {
			if !r.Empty() {
				all = append(all, r)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Start.Before(all[j].Start) })

	var merged []model.TimeRange
	for _, r := range all {
		if n := len(merged); n > 0 && !r.Start.After(merged[n-1].End) {
			if r.End.After(merged[n-1].End) {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// subtract removes blocked intervals from r and returns what is left in order.
func subtract(r model.TimeRange, blocked []model.TimeRange) []model.TimeRange {
	sorted := append([]model.TimeRange(nil), blocked...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var out []model.TimeRange
	cursor := r.Start
	for _, b := range sorted {
		if !b.End.After(cursor) || !b.Start.Before(r.End) {
			continue
		}
		if b.Start.After(cursor) {
			out = append(out, model.TimeRange{Start: cursor, End: b.Start})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if cursor.Before(r.End) {
		out = append(out, model.TimeRange{Start: cursor, End: r.End})
	}
	return out
}

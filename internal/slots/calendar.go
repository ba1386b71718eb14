// Package slots finds free meeting windows under business-day rules.
package slots

import (
	"fmt"
	"time"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
)

// JST is the default business time zone. Japan has no daylight saving, so a
// fixed zone avoids depending on the host's tz database. It carries the IANA
// name so it can be sent to calendar APIs as is.
var JST = time.FixedZone("Asia/Tokyo", 9*60*60)

// ClockTime is a time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c ClockTime) on(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, day.Location())
}

// Calendar holds the business rules slot search runs under.
type Calendar struct {
	Location   *time.Location
	DayStart   ClockTime
	DayEnd     ClockTime
	LunchStart ClockTime
	LunchEnd   ClockTime
	// Step is the start-time grid.
	Step     time.Duration
	Holidays map[string]bool
}

// DefaultCalendar is 09:00-18:00 JST on weekdays with a 12:00-13:00 lunch.
func DefaultCalendar() Calendar {
	return Calendar{
		Location:   JST,
		DayStart:   ClockTime{Hour: 9},
		DayEnd:     ClockTime{Hour: 18},
		LunchStart: ClockTime{Hour: 12},
		LunchEnd:   ClockTime{Hour: 13},
		Step:       30 * time.Minute,
		Holidays:   map[string]bool{},
	}
}

// Validate checks the rules are usable.
func (c Calendar) Validate() error {
	if c.Location == nil {
		return fmt.Errorf("calendar: location is required")
	}
	if c.Step <= 0 {
		return fmt.Errorf("calendar: step must be positive")
	}
	ref := time.Date(2000, 1, 1, 0, 0, 0, 0, c.Location)
	if !c.DayStart.on(ref).Before(c.DayEnd.on(ref)) {
		return fmt.Errorf("calendar: day start %s must be before day end %s", c.DayStart, c.DayEnd)
	}
	if c.LunchEnd.on(ref).Before(c.LunchStart.on(ref)) {
		return fmt.Errorf("calendar: lunch end %s is before lunch start %s", c.LunchEnd, c.LunchStart)
	}
	return nil
}

// StartOfDay returns midnight of t's date in the business zone.
func (c Calendar) StartOfDay(t time.Time) time.Time {
	y, m, d := t.In(c.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.Location)
}

// IsBusinessDay reports whether t's date is a weekday and not a holiday.
func (c Calendar) IsBusinessDay(t time.Time) bool {
	local := t.In(c.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.Holidays[local.Format(time.DateOnly)]
}

// Hours returns the business window of day.
func (c Calendar) Hours(day time.Time) model.TimeRange {
	day = c.StartOfDay(day)
	return model.TimeRange{Start: c.DayStart.on(day), End: c.DayEnd.on(day)}
}

// Lunch returns the exclusion window of day.
func (c Calendar) Lunch(day time.Time) model.TimeRange {
	day = c.StartOfDay(day)
	return model.TimeRange{Start: c.LunchStart.on(day), End: c.LunchEnd.on(day)}
}

// NextBusinessDay returns the first business day strictly after t's date.
func (c Calendar) NextBusinessDay(t time.Time) time.Time {
	day := c.StartOfDay(t).AddDate(0, 0, 1)
	for i := 0; i < 366 && !c.IsBusinessDay(day); i++ {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

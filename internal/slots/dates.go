package slots

import (
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
)

var relativeDays = map[string]int{
	"":                   0,
	"today":              0,
	"今日":                 0,
	"tomorrow":           1,
	"明日":                 1,
	"day after tomorrow": 2,
	"明後日":                2,
}

// ParseDate resolves a relative word or YYYY-MM-DD to midnight in loc.
func ParseDate(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if offset, ok := relativeDays[strings.ToLower(s)]; ok {
		y, m, d := now.In(loc).Date()
		return time.Date(y, m, d+offset, 0, 0, 0, 0, loc), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to parse date %q", s)
	}
	return t, nil
}

var dateTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseDateTime parses RFC 3339, or a zone-less datetime assumed to be in loc.
func ParseDateTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse datetime %q", s)
}

// DayRange returns the window of a day, optionally narrowed by HH:MM bounds.
func DayRange(day time.Time, timeMin, timeMax string) (model.TimeRange, error) {
	r := model.TimeRange{Start: day, End: day.AddDate(0, 0, 1)}
	if timeMin != "" {
		c, err := ParseClock(timeMin)
		if err != nil {
			return model.TimeRange{}, err
		}
		r.Start = c.on(day)
	}
	if timeMax != "" {
		c, err := ParseClock(timeMax)
		if err != nil {
			return model.TimeRange{}, err
		}
		r.End = c.on(day)
	}
	if r.Empty() {
		return model.TimeRange{}, fmt.Errorf("time_min %s is not before time_max %s", timeMin, timeMax)
	}
	return r, nil
}

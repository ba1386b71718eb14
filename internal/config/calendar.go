package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/meeting-scheduler/internal/slots"
)

// calendarFile is the YAML shape of BUSINESS_CALENDAR_FILE.
//
//	timezone: Asia/Tokyo
//	day_start: "09:00"
//	day_end: "18:00"
//	lunch_start: "12:00"
//	lunch_end: "13:00"
//	step: 30m
//	holidays: ["2025-01-01"]
type calendarFile struct {
	Timezone   string   `yaml:"timezone"`
	DayStart   string   `yaml:"day_start"`
	DayEnd     string   `yaml:"day_end"`
	LunchStart string   `yaml:"lunch_start"`
	LunchEnd   string   `yaml:"lunch_end"`
	Step       string   `yaml:"step"`
	Holidays   []string `yaml:"holidays"`
}

// LoadCalendar returns the business calendar. An empty path yields the
// default rules; fields missing from the file keep their defaults.
func LoadCalendar(path string) (slots.Calendar, error) {
	cal := slots.DefaultCalendar()
	if path == "" {
		return cal, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cal, fmt.Errorf("failed to read business calendar: %w", err)
	}
	return ParseCalendar(data)
}

// ParseCalendar decodes a YAML business calendar over the defaults.
func ParseCalendar(data []byte) (slots.Calendar, error) {
	cal := slots.DefaultCalendar()

	var f calendarFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return cal, fmt.Errorf("failed to parse business calendar: %w", err)
	}

	if f.Timezone != "" {
		loc, err := time.LoadLocation(f.Timezone)
		if err != nil {
			return cal, fmt.Errorf("invalid timezone %q: %w", f.Timezone, err)
		}
		cal.Location = loc
	}

	clocks := []struct {
		raw string
		dst *slots.ClockTime
	}{
		{f.DayStart, &cal.DayStart},
		{f.DayEnd, &cal.DayEnd},
		{f.LunchStart, &cal.LunchStart},
		{f.LunchEnd, &cal.LunchEnd},
	}
	for _, c := range clocks {
		if c.raw == "" {
			continue
		}
		v, err := slots.ParseClock(c.raw)
		if err != nil {
			return cal, err
		}
		*c.dst = v
	}

	if f.Step != "" {
		d, err := time.ParseDuration(f.Step)
		if err != nil {
			return cal, fmt.Errorf("invalid step %q: %w", f.Step, err)
		}
		cal.Step = d
	}

	for _, h := range f.Holidays {
		if _, err := time.Parse(time.DateOnly, h); err != nil {
			return cal, fmt.Errorf("invalid holiday %q: %w", h, err)
		}
		cal.Holidays[h] = true
	}

	return cal, cal.Validate()
}

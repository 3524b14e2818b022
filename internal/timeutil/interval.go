// Package timeutil provides clock-time parsing and half-open minute
// intervals used by slot and conflict calculations.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	MinutesPerDay = 24 * 60

	// DateLayout is the calendar-day format used throughout the API.
	DateLayout = "2006-01-02"
	// ClockLayout is the HH:MM format used for slot starts and durations.
	ClockLayout = "15:04"
)

// ParseClock converts an "HH:MM" string into minutes since midnight.
// Durations may exceed 23:59, so hours above 23 are accepted.
func ParseClock(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q", raw)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 {
		return 0, fmt.Errorf("invalid clock value %q", raw)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid clock value %q", raw)
	}
	return hours*60 + minutes, nil
}

// FormatClock renders minutes since midnight back into "HH:MM".
func FormatClock(minutes int) string {
	if minutes < 0 {
		minutes = 0
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// EndClock returns the end time of a range starting at start ("HH:MM")
// lasting duration ("HH:MM" elapsed). An empty duration returns start.
func EndClock(start, duration string) (string, error) {
	startMin, err := ParseClock(start)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(duration) == "" {
		return FormatClock(startMin), nil
	}
	durMin, err := ParseClock(duration)
	if err != nil {
		return "", err
	}
	return FormatClock(startMin + durMin), nil
}

// Interval is a half-open minute range [Start, End) on a single calendar day.
type Interval struct {
	Date  string // YYYY-MM-DD
	Start int    // minutes since midnight, inclusive
	End   int    // minutes since midnight, exclusive
}

// Overlaps reports whether two intervals on the same date intersect.
// Touching boundaries do not overlap.
func (iv Interval) Overlaps(other Interval) bool {
	if iv.Date != other.Date {
		return false
	}
	return iv.Start < other.End && iv.End > other.Start
}

// Contains reports whether the minute offset falls inside the interval.
func (iv Interval) Contains(minute int) bool {
	return minute >= iv.Start && minute < iv.End
}

// Duration returns the interval length in minutes.
func (iv Interval) Duration() int {
	return iv.End - iv.Start
}

// NewInterval builds an interval from a date, an "HH:MM" start and an
// "HH:MM" elapsed duration.
func NewInterval(date, start, duration string) (Interval, error) {
	startMin, err := ParseClock(start)
	if err != nil {
		return Interval{}, err
	}
	durMin := 0
	if strings.TrimSpace(duration) != "" {
		durMin, err = ParseClock(duration)
		if err != nil {
			return Interval{}, err
		}
	}
	return Interval{Date: date, Start: startMin, End: startMin + durMin}, nil
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp parses a combined date-time value in any of the accepted
// layouts, trying RFC 3339 first.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not a valid date-time", raw)
}

// IntervalFromTimestamps builds an interval from combined start/end
// date-time values. The date is taken from the start value.
func IntervalFromTimestamps(startAt, endAt string) (Interval, error) {
	start, err := ParseTimestamp(startAt)
	if err != nil {
		return Interval{}, fmt.Errorf("start: %w", err)
	}
	end, err := ParseTimestamp(endAt)
	if err != nil {
		return Interval{}, fmt.Errorf("end: %w", err)
	}
	iv := Interval{
		Date:  start.Format(DateLayout),
		Start: start.Hour()*60 + start.Minute(),
		End:   end.Hour()*60 + end.Minute(),
	}
	// An end at midnight of the following day closes out the current one.
	if end.Format(DateLayout) != iv.Date {
		iv.End += MinutesPerDay * daysBetween(start, end)
	}
	if iv.End < iv.Start {
		return Interval{}, fmt.Errorf("end %q precedes start %q", endAt, startAt)
	}
	return iv, nil
}

func daysBetween(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(s).Hours() / 24)
}

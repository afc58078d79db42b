// Package timedim computes the calendar windows the rollup and its duplicate
// checks agree on. Every function here is pure: the same inputs always give
// the same window.
package timedim

import (
	"fmt"
	"time"

	"github.com/nicktill/tinystat/pkg/activity"
)

// Window is an inclusive [Start, End] range of instants.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func (w Window) String() string {
	return w.Start.Format(time.RFC3339) + " .. " + w.End.Format(time.RFC3339Nano)
}

// WindowFor returns the window of the given dimension that lies offset units
// before anchor. Offset 0 is the window containing anchor, 1 the previous one.
// Weeks run Monday through Sunday. Boundaries are midnights in anchor's location.
func WindowFor(dim activity.Dimension, offset int, anchor time.Time) (Window, error) {
	y, m, d := anchor.Date()
	loc := anchor.Location()

	var start, next time.Time
	switch dim {
	case activity.DimensionDay:
		start = time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
		next = time.Date(y, m, d-offset+1, 0, 0, 0, 0, loc)
	case activity.DimensionWeek:
		sinceMonday := (int(anchor.Weekday()) + 6) % 7
		first := d - sinceMonday - 7*offset
		start = time.Date(y, m, first, 0, 0, 0, 0, loc)
		next = time.Date(y, m, first+7, 0, 0, 0, 0, loc)
	case activity.DimensionMonth:
		start = time.Date(y, m-time.Month(offset), 1, 0, 0, 0, 0, loc)
		next = time.Date(y, m-time.Month(offset)+1, 1, 0, 0, 0, 0, loc)
	default:
		return Window{}, fmt.Errorf("unknown time dimension %q", dim)
	}

	return Window{Start: start, End: next.Add(-time.Nanosecond)}, nil
}

// MustWindowFor is WindowFor for dimensions known at compile time.
func MustWindowFor(dim activity.Dimension, offset int, anchor time.Time) Window {
	w, err := WindowFor(dim, offset, anchor)
	if err != nil {
		panic(err)
	}
	return w
}

// Shift moves t back n units of dim, keeping the time of day. Month shifts clamp
// to the last day of the target month so that Mar 31 minus one month is Feb 28/29.
func Shift(dim activity.Dimension, n int, t time.Time) (time.Time, error) {
	switch dim {
	case activity.DimensionDay:
		return t.AddDate(0, 0, -n), nil
	case activity.DimensionWeek:
		return t.AddDate(0, 0, -7*n), nil
	case activity.DimensionMonth:
		y, m, d := t.Date()
		target := time.Date(y, m-time.Month(n), 1, 0, 0, 0, 0, t.Location())
		if last := daysIn(target); d > last {
			d = last
		}
		return time.Date(target.Year(), target.Month(), d,
			t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location()), nil
	}
	return time.Time{}, fmt.Errorf("unknown time dimension %q", dim)
}

// StartOfDay drops the time-of-day component of t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ParseDay parses a YYYY-MM-DD date at midnight in loc.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return t, nil
}

func daysIn(monthStart time.Time) int {
	return time.Date(monthStart.Year(), monthStart.Month()+1, 0, 0, 0, 0, 0, monthStart.Location()).Day()
}

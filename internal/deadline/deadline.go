// Package deadline converts a local due date and time into the UTC instant
// used to select each student's last push.
package deadline

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DateLayout is the accepted due date format.
	DateLayout = "2006-01-02"
	// TimeLayout is the accepted 24h due time format.
	TimeLayout = "15:04"
	// LocalLayout formats the resolved deadline for run headers.
	LocalLayout = "2006-01-02 15:04 MST"
)

// Grace is added to every deadline so a push landing on the due minute
// still counts as before it.
const Grace = time.Minute

// ParseDate validates a YYYY-MM-DD due date.
func ParseDate(raw string) (time.Time, error) {
	parsed, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("due date %q must be YYYY-MM-DD: %w", raw, err)
	}
	return parsed, nil
}

// ParseTime validates a 24h HH:MM due time.
func ParseTime(raw string) (time.Time, error) {
	parsed, err := time.Parse(TimeLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("due time %q must be 24h HH:MM: %w", raw, err)
	}
	return parsed, nil
}

// Resolve converts dueDate dueTime, read as wall-clock time in loc and
// extended by adjust, to a UTC instant.
//
// The wall clock is first shifted by the UTC offset loc has at now. When
// the deadline itself falls on the other side of a DST change, the result
// is corrected by the difference between the two offsets. A wall time
// skipped by a spring-forward is read with the offset in force before the
// change. The adjusted deadline is never earlier than the unadjusted one
// plus adjust, so an extension is not shortened by a DST change and a
// larger adjust always yields a later instant. Grace is added last.
// Resolve does no I/O and depends only on its arguments.
func Resolve(dueDate, dueTime string, adjust time.Duration, loc *time.Location, now time.Time) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	date, err := ParseDate(dueDate)
	if err != nil {
		return time.Time{}, err
	}
	clock, err := ParseTime(dueTime)
	if err != nil {
		return time.Time{}, err
	}

	wall := time.Date(date.Year(), date.Month(), date.Day(), clock.Hour(), clock.Minute(), 0, 0, time.UTC)
	resolved := wallToUTC(wall.Add(adjust), loc, now)
	if floor := wallToUTC(wall, loc, now).Add(adjust); resolved.Before(floor) {
		resolved = floor
	}
	return resolved.Add(Grace), nil
}

// wallToUTC reads wall, whose fields are set in UTC, as a wall clock in loc.
func wallToUTC(wall time.Time, loc *time.Location, now time.Time) time.Time {
	_, standingOffset := now.In(loc).Zone()
	resolved := wall.Add(-offset(standingOffset))

	_, deadlineOffset := resolved.In(loc).Zone()
	if deadlineOffset == standingOffset {
		return resolved
	}
	corrected := wall.Add(-offset(deadlineOffset))
	_, check := corrected.In(loc).Zone()
	if check == deadlineOffset {
		return corrected
	}
	// No offset reproduces wall: it lies in a spring-forward gap.
	return wall.Add(-offset(min(deadlineOffset, check)))
}

func offset(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// Local renders a resolved deadline in loc for display.
func Local(resolved time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return resolved.In(loc).Format(LocalLayout)
}

// Now returns the due date and time strings for a current pull at now.
func Now(now time.Time, loc *time.Location) (string, string) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return local.Format(DateLayout), local.Format(TimeLayout)
}

package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultGraceWindow is how long after a point target a run still counts as
// on-time. The window is deliberately one-sided: a loop that wakes early must
// never fire before the target.
const DefaultGraceWindow = 90 * time.Second

// DefaultFallbackTime is the time-of-day used when a schedule's execution
// time cannot be parsed and the run loop needs a safe next-run anyway.
var DefaultFallbackTime = TimeOfDay{Hour: 9, Minute: 0}

// TimeOfDay is a wall-clock time with no date or zone attached.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// At anchors the time-of-day to the date of ref in the given location.
func (t TimeOfDay) At(ref time.Time, loc *time.Location) time.Time {
	ref = ref.In(loc)
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour, t.Minute, 0, 0, loc)
}

// ParseExecutionTime normalizes the three legacy execution-time shapes into a
// start time-of-day and an optional end (ranges only):
//
//	"16:30"              -> point target
//	"09:00-13:30"        -> inclusive range
//	"2024-03-05 16:30:00" or RFC3339 -> clock component of the timestamp
//
// ok is false when nothing usable was found. Absent or malformed input is a
// configuration state, not an error: callers wait and recheck.
func ParseExecutionTime(raw string) (start TimeOfDay, end *TimeOfDay, ok bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return TimeOfDay{}, nil, false
	}

	if h, m, err := parseHHMM(s); err == nil {
		return TimeOfDay{Hour: h, Minute: m}, nil, true
	}

	// Range "HH:MM-HH:MM". Checked before timestamps: a date string also
	// contains '-', but its halves never parse as HH:MM.
	if i := strings.IndexByte(s, '-'); i > 0 && i < len(s)-1 {
		sh, sm, err1 := parseHHMM(s[:i])
		eh, em, err2 := parseHHMM(s[i+1:])
		if err1 == nil && err2 == nil {
			e := TimeOfDay{Hour: eh, Minute: em}
			return TimeOfDay{Hour: sh, Minute: sm}, &e, true
		}
	}

	// Legacy timestamp-with-zone rows: only the clock component matters.
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return TimeOfDay{Hour: ts.Hour(), Minute: ts.Minute()}, nil, true
		}
	}

	return TimeOfDay{}, nil, false
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// ShouldExecuteNow reports whether the schedule is eligible at now.
// grace <= 0 selects DefaultGraceWindow.
//
// Point targets are eligible only inside [target, target+grace]; a range is
// eligible for the whole inclusive interval. Weekend timestamps are never
// eligible when WeekdaysOnly is set, whatever the execution time says.
func ShouldExecuteNow(def *Definition, now time.Time, grace time.Duration) bool {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	loc := def.Location()
	now = now.In(loc)

	if def.WeekdaysOnly {
		switch now.Weekday() {
		case time.Saturday, time.Sunday:
			return false
		}
	}

	start, end, ok := ParseExecutionTime(def.DailyExecutionTime)
	if !ok {
		// Never configured: wait and recheck later, not a fault.
		return false
	}

	target := start.At(now, loc)
	if end != nil {
		until := end.At(now, loc)
		return !now.Before(target) && !now.After(until)
	}
	return !now.Before(target) && now.Sub(target) <= grace
}

// ComputeNextRun returns the next occurrence of the schedule's target time
// strictly after now: today if the target is still ahead, otherwise tomorrow.
// Weekday skipping is the run loop's job when it re-validates at wake time.
//
// ok is false when the execution time cannot be parsed; callers must apply a
// safe fallback (see NextRunFallback) instead of treating this as fatal.
func ComputeNextRun(def *Definition, now time.Time) (time.Time, bool) {
	start, _, ok := ParseExecutionTime(def.DailyExecutionTime)
	if !ok {
		return time.Time{}, false
	}
	loc := def.Location()
	now = now.In(loc)

	next := start.At(now, loc)
	if !next.After(now) {
		next = start.At(now.AddDate(0, 0, 1), loc)
	}
	return next, true
}

// NextRunFallback is the hard-coded safe next-run applied when
// ComputeNextRun fails: tomorrow at a fixed default time. An immediate
// retry on a permanently unparseable time string would spin.
func NextRunFallback(def *Definition, now time.Time) time.Time {
	loc := def.Location()
	return DefaultFallbackTime.At(now.In(loc).AddDate(0, 0, 1), loc)
}

// SameExecutionDay reports whether last falls on the same calendar date as
// now in the schedule's zone. This is the day-guard: once a schedule ran
// today it must not run again today, however often its loop wakes.
func SameExecutionDay(def *Definition, last, now time.Time) bool {
	if last.IsZero() {
		return false
	}
	loc := def.Location()
	ly, lm, ld := last.In(loc).Date()
	ny, nm, nd := now.In(loc).Date()
	return ly == ny && lm == nm && ld == nd
}

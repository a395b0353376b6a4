package schedule

import (
	"testing"
	"time"
)

func tzTaipei(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func TestParseExecutionTimeVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		ok      bool
		start   TimeOfDay
		wantEnd *TimeOfDay
	}{
		{name: "point", raw: "16:30", ok: true, start: TimeOfDay{16, 30}},
		{name: "point padded", raw: " 07:05 ", ok: true, start: TimeOfDay{7, 5}},
		{name: "range", raw: "09:00-13:30", ok: true, start: TimeOfDay{9, 0}, wantEnd: &TimeOfDay{13, 30}},
		{name: "timestamp rfc3339", raw: "2024-03-05T16:30:00+08:00", ok: true, start: TimeOfDay{16, 30}},
		{name: "timestamp space", raw: "2024-03-05 16:30:00", ok: true, start: TimeOfDay{16, 30}},
		{name: "empty", raw: "", ok: false},
		{name: "garbage", raw: "four thirty", ok: false},
		{name: "bad hour", raw: "25:00", ok: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			start, end, ok := ParseExecutionTime(tt.raw)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !tt.ok {
				return
			}
			if start != tt.start {
				t.Fatalf("start = %v, want %v", start, tt.start)
			}
			if (end == nil) != (tt.wantEnd == nil) {
				t.Fatalf("end presence = %v, want %v", end != nil, tt.wantEnd != nil)
			}
			if end != nil && *end != *tt.wantEnd {
				t.Fatalf("end = %v, want %v", *end, *tt.wantEnd)
			}
		})
	}
}

func TestShouldExecuteNowGraceWindow(t *testing.T) {
	t.Parallel()
	loc := tzTaipei(t)
	def := &Definition{DailyExecutionTime: "16:30", Timezone: "Asia/Taipei"}

	// Monday 2024-03-04
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, loc)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"one second early", day.Add(16*time.Hour + 29*time.Minute + 59*time.Second), false},
		{"exactly on target", day.Add(16*time.Hour + 30*time.Minute), true},
		{"inside grace", day.Add(16*time.Hour + 31*time.Minute), true},
		{"end of grace", day.Add(16*time.Hour + 31*time.Minute + 30*time.Second), true},
		{"past grace", day.Add(16*time.Hour + 32*time.Minute), false},
		{"morning", day.Add(10 * time.Hour), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldExecuteNow(def, tt.at, 0); got != tt.want {
				t.Fatalf("ShouldExecuteNow(%s) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestShouldExecuteNowWeekdaysOnly(t *testing.T) {
	t.Parallel()
	loc := tzTaipei(t)
	def := &Definition{DailyExecutionTime: "16:30", WeekdaysOnly: true, Timezone: "Asia/Taipei"}

	// Saturday 2024-03-09, dead on target: still ineligible.
	sat := time.Date(2024, 3, 9, 16, 30, 0, 0, loc)
	if ShouldExecuteNow(def, sat, 0) {
		t.Fatal("weekend run must never be eligible with weekdays_only")
	}
	sun := time.Date(2024, 3, 10, 16, 30, 30, 0, loc)
	if ShouldExecuteNow(def, sun, 0) {
		t.Fatal("sunday run must never be eligible with weekdays_only")
	}
	mon := time.Date(2024, 3, 11, 16, 30, 30, 0, loc)
	if !ShouldExecuteNow(def, mon, 0) {
		t.Fatal("monday inside grace should be eligible")
	}
}

func TestShouldExecuteNowRangeInclusive(t *testing.T) {
	t.Parallel()
	loc := tzTaipei(t)
	def := &Definition{DailyExecutionTime: "09:00-13:30", Timezone: "Asia/Taipei"}
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, loc)

	if ShouldExecuteNow(def, day.Add(8*time.Hour+59*time.Minute), 0) {
		t.Fatal("before range start should be ineligible")
	}
	if !ShouldExecuteNow(def, day.Add(9*time.Hour), 0) {
		t.Fatal("range start is inclusive")
	}
	if !ShouldExecuteNow(def, day.Add(11*time.Hour+17*time.Minute), 0) {
		t.Fatal("inside range should be eligible")
	}
	if !ShouldExecuteNow(def, day.Add(13*time.Hour+30*time.Minute), 0) {
		t.Fatal("range end is inclusive")
	}
	if ShouldExecuteNow(def, day.Add(13*time.Hour+31*time.Minute), 0) {
		t.Fatal("after range end should be ineligible")
	}
}

func TestShouldExecuteNowUnconfigured(t *testing.T) {
	t.Parallel()
	def := &Definition{Timezone: "Asia/Taipei"}
	if ShouldExecuteNow(def, time.Now(), 0) {
		t.Fatal("schedule without an execution time must not fire")
	}
}

func TestComputeNextRunStrictlyFuture(t *testing.T) {
	t.Parallel()
	loc := tzTaipei(t)
	def := &Definition{DailyExecutionTime: "16:30", Timezone: "Asia/Taipei"}

	// Before today's target: next run is today 16:30.
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, loc)
	next, ok := ComputeNextRun(def, now)
	if !ok {
		t.Fatal("expected next run")
	}
	want := time.Date(2024, 3, 4, 16, 30, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
	if !next.After(now) {
		t.Fatal("next run must be strictly after now")
	}

	// After today's target: next run rolls to tomorrow.
	now = time.Date(2024, 3, 4, 17, 0, 0, 0, loc)
	next, ok = ComputeNextRun(def, now)
	if !ok {
		t.Fatal("expected next run")
	}
	want = time.Date(2024, 3, 5, 16, 30, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
	if !next.After(now) {
		t.Fatal("next run must be strictly after now")
	}

	// Exactly at the target: "today" is no longer in the future.
	now = time.Date(2024, 3, 4, 16, 30, 0, 0, loc)
	next, _ = ComputeNextRun(def, now)
	if !next.After(now) {
		t.Fatal("next run must be strictly after now at the boundary")
	}
}

func TestComputeNextRunUnparseable(t *testing.T) {
	t.Parallel()
	def := &Definition{DailyExecutionTime: "whenever", Timezone: "Asia/Taipei"}
	if _, ok := ComputeNextRun(def, time.Now()); ok {
		t.Fatal("expected ok=false for unparseable time")
	}
	fb := NextRunFallback(def, time.Now())
	if !fb.After(time.Now()) {
		t.Fatal("fallback must be in the future")
	}
}

func TestSameExecutionDay(t *testing.T) {
	t.Parallel()
	loc := tzTaipei(t)
	def := &Definition{Timezone: "Asia/Taipei"}

	morning := time.Date(2024, 3, 4, 8, 0, 0, 0, loc)
	evening := time.Date(2024, 3, 4, 23, 59, 0, 0, loc)
	nextDay := time.Date(2024, 3, 5, 0, 1, 0, 0, loc)

	if !SameExecutionDay(def, morning, evening) {
		t.Fatal("same calendar day expected")
	}
	if SameExecutionDay(def, evening, nextDay) {
		t.Fatal("different calendar day expected")
	}
	if SameExecutionDay(def, time.Time{}, evening) {
		t.Fatal("zero last run never matches")
	}

	// A last run stored in UTC still compares in the schedule's zone:
	// 2024-03-04 23:00 Taipei == 2024-03-04 15:00 UTC.
	utcLast := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	if !SameExecutionDay(def, utcLast, evening) {
		t.Fatal("UTC-stored last run should match same Taipei day")
	}
}

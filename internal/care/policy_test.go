package care

import (
	"testing"
	"time"

	"companion/internal/config"
	"companion/internal/store"
)

func testPolicy(t *testing.T) *Policy {
	t.Helper()
	return NewPolicy(config.Default().Care, time.UTC)
}

// local builds a time on a specific weekday at HH:MM UTC.
func local(t *testing.T, day time.Weekday, hhmm string) time.Time {
	t.Helper()
	// 2026-08-17 is a Monday.
	base := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	for base.Weekday() != day {
		base = base.AddDate(0, 0, 1)
	}
	clock, err := time.Parse("15:04", hhmm)
	if err != nil {
		t.Fatalf("bad time %s: %v", hhmm, err)
	}
	return base.Add(time.Duration(clock.Hour())*time.Hour + time.Duration(clock.Minute())*time.Minute)
}

func TestDNDMidnightCrossing(t *testing.T) {
	p := testPolicy(t) // weekday window 23:00-07:00

	cases := []struct {
		day  time.Weekday
		hhmm string
		want bool
	}{
		{time.Monday, "23:30", true},  // late evening inside
		{time.Tuesday, "03:00", true}, // early morning inside
		{time.Tuesday, "06:59", true}, // boundary minute before end
		{time.Tuesday, "07:00", false},
		{time.Monday, "12:00", false},
		{time.Monday, "22:59", false},
	}
	for _, tc := range cases {
		if got := p.InDND(local(t, tc.day, tc.hhmm)); got != tc.want {
			t.Errorf("InDND(%s %s) = %v, want %v", tc.day, tc.hhmm, got, tc.want)
		}
	}
}

func TestDNDWeekendWindows(t *testing.T) {
	p := testPolicy(t) // weekend window 00:00-09:00

	if !p.InDND(local(t, time.Saturday, "08:00")) {
		t.Error("Saturday 08:00 should be quiet")
	}
	if p.InDND(local(t, time.Saturday, "10:00")) {
		t.Error("Saturday 10:00 should be open")
	}
	// Saturday early morning uses weekend windows even though Friday
	// evening was a weekday.
	if !p.InDND(local(t, time.Sunday, "01:00")) {
		t.Error("Sunday 01:00 should be quiet")
	}
}

func TestCooldownAndLimits(t *testing.T) {
	p := testPolicy(t)
	if got := p.Cooldown("care_message"); got != 120*time.Minute {
		t.Errorf("cooldown = %v", got)
	}
	if got := p.DailyLimit("insight"); got != 5 {
		t.Errorf("daily limit = %d", got)
	}
	if got := p.DailyLimit("unconfigured"); got != 0 {
		t.Errorf("unconfigured category limit = %d, want 0 (unlimited)", got)
	}
}

func TestDayBounds(t *testing.T) {
	loc, _ := time.LoadLocation("Asia/Tokyo")
	cfg := config.Default().Care
	p := NewPolicy(cfg, loc)

	now := time.Date(2026, 8, 24, 23, 30, 0, 0, loc)
	start, end := p.DayBounds(now)
	if start.Day() != 24 || start.Hour() != 0 {
		t.Errorf("day start = %v", start)
	}
	if end.Sub(start) != 24*time.Hour {
		t.Errorf("day length = %v", end.Sub(start))
	}
}

func TestWellbeing(t *testing.T) {
	good := &store.CareState{Energy: 0.9, Stress: 0.1, Sleep: 0.9, Fatigue: 0.1}
	bad := &store.CareState{Energy: 0.2, Stress: 0.9, Sleep: 0.3, Fatigue: 0.8}
	if Wellbeing(good) <= Wellbeing(bad) {
		t.Error("rested user must score higher than depleted user")
	}
	if got := Wellbeing(nil); got != 0.5 {
		t.Errorf("unknown state wellbeing = %f, want neutral 0.5", got)
	}
}

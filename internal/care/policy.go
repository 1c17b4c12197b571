// Package care decides when the companion is allowed to reach out: do-not-
// disturb windows, per-category daily caps and cooldowns, and the wellbeing
// read used to soften behavior when the user is struggling. The gates apply
// to external channels only; the UI queue is always writable.
package care

import (
	"time"

	"companion/internal/config"
	"companion/internal/store"
)

// Policy evaluates care gates against local time.
type Policy struct {
	cfg config.CareConfig
	loc *time.Location
}

// NewPolicy creates a care policy bound to the runtime timezone.
func NewPolicy(cfg config.CareConfig, loc *time.Location) *Policy {
	if loc == nil {
		loc = time.UTC
	}
	return &Policy{cfg: cfg, loc: loc}
}

// InDND reports whether now falls inside a quiet window. The windows of the
// current local day type apply; a window whose end precedes its start
// crosses midnight.
func (p *Policy) InDND(now time.Time) bool {
	local := now.In(p.loc)
	windows := p.cfg.DNDWeekday
	if isWeekend(local.Weekday()) {
		windows = p.cfg.DNDWeekend
	}
	minutes := local.Hour()*60 + local.Minute()
	for _, w := range windows {
		start, err1 := parseHHMM(w.Start)
		end, err2 := parseHHMM(w.End)
		if err1 != nil || err2 != nil {
			continue
		}
		if start <= end {
			if minutes >= start && minutes < end {
				return true
			}
		} else {
			// Crosses midnight: active late evening and early morning.
			if minutes >= start || minutes < end {
				return true
			}
		}
	}
	return false
}

// DailyLimit returns the per-day cap for a category; 0 means no cap is
// configured and emission is unlimited.
func (p *Policy) DailyLimit(category string) int {
	return p.cfg.DailyLimits[category]
}

// Cooldown returns the minimum gap between successful external emissions of
// a category.
func (p *Policy) Cooldown(category string) time.Duration {
	return time.Duration(p.cfg.CooldownMinutes[category]) * time.Minute
}

// StateValidity returns how long a care-state snapshot stays trustworthy.
func (p *Policy) StateValidity() time.Duration {
	return time.Duration(p.cfg.StateValidityMin) * time.Minute
}

// DayBounds returns the local calendar day containing now, for daily caps.
func (p *Policy) DayBounds(now time.Time) (time.Time, time.Time) {
	local := now.In(p.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.loc)
	return start, start.AddDate(0, 0, 1)
}

// Location returns the policy timezone.
func (p *Policy) Location() *time.Location { return p.loc }

// Wellbeing folds a care snapshot into a single [0,1] score: high energy
// and sleep raise it, stress and fatigue lower it.
func Wellbeing(c *store.CareState) float64 {
	if c == nil {
		return 0.5
	}
	score := (c.Energy + (1 - c.Stress) + c.Sleep + (1 - c.Fatigue)) / 4
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

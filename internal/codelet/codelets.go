package codelet

import (
	"context"
	"fmt"
	"time"

	"companion/internal/store"
)

// Temporal emits stimuli at meaningful transitions of the local day.
type Temporal struct{}

func (t *Temporal) Name() string { return "temporal" }
func (t *Temporal) Cadence() int { return 6 } // roughly once a minute at a 10s period

func (t *Temporal) Sense(ctx context.Context, env *Environment) ([]*store.Stimulus, error) {
	local := env.Now.In(env.Location)
	hour := local.Hour()
	day := local.Weekday()

	var out []*store.Stimulus
	emit := func(content string, urgency float64) {
		out = append(out, &store.Stimulus{
			Type:    store.StimulusTemporal,
			Content: content,
			RawData: map[string]any{
				"hour":             hour,
				"weekday":          day.String(),
				"temporal_urgency": urgency,
			},
		})
	}

	switch {
	case hour >= 7 && hour < 9:
		emit(fmt.Sprintf("%s morning has started", day), 0.3)
	case hour >= 21 && hour < 23:
		emit(fmt.Sprintf("%s evening wind-down window", day), 0.3)
	}
	if day == time.Monday && hour >= 7 && hour < 10 {
		emit("a new week is starting", 0.4)
	}
	return out, nil
}

// Calendar emits stimuli for events starting inside the lookahead window.
type Calendar struct {
	LookaheadHours int
}

func (c *Calendar) Name() string { return "calendar" }
func (c *Calendar) Cadence() int { return 30 }

func (c *Calendar) Sense(ctx context.Context, env *Environment) ([]*store.Stimulus, error) {
	lookahead := time.Duration(c.LookaheadHours) * time.Hour
	events, err := env.Store.UpcomingCalendarEvents(ctx, env.Now, env.Now.Add(lookahead))
	if err != nil {
		return nil, err
	}

	var out []*store.Stimulus
	for _, ev := range events {
		until := ev.StartsAt.Sub(env.Now)
		out = append(out, &store.Stimulus{
			Type:    store.StimulusCalendar,
			Content: fmt.Sprintf("upcoming event: %s at %s", ev.Title, ev.StartsAt.In(env.Location).Format("Mon 15:04")),
			RawData: map[string]any{
				"event_id":      ev.ID,
				"deadline":      ev.StartsAt.Format(time.RFC3339),
				"minutes_until": int(until.Minutes()),
				"location":      ev.Location,
			},
		})
	}
	return out, nil
}

// Emotional elevates recent high-intensity emotion log entries.
type Emotional struct {
	LookbackHours int
	MinIntensity  float64
}

func (e *Emotional) Name() string { return "emotional" }
func (e *Emotional) Cadence() int { return 6 }

func (e *Emotional) Sense(ctx context.Context, env *Environment) ([]*store.Stimulus, error) {
	since := env.Now.Add(-time.Duration(e.LookbackHours) * time.Hour)
	emotions, err := env.Store.RecentEmotions(ctx, since)
	if err != nil {
		return nil, err
	}

	var out []*store.Stimulus
	for _, em := range emotions {
		if em.Intensity < e.MinIntensity {
			continue
		}
		out = append(out, &store.Stimulus{
			Type:    store.StimulusEmotional,
			Content: fmt.Sprintf("user logged %s (intensity %.1f): %s", em.Emotion, em.Intensity, em.Context),
			RawData: map[string]any{
				"emotion_id":          em.ID,
				"emotion":             em.Emotion,
				"emotional_intensity": em.Intensity,
			},
		})
	}
	return out, nil
}

// Social notices prolonged conversational silence.
type Social struct {
	SilenceHours int
}

func (s *Social) Name() string { return "social" }
func (s *Social) Cadence() int { return 60 }

func (s *Social) Sense(ctx context.Context, env *Environment) ([]*store.Stimulus, error) {
	window := time.Duration(s.SilenceHours) * time.Hour
	turns, err := env.Store.RecentConversations(ctx, env.Now.Add(-window))
	if err != nil {
		return nil, err
	}
	for _, turn := range turns {
		if turn.Role == "user" {
			return nil, nil
		}
	}
	return []*store.Stimulus{{
		Type:    store.StimulusSocial,
		Content: fmt.Sprintf("no message from the user in over %d hours", s.SilenceHours),
		RawData: map[string]any{
			"social_relevance": 0.8,
			"silence_hours":    s.SilenceHours,
		},
	}}, nil
}

// GoalDeadline surfaces active goals whose deadline is approaching.
type GoalDeadline struct {
	LookaheadHours int
}

func (g *GoalDeadline) Name() string { return "goal" }
func (g *GoalDeadline) Cadence() int { return 30 }

func (g *GoalDeadline) Sense(ctx context.Context, env *Environment) ([]*store.Stimulus, error) {
	goals, err := env.Store.ActiveGoals(ctx)
	if err != nil {
		return nil, err
	}

	horizon := time.Duration(g.LookaheadHours) * time.Hour
	var out []*store.Stimulus
	for _, goal := range goals {
		if goal.Deadline.IsZero() || goal.Deadline.Before(env.Now) || goal.Deadline.Sub(env.Now) > horizon {
			continue
		}
		out = append(out, &store.Stimulus{
			Type:    store.StimulusGoal,
			Content: fmt.Sprintf("goal %q is due %s", goal.Title, goal.Deadline.In(env.Location).Format("Mon 15:04")),
			RawData: map[string]any{
				"goal_id":  goal.ID,
				"deadline": goal.Deadline.Format(time.RFC3339),
				"priority": goal.Priority,
			},
		})
	}
	return out, nil
}

// Anniversary notices recurring annual events approaching in the next days.
type Anniversary struct {
	LookaheadDays int
}

func (a *Anniversary) Name() string { return "anniversary" }
func (a *Anniversary) Cadence() int { return 360 }

func (a *Anniversary) Sense(ctx context.Context, env *Environment) ([]*store.Stimulus, error) {
	events, err := env.Store.AnnualEvents(ctx)
	if err != nil {
		return nil, err
	}

	local := env.Now.In(env.Location)
	var out []*store.Stimulus
	for _, ev := range events {
		orig := ev.StartsAt.In(env.Location)
		// Project onto this year; late December anniversaries early in
		// January fall into next year.
		next := time.Date(local.Year(), orig.Month(), orig.Day(), orig.Hour(), orig.Minute(), 0, 0, env.Location)
		if next.Before(local) {
			next = next.AddDate(1, 0, 0)
		}
		daysUntil := int(next.Sub(local).Hours() / 24)
		if daysUntil > a.LookaheadDays {
			continue
		}
		out = append(out, &store.Stimulus{
			Type:    store.StimulusAnniversary,
			Content: fmt.Sprintf("anniversary %q is %d day(s) away", ev.Title, daysUntil),
			RawData: map[string]any{
				"event_id":   ev.ID,
				"days_until": daysUntil,
				"deadline":   next.Format(time.RFC3339),
			},
		})
	}
	return out, nil
}

// PatternAlert surfaces confident predictions whose time has arrived.
type PatternAlert struct {
	MinConfidence float64
}

func (p *PatternAlert) Name() string { return "pattern_alert" }
func (p *PatternAlert) Cadence() int { return 30 }

func (p *PatternAlert) Sense(ctx context.Context, env *Environment) ([]*store.Stimulus, error) {
	due, err := env.Store.DuePredictions(ctx, env.Now.Add(30*time.Minute))
	if err != nil {
		return nil, err
	}

	var out []*store.Stimulus
	for _, pred := range due {
		if pred.Confidence < p.MinConfidence {
			continue
		}
		out = append(out, &store.Stimulus{
			Type:    store.StimulusPattern,
			Content: fmt.Sprintf("predicted: %s (confidence %.2f)", pred.PredictionText, pred.Confidence),
			RawData: map[string]any{
				"prediction_id":  pred.ID,
				"confidence":     pred.Confidence,
				"predicted_time": pred.PredictedTime.Format(time.RFC3339),
			},
		})
	}
	return out, nil
}

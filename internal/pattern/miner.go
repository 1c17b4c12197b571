// Package pattern mines recurring regularities from episodic memory and
// turns the confident ones into time-bound predictions. Mining is
// deterministic over the store contents; re-mining refreshes a pattern's
// confidence instead of duplicating it, and the verification sweep settles
// each due prediction exactly once.
package pattern

import (
	"context"
	"fmt"
	"strings"
	"time"

	"companion/internal/config"
	"companion/internal/logging"
	"companion/internal/store"
)

// Mining families.
const (
	FamilyDailyRhythm    = "daily_rhythm"    // user activity at an hour of day
	FamilyWeeklyRhythm   = "weekly_rhythm"   // user activity at a weekday+hour
	FamilyEmotionalCycle = "emotional_cycle" // an emotion recurring at a day part
	FamilyEngagement      = "engagement"       // expression categories that land well
	FamilyPreEventStress  = "pre_event_stress" // stress spikes before calendar events
	FamilyTopicSequence   = "topic_sequence"   // one topic tends to follow another
	FamilySessionDuration = "session_duration" // typical session length per day part
)

// minSupport is the observation count before a regularity becomes a
// pattern at all.
const minSupport = 3

// verifyWindow is the slack around a predicted time when looking for
// confirming evidence.
const verifyWindow = 45 * time.Minute

// sessionGap is the silence that splits conversation turns into sessions.
const sessionGap = 30 * time.Minute

// Miner mines patterns and manages predictions.
type Miner struct {
	store *store.Store
	cfg   config.PatternConfig
	loc   *time.Location
}

// New creates a miner.
func New(st *store.Store, cfg config.PatternConfig, loc *time.Location) *Miner {
	if loc == nil {
		loc = time.UTC
	}
	return &Miner{store: st, cfg: cfg, loc: loc}
}

// Mine runs all families over the lookback window and returns how many
// patterns were upserted.
func (m *Miner) Mine(ctx context.Context, now time.Time) (int, error) {
	log := logging.Get(logging.CategoryPattern)
	since := now.AddDate(0, 0, -m.cfg.LookbackDays)

	mined := 0
	for _, family := range []func(context.Context, time.Time, time.Time) ([]*store.Pattern, error){
		m.mineDailyRhythm,
		m.mineWeeklyRhythm,
		m.mineEmotionalCycle,
		m.mineEngagement,
		m.minePreEventStress,
		m.mineTopicSequence,
		m.mineSessionDuration,
	} {
		patterns, err := family(ctx, since, now)
		if err != nil {
			return mined, err
		}
		for _, p := range patterns {
			p.CreatedAt = now
			if err := m.store.UpsertPattern(ctx, p); err != nil {
				return mined, err
			}
			mined++
			if p.Confidence >= m.cfg.ConfidenceThreshold {
				if err := m.predict(ctx, p, now); err != nil {
					log.Warnf("prediction for %s failed: %v", p.StructuralKey, err)
				}
			}
		}
	}
	return mined, nil
}

// mineDailyRhythm finds hours of day with user activity on several
// distinct days.
func (m *Miner) mineDailyRhythm(ctx context.Context, since, now time.Time) ([]*store.Pattern, error) {
	turns, err := m.store.RecentConversations(ctx, since)
	if err != nil {
		return nil, err
	}

	days := make(map[int]map[string]bool) // hour -> distinct dates
	for _, turn := range turns {
		if turn.Role != "user" {
			continue
		}
		local := turn.CreatedAt.In(m.loc)
		hour := local.Hour()
		if days[hour] == nil {
			days[hour] = make(map[string]bool)
		}
		days[hour][local.Format("2006-01-02")] = true
	}

	var out []*store.Pattern
	for hour, dates := range days {
		support := len(dates)
		if support < minSupport {
			continue
		}
		out = append(out, &store.Pattern{
			Family:        FamilyDailyRhythm,
			StructuralKey: fmt.Sprintf("daily_rhythm:hour=%02d", hour),
			Description:   fmt.Sprintf("user is typically active around %02d:00", hour),
			Confidence:    confidence(support, m.cfg.LookbackDays),
			SupportCount:  support,
			Detail:        map[string]any{"hour": hour},
		})
	}
	return out, nil
}

// mineWeeklyRhythm finds weekday+hour slots recurring across weeks.
func (m *Miner) mineWeeklyRhythm(ctx context.Context, since, now time.Time) ([]*store.Pattern, error) {
	turns, err := m.store.RecentConversations(ctx, since)
	if err != nil {
		return nil, err
	}

	type slot struct {
		day  time.Weekday
		hour int
	}
	weeks := make(map[slot]map[string]bool)
	for _, turn := range turns {
		if turn.Role != "user" {
			continue
		}
		local := turn.CreatedAt.In(m.loc)
		key := slot{local.Weekday(), local.Hour()}
		if weeks[key] == nil {
			weeks[key] = make(map[string]bool)
		}
		year, week := local.ISOWeek()
		weeks[key][fmt.Sprintf("%d-%d", year, week)] = true
	}

	var out []*store.Pattern
	for key, distinct := range weeks {
		support := len(distinct)
		if support < minSupport {
			continue
		}
		out = append(out, &store.Pattern{
			Family:        FamilyWeeklyRhythm,
			StructuralKey: fmt.Sprintf("weekly_rhythm:%s-%02d", key.day, key.hour),
			Description:   fmt.Sprintf("user is typically active on %s around %02d:00", key.day, key.hour),
			Confidence:    confidence(support, m.cfg.LookbackDays/7+1),
			SupportCount:  support,
			Detail:        map[string]any{"weekday": key.day.String(), "hour": key.hour},
		})
	}
	return out, nil
}

// mineEmotionalCycle finds an emotion recurring in the same part of day.
func (m *Miner) mineEmotionalCycle(ctx context.Context, since, now time.Time) ([]*store.Pattern, error) {
	emotions, err := m.store.RecentEmotions(ctx, since)
	if err != nil {
		return nil, err
	}

	type slot struct {
		emotion string
		part    string
	}
	counts := make(map[slot]int)
	for _, e := range emotions {
		counts[slot{e.Emotion, dayPart(e.CreatedAt.In(m.loc).Hour())}]++
	}

	var out []*store.Pattern
	for key, support := range counts {
		if support < minSupport {
			continue
		}
		out = append(out, &store.Pattern{
			Family:        FamilyEmotionalCycle,
			StructuralKey: fmt.Sprintf("emotional_cycle:%s@%s", key.emotion, key.part),
			Description:   fmt.Sprintf("%s tends to show up in the %s", key.emotion, key.part),
			Confidence:    confidence(support, m.cfg.LookbackDays),
			SupportCount:  support,
			Detail:        map[string]any{"emotion": key.emotion, "day_part": key.part},
		})
	}
	return out, nil
}

// mineEngagement finds expression categories that consistently land well.
func (m *Miner) mineEngagement(ctx context.Context, since, now time.Time) ([]*store.Pattern, error) {
	var out []*store.Pattern
	for _, category := range []string{"care_message", "insight", "reminder"} {
		attempts, err := m.store.AttemptsForCategory(ctx, category, since)
		if err != nil {
			return nil, err
		}
		scored, positive := 0, 0
		for _, a := range attempts {
			if !a.Scored {
				continue
			}
			scored++
			if a.EffectivenessScore >= 0.6 {
				positive++
			}
		}
		if scored < minSupport || positive*2 <= scored {
			continue
		}
		out = append(out, &store.Pattern{
			Family:        FamilyEngagement,
			StructuralKey: fmt.Sprintf("engagement:%s", category),
			Description:   fmt.Sprintf("user responds well to %s messages", category),
			Confidence:    float64(positive) / float64(scored),
			SupportCount:  scored,
			Detail:        map[string]any{"category": category, "positive": positive},
		})
	}
	return out, nil
}

// minePreEventStress links high-intensity stress to the day before
// calendar events.
func (m *Miner) minePreEventStress(ctx context.Context, since, now time.Time) ([]*store.Pattern, error) {
	emotions, err := m.store.RecentEmotions(ctx, since)
	if err != nil {
		return nil, err
	}
	events, err := m.store.UpcomingCalendarEvents(ctx, since, now.AddDate(0, 0, 7))
	if err != nil {
		return nil, err
	}

	support := 0
	for _, e := range emotions {
		if e.Emotion != "stress" || e.Intensity < 0.6 {
			continue
		}
		for _, ev := range events {
			gap := ev.StartsAt.Sub(e.CreatedAt)
			if gap > 0 && gap <= 24*time.Hour {
				support++
				break
			}
		}
	}
	if support < minSupport {
		return nil, nil
	}
	return []*store.Pattern{{
		Family:        FamilyPreEventStress,
		StructuralKey: "pre_event_stress",
		Description:   "stress rises in the day before scheduled events",
		Confidence:    confidence(support, m.cfg.LookbackDays),
		SupportCount:  support,
		Detail:        map[string]any{"window_hours": 24},
	}}, nil
}

// mineTopicSequence finds topics that repeatedly follow one another within
// the same session of user turns.
func (m *Miner) mineTopicSequence(ctx context.Context, since, now time.Time) ([]*store.Pattern, error) {
	turns, err := m.store.RecentConversations(ctx, since)
	if err != nil {
		return nil, err
	}

	type pair struct{ from, to string }
	counts := make(map[pair]int)
	var prevTopic string
	var prevAt time.Time
	for _, turn := range turns {
		if turn.Role != "user" {
			continue
		}
		topic := topicOf(turn.Content)
		if topic == "" {
			continue
		}
		if prevTopic != "" && topic != prevTopic && turn.CreatedAt.Sub(prevAt) <= sessionGap {
			counts[pair{prevTopic, topic}]++
		}
		prevTopic, prevAt = topic, turn.CreatedAt
	}

	var out []*store.Pattern
	for key, support := range counts {
		if support < minSupport {
			continue
		}
		out = append(out, &store.Pattern{
			Family:        FamilyTopicSequence,
			StructuralKey: fmt.Sprintf("topic_sequence:%s>%s", key.from, key.to),
			Description:   fmt.Sprintf("talk about %s tends to lead to %s", key.from, key.to),
			Confidence:    confidence(support, m.cfg.LookbackDays),
			SupportCount:  support,
			Detail:        map[string]any{"from_topic": key.from, "to_topic": key.to},
		})
	}
	return out, nil
}

// mineSessionDuration buckets session lengths by part of day. A session is
// a maximal run of turns with no silence longer than sessionGap.
func (m *Miner) mineSessionDuration(ctx context.Context, since, now time.Time) ([]*store.Pattern, error) {
	turns, err := m.store.RecentConversations(ctx, since)
	if err != nil {
		return nil, err
	}

	type session struct {
		start, end time.Time
	}
	var sessions []session
	for _, turn := range turns {
		local := turn.CreatedAt.In(m.loc)
		if n := len(sessions); n > 0 && local.Sub(sessions[n-1].end) <= sessionGap {
			sessions[n-1].end = local
			continue
		}
		sessions = append(sessions, session{local, local})
	}

	byPart := make(map[string][]float64)
	for _, sess := range sessions {
		part := dayPart(sess.start.Hour())
		byPart[part] = append(byPart[part], sess.end.Sub(sess.start).Minutes())
	}

	var out []*store.Pattern
	for part, durations := range byPart {
		support := len(durations)
		if support < minSupport {
			continue
		}
		total := 0.0
		for _, d := range durations {
			total += d
		}
		avg := total / float64(support)
		out = append(out, &store.Pattern{
			Family:        FamilySessionDuration,
			StructuralKey: fmt.Sprintf("session_duration:%s", part),
			Description:   fmt.Sprintf("%s sessions usually run about %.0f minutes", part, avg),
			Confidence:    confidence(support, m.cfg.LookbackDays),
			SupportCount:  support,
			Detail:        map[string]any{"day_part": part, "avg_minutes": avg},
		})
	}
	return out, nil
}

// topicOf reduces a turn to its most distinctive content word.
func topicOf(content string) string {
	best := ""
	for _, w := range strings.Fields(strings.ToLower(content)) {
		w = strings.Trim(w, ".,!?;:'\"()")
		if len(w) >= 5 && len(w) > len(best) {
			best = w
		}
	}
	return best
}

// predict emits the next time-bound forecast for a pattern. Duplicate
// forecasts for the same pattern and time are ignored by the store.
func (m *Miner) predict(ctx context.Context, p *store.Pattern, now time.Time) error {
	var predictedAt time.Time
	var text, predType string

	local := now.In(m.loc)
	switch p.Family {
	case FamilyDailyRhythm:
		hour := intDetail(p.Detail, "hour")
		predictedAt = time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, m.loc)
		if !predictedAt.After(local) {
			predictedAt = predictedAt.AddDate(0, 0, 1)
		}
		text = fmt.Sprintf("user will be active around %02d:00", hour)
		predType = "activity"
	case FamilyWeeklyRhythm:
		hour := intDetail(p.Detail, "hour")
		day := weekdayByName(stringDetail(p.Detail, "weekday"))
		predictedAt = time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, m.loc)
		for predictedAt.Weekday() != day || !predictedAt.After(local) {
			predictedAt = predictedAt.AddDate(0, 0, 1)
		}
		text = fmt.Sprintf("user will be active %s around %02d:00", day, hour)
		predType = "activity"
	case FamilyEmotionalCycle:
		part := stringDetail(p.Detail, "day_part")
		predictedAt = time.Date(local.Year(), local.Month(), local.Day(), partStartHour(part), 0, 0, 0, m.loc)
		if !predictedAt.After(local) {
			predictedAt = predictedAt.AddDate(0, 0, 1)
		}
		text = fmt.Sprintf("%s likely in the %s", stringDetail(p.Detail, "emotion"), part)
		predType = "emotional"
	default:
		// Engagement, pre-event, topic and session patterns inform routing
		// and context building, not forecasts.
		return nil
	}

	return m.store.InsertPrediction(ctx, &store.Prediction{
		PredictionType: predType,
		PredictionText: text,
		Confidence:     p.Confidence,
		PredictedTime:  predictedAt,
		BasedOnPattern: p.ID,
		CreatedAt:      now,
	})
}

// VerifyDue settles all predictions whose time has passed, returning how
// many were checked. Each prediction is verified at most once.
func (m *Miner) VerifyDue(ctx context.Context, now time.Time) (int, error) {
	due, err := m.store.DuePredictions(ctx, now)
	if err != nil {
		return 0, err
	}

	verified := 0
	for _, p := range due {
		if now.Sub(p.PredictedTime) < verifyWindow {
			// Evidence may still arrive inside the window.
			continue
		}
		correct, err := m.evidence(ctx, p)
		if err != nil {
			return verified, err
		}
		if err := m.store.MarkPredictionVerified(ctx, p.ID, correct, now); err != nil {
			return verified, err
		}
		verified++
	}
	if verified > 0 {
		logging.Get(logging.CategoryPattern).Infof("verified %d predictions", verified)
	}
	return verified, nil
}

// evidence looks for confirming activity around the predicted time.
func (m *Miner) evidence(ctx context.Context, p *store.Prediction) (bool, error) {
	from := p.PredictedTime.Add(-verifyWindow)
	to := p.PredictedTime.Add(verifyWindow)

	switch p.PredictionType {
	case "activity":
		turns, err := m.store.RecentConversations(ctx, from)
		if err != nil {
			return false, err
		}
		for _, turn := range turns {
			if turn.Role == "user" && !turn.CreatedAt.After(to) {
				return true, nil
			}
		}
	case "emotional":
		emotions, err := m.store.RecentEmotions(ctx, from)
		if err != nil {
			return false, err
		}
		// Only the forecast emotion counts as evidence; a different feeling
		// in the window is a miss.
		want := ""
		if p.BasedOnPattern != "" {
			if src, err := m.store.GetPattern(ctx, p.BasedOnPattern); err == nil {
				want = stringDetail(src.Detail, "emotion")
			}
		}
		for _, e := range emotions {
			if e.CreatedAt.After(to) {
				continue
			}
			if want != "" && e.Emotion != want {
				continue
			}
			return true, nil
		}
	}
	return false, nil
}

// confidence maps support against the opportunity count onto (0,1).
func confidence(support, opportunities int) float64 {
	if opportunities < 1 {
		opportunities = 1
	}
	c := float64(support) / float64(opportunities)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func dayPart(hour int) string {
	switch {
	case hour < 6:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

func partStartHour(part string) int {
	switch part {
	case "night":
		return 0
	case "morning":
		return 6
	case "afternoon":
		return 12
	default:
		return 18
	}
}

func weekdayByName(name string) time.Weekday {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if d.String() == name {
			return d
		}
	}
	return time.Monday
}

func intDetail(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func stringDetail(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

package pattern

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"companion/internal/config"
	"companion/internal/store"
)

func fixture(t *testing.T) (*Miner, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, config.Default().Pattern, time.UTC), s
}

// seedMorningTurns writes one user turn at 09:10 on each of the given days
// before now.
func seedMorningTurns(t *testing.T, s *store.Store, now time.Time, daysAgo ...int) {
	t.Helper()
	ctx := context.Background()
	for _, d := range daysAgo {
		day := now.AddDate(0, 0, -d)
		at := time.Date(day.Year(), day.Month(), day.Day(), 9, 10, 0, 0, time.UTC)
		err := s.InsertConversationTurn(ctx, &store.ConversationTurn{
			ConversationID: "morning", Role: "user",
			Content: fmt.Sprintf("checking in, day -%d", d), CreatedAt: at,
		})
		if err != nil {
			t.Fatalf("seed turn: %v", err)
		}
	}
}

func TestDailyRhythmMined(t *testing.T) {
	m, s := fixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	seedMorningTurns(t, s, now, 1, 2, 3, 5)

	if _, err := m.Mine(ctx, now); err != nil {
		t.Fatalf("mine: %v", err)
	}

	p, err := s.GetPatternByKey(ctx, "daily_rhythm:hour=09")
	if err != nil {
		t.Fatalf("pattern not mined: %v", err)
	}
	if p.SupportCount != 4 {
		t.Errorf("support = %d, want 4", p.SupportCount)
	}
	if p.Confidence < 0.2 || p.Confidence > 0.95 {
		t.Errorf("confidence out of range: %f", p.Confidence)
	}
}

func TestBelowSupportIgnored(t *testing.T) {
	m, s := fixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// Two distinct days only.
	seedMorningTurns(t, s, now, 1, 2)

	if _, err := m.Mine(ctx, now); err != nil {
		t.Fatalf("mine: %v", err)
	}
	if _, err := s.GetPatternByKey(ctx, "daily_rhythm:hour=09"); err == nil {
		t.Error("two observations must not form a pattern")
	}
}

func TestPredictionEmittedOnceForConfidentPattern(t *testing.T) {
	m, s := fixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// 10 of 14 days clears the 0.6 confidence threshold.
	seedMorningTurns(t, s, now, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)

	if _, err := m.Mine(ctx, now); err != nil {
		t.Fatalf("mine: %v", err)
	}
	if _, err := m.Mine(ctx, now.Add(time.Hour)); err != nil {
		t.Fatalf("re-mine: %v", err)
	}

	due, err := s.DuePredictions(ctx, now.AddDate(0, 0, 30))
	if err != nil {
		t.Fatalf("due predictions: %v", err)
	}
	activity := 0
	for _, p := range due {
		if p.PredictionType == "activity" && p.PredictedTime.Hour() == 9 {
			activity++
			if !p.PredictedTime.After(now) {
				t.Errorf("predicted time %v not in the future", p.PredictedTime)
			}
		}
	}
	if activity != 1 {
		t.Errorf("daily activity predictions = %d, want 1 after re-mining", activity)
	}
}

func TestEmotionalCycleMined(t *testing.T) {
	m, s := fixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	for d := 1; d <= 4; d++ {
		day := now.AddDate(0, 0, -d)
		err := s.InsertEmotion(ctx, &store.EmotionEntry{
			Emotion: "stress", Intensity: 0.7,
			CreatedAt: time.Date(day.Year(), day.Month(), day.Day(), 20, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("seed emotion: %v", err)
		}
	}

	if _, err := m.Mine(ctx, now); err != nil {
		t.Fatalf("mine: %v", err)
	}
	p, err := s.GetPatternByKey(ctx, "emotional_cycle:stress@evening")
	if err != nil {
		t.Fatalf("pattern not mined: %v", err)
	}
	if p.SupportCount != 4 {
		t.Errorf("support = %d, want 4", p.SupportCount)
	}
}

func TestEngagementRequiresMajorityPositive(t *testing.T) {
	m, s := fixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	seedAttempt := func(score float64, offset time.Duration) {
		var id string
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			a := &store.ExpressionAttempt{
				Category: "insight", Channel: "messenger", Success: true,
				MessageSent: "note", NormalizedContent: "note",
				SuppressReason: store.SuppressNone, CreatedAt: now.Add(offset),
			}
			if err := store.InsertExpressionAttemptTx(tx, a); err != nil {
				return err
			}
			id = a.ID
			return nil
		})
		if err != nil {
			t.Fatalf("seed attempt: %v", err)
		}
		if err := s.MarkAttemptScored(ctx, id, score); err != nil {
			t.Fatalf("score attempt: %v", err)
		}
	}

	seedAttempt(0.8, -72*time.Hour)
	seedAttempt(0.7, -48*time.Hour)
	seedAttempt(0.9, -24*time.Hour)
	seedAttempt(0.2, -12*time.Hour)

	if _, err := m.Mine(ctx, now); err != nil {
		t.Fatalf("mine: %v", err)
	}
	p, err := s.GetPatternByKey(ctx, "engagement:insight")
	if err != nil {
		t.Fatalf("engagement pattern not mined: %v", err)
	}
	if p.Confidence != 0.75 {
		t.Errorf("confidence = %f, want 0.75 (3 of 4 positive)", p.Confidence)
	}
}

func TestVerifySweep(t *testing.T) {
	m, s := fixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	hit := &store.Prediction{
		PredictionType: "activity", PredictionText: "user active around 09:00",
		Confidence: 0.7, PredictedTime: now.Add(-3 * time.Hour), CreatedAt: now.Add(-26 * time.Hour),
	}
	miss := &store.Prediction{
		PredictionType: "activity", PredictionText: "user active around 04:00",
		Confidence: 0.7, PredictedTime: now.Add(-8 * time.Hour), CreatedAt: now.Add(-26 * time.Hour),
	}
	pending := &store.Prediction{
		PredictionType: "activity", PredictionText: "user active soon",
		Confidence: 0.7, PredictedTime: now.Add(-10 * time.Minute), CreatedAt: now.Add(-time.Hour),
	}
	for _, p := range []*store.Prediction{hit, miss, pending} {
		if err := s.InsertPrediction(ctx, p); err != nil {
			t.Fatalf("seed prediction: %v", err)
		}
	}

	// Evidence inside the hit's window only.
	err := s.InsertConversationTurn(ctx, &store.ConversationTurn{
		ConversationID: "c", Role: "user", Content: "morning",
		CreatedAt: now.Add(-3*time.Hour + 10*time.Minute),
	})
	if err != nil {
		t.Fatalf("seed evidence: %v", err)
	}

	verified, err := m.VerifyDue(ctx, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified != 2 {
		t.Fatalf("verified = %d, want 2 (pending one still inside its window)", verified)
	}

	// Second sweep must not re-verify settled predictions.
	verified, err = m.VerifyDue(ctx, now)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if verified != 0 {
		t.Errorf("second sweep verified %d, want 0", verified)
	}

	acc, err := s.PredictionAccuracy(ctx)
	if err != nil {
		t.Fatalf("accuracy: %v", err)
	}
	if acc["activity"] != 0.5 {
		t.Errorf("activity accuracy = %f, want 0.5", acc["activity"])
	}
}

func TestTopicSequenceMined(t *testing.T) {
	m, s := fixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// The same two-topic handoff inside one session, on three days.
	for d := 1; d <= 3; d++ {
		day := now.AddDate(0, 0, -d)
		first := time.Date(day.Year(), day.Month(), day.Day(), 19, 0, 0, 0, time.UTC)
		for i, content := range []string{"worried about the marathon", "need new sneakers soon"} {
			err := s.InsertConversationTurn(ctx, &store.ConversationTurn{
				ConversationID: "evening", Role: "user", Content: content,
				CreatedAt: first.Add(time.Duration(i) * 5 * time.Minute),
			})
			if err != nil {
				t.Fatalf("seed turn: %v", err)
			}
		}
	}

	if _, err := m.Mine(ctx, now); err != nil {
		t.Fatalf("mine: %v", err)
	}
	p, err := s.GetPatternByKey(ctx, "topic_sequence:marathon>sneakers")
	if err != nil {
		t.Fatalf("topic sequence not mined: %v", err)
	}
	if p.SupportCount != 3 {
		t.Errorf("support = %d, want 3", p.SupportCount)
	}
}

func TestSessionDurationMined(t *testing.T) {
	m, s := fixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// Three 20-minute morning sessions on distinct days.
	for d := 1; d <= 3; d++ {
		day := now.AddDate(0, 0, -d)
		start := time.Date(day.Year(), day.Month(), day.Day(), 9, 0, 0, 0, time.UTC)
		for _, offset := range []time.Duration{0, 10 * time.Minute, 20 * time.Minute} {
			err := s.InsertConversationTurn(ctx, &store.ConversationTurn{
				ConversationID: "morning", Role: "user", Content: "chatting",
				CreatedAt: start.Add(offset),
			})
			if err != nil {
				t.Fatalf("seed turn: %v", err)
			}
		}
	}

	if _, err := m.Mine(ctx, now); err != nil {
		t.Fatalf("mine: %v", err)
	}
	p, err := s.GetPatternByKey(ctx, "session_duration:morning")
	if err != nil {
		t.Fatalf("session duration not mined: %v", err)
	}
	if p.SupportCount != 3 {
		t.Errorf("support = %d, want 3", p.SupportCount)
	}
	if avg, _ := p.Detail["avg_minutes"].(float64); avg != 20 {
		t.Errorf("avg_minutes = %v, want 20", p.Detail["avg_minutes"])
	}
}

func TestEmotionalVerificationMatchesForecastEmotion(t *testing.T) {
	m, s := fixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	p := &store.Pattern{
		Family: FamilyEmotionalCycle, StructuralKey: "emotional_cycle:stress@morning",
		Description: "stress tends to show up in the morning", Confidence: 0.7, SupportCount: 4,
		Detail:    map[string]any{"emotion": "stress", "day_part": "morning"},
		CreatedAt: now.AddDate(0, 0, -1),
	}
	if err := s.UpsertPattern(ctx, p); err != nil {
		t.Fatalf("seed pattern: %v", err)
	}

	seedPrediction := func(at time.Time) {
		err := s.InsertPrediction(ctx, &store.Prediction{
			PredictionType: "emotional", PredictionText: "stress likely in the morning",
			Confidence: 0.7, PredictedTime: at, BasedOnPattern: p.ID,
			CreatedAt: now.Add(-20 * time.Hour),
		})
		if err != nil {
			t.Fatalf("seed prediction: %v", err)
		}
	}

	// A different feeling inside the window is a miss, not a hit.
	seedPrediction(now.Add(-3 * time.Hour))
	err := s.InsertEmotion(ctx, &store.EmotionEntry{
		Emotion: "joy", Intensity: 0.8, CreatedAt: now.Add(-3 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seed emotion: %v", err)
	}
	if _, err := m.VerifyDue(ctx, now); err != nil {
		t.Fatalf("verify: %v", err)
	}
	acc, err := s.PredictionAccuracy(ctx)
	if err != nil {
		t.Fatalf("accuracy: %v", err)
	}
	if acc["emotional"] != 0 {
		t.Fatalf("emotional accuracy = %f, want 0 for a non-matching emotion", acc["emotional"])
	}

	// The forecast emotion inside the window confirms.
	seedPrediction(now.Add(-2 * time.Hour))
	err = s.InsertEmotion(ctx, &store.EmotionEntry{
		Emotion: "stress", Intensity: 0.7, CreatedAt: now.Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seed emotion: %v", err)
	}
	if _, err := m.VerifyDue(ctx, now); err != nil {
		t.Fatalf("second verify: %v", err)
	}
	acc, err = s.PredictionAccuracy(ctx)
	if err != nil {
		t.Fatalf("accuracy: %v", err)
	}
	if acc["emotional"] != 0.5 {
		t.Errorf("emotional accuracy = %f, want 0.5", acc["emotional"])
	}
}

func TestDayPart(t *testing.T) {
	cases := map[int]string{3: "night", 8: "morning", 14: "afternoon", 21: "evening"}
	for hour, want := range cases {
		if got := dayPart(hour); got != want {
			t.Errorf("dayPart(%d) = %s, want %s", hour, got, want)
		}
	}
}

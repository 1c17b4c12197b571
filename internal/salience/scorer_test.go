package salience

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"companion/internal/config"
	"companion/internal/embedding"
	"companion/internal/store"
)

func testScorer(t *testing.T) (*Scorer, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	cfg := config.Default().Salience
	return New(cfg, embedding.Disabled{}, s), s
}

func TestScoreDeterministic(t *testing.T) {
	scorer, _ := testScorer(t)
	now := time.Now()
	st := &store.Stimulus{
		Type: store.StimulusEmotional, Content: "user logged stress",
		RawData: map[string]any{"emotional_intensity": 0.9}, CreatedAt: now,
	}

	total1, bd1, _, err := scorer.Score(context.Background(), st, now)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	total2, bd2, _, err := scorer.Score(context.Background(), st, now)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if total1 != total2 {
		t.Errorf("same input scored differently: %f vs %f", total1, total2)
	}
	for dim := range bd1 {
		if bd1[dim] != bd2[dim] {
			t.Errorf("dimension %s differs: %f vs %f", dim, bd1[dim], bd2[dim])
		}
	}
}

func TestEmotionalWeightDominates(t *testing.T) {
	scorer, _ := testScorer(t)
	now := time.Now()

	hot := &store.Stimulus{Type: store.StimulusEmotional, Content: "very stressed",
		RawData: map[string]any{"emotional_intensity": 1.0}, CreatedAt: now}
	cold := &store.Stimulus{Type: store.StimulusOther, Content: "completely different text about weather",
		CreatedAt: now}

	hotScore, _, _, _ := scorer.Score(context.Background(), hot, now)
	coldScore, _, _, _ := scorer.Score(context.Background(), cold, now)
	if hotScore <= coldScore {
		t.Errorf("high-intensity emotional stimulus should outrank neutral: %f <= %f", hotScore, coldScore)
	}
}

func TestDimensionWeightsTunable(t *testing.T) {
	scorer, _ := testScorer(t)
	now := time.Now()
	st := &store.Stimulus{
		Type: store.StimulusEmotional, Content: "user logged stress",
		RawData: map[string]any{"emotional_intensity": 1.0}, CreatedAt: now,
	}

	before, _, _, err := scorer.Score(context.Background(), st, now)
	if err != nil {
		t.Fatalf("score: %v", err)
	}

	scorer.SetWeight(DimEmotional, scorer.Weight(DimEmotional)/2)
	after, _, _, err := scorer.Score(context.Background(), st, now)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if after >= before {
		t.Errorf("halving the emotional weight did not lower the score: %f -> %f", before, after)
	}

	// Unknown dimensions and negative values are ignored.
	scorer.SetWeight("sparkle", 0.9)
	if scorer.Weight("sparkle") != 0 {
		t.Error("unknown dimension must not register")
	}
	scorer.SetWeight(DimEmotional, -1)
	if scorer.Weight(DimEmotional) < 0 {
		t.Error("negative weight applied")
	}
}

func TestTemporalUrgencyRamp(t *testing.T) {
	now := time.Now()
	at := func(deadline time.Time) float64 {
		return temporalUrgency(&store.Stimulus{
			RawData: map[string]any{"deadline": deadline.Format(time.RFC3339)},
		}, now)
	}

	if got := at(now.Add(-time.Hour)); got != 1 {
		t.Errorf("past deadline urgency = %f, want 1", got)
	}
	if got := at(now.Add(48 * time.Hour)); got != 0 {
		t.Errorf("beyond horizon urgency = %f, want 0", got)
	}
	mid := at(now.Add(12 * time.Hour))
	if mid < 0.45 || mid > 0.55 {
		t.Errorf("half-horizon urgency = %f, want ~0.5", mid)
	}
	// Monotone: closer deadlines never score lower.
	if at(now.Add(2*time.Hour)) < at(now.Add(20*time.Hour)) {
		t.Error("urgency must grow as the deadline approaches")
	}
}

func TestNoveltyAgainstRecentDuplicates(t *testing.T) {
	scorer, st := testScorer(t)
	ctx := context.Background()
	now := time.Now()

	seed := &store.Stimulus{Type: store.StimulusTemporal, Content: "monday morning has started",
		Source: "temporal", CreatedAt: now.Add(-time.Hour)}
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := store.InsertStimuliTx(tx, []*store.Stimulus{seed})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	near := &store.Stimulus{ID: "new-1", Type: store.StimulusTemporal,
		Content: "monday morning has started", CreatedAt: now}
	fresh := &store.Stimulus{ID: "new-2", Type: store.StimulusGoal,
		Content: "tax filing deadline is approaching fast", CreatedAt: now}

	_, nearBD, _, _ := scorer.Score(ctx, near, now)
	_, freshBD, _, _ := scorer.Score(ctx, fresh, now)
	if nearBD[DimNovelty] >= freshBD[DimNovelty] {
		t.Errorf("repeat content should be less novel: %f >= %f",
			nearBD[DimNovelty], freshBD[DimNovelty])
	}
}

func TestGoalRelevance(t *testing.T) {
	scorer, st := testScorer(t)
	ctx := context.Background()
	now := time.Now()

	st.InsertGoal(ctx, &store.Goal{Title: "finish marathon training", CreatedAt: now})

	tagged := &store.Stimulus{Content: "anything", RawData: map[string]any{"goal_id": "g1"}}
	if got := scorer.goalRelevance(ctx, tagged); got != 1 {
		t.Errorf("goal-tagged relevance = %f, want 1", got)
	}

	related := &store.Stimulus{Content: "went for a long marathon training run"}
	unrelated := &store.Stimulus{Content: "bought some groceries"}
	if scorer.goalRelevance(ctx, related) <= scorer.goalRelevance(ctx, unrelated) {
		t.Error("goal keyword overlap must raise relevance")
	}
}

func TestBreakdownBounded(t *testing.T) {
	scorer, _ := testScorer(t)
	now := time.Now()
	st := &store.Stimulus{
		Type: store.StimulusSocial, Content: "silence",
		RawData: map[string]any{
			"emotional_intensity": 5.0, // out of range input
			"social_relevance":    2.0,
			"deadline":            now.Add(-time.Hour).Format(time.RFC3339),
		},
	}
	total, bd, _, err := scorer.Score(context.Background(), st, now)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	for dim, v := range bd {
		if v < 0 || v > 1 {
			t.Errorf("dimension %s = %f out of [0,1]", dim, v)
		}
	}
	if total < 0 || total > 1 {
		t.Errorf("total = %f out of [0,1]", total)
	}
}

func TestTextSimilarity(t *testing.T) {
	if sim := textSimilarity("hello world", "hello world"); sim != 1 {
		t.Errorf("identical sim = %f", sim)
	}
	if sim := textSimilarity("abc", "xyz"); sim != 0 {
		t.Errorf("disjoint sim = %f", sim)
	}
	partial := textSimilarity("monday morning walk", "monday morning run")
	if partial <= 0.5 || partial >= 1 {
		t.Errorf("partial overlap sim = %f", partial)
	}
}

package express

import (
	"testing"

	"companion/internal/store"
)

func TestCritiqueDeterministic(t *testing.T) {
	c := NewCritic(0.7)
	th := &store.Thought{
		Content: "I hope the week starts gently", Category: "care_message",
		MemoryContext:       map[string]any{"x": 1},
		MotivationBreakdown: store.MotivationBreakdown{Coherence: 0.8},
	}
	a := c.Evaluate(th)
	b := c.Evaluate(th)
	if a.QualityScore != b.QualityScore || a.UncertaintyLevel != b.UncertaintyLevel {
		t.Error("critique must be deterministic")
	}
	if len(a.PrincipleScores) != 5 {
		t.Errorf("principle scores = %d, want 5", len(a.PrincipleScores))
	}
}

func TestHonestyPenalizesAbsolutes(t *testing.T) {
	c := NewCritic(0.7)
	over := c.Evaluate(&store.Thought{Content: "This will definitely always work"})
	hedged := c.Evaluate(&store.Thought{Content: "This might perhaps work"})
	if over.PrincipleScores[PrincipleHonesty] >= hedged.PrincipleScores[PrincipleHonesty] {
		t.Error("unhedged absolutes must cost honesty points")
	}
}

func TestWarmCareMessageScoresHigher(t *testing.T) {
	c := NewCritic(0.7)
	warm := c.Evaluate(&store.Thought{Category: "care_message",
		Content: "I hope you can rest, I am here for you"})
	cold := c.Evaluate(&store.Thought{Category: "care_message",
		Content: "Status acknowledged. Proceed."})
	if warm.PrincipleScores[PrincipleEmpathy] <= cold.PrincipleScores[PrincipleEmpathy] {
		t.Error("warm care content must score higher empathy")
	}
	if !warm.VerificationPassed {
		t.Error("warm grounded care message should pass the quality bar")
	}
}

func TestQualityIsWeightedMean(t *testing.T) {
	c := NewCritic(0.7)
	e := c.Evaluate(&store.Thought{Content: "plain note"})
	var want float64
	for p, s := range e.PrincipleScores {
		want += principleWeights[p] * s
	}
	if e.QualityScore != want {
		t.Errorf("quality = %f, want weighted mean %f", e.QualityScore, want)
	}
}

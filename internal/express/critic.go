// Package express decides whether, where, and how a thought reaches the
// user. The critic screens candidate content against the companion's
// principles; the router then runs the suppression gates in order and
// either emits on an external channel, enqueues for the UI, or records why
// it stayed silent.
package express

import (
	"strings"

	"companion/internal/store"
)

// Principle names, persisted with every critique row.
const (
	PrincipleHonesty  = "honesty"
	PrincipleMemory   = "memory"
	PrincipleEmpathy  = "empathy"
	PrincipleAccuracy = "accuracy"
	PrincipleLove     = "love"
)

// principleWeights fold per-principle scores into the quality score.
var principleWeights = map[string]float64{
	PrincipleHonesty:  0.25,
	PrincipleMemory:   0.20,
	PrincipleEmpathy:  0.25,
	PrincipleAccuracy: 0.15,
	PrincipleLove:     0.15,
}

// absolutes are overclaiming markers that cost honesty points unless the
// content also hedges.
var absolutes = []string{"always", "never", "definitely", "certainly", "guaranteed"}

var hedges = []string{"maybe", "perhaps", "might", "seems", "could", "i think", "possibly"}

var warmWords = []string{"care", "hope", "proud", "here for you", "love", "glad", "support", "rest"}

// Critic evaluates candidate expressions before emission.
type Critic struct {
	qualityThreshold float64
}

// NewCritic creates a critic with the configured quality bar.
func NewCritic(qualityThreshold float64) *Critic {
	return &Critic{qualityThreshold: qualityThreshold}
}

// Evaluate scores a thought's content against the five principles. The
// evaluation is deterministic; one critique entry is produced per call
// regardless of outcome.
func (c *Critic) Evaluate(t *store.Thought) *store.CritiqueEntry {
	content := strings.ToLower(t.Content)

	scores := map[string]float64{
		PrincipleHonesty:  honesty(content),
		PrincipleMemory:   memory(t),
		PrincipleEmpathy:  empathy(t, content),
		PrincipleAccuracy: accuracy(t),
		PrincipleLove:     love(content),
	}

	var quality float64
	for p, s := range scores {
		quality += principleWeights[p] * s
	}

	// Uncertainty rises when the principles disagree with each other.
	var spreadMin, spreadMax float64 = 1, 0
	for _, s := range scores {
		if s < spreadMin {
			spreadMin = s
		}
		if s > spreadMax {
			spreadMax = s
		}
	}
	uncertainty := spreadMax - spreadMin

	return &store.CritiqueEntry{
		ThoughtID:          t.ID,
		VerificationPassed: quality >= c.qualityThreshold,
		QualityScore:       quality,
		UncertaintyLevel:   uncertainty,
		PrincipleScores:    scores,
	}
}

// honesty starts high and drops for unhedged absolute claims.
func honesty(content string) float64 {
	score := 0.9
	hasHedge := containsAny(content, hedges)
	for _, a := range absolutes {
		if strings.Contains(content, a) && !hasHedge {
			score -= 0.2
		}
	}
	if score < 0.2 {
		score = 0.2
	}
	return score
}

// memory rewards thoughts grounded in retrieved context.
func memory(t *store.Thought) float64 {
	if len(t.MemoryContext) > 0 {
		return 0.9
	}
	if len(t.StimulusIDs) > 0 {
		return 0.7
	}
	return 0.4
}

// empathy rewards care-oriented content; a care message that reads cold
// scores poorly.
func empathy(t *store.Thought, content string) float64 {
	warm := containsAny(content, warmWords)
	switch {
	case t.Category == "care_message" && warm:
		return 0.95
	case t.Category == "care_message":
		return 0.6
	case warm:
		return 0.8
	default:
		return 0.65
	}
}

// accuracy leans on the motivation coherence the thought engine assigned.
func accuracy(t *store.Thought) float64 {
	base := 0.5 + 0.4*t.MotivationBreakdown.Coherence
	if t.Type == store.ThoughtSystem2 {
		base += 0.05
	}
	if base > 1 {
		base = 1
	}
	return base
}

func love(content string) float64 {
	if containsAny(content, warmWords) {
		return 0.9
	}
	return 0.6
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// Package salience scores stimuli for attention. The score is a weighted
// sum over five dimensions, each clamped to [0,1]; the same stimulus and
// context always produce the same score.
package salience

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"

	"companion/internal/config"
	"companion/internal/embedding"
	"companion/internal/logging"
	"companion/internal/store"
)

// Dimension names, matching config weight keys and persisted breakdowns.
const (
	DimNovelty         = "novelty"
	DimEmotional       = "emotional"
	DimGoalRelevance   = "goal_relevance"
	DimTemporalUrgency = "temporal_urgency"
	DimSocialRelevance = "social_relevance"
)

// urgencyHorizon is the window over which deadline proximity ramps from 0
// to 1.
const urgencyHorizon = 24 * time.Hour

// Scorer computes salience for stimuli.
type Scorer struct {
	mu       sync.RWMutex
	weights  map[string]float64
	lookback time.Duration
	engine   embedding.Engine
	store    *store.Store
}

// New creates a scorer. The engine may be the disabled engine; novelty then
// falls back to edit-distance similarity.
func New(cfg config.SalienceConfig, engine embedding.Engine, st *store.Store) *Scorer {
	weights := make(map[string]float64, len(cfg.Weights))
	for dim, w := range cfg.Weights {
		weights[dim] = w
	}
	return &Scorer{
		weights:  weights,
		lookback: time.Duration(cfg.NoveltyLookbackMin) * time.Minute,
		engine:   engine,
		store:    st,
	}
}

// Weight returns the current weight of one dimension.
func (s *Scorer) Weight(dim string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights[dim]
}

// SetWeight applies a tuned dimension weight.
func (s *Scorer) SetWeight(dim string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.weights[dim]; ok && v >= 0 {
		s.weights[dim] = v
	}
}

// Score computes the salience breakdown and total for one stimulus. The
// returned embedding is non-nil when the engine produced one, so callers can
// persist it alongside the score.
func (s *Scorer) Score(ctx context.Context, st *store.Stimulus, now time.Time) (float64, map[string]float64, []float32, error) {
	recent, err := s.store.RecentStimuli(ctx, now.Add(-s.lookback))
	if err != nil {
		return 0, nil, nil, err
	}

	vec := st.Embedding
	if vec == nil {
		if embedded, err := s.engine.Embed(ctx, st.Content); err == nil {
			vec = embedded
		} else if err != embedding.ErrDisabled {
			logging.Get(logging.CategorySalience).Debugf("embed failed, using text novelty: %v", err)
		}
	}

	breakdown := map[string]float64{
		DimNovelty:         s.novelty(st, vec, recent),
		DimEmotional:       clamp(rawFloat(st.RawData, "emotional_intensity")),
		DimGoalRelevance:   s.goalRelevance(ctx, st),
		DimTemporalUrgency: temporalUrgency(st, now),
		DimSocialRelevance: socialRelevance(st),
	}

	s.mu.RLock()
	var total float64
	for dim, score := range breakdown {
		total += s.weights[dim] * score
	}
	s.mu.RUnlock()
	return clamp(total), breakdown, vec, nil
}

// novelty is 1 minus the highest similarity against recent stimuli from any
// source. The stimulus itself (same id) is excluded.
func (s *Scorer) novelty(st *store.Stimulus, vec []float32, recent []*store.Stimulus) float64 {
	maxSim := 0.0
	for _, other := range recent {
		if other.ID == st.ID {
			continue
		}
		var sim float64
		if vec != nil && other.Embedding != nil {
			sim = store.Cosine(vec, other.Embedding)
		} else {
			sim = textSimilarity(st.Content, other.Content)
		}
		if sim > maxSim {
			maxSim = sim
		}
	}
	return clamp(1 - maxSim)
}

// goalRelevance is 1 when the stimulus carries a goal reference, otherwise
// the fraction of active goal title words appearing in the content.
func (s *Scorer) goalRelevance(ctx context.Context, st *store.Stimulus) float64 {
	if _, ok := st.RawData["goal_id"]; ok {
		return 1
	}
	goals, err := s.store.ActiveGoals(ctx)
	if err != nil || len(goals) == 0 {
		return 0
	}

	content := strings.ToLower(st.Content)
	best := 0.0
	for _, goal := range goals {
		words := strings.Fields(strings.ToLower(goal.Title))
		if len(words) == 0 {
			continue
		}
		hits := 0
		for _, w := range words {
			if len(w) > 3 && strings.Contains(content, w) {
				hits++
			}
		}
		if score := float64(hits) / float64(len(words)); score > best {
			best = score
		}
	}
	return clamp(best)
}

// temporalUrgency ramps linearly from 0 at the horizon to 1 at (and past)
// the deadline carried in raw data. Without a deadline the codelet-provided
// urgency hint is used.
func temporalUrgency(st *store.Stimulus, now time.Time) float64 {
	if raw, ok := st.RawData["deadline"].(string); ok {
		deadline, err := time.Parse(time.RFC3339, raw)
		if err == nil {
			until := deadline.Sub(now)
			if until <= 0 {
				return 1
			}
			if until >= urgencyHorizon {
				return 0
			}
			return clamp(1 - until.Seconds()/urgencyHorizon.Seconds())
		}
	}
	return clamp(rawFloat(st.RawData, "temporal_urgency"))
}

func socialRelevance(st *store.Stimulus) float64 {
	if v := rawFloat(st.RawData, "social_relevance"); v > 0 {
		return clamp(v)
	}
	if st.Type == store.StimulusSocial {
		return 0.7
	}
	return 0
}

// textSimilarity is the novelty fallback when embeddings are unavailable:
// normalized edit-distance similarity in [0,1].
func textSimilarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return clamp(1 - float64(dist)/float64(longest))
}

func rawFloat(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

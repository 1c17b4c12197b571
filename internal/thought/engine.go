// Package thought turns attended stimuli into candidate thoughts. The fast
// path (System 1) fills templates deterministically; the slow path (System
// 2) calls the deliberation model under a strict per-tick budget and
// latency bound, falling back to System 1 when the model is slow or absent.
package thought

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"companion/internal/config"
	"companion/internal/deliberate"
	"companion/internal/logging"
	"companion/internal/store"
)

// s2Floor is the salience a stimulus needs before a deliberation slot is
// spent on it.
const s2Floor = 0.65

// motivationFloor is the minimum motivation for a thought to be persisted;
// below it the stimulus is consumed as filtered.
const motivationFloor = 0.3

// Engine generates thoughts from stimuli.
type Engine struct {
	store *store.Store
	llm   deliberate.Client
	cfg   config.ThoughtConfig

	mu      sync.RWMutex
	weights store.MotivationWeights
}

// NewEngine creates a thought engine.
func NewEngine(st *store.Store, llm deliberate.Client, cfg config.ThoughtConfig) *Engine {
	return &Engine{store: st, llm: llm, cfg: cfg, weights: store.DefaultMotivationWeights()}
}

// MotivationWeight returns the current weight of one motivation component.
func (e *Engine) MotivationWeight(component string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch component {
	case "relevance":
		return e.weights.Relevance
	case "urgency":
		return e.weights.Urgency
	case "impact":
		return e.weights.Impact
	case "coherence":
		return e.weights.Coherence
	case "originality":
		return e.weights.Originality
	}
	return 0
}

// SetMotivationWeight applies a tuned component weight. Unknown components
// are ignored.
func (e *Engine) SetMotivationWeight(component string, v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch component {
	case "relevance":
		e.weights.Relevance = v
	case "urgency":
		e.weights.Urgency = v
	case "impact":
		e.weights.Impact = v
	case "coherence":
		e.weights.Coherence = v
	case "originality":
		e.weights.Originality = v
	}
}

// motivation folds a breakdown with the current weights.
func (e *Engine) motivation(b store.MotivationBreakdown) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return b.WeightedScore(e.weights)
}

// Think consumes the attended stimuli and persists the resulting thoughts,
// evolutions, and filtered records in one transaction per stimulus. A
// stimulus that deserved a deliberation slot but lost the budget race is
// left un-acted for the next cycle; everything else ends the call
// acted-upon.
func (e *Engine) Think(ctx context.Context, stimuli []*store.Stimulus, now time.Time) ([]*store.Thought, error) {
	log := logging.Get(logging.CategoryThought)

	s2Budget := e.cfg.S2MaxCallsPerTick
	var produced []*store.Thought

	for _, st := range stimuli {
		t := e.system1(st, now)

		if st.SalienceScore >= s2Floor && e.llm.Available() {
			if s2Budget == 0 {
				// Deferred, not consumed: next cycle brings fresh budget.
				log.Infof("s2_budget_exceeded, stimulus %s deferred", st.ID)
				continue
			}
			s2Budget--
			if deep, err := e.system2(ctx, st, t, now); err == nil {
				t = deep
			} else {
				log.Debugf("s2 fell back to s1 for stimulus %s: %v", st.ID, err)
			}
		}

		err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := store.MarkStimulusActedTx(tx, st.ID); err != nil {
				return err
			}

			if t.MotivationScore < motivationFloor {
				return store.InsertStimulusFilteredTx(tx, st.ID, "low_motivation", now)
			}

			parent, err := store.ActiveThoughtForStimuliTx(tx, t.StimulusIDs)
			if err != nil {
				return err
			}
			if parent != nil {
				if t.MotivationScore <= parent.MotivationScore {
					return store.InsertStimulusFilteredTx(tx, st.ID, "superseded_by_active_thought", now)
				}
				if err := store.MarkThoughtEvolvedTx(tx, parent.ID); err != nil {
					return err
				}
				t.EvolvedFrom = parent.ID
			}
			return store.InsertThoughtTx(tx, t)
		})
		if err != nil {
			return produced, fmt.Errorf("persist thought for stimulus %s: %w", st.ID, err)
		}
		if t.Status == store.ThoughtActive && t.MotivationScore >= motivationFloor {
			produced = append(produced, t)
		}
	}

	return produced, nil
}

// DecayIdle transitions thoughts older than the configured horizon.
func (e *Engine) DecayIdle(ctx context.Context, now time.Time) (int64, error) {
	horizon := time.Duration(e.cfg.DecayHorizonHours) * time.Hour
	return e.store.DecayIdleThoughts(ctx, now.Add(-horizon))
}

// system1 fills a deterministic template and derives motivation from the
// salience breakdown.
func (e *Engine) system1(st *store.Stimulus, now time.Time) *store.Thought {
	breakdown := motivationFromSalience(st)
	return &store.Thought{
		Type:                store.ThoughtSystem1,
		Content:             templateFor(st),
		Category:            categoryFor(st.Type),
		StimulusIDs:         []string{st.ID},
		MotivationBreakdown: breakdown,
		MotivationScore:     e.motivation(breakdown),
		Status:              store.ThoughtActive,
		CreatedAt:           now,
	}
}

// s2Response is the JSON contract for deliberative thoughts.
type s2Response struct {
	Content     string  `json:"content"`
	Category    string  `json:"category"`
	Relevance   float64 `json:"relevance"`
	Urgency     float64 `json:"urgency"`
	Impact      float64 `json:"impact"`
	Coherence   float64 `json:"coherence"`
	Originality float64 `json:"originality"`
}

// system2 asks the model for a deeper thought grounded in recent memory.
// The call is bounded by the configured latency; the fallback thought is
// passed in so context building failures degrade gracefully.
func (e *Engine) system2(ctx context.Context, st *store.Stimulus, fallback *store.Thought, now time.Time) (*store.Thought, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.S2LatencyMS)*time.Millisecond)
	defer cancel()

	memory := e.memoryContext(callCtx, st)

	prompt := fmt.Sprintf(`A companion noticed: %s

Relevant memory:
%s

Produce one short, caring thought the companion might share. Respond as JSON:
{"content": "...", "category": "care_message|insight|reminder",
 "relevance": 0.0, "urgency": 0.0, "impact": 0.0, "coherence": 0.0, "originality": 0.0}
All scores in [0,1].`, st.Content, memory)

	resp, err := e.llm.Deliberate(callCtx, &deliberate.Request{Prompt: prompt, JSON: true})
	if err != nil {
		return nil, err
	}

	var parsed s2Response
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return nil, fmt.Errorf("parse s2 response: %w", err)
	}
	if parsed.Content == "" {
		return nil, fmt.Errorf("s2 response missing content")
	}

	category := parsed.Category
	if !validCategory(category) {
		category = fallback.Category
	}
	breakdown := store.MotivationBreakdown{
		Relevance:   clamp(parsed.Relevance),
		Urgency:     clamp(parsed.Urgency),
		Impact:      clamp(parsed.Impact),
		Coherence:   clamp(parsed.Coherence),
		Originality: clamp(parsed.Originality),
	}
	return &store.Thought{
		Type:                store.ThoughtSystem2,
		Content:             parsed.Content,
		Category:            category,
		StimulusIDs:         []string{st.ID},
		MemoryContext:       map[string]any{"prompt_memory": memory, "latency_ms": resp.LatencyMS},
		MotivationBreakdown: breakdown,
		MotivationScore:     e.motivation(breakdown),
		Status:              store.ThoughtActive,
		CreatedAt:           now,
	}, nil
}

// memoryContext gathers nearby episodic memory for the deliberation prompt.
func (e *Engine) memoryContext(ctx context.Context, st *store.Stimulus) string {
	var lines []string

	if st.Embedding != nil {
		if near, err := e.store.NearestNeighbors(ctx, "conversations", st.Embedding, 3); err == nil {
			for _, n := range near {
				lines = append(lines, "- "+n.Content)
			}
		}
	}
	if len(lines) == 0 {
		if recent, err := e.store.RecentThoughts(ctx, time.Time{}, 3); err == nil {
			for _, t := range recent {
				lines = append(lines, "- earlier thought: "+t.Content)
			}
		}
	}
	if len(lines) == 0 {
		return "(no relevant memory)"
	}
	return strings.Join(lines, "\n")
}

// motivationFromSalience maps the salience breakdown onto the motivation
// components for the fast path.
func motivationFromSalience(st *store.Stimulus) store.MotivationBreakdown {
	bd := st.SalienceBreakdown
	relevance := bd["goal_relevance"]
	if bd["social_relevance"] > relevance {
		relevance = bd["social_relevance"]
	}
	impact := bd["emotional"]
	if st.SalienceScore > impact {
		impact = st.SalienceScore
	}
	return store.MotivationBreakdown{
		Relevance:   clamp(relevance),
		Urgency:     clamp(bd["temporal_urgency"]),
		Impact:      clamp(impact),
		Coherence:   0.5, // fixed midpoint for template output
		Originality: clamp(bd["novelty"]),
	}
}

func templateFor(st *store.Stimulus) string {
	switch st.Type {
	case store.StimulusEmotional:
		return fmt.Sprintf("The user may need support: %s", st.Content)
	case store.StimulusCalendar:
		return fmt.Sprintf("Worth a reminder: %s", st.Content)
	case store.StimulusGoal:
		return fmt.Sprintf("A goal needs attention: %s", st.Content)
	case store.StimulusSocial:
		return fmt.Sprintf("It has been quiet: %s", st.Content)
	case store.StimulusAnniversary:
		return fmt.Sprintf("A meaningful date approaches: %s", st.Content)
	case store.StimulusPattern:
		return fmt.Sprintf("A familiar pattern is showing: %s", st.Content)
	default:
		return fmt.Sprintf("Noticed: %s", st.Content)
	}
}

func categoryFor(t store.StimulusType) string {
	switch t {
	case store.StimulusEmotional, store.StimulusSocial:
		return "care_message"
	case store.StimulusCalendar, store.StimulusGoal, store.StimulusAnniversary:
		return "reminder"
	default:
		return "insight"
	}
}

func validCategory(c string) bool {
	switch c {
	case "care_message", "insight", "reminder":
		return true
	}
	return false
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

// Package evolution closes the learning loop: it reads the recent reward
// trend and nudges runtime knobs by small bounded steps, persisting every
// change with a before/after audit row. Steps are capped so no single pass
// can move behavior far, and each knob is clamped to a safe range.
package evolution

import (
	"context"
	"fmt"
	"math"
	"time"

	"companion/internal/config"
	"companion/internal/logging"
	"companion/internal/store"
)

// targetReward is the combined-reward level the tuner steers toward. Below
// it the system is expressing too much noise; above it there is headroom to
// speak up more.
const targetReward = 0.6

// minSamples is the reward count below which the window says nothing.
const minSamples = 5

// Knob is one tunable runtime parameter with its safe range.
type Knob struct {
	Name string
	Min  float64
	Max  float64
	Get  func() float64
	Set  func(float64)
	// Direction is +1 when raising the knob makes the system more
	// selective, -1 when lowering does.
	Direction float64
}

// Tuner adjusts registered knobs from the reward trend.
type Tuner struct {
	store *store.Store
	cfg   config.EvolutionConfig
	knobs []Knob
}

// New creates a tuner.
func New(st *store.Store, cfg config.EvolutionConfig) *Tuner {
	return &Tuner{store: st, cfg: cfg}
}

// Register adds a tunable knob.
func (t *Tuner) Register(k Knob) {
	if k.Direction == 0 {
		k.Direction = 1
	}
	t.knobs = append(t.knobs, k)
}

// ApplyPersisted pushes previously tuned values back into the registered
// knobs, clamped to each knob's range. Called once at boot.
func (t *Tuner) ApplyPersisted(ctx context.Context) error {
	tuned, err := t.store.TunedWeights(ctx)
	if err != nil {
		return fmt.Errorf("load tuned weights: %w", err)
	}
	for _, k := range t.knobs {
		if v, ok := tuned[k.Name]; ok {
			k.Set(clampRange(v, k.Min, k.Max))
		}
	}
	return nil
}

// Run performs one tuning pass and returns how many knobs moved.
func (t *Tuner) Run(ctx context.Context, now time.Time) (int, error) {
	log := logging.Get(logging.CategoryEvolution)

	window := time.Duration(t.cfg.WindowHours) * time.Hour
	rewards, err := t.store.RewardsSince(ctx, now.Add(-window))
	if err != nil {
		return 0, err
	}
	if len(rewards) < minSamples {
		log.Debugf("only %d rewards in window, skipping tuning", len(rewards))
		return 0, nil
	}

	mean := 0.0
	for _, r := range rewards {
		mean += r.CombinedReward
	}
	mean /= float64(len(rewards))

	gap := targetReward - mean
	if math.Abs(gap) < 0.05 {
		return 0, nil
	}

	// Low reward moves selective knobs up, high reward moves them down.
	// The step shrinks as the mean approaches the target.
	step := math.Copysign(math.Min(t.cfg.MaxStep, math.Abs(gap)/2), gap)

	changed := 0
	for _, k := range t.knobs {
		old := k.Get()
		next := clampRange(old+step*k.Direction, k.Min, k.Max)
		if next == old {
			continue
		}
		change := &store.WeightChange{
			Knob: k.Name, OldValue: old, NewValue: next,
			Reason: fmt.Sprintf("mean reward %.3f over %d signals, target %.2f",
				mean, len(rewards), targetReward),
			CreatedAt: now,
		}
		if err := t.store.ApplyWeightChange(ctx, change); err != nil {
			return changed, err
		}
		k.Set(next)
		changed++
		log.Infof("tuned %s: %.3f -> %.3f (%s)", k.Name, old, next, change.Reason)
	}
	return changed, nil
}

func clampRange(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

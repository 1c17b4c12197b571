// Package codelet implements the attention codelets that scan the world
// during the SENSE phase. Each codelet watches one concern and emits
// candidate stimuli; the registry runs them on a bounded worker pool and
// isolates panics so one misbehaving codelet never takes down a cycle.
package codelet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"companion/internal/logging"
	"companion/internal/store"
)

// Environment is the read surface handed to codelets each tick.
type Environment struct {
	Store    *store.Store
	Now      time.Time
	Location *time.Location
}

// Codelet watches one concern and proposes stimuli.
type Codelet interface {
	// Name identifies the codelet; it becomes the stimulus source.
	Name() string

	// Cadence returns how many cycles pass between runs. 1 runs every
	// cycle.
	Cadence() int

	// Sense scans the environment and returns candidate stimuli. An empty
	// slice is the common case.
	Sense(ctx context.Context, env *Environment) ([]*store.Stimulus, error)
}

// Registry holds the registered codelets.
type Registry struct {
	mu       sync.RWMutex
	codelets map[string]Codelet
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{codelets: make(map[string]Codelet)}
}

// Register adds a codelet. Registering a duplicate name is an error.
func (r *Registry) Register(c Codelet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.codelets[c.Name()]; exists {
		return fmt.Errorf("codelet %q already registered", c.Name())
	}
	r.codelets[c.Name()] = c
	logging.Get(logging.CategoryCodelet).Debugf("registered codelet %s (cadence %d)", c.Name(), c.Cadence())
	return nil
}

// Names returns registered codelet names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.codelets))
	for name := range r.codelets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunDue runs every codelet whose cadence divides the tick, bounded by the
// worker limit, and returns the combined stimuli. A codelet error or panic
// is logged and skipped; the remaining codelets still run.
func (r *Registry) RunDue(ctx context.Context, env *Environment, tick int, workers int) []*store.Stimulus {
	r.mu.RLock()
	due := make([]Codelet, 0, len(r.codelets))
	for _, c := range r.codelets {
		cadence := c.Cadence()
		if cadence < 1 {
			cadence = 1
		}
		if tick%cadence == 0 {
			due = append(due, c)
		}
	}
	r.mu.RUnlock()

	if workers < 1 {
		workers = 1
	}

	log := logging.Get(logging.CategoryCodelet)
	var mu sync.Mutex
	var all []*store.Stimulus

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, c := range due {
		c := c
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorf("codelet %s panicked: %v", c.Name(), rec)
				}
			}()
			stimuli, err := c.Sense(gctx, env)
			if err != nil {
				log.Warnf("codelet %s failed: %v", c.Name(), err)
				return nil
			}
			for _, st := range stimuli {
				if st.Source == "" {
					st.Source = c.Name()
				}
				if st.CreatedAt.IsZero() {
					st.CreatedAt = env.Now
				}
			}
			mu.Lock()
			all = append(all, stimuli...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return all
}

// RegisterDefaults wires the standard codelet set.
func RegisterDefaults(r *Registry) error {
	defaults := []Codelet{
		&Temporal{},
		&Calendar{LookaheadHours: 24},
		&Emotional{LookbackHours: 6, MinIntensity: 0.6},
		&Social{SilenceHours: 48},
		&GoalDeadline{LookaheadHours: 72},
		&Anniversary{LookaheadDays: 7},
		&PatternAlert{MinConfidence: 0.6},
	}
	for _, c := range defaults {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

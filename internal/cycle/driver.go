// Package cycle drives the perceive, think, express, learn loop. Each tick
// runs four phases against a soft per-phase budget: SENSE gathers and scores
// stimuli, PREDICT settles due forecasts, ACT turns stimuli into thoughts
// and routes expressions, and LEARN scores rewards and runs the slower
// consolidation, mining, and tuning cadences.
package cycle

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"companion/internal/clock"
	"companion/internal/codelet"
	"companion/internal/config"
	"companion/internal/consolidate"
	"companion/internal/evolution"
	"companion/internal/express"
	"companion/internal/logging"
	"companion/internal/pattern"
	"companion/internal/plan"
	"companion/internal/reward"
	"companion/internal/salience"
	"companion/internal/store"
	"companion/internal/thought"
)

// patternCadence is how many cycles pass between mining passes.
const patternCadence = 30

// maintenanceCadence covers thought decay and queue expiry.
const maintenanceCadence = 60

// degradedAfter is the consecutive-failure count that flips health to
// degraded. While degraded the loop keeps ticking but only pings the
// store; writes resume once the store answers.
const degradedAfter = 3

// scoringBatch bounds how many stimuli one SENSE phase scores.
const scoringBatch = 50

// Components are the engines the driver orchestrates.
type Components struct {
	Store        *store.Store
	Codelets     *codelet.Registry
	Scorer       *salience.Scorer
	Thinker      *thought.Engine
	Router       *express.Router
	Consolidator *consolidate.Consolidator
	Miner        *pattern.Miner
	Rewards      *reward.Aggregator
	Tuner        *evolution.Tuner
	Planner      *plan.Executor
}

// Health is a point-in-time snapshot of the loop's state.
type Health struct {
	Tick        int
	LastCycleAt time.Time
	Degraded    bool
	LastError   string
}

// Driver runs the consciousness cycle.
type Driver struct {
	c   Components
	cfg *config.Config
	clk clock.Clock

	mu       sync.Mutex
	tick     int
	failures int
	health   Health
}

// NewDriver creates a driver.
func NewDriver(c Components, cfg *config.Config, clk clock.Clock) *Driver {
	if clk == nil {
		clk = clock.System{}
	}
	return &Driver{c: c, cfg: cfg, clk: clk}
}

// Run executes cycles until the context is canceled. The first cycle runs
// immediately.
func (d *Driver) Run(ctx context.Context) error {
	log := logging.Get(logging.CategoryCycle)
	log.Infof("cycle loop starting, period %s", d.cfg.CyclePeriod())

	for {
		d.RunCycle(ctx)
		select {
		case <-ctx.Done():
			log.Infof("cycle loop stopping: %v", ctx.Err())
			return ctx.Err()
		case <-d.clk.After(d.cfg.CyclePeriod()):
		}
	}
}

// RunCycle executes one full cycle. Phase errors are recorded and do not
// abort the remaining phases.
func (d *Driver) RunCycle(ctx context.Context) {
	d.mu.Lock()
	d.tick++
	tick := d.tick
	d.mu.Unlock()

	now := d.clk.Now()
	log := logging.Get(logging.CategoryCycle)
	log.Debugf("tick %d starting", tick)

	// Degraded ticks ping the store instead of writing. Read surfaces stay
	// up; the write phases stay parked until the store answers again.
	d.mu.Lock()
	degraded := d.health.Degraded
	d.mu.Unlock()
	if degraded {
		err := d.c.Store.Ping(ctx)
		d.mu.Lock()
		defer d.mu.Unlock()
		d.health.Tick = tick
		d.health.LastCycleAt = now
		if err != nil {
			d.health.LastError = err.Error()
			log.Warnf("tick %d: store still unavailable, writes paused: %v", tick, err)
			return
		}
		d.failures = 0
		d.health.Degraded = false
		d.health.LastError = ""
		log.Infof("tick %d: store recovered, resuming full cycles", tick)
		return
	}

	var firstErr error
	phases := []struct {
		name string
		run  func(context.Context, time.Time, int) error
	}{
		{"sense", d.sense},
		{"predict", d.predict},
		{"act", d.act},
		{"learn", d.learn},
	}
	for _, phase := range phases {
		phaseCtx, cancel := context.WithTimeout(ctx, d.cfg.PhaseBudget())
		err := phase.run(phaseCtx, now, tick)
		cancel()
		if err != nil {
			log.Errorf("tick %d %s phase: %v", tick, phase.name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if ctx.Err() != nil {
			return
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if firstErr != nil {
		d.failures++
		d.health.LastError = firstErr.Error()
	} else {
		d.failures = 0
		d.health.LastError = ""
	}
	d.health.Tick = tick
	d.health.LastCycleAt = now
	d.health.Degraded = d.failures >= degradedAfter
	if d.health.Degraded {
		log.Warnf("cycle degraded after %d consecutive failing ticks", d.failures)
	}
}

// Health returns the current loop status.
func (d *Driver) Health() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health
}

// Tick returns how many cycles have run.
func (d *Driver) Tick() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tick
}

// sense runs due codelets, persists their stimuli, and scores anything
// still unscored.
func (d *Driver) sense(ctx context.Context, now time.Time, tick int) error {
	env := &codelet.Environment{Store: d.c.Store, Now: now, Location: d.cfg.Location()}
	stimuli := d.c.Codelets.RunDue(ctx, env, tick, d.cfg.Cycle.CodeletWorkers)

	if len(stimuli) > 0 {
		var inserted int
		err := d.withRetry(ctx, func() error {
			return d.c.Store.WithTx(ctx, func(tx *sql.Tx) error {
				n, err := store.InsertStimuliTx(tx, stimuli)
				inserted = n
				return err
			})
		})
		if err != nil {
			return err
		}
		if inserted > 0 {
			logging.Get(logging.CategoryCycle).Debugf("tick %d: %d new stimuli", tick, inserted)
		}
	}

	unscored, err := d.c.Store.UnscoredStimuli(ctx, scoringBatch)
	if err != nil {
		return err
	}
	for _, st := range unscored {
		score, breakdown, vec, err := d.c.Scorer.Score(ctx, st, now)
		if err != nil {
			logging.Get(logging.CategorySalience).Warnf("score stimulus %s: %v", st.ID, err)
			continue
		}
		err = d.withRetry(ctx, func() error {
			return d.c.Store.WithTx(ctx, func(tx *sql.Tx) error {
				return store.UpdateStimulusSalienceTx(tx, st.ID, score, breakdown, vec)
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// predict settles due forecasts every tick and mines new patterns on its
// slower cadence.
func (d *Driver) predict(ctx context.Context, now time.Time, tick int) error {
	if _, err := d.c.Miner.VerifyDue(ctx, now); err != nil {
		return err
	}
	if tick%patternCadence == 0 {
		if _, err := d.c.Miner.Mine(ctx, now); err != nil {
			return err
		}
	}
	return nil
}

// act promotes the most salient stimuli into thoughts, routes expressible
// thoughts, and advances plans.
func (d *Driver) act(ctx context.Context, now time.Time, tick int) error {
	top, err := d.c.Store.TopUnactedStimuli(ctx, d.cfg.Sense.TopK)
	if err != nil {
		return err
	}
	if len(top) > 0 {
		if _, err := d.c.Thinker.Think(ctx, top, now); err != nil {
			return err
		}
	}
	if _, err := d.c.Router.Express(ctx, now); err != nil {
		return err
	}
	if _, err := d.c.Planner.Tick(ctx, now); err != nil {
		return err
	}
	return nil
}

// learn scores rewards every tick and runs consolidation, tuning, and
// maintenance on their cadences.
func (d *Driver) learn(ctx context.Context, now time.Time, tick int) error {
	if _, err := d.c.Rewards.Run(ctx, now); err != nil {
		return err
	}
	if tick%d.cfg.Consolidation.CadenceCycles == 0 {
		if _, err := d.c.Consolidator.Run(ctx, now); err != nil {
			return err
		}
	}
	if tick%d.cfg.Evolution.CadenceCycles == 0 {
		if _, err := d.c.Tuner.Run(ctx, now); err != nil {
			return err
		}
	}
	if tick%maintenanceCadence == 0 {
		if _, err := d.c.Thinker.DecayIdle(ctx, now); err != nil {
			return err
		}
		if _, err := d.c.Router.ExpireQueue(ctx, now); err != nil {
			return err
		}
	}
	return nil
}

// withRetry retries store writes with exponential backoff, for transient
// SQLITE_BUSY contention from external adapters sharing the database.
func (d *Driver) withRetry(ctx context.Context, fn func() error) error {
	backoff := time.Duration(d.cfg.Cycle.StoreBackoffBaseMS) * time.Millisecond
	var err error
	for attempt := 0; attempt <= d.cfg.Cycle.StoreMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.clk.After(backoff):
			}
			backoff *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
		logging.Get(logging.CategoryStore).Warnf("store write attempt %d failed: %v", attempt+1, err)
	}
	return err
}

// Package plan executes multi-step plans. Each tick dispatches every step
// whose dependencies are settled, with per-step timeouts, bounded retries,
// and plan status kept consistent by the store. Optional steps that exhaust
// their retries are skipped; required ones fail the plan.
package plan

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"companion/internal/config"
	"companion/internal/logging"
	"companion/internal/store"
)

// ActionRunner executes one step action. The tools registry implements it.
type ActionRunner interface {
	Run(ctx context.Context, actionType string, payload map[string]any) (map[string]any, error)
}

// Executor advances active plans.
type Executor struct {
	store  *store.Store
	runner ActionRunner
	cfg    config.PlannerConfig
}

// New creates an executor.
func New(st *store.Store, runner ActionRunner, cfg config.PlannerConfig) *Executor {
	return &Executor{store: st, runner: runner, cfg: cfg}
}

// Tick advances every active plan by executing its ready steps, and returns
// how many steps ran.
func (e *Executor) Tick(ctx context.Context, now time.Time) (int, error) {
	log := logging.Get(logging.CategoryPlan)

	plans, err := e.store.ActivePlans(ctx)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, p := range plans {
		steps, err := e.store.StepsForPlan(ctx, p.ID)
		if err != nil {
			return ran, err
		}
		if err := e.reapStale(ctx, steps, now); err != nil {
			return ran, err
		}
		for _, st := range steps {
			if st.Status != store.StepPending || !depsSettled(st, steps) {
				continue
			}
			if err := e.execute(ctx, st, now); err != nil {
				return ran, err
			}
			ran++
		}
		if len(steps) > 0 {
			log.Debugf("plan %s: %d/%d steps done", p.Name, p.CompletedSteps, p.TotalSteps)
		}
	}
	return ran, nil
}

// depsSettled reports whether every dependency is completed or skipped. A
// failed required dependency fails the whole plan through the store, so the
// dependent step never runs.
func depsSettled(st *store.PlanStep, all []*store.PlanStep) bool {
	byID := make(map[string]*store.PlanStep, len(all))
	for _, s := range all {
		byID[s.ID] = s
	}
	for _, dep := range st.Dependencies {
		d, ok := byID[dep]
		if !ok {
			return false
		}
		if d.Status != store.StepCompleted && d.Status != store.StepSkipped {
			return false
		}
	}
	return true
}

// execute runs one step action with a timeout and persists the outcome.
func (e *Executor) execute(ctx context.Context, st *store.PlanStep, now time.Time) error {
	log := logging.Get(logging.CategoryPlan)

	st.Status = store.StepRunning
	st.StartedAt = now
	if err := e.update(ctx, st, now); err != nil {
		return err
	}

	stepCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.StepTimeoutMS)*time.Millisecond)
	result, runErr := e.runner.Run(stepCtx, st.ActionType, st.ActionPayload)
	cancel()

	if runErr == nil {
		st.Status = store.StepCompleted
		st.ResultData = result
		st.CompletedAt = now
		return e.update(ctx, st, now)
	}

	st.RetryCount++
	if st.RetryCount < e.cfg.MaxRetries {
		// Back to pending for another attempt on a later tick.
		st.Status = store.StepPending
		log.Warnf("step %s (%s) attempt %d failed: %v", st.ID, st.ActionType, st.RetryCount, runErr)
		return e.update(ctx, st, now)
	}

	st.CompletedAt = now
	st.ResultData = map[string]any{"error": runErr.Error()}
	if st.Optional {
		st.Status = store.StepSkipped
		log.Warnf("optional step %s (%s) skipped after %d attempts: %v",
			st.ID, st.ActionType, st.RetryCount, runErr)
	} else {
		st.Status = store.StepFailed
		log.Errorf("step %s (%s) failed after %d attempts: %v",
			st.ID, st.ActionType, st.RetryCount, runErr)
	}
	return e.update(ctx, st, now)
}

// reapStale force-settles steps stuck in running longer than the wall-clock
// bound, which only happens after a crash mid-step.
func (e *Executor) reapStale(ctx context.Context, steps []*store.PlanStep, now time.Time) error {
	bound := time.Duration(e.cfg.MaxStepWallClockMin) * time.Minute
	for _, st := range steps {
		if st.Status != store.StepRunning || now.Sub(st.StartedAt) < bound {
			continue
		}
		st.RetryCount++
		st.CompletedAt = now
		st.ResultData = map[string]any{"error": "step exceeded wall clock bound"}
		if st.RetryCount < e.cfg.MaxRetries {
			st.Status = store.StepPending
			st.CompletedAt = time.Time{}
			st.ResultData = nil
		} else if st.Optional {
			st.Status = store.StepSkipped
		} else {
			st.Status = store.StepFailed
		}
		if err := e.update(ctx, st, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) update(ctx context.Context, st *store.PlanStep, now time.Time) error {
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.UpdateStepTx(tx, st, now)
	})
	if err != nil {
		return fmt.Errorf("persist step %s: %w", st.ID, err)
	}
	return nil
}

// Pause marks a plan paused; its steps stop dispatching until Resume.
func (e *Executor) Pause(ctx context.Context, planID string, now time.Time) error {
	return e.store.SetPlanStatus(ctx, planID, store.PlanPaused, now)
}

// Resume moves a paused plan back to active.
func (e *Executor) Resume(ctx context.Context, planID string, now time.Time) error {
	return e.store.SetPlanStatus(ctx, planID, store.PlanActive, now)
}

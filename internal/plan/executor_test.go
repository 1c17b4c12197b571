package plan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"companion/internal/config"
	"companion/internal/store"
)

// fakeRunner fails the first failures[action] calls of an action, then
// succeeds. Actions with block=true wait for the context instead.
type fakeRunner struct {
	calls    map[string]int
	failures map[string]int
	block    map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		calls:    make(map[string]int),
		failures: make(map[string]int),
		block:    make(map[string]bool),
	}
}

func (f *fakeRunner) Run(ctx context.Context, actionType string, payload map[string]any) (map[string]any, error) {
	f.calls[actionType]++
	if f.block[actionType] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.calls[actionType] <= f.failures[actionType] {
		return nil, errors.New("transient failure")
	}
	return map[string]any{"ok": true}, nil
}

func fixture(t *testing.T) (*Executor, *store.Store, *fakeRunner) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	runner := newFakeRunner()
	return New(s, runner, config.Default().Planner), s, runner
}

// makePlan creates a plan whose steps form a chain: each step depends on
// the previous one. Optional flags are positional.
func makePlan(t *testing.T, s *store.Store, actions []string, optional map[int]bool, now time.Time) *store.Plan {
	t.Helper()
	p := &store.Plan{Name: "test plan", Priority: 1, CreatedAt: now}
	steps := make([]*store.PlanStep, len(actions))
	var prevID string
	for i, action := range actions {
		st := &store.PlanStep{
			ID: fmt.Sprintf("step-%d", i), StepOrder: i, ActionType: action,
			ActionPayload: map[string]any{"n": i}, Optional: optional[i],
		}
		if prevID != "" {
			st.Dependencies = []string{prevID}
		}
		prevID = st.ID
		steps[i] = st
	}
	if err := s.CreatePlan(context.Background(), p, steps); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

func TestLinearPlanCompletesInOneTick(t *testing.T) {
	e, s, runner := fixture(t)
	ctx := context.Background()
	now := time.Now()

	p := makePlan(t, s, []string{"fetch", "summarize"}, nil, now)

	ran, err := e.Tick(ctx, now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if ran != 2 {
		t.Fatalf("ran = %d, want 2", ran)
	}
	if runner.calls["fetch"] != 1 || runner.calls["summarize"] != 1 {
		t.Errorf("calls = %v", runner.calls)
	}

	got, err := s.GetPlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if got.Status != store.PlanCompleted || got.CompletedSteps != 2 {
		t.Errorf("plan = %s %d/%d", got.Status, got.CompletedSteps, got.TotalSteps)
	}
}

func TestRequiredFailureBlocksDependents(t *testing.T) {
	e, s, runner := fixture(t)
	ctx := context.Background()
	now := time.Now()

	p := makePlan(t, s, []string{"fetch", "summarize"}, nil, now)
	runner.failures["fetch"] = 100 // never succeeds

	for i := 0; i < 5; i++ {
		if _, err := e.Tick(ctx, now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	if runner.calls["fetch"] != 3 {
		t.Errorf("fetch attempts = %d, want max_retries of 3", runner.calls["fetch"])
	}
	if runner.calls["summarize"] != 0 {
		t.Error("dependent step must not run after a required failure")
	}
	got, _ := s.GetPlan(ctx, p.ID)
	if got.Status != store.PlanFailed {
		t.Errorf("plan status = %s, want failed", got.Status)
	}
}

func TestOptionalFailureSkipsAndContinues(t *testing.T) {
	e, s, runner := fixture(t)
	ctx := context.Background()
	now := time.Now()

	p := makePlan(t, s, []string{"enrich", "notify"}, map[int]bool{0: true}, now)
	runner.failures["enrich"] = 100

	for i := 0; i < 5; i++ {
		if _, err := e.Tick(ctx, now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	steps, _ := s.StepsForPlan(ctx, p.ID)
	if steps[0].Status != store.StepSkipped {
		t.Errorf("optional step status = %s, want skipped", steps[0].Status)
	}
	if steps[1].Status != store.StepCompleted {
		t.Errorf("dependent status = %s, want completed (skipped dep is settled)", steps[1].Status)
	}
	got, _ := s.GetPlan(ctx, p.ID)
	if got.Status != store.PlanCompleted || got.CompletedSteps != 2 {
		t.Errorf("plan = %s %d/%d", got.Status, got.CompletedSteps, got.TotalSteps)
	}
}

func TestTransientFailureRetries(t *testing.T) {
	e, s, runner := fixture(t)
	ctx := context.Background()
	now := time.Now()

	p := makePlan(t, s, []string{"flaky"}, nil, now)
	runner.failures["flaky"] = 1

	if _, err := e.Tick(ctx, now); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if _, err := e.Tick(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	steps, _ := s.StepsForPlan(ctx, p.ID)
	if steps[0].Status != store.StepCompleted || steps[0].RetryCount != 1 {
		t.Errorf("step = %s retries=%d, want completed after one retry", steps[0].Status, steps[0].RetryCount)
	}
}

func TestPausedPlanDoesNotDispatch(t *testing.T) {
	e, s, runner := fixture(t)
	ctx := context.Background()
	now := time.Now()

	p := makePlan(t, s, []string{"fetch"}, nil, now)
	if err := e.Pause(ctx, p.ID, now); err != nil {
		t.Fatalf("pause: %v", err)
	}

	ran, err := e.Tick(ctx, now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if ran != 0 || runner.calls["fetch"] != 0 {
		t.Errorf("paused plan dispatched: ran=%d calls=%v", ran, runner.calls)
	}

	if err := e.Resume(ctx, p.ID, now); err != nil {
		t.Fatalf("resume: %v", err)
	}
	ran, err = e.Tick(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("tick after resume: %v", err)
	}
	if ran != 1 {
		t.Errorf("resumed plan ran %d steps, want 1", ran)
	}
}

func TestStepTimeoutCountsAsFailure(t *testing.T) {
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	runner := newFakeRunner()
	runner.block["slow"] = true

	cfg := config.Default().Planner
	cfg.StepTimeoutMS = 10
	e := New(s, runner, cfg)
	ctx := context.Background()
	now := time.Now()

	p := makePlan(t, s, []string{"slow"}, nil, now)

	for i := 0; i < 4; i++ {
		if _, err := e.Tick(ctx, now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	steps, _ := s.StepsForPlan(ctx, p.ID)
	if steps[0].Status != store.StepFailed {
		t.Errorf("step status = %s, want failed after timeouts", steps[0].Status)
	}
}

func TestStaleRunningStepReaped(t *testing.T) {
	e, s, _ := fixture(t)
	ctx := context.Background()
	now := time.Now()

	p := makePlan(t, s, []string{"orphan"}, nil, now)

	// Simulate a crash mid-step: persist the step as running long ago with
	// its retries already spent.
	steps, _ := s.StepsForPlan(ctx, p.ID)
	st := steps[0]
	st.Status = store.StepRunning
	st.StartedAt = now.Add(-2 * time.Hour)
	st.RetryCount = 2
	err := s.WithTx(ctx, func(tx *sql.Tx) error { return store.UpdateStepTx(tx, st, now) })
	if err != nil {
		t.Fatalf("seed running step: %v", err)
	}

	if _, err := e.Tick(ctx, now); err != nil {
		t.Fatalf("tick: %v", err)
	}
	steps, _ = s.StepsForPlan(ctx, p.ID)
	if steps[0].Status != store.StepFailed {
		t.Errorf("stale step status = %s, want failed", steps[0].Status)
	}
	got, _ := s.GetPlan(ctx, p.ID)
	if got.Status != store.PlanFailed {
		t.Errorf("plan status = %s, want failed", got.Status)
	}
}

package store

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStimulusDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	batch := []*Stimulus{
		{Type: StimulusTemporal, Content: "it is monday morning", Source: "temporal", CreatedAt: now},
		{Type: StimulusTemporal, Content: "it is monday morning", Source: "temporal", CreatedAt: now},
	}
	var inserted int
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = InsertStimuliTx(tx, batch)
		return err
	})
	if err != nil {
		t.Fatalf("insert stimuli: %v", err)
	}
	if inserted != 1 {
		t.Errorf("expected 1 inserted after in-batch dedup, got %d", inserted)
	}

	// Same content again in a later tick still dedups while un-acted.
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = InsertStimuliTx(tx, []*Stimulus{
			{Type: StimulusTemporal, Content: "it is monday morning", Source: "temporal", CreatedAt: now.Add(time.Minute)},
		})
		return err
	})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted != 0 {
		t.Errorf("expected dedup against un-acted row, got %d inserted", inserted)
	}

	// After the original is acted upon, the same content is a fresh stimulus.
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := MarkStimulusActedTx(tx, batch[0].ID); err != nil {
			return err
		}
		var err error
		inserted, err = InsertStimuliTx(tx, []*Stimulus{
			{Type: StimulusTemporal, Content: "it is monday morning", Source: "temporal", CreatedAt: now.Add(2 * time.Minute)},
		})
		return err
	})
	if err != nil {
		t.Fatalf("post-act insert: %v", err)
	}
	if inserted != 1 {
		t.Errorf("expected re-insert after acted_upon, got %d", inserted)
	}
}

func TestUnscoredStimuli(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	st := &Stimulus{Type: StimulusGoal, Content: "goal deadline near", Source: "goal", CreatedAt: now}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := InsertStimuliTx(tx, []*Stimulus{st})
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	unscored, err := s.UnscoredStimuli(ctx, 10)
	if err != nil {
		t.Fatalf("unscored query: %v", err)
	}
	if len(unscored) != 1 {
		t.Fatalf("expected 1 unscored stimulus, got %d", len(unscored))
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return UpdateStimulusSalienceTx(tx, st.ID, 0.7, map[string]float64{"novelty": 1}, nil)
	})
	if err != nil {
		t.Fatalf("update salience: %v", err)
	}
	unscored, err = s.UnscoredStimuli(ctx, 10)
	if err != nil {
		t.Fatalf("unscored query: %v", err)
	}
	if len(unscored) != 0 {
		t.Errorf("expected 0 unscored after scoring, got %d", len(unscored))
	}
}

func TestThoughtLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	parent := &Thought{
		Type:        ThoughtSystem1,
		Content:     "user seemed stressed this morning",
		Category:    "care_message",
		StimulusIDs: []string{"s1", "s2"},
		MotivationBreakdown: MotivationBreakdown{
			Relevance: 0.8, Urgency: 0.5, Impact: 0.6, Coherence: 0.7, Originality: 0.4,
		},
		CreatedAt: now,
	}
	parent.MotivationScore = parent.MotivationBreakdown.Score()

	err := s.WithTx(ctx, func(tx *sql.Tx) error { return InsertThoughtTx(tx, parent) })
	if err != nil {
		t.Fatalf("insert thought: %v", err)
	}

	match, err := s.ActiveThoughtForStimuli(ctx, []string{"s1", "s2"})
	if err != nil {
		t.Fatalf("active lookup: %v", err)
	}
	if match == nil || match.ID != parent.ID {
		t.Fatalf("expected matching active thought")
	}

	// Evolution: parent becomes evolved, child records lineage.
	child := &Thought{
		Type: ThoughtSystem2, Content: "checked in; stress tied to deadline",
		Category: "care_message", StimulusIDs: []string{"s1", "s2"},
		EvolvedFrom: parent.ID, MotivationScore: 0.75, CreatedAt: now.Add(time.Minute),
	}
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := MarkThoughtEvolvedTx(tx, parent.ID); err != nil {
			return err
		}
		return InsertThoughtTx(tx, child)
	})
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}

	got, err := s.GetThought(ctx, parent.ID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if got.Status != ThoughtEvolved {
		t.Errorf("parent status = %s, want evolved", got.Status)
	}

	// A non-active thought cannot evolve again.
	err = s.WithTx(ctx, func(tx *sql.Tx) error { return MarkThoughtEvolvedTx(tx, parent.ID) })
	if err == nil {
		t.Error("expected error evolving a non-active thought")
	}
}

func TestExpressibleThresholdBoundary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	exact := &Thought{Type: ThoughtSystem1, Content: "boundary", Category: "insight",
		MotivationScore: 0.6, CreatedAt: now}
	below := &Thought{Type: ThoughtSystem1, Content: "below", Category: "insight",
		MotivationScore: 0.59, CreatedAt: now}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := InsertThoughtTx(tx, exact); err != nil {
			return err
		}
		return InsertThoughtTx(tx, below)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.ExpressibleThoughts(ctx, 0.6)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != exact.ID {
		t.Errorf("score exactly at threshold must qualify; got %d rows", len(got))
	}
}

func TestExpressionDedupWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	attempt := &ExpressionAttempt{
		ThoughtID: "t1", Category: "insight", Channel: "messenger",
		MessageSent: "Your focus peaks around 10am", NormalizedContent: "your focus peaks around 10am",
		Success: true, CreatedAt: now,
	}
	err := s.WithTx(ctx, func(tx *sql.Tx) error { return InsertExpressionAttemptTx(tx, attempt) })
	if err != nil {
		t.Fatalf("insert attempt: %v", err)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		dup, err := HasRecentSuccessTx(tx, "your focus peaks around 10am", now.Add(-time.Hour))
		if err != nil {
			return err
		}
		if !dup {
			t.Error("expected duplicate inside window")
		}
		dup, err = HasRecentSuccessTx(tx, "your focus peaks around 10am", now.Add(time.Minute))
		if err != nil {
			return err
		}
		if dup {
			t.Error("expected no duplicate outside window")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("dedup checks: %v", err)
	}
}

func TestDailyCountExcludesQueue(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()
	dayStart := now.Add(-time.Hour)
	dayEnd := now.Add(23 * time.Hour)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, ch := range []string{"messenger", "ui_queue", "email"} {
			a := &ExpressionAttempt{ThoughtID: "t", Category: "reminder", Channel: ch,
				MessageSent: "m " + ch, NormalizedContent: "m " + ch, Success: true, CreatedAt: now}
			if err := InsertExpressionAttemptTx(tx, a); err != nil {
				return err
			}
		}
		n, err := CountSuccessfulTodayTx(tx, "reminder", dayStart, dayEnd)
		if err != nil {
			return err
		}
		if n != 2 {
			t.Errorf("daily count = %d, want 2 (ui_queue excluded)", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestConsolidationIdempotence(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	entry := func(ids []string) *ConsolidationEntry {
		return &ConsolidationEntry{
			SourceType: "thoughts", SourceCount: len(ids), TopicCluster: "sleep",
			Abstraction: "user sleeps poorly before deadlines", TargetType: "knowledge_node",
			Confidence: 0.8, SourceIDs: ids, CreatedAt: now,
		}
	}

	var first, second bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		first, err = InsertConsolidationTx(tx, entry([]string{"a", "b", "c"}))
		if err != nil {
			return err
		}
		// Same set, different order: must be ignored.
		second, err = InsertConsolidationTx(tx, entry([]string{"c", "a", "b"}))
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if !first {
		t.Error("first consolidation should insert")
	}
	if second {
		t.Error("order-permuted source set must be idempotent")
	}

	count, err := s.CountConsolidations(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("consolidation count = %d, want 1", count)
	}
}

func TestHashSourceSetOrderInsensitive(t *testing.T) {
	a := HashSourceSet([]string{"x", "y", "z"})
	b := HashSourceSet([]string{"z", "x", "y"})
	if a != b {
		t.Error("hash must be order-insensitive")
	}
	c := HashSourceSet([]string{"x", "y"})
	if a == c {
		t.Error("different sets must hash differently")
	}
}

func TestPlanDependencyValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	s1 := &PlanStep{ID: "step-1", StepOrder: 1, ActionType: "tool_call"}
	s2 := &PlanStep{ID: "step-2", StepOrder: 2, ActionType: "tool_call", Dependencies: []string{"step-1"}}
	bad := &PlanStep{ID: "step-3", StepOrder: 1, ActionType: "tool_call", Dependencies: []string{"step-2"}}

	err := s.CreatePlan(ctx, &Plan{Name: "bad", CreatedAt: now}, []*PlanStep{s1, s2, bad})
	if err == nil {
		t.Fatal("expected dependency-order validation error")
	}

	err = s.CreatePlan(ctx, &Plan{Name: "good", CreatedAt: now}, []*PlanStep{
		{ID: "a", StepOrder: 1, ActionType: "tool_call"},
		{ID: "b", StepOrder: 2, ActionType: "tool_call", Dependencies: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}
}

func TestPlanStepProgress(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	plan := &Plan{Name: "morning", CreatedAt: now}
	steps := []*PlanStep{
		{ID: "p1", StepOrder: 1, ActionType: "tool_call"},
		{ID: "p2", StepOrder: 2, ActionType: "tool_call", Dependencies: []string{"p1"}},
		{ID: "p3", StepOrder: 3, ActionType: "tool_call", Optional: true},
	}
	if err := s.CreatePlan(ctx, plan, steps); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	complete := func(st *PlanStep, status StepStatus) {
		st.Status = status
		st.CompletedAt = now
		if err := s.WithTx(ctx, func(tx *sql.Tx) error { return UpdateStepTx(tx, st, now) }); err != nil {
			t.Fatalf("update step %s: %v", st.ID, err)
		}
	}

	complete(steps[0], StepCompleted)
	got, err := s.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if got.CompletedSteps != 1 || got.Status != PlanActive {
		t.Errorf("after 1 step: completed=%d status=%s", got.CompletedSteps, got.Status)
	}

	// Skipped counts toward completion; optional failure does not fail the plan.
	complete(steps[1], StepCompleted)
	complete(steps[2], StepSkipped)
	got, _ = s.GetPlan(ctx, plan.ID)
	if got.CompletedSteps != 3 || got.Status != PlanCompleted {
		t.Errorf("final: completed=%d status=%s, want 3/completed", got.CompletedSteps, got.Status)
	}
}

func TestRequiredStepFailureFailsPlan(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	plan := &Plan{Name: "doomed", CreatedAt: now}
	steps := []*PlanStep{{ID: "r1", StepOrder: 1, ActionType: "tool_call"}}
	if err := s.CreatePlan(ctx, plan, steps); err != nil {
		t.Fatalf("create: %v", err)
	}
	steps[0].Status = StepFailed
	if err := s.WithTx(ctx, func(tx *sql.Tx) error { return UpdateStepTx(tx, steps[0], now) }); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.GetPlan(ctx, plan.ID)
	if got.Status != PlanFailed {
		t.Errorf("plan status = %s, want failed", got.Status)
	}
}

func TestCareStateExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	c := &CareState{
		Energy: 0.4, Stress: 0.7, Sleep: 0.5, Fatigue: 0.6, Wellbeing: 0.45,
		UserState: "working", ValidUntil: now.Add(30 * time.Minute), CreatedAt: now,
	}
	if err := s.InsertCareState(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.CurrentCareState(ctx, now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got == nil || got.UserState != "working" {
		t.Fatal("expected valid care state")
	}

	got, err = s.CurrentCareState(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got != nil {
		t.Error("expired snapshot must read as unknown state")
	}
}

func TestWeightChangeAudit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	w := &WeightChange{Knob: "express.threshold", OldValue: 0.6, NewValue: 0.63,
		Reason: "reward trend declining", CreatedAt: now}
	if err := s.ApplyWeightChange(ctx, w); err != nil {
		t.Fatalf("apply: %v", err)
	}

	tuned, err := s.TunedWeights(ctx)
	if err != nil {
		t.Fatalf("tuned: %v", err)
	}
	if tuned["express.threshold"] != 0.63 {
		t.Errorf("tuned value = %f, want 0.63", tuned["express.threshold"])
	}

	changes, err := s.WeightChangesSince(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 1 || changes[0].OldValue != 0.6 {
		t.Errorf("expected 1 audit row with old value, got %+v", changes)
	}
}

func TestToolCountersSurviveReregistration(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	d := &ToolDescriptor{Name: "send_message", Category: "communication", Enabled: true, CreatedAt: now}
	if err := s.UpsertToolDescriptor(ctx, d); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.RecordToolExecution(ctx, "send_message", map[string]any{"to": "user"}, true, "sent", 50*time.Millisecond, now); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordToolExecution(ctx, "send_message", nil, false, "timeout", time.Second, now); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Re-registration (restart) keeps the counters.
	d.CostTier = 2
	if err := s.UpsertToolDescriptor(ctx, d); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err := s.GetToolDescriptor(ctx, "send_message")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalExecutions != 2 || got.TotalSuccesses != 1 {
		t.Errorf("counters = %d/%d, want 2/1", got.TotalExecutions, got.TotalSuccesses)
	}
	if got.CostTier != 2 {
		t.Errorf("cost tier not refreshed")
	}
}

func TestPredictionVerificationIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	p := &Prediction{PredictionType: "temporal", PredictionText: "gym at 18:00",
		Confidence: 0.7, PredictedTime: now.Add(-time.Hour), BasedOnPattern: "pat1", CreatedAt: now.Add(-2 * time.Hour)}
	if err := s.InsertPrediction(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Duplicate forecast for the same pattern and time is ignored.
	if err := s.InsertPrediction(ctx, &Prediction{PredictionType: "temporal", PredictionText: "gym",
		Confidence: 0.7, PredictedTime: p.PredictedTime, BasedOnPattern: "pat1", CreatedAt: now}); err != nil {
		t.Fatalf("dup insert: %v", err)
	}

	due, err := s.DuePredictions(ctx, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}

	if err := s.MarkPredictionVerified(ctx, p.ID, true, now); err != nil {
		t.Fatalf("verify: %v", err)
	}
	// Second sweep must not flip the outcome.
	if err := s.MarkPredictionVerified(ctx, p.ID, false, now.Add(time.Minute)); err != nil {
		t.Fatalf("re-verify: %v", err)
	}
	due, _ = s.DuePredictions(ctx, now.Add(time.Hour))
	if len(due) != 0 {
		t.Errorf("verified prediction still due")
	}
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	if sim := Cosine(a, b); sim < 0.999 {
		t.Errorf("identical vectors sim = %f", sim)
	}
	c := []float32{0, 1, 0}
	if sim := Cosine(a, c); sim != 0 {
		t.Errorf("orthogonal vectors sim = %f", sim)
	}
	if sim := Cosine(a, []float32{1, 0}); sim != 0 {
		t.Errorf("mismatched dims sim = %f, want 0", sim)
	}
}

func TestNearestNeighbors(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := InsertStimuliTx(tx, []*Stimulus{
			{Type: StimulusGoal, Content: "close", Source: "a", Embedding: []float32{1, 0, 0}, CreatedAt: now},
			{Type: StimulusGoal, Content: "far", Source: "b", Embedding: []float32{0, 1, 0}, CreatedAt: now},
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := s.NearestNeighbors(ctx, "stimuli", []float32{0.9, 0.1, 0}, 1)
	if err != nil {
		t.Fatalf("knn: %v", err)
	}
	if len(got) != 1 || got[0].Content != "close" {
		t.Fatalf("knn returned %+v", got)
	}

	if _, err := s.NearestNeighbors(ctx, "plans", []float32{1}, 1); err == nil {
		t.Error("unsupported table must error")
	}
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreatePlan persists a plan and its steps in one transaction after
// validating the dependency DAG: every dependency must name a step of the
// same plan with strictly smaller step_order.
func (s *Store) CreatePlan(ctx context.Context, p *Plan, steps []*PlanStep) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = PlanPending
	}
	orderByID := make(map[string]int, len(steps))
	for _, st := range steps {
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		orderByID[st.ID] = st.StepOrder
	}
	for _, st := range steps {
		for _, dep := range st.Dependencies {
			depOrder, ok := orderByID[dep]
			if !ok {
				return fmt.Errorf("step %d depends on unknown step %s", st.StepOrder, dep)
			}
			if depOrder >= st.StepOrder {
				return fmt.Errorf("step %d depends on step order %d; dependencies must have smaller order", st.StepOrder, depOrder)
			}
		}
	}
	p.TotalSteps = len(steps)

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO plans (id, name, status, priority, total_steps, completed_steps, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			p.ID, p.Name, string(p.Status), p.Priority, p.TotalSteps,
			formatTime(p.CreatedAt), formatTime(p.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert plan: %w", err)
		}
		for _, st := range steps {
			st.PlanID = p.ID
			if st.Status == "" {
				st.Status = StepPending
			}
			_, err := tx.Exec(
				`INSERT INTO plan_steps (id, plan_id, step_order, action_type, action_payload,
				 dependencies, optional, status, result_data, retry_count, started_at, completed_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL)`,
				st.ID, st.PlanID, st.StepOrder, st.ActionType, marshalJSON(st.ActionPayload),
				marshalJSON(st.Dependencies), st.Optional, string(st.Status), marshalJSON(st.ResultData),
			)
			if err != nil {
				return fmt.Errorf("insert plan step: %w", err)
			}
		}
		return nil
	})
}

// ActivePlans returns plans eligible for execution, highest priority first.
func (s *Store) ActivePlans(ctx context.Context) ([]*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, priority, total_steps, completed_steps, created_at, updated_at
		 FROM plans WHERE status IN ('pending', 'active') ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query active plans: %w", err)
	}
	defer rows.Close()
	return scanPlans(rows)
}

// GetPlan fetches one plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, priority, total_steps, completed_steps, created_at, updated_at
		 FROM plans WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanPlans(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, sql.ErrNoRows
	}
	return all[0], nil
}

// StepsForPlan returns all steps of a plan in step order.
func (s *Store) StepsForPlan(ctx context.Context, planID string) ([]*PlanStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_id, step_order, action_type, action_payload, dependencies,
		 optional, status, result_data, retry_count, started_at, completed_at
		 FROM plan_steps WHERE plan_id = ? ORDER BY step_order ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("query plan steps: %w", err)
	}
	defer rows.Close()

	var out []*PlanStep
	for rows.Next() {
		var st PlanStep
		var payload, deps, result, status string
		var started, completed sql.NullString
		if err := rows.Scan(&st.ID, &st.PlanID, &st.StepOrder, &st.ActionType, &payload,
			&deps, &st.Optional, &status, &result, &st.RetryCount, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan plan step: %w", err)
		}
		st.ActionPayload = unmarshalMap(payload)
		st.Dependencies = unmarshalStrings(deps)
		st.Status = StepStatus(status)
		st.ResultData = unmarshalMap(result)
		st.StartedAt = parseTime(started.String)
		st.CompletedAt = parseTime(completed.String)
		out = append(out, &st)
	}
	return out, rows.Err()
}

// UpdateStepTx transitions a step and keeps the parent plan's counters and
// status consistent inside the same transaction.
func UpdateStepTx(tx *sql.Tx, st *PlanStep, now time.Time) error {
	_, err := tx.Exec(
		`UPDATE plan_steps SET status = ?, result_data = ?, retry_count = ?,
		 started_at = ?, completed_at = ? WHERE id = ?`,
		string(st.Status), marshalJSON(st.ResultData), st.RetryCount,
		formatTime(st.StartedAt), formatTime(st.CompletedAt), st.ID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}

	// completed_steps counts steps that are completed or skipped.
	var done, total int
	if err := tx.QueryRow(
		`SELECT COUNT(CASE WHEN status IN ('completed','skipped') THEN 1 END), COUNT(*)
		 FROM plan_steps WHERE plan_id = ?`, st.PlanID,
	).Scan(&done, &total); err != nil {
		return fmt.Errorf("count plan steps: %w", err)
	}

	var failed int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM plan_steps WHERE plan_id = ? AND status = 'failed' AND optional = FALSE`,
		st.PlanID,
	).Scan(&failed); err != nil {
		return fmt.Errorf("count failed steps: %w", err)
	}

	status := PlanActive
	switch {
	case failed > 0:
		status = PlanFailed
	case done == total:
		status = PlanCompleted
	}
	_, err = tx.Exec(
		`UPDATE plans SET completed_steps = ?, status = CASE WHEN status = 'paused' THEN status ELSE ? END,
		 updated_at = ? WHERE id = ?`,
		done, string(status), formatTime(now), st.PlanID,
	)
	if err != nil {
		return fmt.Errorf("update plan progress: %w", err)
	}
	return nil
}

// SetPlanStatus pauses, resumes, or otherwise moves a plan.
func (s *Store) SetPlanStatus(ctx context.Context, planID string, status PlanStatus, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(now), planID)
	if err != nil {
		return fmt.Errorf("set plan status: %w", err)
	}
	return nil
}

func scanPlans(rows *sql.Rows) ([]*Plan, error) {
	var out []*Plan
	for rows.Next() {
		var p Plan
		var status, created, updated string
		if err := rows.Scan(&p.ID, &p.Name, &status, &p.Priority, &p.TotalSteps,
			&p.CompletedSteps, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		p.Status = PlanStatus(status)
		p.CreatedAt = parseTime(created)
		p.UpdatedAt = parseTime(updated)
		out = append(out, &p)
	}
	return out, rows.Err()
}

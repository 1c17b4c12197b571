package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertToolDescriptor registers or refreshes a tool's persisted row.
// Execution counters survive re-registration.
func (s *Store) UpsertToolDescriptor(ctx context.Context, d *ToolDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_descriptors (name, category, parameters_schema,
		 requires_confirmation, cost_tier, enabled, total_executions, total_successes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
		 ON CONFLICT(name) DO UPDATE SET
		 category = excluded.category, parameters_schema = excluded.parameters_schema,
		 requires_confirmation = excluded.requires_confirmation,
		 cost_tier = excluded.cost_tier, enabled = excluded.enabled`,
		d.Name, d.Category, d.ParametersSchema, d.RequiresConfirmation,
		d.CostTier, d.Enabled, formatTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert tool descriptor: %w", err)
	}
	return nil
}

// GetToolDescriptor fetches one tool row by name.
func (s *Store) GetToolDescriptor(ctx context.Context, name string) (*ToolDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var d ToolDescriptor
	var schema sql.NullString
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, category, parameters_schema, requires_confirmation, cost_tier,
		 enabled, total_executions, total_successes, created_at
		 FROM tool_descriptors WHERE name = ?`, name,
	).Scan(&d.Name, &d.Category, &schema, &d.RequiresConfirmation, &d.CostTier,
		&d.Enabled, &d.TotalExecutions, &d.TotalSuccesses, &created)
	if err != nil {
		return nil, err
	}
	d.ParametersSchema = schema.String
	d.CreatedAt = parseTime(created)
	return &d, nil
}

// ListToolDescriptors returns all registered tools alphabetically.
func (s *Store) ListToolDescriptors(ctx context.Context) ([]*ToolDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, category, parameters_schema, requires_confirmation, cost_tier,
		 enabled, total_executions, total_successes, created_at
		 FROM tool_descriptors ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ToolDescriptor
	for rows.Next() {
		var d ToolDescriptor
		var schema sql.NullString
		var created string
		if err := rows.Scan(&d.Name, &d.Category, &schema, &d.RequiresConfirmation,
			&d.CostTier, &d.Enabled, &d.TotalExecutions, &d.TotalSuccesses, &created); err != nil {
			return nil, fmt.Errorf("scan tool descriptor: %w", err)
		}
		d.ParametersSchema = schema.String
		d.CreatedAt = parseTime(created)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// RecordToolExecution logs one execution and bumps the descriptor counters.
func (s *Store) RecordToolExecution(ctx context.Context, name string, params map[string]any, success bool, summary string, duration time.Duration, now time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO tool_executions (id, tool_name, params, success, result_summary, duration_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), name, marshalJSON(params), success, summary,
			duration.Milliseconds(), formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("insert tool execution: %w", err)
		}
		_, err = tx.Exec(
			`UPDATE tool_descriptors SET total_executions = total_executions + 1,
			 total_successes = total_successes + CASE WHEN ? THEN 1 ELSE 0 END
			 WHERE name = ?`,
			success, name,
		)
		if err != nil {
			return fmt.Errorf("bump tool counters: %w", err)
		}
		return nil
	})
}

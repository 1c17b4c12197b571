package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertCareState records a wellbeing snapshot with its validity interval.
func (s *Store) InsertCareState(ctx context.Context, c *CareState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO care_state (id, energy, stress, sleep, fatigue, wellbeing,
		 user_state, detection_context, valid_until, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Energy, c.Stress, c.Sleep, c.Fatigue, c.Wellbeing,
		c.UserState, c.DetectionContext, formatTime(c.ValidUntil), formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert care state: %w", err)
	}
	return nil
}

// CurrentCareState returns the newest snapshot still valid at now, or nil
// when the latest snapshot has expired (unknown user state).
func (s *Store) CurrentCareState(ctx context.Context, now time.Time) (*CareState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c CareState
	var validUntil, created sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, energy, stress, sleep, fatigue, wellbeing, user_state,
		 detection_context, valid_until, created_at
		 FROM care_state ORDER BY created_at DESC LIMIT 1`,
	).Scan(&c.ID, &c.Energy, &c.Stress, &c.Sleep, &c.Fatigue, &c.Wellbeing,
		&c.UserState, &c.DetectionContext, &validUntil, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query care state: %w", err)
	}
	c.ValidUntil = parseTime(validUntil.String)
	c.CreatedAt = parseTime(created.String)
	if !c.ValidUntil.IsZero() && now.After(c.ValidUntil) {
		return nil, nil
	}
	return &c, nil
}

// TunedWeights returns the persisted knob overrides applied by evolution.
func (s *Store) TunedWeights(ctx context.Context) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT knob, value FROM tuned_weights`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var knob string
		var value float64
		if err := rows.Scan(&knob, &value); err != nil {
			return nil, err
		}
		out[knob] = value
	}
	return out, rows.Err()
}

// ApplyWeightChange persists one bounded tuning step: the new knob value and
// its before/after audit row in a single transaction.
func (s *Store) ApplyWeightChange(ctx context.Context, w *WeightChange) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO tuned_weights (knob, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(knob) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			w.Knob, w.NewValue, formatTime(w.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert tuned weight: %w", err)
		}
		if w.ID == "" {
			w.ID = uuid.NewString()
		}
		_, err = tx.Exec(
			`INSERT INTO weight_changes (id, knob, old_value, new_value, reason, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			w.ID, w.Knob, w.OldValue, w.NewValue, w.Reason, formatTime(w.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert weight change: %w", err)
		}
		return nil
	})
}

// WeightChangesSince lists tuning audit rows, newest first.
func (s *Store) WeightChangesSince(ctx context.Context, since time.Time) ([]*WeightChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, knob, old_value, new_value, reason, created_at
		 FROM weight_changes WHERE created_at >= ? ORDER BY created_at DESC`,
		formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WeightChange
	for rows.Next() {
		var w WeightChange
		var reason sql.NullString
		var created string
		if err := rows.Scan(&w.ID, &w.Knob, &w.OldValue, &w.NewValue, &reason, &created); err != nil {
			return nil, err
		}
		w.Reason = reason.String
		w.CreatedAt = parseTime(created)
		out = append(out, &w)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertPattern persists a mined pattern once; re-mining the same structural
// key refreshes confidence and support instead of duplicating the row.
func (s *Store) UpsertPattern(ctx context.Context, p *Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patterns (id, family, structural_key, description, confidence,
		 support_count, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(structural_key) DO UPDATE SET
		 confidence = excluded.confidence, support_count = excluded.support_count,
		 description = excluded.description, detail = excluded.detail`,
		p.ID, p.Family, p.StructuralKey, p.Description, p.Confidence,
		p.SupportCount, marshalJSON(p.Detail), formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert pattern: %w", err)
	}
	// On conflict the row keeps its original id; hand that back to the caller.
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM patterns WHERE structural_key = ?`, p.StructuralKey).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("resolve pattern id: %w", err)
	}
	return nil
}

// GetPattern fetches a pattern by id.
func (s *Store) GetPattern(ctx context.Context, id string) (*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p Pattern
	var detail, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, family, structural_key, description, confidence, support_count, detail, created_at
		 FROM patterns WHERE id = ?`, id,
	).Scan(&p.ID, &p.Family, &p.StructuralKey, &p.Description, &p.Confidence,
		&p.SupportCount, &detail, &created)
	if err != nil {
		return nil, err
	}
	p.Detail = unmarshalMap(detail)
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// GetPatternByKey fetches a pattern by structural key.
func (s *Store) GetPatternByKey(ctx context.Context, key string) (*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p Pattern
	var detail, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, family, structural_key, description, confidence, support_count, detail, created_at
		 FROM patterns WHERE structural_key = ?`, key,
	).Scan(&p.ID, &p.Family, &p.StructuralKey, &p.Description, &p.Confidence,
		&p.SupportCount, &detail, &created)
	if err != nil {
		return nil, err
	}
	p.Detail = unmarshalMap(detail)
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// InsertPrediction persists a forecast derived from a pattern. Duplicate
// forecasts for the same pattern and predicted time are ignored.
func (s *Store) InsertPrediction(ctx context.Context, p *Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM predictions WHERE based_on_pattern = ? AND predicted_time = ?`,
		p.BasedOnPattern, formatTime(p.PredictedTime),
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO predictions (id, prediction_type, prediction_text, confidence,
		 predicted_time, based_on_pattern, verified, outcome_correct, verified_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, FALSE, NULL, NULL, ?)`,
		p.ID, p.PredictionType, p.PredictionText, p.Confidence,
		formatTime(p.PredictedTime), nullable(p.BasedOnPattern), formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	return nil
}

// DuePredictions returns unverified predictions whose predicted time has
// passed, for the verification sweep.
func (s *Store) DuePredictions(ctx context.Context, now time.Time) ([]*Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prediction_type, prediction_text, confidence, predicted_time,
		 based_on_pattern, verified, outcome_correct, verified_at, created_at
		 FROM predictions WHERE verified = FALSE AND predicted_time <= ?
		 ORDER BY predicted_time ASC`,
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query due predictions: %w", err)
	}
	defer rows.Close()
	return scanPredictions(rows)
}

// MarkPredictionVerified records the verification outcome.
func (s *Store) MarkPredictionVerified(ctx context.Context, id string, correct bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE predictions SET verified = TRUE, outcome_correct = ?, verified_at = ? WHERE id = ? AND verified = FALSE`,
		correct, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark prediction verified: %w", err)
	}
	return nil
}

// PredictionAccuracy reads the per-type accuracy view.
func (s *Store) PredictionAccuracy(ctx context.Context) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT prediction_type, accuracy FROM prediction_accuracy`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var typ string
		var acc float64
		if err := rows.Scan(&typ, &acc); err != nil {
			return nil, err
		}
		out[typ] = acc
	}
	return out, rows.Err()
}

func scanPredictions(rows *sql.Rows) ([]*Prediction, error) {
	var out []*Prediction
	for rows.Next() {
		var p Prediction
		var basedOn, verifiedAt, created sql.NullString
		var predicted string
		var correct sql.NullBool
		if err := rows.Scan(&p.ID, &p.PredictionType, &p.PredictionText, &p.Confidence,
			&predicted, &basedOn, &p.Verified, &correct, &verifiedAt, &created); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		p.PredictedTime = parseTime(predicted)
		p.BasedOnPattern = basedOn.String
		p.OutcomeCorrect = correct.Bool
		p.VerifiedAt = parseTime(verifiedAt.String)
		p.CreatedAt = parseTime(created.String)
		out = append(out, &p)
	}
	return out, rows.Err()
}

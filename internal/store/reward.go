package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertRewardSignal persists a combined reward for an expression attempt.
func (s *Store) InsertRewardSignal(ctx context.Context, r *RewardSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reward_signals (id, attempt_id, explicit_score, implicit_score,
		 self_eval_score, combined_reward, explicit_source, implicit_classification,
		 principles_evaluated, conversation_id, scored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AttemptID, nullFloat(r.ExplicitScore), nullFloat(r.ImplicitScore),
		nullFloat(r.SelfEvalScore), r.CombinedReward, nullable(r.ExplicitSource),
		nullable(r.ImplicitClassification), marshalJSON(r.PrinciplesEvaluated),
		nullable(r.ConversationID), formatTime(r.ScoredAt),
	)
	if err != nil {
		return fmt.Errorf("insert reward signal: %w", err)
	}
	return nil
}

// RewardsSince returns reward signals at or after the cutoff, oldest first.
func (s *Store) RewardsSince(ctx context.Context, since time.Time) ([]*RewardSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, attempt_id, explicit_score, implicit_score, self_eval_score,
		 combined_reward, explicit_source, implicit_classification, principles_evaluated,
		 conversation_id, scored_at
		 FROM reward_signals WHERE scored_at >= ? ORDER BY scored_at ASC`,
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query rewards: %w", err)
	}
	defer rows.Close()

	var out []*RewardSignal
	for rows.Next() {
		var r RewardSignal
		var explicitScore, implicitScore, selfEval sql.NullFloat64
		var source, class, principles, convID sql.NullString
		var scored string
		if err := rows.Scan(&r.ID, &r.AttemptID, &explicitScore, &implicitScore, &selfEval,
			&r.CombinedReward, &source, &class, &principles, &convID, &scored); err != nil {
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		r.ExplicitScore = floatPtr(explicitScore)
		r.ImplicitScore = floatPtr(implicitScore)
		r.SelfEvalScore = floatPtr(selfEval)
		r.ExplicitSource = source.String
		r.ImplicitClassification = class.String
		r.PrinciplesEvaluated = unmarshalStrings(principles.String)
		r.ConversationID = convID.String
		r.ScoredAt = parseTime(scored)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// RewardForAttempt returns the reward signal for one attempt if present.
func (s *Store) RewardForAttempt(ctx context.Context, attemptID string) (*RewardSignal, error) {
	all, err := s.RewardsSince(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.AttemptID == attemptID {
			return r, nil
		}
	}
	return nil, sql.ErrNoRows
}

// InsertPreferencePair records an observed correction.
func (s *Store) InsertPreferencePair(ctx context.Context, p *PreferencePair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preference_pairs (id, user_message, preferred_response,
		 rejected_response, preference_strength, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserMessage, p.PreferredResponse, p.RejectedResponse,
		p.PreferenceStrength, formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert preference pair: %w", err)
	}
	return nil
}

// PreferencePairs returns recorded corrections since the cutoff, oldest first.
func (s *Store) PreferencePairs(ctx context.Context, since time.Time) ([]*PreferencePair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_message, preferred_response, rejected_response,
		 preference_strength, created_at
		 FROM preference_pairs WHERE created_at >= ? ORDER BY created_at ASC`,
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query preference pairs: %w", err)
	}
	defer rows.Close()

	var out []*PreferencePair
	for rows.Next() {
		var p PreferencePair
		var created string
		if err := rows.Scan(&p.ID, &p.UserMessage, &p.PreferredResponse,
			&p.RejectedResponse, &p.PreferenceStrength, &created); err != nil {
			return nil, fmt.Errorf("scan preference pair: %w", err)
		}
		p.CreatedAt = parseTime(created)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

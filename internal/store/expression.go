package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertExpressionAttemptTx records one routing decision, successful or not.
func InsertExpressionAttemptTx(tx *sql.Tx, e *ExpressionAttempt) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SuppressReason == "" {
		e.SuppressReason = SuppressNone
	}
	if e.UserResponse == "" {
		e.UserResponse = "unknown"
	}
	_, err := tx.Exec(
		`INSERT INTO expression_attempts (id, thought_id, category, channel, message_sent,
		 normalized_content, success, suppress_reason, detected_user_state, motivation_score,
		 user_response, effectiveness_score, scored, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ThoughtID, e.Category, e.Channel, e.MessageSent, e.NormalizedContent,
		e.Success, string(e.SuppressReason), e.DetectedUserState, e.MotivationScore,
		e.UserResponse, e.EffectivenessScore, e.Scored, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert expression attempt: %w", err)
	}
	return nil
}

// HasRecentSuccessTx reports whether a successful attempt with the same
// normalized content exists inside the dedup window. Evaluated inside the
// emission transaction so the duplicate gate sees the same snapshot that the
// insert will extend.
func HasRecentSuccessTx(tx *sql.Tx, normalized string, since time.Time) (bool, error) {
	var count int
	err := tx.QueryRow(
		`SELECT COUNT(*) FROM expression_attempts
		 WHERE normalized_content = ? AND success = TRUE AND created_at >= ?`,
		normalized, formatTime(since),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return count > 0, nil
}

// CountSuccessfulTodayTx counts same-category successful external attempts on
// the given calendar day, for the daily-cap predicate.
func CountSuccessfulTodayTx(tx *sql.Tx, category string, dayStart, dayEnd time.Time) (int, error) {
	var count int
	err := tx.QueryRow(
		`SELECT COUNT(*) FROM expression_attempts
		 WHERE category = ? AND success = TRUE AND channel != 'ui_queue'
		 AND created_at >= ? AND created_at < ?`,
		category, formatTime(dayStart), formatTime(dayEnd),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("daily count lookup: %w", err)
	}
	return count, nil
}

// LastSuccessAtTx returns the time of the most recent successful external
// attempt for a category, or zero time when none exists.
func LastSuccessAtTx(tx *sql.Tx, category string) (time.Time, error) {
	var created sql.NullString
	err := tx.QueryRow(
		`SELECT MAX(created_at) FROM expression_attempts
		 WHERE category = ? AND success = TRUE AND channel != 'ui_queue'`,
		category,
	).Scan(&created)
	if err != nil {
		return time.Time{}, fmt.Errorf("last success lookup: %w", err)
	}
	return parseTime(created.String), nil
}

// SuccessfulAttemptForThought returns the successful attempt for a thought,
// used by invariant checks and the reward aggregator.
func (s *Store) SuccessfulAttemptForThought(ctx context.Context, thoughtID string) (*ExpressionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, attemptSelect+` WHERE thought_id = ? AND success = TRUE`, thoughtID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanAttempts(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, sql.ErrNoRows
	}
	return all[0], nil
}

// UnscoredAttempts returns successful attempts since the cutoff that have not
// yet received a reward signal.
func (s *Store) UnscoredAttempts(ctx context.Context, since time.Time) ([]*ExpressionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		attemptSelect+` WHERE success = TRUE AND scored = FALSE AND created_at >= ? ORDER BY created_at ASC`,
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query unscored attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// MarkAttemptScored flags an attempt once the reward aggregator has scored it.
func (s *Store) MarkAttemptScored(ctx context.Context, attemptID string, effectiveness float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE expression_attempts SET scored = TRUE, effectiveness_score = ? WHERE id = ?`,
		effectiveness, attemptID)
	if err != nil {
		return fmt.Errorf("mark attempt scored: %w", err)
	}
	return nil
}

// AttemptsForCategory lists successful attempts per category since a cutoff,
// used by the evolution trend analysis.
func (s *Store) AttemptsForCategory(ctx context.Context, category string, since time.Time) ([]*ExpressionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		attemptSelect+` WHERE category = ? AND created_at >= ? ORDER BY created_at ASC`,
		category, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

const attemptSelect = `SELECT id, thought_id, category, channel, message_sent,
 normalized_content, success, suppress_reason, detected_user_state, motivation_score,
 user_response, effectiveness_score, scored, created_at FROM expression_attempts`

func scanAttempts(rows *sql.Rows) ([]*ExpressionAttempt, error) {
	var out []*ExpressionAttempt
	for rows.Next() {
		var e ExpressionAttempt
		var reason, created string
		var msg, norm, state, resp sql.NullString
		var motivation, effectiveness sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.ThoughtID, &e.Category, &e.Channel, &msg, &norm,
			&e.Success, &reason, &state, &motivation, &resp, &effectiveness, &e.Scored, &created); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		e.MessageSent = msg.String
		e.NormalizedContent = norm.String
		e.SuppressReason = SuppressReason(reason)
		e.DetectedUserState = state.String
		e.MotivationScore = motivation.Float64
		e.UserResponse = resp.String
		e.EffectivenessScore = effectiveness.Float64
		e.CreatedAt = parseTime(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// InsertQueuedExpressionTx enqueues a message for the UI surface.
func InsertQueuedExpressionTx(tx *sql.Tx, q *QueuedExpression) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.Status == "" {
		q.Status = "pending"
	}
	if q.UserResponse == "" {
		q.UserResponse = "unknown"
	}
	_, err := tx.Exec(
		`INSERT INTO queued_expressions (id, thought_id, category, message, status,
		 shown_at, user_response, effectiveness_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.ThoughtID, q.Category, q.Message, q.Status,
		formatTime(q.ShownAt), q.UserResponse, q.EffectivenessScore, formatTime(q.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert queued expression: %w", err)
	}
	return nil
}

// ExpireQueued transitions pending queue entries older than the cutoff to
// expired, returning the number affected.
func (s *Store) ExpireQueued(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE queued_expressions SET status = 'expired' WHERE status = 'pending' AND created_at < ?`,
		formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("expire queued: %w", err)
	}
	return res.RowsAffected()
}

// PendingQueued returns pending UI queue entries oldest first.
func (s *Store) PendingQueued(ctx context.Context, limit int) ([]*QueuedExpression, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thought_id, category, message, status, shown_at, user_response,
		 effectiveness_score, created_at
		 FROM queued_expressions WHERE status = 'pending' ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*QueuedExpression
	for rows.Next() {
		var q QueuedExpression
		var shown, created sql.NullString
		var eff sql.NullFloat64
		if err := rows.Scan(&q.ID, &q.ThoughtID, &q.Category, &q.Message, &q.Status,
			&shown, &q.UserResponse, &eff, &created); err != nil {
			return nil, fmt.Errorf("scan queued expression: %w", err)
		}
		q.ShownAt = parseTime(shown.String)
		q.EffectivenessScore = eff.Float64
		q.CreatedAt = parseTime(created.String)
		out = append(out, &q)
	}
	return out, rows.Err()
}

// InsertCritiqueTx writes one self-critique evaluation. One row is written
// per evaluation regardless of outcome; the evolution loop reads them.
func InsertCritiqueTx(tx *sql.Tx, c *CritiqueEntry) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := tx.Exec(
		`INSERT INTO thought_critique_log (id, thought_id, verification_passed,
		 quality_score, uncertainty_level, principle_scores, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ThoughtID, c.VerificationPassed, c.QualityScore, c.UncertaintyLevel,
		marshalJSON(c.PrincipleScores), formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert critique: %w", err)
	}
	return nil
}

// CritiqueForThought returns the most recent critique row for a thought.
func (s *Store) CritiqueForThought(ctx context.Context, thoughtID string) (*CritiqueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c CritiqueEntry
	var scores, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thought_id, verification_passed, quality_score, uncertainty_level,
		 principle_scores, created_at
		 FROM thought_critique_log WHERE thought_id = ? ORDER BY created_at DESC LIMIT 1`,
		thoughtID,
	).Scan(&c.ID, &c.ThoughtID, &c.VerificationPassed, &c.QualityScore,
		&c.UncertaintyLevel, &scores, &created)
	if err != nil {
		return nil, err
	}
	c.PrincipleScores = unmarshalFloatMap(scores)
	c.CreatedAt = parseTime(created)
	return &c, nil
}

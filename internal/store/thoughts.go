package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertThoughtTx persists a new thought. The triggering stimuli must already
// be persisted in the same or an earlier transaction.
func InsertThoughtTx(tx *sql.Tx, t *Thought) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = ThoughtActive
	}
	_, err := tx.Exec(
		`INSERT INTO thoughts (id, type, content, category, stimulus_ids, memory_context,
		 motivation_score, motivation_breakdown, status, evolved_from,
		 expressed_via, expressed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Type), t.Content, t.Category, marshalJSON(t.StimulusIDs),
		marshalJSON(t.MemoryContext), t.MotivationScore, marshalJSON(t.MotivationBreakdown),
		string(t.Status), nullable(t.EvolvedFrom), nullable(t.ExpressedVia),
		formatTime(t.ExpressedAt), formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert thought: %w", err)
	}
	return nil
}

// MarkThoughtEvolvedTx transitions a parent thought to evolved when a
// higher-motivation refinement replaces it.
func MarkThoughtEvolvedTx(tx *sql.Tx, parentID string) error {
	res, err := tx.Exec(
		`UPDATE thoughts SET status = ? WHERE id = ? AND status = ?`,
		string(ThoughtEvolved), parentID, string(ThoughtActive),
	)
	if err != nil {
		return fmt.Errorf("mark thought evolved: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thought %s not active, cannot evolve", parentID)
	}
	return nil
}

// MarkThoughtExpressedTx transitions a thought to expressed after a
// successful attempt in the same transaction.
func MarkThoughtExpressedTx(tx *sql.Tx, id, channel string, at time.Time) error {
	_, err := tx.Exec(
		`UPDATE thoughts SET status = ?, expressed_via = ?, expressed_at = ? WHERE id = ?`,
		string(ThoughtExpressed), channel, formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("mark thought expressed: %w", err)
	}
	return nil
}

// DecayThoughtTx transitions one thought to decayed, used when the router
// decides a thought will never be worth emitting again.
func DecayThoughtTx(tx *sql.Tx, id string) error {
	_, err := tx.Exec(
		`UPDATE thoughts SET status = ? WHERE id = ? AND status = ?`,
		string(ThoughtDecayed), id, string(ThoughtActive))
	if err != nil {
		return fmt.Errorf("decay thought: %w", err)
	}
	return nil
}

// ExpressibleThoughts returns active thoughts at or above the motivation
// threshold, highest motivation first. Boundary: a score exactly equal to
// the threshold is included.
func (s *Store) ExpressibleThoughts(ctx context.Context, threshold float64) ([]*Thought, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, category, stimulus_ids, memory_context, motivation_score,
		 motivation_breakdown, status, evolved_from, expressed_via, expressed_at, created_at
		 FROM thoughts WHERE status = ? AND motivation_score >= ?
		 ORDER BY motivation_score DESC, created_at ASC`,
		string(ThoughtActive), threshold)
	if err != nil {
		return nil, fmt.Errorf("query expressible thoughts: %w", err)
	}
	defer rows.Close()
	return scanThoughts(rows)
}

// RecentThoughts returns the newest thoughts regardless of status, used for
// deliberation context and consolidation input.
func (s *Store) RecentThoughts(ctx context.Context, since time.Time, limit int) ([]*Thought, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, category, stimulus_ids, memory_context, motivation_score,
		 motivation_breakdown, status, evolved_from, expressed_via, expressed_at, created_at
		 FROM thoughts WHERE created_at >= ? ORDER BY created_at DESC LIMIT ?`,
		formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent thoughts: %w", err)
	}
	defer rows.Close()
	return scanThoughts(rows)
}

// ActiveThoughtForStimuli finds a still-active thought with the exact same
// stimulus id set, used for evolution matching.
func (s *Store) ActiveThoughtForStimuli(ctx context.Context, stimulusIDs []string) (*Thought, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, category, stimulus_ids, memory_context, motivation_score,
		 motivation_breakdown, status, evolved_from, expressed_via, expressed_at, created_at
		 FROM thoughts WHERE status = ? AND stimulus_ids = ?`,
		string(ThoughtActive), marshalJSON(stimulusIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanThoughts(rows)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// ActiveThoughtForStimuliTx is the in-transaction variant used by the
// thought engine's evolution check.
func ActiveThoughtForStimuliTx(tx *sql.Tx, stimulusIDs []string) (*Thought, error) {
	rows, err := tx.Query(
		`SELECT id, type, content, category, stimulus_ids, memory_context, motivation_score,
		 motivation_breakdown, status, evolved_from, expressed_via, expressed_at, created_at
		 FROM thoughts WHERE status = ? AND stimulus_ids = ?`,
		string(ThoughtActive), marshalJSON(stimulusIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanThoughts(rows)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// GetThought fetches one thought by id.
func (s *Store) GetThought(ctx context.Context, id string) (*Thought, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, category, stimulus_ids, memory_context, motivation_score,
		 motivation_breakdown, status, evolved_from, expressed_via, expressed_at, created_at
		 FROM thoughts WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanThoughts(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, sql.ErrNoRows
	}
	return all[0], nil
}

// DecayIdleThoughts transitions active thoughts older than the horizon to
// decayed and returns how many were affected.
func (s *Store) DecayIdleThoughts(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE thoughts SET status = ? WHERE status = ? AND created_at < ?`,
		string(ThoughtDecayed), string(ThoughtActive), formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("decay thoughts: %w", err)
	}
	return res.RowsAffected()
}

func scanThoughts(rows *sql.Rows) ([]*Thought, error) {
	var out []*Thought
	for rows.Next() {
		var t Thought
		var typ, stimJSON, memJSON, breakdownJSON, status string
		var evolvedFrom, expressedVia, expressedAt, created sql.NullString
		if err := rows.Scan(&t.ID, &typ, &t.Content, &t.Category, &stimJSON, &memJSON,
			&t.MotivationScore, &breakdownJSON, &status, &evolvedFrom,
			&expressedVia, &expressedAt, &created); err != nil {
			return nil, fmt.Errorf("scan thought: %w", err)
		}
		t.Type = ThoughtType(typ)
		t.StimulusIDs = unmarshalStrings(stimJSON)
		t.MemoryContext = unmarshalMap(memJSON)
		if breakdownJSON != "" {
			var mb MotivationBreakdown
			if err := unmarshalInto(breakdownJSON, &mb); err == nil {
				t.MotivationBreakdown = mb
			}
		}
		t.Status = ThoughtStatus(status)
		t.EvolvedFrom = evolvedFrom.String
		t.ExpressedVia = expressedVia.String
		t.ExpressedAt = parseTime(expressedAt.String)
		t.CreatedAt = parseTime(created.String)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

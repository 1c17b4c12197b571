package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"companion/internal/logging"
)

// InsertStimuliTx persists a batch of codelet output inside an open
// transaction. A stimulus whose (source, content_hash) matches an existing
// un-acted row is deduplicated to that row; the number of rows actually
// inserted is returned.
func InsertStimuliTx(tx *sql.Tx, stimuli []*Stimulus) (int, error) {
	inserted := 0
	for _, st := range stimuli {
		if st.ContentHash == "" {
			st.ContentHash = HashContent(st.Source, st.Content)
		}
		var existing string
		err := tx.QueryRow(
			`SELECT id FROM stimuli WHERE source = ? AND content_hash = ? AND acted_upon = FALSE LIMIT 1`,
			st.Source, st.ContentHash,
		).Scan(&existing)
		if err == nil {
			logging.Get(logging.CategoryStore).Debugf("stimulus deduplicated against %s", existing)
			continue
		}
		if err != sql.ErrNoRows {
			return inserted, fmt.Errorf("stimulus dedup lookup: %w", err)
		}

		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		var embJSON string
		if st.Embedding != nil {
			embJSON = marshalJSON(st.Embedding)
		}
		_, err = tx.Exec(
			`INSERT INTO stimuli (id, type, content, source, raw_data, content_hash, embedding,
			 salience_score, salience_breakdown, acted_upon, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, string(st.Type), st.Content, st.Source, marshalJSON(st.RawData),
			st.ContentHash, embJSON, st.SalienceScore, marshalJSON(st.SalienceBreakdown),
			st.ActedUpon, formatTime(st.CreatedAt),
		)
		if err != nil {
			return inserted, fmt.Errorf("insert stimulus: %w", err)
		}
		inserted++
	}
	return inserted, nil
}

// UpdateStimulusSalienceTx writes the score and breakdown computed by the
// salience scorer.
func UpdateStimulusSalienceTx(tx *sql.Tx, id string, score float64, breakdown map[string]float64, embedding []float32) error {
	var embJSON string
	if embedding != nil {
		embJSON = marshalJSON(embedding)
	}
	_, err := tx.Exec(
		`UPDATE stimuli SET salience_score = ?, salience_breakdown = ?,
		 embedding = CASE WHEN ? != '' THEN ? ELSE embedding END
		 WHERE id = ?`,
		score, marshalJSON(breakdown), embJSON, embJSON, id,
	)
	if err != nil {
		return fmt.Errorf("update stimulus salience: %w", err)
	}
	return nil
}

// MarkStimulusActedTx flips acted_upon once the thought engine has consumed
// (or explicitly filtered) the stimulus.
func MarkStimulusActedTx(tx *sql.Tx, id string) error {
	if _, err := tx.Exec(`UPDATE stimuli SET acted_upon = TRUE WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark stimulus acted: %w", err)
	}
	return nil
}

// InsertStimulusFilteredTx records that a stimulus was consumed without
// producing a thought, preserving the acted-upon invariant.
func InsertStimulusFilteredTx(tx *sql.Tx, stimulusID, reason string, now time.Time) error {
	_, err := tx.Exec(
		`INSERT INTO stimulus_filtered (id, stimulus_id, reason, created_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), stimulusID, reason, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert filtered record: %w", err)
	}
	return nil
}

// TopUnactedStimuli returns the K highest-salience stimuli not yet consumed.
func (s *Store) TopUnactedStimuli(ctx context.Context, k int) ([]*Stimulus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, source, raw_data, content_hash, embedding,
		 salience_score, salience_breakdown, acted_upon, created_at
		 FROM stimuli WHERE acted_upon = FALSE
		 ORDER BY salience_score DESC, created_at ASC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("query top stimuli: %w", err)
	}
	defer rows.Close()
	return scanStimuli(rows)
}

// UnscoredStimuli returns freshly inserted stimuli awaiting salience.
func (s *Store) UnscoredStimuli(ctx context.Context, limit int) ([]*Stimulus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, source, raw_data, content_hash, embedding,
		 salience_score, salience_breakdown, acted_upon, created_at
		 FROM stimuli WHERE acted_upon = FALSE AND (salience_breakdown IS NULL OR salience_breakdown = '')
		 ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unscored stimuli: %w", err)
	}
	defer rows.Close()
	return scanStimuli(rows)
}

// RecentStimuli returns stimuli created at or after the cutoff, used by the
// novelty dimension.
func (s *Store) RecentStimuli(ctx context.Context, since time.Time) ([]*Stimulus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, source, raw_data, content_hash, embedding,
		 salience_score, salience_breakdown, acted_upon, created_at
		 FROM stimuli WHERE created_at >= ? ORDER BY created_at DESC`,
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query recent stimuli: %w", err)
	}
	defer rows.Close()
	return scanStimuli(rows)
}

// GetStimulus fetches one stimulus by id.
func (s *Store) GetStimulus(ctx context.Context, id string) (*Stimulus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, source, raw_data, content_hash, embedding,
		 salience_score, salience_breakdown, acted_upon, created_at
		 FROM stimuli WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanStimuli(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, sql.ErrNoRows
	}
	return all[0], nil
}

func scanStimuli(rows *sql.Rows) ([]*Stimulus, error) {
	var out []*Stimulus
	for rows.Next() {
		var st Stimulus
		var typ, rawJSON, embJSON, breakdownJSON, created sql.NullString
		if err := rows.Scan(&st.ID, &typ, &st.Content, &st.Source, &rawJSON, &st.ContentHash,
			&embJSON, &st.SalienceScore, &breakdownJSON, &st.ActedUpon, &created); err != nil {
			return nil, fmt.Errorf("scan stimulus: %w", err)
		}
		st.Type = StimulusType(typ.String)
		st.RawData = unmarshalMap(rawJSON.String)
		st.Embedding = unmarshalVector(embJSON.String)
		st.SalienceBreakdown = unmarshalFloatMap(breakdownJSON.String)
		st.CreatedAt = parseTime(created.String)
		out = append(out, &st)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertReflectionTx persists a reflection produced by consolidation.
func InsertReflectionTx(tx *sql.Tx, r *Reflection) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.DepthLevel < 1 {
		r.DepthLevel = 1
	}
	if r.Status == "" {
		r.Status = "active"
	}
	var embJSON string
	if r.Embedding != nil {
		embJSON = marshalJSON(r.Embedding)
	}
	_, err := tx.Exec(
		`INSERT INTO reflections (id, type, content, trigger_summary, importance_sum,
		 source_thought_ids, source_emotion_ids, depth_level, parent_reflection_id,
		 status, integrated_into, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Type, r.Content, r.TriggerSummary, r.ImportanceSum,
		marshalJSON(r.SourceThoughtIDs), marshalJSON(r.SourceEmotionIDs),
		r.DepthLevel, nullable(r.ParentReflectionID), r.Status,
		nullable(r.IntegratedInto), embJSON, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert reflection: %w", err)
	}
	return nil
}

// MarkReflectionIntegratedTx folds a reflection into a deeper reflection or
// knowledge node inside a consolidation transaction.
func MarkReflectionIntegratedTx(tx *sql.Tx, reflectionID, targetID string) error {
	_, err := tx.Exec(
		`UPDATE reflections SET status = 'integrated', integrated_into = ? WHERE id = ?`,
		targetID, reflectionID)
	if err != nil {
		return fmt.Errorf("mark reflection integrated: %w", err)
	}
	return nil
}

// MarkReflectionIntegrated transitions a reflection once its content is
// absorbed into a knowledge node.
func (s *Store) MarkReflectionIntegrated(ctx context.Context, reflectionID, knowledgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE reflections SET status = 'integrated', integrated_into = ? WHERE id = ?`,
		knowledgeID, reflectionID)
	if err != nil {
		return fmt.Errorf("mark reflection integrated: %w", err)
	}
	return nil
}

// ActiveReflections returns active reflections, deepest last.
func (s *Store) ActiveReflections(ctx context.Context, limit int) ([]*Reflection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, trigger_summary, importance_sum, source_thought_ids,
		 source_emotion_ids, depth_level, parent_reflection_id, status, integrated_into,
		 embedding, created_at
		 FROM reflections WHERE status = 'active' ORDER BY depth_level ASC, created_at ASC LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Reflection
	for rows.Next() {
		var r Reflection
		var trigger, thoughtIDs, emotionIDs, parent, integrated, emb, created sql.NullString
		if err := rows.Scan(&r.ID, &r.Type, &r.Content, &trigger, &r.ImportanceSum,
			&thoughtIDs, &emotionIDs, &r.DepthLevel, &parent, &r.Status,
			&integrated, &emb, &created); err != nil {
			return nil, fmt.Errorf("scan reflection: %w", err)
		}
		r.TriggerSummary = trigger.String
		r.SourceThoughtIDs = unmarshalStrings(thoughtIDs.String)
		r.SourceEmotionIDs = unmarshalStrings(emotionIDs.String)
		r.ParentReflectionID = parent.String
		r.IntegratedInto = integrated.String
		r.Embedding = unmarshalVector(emb.String)
		r.CreatedAt = parseTime(created.String)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// InsertConsolidationTx writes one cluster abstraction. Returns false without
// error when an entry for the same source set already exists; consolidation
// is idempotent per source set.
func InsertConsolidationTx(tx *sql.Tx, e *ConsolidationEntry) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SourceSetHash == "" {
		e.SourceSetHash = HashSourceSet(e.SourceIDs)
	}
	res, err := tx.Exec(
		`INSERT OR IGNORE INTO consolidation_log (id, source_type, source_count,
		 topic_cluster, abstraction, target_type, target_id, confidence, source_ids,
		 source_set_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SourceType, e.SourceCount, e.TopicCluster, e.Abstraction,
		e.TargetType, nullable(e.TargetID), e.Confidence, marshalJSON(e.SourceIDs),
		e.SourceSetHash, formatTime(e.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert consolidation entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasConsolidationForSourceSet reports whether a source set was already
// consolidated.
func (s *Store) HasConsolidationForSourceSet(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM consolidation_log WHERE source_set_hash = ?`, hash,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountConsolidations returns total consolidation entries, used by tests.
func (s *Store) CountConsolidations(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM consolidation_log`).Scan(&count)
	return count, err
}

// UpsertKnowledgeNodeTx creates or refreshes a semantic knowledge row and
// returns its id.
func UpsertKnowledgeNodeTx(tx *sql.Tx, id, content string, confidence float64, embedding []float32, now time.Time) (string, error) {
	if id == "" {
		id = uuid.NewString()
		var embJSON string
		if embedding != nil {
			embJSON = marshalJSON(embedding)
		}
		_, err := tx.Exec(
			`INSERT INTO knowledge_nodes (id, content, confidence, embedding, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, content, confidence, embJSON, formatTime(now), formatTime(now),
		)
		if err != nil {
			return "", fmt.Errorf("insert knowledge node: %w", err)
		}
		return id, nil
	}
	_, err := tx.Exec(
		`UPDATE knowledge_nodes SET content = ?, confidence = ?, updated_at = ? WHERE id = ?`,
		content, confidence, formatTime(now), id,
	)
	if err != nil {
		return "", fmt.Errorf("update knowledge node: %w", err)
	}
	return id, nil
}

// NearestKnowledgeNode returns the id of the most similar existing knowledge
// node above the threshold, or "" when none matches.
func (s *Store) NearestKnowledgeNode(ctx context.Context, embedding []float32, threshold float64) (string, error) {
	if embedding == nil {
		return "", nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM knowledge_nodes WHERE embedding != ''`)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	bestID := ""
	bestSim := threshold
	for rows.Next() {
		var id, embJSON string
		if err := rows.Scan(&id, &embJSON); err != nil {
			continue
		}
		vec := unmarshalVector(embJSON)
		if vec == nil {
			continue
		}
		sim := cosine(embedding, vec)
		if sim >= bestSim {
			bestSim = sim
			bestID = id
		}
	}
	return bestID, rows.Err()
}

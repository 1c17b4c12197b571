package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// The episodic tables are written by external adapters (messenger bridge,
// session logger, emotion tracker, calendar sync). The runtime itself only
// reads them, except for test seeding helpers below.

// RecentConversations returns conversation turns since the cutoff, oldest
// first, for consolidation and reward analysis.
func (s *Store) RecentConversations(ctx context.Context, since time.Time) ([]*ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, embedding, created_at
		 FROM conversations WHERE created_at >= ? ORDER BY created_at ASC`,
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []*ConversationTurn
	for rows.Next() {
		var c ConversationTurn
		var emb sql.NullString
		var created string
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.Role, &c.Content, &emb, &created); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Embedding = unmarshalVector(emb.String)
		c.CreatedAt = parseTime(created)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// TurnsAfter returns turns in one conversation after a point in time, used
// by the reward aggregator to find replies to an expression.
func (s *Store) TurnsAfter(ctx context.Context, conversationID string, after time.Time, limit int) ([]*ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, embedding, created_at
		 FROM conversations WHERE conversation_id = ? AND created_at > ?
		 ORDER BY created_at ASC LIMIT ?`,
		conversationID, formatTime(after), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ConversationTurn
	for rows.Next() {
		var c ConversationTurn
		var emb sql.NullString
		var created string
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.Role, &c.Content, &emb, &created); err != nil {
			return nil, err
		}
		c.Embedding = unmarshalVector(emb.String)
		c.CreatedAt = parseTime(created)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// InsertConversationTurn seeds an episodic turn (adapter surface and tests).
func (s *Store) InsertConversationTurn(ctx context.Context, c *ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var emb string
	if c.Embedding != nil {
		emb = marshalJSON(c.Embedding)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, conversation_id, role, content, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.ConversationID, c.Role, c.Content, emb, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert conversation turn: %w", err)
	}
	return nil
}

// RecentEmotions returns emotion log rows since the cutoff, oldest first.
func (s *Store) RecentEmotions(ctx context.Context, since time.Time) ([]*EmotionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, emotion, intensity, context, created_at
		 FROM emotions WHERE created_at >= ? ORDER BY created_at ASC`,
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query emotions: %w", err)
	}
	defer rows.Close()

	var out []*EmotionEntry
	for rows.Next() {
		var e EmotionEntry
		var contextStr sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.Emotion, &e.Intensity, &contextStr, &created); err != nil {
			return nil, fmt.Errorf("scan emotion: %w", err)
		}
		e.Context = contextStr.String
		e.CreatedAt = parseTime(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// InsertEmotion seeds an emotion row (adapter surface and tests).
func (s *Store) InsertEmotion(ctx context.Context, e *EmotionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO emotions (id, emotion, intensity, context, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Emotion, e.Intensity, e.Context, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert emotion: %w", err)
	}
	return nil
}

// UpcomingCalendarEvents returns events starting inside [from, to).
func (s *Store) UpcomingCalendarEvents(ctx context.Context, from, to time.Time) ([]*CalendarEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, starts_at, ends_at, location, recurring_annual, created_at
		 FROM calendar_events WHERE starts_at >= ? AND starts_at < ? ORDER BY starts_at ASC`,
		formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}
	defer rows.Close()
	return scanCalendar(rows)
}

// AnnualEvents returns recurring annual events, for the anniversary codelet.
func (s *Store) AnnualEvents(ctx context.Context) ([]*CalendarEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, starts_at, ends_at, location, recurring_annual, created_at
		 FROM calendar_events WHERE recurring_annual = TRUE ORDER BY starts_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCalendar(rows)
}

// InsertCalendarEvent seeds a calendar row (adapter surface and tests).
func (s *Store) InsertCalendarEvent(ctx context.Context, e *CalendarEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_events (id, title, starts_at, ends_at, location, recurring_annual, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Title, formatTime(e.StartsAt), formatTime(e.EndsAt), e.Location,
		e.RecurringAnnual, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert calendar event: %w", err)
	}
	return nil
}

// ActiveGoals returns goals with status active, highest priority first.
func (s *Store) ActiveGoals(ctx context.Context) ([]*Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, status, priority, deadline, created_at
		 FROM goals WHERE status = 'active' ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()

	var out []*Goal
	for rows.Next() {
		var g Goal
		var deadline sql.NullString
		var created string
		if err := rows.Scan(&g.ID, &g.Title, &g.Status, &g.Priority, &deadline, &created); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		g.Deadline = parseTime(deadline.String)
		g.CreatedAt = parseTime(created)
		out = append(out, &g)
	}
	return out, rows.Err()
}

// InsertGoal seeds a goal row (adapter surface and tests).
func (s *Store) InsertGoal(ctx context.Context, g *Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = "active"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO goals (id, title, status, priority, deadline, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.Title, g.Status, g.Priority, formatTime(g.Deadline), formatTime(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

func scanCalendar(rows *sql.Rows) ([]*CalendarEvent, error) {
	var out []*CalendarEvent
	for rows.Next() {
		var e CalendarEvent
		var ends, location sql.NullString
		var starts, created string
		if err := rows.Scan(&e.ID, &e.Title, &starts, &ends, &location, &e.RecurringAnnual, &created); err != nil {
			return nil, fmt.Errorf("scan calendar event: %w", err)
		}
		e.StartsAt = parseTime(starts)
		e.EndsAt = parseTime(ends.String)
		e.Location = location.String
		e.CreatedAt = parseTime(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

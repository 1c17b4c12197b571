package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"companion/internal/embedding"
	"companion/internal/express"
	"companion/internal/store"
)

// RegisterBuiltins wires the standard tool set. Channels is the express
// channel table used by send_message; engine may be a disabled embedder.
func RegisterBuiltins(ctx context.Context, r *Registry, st *store.Store, engine embedding.Engine, channels map[string]express.Channel, now time.Time) error {
	builtins := []*Tool{
		{
			Name:     "record_emotion",
			Category: "memory",
			ParametersSchema: `{
				"type": "object",
				"required": ["emotion", "intensity"],
				"properties": {
					"emotion": {"type": "string", "minLength": 1},
					"intensity": {"type": "number", "minimum": 0, "maximum": 1},
					"context": {"type": "string"}
				},
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
				e := &store.EmotionEntry{
					Emotion:   params["emotion"].(string),
					Intensity: params["intensity"].(float64),
					CreatedAt: time.Now(),
				}
				if c, ok := params["context"].(string); ok {
					e.Context = c
				}
				if err := st.InsertEmotion(ctx, e); err != nil {
					return nil, err
				}
				return map[string]any{"id": e.ID}, nil
			},
		},
		{
			Name:                 "add_calendar_event",
			Category:             "calendar",
			RequiresConfirmation: true,
			ParametersSchema: `{
				"type": "object",
				"required": ["title", "starts_at"],
				"properties": {
					"title": {"type": "string", "minLength": 1},
					"starts_at": {"type": "string"},
					"location": {"type": "string"},
					"recurring_annual": {"type": "boolean"}
				},
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
				starts, err := time.Parse(time.RFC3339, params["starts_at"].(string))
				if err != nil {
					return nil, fmt.Errorf("starts_at: %w", err)
				}
				e := &store.CalendarEvent{
					Title:     params["title"].(string),
					StartsAt:  starts,
					CreatedAt: time.Now(),
				}
				if loc, ok := params["location"].(string); ok {
					e.Location = loc
				}
				if annual, ok := params["recurring_annual"].(bool); ok {
					e.RecurringAnnual = annual
				}
				if err := st.InsertCalendarEvent(ctx, e); err != nil {
					return nil, err
				}
				return map[string]any{"id": e.ID}, nil
			},
		},
		{
			Name:     "query_memory",
			Category: "memory",
			CostTier: "cheap",
			ParametersSchema: `{
				"type": "object",
				"required": ["query"],
				"properties": {
					"query": {"type": "string", "minLength": 1},
					"limit": {"type": "number", "minimum": 1, "maximum": 20}
				},
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
				limit := 5
				if l, ok := params["limit"].(float64); ok {
					limit = int(l)
				}
				vec, err := engine.Embed(ctx, params["query"].(string))
				if errors.Is(err, embedding.ErrDisabled) {
					return recentMemory(ctx, st, limit)
				}
				if err != nil {
					return nil, err
				}
				neighbors, err := st.NearestNeighbors(ctx, "conversations", vec, limit)
				if err != nil {
					return nil, err
				}
				matches := make([]map[string]any, 0, len(neighbors))
				for _, n := range neighbors {
					matches = append(matches, map[string]any{
						"content": n.Content, "similarity": n.Similarity,
					})
				}
				return map[string]any{"matches": matches}, nil
			},
		},
		{
			Name:                 "send_message",
			Category:             "expression",
			RequiresConfirmation: true,
			CostTier:             "cheap",
			ParametersSchema: `{
				"type": "object",
				"required": ["channel", "content"],
				"properties": {
					"channel": {"type": "string", "minLength": 1},
					"content": {"type": "string", "minLength": 1},
					"category": {"type": "string"}
				},
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
				name := params["channel"].(string)
				ch, ok := channels[name]
				if !ok {
					return nil, fmt.Errorf("no channel named %s", name)
				}
				msg := &express.Message{Content: params["content"].(string)}
				if cat, ok := params["category"].(string); ok {
					msg.Category = cat
				}
				if err := ch.Deliver(ctx, msg); err != nil {
					return nil, err
				}
				return map[string]any{"delivered": true, "channel": name}, nil
			},
		},
	}

	for _, t := range builtins {
		if err := r.Register(ctx, t, now); err != nil {
			return err
		}
	}
	return nil
}

func recentMemory(ctx context.Context, st *store.Store, limit int) (map[string]any, error) {
	thoughts, err := st.RecentThoughts(ctx, time.Now().Add(-7*24*time.Hour), limit)
	if err != nil {
		return nil, err
	}
	matches := make([]map[string]any, 0, len(thoughts))
	for _, t := range thoughts {
		matches = append(matches, map[string]any{"content": t.Content})
	}
	return map[string]any{"matches": matches}, nil
}

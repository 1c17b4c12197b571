package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"companion/internal/embedding"
	"companion/internal/express"
	"companion/internal/store"
)

type fakeChannel struct {
	name     string
	messages []*express.Message
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Deliver(ctx context.Context, msg *express.Message) error {
	f.messages = append(f.messages, msg)
	return nil
}

func fixture(t *testing.T) (*Registry, *store.Store, *fakeChannel) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ch := &fakeChannel{name: "messenger"}
	r := NewRegistry(s)
	err = RegisterBuiltins(context.Background(), r, s, embedding.Disabled{}, map[string]express.Channel{"messenger": ch}, time.Now())
	if err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return r, s, ch
}

func TestBuiltinsRegistered(t *testing.T) {
	r, s, _ := fixture(t)
	want := []string{"add_calendar_event", "query_memory", "record_emotion", "send_message"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("names = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("names[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	descs, err := s.ListToolDescriptors(context.Background())
	if err != nil || len(descs) != 4 {
		t.Errorf("descriptors = %d (%v)", len(descs), err)
	}
}

func TestSchemaRejectsBadParams(t *testing.T) {
	r, _, _ := fixture(t)
	ctx := context.Background()
	now := time.Now()

	_, err := r.Execute(ctx, "record_emotion", map[string]any{"emotion": "joy"}, now)
	if err == nil {
		t.Error("missing required intensity must fail validation")
	}
	_, err = r.Execute(ctx, "record_emotion", map[string]any{"emotion": "joy", "intensity": 1.5}, now)
	if err == nil {
		t.Error("out-of-range intensity must fail validation")
	}
	_, err = r.Execute(ctx, "record_emotion", map[string]any{"emotion": "joy", "intensity": 0.8}, now)
	if err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
}

func TestExecutionRecorded(t *testing.T) {
	r, s, _ := fixture(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := r.Execute(ctx, "record_emotion", map[string]any{"emotion": "joy", "intensity": 0.8}, now); err != nil {
		t.Fatalf("execute: %v", err)
	}

	d, err := s.GetToolDescriptor(ctx, "record_emotion")
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	if d.TotalExecutions != 1 || d.TotalSuccesses != 1 {
		t.Errorf("counters = %d/%d, want 1/1", d.TotalSuccesses, d.TotalExecutions)
	}
}

func TestConfirmationHandshake(t *testing.T) {
	r, s, _ := fixture(t)
	ctx := context.Background()
	now := time.Now()

	params := map[string]any{"title": "dentist", "starts_at": "2026-09-01T10:00:00Z"}
	res, err := r.Execute(ctx, "add_calendar_event", params, now)
	if !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("err = %v, want confirmation required", err)
	}
	if res.ConfirmationToken == "" {
		t.Fatal("no confirmation token issued")
	}

	// Nothing ran yet.
	events, _ := s.UpcomingCalendarEvents(ctx, now, now.AddDate(1, 0, 0))
	if len(events) != 0 {
		t.Fatal("gated tool ran before confirmation")
	}

	if _, err := r.Confirm(ctx, res.ConfirmationToken, now.Add(time.Minute)); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	events, _ = s.UpcomingCalendarEvents(ctx, now, now.AddDate(1, 0, 0))
	if len(events) != 1 || events[0].Title != "dentist" {
		t.Fatalf("events = %+v", events)
	}

	// Tokens are single use.
	if _, err := r.Confirm(ctx, res.ConfirmationToken, now.Add(2*time.Minute)); !errors.Is(err, ErrBadToken) {
		t.Errorf("reused token err = %v, want bad token", err)
	}
}

func TestConfirmationTokenExpires(t *testing.T) {
	r, _, _ := fixture(t)
	ctx := context.Background()
	now := time.Now()

	res, err := r.Execute(ctx, "add_calendar_event",
		map[string]any{"title": "x", "starts_at": "2026-09-01T10:00:00Z"}, now)
	if !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("err = %v", err)
	}
	if _, err := r.Confirm(ctx, res.ConfirmationToken, now.Add(11*time.Minute)); !errors.Is(err, ErrBadToken) {
		t.Errorf("expired token err = %v, want bad token", err)
	}
}

func TestUnknownAndDisabledTools(t *testing.T) {
	r, _, _ := fixture(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := r.Execute(ctx, "nonexistent", nil, now); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("unknown tool err = %v", err)
	}

	r.SetEnabled("record_emotion", false)
	_, err := r.Execute(ctx, "record_emotion", map[string]any{"emotion": "joy", "intensity": 0.5}, now)
	if !errors.Is(err, ErrToolDisabled) {
		t.Errorf("disabled tool err = %v", err)
	}
	r.SetEnabled("record_emotion", true)
	if _, err := r.Execute(ctx, "record_emotion", map[string]any{"emotion": "joy", "intensity": 0.5}, now); err != nil {
		t.Errorf("re-enabled tool err = %v", err)
	}
}

func TestSendMessageDelivers(t *testing.T) {
	r, _, ch := fixture(t)
	ctx := context.Background()
	now := time.Now()

	res, err := r.Execute(ctx, "send_message",
		map[string]any{"channel": "messenger", "content": "hello", "category": "insight"}, now)
	if !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("send_message must be confirmation gated, err = %v", err)
	}
	if _, err := r.Confirm(ctx, res.ConfirmationToken, now); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if len(ch.messages) != 1 || ch.messages[0].Content != "hello" {
		t.Fatalf("delivered = %+v", ch.messages)
	}
}

func TestPlanRunnerRefusesGatedTools(t *testing.T) {
	r, _, _ := fixture(t)
	_, err := r.Run(context.Background(), "add_calendar_event",
		map[string]any{"title": "x", "starts_at": "2026-09-01T10:00:00Z"})
	if err == nil {
		t.Error("plans must not run confirmation-gated tools")
	}

	data, err := r.Run(context.Background(), "record_emotion",
		map[string]any{"emotion": "calm", "intensity": 0.4})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if data["id"] == "" {
		t.Error("runner must return handler data")
	}
}

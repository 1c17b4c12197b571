package express

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"companion/internal/logging"
)

// QueueChannel is the reserved channel name for the in-app queue; it is not
// an external channel and bypasses the care gates.
const QueueChannel = "ui_queue"

// Message is one outbound expression.
type Message struct {
	ThoughtID string `json:"thought_id"`
	Category  string `json:"category"`
	Content   string `json:"content"`
}

// Channel delivers messages on one external surface.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, msg *Message) error
}

// WebhookChannel POSTs messages to an HTTP endpoint, used for messenger
// bridges.
type WebhookChannel struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewWebhookChannel creates a webhook-backed channel.
func NewWebhookChannel(name, endpoint string) *WebhookChannel {
	return &WebhookChannel{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Name() string { return w.name }

func (w *WebhookChannel) Deliver(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogChannel writes messages to the log, used when no bridge is configured.
type LogChannel struct {
	name string
}

// NewLogChannel creates a log-backed channel.
func NewLogChannel(name string) *LogChannel { return &LogChannel{name: name} }

func (l *LogChannel) Name() string { return l.name }

func (l *LogChannel) Deliver(ctx context.Context, msg *Message) error {
	logging.Get(logging.CategoryExpress).Infof("[%s/%s] %s", l.name, msg.Category, msg.Content)
	return nil
}

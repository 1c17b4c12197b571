// Package deliberate wraps the slow-path language model behind a narrow
// contract. System-2 thought generation, consolidation abstraction, and the
// optional deliberative critique all go through one Client so latency
// budgets and availability degrade in one place.
package deliberate

import (
	"context"
	"fmt"

	"companion/internal/config"
	"companion/internal/logging"
)

// Request is one deliberation call.
type Request struct {
	System string // optional system instruction
	Prompt string
	// JSON asks the model for a JSON object response; callers parse it.
	JSON        bool
	MaxTokens   int
	Temperature float64
}

// Response is the model output plus call telemetry.
type Response struct {
	Text      string
	LatencyMS int64
}

// ErrUnavailable is returned when no deliberation backend is configured.
// Callers fall back to System-1 behavior.
var ErrUnavailable = fmt.Errorf("deliberation unavailable")

// Client is the deliberation contract.
type Client interface {
	Deliberate(ctx context.Context, req *Request) (*Response, error)

	// Available reports whether calls can be attempted at all. The fast
	// path checks this before spending a per-tick S2 slot.
	Available() bool

	Name() string
}

// NewClient constructs a client from configuration. Provider "none" (or a
// missing API key) yields an unavailable client rather than an error; the
// runtime keeps its fast path fully functional without a model.
func NewClient(cfg config.DeliberateConfig) (Client, error) {
	log := logging.Get(logging.CategoryDeliberate)

	switch cfg.Provider {
	case "genai":
		if cfg.APIKey == "" {
			log.Warnf("no API key configured, deliberation disabled")
			return Unavailable{}, nil
		}
		return NewGenAIClient(cfg)
	case "none", "":
		log.Infof("deliberation disabled by configuration")
		return Unavailable{}, nil
	default:
		return nil, fmt.Errorf("unsupported deliberation provider: %s", cfg.Provider)
	}
}

// Unavailable is the no-op client used when no provider is configured.
type Unavailable struct{}

func (Unavailable) Deliberate(ctx context.Context, req *Request) (*Response, error) {
	return nil, ErrUnavailable
}

func (Unavailable) Available() bool { return false }
func (Unavailable) Name() string    { return "unavailable" }

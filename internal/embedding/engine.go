// Package embedding generates vector embeddings for stimuli, thoughts, and
// reflections. Backends: Ollama (local) and Google GenAI (cloud), plus a
// disabled engine that makes semantic features degrade to text heuristics.
package embedding

import (
	"context"
	"fmt"

	"companion/internal/config"
	"companion/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimensionality.
	Dimensions() int

	// Name returns the engine name for logs and status output.
	Name() string
}

// HealthChecker is implemented by engines that can verify their backing
// service is reachable before batch work starts.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ErrDisabled is returned by the disabled engine; callers treat it as a
// signal to fall back to non-semantic scoring.
var ErrDisabled = fmt.Errorf("embedding engine disabled")

// NewEngine constructs an engine from configuration. Provider "none" yields
// a disabled engine rather than an error so the runtime can run fully
// offline.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	log := logging.Get(logging.CategoryEmbedding)
	log.Infof("creating embedding engine, provider=%s", cfg.Provider)

	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.TimeoutMS)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	case "none", "":
		log.Warnf("embeddings disabled, novelty and clustering fall back to text similarity")
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama', 'genai', or 'none')", cfg.Provider)
	}
}

// Disabled is the no-op engine used when no provider is configured.
type Disabled struct{}

func (Disabled) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrDisabled
}

func (Disabled) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, ErrDisabled
}

func (Disabled) Dimensions() int { return 0 }
func (Disabled) Name() string    { return "disabled" }

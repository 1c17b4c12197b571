package deliberate

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"companion/internal/config"
	"companion/internal/logging"
)

// GenAIClient calls the Gemini API for deliberation.
type GenAIClient struct {
	client      *genai.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewGenAIClient creates a Gemini-backed deliberation client.
func NewGenAIClient(cfg config.DeliberateConfig) (*GenAIClient, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GenAIClient{
		client:      client,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Deliberate runs one model call. The caller bounds latency through ctx.
func (c *GenAIClient) Deliberate(ctx context.Context, req *Request) (*Response, error) {
	log := logging.Get(logging.CategoryDeliberate)

	genCfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		genCfg.MaxOutputTokens = int32(maxTokens)
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}
	genCfg.Temperature = genai.Ptr(float32(temp))
	if req.JSON {
		genCfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.Prompt), genCfg)
	latency := time.Since(start)
	if err != nil {
		log.Warnf("deliberation call failed after %v: %v", latency, err)
		return nil, fmt.Errorf("deliberation call: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("deliberation returned empty response")
	}
	log.Debugf("deliberation completed in %v, %d chars", latency, len(text))
	return &Response{Text: text, LatencyMS: latency.Milliseconds()}, nil
}

// Available reports that calls can be attempted.
func (c *GenAIClient) Available() bool { return true }

// Name returns the client name.
func (c *GenAIClient) Name() string { return fmt.Sprintf("genai:%s", c.model) }

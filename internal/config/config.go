// Package config loads and validates the companion runtime configuration.
// Configuration is a YAML document; unknown keys fail startup so typos never
// silently fall back to defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all companion runtime configuration.
type Config struct {
	// Core settings
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"` // IANA name; runtime reference timezone

	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`

	Cycle         CycleConfig         `yaml:"cycle"`
	Sense         SenseConfig         `yaml:"sense"`
	Salience      SalienceConfig      `yaml:"salience"`
	Thought       ThoughtConfig       `yaml:"thought"`
	Express       ExpressConfig       `yaml:"express"`
	Care          CareConfig          `yaml:"care"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Pattern       PatternConfig       `yaml:"pattern"`
	Planner       PlannerConfig       `yaml:"planner"`
	Reward        RewardConfig        `yaml:"reward"`
	Evolution     EvolutionConfig     `yaml:"evolution"`

	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Deliberate DeliberateConfig `yaml:"deliberate"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures the zap-backed category logger.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, console
	File       string          `yaml:"file"`
	Categories map[string]bool `yaml:"categories"`
}

// CycleConfig configures the consciousness cycle driver.
type CycleConfig struct {
	PeriodSeconds int `yaml:"period_seconds"`
	PhaseBudgetMS int `yaml:"phase_budget_ms"`
	// Store retry policy on transaction failure.
	StoreMaxRetries    int `yaml:"store_max_retries"`
	StoreBackoffBaseMS int `yaml:"store_backoff_base_ms"`
	// Bounded worker pool for codelets within SENSE.
	CodeletWorkers int `yaml:"codelet_workers"`
}

// SenseConfig configures stimulus promotion.
type SenseConfig struct {
	TopK int `yaml:"top_k"`
}

// SalienceConfig configures the salience scorer.
type SalienceConfig struct {
	Weights            map[string]float64 `yaml:"weights"`
	NoveltyLookbackMin int                `yaml:"novelty_lookback_min"`
}

// ThoughtConfig configures the thought engine.
type ThoughtConfig struct {
	S2MaxCallsPerTick int `yaml:"s2_max_calls_per_tick"`
	S2LatencyMS       int `yaml:"s2_latency_ms"`
	// Idle thoughts decay after this horizon with no motivation lift.
	DecayHorizonHours int `yaml:"decay_horizon_hours"`
}

// ExpressConfig configures the motivation router.
type ExpressConfig struct {
	Threshold        float64             `yaml:"threshold"`
	QualityThreshold float64             `yaml:"quality_threshold"`
	DedupWindowMin   int                 `yaml:"dedup_window_min"`
	QueueExpireMin   int                 `yaml:"queue_expire_min"`
	// User states that suppress non-overriding categories.
	FilteredStates []string `yaml:"filtered_states"`
	// Categories allowed to break through the state filter.
	OverridingCategories []string `yaml:"overriding_categories"`
	// category -> user state -> channel. Empty pick enqueues to the UI.
	ChannelPolicy map[string]map[string]string `yaml:"channel_policy"`
	// channel name -> webhook endpoint. The "log" channel always exists.
	Channels map[string]string `yaml:"channels"`
}

// DNDWindow is a daily quiet interval; End before Start crosses midnight.
type DNDWindow struct {
	Start string `yaml:"start"` // "HH:MM"
	End   string `yaml:"end"`   // "HH:MM"
}

// CareConfig configures the health and care policy.
type CareConfig struct {
	DNDWeekday      []DNDWindow    `yaml:"dnd_weekday"`
	DNDWeekend      []DNDWindow    `yaml:"dnd_weekend"`
	DailyLimits     map[string]int `yaml:"daily_limits"`
	CooldownMinutes map[string]int `yaml:"cooldown_minutes"`
	// Care state snapshots older than this are treated as unknown.
	StateValidityMin int `yaml:"state_validity_min"`
}

// ConsolidationConfig configures episodic-to-semantic consolidation.
type ConsolidationConfig struct {
	MinClusterSize      int     `yaml:"min_cluster_size"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	LookbackHours       int     `yaml:"lookback_hours"`
	CadenceCycles       int     `yaml:"cadence_cycles"`
	ImportanceThreshold float64 `yaml:"importance_threshold"`
}

// PatternConfig configures the pattern and prediction engine.
type PatternConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	LookbackDays        int     `yaml:"lookback_days"`
}

// PlannerConfig configures the step executor.
type PlannerConfig struct {
	MaxRetries    int `yaml:"max_retries"`
	StepTimeoutMS int `yaml:"step_timeout_ms"`
	// Hard wall-clock bound for async steps before forced failure.
	MaxStepWallClockMin int `yaml:"max_step_wall_clock_min"`
}

// RewardConfig configures reward aggregation.
type RewardConfig struct {
	Weights RewardWeights `yaml:"weights"`
}

// RewardWeights are the combined-reward component weights.
type RewardWeights struct {
	Explicit float64 `yaml:"explicit"`
	Implicit float64 `yaml:"implicit"`
	SelfEval float64 `yaml:"self_eval"`
}

// EvolutionConfig configures the auto-tuner.
type EvolutionConfig struct {
	MaxStep       float64 `yaml:"max_step"`
	WindowHours   int     `yaml:"window_hours"`
	CadenceCycles int     `yaml:"cadence_cycles"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama, genai, none
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

// DeliberateConfig configures the deliberation (LLM) contract.
type DeliberateConfig struct {
	Provider    string  `yaml:"provider"` // genai, none
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// Default returns the default configuration per the runtime contract.
func Default() *Config {
	return &Config{
		Name:     "companion",
		Timezone: "UTC",

		Database: DatabaseConfig{Path: "data/companion.db"},
		Logging:  LoggingConfig{Level: "info", Format: "console"},

		Cycle: CycleConfig{
			PeriodSeconds:      10,
			PhaseBudgetMS:      5000,
			StoreMaxRetries:    3,
			StoreBackoffBaseMS: 250,
			CodeletWorkers:     4,
		},
		Sense: SenseConfig{TopK: 5},
		Salience: SalienceConfig{
			Weights: map[string]float64{
				"novelty":          0.15,
				"emotional":        0.30,
				"goal_relevance":   0.25,
				"temporal_urgency": 0.15,
				"social_relevance": 0.15,
			},
			NoveltyLookbackMin: 240,
		},
		Thought: ThoughtConfig{
			S2MaxCallsPerTick: 2,
			S2LatencyMS:       8000,
			DecayHorizonHours: 24,
		},
		Express: ExpressConfig{
			Threshold:            0.6,
			QualityThreshold:     0.7,
			DedupWindowMin:       60,
			QueueExpireMin:       1440,
			FilteredStates:       []string{"sleeping", "deep_focus"},
			OverridingCategories: []string{"urgent"},
			ChannelPolicy:        map[string]map[string]string{},
			Channels:             map[string]string{},
		},
		Care: CareConfig{
			DNDWeekday:       []DNDWindow{{Start: "23:00", End: "07:00"}},
			DNDWeekend:       []DNDWindow{{Start: "00:00", End: "09:00"}},
			DailyLimits:      map[string]int{"care_message": 3, "insight": 5, "reminder": 8},
			CooldownMinutes:  map[string]int{"care_message": 120, "insight": 60, "reminder": 30},
			StateValidityMin: 60,
		},
		Consolidation: ConsolidationConfig{
			MinClusterSize:      3,
			SimilarityThreshold: 0.78,
			LookbackHours:       48,
			CadenceCycles:       60,
			ImportanceThreshold: 1.5,
		},
		Pattern: PatternConfig{
			ConfidenceThreshold: 0.6,
			LookbackDays:        14,
		},
		Planner: PlannerConfig{
			MaxRetries:          3,
			StepTimeoutMS:       30000,
			MaxStepWallClockMin: 30,
		},
		Reward: RewardConfig{
			Weights: RewardWeights{Explicit: 0.4, Implicit: 0.3, SelfEval: 0.3},
		},
		Evolution: EvolutionConfig{
			MaxStep:       0.05,
			WindowHours:   72,
			CadenceCycles: 360,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TimeoutMS:      10000,
		},
		Deliberate: DeliberateConfig{
			Provider:    "genai",
			Model:       "gemini-2.5-flash",
			MaxTokens:   512,
			Temperature: 0.7,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file yields the
// defaults; an unknown key in the file is a startup error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if c.Deliberate.APIKey == "" {
			c.Deliberate.APIKey = key
		}
		if c.Embedding.GenAIAPIKey == "" {
			c.Embedding.GenAIAPIKey = key
		}
	}
	if path := os.Getenv("COMPANION_DB"); path != "" {
		c.Database.Path = path
	}
	if tz := os.Getenv("COMPANION_TZ"); tz != "" {
		c.Timezone = tz
	}
}

// Validate checks cross-field constraints that YAML decoding cannot.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	var sum float64
	for dim, w := range c.Salience.Weights {
		if w < 0 {
			return fmt.Errorf("salience weight %q is negative", dim)
		}
		sum += w
	}
	if sum != 0 && (sum < 0.999 || sum > 1.001) {
		return fmt.Errorf("salience weights must sum to 1.0, got %.3f", sum)
	}
	if c.Express.Threshold < 0 || c.Express.Threshold > 1 {
		return fmt.Errorf("express.threshold out of range: %f", c.Express.Threshold)
	}
	if c.Consolidation.MinClusterSize < 1 {
		return fmt.Errorf("consolidation.min_cluster_size must be >= 1")
	}
	for _, w := range append(append([]DNDWindow{}, c.Care.DNDWeekday...), c.Care.DNDWeekend...) {
		if err := validateWindow(w); err != nil {
			return err
		}
	}
	return nil
}

func validateWindow(w DNDWindow) error {
	for _, v := range []string{w.Start, w.End} {
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("invalid DND time %q: %w", v, err)
		}
	}
	return nil
}

// Location returns the runtime's reference timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CyclePeriod returns the time between cycle starts.
func (c *Config) CyclePeriod() time.Duration {
	return time.Duration(c.Cycle.PeriodSeconds) * time.Second
}

// PhaseBudget returns the soft per-phase deadline.
func (c *Config) PhaseBudget() time.Duration {
	return time.Duration(c.Cycle.PhaseBudgetMS) * time.Millisecond
}

// S2Latency returns the per-call deadline for System-2 deliberation.
func (c *Config) S2Latency() time.Duration {
	return time.Duration(c.Thought.S2LatencyMS) * time.Millisecond
}

// DedupWindow returns the duplicate-suppression window.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Express.DedupWindowMin) * time.Minute
}

// StepTimeout returns the per-step execution deadline.
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Planner.StepTimeoutMS) * time.Millisecond
}

// EmbeddingTimeout returns the per-call embedding deadline.
func (c *Config) EmbeddingTimeout() time.Duration {
	return time.Duration(c.Embedding.TimeoutMS) * time.Millisecond
}

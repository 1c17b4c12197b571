// Package logging provides category-based structured logging for the
// companion runtime, built on zap. Each subsystem logs under its own
// category; categories can be enabled or disabled from config without
// touching call sites.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a runtime subsystem for log filtering.
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup and shutdown
	CategoryCycle       Category = "cycle"       // Consciousness cycle driver
	CategoryCodelet     Category = "codelet"     // Attention codelets
	CategorySalience    Category = "salience"    // Stimulus scoring
	CategoryThought     Category = "thought"     // S1/S2 thought generation
	CategoryExpress     Category = "express"     // Routing and emission
	CategoryCare        Category = "care"        // DND, caps, cooldowns
	CategoryConsolidate Category = "consolidate" // Episodic -> semantic
	CategoryPattern     Category = "pattern"     // Pattern mining, predictions
	CategoryReward      Category = "reward"      // Reward aggregation
	CategoryEvolution   Category = "evolution"   // Weight tuning
	CategoryPlan        Category = "plan"        // Planner / step executor
	CategoryTools       Category = "tools"       // Tool registry and execution
	CategoryStore       Category = "store"       // SQLite store
	CategoryEmbedding   Category = "embedding"   // Embedding engine
	CategoryDeliberate  Category = "deliberate"  // LLM deliberation calls
)

// Options controls logger construction.
type Options struct {
	Level      string          // debug, info, warn, error
	JSONFormat bool            // JSON encoder instead of console
	File       string          // optional log file; stderr when empty
	Categories map[string]bool // per-category enablement; empty = all enabled
}

var (
	mu         sync.RWMutex
	root       *zap.Logger
	sugar      map[Category]*zap.SugaredLogger
	categories map[string]bool
)

func init() {
	// Safe default until Initialize runs: info-level console logging.
	root = newZap(Options{Level: "info"})
	sugar = make(map[Category]*zap.SugaredLogger)
}

// Initialize rebuilds the root logger from options. Safe to call again on
// config reload; existing category loggers are rebuilt lazily.
func Initialize(opts Options) {
	mu.Lock()
	defer mu.Unlock()
	root = newZap(opts)
	sugar = make(map[Category]*zap.SugaredLogger)
	categories = opts.Categories
}

func newZap(opts Options) *zap.Logger {
	level := zapcore.InfoLevel
	switch opts.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if opts.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	if opts.File != "" {
		if f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			sink = zapcore.Lock(f)
		}
	}

	return zap.New(zapcore.NewCore(enc, sink, level))
}

// Get returns the sugared logger for a category. Disabled categories return
// a no-op logger so call sites never branch.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if s, ok := sugar[cat]; ok {
		mu.RUnlock()
		return s
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if s, ok := sugar[cat]; ok {
		return s
	}
	var s *zap.SugaredLogger
	if enabled(cat) {
		s = root.Named(string(cat)).Sugar()
	} else {
		s = zap.NewNop().Sugar()
	}
	sugar[cat] = s
	return s
}

func enabled(cat Category) bool {
	if len(categories) == 0 {
		return true
	}
	v, ok := categories[string(cat)]
	return !ok || v
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Convenience helpers mirroring the most common call sites.

func Cycle(format string, args ...any)   { Get(CategoryCycle).Infof(format, args...) }
func Store(format string, args ...any)   { Get(CategoryStore).Infof(format, args...) }
func Express(format string, args ...any) { Get(CategoryExpress).Infof(format, args...) }

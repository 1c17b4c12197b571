package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"companion/internal/care"
	"companion/internal/clock"
	"companion/internal/codelet"
	"companion/internal/config"
	"companion/internal/consolidate"
	"companion/internal/cycle"
	"companion/internal/deliberate"
	"companion/internal/embedding"
	"companion/internal/evolution"
	"companion/internal/express"
	"companion/internal/logging"
	"companion/internal/pattern"
	"companion/internal/plan"
	"companion/internal/reward"
	"companion/internal/salience"
	"companion/internal/store"
	"companion/internal/thought"
	"companion/internal/tools"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the consciousness cycle daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func runDaemon() error {
	log := logging.Get(logging.CategoryBoot)
	log.Infof("companiond starting, db=%s tz=%s", cfg.Database.Path, cfg.Timezone)

	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	clk := clock.System{}
	now := clk.Now()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return err
	}
	llm, err := deliberate.NewClient(cfg.Deliberate)
	if err != nil {
		return err
	}
	log.Infof("embedding engine: %s, deliberation: %s", engine.Name(), llm.Name())

	channels := buildChannels(cfg)
	policy := care.NewPolicy(cfg.Care, cfg.Location())
	router := express.NewRouter(s, express.NewCritic(cfg.Express.QualityThreshold), policy, cfg.Express, channels)

	registry := tools.NewRegistry(s)
	if err := tools.RegisterBuiltins(ctx, registry, s, engine, channels, now); err != nil {
		return err
	}

	codelets := codelet.NewRegistry()
	if err := codelet.RegisterDefaults(codelets); err != nil {
		return err
	}

	scorer := salience.New(cfg.Salience, engine, s)
	thinker := thought.NewEngine(s, llm, cfg.Thought)

	tuner := evolution.New(s, cfg.Evolution)
	registerKnobs(tuner, router, scorer, thinker)
	if err := tuner.ApplyPersisted(ctx); err != nil {
		return err
	}

	driver := cycle.NewDriver(cycle.Components{
		Store:        s,
		Codelets:     codelets,
		Scorer:       scorer,
		Thinker:      thinker,
		Router:       router,
		Consolidator: consolidate.New(s, llm, engine, cfg.Consolidation),
		Miner:        pattern.New(s, cfg.Pattern, cfg.Location()),
		Rewards:      reward.New(s, cfg.Reward),
		Tuner:        tuner,
		Planner:      plan.New(s, registry, cfg.Planner),
	}, cfg, clk)

	go watchConfigReloads(ctx, router)

	err = driver.Run(ctx)
	log.Infof("companiond stopped after %d cycles", driver.Tick())
	if err == context.Canceled {
		return nil
	}
	return err
}

// registerKnobs exposes the tunable runtime weights: the expression
// threshold, salience dimension weights, motivation component weights, and
// per-category channel bias. Direction is +1 for knobs that make the system
// more selective when raised.
func registerKnobs(tuner *evolution.Tuner, router *express.Router, scorer *salience.Scorer, thinker *thought.Engine) {
	tuner.Register(evolution.Knob{
		Name: "express.threshold", Min: 0.4, Max: 0.85, Direction: 1,
		Get: router.Threshold, Set: router.SetThreshold,
	})
	for dim, direction := range map[string]float64{
		salience.DimNovelty:         1,
		salience.DimGoalRelevance:   1,
		salience.DimTemporalUrgency: 1,
		salience.DimEmotional:       -1,
		salience.DimSocialRelevance: -1,
	} {
		dim := dim
		tuner.Register(evolution.Knob{
			Name: "salience." + dim, Min: 0.05, Max: 0.5, Direction: direction,
			Get: func() float64 { return scorer.Weight(dim) },
			Set: func(v float64) { scorer.SetWeight(dim, v) },
		})
	}
	for component, direction := range map[string]float64{
		"relevance": 1, "urgency": 1, "originality": -1,
	} {
		component := component
		tuner.Register(evolution.Knob{
			Name: "motivation." + component, Min: 0.05, Max: 0.45, Direction: direction,
			Get: func() float64 { return thinker.MotivationWeight(component) },
			Set: func(v float64) { thinker.SetMotivationWeight(component, v) },
		})
	}
	for _, category := range []string{"care_message", "insight", "reminder"} {
		category := category
		tuner.Register(evolution.Knob{
			Name: "channel." + category, Min: 0, Max: 1, Direction: -1,
			Get: func() float64 { return router.ChannelBias(category) },
			Set: func(v float64) { router.SetChannelBias(category, v) },
		})
	}
}

// buildChannels constructs the delivery channel table. The log channel
// always exists so expressions have somewhere to land in a bare setup.
func buildChannels(cfg *config.Config) map[string]express.Channel {
	channels := map[string]express.Channel{
		"log": express.NewLogChannel("log"),
	}
	for name, endpoint := range cfg.Express.Channels {
		channels[name] = express.NewWebhookChannel(name, endpoint)
	}
	return channels
}

// watchConfigReloads re-reads the config on SIGHUP or when the file changes
// on disk. Only logging options and the express threshold apply live; the
// rest needs a restart.
func watchConfigReloads(ctx context.Context, router *express.Router) {
	log := logging.Get(logging.CategoryBoot)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("config watcher unavailable: %v", err)
		watcher = nil
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(configPath)); err != nil {
			log.Warnf("cannot watch config directory: %v", err)
		}
	}

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(configPath) || !ev.Has(fsnotify.Write) {
				continue
			}
		}
		reloadConfig(router)
	}
}

func reloadConfig(router *express.Router) {
	log := logging.Get(logging.CategoryBoot)

	next, err := config.Load(configPath)
	if err != nil {
		log.Errorf("config reload rejected: %v", err)
		return
	}
	logging.Initialize(logging.Options{
		Level:      next.Logging.Level,
		JSONFormat: next.Logging.Format == "json",
		File:       next.Logging.File,
		Categories: next.Logging.Categories,
	})
	router.SetThreshold(next.Express.Threshold)
	cfg = next
	logging.Get(logging.CategoryBoot).Infof("config reloaded from %s", configPath)
}

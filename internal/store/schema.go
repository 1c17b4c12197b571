package store

import "fmt"

// initialize creates the required tables and views.
func (s *Store) initialize() error {
	stimuliTable := `
	CREATE TABLE IF NOT EXISTS stimuli (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL,
		raw_data TEXT,
		content_hash TEXT NOT NULL,
		embedding TEXT,
		salience_score REAL DEFAULT 0,
		salience_breakdown TEXT,
		acted_upon BOOLEAN DEFAULT FALSE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stimuli_acted ON stimuli(acted_upon, salience_score);
	CREATE INDEX IF NOT EXISTS idx_stimuli_created ON stimuli(created_at);
	CREATE INDEX IF NOT EXISTS idx_stimuli_hash ON stimuli(source, content_hash);
	`

	stimulusFilteredTable := `
	CREATE TABLE IF NOT EXISTS stimulus_filtered (
		id TEXT PRIMARY KEY,
		stimulus_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stim_filtered_stimulus ON stimulus_filtered(stimulus_id);
	`

	thoughtsTable := `
	CREATE TABLE IF NOT EXISTS thoughts (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'insight',
		stimulus_ids TEXT NOT NULL,
		memory_context TEXT,
		motivation_score REAL NOT NULL,
		motivation_breakdown TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		evolved_from TEXT,
		expressed_via TEXT,
		expressed_at TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_thoughts_status ON thoughts(status, motivation_score);
	CREATE INDEX IF NOT EXISTS idx_thoughts_created ON thoughts(created_at);
	`

	attemptsTable := `
	CREATE TABLE IF NOT EXISTS expression_attempts (
		id TEXT PRIMARY KEY,
		thought_id TEXT NOT NULL,
		category TEXT NOT NULL,
		channel TEXT NOT NULL,
		message_sent TEXT,
		normalized_content TEXT,
		success BOOLEAN NOT NULL,
		suppress_reason TEXT NOT NULL DEFAULT 'none',
		detected_user_state TEXT,
		motivation_score REAL,
		user_response TEXT DEFAULT 'unknown',
		effectiveness_score REAL,
		scored BOOLEAN DEFAULT FALSE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_thought ON expression_attempts(thought_id);
	CREATE INDEX IF NOT EXISTS idx_attempts_success ON expression_attempts(success, category, created_at);
	CREATE INDEX IF NOT EXISTS idx_attempts_dedup ON expression_attempts(normalized_content, success, created_at);
	`

	queueTable := `
	CREATE TABLE IF NOT EXISTS queued_expressions (
		id TEXT PRIMARY KEY,
		thought_id TEXT NOT NULL,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		shown_at TEXT,
		user_response TEXT DEFAULT 'unknown',
		effectiveness_score REAL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON queued_expressions(status, created_at);
	`

	critiqueTable := `
	CREATE TABLE IF NOT EXISTS thought_critique_log (
		id TEXT PRIMARY KEY,
		thought_id TEXT NOT NULL,
		verification_passed BOOLEAN NOT NULL,
		quality_score REAL NOT NULL,
		uncertainty_level REAL NOT NULL,
		principle_scores TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_critique_thought ON thought_critique_log(thought_id);
	`

	reflectionsTable := `
	CREATE TABLE IF NOT EXISTS reflections (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		trigger_summary TEXT,
		importance_sum REAL DEFAULT 0,
		source_thought_ids TEXT,
		source_emotion_ids TEXT,
		depth_level INTEGER NOT NULL DEFAULT 1,
		parent_reflection_id TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		integrated_into TEXT,
		embedding TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reflections_status ON reflections(status);
	`

	consolidationTable := `
	CREATE TABLE IF NOT EXISTS consolidation_log (
		id TEXT PRIMARY KEY,
		source_type TEXT NOT NULL,
		source_count INTEGER NOT NULL,
		topic_cluster TEXT,
		abstraction TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		confidence REAL NOT NULL,
		source_ids TEXT NOT NULL,
		source_set_hash TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);
	`

	knowledgeTable := `
	CREATE TABLE IF NOT EXISTS knowledge_nodes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		confidence REAL NOT NULL,
		embedding TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	patternsTable := `
	CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		family TEXT NOT NULL,
		structural_key TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL,
		confidence REAL NOT NULL,
		support_count INTEGER DEFAULT 0,
		detail TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_family ON patterns(family);
	`

	predictionsTable := `
	CREATE TABLE IF NOT EXISTS predictions (
		id TEXT PRIMARY KEY,
		prediction_type TEXT NOT NULL,
		prediction_text TEXT NOT NULL,
		confidence REAL NOT NULL,
		predicted_time TEXT NOT NULL,
		based_on_pattern TEXT,
		verified BOOLEAN DEFAULT FALSE,
		outcome_correct BOOLEAN,
		verified_at TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_predictions_due ON predictions(verified, predicted_time);
	`

	rewardTable := `
	CREATE TABLE IF NOT EXISTS reward_signals (
		id TEXT PRIMARY KEY,
		attempt_id TEXT NOT NULL,
		explicit_score REAL,
		implicit_score REAL,
		self_eval_score REAL,
		combined_reward REAL NOT NULL,
		explicit_source TEXT,
		implicit_classification TEXT,
		principles_evaluated TEXT,
		conversation_id TEXT,
		scored_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reward_attempt ON reward_signals(attempt_id);
	CREATE INDEX IF NOT EXISTS idx_reward_scored ON reward_signals(scored_at);
	`

	preferenceTable := `
	CREATE TABLE IF NOT EXISTS preference_pairs (
		id TEXT PRIMARY KEY,
		user_message TEXT NOT NULL,
		preferred_response TEXT NOT NULL,
		rejected_response TEXT NOT NULL,
		preference_strength REAL NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	plansTable := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER DEFAULT 0,
		total_steps INTEGER DEFAULT 0,
		completed_steps INTEGER DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status, priority);
	`

	stepsTable := `
	CREATE TABLE IF NOT EXISTS plan_steps (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		step_order INTEGER NOT NULL,
		action_type TEXT NOT NULL,
		action_payload TEXT,
		dependencies TEXT,
		optional BOOLEAN DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'pending',
		result_data TEXT,
		retry_count INTEGER DEFAULT 0,
		started_at TEXT,
		completed_at TEXT,
		UNIQUE(plan_id, step_order)
	);
	CREATE INDEX IF NOT EXISTS idx_steps_plan ON plan_steps(plan_id, status);
	`

	toolsTable := `
	CREATE TABLE IF NOT EXISTS tool_descriptors (
		name TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		parameters_schema TEXT,
		requires_confirmation BOOLEAN DEFAULT FALSE,
		cost_tier INTEGER DEFAULT 0,
		enabled BOOLEAN DEFAULT TRUE,
		total_executions INTEGER DEFAULT 0,
		total_successes INTEGER DEFAULT 0,
		created_at TEXT NOT NULL
	);
	`

	toolExecTable := `
	CREATE TABLE IF NOT EXISTS tool_executions (
		id TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		params TEXT,
		success BOOLEAN NOT NULL,
		result_summary TEXT,
		duration_ms INTEGER,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_exec_name ON tool_executions(tool_name, created_at);
	`

	careStateTable := `
	CREATE TABLE IF NOT EXISTS care_state (
		id TEXT PRIMARY KEY,
		energy REAL,
		stress REAL,
		sleep REAL,
		fatigue REAL,
		wellbeing REAL,
		user_state TEXT,
		detection_context TEXT,
		valid_until TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_care_state_created ON care_state(created_at);
	`

	tunedWeightsTable := `
	CREATE TABLE IF NOT EXISTS tuned_weights (
		knob TEXT PRIMARY KEY,
		value REAL NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	weightChangesTable := `
	CREATE TABLE IF NOT EXISTS weight_changes (
		id TEXT PRIMARY KEY,
		knob TEXT NOT NULL,
		old_value REAL NOT NULL,
		new_value REAL NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL
	);
	`

	// Episodic adapter tables. External collaborators (messenger bridge,
	// session loggers) insert rows; codelets, the consolidator, and the
	// reward aggregator only read them.
	conversationsTable := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_conv ON conversations(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);
	`

	emotionsTable := `
	CREATE TABLE IF NOT EXISTS emotions (
		id TEXT PRIMARY KEY,
		emotion TEXT NOT NULL,
		intensity REAL NOT NULL,
		context TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_emotions_created ON emotions(created_at);
	`

	calendarTable := `
	CREATE TABLE IF NOT EXISTS calendar_events (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		starts_at TEXT NOT NULL,
		ends_at TEXT,
		location TEXT,
		recurring_annual BOOLEAN DEFAULT FALSE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calendar_starts ON calendar_events(starts_at);
	`

	goalsTable := `
	CREATE TABLE IF NOT EXISTS goals (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		priority INTEGER DEFAULT 0,
		deadline TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_goals_status ON goals(status);
	`

	for _, table := range []string{
		stimuliTable,
		stimulusFilteredTable,
		thoughtsTable,
		attemptsTable,
		queueTable,
		critiqueTable,
		reflectionsTable,
		consolidationTable,
		knowledgeTable,
		patternsTable,
		predictionsTable,
		rewardTable,
		preferenceTable,
		plansTable,
		stepsTable,
		toolsTable,
		toolExecTable,
		careStateTable,
		tunedWeightsTable,
		weightChangesTable,
		conversationsTable,
		emotionsTable,
		calendarTable,
		goalsTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return s.createViews()
}

// createViews builds the derived dashboard views. They carry no contract
// beyond being derived from the base tables.
func (s *Store) createViews() error {
	views := []string{
		`CREATE VIEW IF NOT EXISTS prediction_accuracy AS
		 SELECT prediction_type,
		        COUNT(*) AS verified_count,
		        AVG(CASE WHEN outcome_correct THEN 1.0 ELSE 0.0 END) AS accuracy
		 FROM predictions
		 WHERE verified = TRUE
		 GROUP BY prediction_type`,

		`CREATE VIEW IF NOT EXISTS reward_trend AS
		 SELECT date(scored_at) AS day,
		        COUNT(*) AS signals,
		        AVG(combined_reward) AS avg_reward
		 FROM reward_signals
		 GROUP BY date(scored_at)
		 ORDER BY day DESC`,

		`CREATE VIEW IF NOT EXISTS recent_wellness AS
		 SELECT created_at, energy, stress, sleep, fatigue, wellbeing, user_state
		 FROM care_state
		 ORDER BY created_at DESC
		 LIMIT 50`,
	}
	for _, v := range views {
		if _, err := s.db.Exec(v); err != nil {
			return fmt.Errorf("failed to create view: %w", err)
		}
	}
	return nil
}

// Package reward turns user reactions to expressed thoughts into scored
// reward signals. Each successful expression attempt is scored exactly once,
// after a grace window long enough for the user's reaction (or meaningful
// silence) to land, by combining explicit feedback, implicit behavior, and
// the expression's own critique. A component with nothing to measure stays
// absent and its weight is redistributed across the present ones.
package reward

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"companion/internal/config"
	"companion/internal/logging"
	"companion/internal/store"
)

// responseWindow is how long an attempt waits before scoring, so that
// silence means something rather than "not yet".
const responseWindow = 2 * time.Hour

// scoreLookback bounds how far back the aggregator looks for attempts it
// has not scored yet.
const scoreLookback = 72 * time.Hour

// abandonLookback is how recently the user must have been active for
// silence after an expression to read as abandonment.
const abandonLookback = 30 * time.Minute

// Explicit source scores. Sign and magnitude per source are fixed; all land
// in [-1, 1]. Silence is mildly negative: the user saw nothing worth a
// word.
const (
	scoreThumbsUp   = 1.0
	scoreThumbsDown = -1.0
	scorePraise     = 0.8
	scoreCorrection = -0.6
	scoreFollowUp   = 0.4
	scoreSilence    = -0.2
)

// Implicit behavior scores, classified positive/negative/neutral.
const (
	scoreContinuation = 0.6  // the reply grew into a conversation
	scoreTopicSwitch  = -0.3 // replied, but about something else entirely
	scoreAbandonment  = -0.4 // mid-conversation, then nothing after us
)

// Explicit feedback lexicons. Matching is case-insensitive on the first
// user reply after the expression.
var (
	praiseMarkers     = []string{"thank", "thanks", "love that", "great", "helpful", "perfect", "exactly", "❤️"}
	correctionMarkers = []string{"actually", "that's wrong", "thats wrong", "not quite", "no,", "incorrect", "you misunderstood"}
	followUpMarkers   = []string{"?", "tell me more", "what about", "how about"}
)

// Aggregator scores expression attempts.
type Aggregator struct {
	store   *store.Store
	weights config.RewardWeights
}

// New creates an aggregator.
func New(st *store.Store, cfg config.RewardConfig) *Aggregator {
	return &Aggregator{store: st, weights: cfg.Weights}
}

// Run scores every attempt whose response window has closed and returns how
// many signals were written.
func (a *Aggregator) Run(ctx context.Context, now time.Time) (int, error) {
	log := logging.Get(logging.CategoryReward)

	attempts, err := a.store.UnscoredAttempts(ctx, now.Add(-scoreLookback))
	if err != nil {
		return 0, err
	}

	scored := 0
	for _, attempt := range attempts {
		if now.Sub(attempt.CreatedAt) < responseWindow {
			continue
		}
		signal, err := a.score(ctx, attempt, now)
		if err != nil {
			return scored, err
		}
		if err := a.store.InsertRewardSignal(ctx, signal); err != nil {
			return scored, err
		}
		if err := a.store.MarkAttemptScored(ctx, attempt.ID, signal.CombinedReward); err != nil {
			return scored, err
		}
		scored++
	}
	if scored > 0 {
		log.Infof("scored %d expression attempts", scored)
	}
	return scored, nil
}

// score builds one reward signal from the three feedback components.
func (a *Aggregator) score(ctx context.Context, attempt *store.ExpressionAttempt, now time.Time) (*store.RewardSignal, error) {
	turns, err := a.store.RecentConversations(ctx, attempt.CreatedAt.Add(-abandonLookback))
	if err != nil {
		return nil, err
	}
	before, replies := splitTurns(turns, attempt.CreatedAt, attempt.CreatedAt.Add(responseWindow))

	signal := &store.RewardSignal{
		AttemptID: attempt.ID,
		ScoredAt:  now,
	}
	var reply *store.ConversationTurn
	if len(replies) > 0 {
		reply = replies[0]
		signal.ConversationID = reply.ConversationID
	}

	// Explicit: what the user said, or silence.
	explicitMatched := false
	if reply == nil {
		score := scoreSilence
		signal.ExplicitScore = &score
		signal.ExplicitSource = "silence"
	} else if score, source, ok := classifyExplicit(reply.Content); ok {
		explicitMatched = true
		signal.ExplicitScore = &score
		signal.ExplicitSource = source
		if source == "correction" {
			if err := a.recordCorrection(ctx, attempt, reply, now); err != nil {
				return nil, err
			}
		}
	}

	// Implicit: how the user behaved. Absent when there is nothing to
	// measure beyond the reply itself.
	implicit, classification, present := classifyImplicit(attempt, reply, before, replies, explicitMatched)
	signal.ImplicitClassification = classification
	if present {
		signal.ImplicitScore = &implicit
	}

	// Self-eval: what the critic thought at expression time.
	critique, err := a.store.CritiqueForThought(ctx, attempt.ThoughtID)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if critique != nil {
		signal.SelfEvalScore = &critique.QualityScore
		for p := range critique.PrincipleScores {
			signal.PrinciplesEvaluated = append(signal.PrinciplesEvaluated, p)
		}
	}

	signal.CombinedReward = a.combine(signal)
	return signal, nil
}

// splitTurns partitions user turns into those before the attempt and those
// inside the response window after it.
func splitTurns(turns []*store.ConversationTurn, at, deadline time.Time) (before, after []*store.ConversationTurn) {
	for _, turn := range turns {
		if turn.Role != "user" {
			continue
		}
		switch {
		case !turn.CreatedAt.After(at):
			before = append(before, turn)
		case !turn.CreatedAt.After(deadline):
			after = append(after, turn)
		}
	}
	return before, after
}

// classifyExplicit maps a reply onto the fixed source table. The bool is
// false when the reply carries no clear sentiment about the expression.
func classifyExplicit(content string) (float64, string, bool) {
	lower := strings.ToLower(content)
	if strings.Contains(lower, "👍") {
		return scoreThumbsUp, "thumbs", true
	}
	if strings.Contains(lower, "👎") {
		return scoreThumbsDown, "thumbs", true
	}
	for _, marker := range correctionMarkers {
		if strings.Contains(lower, marker) {
			return scoreCorrection, "correction", true
		}
	}
	for _, marker := range praiseMarkers {
		if strings.Contains(lower, marker) {
			return scorePraise, "praise", true
		}
	}
	for _, marker := range followUpMarkers {
		if strings.Contains(lower, marker) {
			return scoreFollowUp, "follow_up", true
		}
	}
	return 0, "", false
}

// classifyImplicit reads follow-up behavior around the attempt. A lone
// on-topic reply is neutral and contributes no implicit component.
func classifyImplicit(attempt *store.ExpressionAttempt, reply *store.ConversationTurn, before, replies []*store.ConversationTurn, explicitMatched bool) (float64, string, bool) {
	if reply == nil {
		// Going quiet right after being mid-conversation reads as
		// abandonment; quiet after quiet says nothing.
		if len(before) > 0 {
			return scoreAbandonment, "negative", true
		}
		return 0, "neutral", false
	}
	if len(replies) > 1 {
		return scoreContinuation, "positive", true
	}
	if !explicitMatched && topicSwitched(attempt.MessageSent, reply.Content) {
		return scoreTopicSwitch, "negative", true
	}
	return 0, "neutral", false
}

// topicSwitched reports whether a substantive reply shares no content words
// with the expressed message.
func topicSwitched(sent, reply string) bool {
	replyWords := contentWords(reply)
	if len(replyWords) < 3 {
		return false
	}
	for w := range contentWords(sent) {
		if replyWords[w] {
			return false
		}
	}
	return true
}

func contentWords(s string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:'\"")
		if len(w) >= 4 {
			words[w] = true
		}
	}
	return words
}

// combine applies the component weights, redistributing the weight of any
// missing component across the present ones.
func (a *Aggregator) combine(s *store.RewardSignal) float64 {
	var sum, weight float64
	if s.ExplicitScore != nil {
		sum += a.weights.Explicit * *s.ExplicitScore
		weight += a.weights.Explicit
	}
	if s.ImplicitScore != nil {
		sum += a.weights.Implicit * *s.ImplicitScore
		weight += a.weights.Implicit
	}
	if s.SelfEvalScore != nil {
		sum += a.weights.SelfEval * *s.SelfEvalScore
		weight += a.weights.SelfEval
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

// recordCorrection stores a preference pair so future tuning can learn from
// what the user pushed back on.
func (a *Aggregator) recordCorrection(ctx context.Context, attempt *store.ExpressionAttempt, reply *store.ConversationTurn, now time.Time) error {
	return a.store.InsertPreferencePair(ctx, &store.PreferencePair{
		UserMessage:        reply.Content,
		PreferredResponse:  "",
		RejectedResponse:   attempt.MessageSent,
		PreferenceStrength: 0.8,
		CreatedAt:          now,
	})
}

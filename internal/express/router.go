package express

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"companion/internal/care"
	"companion/internal/config"
	"companion/internal/logging"
	"companion/internal/store"
)

// Router runs the suppression gates and emits expressible thoughts. Gate
// order: quality, duplicate, care (DND, daily cap, cooldown), state filter,
// then channel delivery. Every block writes a success=false attempt with its
// suppress reason; only a quality failure decays the thought. Everything
// else stays active and is re-gated on the next tick, so a thought blocked
// by DND at night emits in the morning and a duplicate emits once its
// window elapses.
type Router struct {
	store     *store.Store
	critic    *Critic
	policy    *care.Policy
	cfg       config.ExpressConfig
	channels  map[string]Channel
	threshold float64

	mu          sync.RWMutex
	channelBias map[string]float64
}

// NewRouter creates a router. The channels map holds external surfaces by
// name; a policy pick naming an unregistered channel falls back to the UI
// queue.
func NewRouter(st *store.Store, critic *Critic, policy *care.Policy, cfg config.ExpressConfig, channels map[string]Channel) *Router {
	return &Router{
		store:       st,
		critic:      critic,
		policy:      policy,
		cfg:         cfg,
		channels:    channels,
		threshold:   cfg.Threshold,
		channelBias: make(map[string]float64),
	}
}

// SetThreshold applies a tuned motivation threshold.
func (r *Router) SetThreshold(v float64) {
	if v > 0 && v <= 1 {
		r.threshold = v
	}
}

// Threshold returns the effective motivation threshold.
func (r *Router) Threshold() float64 { return r.threshold }

// ChannelBias returns the tuned preference for sending a category to its
// external channel. 1 when untouched.
func (r *Router) ChannelBias(category string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if bias, ok := r.channelBias[category]; ok {
		return bias
	}
	return 1
}

// SetChannelBias applies a tuned channel preference. Below biasFloor the
// category's policy entry is overridden toward the UI queue.
func (r *Router) SetChannelBias(category string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channelBias[category] = clampUnit(v)
}

// Express routes all currently expressible thoughts. At most one external
// emission per category happens per call; surplus candidates stay active
// for the next tick. Returns the number of successful emissions (external
// and queued).
func (r *Router) Express(ctx context.Context, now time.Time) (int, error) {
	log := logging.Get(logging.CategoryExpress)

	thoughts, err := r.store.ExpressibleThoughts(ctx, r.threshold)
	if err != nil {
		return 0, fmt.Errorf("load expressible thoughts: %w", err)
	}
	if len(thoughts) == 0 {
		return 0, nil
	}

	userState := "unknown"
	if cs, err := r.store.CurrentCareState(ctx, now); err == nil && cs != nil {
		userState = cs.UserState
	}

	emitted := 0
	externalUsed := make(map[string]bool)
	for _, t := range thoughts {
		ok, external, err := r.routeOne(ctx, t, userState, now, externalUsed)
		if err != nil {
			log.Warnf("routing thought %s failed: %v", t.ID, err)
			continue
		}
		if ok {
			emitted++
			if external {
				externalUsed[t.Category] = true
			}
		}
	}
	return emitted, nil
}

// routeOne handles a single thought. Returns (emitted, external).
func (r *Router) routeOne(ctx context.Context, t *store.Thought, userState string, now time.Time, externalUsed map[string]bool) (bool, bool, error) {
	critique := r.critic.Evaluate(t)
	normalized := Normalize(t.Content)

	// Gate evaluation happens in one transaction so the duplicate check
	// sees the same snapshot the eventual insert extends.
	var reason store.SuppressReason
	var channelName string
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		critique.CreatedAt = now
		if err := store.InsertCritiqueTx(tx, critique); err != nil {
			return err
		}

		if !critique.VerificationPassed {
			reason = store.SuppressQuality
			if err := r.recordSuppressedTx(tx, t, "", normalized, reason, userState, now); err != nil {
				return err
			}
			return store.DecayThoughtTx(tx, t.ID)
		}

		dup, err := store.HasRecentSuccessTx(tx, normalized, now.Add(-time.Duration(r.cfg.DedupWindowMin)*time.Minute))
		if err != nil {
			return err
		}
		if dup {
			// The thought stays active; once the dedup window elapses it
			// competes again.
			reason = store.SuppressDuplicate
			return r.recordSuppressedTx(tx, t, "", normalized, reason, userState, now)
		}

		channelName = r.pickChannel(t.Category, userState)
		if channelName == QueueChannel {
			return nil
		}

		// External destination: care gates, then the state filter.
		overriding := slices.Contains(r.cfg.OverridingCategories, t.Category)
		switch {
		case externalUsed[t.Category]:
			// One external emission per category per tick; leave the
			// thought active without an attempt row.
			reason = store.SuppressRateLimit
			channelName = ""
			return nil
		case r.policy.InDND(now) && !overriding:
			reason = store.SuppressDND
		default:
			if limit := r.policy.DailyLimit(t.Category); limit > 0 {
				dayStart, dayEnd := r.policy.DayBounds(now)
				n, err := store.CountSuccessfulTodayTx(tx, t.Category, dayStart, dayEnd)
				if err != nil {
					return err
				}
				if n >= limit {
					reason = store.SuppressRateLimit
					break
				}
			}
			if cooldown := r.policy.Cooldown(t.Category); cooldown > 0 {
				last, err := store.LastSuccessAtTx(tx, t.Category)
				if err != nil {
					return err
				}
				if !last.IsZero() && now.Sub(last) < cooldown {
					reason = store.SuppressRateLimit
					break
				}
			}
			if slices.Contains(r.cfg.FilteredStates, userState) && !overriding {
				reason = store.SuppressStateFilter
			}
		}

		if reason != "" {
			// Record the blocked external attempt; the thought stays
			// active for the next tick's gates.
			return r.recordSuppressedTx(tx, t, channelName, normalized, reason, userState, now)
		}
		return nil
	})
	if err != nil {
		return false, false, err
	}

	// Any suppression leaves the thought for a later tick, except quality,
	// which already decayed it inside the transaction.
	if reason != "" {
		return false, false, nil
	}

	if channelName == QueueChannel {
		err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
			return r.enqueueTx(tx, t, normalized, userState, now)
		})
		return err == nil, false, err
	}

	ch, ok := r.channels[channelName]
	if !ok {
		logging.Get(logging.CategoryExpress).Warnf("channel %q not registered, queueing instead", channelName)
		err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
			return r.enqueueTx(tx, t, normalized, userState, now)
		})
		return err == nil, false, err
	}

	// Deliver outside the store lock, then record the outcome.
	deliverErr := ch.Deliver(ctx, &Message{ThoughtID: t.ID, Category: t.Category, Content: t.Content})
	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		attempt := &store.ExpressionAttempt{
			ThoughtID:         t.ID,
			Category:          t.Category,
			Channel:           channelName,
			MessageSent:       t.Content,
			NormalizedContent: normalized,
			Success:           deliverErr == nil,
			DetectedUserState: userState,
			MotivationScore:   t.MotivationScore,
			CreatedAt:         now,
		}
		if err := store.InsertExpressionAttemptTx(tx, attempt); err != nil {
			return err
		}
		if deliverErr == nil {
			return store.MarkThoughtExpressedTx(tx, t.ID, channelName, now)
		}
		// Delivery failure: the thought stays active for a retry.
		return nil
	})
	if err != nil {
		return false, false, err
	}
	if deliverErr != nil {
		logging.Get(logging.CategoryExpress).Warnf("delivery on %s failed: %v", channelName, deliverErr)
		return false, false, nil
	}
	return true, true, nil
}

// enqueueTx places the thought on the UI queue and marks it expressed.
func (r *Router) enqueueTx(tx *sql.Tx, t *store.Thought, normalized, userState string, now time.Time) error {
	q := &store.QueuedExpression{
		ThoughtID: t.ID,
		Category:  t.Category,
		Message:   t.Content,
		CreatedAt: now,
	}
	if err := store.InsertQueuedExpressionTx(tx, q); err != nil {
		return err
	}
	attempt := &store.ExpressionAttempt{
		ThoughtID:         t.ID,
		Category:          t.Category,
		Channel:           QueueChannel,
		MessageSent:       t.Content,
		NormalizedContent: normalized,
		Success:           true,
		DetectedUserState: userState,
		MotivationScore:   t.MotivationScore,
		CreatedAt:         now,
	}
	if err := store.InsertExpressionAttemptTx(tx, attempt); err != nil {
		return err
	}
	return store.MarkThoughtExpressedTx(tx, t.ID, QueueChannel, now)
}

func (r *Router) recordSuppressedTx(tx *sql.Tx, t *store.Thought, channel, normalized string, reason store.SuppressReason, userState string, now time.Time) error {
	return store.InsertExpressionAttemptTx(tx, &store.ExpressionAttempt{
		ThoughtID:         t.ID,
		Category:          t.Category,
		Channel:           channel,
		NormalizedContent: normalized,
		Success:           false,
		SuppressReason:    reason,
		DetectedUserState: userState,
		MotivationScore:   t.MotivationScore,
		CreatedAt:         now,
	})
}

// biasFloor is the tuned channel bias under which a category's policy
// entry is overridden toward the UI queue.
const biasFloor = 0.5

// pickChannel resolves the channel policy for a category and user state.
// Lookup order: exact state, "*" wildcard, then the UI queue.
func (r *Router) pickChannel(category, userState string) string {
	if r.ChannelBias(category) < biasFloor {
		return QueueChannel
	}
	byState, ok := r.cfg.ChannelPolicy[category]
	if !ok {
		return QueueChannel
	}
	if ch, ok := byState[userState]; ok && ch != "" {
		return ch
	}
	if ch, ok := byState["*"]; ok && ch != "" {
		return ch
	}
	return QueueChannel
}

// ExpireQueue transitions stale pending queue entries.
func (r *Router) ExpireQueue(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-time.Duration(r.cfg.QueueExpireMin) * time.Minute)
	return r.store.ExpireQueued(ctx, cutoff)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Normalize reduces content to its comparable core for duplicate
// detection: lowercase, punctuation stripped, whitespace collapsed.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

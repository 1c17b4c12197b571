// Package consolidate runs the episodic-to-semantic memory pass: recent
// thoughts, user conversation turns, emotion entries, and prior reflections
// are clustered by similarity, and each sufficiently important cluster is
// abstracted into a reflection and folded into the knowledge graph. A
// cluster that pulls in an earlier reflection nests under it: the new
// reflection points at that parent and sits one depth level above it, and
// the parent is retired as integrated. Consolidation is idempotent per
// source set, so re-running over the same window produces no duplicate
// entries.
package consolidate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"companion/internal/config"
	"companion/internal/deliberate"
	"companion/internal/embedding"
	"companion/internal/logging"
	"companion/internal/store"
)

// maxWindowItems bounds how much of the window one pass considers, per
// source kind.
const maxWindowItems = 200

// Source kinds a cluster can draw from.
const (
	sourceThought      = "thought"
	sourceReflection   = "reflection"
	sourceConversation = "conversation"
	sourceEmotion      = "emotion"
)

// Importance weights for sources that carry no motivation score of their
// own. A reflection is already distilled understanding; a raw conversation
// turn is weak evidence on its own.
const (
	reflectionWeight   = 0.8
	conversationWeight = 0.3
)

// item is one clusterable memory unit.
type item struct {
	id      string
	kind    string
	content string
	weight  float64
	depth   int // reflection depth, 0 for everything else
}

// Consolidator clusters and abstracts episodic memory.
type Consolidator struct {
	store  *store.Store
	llm    deliberate.Client
	engine embedding.Engine
	cfg    config.ConsolidationConfig
}

// New creates a consolidator.
func New(st *store.Store, llm deliberate.Client, engine embedding.Engine, cfg config.ConsolidationConfig) *Consolidator {
	return &Consolidator{store: st, llm: llm, engine: engine, cfg: cfg}
}

// Run performs one consolidation pass and returns how many new reflections
// were created. Abstraction needs the deliberation model; without it the
// pass is a no-op rather than a source of low-quality entries.
func (c *Consolidator) Run(ctx context.Context, now time.Time) (int, error) {
	log := logging.Get(logging.CategoryConsolidate)

	if !c.llm.Available() {
		log.Debugf("deliberation unavailable, skipping consolidation")
		return 0, nil
	}

	since := now.Add(-time.Duration(c.cfg.LookbackHours) * time.Hour)
	items, err := c.window(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("load window: %w", err)
	}
	if len(items) < c.cfg.MinClusterSize {
		return 0, nil
	}

	clusters := c.cluster(ctx, items)
	created := 0
	for _, cl := range clusters {
		if len(cl) < c.cfg.MinClusterSize {
			continue
		}
		importance := 0.0
		ids := make([]string, 0, len(cl))
		for _, it := range cl {
			importance += it.weight
			ids = append(ids, it.id)
		}
		if importance < c.cfg.ImportanceThreshold {
			continue
		}

		// Cheap idempotence check before spending a model call.
		if done, err := c.store.HasConsolidationForSourceSet(ctx, store.HashSourceSet(ids)); err != nil {
			return created, err
		} else if done {
			continue
		}

		ok, err := c.abstract(ctx, cl, ids, importance, now)
		if err != nil {
			log.Warnf("cluster abstraction failed: %v", err)
			continue
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		log.Infof("consolidation created %d reflections from %d memory units", created, len(items))
	}
	return created, nil
}

// window loads the clusterable memory units for one pass: recent thoughts,
// active reflections, user conversation turns, and emotion entries.
func (c *Consolidator) window(ctx context.Context, since time.Time) ([]*item, error) {
	var items []*item

	thoughts, err := c.store.RecentThoughts(ctx, since, maxWindowItems)
	if err != nil {
		return nil, err
	}
	for _, t := range thoughts {
		items = append(items, &item{
			id: t.ID, kind: sourceThought, content: t.Content, weight: t.MotivationScore,
		})
	}

	reflections, err := c.store.ActiveReflections(ctx, maxWindowItems)
	if err != nil {
		return nil, err
	}
	for _, r := range reflections {
		items = append(items, &item{
			id: r.ID, kind: sourceReflection, content: r.Content,
			weight: reflectionWeight, depth: r.DepthLevel,
		})
	}

	turns, err := c.store.RecentConversations(ctx, since)
	if err != nil {
		return nil, err
	}
	for _, turn := range turns {
		if turn.Role != "user" {
			continue
		}
		items = append(items, &item{
			id: turn.ID, kind: sourceConversation, content: turn.Content, weight: conversationWeight,
		})
	}

	emotions, err := c.store.RecentEmotions(ctx, since)
	if err != nil {
		return nil, err
	}
	for _, e := range emotions {
		content := "feeling " + e.Emotion
		if e.Context != "" {
			content += ": " + e.Context
		}
		items = append(items, &item{
			id: e.ID, kind: sourceEmotion, content: content, weight: e.Intensity,
		})
	}
	return items, nil
}

// cluster greedily groups items whose pairwise similarity clears the
// configured threshold.
func (c *Consolidator) cluster(ctx context.Context, items []*item) [][]*item {
	vecs := c.embedAll(ctx, items)

	assigned := make([]bool, len(items))
	var clusters [][]*item
	for i := range items {
		if assigned[i] {
			continue
		}
		cluster := []*item{items[i]}
		assigned[i] = true
		for j := i + 1; j < len(items); j++ {
			if assigned[j] {
				continue
			}
			if c.similar(items[i], items[j], vecs[i], vecs[j]) {
				cluster = append(cluster, items[j])
				assigned[j] = true
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

func (c *Consolidator) embedAll(ctx context.Context, items []*item) [][]float32 {
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.content
	}
	vecs, err := c.engine.EmbedBatch(ctx, texts)
	if err != nil {
		if err != embedding.ErrDisabled {
			logging.Get(logging.CategoryConsolidate).Debugf("batch embed failed, clustering on word overlap: %v", err)
		}
		return make([][]float32, len(items))
	}
	return vecs
}

func (c *Consolidator) similar(a, b *item, va, vb []float32) bool {
	if va != nil && vb != nil {
		return store.Cosine(va, vb) >= c.cfg.SimilarityThreshold
	}
	// Word-overlap fallback; the bar maps roughly onto the cosine one.
	return jaccard(a.content, b.content) >= c.cfg.SimilarityThreshold/2
}

// abstractResponse is the JSON contract for cluster abstraction.
type abstractResponse struct {
	Abstraction string  `json:"abstraction"`
	Type        string  `json:"type"` // insight, question, realization, growth
	Topic       string  `json:"topic"`
	Confidence  float64 `json:"confidence"`
}

// abstract asks the model to compress one cluster and persists the
// reflection, consolidation entry, and knowledge node in one transaction.
// When the cluster contains earlier reflections, the new one nests above
// the deepest of them and the absorbed parents are retired.
func (c *Consolidator) abstract(ctx context.Context, cluster []*item, ids []string, importance float64, now time.Time) (bool, error) {
	var lines []string
	for _, it := range cluster {
		lines = append(lines, "- "+it.content)
	}
	prompt := fmt.Sprintf(`These related memories occurred recently:
%s

Compress them into one higher-level understanding. Respond as JSON:
{"abstraction": "...", "type": "insight|question|realization|growth",
 "topic": "one or two words", "confidence": 0.0}`, strings.Join(lines, "\n"))

	resp, err := c.llm.Deliberate(ctx, &deliberate.Request{Prompt: prompt, JSON: true})
	if err != nil {
		return false, err
	}
	var parsed abstractResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return false, fmt.Errorf("parse abstraction: %w", err)
	}
	if parsed.Abstraction == "" {
		return false, fmt.Errorf("empty abstraction")
	}
	if !validReflectionType(parsed.Type) {
		parsed.Type = "insight"
	}

	var thoughtIDs, emotionIDs []string
	var parents []*item
	parentID := ""
	depth := 1
	sourceType := "thoughts"
	for _, it := range cluster {
		switch it.kind {
		case sourceThought:
			thoughtIDs = append(thoughtIDs, it.id)
		case sourceEmotion:
			emotionIDs = append(emotionIDs, it.id)
			sourceType = "mixed"
		case sourceReflection:
			parents = append(parents, it)
			if it.depth >= depth {
				parentID = it.id
				depth = it.depth + 1
			}
			sourceType = "mixed"
		default:
			sourceType = "mixed"
		}
	}

	var vec []float32
	if v, err := c.engine.Embed(ctx, parsed.Abstraction); err == nil {
		vec = v
	}
	// Merge into an existing knowledge node when one is close enough.
	nodeID, err := c.store.NearestKnowledgeNode(ctx, vec, c.cfg.SimilarityThreshold)
	if err != nil {
		return false, err
	}

	inserted := false
	err = c.store.WithTx(ctx, func(tx *sql.Tx) error {
		entry := &store.ConsolidationEntry{
			SourceType:   sourceType,
			SourceCount:  len(ids),
			TopicCluster: parsed.Topic,
			Abstraction:  parsed.Abstraction,
			TargetType:   "knowledge_node",
			Confidence:   clamp(parsed.Confidence),
			SourceIDs:    ids,
			CreatedAt:    now,
		}
		var err error
		inserted, err = store.InsertConsolidationTx(tx, entry)
		if err != nil || !inserted {
			return err
		}

		targetID, err := store.UpsertKnowledgeNodeTx(tx, nodeID, parsed.Abstraction, clamp(parsed.Confidence), vec, now)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE consolidation_log SET target_id = ? WHERE id = ?`, targetID, entry.ID); err != nil {
			return fmt.Errorf("link consolidation target: %w", err)
		}

		reflection := &store.Reflection{
			Type:               parsed.Type,
			Content:            parsed.Abstraction,
			TriggerSummary:     fmt.Sprintf("%d related memories about %s", len(ids), parsed.Topic),
			ImportanceSum:      importance,
			SourceThoughtIDs:   thoughtIDs,
			SourceEmotionIDs:   emotionIDs,
			DepthLevel:         depth,
			ParentReflectionID: parentID,
			IntegratedInto:     targetID,
			Embedding:          vec,
			CreatedAt:          now,
		}
		if err := store.InsertReflectionTx(tx, reflection); err != nil {
			return err
		}
		for _, p := range parents {
			if err := store.MarkReflectionIntegratedTx(tx, p.id, reflection.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return inserted, err
}

func validReflectionType(t string) bool {
	switch t {
	case "insight", "question", "realization", "growth":
		return true
	}
	return false
}

// jaccard is the word-overlap similarity used when embeddings are off.
func jaccard(a, b string) float64 {
	wordsA := wordSet(a)
	wordsB := wordSet(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}
	inter := 0
	for w := range wordsA {
		if wordsB[w] {
			inter++
		}
	}
	union := len(wordsA) + len(wordsB) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		if len(w) > 2 {
			set[strings.Trim(w, ".,!?;:")] = true
		}
	}
	return set
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// timeLayout keeps timezone offsets in every persisted timestamp.
const timeLayout = time.RFC3339Nano

// StimulusType classifies stimuli by their originating concern.
type StimulusType string

const (
	StimulusTemporal    StimulusType = "temporal"
	StimulusEmotional   StimulusType = "emotional"
	StimulusPattern     StimulusType = "pattern"
	StimulusCalendar    StimulusType = "calendar"
	StimulusSocial      StimulusType = "social"
	StimulusGoal        StimulusType = "goal"
	StimulusAnniversary StimulusType = "anniversary"
	StimulusOther       StimulusType = "other"
)

// Stimulus is a candidate perception awaiting attention.
type Stimulus struct {
	ID                string
	Type              StimulusType
	Content           string
	Source            string // codelet name
	RawData           map[string]any
	ContentHash       string
	Embedding         []float32
	SalienceScore     float64
	SalienceBreakdown map[string]float64
	ActedUpon         bool
	CreatedAt         time.Time
}

// HashContent derives the dedup key for a stimulus.
func HashContent(source, content string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + content))
	return hex.EncodeToString(sum[:])
}

// ThoughtType distinguishes fast template thoughts from deliberative ones.
type ThoughtType string

const (
	ThoughtSystem1 ThoughtType = "system1"
	ThoughtSystem2 ThoughtType = "system2"
)

// ThoughtStatus is the thought lifecycle state.
type ThoughtStatus string

const (
	ThoughtActive    ThoughtStatus = "active"
	ThoughtExpressed ThoughtStatus = "expressed"
	ThoughtDecayed   ThoughtStatus = "decayed"
	ThoughtEvolved   ThoughtStatus = "evolved"
)

// MotivationBreakdown carries the five motivation components, each in [0,1].
type MotivationBreakdown struct {
	Relevance   float64 `json:"relevance"`
	Urgency     float64 `json:"urgency"`
	Impact      float64 `json:"impact"`
	Coherence   float64 `json:"coherence"`
	Originality float64 `json:"originality"`
}

// MotivationWeights are the per-component weights the thought engine folds
// a breakdown with. Tunable at runtime within bounded ranges.
type MotivationWeights struct {
	Relevance   float64
	Urgency     float64
	Impact      float64
	Coherence   float64
	Originality float64
}

// DefaultMotivationWeights returns the starting weights.
func DefaultMotivationWeights() MotivationWeights {
	return MotivationWeights{Relevance: 0.25, Urgency: 0.20, Impact: 0.25, Coherence: 0.15, Originality: 0.15}
}

// Score folds the breakdown into the aggregate motivation drive using the
// default weights.
func (m MotivationBreakdown) Score() float64 {
	return m.WeightedScore(DefaultMotivationWeights())
}

// WeightedScore folds the breakdown with explicit weights.
func (m MotivationBreakdown) WeightedScore(w MotivationWeights) float64 {
	return w.Relevance*m.Relevance + w.Urgency*m.Urgency + w.Impact*m.Impact +
		w.Coherence*m.Coherence + w.Originality*m.Originality
}

// Thought is an internal candidate utterance produced from stimuli.
type Thought struct {
	ID                  string
	Type                ThoughtType
	Content             string
	Category            string // expression category for routing and care gates
	StimulusIDs         []string
	MemoryContext       map[string]any
	MotivationScore     float64
	MotivationBreakdown MotivationBreakdown
	Status              ThoughtStatus
	EvolvedFrom         string
	ExpressedVia        string
	ExpressedAt         time.Time
	CreatedAt           time.Time
}

// SuppressReason records why an expression was not emitted.
type SuppressReason string

const (
	SuppressNone        SuppressReason = "none"
	SuppressDuplicate   SuppressReason = "duplicate"
	SuppressRateLimit   SuppressReason = "rate_limit"
	SuppressDND         SuppressReason = "dnd"
	SuppressStateFilter SuppressReason = "state_filter"
	SuppressQuality     SuppressReason = "quality"
)

// ExpressionAttempt is the durable record of one routing decision.
type ExpressionAttempt struct {
	ID                 string
	ThoughtID          string
	Category           string
	Channel            string
	MessageSent        string
	NormalizedContent  string
	Success            bool
	SuppressReason     SuppressReason
	DetectedUserState  string
	MotivationScore    float64
	UserResponse       string
	EffectivenessScore float64
	Scored             bool
	CreatedAt          time.Time
}

// QueuedExpression is a pending message for the UI surface.
type QueuedExpression struct {
	ID                 string
	ThoughtID          string
	Category           string
	Message            string
	Status             string // pending, shown, expired
	ShownAt            time.Time
	UserResponse       string
	EffectivenessScore float64
	CreatedAt          time.Time
}

// CritiqueEntry is one self-critique evaluation of a candidate expression.
type CritiqueEntry struct {
	ID                 string
	ThoughtID          string
	VerificationPassed bool
	QualityScore       float64
	UncertaintyLevel   float64
	PrincipleScores    map[string]float64
	CreatedAt          time.Time
}

// Reflection is a higher-order abstraction over clustered episodes.
type Reflection struct {
	ID                 string
	Type               string // insight, question, realization, growth
	Content            string
	TriggerSummary     string
	ImportanceSum      float64
	SourceThoughtIDs   []string
	SourceEmotionIDs   []string
	DepthLevel         int
	ParentReflectionID string
	Status             string // active, integrated, superseded
	IntegratedInto     string
	Embedding          []float32
	CreatedAt          time.Time
}

// ConsolidationEntry logs one cluster abstraction.
type ConsolidationEntry struct {
	ID            string
	SourceType    string
	SourceCount   int
	TopicCluster  string
	Abstraction   string
	TargetType    string // knowledge_node, learning, preference
	TargetID      string
	Confidence    float64
	SourceIDs     []string
	SourceSetHash string
	CreatedAt     time.Time
}

// HashSourceSet produces the idempotence key for a consolidation source set.
// Order-insensitive: the same ids in any order hash identically.
func HashSourceSet(ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Pattern is a mined recurring regularity.
type Pattern struct {
	ID            string
	Family        string
	StructuralKey string
	Description   string
	Confidence    float64
	SupportCount  int
	Detail        map[string]any
	CreatedAt     time.Time
}

// Prediction is a time-bound forecast derived from a pattern.
type Prediction struct {
	ID             string
	PredictionType string
	PredictionText string
	Confidence     float64
	PredictedTime  time.Time
	BasedOnPattern string
	Verified       bool
	OutcomeCorrect bool
	VerifiedAt     time.Time
	CreatedAt      time.Time
}

// RewardSignal combines explicit, implicit, and self-eval feedback for one
// expression attempt. Nil component pointers mean the component was absent
// and its weight was redistributed.
type RewardSignal struct {
	ID                     string
	AttemptID              string
	ExplicitScore          *float64
	ImplicitScore          *float64
	SelfEvalScore          *float64
	CombinedReward         float64
	ExplicitSource         string
	ImplicitClassification string
	PrinciplesEvaluated    []string
	ConversationID         string
	ScoredAt               time.Time
}

// PreferencePair captures an observed correction for preference learning.
type PreferencePair struct {
	ID                 string
	UserMessage        string
	PreferredResponse  string
	RejectedResponse   string
	PreferenceStrength float64
	CreatedAt          time.Time
}

// PlanStatus is the plan lifecycle state.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanActive    PlanStatus = "active"
	PlanPaused    PlanStatus = "paused"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Plan is a DAG of steps.
type Plan struct {
	ID             string
	Name           string
	Status         PlanStatus
	Priority       int
	TotalSteps     int
	CompletedSteps int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StepStatus is the plan-step lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// PlanStep is one unit of work inside a plan.
type PlanStep struct {
	ID            string
	PlanID        string
	StepOrder     int
	ActionType    string
	ActionPayload map[string]any
	Dependencies  []string
	Optional      bool
	Status        StepStatus
	ResultData    map[string]any
	RetryCount    int
	StartedAt     time.Time
	CompletedAt   time.Time
}

// ToolDescriptor is the persisted registry row for a named external action.
type ToolDescriptor struct {
	Name                 string
	Category             string
	ParametersSchema     string // JSON schema document
	RequiresConfirmation bool
	CostTier             int
	Enabled              bool
	TotalExecutions      int
	TotalSuccesses       int
	CreatedAt            time.Time
}

// CareState is one wellbeing snapshot with a validity interval.
type CareState struct {
	ID               string
	Energy           float64
	Stress           float64
	Sleep            float64
	Fatigue          float64
	Wellbeing        float64
	UserState        string
	DetectionContext string
	ValidUntil       time.Time
	CreatedAt        time.Time
}

// ConversationTurn is an episodic row written by external adapters.
type ConversationTurn struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Embedding      []float32
	CreatedAt      time.Time
}

// EmotionEntry is a logged user emotion observation.
type EmotionEntry struct {
	ID        string
	Emotion   string
	Intensity float64
	Context   string
	CreatedAt time.Time
}

// CalendarEvent is a read-only calendar row for codelets.
type CalendarEvent struct {
	ID              string
	Title           string
	StartsAt        time.Time
	EndsAt          time.Time
	Location        string
	RecurringAnnual bool
	CreatedAt       time.Time
}

// Goal is an active user goal for relevance scoring.
type Goal struct {
	ID        string
	Title     string
	Status    string
	Priority  int
	Deadline  time.Time
	CreatedAt time.Time
}

// WeightChange is one bounded tuning step taken by the evolution loop.
type WeightChange struct {
	ID        string
	Knob      string
	OldValue  float64
	NewValue  float64
	Reason    string
	CreatedAt time.Time
}

// marshalJSON serializes nullable structured columns, returning "" for nil.
func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalInto(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}

func unmarshalMap(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func unmarshalFloatMap(s string) map[string]float64 {
	if s == "" {
		return nil
	}
	var m map[string]float64
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalVector(s string) []float32 {
	if s == "" {
		return nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

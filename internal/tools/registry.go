// Package tools is the action surface: a registry of named tools with JSON
// Schema validated parameters, persisted descriptors and execution stats,
// and a confirmation handshake for tools that touch the outside world.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"companion/internal/logging"
	"companion/internal/store"
)

// confirmationTTL is how long an issued confirmation token stays valid.
const confirmationTTL = 10 * time.Minute

var (
	// ErrUnknownTool is returned for names never registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrToolDisabled is returned when a registered tool is switched off.
	ErrToolDisabled = errors.New("tool disabled")
	// ErrConfirmationRequired signals the caller must confirm before the
	// tool runs; Result.ConfirmationToken carries the token to use.
	ErrConfirmationRequired = errors.New("confirmation required")
	// ErrBadToken is returned for unknown, expired, or reused tokens.
	ErrBadToken = errors.New("invalid confirmation token")
)

// Handler executes one tool call.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Tool is one registered action.
type Tool struct {
	Name                 string
	Category             string
	ParametersSchema     string // JSON Schema, empty means any params
	RequiresConfirmation bool
	CostTier             string // free, cheap, expensive
	Handler              Handler
}

// Result is the outcome of an Execute call.
type Result struct {
	Data              map[string]any
	ConfirmationToken string
	DurationMS        int64
}

type pendingCall struct {
	tool      string
	params    map[string]any
	expiresAt time.Time
}

// Registry holds registered tools and their compiled parameter schemas.
type Registry struct {
	mu       sync.Mutex
	store    *store.Store
	tools    map[string]*Tool
	schemas  map[string]*jsonschema.Schema
	pending  map[string]pendingCall
	disabled map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{
		store:    st,
		tools:    make(map[string]*Tool),
		schemas:  make(map[string]*jsonschema.Schema),
		pending:  make(map[string]pendingCall),
		disabled: make(map[string]bool),
	}
}

// Register compiles the tool's parameter schema and persists its
// descriptor. Execution counters survive re-registration.
func (r *Registry) Register(ctx context.Context, t *Tool, now time.Time) error {
	if t.Name == "" || t.Handler == nil {
		return errors.New("tool needs a name and a handler")
	}

	var schema *jsonschema.Schema
	if t.ParametersSchema != "" {
		var doc any
		if err := json.Unmarshal([]byte(t.ParametersSchema), &doc); err != nil {
			return fmt.Errorf("tool %s: parse schema: %w", t.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("tool %s: add schema resource: %w", t.Name, err)
		}
		compiled, err := c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
		}
		schema = compiled
	}

	if t.CostTier == "" {
		t.CostTier = "free"
	}
	err := r.store.UpsertToolDescriptor(ctx, &store.ToolDescriptor{
		Name: t.Name, Category: t.Category, ParametersSchema: t.ParametersSchema,
		RequiresConfirmation: t.RequiresConfirmation, CostTier: t.CostTier,
		Enabled: true, CreatedAt: now,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tools[t.Name] = t
	if schema != nil {
		r.schemas[t.Name] = schema
	}
	r.mu.Unlock()
	return nil
}

// SetEnabled switches a tool on or off without unregistering it.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	r.disabled[name] = !enabled
	r.mu.Unlock()
}

// Names returns registered tool names alphabetically.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute validates params and runs the tool. Tools requiring confirmation
// do not run; instead the result carries a token for Confirm, alongside
// ErrConfirmationRequired.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, now time.Time) (*Result, error) {
	r.mu.Lock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	off := r.disabled[name]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if off {
		return nil, fmt.Errorf("%w: %s", ErrToolDisabled, name)
	}
	if err := validate(schema, params); err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}

	if tool.RequiresConfirmation {
		token := uuid.NewString()
		r.mu.Lock()
		r.pending[token] = pendingCall{tool: name, params: params, expiresAt: now.Add(confirmationTTL)}
		r.mu.Unlock()
		return &Result{ConfirmationToken: token}, ErrConfirmationRequired
	}
	return r.run(ctx, tool, params, now)
}

// Confirm runs a previously issued pending call. Tokens are single use.
func (r *Registry) Confirm(ctx context.Context, token string, now time.Time) (*Result, error) {
	r.mu.Lock()
	call, ok := r.pending[token]
	if ok {
		delete(r.pending, token)
	}
	tool := r.tools[call.tool]
	r.mu.Unlock()

	if !ok || now.After(call.expiresAt) || tool == nil {
		return nil, ErrBadToken
	}
	return r.run(ctx, tool, call.params, now)
}

// run executes the handler and records the attempt with its outcome.
func (r *Registry) run(ctx context.Context, tool *Tool, params map[string]any, now time.Time) (*Result, error) {
	log := logging.Get(logging.CategoryTools)

	start := time.Now()
	data, err := tool.Handler(ctx, params)
	duration := time.Since(start)

	summary := "ok"
	if err != nil {
		summary = err.Error()
	}
	if recErr := r.store.RecordToolExecution(ctx, tool.Name, params, err == nil, summary, duration, now); recErr != nil {
		log.Errorf("record execution of %s: %v", tool.Name, recErr)
	}
	if err != nil {
		log.Warnf("tool %s failed in %s: %v", tool.Name, duration, err)
		return nil, err
	}
	log.Debugf("tool %s ok in %s", tool.Name, duration)
	return &Result{Data: data, DurationMS: duration.Milliseconds()}, nil
}

// Run lets the registry serve as the planner's action runner. Plans run
// unattended, so confirmation-gated tools are refused here.
func (r *Registry) Run(ctx context.Context, actionType string, payload map[string]any) (map[string]any, error) {
	res, err := r.Execute(ctx, actionType, payload, time.Now())
	if errors.Is(err, ErrConfirmationRequired) {
		return nil, fmt.Errorf("tool %s needs user confirmation and cannot run from a plan", actionType)
	}
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func validate(schema *jsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}
	// The validator wants plain decoded JSON values.
	var doc any = map[string]any(params)
	if params == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

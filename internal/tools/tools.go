// Package tools defines the callable-tool surface the LLM loops draw from:
// the Tool interface, a thread-safe registry, the device tool manifest, and
// the synthetic tools the orchestrator and pipeline inject (escalate,
// task.dispatch).
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/internal/toolloop"
)

// Tool is one named, schema-described capability the model may invoke.
// IDs are dotted and canonical ("memory.search", "fs.read"); adapters
// handle vendor naming rules downstream.
type Tool interface {
	ID() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Definition is the loaned-out description of a tool, what the manifest
// carries and what gets offered to the model.
type Definition struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// LLMTool converts a definition for the provider layer.
func (d Definition) LLMTool() llm.Tool {
	params := d.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
	}
	return llm.Tool{Name: d.ID, Description: d.Description, Parameters: params}
}

// Registry holds tools by id. Registration replaces; lookups are safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.ID()] = t
}

// Get returns a tool by id.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// IDs returns every registered tool id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Definitions returns the definitions of the given ids, skipping unknown
// ones. A nil ids slice means every registered tool.
func (r *Registry) Definitions(ids []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ids == nil {
		ids = make([]string, 0, len(r.tools))
		for id := range r.tools {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	defs := make([]Definition, 0, len(ids))
	for _, id := range ids {
		t, ok := r.tools[id]
		if !ok {
			continue
		}
		defs = append(defs, Definition{ID: t.ID(), Description: t.Description(), Parameters: t.Schema()})
	}
	return defs
}

// Handlers builds a toolloop handler map over the given ids. Unknown ids
// are skipped; the loop answers calls to them with an error result.
func (r *Registry) Handlers(ids []string) map[string]toolloop.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ids == nil {
		for id := range r.tools {
			ids = append(ids, id)
		}
	}
	handlers := make(map[string]toolloop.Handler, len(ids))
	for _, id := range ids {
		t, ok := r.tools[id]
		if !ok {
			continue
		}
		tool := t
		handlers[id] = func(ctx context.Context, args json.RawMessage) (string, error) {
			return tool.Execute(ctx, args)
		}
	}
	return handlers
}

// Intersect filters wanted ids down to those present in the manifest,
// preserving the wanted order. Used by the step runner to honor per-step
// tool grants.
func Intersect(manifest []Definition, wanted []string) []Definition {
	byID := make(map[string]Definition, len(manifest))
	for _, d := range manifest {
		byID[d.ID] = d
	}
	out := make([]Definition, 0, len(wanted))
	for _, id := range wanted {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// LLMTools converts a definition slice for the provider layer.
func LLMTools(defs []Definition) []llm.Tool {
	out := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.LLMTool())
	}
	return out
}

// FuncTool wraps a plain function as a Tool. Used for synthetic tools whose
// behavior is a closure over loop state.
type FuncTool struct {
	ToolID   string
	Desc     string
	Params   json.RawMessage
	ExecFunc func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t *FuncTool) ID() string              { return t.ToolID }
func (t *FuncTool) Description() string     { return t.Desc }
func (t *FuncTool) Schema() json.RawMessage { return t.Params }

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if t.ExecFunc == nil {
		return "", fmt.Errorf("tool %s has no executor", t.ToolID)
	}
	return t.ExecFunc(ctx, args)
}

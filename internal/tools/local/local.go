// Package local implements the tools a device executes on its own machine:
// workspace file access, shell commands, and memory search. The agent
// advertises these in its handshake manifest and serves them when
// execution_command frames arrive.
package local

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dotbot-ai/dotbot/internal/tools"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// Set is the agent's registered local tool collection.
type Set struct {
	registry *tools.Registry
}

// Config controls the local tool surface.
type Config struct {
	// Root is the directory file tools are confined to.
	Root string
	// MaxReadBytes caps one fs.read result.
	MaxReadBytes int
}

// NewSet registers the standard local tools. memory may be nil on devices
// without a memory store.
func NewSet(cfg Config, mem MemorySearcher) *Set {
	reg := tools.NewRegistry()
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = 200000
	}
	res := resolver{root: cfg.Root}
	reg.Register(&readTool{res: res, limit: cfg.MaxReadBytes})
	reg.Register(&writeTool{res: res})
	reg.Register(&listTool{res: res})
	reg.Register(&shellTool{root: cfg.Root})
	if mem != nil {
		reg.Register(&memorySearchTool{mem: mem})
	}
	return &Set{registry: reg}
}

// Registry exposes the underlying tool registry.
func (s *Set) Registry() *tools.Registry { return s.registry }

// Manifest is what the device advertises at handshake.
func (s *Set) Manifest() []models.ToolDescriptor {
	defs := s.registry.Definitions(nil)
	out := make([]models.ToolDescriptor, 0, len(defs))
	for _, d := range defs {
		out = append(out, models.ToolDescriptor{
			ID:          d.ID,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

// Execute implements transport.LocalExecutor.
func (s *Set) Execute(ctx context.Context, toolID string, args json.RawMessage) (string, error) {
	t, ok := s.registry.Get(toolID)
	if !ok {
		return "", fmt.Errorf("local: unknown tool %q", toolID)
	}
	return t.Execute(ctx, args)
}

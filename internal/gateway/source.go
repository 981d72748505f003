package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dotbot-ai/dotbot/internal/dot"
	"github.com/dotbot-ai/dotbot/internal/pipeline"
	"github.com/dotbot-ai/dotbot/internal/tailor"
	"github.com/dotbot-ai/dotbot/internal/tools"
	"github.com/dotbot-ai/dotbot/internal/transport"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// snapshotToolID is the reserved agent-side tool that serializes the
// device's memory, personas, and principles.
const snapshotToolID = "context.snapshot"

const snapshotTimeout = 15 * time.Second

// BridgeSource fetches agent context over the device bridge. It implements
// pipeline.ContextSource and feeds dot.PromptContext.
type BridgeSource struct {
	hub *transport.Hub

	mu        sync.RWMutex
	manifests map[string][]tools.Definition
}

// NewBridgeSource builds a source over the hub.
func NewBridgeSource(hub *transport.Hub) *BridgeSource {
	return &BridgeSource{hub: hub, manifests: make(map[string][]tools.Definition)}
}

// SetManifest records the tool manifest a device advertised at handshake.
func (b *BridgeSource) SetManifest(deviceID string, manifest []models.ToolDescriptor) {
	defs := make([]tools.Definition, 0, len(manifest))
	for _, entry := range manifest {
		if entry.ID == snapshotToolID {
			continue // internal, never offered to models
		}
		defs = append(defs, tools.Definition{
			ID:          entry.ID,
			Description: entry.Description,
			Parameters:  entry.Parameters,
		})
	}
	b.mu.Lock()
	b.manifests[deviceID] = defs
	b.mu.Unlock()
}

// Manifest returns the recorded manifest for a device.
func (b *BridgeSource) Manifest(deviceID string) []tools.Definition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.manifests[deviceID]
}

// snapshot pulls the device's context over the bridge. A disconnected
// device degrades to an empty snapshot so prompts still get answered,
// just without memory.
func (b *BridgeSource) snapshot(ctx context.Context, deviceID string) (models.ContextSnapshot, error) {
	var snap models.ContextSnapshot
	raw, err := b.hub.ExecuteTool(ctx, deviceID, snapshotToolID, nil, snapshotTimeout)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return snap, fmt.Errorf("gateway: malformed context snapshot from %s: %w", deviceID, err)
	}
	return snap, nil
}

// AgentContext implements pipeline.ContextSource.
func (b *BridgeSource) AgentContext(ctx context.Context, deviceID string) (*pipeline.AgentContext, error) {
	snap, err := b.snapshot(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return &pipeline.AgentContext{
		Personas: snap.Personas,
		Councils: snap.Councils,
		Manifest: b.Manifest(deviceID),
		Spines:   snap.Spines,
		Research: snap.Research,
		History:  snap.History,
	}, nil
}

// PromptContext assembles Dot's context for one prompt. Bridge failures
// degrade to tool-less, memory-less context rather than failing the
// prompt.
func (b *BridgeSource) PromptContext(ctx context.Context, deviceID string) (dot.PromptContext, []models.PersonaProfile) {
	snap, err := b.snapshot(ctx, deviceID)
	if err != nil {
		return dot.PromptContext{}, nil
	}
	principles := make([]tailor.Principle, 0, len(snap.Principles))
	for _, p := range snap.Principles {
		principles = append(principles, tailor.Principle{Name: p.Name, Body: p.Body})
	}
	return dot.PromptContext{
		History:    snap.History,
		Spines:     snap.Spines,
		Cache:      snap.Research,
		Manifest:   b.Manifest(deviceID),
		Principles: principles,
	}, snap.Personas
}

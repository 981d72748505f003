package local

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/dotbot-ai/dotbot/internal/tools"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// SnapshotToolID is the reserved tool the server invokes to pull device
// context. It is never offered to models.
const SnapshotToolID = "context.snapshot"

const (
	snapshotThreads  = 3
	snapshotMessages = 20
)

// SnapshotMemory is the slice of the memory store the snapshot reads.
type SnapshotMemory interface {
	Spines() ([]models.Spine, error)
	ResearchIndex() []models.ResearchEntry
	Recent(limit int) ([]models.ThreadInfo, error)
	Messages(threadID string) ([]models.ThreadMessage, error)
}

// SnapshotProvider assembles the context snapshot a device ships to the
// server: personas and councils from JSON files, principles from the
// markdown library, spines and research and recent history from memory.
type SnapshotProvider struct {
	Memory SnapshotMemory

	// ConfigDir holds personas.json, councils.json, and principles/.
	// Missing files mean empty sections.
	ConfigDir string
}

// RegisterSnapshot adds the reserved snapshot tool to the set.
func (s *Set) RegisterSnapshot(p *SnapshotProvider) {
	s.registry.Register(&tools.FuncTool{
		ToolID: SnapshotToolID,
		Desc:   "Report this device's current context to the server.",
		Params: json.RawMessage(`{"type":"object"}`),
		ExecFunc: func(ctx context.Context, args json.RawMessage) (string, error) {
			snap := p.Build()
			raw, err := json.Marshal(snap)
			if err != nil {
				return "", err
			}
			return string(raw), nil
		},
	})
}

// Build assembles the snapshot. Every section degrades independently: a
// missing file or unreadable thread yields an empty section, never an error.
func (p *SnapshotProvider) Build() models.ContextSnapshot {
	var snap models.ContextSnapshot
	readJSON(filepath.Join(p.ConfigDir, "personas.json"), &snap.Personas)
	readJSON(filepath.Join(p.ConfigDir, "councils.json"), &snap.Councils)
	snap.Principles = readPrinciples(filepath.Join(p.ConfigDir, "principles"))

	if p.Memory != nil {
		if spines, err := p.Memory.Spines(); err == nil {
			snap.Spines = spines
		}
		snap.Research = p.Memory.ResearchIndex()
		snap.History = p.recentHistory()
	}
	return snap
}

func (p *SnapshotProvider) recentHistory() []models.ThreadMessage {
	threads, err := p.Memory.Recent(snapshotThreads)
	if err != nil {
		return nil
	}
	var history []models.ThreadMessage
	for _, th := range threads {
		msgs, err := p.Memory.Messages(th.ThreadID)
		if err != nil {
			continue
		}
		history = append(history, msgs...)
	}
	if len(history) > snapshotMessages {
		history = history[len(history)-snapshotMessages:]
	}
	return history
}

func readJSON(path string, out interface{}) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, out)
}

func readPrinciples(dir string) []models.Principle {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []models.Principle
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, models.Principle{
			Name: strings.TrimSuffix(e.Name(), ".md"),
			Body: string(body),
		})
	}
	return out
}

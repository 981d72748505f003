// Package workspace manages the per-agent directories the pipeline works
// in. Each agent task gets one directory holding its persona, plan,
// intake knowledge, and output areas; plan.json is the single source of
// truth for progress and is flushed after every tool result.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dotbot-ai/dotbot/pkg/models"
)

// Well-known file names inside a workspace.
const (
	PersonaFile = "agent_persona.json"
	PlanFile    = "plan.json"
	IntakeFile  = "intake_knowledge.md"
)

// Retention is how long a finished workspace survives before GC.
const Retention = 24 * time.Hour

// ErrPlanUnavailable means plan.json is missing, empty, or torn mid-write.
// Readers retry; only the step runner writes.
var ErrPlanUnavailable = errors.New("workspace: plan unavailable")

// Manager owns the workspaces root.
type Manager struct {
	root string
	now  func() time.Time
}

// NewManager creates the root if needed.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}
	return &Manager{root: root, now: time.Now}, nil
}

// WithNow overrides the clock for tests.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Workspace is one agent task's directory.
type Workspace struct {
	AgentID string
	Dir     string
}

// Create builds the directory layout for an agent task.
func (m *Manager) Create(agentID string) (*Workspace, error) {
	ws := &Workspace{AgentID: agentID, Dir: filepath.Join(m.root, agentID)}
	for _, dir := range []string{
		ws.Dir,
		filepath.Join(ws.Dir, "workspace", "research"),
		filepath.Join(ws.Dir, "workspace", "output"),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("workspace: create %s: %w", dir, err)
		}
	}
	return ws, nil
}

// Open returns an existing workspace.
func (m *Manager) Open(agentID string) (*Workspace, error) {
	dir := filepath.Join(m.root, agentID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("workspace: %s not found", agentID)
	}
	return &Workspace{AgentID: agentID, Dir: dir}, nil
}

// List returns the agent ids with a workspace on disk.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("workspace: list: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (w *Workspace) PersonaPath() string { return filepath.Join(w.Dir, PersonaFile) }
func (w *Workspace) PlanPath() string    { return filepath.Join(w.Dir, PlanFile) }
func (w *Workspace) IntakePath() string  { return filepath.Join(w.Dir, IntakeFile) }
func (w *Workspace) ResearchDir() string { return filepath.Join(w.Dir, "workspace", "research") }
func (w *Workspace) OutputDir() string   { return filepath.Join(w.Dir, "workspace", "output") }

// SavePersona writes agent_persona.json atomically.
func (w *Workspace) SavePersona(p *models.AgentPersona) error {
	return writeAtomic(w.PersonaPath(), p)
}

// LoadPersona reads agent_persona.json.
func (w *Workspace) LoadPersona() (*models.AgentPersona, error) {
	data, err := os.ReadFile(w.PersonaPath())
	if err != nil {
		return nil, fmt.Errorf("workspace: read persona: %w", err)
	}
	var p models.AgentPersona
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("workspace: persona corrupt: %w", err)
	}
	return &p, nil
}

// SavePlan flushes plan.json atomically. Called after every tool result
// and at every step boundary.
func (w *Workspace) SavePlan(p *models.StepPlan) error {
	p.UpdatedAt = time.Now().UTC()
	return writeAtomic(w.PlanPath(), p)
}

// LoadPlan reads plan.json. Missing, empty, or torn files return
// ErrPlanUnavailable so readers can retry without treating it as fatal.
func (w *Workspace) LoadPlan() (*models.StepPlan, error) {
	data, err := os.ReadFile(w.PlanPath())
	if err != nil {
		return nil, ErrPlanUnavailable
	}
	if len(data) == 0 {
		return nil, ErrPlanUnavailable
	}
	var p models.StepPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, ErrPlanUnavailable
	}
	return &p, nil
}

// SaveIntake writes the intake knowledge document.
func (w *Workspace) SaveIntake(content string) error {
	return os.WriteFile(w.IntakePath(), []byte(content), 0o600)
}

// Listing renders a short recursive file listing for workspace briefings.
func (w *Workspace) Listing() string {
	var b strings.Builder
	root := w.Dir
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || path == root {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		if d.IsDir() {
			b.WriteString(rel + "/\n")
			return nil
		}
		b.WriteString(rel + "\n")
		return nil
	})
	return b.String()
}

// GC removes workspaces whose persona reached a terminal status more than
// Retention ago. Workspaces without a readable persona are left alone; the
// recovery scanner decides their fate.
func (m *Manager) GC() (removed []string, err error) {
	ids, err := m.List()
	if err != nil {
		return nil, err
	}
	cutoff := m.now().UTC().Add(-Retention)
	for _, id := range ids {
		ws, err := m.Open(id)
		if err != nil {
			continue
		}
		p, err := ws.LoadPersona()
		if err != nil {
			continue
		}
		if !p.Status.Terminal() {
			continue
		}
		finished := p.CompletedAt
		if finished.IsZero() {
			finished = p.UpdatedAt
		}
		if finished.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(ws.Dir); err != nil {
			return removed, fmt.Errorf("workspace: gc %s: %w", id, err)
		}
		removed = append(removed, id)
	}
	return removed, nil
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: encode %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ws-*")
	if err != nil {
		return fmt.Errorf("workspace: temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

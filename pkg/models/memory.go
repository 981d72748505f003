// Package models defines the core data types shared between the dotbot
// server and the local agent.
package models

import "time"

// MentalModel is a persistent structured belief about an entity: a person,
// a project, an API, a recurring situation. Models are mutated exclusively
// through MemoryDelta application; every application nudges confidence up.
type MentalModel struct {
	ID      string `json:"id"`
	Entity  string `json:"entity"`
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// Schema lists the attribute keys this model is allowed to populate.
	// Attribute writes carrying keys outside the schema are dropped.
	Schema []string `json:"schema"`

	Attributes    map[string]string `json:"attributes"`
	Relationships []string          `json:"relationships,omitempty"`
	Beliefs       []string          `json:"beliefs,omitempty"`
	OpenLoops     []string          `json:"open_loops,omitempty"`
	Constraints   []string          `json:"constraints,omitempty"`

	// RecentDialog keeps the last utterances touching this model, capped at
	// MaxRecentDialog entries, oldest dropped first.
	RecentDialog []string `json:"recent_dialog,omitempty"`

	// Confidence is in [0,1] and never decreases through delta application.
	Confidence  float64   `json:"confidence"`
	LastUpdated time.Time `json:"last_updated"`
}

// MaxRecentDialog bounds MentalModel.RecentDialog.
const MaxRecentDialog = 20

// MemoryDelta is the only mutation path for a mental model.
type MemoryDelta struct {
	// Additions maps sections to new entries. Supported section keys:
	// "attributes.<key>", "beliefs", "open_loops", "constraints",
	// "relationships", "recent_dialog".
	Additions map[string][]string `json:"additions,omitempty"`

	// Deductions lists entries to remove, same section addressing.
	Deductions map[string][]string `json:"deductions,omitempty"`

	// Summary is a one-line description of what changed, kept for audit.
	Summary string `json:"summary,omitempty"`
}

// Empty reports whether the delta would change nothing.
func (d *MemoryDelta) Empty() bool {
	return len(d.Additions) == 0 && len(d.Deductions) == 0
}

// Spine is the short form of a mental model used in prompts without loading
// the whole model.
type Spine struct {
	ID         string  `json:"id"`
	Entity     string  `json:"entity"`
	Type       string  `json:"type"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

// ThreadInfo describes a conversation thread in the memory index.
type ThreadInfo struct {
	ThreadID   string    `json:"thread_id"`
	Topic      string    `json:"topic"`
	LastActive time.Time `json:"last_active"`
	Archived   bool      `json:"archived,omitempty"`
}

// ThreadMessage is one turn stored in a thread file.
type ThreadMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ResearchEntry describes one cached research document.
type ResearchEntry struct {
	File      string    `json:"file"`
	Topic     string    `json:"topic"`
	Summary   string    `json:"summary,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Principle is one named operating instruction the user maintains on the
// device. The consolidator merges them into a single briefing.
type Principle struct {
	Name string `json:"name"`
	Body string `json:"body,omitempty"`
}

// ContextSnapshot is what a device ships to the server when asked for its
// current state: personas, tools aside, everything the orchestrator and
// pipeline need to ground a prompt.
type ContextSnapshot struct {
	Personas   []PersonaProfile `json:"personas,omitempty"`
	Councils   []Council        `json:"councils,omitempty"`
	Spines     []Spine          `json:"spines,omitempty"`
	Research   []ResearchEntry  `json:"research,omitempty"`
	History    []ThreadMessage  `json:"history,omitempty"`
	Principles []Principle      `json:"principles,omitempty"`
}

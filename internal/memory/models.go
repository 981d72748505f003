package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/dotbot-ai/dotbot/pkg/models"
)

// confidenceStep is how much one applied delta raises model confidence.
const confidenceStep = 0.05

func (s *Store) modelPath(id string) string {
	return filepath.Join(s.root, "models", id+".json")
}

// CreateModel persists a fresh mental model. Attributes outside the schema
// are dropped immediately so the invariant holds from birth.
func (s *Store) CreateModel(m models.MentalModel) (models.MentalModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Attributes == nil {
		m.Attributes = map[string]string{}
	}
	dropUnknownAttributes(&m)
	m.LastUpdated = s.now().UTC()
	if err := writeFileAtomic(s.modelPath(m.ID), &m); err != nil {
		return models.MentalModel{}, err
	}
	return m, nil
}

// GetModel loads one mental model.
func (s *Store) GetModel(id string) (models.MentalModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readModelLocked(id)
}

func (s *Store) readModelLocked(id string) (models.MentalModel, error) {
	data, err := os.ReadFile(s.modelPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return models.MentalModel{}, fmt.Errorf("memory: model %s not found", id)
		}
		return models.MentalModel{}, fmt.Errorf("memory: read model: %w", err)
	}
	var m models.MentalModel
	if err := json.Unmarshal(data, &m); err != nil {
		return models.MentalModel{}, fmt.Errorf("memory: model %s corrupt: %w", id, err)
	}
	return m, nil
}

// ListModels returns every stored model, sorted by entity.
func (s *Store) ListModels() ([]models.MentalModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.root, "models"))
	if err != nil {
		return nil, fmt.Errorf("memory: list models: %w", err)
	}
	var out []models.MentalModel
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		m, err := s.readModelLocked(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out, nil
}

// DeleteModel removes a model file.
func (s *Store) DeleteModel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.modelPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("memory: delete model: %w", err)
	}
	return nil
}

// ApplyDelta is the only mutation path for a mental model. Additions and
// deductions address sections by name ("beliefs", "open_loops",
// "constraints", "relationships", "recent_dialog", "attributes.<key>").
// After application, confidence rises by one step, capped at 1.
func (s *Store) ApplyDelta(id string, delta models.MemoryDelta) (models.MentalModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readModelLocked(id)
	if err != nil {
		return models.MentalModel{}, err
	}

	for section, entries := range delta.Deductions {
		applySection(&m, section, entries, false)
	}
	for section, entries := range delta.Additions {
		applySection(&m, section, entries, true)
	}
	dropUnknownAttributes(&m)
	if len(m.RecentDialog) > models.MaxRecentDialog {
		m.RecentDialog = m.RecentDialog[len(m.RecentDialog)-models.MaxRecentDialog:]
	}

	m.Confidence = min(1, m.Confidence+confidenceStep)
	m.LastUpdated = s.now().UTC()

	if err := writeFileAtomic(s.modelPath(id), &m); err != nil {
		return models.MentalModel{}, err
	}
	return m, nil
}

func applySection(m *models.MentalModel, section string, entries []string, add bool) {
	if key, ok := strings.CutPrefix(section, "attributes."); ok {
		if add {
			if len(entries) > 0 {
				if m.Attributes == nil {
					m.Attributes = map[string]string{}
				}
				m.Attributes[key] = entries[len(entries)-1]
			}
		} else {
			delete(m.Attributes, key)
		}
		return
	}

	var target *[]string
	switch section {
	case "beliefs":
		target = &m.Beliefs
	case "open_loops":
		target = &m.OpenLoops
	case "constraints":
		target = &m.Constraints
	case "relationships":
		target = &m.Relationships
	case "recent_dialog":
		target = &m.RecentDialog
	default:
		return
	}

	if add {
		for _, e := range entries {
			if !contains(*target, e) {
				*target = append(*target, e)
			}
		}
		return
	}
	kept := (*target)[:0]
	for _, existing := range *target {
		if !contains(entries, existing) {
			kept = append(kept, existing)
		}
	}
	*target = kept
}

// dropUnknownAttributes enforces the attributes-subset-of-schema invariant.
func dropUnknownAttributes(m *models.MentalModel) {
	if len(m.Schema) == 0 {
		return
	}
	allowed := make(map[string]bool, len(m.Schema))
	for _, k := range m.Schema {
		allowed[k] = true
	}
	for k := range m.Attributes {
		if !allowed[k] {
			delete(m.Attributes, k)
		}
	}
}

// Spines renders the short prompt form of every model.
func (s *Store) Spines() ([]models.Spine, error) {
	all, err := s.ListModels()
	if err != nil {
		return nil, err
	}
	out := make([]models.Spine, 0, len(all))
	for _, m := range all {
		out = append(out, models.Spine{
			ID:         m.ID,
			Entity:     m.Entity,
			Type:       m.Type,
			Summary:    spineSummary(m),
			Confidence: m.Confidence,
		})
	}
	return out, nil
}

func spineSummary(m models.MentalModel) string {
	var parts []string
	for _, k := range m.Schema {
		if v, ok := m.Attributes[k]; ok && v != "" {
			parts = append(parts, k+": "+v)
			if len(parts) >= 3 {
				break
			}
		}
	}
	if len(parts) == 0 && len(m.Beliefs) > 0 {
		parts = append(parts, m.Beliefs[0])
	}
	return strings.Join(parts, "; ")
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dotbot-ai/dotbot/pkg/models"
)

type researchIndex struct {
	Entries []models.ResearchEntry `json:"entries"`
}

func (s *Store) researchDir() string {
	return filepath.Join(s.root, "research-cache")
}

func (s *Store) researchIndexPath() string {
	return filepath.Join(s.researchDir(), "index.json")
}

func (s *Store) loadResearchIndexLocked() *researchIndex {
	idx := &researchIndex{}
	data, err := os.ReadFile(s.researchIndexPath())
	if err != nil {
		return idx
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return &researchIndex{}
	}
	return idx
}

// PutResearch stores a markdown research document and indexes it. The file
// name is derived from the topic.
func (s *Store) PutResearch(topic, summary, content string) (models.ResearchEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := slugify(topic) + ".md"
	if err := os.WriteFile(filepath.Join(s.researchDir(), file), []byte(content), 0o600); err != nil {
		return models.ResearchEntry{}, fmt.Errorf("memory: write research: %w", err)
	}

	entry := models.ResearchEntry{
		File:      file,
		Topic:     topic,
		Summary:   summary,
		UpdatedAt: s.now().UTC(),
	}
	idx := s.loadResearchIndexLocked()
	replaced := false
	for i := range idx.Entries {
		if idx.Entries[i].File == file {
			idx.Entries[i] = entry
			replaced = true
		}
	}
	if !replaced {
		idx.Entries = append(idx.Entries, entry)
	}
	sort.Slice(idx.Entries, func(i, j int) bool {
		return idx.Entries[i].UpdatedAt.After(idx.Entries[j].UpdatedAt)
	})
	if err := writeFileAtomic(s.researchIndexPath(), idx); err != nil {
		return models.ResearchEntry{}, err
	}
	return entry, nil
}

// ResearchIndex lists cached research entries, newest first.
func (s *Store) ResearchIndex() []models.ResearchEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadResearchIndexLocked().Entries
}

// ReadResearch returns a cached document's content by file name.
func (s *Store) ReadResearch(file string) (string, error) {
	// Index file names are slugs; reject anything trying to escape the
	// cache directory.
	if strings.Contains(file, "/") || strings.Contains(file, "..") {
		return "", fmt.Errorf("memory: invalid research file %q", file)
	}
	data, err := os.ReadFile(filepath.Join(s.researchDir(), file))
	if err != nil {
		return "", fmt.Errorf("memory: read research: %w", err)
	}
	return string(data), nil
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '.':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "untitled"
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

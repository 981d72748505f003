// Package skills manages the local skill library: one directory per skill
// under the skills root, each holding a SKILL.md with YAML frontmatter and
// a .version marker. The tailor's skill search runs against this store.
package skills

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillFilename and VersionFilename are the fixed per-skill file names.
const (
	SkillFilename   = "SKILL.md"
	VersionFilename = ".version"
)

const frontmatterDelimiter = "---"

// Skill is one parsed skill.
type Skill struct {
	Slug        string   `yaml:"-"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
	Version     string   `yaml:"-"`
	Body        string   `yaml:"-"`
}

// Store reads skills from a directory tree.
type Store struct {
	root string
}

// NewStore returns a store over the skills root. The directory is created
// if missing.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("skills: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// List parses every skill directory. Unparseable skills are skipped.
func (s *Store) List() ([]Skill, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("skills: read root: %w", err)
	}
	var out []Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		skill, err := s.Load(e.Name())
		if err != nil {
			continue
		}
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// Load parses one skill by slug.
func (s *Store) Load(slug string) (Skill, error) {
	if strings.Contains(slug, "/") || strings.Contains(slug, "..") {
		return Skill{}, fmt.Errorf("skills: invalid slug %q", slug)
	}
	data, err := os.ReadFile(filepath.Join(s.root, slug, SkillFilename))
	if err != nil {
		return Skill{}, fmt.Errorf("skills: read %s: %w", slug, err)
	}
	skill, err := Parse(data)
	if err != nil {
		return Skill{}, fmt.Errorf("skills: parse %s: %w", slug, err)
	}
	skill.Slug = slug
	if v, err := os.ReadFile(filepath.Join(s.root, slug, VersionFilename)); err == nil {
		skill.Version = strings.TrimSpace(string(v))
	}
	return skill, nil
}

// Save writes a skill directory, replacing any previous content.
func (s *Store) Save(skill Skill) error {
	if skill.Slug == "" {
		return fmt.Errorf("skills: empty slug")
	}
	dir := filepath.Join(s.root, skill.Slug)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("skills: create %s: %w", skill.Slug, err)
	}

	var b strings.Builder
	b.WriteString(frontmatterDelimiter + "\n")
	fm, err := yaml.Marshal(map[string]any{
		"name":        skill.Name,
		"description": skill.Description,
		"keywords":    skill.Keywords,
	})
	if err != nil {
		return err
	}
	b.Write(fm)
	b.WriteString(frontmatterDelimiter + "\n\n")
	b.WriteString(strings.TrimSpace(skill.Body) + "\n")

	if err := os.WriteFile(filepath.Join(dir, SkillFilename), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("skills: write %s: %w", skill.Slug, err)
	}
	version := skill.Version
	if version == "" {
		version = "1"
	}
	return os.WriteFile(filepath.Join(dir, VersionFilename), []byte(version+"\n"), 0o600)
}

// Search scores skills against a free-text query by keyword overlap.
// Returns matches best-first; an empty query returns nothing.
func (s *Store) Search(query string, limit int) ([]Skill, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	type scored struct {
		skill Skill
		score int
	}
	var hits []scored
	for _, skill := range all {
		score := 0
		haystacks := []struct {
			text   string
			weight int
		}{
			{strings.ToLower(skill.Name), 3},
			{strings.ToLower(strings.Join(skill.Keywords, " ")), 3},
			{strings.ToLower(skill.Description), 2},
			{strings.ToLower(skill.Body), 1},
		}
		for _, term := range terms {
			for _, h := range haystacks {
				if strings.Contains(h.text, term) {
					score += h.weight
				}
			}
		}
		if score > 0 {
			hits = append(hits, scored{skill, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Skill, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.skill)
	}
	return out, nil
}

// Parse splits SKILL.md frontmatter from the body and decodes it.
func Parse(data []byte) (Skill, error) {
	trimmed := bytes.TrimLeft(data, "\xef\xbb\xbf \n")
	if !bytes.HasPrefix(trimmed, []byte(frontmatterDelimiter)) {
		return Skill{}, fmt.Errorf("missing frontmatter")
	}
	rest := trimmed[len(frontmatterDelimiter):]
	end := bytes.Index(rest, []byte("\n"+frontmatterDelimiter))
	if end < 0 {
		return Skill{}, fmt.Errorf("unterminated frontmatter")
	}
	front := rest[:end]
	body := rest[end+len(frontmatterDelimiter)+1:]

	var skill Skill
	if err := yaml.Unmarshal(front, &skill); err != nil {
		return Skill{}, fmt.Errorf("frontmatter: %w", err)
	}
	if skill.Name == "" {
		return Skill{}, fmt.Errorf("skill name is required")
	}
	if skill.Description == "" {
		return Skill{}, fmt.Errorf("skill description is required")
	}
	skill.Body = strings.TrimSpace(string(body))
	return skill, nil
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

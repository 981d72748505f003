package local

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dotbot-ai/dotbot/pkg/models"
)

// MemorySearcher is the slice of the memory store the search tool needs.
type MemorySearcher interface {
	SearchArchive(keyword string) ([]models.ThreadInfo, error)
	ResearchIndex() []models.ResearchEntry
	ReadResearch(file string) (string, error)
}

type memorySearchTool struct {
	mem MemorySearcher
}

func (t *memorySearchTool) ID() string { return "memory.search" }

func (t *memorySearchTool) Description() string {
	return "Search archived conversation threads and the research cache by keyword."
}

func (t *memorySearchTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string", "description": "Keyword to look for"},
			"read":  map[string]interface{}{"type": "string", "description": "Research file to read in full instead of searching"},
		},
	})
}

func (t *memorySearchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var req struct {
		Query string `json:"query"`
		Read  string `json:"read"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req); err != nil {
			return "", fmt.Errorf("memory.search: %w", err)
		}
	}
	if file := strings.TrimSpace(req.Read); file != "" {
		return t.mem.ReadResearch(file)
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return "", fmt.Errorf("memory.search: query or read is required")
	}

	var b strings.Builder
	threads, err := t.mem.SearchArchive(query)
	if err != nil {
		return "", err
	}
	if len(threads) > 0 {
		b.WriteString("Archived threads:\n")
		for _, th := range threads {
			fmt.Fprintf(&b, "- %s (%s, last active %s)\n", th.Topic, th.ThreadID, th.LastActive.Format("2006-01-02"))
		}
	}
	lower := strings.ToLower(query)
	var research []models.ResearchEntry
	for _, entry := range t.mem.ResearchIndex() {
		if strings.Contains(strings.ToLower(entry.Topic), lower) || strings.Contains(strings.ToLower(entry.Summary), lower) {
			research = append(research, entry)
		}
	}
	if len(research) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Research cache:\n")
		for _, entry := range research {
			fmt.Fprintf(&b, "- %s: %s (file %s)\n", entry.Topic, entry.Summary, entry.File)
		}
	}
	if b.Len() == 0 {
		return "No matches.", nil
	}
	return b.String(), nil
}

package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// resolver confines file paths to a root directory.
type resolver struct {
	root string
}

func (r resolver) resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	root := r.root
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(absRoot, candidate)
	}
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return abs, nil
}

func mustSchema(schema map[string]interface{}) json.RawMessage {
	raw, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}

type readTool struct {
	res   resolver
	limit int
}

func (t *readTool) ID() string { return "fs.read" }

func (t *readTool) Description() string {
	return "Read a file from the workspace. Returns UTF-8 text, truncated past the byte limit."
}

func (t *readTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":      map[string]interface{}{"type": "string", "description": "File path, relative to the workspace root"},
			"offset":    map[string]interface{}{"type": "integer", "description": "Byte offset to start from"},
			"max_bytes": map[string]interface{}{"type": "integer", "description": "Maximum bytes to return"},
		},
		"required": []string{"path"},
	})
}

func (t *readTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var req struct {
		Path     string `json:"path"`
		Offset   int    `json:"offset"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return "", fmt.Errorf("fs.read: %w", err)
	}
	abs, err := t.res.resolve(req.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	if req.Offset > 0 {
		if req.Offset >= len(data) {
			return "", nil
		}
		data = data[req.Offset:]
	}
	limit := t.limit
	if req.MaxBytes > 0 && req.MaxBytes < limit {
		limit = req.MaxBytes
	}
	if len(data) > limit {
		return string(data[:limit]) + "\n[truncated]", nil
	}
	return string(data), nil
}

type writeTool struct {
	res resolver
}

func (t *writeTool) ID() string { return "fs.write" }

func (t *writeTool) Description() string {
	return "Write text to a workspace file, creating parent directories. Set append to add to the end instead of replacing."
}

func (t *writeTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "File path, relative to the workspace root"},
			"content": map[string]interface{}{"type": "string", "description": "Text to write"},
			"append":  map[string]interface{}{"type": "boolean", "description": "Append instead of overwrite"},
		},
		"required": []string{"path", "content"},
	})
}

func (t *writeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return "", fmt.Errorf("fs.write: %w", err)
	}
	abs, err := t.res.resolve(req.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if req.Append {
		f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return "", err
		}
		defer f.Close()
		if _, err := f.WriteString(req.Content); err != nil {
			return "", err
		}
	} else {
		if err := os.WriteFile(abs, []byte(req.Content), 0o644); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(req.Content), req.Path), nil
}

type listTool struct {
	res resolver
}

func (t *listTool) ID() string { return "fs.list" }

func (t *listTool) Description() string {
	return "List a workspace directory. Directories carry a trailing slash."
}

func (t *listTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "Directory path, relative to the workspace root; defaults to the root"},
		},
	})
}

func (t *listTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var req struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req); err != nil {
			return "", fmt.Errorf("fs.list: %w", err)
		}
	}
	if strings.TrimSpace(req.Path) == "" {
		req.Path = "."
	}
	abs, err := t.res.resolve(req.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)", nil
	}
	return strings.Join(names, "\n"), nil
}

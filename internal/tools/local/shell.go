package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	execguard "github.com/dotbot-ai/dotbot/internal/exec"
)

const (
	defaultShellTimeout = 60 * time.Second
	maxShellTimeout     = 300 * time.Second
	maxShellOutput      = 200000
)

type shellTool struct {
	root string
}

func (t *shellTool) ID() string { return "shell.run" }

func (t *shellTool) Description() string {
	return "Run a command on this device. With args the executable runs directly; without args the command string runs through /bin/sh -c. Output is combined stdout and stderr."
}

func (t *shellTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command":         map[string]interface{}{"type": "string", "description": "Shell command line, or the executable when args is set"},
			"args":            map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Arguments for direct execution, no shell interpretation"},
			"cwd":             map[string]interface{}{"type": "string", "description": "Working directory, relative to the workspace root"},
			"timeout_seconds": map[string]interface{}{"type": "integer", "description": "Kill the command after this many seconds (default 60, max 300)"},
		},
		"required": []string{"command"},
	})
}

func (t *shellTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var req struct {
		Command        string   `json:"command"`
		Args           []string `json:"args"`
		Cwd            string   `json:"cwd"`
		TimeoutSeconds int      `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return "", fmt.Errorf("shell.run: %w", err)
	}
	if strings.TrimSpace(req.Command) == "" {
		return "", fmt.Errorf("shell.run: command is required")
	}

	timeout := defaultShellTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
		if timeout > maxShellTimeout {
			timeout = maxShellTimeout
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if len(req.Args) > 0 {
		bin, err := execguard.SanitizeExecutableValue(req.Command)
		if err != nil {
			return "", fmt.Errorf("shell.run: %w", err)
		}
		safeArgs, err := execguard.SanitizeArguments(req.Args)
		if err != nil {
			return "", fmt.Errorf("shell.run: %w", err)
		}
		cmd = exec.CommandContext(ctx, bin, safeArgs...)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", req.Command)
	}

	dir := t.root
	if strings.TrimSpace(req.Cwd) != "" {
		abs, err := resolver{root: t.root}.resolve(req.Cwd)
		if err != nil {
			return "", err
		}
		dir = abs
	}
	cmd.Dir = dir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	runErr := cmd.Run()

	out := buf.String()
	if len(out) > maxShellOutput {
		out = out[:maxShellOutput] + "\n[truncated]"
	}
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("shell.run: command timed out after %s", timeout)
	}
	if runErr != nil {
		if out != "" {
			return "", fmt.Errorf("shell.run: %w\n%s", runErr, out)
		}
		return "", fmt.Errorf("shell.run: %w", runErr)
	}
	if out == "" {
		return "(no output)", nil
	}
	return out, nil
}

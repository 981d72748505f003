package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validLLMBlock = `
llm:
  providers:
    anthropic:
      api_key: test-key
    deepseek:
      api_key: test-key
      base_url: https://api.deepseek.com/v1
  roles:
    assistant:
      - provider: deepseek
        model: deepseek-chat
    workhorse:
      - provider: anthropic
        model: claude-sonnet-4-5
    architect:
      - provider: anthropic
        model: claude-opus-4-1
`

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
version: 1
auth:
  jwt_secret: sekrit
`+validLLMBlock)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("Server.Port = %d, want default 8787", cfg.Server.Port)
	}
	if cfg.Auth.SessionTTL != 30*24*time.Hour {
		t.Errorf("Auth.SessionTTL = %v, want 30d default", cfg.Auth.SessionTTL)
	}
	if cfg.Dot.DispatchThreshold != 7 {
		t.Errorf("Dot.DispatchThreshold = %d, want default 7", cfg.Dot.DispatchThreshold)
	}
	if cfg.Pipeline.MaxStepIterations != 30 {
		t.Errorf("Pipeline.MaxStepIterations = %d, want default 30", cfg.Pipeline.MaxStepIterations)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
version: 1
server:
  host: 0.0.0.0
  extra: true
auth:
  jwt_secret: sekrit
`+validLLMBlock)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadRejectsMissingVersion(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: sekrit
`+validLLMBlock)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected version error")
	}
	var verr *VersionError
	if !errors.As(err, &verr) {
		t.Fatalf("expected VersionError, got %T: %v", err, err)
	}
}

func TestLoadValidatesJWTSecret(t *testing.T) {
	path := writeConfig(t, `
version: 1
`+validLLMBlock)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("expected jwt_secret error, got %v", err)
	}
}

func TestLoadValidatesRoleChains(t *testing.T) {
	path := writeConfig(t, `
version: 1
auth:
  jwt_secret: sekrit
llm:
  providers:
    anthropic:
      api_key: test-key
  roles:
    assistant:
      - provider: missing
        model: some-model
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}

func TestLoadAllowsOmittedRoles(t *testing.T) {
	path := writeConfig(t, `
version: 1
auth:
  jwt_secret: sekrit
llm:
  providers:
    anthropic:
      api_key: test-key
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("roles are optional overrides, got %v", err)
	}
	if len(cfg.LLM.Roles) != 0 {
		t.Errorf("Roles = %+v, want empty map", cfg.LLM.Roles)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_DOTBOT_SECRET", "from-env")

	path := writeConfig(t, `
version: 1
auth:
  jwt_secret: ${TEST_DOTBOT_SECRET}
`+validLLMBlock)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "from-env")
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte(strings.TrimSpace(`
version: 1
auth:
  jwt_secret: base-secret
`+validLLMBlock)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	main := filepath.Join(dir, "dotbot.yaml")
	if err := os.WriteFile(main, []byte(strings.TrimSpace(`
$include: base.yaml
auth:
  jwt_secret: override-secret
`)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "override-secret" {
		t.Errorf("Auth.JWTSecret = %q, want including file to win", cfg.Auth.JWTSecret)
	}
	if len(cfg.LLM.Roles["assistant"]) != 1 {
		t.Errorf("included llm roles missing: %+v", cfg.LLM.Roles)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := Load(a)
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestAgentConfigFromEnv(t *testing.T) {
	t.Setenv(EnvServer, "wss://bot.example.com/ws")
	t.Setenv(EnvHomeDir, t.TempDir())
	t.Setenv(EnvInstallDir, "/opt/dotbot")

	cfg, err := AgentConfigFromEnv()
	if err != nil {
		t.Fatalf("AgentConfigFromEnv() error = %v", err)
	}
	if cfg.ServerURL != "wss://bot.example.com/ws" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if got, want := cfg.VaultPath(), filepath.Join(cfg.HomeDir, "vault.json"); got != want {
		t.Errorf("VaultPath() = %q, want %q", got, want)
	}
	if got, want := cfg.WorkspacesDir(), filepath.Join(cfg.HomeDir, "agent-workspaces"); got != want {
		t.Errorf("WorkspacesDir() = %q, want %q", got, want)
	}

	if err := cfg.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout() error = %v", err)
	}
	info, err := os.Stat(cfg.MemoryDir())
	if err != nil {
		t.Fatalf("Stat(memory dir) error = %v", err)
	}
	if !info.IsDir() {
		t.Error("memory dir is not a directory")
	}
}

func TestAgentConfigRequiresServer(t *testing.T) {
	t.Setenv(EnvServer, "")

	if _, err := AgentConfigFromEnv(); err == nil {
		t.Fatalf("expected error when %s unset", EnvServer)
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dotbot.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

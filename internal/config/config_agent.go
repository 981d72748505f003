package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Env vars read by the local agent.
const (
	EnvServer     = "DOTBOT_SERVER"
	EnvInstallDir = "DOTBOT_INSTALL_DIR"
	EnvHomeDir    = "DOTBOT_HOME"
)

// AgentConfig is the local agent's configuration. Unlike the server it is
// env-driven: a handful of variables plus a fixed directory layout under
// the user's home.
type AgentConfig struct {
	// ServerURL is the websocket endpoint of the dotbot server.
	ServerURL string

	// InstallDir is the git checkout the self-updater watches.
	InstallDir string

	// HomeDir is the agent state root, ~/.bot by default.
	HomeDir string

	// TickInterval is the scheduler check cadence.
	TickInterval time.Duration

	// UpdateInterval is the self-update check cadence.
	UpdateInterval time.Duration
}

// AgentConfigFromEnv assembles the agent configuration from environment
// variables, applying defaults for everything optional.
func AgentConfigFromEnv() (*AgentConfig, error) {
	cfg := &AgentConfig{
		ServerURL:      strings.TrimSpace(os.Getenv(EnvServer)),
		InstallDir:     strings.TrimSpace(os.Getenv(EnvInstallDir)),
		HomeDir:        strings.TrimSpace(os.Getenv(EnvHomeDir)),
		TickInterval:   time.Minute,
		UpdateInterval: 24 * time.Hour,
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("%s is required", EnvServer)
	}
	if cfg.HomeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.HomeDir = filepath.Join(home, ".bot")
	}
	return cfg, nil
}

// Paths under HomeDir. Everything the agent persists lives here.

func (c *AgentConfig) DevicePath() string {
	return filepath.Join(c.HomeDir, "device.json")
}

func (c *AgentConfig) VaultPath() string {
	return filepath.Join(c.HomeDir, "vault.json")
}

func (c *AgentConfig) ScheduledTasksPath() string {
	return filepath.Join(c.HomeDir, "scheduled-tasks.json")
}

func (c *AgentConfig) MemoryDir() string {
	return filepath.Join(c.HomeDir, "memory")
}

func (c *AgentConfig) SkillsDir() string {
	return filepath.Join(c.HomeDir, "skills")
}

func (c *AgentConfig) WorkspacesDir() string {
	return filepath.Join(c.HomeDir, "agent-workspaces")
}

// EnsureLayout creates the agent state directories with owner-only
// permissions.
func (c *AgentConfig) EnsureLayout() error {
	for _, dir := range []string{c.HomeDir, c.MemoryDir(), c.SkillsDir(), c.WorkspacesDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

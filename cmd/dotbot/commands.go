// commands.go holds the cobra command builders. Each builder configures
// flags and wires the command to its handler in handlers.go.
package main

import (
	"time"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "dotbot.yaml"

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath    string
		skillsDir     string
		workspacesDir string
		debug         bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dotbot server",
		Long: `Start the dotbot server.

The server will:
1. Load configuration from the specified file
2. Open the SQLite store for devices, invites, and tasks
3. Initialize the LLM provider registry and fallback chains
4. Recover background agents orphaned by the last shutdown
5. Serve device websockets, health, and metrics over HTTP

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  dotbot serve

  # Start with custom config
  dotbot serve --config /etc/dotbot/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{
				configPath:    configPath,
				skillsDir:     skillsDir,
				workspacesDir: workspacesDir,
				debug:         debug,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&skillsDir, "skills-dir", "skills", "Directory holding skill definitions")
	cmd.Flags().StringVar(&workspacesDir, "workspaces-dir", "agent-workspaces", "Directory holding background agent workspaces")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Invite Commands
// =============================================================================

func buildInviteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Manage device pairing invites",
	}
	cmd.AddCommand(buildInviteCreateCmd(), buildInviteListCmd(), buildInviteRevokeCmd())
	return cmd
}

func buildInviteCreateCmd() *cobra.Command {
	var (
		configPath string
		label      string
		maxUses    int
		ttl        time.Duration
		noQR       bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pairing invite token",
		Long: `Create a pairing invite token.

The token is printed once and stored hashed; when stdout is a terminal a QR
code encoding the pairing URL is rendered alongside it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInviteCreate(cmd, configPath, label, maxUses, ttl, noQR)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the invite")
	cmd.Flags().IntVar(&maxUses, "max-uses", 1, "How many devices may redeem the invite")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Invite lifetime (default from config)")
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "Skip the QR code even on a terminal")
	return cmd
}

func buildInviteListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pairing invites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInviteList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildInviteRevokeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "revoke <token-or-hash>",
		Short: "Revoke a pairing invite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInviteRevoke(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Devices Commands
// =============================================================================

func buildDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage paired devices",
	}
	cmd.AddCommand(buildDevicesListCmd(), buildDevicesRevokeCmd())
	return cmd
}

func buildDevicesListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List paired devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevicesList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildDevicesRevokeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Revoke a device; it is disconnected at its next handshake",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevicesRevoke(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Tasks Commands
// =============================================================================

func buildTasksCmd() *cobra.Command {
	var (
		configPath string
		userID     string
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List recurring and deferred tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksList(cmd, configPath, userID)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&userID, "user", "owner", "User whose tasks to list")
	return cmd
}

// Package main is the dotbot server CLI.
//
// The server is the brain of a dotbot install: it terminates device
// websockets, runs the conversational orchestrator and the background agent
// pipeline against the configured LLM providers, and keeps the recurring and
// deferred task loops ticking.
//
// # Basic Usage
//
// Start the server:
//
//	dotbot serve --config dotbot.yaml
//
// Pair a new device:
//
//	dotbot invite create --label "laptop"
//
// Inspect state:
//
//	dotbot devices list
//	dotbot tasks list
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "dotbot",
		Short:        "dotbot - personal AI assistant server",
		Long:         "dotbot runs the assistant server that paired devices connect to over websockets.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildInviteCmd(),
		buildDevicesCmd(),
		buildTasksCmd(),
	)
	return rootCmd
}

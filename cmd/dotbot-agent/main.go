// Package main is the dotbot local agent.
//
// The agent is the hands of a dotbot install: it keeps a websocket to the
// server, executes tool commands against the local machine, runs the
// scheduled-task loop, and ships memory context when the server asks.
//
// Configuration is environment-driven:
//
//   - DOTBOT_SERVER: websocket URL of the dotbot server (required)
//   - DOTBOT_HOME: state directory (default ~/.bot)
//   - DOTBOT_INSTALL_DIR: git checkout watched by the self-updater
//
// A .env file in the working directory is loaded first when present.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Not an error: most installs configure through the real environment.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("agent exited", "error", err)
		os.Exit(1)
	}
}

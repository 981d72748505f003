// Package updater watches the agent's install checkout for upstream
// commits. It never pulls or restarts anything itself: on divergence it
// notifies the user and goes quiet for a day.
package updater

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/dotbot-ai/dotbot/internal/observability"
)

// QuietWindow is how long the checker stays silent after any check,
// successful or not.
const QuietWindow = 24 * time.Hour

// gitRunner executes a git command in dir and returns trimmed stdout.
// Swapped out in tests.
type gitRunner func(ctx context.Context, dir string, args ...string) (string, error)

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return strings.TrimSpace(string(out)), err
}

// Checker compares the local HEAD of the install directory against the
// remote main branch.
type Checker struct {
	dir    string
	notify func(message string)
	log    *observability.Logger
	git    gitRunner
	now    func() time.Time

	lastCheck time.Time
}

// New builds a checker over the given install directory. notify is called
// once per divergence detection.
func New(installDir string, notify func(string), logger *observability.Logger) *Checker {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	if notify == nil {
		notify = func(string) {}
	}
	return &Checker{
		dir:    installDir,
		notify: notify,
		log:    logger,
		git:    runGit,
		now:    time.Now,
	}
}

// WithNow overrides the clock for tests.
func (c *Checker) WithNow(now func() time.Time) *Checker {
	c.now = now
	return c
}

// Run checks on the given cadence until ctx is cancelled. The quiet window
// still applies even when interval is shorter.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = QuietWindow
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckOnce(ctx)
		}
	}
}

// CheckOnce performs a single update check if the quiet window has
// elapsed. Git failures are swallowed: the agent must keep running on
// machines with no git, no network, or a non-repo install dir.
func (c *Checker) CheckOnce(ctx context.Context) {
	if c.dir == "" {
		return
	}
	now := c.now()
	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < QuietWindow {
		return
	}
	c.lastCheck = now

	local, err := c.git(ctx, c.dir, "rev-parse", "HEAD")
	if err != nil {
		c.log.Debug(ctx, "update check skipped", "error", err)
		return
	}
	remote, err := c.git(ctx, c.dir, "ls-remote", "origin", "main")
	if err != nil {
		c.log.Debug(ctx, "update check skipped", "error", err)
		return
	}
	// ls-remote output is "<sha>\trefs/heads/main".
	if i := strings.IndexAny(remote, " \t"); i >= 0 {
		remote = remote[:i]
	}
	if remote == "" || remote == local {
		return
	}
	c.log.Info(ctx, "update available", "local", local, "remote", remote)
	c.notify("A dotbot update is available. Pull the latest changes in " + c.dir + " and restart the agent.")
}

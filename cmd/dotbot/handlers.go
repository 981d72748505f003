// handlers.go implements the administrative subcommands. Each handler opens
// the store it needs against the configured database and closes it on exit.
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dotbot-ai/dotbot/internal/config"
	"github.com/dotbot-ai/dotbot/internal/deferred"
	"github.com/dotbot-ai/dotbot/internal/devices"
	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/internal/tasks"
)

func loadConfig(path string) (*config.Config, *observability.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: os.Stderr,
	})
	return cfg, logger, nil
}

// =============================================================================
// Invite Handlers
// =============================================================================

func runInviteCreate(cmd *cobra.Command, configPath, label string, maxUses int, ttl time.Duration, noQR bool) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := devices.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if ttl == 0 {
		ttl = cfg.Auth.InviteTTL
	}
	inv, token, err := store.CreateInvite(cmd.Context(), devices.InviteOptions{
		Label:   label,
		MaxUses: maxUses,
		TTL:     ttl,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Invite token (shown once): %s\n", token)
	fmt.Fprintf(out, "Expires: %s\n", inv.ExpiresAt.Format(time.RFC3339))

	if !noQR && term.IsTerminal(int(os.Stdout.Fd())) {
		pairURL := strings.TrimRight(cfg.Server.PublicURL, "/") + "/pair?token=" + token
		qr, err := qrcode.New(pairURL, qrcode.Medium)
		if err == nil {
			fmt.Fprintln(out)
			fmt.Fprint(out, qr.ToSmallString(false))
			fmt.Fprintf(out, "Scan to pair, or open %s\n", pairURL)
		}
	}
	return nil
}

func runInviteList(cmd *cobra.Command, configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := devices.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	invites, err := store.ListInvites(cmd.Context())
	if err != nil {
		return err
	}
	if len(invites) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No invites.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HASH\tLABEL\tUSES\tSTATUS\tEXPIRES")
	for _, inv := range invites {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			shorten(inv.TokenHash), inv.Label, inv.UsedCount, inv.MaxUses,
			inv.Status, inv.ExpiresAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runInviteRevoke(cmd *cobra.Command, configPath, tokenOrHash string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := devices.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RevokeInvite(cmd.Context(), tokenOrHash); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Invite revoked.")
	return nil
}

// =============================================================================
// Devices Handlers
// =============================================================================

func runDevicesList(cmd *cobra.Command, configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := devices.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.ListDevices(cmd.Context())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No paired devices.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tADMIN\tLAST SEEN")
	for _, d := range list {
		lastSeen := "never"
		if !d.LastSeenAt.IsZero() {
			lastSeen = d.LastSeenAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", d.ID, d.Name, d.Status, d.IsAdmin, lastSeen)
	}
	return w.Flush()
}

func runDevicesRevoke(cmd *cobra.Command, configPath, deviceID string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := devices.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RevokeDevice(cmd.Context(), deviceID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Device %s revoked.\n", deviceID)
	return nil
}

// =============================================================================
// Tasks Handler
// =============================================================================

func runTasksList(cmd *cobra.Command, configPath, userID string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	recurring, err := tasks.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer recurring.Close()
	pending, err := deferred.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer pending.Close()

	out := cmd.OutOrStdout()
	rec, err := recurring.List(cmd.Context(), userID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Recurring:")
	if len(rec) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, t := range rec {
		fmt.Fprintf(w, "  %s\t%s\t%s\tnext %s\tfailures %d\n",
			t.ID, t.Name, t.Status, t.NextRunAt.Format(time.RFC3339), t.ConsecutiveFailures)
	}
	w.Flush()

	def, err := pending.ListPending(cmd.Context(), userID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Deferred:")
	if len(def) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, t := range def {
		fmt.Fprintf(w, "  %s\t%s\tfor %s\tattempt %d/%d\n",
			t.ID, shorten(t.OriginalPrompt), t.ScheduledFor.Format(time.RFC3339), t.AttemptCount, t.MaxAttempts)
	}
	return w.Flush()
}

func shorten(s string) string {
	const max = 32
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// agent.go wires the running agent: local state stores, the tool set, the
// websocket client, the scheduler, and the self-updater.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/dotbot-ai/dotbot/internal/config"
	"github.com/dotbot-ai/dotbot/internal/memory"
	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/internal/scheduler"
	"github.com/dotbot-ai/dotbot/internal/tools"
	"github.com/dotbot-ai/dotbot/internal/tools/local"
	"github.com/dotbot-ai/dotbot/internal/transport"
	"github.com/dotbot-ai/dotbot/internal/updater"
	"github.com/dotbot-ai/dotbot/internal/vault"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// deviceCredentials is the on-disk shape of device.json, written once at
// pairing. It is read a single time at startup and held in memory.
type deviceCredentials struct {
	DeviceID     string `json:"deviceId"`
	DeviceSecret string `json:"deviceSecret"`
}

func run(ctx context.Context) error {
	cfg, err := config.AgentConfigFromEnv()
	if err != nil {
		return err
	}
	if err := cfg.EnsureLayout(); err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  os.Getenv("DOTBOT_LOG_LEVEL"),
		Format: "text",
		Output: os.Stderr,
	})
	metrics := observability.NewMetrics()

	creds, err := readDeviceCredentials(cfg.DevicePath())
	if err != nil {
		return fmt.Errorf("this device is not paired yet: %w", err)
	}

	secrets, err := vault.Open(cfg.VaultPath(), logger)
	if err != nil {
		return err
	}
	defer secrets.Close()

	mem, err := memory.Open(cfg.MemoryDir())
	if err != nil {
		return err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	set := local.NewSet(local.Config{Root: home}, mem)
	set.RegisterSnapshot(&local.SnapshotProvider{Memory: mem, ConfigDir: cfg.HomeDir})
	registerVaultTool(set, secrets)

	client := transport.NewClient(transport.ClientConfig{
		URL:          wsURL(cfg.ServerURL),
		DeviceID:     creds.DeviceID,
		DeviceSecret: creds.DeviceSecret,
		Fingerprint:  fingerprint(),
		Manifest:     set.Manifest(),
	}, set, logger)

	schedStore, err := scheduler.NewStore(cfg.ScheduledTasksPath())
	if err != nil {
		return err
	}
	notify := func(message string) {
		fmt.Println(message)
	}
	sched := scheduler.New(schedStore, client, notify, func(taskID, response string) {
		fmt.Println(response)
	}, logger, metrics)

	client.OnConnect = func() {
		logger.Info(ctx, "connected", "server", cfg.ServerURL, "device_id", creds.DeviceID)
		sched.ClearInflight()
	}
	client.OnFrame = func(env models.Envelope) {
		handleFrame(sched, env, logger)
	}

	go sched.Run(ctx)
	go updater.New(cfg.InstallDir, notify, logger).Run(ctx, cfg.UpdateInterval)

	logger.Info(ctx, "dotbot agent starting",
		"version", version, "home", cfg.HomeDir, "tools", len(set.Manifest()))
	client.Run(ctx)
	return nil
}

// handleFrame routes server frames: responses and completions feed the
// scheduler's correlation maps, and anything user-facing goes to stdout.
func handleFrame(sched *scheduler.Scheduler, env models.Envelope, logger *observability.Logger) {
	switch env.Type {
	case models.FrameResponse:
		var p models.ResponsePayload
		if err := env.DecodePayload(&p); err != nil {
			logger.Warn(context.Background(), "malformed response frame", "error", err)
			return
		}
		sched.HandleResponse(p.MessageID, p)
		if !p.IsRoutingAck && p.Text != "" {
			fmt.Println(p.Text)
		}
	case models.FrameAgentComplete:
		var p models.AgentCompletePayload
		if err := env.DecodePayload(&p); err != nil {
			logger.Warn(context.Background(), "malformed agent_complete frame", "error", err)
			return
		}
		sched.HandleAgentComplete(p)
	case models.FrameDispatchFollowup:
		var p models.DispatchFollowupPayload
		if err := env.DecodePayload(&p); err != nil {
			logger.Warn(context.Background(), "malformed dispatch_followup frame", "error", err)
			return
		}
		if p.Text != "" {
			fmt.Println(p.Text)
		}
	default:
		logger.Debug(context.Background(), "unhandled frame", "type", env.Type)
	}
}

// registerVaultTool exposes credential enumeration. Keys only: vault values
// never leave the process.
func registerVaultTool(set *local.Set, secrets *vault.Vault) {
	set.Registry().Register(&tools.FuncTool{
		ToolID: "vault.list",
		Desc:   "List the names of credentials stored on this device. Values are never shown.",
		Params: json.RawMessage(`{"type":"object"}`),
		ExecFunc: func(ctx context.Context, args json.RawMessage) (string, error) {
			keys := secrets.List()
			if len(keys) == 0 {
				return "The vault is empty.", nil
			}
			return strings.Join(keys, "\n"), nil
		},
	})
}

func readDeviceCredentials(path string) (deviceCredentials, error) {
	var creds deviceCredentials
	data, err := os.ReadFile(path)
	if err != nil {
		return creds, err
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("parse %s: %w", path, err)
	}
	if creds.DeviceID == "" || creds.DeviceSecret == "" {
		return creds, fmt.Errorf("%s is missing device credentials", path)
	}
	return creds, nil
}

// fingerprint is a stable hardware identity: the server logs a rotation
// when it changes rather than blocking the device.
func fingerprint() string {
	host, _ := os.Hostname()
	sum := sha256.Sum256([]byte(host + "|" + runtime.GOOS + "|" + runtime.GOARCH))
	return hex.EncodeToString(sum[:8])
}

// wsURL normalizes the configured server URL to a websocket endpoint.
func wsURL(server string) string {
	u := strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	}
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}

package tools

import (
	"context"
	"encoding/json"
	"time"
)

// BridgeExecutor runs a tool on a remote device. Implemented by the
// transport layer, which frames the call as an execution_command and waits
// for the matching execution_result.
type BridgeExecutor interface {
	ExecuteTool(ctx context.Context, deviceID, toolID string, args json.RawMessage, timeout time.Duration) (string, error)
}

// BridgeTool adapts one manifest entry of a connected device into a Tool.
// Execution crosses the device bridge; the definition came from the
// device's advertised manifest.
type BridgeTool struct {
	Def      Definition
	DeviceID string
	Executor BridgeExecutor
	Timeout  time.Duration
}

func (t *BridgeTool) ID() string              { return t.Def.ID }
func (t *BridgeTool) Description() string     { return t.Def.Description }
func (t *BridgeTool) Schema() json.RawMessage { return t.Def.Parameters }

func (t *BridgeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return t.Executor.ExecuteTool(ctx, t.DeviceID, t.Def.ID, args, timeout)
}

// RegisterManifest installs one bridge tool per manifest entry into the
// registry. Called when a device connects and advertises its tools.
func RegisterManifest(r *Registry, deviceID string, manifest []Definition, exec BridgeExecutor, timeout time.Duration) {
	for _, def := range manifest {
		r.Register(&BridgeTool{Def: def, DeviceID: deviceID, Executor: exec, Timeout: timeout})
	}
}

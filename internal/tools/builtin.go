package tools

import (
	"context"
	"encoding/json"
)

// Synthetic tool ids injected by the orchestrator and the step runner.
const (
	// EscalateID is the stop-tool sentinel a step's loop calls to bail out
	// of its scope (blocked, needs human input, wrong plan).
	EscalateID = "escalate"

	// DispatchID is the tool the conversational loop calls to hand complex
	// work to a background agent.
	DispatchID = "task.dispatch"

	// BlockID lets a tool loop pause for human input with a resume hint.
	BlockID = "task.block"
)

// EscalateArgs is the escalate tool's argument shape.
type EscalateArgs struct {
	Reason string `json:"reason" jsonschema:"description=Why this step cannot continue"`
	Hint   string `json:"hint,omitempty" jsonschema:"description=What would unblock it"`
}

// DispatchArgs is the task.dispatch tool's argument shape.
type DispatchArgs struct {
	Prompt    string `json:"prompt" jsonschema:"description=The enriched task statement for the background agent"`
	PersonaID string `json:"persona_id,omitempty" jsonschema:"description=Persona to recruit, if the user named one"`
	Reason    string `json:"reason,omitempty" jsonschema:"description=Why this needs a background agent"`
}

// BlockArgs is the task.block tool's argument shape.
type BlockArgs struct {
	Reason     string `json:"reason" jsonschema:"description=What input is needed from the user"`
	ResumeHint string `json:"resume_hint,omitempty" jsonschema:"description=How to pick the work back up"`
	TimeoutSec int    `json:"timeout_sec,omitempty" jsonschema:"description=How long to wait before giving up"`
}

// NewEscalate builds the synthetic escalate tool. The handler usually just
// acknowledges; the loop's stop-tool mechanism does the real work.
func NewEscalate(fn func(ctx context.Context, args EscalateArgs) (string, error)) *FuncTool {
	return &FuncTool{
		ToolID: EscalateID,
		Desc:   "Stop working on the current step and escalate. Call this when you are blocked, the plan is wrong, or you need something only a human or a stronger agent can provide.",
		Params: SchemaFor[EscalateArgs](),
		ExecFunc: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args EscalateArgs
			if err := json.Unmarshal(raw, &args); err == nil && fn != nil {
				return fn(ctx, args)
			}
			return "Escalation recorded.", nil
		},
	}
}

// NewDispatch builds the synthetic task.dispatch tool around a dispatcher
// callback. Dispatch is fire-and-forget: the callback launches the agent
// and returns immediately so the conversational loop can acknowledge.
func NewDispatch(fn func(ctx context.Context, args DispatchArgs) (string, error)) *FuncTool {
	return &FuncTool{
		ToolID: DispatchID,
		Desc:   "Hand a complex or long-running task to a background agent. Returns immediately; the agent's result is delivered as a follow-up message.",
		Params: SchemaFor[DispatchArgs](),
		ExecFunc: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args DispatchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			return fn(ctx, args)
		},
	}
}

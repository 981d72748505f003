// Package toolloop drives an LLM through native function calling until it
// produces a final answer, hits an iteration cap, calls a designated stop
// tool, or is cancelled.
//
// The loop is provider-neutral: it speaks llm.Client and knows nothing
// about roles, chains, or vendors. Every tool call the model emits is
// answered before the next model call, in the order emitted. Tool failures
// never stop the loop; they become "Error: ..." tool messages the model can
// read and adapt to.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// StopReason says why a loop run ended.
type StopReason string

const (
	// StopDone means the model returned text with no tool calls.
	StopDone StopReason = "done"

	// StopTool means the configured stop tool was invoked.
	StopTool StopReason = "stopped_by_tool"

	// StopMaxIterations means the iteration cap was reached. Not an error;
	// callers decide whether to hand off or answer with what they have.
	StopMaxIterations StopReason = "max_iterations"

	// StopCancelled means the context was cancelled between iterations.
	StopCancelled StopReason = "cancelled"
)

// Handler executes one tool call. The returned string becomes the tool
// message content; a non-nil error becomes an "Error: ..." tool message.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Escalation swaps the model mid-loop. Returned by OnEscalate when the loop
// should move to a stronger tier; the message list is preserved.
type Escalation struct {
	Client      llm.Client
	Model       string
	Temperature *float32
	MaxTokens   int
	Tier        string
}

// Config describes one loop run.
type Config struct {
	Client llm.Client

	// Model, System, Temperature, and MaxTokens seed the call options.
	// Zero values defer to the client's chain entry defaults.
	Model       string
	System      string
	Temperature *float32
	MaxTokens   int

	// Tools is the definition set offered to the model.
	Tools []llm.Tool

	// Handlers maps canonical tool ids to executors. A call naming a tool
	// with no handler is answered with an error result.
	Handlers map[string]Handler

	// MaxIterations caps model calls. Values below 1 are treated as 1.
	MaxIterations int

	// StopToolID names the "escalate out of this scope" sentinel. When the
	// model calls it the loop executes the handler (if any), records the
	// args, and terminates without another model call.
	StopToolID string

	// OnEscalate is consulted before each model call after the first. A
	// non-nil result swaps the client and call parameters.
	OnEscalate func(iteration int) *Escalation

	// OnStream receives text chunks as the model emits them. Never called
	// from inside tool execution.
	OnStream func(text string)

	// OnToolCall and OnToolResult observe tool execution. Panics and
	// misbehavior in observers are swallowed; they must not abort the loop.
	OnToolCall   func(call models.ToolCall)
	OnToolResult func(call models.ToolCall, result string, failed bool)

	// ToolTimeout bounds a single handler execution. Zero means
	// DefaultToolTimeout.
	ToolTimeout time.Duration

	Logger *observability.Logger
}

// DefaultToolTimeout bounds one tool handler execution.
const DefaultToolTimeout = 30 * time.Second

// CallRecord is one executed tool call, kept for hand-off summaries and
// plan logs.
type CallRecord struct {
	Iteration int
	ToolID    string
	Arguments string
	Result    string
	Failed    bool
}

// Outcome is the result of a loop run.
type Outcome struct {
	Reason     StopReason
	Messages   []llm.Message
	FinalText  string
	Iterations int

	// StopToolArgs holds the arguments of the stop tool call when Reason
	// is StopTool.
	StopToolArgs json.RawMessage

	// Calls records every executed tool call in order.
	Calls []CallRecord

	// EscalatedTo is the last tier OnEscalate moved the loop to, if any.
	EscalatedTo string
}

// StoppedByTool reports whether the stop tool ended the run.
func (o *Outcome) StoppedByTool() bool { return o.Reason == StopTool }

// Run executes the loop over an initial message list. The returned Outcome
// is non-nil whenever the error is nil; a model call failing after the
// resilient client exhausted its chain surfaces as an error.
func Run(ctx context.Context, cfg Config, messages []llm.Message) (*Outcome, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("toolloop: client is required")
	}
	maxIter := cfg.MaxIterations
	if maxIter < 1 {
		maxIter = 1
	}

	msgs := make([]llm.Message, len(messages))
	copy(msgs, messages)

	out := &Outcome{}
	client := cfg.Client
	opts := llm.Options{
		Model:       cfg.Model,
		System:      cfg.System,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Tools:       cfg.Tools,
	}

	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			out.Reason = StopCancelled
			out.Messages = msgs
			return out, nil
		}

		if iteration > 1 && cfg.OnEscalate != nil {
			if esc := cfg.OnEscalate(iteration); esc != nil {
				if esc.Client != nil {
					client = esc.Client
				}
				opts.Model = esc.Model
				opts.Temperature = esc.Temperature
				opts.MaxTokens = esc.MaxTokens
				out.EscalatedTo = esc.Tier
				if cfg.Logger != nil {
					cfg.Logger.Info(ctx, "tool loop escalated",
						"iteration", iteration, "tier", esc.Tier, "model", esc.Model)
				}
			}
		}

		out.Iterations = iteration
		resp, err := call(ctx, client, msgs, opts, cfg.OnStream)
		if err != nil {
			if llm.CategoryOf(err) == llm.CategoryCancelled {
				out.Reason = StopCancelled
				out.Messages = msgs
				return out, nil
			}
			return nil, fmt.Errorf("toolloop iteration %d: %w", iteration, err)
		}

		msgs = append(msgs, llm.Message{
			Role:             models.RoleAssistant,
			Content:          resp.Text,
			ToolCalls:        resp.ToolCalls,
			ReasoningContent: resp.ReasoningContent,
		})

		if len(resp.ToolCalls) == 0 {
			out.Reason = StopDone
			out.Messages = msgs
			out.FinalText = resp.Text
			return out, nil
		}

		stopped := false
		for _, tc := range resp.ToolCalls {
			result, failed := execute(ctx, cfg, iteration, tc)
			msgs = append(msgs, llm.ToolResultMessage(tc.ID, result))
			out.Calls = append(out.Calls, CallRecord{
				Iteration: iteration,
				ToolID:    toolID(tc),
				Arguments: string(tc.Input),
				Result:    result,
				Failed:    failed,
			})
			if cfg.StopToolID != "" && toolID(tc) == cfg.StopToolID {
				out.StopToolArgs = tc.Input
				stopped = true
				// Remaining calls in this batch are still answered so the
				// transcript stays well formed, but they no longer matter.
			}
		}
		if stopped {
			out.Reason = StopTool
			out.Messages = msgs
			out.FinalText = resp.Text
			return out, nil
		}

		if iteration >= maxIter {
			out.Reason = StopMaxIterations
			out.Messages = msgs
			out.FinalText = resp.Text
			return out, nil
		}
	}
}

func call(ctx context.Context, c llm.Client, msgs []llm.Message, opts llm.Options, onStream func(string)) (*llm.Response, error) {
	if onStream == nil {
		return c.Chat(ctx, msgs, opts)
	}
	return c.Stream(ctx, msgs, opts, func(chunk llm.StreamChunk) error {
		if chunk.Text != "" {
			onStream(chunk.Text)
		}
		return nil
	})
}

// execute runs one tool call and formats its result. Handler errors and
// unknown tools produce error strings for the model, never loop failures.
func execute(ctx context.Context, cfg Config, iteration int, tc models.ToolCall) (string, bool) {
	id := toolID(tc)
	observe(func() {
		if cfg.OnToolCall != nil {
			cfg.OnToolCall(tc)
		}
	})

	handler, ok := cfg.Handlers[id]
	var result string
	var failed bool
	if !ok {
		result = fmt.Sprintf("Error: unknown tool %q", id)
		failed = true
	} else {
		timeout := cfg.ToolTimeout
		if timeout <= 0 {
			timeout = DefaultToolTimeout
		}
		tctx, cancel := context.WithTimeout(ctx, timeout)
		content, err := handler(tctx, tc.Input)
		cancel()
		if err != nil {
			result = "Error: " + err.Error()
			failed = true
		} else {
			result = content
		}
	}

	if cfg.Logger != nil {
		cfg.Logger.Debug(ctx, "tool executed",
			"iteration", iteration, "tool", id, "failed", failed)
	}
	observe(func() {
		if cfg.OnToolResult != nil {
			cfg.OnToolResult(tc, result, failed)
		}
	})
	return result, failed
}

func toolID(tc models.ToolCall) string {
	if tc.ToolID != "" {
		return tc.ToolID
	}
	return tc.Name
}

// observe shields the loop from observer panics.
func observe(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// Snippet trims a tool result for logs and hand-off summaries.
func Snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

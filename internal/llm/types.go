// Package llm provides role-indexed model selection and a resilient,
// multi-vendor chat client.
//
// Callers never talk to a vendor SDK directly. They name a role (what kind
// of work this call is) and the package resolves it to a concrete provider
// and model through a fallback chain, retrying across vendors on retryable
// failures.
package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dotbot-ai/dotbot/pkg/models"
)

// Role names a capability tier, not a vendor. Every LLM call in the system
// goes through a role so that provider outages and key rotation never touch
// call sites.
type Role string

const (
	// RoleWorkhorse is the default tier for agent steps and tool loops.
	RoleWorkhorse Role = "workhorse"

	// RoleDeepContext handles prompts with large attached files or long
	// histories.
	RoleDeepContext Role = "deep_context"

	// RoleArchitect is the strongest reasoning tier, used for planning and
	// escalated steps.
	RoleArchitect Role = "architect"

	// RoleLocal pins work to an on-device runtime. Selected automatically
	// when offline.
	RoleLocal Role = "local"

	// RoleGUIFast serves latency-sensitive UI completions.
	RoleGUIFast Role = "gui_fast"

	// RoleIntake runs the cheap pre-processing passes before the
	// orchestrator sees a prompt.
	RoleIntake Role = "intake"

	// RoleAssistant is the conversational tier the orchestrator speaks
	// with.
	RoleAssistant Role = "assistant"

	// RoleImage and RoleVideo name media generation tiers.
	RoleImage Role = "image"
	RoleVideo Role = "video"
)

// Provider identifies an upstream vendor.
type Provider string

const (
	ProviderDeepSeek  Provider = "deepseek"
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderXAI       Provider = "xai"
	ProviderLocal     Provider = "local"
)

// Providers lists every known provider in a stable order.
func Providers() []Provider {
	return []Provider{
		ProviderDeepSeek,
		ProviderAnthropic,
		ProviderOpenAI,
		ProviderGemini,
		ProviderXAI,
		ProviderLocal,
	}
}

// Message is one conversation turn in provider-neutral form. The shape
// follows the OpenAI wire format since most vendors translate from it
// losslessly; provider adapters convert as needed.
type Message struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`

	// ToolCalls holds the calls an assistant turn requested.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool result turn back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Images are base64-encoded attachments for multimodal turns.
	Images []string `json:"images,omitempty"`

	// ReasoningContent carries thinking output from reasoning models.
	// Round-tripped so the model can see its own prior reasoning.
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// SystemMessage builds a system turn.
func SystemMessage(content string) Message {
	return Message{Role: models.RoleSystem, Content: content}
}

// UserMessage builds a user turn.
func UserMessage(content string) Message {
	return Message{Role: models.RoleUser, Content: content}
}

// AssistantMessage builds a plain assistant text turn.
func AssistantMessage(content string) Message {
	return Message{Role: models.RoleAssistant, Content: content}
}

// ToolResultMessage builds the turn that answers one tool call.
func ToolResultMessage(callID, content string) Message {
	return Message{Role: models.RoleTool, Content: content, ToolCallID: callID}
}

// Tool describes one callable tool in provider-neutral form. Name is the
// canonical dotted id (e.g. "memory.search"); adapters mangle it to satisfy
// vendor naming rules and unmangle it on the way back.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Options tunes a single call. Zero values mean "use the chain entry's
// defaults": the resilient layer fills Model, Temperature, and MaxTokens
// from the selected chain entry unless the caller set them explicitly.
type Options struct {
	Model       string
	System      string
	Temperature *float32
	MaxTokens   int
	Tools       []Tool
}

// Float is a convenience for Options.Temperature literals.
func Float(f float32) *float32 { return &f }

// StreamChunk is one incremental piece of a streamed response. Tool calls
// are not streamed; they arrive complete in the final Response.
type StreamChunk struct {
	Text      string
	Reasoning string
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the completed result of a chat or stream call.
type Response struct {
	Text             string
	ReasoningContent string
	ToolCalls        []models.ToolCall
	Model            string
	Provider         Provider
	Usage            Usage
	FinishReason     string
}

// Client is the uniform surface every provider adapter implements.
//
// Stream invokes fn for each chunk as the model emits it and returns the
// assembled response when the stream ends. A non-nil error from fn aborts
// the stream.
type Client interface {
	Chat(ctx context.Context, msgs []Message, opts Options) (*Response, error)
	Stream(ctx context.Context, msgs []Message, opts Options, fn func(StreamChunk) error) (*Response, error)
}

// ProviderSettings carries the per-vendor credentials and endpoint used to
// construct a concrete client.
type ProviderSettings struct {
	APIKey       string
	BaseURL      string
	DefaultModel string

	// Timeout bounds a single HTTP exchange for adapters that own their
	// transport. Zero means the adapter's default.
	Timeout time.Duration
}

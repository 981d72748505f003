package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// anthropicMaxTokensDefault applies when the caller sets no limit; the
// Messages API requires an explicit max_tokens.
const anthropicMaxTokensDefault = 4096

// maxEmptyStreamEvents bounds consecutive no-op SSE events before the
// stream is treated as malformed. Protects against streams that flood with
// empty events.
const maxEmptyStreamEvents = 300

type anthropicClient struct {
	client       anthropic.Client
	defaultModel string
}

func newAnthropicClient(s llm.ProviderSettings) (*anthropicClient, error) {
	if s.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(s.APIKey)}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}
	if s.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(s.Timeout))
	}
	return &anthropicClient{
		client:       anthropic.NewClient(opts...),
		defaultModel: s.DefaultModel,
	}, nil
}

func (c *anthropicClient) Chat(ctx context.Context, msgs []llm.Message, opts llm.Options) (*llm.Response, error) {
	params, names, model, err := c.buildParams(msgs, opts)
	if err != nil {
		return nil, llm.WrapError(llm.ProviderAnthropic, model, err).WithCategory(llm.CategoryParse)
	}
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err, model)
	}
	return translateAnthropicMessage(msg, model, names), nil
}

func (c *anthropicClient) Stream(ctx context.Context, msgs []llm.Message, opts llm.Options, fn func(llm.StreamChunk) error) (*llm.Response, error) {
	params, names, model, err := c.buildParams(msgs, opts)
	if err != nil {
		return nil, llm.WrapError(llm.ProviderAnthropic, model, err).WithCategory(llm.CategoryParse)
	}
	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	out := &llm.Response{Model: model, Provider: llm.ProviderAnthropic}
	var text, reasoning strings.Builder
	var current *models.ToolCall
	var currentInput strings.Builder
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				out.Usage.PromptTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				current = &models.ToolCall{
					ID:     use.ID,
					Name:   use.Name,
					ToolID: names.canonical(use.Name),
				}
				currentInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					if err := fn(llm.StreamChunk{Text: delta.Text}); err != nil {
						return nil, err
					}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					reasoning.WriteString(delta.Thinking)
					if err := fn(llm.StreamChunk{Reasoning: delta.Thinking}); err != nil {
						return nil, err
					}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if current != nil {
				current.Input = normalizeArguments(currentInput.String())
				out.ToolCalls = append(out.ToolCalls, *current)
				current = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				out.Usage.CompletionTokens = int(delta.Usage.OutputTokens)
			}
			if delta.Delta.StopReason != "" {
				out.FinishReason = string(delta.Delta.StopReason)
			}
			processed = true

		case "message_stop":
			out.Text = text.String()
			out.ReasoningContent = reasoning.String()
			return out, nil

		case "error":
			return nil, llm.WrapError(llm.ProviderAnthropic, model, errors.New("stream error event"))
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return nil, llm.WrapError(llm.ProviderAnthropic, model,
					fmt.Errorf("stream malformed: %d consecutive empty events", emptyEvents)).
					WithCategory(llm.CategoryParse)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapAnthropicError(err, model)
	}

	// Stream ended without a message_stop event.
	out.Text = text.String()
	out.ReasoningContent = reasoning.String()
	return out, nil
}

func (c *anthropicClient) buildParams(msgs []llm.Message, opts llm.Options) (anthropic.MessageNewParams, nameTable, string, error) {
	names := newNameTable(opts.Tools)

	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokensDefault
	}

	converted, err := buildAnthropicMessages(msgs, names)
	if err != nil {
		return anthropic.MessageNewParams{}, names, model, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  converted,
		MaxTokens: int64(maxTokens),
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: opts.System}}
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*opts.Temperature))
	}
	for _, t := range opts.Tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return anthropic.MessageNewParams{}, names, model,
					fmt.Errorf("invalid schema for tool %s: %w", t.Name, err)
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, names.provider(t.Name))
		if tool.OfTool != nil && t.Description != "" {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, tool)
	}
	return params, names, model, nil
}

// buildAnthropicMessages converts neutral turns into content block form.
// System turns are excluded here; the Messages API takes the system prompt
// as a separate parameter. Tool result turns map to user messages carrying
// a tool_result block.
func buildAnthropicMessages(msgs []llm.Message, names nameTable) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			continue

		case models.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))

		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(
					tc.ID,
					normalizeArguments(string(tc.Input)),
					providerToolName(tc, names),
				))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		default:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, img := range m.Images {
				mediaType, data := splitImagePayload(img)
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		return nil, errors.New("at least one user or assistant message is required")
	}
	return out, nil
}

// splitImagePayload separates a data URL into media type and base64 data.
// Bare payloads default to PNG, the format agent screenshots arrive in.
func splitImagePayload(img string) (mediaType, data string) {
	mediaType, data = "image/png", img
	rest, ok := strings.CutPrefix(img, "data:")
	if !ok {
		return mediaType, data
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return mediaType, img
	}
	if mt, _, _ := strings.Cut(meta, ";"); mt != "" {
		mediaType = mt
	}
	return mediaType, payload
}

func translateAnthropicMessage(msg *anthropic.Message, model string, names nameTable) *llm.Response {
	out := &llm.Response{
		Model:        model,
		Provider:     llm.ProviderAnthropic,
		FinishReason: string(msg.StopReason),
		Usage: llm.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}
	var text, reasoning strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:     block.ID,
				Name:   block.Name,
				ToolID: names.canonical(block.Name),
				Input:  normalizeArguments(string(block.Input)),
			})
		}
	}
	out.Text = text.String()
	out.ReasoningContent = reasoning.String()
	return out
}

// wrapAnthropicError lifts SDK failures into classified errors. The SDK's
// typed error carries the HTTP status and response headers, including
// Retry-After on 429s.
func wrapAnthropicError(err error, model string) error {
	if err == nil {
		return nil
	}
	e := llm.WrapError(llm.ProviderAnthropic, model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		e = e.WithStatus(apiErr.StatusCode)
		if apiErr.Response != nil {
			if id := apiErr.Response.Header.Get("Request-Id"); id != "" {
				e = e.WithRequestID(id)
			}
			if ra := llm.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After")); ra > 0 {
				e = e.WithRetryAfter(ra)
			}
		}
	}
	return e
}

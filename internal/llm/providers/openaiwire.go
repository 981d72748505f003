package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// DeepSeek and xAI expose OpenAI-compatible chat endpoints, so one adapter
// serves all three vendors with different base URLs.
const (
	deepseekBaseURL = "https://api.deepseek.com/v1"
	xaiBaseURL      = "https://api.x.ai/v1"
)

// openAIWireClient adapts the go-openai SDK to llm.Client for every vendor
// that speaks the OpenAI chat completion wire format.
type openAIWireClient struct {
	client       *openai.Client
	provider     llm.Provider
	defaultModel string
}

func newOpenAIWireClient(p llm.Provider, s llm.ProviderSettings) (*openAIWireClient, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("%s: API key is required", p)
	}
	cfg := openai.DefaultConfig(s.APIKey)
	switch {
	case s.BaseURL != "":
		cfg.BaseURL = strings.TrimRight(s.BaseURL, "/")
	case p == llm.ProviderDeepSeek:
		cfg.BaseURL = deepseekBaseURL
	case p == llm.ProviderXAI:
		cfg.BaseURL = xaiBaseURL
	}
	if s.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: s.Timeout}
	}
	return &openAIWireClient{
		client:       openai.NewClientWithConfig(cfg),
		provider:     p,
		defaultModel: s.DefaultModel,
	}, nil
}

func (c *openAIWireClient) Chat(ctx context.Context, msgs []llm.Message, opts llm.Options) (*llm.Response, error) {
	req, names := c.buildRequest(msgs, opts, false)
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, c.wrapError(err, req.Model)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.WrapError(c.provider, req.Model, errors.New("response contained no choices")).
			WithCategory(llm.CategoryParse)
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		Text:             choice.Message.Content,
		ReasoningContent: choice.Message.ReasoningContent,
		Model:            resp.Model,
		Provider:         c.provider,
		FinishReason:     string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:     tc.ID,
			Name:   tc.Function.Name,
			ToolID: names.canonical(tc.Function.Name),
			Input:  normalizeArguments(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (c *openAIWireClient) Stream(ctx context.Context, msgs []llm.Message, opts llm.Options, fn func(llm.StreamChunk) error) (*llm.Response, error) {
	req, names := c.buildRequest(msgs, opts, true)
	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, c.wrapError(err, req.Model)
	}
	defer stream.Close()

	out := &llm.Response{Model: req.Model, Provider: c.provider}
	acc := newToolCallAccumulator()
	var text, reasoning strings.Builder

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, c.wrapError(err, req.Model)
		}
		// The final chunk carries usage when stream_options requests it and
		// has no choices.
		if resp.Usage != nil {
			out.Usage = llm.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}
		}
		if resp.Model != "" {
			out.Model = resp.Model
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if err := fn(llm.StreamChunk{Text: choice.Delta.Content}); err != nil {
				return nil, err
			}
		}
		if choice.Delta.ReasoningContent != "" {
			reasoning.WriteString(choice.Delta.ReasoningContent)
			if err := fn(llm.StreamChunk{Reasoning: choice.Delta.ReasoningContent}); err != nil {
				return nil, err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc.add(tc)
		}
		if choice.FinishReason != "" {
			out.FinishReason = string(choice.FinishReason)
		}
	}

	out.Text = text.String()
	out.ReasoningContent = reasoning.String()
	out.ToolCalls = acc.finish(names)
	return out, nil
}

func (c *openAIWireClient) buildRequest(msgs []llm.Message, opts llm.Options, stream bool) (openai.ChatCompletionRequest, nameTable) {
	names := newNameTable(opts.Tools)

	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: buildOpenAIMessages(msgs, opts.System, names),
		Stream:   stream,
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	for _, t := range opts.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        names.provider(t.Name),
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req, names
}

// buildOpenAIMessages converts neutral turns to the OpenAI wire shape. The
// system prompt is injected as the first message; vision turns switch to
// the multi-content form.
func buildOpenAIMessages(msgs []llm.Message, system string, names nameTable) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range msgs {
		msg := openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case models.RoleAssistant:
			// DeepSeek's reasoner rejects tool-call turns that drop their
			// reasoning, so it is round-tripped verbatim.
			msg.ReasoningContent = m.ReasoningContent
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      providerToolName(tc, names),
						Arguments: string(tc.Input),
					},
				})
			}
		case models.RoleTool:
			msg.ToolCallID = m.ToolCallID
		default:
			if len(m.Images) > 0 {
				parts := make([]openai.ChatMessagePart, 0, len(m.Images)+1)
				if m.Content != "" {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: m.Content,
					})
				}
				for _, img := range m.Images {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    imageDataURL(img),
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
				msg.Content = ""
				msg.MultiContent = parts
			}
		}
		out = append(out, msg)
	}
	return out
}

// imageDataURL wraps a bare base64 payload as a data URL. Payloads that are
// already URLs pass through.
func imageDataURL(img string) string {
	if strings.HasPrefix(img, "data:") || strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
		return img
	}
	return "data:image/png;base64," + img
}

// normalizeArguments guarantees tool call input is a JSON value. Providers
// occasionally emit empty argument strings for zero-parameter tools.
func normalizeArguments(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

// toolCallAccumulator assembles tool calls streamed as fragments. The wire
// sends each call's id and name in the first delta for an index and spreads
// the argument JSON over later deltas; calls are emitted in first-seen
// order.
type toolCallAccumulator struct {
	order []int
	calls map[int]*streamedToolCall
}

type streamedToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*streamedToolCall)}
}

func (a *toolCallAccumulator) add(tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	call := a.calls[index]
	if call == nil {
		call = &streamedToolCall{}
		a.calls[index] = call
		a.order = append(a.order, index)
	}
	if tc.ID != "" {
		call.id = tc.ID
	}
	if tc.Function.Name != "" {
		call.name = tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		call.args.WriteString(tc.Function.Arguments)
	}
}

func (a *toolCallAccumulator) finish(names nameTable) []models.ToolCall {
	var out []models.ToolCall
	for _, index := range a.order {
		call := a.calls[index]
		if call.id == "" || call.name == "" {
			continue
		}
		out = append(out, models.ToolCall{
			ID:     call.id,
			Name:   call.name,
			ToolID: names.canonical(call.name),
			Input:  normalizeArguments(call.args.String()),
		})
	}
	return out
}

// wrapError normalizes SDK errors. go-openai surfaces HTTP failures as
// *openai.APIError when the body parsed and *openai.RequestError when it
// did not.
func (c *openAIWireClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := llm.WrapError(c.provider, model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			e = e.WithMessage(apiErr.Message)
		}
		return e
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return llm.WrapError(c.provider, model, err).WithStatus(reqErr.HTTPStatusCode)
	}
	return llm.WrapError(c.provider, model, err)
}

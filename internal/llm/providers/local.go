package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

const (
	localDefaultBaseURL = "http://localhost:11434"
	localDefaultModel   = "qwen3"
	localDefaultTimeout = 2 * time.Minute

	// NDJSON lines are usually tiny but tool-call chunks can carry whole
	// argument objects.
	localScanInitial = 64 * 1024
	localScanMax     = 1024 * 1024

	localErrorBodyLimit = 8 * 1024
)

// localClient speaks the Ollama chat API. No key, no SDK; the wire format
// is close enough to OpenAI's that the tool schema type is reused verbatim.
type localClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func newLocalClient(s llm.ProviderSettings) *localClient {
	base := s.BaseURL
	if base == "" {
		base = localDefaultBaseURL
	}
	model := s.DefaultModel
	if model == "" {
		model = localDefaultModel
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = localDefaultTimeout
	}
	return &localClient{
		baseURL:    strings.TrimRight(base, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type localChatRequest struct {
	Model    string             `json:"model"`
	Messages []localChatMessage `json:"messages"`
	Stream   bool               `json:"stream"`
	Tools    []openai.Tool      `json:"tools,omitempty"`
	Options  map[string]any     `json:"options,omitempty"`
}

type localChatMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Thinking  string          `json:"thinking,omitempty"`
	Images    []string        `json:"images,omitempty"`
	ToolCalls []localToolCall `json:"tool_calls,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
}

type localToolCall struct {
	ID       string            `json:"id,omitempty"`
	Function localToolFunction `json:"function"`
}

type localToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type localChatResponse struct {
	Model           string           `json:"model"`
	Message         localChatMessage `json:"message"`
	Done            bool             `json:"done"`
	DoneReason      string           `json:"done_reason,omitempty"`
	Error           string           `json:"error,omitempty"`
	EvalCount       int              `json:"eval_count,omitempty"`
	PromptEvalCount int              `json:"prompt_eval_count,omitempty"`
}

func (c *localClient) Chat(ctx context.Context, msgs []llm.Message, opts llm.Options) (*llm.Response, error) {
	names := newNameTable(opts.Tools)
	req, model := c.buildRequest(msgs, opts, names, false)

	resp, err := c.send(ctx, req, model)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chat localChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, llm.WrapError(llm.ProviderLocal, model, fmt.Errorf("decode response: %w", err)).
			WithCategory(llm.CategoryParse)
	}
	if chat.Error != "" {
		return nil, llm.WrapError(llm.ProviderLocal, model, fmt.Errorf("runtime error: %s", chat.Error))
	}

	out := &llm.Response{
		Text:             chat.Message.Content,
		ReasoningContent: chat.Message.Thinking,
		Model:            model,
		Provider:         llm.ProviderLocal,
		FinishReason:     chat.DoneReason,
		Usage: llm.Usage{
			PromptTokens:     chat.PromptEvalCount,
			CompletionTokens: chat.EvalCount,
		},
	}
	if chat.Model != "" {
		out.Model = chat.Model
	}
	seen := make(map[string]bool)
	out.ToolCalls = appendLocalToolCalls(out.ToolCalls, seen, chat.Message.ToolCalls, names)
	return out, nil
}

func (c *localClient) Stream(ctx context.Context, msgs []llm.Message, opts llm.Options, fn func(llm.StreamChunk) error) (*llm.Response, error) {
	names := newNameTable(opts.Tools)
	req, model := c.buildRequest(msgs, opts, names, true)

	resp, err := c.send(ctx, req, model)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &llm.Response{Model: model, Provider: llm.ProviderLocal}
	var text, reasoning strings.Builder
	// Some local models emit the same tool call on several chunks.
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, localScanInitial), localScanMax)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk localChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return nil, llm.WrapError(llm.ProviderLocal, model, fmt.Errorf("runtime error: %s", chunk.Error))
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Message.Content != "" {
			text.WriteString(chunk.Message.Content)
			if err := fn(llm.StreamChunk{Text: chunk.Message.Content}); err != nil {
				return nil, err
			}
		}
		if chunk.Message.Thinking != "" {
			reasoning.WriteString(chunk.Message.Thinking)
			if err := fn(llm.StreamChunk{Reasoning: chunk.Message.Thinking}); err != nil {
				return nil, err
			}
		}
		out.ToolCalls = appendLocalToolCalls(out.ToolCalls, seen, chunk.Message.ToolCalls, names)
		if chunk.Done {
			out.FinishReason = chunk.DoneReason
			out.Usage.PromptTokens = chunk.PromptEvalCount
			out.Usage.CompletionTokens = chunk.EvalCount
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, llm.WrapError(llm.ProviderLocal, model, fmt.Errorf("read stream: %w", err))
	}

	out.Text = text.String()
	out.ReasoningContent = reasoning.String()
	return out, nil
}

func (c *localClient) buildRequest(msgs []llm.Message, opts llm.Options, names nameTable, stream bool) (localChatRequest, string) {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	req := localChatRequest{
		Model:    model,
		Messages: buildLocalMessages(msgs, opts, names),
		Stream:   stream,
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
	options := map[string]any{}
	if opts.Temperature != nil {
		options["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) > 0 {
		req.Options = options
	}
	return req, model
}

func buildLocalMessages(msgs []llm.Message, opts llm.Options, names nameTable) []localChatMessage {
	var out []localChatMessage
	if opts.System != "" {
		out = append(out, localChatMessage{Role: "system", Content: opts.System})
	}
	for _, m := range msgs {
		switch m.Role {
		case models.RoleTool:
			out = append(out, localChatMessage{
				Role:     "tool",
				Content:  m.Content,
				ToolName: toolNameForCall(m.ToolCallID, msgs, names),
			})

		case models.RoleAssistant:
			msg := localChatMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, localToolCall{
					ID: tc.ID,
					Function: localToolFunction{
						Name:      providerToolName(tc, names),
						Arguments: normalizeArguments(string(tc.Input)),
					},
				})
			}
			out = append(out, msg)

		default:
			msg := localChatMessage{Role: string(m.Role), Content: m.Content}
			for _, img := range m.Images {
				if data, ok := localImageData(img); ok {
					msg.Images = append(msg.Images, data)
				}
			}
			out = append(out, msg)
		}
	}
	return out
}

// localImageData strips any data-URL wrapper; the runtime wants bare
// base64. Remote URLs are dropped since the runtime cannot fetch them.
func localImageData(img string) (string, bool) {
	if strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
		return "", false
	}
	if rest, ok := strings.CutPrefix(img, "data:"); ok {
		if _, payload, found := strings.Cut(rest, ","); found {
			return payload, true
		}
		return "", false
	}
	return img, true
}

// appendLocalToolCalls dedups and converts streamed tool calls. The seen
// set is keyed by runtime id when present, otherwise by name plus
// arguments, and must be carried across chunks by the caller.
func appendLocalToolCalls(dst []models.ToolCall, seen map[string]bool, calls []localToolCall, names nameTable) []models.ToolCall {
	for _, call := range calls {
		name := call.Function.Name
		if name == "" {
			continue
		}
		args := normalizeArguments(string(call.Function.Arguments))
		key := "id:" + call.ID
		if call.ID == "" {
			key = name + ":" + string(args)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		id := call.ID
		if id == "" {
			id = uuid.NewString()
		}
		dst = append(dst, models.ToolCall{
			ID:     id,
			Name:   name,
			ToolID: names.canonical(name),
			Input:  args,
		})
	}
	return dst
}

func (c *localClient) send(ctx context.Context, req localChatRequest, model string) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, llm.WrapError(llm.ProviderLocal, model, fmt.Errorf("encode request: %w", err)).
			WithCategory(llm.CategoryParse)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, llm.WrapError(llm.ProviderLocal, model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.WrapError(llm.ProviderLocal, model, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, localErrorBodyLimit))
		e := llm.WrapError(llm.ProviderLocal, model,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))).
			WithStatus(resp.StatusCode)
		if ra := llm.ParseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			e = e.WithRetryAfter(ra)
		}
		return nil, e
	}
	return resp, nil
}

package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

type googleClient struct {
	client       *genai.Client
	defaultModel string
}

func newGoogleClient(s llm.ProviderSettings) (*googleClient, error) {
	if s.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:  s.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if s.BaseURL != "" {
		cfg.HTTPOptions.BaseURL = s.BaseURL
	}
	if s.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: s.Timeout}
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &googleClient{client: client, defaultModel: s.DefaultModel}, nil
}

func (c *googleClient) Chat(ctx context.Context, msgs []llm.Message, opts llm.Options) (*llm.Response, error) {
	names := newNameTable(opts.Tools)
	model := c.model(opts)
	contents, system := buildGeminiContents(msgs, names)
	if len(contents) == 0 {
		return nil, llm.WrapError(llm.ProviderGemini, model,
			errors.New("at least one user or assistant message is required")).
			WithCategory(llm.CategoryParse)
	}
	config := buildGeminiConfig(opts, system, names)

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, wrapGoogleError(err, model)
	}
	if len(resp.Candidates) == 0 {
		return nil, llm.WrapError(llm.ProviderGemini, model, errors.New("response contained no candidates")).
			WithCategory(llm.CategoryParse)
	}

	out := &llm.Response{Model: model, Provider: llm.ProviderGemini}
	readGeminiUsage(out, resp)
	candidate := resp.Candidates[0]
	out.FinishReason = strings.ToLower(string(candidate.FinishReason))
	var text, reasoning strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			collectGeminiPart(part, &text, &reasoning, &out.ToolCalls, names)
		}
	}
	out.Text = text.String()
	out.ReasoningContent = reasoning.String()
	return out, nil
}

func (c *googleClient) Stream(ctx context.Context, msgs []llm.Message, opts llm.Options, fn func(llm.StreamChunk) error) (*llm.Response, error) {
	names := newNameTable(opts.Tools)
	model := c.model(opts)
	contents, system := buildGeminiContents(msgs, names)
	if len(contents) == 0 {
		return nil, llm.WrapError(llm.ProviderGemini, model,
			errors.New("at least one user or assistant message is required")).
			WithCategory(llm.CategoryParse)
	}
	config := buildGeminiConfig(opts, system, names)

	out := &llm.Response{Model: model, Provider: llm.ProviderGemini}
	var text, reasoning strings.Builder

	for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, wrapGoogleError(err, model)
		}
		readGeminiUsage(out, resp)
		if len(resp.Candidates) == 0 {
			continue
		}
		candidate := resp.Candidates[0]
		if candidate.FinishReason != "" {
			out.FinishReason = strings.ToLower(string(candidate.FinishReason))
		}
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			before := text.Len()
			beforeReasoning := reasoning.Len()
			collectGeminiPart(part, &text, &reasoning, &out.ToolCalls, names)
			if text.Len() > before {
				if err := fn(llm.StreamChunk{Text: text.String()[before:]}); err != nil {
					return nil, err
				}
			}
			if reasoning.Len() > beforeReasoning {
				if err := fn(llm.StreamChunk{Reasoning: reasoning.String()[beforeReasoning:]}); err != nil {
					return nil, err
				}
			}
		}
	}

	out.Text = text.String()
	out.ReasoningContent = reasoning.String()
	return out, nil
}

func (c *googleClient) model(opts llm.Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return c.defaultModel
}

// collectGeminiPart routes one response part. Thought parts carry extended
// reasoning; function calls get a synthesized id because Gemini correlates
// results by name rather than by call id.
func collectGeminiPart(part *genai.Part, text, reasoning *strings.Builder, calls *[]models.ToolCall, names nameTable) {
	if part == nil {
		return
	}
	if part.Text != "" {
		if part.Thought {
			reasoning.WriteString(part.Text)
		} else {
			text.WriteString(part.Text)
		}
	}
	if part.FunctionCall != nil {
		*calls = append(*calls, geminiToolCall(part.FunctionCall, names))
	}
}

func geminiToolCall(fc *genai.FunctionCall, names nameTable) models.ToolCall {
	id := fc.ID
	if id == "" {
		id = fmt.Sprintf("call_%s_%d", fc.Name, time.Now().UnixNano())
	}
	input := json.RawMessage("{}")
	if len(fc.Args) > 0 {
		if raw, err := json.Marshal(fc.Args); err == nil {
			input = raw
		}
	}
	return models.ToolCall{
		ID:     id,
		Name:   fc.Name,
		ToolID: names.canonical(fc.Name),
		Input:  input,
	}
}

// buildGeminiContents converts neutral turns into Gemini content. System
// turns are folded into the returned instruction text; tool results become
// user-role function responses.
func buildGeminiContents(msgs []llm.Message, names nameTable) ([]*genai.Content, string) {
	var out []*genai.Content
	var system []string
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}

		case models.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if len(tc.Input) > 0 {
					_ = json.Unmarshal(tc.Input, &args)
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					Name: providerToolName(tc, names),
					Args: args,
				}})
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, &genai.Content{Role: genai.RoleModel, Parts: parts})

		case models.RoleTool:
			response := map[string]any{}
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			out = append(out, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameForCall(m.ToolCallID, msgs, names),
					Response: response,
				}}},
			})

		default:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, img := range m.Images {
				if part := geminiImagePart(img); part != nil {
					parts = append(parts, part)
				}
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: parts})
		}
	}
	return out, strings.Join(system, "\n\n")
}

// geminiImagePart decodes a base64 or data-URL image into inline data.
// Remote URLs are skipped; the Gemini API only accepts uploaded file URIs.
func geminiImagePart(img string) *genai.Part {
	if strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
		return nil
	}
	mediaType, payload := splitImagePayload(img)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil
	}
	return &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: mediaType}}
}

func buildGeminiConfig(opts llm.Options, system string, names nameTable) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if opts.System != "" {
		if system != "" {
			system = opts.System + "\n\n" + system
		} else {
			system = opts.System
		}
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if opts.Temperature != nil {
		config.Temperature = genai.Ptr(*opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(opts.MaxTokens, math.MaxInt32))
	}
	if len(opts.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(opts.Tools))
		for _, t := range opts.Tools {
			decl := &genai.FunctionDeclaration{
				Name:        names.provider(t.Name),
				Description: t.Description,
			}
			if len(t.Parameters) > 0 {
				decl.Parameters = geminiSchema(t.Parameters)
			}
			decls = append(decls, decl)
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return config
}

// geminiSchema converts a JSON Schema document into the typed schema the
// Gemini API wants. Unknown or missing types default to OBJECT.
func geminiSchema(raw json.RawMessage) *genai.Schema {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	return geminiSchemaFromMap(m)
}

func geminiSchemaFromMap(m map[string]any) *genai.Schema {
	schema := &genai.Schema{Type: genai.TypeObject}
	if t, ok := m["type"].(string); ok && t != "" {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if d, ok := m["description"].(string); ok {
		schema.Description = d
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, v := range enum {
			if s, ok := v.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok && len(props) > 0 {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, v := range props {
			if pm, ok := v.(map[string]any); ok {
				schema.Properties[name] = geminiSchemaFromMap(pm)
			}
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, v := range req {
			if s, ok := v.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		schema.Items = geminiSchemaFromMap(items)
	}
	return schema
}

func readGeminiUsage(out *llm.Response, resp *genai.GenerateContentResponse) {
	if resp.UsageMetadata == nil {
		return
	}
	if resp.UsageMetadata.PromptTokenCount > 0 {
		out.Usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
	}
	if resp.UsageMetadata.CandidatesTokenCount > 0 {
		out.Usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
}

func wrapGoogleError(err error, model string) error {
	if err == nil {
		return nil
	}
	e := llm.WrapError(llm.ProviderGemini, model, err)
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		e = e.WithStatus(apiErr.Code)
	}
	return e
}

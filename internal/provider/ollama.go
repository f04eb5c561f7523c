package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"extremis/internal/chat"

	"github.com/ollama/ollama/api"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider 基于 ollama api 客户端的本地模型 Provider
// OllamaProvider implements Provider against a local Ollama server.
type OllamaProvider struct {
	modelSlot
	client *api.Client
}

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	BaseURL   string
	Model     string
	TimeoutMS int
}

func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultOllamaURL
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama URL: %w", err)
	}
	httpClient := &http.Client{Timeout: time.Duration(max(cfg.TimeoutMS, 0)) * time.Millisecond}
	return &OllamaProvider{
		modelSlot: modelSlot{model: cfg.Model},
		client:    api.NewClient(parsed, httpClient),
	}, nil
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := p.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	models := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, ModelInfo{ID: m.Name, OwnedBy: "ollama"})
	}
	return models, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error) {
	stream := true
	ollamaReq := &api.ChatRequest{
		Model:    p.resolve(req.Model),
		Messages: toOllamaMessages(req.Messages),
		Tools:    toOllamaTools(req.Tools),
		Stream:   &stream,
	}
	if req.Temperature != nil {
		ollamaReq.Options = map[string]any{"temperature": *req.Temperature}
	}

	var (
		content strings.Builder
		calls   []ToolCall
		usage   Usage
		finish  string
	)
	err := p.client.Chat(ctx, ollamaReq, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		cb.text(resp.Message.Content)
		for _, tc := range resp.Message.ToolCalls {
			args, err := json.Marshal(map[string]any(tc.Function.Arguments))
			if err != nil {
				args = []byte("{}")
			}
			calls = append(calls, ToolCall{
				ID:   fmt.Sprintf("call_%d", len(calls)),
				Type: "function",
				Function: ToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: string(args),
				},
			})
		}
		if resp.Done {
			finish = resp.DoneReason
			usage = Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
				TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ChatResponse{}, ctxErr
		}
		return ChatResponse{}, fmt.Errorf("ollama chat: %w", err)
	}
	out := ChatResponse{Content: content.String(), ToolCalls: calls, FinishReason: finish, Usage: usage}
	cb.finish(out)
	return out, nil
}

func toOllamaMessages(messages []Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		msg := api.Message{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
			msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
				Function: api.ToolCallFunction{Name: tc.Function.Name, Arguments: args},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toOllamaTools(tools []chat.ToolDef) []api.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]api.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  toOllamaParameters(t.Function.Parameters),
			},
		})
	}
	return out
}

func toOllamaParameters(schema map[string]any) api.ToolFunctionParameters {
	params := api.ToolFunctionParameters{
		Type:       "object",
		Properties: make(map[string]api.ToolProperty),
	}
	if t, ok := schema["type"].(string); ok {
		params.Type = t
	}
	switch req := schema["required"].(type) {
	case []string:
		params.Required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				params.Required = append(params.Required, s)
			}
		}
	}
	props, _ := schema["properties"].(map[string]any)
	for name, raw := range props {
		params.Properties[name] = toOllamaProperty(raw)
	}
	return params
}

func toOllamaProperty(raw any) api.ToolProperty {
	prop := api.ToolProperty{}
	m, ok := raw.(map[string]any)
	if !ok {
		return prop
	}
	switch t := m["type"].(type) {
	case string:
		prop.Type = api.PropertyType{t}
	case []string:
		prop.Type = api.PropertyType(t)
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok {
				prop.Type = append(prop.Type, s)
			}
		}
	}
	if desc, ok := m["description"].(string); ok {
		prop.Description = desc
	}
	if enum, ok := m["enum"].([]any); ok {
		prop.Enum = enum
	}
	if items, ok := m["items"]; ok {
		prop.Items = items
	}
	return prop
}

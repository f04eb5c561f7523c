package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"extremis/internal/chat"

	openai "github.com/sashabaranov/go-openai"
)

const retryBaseDelay = 150 * time.Millisecond

// OpenAIConfig configures any OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	TimeoutMS   int
	MaxRetries  int
	Temperature *float64
}

// OpenAIProvider 通过 go-openai 调用兼容 OpenAI 的接口，始终使用流式响应
// OpenAIProvider talks to OpenAI-compatible endpoints through go-openai, always
// streaming.
type OpenAIProvider struct {
	modelSlot
	client      *openai.Client
	maxRetries  int
	temperature *float64
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	sdk := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		sdk.BaseURL = base
	}
	sdk.HTTPClient = &http.Client{Timeout: time.Duration(max(cfg.TimeoutMS, 0)) * time.Millisecond}
	return &OpenAIProvider{
		modelSlot:   modelSlot{model: cfg.Model},
		client:      openai.NewClientWithConfig(sdk),
		maxRetries:  max(cfg.MaxRetries, 0),
		temperature: cfg.Temperature,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	out := make([]ModelInfo, len(list.Models))
	for i, m := range list.Models {
		out[i] = ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy}
	}
	return out, nil
}

// Chat retries failures with exponential backoff, but only while nothing has
// been streamed, so callbacks never see a chunk twice.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error) {
	if req.Temperature == nil {
		req.Temperature = p.temperature
	}
	sdkReq := p.request(req)

	var lastErr error
	for attempt := range p.maxRetries + 1 {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryBaseDelay<<(attempt-1)); err != nil {
				return ChatResponse{}, err
			}
		}
		acc := &streamAccumulator{}
		err := p.stream(ctx, sdkReq, acc, cb)
		if err == nil {
			resp := acc.response()
			cb.finish(resp)
			return resp, nil
		}
		if IsInterruption(err) || acc.started() {
			return ChatResponse{}, err
		}
		lastErr = err
	}
	return ChatResponse{}, fmt.Errorf("provider chat failed after %d retries: %w", p.maxRetries, lastErr)
}

func (p *OpenAIProvider) request(req ChatRequest) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:     p.resolve(req.Model),
		Messages:  convertMessages(req.Messages),
		Stream:    true,
		MaxTokens: max(req.MaxTokens, 0),
	}
	if len(req.Tools) > 0 {
		out.Tools = convertTools(req.Tools)
		out.ToolChoice = "auto"
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	return out
}

func (p *OpenAIProvider) stream(ctx context.Context, req openai.ChatCompletionRequest, acc *streamAccumulator, cb *StreamCallbacks) error {
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	defer stream.Close()
	for {
		chunk, err := stream.Recv()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("recv stream: %w", err)
		}
		acc.add(chunk, cb)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// streamAccumulator assembles a completion from its stream chunks. Tool call
// fragments are keyed by their index and concatenated in arrival order.
type streamAccumulator struct {
	content   strings.Builder
	reasoning strings.Builder
	calls     map[int]*partialCall
	finish    string
	usage     Usage
}

type partialCall struct {
	id, typ, name string
	args          strings.Builder
}

func (a *streamAccumulator) started() bool {
	return a.content.Len() > 0 || a.reasoning.Len() > 0
}

func (a *streamAccumulator) add(chunk openai.ChatCompletionStreamResponse, cb *StreamCallbacks) {
	for _, choice := range chunk.Choices {
		if choice.FinishReason != "" {
			a.finish = string(choice.FinishReason)
		}
		a.content.WriteString(choice.Delta.Content)
		cb.text(choice.Delta.Content)
		a.reasoning.WriteString(choice.Delta.ReasoningContent)
		cb.reasoning(choice.Delta.ReasoningContent)
		for _, tc := range choice.Delta.ToolCalls {
			a.addCall(tc)
		}
	}
	// some servers only send usage on the final chunk
	if u := chunk.Usage; u != nil {
		a.usage = Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
		if u.CompletionTokensDetails != nil {
			a.usage.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
		}
	}
}

func (a *streamAccumulator) addCall(tc openai.ToolCall) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	if a.calls == nil {
		a.calls = map[int]*partialCall{}
	}
	pc, ok := a.calls[idx]
	if !ok {
		pc = &partialCall{}
		a.calls[idx] = pc
	}
	if tc.ID != "" {
		pc.id = tc.ID
	}
	if tc.Type != "" {
		pc.typ = string(tc.Type)
	}
	pc.name += tc.Function.Name
	pc.args.WriteString(tc.Function.Arguments)
}

func (a *streamAccumulator) response() ChatResponse {
	return ChatResponse{
		Content:      a.content.String(),
		Reasoning:    a.reasoning.String(),
		ToolCalls:    a.toolCalls(),
		FinishReason: a.finish,
		Usage:        a.usage,
	}
}

// toolCalls orders calls by stream index and fills in a missing id or type.
func (a *streamAccumulator) toolCalls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	slices.Sort(indexes)
	out := make([]ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		pc := a.calls[idx]
		tc := ToolCall{
			ID:       strings.TrimSpace(pc.id),
			Type:     strings.TrimSpace(pc.typ),
			Function: ToolCallFunction{Name: strings.TrimSpace(pc.name), Arguments: pc.args.String()},
		}
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d", idx)
		}
		if tc.Type == "" {
			tc.Type = string(openai.ToolTypeFunction)
		}
		out = append(out, tc)
	}
	return out
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			out[i].ToolCalls = append(out[i].ToolCalls, openai.ToolCall{
				ID:       tc.ID,
				Type:     openai.ToolType(tc.Type),
				Function: openai.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
	}
	return out
}

func convertTools(tools []chat.ToolDef) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		}
	}
	return out
}

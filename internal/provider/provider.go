package provider

import (
	"context"
	"errors"
	"strings"
	"sync"

	"extremis/internal/chat"
)

// Provider 单步模型调用接口；多轮工具往返由 Generator 负责
// Provider performs one model step. The multi-round tool loop lives in Generator.
type Provider interface {
	// Chat streams one completion through cb, which may be nil, and returns
	// the assembled response.
	Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Name() string
	CurrentModel() string
	SetModel(model string) error
}

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is an OpenAI-compatible tool call as it travels on the wire.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// Message is a wire-level chat message, expanded from the conversation log.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ChatRequest 一次模型调用；Model 为空时使用 provider 的当前模型
// ChatRequest is one model call. An empty Model means the provider's current model.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []chat.ToolDef
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// StreamCallbacks receives a step as it streams. Every hook is optional and a
// nil *StreamCallbacks is valid.
type StreamCallbacks struct {
	OnTextChunk      func(chunk string)
	OnReasoningChunk func(chunk string)
	OnToolCall       func(call ToolCall)
	OnUsage          func(usage Usage)
}

func (cb *StreamCallbacks) text(chunk string) {
	if cb != nil && cb.OnTextChunk != nil && chunk != "" {
		cb.OnTextChunk(chunk)
	}
}

func (cb *StreamCallbacks) reasoning(chunk string) {
	if cb != nil && cb.OnReasoningChunk != nil && chunk != "" {
		cb.OnReasoningChunk(chunk)
	}
}

// finish reports the assembled tool calls and usage once the step is done.
func (cb *StreamCallbacks) finish(resp ChatResponse) {
	if cb == nil {
		return
	}
	if cb.OnToolCall != nil {
		for _, tc := range resp.ToolCalls {
			cb.OnToolCall(tc)
		}
	}
	if cb.OnUsage != nil {
		cb.OnUsage(resp.Usage)
	}
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
	TotalTokens      int
}

// Add sums two usages; a generation reports the total over its steps.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		ReasoningTokens:  u.ReasoningTokens + o.ReasoningTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

type ChatResponse struct {
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

type ModelInfo struct {
	ID      string
	OwnedBy string
}

var errEmptyModel = errors.New("model is empty")

// modelSlot holds the active model name of a provider; SetModel may race with
// generations reading it.
type modelSlot struct {
	mu    sync.RWMutex
	model string
}

func (s *modelSlot) CurrentModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

func (s *modelSlot) SetModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return errEmptyModel
	}
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
	return nil
}

// resolve picks the request's model, falling back to the active one.
func (s *modelSlot) resolve(requested string) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}
	return s.CurrentModel()
}

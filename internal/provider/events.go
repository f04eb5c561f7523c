package provider

import (
	"context"
	"errors"
	"iter"

	"extremis/internal/chat"
)

// EventKind 生成事件类型
// EventKind tags a generation event
type EventKind string

const (
	EventContent               EventKind = "content"
	EventToolCallsRequested    EventKind = "tool_calls_requested"
	EventToolCallState         EventKind = "tool_call_state"
	EventToolRoundCompleted    EventKind = "tool_round_completed"
	EventGenerationComplete    EventKind = "generation_complete"
	EventGenerationInterrupted EventKind = "generation_interrupted"
)

var (
	// ErrRoundLimit ends a generation that keeps requesting tools past the round cap.
	ErrRoundLimit = errors.New("tool round limit reached")
	// ErrNoToolResults is returned when a tool-calls-requested event was not answered.
	ErrNoToolResults = errors.New("tool calls were not answered")
	// ErrAlreadyAnswered is returned by a second Respond on the same event.
	ErrAlreadyAnswered = errors.New("tool calls already answered")
)

// Event is one item of a generation stream. Which fields are set depends on Kind.
type Event struct {
	Kind EventKind

	// EventContent
	Text string

	// EventToolCallsRequested: model commentary of this step and its calls
	Commentary string
	Calls      []chat.ToolCall

	// EventToolCallState
	CallID string
	Status chat.CallStatus
	Detail string

	// EventToolRoundCompleted
	Round *chat.ToolExecutionRound

	// EventGenerationComplete / EventGenerationInterrupted
	Rounds []chat.ToolExecutionRound

	reply chan []chat.ToolResult
}

// Respond 回传本轮工具结果；必须在处理 tool-calls-requested 事件的循环体返回前调用
// Respond hands the round's results back to the stream. It must be called before
// the loop body handling the tool-calls-requested event returns.
func (e Event) Respond(results []chat.ToolResult) error {
	if e.reply == nil {
		return errors.New("event does not accept tool results")
	}
	select {
	case e.reply <- results:
		return nil
	default:
		return ErrAlreadyAnswered
	}
}

// GenerateRequest is the input of one generation.
type GenerateRequest struct {
	History   []chat.Message
	Tools     []chat.ToolDef
	MaxRounds int
}

// GenerationProvider 产生惰性、可取消的生成事件序列
// GenerationProvider yields a lazy, cancellable sequence of generation events. A
// sequence ends with EventGenerationComplete, or with an EventGenerationInterrupted
// paired with a non-nil error.
type GenerationProvider interface {
	Stream(ctx context.Context, req GenerateRequest) iter.Seq2[Event, error]
}

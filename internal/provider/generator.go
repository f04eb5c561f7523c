package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"extremis/internal/chat"

	"github.com/rs/zerolog"
)

// GeneratorOptions tunes a Generator.
type GeneratorOptions struct {
	SystemPrompt string
	Temperature  *float64
	MaxTokens    int
	Logger       zerolog.Logger
}

// Generator 把单步 Provider 包装成多轮工具往返的事件流
// Generator wraps a single-step Provider into the multi-round generation stream:
// each model step streams content, and when the step requests tools the stream
// pauses on EventToolCallsRequested until the consumer responds with results.
type Generator struct {
	provider Provider
	opts     GeneratorOptions
}

func NewGenerator(p Provider, opts GeneratorOptions) *Generator {
	return &Generator{provider: p, opts: opts}
}

// Provider returns the wrapped single-step provider.
func (g *Generator) Provider() Provider {
	return g.provider
}

func (g *Generator) Stream(ctx context.Context, req GenerateRequest) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		emit := func(ev Event, err error) bool {
			if stopped {
				return false
			}
			if !yield(ev, err) {
				stopped = true
				cancel()
				return false
			}
			return true
		}

		var (
			rounds []chat.ToolExecutionRound
			usage  Usage
		)
		interrupt := func(err error) {
			emit(Event{Kind: EventGenerationInterrupted, Rounds: chat.CloneRounds(rounds)}, err)
		}

		connectors := make(map[string]string, len(req.Tools))
		for _, t := range req.Tools {
			connectors[t.Function.Name] = t.ConnectorID
		}

		wire := make([]Message, 0, len(req.History)+1)
		if p := strings.TrimSpace(g.opts.SystemPrompt); p != "" {
			wire = append(wire, Message{Role: string(chat.RoleSystem), Content: p})
		}
		wire = append(wire, ExpandHistory(req.History)...)

		for step := 0; ; step++ {
			if err := ctx.Err(); err != nil {
				interrupt(err)
				return
			}

			resp, err := g.provider.Chat(ctx, ChatRequest{
				Messages:    wire,
				Tools:       req.Tools,
				Temperature: g.opts.Temperature,
				MaxTokens:   g.opts.MaxTokens,
			}, &StreamCallbacks{
				OnTextChunk: func(chunk string) {
					emit(Event{Kind: EventContent, Text: chunk}, nil)
				},
			})
			if stopped {
				return
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				} else {
					err = fmt.Errorf("provider chat: %w", err)
				}
				interrupt(err)
				return
			}

			usage = usage.Add(resp.Usage)
			if len(resp.ToolCalls) == 0 {
				g.opts.Logger.Debug().Int("rounds", len(rounds)).Int("total_tokens", usage.TotalTokens).Msg("generation complete")
				emit(Event{Kind: EventGenerationComplete, Rounds: chat.CloneRounds(rounds)}, nil)
				return
			}
			if req.MaxRounds > 0 && len(rounds) >= req.MaxRounds {
				interrupt(fmt.Errorf("%w (%d)", ErrRoundLimit, req.MaxRounds))
				return
			}

			calls := toDomainCalls(resp.ToolCalls, connectors, step)
			g.opts.Logger.Debug().Int("step", step).Int("calls", len(calls)).Msg("model requested tools")
			for _, c := range calls {
				if !emit(Event{Kind: EventToolCallState, CallID: c.ID, Status: chat.CallRequested}, nil) {
					return
				}
			}

			reply := make(chan []chat.ToolResult, 1)
			if !emit(Event{Kind: EventToolCallsRequested, Commentary: resp.Content, Calls: calls, reply: reply}, nil) {
				return
			}
			var results []chat.ToolResult
			select {
			case results = <-reply:
			default:
				if err := ctx.Err(); err != nil {
					interrupt(err)
				} else {
					interrupt(ErrNoToolResults)
				}
				return
			}

			round := chat.ToolExecutionRound{
				Commentary: resp.Content,
				Calls:      calls,
				Results:    alignResults(calls, results),
			}
			rounds = append(rounds, round)
			completed := chat.CloneRounds([]chat.ToolExecutionRound{round})[0]
			if !emit(Event{Kind: EventToolRoundCompleted, Round: &completed}, nil) {
				return
			}
			wire = append(wire, RoundMessages(round)...)
		}
	}
}

// toDomainCalls decodes wire arguments. Undecodable arguments are kept under
// "_raw" so the tool reports a validation error the model can react to.
func toDomainCalls(wire []ToolCall, connectors map[string]string, step int) []chat.ToolCall {
	now := time.Now().UTC()
	out := make([]chat.ToolCall, 0, len(wire))
	seen := make(map[string]bool, len(wire))
	for i, tc := range wire {
		id := strings.TrimSpace(tc.ID)
		if id == "" || seen[id] {
			id = fmt.Sprintf("call_%d_%d", step, i)
		}
		seen[id] = true

		args := map[string]any{}
		if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{"_raw": raw}
			}
		}
		out = append(out, chat.ToolCall{
			ID:          id,
			Name:        tc.Function.Name,
			ConnectorID: connectors[tc.Function.Name],
			Arguments:   args,
			RequestedAt: now,
		})
	}
	return out
}

// alignResults orders results like calls and fills gaps with an error result.
func alignResults(calls []chat.ToolCall, results []chat.ToolResult) []chat.ToolResult {
	byID := make(map[string]chat.ToolResult, len(results))
	for _, r := range results {
		byID[r.CallID] = r
	}
	out := make([]chat.ToolResult, 0, len(calls))
	for _, c := range calls {
		r, ok := byID[c.ID]
		if !ok {
			r = chat.ToolResult{CallID: c.ID, Outcome: chat.Failure("no result was produced for this call", false)}
		}
		out = append(out, r)
	}
	return out
}

// IsInterruption reports whether err ended a stream by cancellation.
func IsInterruption(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

package orchestrator

import (
	"context"
	"errors"
	"strings"

	"extremis/internal/chat"
	"extremis/internal/provider"
	"extremis/internal/session"
)

// turn accumulates what one generation produced so far.
type turn struct {
	// display is everything streamed this turn; tail is the text of the current
	// model step, which becomes the message content unless a round claims it.
	display strings.Builder
	tail    strings.Builder
	rounds  []chat.ToolExecutionRound
	// settled is a round whose results were handed back but whose completion
	// was not observed yet. Refused and cancelled calls count: their results are
	// synthesized errors.
	settled *chat.ToolExecutionRound
}

func (t *turn) recordRound(r chat.ToolExecutionRound) {
	t.rounds = append(t.rounds, r)
	t.settled = nil
}

// adopt replaces local rounds with an authoritative list. A shorter list never
// discards a round that already completed unless force is set.
func (t *turn) adopt(rounds []chat.ToolExecutionRound, force bool) {
	if force || len(rounds) >= len(t.rounds) {
		t.rounds = chat.CloneRounds(rounds)
		t.settled = nil
	}
}

func (t *turn) allRounds() []chat.ToolExecutionRound {
	if t.settled == nil {
		return t.rounds
	}
	return append(chat.CloneRounds(t.rounds), *t.settled)
}

// lastCommentary is the text of the newest round that had any.
func lastCommentary(rounds []chat.ToolExecutionRound) string {
	for i := len(rounds) - 1; i >= 0; i-- {
		if strings.TrimSpace(rounds[i].Commentary) != "" {
			return rounds[i].Commentary
		}
	}
	return ""
}

// RunTurn 执行一个完整轮次直到结束；无论以何种方式结束都只清理一次生成状态
// RunTurn drives one turn on g until the stream ends. Whatever the exit path, any
// produced content or completed round is persisted as one non-empty assistant
// message and g is completed exactly once. The returned error is the one
// reported to the session; cancellation is not an error.
func (o *Orchestrator) RunTurn(ctx context.Context, g *session.Generation) error {
	sess := g.Session()
	var errMsg string
	defer func() { g.Complete(errMsg) }()

	history := o.opts.Tokenizer.TrimHistory(sess.Messages(), o.opts.HistoryBudget)
	stream := o.gen.Stream(ctx, provider.GenerateRequest{
		History:   history,
		Tools:     o.catalog.Definitions(),
		MaxRounds: o.opts.MaxRounds,
	})

	t := &turn{}
	cancelled := false
	var streamErr error

	for ev, evErr := range stream {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if evErr != nil {
			if ev.Kind == provider.EventGenerationInterrupted {
				t.adopt(ev.Rounds, false)
			}
			if isCancellation(ctx, evErr) {
				cancelled = true
			} else {
				streamErr = evErr
			}
			break
		}

		switch ev.Kind {
		case provider.EventContent:
			t.display.WriteString(ev.Text)
			t.tail.WriteString(ev.Text)
			g.UpdateStreaming(t.display.String())
		case provider.EventToolCallState:
			g.SetCallState(session.CallState{CallID: ev.CallID, Status: ev.Status, Detail: ev.Detail})
		case provider.EventToolCallsRequested:
			// the step's text is the round's commentary from here on
			t.tail.Reset()
			results := o.executeRound(ctx, g, ev.Calls)
			t.settled = &chat.ToolExecutionRound{Commentary: ev.Commentary, Calls: ev.Calls, Results: results}
			if respErr := ev.Respond(results); respErr != nil {
				o.logger.Warn().Err(respErr).Str("session_id", sess.ID()).Msg("respond tool results")
			}
		case provider.EventToolRoundCompleted:
			if ev.Round != nil {
				t.recordRound(*ev.Round)
			}
		case provider.EventGenerationComplete:
			t.adopt(ev.Rounds, true)
		case provider.EventGenerationInterrupted:
			t.adopt(ev.Rounds, false)
		}
	}
	if !cancelled && streamErr == nil && ctx.Err() != nil {
		cancelled = true
	}

	rounds := t.allRounds()
	content := t.tail.String()
	hasText := strings.TrimSpace(content) != ""
	produced := hasText || len(rounds) > 0
	if !hasText && len(rounds) > 0 {
		content = ToolOnlyPlaceholder
	}

	switch {
	case cancelled:
		// the streamed text may sit in a round the user stopped
		if !hasText {
			content = lastCommentary(rounds)
		}
		if strings.TrimSpace(content) == "" {
			content = StoppedSentinel
		}
		o.persist(ctx, g, content, rounds)
		o.logger.Debug().Str("session_id", sess.ID()).Int("rounds", len(rounds)).Msg("turn cancelled")
		return nil
	case streamErr != nil:
		if produced {
			o.persist(ctx, g, content, rounds)
		}
		errMsg = streamErr.Error()
		return streamErr
	case !produced:
		errMsg = errEmptyResponse
		return errors.New(errEmptyResponse)
	default:
		o.persist(ctx, g, content, rounds)
		return nil
	}
}

func (o *Orchestrator) persist(ctx context.Context, g *session.Generation, content string, rounds []chat.ToolExecutionRound) {
	msg := chat.NewAssistantMessage(content, rounds)
	if !g.AppendMessage(msg) {
		// superseded by a newer generation
		return
	}
	o.saveMessage(ctx, g.Session().ID(), msg)
}

func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled)
}

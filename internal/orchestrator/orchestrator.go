package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"extremis/internal/chat"
	"extremis/internal/contextmgr"
	"extremis/internal/permission"
	"extremis/internal/provider"
	"extremis/internal/session"
	"extremis/internal/storage"
	"extremis/internal/tools"

	"github.com/rs/zerolog"
)

// Orchestrator 驱动一次完整的对话轮次：模型流、审批、工具执行与持久化
// Orchestrator runs turns: it consumes the generation stream, routes tool calls
// through policy and approval, executes them and persists the resulting assistant
// message. It holds no per-session state; everything lives on the Session.
type Orchestrator struct {
	gen      provider.GenerationProvider
	catalog  tools.Catalog
	approver Approver
	store    Store
	policy   *permission.Policy
	opts     Options
	logger   zerolog.Logger
}

// New builds an orchestrator. store and policy may be nil: a nil policy asks for
// every call.
func New(gen provider.GenerationProvider, catalog tools.Catalog, approver Approver, store Store, policy *permission.Policy, opts Options) *Orchestrator {
	if opts.Tokenizer == nil {
		opts.Tokenizer = contextmgr.DefaultTokenizer()
	}
	return &Orchestrator{
		gen:      gen,
		catalog:  catalog,
		approver: approver,
		store:    store,
		policy:   policy,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Send 追加用户消息并启动新的生成（会先取消并等待旧的生成退出）
// Send appends a user message and starts a generation for it. A running
// generation is cancelled and waited for first, so its partial output is saved
// before the new message lands. The generation outlives ctx's cancellation.
func (o *Orchestrator) Send(ctx context.Context, sess *session.Session, text string, snapshot *chat.ContextSnapshot) (*session.Generation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("message is empty")
	}
	if err := sess.CancelGenerationAndWait(ctx); err != nil {
		return nil, fmt.Errorf("wait for previous generation: %w", err)
	}

	msg := chat.NewUserMessage(text, snapshot)
	sess.AddMessage(msg)
	o.saveMessage(ctx, sess.ID(), msg)

	return o.start(ctx, sess), nil
}

// Retry 删除指定的助手回复及其后的消息，并从前一条用户消息重新生成
// Retry removes the message and everything after it, then regenerates from the
// nearest user message before it.
func (o *Orchestrator) Retry(ctx context.Context, sess *session.Session, messageID string) (*session.Generation, error) {
	if sess.Generating() {
		return nil, ErrBusy
	}
	if !retryable(sess.Messages(), messageID) {
		return nil, ErrNothingToRetry
	}
	if prev := sess.RemoveMessageAndFollowing(messageID); prev == nil {
		if sess.Generating() {
			return nil, ErrBusy
		}
		return nil, ErrNothingToRetry
	}
	if o.store != nil {
		if err := o.store.DeleteMessagesFrom(ctx, sess.ID(), messageID); err != nil {
			o.logger.Error().Err(err).Str("session_id", sess.ID()).Msg("delete retried messages")
		}
	}
	return o.start(ctx, sess), nil
}

// Cancel stops the session's generation without waiting.
func (o *Orchestrator) Cancel(sess *session.Session) {
	sess.CancelGeneration()
}

func (o *Orchestrator) start(ctx context.Context, sess *session.Session) *session.Generation {
	return sess.StartGeneration(context.WithoutCancel(ctx), func(ctx context.Context, g *session.Generation) {
		if err := o.RunTurn(ctx, g); err != nil {
			o.logger.Warn().Err(err).Str("session_id", sess.ID()).Msg("turn ended with error")
		}
	})
}

// retryable reports whether id names a non-user message with a user message before it.
func retryable(messages []chat.Message, id string) bool {
	for i, m := range messages {
		if m.ID != id {
			continue
		}
		if m.Role == chat.RoleUser {
			return false
		}
		for j := i - 1; j >= 0; j-- {
			if messages[j].Role == chat.RoleUser {
				return true
			}
		}
		return false
	}
	return false
}

func (o *Orchestrator) saveMessage(ctx context.Context, sessionID string, msg chat.Message) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveMessage(context.WithoutCancel(ctx), sessionID, msg); err != nil {
		o.logger.Error().Err(err).Str("session_id", sessionID).Str("message_id", msg.ID).Msg("save message")
	}
}

func (o *Orchestrator) logPermission(ctx context.Context, sessionID string, call chat.ToolCall, decision, reason string) {
	if o.store == nil {
		return
	}
	err := o.store.LogPermission(context.WithoutCancel(ctx), storage.PermissionEntry{
		SessionID: sessionID,
		Tool:      call.Identity(),
		Decision:  decision,
		Reason:    reason,
	})
	if err != nil {
		o.logger.Error().Err(err).Str("session_id", sessionID).Msg("log permission")
	}
}

package session

import (
	"context"
	"time"

	"extremis/internal/chat"
)

// Generation 一次生成任务的句柄；任务被抢占后其所有写入都会被忽略
// Generation is the handle of one generation task. Every write goes through it and is
// dropped once the task is no longer the session's active generation.
type Generation struct {
	sess   *Session
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (g *Generation) Session() *Session        { return g.sess }
func (g *Generation) Context() context.Context { return g.ctx }

// Done is closed once the task has fully unwound.
func (g *Generation) Done() <-chan struct{} { return g.done }

// Cancel requests cooperative cancellation of this task only.
func (g *Generation) Cancel() { g.cancel() }

// Active reports whether this handle is still the session's generation.
func (g *Generation) Active() bool {
	g.sess.mu.Lock()
	defer g.sess.mu.Unlock()
	return g.sess.gen == g
}

// UpdateStreaming replaces the streaming buffer.
func (g *Generation) UpdateStreaming(text string) bool {
	s := g.sess
	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		return false
	}
	s.streaming = text
	s.mu.Unlock()
	s.hub.Broadcast()
	return true
}

// AppendMessage appends a message produced by this generation.
func (g *Generation) AppendMessage(msg chat.Message) bool {
	s := g.sess
	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		return false
	}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.hub.Broadcast()
	return true
}

// SetCallState upserts the display state of one call.
func (g *Generation) SetCallState(st CallState) bool {
	s := g.sess
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		return false
	}
	replaced := false
	for i := range s.calls {
		if s.calls[i].CallID == st.CallID {
			if st.Name == "" {
				st.Name = s.calls[i].Name
				st.ConnectorID = s.calls[i].ConnectorID
			}
			s.calls[i] = st
			replaced = true
			break
		}
	}
	if !replaced {
		s.calls = append(s.calls, st)
	}
	s.mu.Unlock()
	s.hub.Broadcast()
	return true
}

// Complete 清除生成状态与流式缓冲；只有第一次调用生效
// Complete clears the generating flag, the handle and the streaming buffer. errMsg
// is surfaced through LastError; it never appends a message. Only the first call
// of the active generation has an effect.
func (g *Generation) Complete(errMsg string) {
	s := g.sess
	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		return
	}
	s.gen = nil
	s.streaming = ""
	if errMsg != "" {
		s.lastErr = errMsg
	}
	s.mu.Unlock()
	s.hub.Broadcast()
}

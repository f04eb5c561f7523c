package session

import (
	"context"
	"sync"
	"time"

	"extremis/internal/approval"
	"extremis/internal/chat"
	"extremis/internal/notify"
)

// CallState 单个工具调用的实时展示状态
// CallState is the live display state of one tool call
type CallState struct {
	CallID      string          `json:"call_id"`
	Name        string          `json:"name"`
	ConnectorID string          `json:"connector_id,omitempty"`
	Status      chat.CallStatus `json:"status"`
	Detail      string          `json:"detail,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Snapshot is a consistent read-only copy of a session for display.
type Snapshot struct {
	ID         string         `json:"id"`
	Title      string         `json:"title,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Messages   []chat.Message `json:"messages"`
	Generating bool           `json:"generating"`
	Streaming  string         `json:"streaming,omitempty"`
	Calls      []CallState    `json:"calls,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Remembered []string       `json:"remembered,omitempty"`
}

// Session 单个会话的权威状态，也是其消息日志的唯一写入者
// Session owns one conversation: its message log, streaming buffer, active
// generation handle and approval memory. All methods are safe for concurrent use
// and never block on I/O.
type Session struct {
	id        string
	title     string
	createdAt time.Time

	mu        sync.Mutex
	messages  []chat.Message
	gen       *Generation
	streaming string
	calls     []CallState
	lastErr   string

	memory *approval.Memory
	hub    notify.Hub
}

// New creates an empty session.
func New(id, title string) *Session {
	return &Session{
		id:        id,
		title:     title,
		createdAt: time.Now().UTC(),
		memory:    approval.NewMemory(),
	}
}

// Restore creates a session seeded with a persisted log.
func Restore(id, title string, createdAt time.Time, messages []chat.Message) *Session {
	s := New(id, title)
	if !createdAt.IsZero() {
		s.createdAt = createdAt
	}
	s.messages = append([]chat.Message(nil), messages...)
	return s
}

func (s *Session) ID() string               { return s.id }
func (s *Session) Title() string            { return s.title }
func (s *Session) CreatedAt() time.Time     { return s.createdAt }
func (s *Session) Memory() *approval.Memory { return s.memory }

// AddMessage appends a message to the log.
func (s *Session) AddMessage(msg chat.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.hub.Broadcast()
}

// Messages returns a copy of the log.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages...)
}

// HasUserMessage reports whether any user message exists yet.
func (s *Session) HasUserMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.Role == chat.RoleUser {
			return true
		}
	}
	return false
}

func (s *Session) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != nil
}

func (s *Session) StreamingContent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// StartGeneration 取消旧任务并启动新任务；每个会话最多一个活动任务，不排队
// StartGeneration preempts any running generation, resets the streaming buffer and
// runs task on its own goroutine. Writes from the preempted task are ignored from
// this point on.
func (s *Session) StartGeneration(parent context.Context, task func(ctx context.Context, g *Generation)) *Generation {
	ctx, cancel := context.WithCancel(parent)
	g := &Generation{sess: s, ctx: ctx, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if old := s.gen; old != nil {
		old.cancel()
	}
	s.gen = g
	s.streaming = ""
	s.calls = nil
	s.lastErr = ""
	s.mu.Unlock()
	s.hub.Broadcast()

	go func() {
		defer close(g.done)
		defer cancel()
		defer g.Complete("")
		task(ctx, g)
	}()
	return g
}

// CancelGeneration requests cooperative cancellation and returns immediately.
func (s *Session) CancelGeneration() {
	s.mu.Lock()
	g := s.gen
	s.mu.Unlock()
	if g != nil {
		g.cancel()
	}
}

// CancelGenerationAndWait 取消并等待任务完全退出
// CancelGenerationAndWait cancels the active generation and waits until its task has
// unwound, so no further writes from it can happen.
func (s *Session) CancelGenerationAndWait(ctx context.Context) error {
	s.mu.Lock()
	g := s.gen
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	g.cancel()
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveGeneration returns the running generation handle, if any.
func (s *Session) ActiveGeneration() *Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// RemoveMessageAndFollowing 删除指定消息及其后的所有消息，返回其前最近的用户消息
// RemoveMessageAndFollowing truncates the log at id and returns the nearest user
// message before it. It returns nil, changing nothing, when id is unknown or a
// generation is running.
func (s *Session) RemoveMessageAndFollowing(id string) *chat.Message {
	s.mu.Lock()
	if s.gen != nil {
		s.mu.Unlock()
		return nil
	}
	idx := -1
	for i, m := range s.messages {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	var prev *chat.Message
	for i := idx - 1; i >= 0; i-- {
		if s.messages[i].Role == chat.RoleUser {
			m := s.messages[i]
			prev = &m
			break
		}
	}
	s.messages = s.messages[:idx:idx]
	s.mu.Unlock()
	s.hub.Broadcast()
	return prev
}

// Snapshot copies everything a display layer needs.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:         s.id,
		Title:      s.title,
		CreatedAt:  s.createdAt,
		Messages:   append([]chat.Message(nil), s.messages...),
		Generating: s.gen != nil,
		Streaming:  s.streaming,
		Calls:      append([]CallState(nil), s.calls...),
		LastError:  s.lastErr,
	}
	s.mu.Unlock()
	snap.Remembered = s.memory.List()
	return snap
}

// Subscribe returns a coalescing change signal; read Snapshot after each signal.
func (s *Session) Subscribe() (<-chan struct{}, func()) {
	return s.hub.Subscribe()
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"extremis/internal/chat"
	"extremis/internal/storage"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned for session ids that are neither open nor stored.
var ErrNotFound = errors.New("session not found")

// Store is the slice of persistence the manager needs.
type Store interface {
	CreateSession(ctx context.Context, meta storage.SessionMeta) error
	LoadSession(ctx context.Context, id string) (storage.SessionMeta, []chat.Message, error)
}

// Dismisser resolves approval requests owned by a session on teardown.
type Dismisser interface {
	DismissSession(sessionID string) int
	DismissAll() int
}

// Manager 管理所有打开的会话；关闭会话时取消其生成并只清理它自己的审批请求
// Manager tracks open sessions. Closing a session cancels its generation and
// dismisses only the approval requests that session owns.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	store     Store
	dismisser Dismisser
	model     string
	logger    zerolog.Logger
}

// NewManager accepts a nil store for purely in-memory sessions.
func NewManager(store Store, dismisser Dismisser, model string, logger zerolog.Logger) *Manager {
	return &Manager{
		sessions:  make(map[string]*Session),
		store:     store,
		dismisser: dismisser,
		model:     model,
		logger:    logger.With().Str("component", "session").Logger(),
	}
}

// Create opens a new empty session and records it in the store.
func (m *Manager) Create(ctx context.Context, title string) (*Session, error) {
	id := storage.NewSessionID()
	sess := New(id, strings.TrimSpace(title))
	if m.store != nil {
		meta := storage.SessionMeta{ID: id, Title: sess.Title(), Model: m.model}
		if err := m.store.CreateSession(ctx, meta); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	m.logger.Info().Str("session_id", id).Msg("session created")
	return sess, nil
}

// Open returns the open session or restores it from the store.
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	if sess, ok := m.Get(id); ok {
		return sess, nil
	}
	if m.store == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	meta, msgs, err := m.store.LoadSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("restore session: %w", err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, meta.CreatedAt)
	restored := Restore(meta.ID, meta.Title, createdAt, msgs)

	m.mu.Lock()
	defer m.mu.Unlock()
	// a concurrent Open may have won
	if sess, ok := m.sessions[id]; ok {
		return sess, nil
	}
	m.sessions[id] = restored
	m.logger.Info().Str("session_id", id).Int("messages", len(msgs)).Msg("session restored")
	return restored, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// List returns open sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	return out
}

// Close 关闭会话：取消生成、解决该会话的审批请求，然后遗忘该会话
// Close cancels the session's generation, dismisses its approval requests and
// forgets it. The stored conversation is kept.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	sess.CancelGeneration()
	n := 0
	if m.dismisser != nil {
		n = m.dismisser.DismissSession(id)
	}
	m.logger.Info().Str("session_id", id).Int("dismissed", n).Msg("session closed")
	return true
}

// CloseAll tears down every session and resolves every outstanding approval.
// It waits for running generations to unwind until ctx ends.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.CancelGeneration()
	}
	if m.dismisser != nil {
		m.dismisser.DismissAll()
	}
	for _, s := range all {
		if err := s.CancelGenerationAndWait(ctx); err != nil {
			m.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("generation did not unwind")
		}
	}
}

package approval

import (
	"sort"
	"sync"

	"extremis/internal/chat"
)

// Memory 会话级"本次会话记住"的工具集合
// Memory is the set of tool identities a session approved with "remember for session"
type Memory struct {
	mu    sync.RWMutex
	tools map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{tools: make(map[string]struct{})}
}

// Remember records the call's tool identity.
func (m *Memory) Remember(call chat.ToolCall) {
	m.mu.Lock()
	m.tools[call.Identity()] = struct{}{}
	m.mu.Unlock()
}

// Allows reports whether the call bypasses the approval surface. Calls needing
// explicit approval are never pre-approved.
func (m *Memory) Allows(call chat.ToolCall, requiresExplicit bool) bool {
	if m == nil || requiresExplicit {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tools[call.Identity()]
	return ok
}

func (m *Memory) Forget(identity string) {
	m.mu.Lock()
	delete(m.tools, identity)
	m.mu.Unlock()
}

func (m *Memory) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tools))
	for k := range m.tools {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

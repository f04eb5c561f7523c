package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"extremis/internal/approval"
	"extremis/internal/chat"
	"extremis/internal/config"
	"extremis/internal/permission"
	"extremis/internal/provider"
	"extremis/internal/session"
	"extremis/internal/storage"
	"extremis/internal/tools"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step func(ctx context.Context, cb *provider.StreamCallbacks) (provider.ChatResponse, error)

type scriptedProvider struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (p *scriptedProvider) Chat(ctx context.Context, _ provider.ChatRequest, cb *provider.StreamCallbacks) (provider.ChatResponse, error) {
	p.mu.Lock()
	i := p.calls
	p.calls++
	p.mu.Unlock()
	if i >= len(p.steps) {
		return provider.ChatResponse{}, errors.New("no scripted response")
	}
	return p.steps[i](ctx, cb)
}

func (p *scriptedProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) ListModels(context.Context) ([]provider.ModelInfo, error) { return nil, nil }
func (p *scriptedProvider) Name() string                                              { return "scripted" }
func (p *scriptedProvider) CurrentModel() string                                      { return "test" }
func (p *scriptedProvider) SetModel(string) error                                     { return nil }

// reply streams text one rune at a time, then requests calls.
func reply(text string, calls ...provider.ToolCall) step {
	return func(ctx context.Context, cb *provider.StreamCallbacks) (provider.ChatResponse, error) {
		for _, r := range text {
			if err := ctx.Err(); err != nil {
				return provider.ChatResponse{}, err
			}
			cb.OnTextChunk(string(r))
		}
		return provider.ChatResponse{Content: text, ToolCalls: calls}, nil
	}
}

// stall streams text and then blocks until cancelled.
func stall(text string) step {
	return func(ctx context.Context, cb *provider.StreamCallbacks) (provider.ChatResponse, error) {
		if text != "" {
			cb.OnTextChunk(text)
		}
		<-ctx.Done()
		return provider.ChatResponse{}, ctx.Err()
	}
}

func fail(err error) step {
	return func(context.Context, *provider.StreamCallbacks) (provider.ChatResponse, error) {
		return provider.ChatResponse{}, err
	}
}

func bash(id, cmd string) provider.ToolCall {
	return provider.ToolCall{ID: id, Type: "function", Function: provider.ToolCallFunction{Name: "bash", Arguments: `{"command":"` + cmd + `"}`}}
}

type fakeCatalog struct {
	mu        sync.Mutex
	executed  []string
	dangerous map[string]bool
	sessions  []string
}

func (c *fakeCatalog) Definitions() []chat.ToolDef {
	return []chat.ToolDef{{Type: "function", ConnectorID: "shell", Function: chat.ToolFunction{Name: "bash"}}}
}

func (c *fakeCatalog) Requirement(call chat.ToolCall) tools.Requirement {
	cmd, _ := call.Arguments["command"].(string)
	if c.dangerous[cmd] {
		return tools.Requirement{Dangerous: true, Reason: "destructive"}
	}
	return tools.Requirement{}
}

func (c *fakeCatalog) Execute(ctx context.Context, call chat.ToolCall) chat.ToolResult {
	cmd, _ := call.Arguments["command"].(string)
	c.mu.Lock()
	c.executed = append(c.executed, cmd)
	c.sessions = append(c.sessions, tools.SessionIDFrom(ctx))
	c.mu.Unlock()
	return chat.ToolResult{CallID: call.ID, Outcome: chat.Success("ran " + cmd)}
}

func (c *fakeCatalog) ran() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.executed...)
}

type memStore struct {
	mu          sync.Mutex
	saved       []chat.Message
	deletedFrom []string
	permissions []storage.PermissionEntry
}

func (s *memStore) SaveMessage(_ context.Context, _ string, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, msg)
	return nil
}

func (s *memStore) DeleteMessagesFrom(_ context.Context, _ string, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedFrom = append(s.deletedFrom, messageID)
	return nil
}

func (s *memStore) LogPermission(_ context.Context, e storage.PermissionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions = append(s.permissions, e)
	return nil
}

func (s *memStore) decisions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p.Decision)
	}
	return out
}

type harness struct {
	orch    *Orchestrator
	sess    *session.Session
	coord   *approval.Coordinator
	store   *memStore
	catalog *fakeCatalog
	prov    *scriptedProvider
}

func newHarness(t *testing.T, perm config.PermissionConfig, steps ...step) *harness {
	t.Helper()
	h := &harness{
		sess:    session.New("s1", ""),
		coord:   approval.NewCoordinator(zerolog.Nop()),
		store:   &memStore{},
		catalog: &fakeCatalog{dangerous: map[string]bool{"rm -rf build": true}},
		prov:    &scriptedProvider{steps: steps},
	}
	gen := provider.NewGenerator(h.prov, provider.GeneratorOptions{})
	h.orch = New(gen, h.catalog, h.coord, h.store, permission.New(perm), Options{MaxRounds: 4})
	return h
}

func (h *harness) send(t *testing.T, text string) *session.Generation {
	t.Helper()
	g, err := h.orch.Send(context.Background(), h.sess, text, nil)
	require.NoError(t, err)
	return g
}

func waitDone(t *testing.T, g *session.Generation) {
	t.Helper()
	select {
	case <-g.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("generation did not finish")
	}
}

func waitPending(t *testing.T, c *approval.Coordinator, n int) []approval.DisplayModel {
	t.Helper()
	var pending []approval.DisplayModel
	require.Eventually(t, func() bool {
		pending = c.Pending()
		return len(pending) == n
	}, 2*time.Second, 5*time.Millisecond)
	return pending
}

func assistantMessages(msgs []chat.Message) []chat.Message {
	var out []chat.Message
	for _, m := range msgs {
		if m.Role == chat.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func TestPlainReplyIsPersisted(t *testing.T) {
	h := newHarness(t, config.PermissionConfig{}, reply("hello there"))
	waitDone(t, h.send(t, "hi"))

	snap := h.sess.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "hello there", snap.Messages[1].Content)
	assert.False(t, snap.Generating)
	assert.Empty(t, snap.Streaming)
	assert.Empty(t, snap.LastError)
	assert.Len(t, h.store.saved, 2)
}

func TestMixedApprovalRound(t *testing.T) {
	h := newHarness(t, config.PermissionConfig{},
		reply("checking", bash("c1", "ls"), bash("c2", "rm -rf build")),
		reply("done"),
	)
	g := h.send(t, "clean up")

	pending := waitPending(t, h.coord, 2)
	for _, p := range pending {
		if p.RequiresExplicitApproval {
			assert.False(t, p.CanRemember)
			require.True(t, h.coord.Deny(p.RequestID, ""))
		} else {
			require.True(t, h.coord.Approve(p.RequestID, false))
		}
	}
	waitDone(t, g)

	msgs := assistantMessages(h.sess.Messages())
	require.Len(t, msgs, 1)
	assert.Equal(t, "done", msgs[0].Content)
	require.Len(t, msgs[0].ToolRounds, 1)
	round := msgs[0].ToolRounds[0]
	assert.Equal(t, "checking", round.Commentary)
	require.Len(t, round.Calls, 2)

	ok, found := round.ResultFor("c1")
	require.True(t, found)
	assert.False(t, ok.Outcome.IsError())
	denied, found := round.ResultFor("c2")
	require.True(t, found)
	assert.True(t, denied.Outcome.IsError())
	assert.Equal(t, approval.DeniedReason, denied.Outcome.Message)

	assert.Equal(t, []string{"ls"}, h.catalog.ran())
	assert.ElementsMatch(t, []string{"approved", "denied"}, h.store.decisions())
}

func TestCancelKeepsStreamedContent(t *testing.T) {
	text := strings.Repeat("x", 40)
	h := newHarness(t, config.PermissionConfig{}, stall(text))
	h.send(t, "go")

	require.Eventually(t, func() bool { return h.sess.StreamingContent() == text }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.sess.CancelGenerationAndWait(context.Background()))

	snap := h.sess.Snapshot()
	msgs := assistantMessages(snap.Messages)
	require.Len(t, msgs, 1)
	assert.Equal(t, text, msgs[0].Content)
	assert.False(t, snap.Generating)
	assert.Empty(t, snap.Streaming)
	assert.Empty(t, snap.LastError)
}

func TestCancelWithNothingPersistsSentinel(t *testing.T) {
	h := newHarness(t, config.PermissionConfig{}, stall(""))
	g := h.send(t, "go")
	require.Eventually(t, func() bool { return h.prov.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.orch.Cancel(h.sess)
	waitDone(t, g)

	msgs := assistantMessages(h.sess.Messages())
	require.Len(t, msgs, 1)
	assert.Equal(t, StoppedSentinel, msgs[0].Content)
}

func TestCancelWhileAwaitingApprovalDismisses(t *testing.T) {
	h := newHarness(t, config.PermissionConfig{}, reply("", bash("c1", "ls")))
	g := h.send(t, "go")
	waitPending(t, h.coord, 1)

	h.orch.Cancel(h.sess)
	waitDone(t, g)

	assert.Empty(t, h.coord.Pending())
	assert.Empty(t, h.catalog.ran())
	msgs := assistantMessages(h.sess.Messages())
	require.Len(t, msgs, 1)
	assert.Equal(t, StoppedSentinel, msgs[0].Content)
	require.Len(t, msgs[0].ToolRounds, 1)
	res, found := msgs[0].ToolRounds[0].ResultFor("c1")
	require.True(t, found)
	assert.True(t, res.Outcome.IsError())
	assert.Contains(t, h.store.decisions(), "dismissed")
}

func TestCancelWhileAwaitingApprovalKeepsCommentary(t *testing.T) {
	h := newHarness(t, config.PermissionConfig{}, reply("let me check the build dir", bash("c1", "ls")))
	g := h.send(t, "go")
	waitPending(t, h.coord, 1)

	h.orch.Cancel(h.sess)
	waitDone(t, g)

	assert.Empty(t, h.catalog.ran())
	msgs := assistantMessages(h.sess.Messages())
	require.Len(t, msgs, 1)
	assert.Equal(t, "let me check the build dir", msgs[0].Content)
	require.Len(t, msgs[0].ToolRounds, 1)
	assert.Equal(t, "let me check the build dir", msgs[0].ToolRounds[0].Commentary)
	res, found := msgs[0].ToolRounds[0].ResultFor("c1")
	require.True(t, found)
	assert.True(t, res.Outcome.IsError())

	require.Len(t, h.store.saved, 2)
	assert.Equal(t, msgs[0].ID, h.store.saved[1].ID)
}

func TestProviderErrorKeepsCompletedRounds(t *testing.T) {
	h := newHarness(t, config.PermissionConfig{Default: "allow"},
		reply("", bash("c1", "ls")),
		fail(errors.New("connection reset")),
	)
	waitDone(t, h.send(t, "go"))

	snap := h.sess.Snapshot()
	msgs := assistantMessages(snap.Messages)
	require.Len(t, msgs, 1)
	assert.Equal(t, ToolOnlyPlaceholder, msgs[0].Content)
	require.Len(t, msgs[0].ToolRounds, 1)
	assert.Contains(t, snap.LastError, "connection reset")
}

func TestProviderErrorWithNothingPersistsNothing(t *testing.T) {
	h := newHarness(t, config.PermissionConfig{}, fail(errors.New("unauthorized")))
	waitDone(t, h.send(t, "go"))

	snap := h.sess.Snapshot()
	assert.Empty(t, assistantMessages(snap.Messages))
	assert.Contains(t, snap.LastError, "unauthorized")
}

func TestEmptyResponseIsAnError(t *testing.T) {
	h := newHarness(t, config.PermissionConfig{}, reply(""))
	waitDone(t, h.send(t, "go"))

	snap := h.sess.Snapshot()
	assert.Empty(t, assistantMessages(snap.Messages))
	assert.Equal(t, errEmptyResponse, snap.LastError)
}

func TestPolicyDenySkipsApproval(t *testing.T) {
	h := newHarness(t, config.PermissionConfig{Tools: map[string]string{"bash": "deny"}},
		reply("", bash("c1", "ls")),
		reply("cannot"),
	)
	waitDone(t, h.send(t, "go"))

	assert.Empty(t, h.catalog.ran())
	msgs := assistantMessages(h.sess.Messages())
	require.Len(t, msgs, 1)
	res, ok := msgs[0].ToolRounds[0].ResultFor("c1")
	require.True(t, ok)
	assert.Equal(t, "blocked by tool policy", res.Outcome.Message)
}

func TestPolicyAllowStillAsksForDangerous(t *testing.T) {
	h := newHarness(t, config.PermissionConfig{Default: "allow"},
		reply("", bash("c1", "ls"), bash("c2", "rm -rf build")),
		reply("ok"),
	)
	g := h.send(t, "go")
	pending := waitPending(t, h.coord, 1)
	assert.True(t, pending[0].RequiresExplicitApproval)
	assert.Equal(t, 0, h.coord.ApproveAllPending(), "bulk approval skips flagged requests")
	require.True(t, h.coord.Approve(pending[0].RequestID, true))
	waitDone(t, g)

	assert.ElementsMatch(t, []string{"ls", "rm -rf build"}, h.catalog.ran())
	assert.Empty(t, h.sess.Memory().List(), "flagged approvals are never remembered")
}

func TestRememberedToolBypassesApproval(t *testing.T) {
	h := newHarness(t, config.PermissionConfig{},
		reply("", bash("c1", "ls")),
		reply("first"),
		reply("", bash("c2", "pwd")),
		reply("second"),
	)
	g := h.send(t, "one")
	pending := waitPending(t, h.coord, 1)
	require.True(t, h.coord.Approve(pending[0].RequestID, true))
	waitDone(t, g)

	waitDone(t, h.send(t, "two"))
	assert.Equal(t, []string{"ls", "pwd"}, h.catalog.ran())
	assert.Equal(t, []string{"s1", "s1"}, h.catalog.sessions)
	assert.Contains(t, h.store.decisions(), "remembered")
}

func TestSendPreemptsRunningGeneration(t *testing.T) {
	h := newHarness(t, config.PermissionConfig{}, stall("partial"), reply("fresh"))
	h.send(t, "first")
	require.Eventually(t, func() bool { return h.sess.StreamingContent() == "partial" }, 2*time.Second, 5*time.Millisecond)

	waitDone(t, h.send(t, "second"))

	var contents []string
	for _, m := range h.sess.Messages() {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"first", "partial", "second", "fresh"}, contents)
}

func TestRetry(t *testing.T) {
	h := newHarness(t, config.PermissionConfig{}, reply("a1"), reply("a2"), reply("a2 again"))
	waitDone(t, h.send(t, "u1"))
	waitDone(t, h.send(t, "u2"))

	msgs := h.sess.Messages()
	require.Len(t, msgs, 4)

	_, err := h.orch.Retry(context.Background(), h.sess, "missing")
	assert.ErrorIs(t, err, ErrNothingToRetry)
	_, err = h.orch.Retry(context.Background(), h.sess, msgs[2].ID)
	assert.ErrorIs(t, err, ErrNothingToRetry, "user messages are not retried")

	g, err := h.orch.Retry(context.Background(), h.sess, msgs[3].ID)
	require.NoError(t, err)
	waitDone(t, g)

	after := h.sess.Messages()
	require.Len(t, after, 4)
	assert.Equal(t, "u2", after[2].Content)
	assert.Equal(t, "a2 again", after[3].Content)
	assert.Equal(t, []string{msgs[3].ID}, h.store.deletedFrom)
}

func TestRetryWhileGeneratingIsBusy(t *testing.T) {
	h := newHarness(t, config.PermissionConfig{}, reply("a1"), stall(""))
	waitDone(t, h.send(t, "u1"))
	first := h.sess.Messages()[1]
	g := h.send(t, "u2")

	_, err := h.orch.Retry(context.Background(), h.sess, first.ID)
	assert.ErrorIs(t, err, ErrBusy)

	h.orch.Cancel(h.sess)
	waitDone(t, g)
}

func TestTurnAdoptKeepsLongerLocalRounds(t *testing.T) {
	r := chat.ToolExecutionRound{Calls: []chat.ToolCall{{ID: "c1", Name: "bash"}}}
	tr := &turn{}
	tr.recordRound(r)
	tr.recordRound(r)

	tr.adopt([]chat.ToolExecutionRound{r}, false)
	assert.Len(t, tr.rounds, 2, "a shorter interrupted list is ignored")
	tr.adopt([]chat.ToolExecutionRound{r}, true)
	assert.Len(t, tr.rounds, 1, "completion is authoritative")

	tr.settled = &r
	assert.Len(t, tr.allRounds(), 2)
}

package repl

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"extremis/internal/bootstrap"
	"extremis/internal/chat"
	"extremis/internal/config"
	"extremis/internal/i18n"
	"extremis/internal/provider"
	"extremis/internal/session"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	i18n.Init("en")
	os.Exit(m.Run())
}

type cannedProvider struct {
	mu        sync.Mutex
	responses []provider.ChatResponse
	calls     int
}

func (p *cannedProvider) Chat(_ context.Context, _ provider.ChatRequest, cb *provider.StreamCallbacks) (provider.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.responses) {
		return provider.ChatResponse{}, errors.New("no canned response")
	}
	resp := p.responses[p.calls]
	p.calls++
	if resp.Content != "" && cb != nil && cb.OnTextChunk != nil {
		cb.OnTextChunk(resp.Content)
	}
	return resp, nil
}

func (p *cannedProvider) ListModels(context.Context) ([]provider.ModelInfo, error) { return nil, nil }
func (p *cannedProvider) Name() string                                              { return "canned" }
func (p *cannedProvider) CurrentModel() string                                      { return "gpt-4o-mini" }
func (p *cannedProvider) SetModel(string) error                                     { return nil }

type scriptInput struct {
	lines   []string
	prompts []string
}

func (s *scriptInput) ReadLine(prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptInput) Close() error { return nil }

func bashCall(id, cmd string) provider.ChatResponse {
	return provider.ChatResponse{ToolCalls: []provider.ToolCall{{
		ID: id, Type: "function",
		Function: provider.ToolCallFunction{Name: "bash", Arguments: `{"command":"` + cmd + `"}`},
	}}}
}

type fixture struct {
	res    *bootstrap.BuildResult
	loop   *Loop
	out    *strings.Builder
	copied []string
}

func newFixture(t *testing.T, lines []string, responses ...provider.ChatResponse) *fixture {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.Default()
	cfg.Storage.BaseDir = filepath.Join(tmp, "data")
	cfg.Audit.DSN = filepath.Join(tmp, "data", "audit.db")
	cfg.Shell.WorkDir = tmp

	res, err := bootstrap.Build(context.Background(), cfg, bootstrap.Options{
		Logger:   zerolog.Nop(),
		Provider: &cannedProvider{responses: responses},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close(context.Background()) })

	f := &fixture{res: res, out: &strings.Builder{}}
	theme := PlainTheme()
	f.loop = NewLoop(res, Options{
		In:    &scriptInput{lines: lines},
		Out:   f.out,
		Theme: &theme,
		Copy: func(s string) error {
			f.copied = append(f.copied, s)
			return nil
		},
		Interrupts: func() (<-chan os.Signal, func()) { return nil, func() {} },
	})
	return f
}

func TestRunStreamsReply(t *testing.T) {
	f := newFixture(t, []string{"hi there", "/copy"}, provider.ChatResponse{Content: "Hello, friend."})
	require.NoError(t, f.loop.Run(context.Background()))

	assert.Contains(t, f.out.String(), "Hello, friend.")
	assert.Equal(t, 1, strings.Count(f.out.String(), "Hello, friend."), "final answer is not printed twice")
	assert.Equal(t, []string{"Hello, friend."}, f.copied)

	msgs := f.loop.Session().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleAssistant, msgs[1].Role)
}

func TestRunPromptsForApproval(t *testing.T) {
	f := newFixture(t, []string{"print something", "r", "/allow", "/exit"},
		bashCall("c1", "echo repl"),
		provider.ChatResponse{Content: "Printed it."},
	)
	require.NoError(t, f.loop.Run(context.Background()))

	out := f.out.String()
	assert.Contains(t, out, "approval 1/1")
	assert.Contains(t, out, "shell/bash command=echo repl")
	assert.Contains(t, out, "shell/bash succeeded")
	assert.Contains(t, out, "Printed it.")
	assert.Contains(t, out, "  shell.bash\n", "remembered for the session")
	assert.Equal(t, []string{"shell.bash"}, f.loop.Session().Memory().List())
}

func TestRunDeniedCallStillCompletes(t *testing.T) {
	f := newFixture(t, []string{"delete the build dir", "n"},
		bashCall("c1", "rm -rf build"),
		provider.ChatResponse{Content: "Understood, I left it alone."},
	)
	require.NoError(t, f.loop.Run(context.Background()))

	out := f.out.String()
	assert.Contains(t, out, "explicit")
	assert.Contains(t, out, "allow? [y/N/d]: ")
	assert.Contains(t, out, "shell/bash skipped")
	assert.Contains(t, out, "Understood, I left it alone.")

	msgs := f.loop.Session().Messages()
	require.Len(t, msgs, 2)
	res, ok := msgs[1].ToolRounds[0].ResultFor("c1")
	require.True(t, ok)
	assert.True(t, res.Outcome.IsError())
}

func TestCommands(t *testing.T) {
	f := newFixture(t, []string{"/tools bash", "/bogus", "/copy", "/new scratch", "/sessions", "/mcp", "/audit"})
	require.NoError(t, f.loop.Run(context.Background()))

	out := f.out.String()
	assert.Contains(t, out, "shell/bash")
	assert.Contains(t, out, "unknown command /bogus")
	assert.Contains(t, out, "no answer to copy")
	assert.Contains(t, out, "scratch")
	assert.Contains(t, out, "no MCP servers configured")
	assert.Equal(t, "scratch", f.loop.Session().Title())
}

func TestRetryWithNothingToRetry(t *testing.T) {
	f := newFixture(t, []string{"/retry"})
	require.NoError(t, f.loop.Run(context.Background()))
	assert.Contains(t, f.out.String(), "nothing to retry")
}

func TestTurnViewPrintsDeltasAndCallTransitions(t *testing.T) {
	var out strings.Builder
	v := newTurnView(&out, PlainTheme())

	v.update("Looking", nil)
	v.update("Looking now.", []session.CallState{{CallID: "c1", Name: "bash", ConnectorID: "shell", Status: chat.CallRequested}})
	v.update("Looking now.", []session.CallState{{CallID: "c1", Name: "bash", ConnectorID: "shell", Status: chat.CallRunning}})
	v.update("Looking now.", []session.CallState{{CallID: "c1", Name: "bash", ConnectorID: "shell", Status: chat.CallRunning}})
	v.update("Looking now.", []session.CallState{{CallID: "c1", Name: "bash", ConnectorID: "shell", Status: chat.CallFailed, Detail: "exit 1\nmore"}})

	assert.Equal(t, "Looking now.\n  ▸ shell/bash running\n  ▸ shell/bash failed: exit 1 …\n", out.String())
}

func TestTurnViewRemainder(t *testing.T) {
	v := newTurnView(io.Discard, PlainTheme())
	v.printed = "First round. Partial ans"
	assert.Equal(t, "wer.", v.remainder("Partial answer."))
	assert.Equal(t, "", v.remainder("Partial ans"))
	assert.Equal(t, "Generation stopped.", v.remainder("Generation stopped."))
}

func TestRenderCallFollowsLocale(t *testing.T) {
	i18n.Init("zh-CN")
	defer i18n.Init("en")

	line := PlainTheme().RenderCall(session.CallState{Name: "bash", ConnectorID: "shell", Status: chat.CallAwaitingApproval})
	assert.Equal(t, "  ▸ shell/bash 等待审批", line)
}

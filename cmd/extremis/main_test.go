package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"extremis/internal/bootstrap"
	"extremis/internal/provider"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

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

// useProvider routes every engine built by the commands to p.
func useProvider(t *testing.T, p provider.Provider) {
	t.Helper()
	orig := engineOptions
	engineOptions = func(zerolog.Logger) bootstrap.Options {
		return bootstrap.Options{Logger: zerolog.Nop(), Provider: p}
	}
	t.Cleanup(func() { engineOptions = orig })
}

// writeConfig isolates the command from the user's config and returns a
// project config path.
func writeConfig(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "xdg"))
	t.Setenv("EXTREMIS_CONFIG", "")
	t.Setenv("EXTREMIS_HOME", "")
	t.Setenv("EXTREMIS_API_KEY", "sk-secret")

	work := filepath.Join(tmp, "work")
	if err := os.MkdirAll(work, 0o755); err != nil {
		t.Fatal(err)
	}
	body := `
[storage]
base_dir = "` + filepath.ToSlash(filepath.Join(tmp, "data")) + `"

[shell]
enabled = true
work_dir = "` + filepath.ToSlash(work) + `"

[log]
level = "error"
`
	path := filepath.Join(tmp, "extremis.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, _, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "extremis dev") {
		t.Errorf("expected output to contain 'extremis dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, _, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	for _, want := range []string{"extremis 1.0.0", "commit: abc123", "built: 2026-01-01"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestRootCmdHasSubcommands(t *testing.T) {
	cmd := newRootCmd()
	names := map[string]*cobra.Command{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = sub
	}
	for _, want := range []string{"version", "chat", "run", "serve", "sessions", "tools", "audit", "config"} {
		if _, ok := names[want]; !ok {
			t.Errorf("missing subcommand %q", want)
		}
	}
	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Error("missing persistent --config flag")
	}
}

func TestConfigInitWritesScaffold(t *testing.T) {
	dir := t.TempDir()
	out, _, err := runCmd(t, "config", "init", dir)
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	path := filepath.Join(dir, "extremis.toml")
	if !strings.Contains(out, path) {
		t.Errorf("expected output to name %s, got: %s", path, out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("scaffold not written: %v", err)
	}
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	cfgPath := writeConfig(t)
	out, _, err := runCmd(t, "--config", cfgPath, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if strings.Contains(out, "sk-secret") {
		t.Errorf("api key leaked: %s", out)
	}
	if !strings.Contains(out, "********") {
		t.Errorf("expected redacted key, got: %s", out)
	}
}

func TestMissingConfigFails(t *testing.T) {
	_, _, err := runCmd(t, "--config", filepath.Join(t.TempDir(), "nope.toml"), "tools")
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("expected load config error, got %v", err)
	}
}

func TestToolsCmdListsShell(t *testing.T) {
	cfgPath := writeConfig(t)
	useProvider(t, &cannedProvider{})

	out, _, err := runCmd(t, "--config", cfgPath, "tools", "bash")
	if err != nil {
		t.Fatalf("tools failed: %v", err)
	}
	if !strings.Contains(out, "shell/bash") {
		t.Errorf("expected shell/bash, got: %s", out)
	}
}

func TestRunPrintsAnswerAndStoresSession(t *testing.T) {
	cfgPath := writeConfig(t)
	useProvider(t, &cannedProvider{responses: []provider.ChatResponse{{Content: "Hi there."}}})

	out, stderr, err := runCmd(t, "--config", cfgPath, "run", "say", "hi")
	if err != nil {
		t.Fatalf("run failed: %v (stderr: %s)", err, stderr)
	}
	if strings.TrimSpace(out) != "Hi there." {
		t.Errorf("unexpected answer: %q", out)
	}

	list, _, err := runCmd(t, "--config", cfgPath, "sessions", "list")
	if err != nil {
		t.Fatalf("sessions list failed: %v", err)
	}
	if !strings.Contains(list, "gpt-4o-mini") {
		t.Errorf("expected stored session, got: %s", list)
	}
}

func TestRunApprovesUnflaggedCallsWhenAllowed(t *testing.T) {
	cfgPath := writeConfig(t)
	useProvider(t, &cannedProvider{responses: []provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{
			ID: "c1", Type: "function",
			Function: provider.ToolCallFunction{Name: "bash", Arguments: `{"command":"echo hello"}`},
		}}},
		{Content: "It printed hello."},
	}})

	out, stderr, err := runCmd(t, "--config", cfgPath, "run", "--allow-unflagged", "print hello")
	if err != nil {
		t.Fatalf("run failed: %v (stderr: %s)", err, stderr)
	}
	if !strings.Contains(out, "It printed hello.") {
		t.Errorf("unexpected answer: %q", out)
	}
	if !strings.Contains(stderr, "shell/bash ok") {
		t.Errorf("expected call summary on stderr, got: %s", stderr)
	}

	audit, _, err := runCmd(t, "--config", cfgPath, "audit", "--tool", "bash")
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if !strings.Contains(audit, "bash") || !strings.Contains(audit, "ok") {
		t.Errorf("expected audited bash execution, got: %s", audit)
	}
}

func TestRunDeniesWithoutApprover(t *testing.T) {
	cfgPath := writeConfig(t)
	useProvider(t, &cannedProvider{responses: []provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{
			ID: "c1", Type: "function",
			Function: provider.ToolCallFunction{Name: "bash", Arguments: `{"command":"echo hello"}`},
		}}},
		{Content: "I was not allowed to run it."},
	}})

	out, stderr, err := runCmd(t, "--config", cfgPath, "run", "print hello")
	if err != nil {
		t.Fatalf("run failed: %v (stderr: %s)", err, stderr)
	}
	if !strings.Contains(out, "I was not allowed to run it.") {
		t.Errorf("unexpected answer: %q", out)
	}
	if !strings.Contains(stderr, "shell/bash failed") {
		t.Errorf("expected denied call on stderr, got: %s", stderr)
	}
}

func TestSessionsShowUnknownID(t *testing.T) {
	cfgPath := writeConfig(t)
	useProvider(t, &cannedProvider{})

	if _, _, err := runCmd(t, "--config", cfgPath, "sessions", "show", "missing"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

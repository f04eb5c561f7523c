package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"extremis/internal/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShell(t *testing.T, opts ShellOptions) (Tool, string) {
	t.Helper()
	ws, err := security.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	ts := ShellTools(ws, opts)
	require.Len(t, ts, 1)
	return ts[0], ws.Root()
}

func shellArgs(cmd string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"command": cmd})
	return b
}

func TestShellRequirement(t *testing.T) {
	tool, root := newShell(t, ShellOptions{DangerousPatterns: []string{"terraform destroy*"}})
	require.NoError(t, os.WriteFile(filepath.Join(root, "exists.txt"), []byte("x"), 0o644))
	aware := tool.(RequirementAware)

	tests := []struct {
		cmd       string
		dangerous bool
		reason    string
	}{
		{cmd: "ls -la"},
		{cmd: "echo x > new.txt"},
		{cmd: "echo x > /dev/null"},
		{cmd: "echo x >> exists.txt"},
		{cmd: "echo x > exists.txt", dangerous: true, reason: "overwrite redirection target exists: exists.txt"},
		{cmd: "echo x > ../escape.txt", dangerous: true, reason: "outside the workspace"},
		{cmd: "rm -rf build", dangerous: true, reason: "destructive"},
		{cmd: "terraform destroy -auto-approve", dangerous: true, reason: "terraform destroy*"},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			req, err := aware.Requirement(shellArgs(tt.cmd))
			require.NoError(t, err)
			assert.Equal(t, tt.dangerous, req.Dangerous, req.Reason)
			if tt.reason != "" {
				assert.Contains(t, req.Reason, tt.reason)
			}
		})
	}

	_, err := aware.Requirement(json.RawMessage(`{"command":`))
	assert.Error(t, err)
}

func TestShellRunCapturesOutput(t *testing.T) {
	tool, _ := newShell(t, ShellOptions{Timeout: 2 * time.Second, OutputLimit: 8})

	out, err := tool.Execute(context.Background(), shellArgs("printf 'hello world'; printf oops >&2"))
	require.NoError(t, err)
	got := execOutput(t, out)
	assert.Equal(t, true, got["ok"])
	assert.Equal(t, "hello wo\n[output truncated]", got["stdout"])
	assert.Equal(t, "oops", got["stderr"])
	assert.Equal(t, true, got["truncated"])
}

func TestShellRunsInWorkspace(t *testing.T) {
	tool, root := newShell(t, ShellOptions{})
	out, err := tool.Execute(context.Background(), shellArgs("pwd"))
	require.NoError(t, err)
	assert.Equal(t, root+"\n", execOutput(t, out)["stdout"])
}

func TestShellExitCodeAndTimeout(t *testing.T) {
	tool, _ := newShell(t, ShellOptions{Timeout: 200 * time.Millisecond})

	out, err := tool.Execute(context.Background(), shellArgs("exit 3"))
	require.NoError(t, err)
	got := execOutput(t, out)
	assert.Equal(t, float64(3), got["exit_code"])
	assert.Equal(t, false, got["ok"])

	out, err = tool.Execute(context.Background(), shellArgs("sleep 5"))
	require.NoError(t, err)
	assert.Equal(t, float64(timeoutExitCode), execOutput(t, out)["exit_code"])
}

func TestShellCancelled(t *testing.T) {
	tool, _ := newShell(t, ShellOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tool.Execute(ctx, shellArgs("sleep 5"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShellEmptyCommand(t *testing.T) {
	tool, _ := newShell(t, ShellOptions{})
	_, err := tool.Execute(context.Background(), shellArgs("   "))
	assert.ErrorContains(t, err, "empty")
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	n, _ = b.Write([]byte("gh"))
	assert.Equal(t, 2, n)
	assert.Equal(t, "abcd\n[output truncated]", b.String())
}

func execOutput(t *testing.T, out string) map[string]any {
	t.Helper()
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	return got
}

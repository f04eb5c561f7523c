package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	return ws
}

func TestWorkspaceResolve(t *testing.T) {
	ws := newWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root(), "docs"), 0o755))

	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "empty is root", path: "", want: "."},
		{name: "existing dir", path: "docs", want: "docs"},
		{name: "missing nested file", path: "a/b/c.txt", want: "a/b/c.txt"},
		{name: "dot segments stay inside", path: "docs/../docs/x.md", want: "docs/x.md"},
		{name: "absolute inside", path: filepath.Join(ws.Root(), "docs"), want: "docs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ws.Resolve(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ws.Rel(got))
		})
	}
}

func TestWorkspaceResolveRejectsEscapes(t *testing.T) {
	ws := newWorkspace(t)
	outside := t.TempDir()

	for _, p := range []string{"../outside.txt", "..", filepath.Join(outside, "x")} {
		_, err := ws.Resolve(p)
		assert.ErrorIs(t, err, ErrPathOutsideWorkspace, p)
	}

	if err := os.Symlink(outside, filepath.Join(ws.Root(), "escape")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	_, err := ws.Resolve("escape/file.txt")
	assert.ErrorIs(t, err, ErrPathOutsideWorkspace)
}

func TestWorkspaceRelOutsideRoot(t *testing.T) {
	ws := newWorkspace(t)
	assert.Equal(t, "/etc/passwd", ws.Rel("/etc/passwd"))
}

func TestNewWorkspaceRejectsEmptyRoot(t *testing.T) {
	_, err := NewWorkspace("  ")
	assert.Error(t, err)
}

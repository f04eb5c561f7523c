package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"extremis/internal/security"
)

func newTestWorkspace(t *testing.T) (map[string]Tool, string) {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"README.md":            "line one\nline two\nline three\nline four\n",
		"internal/a/a.go":      "package a\n\nfunc Alpha() {}\n",
		"internal/b/b.go":      "package b\n\nfunc Beta() {}\n",
		".git/config":          "func Hidden() {}\n",
		"bin/blob.dat":         "func\x00binary",
		"internal/b/b_test.go": "package b\n",
	}
	for name, body := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	ws, err := security.NewWorkspace(root)
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	byName := map[string]Tool{}
	for _, tool := range WorkspaceTools(ws) {
		byName[tool.Name()] = tool
	}
	return byName, root
}

func execJSON(t *testing.T, tool Tool, args string) map[string]any {
	t.Helper()
	out, err := tool.Execute(context.Background(), json.RawMessage(args))
	if err != nil {
		t.Fatalf("%s(%s): %v", tool.Name(), args, err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode %s: %v", out, err)
	}
	return decoded
}

func TestWorkspaceReadFile(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	read := ws["read_file"]

	got := execJSON(t, read, `{"path":"README.md","offset":2,"limit":2}`)
	if got["content"] != "line two\nline three" || got["has_more"] != true {
		t.Fatalf("unexpected page: %v", got)
	}
	if got["start_line"].(float64) != 2 || got["end_line"].(float64) != 3 {
		t.Fatalf("unexpected range: %v", got)
	}

	tail := execJSON(t, read, `{"path":"README.md","offset":-1,"limit":2}`)
	if tail["content"] != "line three\nline four" || tail["start_line"].(float64) != 3 {
		t.Fatalf("unexpected tail: %v", tail)
	}
	if tail["has_more"] != true {
		t.Fatalf("tail should report earlier lines: %v", tail)
	}
}

func TestWorkspaceReadFileRejectsEscapeAndBinary(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	read := ws["read_file"]

	if _, err := read.Execute(context.Background(), json.RawMessage(`{"path":"../outside.txt"}`)); err == nil {
		t.Fatal("expected escape to be rejected")
	}
	_, err := read.Execute(context.Background(), json.RawMessage(`{"path":"bin/blob.dat"}`))
	if err == nil || !strings.Contains(err.Error(), "not a text file") {
		t.Fatalf("expected binary rejection, got %v", err)
	}
}

func TestWorkspaceListAndFind(t *testing.T) {
	ws, _ := newTestWorkspace(t)

	list := execJSON(t, ws["list_dir"], `{"path":"internal"}`)
	items := list["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected two entries, got %v", items)
	}
	if items[0].(map[string]any)["name"] != "a" || items[0].(map[string]any)["is_dir"] != true {
		t.Fatalf("unexpected entry: %v", items[0])
	}

	found := execJSON(t, ws["find_files"], `{"pattern":"internal/*/*.go"}`)
	matches := found["matches"].([]any)
	want := []string{"internal/a/a.go", "internal/b/b.go", "internal/b/b_test.go"}
	if len(matches) != len(want) {
		t.Fatalf("matches = %v, want %v", matches, want)
	}
	for i, m := range matches {
		if m != want[i] {
			t.Fatalf("matches = %v, want %v", matches, want)
		}
	}

	if _, err := ws["find_files"].Execute(context.Background(), json.RawMessage(`{"pattern":"/etc/*"}`)); err == nil {
		t.Fatal("expected absolute pattern to be rejected")
	}
}

func TestWorkspaceSearchText(t *testing.T) {
	ws, _ := newTestWorkspace(t)

	got := execJSON(t, ws["search_text"], `{"pattern":"^func "}`)
	matches := got["matches"].([]any)
	if len(matches) != 2 {
		t.Fatalf("expected hidden dirs and binaries skipped, got %v", matches)
	}
	first := matches[0].(map[string]any)
	if first["path"] != "internal/a/a.go" || first["line"].(float64) != 3 {
		t.Fatalf("unexpected match: %v", first)
	}
	if got["truncated"] != false {
		t.Fatalf("unexpected truncation: %v", got)
	}

	limited := execJSON(t, ws["search_text"], `{"pattern":"^func ","max_matches":1}`)
	if len(limited["matches"].([]any)) != 1 || limited["truncated"] != true {
		t.Fatalf("expected one truncated match: %v", limited)
	}

	if _, err := ws["search_text"].Execute(context.Background(), json.RawMessage(`{"pattern":"("}`)); err == nil {
		t.Fatal("expected invalid pattern error")
	}
}

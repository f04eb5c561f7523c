package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"extremis/internal/security"
)

const WorkspaceConnector = "workspace"

const (
	defaultReadLines  = 100
	maxReadLines      = 400
	defaultMaxMatches = 200
	maxFindResults    = 500
)

// WorkspaceTools 暴露工作区只读访问：读文件、列目录、按 glob 查找、按正则搜索
// WorkspaceTools exposes read-only access to the workspace root. Every path is
// resolved through ws, so symlinks cannot escape it.
func WorkspaceTools(ws *security.Workspace) []Tool {
	w := &workspaceConnector{ws: ws}
	return []Tool{
		&funcTool{
			def: functionDef("read_file", "Read lines of a text file in the workspace. A negative offset reads the last lines.",
				map[string]any{
					"path":   map[string]any{"type": "string"},
					"offset": map[string]any{"type": "integer", "description": "1-based first line; negative reads the tail"},
					"limit":  map[string]any{"type": "integer", "description": "maximum lines, default 100, capped at 400"},
				}, "path"),
			run: w.read,
		},
		&funcTool{
			def: functionDef("list_dir", "List the entries of a workspace directory",
				map[string]any{
					"path": map[string]any{"type": "string", "description": "directory, defaults to the workspace root"},
				}),
			run: w.list,
		},
		&funcTool{
			def: functionDef("find_files", "Find workspace files matching a glob pattern such as internal/*/*.go",
				map[string]any{
					"pattern": map[string]any{"type": "string"},
				}, "pattern"),
			run: w.find,
		},
		&funcTool{
			def: functionDef("search_text", "Search text files under a workspace path for a regular expression",
				map[string]any{
					"pattern":     map[string]any{"type": "string"},
					"path":        map[string]any{"type": "string"},
					"max_matches": map[string]any{"type": "integer", "description": "default 200"},
				}, "pattern"),
			run: w.search,
		},
	}
}

type workspaceConnector struct {
	ws *security.Workspace
}

func (w *workspaceConnector) read(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Path) == "" {
		return "", errors.New("path is empty")
	}
	if in.Limit <= 0 {
		in.Limit = defaultReadLines
	}
	in.Limit = min(in.Limit, maxReadLines)
	tail := in.Offset < 0
	if in.Offset == 0 {
		in.Offset = 1
	}

	resolved, err := w.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(resolved)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if ok, err := isText(f); err != nil {
		return "", err
	} else if !ok {
		return "", fmt.Errorf("%s is not a text file", w.ws.Rel(resolved))
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var (
		lines      []string
		lineNo     int
		start, end int
	)
	for scanner.Scan() {
		lineNo++
		if tail {
			if len(lines) == in.Limit {
				lines = lines[1:]
			}
			lines = append(lines, scanner.Text())
			continue
		}
		if lineNo < in.Offset || len(lines) >= in.Limit {
			continue
		}
		if start == 0 {
			start = lineNo
		}
		lines = append(lines, scanner.Text())
		end = lineNo
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", w.ws.Rel(resolved), err)
	}

	hasMore := end != 0 && lineNo > end
	if tail {
		end = lineNo
		if len(lines) > 0 {
			start = end - len(lines) + 1
		}
		hasMore = start > 1
	}
	return mustJSON(map[string]any{
		"ok":         true,
		"path":       w.ws.Rel(resolved),
		"content":    strings.Join(lines, "\n"),
		"start_line": start,
		"end_line":   end,
		"has_more":   hasMore,
	}), nil
}

func (w *workspaceConnector) list(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	resolved, err := w.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, map[string]any{
			"name":       e.Name(),
			"is_dir":     e.IsDir(),
			"size_bytes": info.Size(),
		})
	}
	return mustJSON(map[string]any{"ok": true, "path": w.ws.Rel(resolved), "items": items}), nil
}

func (w *workspaceConnector) find(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Pattern string `json:"pattern"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	pattern := strings.TrimSpace(in.Pattern)
	if pattern == "" {
		return "", errors.New("pattern is empty")
	}
	if filepath.IsAbs(pattern) {
		return "", errors.New("pattern must be relative to the workspace")
	}
	matches, err := filepath.Glob(filepath.Join(w.ws.Root(), pattern))
	if err != nil {
		return "", fmt.Errorf("glob %q: %w", pattern, err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		resolved, err := w.ws.Resolve(m)
		if err != nil {
			continue
		}
		out = append(out, w.ws.Rel(resolved))
	}
	sort.Strings(out)
	truncated := len(out) > maxFindResults
	if truncated {
		out = out[:maxFindResults]
	}
	return mustJSON(map[string]any{"ok": true, "pattern": pattern, "matches": out, "truncated": truncated}), nil
}

type textMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

var errEnoughMatches = errors.New("enough matches")

func (w *workspaceConnector) search(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Pattern    string `json:"pattern"`
		Path       string `json:"path"`
		MaxMatches int    `json:"max_matches"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Pattern) == "" {
		return "", errors.New("pattern is empty")
	}
	if in.MaxMatches <= 0 {
		in.MaxMatches = defaultMaxMatches
	}
	re, err := regexp.Compile(in.Pattern)
	if err != nil {
		return "", fmt.Errorf("compile pattern: %w", err)
	}
	root, err := w.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}

	var matches []textMatch
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		return w.searchFile(path, re, &matches, in.MaxMatches)
	})
	if walkErr != nil && !errors.Is(walkErr, errEnoughMatches) {
		return "", walkErr
	}
	return mustJSON(map[string]any{
		"ok":        true,
		"pattern":   in.Pattern,
		"matches":   matches,
		"truncated": errors.Is(walkErr, errEnoughMatches),
	}), nil
}

// searchFile appends matches from one file. Unreadable and binary files are
// skipped; errEnoughMatches stops the walk.
func (w *workspaceConnector) searchFile(path string, re *regexp.Regexp, matches *[]textMatch, limit int) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	if ok, err := isText(f); err != nil || !ok {
		return nil
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if !re.MatchString(scanner.Text()) {
			continue
		}
		if len(*matches) >= limit {
			return errEnoughMatches
		}
		*matches = append(*matches, textMatch{Path: w.ws.Rel(path), Line: lineNo, Text: scanner.Text()})
	}
	return nil
}

// isText sniffs the first 2KB for NUL bytes and rewinds f.
func isText(f *os.File) (bool, error) {
	buf := make([]byte, 2048)
	n, err := f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false, err
	}
	return !bytes.Contains(buf[:n], []byte{0}), nil
}

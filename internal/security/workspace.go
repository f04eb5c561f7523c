package security

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

var ErrPathOutsideWorkspace = errors.New("path outside workspace")

// Workspace 把工具的文件访问限制在一个根目录内，符号链接会先被解析
// Workspace confines tool file access to one root directory. Symlinks are
// resolved before the containment check.
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root %q: %w", root, err)
	}
	real, err := evalExisting(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root %q: %w", root, err)
	}
	return &Workspace{root: real}, nil
}

func (w *Workspace) Root() string { return w.root }

// Resolve maps path, absolute or relative to the root, to a real path inside
// the workspace. An empty path is the root itself. Paths that do not exist yet
// are resolved through their deepest existing ancestor.
func (w *Workspace) Resolve(path string) (string, error) {
	target := strings.TrimSpace(path)
	switch {
	case target == "":
		return w.root, nil
	case !filepath.IsAbs(target):
		target = filepath.Join(w.root, target)
	}
	real, err := evalExisting(filepath.Clean(target))
	if err != nil {
		return "", err
	}
	if _, err := w.rel(real); err != nil {
		return "", err
	}
	return real, nil
}

// Rel returns resolved relative to the root with forward slashes, for output
// shown to the model. Paths outside the root are returned unchanged.
func (w *Workspace) Rel(resolved string) string {
	rel, err := w.rel(resolved)
	if err != nil {
		return resolved
	}
	return filepath.ToSlash(rel)
}

func (w *Workspace) rel(p string) (string, error) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil || !filepath.IsLocal(rel) {
		return "", ErrPathOutsideWorkspace
	}
	return rel, nil
}

// evalExisting resolves symlinks in the longest existing prefix of p and
// re-attaches the missing tail.
func evalExisting(p string) (string, error) {
	var tail []string
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{real}, tail...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolve %s: %w", cur, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"extremis/internal/security"
)

const ShellConnector = "shell"

// timeoutExitCode mirrors coreutils timeout(1).
const timeoutExitCode = 124

// ShellOptions configures the shell connector. Zero values use defaults.
type ShellOptions struct {
	Timeout     time.Duration
	OutputLimit int
	// DangerousPatterns are extra globs that force explicit approval.
	DangerousPatterns []string
}

// ShellTools 暴露 bash 工具；破坏性命令和覆盖已有文件的重定向需要显式审批
// ShellTools exposes the bash tool. Destructive commands and redirections that
// truncate an existing file, or write outside the workspace, need explicit approval.
func ShellTools(ws *security.Workspace, opts ShellOptions) []Tool {
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = 1 << 20
	}
	s := &shellConnector{ws: ws, opts: opts}
	return []Tool{
		&funcTool{
			def: functionDef("bash", "Run a shell command in the workspace and return its exit code, stdout and stderr",
				map[string]any{
					"command": map[string]any{"type": "string", "description": "command line passed to /bin/sh -c"},
				}, "command"),
			run:         s.run,
			requirement: s.requirement,
		},
	}
}

type shellConnector struct {
	ws   *security.Workspace
	opts ShellOptions
}

func (s *shellConnector) requirement(args json.RawMessage) (Requirement, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return Requirement{}, err
	}
	if v := security.Classify(in.Command, s.opts.DangerousPatterns...); v.Explicit {
		return Requirement{Dangerous: true, Reason: v.Reason}, nil
	}
	for _, target := range security.RedirectTargets(in.Command) {
		if target == "/dev/null" {
			continue
		}
		resolved, err := s.ws.Resolve(target)
		switch {
		case errors.Is(err, security.ErrPathOutsideWorkspace):
			return Requirement{Dangerous: true, Reason: "redirects output outside the workspace: " + target}, nil
		case err != nil:
			continue
		}
		if info, err := os.Stat(resolved); err == nil && !info.IsDir() {
			return Requirement{Dangerous: true, Reason: "overwrite redirection target exists: " + s.ws.Rel(resolved)}, nil
		}
	}
	return Requirement{}, nil
}

func (s *shellConnector) run(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Command) == "" {
		return "", errors.New("bash command is empty")
	}

	runCtx := ctx
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", in.Command)
	cmd.Dir = s.ws.Root()
	cmd.WaitDelay = time.Second
	stdout := &limitedBuffer{limit: s.opts.OutputLimit}
	stderr := &limitedBuffer{limit: s.opts.OutputLimit}
	cmd.Stdout, cmd.Stderr = stdout, stderr

	start := time.Now()
	exitCode, err := exitStatus(ctx, runCtx, cmd.Run())
	if err != nil {
		return "", err
	}
	return mustJSON(map[string]any{
		"ok":          exitCode == 0,
		"command":     in.Command,
		"exit_code":   exitCode,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"truncated":   stdout.dropped || stderr.dropped,
		"duration_ms": time.Since(start).Milliseconds(),
	}), nil
}

// exitStatus turns the result of cmd.Run into an exit code. Cancellation of
// the caller's context is an error; hitting the command timeout is not.
func exitStatus(parent, runCtx context.Context, runErr error) (int, error) {
	if runErr == nil {
		return 0, nil
	}
	if err := parent.Err(); err != nil {
		return 0, err
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return timeoutExitCode, nil
	}
	var ee *exec.ExitError
	if errors.As(runErr, &ee) {
		return ee.ExitCode(), nil
	}
	return 0, fmt.Errorf("run bash command: %w", runErr)
}

// limitedBuffer keeps the first limit bytes written and drops the rest.
type limitedBuffer struct {
	limit   int
	buf     bytes.Buffer
	dropped bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.limit - b.buf.Len(); room < n {
		b.dropped = true
		p = p[:max(room, 0)]
	}
	b.buf.Write(p)
	return n, nil
}

func (b *limitedBuffer) String() string {
	if b.dropped {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

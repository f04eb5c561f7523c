package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"extremis/internal/approval"
)

// AutoPrompter 非交互环境下的审批：默认全部拒绝；AllowUnflagged 时放行未标记危险的请求
// AutoPrompter answers without a human. It denies everything unless AllowUnflagged
// is set, and even then requests that require explicit approval are denied.
type AutoPrompter struct {
	AllowUnflagged bool
}

func (a AutoPrompter) PromptApproval(_ context.Context, req approval.DisplayModel) (ApprovalDecision, error) {
	if a.AllowUnflagged && !req.RequiresExplicitApproval {
		return ApprovalDecisionAllowOnce, nil
	}
	return ApprovalDecisionDeny, nil
}

// LineReader reads one answer line; readline.Instance-backed inputs satisfy it.
type LineReader interface {
	ReadLine(prompt string) (string, error)
}

// TerminalPrompter 终端交互式审批：危险请求只接受 y/n/d，其余还支持 a(ll) 与 r(emember)
// TerminalPrompter asks on a terminal. Flagged requests accept only y/n/d; the
// others also accept a (approve the whole batch) and r (approve and remember).
type TerminalPrompter struct {
	In  LineReader
	Out io.Writer
	// Render formats the request panel; nil prints a plain block.
	Render func(approval.DisplayModel) string
}

func (t *TerminalPrompter) PromptApproval(ctx context.Context, req approval.DisplayModel) (ApprovalDecision, error) {
	if t.Render != nil {
		_, _ = fmt.Fprintln(t.Out, t.Render(req))
	} else {
		_, _ = fmt.Fprintln(t.Out, PlainApprovalText(req))
	}
	prompt := "allow? [y/N/a/r/d]: "
	if req.RequiresExplicitApproval {
		prompt = "allow? [y/N/d]: "
	}
	for {
		if err := ctx.Err(); err != nil {
			return ApprovalDecisionDeny, err
		}
		line, err := t.In.ReadLine(prompt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ApprovalDecisionDeny, nil
			}
			return ApprovalDecisionDeny, err
		}
		d, ok := ParseApprovalAnswer(line, req.RequiresExplicitApproval)
		if ok {
			return d, nil
		}
		if req.RequiresExplicitApproval {
			_, _ = fmt.Fprintln(t.Out, "answer y, n or d")
		} else {
			_, _ = fmt.Fprintln(t.Out, "answer y, n, a, r or d")
		}
	}
}

// ParseApprovalAnswer maps a typed answer to a decision. An empty answer denies.
func ParseApprovalAnswer(line string, explicit bool) (ApprovalDecision, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "n", "no":
		return ApprovalDecisionDeny, true
	case "y", "yes":
		return ApprovalDecisionAllowOnce, true
	case "d", "dismiss":
		return ApprovalDecisionDismiss, true
	case "a", "all":
		if explicit {
			return ApprovalDecisionDeny, false
		}
		return ApprovalDecisionAllowAll, true
	case "r", "remember", "always":
		if explicit {
			return ApprovalDecisionDeny, false
		}
		return ApprovalDecisionAllowAlways, true
	default:
		return ApprovalDecisionDeny, false
	}
}

// PlainApprovalText renders a request without styling.
func PlainApprovalText(req approval.DisplayModel) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[approval %d/%d] %s\n", req.Position, req.BatchSize, req.Summary)
	if req.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", req.Reason)
	}
	if req.RequiresExplicitApproval {
		b.WriteString("this call needs an explicit decision and cannot be remembered")
	}
	return strings.TrimRight(b.String(), "\n")
}

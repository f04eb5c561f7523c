package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"extremis/internal/approval"
	"extremis/internal/bootstrap"
	"extremis/internal/chat"
	"extremis/internal/i18n"
	"extremis/internal/session"

	"github.com/atotto/clipboard"
	"github.com/chzyer/readline"
)

// Options 控制 REPL 的输入输出；零值字段使用终端默认实现
// Options wires REPL input and output. Zero fields fall back to terminal defaults.
type Options struct {
	In    LineInput
	Out   io.Writer
	Theme *Theme
	// Width is the markdown wrap width; zero means 80.
	Width int
	// Copy writes to the system clipboard.
	Copy func(string) error
	// Interrupts delivers Ctrl+C while a generation runs.
	Interrupts func() (<-chan os.Signal, func())
}

// Loop holds REPL state: the built engine, the current session and the I/O.
// Loop 持有 REPL 状态：构建结果、当前会话与输入输出。
type Loop struct {
	res        *bootstrap.BuildResult
	in         LineInput
	out        io.Writer
	theme      Theme
	width      int
	copy       func(string) error
	interrupts func() (<-chan os.Signal, func())
	sess       *session.Session
}

func NewLoop(res *bootstrap.BuildResult, opts Options) *Loop {
	l := &Loop{
		res:        res,
		in:         opts.In,
		out:        opts.Out,
		width:      opts.Width,
		copy:       opts.Copy,
		interrupts: opts.Interrupts,
	}
	if l.out == nil {
		l.out = os.Stdout
	}
	if l.in == nil {
		l.in = NewBasicLineInput(os.Stdin, l.out)
	}
	if opts.Theme != nil {
		l.theme = *opts.Theme
	} else {
		l.theme = DarkTheme()
	}
	if l.width <= 0 {
		l.width = 80
	}
	if l.copy == nil {
		l.copy = clipboard.WriteAll
	}
	if l.interrupts == nil {
		l.interrupts = notifyInterrupt
	}
	return l
}

// Session returns the session the loop is attached to.
func (l *Loop) Session() *session.Session {
	return l.sess
}

// Attach switches the loop to sess.
func (l *Loop) Attach(sess *session.Session) {
	l.sess = sess
}

// Run reads input until EOF or /exit. Plain lines are sent to the model; lines
// starting with "/" are commands.
func (l *Loop) Run(ctx context.Context) error {
	if l.sess == nil {
		sess, err := l.res.Sessions.Create(ctx, "")
		if err != nil {
			return err
		}
		l.sess = sess
	}
	l.printf("%s\n", l.theme.TitleStyle.Render("extremis")+" "+l.theme.MutedStyle.Render(i18n.T("repl.banner", l.sess.ID(), l.res.Provider.CurrentModel())))

	for {
		line, err := l.in.ReadLine(l.prompt())
		if err != nil {
			switch {
			case errors.Is(err, readline.ErrInterrupt):
				continue
			case errors.Is(err, io.EOF):
				return nil
			default:
				return err
			}
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			exit, err := l.handleCommand(ctx, input)
			if err != nil {
				l.printf("%s\n", l.theme.ErrorStyle.Render(i18n.T("repl.error", err)))
			}
			if exit {
				return nil
			}
			continue
		}
		g, err := l.res.Orch.Send(ctx, l.sess, input, nil)
		if err != nil {
			l.printf("%s\n", l.theme.ErrorStyle.Render(i18n.T("repl.error", err)))
			continue
		}
		l.follow(ctx, g)
	}
}

func (l *Loop) prompt() string {
	if l.theme.plain {
		return "> "
	}
	return l.theme.TitleStyle.Render("> ")
}

// follow renders one generation until it finishes: streamed text, per-call
// progress and approval prompts for this session. Ctrl+C cancels it.
func (l *Loop) follow(ctx context.Context, g *session.Generation) {
	changed, unsubscribe := l.sess.Subscribe()
	defer unsubscribe()
	approvals, unsubscribeApprovals := l.res.Approvals.Subscribe()
	defer unsubscribeApprovals()
	sigs, stop := l.interrupts()
	defer stop()

	before := len(l.sess.Messages())
	view := newTurnView(l.out, l.theme)
	prompter := &bootstrap.TerminalPrompter{In: l.in, Out: l.out, Render: l.theme.RenderApproval}
	for {
		view.update(l.sess.StreamingContent(), l.sess.Snapshot().Calls)
		if req, ok := l.pendingApproval(); ok {
			view.breakLine()
			d, err := prompter.PromptApproval(ctx, req)
			if err != nil {
				d = bootstrap.ApprovalDecisionDeny
				if errors.Is(err, readline.ErrInterrupt) {
					d = bootstrap.ApprovalDecisionDismiss
				}
			}
			bootstrap.ApplyDecision(l.res.Approvals, req, d)
			continue
		}
		select {
		case <-g.Done():
			l.finish(view, before)
			return
		case <-changed:
		case <-approvals:
		case <-sigs:
			l.res.Orch.Cancel(l.sess)
		case <-ctx.Done():
			l.res.Orch.Cancel(l.sess)
			<-g.Done()
			return
		}
	}
}

func (l *Loop) pendingApproval() (approval.DisplayModel, bool) {
	for _, p := range l.res.Approvals.Pending() {
		if p.SessionID == l.sess.ID() {
			return p, true
		}
	}
	return approval.DisplayModel{}, false
}

// finish prints what the stream did not show: a placeholder or stop sentinel
// that replaced the streamed text, and the turn error.
func (l *Loop) finish(view *turnView, before int) {
	view.update("", l.sess.Snapshot().Calls)
	msgs := l.sess.Messages()
	if len(msgs) > before {
		last := msgs[len(msgs)-1]
		if last.Role == chat.RoleAssistant {
			switch rest := view.remainder(last.Content); rest {
			case "":
			case last.Content:
				view.breakLine()
				l.printf("%s\n", l.theme.MutedStyle.Render(last.Content))
			default:
				view.write(rest)
			}
		}
	}
	view.breakLine()
	if errMsg := l.sess.LastError(); errMsg != "" && len(msgs) == before {
		l.printf("%s\n", l.theme.ErrorStyle.Render(i18n.T("repl.error", errMsg)))
	}
}

func (l *Loop) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(l.out, format, args...)
}

func notifyInterrupt() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	return ch, func() { signal.Stop(ch) }
}

// turnView prints incremental generation output.
type turnView struct {
	out     io.Writer
	theme   Theme
	printed string
	midLine bool
	calls   map[string]chat.CallStatus
}

func newTurnView(out io.Writer, theme Theme) *turnView {
	return &turnView{out: out, theme: theme, calls: map[string]chat.CallStatus{}}
}

func (v *turnView) update(streaming string, calls []session.CallState) {
	if streaming != "" && streaming != v.printed {
		delta := streaming
		if strings.HasPrefix(streaming, v.printed) {
			delta = streaming[len(v.printed):]
		} else {
			v.breakLine()
		}
		v.write(delta)
		v.printed = streaming
	}
	for _, st := range calls {
		if v.calls[st.CallID] == st.Status {
			continue
		}
		v.calls[st.CallID] = st.Status
		if st.Status == chat.CallRequested {
			continue
		}
		v.breakLine()
		v.write(v.theme.RenderCall(st) + "\n")
	}
}

func (v *turnView) write(s string) {
	if s == "" {
		return
	}
	_, _ = io.WriteString(v.out, s)
	v.midLine = !strings.HasSuffix(s, "\n")
}

func (v *turnView) breakLine() {
	if v.midLine {
		v.write("\n")
	}
}

// remainder returns the part of content the stream never showed. The stream
// may have stopped anywhere inside content, so the longest prefix of content
// that ends the printed text counts as shown.
func (v *turnView) remainder(content string) string {
	for k := len(content); k > 0; k-- {
		if strings.HasSuffix(v.printed, content[:k]) {
			return content[k:]
		}
	}
	return content
}

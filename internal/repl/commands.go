package repl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"extremis/internal/audit"
	"extremis/internal/chat"
	"extremis/internal/i18n"
	"extremis/internal/orchestrator"
)

var replCommands = []struct{ usage, help string }{
	{"/help", "help.help"},
	{"/new [title]", "help.new"},
	{"/sessions", "help.sessions"},
	{"/open <id>", "help.open"},
	{"/history", "help.history"},
	{"/retry", "help.retry"},
	{"/cancel", "help.cancel"},
	{"/copy", "help.copy"},
	{"/tools [query]", "help.tools"},
	{"/allow [forget <id>]", "help.allow"},
	{"/permissions", "help.permissions"},
	{"/audit", "help.audit"},
	{"/mcp", "help.mcp"},
	{"/exit", "help.exit"},
}

func (l *Loop) handleCommand(ctx context.Context, input string) (bool, error) {
	fields := strings.Fields(input)
	name, args := fields[0], fields[1:]
	switch name {
	case "/exit", "/quit":
		return true, nil
	case "/help":
		l.printf("%s\n", i18n.T("repl.commands"))
		for _, c := range replCommands {
			l.printf("  %-22s %s\n", c.usage, i18n.T(c.help))
		}
	case "/new":
		sess, err := l.res.Sessions.Create(ctx, strings.Join(args, " "))
		if err != nil {
			return false, err
		}
		l.sess = sess
		l.printf("%s\n", i18n.T("cmd.session", sess.ID()))
	case "/sessions":
		return false, l.listSessions(ctx)
	case "/open":
		if len(args) != 1 {
			return false, errors.New(i18n.T("cmd.usage_open"))
		}
		sess, err := l.res.Sessions.Open(ctx, args[0])
		if err != nil {
			return false, err
		}
		l.sess = sess
		l.printHistory()
	case "/history":
		l.printHistory()
	case "/retry":
		return false, l.retryLast(ctx)
	case "/cancel":
		if !l.sess.Generating() {
			l.printf("%s\n", i18n.T("cmd.nothing_to_cancel"))
			return false, nil
		}
		return false, l.sess.CancelGenerationAndWait(ctx)
	case "/copy":
		answer, ok := lastAnswer(l.sess.Messages())
		if !ok {
			return false, errors.New(i18n.T("cmd.no_answer"))
		}
		if err := l.copy(answer); err != nil {
			return false, errors.New(i18n.T("cmd.copy_failed", err))
		}
		l.printf("%s\n", l.theme.MutedStyle.Render(i18n.T("cmd.copied")))
	case "/tools":
		defs := l.res.Registry.Search(strings.Join(args, " "))
		if len(defs) == 0 {
			l.printf("%s\n", i18n.T("cmd.no_tools"))
		}
		for _, d := range defs {
			l.printf("  %-28s %s\n", l.res.Registry.Connector(d.Function.Name)+"/"+d.Function.Name, firstLine(d.Function.Description))
		}
	case "/allow":
		mem := l.sess.Memory()
		if len(args) == 2 && args[0] == "forget" {
			mem.Forget(args[1])
			l.printf("%s\n", i18n.T("cmd.forgot", args[1]))
			return false, nil
		}
		remembered := mem.List()
		if len(remembered) == 0 {
			l.printf("%s\n", i18n.T("cmd.nothing_remembered"))
		}
		for _, id := range remembered {
			l.printf("  %s\n", id)
		}
	case "/permissions":
		l.printf("%s\n", l.res.Policy.Summary())
		entries, err := l.res.Store.ListPermissions(ctx, l.sess.ID())
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			l.printf("  %s  %-10s %s %s\n", e.CreatedAt, e.Decision, e.Tool, l.theme.MutedStyle.Render(e.Reason))
		}
	case "/audit":
		if l.res.Audit == nil {
			return false, errors.New(i18n.T("cmd.audit_disabled"))
		}
		rows, err := l.res.Audit.List(ctx, audit.Query{SessionID: l.sess.ID(), Limit: 20})
		if err != nil {
			return false, err
		}
		for _, r := range rows {
			status := l.theme.SuccessStyle.Render(i18n.T("cmd.audit_ok"))
			if !r.Success {
				status = l.theme.ErrorStyle.Render(i18n.T("cmd.audit_failed"))
			}
			l.printf("  %s  %-24s %6dms %s\n", r.CreatedAt.Local().Format("15:04:05"), r.ToolName, r.DurationMs, status)
		}
	case "/mcp":
		snaps := l.res.MCP.Snapshots()
		if len(snaps) == 0 {
			l.printf("%s\n", i18n.T("cmd.no_mcp"))
		}
		for _, s := range snaps {
			line := fmt.Sprintf("  %-20s %-10s tools=%d", s.Name, s.Status, s.Tools)
			if s.Error != "" {
				line += " " + l.theme.ErrorStyle.Render(s.Error)
			}
			l.printf("%s\n", line)
		}
	default:
		return false, errors.New(i18n.T("cmd.unknown", name))
	}
	return false, nil
}

func (l *Loop) listSessions(ctx context.Context) error {
	metas, err := l.res.Store.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, m := range metas {
		marker := " "
		if m.ID == l.sess.ID() {
			marker = "*"
		}
		l.printf("%s %s  %s  %s\n", marker, m.ID, m.UpdatedAt, m.Title)
	}
	return nil
}

func (l *Loop) printHistory() {
	for _, msg := range l.sess.Messages() {
		l.printf("%s\n\n", l.theme.RenderMessage(msg, l.width))
	}
}

func (l *Loop) retryLast(ctx context.Context) error {
	msgs := l.sess.Messages()
	var id string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != chat.RoleUser {
			id = msgs[i].ID
			break
		}
	}
	if id == "" {
		return orchestrator.ErrNothingToRetry
	}
	g, err := l.res.Orch.Retry(ctx, l.sess, id)
	if err != nil {
		return err
	}
	l.follow(ctx, g)
	return nil
}

func lastAnswer(msgs []chat.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chat.RoleAssistant && strings.TrimSpace(msgs[i].Content) != "" {
			return msgs[i].Content, true
		}
	}
	return "", false
}

package repl

import (
	"fmt"
	"strings"

	"extremis/internal/approval"
	"extremis/internal/chat"
	"extremis/internal/i18n"
	"extremis/internal/session"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// Theme 定义 REPL 输出的色彩和样式
// Theme defines REPL colors and styles
type Theme struct {
	// 基础色 / Base colors
	Primary lipgloss.Color
	Danger  lipgloss.Color
	Warning lipgloss.Color
	Success lipgloss.Color
	Muted   lipgloss.Color
	Border  lipgloss.Color

	// 预构建样式 / Pre-built styles
	TitleStyle   lipgloss.Style
	ErrorStyle   lipgloss.Style
	SuccessStyle lipgloss.Style
	MutedStyle   lipgloss.Style
	DangerStyle  lipgloss.Style
	PanelStyle   lipgloss.Style
	plain        bool
}

// DarkTheme is the default theme.
func DarkTheme() Theme {
	t := Theme{
		Primary: lipgloss.Color("#7C3AED"),
		Danger:  lipgloss.Color("#EF4444"),
		Warning: lipgloss.Color("#F59E0B"),
		Success: lipgloss.Color("#10B981"),
		Muted:   lipgloss.Color("#6B7280"),
		Border:  lipgloss.Color("#374151"),
	}
	t.TitleStyle = lipgloss.NewStyle().Foreground(t.Primary).Bold(true)
	t.ErrorStyle = lipgloss.NewStyle().Foreground(t.Danger).Bold(true)
	t.SuccessStyle = lipgloss.NewStyle().Foreground(t.Success)
	t.MutedStyle = lipgloss.NewStyle().Foreground(t.Muted)
	t.DangerStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(t.Danger).
		Bold(true).
		Padding(0, 1)
	t.PanelStyle = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(t.Warning).
		Padding(0, 1)
	return t
}

// PlainTheme renders without colors or borders, for pipes and NO_COLOR.
func PlainTheme() Theme {
	plain := lipgloss.NewStyle()
	return Theme{
		TitleStyle:   plain,
		ErrorStyle:   plain,
		SuccessStyle: plain,
		MutedStyle:   plain,
		DangerStyle:  plain,
		PanelStyle:   plain,
		plain:        true,
	}
}

// RenderApproval 渲染审批面板；危险请求带醒目标记
// RenderApproval renders the approval panel; flagged requests carry a warning badge
func (t Theme) RenderApproval(req approval.DisplayModel) string {
	var lines []string
	head := i18n.T("approval.title", req.Position, req.BatchSize)
	if req.RequiresExplicitApproval {
		head += "  " + t.DangerStyle.Render(i18n.T("approval.explicit"))
	}
	lines = append(lines, t.TitleStyle.Render(head), req.Summary)
	if req.Reason != "" {
		lines = append(lines, t.MutedStyle.Render(i18n.T("approval.reason", req.Reason)))
	}
	if req.RequiresExplicitApproval {
		lines = append(lines, t.MutedStyle.Render(i18n.T("approval.hint_explicit")))
	} else {
		lines = append(lines, t.MutedStyle.Render(i18n.T("approval.hint")))
	}
	return t.PanelStyle.Render(strings.Join(lines, "\n"))
}

// RenderCall renders one line of per-call progress.
func (t Theme) RenderCall(st session.CallState) string {
	name := st.Name
	if st.ConnectorID != "" {
		name = st.ConnectorID + "/" + st.Name
	}
	line := fmt.Sprintf("  ▸ %s %s", name, i18n.T("call."+string(st.Status)))
	if st.Detail != "" {
		line += ": " + firstLine(st.Detail)
	}
	switch st.Status {
	case chat.CallSucceeded:
		return t.SuccessStyle.Render(line)
	case chat.CallFailed:
		return t.ErrorStyle.Render(line)
	default:
		return t.MutedStyle.Render(line)
	}
}

// RenderMessage 渲染历史消息；助手消息经 Glamour 渲染 markdown
// RenderMessage renders one history entry; assistant text goes through Glamour
func (t Theme) RenderMessage(msg chat.Message, width int) string {
	switch msg.Role {
	case chat.RoleUser:
		return t.TitleStyle.Render("> ") + msg.Content
	case chat.RoleAssistant:
		var b strings.Builder
		for _, r := range msg.ToolRounds {
			for _, call := range r.Calls {
				res, _ := r.ResultFor(call.ID)
				status := chat.CallSucceeded
				if res.Outcome.IsError() {
					status = chat.CallFailed
				}
				b.WriteString(t.RenderCall(session.CallState{Name: call.Name, ConnectorID: call.ConnectorID, Status: status}))
				b.WriteByte('\n')
			}
		}
		if t.plain {
			b.WriteString(msg.Content)
		} else {
			b.WriteString(RenderMarkdown(msg.Content, width))
		}
		return b.String()
	default:
		return t.MutedStyle.Render(msg.Content)
	}
}

// RenderMarkdown 使用 Glamour 渲染 markdown 文本
// RenderMarkdown renders markdown text using Glamour
func RenderMarkdown(content string, width int) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	rendered, err := r.Render(content)
	if err != nil {
		return content
	}
	return strings.Trim(rendered, "\n")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

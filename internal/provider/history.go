package provider

import (
	"fmt"
	"strings"

	"extremis/internal/chat"
)

// ExpandHistory 将会话消息展开为线上消息：每个工具轮次展开为带 tool_calls 的助手消息和对应的 tool 消息
// ExpandHistory turns the conversation log into wire messages. Each persisted tool
// round becomes an assistant message with tool_calls followed by one tool message
// per call; context snapshots are rendered into their user message.
func ExpandHistory(history []chat.Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case chat.RoleUser:
			out = append(out, Message{Role: string(chat.RoleUser), Content: userContent(m)})
		case chat.RoleAssistant:
			for _, r := range m.ToolRounds {
				out = append(out, RoundMessages(r)...)
			}
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, Message{Role: string(chat.RoleAssistant), Content: m.Content})
			}
		case chat.RoleSystem:
			out = append(out, Message{Role: string(chat.RoleSystem), Content: m.Content})
		case chat.RoleTool:
			// tool output only travels inside rounds
		}
	}
	return out
}

// RoundMessages renders one round as an assistant tool_calls message plus results.
func RoundMessages(r chat.ToolExecutionRound) []Message {
	if len(r.Calls) == 0 {
		return nil
	}
	assistant := Message{Role: string(chat.RoleAssistant), Content: r.Commentary}
	for _, c := range r.Calls {
		assistant.ToolCalls = append(assistant.ToolCalls, ToolCall{
			ID:       c.ID,
			Type:     "function",
			Function: ToolCallFunction{Name: c.Name, Arguments: c.ArgumentsJSON()},
		})
	}
	out := []Message{assistant}
	for _, c := range r.Calls {
		text := "error: no result recorded"
		if res, ok := r.ResultFor(c.ID); ok {
			text = res.Outcome.Text()
		}
		out = append(out, Message{Role: string(chat.RoleTool), Name: c.Name, ToolCallID: c.ID, Content: text})
	}
	return out
}

func userContent(m chat.Message) string {
	if m.Context == nil || len(m.Context.Payload) == 0 {
		return m.Content
	}
	source := m.Context.Source
	if source == "" {
		source = "context"
	}
	return fmt.Sprintf("%s\n\n<%s>\n%s\n</%s>", m.Content, source, string(m.Context.Payload), source)
}

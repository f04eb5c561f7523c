package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"extremis/internal/chat"
	"extremis/internal/mcp"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

const mcpOutputLimit = 6000

// MCPCaller is the part of an MCP server a proxied tool needs.
type MCPCaller interface {
	Name() string
	Dangerous() bool
	Call(ctx context.Context, tool string, args map[string]any) (string, error)
}

// MCPProxyTool 把 MCP 服务器上的一个工具暴露为本地工具
// MCPProxyTool exposes one tool discovered on an MCP server
type MCPProxyTool struct {
	server MCPCaller
	tool   mcptypes.Tool
}

func NewMCPProxyTool(server MCPCaller, tool mcptypes.Tool) *MCPProxyTool {
	return &MCPProxyTool{server: server, tool: tool}
}

// MCPTools builds proxies for every tool a ready server advertised.
func MCPTools(server *mcp.Server) []Tool {
	discovered := server.Tools()
	out := make([]Tool, 0, len(discovered))
	for _, t := range discovered {
		out = append(out, NewMCPProxyTool(server, t))
	}
	return out
}

func (t *MCPProxyTool) Name() string {
	return mcp.ToolName(t.server.Name(), t.tool.Name)
}

func (t *MCPProxyTool) Definition() chat.ToolDef {
	desc := strings.TrimSpace(t.tool.Description)
	if desc == "" {
		desc = fmt.Sprintf("Call %s on MCP server %s", t.tool.Name, t.server.Name())
	}
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	schema := t.tool.InputSchema
	if schema.Type != "" {
		params["type"] = schema.Type
	}
	if len(schema.Properties) > 0 {
		params["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		params["required"] = schema.Required
	}
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: desc,
			Parameters:  params,
		},
	}
}

func (t *MCPProxyTool) Requirement(json.RawMessage) (Requirement, error) {
	if t.server.Dangerous() {
		return Requirement{Dangerous: true, Reason: fmt.Sprintf("MCP server %s is marked dangerous", t.server.Name())}, nil
	}
	if t.tool.Annotations.DestructiveHint != nil && *t.tool.Annotations.DestructiveHint {
		return Requirement{Dangerous: true, Reason: "tool is annotated as destructive"}, nil
	}
	return Requirement{}, nil
}

func (t *MCPProxyTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	in := map[string]any{}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	output, err := t.server.Call(ctx, t.tool.Name, in)
	if err != nil {
		return "", err
	}
	if r := []rune(output); len(r) > mcpOutputLimit {
		output = string(r[:mcpOutputLimit]) + "...(truncated)"
	}

	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return mustJSON(map[string]any{"ok": true, "output": ""}), nil
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var generic any
		if err := json.Unmarshal([]byte(trimmed), &generic); err == nil {
			return mustJSON(map[string]any{"ok": true, "output": generic}), nil
		}
	}
	return mustJSON(map[string]any{"ok": true, "output": trimmed}), nil
}

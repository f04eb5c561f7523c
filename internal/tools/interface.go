package tools

import (
	"context"
	"encoding/json"

	"extremis/internal/chat"
)

// Requirement 描述一次调用在执行前需要的审批级别
// Requirement tells the orchestrator whether a call needs the user's explicit approval
type Requirement struct {
	Dangerous bool
	Reason    string
}

type Tool interface {
	Name() string
	Definition() chat.ToolDef
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// RequirementAware is implemented by tools that inspect their arguments to
// flag destructive operations.
type RequirementAware interface {
	Requirement(args json.RawMessage) (Requirement, error)
}

// Catalog is the tool surface the orchestrator depends on.
type Catalog interface {
	Definitions() []chat.ToolDef
	Requirement(call chat.ToolCall) Requirement
	Execute(ctx context.Context, call chat.ToolCall) chat.ToolResult
}

// funcTool adapts plain functions to Tool; connectors build their tools with it.
type funcTool struct {
	def         chat.ToolDef
	run         func(ctx context.Context, args json.RawMessage) (string, error)
	requirement func(args json.RawMessage) (Requirement, error)
}

func (t *funcTool) Name() string {
	return t.def.Function.Name
}

func (t *funcTool) Definition() chat.ToolDef {
	return t.def
}

func (t *funcTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.run(ctx, args)
}

func (t *funcTool) Requirement(args json.RawMessage) (Requirement, error) {
	if t.requirement == nil {
		return Requirement{}, nil
	}
	return t.requirement(args)
}

func functionDef(name, description string, properties map[string]any, required ...string) chat.ToolDef {
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

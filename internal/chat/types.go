package chat

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role 消息角色
// Role identifies the author of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContextSnapshot 外部捕获的上下文快照，核心逻辑不解析其内容
// ContextSnapshot is an externally captured context payload; the engine never inspects Payload
type ContextSnapshot struct {
	Source     string          `json:"source,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CapturedAt time.Time       `json:"captured_at"`
}

// Message 会话中的一条消息，内容创建后不可变
// Message is one immutable entry of a conversation log
type Message struct {
	ID         string               `json:"id"`
	Role       Role                 `json:"role"`
	Content    string               `json:"content"`
	CreatedAt  time.Time            `json:"created_at"`
	Context    *ContextSnapshot     `json:"context,omitempty"`
	ToolRounds []ToolExecutionRound `json:"tool_rounds,omitempty"`
}

// NewMessage creates a message with a fresh id and the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewUserMessage 创建用户消息，可附带上下文快照
// NewUserMessage creates a user message with an optional context snapshot
func NewUserMessage(content string, snapshot *ContextSnapshot) Message {
	msg := NewMessage(RoleUser, content)
	msg.Context = snapshot
	return msg
}

// NewAssistantMessage creates an assistant message carrying the rounds it triggered.
func NewAssistantMessage(content string, rounds []ToolExecutionRound) Message {
	msg := NewMessage(RoleAssistant, content)
	if len(rounds) > 0 {
		msg.ToolRounds = CloneRounds(rounds)
	}
	return msg
}

// ToolCall 模型请求的一次工具调用
// ToolCall is one tool invocation requested by the model
type ToolCall struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	ConnectorID string         `json:"connector_id,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

// Identity is the key used by per-session approval memory.
func (c ToolCall) Identity() string {
	if c.ConnectorID == "" {
		return c.Name
	}
	return c.ConnectorID + "." + c.Name
}

// ArgumentsJSON returns the arguments as a compact JSON object.
func (c ToolCall) ArgumentsJSON() string {
	if len(c.Arguments) == 0 {
		return "{}"
	}
	b, err := json.Marshal(c.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ArgumentKeys returns argument names in sorted order.
func (c ToolCall) ArgumentKeys() []string {
	keys := make([]string, 0, len(c.Arguments))
	for k := range c.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OutcomeKind 工具结果类型
// OutcomeKind tags a tool result as success or error
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeError   OutcomeKind = "error"
)

// Outcome is the tagged result of one tool call.
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	Content   string      `json:"content,omitempty"`
	Message   string      `json:"message,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

func Success(content string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Content: content}
}

func Failure(message string, retryable bool) Outcome {
	return Outcome{Kind: OutcomeError, Message: message, Retryable: retryable}
}

func (o Outcome) IsError() bool {
	return o.Kind == OutcomeError
}

// Text renders the outcome the way it is fed back to the model.
func (o Outcome) Text() string {
	if o.IsError() {
		msg := strings.TrimSpace(o.Message)
		if msg == "" {
			msg = "unknown error"
		}
		if o.Retryable {
			return "error (retryable): " + msg
		}
		return "error: " + msg
	}
	return o.Content
}

// ToolResult 工具调用结果
// ToolResult answers exactly one ToolCall
type ToolResult struct {
	CallID   string        `json:"call_id"`
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"duration_ns"`
}

// ToolExecutionRound 模型单步发出的一批工具调用及其结果
// ToolExecutionRound is one batch of calls from a single model step plus their results
type ToolExecutionRound struct {
	Commentary string       `json:"commentary,omitempty"`
	Calls      []ToolCall   `json:"calls"`
	Results    []ToolResult `json:"results"`
}

// ResultFor finds the result answering callID.
func (r ToolExecutionRound) ResultFor(callID string) (ToolResult, bool) {
	for _, res := range r.Results {
		if res.CallID == callID {
			return res, true
		}
	}
	return ToolResult{}, false
}

// CloneRounds copies the round list so later appends never alias persisted data.
func CloneRounds(rounds []ToolExecutionRound) []ToolExecutionRound {
	if rounds == nil {
		return nil
	}
	out := make([]ToolExecutionRound, len(rounds))
	for i, r := range rounds {
		out[i] = ToolExecutionRound{
			Commentary: r.Commentary,
			Calls:      append([]ToolCall(nil), r.Calls...),
			Results:    append([]ToolResult(nil), r.Results...),
		}
	}
	return out
}

// CallStatus 单个工具调用的执行进度，仅用于展示
// CallStatus is per-call progress, used for live display only
type CallStatus string

const (
	CallRequested        CallStatus = "requested"
	CallAwaitingApproval CallStatus = "awaiting_approval"
	CallRunning          CallStatus = "running"
	CallSucceeded        CallStatus = "succeeded"
	CallFailed           CallStatus = "failed"
	CallSkipped          CallStatus = "skipped"
)

// ToolFunction describes an OpenAI-compatible function tool definition.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolDef describes one function tool exposed to the model.
type ToolDef struct {
	Type        string       `json:"type"`
	Function    ToolFunction `json:"function"`
	ConnectorID string       `json:"-"`
}

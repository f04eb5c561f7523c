package approval

import (
	"fmt"
	"strings"

	"extremis/internal/chat"

	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
)

// State 审批请求状态
// State is the lifecycle of one approval request
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateDenied    State = "denied"
	StateDismissed State = "dismissed"
)

func (s State) Terminal() bool {
	return s == StateApproved || s == StateDenied || s == StateDismissed
}

const (
	DeniedReason    = "user denied the tool call"
	DismissedReason = "approval request was dismissed before a decision was made"

	summaryWidth = 120
	valueWidth   = 48
)

// Request 一次工具调用的审批请求
// Request asks a human to approve one tool call
type Request struct {
	ID                       string        `json:"id"`
	Call                     chat.ToolCall `json:"call"`
	Summary                  string        `json:"summary"`
	RequiresExplicitApproval bool          `json:"requires_explicit_approval"`
	Reason                   string        `json:"reason,omitempty"`
}

// NewRequest builds a request for call. dangerous marks it as needing an
// individual decision that can never be remembered.
func NewRequest(call chat.ToolCall, dangerous bool, reason string) Request {
	return Request{
		ID:                       uuid.NewString(),
		Call:                     call,
		Summary:                  Summarize(call),
		RequiresExplicitApproval: dangerous,
		Reason:                   strings.TrimSpace(reason),
	}
}

// Decision 审批决定
// Decision resolves one Request
type Decision struct {
	RequestID string `json:"request_id"`
	Action    State  `json:"action"`
	Reason    string `json:"reason,omitempty"`
	Remember  bool   `json:"remember,omitempty"`
}

func (d Decision) Approved() bool {
	return d.Action == StateApproved
}

// DisplayModel is the read-only projection a UI renders for a pending request.
type DisplayModel struct {
	RequestID                string `json:"request_id"`
	SessionID                string `json:"session_id,omitempty"`
	ToolName                 string `json:"tool_name"`
	ConnectorID              string `json:"connector_id,omitempty"`
	Summary                  string `json:"summary"`
	Reason                   string `json:"reason,omitempty"`
	RequiresExplicitApproval bool   `json:"requires_explicit_approval"`
	CanRemember              bool   `json:"can_remember"`
	State                    State  `json:"state"`
	Position                 int    `json:"position"`
	BatchSize                int    `json:"batch_size"`
}

// Summarize renders call arguments as `key=value` pairs, width-limited for a terminal line.
func Summarize(call chat.ToolCall) string {
	parts := make([]string, 0, len(call.Arguments))
	for _, k := range call.ArgumentKeys() {
		v := strings.Join(strings.Fields(fmt.Sprint(call.Arguments[k])), " ")
		parts = append(parts, k+"="+runewidth.Truncate(v, valueWidth, "…"))
	}
	head := call.Name
	if call.ConnectorID != "" {
		head = call.ConnectorID + "/" + call.Name
	}
	if len(parts) == 0 {
		return head
	}
	return runewidth.Truncate(head+" "+strings.Join(parts, " "), summaryWidth, "…")
}

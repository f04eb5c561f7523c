package chat

import (
	"encoding/json"
	"testing"
	"time"
)

func TestOutcomeText(t *testing.T) {
	tests := []struct {
		name string
		in   Outcome
		want string
	}{
		{name: "success", in: Success("3 issues"), want: "3 issues"},
		{name: "error", in: Failure("boom", false), want: "error: boom"},
		{name: "retryable", in: Failure("timeout", true), want: "error (retryable): timeout"},
		{name: "blank error", in: Failure("  ", false), want: "error: unknown error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.Text(); got != tt.want {
				t.Fatalf("Text()=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolCallIdentity(t *testing.T) {
	if got := (ToolCall{Name: "post_message", ConnectorID: "slack"}).Identity(); got != "slack.post_message" {
		t.Fatalf("Identity()=%q", got)
	}
	if got := (ToolCall{Name: "bash"}).Identity(); got != "bash" {
		t.Fatalf("Identity()=%q", got)
	}
}

func TestMessageWithRoundsSurvivesJSON(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	msg := Message{
		ID:        "m1",
		Role:      RoleAssistant,
		Content:   "done",
		CreatedAt: now,
		ToolRounds: []ToolExecutionRound{{
			Commentary: "checking",
			Calls:      []ToolCall{{ID: "c1", Name: "bash", ConnectorID: "shell", Arguments: map[string]any{"command": "ls"}, RequestedAt: now}},
			Results:    []ToolResult{{CallID: "c1", Outcome: Success("a\nb"), Duration: 1500 * time.Millisecond}},
		}},
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Message
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back.ToolRounds) != 1 {
		t.Fatalf("rounds=%d, want 1", len(back.ToolRounds))
	}
	res, ok := back.ToolRounds[0].ResultFor("c1")
	if !ok || res.Duration != 1500*time.Millisecond || res.Outcome.Content != "a\nb" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !back.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt=%v, want %v", back.CreatedAt, now)
	}
}

func TestCloneRoundsDoesNotAlias(t *testing.T) {
	orig := []ToolExecutionRound{{Calls: []ToolCall{{ID: "a"}}, Results: []ToolResult{{CallID: "a"}}}}
	cp := CloneRounds(orig)
	cp[0].Calls[0].ID = "changed"
	if orig[0].Calls[0].ID != "a" {
		t.Fatalf("clone aliases original calls")
	}
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"extremis/internal/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorderStub struct {
	mu      sync.Mutex
	records []ExecutionRecord
}

func (r *recorderStub) Record(_ context.Context, rec ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func echoTool(name string) Tool {
	return &funcTool{
		def: functionDef(name, "echo the text argument", map[string]any{"text": map[string]any{"type": "string"}}, "text"),
		run: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return "", err
			}
			return in.Text, nil
		},
	}
}

func call(name string, args map[string]any) chat.ToolCall {
	return chat.ToolCall{ID: "c-" + name, Name: name, Arguments: args}
}

func TestRegistryDefinitionsCarryConnector(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, r.Register("alpha", echoTool("b_echo"), echoTool("a_echo")))
	require.Error(t, r.Register("beta", echoTool("a_echo")), "duplicate names are rejected")

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "a_echo", defs[0].Function.Name)
	assert.Equal(t, "alpha", defs[0].ConnectorID)
	assert.Equal(t, []string{"a_echo", "b_echo"}, r.Names())
	assert.True(t, r.Has("b_echo"))
	assert.Equal(t, "alpha", r.Connector("b_echo"))
}

func TestRegistryExecuteRecordsAudit(t *testing.T) {
	rec := &recorderStub{}
	r := NewRegistry(RegistryOptions{Recorder: rec})
	require.NoError(t, r.Register("alpha", echoTool("echo")))

	ctx := WithSessionID(context.Background(), "sess-1")
	res := r.Execute(ctx, call("echo", map[string]any{"text": "hi"}))
	assert.Equal(t, "c-echo", res.CallID)
	assert.False(t, res.Outcome.IsError())
	assert.Equal(t, "hi", res.Outcome.Content)

	require.Len(t, rec.records, 1)
	assert.Equal(t, "sess-1", rec.records[0].SessionID)
	assert.Equal(t, "alpha", rec.records[0].ConnectorID)
	assert.JSONEq(t, `{"text":"hi"}`, rec.records[0].Arguments)
}

func TestRegistryExecuteFailures(t *testing.T) {
	r := NewRegistry(RegistryOptions{Timeout: 30 * time.Millisecond})
	require.NoError(t, r.Register("x",
		&funcTool{def: functionDef("flaky", "", nil), run: func(context.Context, json.RawMessage) (string, error) {
			return "", Retryable(errors.New("rate limited"))
		}},
		&funcTool{def: functionDef("slow", "", nil), run: func(ctx context.Context, _ json.RawMessage) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}},
		&funcTool{def: functionDef("boom", "", nil), run: func(context.Context, json.RawMessage) (string, error) {
			panic("kaboom")
		}},
	))

	tests := []struct {
		name      string
		call      chat.ToolCall
		contains  string
		retryable bool
	}{
		{name: "unknown", call: call("nope", nil), contains: "unknown tool"},
		{name: "raw arguments", call: call("flaky", map[string]any{"_raw": "{bad"}), contains: "invalid arguments"},
		{name: "retryable", call: call("flaky", nil), contains: "rate limited", retryable: true},
		{name: "timeout", call: call("slow", nil), contains: "timed out", retryable: true},
		{name: "panic", call: call("boom", nil), contains: "panicked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(context.Background(), tt.call)
			require.True(t, res.Outcome.IsError())
			assert.Contains(t, res.Outcome.Message, tt.contains)
			assert.Equal(t, tt.retryable, res.Outcome.Retryable)
		})
	}
}

func TestRegistryExecuteCancelled(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, r.Register("x", &funcTool{def: functionDef("slow", "", nil), run: func(ctx context.Context, _ json.RawMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.Execute(ctx, call("slow", nil))
	assert.Equal(t, "tool call cancelled", res.Outcome.Message)
	assert.False(t, res.Outcome.Retryable)
}

func TestRegistryRequirement(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, r.Register("x",
		echoTool("plain"),
		&funcTool{
			def: functionDef("guarded", "", nil),
			run: func(context.Context, json.RawMessage) (string, error) { return "", nil },
			requirement: func(args json.RawMessage) (Requirement, error) {
				if strings.Contains(string(args), "drop") {
					return Requirement{Dangerous: true, Reason: "drops data"}, nil
				}
				return Requirement{}, nil
			},
		},
	))

	assert.False(t, r.Requirement(call("plain", nil)).Dangerous)
	assert.False(t, r.Requirement(call("guarded", map[string]any{"q": "select"})).Dangerous)
	assert.Equal(t, Requirement{Dangerous: true, Reason: "drops data"}, r.Requirement(call("guarded", map[string]any{"q": "drop"})))
	assert.True(t, r.Requirement(call("guarded", map[string]any{"_raw": "?"})).Dangerous, "unparsed arguments fail closed")
	assert.False(t, r.Requirement(call("missing", nil)).Dangerous)
}

func TestRegistrySearch(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, r.Register(GitHubConnector, GitHubTools(nil, nil, "o", "r")...))
	require.NoError(t, r.Register(SlackConnector, SlackTools(nil, "C1")...))

	all := r.Search("")
	assert.Len(t, all, 6)

	hits := r.Search("slackpost")
	require.NotEmpty(t, hits)
	assert.Equal(t, "slack_post_message", hits[0].Function.Name)
	assert.Equal(t, SlackConnector, hits[0].ConnectorID)

	assert.Empty(t, r.Search("zzzzqqq"))
}

package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"extremis/internal/chat"
	"extremis/internal/config"
	"extremis/internal/tools"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(config.AuditConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "audit.db")}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.AuditConfig{Driver: "postgres"}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}

func TestRecordAndList(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store.Record(ctx, tools.ExecutionRecord{
		SessionID: "s1", CallID: "c1", Tool: "bash", ConnectorID: "shell",
		Arguments: `{"command":"ls"}`, Outcome: chat.Success("a\nb"),
		Duration: 1500 * time.Millisecond, StartedAt: base,
	})
	store.Record(ctx, tools.ExecutionRecord{
		SessionID: "s2", CallID: "c2", Tool: "slack_post_message", ConnectorID: "slack",
		Outcome: chat.Failure("rate limited", true), StartedAt: base.Add(time.Minute),
	})

	all, err := store.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "slack_post_message", all[0].ToolName, "newest first")
	assert.False(t, all[0].Success)
	assert.True(t, all[0].Retryable)
	assert.Equal(t, "rate limited", all[0].ErrorMessage)

	s1, err := store.List(ctx, Query{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, s1, 1)
	assert.Equal(t, "a\nb", s1[0].Output)
	assert.Equal(t, int64(1500), s1[0].DurationMs)
	assert.Equal(t, "shell", s1[0].ConnectorID)

	limited, err := store.List(ctx, Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	for _, o := range []chat.Outcome{chat.Success("x"), chat.Failure("boom", false), chat.Success("y")} {
		store.Record(ctx, tools.ExecutionRecord{Tool: "bash", Outcome: o})
	}
	store.Record(ctx, tools.ExecutionRecord{Tool: "github_get_issue", Outcome: chat.Success("{}")})

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, Stats{ToolName: "bash", Total: 3, Failed: 1}, stats[0])
	assert.Equal(t, Stats{ToolName: "github_get_issue", Total: 1, Failed: 0}, stats[1])
}

func TestLargeOutputIsTruncated(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	store.Record(ctx, tools.ExecutionRecord{Tool: "bash", Outcome: chat.Success(strings.Repeat("é", maxStoredOutput))})

	rows, err := store.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Less(t, len(rows[0].Output), maxStoredOutput+32)
	assert.True(t, strings.HasSuffix(rows[0].Output, "[truncated]"))
}

type echoTool struct{}

func (echoTool) Name() string { return "echo" }
func (echoTool) Definition() chat.ToolDef {
	return chat.ToolDef{Type: "function", Function: chat.ToolFunction{Name: "echo"}}
}
func (echoTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	return string(args), nil
}

func TestRegistryWritesThroughRecorder(t *testing.T) {
	store := setupTestStore(t)
	reg := tools.NewRegistry(tools.RegistryOptions{Recorder: store, Logger: zerolog.Nop()})
	require.NoError(t, reg.Register("builtin", echoTool{}))

	ctx := tools.WithSessionID(context.Background(), "sess-9")
	res := reg.Execute(ctx, chat.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"x": 1}})
	require.False(t, res.Outcome.IsError())

	rows, err := store.List(context.Background(), Query{SessionID: "sess-9"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "builtin", rows[0].ConnectorID)
	assert.Equal(t, `{"x":1}`, rows[0].InputJSON)
}

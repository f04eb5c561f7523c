package contextmgr

import (
	"strings"
	"testing"

	"extremis/internal/chat"

	"github.com/stretchr/testify/assert"
)

// estimating is a tokenizer that never touches the BPE cache.
var estimating = &Tokenizer{encoding: defaultEncoding}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{text: "abcd", want: 1},
		{text: strings.Repeat("a", 40), want: 10},
		{text: "你好世界", want: 6},
		{text: "你好 ab", want: 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, estimateTokens(tt.text), tt.text)
	}
	assert.Zero(t, estimating.CountText(""))
	assert.False(t, estimating.Precise())
}

func TestEncodingFor(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4", "cl100k_base"},
		{"gpt-3.5-turbo", "cl100k_base"},
		{"gpt-4o-mini", "o200k_base"},
		{"GPT-4.1", "o200k_base"},
		{"o1-preview", "o200k_base"},
		{"o3-mini", "o200k_base"},
		{"qwen2.5-coder-32b-instruct", "cl100k_base"},
		{"llama3.1", "cl100k_base"},
		{"", "cl100k_base"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, encodingFor(tt.model), tt.model)
	}
}

func TestTokenizersAreShared(t *testing.T) {
	assert.Same(t, NewTokenizerForModel("gpt-4"), DefaultTokenizer())
	assert.Equal(t, "o200k_base", NewTokenizerForModel("gpt-4o").Encoding())
	assert.Positive(t, EstimateTokens([]chat.Message{{Role: chat.RoleUser, Content: "hello world"}}))
}

func TestCountIncludesFraming(t *testing.T) {
	plain := chat.Message{Role: chat.RoleAssistant, Content: "done"}
	assert.Equal(t, messageOverhead+estimateTokens("assistant")+estimateTokens("done"), estimating.Count([]chat.Message{plain}))

	withRounds := plain
	withRounds.ToolRounds = []chat.ToolExecutionRound{{
		Calls:   []chat.ToolCall{{ID: "c1", Name: "bash", Arguments: map[string]any{"command": "ls -la"}}},
		Results: []chat.ToolResult{{CallID: "c1", Outcome: chat.Success("a lot of output here")}},
	}}
	assert.Greater(t, estimating.Count([]chat.Message{withRounds}), estimating.Count([]chat.Message{plain}))
}

func TestTrimHistory(t *testing.T) {
	long := strings.Repeat("word ", 200)
	history := []chat.Message{
		{ID: "u1", Role: chat.RoleUser, Content: long},
		{ID: "a1", Role: chat.RoleAssistant, Content: long},
		{ID: "u2", Role: chat.RoleUser, Content: "short question"},
		{ID: "a2", Role: chat.RoleAssistant, Content: "short answer"},
		{ID: "u3", Role: chat.RoleUser, Content: "latest"},
	}

	assert.Len(t, estimating.TrimHistory(history, 0), len(history), "budget 0 keeps everything")
	assert.Equal(t, []string{"u2", "a2", "u3"}, ids(estimating.TrimHistory(history, 60)))
	assert.Equal(t, []string{"u3"}, ids(estimating.TrimHistory(history, 1)), "latest user message survives")
}

func ids(msgs []chat.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

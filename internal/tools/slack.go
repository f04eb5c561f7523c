package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	slackapi "github.com/slack-go/slack"
)

const SlackConnector = "slack"

// SlackAPI abstracts the slack-go client methods we use, enabling test mocks.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetConversationRepliesContext(ctx context.Context, params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error)
}

func NewSlackClient(botToken string) *slackapi.Client {
	return slackapi.New(botToken)
}

// SlackTools 暴露发送消息和读取线程
// SlackTools exposes posting a message and reading a thread. defaultChannel is
// used when the model omits the channel.
func SlackTools(api SlackAPI, defaultChannel string) []Tool {
	s := &slackConnector{api: api, channel: defaultChannel}
	return []Tool{
		&funcTool{
			def: functionDef("slack_post_message", "Post a message to a Slack channel, optionally as a thread reply",
				map[string]any{
					"channel":   map[string]any{"type": "string", "description": "channel id, defaults to the configured channel"},
					"text":      map[string]any{"type": "string"},
					"thread_ts": map[string]any{"type": "string", "description": "parent message timestamp for a thread reply"},
				}, "text"),
			run: s.post,
		},
		&funcTool{
			def: functionDef("slack_read_thread", "Read the messages of a Slack thread",
				map[string]any{
					"channel":   map[string]any{"type": "string"},
					"thread_ts": map[string]any{"type": "string"},
					"limit":     map[string]any{"type": "integer", "description": "maximum messages, default 50"},
				}, "thread_ts"),
			run: s.readThread,
		},
	}
}

type slackConnector struct {
	api     SlackAPI
	channel string
}

type slackArgs struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts"`
	Limit    int    `json:"limit"`
}

func (s *slackConnector) channelFor(in slackArgs) (string, error) {
	ch := strings.TrimSpace(in.Channel)
	if ch == "" {
		ch = s.channel
	}
	if ch == "" {
		return "", errors.New("channel is required")
	}
	return ch, nil
}

func (s *slackConnector) post(ctx context.Context, args json.RawMessage) (string, error) {
	var in slackArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	ch, err := s.channelFor(in)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Text) == "" {
		return "", errors.New("text is empty")
	}
	opts := []slackapi.MsgOption{slackapi.MsgOptionText(in.Text, false)}
	if in.ThreadTS != "" {
		opts = append(opts, slackapi.MsgOptionTS(in.ThreadTS))
	}
	channel, ts, err := s.api.PostMessageContext(ctx, ch, opts...)
	if err != nil {
		return "", slackError("post message", err)
	}
	return mustJSON(map[string]any{"ok": true, "channel": channel, "ts": ts}), nil
}

func (s *slackConnector) readThread(ctx context.Context, args json.RawMessage) (string, error) {
	var in slackArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	ch, err := s.channelFor(in)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(in.ThreadTS) == "" {
		return "", errors.New("thread_ts is required")
	}
	limit := in.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var out []map[string]any
	cursor := ""
	for {
		msgs, hasMore, next, err := s.api.GetConversationRepliesContext(ctx, &slackapi.GetConversationRepliesParameters{
			ChannelID: ch,
			Timestamp: in.ThreadTS,
			Limit:     limit,
			Cursor:    cursor,
		})
		if err != nil {
			return "", slackError("conversation replies", err)
		}
		for _, m := range msgs {
			out = append(out, map[string]any{"user": m.User, "text": m.Text, "ts": m.Timestamp})
		}
		if !hasMore || next == "" || len(out) >= limit {
			break
		}
		cursor = next
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return mustJSON(map[string]any{"ok": true, "messages": out}), nil
}

func slackError(op string, err error) error {
	wrapped := fmt.Errorf("slack %s: %w", op, err)
	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) {
		return Retryable(wrapped)
	}
	return wrapped
}

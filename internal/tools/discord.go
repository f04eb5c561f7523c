package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const DiscordConnector = "discord"

// discordContentLimit is Discord's maximum message length.
const discordContentLimit = 2000

// DiscordAPI abstracts the discordgo.Session methods we use, enabling test mocks.
type DiscordAPI interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// NewDiscordSession creates a REST-only session; the gateway is never opened.
func NewDiscordSession(botToken string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return s, nil
}

func DiscordTools(api DiscordAPI, defaultChannel string) []Tool {
	d := &discordConnector{api: api, channel: defaultChannel}
	return []Tool{
		&funcTool{
			def: functionDef("discord_send_message", "Send a message to a Discord channel",
				map[string]any{
					"channel_id": map[string]any{"type": "string", "description": "channel id, defaults to the configured channel"},
					"content":    map[string]any{"type": "string"},
				}, "content"),
			run: d.send,
		},
		&funcTool{
			def: functionDef("discord_read_channel", "Read the most recent messages of a Discord channel",
				map[string]any{
					"channel_id": map[string]any{"type": "string"},
					"limit":      map[string]any{"type": "integer", "description": "maximum messages, default 20"},
				}),
			run: d.read,
		},
	}
}

type discordConnector struct {
	api     DiscordAPI
	channel string
}

type discordArgs struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Limit     int    `json:"limit"`
}

func (d *discordConnector) channelFor(in discordArgs) (string, error) {
	ch := strings.TrimSpace(in.ChannelID)
	if ch == "" {
		ch = d.channel
	}
	if ch == "" {
		return "", errors.New("channel_id is required")
	}
	return ch, nil
}

func (d *discordConnector) send(ctx context.Context, args json.RawMessage) (string, error) {
	var in discordArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	ch, err := d.channelFor(in)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Content) == "" {
		return "", errors.New("content is empty")
	}
	if len([]rune(in.Content)) > discordContentLimit {
		return "", fmt.Errorf("content exceeds %d characters", discordContentLimit)
	}
	msg, err := d.api.ChannelMessageSend(ch, in.Content, discordgo.WithContext(ctx))
	if err != nil {
		return "", discordError("send message", err)
	}
	return mustJSON(map[string]any{"ok": true, "message_id": msg.ID, "channel_id": msg.ChannelID}), nil
}

func (d *discordConnector) read(ctx context.Context, args json.RawMessage) (string, error) {
	var in discordArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	ch, err := d.channelFor(in)
	if err != nil {
		return "", err
	}
	limit := in.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	msgs, err := d.api.ChannelMessages(ch, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return "", discordError("channel messages", err)
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		author := ""
		if m.Author != nil {
			author = m.Author.Username
		}
		out = append(out, map[string]any{
			"id":        m.ID,
			"author":    author,
			"content":   m.Content,
			"timestamp": m.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	return mustJSON(map[string]any{"ok": true, "messages": out}), nil
}

func discordError(op string, err error) error {
	wrapped := fmt.Errorf("discord %s: %w", op, err)
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		code := restErr.Response.StatusCode
		if code == http.StatusTooManyRequests || code >= 500 {
			return Retryable(wrapped)
		}
	}
	return wrapped
}

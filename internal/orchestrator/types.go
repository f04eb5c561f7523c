package orchestrator

import (
	"context"
	"errors"

	"extremis/internal/approval"
	"extremis/internal/chat"
	"extremis/internal/contextmgr"
	"extremis/internal/storage"

	"github.com/rs/zerolog"
)

var (
	// ErrBusy is returned by Retry while the session is generating.
	ErrBusy = errors.New("session is generating")
	// ErrNothingToRetry is returned when the message is unknown or has no user message before it.
	ErrNothingToRetry = errors.New("nothing to retry")
)

const (
	// ToolOnlyPlaceholder 工具轮次没有产生文本时使用的助手消息内容
	// ToolOnlyPlaceholder is the assistant text used when tool rounds produced no text.
	ToolOnlyPlaceholder = "Completed the requested tool actions."
	// StoppedSentinel is persisted when a cancelled turn produced nothing.
	StoppedSentinel = "Generation stopped."

	errEmptyResponse = "empty response from model"
)

// Store is the persistence the orchestrator writes through. A nil Store keeps
// everything in memory.
type Store interface {
	SaveMessage(ctx context.Context, sessionID string, msg chat.Message) error
	DeleteMessagesFrom(ctx context.Context, sessionID, messageID string) error
	LogPermission(ctx context.Context, entry storage.PermissionEntry) error
}

// Approver resolves approval requests; *approval.Coordinator implements it.
type Approver interface {
	Submit(ctx context.Context, sessionID string, reqs []approval.Request) ([]approval.Decision, error)
}

type Options struct {
	// MaxRounds bounds tool rounds per turn; zero means unbounded.
	MaxRounds int
	// HistoryBudget is the token budget of the history sent to the model.
	HistoryBudget int
	Tokenizer     *contextmgr.Tokenizer
	Logger        zerolog.Logger
}

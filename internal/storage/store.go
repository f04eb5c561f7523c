package storage

import (
	"context"
	"errors"

	"extremis/internal/chat"
)

// ErrNotFound is returned when a session or message does not exist.
var ErrNotFound = errors.New("not found")

// Store 会话持久化接口；消息（含工具轮次）必须无损往返
// Store persists conversations. A saved message, including its tool rounds and
// context snapshot, must load back unchanged.
type Store interface {
	// Session 操作 / Session operations
	CreateSession(ctx context.Context, meta SessionMeta) error
	SaveSession(ctx context.Context, meta SessionMeta) error
	LoadSession(ctx context.Context, id string) (SessionMeta, []chat.Message, error)
	ListSessions(ctx context.Context) ([]SessionMeta, error)
	DeleteSession(ctx context.Context, id string) error

	// Message 操作 / Message operations
	SaveMessage(ctx context.Context, sessionID string, msg chat.Message) error
	DeleteMessagesFrom(ctx context.Context, sessionID, messageID string) error

	// 审批日志 / Approval decision log
	LogPermission(ctx context.Context, entry PermissionEntry) error
	ListPermissions(ctx context.Context, sessionID string) ([]PermissionEntry, error)

	// 生命周期 / Lifecycle
	Close() error
}

// PermissionEntry 一次审批或策略决定的记录
// PermissionEntry records one approval or policy decision
type PermissionEntry struct {
	SessionID string
	Tool      string
	Decision  string
	Reason    string
	CreatedAt string
}

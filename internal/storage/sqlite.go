package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"extremis/internal/chat"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite (WAL 模式) 的会话与权限日志存储
// SQLiteStore persists sessions, messages and the permission log in SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// connPragmas go into the DSN so every pooled connection gets them, not just
// the first one; foreign_keys in particular is per connection.
var connPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
	"synchronous(NORMAL)",
}

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`CREATE TABLE sessions (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL DEFAULT '',
		model      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE messages (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq         INTEGER NOT NULL,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL DEFAULT '',
		context     TEXT NOT NULL DEFAULT '',
		tool_rounds TEXT NOT NULL DEFAULT '[]',
		created_at  TEXT NOT NULL,
		UNIQUE(session_id, seq)
	);
	CREATE INDEX idx_messages_session ON messages(session_id, seq);`,
	`CREATE TABLE permission_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		tool       TEXT NOT NULL,
		decision   TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_permission_log_session ON permission_log(session_id);`,
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	q := url.Values{"_pragma": connPragmas}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Session Operations ---

func (s *SQLiteStore) CreateSession(ctx context.Context, meta SessionMeta) error {
	now := nowUTC()
	if strings.TrimSpace(meta.CreatedAt) == "" {
		meta.CreatedAt = now
	}
	if strings.TrimSpace(meta.UpdatedAt) == "" {
		meta.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		meta.ID, meta.Title, meta.Model, meta.CreatedAt, meta.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, meta SessionMeta) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title=?, model=?, updated_at=? WHERE id=?`,
		meta.Title, meta.Model, nowUTC(), meta.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", meta.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (SessionMeta, []chat.Message, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return SessionMeta{}, nil, fmt.Errorf("session id is empty")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, model, created_at, updated_at FROM sessions WHERE id=?`, id)

	var meta SessionMeta
	if err := row.Scan(&meta.ID, &meta.Title, &meta.Model, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionMeta{}, nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return SessionMeta{}, nil, fmt.Errorf("load session: %w", err)
	}

	messages, err := s.loadMessages(ctx, id)
	if err != nil {
		return SessionMeta{}, nil, err
	}
	meta.MessageCount = len(messages)
	return meta, messages, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.model, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var metas []SessionMeta
	for rows.Next() {
		var meta SessionMeta
		if err := rows.Scan(&meta.ID, &meta.Title, &meta.Model, &meta.CreatedAt, &meta.UpdatedAt, &meta.MessageCount); err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Message Operations ---

// SaveMessage 追加消息；相同 id 的消息会被原位覆盖
// SaveMessage appends msg at the end of the session log, or rewrites it in place
// when a message with the same id already exists.
func (s *SQLiteStore) SaveMessage(ctx context.Context, sessionID string, msg chat.Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		return fmt.Errorf("message id is empty")
	}
	contextJSON := ""
	if msg.Context != nil {
		data, err := json.Marshal(msg.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		contextJSON = string(data)
	}
	roundsJSON := "[]"
	if len(msg.ToolRounds) > 0 {
		data, err := json.Marshal(msg.ToolRounds)
		if err != nil {
			return fmt.Errorf("marshal tool rounds: %w", err)
		}
		roundsJSON = string(data)
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq)+1, 0) FROM messages WHERE session_id=?", sessionID).Scan(&seq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, context, tool_rounds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content=excluded.content, context=excluded.context, tool_rounds=excluded.tool_rounds`,
		msg.ID, sessionID, seq, string(msg.Role), msg.Content, contextJSON, roundsJSON,
		createdAt.UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	// 更新 session 时间戳 / Update session timestamp
	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET updated_at=? WHERE id=?", nowUTC(), sessionID); err != nil {
		return fmt.Errorf("update session timestamp: %w", err)
	}
	return tx.Commit()
}

// DeleteMessagesFrom removes messageID and every later message of the session.
func (s *SQLiteStore) DeleteMessagesFrom(ctx context.Context, sessionID, messageID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE session_id=? AND seq >= (
			SELECT seq FROM messages WHERE session_id=? AND id=?)`,
		sessionID, sessionID, messageID)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, context, tool_rounds, created_at
		FROM messages WHERE session_id=? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var (
			msg                   chat.Message
			role, ctxJSON, rounds string
			createdAt             string
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &ctxJSON, &rounds, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = chat.Role(role)
		if ctxJSON != "" {
			var snap chat.ContextSnapshot
			if err := json.Unmarshal([]byte(ctxJSON), &snap); err != nil {
				return nil, fmt.Errorf("decode context of %s: %w", msg.ID, err)
			}
			msg.Context = &snap
		}
		if rounds != "" && rounds != "[]" {
			if err := json.Unmarshal([]byte(rounds), &msg.ToolRounds); err != nil {
				return nil, fmt.Errorf("decode tool rounds of %s: %w", msg.ID, err)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			msg.CreatedAt = t
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// --- Permission Log ---

func (s *SQLiteStore) LogPermission(ctx context.Context, entry PermissionEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_log (session_id, tool, decision, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Tool, entry.Decision, entry.Reason, nowUTC())
	if err != nil {
		return fmt.Errorf("log permission: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPermissions(ctx context.Context, sessionID string) ([]PermissionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, tool, decision, reason, created_at
		FROM permission_log WHERE session_id=? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query permission log: %w", err)
	}
	defer rows.Close()

	var out []PermissionEntry
	for rows.Next() {
		var e PermissionEntry
		if err := rows.Scan(&e.SessionID, &e.Tool, &e.Decision, &e.Reason, &e.CreatedAt); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Helpers ---

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nowUTC() string {
	return time.Now().UTC().Format(timeLayout)
}

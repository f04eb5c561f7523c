package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"extremis/internal/config"
	"extremis/internal/tools"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Execution 一次工具执行的审计记录
// Execution is the audit row of one executed tool call
type Execution struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
	SessionID    string    `gorm:"type:varchar(64);index" json:"session_id,omitempty"`
	CallID       string    `gorm:"type:varchar(128)" json:"call_id"`
	ToolName     string    `gorm:"type:varchar(255);index;not null" json:"tool_name"`
	ConnectorID  string    `gorm:"type:varchar(128);index" json:"connector_id,omitempty"`
	InputJSON    string    `gorm:"type:text" json:"input_json"`
	Output       string    `gorm:"type:text" json:"output,omitempty"`
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Success      bool      `gorm:"index" json:"success"`
	Retryable    bool      `json:"retryable,omitempty"`
}

// maxStoredOutput bounds the output column; tool output can be large.
const maxStoredOutput = 16 * 1024

// Store keeps the audit log on gorm. It implements tools.Recorder.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// Open connects the configured driver and migrates the schema.
func Open(cfg config.AuditConfig, log zerolog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("audit: unsupported driver %q", cfg.Driver)
	}
	return OpenDialector(dialector, log)
}

func OpenDialector(dialector gorm.Dialector, log zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if err := db.AutoMigrate(&Execution{}); err != nil {
		return nil, fmt.Errorf("audit: migrate schema: %w", err)
	}
	return &Store{db: db, logger: log.With().Str("component", "audit").Logger()}, nil
}

// Record writes one execution; failures are logged, never returned to the tool path.
func (s *Store) Record(ctx context.Context, rec tools.ExecutionRecord) {
	row := &Execution{
		CreatedAt:   rec.StartedAt,
		SessionID:   rec.SessionID,
		CallID:      rec.CallID,
		ToolName:    rec.Tool,
		ConnectorID: rec.ConnectorID,
		InputJSON:   rec.Arguments,
		DurationMs:  rec.Duration.Milliseconds(),
		Success:     !rec.Outcome.IsError(),
		Retryable:   rec.Outcome.Retryable,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if rec.Outcome.IsError() {
		row.ErrorMessage = rec.Outcome.Message
	} else {
		row.Output = truncate(rec.Outcome.Content, maxStoredOutput)
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		s.logger.Error().Err(err).Str("tool", rec.Tool).Msg("write audit record")
	}
}

// Query filters the audit log. Zero fields match everything.
type Query struct {
	SessionID string
	ToolName  string
	Limit     int
}

// List returns matching executions, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Execution, error) {
	tx := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if q.SessionID != "" {
		tx = tx.Where("session_id = ?", q.SessionID)
	}
	if q.ToolName != "" {
		tx = tx.Where("tool_name = ?", q.ToolName)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var out []Execution
	if err := tx.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return out, nil
}

// Stats 按工具汇总执行次数与失败次数
// Stats counts executions and failures per tool
type Stats struct {
	ToolName string `json:"tool_name"`
	Total    int64  `json:"total"`
	Failed   int64  `json:"failed"`
}

func (s *Store) Stats(ctx context.Context) ([]Stats, error) {
	var out []Stats
	err := s.db.WithContext(ctx).Model(&Execution{}).
		Select("tool_name, COUNT(*) AS total, SUM(CASE WHEN success THEN 0 ELSE 1 END) AS failed").
		Group("tool_name").
		Order("tool_name").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("audit: stats: %w", err)
	}
	return out, nil
}

// Prune deletes executions older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&Execution{})
	if res.Error != nil {
		return 0, fmt.Errorf("audit: prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n...[truncated]"
}

var errNoStore = errors.New("audit: store is nil")

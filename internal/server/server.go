package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"extremis/internal/approval"
	"extremis/internal/audit"
	"extremis/internal/chat"
	"extremis/internal/mcp"
	"extremis/internal/orchestrator"
	"extremis/internal/session"
	"extremis/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ToolSearcher lists catalog definitions; *tools.Registry implements it.
type ToolSearcher interface {
	Search(query string) []chat.ToolDef
}

// AuditReader is the read side of the audit log.
type AuditReader interface {
	List(ctx context.Context, q audit.Query) ([]audit.Execution, error)
	Stats(ctx context.Context) ([]audit.Stats, error)
}

// SessionStore is the slice of persistence the surface reads directly.
type SessionStore interface {
	ListSessions(ctx context.Context) ([]storage.SessionMeta, error)
	DeleteSession(ctx context.Context, id string) error
	ListPermissions(ctx context.Context, sessionID string) ([]storage.PermissionEntry, error)
}

// MCPStatus reports MCP server health.
type MCPStatus interface {
	Snapshots() []mcp.Snapshot
}

// Options 控制面依赖；Sessions、Orchestrator、Approvals 必填，其余可为空
// Options wires the control surface. Sessions, Orchestrator and Approvals are
// required; the rest may be nil and their endpoints answer 404.
type Options struct {
	Sessions     *session.Manager
	Orchestrator *orchestrator.Orchestrator
	Approvals    *approval.Coordinator
	Tools        ToolSearcher
	Store        SessionStore
	Audit        AuditReader
	MCP          MCPStatus
	Logger       zerolog.Logger
	// Heartbeat is the SSE keep-alive interval; zero means 15s.
	Heartbeat time.Duration
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts Options) (*gin.Engine, error) {
	if opts.Sessions == nil || opts.Orchestrator == nil || opts.Approvals == nil {
		return nil, errors.New("server: sessions, orchestrator and approvals are required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))
	registerRoutes(router, &handlers{opts: opts})
	return router, nil
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, addr string, opts Options, out io.Writer) error {
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if out != nil {
		fmt.Fprintf(out, "extremis listening on http://%s\n", addr)
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"extremis/internal/config"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
)

type Status string

const (
	StatusConfigured Status = "configured"
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusDegraded   Status = "degraded"
)

const (
	protocolVersion  = "2025-06-18"
	defaultTimeoutMS = 30000
)

// Client is the subset of the mcp-go client the manager uses.
type Client interface {
	Initialize(ctx context.Context, req mcptypes.InitializeRequest) (*mcptypes.InitializeResult, error)
	ListTools(ctx context.Context, req mcptypes.ListToolsRequest) (*mcptypes.ListToolsResult, error)
	CallTool(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error)
	Close() error
}

// DialFunc opens a transport to one configured server.
type DialFunc func(ctx context.Context, cfg config.MCPServerConfig) (Client, error)

// Server 单个 MCP 服务器的连接与工具列表
// Server is one configured MCP server, its connection and its discovered tools
type Server struct {
	cfg       config.MCPServerConfig
	dial      DialFunc
	mu        sync.Mutex
	status    Status
	lastError string
	client    Client
	tools     []mcptypes.Tool
}

type Manager struct {
	servers map[string]*Server
	logger  zerolog.Logger
}

type Snapshot struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
	Tools     int    `json:"tools"`
	TimeoutMS int    `json:"timeout_ms"`
}

func NewManager(cfg config.MCPConfig, logger zerolog.Logger) *Manager {
	return NewManagerWithDialer(cfg, Dial, logger)
}

func NewManagerWithDialer(cfg config.MCPConfig, dial DialFunc, logger zerolog.Logger) *Manager {
	m := &Manager{servers: map[string]*Server{}, logger: logger}
	for _, s := range cfg.Servers {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			continue
		}
		m.servers[name] = &Server{cfg: s, dial: dial, status: StatusConfigured}
	}
	return m
}

// StartEnabled connects every enabled server. A server that fails stays degraded
// and is skipped; the others keep working.
func (m *Manager) StartEnabled(ctx context.Context) {
	for _, s := range m.Servers() {
		if !s.cfg.Enabled {
			continue
		}
		if err := s.Start(ctx); err != nil {
			m.logger.Warn().Err(err).Str("server", s.Name()).Msg("mcp server unavailable")
			continue
		}
		m.logger.Info().Str("server", s.Name()).Int("tools", len(s.Tools())).Msg("mcp server ready")
	}
}

// Servers returns servers sorted by name.
func (m *Manager) Servers() []*Server {
	out := make([]*Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.Name < out[j].cfg.Name })
	return out
}

func (m *Manager) Snapshots() []Snapshot {
	servers := m.Servers()
	out := make([]Snapshot, 0, len(servers))
	for _, s := range servers {
		s.mu.Lock()
		out = append(out, Snapshot{
			Name:      s.cfg.Name,
			Enabled:   s.cfg.Enabled,
			Status:    s.status,
			Error:     s.lastError,
			Tools:     len(s.tools),
			TimeoutMS: s.timeoutMS(),
		})
		s.mu.Unlock()
	}
	return out
}

func (m *Manager) Close() error {
	var errs []error
	for _, s := range m.Servers() {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mcp %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) Name() string {
	return s.cfg.Name
}

// ConnectorID is the connector the server's tools register under.
func (s *Server) ConnectorID() string {
	return "mcp_" + sanitizeName(s.cfg.Name)
}

// Dangerous reports whether every tool of this server needs explicit approval.
func (s *Server) Dangerous() bool {
	return s.cfg.Dangerous
}

func (s *Server) Tools() []mcptypes.Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mcptypes.Tool(nil), s.tools...)
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		s.status = StatusConfigured
		return nil
	}
	if s.client != nil {
		s.status = StatusReady
		return nil
	}

	s.status = StatusStarting
	startCtx, cancel := context.WithTimeout(ctx, time.Duration(s.timeoutMS())*time.Millisecond)
	defer cancel()

	c, err := s.dial(startCtx, s.cfg)
	if err != nil {
		return s.failLocked(fmt.Errorf("dial: %w", err))
	}
	_, err = c.Initialize(startCtx, mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: protocolVersion,
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo:      mcptypes.Implementation{Name: "extremis", Version: "1.0.0"},
		},
	})
	if err != nil {
		_ = c.Close()
		return s.failLocked(fmt.Errorf("initialize: %w", err))
	}
	listed, err := c.ListTools(startCtx, mcptypes.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return s.failLocked(fmt.Errorf("list tools: %w", err))
	}

	s.client = c
	s.tools = listed.Tools
	s.status = StatusReady
	s.lastError = ""
	return nil
}

// Call invokes one tool and returns its text content. A result flagged as an
// error by the server is returned as an error carrying that text.
func (s *Server) Call(ctx context.Context, tool string, args map[string]any) (string, error) {
	s.mu.Lock()
	c := s.client
	timeout := s.timeoutMS()
	s.mu.Unlock()
	if c == nil {
		if err := s.Start(ctx); err != nil {
			return "", err
		}
		s.mu.Lock()
		c = s.client
		s.mu.Unlock()
		if c == nil {
			return "", fmt.Errorf("mcp %s is not enabled", s.cfg.Name)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
	defer cancel()
	res, err := c.CallTool(callCtx, mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{Name: tool, Arguments: args},
	})
	if err != nil {
		if ctx.Err() == nil {
			s.mu.Lock()
			s.markErrorLocked(err)
			s.mu.Unlock()
		}
		return "", fmt.Errorf("mcp %s/%s: %w", s.cfg.Name, tool, err)
	}
	text := resultText(res)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.status = StatusConfigured
	return err
}

func (s *Server) timeoutMS() int {
	if s.cfg.TimeoutMS > 0 {
		return s.cfg.TimeoutMS
	}
	return defaultTimeoutMS
}

func (s *Server) failLocked(err error) error {
	s.status = StatusDegraded
	s.lastError = err.Error()
	return fmt.Errorf("mcp %s: %w", s.cfg.Name, err)
}

// markErrorLocked drops the connection so the next call reconnects.
func (s *Server) markErrorLocked(err error) {
	s.lastError = err.Error()
	s.status = StatusDegraded
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
}

func resultText(res *mcptypes.CallToolResult) string {
	if res == nil {
		return ""
	}
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcptypes.TextContent:
			parts = append(parts, v.Text)
		case *mcptypes.TextContent:
			parts = append(parts, v.Text)
		case mcptypes.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s]", v.MIMEType))
		case mcptypes.EmbeddedResource:
			parts = append(parts, "[embedded resource]")
		}
	}
	return strings.Join(parts, "\n")
}

// Dial connects over streamable HTTP when url is set, otherwise spawns the command over stdio.
func Dial(ctx context.Context, cfg config.MCPServerConfig) (Client, error) {
	if url := strings.TrimSpace(cfg.URL); url != "" {
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err := client.NewStreamableHttpClient(url, opts...)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http transport: %w", err)
		}
		return c, nil
	}
	if len(cfg.Command) == 0 {
		return nil, errors.New("missing command")
	}
	env := os.Environ()
	for k, v := range cfg.Environment {
		env = append(env, k+"="+v)
	}
	return client.NewStdioMCPClient(cfg.Command[0], env, cfg.Command[1:]...)
}

func sanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, ".", "_")
	return name
}

// ToolName is the catalog name of a server tool.
func ToolName(server, tool string) string {
	return "mcp_" + sanitizeName(server) + "__" + sanitizeName(tool)
}

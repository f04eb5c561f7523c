package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"extremis/internal/approval"
	"extremis/internal/audit"
	"extremis/internal/config"
	"extremis/internal/contextmgr"
	"extremis/internal/mcp"
	"extremis/internal/orchestrator"
	"extremis/internal/permission"
	"extremis/internal/provider"
	"extremis/internal/server"
	"extremis/internal/session"
	"extremis/internal/storage"
	"extremis/internal/tools"

	"github.com/rs/zerolog"
)

// Options 覆盖构建过程中的外部依赖，主要供测试使用
// Options overrides external dependencies of Build, mostly for tests.
type Options struct {
	Logger zerolog.Logger
	// Provider replaces the configured model backend when set.
	Provider provider.Provider
	// MCPDialer replaces the real MCP transport when set.
	MCPDialer mcp.DialFunc
}

// BuildResult 与 UI 无关的构建结果，供 CLI 与 HTTP 控制面共用
// BuildResult is UI-agnostic; the REPL and the HTTP surface both run on it.
type BuildResult struct {
	Config        config.Config
	Logger        zerolog.Logger
	Store         *storage.SQLiteStore
	Audit         *audit.Store
	Pruner        *audit.Pruner
	Registry      *tools.Registry
	MCP           *mcp.Manager
	Policy        *permission.Policy
	Approvals     *approval.Coordinator
	Provider      provider.Provider
	Orch          *orchestrator.Orchestrator
	Sessions      *session.Manager
	WorkspaceRoot string
}

// Build 按依赖顺序初始化：存储、审计、工具目录、审批协调器、模型、编排器、会话管理器。
// 调用方负责 defer result.Close()
// Build initializes in dependency order: stores, audit, catalog, coordinator,
// model, orchestrator, session manager. The caller must defer result.Close().
func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	log := opts.Logger
	res := &BuildResult{Config: cfg, Logger: log}
	ok := false
	defer func() {
		if !ok {
			_ = res.Close(context.Background())
		}
	}()

	root, err := resolveWorkspaceRoot(cfg)
	if err != nil {
		return nil, err
	}
	res.WorkspaceRoot = root

	if err := os.MkdirAll(cfg.Storage.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	res.Store, err = storage.NewSQLiteStore(filepath.Join(cfg.Storage.BaseDir, "extremis.db"))
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	if err := res.openAudit(ctx, cfg.Audit); err != nil {
		return nil, err
	}

	var recorder tools.Recorder
	if res.Audit != nil {
		recorder = res.Audit
	}
	res.Registry = tools.NewRegistry(tools.RegistryOptions{
		Timeout:  msDuration(cfg.Runtime.ToolTimeoutMS),
		Recorder: recorder,
		Logger:   log,
	})
	if opts.MCPDialer != nil {
		res.MCP = mcp.NewManagerWithDialer(cfg.MCP, opts.MCPDialer, log.With().Str("component", "mcp").Logger())
	} else {
		res.MCP = mcp.NewManager(cfg.MCP, log.With().Str("component", "mcp").Logger())
	}
	if err := registerConnectors(ctx, res.Registry, res.MCP, cfg, root, log); err != nil {
		return nil, err
	}

	res.Policy = permission.New(cfg.Permission)
	res.Approvals = approval.NewCoordinator(log)

	res.Provider = opts.Provider
	if res.Provider == nil {
		res.Provider, err = newProvider(cfg.Provider)
		if err != nil {
			return nil, err
		}
	}
	gen := provider.NewGenerator(res.Provider, provider.GeneratorOptions{
		SystemPrompt: systemPrompt(cfg.Provider.SystemPrompt),
		Temperature:  cfg.Provider.Temperature,
		MaxTokens:    cfg.Provider.MaxTokens,
		Logger:       log,
	})

	res.Orch = orchestrator.New(gen, res.Registry, res.Approvals, res.Store, res.Policy, orchestrator.Options{
		MaxRounds:     cfg.Runtime.MaxRounds,
		HistoryBudget: cfg.Runtime.HistoryTokenBudget,
		Tokenizer:     contextmgr.NewTokenizerForModel(res.Provider.CurrentModel()),
		Logger:        log,
	})
	res.Sessions = session.NewManager(res.Store, res.Approvals, res.Provider.CurrentModel(), log)

	log.Debug().
		Str("workspace", root).
		Str("provider", res.Provider.Name()).
		Str("model", res.Provider.CurrentModel()).
		Int("tools", len(res.Registry.Names())).
		Msg("bootstrap complete")
	ok = true
	return res, nil
}

func (r *BuildResult) openAudit(ctx context.Context, cfg config.AuditConfig) error {
	if !cfg.Enabled {
		return nil
	}
	store, err := audit.Open(cfg, r.Logger)
	if err != nil {
		return fmt.Errorf("init audit: %w", err)
	}
	r.Audit = store
	pruner, err := audit.NewPruner(store, cfg.RetentionDays, cfg.PruneSchedule, r.Logger)
	if err != nil {
		return err
	}
	r.Pruner = pruner
	pruner.Start(ctx)
	return nil
}

// ServerOptions exposes the build to the HTTP control surface.
func (r *BuildResult) ServerOptions() server.Options {
	opts := server.Options{
		Sessions:     r.Sessions,
		Orchestrator: r.Orch,
		Approvals:    r.Approvals,
		Tools:        r.Registry,
		Store:        r.Store,
		MCP:          r.MCP,
		Logger:       r.Logger,
	}
	if r.Audit != nil {
		opts.Audit = r.Audit
	}
	return opts
}

// Close 取消所有生成、解决所有待审批请求并释放存储
// Close cancels every generation, dismisses every pending approval and releases the stores.
func (r *BuildResult) Close(ctx context.Context) error {
	var errs []error
	if r.Sessions != nil {
		r.Sessions.CloseAll(ctx)
	}
	if r.Pruner != nil {
		r.Pruner.Stop()
	}
	if r.MCP != nil {
		errs = append(errs, r.MCP.Close())
	}
	if r.Audit != nil {
		errs = append(errs, r.Audit.Close())
	}
	if r.Store != nil {
		errs = append(errs, r.Store.Close())
	}
	return errors.Join(errs...)
}

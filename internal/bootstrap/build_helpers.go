package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"extremis/internal/config"
	"extremis/internal/defaults"
	"extremis/internal/mcp"
	"extremis/internal/provider"
	"extremis/internal/security"
	"extremis/internal/tools"

	"github.com/rs/zerolog"
)

func resolveWorkspaceRoot(cfg config.Config) (string, error) {
	root := strings.TrimSpace(cfg.Shell.WorkDir)
	if root == "" {
		return "", fmt.Errorf("workspace root is empty")
	}
	ws, err := security.NewWorkspace(root)
	if err != nil {
		return "", fmt.Errorf("init workspace: %w", err)
	}
	return ws.Root(), nil
}

func newProvider(cfg config.ProviderConfig) (provider.Provider, error) {
	switch cfg.Kind {
	case "", "openai":
		return provider.NewOpenAIProvider(provider.OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			TimeoutMS:   cfg.TimeoutMS,
			MaxRetries:  cfg.MaxRetries,
			Temperature: cfg.Temperature,
		}), nil
	case "ollama":
		p, err := provider.NewOllamaProvider(provider.OllamaConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			TimeoutMS: cfg.TimeoutMS,
		})
		if err != nil {
			return nil, fmt.Errorf("init provider: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

func systemPrompt(configured string) string {
	if p := strings.TrimSpace(configured); p != "" {
		return p
	}
	return strings.TrimSpace(defaults.DefaultSystemPrompt)
}

// registerConnectors 注册配置中启用的连接器；单个 MCP 服务器失败只会降级，不会中断启动
// registerConnectors registers every enabled connector. A failing MCP server is
// degraded and skipped; it never aborts startup.
func registerConnectors(ctx context.Context, reg *tools.Registry, mcpManager *mcp.Manager, cfg config.Config, root string, log zerolog.Logger) error {
	ws, err := security.NewWorkspace(root)
	if err != nil {
		return fmt.Errorf("init workspace: %w", err)
	}
	if cfg.Shell.Enabled {
		shell := tools.ShellTools(ws, tools.ShellOptions{
			Timeout:           msDuration(cfg.Shell.CommandTimeoutMS),
			OutputLimit:       cfg.Shell.OutputLimitBytes,
			DangerousPatterns: cfg.Shell.DangerousPatterns,
		})
		if err := reg.Register(tools.ShellConnector, shell...); err != nil {
			return err
		}
	}
	if cfg.Workspace.Enabled {
		if err := reg.Register(tools.WorkspaceConnector, tools.WorkspaceTools(ws)...); err != nil {
			return err
		}
	}
	if cfg.Web.Enabled {
		web := tools.WebTools(tools.WebOptions{
			Timeout:   msDuration(cfg.Web.TimeoutMS),
			MaxBytes:  cfg.Web.MaxBytes,
			UserAgent: cfg.Web.UserAgent,
		})
		if err := reg.Register(tools.WebConnector, web...); err != nil {
			return err
		}
	}

	if cfg.GitHub.Enabled {
		client, err := tools.NewGitHubClient(ctx, cfg.GitHub.Token, cfg.GitHub.BaseURL)
		if err != nil {
			return fmt.Errorf("init github: %w", err)
		}
		if err := reg.Register(tools.GitHubConnector, tools.GitHubTools(client.Issues, client.Search, cfg.GitHub.Owner, cfg.GitHub.Repo)...); err != nil {
			return err
		}
	}

	if cfg.Slack.Enabled {
		api := tools.NewSlackClient(cfg.Slack.BotToken)
		if err := reg.Register(tools.SlackConnector, tools.SlackTools(api, cfg.Slack.Channel)...); err != nil {
			return err
		}
	}

	if cfg.Discord.Enabled {
		api, err := tools.NewDiscordSession(cfg.Discord.BotToken)
		if err != nil {
			return err
		}
		if err := reg.Register(tools.DiscordConnector, tools.DiscordTools(api, cfg.Discord.ChannelID)...); err != nil {
			return err
		}
	}

	mcpManager.StartEnabled(ctx)
	for _, server := range mcpManager.Servers() {
		proxies := tools.MCPTools(server)
		if len(proxies) == 0 {
			continue
		}
		if err := reg.Register(server.ConnectorID(), proxies...); err != nil {
			log.Warn().Err(err).Str("server", server.Name()).Msg("skip mcp tools")
		}
	}
	return nil
}

func msDuration(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

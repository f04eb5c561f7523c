package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

type ProviderConfig struct {
	Kind         string   `toml:"kind" validate:"oneof=openai ollama"`
	BaseURL      string   `toml:"base_url"`
	Model        string   `toml:"model" validate:"required"`
	APIKey       string   `toml:"api_key"`
	TimeoutMS    int      `toml:"timeout_ms" validate:"gte=0"`
	MaxRetries   int      `toml:"max_retries" validate:"gte=0,lte=10"`
	Temperature  *float64 `toml:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens    int      `toml:"max_tokens" validate:"gte=0"`
	SystemPrompt string   `toml:"system_prompt"`
}

type RuntimeConfig struct {
	// MaxRounds 单次生成允许的最大工具轮数
	// MaxRounds bounds the tool rounds of one generation
	MaxRounds          int `toml:"max_rounds" validate:"gte=1,lte=256"`
	HistoryTokenBudget int `toml:"history_token_budget" validate:"gte=256"`
	ToolTimeoutMS      int `toml:"tool_timeout_ms" validate:"gte=0"`
}

type StorageConfig struct {
	BaseDir string `toml:"base_dir" validate:"required"`
}

type AuditConfig struct {
	Enabled       bool   `toml:"enabled"`
	Driver        string `toml:"driver" validate:"oneof=sqlite mysql"`
	DSN           string `toml:"dsn" validate:"required_if=Driver mysql"`
	RetentionDays int    `toml:"retention_days" validate:"gte=0"`
	PruneSchedule string `toml:"prune_schedule"`
}

type PermissionConfig struct {
	Default    string            `toml:"default" validate:"omitempty,oneof=allow ask deny"`
	Tools      map[string]string `toml:"tools" validate:"dive,oneof=allow ask deny"`
	Connectors map[string]string `toml:"connectors" validate:"dive,oneof=allow ask deny"`
	// Shell maps command glob patterns to decisions; "*" is the shell default.
	Shell map[string]string `toml:"shell" validate:"dive,oneof=allow ask deny"`
	// CommandAllowlist 记录“始终同意的命令”（按命令名归一化）。
	// CommandAllowlist stores command names that are allowed when a rule would ask.
	CommandAllowlist []string `toml:"command_allowlist"`
}

type ShellConfig struct {
	Enabled           bool     `toml:"enabled"`
	WorkDir           string   `toml:"work_dir"`
	CommandTimeoutMS  int      `toml:"command_timeout_ms" validate:"gte=0"`
	OutputLimitBytes  int      `toml:"output_limit_bytes" validate:"gte=0"`
	DangerousPatterns []string `toml:"dangerous_patterns"`
}

// WorkspaceConfig enables the read-only file tools rooted at shell.work_dir.
type WorkspaceConfig struct {
	Enabled bool `toml:"enabled"`
}

type WebConfig struct {
	Enabled   bool   `toml:"enabled"`
	TimeoutMS int    `toml:"timeout_ms" validate:"gte=0"`
	MaxBytes  int64  `toml:"max_bytes" validate:"gte=0"`
	UserAgent string `toml:"user_agent"`
}

type GitHubConfig struct {
	Enabled bool   `toml:"enabled"`
	Token   string `toml:"token"`
	BaseURL string `toml:"base_url" validate:"omitempty,url"`
	Owner   string `toml:"owner"`
	Repo    string `toml:"repo"`
}

type SlackConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token" validate:"required_if=Enabled true"`
	Channel  string `toml:"channel"`
}

type DiscordConfig struct {
	Enabled   bool   `toml:"enabled"`
	BotToken  string `toml:"bot_token" validate:"required_if=Enabled true"`
	ChannelID string `toml:"channel_id"`
}

type MCPServerConfig struct {
	Name        string            `toml:"name" validate:"required"`
	Enabled     bool              `toml:"enabled"`
	Command     []string          `toml:"command"`
	URL         string            `toml:"url" validate:"omitempty,url"`
	Environment map[string]string `toml:"environment"`
	Headers     map[string]string `toml:"headers"`
	TimeoutMS   int               `toml:"timeout_ms" validate:"gte=0"`
	// Dangerous forces explicit approval for every tool of the server.
	Dangerous bool `toml:"dangerous"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `toml:"servers" validate:"dive"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=trace debug info warn error"`
	Format string `toml:"format" validate:"oneof=auto console json"`
}

type Config struct {
	Provider   ProviderConfig   `toml:"provider"`
	Runtime    RuntimeConfig    `toml:"runtime"`
	Storage    StorageConfig    `toml:"storage"`
	Audit      AuditConfig      `toml:"audit"`
	Permission PermissionConfig `toml:"permission"`
	Shell      ShellConfig      `toml:"shell"`
	Workspace  WorkspaceConfig  `toml:"workspace"`
	Web        WebConfig        `toml:"web"`
	GitHub     GitHubConfig     `toml:"github"`
	Slack      SlackConfig      `toml:"slack"`
	Discord    DiscordConfig    `toml:"discord"`
	MCP        MCPConfig        `toml:"mcp"`
	Server     ServerConfig     `toml:"server"`
	Log        LogConfig        `toml:"log"`
}

func Default() Config {
	return Config{
		Provider: ProviderConfig{
			Kind:       "openai",
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			TimeoutMS:  120000,
			MaxRetries: 2,
		},
		Runtime: RuntimeConfig{
			MaxRounds:          DefaultMaxRounds,
			HistoryTokenBudget: DefaultHistoryTokenBudget,
			ToolTimeoutMS:      DefaultToolTimeoutMS,
		},
		Storage: StorageConfig{BaseDir: "~/.extremis"},
		Audit: AuditConfig{
			Enabled:       true,
			Driver:        "sqlite",
			RetentionDays: DefaultAuditRetentionDays,
			PruneSchedule: "@daily",
		},
		Permission: PermissionConfig{
			Default:    "ask",
			Connectors: map[string]string{"workspace": "allow"},
			Tools: map[string]string{
				"github_search_issues": "allow",
				"github_get_issue":     "allow",
				"slack_read_thread":    "allow",
				"discord_read_channel": "allow",
			},
			Shell: map[string]string{
				"*":          "ask",
				"ls *":       "allow",
				"cat *":      "allow",
				"grep *":     "allow",
				"git status": "allow",
				"git diff *": "allow",
				"go test *":  "allow",
			},
		},
		Shell: ShellConfig{
			Enabled:          true,
			CommandTimeoutMS: 120000,
			OutputLimitBytes: 1 << 20,
		},
		Workspace: WorkspaceConfig{Enabled: true},
		Web:       WebConfig{TimeoutMS: 30000, MaxBytes: 2 << 20},
		Server: ServerConfig{Addr: "127.0.0.1:7431"},
		Log:    LogConfig{Level: "info", Format: "auto"},
	}
}

// Load 按全局配置、项目配置、显式路径、环境变量的顺序叠加
// Load layers the global config, the project config (or the explicit path) and
// environment overrides over the defaults, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	for _, globalPath := range globalConfigPaths() {
		if err := mergeFromFile(&cfg, globalPath); err != nil {
			return Config{}, err
		}
	}

	resolvedPath := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("EXTREMIS_CONFIG")); envPath != "" && resolvedPath == "" {
		resolvedPath = envPath
	}
	if resolvedPath == "" {
		resolvedPath = findProjectConfigPath()
	} else if _, err := os.Stat(resolvedPath); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", resolvedPath, err)
	}
	if err := mergeFromFile(&cfg, resolvedPath); err != nil {
		return Config{}, err
	}

	cfg, err := applyEnv(cfg)
	if err != nil {
		return Config{}, err
	}
	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and reports every failing field in one error.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func globalConfigPaths() []string {
	var out []string
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		out = append(out, filepath.Join(xdg, "extremis", "config.toml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".extremis", "config.toml"))
	}
	return out
}

func findProjectConfigPath() string {
	candidates := []string{
		"extremis.toml",
		".extremis/config.toml",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// mergeFromFile decodes path over cfg; keys absent from the file keep their value.
func mergeFromFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	resolved, err := expandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", resolved, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return fmt.Errorf("parse config %q: %w", resolved, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config %q: unknown keys: %s", resolved, strings.Join(keys, ", "))
	}
	return nil
}

func normalize(cfg *Config) error {
	def := Default()
	cfg.Provider.Kind = strings.ToLower(strings.TrimSpace(cfg.Provider.Kind))
	if cfg.Provider.Kind == "" {
		cfg.Provider.Kind = def.Provider.Kind
	}
	cfg.Provider.Model = strings.TrimSpace(cfg.Provider.Model)
	if cfg.Provider.TimeoutMS <= 0 {
		cfg.Provider.TimeoutMS = def.Provider.TimeoutMS
	}

	if cfg.Runtime.MaxRounds <= 0 {
		cfg.Runtime.MaxRounds = def.Runtime.MaxRounds
	}
	if cfg.Runtime.HistoryTokenBudget <= 0 {
		cfg.Runtime.HistoryTokenBudget = def.Runtime.HistoryTokenBudget
	}

	storageDir, err := expandPath(cfg.Storage.BaseDir)
	if err != nil {
		return err
	}
	cfg.Storage.BaseDir = storageDir

	cfg.Audit.Driver = strings.ToLower(strings.TrimSpace(cfg.Audit.Driver))
	if cfg.Audit.Driver == "" {
		cfg.Audit.Driver = def.Audit.Driver
	}
	if cfg.Audit.Driver == "sqlite" && strings.TrimSpace(cfg.Audit.DSN) == "" {
		cfg.Audit.DSN = filepath.Join(cfg.Storage.BaseDir, "audit.db")
	}

	cfg.Permission.Default = strings.ToLower(strings.TrimSpace(cfg.Permission.Default))
	if cfg.Permission.Default == "" {
		cfg.Permission.Default = "ask"
	}
	cfg.Permission.Tools = lowerValues(cfg.Permission.Tools)
	cfg.Permission.Connectors = lowerValues(cfg.Permission.Connectors)
	cfg.Permission.Shell = lowerValues(cfg.Permission.Shell)

	// 归一化 command_allowlist：按命令名小写存储，去重。
	if len(cfg.Permission.CommandAllowlist) > 0 {
		seen := map[string]struct{}{}
		norm := make([]string, 0, len(cfg.Permission.CommandAllowlist))
		for _, raw := range cfg.Permission.CommandAllowlist {
			name := NormalizeCommandName(raw)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			norm = append(norm, name)
		}
		cfg.Permission.CommandAllowlist = norm
	}

	if strings.TrimSpace(cfg.Shell.WorkDir) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.Shell.WorkDir = wd
	} else {
		wd, err := expandPath(cfg.Shell.WorkDir)
		if err != nil {
			return err
		}
		cfg.Shell.WorkDir = wd
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	return nil
}

func applyEnv(cfg Config) (Config, error) {
	if v := strings.TrimSpace(os.Getenv("EXTREMIS_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("EXTREMIS_MODEL")); v != "" {
		cfg.Provider.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("EXTREMIS_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	} else if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("EXTREMIS_MAX_ROUNDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid EXTREMIS_MAX_ROUNDS: %q", v)
		}
		cfg.Runtime.MaxRounds = n
	}
	if v := strings.TrimSpace(os.Getenv("EXTREMIS_HOME")); v != "" {
		cfg.Storage.BaseDir = v
	}
	if v := strings.TrimSpace(os.Getenv("GITHUB_TOKEN")); v != "" {
		cfg.GitHub.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("SLACK_BOT_TOKEN")); v != "" {
		cfg.Slack.BotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")); v != "" {
		cfg.Discord.BotToken = v
	}
	return cfg, nil
}

func lowerValues(in map[string]string) map[string]string {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.TrimSpace(k)] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

// NormalizeCommandName 归一化命令名：去掉前置环境变量，取命令基名并转为小写。
// NormalizeCommandName normalizes a shell command to its base name (lowercased), ignoring leading env assignments.
func NormalizeCommandName(command string) string {
	s := strings.TrimSpace(command)
	if s == "" {
		return ""
	}
	parts := strings.Fields(s)
	for _, part := range parts {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		// 跳过形如 KEY=VAL 的前置环境变量（不含路径分隔符）。
		if strings.Contains(p, "=") && !strings.Contains(p, "/") {
			continue
		}
		name := p
		if strings.ContainsRune(name, '/') {
			name = filepath.Base(name)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		return name
	}
	return ""
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return filepath.Abs(path)
}

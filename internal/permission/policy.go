package permission

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"extremis/internal/chat"
	"extremis/internal/config"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAsk   Decision = "ask"
	DecisionDeny  Decision = "deny"
)

// shellTool is the catalog name of the shell connector's tool.
const shellTool = "bash"

type Result struct {
	Decision Decision
	Reason   string
}

// Policy 按工具、连接器和 shell 命令模式给出 allow/ask/deny
// Policy decides allow/ask/deny per tool, per connector and per shell command pattern
type Policy struct {
	mu  sync.RWMutex
	cfg config.PermissionConfig
}

func New(cfg config.PermissionConfig) *Policy {
	return &Policy{cfg: cfg}
}

// Decide applies, in order: the tool rule, the shell pattern rules (shell tool
// only), the connector rule, then the default.
func (p *Policy) Decide(call chat.ToolCall) Result {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tool := strings.ToLower(strings.TrimSpace(call.Name))
	if tool == "" {
		return Result{Decision: DecisionAsk, Reason: "tool missing"}
	}

	if rule, ok := p.cfg.Tools[tool]; ok {
		return result(normalizeDecision(rule, p.defaultDecision()), "tool")
	}
	if tool == shellTool {
		command, _ := call.Arguments["command"].(string)
		return p.decideShell(command)
	}
	if rule, ok := p.cfg.Connectors[strings.ToLower(call.ConnectorID)]; ok {
		return result(normalizeDecision(rule, p.defaultDecision()), "connector "+call.ConnectorID)
	}
	return result(p.defaultDecision(), "default")
}

func result(d Decision, scope string) Result {
	switch d {
	case DecisionAllow:
		return Result{Decision: DecisionAllow}
	case DecisionDeny:
		return Result{Decision: DecisionDeny, Reason: fmt.Sprintf("blocked by %s policy", scope)}
	default:
		return Result{Decision: DecisionAsk, Reason: fmt.Sprintf("%s policy requires approval", scope)}
	}
}

func (p *Policy) decideShell(command string) Result {
	command = strings.TrimSpace(command)
	decision := normalizeDecision(p.cfg.Shell["*"], p.connectorOrDefault("shell"))
	if command == "" {
		return result(decision, "shell")
	}

	patterns := make([]string, 0, len(p.cfg.Shell))
	for pattern := range p.cfg.Shell {
		if pattern == "*" {
			continue
		}
		patterns = append(patterns, pattern)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) > len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})
	for _, pattern := range patterns {
		ok, err := filepath.Match(pattern, command)
		if err != nil {
			continue
		}
		if ok {
			decision = normalizeDecision(p.cfg.Shell[pattern], decision)
			break
		}
	}

	// allowlist：当策略决策为 ask 且命中 command_allowlist 时，直接 allow。
	if decision == DecisionAsk && p.isAllowedByCommandAllowlist(command) {
		return Result{Decision: DecisionAllow}
	}
	return result(decision, "shell")
}

func (p *Policy) connectorOrDefault(connector string) Decision {
	if rule, ok := p.cfg.Connectors[connector]; ok {
		return normalizeDecision(rule, p.defaultDecision())
	}
	return p.defaultDecision()
}

// isAllowedByCommandAllowlist 判断给定命令是否命中 command_allowlist。
// isAllowedByCommandAllowlist checks whether the given command is allowed by command_allowlist.
func (p *Policy) isAllowedByCommandAllowlist(command string) bool {
	if len(p.cfg.CommandAllowlist) == 0 {
		return false
	}
	name := config.NormalizeCommandName(command)
	if name == "" {
		return false
	}
	for _, raw := range p.cfg.CommandAllowlist {
		if strings.ToLower(strings.TrimSpace(raw)) == name {
			return true
		}
	}
	return false
}

// AddToCommandAllowlist 追加命令名到 allowlist，返回是否实际新增。
// AddToCommandAllowlist appends a command name to the allowlist and returns true if it was newly added.
func (p *Policy) AddToCommandAllowlist(commandName string) bool {
	name := config.NormalizeCommandName(commandName)
	if name == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, raw := range p.cfg.CommandAllowlist {
		if strings.ToLower(strings.TrimSpace(raw)) == name {
			return false
		}
	}
	p.cfg.CommandAllowlist = append(p.cfg.CommandAllowlist, name)
	return true
}

func (p *Policy) defaultDecision() Decision {
	return normalizeDecision(p.cfg.Default, DecisionAsk)
}

func normalizeDecision(raw string, fallback Decision) Decision {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case string(DecisionAllow):
		return DecisionAllow
	case string(DecisionAsk):
		return DecisionAsk
	case string(DecisionDeny):
		return DecisionDeny
	default:
		return fallback
	}
}

// Summary 返回当前权限矩阵的简短描述（供 /permissions 展示）
func (p *Policy) Summary() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	parts := []string{"default: " + string(p.defaultDecision())}
	parts = append(parts, sortedRules("tool", p.cfg.Tools)...)
	parts = append(parts, sortedRules("connector", p.cfg.Connectors)...)
	parts = append(parts, sortedRules("shell", p.cfg.Shell)...)
	if len(p.cfg.CommandAllowlist) > 0 {
		parts = append(parts, "allowlist: "+strings.Join(p.cfg.CommandAllowlist, " "))
	}
	return strings.Join(parts, ", ")
}

func sortedRules(kind string, rules map[string]string) []string {
	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s %s: %s", kind, k, rules[k]))
	}
	return out
}

package i18n

// ZhCNMessages 简体中文消息目录
// ZhCNMessages Simplified Chinese message catalog
var ZhCNMessages = map[string]string{
	// REPL - 横幅与提示
	"repl.banner":   "会话 %s · 模型 %s · /help 查看命令",
	"repl.commands": "命令:",
	"repl.error":    "错误: %s",

	// REPL - 命令说明
	"help.help":        "显示本列表",
	"help.new":         "开始新会话",
	"help.sessions":    "列出已保存的会话",
	"help.open":        "切换到已保存的会话",
	"help.history":     "显示当前对话",
	"help.retry":       "重新生成最后一个回答",
	"help.cancel":      "停止正在进行的生成",
	"help.copy":        "复制最后一个回答到剪贴板",
	"help.tools":       "列出或搜索可用工具",
	"help.allow":       "列出或忘记本会话记住的工具",
	"help.permissions": "显示策略与本会话的审批记录",
	"help.audit":       "显示本会话最近的工具执行",
	"help.mcp":         "显示 MCP 服务器状态",
	"help.exit":        "退出",

	// REPL - 命令结果
	"cmd.session":            "会话 %s",
	"cmd.usage_open":         "用法: /open <id>",
	"cmd.nothing_to_cancel":  "没有可停止的生成",
	"cmd.no_answer":          "没有可复制的回答",
	"cmd.copy_failed":        "复制到剪贴板失败: %s",
	"cmd.copied":             "已复制",
	"cmd.no_tools":           "没有工具",
	"cmd.forgot":             "已忘记 %s",
	"cmd.nothing_remembered": "本会话没有记住的工具",
	"cmd.audit_disabled":     "审计日志未启用",
	"cmd.no_mcp":             "未配置 MCP 服务器",
	"cmd.unknown":            "未知命令 %s，输入 /help 查看",
	"cmd.audit_ok":           "成功",
	"cmd.audit_failed":       "失败",

	// 审批面板
	"approval.title":         "审批 %d/%d",
	"approval.explicit":      "需明确批准",
	"approval.reason":        "原因: %s",
	"approval.hint":          "y 批准 · n 拒绝 · a 批准整批 · r 批准并记住 · d 放弃整批",
	"approval.hint_explicit": "y 批准 · n 拒绝 · d 放弃整批",

	// 工具调用进度
	"call.requested":         "已请求",
	"call.awaiting_approval": "等待审批",
	"call.running":           "执行中",
	"call.succeeded":         "成功",
	"call.failed":            "失败",
	"call.skipped":           "已跳过",
}

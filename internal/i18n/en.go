package i18n

// EnMessages English message catalog
var EnMessages = map[string]string{
	// REPL - banner and prompts
	"repl.banner":   "session %s · model %s · /help for commands",
	"repl.commands": "commands:",
	"repl.error":    "error: %s",

	// REPL - command help
	"help.help":        "show this list",
	"help.new":         "start a new session",
	"help.sessions":    "list stored sessions",
	"help.open":        "switch to a stored session",
	"help.history":     "render the current conversation",
	"help.retry":       "regenerate the last answer",
	"help.cancel":      "stop a running generation",
	"help.copy":        "copy the last answer to the clipboard",
	"help.tools":       "list or search available tools",
	"help.allow":       "list or forget tools remembered for this session",
	"help.permissions": "show policy and approval decisions of this session",
	"help.audit":       "show recent tool executions of this session",
	"help.mcp":         "show MCP server status",
	"help.exit":        "leave",

	// REPL - command results
	"cmd.session":            "session %s",
	"cmd.usage_open":         "usage: /open <id>",
	"cmd.nothing_to_cancel":  "nothing to cancel",
	"cmd.no_answer":          "no answer to copy",
	"cmd.copy_failed":        "copy to clipboard: %s",
	"cmd.copied":             "copied",
	"cmd.no_tools":           "no tools",
	"cmd.forgot":             "forgot %s",
	"cmd.nothing_remembered": "nothing remembered in this session",
	"cmd.audit_disabled":     "audit log is disabled",
	"cmd.no_mcp":             "no MCP servers configured",
	"cmd.unknown":            "unknown command %s, try /help",
	"cmd.audit_ok":           "ok",
	"cmd.audit_failed":       "failed",

	// Approval panel
	"approval.title":         "approval %d/%d",
	"approval.explicit":      "explicit",
	"approval.reason":        "reason: %s",
	"approval.hint":          "y approve · n deny · a approve batch · r approve and remember · d dismiss batch",
	"approval.hint_explicit": "y approve · n deny · d dismiss batch",

	// Tool call progress
	"call.requested":         "requested",
	"call.awaiting_approval": "awaiting approval",
	"call.running":           "running",
	"call.succeeded":         "succeeded",
	"call.failed":            "failed",
	"call.skipped":           "skipped",
}

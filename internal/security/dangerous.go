package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Verdict is the outcome of classifying one shell command.
type Verdict struct {
	// Explicit means the command may only run after an explicit, non-remembered approval.
	Explicit bool
	Rule     string
	Reason   string
}

type commandRule struct {
	name   string
	reason string
	match  func(words []string) bool
}

var destructiveBinaries = []string{
	"rm", "rmdir", "mv", "chmod", "chown", "dd", "mkfs", "shred", "truncate",
	"shutdown", "reboot", "halt", "sudo", "su", "kill", "killall", "pkill",
}

var shells = []string{"sh", "bash", "zsh", "fish", "dash"}

// commandRules run in order; the first match wins.
var commandRules = []commandRule{
	{
		name:   "destructive-binary",
		reason: "runs a destructive or privileged command",
		match: func(words []string) bool {
			return slices.ContainsFunc(words, func(w string) bool {
				return slices.Contains(destructiveBinaries, filepath.Base(w))
			})
		},
	},
	{
		name:   "pipe-to-shell",
		reason: "pipes output into a shell",
		match: func(words []string) bool {
			for i := 0; i+1 < len(words); i++ {
				if words[i] == "|" && slices.Contains(shells, filepath.Base(words[i+1])) {
					return true
				}
			}
			return false
		},
	},
	{
		name:   "git-force-push",
		reason: "force-pushes git history",
		match: func(words []string) bool {
			return gitSubcommand(words, "push", "--force", "-f", "--force-with-lease")
		},
	},
	{
		name:   "git-discard",
		reason: "discards uncommitted git changes",
		match: func(words []string) bool {
			return gitSubcommand(words, "reset", "--hard") ||
				gitSubcommand(words, "clean", "-f", "-fd", "-fdx", "-df", "--force") ||
				gitSubcommand(words, "checkout", "--", ".")
		},
	},
	{
		name:   "find-delete",
		reason: "deletes files found by find",
		match: func(words []string) bool {
			return slices.Contains(words, "find") && (slices.Contains(words, "-delete") || slices.Contains(words, "-exec") && slices.Contains(words, "rm"))
		},
	},
}

// Classify 判断 shell 命令是否必须显式审批；extra 是针对整条命令的额外 glob 模式
// Classify reports whether a shell command needs explicit approval. Commands
// that cannot be tokenized, or that use command substitution, fail closed.
// extra holds configured glob patterns matched against the whole command.
func Classify(command string, extra ...string) Verdict {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Verdict{}
	}
	if hasSubstitution(trimmed) {
		return Verdict{Explicit: true, Rule: "substitution", Reason: "contains command substitution"}
	}
	words, err := shellWords(trimmed)
	if err != nil {
		return Verdict{Explicit: true, Rule: "unparsable", Reason: fmt.Sprintf("command cannot be parsed: %v", err)}
	}
	for _, r := range commandRules {
		if r.match(words) {
			return Verdict{Explicit: true, Rule: r.name, Reason: r.reason}
		}
	}
	for _, pattern := range extra {
		if ok, err := filepath.Match(pattern, trimmed); err == nil && ok {
			return Verdict{Explicit: true, Rule: "configured", Reason: fmt.Sprintf("matches configured pattern %q", pattern)}
		}
	}
	return Verdict{}
}

// gitSubcommand reports whether words run `git <sub>` with any of flags.
func gitSubcommand(words []string, sub string, flags ...string) bool {
	for i, w := range words {
		if w != "git" || i+1 >= len(words) || words[i+1] != sub {
			continue
		}
		for _, arg := range words[i+2:] {
			if isOperator(arg) {
				break
			}
			if slices.Contains(flags, arg) {
				return true
			}
		}
	}
	return false
}

// hasSubstitution finds $( or a backtick outside single quotes.
func hasSubstitution(s string) bool {
	inSingle := false
	for i, r := range s {
		switch {
		case r == '\'':
			inSingle = !inSingle
		case inSingle:
		case r == '`':
			return true
		case r == '$' && i+1 < len(s) && s[i+1] == '(':
			return true
		}
	}
	return false
}

func isOperator(w string) bool {
	return w == "|" || w == "&" || w == ";" || w == "(" || w == ")"
}

// shellWords splits input like a POSIX shell would for classification. The
// control characters | & ; ( ) are emitted as their own words when unquoted.
func shellWords(input string) ([]string, error) {
	var (
		out      []string
		cur      strings.Builder
		inWord   bool
		inSingle bool
		inDouble bool
		escaped  bool
	)
	flush := func() {
		if inWord {
			out = append(out, cur.String())
			cur.Reset()
			inWord = false
		}
	}
	for _, r := range input {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && !inSingle:
			escaped, inWord = true, true
		case r == '\'' && !inDouble:
			inSingle, inWord = !inSingle, true
		case r == '"' && !inSingle:
			inDouble, inWord = !inDouble, true
		case inSingle || inDouble:
			cur.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		case strings.ContainsRune("|&;()", r):
			flush()
			out = append(out, string(r))
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	switch {
	case escaped:
		return nil, errors.New("dangling escape")
	case inSingle || inDouble:
		return nil, errors.New("unmatched quote")
	}
	flush()
	return out, nil
}

// RedirectTargets lists the files a command truncates with >, 1> or 2>.
// Appends (>>) and descriptor duplication (>&2) are not included.
func RedirectTargets(command string) []string {
	words, err := shellWords(command)
	if err != nil {
		return nil
	}
	var out []string
	for i, w := range words {
		op, target, ok := splitRedirect(w)
		if !ok {
			continue
		}
		if target == "" && i+1 < len(words) && !isOperator(words[i+1]) {
			target = words[i+1]
		}
		if target != "" && !strings.HasPrefix(target, "&") && op != ">>" {
			out = append(out, target)
		}
	}
	return out
}

func splitRedirect(w string) (op, target string, ok bool) {
	for _, prefix := range []string{"1>>", "2>>", ">>", "1>", "2>", ">"} {
		if strings.HasPrefix(w, prefix) {
			return strings.TrimLeft(prefix, "12"), w[len(prefix):], true
		}
	}
	return "", "", false
}

package contextmgr

import "extremis/internal/chat"

// EstimateTokens counts with the default tokenizer.
func EstimateTokens(messages []chat.Message) int {
	return DefaultTokenizer().Count(messages)
}

// TrimHistory 从最新消息向前保留，直到超出 token 预算；最后一条用户消息总是保留
// TrimHistory keeps the newest messages that fit in budget tokens. The latest
// user message and everything after it are always kept. A non-positive budget
// disables trimming.
func (t *Tokenizer) TrimHistory(history []chat.Message, budget int) []chat.Message {
	if budget <= 0 || len(history) == 0 {
		return history
	}
	lastUser := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == chat.RoleUser {
			lastUser = i
			break
		}
	}

	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := t.countMessage(history[i])
		if used+cost > budget && (lastUser < 0 || i < lastUser) {
			break
		}
		used += cost
		start = i
	}
	// never open the window on an assistant reply without its question
	for start < len(history) && start != lastUser && history[start].Role != chat.RoleUser {
		start++
	}
	if start >= len(history) && lastUser >= 0 {
		start = lastUser
	}
	return history[start:]
}

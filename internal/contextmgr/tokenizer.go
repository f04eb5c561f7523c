package contextmgr

import (
	"strings"
	"sync"
	"unicode"

	"extremis/internal/chat"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// Per-message framing costs, in tokens, on top of the text itself.
const (
	messageOverhead = 4
	contextOverhead = 6
	roundOverhead   = 4
	callOverhead    = 8
	resultOverhead  = 4
)

// encodingPrefixes maps model name prefixes to BPE encodings, first match wins.
// Anything unlisted, including non-OpenAI models, is counted with cl100k_base.
var encodingPrefixes = []struct{ prefix, encoding string }{
	{"gpt-4o", "o200k_base"},
	{"chatgpt-4o", "o200k_base"},
	{"gpt-4.1", "o200k_base"},
	{"gpt-5", "o200k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
	{"o4", "o200k_base"},
}

type encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// Tokenizer 统计消息的 token 数；BPE 表不可用时（例如离线）退回按字符估算
// Tokenizer counts message tokens with a BPE encoding, or with a per-character
// estimate when the encoding cannot be loaded (offline, no BPE cache).
type Tokenizer struct {
	enc      encoder
	encoding string
}

var tokenizers sync.Map // encoding name -> *Tokenizer

// DefaultTokenizer returns the shared cl100k_base tokenizer.
func DefaultTokenizer() *Tokenizer {
	return tokenizerFor(defaultEncoding)
}

// NewTokenizerForModel returns the shared tokenizer for model's encoding.
func NewTokenizerForModel(model string) *Tokenizer {
	return tokenizerFor(encodingFor(model))
}

func tokenizerFor(encoding string) *Tokenizer {
	if t, ok := tokenizers.Load(encoding); ok {
		return t.(*Tokenizer)
	}
	t := &Tokenizer{encoding: encoding}
	if enc, err := tiktoken.GetEncoding(encoding); err == nil {
		t.enc = enc
	}
	actual, _ := tokenizers.LoadOrStore(encoding, t)
	return actual.(*Tokenizer)
}

func encodingFor(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, e := range encodingPrefixes {
		if strings.HasPrefix(m, e.prefix) {
			return e.encoding
		}
	}
	return defaultEncoding
}

// Precise reports whether counts come from the BPE encoding.
func (t *Tokenizer) Precise() bool { return t.enc != nil }

func (t *Tokenizer) Encoding() string { return t.encoding }

func (t *Tokenizer) Count(messages []chat.Message) int {
	n := 0
	for _, m := range messages {
		n += t.countMessage(m)
	}
	return n
}

func (t *Tokenizer) CountText(text string) int {
	switch {
	case text == "":
		return 0
	case t.enc == nil:
		return estimateTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *Tokenizer) countMessage(m chat.Message) int {
	n := messageOverhead + t.CountText(string(m.Role)) + t.CountText(m.Content)
	if m.Context != nil {
		n += contextOverhead + t.CountText(string(m.Context.Payload))
	}
	for _, round := range m.ToolRounds {
		n += roundOverhead + t.CountText(round.Commentary)
		for _, call := range round.Calls {
			n += callOverhead + t.CountText(call.Name) + t.CountText(call.ArgumentsJSON())
		}
		for _, res := range round.Results {
			n += resultOverhead + t.CountText(res.Outcome.Text())
		}
	}
	return n
}

// estimateTokens assumes roughly 1.5 tokens per CJK character and four
// characters per token for everything else. Non-empty text is at least 1.
func estimateTokens(text string) int {
	var wide, narrow float64
	for _, r := range text {
		if unicode.In(r, unicode.Han, unicode.Hangul, unicode.Hiragana, unicode.Katakana) || r >= 0x3000 && r <= 0x303F || r >= 0xFF00 && r <= 0xFFEF {
			wide++
		} else {
			narrow++
		}
	}
	return max(int(wide*1.5+narrow*0.25), 1)
}

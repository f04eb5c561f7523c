package i18n

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

const fallbackLocale = "en"

// catalogs holds one message table per supported locale. English is complete;
// other locales fall back to it key by key.
var catalogs = map[string]map[string]string{
	"en":    EnMessages,
	"zh-CN": ZhCNMessages,
}

// localeEnv is checked in order; the first non-empty value wins.
var localeEnv = []string{"EXTREMIS_LANG", "LANG", "LC_ALL", "LC_MESSAGES"}

// Translator 按 locale 查找界面文案
// Translator looks up user-facing strings for one locale.
type Translator struct {
	locale   string
	messages map[string]string
}

var current atomic.Pointer[Translator]

// Init 设置全局 locale；空字符串表示从环境变量检测
// Init sets the process-wide locale. An empty locale is detected from the environment.
func Init(locale string) {
	current.Store(New(locale))
}

func Global() *Translator {
	if t := current.Load(); t != nil {
		return t
	}
	current.CompareAndSwap(nil, New(""))
	return current.Load()
}

// T translates key with the global translator.
func T(key string, args ...any) string {
	return Global().T(key, args...)
}

func New(locale string) *Translator {
	if strings.TrimSpace(locale) == "" {
		locale = DetectLocale()
	}
	locale = normalizeLocale(locale)
	return &Translator{locale: locale, messages: catalogs[locale]}
}

// T formats the message for key with args. Unknown keys are returned as-is so
// a missing translation stays visible instead of printing nothing.
func (t *Translator) T(key string, args ...any) string {
	msg, ok := t.messages[key]
	if !ok {
		if msg, ok = catalogs[fallbackLocale][key]; !ok {
			return key
		}
	}
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

func (t *Translator) Locale() string { return t.locale }

func DetectLocale() string {
	for _, name := range localeEnv {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return normalizeLocale(v)
		}
	}
	return fallbackLocale
}

// normalizeLocale turns POSIX values such as zh_CN.UTF-8 into catalog names.
// Every Chinese variant maps to zh-CN and every English one to en.
func normalizeLocale(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), ".")
	s = strings.ReplaceAll(s, "_", "-")
	switch lower := strings.ToLower(s); {
	case s == "", lower == "c", lower == "posix", strings.HasPrefix(lower, "en"):
		return fallbackLocale
	case strings.HasPrefix(lower, "zh"):
		return "zh-CN"
	}
	return s
}

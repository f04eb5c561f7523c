package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		locale string
		key    string
		args   []any
		want   string
	}{
		{locale: "en", key: "cmd.copied", want: "copied"},
		{locale: "zh-CN", key: "cmd.copied", want: "已复制"},
		{locale: "zh_CN.UTF-8", key: "call.running", want: "执行中"},
		{locale: "en", key: "approval.title", args: []any{2, 3}, want: "approval 2/3"},
		{locale: "en", key: "nonexistent.key", want: "nonexistent.key"},
		{locale: "fr_FR", key: "cmd.copied", want: "copied"},
	}
	for _, tt := range tests {
		t.Run(tt.locale+"/"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.locale).T(tt.key, tt.args...))
		})
	}
}

func TestNormalizeLocale(t *testing.T) {
	tests := map[string]string{
		"en_US.UTF-8": "en",
		"zh_CN.UTF-8": "zh-CN",
		"zh_TW":       "zh-CN",
		"C.UTF-8":     "en",
		"POSIX":       "en",
		"":            "en",
		"fr_FR":       "fr-FR",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeLocale(in), in)
	}
}

func TestInitReplacesGlobal(t *testing.T) {
	t.Cleanup(func() { Init("en") })

	Init("zh-CN")
	assert.Equal(t, "zh-CN", Global().Locale())
	assert.Same(t, Global(), Global())
	assert.Equal(t, "已复制", T("cmd.copied"))

	Init("en")
	assert.Equal(t, "copied", T("cmd.copied"))
}

func TestCatalogsHaveSameKeys(t *testing.T) {
	require.NotEmpty(t, EnMessages)
	for k := range EnMessages {
		assert.Contains(t, ZhCNMessages, k, "zh-CN catalog is missing a key")
	}
	for k := range ZhCNMessages {
		assert.Contains(t, EnMessages, k, "zh-CN key has no English fallback")
	}
}

func TestDetectLocale(t *testing.T) {
	t.Setenv("EXTREMIS_LANG", "")
	t.Setenv("LANG", "zh_CN.UTF-8")
	assert.Equal(t, "zh-CN", DetectLocale())

	t.Setenv("EXTREMIS_LANG", "en_GB")
	assert.Equal(t, "en", DetectLocale())
}

package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"extremis/internal/config"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// New builds the process logger on stderr.
func New(cfg config.LogConfig) zerolog.Logger {
	return NewWriter(os.Stderr, cfg, isTerminal(os.Stderr))
}

// NewWriter 根据配置构造日志：终端使用 console 格式，否则输出 JSON
// NewWriter builds a logger on w. Format "auto" picks the console writer when tty is true.
func NewWriter(w io.Writer, cfg config.LogConfig, tty bool) zerolog.Logger {
	out := w
	switch strings.ToLower(cfg.Format) {
	case "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	case "json":
	default:
		if tty {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
		}
	}
	return zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// ParseLevel falls back to info for empty or unknown levels.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

package repl

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
)

// LineInput reads one line of user input. io.EOF ends the session and
// readline.ErrInterrupt abandons the current line.
type LineInput interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

// scannerInput reads newline-terminated lines from any reader, for pipes,
// tests and terminals readline cannot drive.
type scannerInput struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func NewBasicLineInput(in io.Reader, out io.Writer) LineInput {
	return &scannerInput{scanner: bufio.NewScanner(in), out: out}
}

func (s *scannerInput) ReadLine(prompt string) (string, error) {
	if s.out != nil {
		fmt.Fprint(s.out, prompt)
	}
	if s.scanner.Scan() {
		return strings.TrimSuffix(s.scanner.Text(), "\r"), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *scannerInput) Close() error { return nil }

// editorInput is a readline editor with history and slash-command completion.
type editorInput struct {
	rl *readline.Instance
}

func (e *editorInput) ReadLine(prompt string) (string, error) {
	e.rl.SetPrompt(prompt)
	return e.rl.Readline()
}

func (e *editorInput) Close() error { return e.rl.Close() }

// commandCompleter completes the first word of every slash command.
func commandCompleter() readline.AutoCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(replCommands))
	for _, c := range replCommands {
		name, _, _ := strings.Cut(c.usage, " ")
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

// NewLineInput 优先使用带历史记录的 readline 编辑器，失败时退回普通标准输入
// NewLineInput prefers a readline editor whose history persists at historyPath.
// When the editor cannot start it returns plain stdin input together with the
// reason, so callers may log it and carry on.
func NewLineInput(historyPath string) (LineInput, error) {
	if historyPath != "" {
		if err := os.MkdirAll(filepath.Dir(historyPath), 0o755); err != nil {
			return NewBasicLineInput(os.Stdin, os.Stdout), fmt.Errorf("create history dir: %w", err)
		}
	}
	rl, err := readline.NewEx(&readline.Config{
		HistoryFile:       historyPath,
		HistoryLimit:      1000,
		HistorySearchFold: true,
		AutoComplete:      commandCompleter(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "/exit",
	})
	if err != nil {
		return NewBasicLineInput(os.Stdin, os.Stdout), fmt.Errorf("line editor: %w", err)
	}
	return &editorInput{rl: rl}, nil
}

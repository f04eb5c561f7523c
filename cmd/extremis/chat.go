package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"extremis/internal/repl"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newChatCmd(configPath *string) *cobra.Command {
	var (
		sessionID string
		plain     bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long:  "Opens a REPL that streams model output, shows tool progress and asks before running tools.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, *configPath, sessionID, plain)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume a stored session by id")
	cmd.Flags().BoolVar(&plain, "plain", false, "disable colors and markdown rendering")
	return cmd
}

func runChat(cmd *cobra.Command, configPath, sessionID string, plain bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := openEngine(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeEngine(cmd, res)

	in, err := repl.NewLineInput(filepath.Join(res.Config.Storage.BaseDir, "repl.history"))
	if err != nil {
		res.Logger.Debug().Err(err).Msg("readline unavailable, using plain input")
	}
	defer in.Close()

	theme := repl.DarkTheme()
	if plain || os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stdout.Fd())) {
		theme = repl.PlainTheme()
	}
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	loop := repl.NewLoop(res, repl.Options{In: in, Out: cmd.OutOrStdout(), Theme: &theme, Width: width})
	if sessionID != "" {
		sess, err := res.Sessions.Open(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("open session %s: %w", sessionID, err)
		}
		loop.Attach(sess)
	}
	return loop.Run(ctx)
}

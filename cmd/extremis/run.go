package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"extremis/internal/bootstrap"
	"extremis/internal/chat"
	"extremis/internal/repl"
	"extremis/internal/session"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		sessionID      string
		allowUnflagged bool
	)

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Send one prompt and print the answer",
		Long: "Runs a single generation. On a terminal each tool call is confirmed interactively; " +
			"otherwise calls are denied unless --allow-unflagged is set, which still denies calls that need explicit approval.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, *configPath, sessionID, strings.Join(args, " "), allowUnflagged)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "continue a stored session instead of starting a new one")
	cmd.Flags().BoolVar(&allowUnflagged, "allow-unflagged", false, "approve tool calls that do not require explicit approval")
	return cmd
}

func runOnce(cmd *cobra.Command, configPath, sessionID, prompt string, allowUnflagged bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := openEngine(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeEngine(cmd, res)

	var sess *session.Session
	if sessionID != "" {
		sess, err = res.Sessions.Open(ctx, sessionID)
	} else {
		sess, err = res.Sessions.Create(ctx, "")
	}
	if err != nil {
		return err
	}

	var prompter bootstrap.ApprovalPrompter = bootstrap.AutoPrompter{AllowUnflagged: allowUnflagged}
	if f, ok := cmd.InOrStdin().(*os.File); ok && !allowUnflagged && term.IsTerminal(int(f.Fd())) {
		prompter = &bootstrap.TerminalPrompter{In: repl.NewBasicLineInput(f, cmd.ErrOrStderr()), Out: cmd.ErrOrStderr()}
	}
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		if err := bootstrap.WatchApprovals(watchCtx, res.Approvals, prompter); err != nil && !errors.Is(err, context.Canceled) {
			res.Logger.Warn().Err(err).Msg("approval prompt failed")
		}
	}()

	before := len(sess.Messages())
	g, err := res.Orch.Send(ctx, sess, prompt, nil)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	select {
	case <-g.Done():
	case <-sigCh:
		res.Orch.Cancel(sess)
		<-g.Done()
	}
	stopWatch()

	msgs := sess.Messages()
	if len(msgs) <= before+1 {
		if msg := sess.LastError(); msg != "" {
			return errors.New(msg)
		}
		return errors.New("no answer")
	}
	last := msgs[len(msgs)-1]
	if last.Role != chat.RoleAssistant {
		return fmt.Errorf("unexpected %s message at end of turn", last.Role)
	}
	for _, r := range last.ToolRounds {
		for _, call := range r.Calls {
			status := "ok"
			if result, ok := r.ResultFor(call.ID); ok && result.Outcome.IsError() {
				status = "failed"
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s/%s %s\n", call.ConnectorID, call.Name, status)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), last.Content)
	fmt.Fprintf(cmd.ErrOrStderr(), "session %s\n", sess.ID())
	return nil
}

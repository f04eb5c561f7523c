package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"extremis/internal/repl"

	"github.com/spf13/cobra"
)

func newSessionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}

	cmd.AddCommand(newSessionsListCmd(configPath))
	cmd.AddCommand(newSessionsShowCmd(configPath))
	cmd.AddCommand(newSessionsDeleteCmd(configPath))
	return cmd
}

func newSessionsListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			res, err := openEngine(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeEngine(cmd, res)

			metas, err := res.Store.ListSessions(ctx)
			if err != nil {
				return err
			}
			if len(metas) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUPDATED\tMESSAGES\tMODEL\tTITLE")
			for _, m := range metas {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", m.ID, m.UpdatedAt, m.MessageCount, m.Model, m.Title)
			}
			return w.Flush()
		},
	}
}

func newSessionsShowCmd(configPath *string) *cobra.Command {
	var permissions bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print the conversation of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			res, err := openEngine(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeEngine(cmd, res)

			meta, msgs, err := res.Store.LoadSession(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s  (%s)\n\n", meta.ID, meta.Title, meta.Model)
			theme := repl.PlainTheme()
			for _, msg := range msgs {
				fmt.Fprintf(out, "%s\n\n", theme.RenderMessage(msg, 0))
			}
			if !permissions {
				return nil
			}
			entries, err := res.Store.ListPermissions(ctx, meta.ID)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "Permission decisions:")
			for _, e := range entries {
				fmt.Fprintf(out, "  %s  %-10s %s %s\n", e.CreatedAt, e.Decision, e.Tool, e.Reason)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&permissions, "permissions", "p", false, "also list approval and policy decisions")
	return cmd
}

func newSessionsDeleteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			res, err := openEngine(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeEngine(cmd, res)

			if err := res.Store.DeleteSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
			return nil
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"extremis/internal/audit"
	"extremis/internal/bootstrap"

	"github.com/spf13/cobra"
)

func newAuditCmd(configPath *string) *cobra.Command {
	var (
		q     audit.Query
		stats bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show executed tool calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			res, err := openEngine(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeEngine(cmd, res)
			if err := requireAudit(res); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if stats {
				rows, err := res.Audit.Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "TOOL\tTOTAL\tFAILED")
				for _, s := range rows {
					fmt.Fprintf(w, "%s\t%d\t%d\n", s.ToolName, s.Total, s.Failed)
				}
				return w.Flush()
			}

			rows, err := res.Audit.List(ctx, q)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No executions recorded.")
				return nil
			}
			fmt.Fprintln(w, "TIME\tSESSION\tTOOL\tDURATION\tSTATUS")
			for _, r := range rows {
				status := "ok"
				if !r.Success {
					status = "failed"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%s\n",
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.SessionID, r.ToolName, r.DurationMs, status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&q.SessionID, "session", "s", "", "only executions of this session")
	cmd.Flags().StringVarP(&q.ToolName, "tool", "t", "", "only executions of this tool")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 50, "maximum rows")
	cmd.Flags().BoolVar(&stats, "stats", false, "print per-tool totals instead of rows")
	cmd.AddCommand(newAuditPruneCmd(configPath))
	return cmd
}

func newAuditPruneCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete executions older than audit.retention_days now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			res, err := openEngine(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeEngine(cmd, res)
			if err := requireAudit(res); err != nil {
				return err
			}
			if res.Config.Audit.RetentionDays <= 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Retention is unlimited, nothing to prune.")
				return nil
			}
			n, err := res.Pruner.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d executions\n", n)
			return nil
		},
	}
}

func requireAudit(res *bootstrap.BuildResult) error {
	if res.Audit == nil {
		return errors.New("audit log is disabled (set audit.enabled = true)")
	}
	return nil
}

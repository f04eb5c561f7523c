package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newToolsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools [query]",
		Short: "List or fuzzy-search the tool catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			res, err := openEngine(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeEngine(cmd, res)

			defs := res.Registry.Search(strings.Join(args, " "))
			if len(defs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tools.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, d := range defs {
				desc := strings.TrimSpace(d.Function.Description)
				if i := strings.IndexByte(desc, '\n'); i >= 0 {
					desc = desc[:i]
				}
				fmt.Fprintf(w, "%s/%s\t%s\n", res.Registry.Connector(d.Function.Name), d.Function.Name, desc)
			}
			return w.Flush()
		},
	}
}

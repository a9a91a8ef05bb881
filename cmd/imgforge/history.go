package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/imgforge/imgforge/internal/history"
)

func newHistoryCommand() *cobra.Command {
	var (
		dbPath string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent build runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := history.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := history.InitSchema(cmd.Context(), db); err != nil {
				return err
			}

			runs, err := history.RecentBuildRuns(cmd.Context(), db, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tSTATUS\tOUTPUT\tMODULES\tFAILED MODULE")
			for _, run := range runs {
				failed := ""
				if run.FailedModule != nil {
					failed = *run.FailedModule
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					run.StartedAt.Format(time.DateTime), run.Status, run.Output, run.Modules, failed)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "history-db", "imgforge.db", "sqlite file recording build runs")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

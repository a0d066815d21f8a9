package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"logimon/internal/config"
	"logimon/internal/journal"
)

func newHistoryCmd() *cobra.Command {
	var q journal.Query

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent job outcomes from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.JournalDB == "" {
				return fmt.Errorf("JOURNAL_DB is not set")
			}

			j, err := journal.Open(cfg.JournalDB)
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.Recent(cmd.Context(), q)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no jobs recorded")
				return nil
			}

			loc := cfg.Location()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "FINISHED\tINDEX\tPLATE\tSTATE\tSTOP\tKM\tMIN\tDETAIL")
			for _, e := range entries {
				detail := e.Reason
				if e.Error != "" {
					detail = e.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					e.FinishedAt.In(loc).Format("02.01 15:04:05"), e.RecordIndex, e.Plate, e.State,
					e.StopName, e.DistanceKm, e.DurationMinutes, detail)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 20, "number of entries to show")
	cmd.Flags().StringVar(&q.Index, "index", "", "only this record index")
	cmd.Flags().StringVar(&q.State, "state", "", "only this final state (complete, aborted, failed)")
	cmd.Flags().StringVar(&q.BatchID, "batch", "", "only this batch id")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"logimon/internal/config"
	"logimon/internal/delivery"
	"logimon/internal/dispatch"
	"logimon/internal/logger"
)

func newProcessCmd() *cobra.Command {
	var (
		row     bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "process <index>",
		Short: "Locate and route one record and wait for the result",
		Long:  "Runs a single-row job for the record with the given index (or row position with --row) and prints its outcome.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			a, err := newApp(ctx, cfg, logger.New("process"))
			if err != nil {
				return err
			}
			defer a.close()

			index := args[0]
			if row {
				n, err := strconv.Atoi(index)
				if err != nil {
					return fmt.Errorf("row must be a number: %w", err)
				}
				records := a.store.Get()
				if n < 0 || n >= len(records) {
					return fmt.Errorf("row %d: %w", n, dispatch.ErrRecordNotFound)
				}
				index = records[n].Index
			}

			out, err := a.orch.Run(ctx, index)
			if err != nil {
				return err
			}
			printOutcome(cmd, out, cfg)
			if out.State == dispatch.StateFailed {
				return out.Err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&row, "row", false, "treat the argument as a 0-based row position")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up waiting after this long")
	return cmd
}

func printOutcome(cmd *cobra.Command, out dispatch.JobOutcome, cfg *config.Config) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %s: %s", out.Index, out.Plate, out.State)
	switch {
	case out.Reason != "":
		fmt.Fprintf(w, " (%s)", out.Reason)
	case out.Err != nil:
		fmt.Fprintf(w, " (%v)", out.Err)
	}
	fmt.Fprintln(w)

	if r := out.Route; r != nil {
		fmt.Fprintf(w, "  stop:     %s\n", out.StopName)
		fmt.Fprintf(w, "  distance: %d km, %d min\n", r.DistanceKm, r.DurationMinutes)
		fmt.Fprintf(w, "  eta:      %s\n", r.ETA.In(cfg.Location()).Format("02.01.2006 15:04"))
		if r.HasBuffer {
			fmt.Fprintf(w, "  buffer:   %s (on time: %t)\n", delivery.FormatBuffer(r.BufferMinutes), r.OnTime)
		}
	}
}

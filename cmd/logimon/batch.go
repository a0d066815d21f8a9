package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"logimon/internal/config"
	"logimon/internal/dispatch"
	"logimon/internal/logger"
)

func newBatchCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Process every eligible record once and wait",
		Long:  "Runs one batch over every record that has a plate and an external id, writes the ledger once and sends the summary.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			a, err := newApp(ctx, cfg, logger.New("batch"))
			if err != nil {
				return err
			}
			defer a.close()

			b, err := a.orch.ProcessAll(ctx)
			if err != nil {
				return err
			}
			if err := b.Wait(ctx); err != nil {
				return fmt.Errorf("batch %s: %w", b.ID, err)
			}

			for _, out := range b.Outcomes() {
				printOutcome(cmd, out, cfg)
			}
			counts := b.Counts()
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d jobs: %d complete, %d aborted, %d failed, %d skipped\n",
				b.Total(), counts[dispatch.StateComplete], counts[dispatch.StateAborted], counts[dispatch.StateFailed], len(b.Skipped()))
			return b.Err()
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Hour, "give up waiting after this long")
	return cmd
}

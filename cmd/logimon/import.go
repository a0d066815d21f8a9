package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"logimon/internal/config"
	"logimon/internal/delivery"
	"logimon/internal/logger"
	"logimon/internal/reconcile"
	"logimon/internal/storage"
)

func newImportCmd() *cobra.Command {
	var direction string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the records file with a fresh export",
		Long: "Reads records from a JSON export, re-parses their stop text, carries processed flags over " +
			"from matching records already in DATA_FILE and replaces the stored records.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := parseDirection(direction)
			if err != nil {
				return err
			}
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			p, err := newParser()
			if err != nil {
				return err
			}
			log := logger.New("import")

			incoming, err := storage.ReadFile(args[0])
			if err != nil {
				return err
			}
			records := make([]delivery.DeliveryRecord, 0, len(incoming))
			for _, rec := range incoming {
				if rec.Index == "" {
					log.Warnf("⚠️  Skipping record without index (plate %q)", rec.Plate)
					continue
				}
				p.Apply(&rec)
				records = append(records, rec)
			}

			store, err := storage.New(cfg.DataFile, logger.New("storage"))
			if err != nil {
				return err
			}
			reconcile.Reconcile(records, store.Get(), dir)

			if err := store.ReplaceAll(records); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d records into %s (%d skipped)\n",
				len(records), store.Path(), len(incoming)-len(records))
			return nil
		},
	}

	cmd.Flags().StringVarP(&direction, "direction", "d", "unload", "stop list used to match records across imports")
	return cmd
}

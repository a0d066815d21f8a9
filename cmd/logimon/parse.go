package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"logimon/internal/config"
	"logimon/internal/delivery"
	"logimon/internal/logger"
	"logimon/internal/parser"
)

func newParseCmd() *cobra.Command {
	var (
		direction string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "parse [file]",
		Short: "Parse manifest text into stops",
		Long:  "Reads manifest text from a file (or stdin when no file or \"-\" is given) and prints the structured stops.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := parseDirection(direction)
			if err != nil {
				return err
			}
			p, err := newParser()
			if err != nil {
				return err
			}

			text, err := readInput(cmd, args)
			if err != nil {
				return err
			}

			stops, comment := p.Parse(text, dir)
			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				enc.SetEscapeHTML(false)
				return enc.Encode(struct {
					Stops   []delivery.Stop `json:"stops"`
					Comment string          `json:"comment,omitempty"`
				}{stops, comment})
			}
			fmt.Fprintln(w, parser.Format(stops, comment))
			return nil
		},
	}

	cmd.Flags().StringVarP(&direction, "direction", "d", "unload", "stop list kind: load or unload")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print stops as JSON")
	return cmd
}

// newParser builds a parser from PARSER_RULES_FILE and DEFAULT_YEAR.
func newParser() (*parser.Parser, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	rules, err := config.LoadParserRules(cfg.ParserRulesFile, cfg.DefaultYear)
	if err != nil {
		return nil, err
	}
	return parser.New(rules, logger.New("parser"))
}

func parseDirection(s string) (delivery.Direction, error) {
	switch strings.ToLower(s) {
	case "load":
		return delivery.Load, nil
	case "unload":
		return delivery.Unload, nil
	default:
		return 0, fmt.Errorf("direction must be load or unload, got %q", s)
	}
}

func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args[0], err)
	}
	return string(b), nil
}

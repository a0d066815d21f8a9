// Package sheets pushes record status lines to a Google Sheets ledger.
//
// The ledger has one row per record. Rows are matched by the record index in
// IndexColumn; the status line is written to StatusColumn of the same row.
// Records without a ledger row are skipped with a warning.
package sheets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"logimon/internal/delivery"
	"logimon/internal/logger"
)

// Config selects the spreadsheet and columns.
type Config struct {
	CredentialsFile string
	SpreadsheetID   string
	SheetName       string
	IndexColumn     string
	StatusColumn    string
}

// Writer implements dispatch.SheetWriter.
type Writer struct {
	svc *sheets.Service
	cfg Config
	now func() time.Time
	log logger.Logger
}

// NewWriter connects to the Sheets API. Extra options are appended after
// the credentials option.
func NewWriter(ctx context.Context, cfg Config, log logger.Logger, opts ...option.ClientOption) (*Writer, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("sheets: spreadsheet id is empty")
	}
	if cfg.SheetName == "" {
		cfg.SheetName = "Sheet1"
	}
	if cfg.IndexColumn == "" {
		cfg.IndexColumn = "A"
	}
	if cfg.StatusColumn == "" {
		cfg.StatusColumn = "B"
	}
	for _, col := range []string{cfg.IndexColumn, cfg.StatusColumn} {
		if !validColumn(col) {
			return nil, fmt.Errorf("sheets: invalid column %q", col)
		}
	}
	if log == nil {
		log = logger.Nop()
	}

	var all []option.ClientOption
	if cfg.CredentialsFile != "" {
		all = append(all, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	all = append(all, opts...)

	svc, err := sheets.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("sheets: create service: %w", err)
	}
	return &Writer{svc: svc, cfg: cfg, now: time.Now, log: log}, nil
}

// Append writes the status line of every record that has a ledger row, in
// one batch update.
func (w *Writer) Append(ctx context.Context, records ...delivery.DeliveryRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows, err := w.rows(ctx)
	if err != nil {
		return err
	}

	now := w.now()
	var data []*sheets.ValueRange
	for i := range records {
		rec := &records[i]
		row, ok := rows[rec.Index]
		if !ok {
			w.log.Warnf("⚠️  No ledger row for record %s (%s)", rec.Index, rec.Plate)
			continue
		}
		data = append(data, &sheets.ValueRange{
			Range:  cellRange(w.cfg.SheetName, w.cfg.StatusColumn, row),
			Values: [][]interface{}{{delivery.StatusLine(rec, now)}},
		})
	}
	if len(data) == 0 {
		return nil
	}

	req := &sheets.BatchUpdateValuesRequest{
		ValueInputOption: "USER_ENTERED",
		Data:             data,
	}
	resp, err := w.svc.Spreadsheets.Values.BatchUpdate(w.cfg.SpreadsheetID, req).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("sheets: batch update: %w", err)
	}
	w.log.Infof("✓ Ledger updated: %d rows, %d cells", len(data), resp.TotalUpdatedCells)
	return nil
}

// rows maps record index to 1-based sheet row.
func (w *Writer) rows(ctx context.Context) (map[string]int, error) {
	rng := columnRange(w.cfg.SheetName, w.cfg.IndexColumn)
	vr, err := w.svc.Spreadsheets.Values.Get(w.cfg.SpreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("sheets: read index column: %w", err)
	}
	return rowIndex(vr.Values), nil
}

// rowIndex maps the first cell of each row to its 1-based row number. The
// first occurrence of a repeated index wins.
func rowIndex(values [][]interface{}) map[string]int {
	out := make(map[string]int, len(values))
	for i, row := range values {
		if len(row) == 0 {
			continue
		}
		key := strings.TrimSpace(fmt.Sprint(row[0]))
		if key == "" {
			continue
		}
		if _, dup := out[key]; !dup {
			out[key] = i + 1
		}
	}
	return out
}

func quoteSheet(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

func columnRange(sheet, col string) string {
	return fmt.Sprintf("%s!%s:%s", quoteSheet(sheet), col, col)
}

func cellRange(sheet, col string, row int) string {
	return fmt.Sprintf("%s!%s%d", quoteSheet(sheet), col, row)
}

func validColumn(col string) bool {
	if col == "" || len(col) > 3 {
		return false
	}
	for _, r := range col {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Package summary renders a finished batch as a PNG table for Telegram.
package summary

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"

	"logimon/internal/delivery"
	"logimon/internal/dispatch"
)

// Row holds the fields displayed in the summary table.
type Row struct {
	Index  string
	Plate  string
	Stop   string
	ETA    string
	Buffer string
	Status string
	Late   bool
}

// Table styling constants, rendered at 2x scale for Telegram clarity
const (
	cellPaddingX  = 20
	cellPaddingY  = 16
	minRowHeight  = 76
	headerHeight  = 88
	fontSize      = 26
	headerFontSz  = 26
	titleFontSz   = 40
	titlePadding  = 110
	footerPadding = 80
	minColWidth   = 110
	maxStopWidth  = 420.0
	maxStatWidth  = 380.0
	maxCellRunes  = 120
)

// Light theme colors
var (
	bgColor         = color.RGBA{R: 245, G: 247, B: 250, A: 255}
	titleColor      = color.RGBA{R: 30, G: 41, B: 59, A: 255}
	headerBgColor   = color.RGBA{R: 37, G: 99, B: 235, A: 255}
	headerTextColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	rowEvenColor    = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	rowOddColor     = color.RGBA{R: 241, G: 245, B: 249, A: 255}
	rowLateColor    = color.RGBA{R: 254, G: 226, B: 226, A: 255} // Soft red
	textColor       = color.RGBA{R: 30, G: 41, B: 59, A: 255}
	borderColor     = color.RGBA{R: 203, G: 213, B: 225, A: 255}
	footerColor     = color.RGBA{R: 100, G: 116, B: 139, A: 255}
)

type column struct {
	header   string
	field    func(r *Row) string
	maxWidth float64 // 0 means auto
}

var columns = []column{
	{"#", func(r *Row) string { return r.Index }, 0},
	{"Plate", func(r *Row) string { return r.Plate }, 0},
	{"Stop", func(r *Row) string { return r.Stop }, maxStopWidth},
	{"ETA", func(r *Row) string { return r.ETA }, 0},
	{"Buffer", func(r *Row) string { return r.Buffer }, 0},
	{"Status", func(r *Row) string { return r.Status }, maxStatWidth},
}

// FromOutcomes builds table rows from job outcomes. Times are shown in loc.
func FromOutcomes(outcomes []dispatch.JobOutcome, loc *time.Location) []Row {
	if loc == nil {
		loc = time.Local
	}
	rows := make([]Row, 0, len(outcomes))
	for _, o := range outcomes {
		r := Row{
			Index:  o.Index,
			Plate:  o.Plate,
			Stop:   truncate(o.StopName, maxCellRunes),
			ETA:    "-",
			Buffer: "-",
			Status: o.State.String(),
		}
		if rr := o.Route; rr != nil {
			if !rr.ETA.IsZero() {
				r.ETA = rr.ETA.In(loc).Format("02.01 15:04")
			}
			if rr.HasBuffer {
				r.Buffer = delivery.FormatBuffer(rr.BufferMinutes)
				r.Late = !rr.OnTime
			}
		}
		switch {
		case o.Shortcut:
			r.Status = "at stop"
		case o.State == dispatch.StateAborted && o.Reason != "":
			r.Status = o.Reason
		case o.State == dispatch.StateFailed && o.Err != nil:
			r.Status = truncate("failed: "+o.Err.Error(), maxCellRunes)
		}
		rows = append(rows, r)
	}
	return rows
}

// findFont locates a system font file across Linux and Windows paths.
func findFont(bold bool) string {
	var candidates []string
	if runtime.GOOS == "windows" {
		winRoot := os.Getenv("WINDIR")
		if winRoot == "" {
			winRoot = `C:\Windows`
		}
		if bold {
			candidates = []string{winRoot + `\Fonts\arialbd.ttf`}
		} else {
			candidates = []string{winRoot + `\Fonts\arial.ttf`}
		}
	} else {
		if bold {
			candidates = []string{
				"/usr/share/fonts/truetype/dejavu/DejaVuSans-Bold.ttf",
				"/usr/share/fonts/TTF/DejaVuSans-Bold.ttf",
			}
		} else {
			candidates = []string{
				"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
				"/usr/share/fonts/TTF/DejaVuSans.ttf",
			}
		}
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadFace prefers the system font and falls back to the bundled Go fonts,
// which also cover Cyrillic.
func loadFace(bold bool, size float64) (font.Face, error) {
	if path := findFont(bold); path != "" {
		if face, err := gg.LoadFontFace(path, size); err == nil {
			return face, nil
		}
	}
	ttf := goregular.TTF
	if bold {
		ttf = gobold.TTF
	}
	f, err := truetype.Parse(ttf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bundled font: %w", err)
	}
	return truetype.NewFace(f, &truetype.Options{Size: size}), nil
}

type faces struct {
	regular, bold, title, footer font.Face
}

func loadFaces() (*faces, error) {
	var fs faces
	var err error
	if fs.regular, err = loadFace(false, fontSize); err != nil {
		return nil, err
	}
	if fs.bold, err = loadFace(true, headerFontSz); err != nil {
		return nil, err
	}
	if fs.title, err = loadFace(true, titleFontSz); err != nil {
		return nil, err
	}
	if fs.footer, err = loadFace(false, 24); err != nil {
		return nil, err
	}
	return &fs, nil
}

// wrapText splits text into multiple lines to fit within maxWidth.
func wrapText(dc *gg.Context, text string, maxWidth float64) []string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if maxWidth <= 0 {
		return []string{text}
	}
	if w, _ := dc.MeasureString(text); w <= maxWidth {
		return []string{text}
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	current := words[0]
	for _, word := range words[1:] {
		candidate := current + " " + word
		if tw, _ := dc.MeasureString(candidate); tw > maxWidth {
			lines = append(lines, current)
			current = word
		} else {
			current = candidate
		}
	}
	return append(lines, current)
}

func computeRowHeights(dc *gg.Context, rows []Row, colWidths []float64) []float64 {
	_, lineH := dc.MeasureString("Ay")
	lineSpacing := lineH + 4

	heights := make([]float64, len(rows))
	for rowIdx := range rows {
		maxLines := 1
		for i, col := range columns {
			wrapped := wrapText(dc, col.field(&rows[rowIdx]), colWidths[i]-cellPaddingX*2)
			maxLines = max(maxLines, len(wrapped))
		}
		heights[rowIdx] = max(float64(maxLines)*lineSpacing+cellPaddingY*2, minRowHeight)
	}
	return heights
}

// RenderTable renders rows as a table image and returns PNG bytes. Late rows
// are sorted first and highlighted.
func RenderTable(rows []Row, at time.Time) ([]byte, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows to render")
	}
	rows = append([]Row(nil), rows...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Late && !rows[j].Late })

	fs, err := loadFaces()
	if err != nil {
		return nil, err
	}

	// column widths from header and cell text, capped per column
	tmp := gg.NewContext(1, 1)
	tmp.SetFontFace(fs.bold)
	colWidths := make([]float64, len(columns))
	for i, col := range columns {
		w, _ := tmp.MeasureString(col.header)
		colWidths[i] = max(w+cellPaddingX*2+4, minColWidth)
	}

	tmp.SetFontFace(fs.regular)
	for i := range rows {
		for c, col := range columns {
			w, _ := tmp.MeasureString(col.field(&rows[i]))
			colWidths[c] = max(colWidths[c], w+cellPaddingX*2+4)
		}
	}
	for i, col := range columns {
		if col.maxWidth > 0 && colWidths[i] > col.maxWidth {
			colWidths[i] = col.maxWidth
		}
	}
	rowHeights := computeRowHeights(tmp, rows, colWidths)

	// canvas
	var totalWidth, totalRowHeight float64
	for _, w := range colWidths {
		totalWidth += w
	}
	for _, h := range rowHeights {
		totalRowHeight += h
	}

	title := fmt.Sprintf("Batch summary  %s", at.Format("02.01.2006 15:04"))
	tmp.SetFontFace(fs.title)
	titleW, _ := tmp.MeasureString(title)

	canvasWidth := max(totalWidth, titleW) + 80 // 40px margin each side
	canvasHeight := float64(titlePadding) + float64(headerHeight) + totalRowHeight + float64(footerPadding)

	// draw
	dc := gg.NewContext(int(canvasWidth), int(canvasHeight))
	dc.SetColor(bgColor)
	dc.Clear()

	dc.SetFontFace(fs.title)
	dc.SetColor(titleColor)
	dc.DrawStringAnchored(title, canvasWidth/2, float64(titlePadding)/2+2, 0.5, 0.5)

	tableX := (canvasWidth - totalWidth) / 2
	tableY := float64(titlePadding)

	dc.SetColor(headerBgColor)
	dc.DrawRoundedRectangle(tableX, tableY, totalWidth, float64(headerHeight), 16)
	dc.Fill()

	dc.SetFontFace(fs.bold)
	dc.SetColor(headerTextColor)
	x := tableX
	for i, col := range columns {
		dc.DrawStringAnchored(col.header, x+colWidths[i]/2, tableY+float64(headerHeight)/2, 0.5, 0.5)
		x += colWidths[i]
	}

	dc.SetFontFace(fs.regular)
	_, lineH := dc.MeasureString("Ay")
	lineSpacing := lineH + 4
	curY := tableY + float64(headerHeight)
	late := 0

	for rowIdx := range rows {
		r := &rows[rowIdx]
		rh := rowHeights[rowIdx]

		switch {
		case r.Late:
			late++
			dc.SetColor(rowLateColor)
		case rowIdx%2 == 0:
			dc.SetColor(rowEvenColor)
		default:
			dc.SetColor(rowOddColor)
		}
		dc.DrawRectangle(tableX, curY, totalWidth, rh)
		dc.Fill()

		dc.SetColor(borderColor)
		dc.SetLineWidth(0.5)
		dc.DrawLine(tableX, curY+rh, tableX+totalWidth, curY+rh)
		dc.Stroke()

		dc.SetColor(textColor)
		x := tableX
		for i, col := range columns {
			wrapped := wrapText(dc, col.field(r), colWidths[i]-cellPaddingX*2)
			startY := curY + (rh-float64(len(wrapped))*lineSpacing)/2 + lineH
			for lineIdx, line := range wrapped {
				dc.DrawString(line, x+cellPaddingX, startY+float64(lineIdx)*lineSpacing)
			}
			x += colWidths[i]
		}
		curY += rh
	}

	dc.SetColor(borderColor)
	dc.SetLineWidth(1)
	totalTableH := float64(headerHeight) + totalRowHeight
	dc.DrawRoundedRectangle(tableX, tableY, totalWidth, totalTableH, 16)
	dc.Stroke()

	dc.SetLineWidth(0.5)
	x = tableX
	for i := 0; i < len(columns)-1; i++ {
		x += colWidths[i]
		dc.DrawLine(x, tableY+float64(headerHeight), x, tableY+totalTableH)
		dc.Stroke()
	}

	dc.SetFontFace(fs.footer)
	dc.SetColor(footerColor)
	footer := fmt.Sprintf("Total: %d jobs, %d late", len(rows), late)
	dc.DrawStringAnchored(footer, canvasWidth/2, canvasHeight-30, 0.5, 0.5)

	return encodeImage(dc.Image())
}

func encodeImage(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if utf8.RuneCountInString(s) > maxLen {
		return string([]rune(s)[:maxLen]) + "…"
	}
	return s
}

package parser

import (
	"fmt"
	"strings"

	"logimon/internal/delivery"
)

// Format reconstructs canonical manifest text from parsed stops.
//
// The comment goes first so that re-parsing reads it back as prefix text
// instead of appending it to the last address. Sentinel dates and times are
// left out. For any input x, Parse(Format(Parse(x))) == Parse(x).
func Format(stops []delivery.Stop, comment string) string {
	var lines []string
	if c := strings.TrimSpace(comment); c != "" {
		lines = append(lines, c)
	}

	n := 0
	for _, s := range stops {
		if s.Comment {
			continue
		}
		n++

		parts := make([]string, 0, 3)
		head := fmt.Sprintf("%d)", n)
		if s.Date != "" && s.Date != delivery.NotSpecified {
			head += " " + s.Date
		}
		parts = append(parts, head)
		if s.Time != "" && s.Time != delivery.NotSpecified {
			parts = append(parts, s.Time)
		}
		if s.Address != "" {
			parts = append(parts, s.Address)
		}
		lines = append(lines, strings.Join(parts, ", "))
	}

	return strings.Join(lines, "\n")
}

// Apply re-derives both stop lists of a record from its raw text.
//
// Each list gets the synthetic comment entry appended when there is leftover
// text. Processed flags are kept and only resized to the new real stop
// count; matching flags to stops across imports is the reconciler's job.
func (p *Parser) Apply(rec *delivery.DeliveryRecord) {
	load, loadComment := p.Parse(rec.RawLoadText, delivery.Load)
	unload, unloadComment := p.Parse(rec.RawUnloadText, delivery.Unload)

	rec.LoadStops = withComment(load, loadComment)
	rec.UnloadStops = withComment(unload, unloadComment)
	rec.Processed = delivery.ResizeFlags(rec.Processed, len(unload))

	var comments []string
	for _, c := range []string{loadComment, unloadComment} {
		if c != "" {
			comments = append(comments, c)
		}
	}
	rec.CommentText = strings.Join(comments, "\n")
}

func withComment(stops []delivery.Stop, comment string) []delivery.Stop {
	if comment == "" {
		return stops
	}
	return append(stops, delivery.Stop{
		Ordinal: len(stops) + 1,
		Address: comment,
		Date:    delivery.NotSpecified,
		Time:    delivery.NotSpecified,
		Comment: true,
	})
}

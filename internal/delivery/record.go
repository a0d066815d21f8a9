package delivery

import (
	"fmt"
	"strings"
	"time"
)

// RealStops returns the stops that are not the synthetic comment entry.
func RealStops(stops []Stop) []Stop {
	out := make([]Stop, 0, len(stops))
	for _, s := range stops {
		if !s.Comment {
			out = append(out, s)
		}
	}
	return out
}

// RealStopCount counts stops excluding the synthetic comment entry.
func RealStopCount(stops []Stop) int {
	n := 0
	for _, s := range stops {
		if !s.Comment {
			n++
		}
	}
	return n
}

// FirstUnprocessed selects the first real unload stop whose processed flag
// is false. A missing flag (short Processed slice) counts as false.
//
// Returns:
//   - Stop: The selected stop
//   - int: Its position among the real stops (index into Processed)
//   - bool: false when every real stop is already processed
func FirstUnprocessed(r *DeliveryRecord) (Stop, int, bool) {
	i := 0
	for _, s := range r.UnloadStops {
		if s.Comment {
			continue
		}
		if i >= len(r.Processed) || !r.Processed[i] {
			return s, i, true
		}
		i++
	}
	return Stop{}, -1, false
}

// ResizeFlags returns a copy of flags right-padded with false or truncated
// to exactly n entries.
func ResizeFlags(flags []bool, n int) []bool {
	if n < 0 {
		n = 0
	}
	out := make([]bool, n)
	copy(out, flags)
	return out
}

// Deadline joins a stop's date and time into the "DD.MM.YYYY HH:MM[:SS]"
// form the estimator parses. Sentinel parts are passed through unchanged, so
// an incomplete deadline simply fails to parse later.
func Deadline(s Stop) string {
	return strings.TrimSpace(s.Date + " " + s.Time)
}

// Find returns a pointer into records for the given stable index.
func Find(records []DeliveryRecord, index string) (*DeliveryRecord, bool) {
	for i := range records {
		if records[i].Index == index {
			return &records[i], true
		}
	}
	return nil, false
}

// Moving reports whether the last probe saw the vehicle in motion.
func (r *DeliveryRecord) Moving() bool { return r.Speed > 0 }

// StatusLine builds the short text pushed to the ledger column.
//
// Format:
//
//	19.10 14:05 moving, М-11 Нева, 312 км | ETA 16:40 (+1h 20m)
//
// The ETA part is appended only when the record carries a route result.
func StatusLine(r *DeliveryRecord, now time.Time) string {
	state := "stopped"
	if r.Moving() {
		state = "moving"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", now.Format("02.01 15:04"), state)
	if geo := strings.TrimSpace(r.Geo); geo != "" {
		b.WriteString(", ")
		b.WriteString(geo)
	}

	if rr := r.RouteResult; rr != nil && !rr.ETA.IsZero() {
		fmt.Fprintf(&b, " | ETA %s", rr.ETA.Format("15:04"))
		if rr.HasBuffer {
			fmt.Fprintf(&b, " (%s)", FormatBuffer(rr.BufferMinutes))
		}
	}
	return b.String()
}

// FormatBuffer renders signed minutes as "+1h 20m" / "-0h 15m".
func FormatBuffer(minutes int) string {
	sign := "+"
	if minutes < 0 {
		sign = "-"
		minutes = -minutes
	}
	return fmt.Sprintf("%s%dh %dm", sign, minutes/60, minutes%60)
}

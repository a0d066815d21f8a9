// Package reconcile keeps per-stop completion flags stable across
// re-imports of the delivery records.
//
// Imports carry no foreign key between the old and the new collection, so a
// record is identified by the content of its first stop instead.
package reconcile

import (
	"logimon/internal/delivery"
)

// Fingerprint identifies a record across imports: address and date/time of
// the first real stop of the given direction. An empty result means the
// record has nothing to match on.
func Fingerprint(r *delivery.DeliveryRecord, dir delivery.Direction) string {
	for _, s := range r.Stops(dir) {
		if s.Comment {
			continue
		}
		return s.Address + "|" + delivery.Deadline(s)
	}
	return ""
}

// Reconcile carries processed flags from oldRecords into newRecords.
//
// For every new record:
//   - fingerprint matches an old record: the old flags are copied, then
//     padded with false or truncated to the new real unload stop count
//   - no match: a fresh all-false array sized to the stop count
//
// When several old records share a fingerprint the first one wins.
// newRecords is modified in place.
func Reconcile(newRecords, oldRecords []delivery.DeliveryRecord, dir delivery.Direction) {
	previous := make(map[string][]bool, len(oldRecords))
	for i := range oldRecords {
		fp := Fingerprint(&oldRecords[i], dir)
		if fp == "" {
			continue
		}
		if _, seen := previous[fp]; !seen {
			previous[fp] = oldRecords[i].Processed
		}
	}

	for i := range newRecords {
		rec := &newRecords[i]
		n := delivery.RealStopCount(rec.UnloadStops)

		flags, ok := previous[Fingerprint(rec, dir)]
		if !ok {
			rec.Processed = make([]bool, n)
			continue
		}
		rec.Processed = delivery.ResizeFlags(flags, n)
	}
}

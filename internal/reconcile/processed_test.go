package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"logimon/internal/delivery"
)

func record(index string, stops ...delivery.Stop) delivery.DeliveryRecord {
	return delivery.DeliveryRecord{Index: index, UnloadStops: stops}
}

func stop(ordinal int, addr, date, tm string) delivery.Stop {
	return delivery.Stop{Ordinal: ordinal, Address: addr, Date: date, Time: tm}
}

func TestReconcileKeepsFlagsForUnchangedFingerprint(t *testing.T) {
	old := []delivery.DeliveryRecord{
		record("1", stop(1, "Тверь", "02.02.2025", "10:00"), stop(2, "Клин", "02.02.2025", "15:00")),
	}
	old[0].Processed = []bool{true, false}
	old[0].Plate = "А111АА77"

	// other fields and even the index changed, first stop did not
	fresh := []delivery.DeliveryRecord{
		record("9", stop(1, "Тверь", "02.02.2025", "10:00"), stop(2, "Клин", "02.02.2025", "16:00")),
	}
	fresh[0].Plate = "В222ВВ77"

	Reconcile(fresh, old, delivery.Unload)

	assert.Equal(t, []bool{true, false}, fresh[0].Processed)
}

func TestReconcilePadsAndTruncates(t *testing.T) {
	first := stop(1, "Тверь", "02.02.2025", "10:00")
	old := []delivery.DeliveryRecord{
		record("1", first, stop(2, "Клин", "", "")),
		record("2", stop(1, "Химки", "03.02.2025", "09:00"), stop(2, "A", "", ""), stop(3, "B", "", "")),
	}
	old[0].Processed = []bool{true, true}
	old[1].Processed = []bool{true, false, true}

	fresh := []delivery.DeliveryRecord{
		record("1", first, stop(2, "Клин", "", ""), stop(3, "Солнечногорск", "", ""),
			delivery.Stop{Ordinal: 4, Address: "комментарий", Comment: true}),
		record("2", stop(1, "Химки", "03.02.2025", "09:00")),
	}

	Reconcile(fresh, old, delivery.Unload)

	assert.Equal(t, []bool{true, true, false}, fresh[0].Processed, "comment entry is not counted")
	assert.Equal(t, []bool{true}, fresh[1].Processed)
}

func TestReconcileChangedFingerprintGetsFreshFlags(t *testing.T) {
	old := []delivery.DeliveryRecord{record("1", stop(1, "Тверь", "02.02.2025", "10:00"), stop(2, "Клин", "", ""))}
	old[0].Processed = []bool{true, true}

	fresh := []delivery.DeliveryRecord{record("1", stop(1, "Тверь", "03.02.2025", "10:00"), stop(2, "Клин", "", ""))}
	fresh[0].Processed = []bool{true}

	Reconcile(fresh, old, delivery.Unload)

	assert.Equal(t, []bool{false, false}, fresh[0].Processed)
}

func TestReconcileEmptyStopsNeverMatch(t *testing.T) {
	old := []delivery.DeliveryRecord{record("1")}
	old[0].Processed = []bool{true}

	fresh := []delivery.DeliveryRecord{record("1")}
	Reconcile(fresh, old, delivery.Unload)

	assert.Equal(t, []bool{}, fresh[0].Processed)
}

func TestReconcileByLoadDirection(t *testing.T) {
	old := []delivery.DeliveryRecord{{
		Index:       "1",
		LoadStops:   []delivery.Stop{stop(1, "Подольск", "01.02.2025", "08:00")},
		UnloadStops: []delivery.Stop{stop(1, "Тверь", "", "")},
		Processed:   []bool{true},
	}}
	fresh := []delivery.DeliveryRecord{{
		Index:       "1",
		LoadStops:   []delivery.Stop{stop(1, "Подольск", "01.02.2025", "08:00")},
		UnloadStops: []delivery.Stop{stop(1, "Тверь, новый адрес", "", "")},
	}}

	Reconcile(fresh, old, delivery.Load)

	assert.Equal(t, []bool{true}, fresh[0].Processed)
}

package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logimon/internal/delivery"
	apperrors "logimon/internal/errors"
)

func TestParseCoordinates(t *testing.T) {
	tests := []struct {
		in   string
		want delivery.Coordinates
		ok   bool
	}{
		{"55.755800, 37.617300", delivery.Coordinates{Lat: 55.7558, Lon: 37.6173}, true},
		{"56,8587; 35,9176", delivery.Coordinates{Lat: 56.8587, Lon: 35.9176}, true},
		{"-33.86 151.21", delivery.Coordinates{Lat: -33.86, Lon: 151.21}, true},
		{"нет данных", delivery.Coordinates{}, false},
		{"95.1, 37.6", delivery.Coordinates{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseCoordinates(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.InDelta(t, tt.want.Lat, got.Lat, 1e-9, tt.in)
		assert.InDelta(t, tt.want.Lon, got.Lon, 1e-9, tt.in)
	}
}

func TestParseSpeed(t *testing.T) {
	assert.Equal(t, 72.0, ParseSpeed("72 км/ч"))
	assert.Equal(t, 5.5, ParseSpeed("5,5 km/h"))
	assert.Equal(t, 0.0, ParseSpeed("стоит"))
}

func TestParseLastSeen(t *testing.T) {
	got, ok := ParseLastSeen(" 02.02.2025 11:58:10 ", time.UTC)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 2, 2, 11, 58, 10, 0, time.UTC), got)

	_, ok = ParseLastSeen("2 минуты назад", time.UTC)
	assert.False(t, ok)
}

func TestIsFresh(t *testing.T) {
	at := delivery.Coordinates{Lat: 55.75, Lon: 37.61}
	updated := time.Date(2025, 2, 2, 12, 0, 0, 0, time.UTC)
	rec := delivery.DeliveryRecord{Coordinates: at, UpdatedAt: updated}

	assert.True(t, IsFresh(delivery.DeliveryRecord{}, at, time.Time{}, false), "first fix")
	assert.True(t, IsFresh(rec, delivery.Coordinates{Lat: 55.76, Lon: 37.61}, time.Time{}, false), "moved")
	assert.True(t, IsFresh(rec, at, updated.Add(time.Minute), true), "same place, newer fix")
	assert.False(t, IsFresh(rec, at, updated.Add(-time.Minute), true), "same place, old fix")
	assert.False(t, IsFresh(rec, at, time.Time{}, false), "same place, unknown fix time")
	assert.False(t, IsFresh(rec, delivery.Coordinates{}, time.Time{}, false), "no fix")
}

func newTestProbe(reads ...func() (snapshot, error)) (*Probe, *int) {
	p := NewProbe(func() context.Context { return context.Background() }, nil, DefaultSelectors,
		Config{Attempts: 3, Backoff: time.Millisecond, Location: time.UTC}, nil)
	p.sleep = func(time.Duration) {}
	calls := 0
	p.read = func(context.Context, string) (snapshot, error) {
		i := calls
		calls++
		if i >= len(reads) {
			i = len(reads) - 1
		}
		return reads[i]()
	}
	p.expired = func() bool { return false }
	return p, &calls
}

func TestLocatePollsUntilCoordinates(t *testing.T) {
	p, calls := newTestProbe(
		func() (snapshot, error) { return snapshot{}, errors.New("not rendered yet") },
		func() (snapshot, error) { return snapshot{Found: true, Address: "М-11"}, nil },
		func() (snapshot, error) {
			return snapshot{Found: true, Address: " М-11 Нева,\n 120 км ", Coords: "56.1, 36.2", Speed: "80 км/ч"}, nil
		},
	)

	got, err := p.Locate(context.Background(), delivery.DeliveryRecord{Plate: "А111АА77"})
	require.NoError(t, err)

	assert.Equal(t, 3, *calls)
	assert.True(t, got.HasNewCoordinates)
	assert.Equal(t, "М-11 Нева, 120 км", got.Geo)
	assert.Equal(t, delivery.Coordinates{Lat: 56.1, Lon: 36.2}, got.Coordinates)
	assert.Equal(t, 80.0, got.Speed)
}

func TestLocateFoundWithoutFix(t *testing.T) {
	p, calls := newTestProbe(func() (snapshot, error) { return snapshot{Found: true, Address: "Склад"}, nil })

	got, err := p.Locate(context.Background(), delivery.DeliveryRecord{Plate: "А111АА77"})
	require.NoError(t, err)
	assert.Equal(t, 3, *calls)
	assert.False(t, got.HasNewCoordinates)
	assert.Equal(t, "Склад", got.Geo)
}

func TestLocateUnknownUnit(t *testing.T) {
	p, _ := newTestProbe(func() (snapshot, error) { return snapshot{Found: false}, nil })

	_, err := p.Locate(context.Background(), delivery.DeliveryRecord{Plate: "А111АА77"})
	var fe *apperrors.FetchError
	assert.ErrorAs(t, err, &fe)
}

func TestLocateRequiresPlate(t *testing.T) {
	p, calls := newTestProbe(func() (snapshot, error) { return snapshot{}, nil })
	_, err := p.Locate(context.Background(), delivery.DeliveryRecord{})
	assert.Error(t, err)
	assert.Zero(t, *calls)
}

func TestLocateRelogsOnce(t *testing.T) {
	p, _ := newTestProbe(
		func() (snapshot, error) { return snapshot{}, errors.New("search box not found") },
		func() (snapshot, error) { return snapshot{Found: true, Coords: "56.1, 36.2"}, nil },
	)
	logins := 0
	p.login = func(context.Context) error { logins++; return nil }
	p.expired = func() bool { return logins == 0 }

	got, err := p.Locate(context.Background(), delivery.DeliveryRecord{Plate: "А111АА77"})
	require.NoError(t, err)
	assert.Equal(t, 1, logins)
	assert.True(t, got.HasNewCoordinates)
}

func TestLocateLoginFailureIsReturned(t *testing.T) {
	p, _ := newTestProbe(func() (snapshot, error) { return snapshot{}, errors.New("search box not found") })
	p.login = func(context.Context) error { return apperrors.NewLoginFailedError("credentials rejected", nil) }
	p.expired = func() bool { return true }

	_, err := p.Locate(context.Background(), delivery.DeliveryRecord{Plate: "А111АА77"})
	assert.True(t, apperrors.IsLoginFailed(err))
}

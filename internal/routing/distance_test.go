package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"logimon/internal/estimate"
)

func TestParseDistanceKm(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"125 км", 125, true},
		{"1,5 km", 1.5, true},
		{"850 м", 0.85, true},
		{"1 250 км", 1250, true},
		{"12.3km", 12.3, true},
		{"около 3 КМ", 3, true},
		{"далеко", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseDistanceKm(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, tt.in)
	}
}

func TestFormatDurationReadsBack(t *testing.T) {
	tests := []struct {
		seconds float64
		text    string
	}{
		{5400, "1 ч 30 мин"},
		{7200, "2 ч"},
		{45 * 60, "45 мин"},
		{0, "0 мин"},
		{26*3600 + 5*60, "1 дн. 2 ч 5 мин"},
	}
	for _, tt := range tests {
		text := FormatDuration(tt.seconds)
		assert.Equal(t, tt.text, text)
		assert.Equal(t, int(tt.seconds/60), estimate.ParseDuration(text), text)
	}
}

package summary

import (
	"bytes"
	"errors"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logimon/internal/delivery"
	"logimon/internal/dispatch"
)

func TestFromOutcomes(t *testing.T) {
	msk := time.FixedZone("MSK", 3*60*60)
	eta := time.Date(2025, 2, 2, 13, 40, 0, 0, time.UTC)

	rows := FromOutcomes([]dispatch.JobOutcome{
		{Index: "1", Plate: "А111АА77", StopName: "Тверь", State: dispatch.StateComplete,
			Route: &delivery.RouteResult{ETA: eta, HasBuffer: true, BufferMinutes: -25, OnTime: false}},
		{Index: "2", Plate: "В222ВВ77", State: dispatch.StateAborted, Reason: "no new coordinates"},
		{Index: "3", State: dispatch.StateFailed, Err: errors.New("probe timeout")},
		{Index: "4", State: dispatch.StateComplete, Shortcut: true, Route: &delivery.RouteResult{ETA: eta, OnTime: true}},
	}, msk)

	require.Len(t, rows, 4)
	assert.Equal(t, Row{Index: "1", Plate: "А111АА77", Stop: "Тверь", ETA: "02.02 16:40", Buffer: "-0h 25m", Status: "complete", Late: true}, rows[0])
	assert.Equal(t, "no new coordinates", rows[1].Status)
	assert.Equal(t, "-", rows[1].ETA)
	assert.Equal(t, "failed: probe timeout", rows[2].Status)
	assert.Equal(t, "at stop", rows[3].Status)
	assert.Equal(t, "-", rows[3].Buffer)
	assert.False(t, rows[3].Late)
}

func TestRenderTable(t *testing.T) {
	rows := []Row{
		{Index: "1", Plate: "А111АА77", Stop: "Тверь, Складская 4", ETA: "02.02 16:40", Buffer: "+0h 20m", Status: "complete"},
		{Index: "2", Plate: "В222ВВ77", Stop: strings.Repeat("очень длинный адрес ", 10), Status: "route not found", Late: true},
	}

	out, err := RenderTable(rows, time.Date(2025, 2, 2, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	b := img.Bounds()
	assert.Greater(t, b.Dx(), 400)
	assert.Greater(t, b.Dy(), titlePadding+headerHeight+2*minRowHeight)

	// caller's slice order is untouched
	assert.Equal(t, "1", rows[0].Index)
}

func TestRenderTableEmpty(t *testing.T) {
	_, err := RenderTable(nil, time.Now())
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "абв…", truncate("абвгд", 3))
	assert.Equal(t, "a b", truncate(" a\nb ", 10))
}

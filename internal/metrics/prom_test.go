package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logimon/internal/delivery"
	"logimon/internal/dispatch"
	apperrors "logimon/internal/errors"
)

func TestJobFinished(t *testing.T) {
	r, err := NewPromRecorder(prometheus.NewRegistry())
	require.NoError(t, err)

	start := time.Date(2025, 2, 2, 12, 0, 0, 0, time.UTC)
	r.JobFinished(dispatch.JobOutcome{
		State: dispatch.StateComplete, StartedAt: start, FinishedAt: start.Add(4 * time.Second),
		Route: &delivery.RouteResult{HasBuffer: true, BufferMinutes: -10},
	})
	r.JobFinished(dispatch.JobOutcome{State: dispatch.StateComplete, Shortcut: true, Route: &delivery.RouteResult{OnTime: true}})
	r.JobFinished(dispatch.JobOutcome{State: dispatch.StateAborted, Kind: apperrors.KindRouteNotFound})

	expected := `
# HELP logimon_jobs_total Finished dispatch jobs by terminal state and error kind
# TYPE logimon_jobs_total counter
logimon_jobs_total{kind="",state="complete"} 2
logimon_jobs_total{kind="` + apperrors.KindRouteNotFound.String() + `",state="aborted"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(r.jobs, strings.NewReader(expected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.late))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.shortcuts))
	assert.Equal(t, 1, testutil.CollectAndCount(r.jobDuration))
}

func TestQueueDepthAndBatch(t *testing.T) {
	r, err := NewPromRecorder(prometheus.NewRegistry())
	require.NoError(t, err)

	r.QueueDepth(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(r.queueDepth))

	r.BatchFinished(&dispatch.Batch{})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.batches))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.lastBatch.WithLabelValues("failed")))
}

func TestReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewPromRecorder(reg)
	require.NoError(t, err)
	b, err := NewPromRecorder(reg)
	require.NoError(t, err)

	a.QueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(b.queueDepth))
}

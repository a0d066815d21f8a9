package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logimon/internal/delivery"
	"logimon/internal/dispatch"
)

type fakeDispatcher struct {
	submitted []string
	submitErr error
	batchErr  error
	status    dispatch.Status
}

func (f *fakeDispatcher) Submit(_ context.Context, index string) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, index)
	return nil
}

func (f *fakeDispatcher) ProcessAll(context.Context) (*dispatch.Batch, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return &dispatch.Batch{ID: "batch-1"}, nil
}

func (f *fakeDispatcher) Status() dispatch.Status { return f.status }

type fakeRecords []delivery.DeliveryRecord

func (r fakeRecords) Get() []delivery.DeliveryRecord { return r }

func serve(t *testing.T, opts Options, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	NewRouter(opts).ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	m := NewMonitor()
	m.now = func() time.Time { return m.startTime.Add(90 * time.Second) }
	d := &fakeDispatcher{status: dispatch.Status{InFlight: 1, Queued: 2, BatchRunning: true}}

	w := serve(t, Options{Monitor: m, Dispatcher: d}, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var s Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, "healthy", s.Status)
	assert.Equal(t, "1m30s", s.Uptime)
	assert.Equal(t, 1, s.InFlight)
	assert.Equal(t, 2, s.Queued)
	assert.True(t, s.BatchRunning)
	assert.Equal(t, "not started", s.LastBatchStatus)
}

func TestMonitorBatchDone(t *testing.T) {
	m := NewMonitor()
	m.BatchDone(&dispatch.Batch{ID: "b-7"})

	s := m.GetStatus()
	assert.Equal(t, "b-7", s.LastBatchID)
	assert.Equal(t, "0 complete, 0 aborted, 0 failed, 0 skipped", s.LastBatchStatus)
}

func TestRecords(t *testing.T) {
	recs := fakeRecords{{Index: "1", Plate: "А111АА77"}, {Index: "2"}}
	w := serve(t, Options{Records: recs}, http.MethodGet, "/records")
	require.Equal(t, http.StatusOK, w.Code)

	var got []delivery.DeliveryRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "А111АА77", got[0].Plate)

	w = serve(t, Options{Records: fakeRecords(nil)}, http.MethodGet, "/records")
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestProcess(t *testing.T) {
	d := &fakeDispatcher{}
	w := serve(t, Options{Dispatcher: d}, http.MethodPost, "/records/42/process")

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"42"}, d.submitted)
	assert.JSONEq(t, `{"index":"42","status":"queued"}`, w.Body.String())
}

func TestProcessErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("index 9: %w", dispatch.ErrRecordNotFound), http.StatusNotFound},
		{dispatch.ErrAlreadyInFlight, http.StatusConflict},
		{dispatch.ErrQueueFull, http.StatusServiceUnavailable},
		{dispatch.ErrClosed, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		w := serve(t, Options{Dispatcher: &fakeDispatcher{submitErr: tt.err}}, http.MethodPost, "/records/9/process")
		assert.Equal(t, tt.code, w.Code, tt.err.Error())
	}
}

func TestBatch(t *testing.T) {
	w := serve(t, Options{Dispatcher: &fakeDispatcher{}}, http.MethodPost, "/batch")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "batch-1")

	w = serve(t, Options{Dispatcher: &fakeDispatcher{batchErr: dispatch.ErrBatchRunning}}, http.MethodPost, "/batch")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "logimon_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	w := serve(t, Options{Gatherer: reg}, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "logimon_test_total 1"))
}

func TestNoDispatcherNoTriggers(t *testing.T) {
	w := serve(t, Options{}, http.MethodPost, "/batch")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

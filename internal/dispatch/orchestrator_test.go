package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logimon/internal/delivery"
	apperrors "logimon/internal/errors"
	"logimon/internal/estimate"
	"logimon/internal/storage"
)

var (
	testNow = time.Date(2025, 2, 2, 12, 0, 0, 0, time.UTC)
	origin  = delivery.Coordinates{Lat: 55.7558, Lon: 37.6173}
)

type fakeProbe struct {
	calls   atomic.Int32
	started chan string
	gate    chan struct{}
	result  delivery.ProbeResult
	err     error
	panics  bool
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{
		result: delivery.ProbeResult{Geo: "М-11, 120 км", Coordinates: origin, Speed: 72, HasNewCoordinates: true},
	}
}

func (p *fakeProbe) Locate(_ context.Context, rec delivery.DeliveryRecord) (delivery.ProbeResult, error) {
	p.calls.Add(1)
	if p.started != nil {
		p.started <- rec.Index
	}
	if p.gate != nil {
		<-p.gate
	}
	if p.panics {
		panic("tab crashed")
	}
	return p.result, p.err
}

type fakePlanner struct {
	calls      atomic.Int32
	candidates []delivery.RouteCandidate
	err        error
}

func (p *fakePlanner) Plan(context.Context, delivery.Coordinates, string) ([]delivery.RouteCandidate, error) {
	p.calls.Add(1)
	return p.candidates, p.err
}

type geoPlanner struct {
	fakePlanner
	dest delivery.Coordinates
}

func (p *geoPlanner) Geocode(context.Context, string) (delivery.Coordinates, error) {
	return p.dest, nil
}

type fakeSheet struct {
	mu     sync.Mutex
	writes [][]delivery.DeliveryRecord
	err    error
}

func (s *fakeSheet) Append(_ context.Context, records ...delivery.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, records)
	return s.err
}

func (s *fakeSheet) Writes() [][]delivery.DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]delivery.DeliveryRecord(nil), s.writes...)
}

type fakeJournal struct {
	mu       sync.Mutex
	outcomes []JobOutcome
}

func (j *fakeJournal) Record(_ context.Context, o JobOutcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, o)
	return nil
}

func testRecord(index string) delivery.DeliveryRecord {
	return delivery.DeliveryRecord{
		Index:      index,
		ExternalID: "ext-" + index,
		Plate:      "А" + index + "АА77",
		UnloadStops: []delivery.Stop{
			{Ordinal: 1, Address: "Тверь, Складская 4", Date: "02.02.2025", Time: "15:00"},
			{Ordinal: 2, Address: "Клин", Date: "02.02.2025", Time: "18:00"},
		},
		Processed: []bool{false, false},
	}
}

type harness struct {
	store   *storage.Store
	probe   *fakeProbe
	planner RoutePlanner
	sheet   *fakeSheet
	journal *fakeJournal
	orch    *Orchestrator
}

func newHarness(t *testing.T, planner RoutePlanner, opts Options, records ...delivery.DeliveryRecord) *harness {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "records.json"), nil)
	require.NoError(t, err)
	require.NoError(t, store.ReplaceAll(records))

	if planner == nil {
		planner = &fakePlanner{candidates: []delivery.RouteCandidate{
			{DurationText: "1 ч 30 мин", DistanceKm: 100},
			{DurationText: "2 ч", DistanceKm: 50},
		}}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}

	h := &harness{
		store:   store,
		probe:   newFakeProbe(),
		planner: planner,
		sheet:   &fakeSheet{},
		journal: &fakeJournal{},
	}
	h.orch = New(Deps{
		Store:     store,
		Probe:     h.probe,
		Planner:   planner,
		Sheet:     h.sheet,
		Estimator: estimate.Estimator{Location: time.UTC},
		Journal:   h.journal,
	}, opts)
	h.orch.Start(context.Background())
	t.Cleanup(h.orch.Close)
	return h
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunCompletesAndWritesSheet(t *testing.T) {
	h := newHarness(t, nil, Options{}, testRecord("1"))

	out, err := h.orch.Run(testCtx(t), "1")
	require.NoError(t, err)

	assert.Equal(t, StateComplete, out.State)
	require.NotNil(t, out.Route)
	assert.Equal(t, 105, out.Route.DurationMinutes)
	assert.Equal(t, 75, out.Route.DistanceKm)
	assert.Equal(t, 1, out.Route.StopOrdinal)
	assert.True(t, out.Route.OnTime)
	assert.Equal(t, 75, out.Route.BufferMinutes)

	rec, ok := h.store.Record("1")
	require.True(t, ok)
	assert.Equal(t, "М-11, 120 км", rec.Geo)
	assert.Equal(t, origin, rec.Coordinates)
	require.NotNil(t, rec.RouteResult)
	assert.Equal(t, 105, rec.RouteResult.DurationMinutes)

	writes := h.sheet.Writes()
	require.Len(t, writes, 1)
	require.Len(t, writes[0], 1)
	assert.Equal(t, "1", writes[0][0].Index)
	assert.NotNil(t, writes[0][0].RouteResult)

	assert.False(t, h.orch.Busy("1"))
	require.Len(t, h.journal.outcomes, 1)
}

func TestSubmitTwiceRunsOneJob(t *testing.T) {
	h := newHarness(t, nil, Options{}, testRecord("1"))
	h.probe.started = make(chan string, 1)
	h.probe.gate = make(chan struct{})

	ctx := testCtx(t)
	require.NoError(t, h.orch.Submit(ctx, "1"))
	<-h.probe.started

	err := h.orch.Submit(ctx, "1")
	assert.ErrorIs(t, err, ErrAlreadyInFlight)

	_, err = h.orch.Run(ctx, "1")
	assert.ErrorIs(t, err, ErrAlreadyInFlight)

	close(h.probe.gate)
	assert.Eventually(t, func() bool { return !h.orch.Busy("1") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), h.probe.calls.Load())
}

func TestSubmitQueuedIsAlsoBusy(t *testing.T) {
	h := newHarness(t, nil, Options{QueueSize: 1}, testRecord("1"), testRecord("2"), testRecord("3"))
	h.probe.started = make(chan string, 3)
	h.probe.gate = make(chan struct{})

	ctx := testCtx(t)
	require.NoError(t, h.orch.Submit(ctx, "1"))
	<-h.probe.started

	require.NoError(t, h.orch.Submit(ctx, "2"))
	assert.ErrorIs(t, h.orch.Submit(ctx, "2"), ErrAlreadyInFlight, "queued, not yet running")
	assert.ErrorIs(t, h.orch.Submit(ctx, "3"), ErrQueueFull)
	assert.False(t, h.orch.Busy("3"), "rejected submit must not leave a busy mark")

	close(h.probe.gate)
	assert.Eventually(t, func() bool { return h.probe.calls.Load() == 2 && h.orch.Status().InFlight == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestSubmitUnknownIndex(t *testing.T) {
	h := newHarness(t, nil, Options{}, testRecord("1"))
	err := h.orch.Submit(testCtx(t), "404")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestSubmitRowResolvesIndex(t *testing.T) {
	h := newHarness(t, nil, Options{}, testRecord("10"), testRecord("20"))

	require.NoError(t, h.orch.SubmitRow(testCtx(t), 1))
	assert.Eventually(t, func() bool {
		rec, _ := h.store.Record("20")
		return rec.RouteResult != nil
	}, 2*time.Second, 10*time.Millisecond)

	rec, _ := h.store.Record("10")
	assert.Nil(t, rec.RouteResult)

	assert.ErrorIs(t, h.orch.SubmitRow(testCtx(t), 5), ErrRecordNotFound)
}

func TestNoNewCoordinatesAborts(t *testing.T) {
	planner := &fakePlanner{}
	h := newHarness(t, planner, Options{}, testRecord("1"))
	h.probe.result = delivery.ProbeResult{HasNewCoordinates: false}

	out, err := h.orch.Run(testCtx(t), "1")
	require.NoError(t, err)

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, StateLocating, out.Step)
	assert.Equal(t, apperrors.KindProbeFailure, out.Kind)
	assert.NoError(t, out.Err)
	assert.Zero(t, planner.calls.Load())
	assert.Empty(t, h.sheet.Writes())

	rec, _ := h.store.Record("1")
	assert.Empty(t, rec.Geo)
}

func TestProbeErrorFailsAndReleasesBusy(t *testing.T) {
	h := newHarness(t, nil, Options{}, testRecord("1"))
	h.probe.err = errors.New("tracking page timeout")

	out, err := h.orch.Run(testCtx(t), "1")
	require.NoError(t, err)

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, apperrors.KindUnexpected, out.Kind)
	var jobErr *apperrors.JobError
	require.ErrorAs(t, out.Err, &jobErr)
	assert.Equal(t, "1", jobErr.Index)
	assert.False(t, h.orch.Busy("1"))

	// a fresh trigger works again
	h.probe.err = nil
	out, err = h.orch.Run(testCtx(t), "1")
	require.NoError(t, err)
	assert.Equal(t, StateComplete, out.State)
}

func TestPanicIsRecovered(t *testing.T) {
	h := newHarness(t, nil, Options{}, testRecord("1"))
	h.probe.panics = true

	out, err := h.orch.Run(testCtx(t), "1")
	require.NoError(t, err)

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, StateLocating, out.Step)
	assert.Contains(t, out.Err.Error(), "tab crashed")
	assert.False(t, h.orch.Busy("1"))
}

func TestRouteNotFoundAborts(t *testing.T) {
	h := newHarness(t, &fakePlanner{}, Options{}, testRecord("1"))

	out, err := h.orch.Run(testCtx(t), "1")
	require.NoError(t, err)

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, StateRouting, out.Step)
	assert.Equal(t, apperrors.KindRouteNotFound, out.Kind)
	assert.Empty(t, h.sheet.Writes())

	rec, _ := h.store.Record("1")
	assert.Equal(t, "М-11, 120 км", rec.Geo, "location is persisted before routing")
	assert.Nil(t, rec.RouteResult)
}

func TestPlannerErrorFails(t *testing.T) {
	h := newHarness(t, &fakePlanner{err: errors.New("maps tab gone")}, Options{}, testRecord("1"))

	out, err := h.orch.Run(testCtx(t), "1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, StateRouting, out.Step)
}

func TestShortcutSkipsPlanner(t *testing.T) {
	planner := &geoPlanner{dest: delivery.Coordinates{Lat: origin.Lat + 0.002, Lon: origin.Lon}}
	h := newHarness(t, planner, Options{}, testRecord("1"))

	out, err := h.orch.Run(testCtx(t), "1")
	require.NoError(t, err)

	assert.Equal(t, StateComplete, out.State)
	assert.True(t, out.Shortcut)
	assert.Zero(t, planner.calls.Load())
	require.NotNil(t, out.Route)
	assert.Equal(t, 0, out.Route.DistanceKm)
	assert.True(t, out.Route.OnTime)
}

func TestGeocoderUnderOneKilometreRoundsUpAndPlans(t *testing.T) {
	// about 0.7 km north, which rounds to 1 km
	planner := &geoPlanner{
		fakePlanner: fakePlanner{candidates: []delivery.RouteCandidate{{DurationText: "4 мин", DistanceKm: 0.7}}},
		dest:        delivery.Coordinates{Lat: origin.Lat + 0.0063, Lon: origin.Lon},
	}
	h := newHarness(t, planner, Options{}, testRecord("1"))

	out, err := h.orch.Run(testCtx(t), "1")
	require.NoError(t, err)
	assert.Equal(t, StateComplete, out.State)
	assert.False(t, out.Shortcut)
	assert.Equal(t, int32(1), planner.calls.Load())
	require.NotNil(t, out.Route)
	assert.Equal(t, 1, out.Route.DistanceKm)
}

func TestGeocoderFarAwayStillPlans(t *testing.T) {
	planner := &geoPlanner{
		fakePlanner: fakePlanner{candidates: []delivery.RouteCandidate{{DurationText: "2 ч", DistanceKm: 160}}},
		dest:        delivery.Coordinates{Lat: 56.8587, Lon: 35.9176},
	}
	h := newHarness(t, planner, Options{}, testRecord("1"))

	out, err := h.orch.Run(testCtx(t), "1")
	require.NoError(t, err)
	assert.Equal(t, StateComplete, out.State)
	assert.False(t, out.Shortcut)
	assert.Equal(t, int32(1), planner.calls.Load())
}

func TestNextStopSkipsProcessed(t *testing.T) {
	rec := testRecord("1")
	rec.Processed = []bool{true, false}
	h := newHarness(t, nil, Options{}, rec)

	out, err := h.orch.Run(testCtx(t), "1")
	require.NoError(t, err)
	require.NotNil(t, out.Route)
	assert.Equal(t, 2, out.Route.StopOrdinal)
	assert.Equal(t, "Клин", out.StopName)
}

func TestAllProcessedCompletesWithoutRoute(t *testing.T) {
	rec := testRecord("1")
	rec.Processed = []bool{true, true}
	planner := &fakePlanner{}
	h := newHarness(t, planner, Options{}, rec)

	out, err := h.orch.Run(testCtx(t), "1")
	require.NoError(t, err)

	assert.Equal(t, StateComplete, out.State)
	assert.Nil(t, out.Route)
	assert.Zero(t, planner.calls.Load())
	assert.Len(t, h.sheet.Writes(), 1)
}

func TestSheetErrorFailsSingleJob(t *testing.T) {
	h := newHarness(t, nil, Options{}, testRecord("1"))
	h.sheet.err = errors.New("quota exceeded")

	out, err := h.orch.Run(testCtx(t), "1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)

	rec, _ := h.store.Record("1")
	assert.NotNil(t, rec.RouteResult, "route is persisted before the sheet write")
}

func TestProcessAllBatchesSheetWrite(t *testing.T) {
	noPlate := testRecord("3")
	noPlate.Plate = ""
	noExternal := testRecord("4")
	noExternal.ExternalID = ""

	var hooked atomic.Int32
	h := newHarness(t, nil, Options{OnBatchDone: func(*Batch) { hooked.Add(1) }},
		testRecord("1"), testRecord("2"), noPlate, noExternal, testRecord("5"))

	b, err := h.orch.ProcessAll(testCtx(t))
	require.NoError(t, err)
	require.NoError(t, b.Wait(testCtx(t)))

	assert.Equal(t, 3, b.Total())
	assert.Len(t, b.Outcomes(), 3)
	assert.Equal(t, 3, b.Counts()[StateComplete])
	assert.NoError(t, b.Err())
	assert.False(t, b.FinishedAt().IsZero())
	assert.Equal(t, int32(1), hooked.Load())

	writes := h.sheet.Writes()
	require.Len(t, writes, 1, "one bulk write per batch")
	assert.Len(t, writes[0], 3)

	assert.False(t, h.orch.Status().BatchRunning)
	assert.Equal(t, b, h.orch.Status().LastBatch)
}

func TestProcessAllContinuesAfterFailure(t *testing.T) {
	h := newHarness(t, nil, Options{}, testRecord("1"), testRecord("2"))
	h.probe.panics = true

	b, err := h.orch.ProcessAll(testCtx(t))
	require.NoError(t, err)
	require.NoError(t, b.Wait(testCtx(t)))

	assert.Equal(t, 2, b.Counts()[StateFailed])
	assert.Empty(t, b.Updated())
	assert.Empty(t, h.sheet.Writes())
	assert.Equal(t, 0, h.orch.Status().InFlight)
}

func TestProcessAllRejectsOverlap(t *testing.T) {
	h := newHarness(t, nil, Options{}, testRecord("1"))
	h.probe.started = make(chan string, 2)
	h.probe.gate = make(chan struct{})

	ctx := testCtx(t)
	first, err := h.orch.ProcessAll(ctx)
	require.NoError(t, err)
	<-h.probe.started

	second, err := h.orch.ProcessAll(ctx)
	assert.ErrorIs(t, err, ErrBatchRunning)
	assert.Nil(t, second)

	close(h.probe.gate)
	require.NoError(t, first.Wait(ctx))

	third, err := h.orch.ProcessAll(ctx)
	require.NoError(t, err)
	<-h.probe.started
	require.NoError(t, third.Wait(ctx))
}

func TestProcessAllSkipsBusyRecords(t *testing.T) {
	h := newHarness(t, nil, Options{}, testRecord("1"), testRecord("2"))
	h.probe.started = make(chan string, 2)
	h.probe.gate = make(chan struct{})

	ctx := testCtx(t)
	require.NoError(t, h.orch.Submit(ctx, "1"))
	<-h.probe.started

	b, err := h.orch.ProcessAll(ctx)
	require.NoError(t, err)
	// "2" is enqueued only after "1" was skipped
	require.Eventually(t, func() bool { return b.Total() == 1 }, 2*time.Second, 10*time.Millisecond)

	close(h.probe.gate)
	require.NoError(t, b.Wait(ctx))

	assert.Equal(t, []string{"1"}, b.Skipped())
	assert.Equal(t, 1, b.Total())

	// the single-row job wrote on its own, the batch wrote only its record
	writes := h.sheet.Writes()
	require.Len(t, writes, 2)
	for _, w := range writes {
		require.Len(t, w, 1)
	}
}

func TestSubmitBeforeStartAndAfterClose(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "records.json"), nil)
	require.NoError(t, err)
	require.NoError(t, store.ReplaceAll([]delivery.DeliveryRecord{testRecord("1")}))

	o := New(Deps{Store: store, Probe: newFakeProbe(), Planner: &fakePlanner{}}, Options{})
	assert.ErrorIs(t, o.Submit(context.Background(), "1"), ErrNotStarted)

	o.Start(context.Background())
	o.Close()
	assert.ErrorIs(t, o.Submit(context.Background(), "1"), ErrClosed)
	_, err = o.ProcessAll(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseFinishesQueuedJobs(t *testing.T) {
	h := newHarness(t, nil, Options{}, testRecord("1"), testRecord("2"))
	h.probe.started = make(chan string, 2)
	h.probe.gate = make(chan struct{})

	ctx := testCtx(t)
	require.NoError(t, h.orch.Submit(ctx, "1"))
	<-h.probe.started
	require.NoError(t, h.orch.Submit(ctx, "2"))

	close(h.probe.gate)
	h.orch.Close()

	assert.Equal(t, int32(2), h.probe.calls.Load())
	assert.Len(t, h.sheet.Writes(), 2)
}

type panickingJournal struct{}

func (panickingJournal) Record(context.Context, JobOutcome) error { panic("journal disk gone") }

type panickingRecorder struct{}

func (panickingRecorder) JobFinished(JobOutcome) { panic("collector broken") }
func (panickingRecorder) BatchFinished(*Batch)   { panic("collector broken") }
func (panickingRecorder) QueueDepth(int)         { panic("collector broken") }

func TestReportingPanicsKeepWorkerAlive(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "records.json"), nil)
	require.NoError(t, err)
	require.NoError(t, store.ReplaceAll([]delivery.DeliveryRecord{testRecord("1"), testRecord("2")}))

	hookRan := make(chan struct{})
	o := New(Deps{
		Store:     store,
		Probe:     newFakeProbe(),
		Planner:   &fakePlanner{candidates: []delivery.RouteCandidate{{DurationText: "2 ч", DistanceKm: 120}}},
		Estimator: estimate.Estimator{Location: time.UTC},
		Journal:   panickingJournal{},
		Recorder:  panickingRecorder{},
	}, Options{
		Now:         func() time.Time { return testNow },
		OnBatchDone: func(*Batch) { close(hookRan) },
	})
	o.Start(context.Background())
	t.Cleanup(o.Close)

	ctx := testCtx(t)
	for _, index := range []string{"1", "2"} {
		out, err := o.Run(ctx, index)
		require.NoError(t, err, index)
		assert.Equal(t, StateComplete, out.State, index)
		assert.False(t, o.Busy(index), index)
	}

	b, err := o.ProcessAll(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Wait(ctx))
	assert.Equal(t, 2, b.Counts()[StateComplete])
	<-hookRan
}

func TestStartRacesWithProcessAll(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "records.json"), nil)
	require.NoError(t, err)
	require.NoError(t, store.ReplaceAll([]delivery.DeliveryRecord{testRecord("1")}))

	o := New(Deps{
		Store:     store,
		Probe:     newFakeProbe(),
		Planner:   &fakePlanner{candidates: []delivery.RouteCandidate{{DurationText: "2 ч", DistanceKm: 120}}},
		Estimator: estimate.Estimator{Location: time.UTC},
	}, Options{Now: func() time.Time { return testNow }})
	t.Cleanup(o.Close)

	go o.Start(context.Background())

	ctx := testCtx(t)
	var b *Batch
	require.Eventually(t, func() bool {
		b, err = o.ProcessAll(ctx)
		return err == nil
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, b.Wait(ctx))
	assert.Equal(t, 1, b.Counts()[StateComplete])
}

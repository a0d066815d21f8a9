// Package dispatch runs delivery-record jobs through probing, routing and
// persistence on a single worker.
//
// All jobs share one stateful external resource (a logged-in browser session
// with a tab per surface), so they execute one at a time in FIFO order. The
// queue replaces any lock around that session and also serialises the tab
// switches between the tracking and mapping surfaces.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"logimon/internal/delivery"
	"logimon/internal/estimate"
	"logimon/internal/logger"
)

var (
	// ErrAlreadyInFlight is returned when a job for the index is queued or
	// running.
	ErrAlreadyInFlight = errors.New("job already in flight")

	// ErrBatchRunning is returned by ProcessAll while a batch is active.
	ErrBatchRunning = errors.New("batch already running")

	// ErrQueueFull is returned by Submit when the job queue has no room.
	ErrQueueFull = errors.New("job queue full")

	// ErrRecordNotFound is returned when no record matches the index or row.
	ErrRecordNotFound = errors.New("record not found")

	// ErrNotStarted is returned when jobs are submitted before Start.
	ErrNotStarted = errors.New("orchestrator not started")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("orchestrator closed")
)

// DefaultQueueSize is used when Options.QueueSize is zero.
const DefaultQueueSize = 64

// Deps are the collaborators of an Orchestrator. Store, Probe and Planner
// are required; Sheet, Journal and Recorder are optional.
type Deps struct {
	Store     PersistenceStore
	Probe     LocationProbe
	Planner   RoutePlanner
	Sheet     SheetWriter
	Estimator estimate.Estimator
	Journal   Journal
	Recorder  Recorder
	Log       logger.Logger
}

// Options tune an Orchestrator.
type Options struct {
	// QueueSize bounds the number of queued (not yet running) jobs.
	QueueSize int

	// OnBatchDone runs on the batch watcher after the bulk sheet write.
	OnBatchDone func(b *Batch)

	// Now is injectable for tests.
	Now func() time.Time
}

// job is one queued unit of work. batch is nil for single-row jobs; result
// receives the outcome when someone waits for it.
type job struct {
	index  string
	batch  *Batch
	result chan JobOutcome
}

// Orchestrator owns the job queue, the busy set and the active batch.
//
// Lifecycle:
//  1. New: wire collaborators
//  2. Start: launch the single worker
//  3. Submit / Run / ProcessAll: enqueue jobs
//  4. Close: stop accepting jobs, finish queued ones, stop the worker
type Orchestrator struct {
	deps Deps
	opts Options
	log  logger.Logger

	jobs chan job
	quit chan struct{}

	// sendMu is held for reading while sending on jobs and for writing while
	// closing it.
	sendMu sync.RWMutex

	mu        sync.Mutex
	busy      map[string]struct{}
	batch     *Batch
	lastBatch *Batch

	runCtx    context.Context
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an orchestrator. It does not start the worker.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Estimator.Now == nil {
		deps.Estimator.Now = opts.Now
	}

	return &Orchestrator{
		deps: deps,
		opts: opts,
		log:  deps.Log,
		jobs: make(chan job, opts.QueueSize),
		quit: make(chan struct{}),
		busy: make(map[string]struct{}),
	}
}

// Start launches the worker. Jobs run on a context derived from ctx that is
// never cancelled: a started job always runs to completion or failure.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started.Load() {
		o.mu.Unlock()
		return
	}
	// runCtx is set before started becomes visible to ready()
	o.runCtx = context.WithoutCancel(ctx)
	o.started.Store(true)
	o.mu.Unlock()

	o.wg.Add(1)
	go o.worker()
	o.log.Infof("✓ Dispatch worker started (queue %d)", o.opts.QueueSize)
}

// Close stops accepting jobs, lets the worker finish every queued job and
// waits for it to exit. A running batch stops enqueuing and finishes with
// the jobs it already queued.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		close(o.quit)

		o.sendMu.Lock()
		close(o.jobs)
		o.sendMu.Unlock()
	})
	o.wg.Wait()
	o.log.Infof("✓ Dispatch worker stopped")
}

// Submit enqueues a single-row job for index without waiting for it.
//
// Returns ErrAlreadyInFlight if a job for the same index is queued or
// running, ErrQueueFull if the queue has no room.
func (o *Orchestrator) Submit(ctx context.Context, index string) error {
	_, err := o.submit(ctx, index, false)
	return err
}

// SubmitRow resolves a row position (0-based, in store order) to its stable
// index and submits it. Row positions change between imports, so the index
// is resolved once here and never stored.
func (o *Orchestrator) SubmitRow(ctx context.Context, row int) error {
	records := o.deps.Store.Get()
	if row < 0 || row >= len(records) {
		return fmt.Errorf("row %d: %w", row, ErrRecordNotFound)
	}
	return o.Submit(ctx, records[row].Index)
}

// Run submits a single-row job and waits for its outcome.
func (o *Orchestrator) Run(ctx context.Context, index string) (JobOutcome, error) {
	result, err := o.submit(ctx, index, true)
	if err != nil {
		return JobOutcome{}, err
	}
	select {
	case outcome := <-result:
		return outcome, nil
	case <-ctx.Done():
		return JobOutcome{}, ctx.Err()
	}
}

func (o *Orchestrator) submit(ctx context.Context, index string, wait bool) (chan JobOutcome, error) {
	if _, ok := delivery.Find(o.deps.Store.Get(), index); !ok {
		return nil, fmt.Errorf("index %s: %w", index, ErrRecordNotFound)
	}

	j := job{index: index}
	if wait {
		j.result = make(chan JobOutcome, 1)
	}
	if err := o.enqueue(ctx, j, false); err != nil {
		return nil, err
	}
	o.log.Infof("🚚 Job queued for record %s", index)
	return j.result, nil
}

// ProcessAll starts a batch over every eligible record: those carrying both
// a plate and an external id. Jobs are enqueued by a watcher goroutine that
// then waits for all of them, performs one bulk sheet write and runs the
// completion hook. ProcessAll returns as soon as the watcher is running.
//
// The batch runs on the orchestrator's own context; ctx only bounds the
// set-up.
func (o *Orchestrator) ProcessAll(ctx context.Context) (*Batch, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.batch != nil {
		running := o.batch.ID
		o.mu.Unlock()
		o.log.Warnf("⚠️  Batch %s is still running, ignoring new batch request", running)
		return nil, ErrBatchRunning
	}
	b := newBatch(o.opts.Now())
	o.batch = b
	o.mu.Unlock()

	if err := ctx.Err(); err != nil {
		o.clearBatch(b)
		return nil, err
	}
	if err := o.deps.Store.Reload(); err != nil {
		o.clearBatch(b)
		return nil, fmt.Errorf("reload records: %w", err)
	}

	var eligible []string
	for _, rec := range o.deps.Store.Get() {
		if rec.Plate == "" || rec.ExternalID == "" {
			continue
		}
		eligible = append(eligible, rec.Index)
	}

	o.log.Infof("🚚 Batch %s started: %d eligible records", b.ID, len(eligible))
	go o.watch(b, eligible)
	return b, nil
}

// Busy reports whether a job for index is queued or running.
func (o *Orchestrator) Busy(index string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.busy[index]
	return ok
}

// Status is a point-in-time view for the health endpoint.
type Status struct {
	InFlight     int
	Queued       int
	BatchRunning bool
	LastBatch    *Batch
}

// Status returns the current queue and batch state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		InFlight:     len(o.busy),
		Queued:       len(o.jobs),
		BatchRunning: o.batch != nil,
		LastBatch:    o.lastBatch,
	}
}

func (o *Orchestrator) ready() error {
	if o.closed.Load() {
		return ErrClosed
	}
	if !o.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// enqueue marks the index busy and sends the job. With block set it waits
// for queue room; otherwise a full queue is an error. The busy mark is
// rolled back on any failure.
func (o *Orchestrator) enqueue(ctx context.Context, j job, block bool) error {
	if err := o.ready(); err != nil {
		return err
	}

	o.mu.Lock()
	if _, busy := o.busy[j.index]; busy {
		o.mu.Unlock()
		o.log.Infof("ℹ️  Record %s is already being processed, skipping", j.index)
		return ErrAlreadyInFlight
	}
	o.busy[j.index] = struct{}{}
	o.mu.Unlock()

	o.sendMu.RLock()
	defer o.sendMu.RUnlock()

	if o.closed.Load() {
		o.release(j.index)
		return ErrClosed
	}

	if block {
		select {
		case o.jobs <- j:
		case <-o.quit:
			o.release(j.index)
			return ErrClosed
		case <-ctx.Done():
			o.release(j.index)
			return ctx.Err()
		}
	} else {
		select {
		case o.jobs <- j:
		default:
			o.release(j.index)
			return ErrQueueFull
		}
	}

	o.queueDepth()
	return nil
}

func (o *Orchestrator) release(index string) {
	o.mu.Lock()
	delete(o.busy, index)
	o.mu.Unlock()
}

func (o *Orchestrator) queueDepth() {
	if o.deps.Recorder != nil {
		depth := len(o.jobs)
		o.guarded("queue depth recorder", func() { o.deps.Recorder.QueueDepth(depth) })
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()

	for j := range o.jobs {
		o.queueDepth()
		o.execute(o.runCtx, j)
	}
}

// watch enqueues the batch jobs in order, waits for them and finishes the
// batch. Records that are already in flight are skipped.
func (o *Orchestrator) watch(b *Batch, indices []string) {
	ctx := o.runCtx

	for _, index := range indices {
		b.pending.Add(1)
		err := o.enqueue(ctx, job{index: index, batch: b}, true)
		if err == nil {
			b.enqueued()
			continue
		}
		b.pending.Done()

		if errors.Is(err, ErrAlreadyInFlight) {
			b.skip(index)
			continue
		}
		o.log.Warnf("⚠️  Batch %s stopped enqueuing at %s: %v", b.ID, index, err)
		break
	}

	b.pending.Wait()

	var writeErr error
	if updated := b.Updated(); len(updated) > 0 && o.deps.Sheet != nil {
		if writeErr = o.deps.Sheet.Append(ctx, updated...); writeErr != nil {
			o.log.Errorf("❌ Batch %s sheet write failed: %v", b.ID, writeErr)
		} else {
			o.log.Infof("✓ Batch %s: %d rows written to sheet", b.ID, len(updated))
		}
	}
	b.finish(o.opts.Now(), writeErr)

	counts := b.Counts()
	o.log.Infof("✓ Batch %s done: %d complete, %d aborted, %d failed, %d skipped",
		b.ID, counts[StateComplete], counts[StateAborted], counts[StateFailed], len(b.Skipped()))

	if o.deps.Recorder != nil {
		o.guarded("batch recorder", func() { o.deps.Recorder.BatchFinished(b) })
	}
	if o.opts.OnBatchDone != nil {
		o.guarded("batch "+b.ID+" completion hook", func() { o.opts.OnBatchDone(b) })
	}

	o.clearBatch(b)
	close(b.done)
}

// guarded runs a reporting call, logging and swallowing any panic from it.
// A broken journal, recorder or hook must not take down the worker or the
// batch watcher.
func (o *Orchestrator) guarded(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Errorf("❌ %s panicked: %v", what, r)
		}
	}()
	fn()
}

func (o *Orchestrator) clearBatch(b *Batch) {
	o.mu.Lock()
	if o.batch == b {
		o.batch = nil
	}
	if !b.FinishedAt().IsZero() {
		o.lastBatch = b
	}
	o.mu.Unlock()
}

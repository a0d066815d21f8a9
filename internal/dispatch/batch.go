package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"logimon/internal/delivery"
)

// Batch accumulates the results of one processAll run.
//
// It replaces a global "updated rows" buffer: every job submitted by the run
// carries a pointer to its batch and reports here, so a single-row job
// running at the same time is never mixed into the bulk write.
type Batch struct {
	ID        string
	StartedAt time.Time

	mu         sync.Mutex
	total      int
	skipped    []string
	updated    []delivery.DeliveryRecord
	outcomes   []JobOutcome
	writeErr   error
	finishedAt time.Time

	pending sync.WaitGroup
	done    chan struct{}
}

func newBatch(now time.Time) *Batch {
	return &Batch{
		ID:        uuid.NewString(),
		StartedAt: now,
		done:      make(chan struct{}),
	}
}

// Done is closed once the bulk write and the completion hook have run.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until the batch is done or ctx ends.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Total is the number of jobs the batch enqueued.
func (b *Batch) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Skipped lists indices that were already in flight when the batch reached
// them.
func (b *Batch) Skipped() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.skipped...)
}

// Updated returns the records that completed, in completion order.
func (b *Batch) Updated() []delivery.DeliveryRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]delivery.DeliveryRecord(nil), b.updated...)
}

// Outcomes returns every finished job of the batch, in completion order.
func (b *Batch) Outcomes() []JobOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]JobOutcome(nil), b.outcomes...)
}

// Counts tallies outcomes by terminal state.
func (b *Batch) Counts() map[State]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[State]int, 3)
	for _, o := range b.outcomes {
		counts[o.State]++
	}
	return counts
}

// Err is the bulk sheet write error, if any.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeErr
}

// FinishedAt is zero until the batch is done.
func (b *Batch) FinishedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finishedAt
}

func (b *Batch) enqueued() {
	b.mu.Lock()
	b.total++
	b.mu.Unlock()
}

func (b *Batch) skip(index string) {
	b.mu.Lock()
	b.skipped = append(b.skipped, index)
	b.mu.Unlock()
}

// jobDone records a finished job. rec is nil unless the job completed with a
// record to report.
func (b *Batch) jobDone(outcome JobOutcome, rec *delivery.DeliveryRecord) {
	b.mu.Lock()
	b.outcomes = append(b.outcomes, outcome)
	if rec != nil {
		b.updated = append(b.updated, *rec)
	}
	b.mu.Unlock()
	b.pending.Done()
}

func (b *Batch) finish(now time.Time, err error) {
	b.mu.Lock()
	b.writeErr = err
	b.finishedAt = now
	b.mu.Unlock()
}

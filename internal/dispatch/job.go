package dispatch

import (
	"context"
	"fmt"
	"time"

	"logimon/internal/delivery"
	apperrors "logimon/internal/errors"
	"logimon/internal/estimate"
)

// execute runs one job and is the only place job errors and panics are
// handled. Whatever happens the busy mark is released and the outcome is
// reported exactly once.
func (o *Orchestrator) execute(ctx context.Context, j job) {
	out := JobOutcome{
		Index:     j.index,
		Step:      StateIdle,
		StartedAt: o.opts.Now(),
	}
	if j.batch != nil {
		out.BatchID = j.batch.ID
	}
	var reported *delivery.DeliveryRecord

	defer func() {
		if r := recover(); r != nil {
			out.State = StateFailed
			out.Kind = apperrors.KindUnexpected
			out.Err = apperrors.NewJobError(apperrors.KindUnexpected, j.index, out.Step.String(), fmt.Errorf("panic: %v", r))
			reported = nil
		}
		out.FinishedAt = o.opts.Now()

		o.release(j.index)
		o.report(ctx, j, out, reported)
	}()

	reported = o.process(ctx, j, &out)
}

// process walks the state machine. It returns the record to forward to the
// sheet when the job completes.
func (o *Orchestrator) process(ctx context.Context, j job, out *JobOutcome) *delivery.DeliveryRecord {
	log := o.log.With("index", j.index)

	// Locating
	out.Step = StateLocating
	rec, ok := delivery.Find(o.deps.Store.Get(), j.index)
	if !ok {
		o.fail(out, apperrors.KindUnexpected, ErrRecordNotFound)
		return nil
	}
	out.Plate = rec.Plate

	log.Debugf("📍 Locating %s", rec.Plate)
	probe, err := o.deps.Probe.Locate(ctx, *rec)
	if err != nil {
		o.fail(out, apperrors.KindUnexpected, fmt.Errorf("locate: %w", err))
		return nil
	}
	if !probe.HasNewCoordinates {
		log.Infof("ℹ️  No new coordinates for %s, job ends", rec.Plate)
		out.State = StateAborted
		out.Kind = apperrors.KindProbeFailure
		out.Reason = "no new coordinates"
		return nil
	}

	err = o.deps.Store.Update(j.index, func(r *delivery.DeliveryRecord) error {
		r.Geo = probe.Geo
		r.Coordinates = probe.Coordinates
		r.Speed = probe.Speed
		return nil
	})
	if err != nil {
		o.fail(out, apperrors.KindUnexpected, fmt.Errorf("persist location: %w", err))
		return nil
	}

	// Routing
	out.Step = StateRouting
	if err := o.deps.Store.Reload(); err != nil {
		o.fail(out, apperrors.KindUnexpected, fmt.Errorf("reload records: %w", err))
		return nil
	}
	rec, ok = delivery.Find(o.deps.Store.Get(), j.index)
	if !ok {
		// removed by an import while we were locating
		o.fail(out, apperrors.KindUnexpected, ErrRecordNotFound)
		return nil
	}

	stop, _, ok := delivery.FirstUnprocessed(rec)
	if !ok {
		log.Infof("✓ All stops of %s processed, nothing to route", rec.Plate)
		out.State = StateComplete
		return o.deliver(ctx, j, out, rec)
	}
	out.StopName = stop.Address

	result, shortcut, found, err := o.route(ctx, rec, stop)
	if err != nil {
		o.fail(out, apperrors.KindUnexpected, fmt.Errorf("plan route: %w", err))
		return nil
	}
	if !found {
		log.Warnf("⚠️  No route found from %s to %q", rec.Coordinates, stop.Address)
		out.State = StateAborted
		out.Kind = apperrors.KindRouteNotFound
		out.Reason = "route not found"
		return nil
	}
	result.StopOrdinal = stop.Ordinal
	out.Route = &result
	out.Shortcut = shortcut

	var updated delivery.DeliveryRecord
	err = o.deps.Store.Update(j.index, func(r *delivery.DeliveryRecord) error {
		rr := result
		r.RouteResult = &rr
		updated = *r
		return nil
	})
	if err != nil {
		o.fail(out, apperrors.KindUnexpected, fmt.Errorf("persist route: %w", err))
		return nil
	}

	log.Infof("✓ %s → %q: %d km, %d min, on time %t", rec.Plate, stop.Address,
		result.DistanceKm, result.DurationMinutes, result.OnTime)

	out.State = StateComplete
	return o.deliver(ctx, j, out, &updated)
}

// route estimates arrival at stop. found is false when the planner returned
// no candidates. When the planner can geocode and the vehicle is within the
// shortcut radius, Plan is never called.
func (o *Orchestrator) route(ctx context.Context, rec *delivery.DeliveryRecord, stop delivery.Stop) (result delivery.RouteResult, shortcut, found bool, err error) {
	if g, ok := o.deps.Planner.(Geocoder); ok && !rec.Coordinates.IsZero() {
		dest, gerr := g.Geocode(ctx, stop.Address)
		switch {
		case gerr != nil:
			o.log.Debugf("Geocoding %q failed, planning anyway: %v", stop.Address, gerr)
		case estimate.WithinShortcut(estimate.Distance(rec.Coordinates, dest)):
			return o.deps.Estimator.Shortcut(), true, true, nil
		}
	}

	candidates, err := o.deps.Planner.Plan(ctx, rec.Coordinates, stop.Address)
	if err != nil {
		return delivery.RouteResult{}, false, false, err
	}
	if len(candidates) == 0 {
		return delivery.RouteResult{}, false, false, nil
	}

	result = o.deps.Estimator.Estimate(candidates, delivery.Deadline(stop))
	return result, result.DistanceKm == 0 && result.DurationMinutes == 0, true, nil
}

// deliver forwards a completed record: straight to the sheet for single-row
// jobs, to the batch accumulator otherwise. A failed sheet write fails the
// job.
func (o *Orchestrator) deliver(ctx context.Context, j job, out *JobOutcome, rec *delivery.DeliveryRecord) *delivery.DeliveryRecord {
	if j.batch != nil || o.deps.Sheet == nil {
		return rec
	}
	if err := o.deps.Sheet.Append(ctx, *rec); err != nil {
		o.fail(out, apperrors.KindUnexpected, fmt.Errorf("write sheet: %w", err))
		return nil
	}
	return rec
}

func (o *Orchestrator) fail(out *JobOutcome, kind apperrors.Kind, err error) {
	out.State = StateFailed
	out.Kind = kind
	out.Err = apperrors.NewJobError(kind, out.Index, out.Step.String(), err)
}

// report delivers the outcome to the batch, the waiter, the journal and the
// recorder.
func (o *Orchestrator) report(ctx context.Context, j job, out JobOutcome, rec *delivery.DeliveryRecord) {
	switch out.State {
	case StateFailed:
		o.log.Errorf("❌ Job %s failed at %s: %v", out.Index, out.Step, out.Err)
	case StateAborted:
		o.log.Infof("Job %s aborted at %s: %s", out.Index, out.Step, out.Reason)
	default:
		o.log.Infof("✓ Job %s complete in %s", out.Index, out.Duration().Round(time.Millisecond))
	}

	if o.deps.Journal != nil {
		o.guarded("journal", func() {
			if err := o.deps.Journal.Record(ctx, out); err != nil {
				o.log.Warnf("⚠️  Failed to journal job %s: %v", out.Index, err)
			}
		})
	}
	if o.deps.Recorder != nil {
		o.guarded("job recorder", func() { o.deps.Recorder.JobFinished(out) })
	}
	if j.result != nil {
		j.result <- out
	}
	if j.batch != nil {
		if out.State != StateComplete {
			rec = nil
		}
		j.batch.jobDone(out, rec)
	}
}

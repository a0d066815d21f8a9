// Package metrics exposes dispatch activity as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"logimon/internal/dispatch"
)

var jobStates = []dispatch.State{dispatch.StateComplete, dispatch.StateAborted, dispatch.StateFailed}

// PromRecorder implements dispatch.Recorder.
type PromRecorder struct {
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	late        prometheus.Counter
	shortcuts   prometheus.Counter
	queueDepth  prometheus.Gauge
	batches     prometheus.Counter
	batchTime   prometheus.Histogram
	lastBatch   *prometheus.GaugeVec
}

// NewPromRecorder registers the collectors on reg. If reg is nil, the
// default registerer is used. Already registered collectors are reused.
func NewPromRecorder(reg prometheus.Registerer) (*PromRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &PromRecorder{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logimon_jobs_total",
			Help: "Finished dispatch jobs by terminal state and error kind",
		}, []string{"state", "kind"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "logimon_job_duration_seconds",
			Help:    "Wall time of dispatch jobs",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"state"}),
		late: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logimon_late_estimates_total",
			Help: "Estimates whose ETA is past the stop deadline",
		}),
		shortcuts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logimon_shortcuts_total",
			Help: "Jobs that found the vehicle already at its stop",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logimon_queue_depth",
			Help: "Jobs waiting for the worker",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logimon_batches_total",
			Help: "Finished processAll batches",
		}),
		batchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "logimon_batch_duration_seconds",
			Help:    "Wall time of processAll batches",
			Buckets: prometheus.ExponentialBuckets(10, 2, 8),
		}),
		lastBatch: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "logimon_last_batch_jobs",
			Help: "Jobs of the most recent batch by terminal state",
		}, []string{"state"}),
	}

	var err error
	if r.jobs, err = register(reg, r.jobs); err != nil {
		return nil, err
	}
	if r.jobDuration, err = register(reg, r.jobDuration); err != nil {
		return nil, err
	}
	if r.late, err = register(reg, r.late); err != nil {
		return nil, err
	}
	if r.shortcuts, err = register(reg, r.shortcuts); err != nil {
		return nil, err
	}
	if r.queueDepth, err = register(reg, r.queueDepth); err != nil {
		return nil, err
	}
	if r.batches, err = register(reg, r.batches); err != nil {
		return nil, err
	}
	if r.batchTime, err = register(reg, r.batchTime); err != nil {
		return nil, err
	}
	if r.lastBatch, err = register(reg, r.lastBatch); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// JobFinished records one terminal job.
func (r *PromRecorder) JobFinished(out dispatch.JobOutcome) {
	kind := ""
	if out.State != dispatch.StateComplete {
		kind = out.Kind.String()
	}
	r.jobs.WithLabelValues(out.State.String(), kind).Inc()
	if d := out.Duration(); d > 0 {
		r.jobDuration.WithLabelValues(out.State.String()).Observe(d.Seconds())
	}
	if out.Shortcut {
		r.shortcuts.Inc()
	}
	if rr := out.Route; rr != nil && rr.HasBuffer && !rr.OnTime {
		r.late.Inc()
	}
}

// BatchFinished records a finished batch.
func (r *PromRecorder) BatchFinished(b *dispatch.Batch) {
	r.batches.Inc()
	if d := b.FinishedAt().Sub(b.StartedAt); d > 0 && !b.StartedAt.IsZero() {
		r.batchTime.Observe(d.Seconds())
	}
	counts := b.Counts()
	for _, s := range jobStates {
		r.lastBatch.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// QueueDepth records the number of queued jobs.
func (r *PromRecorder) QueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

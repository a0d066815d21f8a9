// Package health serves the HTTP surface of the dispatcher.
//
// Endpoints:
//   - GET  /health: uptime, queue state and last batch status
//   - GET  /metrics: Prometheus exposition
//   - GET  /records: the persisted delivery records
//   - POST /records/:index/process: queue a single-row job
//   - POST /batch: start a batch over every eligible record
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"logimon/internal/delivery"
	"logimon/internal/dispatch"
	"logimon/internal/logger"
)

// Status represents the application health status returned by /health.
type Status struct {
	Status          string `json:"status"`
	Uptime          string `json:"uptime"`
	InFlight        int    `json:"in_flight"`
	Queued          int    `json:"queued"`
	BatchRunning    bool   `json:"batch_running"`
	LastBatchID     string `json:"last_batch_id,omitempty"`
	LastBatchTime   string `json:"last_batch_time,omitempty"`
	LastBatchStatus string `json:"last_batch_status"`
}

// Monitor tracks uptime and the outcome of the last batch.
type Monitor struct {
	mu              sync.RWMutex
	startTime       time.Time
	lastBatchID     string
	lastBatchTime   time.Time
	lastBatchStatus string
	now             func() time.Time
}

// NewMonitor creates a monitor started now.
func NewMonitor() *Monitor {
	return &Monitor{
		startTime:       time.Now(),
		lastBatchStatus: "not started",
		now:             time.Now,
	}
}

// BatchDone records a finished batch. It has the dispatch.Options.OnBatchDone
// signature.
func (m *Monitor) BatchDone(b *dispatch.Batch) {
	counts := b.Counts()
	status := fmt.Sprintf("%d complete, %d aborted, %d failed, %d skipped",
		counts[dispatch.StateComplete], counts[dispatch.StateAborted], counts[dispatch.StateFailed], len(b.Skipped()))
	if err := b.Err(); err != nil {
		status = "sheet write failed: " + err.Error()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBatchID = b.ID
	m.lastBatchTime = b.FinishedAt()
	m.lastBatchStatus = status
}

// GetStatus returns the current health status.
func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{
		Status:          "healthy",
		Uptime:          m.now().Sub(m.startTime).Round(time.Second).String(),
		LastBatchID:     m.lastBatchID,
		LastBatchStatus: m.lastBatchStatus,
	}
	if !m.lastBatchTime.IsZero() {
		s.LastBatchTime = m.lastBatchTime.Format("2006-01-02 15:04:05")
	}
	return s
}

// Dispatcher is the part of the orchestrator the API drives.
type Dispatcher interface {
	Submit(ctx context.Context, index string) error
	ProcessAll(ctx context.Context) (*dispatch.Batch, error)
	Status() dispatch.Status
}

// Records lists persisted records.
type Records interface {
	Get() []delivery.DeliveryRecord
}

// Options wires the server.
type Options struct {
	Port       int
	Monitor    *Monitor
	Dispatcher Dispatcher
	Records    Records
	Gatherer   prometheus.Gatherer
	Log        logger.Logger
}

// NewRouter builds the gin engine.
func NewRouter(opts Options) *gin.Engine {
	if opts.Monitor == nil {
		opts.Monitor = NewMonitor()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", handleHealth(opts.Monitor, opts.Dispatcher))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	if opts.Records != nil {
		router.GET("/records", handleRecords(opts.Records))
	}
	if opts.Dispatcher != nil {
		router.POST("/records/:index/process", handleProcess(opts.Dispatcher, opts.Log))
		router.POST("/batch", handleBatch(opts.Dispatcher, opts.Log))
	}
	return router
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts Options) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	opts.Log.Infof("✓ HTTP server started on :%d", opts.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health: %w", err)
	}
	return nil
}

func handleHealth(m *Monitor, d Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := m.GetStatus()
		if d != nil {
			ds := d.Status()
			s.InFlight = ds.InFlight
			s.Queued = ds.Queued
			s.BatchRunning = ds.BatchRunning
		}
		c.JSON(http.StatusOK, s)
	}
}

func handleRecords(r Records) gin.HandlerFunc {
	return func(c *gin.Context) {
		records := r.Get()
		if records == nil {
			records = []delivery.DeliveryRecord{}
		}
		c.JSON(http.StatusOK, records)
	}
}

func handleProcess(d Dispatcher, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		index := c.Param("index")
		if err := d.Submit(c.Request.Context(), index); err != nil {
			log.Debugf("Process request for %s rejected: %v", index, err)
			c.JSON(statusFor(err), gin.H{"index": index, "error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"index": index, "status": "queued"})
	}
}

func handleBatch(d Dispatcher, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := d.ProcessAll(c.Request.Context())
		if err != nil {
			log.Debugf("Batch request rejected: %v", err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"batch_id": b.ID, "status": "started"})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrAlreadyInFlight), errors.Is(err, dispatch.ErrBatchRunning):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrNotStarted), errors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

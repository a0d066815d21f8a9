// Package browser manages the shared Chrome session used by the tracking
// probe and the route planner.
//
// One browser process carries two tabs:
//   - tracking: logged in to the vehicle tracking surface
//   - mapping:  the public route planner
//
// The dispatch worker is the only caller, so the tabs are never driven
// concurrently; the mutex only protects restarts against readers.
package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"logimon/internal/logger"
)

// Options configures the browser process.
type Options struct {
	Headless  bool
	UserAgent string
	// Debug enables chromedp protocol logging.
	Debug bool
}

// Session holds the browser process and its two tabs.
//
// Thread-safety:
//   - Tab accessors take a read lock
//   - Restart and Close take the write lock and cancel the old contexts
type Session struct {
	mu   sync.RWMutex
	opts Options
	log  logger.Logger

	parent      context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
	tracking    context.Context
	mapping     context.Context
	tabCancels  []context.CancelFunc
}

// NewSession starts the browser and opens both tabs.
//
// Flow:
//  1. Create an exec allocator with the configured flags
//  2. Create the browser context (first tab)
//  3. Open a second tab for the mapping surface
//  4. Run an empty action on each tab so the process is really up
func NewSession(ctx context.Context, opts Options, log logger.Logger) (*Session, error) {
	if log == nil {
		log = logger.Nop()
	}
	s := &Session{opts: opts, log: log, parent: ctx}
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) start() error {
	s.log.Infof("  → Starting browser (headless=%t)...", s.opts.Headless)

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", s.opts.Headless),
		chromedp.Flag("disable-gpu", s.opts.Headless),
		chromedp.WindowSize(1600, 1000),
	)
	if s.opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(s.opts.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(s.parent, allocOpts...)

	var ctxOpts []chromedp.ContextOption
	if s.opts.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithLogf(s.log.Debugf))
	}
	browserCtx, cancel := chromedp.NewContext(allocCtx, ctxOpts...)

	// the browser context is the first tab
	mappingCtx, mappingCancel := chromedp.NewContext(browserCtx)

	for _, tab := range []context.Context{browserCtx, mappingCtx} {
		if err := chromedp.Run(tab); err != nil {
			mappingCancel()
			cancel()
			allocCancel()
			return err
		}
	}

	s.allocCancel = allocCancel
	s.browserCtx = browserCtx
	s.cancel = cancel
	s.tracking = browserCtx
	s.mapping = mappingCtx
	s.tabCancels = []context.CancelFunc{mappingCancel}

	s.log.Infof("  ✓ Browser started with tracking and mapping tabs")
	return nil
}

// Tracking returns the tracking-surface tab.
func (s *Session) Tracking() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracking
}

// Mapping returns the mapping-surface tab.
func (s *Session) Mapping() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapping
}

// Restart kills the browser and starts a fresh one. Callers must log in
// again afterwards.
func (s *Session) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Warnf("  ⚠️  Restarting browser...")
	s.stop()
	return s.start()
}

// Close shuts the browser down.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
}

func (s *Session) stop() {
	for _, c := range s.tabCancels {
		c()
	}
	s.tabCancels = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
}

// WithTimeout derives a bounded context from a tab for one operation.
func WithTimeout(tab context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(tab)
	}
	return context.WithTimeout(tab, d)
}

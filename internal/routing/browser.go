package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"logimon/internal/delivery"
	"logimon/internal/errors"
	"logimon/internal/logger"
)

// DefaultMapsURL is the mapping surface used by BrowserPlanner.
const DefaultMapsURL = "https://yandex.ru/maps/"

// BrowserConfig tunes polling of the mapping tab.
type BrowserConfig struct {
	BaseURL  string
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// routePanel is one evaluation of the route panel.
type routePanel struct {
	Done     bool        `json:"done"`
	NotFound bool        `json:"notFound"`
	Routes   []panelItem `json:"routes"`
}

type panelItem struct {
	Duration string `json:"duration"`
	Distance string `json:"distance"`
}

// BrowserPlanner plans car routes on the mapping tab.
//
// Flow per Plan:
//  1. Navigate the tab to a route URL built from origin and destination
//  2. Poll the route panel with a fixed backoff
//  3. Return every alternative the panel lists, or none when it reports
//     that no route exists
type BrowserPlanner struct {
	tab   func() context.Context
	cfg   BrowserConfig
	sleep func(time.Duration)
	open  func(ctx context.Context, target string) error
	read  func(ctx context.Context) (routePanel, error)
	log   logger.Logger
}

// NewBrowserPlanner creates a planner on the tab returned by tab.
func NewBrowserPlanner(tab func() context.Context, cfg BrowserConfig, log logger.Logger) *BrowserPlanner {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultMapsURL
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 10
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	p := &BrowserPlanner{tab: tab, cfg: cfg, sleep: time.Sleep, log: log}
	p.open = p.navigate
	p.read = p.readPanel
	return p
}

// RouteURL builds the mapping-surface link for a car route.
func RouteURL(base string, origin delivery.Coordinates, destination string) string {
	q := url.Values{}
	q.Set("rtext", fmt.Sprintf("%.6f,%.6f~%s", origin.Lat, origin.Lon, destination))
	q.Set("rtt", "auto")
	return strings.TrimRight(base, "/") + "/?" + q.Encode()
}

// Plan returns the route alternatives listed by the mapping surface.
func (p *BrowserPlanner) Plan(ctx context.Context, origin delivery.Coordinates, destination string) ([]delivery.RouteCandidate, error) {
	if strings.TrimSpace(destination) == "" {
		return nil, errors.NewFetchError("empty destination", nil)
	}

	target := RouteURL(p.cfg.BaseURL, origin, destination)
	p.log.Debugf("🗺️  Opening route %s", target)
	if err := p.open(ctx, target); err != nil {
		return nil, errors.NewFetchError("open route page", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		panel, err := p.read(ctx)
		switch {
		case err != nil:
			lastErr = err
		case panel.NotFound:
			return nil, nil
		case panel.Done && len(panel.Routes) > 0:
			return toCandidates(panel.Routes), nil
		}

		if attempt < p.cfg.Attempts {
			p.sleep(p.cfg.Backoff)
		}
	}

	if lastErr != nil {
		return nil, errors.NewFetchError("route panel", lastErr)
	}
	return nil, errors.NewFetchError(fmt.Sprintf("route panel did not load after %d attempts", p.cfg.Attempts), nil)
}

func toCandidates(items []panelItem) []delivery.RouteCandidate {
	out := make([]delivery.RouteCandidate, 0, len(items))
	for _, it := range items {
		km, ok := ParseDistanceKm(it.Distance)
		if !ok || strings.TrimSpace(it.Duration) == "" {
			continue
		}
		out = append(out, delivery.RouteCandidate{
			DurationText: strings.Join(strings.Fields(it.Duration), " "),
			DistanceKm:   km,
		})
	}
	return out
}

func (p *BrowserPlanner) bounded(ctx context.Context) (context.Context, func()) {
	runCtx, cancel := context.WithTimeout(p.tab(), p.cfg.Timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (p *BrowserPlanner) navigate(ctx context.Context, target string) error {
	runCtx, done := p.bounded(ctx)
	defer done()

	return chromedp.Run(runCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (p *BrowserPlanner) readPanel(ctx context.Context) (routePanel, error) {
	runCtx, done := p.bounded(ctx)
	defer done()

	var raw string
	err := chromedp.Run(runCtx,
		chromedp.Evaluate(readRoutesJS, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		return routePanel{}, err
	}

	var panel routePanel
	if err := json.Unmarshal([]byte(raw), &panel); err != nil {
		return routePanel{}, fmt.Errorf("decode route panel: %w", err)
	}
	return panel, nil
}

const readRoutesJS = `
(async function() {
	if (document.querySelector('.route-error-view, .route-list-view__error')) {
		return JSON.stringify({ done: true, notFound: true, routes: [] });
	}
	const items = Array.from(document.querySelectorAll('.auto-route-snippet-view'));
	const text = (el, q) => { const n = el.querySelector(q); return n ? n.innerText : ''; };
	const routes = items.map(el => ({
		duration: text(el, '.auto-route-snippet-view__duration'),
		distance: text(el, '.auto-route-snippet-view__distance')
	}));
	return JSON.stringify({ done: routes.length > 0, notFound: false, routes: routes });
})()
`

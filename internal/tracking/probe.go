// Package tracking looks vehicles up on the tracking surface through the
// shared browser session.
package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"logimon/internal/auth"
	"logimon/internal/delivery"
	"logimon/internal/errors"
	"logimon/internal/logger"
)

// Selectors locate the search box and the unit card on the tracking page.
type Selectors struct {
	Search   string `json:"search"`
	Card     string `json:"card"`
	Address  string `json:"address"`
	Coords   string `json:"coords"`
	Speed    string `json:"speed"`
	LastSeen string `json:"lastSeen"`
}

// DefaultSelectors match the tracking surface's monitoring panel.
var DefaultSelectors = Selectors{
	Search:   "#monitoring_search_units",
	Card:     ".unit-card",
	Address:  ".unit-card__address",
	Coords:   ".unit-card__coords",
	Speed:    ".unit-card__speed",
	LastSeen: ".unit-card__time",
}

// snapshot is what one evaluation of the page yields.
type snapshot struct {
	Found    bool   `json:"found"`
	Address  string `json:"address"`
	Coords   string `json:"coords"`
	Speed    string `json:"speed"`
	LastSeen string `json:"lastSeen"`
}

// Config tunes polling.
type Config struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
	Location *time.Location

	// LoginForm detects an expired session on the tracking tab.
	LoginForm auth.Selectors
}

// Probe implements the location lookup on the tracking tab.
//
// Flow per Locate:
//  1. Type the plate into the unit search
//  2. Poll the unit card with a fixed backoff until it shows coordinates
//  3. On a login form, log in once and keep polling
//  4. Compare the fix with what the record already holds
type Probe struct {
	tab     func() context.Context
	login   func(ctx context.Context) error
	sel     Selectors
	cfg     Config
	sleep   func(time.Duration)
	read    func(ctx context.Context, plate string) (snapshot, error)
	expired func() bool
	log     logger.Logger
}

// NewProbe creates a probe. tab returns the tracking tab context; login may
// be nil when re-login is not wanted.
func NewProbe(tab func() context.Context, login func(ctx context.Context) error, sel Selectors, cfg Config, log logger.Logger) *Probe {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.LoginForm.Username == "" {
		cfg.LoginForm = auth.DefaultSelectors
	}
	if log == nil {
		log = logger.Nop()
	}
	p := &Probe{tab: tab, login: login, sel: sel, cfg: cfg, sleep: time.Sleep, log: log}
	p.read = p.readCard
	p.expired = func() bool { return auth.IsSessionExpired(p.tab(), p.cfg.LoginForm) }
	return p
}

// Locate reports the vehicle's current geo text, coordinates and speed.
func (p *Probe) Locate(ctx context.Context, rec delivery.DeliveryRecord) (delivery.ProbeResult, error) {
	if strings.TrimSpace(rec.Plate) == "" {
		return delivery.ProbeResult{}, errors.NewFetchError("record has no plate", nil)
	}

	relogged := false
	var last snapshot
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		snap, err := p.read(ctx, rec.Plate)
		if err != nil {
			if p.login != nil && !relogged && p.expired() {
				p.log.Warnf("⚠️  Tracking session expired, logging in again")
				relogged = true
				if lerr := p.login(ctx); lerr != nil {
					return delivery.ProbeResult{}, lerr
				}
				continue
			}
			p.log.Debugf("Probe attempt %d/%d for %s: %v", attempt, p.cfg.Attempts, rec.Plate, err)
		} else if snap.Found && snap.Coords != "" {
			return p.result(rec, snap), nil
		} else {
			last = snap
		}

		if attempt < p.cfg.Attempts {
			p.sleep(p.cfg.Backoff)
		}
	}

	if last.Found {
		// unit known but no fix shown: nothing new to report
		return delivery.ProbeResult{Geo: cleanText(last.Address)}, nil
	}
	return delivery.ProbeResult{}, errors.NewFetchError(
		fmt.Sprintf("unit %s not found after %d attempts", rec.Plate, p.cfg.Attempts), nil)
}

func (p *Probe) readCard(ctx context.Context, plate string) (snapshot, error) {
	selJSON, err := json.Marshal(p.sel)
	if err != nil {
		return snapshot{}, err
	}
	plateJSON, _ := json.Marshal(plate)

	runCtx, cancel := context.WithTimeout(p.tab(), p.cfg.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var raw string
	err = chromedp.Run(runCtx,
		chromedp.Evaluate(fmt.Sprintf(readUnitJS, selJSON, plateJSON), &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		return snapshot{}, errors.NewFetchError("evaluate unit card", err)
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return snapshot{}, errors.NewFetchError("decode unit card", err)
	}
	return snap, nil
}

func (p *Probe) result(rec delivery.DeliveryRecord, snap snapshot) delivery.ProbeResult {
	coords, okCoords := ParseCoordinates(snap.Coords)
	res := delivery.ProbeResult{
		Geo:         cleanText(snap.Address),
		Coordinates: coords,
		Speed:       ParseSpeed(snap.Speed),
	}
	if !okCoords {
		return res
	}

	seen, okSeen := ParseLastSeen(snap.LastSeen, p.cfg.Location)
	res.HasNewCoordinates = IsFresh(rec, coords, seen, okSeen)
	return res
}

// IsFresh decides whether a fix is new for the record: the record has no
// position yet, the position moved, or the fix is newer than the record's
// last update.
func IsFresh(rec delivery.DeliveryRecord, coords delivery.Coordinates, seen time.Time, seenOK bool) bool {
	if coords.IsZero() {
		return false
	}
	if rec.Coordinates.IsZero() || rec.Coordinates != coords {
		return true
	}
	return seenOK && seen.After(rec.UpdatedAt)
}

var (
	coordsRe = regexp.MustCompile(`(-?\d{1,3}[.,]\d+)\s*[,;\s]\s*(-?\d{1,3}[.,]\d+)`)
	numberRe = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
)

// ParseCoordinates reads "55.755800, 37.617300" (decimal comma tolerated).
func ParseCoordinates(s string) (delivery.Coordinates, bool) {
	m := coordsRe.FindStringSubmatch(s)
	if m == nil {
		return delivery.Coordinates{}, false
	}
	lat, err1 := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	lon, err2 := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", "."), 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return delivery.Coordinates{}, false
	}
	return delivery.Coordinates{Lat: lat, Lon: lon}, true
}

// ParseSpeed reads the first number of "72 км/ч"; anything else is 0.
func ParseSpeed(s string) float64 {
	m := numberRe.FindString(s)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64)
	if err != nil {
		return 0
	}
	return v
}

var lastSeenLayouts = []string{
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseLastSeen reads the fix timestamp shown on the unit card.
func ParseLastSeen(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range lastSeenLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// readUnitJS searches the unit by plate and reads its card. Arguments:
// selectors object, plate string.
const readUnitJS = `
(async function(sel, plate) {
	const norm = s => (s || '').replace(/\s+/g, '').toUpperCase();
	const input = document.querySelector(sel.search);
	if (!input) throw new Error('search box not found');
	if (input.value !== plate) {
		input.value = plate;
		input.dispatchEvent(new Event('input', { bubbles: true }));
		await new Promise(r => setTimeout(r, 500));
	}
	const cards = Array.from(document.querySelectorAll(sel.card));
	const card = cards.find(c => norm(c.innerText).includes(norm(plate)));
	if (!card) return JSON.stringify({ found: false });
	const text = q => { const el = card.querySelector(q); return el ? el.innerText : ''; };
	return JSON.stringify({
		found: true,
		address: text(sel.address),
		coords: text(sel.coords),
		speed: text(sel.speed),
		lastSeen: text(sel.lastSeen)
	});
})(%s, %s)
`

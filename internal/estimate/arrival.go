// Package estimate computes arrival estimates from route candidates.
package estimate

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"logimon/internal/delivery"
)

// ShortcutKm is the rounded mean distance below which the vehicle counts as
// already at the stop.
const ShortcutKm = 1.0

var (
	durationRe = regexp.MustCompile(
		`(?i)(?:(?P<days>\d+)\s*(?:дн(?:\.|ей|я|ь)?|d)\.?)?\s*` +
			`(?:(?P<hours>\d+)\s*(?:ч(?:\.|ас(?:а|ов)?)?|h|hr|hours?)\.?)?\s*` +
			`(?:(?P<minutes>\d+)\s*(?:мин(?:\.|ут[аы]?)?|м|min|m)\.?)?`)

	daysIdx    = durationRe.SubexpIndex("days")
	hoursIdx   = durationRe.SubexpIndex("hours")
	minutesIdx = durationRe.SubexpIndex("minutes")

	deadlineLayouts = []string{"02.01.2006 15:04:05", "02.01.2006 15:04"}
)

// ParseDuration converts planner wording such as "1 дн. 2 ч 15 мин" or
// "1 h 45 min" to minutes. Missing parts count as zero; text with no
// recognisable part yields 0.
func ParseDuration(text string) int {
	text = strings.TrimSpace(text)

	for _, m := range durationRe.FindAllStringSubmatch(text, -1) {
		if m[0] == "" || strings.TrimSpace(m[0]) == "" {
			continue
		}
		total := atoi(m[daysIdx])*24*60 + atoi(m[hoursIdx])*60 + atoi(m[minutesIdx])
		if total > 0 || m[daysIdx] != "" || m[hoursIdx] != "" || m[minutesIdx] != "" {
			return total
		}
	}
	return 0
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Estimator turns route candidates into an arrival estimate relative to a
// stop deadline.
//
// Now and Location are injectable for tests; zero values mean time.Now and
// time.Local.
type Estimator struct {
	Now      func() time.Time
	Location *time.Location
}

func (e Estimator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Estimator) location() *time.Location {
	if e.Location != nil {
		return e.Location
	}
	return time.Local
}

// Estimate averages the candidates and compares the resulting ETA with the
// deadline ("DD.MM.YYYY HH:MM[:SS]").
//
// The caller guarantees at least one candidate; an empty list is a
// route-not-found condition handled upstream.
func (e Estimator) Estimate(candidates []delivery.RouteCandidate, deadline string) delivery.RouteResult {
	now := e.now()

	minutes := make([]float64, 0, len(candidates))
	km := make([]float64, 0, len(candidates))
	for _, c := range candidates {
		minutes = append(minutes, float64(ParseDuration(c.DurationText)))
		km = append(km, c.DistanceKm)
	}
	var meanMinutes int
	var meanKm float64
	if len(candidates) > 0 {
		meanMinutes = int(math.Round(stat.Mean(minutes, nil)))
		meanKm = math.Round(stat.Mean(km, nil))
	}

	if WithinShortcut(meanKm) {
		return e.Shortcut()
	}

	eta := now.Add(time.Duration(meanMinutes) * time.Minute)
	result := delivery.RouteResult{
		DistanceKm:      int(meanKm),
		DurationMinutes: meanMinutes,
		ETA:             eta,
		ComputedAt:      now,
	}

	due, ok := e.parseDeadline(deadline)
	if !ok {
		return result
	}
	result.BufferMinutes = int(math.Floor(due.Sub(eta).Minutes()))
	result.HasBuffer = true
	result.OnTime = result.BufferMinutes >= 0
	return result
}

// Shortcut is the result for a vehicle already at its stop: no distance, no
// travel time, on time.
func (e Estimator) Shortcut() delivery.RouteResult {
	now := e.now()
	return delivery.RouteResult{
		ETA:        now,
		OnTime:     true,
		ComputedAt: now,
	}
}

// WithinShortcut reports whether km, rounded to whole kilometres, is close
// enough to skip routing.
func WithinShortcut(km float64) bool {
	return math.Round(km) < ShortcutKm
}

func (e Estimator) parseDeadline(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range deadlineLayouts {
		if t, err := time.ParseInLocation(layout, s, e.location()); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

const earthRadiusKm = 6371.0

// Distance is the great-circle distance between two points in kilometres.
func Distance(a, b delivery.Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

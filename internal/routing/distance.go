// Package routing plans routes from a vehicle's position to a stop address.
//
// Two planners are available:
//   - BrowserPlanner drives the mapping surface in the shared browser
//   - ORSPlanner calls the OpenRouteService HTTP API and can also geocode
package routing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var distanceRe = regexp.MustCompile(`(?i)(\d+(?:[\s\x{00a0}]\d{3})*(?:[.,]\d+)?)\s*(км|km|м|m)(?:[^\p{L}]|$)`)

// ParseDistanceKm reads planner wording such as "125 км", "1,5 km" or
// "850 м" and returns kilometres.
func ParseDistanceKm(s string) (float64, bool) {
	m := distanceRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	num := strings.NewReplacer(" ", "", "\u00a0", "", ",", ".").Replace(m[1])
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(m[2]) {
	case "м", "m":
		return v / 1000, true
	default:
		return v, true
	}
}

// FormatDuration renders seconds the way the estimator reads planner
// durations: "1 дн. 2 ч 5 мин".
func FormatDuration(seconds float64) string {
	total := int(seconds/60 + 0.5)
	days, hours, minutes := total/(24*60), total/60%24, total%60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%d дн.", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%d ч", hours))
	}
	if minutes > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%d мин", minutes))
	}
	return strings.Join(parts, " ")
}

// Package delivery provides types and structures for delivery records.
package delivery

import (
	"fmt"
	"time"
)

// NotSpecified is stored in Stop.Date or Stop.Time when the manifest text
// carried no value for that field.
const NotSpecified = "не указано"

// Direction selects which stop list of a record an operation works on.
type Direction int

const (
	Load Direction = iota
	Unload
)

func (d Direction) String() string {
	switch d {
	case Load:
		return "load"
	case Unload:
		return "unload"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Stop is one structured waypoint of a load or unload list.
//
// Fields:
//   - Ordinal: 1-based position within its record and direction
//   - Address: Trimmed free-text address
//   - Date: DD.MM.YYYY or NotSpecified
//   - Time: HH:MM or HH:MM:SS, or NotSpecified
//   - Comment: true for the synthetic entry holding unmatched leftover text
//
// The comment entry is never a real stop: it is skipped by processed
// bookkeeping and by next-stop selection.
type Stop struct {
	Ordinal int    `json:"ordinal"`
	Address string `json:"address"`
	Date    string `json:"date"`
	Time    string `json:"time"`
	Comment bool   `json:"comment,omitempty"`
}

// Coordinates is a WGS84 position (latitude, longitude).
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IsZero reports whether no position has been recorded yet.
func (c Coordinates) IsZero() bool { return c.Lat == 0 && c.Lon == 0 }

// String formats the position the way the mapping surface expects it.
func (c Coordinates) String() string { return fmt.Sprintf("%.6f, %.6f", c.Lat, c.Lon) }

// RouteCandidate is one alternative returned by a route planner.
//
// DurationText keeps the planner's own wording ("1 ч 30 мин"); the estimator
// converts it to minutes.
type RouteCandidate struct {
	DurationText string  `json:"duration_text"`
	DistanceKm   float64 `json:"distance_km"`
}

// RouteResult is the arrival estimate merged into a record after routing.
//
// HasBuffer is false when the stop deadline could not be parsed; in that case
// BufferMinutes and OnTime carry no meaning.
type RouteResult struct {
	DistanceKm      int       `json:"distance_km"`
	DurationMinutes int       `json:"duration_minutes"`
	ETA             time.Time `json:"eta"`
	BufferMinutes   int       `json:"buffer_minutes"`
	HasBuffer       bool      `json:"has_buffer"`
	OnTime          bool      `json:"on_time"`
	StopOrdinal     int       `json:"stop_ordinal,omitempty"`
	ComputedAt      time.Time `json:"computed_at"`
}

// ProbeResult is what the tracking surface reports for one vehicle.
type ProbeResult struct {
	Geo               string
	Coordinates       Coordinates
	Speed             float64
	HasNewCoordinates bool
}

// DeliveryRecord is one vehicle's delivery task as persisted in the
// records file.
//
// Index is assigned by the external import and is the only stable key;
// row positions change between imports and must never be used as identity.
//
// Invariant: len(Processed) == RealStopCount(UnloadStops).
type DeliveryRecord struct {
	Index       string `json:"index"`
	ExternalID  string `json:"id"`
	Plate       string `json:"plate"`
	Phone       string `json:"phone"`
	Counterpart string `json:"counterpart"`

	LoadStops   []Stop `json:"load_stops"`
	UnloadStops []Stop `json:"unload_stops"`
	Processed   []bool `json:"processed"`

	Geo         string       `json:"geo"`
	Coordinates Coordinates  `json:"coordinates"`
	Speed       float64      `json:"speed"`
	RouteResult *RouteResult `json:"route_result,omitempty"`

	RawLoadText   string `json:"raw_load_text"`
	RawUnloadText string `json:"raw_unload_text"`
	CommentText   string `json:"comment_text,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Stops returns the stop list for the given direction.
func (r *DeliveryRecord) Stops(d Direction) []Stop {
	if d == Load {
		return r.LoadStops
	}
	return r.UnloadStops
}

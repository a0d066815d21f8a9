package dispatch

import (
	"context"

	"logimon/internal/delivery"
)

// LocationProbe looks a vehicle up on the tracking surface.
//
// HasNewCoordinates == false is a normal outcome (stale or missing fix), not
// an error. Implementations may poll with a fixed backoff but must return.
type LocationProbe interface {
	Locate(ctx context.Context, rec delivery.DeliveryRecord) (delivery.ProbeResult, error)
}

// RoutePlanner plans routes on the mapping surface. An empty, nil-error
// result means no route was found.
type RoutePlanner interface {
	Plan(ctx context.Context, origin delivery.Coordinates, destination string) ([]delivery.RouteCandidate, error)
}

// Geocoder is implemented by planners that can resolve an address to
// coordinates. When available the orchestrator uses it to skip routing for
// vehicles already at their stop.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (delivery.Coordinates, error)
}

// PersistenceStore is the durable record collection.
type PersistenceStore interface {
	Get() []delivery.DeliveryRecord
	Reload() error
	Save() error
	Append(rec delivery.DeliveryRecord) error
	Update(index string, fn func(*delivery.DeliveryRecord) error) error
}

// SheetWriter pushes status lines to the external ledger, keyed by record
// index.
type SheetWriter interface {
	Append(ctx context.Context, records ...delivery.DeliveryRecord) error
}

// Journal keeps a history of finished jobs.
type Journal interface {
	Record(ctx context.Context, outcome JobOutcome) error
}

// Recorder receives job and batch events for metrics.
type Recorder interface {
	JobFinished(outcome JobOutcome)
	BatchFinished(b *Batch)
	QueueDepth(n int)
}

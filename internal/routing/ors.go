package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"logimon/internal/api"
	"logimon/internal/delivery"
	"logimon/internal/logger"
)

// DefaultORSBaseURL is the public OpenRouteService endpoint.
const DefaultORSBaseURL = "https://api.openrouteservice.org"

// ORSConfig configures the OpenRouteService planner.
type ORSConfig struct {
	APIKey       string
	BaseURL      string
	Profile      string
	Country      string
	Alternatives int
	Retry        api.Retry
}

// ORSPlanner implements route planning and geocoding over the
// OpenRouteService HTTP API.
//
// It coordinates:
//   - Address normalisation
//   - In-memory geocode caching (addresses repeat across a batch)
//   - Calls with retry and backoff through the shared client
//
// The planner is safe for concurrent use.
type ORSPlanner struct {
	client *http.Client
	cfg    ORSConfig
	log    logger.Logger

	mu    sync.Mutex
	cache map[string]delivery.Coordinates
}

// NewORSPlanner creates a planner. client may be nil to use the shared one.
func NewORSPlanner(client *http.Client, cfg ORSConfig, log logger.Logger) (*ORSPlanner, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ORS api key is empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultORSBaseURL
	}
	if cfg.Profile == "" {
		cfg.Profile = "driving-hgv"
	}
	if cfg.Alternatives <= 0 {
		cfg.Alternatives = 2
	}
	if client == nil {
		client = api.GetHTTPClient()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ORSPlanner{
		client: client,
		cfg:    cfg,
		log:    log,
		cache:  make(map[string]delivery.Coordinates),
	}, nil
}

// normalize gives consistent cache keys by collapsing whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (o *ORSPlanner) newRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", o.cfg.APIKey)
	req.Header.Set("Accept", "application/json, application/geo+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

type geocodeResponse struct {
	Features []struct {
		Geometry struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

// Geocode resolves an address to coordinates via /geocode/search. Results
// are cached for the planner's lifetime.
func (o *ORSPlanner) Geocode(ctx context.Context, address string) (delivery.Coordinates, error) {
	norm := normalize(address)
	if norm == "" {
		return delivery.Coordinates{}, errors.New("geocode: empty address")
	}

	o.mu.Lock()
	if c, ok := o.cache[norm]; ok {
		o.mu.Unlock()
		return c, nil
	}
	o.mu.Unlock()

	endpoint := o.cfg.BaseURL + "/geocode/search"
	resp, err := api.DoWithRetry(ctx, o.client, o.cfg.Retry, func() (*http.Request, error) {
		req, err := o.newRequest(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		q := req.URL.Query()
		q.Set("text", norm)
		q.Set("size", "1")
		if o.cfg.Country != "" {
			q.Set("boundary.country", o.cfg.Country)
		}
		req.URL.RawQuery = q.Encode()
		return req, nil
	})
	if err != nil {
		return delivery.Coordinates{}, fmt.Errorf("geocode %q: %w", norm, err)
	}
	defer resp.Body.Close()

	var decoded geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return delivery.Coordinates{}, fmt.Errorf("decode geocode response: %w", err)
	}
	if len(decoded.Features) == 0 {
		return delivery.Coordinates{}, fmt.Errorf("no geocode results for %q", norm)
	}
	coords := decoded.Features[0].Geometry.Coordinates
	if len(coords) != 2 {
		return delivery.Coordinates{}, fmt.Errorf("invalid coordinate format for %q", norm)
	}

	// GeoJSON order is lon, lat
	c := delivery.Coordinates{Lat: coords[1], Lon: coords[0]}
	o.mu.Lock()
	o.cache[norm] = c
	o.mu.Unlock()
	return c, nil
}

type directionsRequest struct {
	Coordinates       [][2]float64       `json:"coordinates"`
	Units             string             `json:"units"`
	AlternativeRoutes *alternativeRoutes `json:"alternative_routes,omitempty"`
}

type alternativeRoutes struct {
	TargetCount  int     `json:"target_count"`
	ShareFactor  float64 `json:"share_factor"`
	WeightFactor float64 `json:"weight_factor"`
}

type directionsResponse struct {
	Routes []struct {
		Summary struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"summary"`
	} `json:"routes"`
}

// Plan geocodes destination and asks /v2/directions for the route and its
// alternatives. "No route" answers (HTTP 404) yield an empty result.
func (o *ORSPlanner) Plan(ctx context.Context, origin delivery.Coordinates, destination string) ([]delivery.RouteCandidate, error) {
	dest, err := o.Geocode(ctx, destination)
	if err != nil {
		return nil, err
	}

	body := directionsRequest{
		Coordinates: [][2]float64{{origin.Lon, origin.Lat}, {dest.Lon, dest.Lat}},
		Units:       "km",
	}
	if o.cfg.Alternatives > 1 {
		body.AlternativeRoutes = &alternativeRoutes{TargetCount: o.cfg.Alternatives, ShareFactor: 0.6, WeightFactor: 1.4}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal directions request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/directions/%s", o.cfg.BaseURL, o.cfg.Profile)
	resp, err := api.DoWithRetry(ctx, o.client, o.cfg.Retry, func() (*http.Request, error) {
		return o.newRequest(ctx, http.MethodPost, endpoint, payload)
	})
	if err != nil {
		var se *api.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			o.log.Debugf("ORS found no route to %q: %s", destination, se.Body)
			return nil, nil
		}
		return nil, fmt.Errorf("directions: %w", err)
	}
	defer resp.Body.Close()

	var decoded directionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode directions response: %w", err)
	}

	out := make([]delivery.RouteCandidate, 0, len(decoded.Routes))
	for _, r := range decoded.Routes {
		out = append(out, delivery.RouteCandidate{
			DurationText: FormatDuration(r.Summary.Duration),
			DistanceKm:   r.Summary.Distance,
		})
	}
	return out, nil
}

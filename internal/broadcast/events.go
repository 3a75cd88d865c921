package broadcast

import "time"

// Event kinds carried in the Kind discriminator of every published payload.
const (
	KindLocationUpdate = "location-update"
	KindProximityAlert = "proximity-alert"
)

// LocationUpdate is published for every simulated bus on every tick, to the
// bus room, its route room, and the global room.
type LocationUpdate struct {
	Kind      string    `json:"kind"`
	EventID   string    `json:"eventId"`
	BusID     string    `json:"busId"`
	RouteID   string    `json:"routeId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   float64   `json:"heading"`
	SpeedMps  float64   `json:"speedMps"`
	Timestamp time.Time `json:"timestamp"`
}

// ProximityAlert is published to a subscriber's room when a watched bus
// comes within the subscription radius of a watched stop.
type ProximityAlert struct {
	Kind                string    `json:"kind"`
	EventID             string    `json:"eventId"`
	BusID               string    `json:"busId"`
	StopID              string    `json:"stopId"`
	BusDistanceM        float64   `json:"busDistanceM"`
	SubscriberDistanceM float64   `json:"subscriberDistanceM"`
	EstimatedArrivalMin float64   `json:"estimatedArrivalMinutes"`
	Timestamp           time.Time `json:"timestamp"`
}

package fleet

import (
	"time"

	"fleet-engine/internal/geo"
)

// BusStatus mirrors the externally owned operational status of a bus.
type BusStatus string

const (
	StatusOperational BusStatus = "OPERATIONAL"
	StatusMaintenance BusStatus = "MAINTENANCE"
	StatusBreakdown   BusStatus = "BREAKDOWN"
	StatusIdle        BusStatus = "IDLE"
)

// CompletionBehavior selects what a simulated bus does when it consumes the
// final waypoint of its route.
type CompletionBehavior string

const (
	CompletionLoop    CompletionBehavior = "loop"
	CompletionReverse CompletionBehavior = "reverse"
)

// ParseCompletionBehavior maps a stored value onto a known behavior,
// defaulting to loop for anything unrecognized.
func ParseCompletionBehavior(s string) CompletionBehavior {
	if CompletionBehavior(s) == CompletionReverse {
		return CompletionReverse
	}
	return CompletionLoop
}

// Bus is the persisted bus record as read from storage. The engine does not
// own it exclusively: its location fields may be overwritten externally at
// any time.
type Bus struct {
	ID        string
	Status    BusStatus
	RouteID   string // empty when unassigned
	Location  *geo.Coordinate
	Heading   float64
	SpeedMps  float64
	UpdatedAt time.Time
}

// Route is the persisted route record.
type Route struct {
	ID         string
	StopIDs    []string
	Polyline   string // optional Google encoded polyline
	Active     bool
	Completion CompletionBehavior
}

// BusStop is the persisted stop record.
type BusStop struct {
	ID     string
	Coord  geo.Coordinate
	Active bool
}

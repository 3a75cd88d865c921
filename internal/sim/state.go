package sim

import (
	"time"

	"fleet-engine/internal/fleet"
	"fleet-engine/internal/geo"
	"fleet-engine/internal/path"
)

// BusState is the ephemeral, engine-exclusive runtime record for one
// simulated bus. It is distinct from the persisted Bus record, which the
// engine does not own.
type BusState struct {
	BusID   string
	RouteID string

	// Waypoints is shared, read-only, with every bus on the same route.
	Waypoints  []path.Waypoint
	Index      int
	Direction  int // +1 forward, -1 backward while reversing
	Completion fleet.CompletionBehavior

	Position geo.Coordinate
	Heading  float64
	SpeedMps float64

	DwellRemaining time.Duration
	LastTick       time.Time
}

// Dwelling reports whether the bus is paused at a stop.
func (s *BusState) Dwelling() bool { return s.DwellRemaining > 0 }

// RemainingToStop returns the path distance in meters from the current
// position to the named stop in travel direction, walking at most one full
// pass of the sequence. The second return is false when the stop is not on
// this route.
func (s *BusState) RemainingToStop(stopID string) (float64, bool) {
	n := len(s.Waypoints)
	if n == 0 {
		return 0, false
	}
	dist := 0.0
	pos := s.Position
	idx := s.Index
	dir := s.Direction
	if dir == 0 {
		dir = 1
	}
	for step := 0; step < n; step++ {
		next := idx + dir
		if next < 0 || next >= n {
			switch s.Completion {
			case fleet.CompletionReverse:
				dir = -dir
				next = idx + dir
				if next < 0 || next >= n {
					return 0, false
				}
			default:
				dist += geo.Distance(pos, s.Waypoints[0].Coord)
				pos = s.Waypoints[0].Coord
				idx = 0
				if wp := s.Waypoints[0]; wp.IsStop && wp.StopID == stopID {
					return dist, true
				}
				continue
			}
		}
		wp := s.Waypoints[next]
		dist += geo.Distance(pos, wp.Coord)
		pos = wp.Coord
		idx = next
		if wp.IsStop && wp.StopID == stopID {
			return dist, true
		}
	}
	return 0, false
}

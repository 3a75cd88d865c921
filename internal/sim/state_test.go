package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-engine/internal/fleet"
	"fleet-engine/internal/geo"
	"fleet-engine/internal/path"
)

// fourPointLine lays waypoints due east, 100m apart, with stops at both ends.
func fourPointLine() []path.Waypoint {
	origin := geo.Coordinate{Lat: 9.0, Lon: 38.7}
	wps := make([]path.Waypoint, 4)
	for i := range wps {
		wps[i] = path.Waypoint{Coord: geo.Destination(origin, 90, float64(i)*100)}
	}
	wps[0].IsStop, wps[0].StopID = true, "s-first"
	wps[3].IsStop, wps[3].StopID = true, "s-last"
	return wps
}

func TestRemainingToStopAhead(t *testing.T) {
	wps := fourPointLine()
	st := &BusState{
		Waypoints: wps,
		Index:     0,
		Direction: 1,
		Position:  wps[0].Coord,
	}
	dist, ok := st.RemainingToStop("s-last")
	require.True(t, ok)
	assert.InDelta(t, 300, dist, 1)
}

func TestRemainingToStopMidSegment(t *testing.T) {
	wps := fourPointLine()
	st := &BusState{
		Waypoints: wps,
		Index:     1,
		Direction: 1,
		Position:  geo.Interpolate(wps[1].Coord, wps[2].Coord, 0.5),
	}
	dist, ok := st.RemainingToStop("s-last")
	require.True(t, ok)
	assert.InDelta(t, 150, dist, 1)
}

func TestRemainingToStopWrapsOnLoop(t *testing.T) {
	wps := fourPointLine()
	st := &BusState{
		Waypoints: wps,
		Index:     2,
		Direction: 1,
		Position:  wps[2].Coord,
	}
	// s-first is behind the bus; a loop route reaches it by completing the
	// pass and snapping back to the start.
	dist, ok := st.RemainingToStop("s-first")
	require.True(t, ok)
	assert.InDelta(t, 400, dist, 2)
}

func TestRemainingToStopReversing(t *testing.T) {
	wps := fourPointLine()
	st := &BusState{
		Waypoints:  wps,
		Index:      2,
		Direction:  -1,
		Completion: fleet.CompletionReverse,
		Position:   wps[2].Coord,
	}
	dist, ok := st.RemainingToStop("s-first")
	require.True(t, ok)
	assert.InDelta(t, 200, dist, 1)
}

func TestRemainingToStopUnknownStop(t *testing.T) {
	wps := fourPointLine()
	st := &BusState{Waypoints: wps, Index: 0, Direction: 1, Position: wps[0].Coord}
	_, ok := st.RemainingToStop("elsewhere")
	assert.False(t, ok)
}

func TestRemainingToStopEmptyRoute(t *testing.T) {
	st := &BusState{}
	_, ok := st.RemainingToStop("s-first")
	assert.False(t, ok)
}

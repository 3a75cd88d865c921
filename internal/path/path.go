// Package path builds the dense waypoint sequence a simulated bus walks
// along, from a route's ordered stops and, when available, its real
// polyline geometry.
package path

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	polyline "github.com/twpayne/go-polyline"

	"fleet-engine/internal/geo"
)

// ErrTooFewStops is returned for routes that cannot be simulated.
var ErrTooFewStops = errors.New("route needs at least two stops")

// Stop is a route stop fed into waypoint generation.
type Stop struct {
	ID    string
	Coord geo.Coordinate
}

// Waypoint is one point of a generated sequence. Stop-waypoints carry the
// exact stop coordinate and its ID; they are never interpolated away.
type Waypoint struct {
	Coord  geo.Coordinate
	IsStop bool
	StopID string
}

// Options tune waypoint generation.
type Options struct {
	// DensityM is the maximum spacing between consecutive waypoints in
	// meters. Defaults to 500.
	DensityM float64
	// VariationM is the maximum lateral offset applied to synthetic
	// intermediate points when no polyline is available, so straight-line
	// routes do not look artificially straight. 0 disables it.
	VariationM float64
	// MinSeparationM drops interpolated points that would land closer than
	// this to a stop-waypoint. Defaults to 25.
	MinSeparationM float64
	// Rand drives the variation offsets. Required only when VariationM > 0.
	Rand *rand.Rand
}

func (o Options) withDefaults() Options {
	if o.DensityM <= 0 {
		o.DensityM = 500
	}
	if o.MinSeparationM <= 0 {
		o.MinSeparationM = 25
	}
	return o
}

// Generate converts the ordered stops into a waypoint sequence. When
// encodedPolyline is non-empty it is decoded and resampled at DensityM
// intervals with the stop coordinates snapped in as stop-waypoints;
// otherwise straight segments between consecutive stops are interpolated at
// the same density.
func Generate(stops []Stop, encodedPolyline string, opts Options) ([]Waypoint, error) {
	if len(stops) < 2 {
		return nil, ErrTooFewStops
	}
	opts = opts.withDefaults()

	if encodedPolyline != "" {
		wps, err := fromPolyline(stops, encodedPolyline, opts)
		if err != nil {
			return nil, err
		}
		return wps, nil
	}
	return fromStraightSegments(stops, opts), nil
}

// fromPolyline resamples the decoded shape by cumulative-distance walking,
// inserting each stop at its projected distance along the shape.
func fromPolyline(stops []Stop, encoded string, opts Options) ([]Waypoint, error) {
	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode polyline: %w", err)
	}
	if len(coords) < 2 {
		return nil, fmt.Errorf("decode polyline: only %d points", len(coords))
	}
	pts := make([]geo.Coordinate, len(coords))
	for i, c := range coords {
		pts[i] = geo.Coordinate{Lat: c[0], Lon: c[1]}
	}
	cum := cumulativeDistances(pts)

	// Project every stop onto the shape. Along-distances are forced
	// non-decreasing so stop order survives noisy projections.
	alongs := make([]float64, len(stops))
	prev := 0.0
	for i, s := range stops {
		a := nearestAlong(pts, cum, s.Coord)
		if a < prev {
			a = prev
		}
		alongs[i] = a
		prev = a
	}

	var wps []Waypoint
	for i, s := range stops {
		if i > 0 {
			// Fill the gap since the previous stop with density points.
			from := alongs[i-1]
			to := alongs[i]
			for d := from + opts.DensityM; d < to-opts.MinSeparationM; d += opts.DensityM {
				wps = append(wps, Waypoint{Coord: pointAlong(pts, cum, d)})
			}
		}
		wps = append(wps, Waypoint{Coord: s.Coord, IsStop: true, StopID: s.ID})
	}
	return wps, nil
}

// fromStraightSegments interpolates straight lines between consecutive
// stops, optionally perturbing intermediate points sideways.
func fromStraightSegments(stops []Stop, opts Options) []Waypoint {
	var wps []Waypoint
	for i := 0; i < len(stops)-1; i++ {
		a := stops[i]
		b := stops[i+1]
		wps = append(wps, Waypoint{Coord: a.Coord, IsStop: true, StopID: a.ID})

		segDist := geo.Distance(a.Coord, b.Coord)
		if segDist <= opts.MinSeparationM {
			continue
		}
		n := int(math.Ceil(segDist / opts.DensityM))
		for k := 1; k < n; k++ {
			p := geo.Interpolate(a.Coord, b.Coord, float64(k)/float64(n))
			if opts.VariationM > 0 && opts.Rand != nil {
				brg := geo.Bearing(a.Coord, b.Coord)
				side := 90.0
				if opts.Rand.Intn(2) == 0 {
					side = -90.0
				}
				p = geo.Destination(p, brg+side, opts.Rand.Float64()*opts.VariationM)
			}
			wps = append(wps, Waypoint{Coord: p})
		}
	}
	last := stops[len(stops)-1]
	wps = append(wps, Waypoint{Coord: last.Coord, IsStop: true, StopID: last.ID})
	return wps
}

func cumulativeDistances(pts []geo.Coordinate) []float64 {
	cum := make([]float64, len(pts))
	for i := 1; i < len(pts); i++ {
		cum[i] = cum[i-1] + geo.Distance(pts[i-1], pts[i])
	}
	return cum
}

// pointAlong interpolates the point at the given cumulative distance.
func pointAlong(pts []geo.Coordinate, cum []float64, dist float64) geo.Coordinate {
	n := len(pts)
	if dist <= 0 {
		return pts[0]
	}
	if dist >= cum[n-1] {
		return pts[n-1]
	}
	i := 1
	for i < n && cum[i] < dist {
		i++
	}
	d0, d1 := cum[i-1], cum[i]
	if d1 == d0 {
		return pts[i-1]
	}
	return geo.Interpolate(pts[i-1], pts[i], (dist-d0)/(d1-d0))
}

// nearestAlong returns the cumulative distance along the shape closest to p,
// using an equirectangular projection per segment.
func nearestAlong(pts []geo.Coordinate, cum []float64, p geo.Coordinate) float64 {
	cosLat := math.Cos(p.Lat * math.Pi / 180)
	toXY := func(c geo.Coordinate) (x, y float64) {
		y = (c.Lat - p.Lat) * math.Pi / 180 * earthRadius
		x = (c.Lon - p.Lon) * math.Pi / 180 * earthRadius * cosLat
		return
	}
	bestD2 := math.MaxFloat64
	bestAlong := 0.0
	x0, y0 := toXY(pts[0])
	for i := 1; i < len(pts); i++ {
		x1, y1 := toXY(pts[i])
		dx, dy := x1-x0, y1-y0
		segLen2 := dx*dx + dy*dy
		t := 0.0
		if segLen2 > 0 {
			t = -(x0*dx + y0*dy) / segLen2
			if t < 0 {
				t = 0
			} else if t > 1 {
				t = 1
			}
		}
		px, py := x0+t*dx, y0+t*dy
		if d2 := px*px + py*py; d2 < bestD2 {
			bestD2 = d2
			bestAlong = cum[i-1] + t*(cum[i]-cum[i-1])
		}
		x0, y0 = x1, y1
	}
	return bestAlong
}

const earthRadius = 6371000.0

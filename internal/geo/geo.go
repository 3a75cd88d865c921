package geo

import "math"

const earthRadiusM = 6371000.0

// Coordinate is a WGS84 position in decimal degrees.
type Coordinate struct {
	Lat float64
	Lon float64
}

func toRad(d float64) float64 { return d * math.Pi / 180 }
func toDeg(r float64) float64 { return r * 180 / math.Pi }

// Distance returns the great-circle distance between a and b in meters
// (Haversine formula).
func Distance(a, b Coordinate) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// Bearing returns the initial compass bearing from a to b in degrees,
// normalized to [0, 360). Returns 0 when a == b.
func Bearing(a, b Coordinate) float64 {
	if a == b {
		return 0
	}
	y := math.Sin(toRad(b.Lon-a.Lon)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) -
		math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lon-a.Lon))
	brng := toDeg(math.Atan2(y, x))
	if brng < 0 {
		brng += 360
	}
	if brng >= 360 {
		brng -= 360
	}
	return brng
}

// Destination returns the point reached by traveling the given distance in
// meters from 'from' along the given initial bearing in degrees.
func Destination(from Coordinate, bearingDeg, meters float64) Coordinate {
	ad := meters / earthRadiusM
	lat1 := toRad(from.Lat)
	lon1 := toRad(from.Lon)
	brng := toRad(bearingDeg)

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(ad) + math.Cos(lat1)*math.Sin(ad)*math.Cos(brng))
	lon2 := lon1 + math.Atan2(
		math.Sin(brng)*math.Sin(ad)*math.Cos(lat1),
		math.Cos(ad)-math.Sin(lat1)*math.Sin(lat2),
	)
	return Coordinate{Lat: toDeg(lat2), Lon: toDeg(lon2)}
}

// Interpolate returns the point at the given fraction of the straight segment
// from a to b. Fractions outside [0,1] are clamped. Linear in lat/lon, which
// is fine at the sub-kilometer segment lengths the simulation works with.
func Interpolate(a, b Coordinate, frac float64) Coordinate {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return Coordinate{
		Lat: a.Lat + (b.Lat-a.Lat)*frac,
		Lon: a.Lon + (b.Lon-a.Lon)*frac,
	}
}

package sim

import (
	"math/rand"
	"sync"
	"time"

	"fleet-engine/internal/fleet"
	"fleet-engine/internal/geo"
)

// MoverConfig bounds the movement approximation. Speeds are meters/second.
type MoverConfig struct {
	AvgSpeedMps      float64
	MinSpeedMps      float64
	MaxSpeedMps      float64
	TrafficVariation float64 // fraction, e.g. 0.3 for ±30%
	DwellMin         time.Duration
	DwellMax         time.Duration
}

// Mover advances per-bus states along their waypoint sequences. The RNG is
// shared across buses and guarded, since ticks may process buses on several
// goroutines.
type Mover struct {
	cfg MoverConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewMover(cfg MoverConfig, rng *rand.Rand) *Mover {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Mover{cfg: cfg, rng: rng}
}

// distances below this are treated as already-arrived
const arrivalEpsilonM = 0.01

// Advance moves one bus state forward by dt of simulated time.
func (m *Mover) Advance(st *BusState, dt time.Duration, now time.Time) {
	defer func() { st.LastTick = now }()
	if dt <= 0 || len(st.Waypoints) < 2 {
		return
	}
	if st.Direction == 0 {
		st.Direction = 1
	}

	// Dwelling: burn the timer down, stay put.
	if st.DwellRemaining > 0 {
		st.DwellRemaining -= dt
		if st.DwellRemaining < 0 {
			st.DwellRemaining = 0
		}
		st.SpeedMps = 0
		return
	}

	speed := m.sampleSpeed()
	remaining := speed * dt.Seconds()
	n := len(st.Waypoints)

	// Walk waypoint segments until the tick's travel distance is consumed.
	// The iteration cap guards against degenerate sequences of zero-length
	// segments.
	for iter := 0; remaining > arrivalEpsilonM && iter < 4*n+8; iter++ {
		next := st.Index + st.Direction
		if next < 0 || next >= n {
			if st.Completion == fleet.CompletionReverse {
				st.Direction = -st.Direction
				continue
			}
			// Loop: restart exactly at waypoint 0, discarding leftover
			// travel so subscribers never see a wraparound line.
			st.Index = 0
			st.Position = st.Waypoints[0].Coord
			st.Direction = 1
			st.Heading = geo.Bearing(st.Position, st.Waypoints[1].Coord)
			if st.Waypoints[0].IsStop {
				st.DwellRemaining = m.sampleDwell()
				st.SpeedMps = 0
				return
			}
			break
		}

		target := st.Waypoints[next]
		seg := geo.Distance(st.Position, target.Coord)
		if seg > arrivalEpsilonM {
			st.Heading = geo.Bearing(st.Position, target.Coord)
		}
		if remaining < seg {
			st.Position = geo.Interpolate(st.Position, target.Coord, remaining/seg)
			remaining = 0
			break
		}

		// Arrived at the next waypoint; keep walking with what is left.
		remaining -= seg
		st.Position = target.Coord
		st.Index = next
		if target.IsStop {
			st.DwellRemaining = m.sampleDwell()
			st.SpeedMps = 0
			return
		}
	}

	st.SpeedMps = speed
}

// sampleSpeed perturbs the average speed by the traffic factor, clamped to
// the configured bounds.
func (m *Mover) sampleSpeed() float64 {
	m.mu.Lock()
	r := m.rng.Float64()
	m.mu.Unlock()

	speed := m.cfg.AvgSpeedMps * (1 + (2*r-1)*m.cfg.TrafficVariation)
	if speed < m.cfg.MinSpeedMps {
		speed = m.cfg.MinSpeedMps
	}
	if speed > m.cfg.MaxSpeedMps {
		speed = m.cfg.MaxSpeedMps
	}
	return speed
}

// sampleDwell draws a dwell duration uniformly from [DwellMin, DwellMax].
func (m *Mover) sampleDwell() time.Duration {
	if m.cfg.DwellMax <= m.cfg.DwellMin {
		return m.cfg.DwellMin
	}
	m.mu.Lock()
	r := m.rng.Float64()
	m.mu.Unlock()
	return m.cfg.DwellMin + time.Duration(r*float64(m.cfg.DwellMax-m.cfg.DwellMin))
}

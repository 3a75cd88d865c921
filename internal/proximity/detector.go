// Package proximity checks simulated bus positions against subscriber
// interest registrations and emits deduplicated proximity alerts.
package proximity

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-engine/internal/broadcast"
	"fleet-engine/internal/fleet"
	"fleet-engine/internal/geo"
)

// Subscription registers a subscriber's interest in buses approaching a set
// of stops within a radius.
type Subscription struct {
	SubscriberID string
	StopIDs      []string
	RadiusM      float64
	// LastKnown is the subscriber's last reported position, nil when the
	// subscriber is not location-tracked. Untracked subscribers alert on
	// bus distance alone.
	LastKnown *geo.Coordinate
}

// BusSnapshot is the per-bus tick output the detector consumes.
type BusSnapshot struct {
	BusID    string
	Position geo.Coordinate
	SpeedMps float64
	At       time.Time
	// RemainingToStop reports the on-path distance in meters to the named
	// stop, false when the stop is not on the bus's route.
	RemainingToStop func(stopID string) (float64, bool)
}

// AlertPublisher delivers alerts to subscriber rooms. Satisfied by
// broadcast.NATSPublisher.
type AlertPublisher interface {
	PublishAlert(subscriberID string, a broadcast.ProximityAlert) error
}

// DetectorMetrics is implemented by the metrics collector.
type DetectorMetrics interface {
	AlertInc()
}

type ledgerKey struct {
	subscriberID string
	stopID       string
	busID        string
}

// Detector holds subscriptions, the stop table, and the cooldown ledger.
// All shared state is behind one mutex; ticks may check buses concurrently.
type Detector struct {
	cooldown         time.Duration
	fallbackSpeedMps float64 // ETA divisor when the bus is dwelling
	pub              AlertPublisher
	metrics          DetectorMetrics

	mu     sync.Mutex
	subs   map[string]*Subscription
	stops  map[string]fleet.BusStop
	ledger map[ledgerKey]time.Time
}

func NewDetector(cooldown time.Duration, fallbackSpeedMps float64, pub AlertPublisher, m DetectorMetrics) *Detector {
	if fallbackSpeedMps <= 0 {
		fallbackSpeedMps = 8.3 // ~30 km/h
	}
	return &Detector{
		cooldown:         cooldown,
		fallbackSpeedMps: fallbackSpeedMps,
		pub:              pub,
		metrics:          m,
		subs:             make(map[string]*Subscription),
		stops:            make(map[string]fleet.BusStop),
		ledger:           make(map[ledgerKey]time.Time),
	}
}

// SetStops replaces the stop table the detector resolves stop IDs against.
func (d *Detector) SetStops(stops []fleet.BusStop) {
	m := make(map[string]fleet.BusStop, len(stops))
	for _, s := range stops {
		m[s.ID] = s
	}
	d.mu.Lock()
	d.stops = m
	d.mu.Unlock()
}

// Subscribe registers or replaces a subscription.
func (d *Detector) Subscribe(sub Subscription) {
	d.mu.Lock()
	d.subs[sub.SubscriberID] = &sub
	d.mu.Unlock()
}

// Unsubscribe drops a subscription and its ledger entries.
func (d *Detector) Unsubscribe(subscriberID string) {
	d.mu.Lock()
	delete(d.subs, subscriberID)
	for k := range d.ledger {
		if k.subscriberID == subscriberID {
			delete(d.ledger, k)
		}
	}
	d.mu.Unlock()
}

// UpdateSubscriberLocation records a subscriber's last known position.
func (d *Detector) UpdateSubscriberLocation(subscriberID string, c geo.Coordinate) {
	d.mu.Lock()
	if sub, ok := d.subs[subscriberID]; ok {
		sub.LastKnown = &c
	}
	d.mu.Unlock()
}

// Check evaluates one bus's tick output against every subscription, emitting
// at most one alert per (subscriber, stop, bus) per cooldown window.
func (d *Detector) Check(snap BusSnapshot) {
	type pending struct {
		subscriberID string
		alert        broadcast.ProximityAlert
	}
	var emit []pending

	d.mu.Lock()
	for _, sub := range d.subs {
		for _, stopID := range sub.StopIDs {
			stop, ok := d.stops[stopID]
			if !ok {
				continue
			}
			busDist := geo.Distance(snap.Position, stop.Coord)
			if busDist > sub.RadiusM {
				continue
			}
			subDist := 0.0
			if sub.LastKnown != nil {
				subDist = geo.Distance(*sub.LastKnown, stop.Coord)
				if subDist > sub.RadiusM {
					continue
				}
			}
			key := ledgerKey{sub.SubscriberID, stopID, snap.BusID}
			if last, seen := d.ledger[key]; seen && snap.At.Sub(last) < d.cooldown {
				continue
			}
			d.ledger[key] = snap.At

			emit = append(emit, pending{
				subscriberID: sub.SubscriberID,
				alert: broadcast.ProximityAlert{
					Kind:                broadcast.KindProximityAlert,
					EventID:             uuid.NewString(),
					BusID:               snap.BusID,
					StopID:              stopID,
					BusDistanceM:        busDist,
					SubscriberDistanceM: subDist,
					EstimatedArrivalMin: d.estimateArrival(snap, stopID, busDist),
					Timestamp:           snap.At,
				},
			})
		}
	}
	d.mu.Unlock()

	// Publish outside the lock; failures are logged and dropped.
	for _, p := range emit {
		if d.metrics != nil {
			d.metrics.AlertInc()
		}
		if d.pub == nil {
			continue
		}
		if err := d.pub.PublishAlert(p.subscriberID, p.alert); err != nil {
			log.Printf("publish proximity alert to %s: %v", p.subscriberID, err)
		}
	}
}

// estimateArrival derives minutes to the stop from the remaining on-path
// distance and the current speed, falling back to the configured average
// speed while the bus is dwelling.
func (d *Detector) estimateArrival(snap BusSnapshot, stopID string, straightLineM float64) float64 {
	dist := straightLineM
	if snap.RemainingToStop != nil {
		if rem, ok := snap.RemainingToStop(stopID); ok {
			dist = rem
		}
	}
	speed := snap.SpeedMps
	if speed <= 0 {
		speed = d.fallbackSpeedMps
	}
	return dist / speed / 60
}

// Prune drops ledger entries older than several cooldown windows so the
// ledger does not grow without bound.
func (d *Detector) Prune(now time.Time) {
	horizon := 10 * d.cooldown
	d.mu.Lock()
	for k, t := range d.ledger {
		if now.Sub(t) > horizon {
			delete(d.ledger, k)
		}
	}
	d.mu.Unlock()
}

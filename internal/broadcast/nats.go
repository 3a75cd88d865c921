package broadcast

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the fan-out boundary the engine publishes through.
type Publisher interface {
	// PublishLocation fans one update out to the bus room, the route room
	// (when the bus has a route), and the global room.
	PublishLocation(u LocationUpdate) error
	// PublishAlert delivers a proximity alert to a subscriber's room.
	PublishAlert(subscriberID string, a ProximityAlert) error
}

// PublisherMetrics is implemented by the metrics collector; all methods are
// optional via a nil interface.
type PublisherMetrics interface {
	PublishedInc()
	PublishErrInc()
	PublishObserve(d time.Duration)
	SetConnected(connected bool)
}

// NATSPublisher publishes engine events to room-keyed NATS subjects:
// fleet.bus.<id>, fleet.route.<id>, fleet.buses.all, fleet.subscriber.<id>.
type NATSPublisher struct {
	nc          *nats.Conn
	logSubjects bool
	metrics     PublisherMetrics
}

func NewNATSPublisher(url string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("fleet-engine"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.SetConnected(true)
	}
	return &NATSPublisher{nc: nc, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

func (p *NATSPublisher) PublishLocation(u LocationUpdate) error {
	u.Kind = KindLocationUpdate
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	subjects := []string{
		fmt.Sprintf("fleet.bus.%s", subjectToken(u.BusID)),
		"fleet.buses.all",
	}
	if u.RouteID != "" {
		subjects = append(subjects, fmt.Sprintf("fleet.route.%s", subjectToken(u.RouteID)))
	}
	var firstErr error
	for _, subj := range subjects {
		if err := p.publish(subj, b); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("publish %s: %w", subj, err)
		}
	}
	return firstErr
}

func (p *NATSPublisher) PublishAlert(subscriberID string, a ProximityAlert) error {
	a.Kind = KindProximityAlert
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	subj := fmt.Sprintf("fleet.subscriber.%s", subjectToken(subscriberID))
	if err := p.publish(subj, b); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

func (p *NATSPublisher) publish(subject string, b []byte) error {
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err := p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.PublishErrInc()
		} else {
			p.metrics.PublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

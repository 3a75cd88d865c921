package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	EngineUp       prometheus.Gauge
	SimulatedBuses prometheus.Gauge
	RoutesLoaded   prometheus.Gauge
	NATSConnected  prometheus.Gauge

	TicksTotal      prometheus.Counter
	Published       prometheus.Counter
	PublishErrs     prometheus.Counter
	WritesTotal     prometheus.Counter
	WriteErrs       prometheus.Counter
	WritesDropped   prometheus.Counter
	ProximityAlerts prometheus.Counter
	EngineRestarts  prometheus.Counter

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	TickIntervalSeconds prometheus.Gauge
	MaxBuses            prometheus.Gauge
}

func NewCollector(tickInterval time.Duration, maxBuses int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		EngineUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_up",
			Help: "1 while the simulation tick loop is running.",
		}),
		SimulatedBuses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_simulated_buses",
			Help: "Number of buses currently being simulated.",
		}),
		RoutesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_routes_loaded",
			Help: "Number of routes with a built waypoint sequence.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ticks_total",
			Help: "Total simulation ticks executed.",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_events_published_total",
			Help: "Total events published to NATS subjects.",
		}),
		PublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		WritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_location_writes_total",
			Help: "Total bus location writes persisted.",
		}),
		WriteErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_location_write_errors_total",
			Help: "Total failed bus location writes.",
		}),
		WritesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_location_writes_dropped_total",
			Help: "Location writes dropped because the outbound queue was full.",
		}),
		ProximityAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_proximity_alerts_total",
			Help: "Total proximity alerts emitted.",
		}),
		EngineRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_restarts_total",
			Help: "Engine restarts performed by the lifecycle monitor.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_tick_duration_seconds",
			Help:    "Duration of one simulation tick.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		TickIntervalSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_tick_interval_seconds",
			Help: "Configured tick interval in seconds.",
		}),
		MaxBuses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_max_buses",
			Help: "Configured cap on simulated buses.",
		}),
	}

	reg.MustRegister(
		c.EngineUp, c.SimulatedBuses, c.RoutesLoaded, c.NATSConnected,
		c.TicksTotal, c.Published, c.PublishErrs,
		c.WritesTotal, c.WriteErrs, c.WritesDropped,
		c.ProximityAlerts, c.EngineRestarts,
		c.TickDuration, c.PublishDuration,
		c.TickIntervalSeconds, c.MaxBuses,
	)

	c.TickIntervalSeconds.Set(tickInterval.Seconds())
	c.MaxBuses.Set(float64(maxBuses))

	return c
}

// PublishedInc and friends satisfy broadcast.PublisherMetrics.
func (c *Collector) PublishedInc()                  { c.Published.Inc() }
func (c *Collector) PublishErrInc()                 { c.PublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) SetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

// WriteInc and friends satisfy store.WriterMetrics.
func (c *Collector) WriteInc()        { c.WritesTotal.Inc() }
func (c *Collector) WriteErrInc()     { c.WriteErrs.Inc() }
func (c *Collector) WriteDroppedInc() { c.WritesDropped.Inc() }

// AlertInc satisfies proximity.DetectorMetrics.
func (c *Collector) AlertInc() { c.ProximityAlerts.Inc() }

// RestartInc satisfies monitor.MonitorMetrics.
func (c *Collector) RestartInc() { c.EngineRestarts.Inc() }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

package sim

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-engine/internal/broadcast"
	"fleet-engine/internal/fleet"
	"fleet-engine/internal/geo"
	"fleet-engine/internal/metrics"
	"fleet-engine/internal/path"
	"fleet-engine/internal/proximity"
	"fleet-engine/internal/store"
)

var (
	// ErrNoSimulatableBuses means no operational bus had a resolvable
	// route. Non-fatal: the lifecycle monitor keeps retrying start.
	ErrNoSimulatableBuses = errors.New("no simulatable buses")
	// ErrAlreadyRunning is returned by Start on a running engine.
	ErrAlreadyRunning = errors.New("engine already running")
)

// FleetSource reads the externally owned fleet records. Implemented by
// store.Store.
type FleetSource interface {
	OperationalBuses(ctx context.Context) ([]fleet.Bus, error)
	ActiveRoutes(ctx context.Context) ([]fleet.Route, error)
	ActiveStops(ctx context.Context) ([]fleet.BusStop, error)
}

// PositionSink receives each tick's position for best-effort persistence.
// Implemented by store.LocationWriter.
type PositionSink interface {
	Enqueue(u store.PositionUpdate) bool
}

// Config carries the engine tunables.
type Config struct {
	TickInterval      time.Duration
	RefreshInterval   time.Duration
	MaxBuses          int
	AutoAssignRoutes  bool
	WaypointDensityM  float64
	PathVariationM    float64
	SeedSnapRadiusM   float64
	DefaultCompletion fleet.CompletionBehavior
	// Workers bounds the per-tick worker pool. Defaults to 4.
	Workers int
}

// Status is the read-only snapshot returned by Status().
type Status struct {
	Running        bool
	TotalBuses     int
	EligibleBuses  int
	SimulatedBuses int
	RoutesLoaded   int
	TickInterval   time.Duration
	MaxBuses       int
	LastError      string
}

// Engine owns the per-bus simulated states and drives the fixed-interval
// tick loop. One instance is held by the composition root; there is no
// package-level engine.
type Engine struct {
	cfg      Config
	source   FleetSource
	mover    *Mover
	sink     PositionSink        // optional
	pub      broadcast.Publisher // optional
	detector *proximity.Detector // optional
	metrics  *metrics.Collector  // optional
	assigner RouteAssigner
	rng      *rand.Rand

	mu        sync.Mutex
	running   bool
	starting  bool // a Start call owns the slot while loading
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	states    map[string]*BusState
	waypoints map[string][]path.Waypoint // routeID -> shared read-only sequence
	routes    map[string]fleet.Route
	total     int // operational buses at last load/refresh
	eligible  int // buses that qualified before the cap
	lastErr   error
	badRoutes map[string]bool // config errors already logged
}

func NewEngine(cfg Config, source FleetSource, mover *Mover, sink PositionSink, pub broadcast.Publisher, detector *proximity.Detector, mcol *metrics.Collector, rng *rand.Rand) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		cfg:       cfg,
		source:    source,
		mover:     mover,
		sink:      sink,
		pub:       pub,
		detector:  detector,
		metrics:   mcol,
		assigner:  AnyActiveRoute{},
		rng:       rng,
		states:    make(map[string]*BusState),
		waypoints: make(map[string][]path.Waypoint),
		routes:    make(map[string]fleet.Route),
		badRoutes: make(map[string]bool),
	}
}

// SetAssigner swaps the auto-route-assignment policy. Must be called before
// Start.
func (e *Engine) SetAssigner(a RouteAssigner) {
	if a != nil {
		e.assigner = a
	}
}

// Start loads the fleet, builds waypoint sequences, and enters the tick
// loop. Returns ErrNoSimulatableBuses when no bus qualifies. Exactly one
// caller wins when Starts race; the rest get ErrAlreadyRunning, so a single
// tick loop ever drives the states.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running || e.starting {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.starting = true
	e.mu.Unlock()

	if err := e.load(ctx); err != nil {
		e.mu.Lock()
		e.starting = false
		e.lastErr = err
		e.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.starting = false
	e.running = true
	e.cancel = cancel
	e.lastErr = nil
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.EngineUp.Set(1)
	}

	e.wg.Add(1)
	go e.run(runCtx)
	log.Printf("engine started: %d buses simulated, tick every %s", e.simulatedCount(), e.cfg.TickInterval)
	return nil
}

// Stop halts the tick loop and releases all simulated state. Idempotent; it
// does not wait for in-flight persistence writes or publishes.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	e.running = false
	e.states = make(map[string]*BusState)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.EngineUp.Set(0)
		e.metrics.SimulatedBuses.Set(0)
	}
}

// Status returns a side-effect-free snapshot of engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Running:        e.running,
		TotalBuses:     e.total,
		EligibleBuses:  e.eligible,
		SimulatedBuses: len(e.states),
		RoutesLoaded:   len(e.waypoints),
		TickInterval:   e.cfg.TickInterval,
		MaxBuses:       e.cfg.MaxBuses,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

func (e *Engine) simulatedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}

// load reads the fleet, builds waypoint sequences, and seeds per-bus states.
func (e *Engine) load(ctx context.Context) error {
	routes, err := e.source.ActiveRoutes(ctx)
	if err != nil {
		return err
	}
	stops, err := e.source.ActiveStops(ctx)
	if err != nil {
		return err
	}
	buses, err := e.source.OperationalBuses(ctx)
	if err != nil {
		return err
	}

	stopsByID := make(map[string]fleet.BusStop, len(stops))
	for _, s := range stops {
		stopsByID[s.ID] = s
	}
	if e.detector != nil {
		e.detector.SetStops(stops)
	}

	waypoints := make(map[string][]path.Waypoint, len(routes))
	routesByID := make(map[string]fleet.Route, len(routes))
	for _, r := range routes {
		wps, ok := e.buildWaypoints(r, stopsByID)
		if !ok {
			continue
		}
		waypoints[r.ID] = wps
		routesByID[r.ID] = r
	}

	states := make(map[string]*BusState)
	eligible := 0
	for _, bus := range buses {
		routeID := bus.RouteID
		if routeID == "" && e.cfg.AutoAssignRoutes {
			if assigned, ok := e.assigner.Assign(bus, routes); ok {
				routeID = assigned
				log.Printf("bus %s auto-assigned route %s", bus.ID, routeID)
			}
		}
		wps, ok := waypoints[routeID]
		if routeID == "" || !ok {
			log.Printf("bus %s excluded from simulation: no resolvable route %q", bus.ID, bus.RouteID)
			continue
		}
		eligible++
		if len(states) >= e.cfg.MaxBuses {
			continue // beyond the cap: left unsimulated, visible via Status
		}
		states[bus.ID] = e.seedState(bus, routeID, wps, routesByID[routeID].Completion)
	}

	e.mu.Lock()
	e.waypoints = waypoints
	e.routes = routesByID
	e.states = states
	e.total = len(buses)
	e.eligible = eligible
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.SimulatedBuses.Set(float64(len(states)))
		e.metrics.RoutesLoaded.Set(float64(len(waypoints)))
	}

	if len(states) == 0 {
		return ErrNoSimulatableBuses
	}
	return nil
}

// buildWaypoints generates one route's sequence, reporting configuration
// errors once per route.
func (e *Engine) buildWaypoints(r fleet.Route, stopsByID map[string]fleet.BusStop) ([]path.Waypoint, bool) {
	pathStops := make([]path.Stop, 0, len(r.StopIDs))
	for _, id := range r.StopIDs {
		s, ok := stopsByID[id]
		if !ok {
			continue
		}
		pathStops = append(pathStops, path.Stop{ID: s.ID, Coord: s.Coord})
	}
	opts := path.Options{
		DensityM:   e.cfg.WaypointDensityM,
		VariationM: e.cfg.PathVariationM,
		Rand:       e.rng,
	}
	wps, err := path.Generate(pathStops, r.Polyline, opts)
	if err != nil && r.Polyline != "" {
		// Bad geometry is not fatal; fall back to straight segments.
		if !e.badRoutes[r.ID] {
			log.Printf("route %s: polyline unusable (%v), using straight segments", r.ID, err)
		}
		wps, err = path.Generate(pathStops, "", opts)
	}
	if err != nil {
		if !e.badRoutes[r.ID] {
			e.badRoutes[r.ID] = true
			log.Printf("route %s excluded from simulation: %v", r.ID, err)
		}
		return nil, false
	}
	return wps, true
}

// seedState places a bus on its route, preferring its last known location
// when that falls near the waypoint sequence.
func (e *Engine) seedState(bus fleet.Bus, routeID string, wps []path.Waypoint, completion fleet.CompletionBehavior) *BusState {
	if completion == "" {
		completion = e.cfg.DefaultCompletion
	}
	st := &BusState{
		BusID:      bus.ID,
		RouteID:    routeID,
		Waypoints:  wps,
		Index:      0,
		Direction:  1,
		Completion: completion,
		Position:   wps[0].Coord,
	}
	if bus.Location != nil {
		idx, dist := nearestWaypoint(wps, *bus.Location)
		if dist <= e.cfg.SeedSnapRadiusM {
			st.Index = idx
			st.Position = *bus.Location
		}
	}
	next := st.Index + 1
	if next >= len(wps) {
		next = st.Index - 1
	}
	if next >= 0 {
		st.Heading = geo.Bearing(st.Position, wps[next].Coord)
	}
	return st
}

func nearestWaypoint(wps []path.Waypoint, c geo.Coordinate) (int, float64) {
	bestIdx := 0
	bestDist := geo.Distance(wps[0].Coord, c)
	for i := 1; i < len(wps); i++ {
		if d := geo.Distance(wps[i].Coord, c); d < bestDist {
			bestIdx, bestDist = i, d
		}
	}
	return bestIdx, bestDist
}

// run is the tick loop. It exits on cancellation; an escaped panic is
// recorded so the lifecycle monitor sees a stopped engine.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine tick loop panic: %v", r)
			e.mu.Lock()
			e.lastErr = errors.New("tick loop panic")
			e.mu.Unlock()
		}
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.EngineUp.Set(0)
		}
	}()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	var refreshC <-chan time.Time
	if e.cfg.RefreshInterval > 0 {
		refresh := time.NewTicker(e.cfg.RefreshInterval)
		defer refresh.Stop()
		refreshC = refresh.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.tick(now)
		case <-refreshC:
			if err := e.refresh(ctx); err != nil {
				log.Printf("fleet refresh error: %v", err)
			}
			if e.detector != nil {
				e.detector.Prune(time.Now())
			}
		}
	}
}

// tick advances every simulated bus by one fixed step and dispatches the
// results. Buses are independent, so the work is spread over a small worker
// pool; a failure for one bus never blocks the others.
func (e *Engine) tick(now time.Time) {
	start := time.Now()

	e.mu.Lock()
	batch := make([]*BusState, 0, len(e.states))
	for _, st := range e.states {
		batch = append(batch, st)
	}
	e.mu.Unlock()

	workers := e.cfg.Workers
	if workers > len(batch) {
		workers = len(batch)
	}
	if workers < 1 {
		workers = 1
	}

	ch := make(chan *BusState)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for st := range ch {
				e.processBus(st, now)
			}
		}()
	}
	for _, st := range batch {
		ch <- st
	}
	close(ch)
	wg.Wait()

	if e.metrics != nil {
		e.metrics.TicksTotal.Inc()
		e.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

// processBus advances one bus and dispatches its tick output. Errors and
// panics are contained at this granularity.
func (e *Engine) processBus(st *BusState, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bus %s tick panic: %v", st.BusID, r)
		}
	}()

	e.mover.Advance(st, e.cfg.TickInterval, now)

	if e.sink != nil {
		e.sink.Enqueue(store.PositionUpdate{
			BusID:    st.BusID,
			Lat:      st.Position.Lat,
			Lon:      st.Position.Lon,
			Heading:  st.Heading,
			SpeedMps: st.SpeedMps,
			At:       now,
		})
	}

	if e.pub != nil {
		u := broadcast.LocationUpdate{
			Kind:      broadcast.KindLocationUpdate,
			EventID:   uuid.NewString(),
			BusID:     st.BusID,
			RouteID:   st.RouteID,
			Latitude:  st.Position.Lat,
			Longitude: st.Position.Lon,
			Heading:   st.Heading,
			SpeedMps:  st.SpeedMps,
			Timestamp: now,
		}
		if err := e.pub.PublishLocation(u); err != nil {
			// No retry within the tick; the next update supersedes it.
			log.Printf("publish location for bus %s: %v", st.BusID, err)
		}
	}

	if e.detector != nil {
		e.detector.Check(proximity.BusSnapshot{
			BusID:           st.BusID,
			Position:        st.Position,
			SpeedMps:        st.SpeedMps,
			At:              now,
			RemainingToStop: st.RemainingToStop,
		})
	}
}

// refresh reconciles the simulated set with current fleet records: buses
// that stopped being operational are released, newly eligible buses are
// picked up within the cap. Existing states keep their position.
func (e *Engine) refresh(ctx context.Context) error {
	buses, err := e.source.OperationalBuses(ctx)
	if err != nil {
		return err
	}
	routes, err := e.source.ActiveRoutes(ctx)
	if err != nil {
		return err
	}
	stops, err := e.source.ActiveStops(ctx)
	if err != nil {
		return err
	}

	stopsByID := make(map[string]fleet.BusStop, len(stops))
	for _, s := range stops {
		stopsByID[s.ID] = s
	}
	if e.detector != nil {
		e.detector.SetStops(stops)
	}

	e.mu.Lock()
	// Build waypoints for routes we have not seen yet. Sequences already in
	// use stay as built; buses mid-route keep a consistent path.
	for _, r := range routes {
		if _, ok := e.waypoints[r.ID]; ok {
			continue
		}
		e.mu.Unlock()
		wps, ok := e.buildWaypoints(r, stopsByID)
		e.mu.Lock()
		if ok {
			e.waypoints[r.ID] = wps
			e.routes[r.ID] = r
		}
	}

	seen := make(map[string]bool, len(buses))
	eligible := 0
	for _, bus := range buses {
		routeID := bus.RouteID
		if routeID == "" && e.cfg.AutoAssignRoutes {
			if assigned, ok := e.assigner.Assign(bus, routes); ok {
				routeID = assigned
			}
		}
		wps, ok := e.waypoints[routeID]
		if routeID == "" || !ok {
			continue
		}
		eligible++
		seen[bus.ID] = true
		if _, running := e.states[bus.ID]; running {
			continue
		}
		if len(e.states) >= e.cfg.MaxBuses {
			continue
		}
		e.states[bus.ID] = e.seedState(bus, routeID, wps, e.routes[routeID].Completion)
		log.Printf("bus %s entered simulation", bus.ID)
	}
	for id := range e.states {
		if !seen[id] {
			delete(e.states, id)
			log.Printf("bus %s left simulation", id)
		}
	}
	e.total = len(buses)
	e.eligible = eligible
	simulated := len(e.states)
	routesLoaded := len(e.waypoints)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SimulatedBuses.Set(float64(simulated))
		e.metrics.RoutesLoaded.Set(float64(routesLoaded))
	}
	return nil
}

package sim

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-engine/internal/broadcast"
	"fleet-engine/internal/fleet"
	"fleet-engine/internal/geo"
	"fleet-engine/internal/store"
)

type fakeSource struct {
	mu     sync.Mutex
	buses  []fleet.Bus
	routes []fleet.Route
	stops  []fleet.BusStop
	err    error
}

func (f *fakeSource) OperationalBuses(context.Context) ([]fleet.Bus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]fleet.Bus(nil), f.buses...), nil
}

func (f *fakeSource) ActiveRoutes(context.Context) ([]fleet.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fleet.Route(nil), f.routes...), nil
}

func (f *fakeSource) ActiveStops(context.Context) ([]fleet.BusStop, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fleet.BusStop(nil), f.stops...), nil
}

type fakePublisher struct {
	mu      sync.Mutex
	updates []broadcast.LocationUpdate
	alerts  []broadcast.ProximityAlert
	err     error
}

func (f *fakePublisher) PublishLocation(u broadcast.LocationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakePublisher) PublishAlert(_ string, a broadcast.ProximityAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakePublisher) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

type fakeSink struct {
	mu      sync.Mutex
	updates []store.PositionUpdate
}

func (f *fakeSink) Enqueue(u store.PositionUpdate) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return true
}

func testFleet() *fakeSource {
	origin := geo.Coordinate{Lat: 9.000, Lon: 38.700}
	s2 := geo.Destination(origin, 90, 2000)
	s3 := geo.Destination(origin, 90, 4000)
	return &fakeSource{
		buses: []fleet.Bus{
			{ID: "bus-1", Status: fleet.StatusOperational, RouteID: "r1"},
			{ID: "bus-2", Status: fleet.StatusOperational, RouteID: "r1"},
		},
		routes: []fleet.Route{
			{ID: "r1", StopIDs: []string{"s1", "s2", "s3"}, Active: true, Completion: fleet.CompletionLoop},
		},
		stops: []fleet.BusStop{
			{ID: "s1", Coord: origin, Active: true},
			{ID: "s2", Coord: s2, Active: true},
			{ID: "s3", Coord: s3, Active: true},
		},
	}
}

func testConfig() Config {
	return Config{
		TickInterval:      5 * time.Second,
		MaxBuses:          50,
		AutoAssignRoutes:  true,
		WaypointDensityM:  500,
		SeedSnapRadiusM:   200,
		DefaultCompletion: fleet.CompletionLoop,
	}
}

func testMover() *Mover {
	return NewMover(MoverConfig{
		AvgSpeedMps:      10,
		MinSpeedMps:      5,
		MaxSpeedMps:      20,
		TrafficVariation: 0,
	}, rand.New(rand.NewSource(1)))
}

func TestEngineLoadAndTick(t *testing.T) {
	src := testFleet()
	pub := &fakePublisher{}
	sink := &fakeSink{}
	e := NewEngine(testConfig(), src, testMover(), sink, pub, nil, nil, rand.New(rand.NewSource(1)))

	require.NoError(t, e.load(context.Background()))

	st := e.Status()
	assert.Equal(t, 2, st.SimulatedBuses)
	assert.Equal(t, 2, st.TotalBuses)
	assert.Equal(t, 1, st.RoutesLoaded)

	now := time.Now()
	e.tick(now)

	// One location update and one persisted position per bus per tick.
	assert.Equal(t, 2, pub.updateCount())
	assert.Len(t, sink.updates, 2)
	for _, u := range pub.updates {
		assert.Equal(t, broadcast.KindLocationUpdate, u.Kind)
		assert.NotEmpty(t, u.EventID)
		assert.Equal(t, "r1", u.RouteID)
		assert.Equal(t, now, u.Timestamp)
	}
}

func TestEngineStartStop(t *testing.T) {
	src := testFleet()
	pub := &fakePublisher{}
	cfg := testConfig()
	cfg.TickInterval = 10 * time.Millisecond
	e := NewEngine(cfg, src, testMover(), nil, pub, nil, nil, rand.New(rand.NewSource(1)))

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyRunning)

	assert.Eventually(t, func() bool { return pub.updateCount() > 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, e.Status().Running)

	e.Stop()
	assert.False(t, e.Status().Running)
	assert.Zero(t, e.Status().SimulatedBuses)

	// Stop is idempotent.
	e.Stop()
}

// gatedSource stalls the first fleet read until released, holding a Start
// call open inside its load phase.
type gatedSource struct {
	*fakeSource
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSource) ActiveRoutes(ctx context.Context) ([]fleet.Route, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.fakeSource.ActiveRoutes(ctx)
}

func TestStartRefusedWhileAnotherStartLoads(t *testing.T) {
	src := &gatedSource{
		fakeSource: testFleet(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	e := NewEngine(testConfig(), src, testMover(), nil, nil, nil, nil, rand.New(rand.NewSource(1)))

	firstErr := make(chan error, 1)
	go func() { firstErr <- e.Start(context.Background()) }()
	<-src.entered

	// The first Start is still loading; a racing Start must lose rather
	// than spawn a second tick loop over the same states.
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyRunning)

	close(src.release)
	require.NoError(t, <-firstErr)
	assert.True(t, e.Status().Running)

	// Exactly one loop means Stop halts it and returns.
	e.Stop()
	assert.False(t, e.Status().Running)
}

func TestEngineNoSimulatableBuses(t *testing.T) {
	src := testFleet()
	src.buses = nil
	e := NewEngine(testConfig(), src, testMover(), nil, nil, nil, nil, nil)

	err := e.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoSimulatableBuses)
	assert.False(t, e.Status().Running)
	assert.NotEmpty(t, e.Status().LastError)
}

func TestEngineMaxBusesCap(t *testing.T) {
	src := testFleet()
	src.buses = append(src.buses, fleet.Bus{ID: "bus-3", Status: fleet.StatusOperational, RouteID: "r1"})
	cfg := testConfig()
	cfg.MaxBuses = 2
	e := NewEngine(cfg, src, testMover(), nil, nil, nil, nil, nil)

	require.NoError(t, e.load(context.Background()))
	st := e.Status()
	assert.Equal(t, 2, st.SimulatedBuses)
	assert.Equal(t, 3, st.EligibleBuses)
	assert.Equal(t, 3, st.TotalBuses)
}

func TestEngineAutoAssignsRoute(t *testing.T) {
	src := testFleet()
	src.buses = []fleet.Bus{{ID: "bus-1", Status: fleet.StatusOperational}} // no route
	e := NewEngine(testConfig(), src, testMover(), nil, nil, nil, nil, nil)

	require.NoError(t, e.load(context.Background()))
	assert.Equal(t, 1, e.Status().SimulatedBuses)

	e2 := NewEngine(Config{
		TickInterval:     5 * time.Second,
		MaxBuses:         50,
		AutoAssignRoutes: false,
		WaypointDensityM: 500,
	}, src, testMover(), nil, nil, nil, nil, nil)
	assert.ErrorIs(t, e2.load(context.Background()), ErrNoSimulatableBuses)
}

func TestEngineExcludesSingleStopRoute(t *testing.T) {
	src := testFleet()
	src.routes = append(src.routes, fleet.Route{ID: "r2", StopIDs: []string{"s1"}, Active: true})
	src.buses = append(src.buses, fleet.Bus{ID: "bus-3", Status: fleet.StatusOperational, RouteID: "r2"})
	e := NewEngine(testConfig(), src, testMover(), nil, nil, nil, nil, nil)

	require.NoError(t, e.load(context.Background()))
	st := e.Status()
	// The invalid route is dropped; its bus is excluded, others unaffected.
	assert.Equal(t, 1, st.RoutesLoaded)
	assert.Equal(t, 2, st.SimulatedBuses)
}

func TestStatusIdempotent(t *testing.T) {
	src := testFleet()
	e := NewEngine(testConfig(), src, testMover(), nil, nil, nil, nil, nil)
	require.NoError(t, e.load(context.Background()))

	first := e.Status()
	second := e.Status()
	assert.Equal(t, first, second)
}

func TestTickSurvivesPublishFailure(t *testing.T) {
	src := testFleet()
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	sink := &fakeSink{}
	e := NewEngine(testConfig(), src, testMover(), sink, pub, nil, nil, rand.New(rand.NewSource(1)))
	require.NoError(t, e.load(context.Background()))

	e.tick(time.Now())
	firstPositions := make(map[string]geo.Coordinate)
	for _, u := range sink.updates {
		firstPositions[u.BusID] = geo.Coordinate{Lat: u.Lat, Lon: u.Lon}
	}

	// The failing publisher must not corrupt state or block later ticks:
	// the next tick still advances every bus by one tick's travel.
	e.tick(time.Now())
	require.Len(t, sink.updates, 4)
	for _, u := range sink.updates[2:] {
		prev := firstPositions[u.BusID]
		moved := geo.Distance(prev, geo.Coordinate{Lat: u.Lat, Lon: u.Lon})
		assert.InDelta(t, 50, moved, 10, "bus %s should advance ~one tick of travel", u.BusID)
	}
}

func TestEngineRefreshAddsAndRemovesBuses(t *testing.T) {
	src := testFleet()
	e := NewEngine(testConfig(), src, testMover(), nil, nil, nil, nil, nil)
	require.NoError(t, e.load(context.Background()))
	require.Equal(t, 2, e.Status().SimulatedBuses)

	src.mu.Lock()
	src.buses = []fleet.Bus{
		{ID: "bus-2", Status: fleet.StatusOperational, RouteID: "r1"},
		{ID: "bus-9", Status: fleet.StatusOperational, RouteID: "r1"},
	}
	src.mu.Unlock()

	require.NoError(t, e.refresh(context.Background()))
	e.mu.Lock()
	_, hasOld := e.states["bus-1"]
	_, hasKept := e.states["bus-2"]
	_, hasNew := e.states["bus-9"]
	e.mu.Unlock()
	assert.False(t, hasOld)
	assert.True(t, hasKept)
	assert.True(t, hasNew)
}

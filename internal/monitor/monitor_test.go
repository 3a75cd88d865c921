package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-engine/internal/sim"
)

type fakeEngine struct {
	mu       sync.Mutex
	running  bool
	startErr error
	starts   int
	stops    int
}

func (f *fakeEngine) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
}

func (f *fakeEngine) Status() sim.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sim.Status{Running: f.running}
}

func (f *fakeEngine) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeEngine) kill() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}

func (f *fakeEngine) setStartErr(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

func TestMonitorStartsEngine(t *testing.T) {
	eng := &fakeEngine{}
	mon := New(eng, time.Hour, 5, nil)

	require.NoError(t, mon.Start(context.Background()))
	defer mon.Stop()

	st := mon.Status()
	assert.True(t, st.Engine.Running)
	assert.False(t, st.Degraded)
	assert.Zero(t, st.Restarts)
}

func TestMonitorStartTwice(t *testing.T) {
	eng := &fakeEngine{}
	mon := New(eng, time.Hour, 5, nil)
	require.NoError(t, mon.Start(context.Background()))
	defer mon.Stop()

	assert.Error(t, mon.Start(context.Background()))
}

func TestMonitorRestartsStoppedEngine(t *testing.T) {
	eng := &fakeEngine{}
	mon := New(eng, 10*time.Millisecond, 5, nil)
	require.NoError(t, mon.Start(context.Background()))
	defer mon.Stop()

	eng.kill()
	assert.Eventually(t, func() bool {
		return mon.Status().Engine.Running && mon.Status().Restarts == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, mon.Status().Degraded)
}

func TestMonitorDegradesAfterBudget(t *testing.T) {
	eng := &fakeEngine{}
	mon := New(eng, 10*time.Millisecond, 3, nil)
	require.NoError(t, mon.Start(context.Background()))
	defer mon.Stop()

	eng.kill()
	eng.setStartErr(errors.New("database unreachable"))

	assert.Eventually(t, func() bool { return mon.Status().Degraded }, time.Second, 5*time.Millisecond)

	// Degraded means no further restart attempts.
	attempts := eng.startCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, attempts, eng.startCount())
}

func TestMonitorIdleFleetNotCountedAsFailure(t *testing.T) {
	eng := &fakeEngine{startErr: sim.ErrNoSimulatableBuses}
	mon := New(eng, 10*time.Millisecond, 2, nil)

	err := mon.Start(context.Background())
	assert.ErrorIs(t, err, sim.ErrNoSimulatableBuses)
	defer mon.Stop()

	// Polling keeps retrying without ever marking the monitor degraded.
	assert.Eventually(t, func() bool { return eng.startCount() > 4 }, time.Second, 5*time.Millisecond)
	assert.False(t, mon.Status().Degraded)

	// Once buses qualify, the engine comes up.
	eng.setStartErr(nil)
	assert.Eventually(t, func() bool { return mon.Status().Engine.Running }, time.Second, 5*time.Millisecond)
}

func TestMonitorManualRestartResetsDegraded(t *testing.T) {
	eng := &fakeEngine{}
	mon := New(eng, 10*time.Millisecond, 1, nil)
	require.NoError(t, mon.Start(context.Background()))
	defer mon.Stop()

	eng.kill()
	eng.setStartErr(errors.New("database unreachable"))
	assert.Eventually(t, func() bool { return mon.Status().Degraded }, time.Second, 5*time.Millisecond)

	eng.setStartErr(nil)
	require.NoError(t, mon.Restart(context.Background()))
	st := mon.Status()
	assert.False(t, st.Degraded)
	assert.True(t, st.Engine.Running)
}

func TestMonitorStopIdempotent(t *testing.T) {
	eng := &fakeEngine{}
	mon := New(eng, time.Hour, 5, nil)
	require.NoError(t, mon.Start(context.Background()))

	mon.Stop()
	mon.Stop()
	assert.False(t, mon.Status().Engine.Running)
}

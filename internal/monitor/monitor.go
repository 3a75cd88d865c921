// Package monitor supervises the simulation engine, restarting it under a
// bounded retry budget and exposing the control surface the outside API
// layer calls.
package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"fleet-engine/internal/sim"
)

// Runner is the supervised engine. Implemented by sim.Engine.
type Runner interface {
	Start(ctx context.Context) error
	Stop()
	Status() sim.Status
}

// MonitorMetrics is implemented by the metrics collector.
type MonitorMetrics interface {
	RestartInc()
}

// Status is the monitor's view: the engine snapshot plus supervision state.
type Status struct {
	Engine   sim.Status
	Degraded bool
	Restarts int
}

type Monitor struct {
	engine       Runner
	pollInterval time.Duration
	maxRestarts  int
	metrics      MonitorMetrics

	mu       sync.Mutex
	want     bool // engine should be running
	degraded bool
	failures int // consecutive failed restart attempts
	restarts int
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(engine Runner, pollInterval time.Duration, maxRestarts int, m MonitorMetrics) *Monitor {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	if maxRestarts <= 0 {
		maxRestarts = 5
	}
	return &Monitor{
		engine:       engine,
		pollInterval: pollInterval,
		maxRestarts:  maxRestarts,
		metrics:      m,
	}
}

// Start brings the engine up and begins health polling. A start that fails
// with ErrNoSimulatableBuses still begins polling; the fleet may qualify
// later.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return errors.New("monitor already started")
	}
	pollCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.want = true
	m.degraded = false
	m.failures = 0
	m.mu.Unlock()

	err := m.engine.Start(ctx)
	if err != nil && !errors.Is(err, sim.ErrNoSimulatableBuses) {
		m.mu.Lock()
		m.failures = 1
		m.mu.Unlock()
	}
	if errors.Is(err, sim.ErrNoSimulatableBuses) {
		log.Printf("engine idle: %v; will retry on next poll", err)
	}

	m.wg.Add(1)
	go m.poll(pollCtx)
	return err
}

// Stop halts polling and the engine. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.want = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.engine.Stop()
}

// Restart stops and restarts the engine on demand, resetting the
// degraded state.
func (m *Monitor) Restart(ctx context.Context) error {
	m.engine.Stop()
	m.mu.Lock()
	m.degraded = false
	m.failures = 0
	m.restarts++
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.RestartInc()
	}
	err := m.engine.Start(ctx)
	if err != nil && !errors.Is(err, sim.ErrNoSimulatableBuses) {
		return err
	}
	return nil
}

// Status reports the engine snapshot plus supervision state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	degraded := m.degraded
	restarts := m.restarts
	m.mu.Unlock()
	return Status{
		Engine:   m.engine.Status(),
		Degraded: degraded,
		Restarts: restarts,
	}
}

func (m *Monitor) poll(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(ctx)
		}
	}
}

// checkHealth restarts a stopped engine, counting consecutive failures.
// Once the budget is exhausted the monitor reports degraded instead of
// retrying forever.
func (m *Monitor) checkHealth(ctx context.Context) {
	m.mu.Lock()
	want := m.want
	degraded := m.degraded
	m.mu.Unlock()
	if !want || degraded {
		return
	}
	if m.engine.Status().Running {
		m.mu.Lock()
		m.failures = 0
		m.mu.Unlock()
		return
	}

	log.Printf("engine not running, attempting restart")
	m.engine.Stop() // release any leftover state before restarting
	err := m.engine.Start(ctx)
	if err == nil {
		m.mu.Lock()
		m.failures = 0
		m.restarts++
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RestartInc()
		}
		log.Printf("engine restarted")
		return
	}
	if errors.Is(err, sim.ErrNoSimulatableBuses) {
		// Nothing to simulate is not a failure; keep polling.
		return
	}

	m.mu.Lock()
	m.failures++
	failures := m.failures
	if failures >= m.maxRestarts {
		m.degraded = true
	}
	nowDegraded := m.degraded
	m.mu.Unlock()
	if nowDegraded {
		log.Printf("engine restart failed %d times, giving up: %v", failures, err)
	} else {
		log.Printf("engine restart failed (%d/%d): %v", failures, m.maxRestarts, err)
	}
}

package store

import (
	"context"
	"log"
	"time"
)

// PositionUpdate is one simulated location to persist.
type PositionUpdate struct {
	BusID    string
	Lat      float64
	Lon      float64
	Heading  float64
	SpeedMps float64
	At       time.Time
}

// PositionStore persists position updates. Implemented by *Store.
type PositionStore interface {
	UpdateBusPosition(ctx context.Context, u PositionUpdate) error
}

// WriterMetrics is implemented by the metrics collector.
type WriterMetrics interface {
	WriteInc()
	WriteErrInc()
	WriteDroppedInc()
}

// LocationWriter consumes position updates from a bounded queue on its own
// goroutine so a slow or failing database never stalls the tick loop. A full
// queue drops the update; the next tick's position supersedes it anyway.
type LocationWriter struct {
	store   PositionStore
	queue   chan PositionUpdate
	metrics WriterMetrics
	done    chan struct{}
}

func NewLocationWriter(store PositionStore, queueSize int, m WriterMetrics) *LocationWriter {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &LocationWriter{
		store:   store,
		queue:   make(chan PositionUpdate, queueSize),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Run drains the queue until ctx is cancelled, then best-effort drains what
// is already queued and exits.
func (w *LocationWriter) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case u := <-w.queue:
			w.write(ctx, u)
		}
	}
}

// Enqueue hands off one update without blocking. Returns false when the
// queue is full and the update was dropped.
func (w *LocationWriter) Enqueue(u PositionUpdate) bool {
	select {
	case w.queue <- u:
		return true
	default:
		if w.metrics != nil {
			w.metrics.WriteDroppedInc()
		}
		log.Printf("location write queue full, dropping update for bus %s", u.BusID)
		return false
	}
}

// Wait blocks until Run has returned.
func (w *LocationWriter) Wait() { <-w.done }

func (w *LocationWriter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		select {
		case u := <-w.queue:
			w.write(ctx, u)
		default:
			return
		}
	}
}

func (w *LocationWriter) write(ctx context.Context, u PositionUpdate) {
	if err := w.store.UpdateBusPosition(ctx, u); err != nil {
		if w.metrics != nil {
			w.metrics.WriteErrInc()
		}
		log.Printf("persist location for bus %s: %v", u.BusID, err)
		return
	}
	if w.metrics != nil {
		w.metrics.WriteInc()
	}
}

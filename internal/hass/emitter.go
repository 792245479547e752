package hass

import (
	"context"
	"sync"

	"github.com/nerrad567/hal-core/internal/entity"
)

// emitter hands snapshots to a handler on its own goroutine, in order.
//
// Producers never block: the handler may issue service calls whose results
// arrive on the producer's read loop.
type emitter struct {
	mu    sync.Mutex
	queue []entity.Snapshot
	wake  chan struct{}
}

func newEmitter() *emitter {
	return &emitter{wake: make(chan struct{}, 1)}
}

func (e *emitter) push(snap entity.Snapshot) {
	e.mu.Lock()
	e.queue = append(e.queue, snap)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) drain() []entity.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queue
	e.queue = nil
	return q
}

// run delivers queued snapshots until ctx is cancelled. A panicking handler
// is logged and the loop continues.
func (e *emitter) run(ctx context.Context, handler func(entity.Snapshot), logger Logger) {
	for {
		for _, snap := range e.drain() {
			if ctx.Err() != nil {
				return
			}
			deliver(handler, snap, logger)
		}

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		}
	}
}

func deliver(handler func(entity.Snapshot), snap entity.Snapshot, logger Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("snapshot handler panic recovered", "panic", r)
		}
	}()
	handler(snap)
}

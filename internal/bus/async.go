// Package bus publishes orchestration events to external brokers.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nidhogg/nuka-swarm/internal/event"
	"go.uber.org/zap"
)

// PublishFunc delivers one event to a broker.
type PublishFunc func(ctx context.Context, ev event.Event) error

// Async decouples coordinators from broker latency. Emit queues the event
// and returns; a single worker publishes in order. When the queue is full
// the event is dropped and counted, as are events emitted after Close.
type Async struct {
	name    string
	publish PublishFunc
	queue   chan event.Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
	logger  *zap.Logger
}

// NewAsync starts a publisher with room for buffer pending events.
func NewAsync(name string, publish PublishFunc, buffer int, logger *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	a := &Async{
		name:    name,
		publish: publish,
		queue:   make(chan event.Event, buffer),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go a.loop()
	return a
}

// Emit queues ev for publishing.
func (a *Async) Emit(_ context.Context, ev event.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		a.logger.Debug("event after close, dropping",
			zap.String("sink", a.name),
			zap.String("run", ev.RunID),
			zap.String("type", string(ev.Type)))
		return
	}
	select {
	case a.queue <- ev:
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.logger.Warn("event queue full, dropping",
				zap.String("sink", a.name),
				zap.String("type", string(ev.Type)),
				zap.Int64("dropped", a.dropped.Load()))
		}
	}
}

func (a *Async) loop() {
	defer close(a.done)
	ctx := context.Background()
	for ev := range a.queue {
		if err := a.publish(ctx, ev); err != nil {
			a.failed.Add(1)
			a.logger.Warn("publish event failed",
				zap.String("sink", a.name),
				zap.String("run", ev.RunID),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
	}
}

// Dropped returns how many events were discarded, either because the queue
// was full or because the publisher was closed.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Failed returns how many publishes returned an error.
func (a *Async) Failed() int64 { return a.failed.Load() }

// Close stops accepting events and waits for the queue to drain or ctx to
// end. Later calls to Emit drop their event.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package sink forwards bus events to external systems: Redis pub/sub for
// other services and InfluxDB for switch history. Each sink drains its own
// queue so a slow backend never blocks the gateway.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"relay-sync/internal/events"
)

const queueSize = 256

// Subscriber delivers bus events.
type Subscriber interface {
	OnAll(handler events.Handler) func()
}

type worker struct {
	name    string
	queue   chan events.Event
	handle  func(ctx context.Context, e events.Event)
	logger  *slog.Logger
	dropped atomic.Int64

	unsub  func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWorker(name string, handle func(context.Context, events.Event), logger *slog.Logger) *worker {
	return &worker{
		name:   name,
		queue:  make(chan events.Event, queueSize),
		handle: handle,
		logger: logger,
	}
}

func (w *worker) enqueue(e events.Event) {
	select {
	case w.queue <- e:
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			w.logger.Warn("sink queue full, dropping events", "sink", w.name, "dropped", n)
		}
	}
}

func (w *worker) start(bus Subscriber) {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.unsub = bus.OnAll(w.enqueue)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				w.drain(ctx)
				return
			case e := <-w.queue:
				w.handle(ctx, e)
			}
		}
	}()
}

// drain delivers whatever is still queued at shutdown.
func (w *worker) drain(ctx context.Context) {
	for {
		select {
		case e := <-w.queue:
			w.handle(context.WithoutCancel(ctx), e)
		default:
			return
		}
	}
}

func (w *worker) stop() {
	if w.unsub != nil {
		w.unsub()
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

package events

import (
	"context"
	"log/slog"
	"time"
)

// Handler processes a single event. Handlers run on the dispatcher
// goroutine and must not block; anything slow belongs in its own
// goroutine fed by a subscription on the [Bus].
type Handler func(Event)

type namedHandler struct {
	name string
	fn   Handler
}

// Dispatcher owns the ordered event queue. Events are delivered to
// handlers in registration order, one event at a time, which gives the
// rest of the system single-threaded event-loop semantics: handlers
// never observe each other mid-mutation.
type Dispatcher struct {
	queue    chan Event
	handlers []namedHandler
	bus      *Bus
	logger   *slog.Logger
	started  bool
	done     chan struct{}
}

// NewDispatcher creates a dispatcher with the given queue depth. The
// optional bus receives every event after the handlers have run; pass
// nil to disable diagnostics forwarding.
func NewDispatcher(queueDepth int, bus *Bus, logger *slog.Logger) *Dispatcher {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:  make(chan Event, queueDepth),
		bus:    bus,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Register adds a handler. Must be called before Start; registration
// order is delivery order.
func (d *Dispatcher) Register(name string, h Handler) {
	if d.started {
		panic("events: Register called after Start")
	}
	d.handlers = append(d.handlers, namedHandler{name: name, fn: h})
}

// Start launches the dispatch goroutine. It runs until ctx is
// cancelled; Wait blocks until the goroutine has drained and exited.
func (d *Dispatcher) Start(ctx context.Context) {
	d.started = true
	go d.run(ctx)
}

// Wait blocks until the dispatch goroutine exits.
func (d *Dispatcher) Wait() {
	<-d.done
}

// Enqueue places an event on the queue. A zero Timestamp is stamped
// with the current time. Enqueue blocks when the queue is full rather
// than dropping: the dispatch queue is the system's source of truth
// and losing events would corrupt derived state.
func (d *Dispatcher) Enqueue(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	d.queue <- e
}

// TryEnqueue places an event on the queue without blocking. Returns
// false if the queue was full. Intended for diagnostics-grade events
// where dropping is preferable to stalling a read loop.
func (d *Dispatcher) TryEnqueue(e Event) bool {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case d.queue <- e:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued so handlers observe a
			// consistent final state, then exit.
			for {
				select {
				case e := <-d.queue:
					d.deliver(e)
				default:
					return
				}
			}
		case e := <-d.queue:
			d.deliver(e)
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	for _, h := range d.handlers {
		h.fn(e)
	}
	d.bus.Publish(e)
	d.logger.Debug("event dispatched", "source", e.Source, "kind", e.Kind)
}

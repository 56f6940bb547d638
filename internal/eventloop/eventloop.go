// Package eventloop serializes all relay state changes onto one goroutine.
//
// Reader goroutines, timers and handshakes never touch allocation or
// federation state directly. They post events, and the loop hands each
// event to the registered handlers in arrival order.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/postalsys/metroo-turn/internal/metrics"
	"github.com/postalsys/metroo-turn/internal/recovery"
)

// ErrStopped is returned when posting to a loop that is no longer running.
var ErrStopped = errors.New("event loop stopped")

// Event is anything a handler knows how to process.
type Event interface{}

// Handler consumes events. HandleEvent returns false if the event is not
// one the handler owns, so the loop can offer it to the next handler.
type Handler interface {
	HandleEvent(ev Event) bool
}

// Scheduler accepts events for processing on the loop goroutine.
type Scheduler interface {
	// Post blocks until the event is queued or the loop stops.
	Post(ev Event) bool

	// TryPost queues the event without blocking and drops it when the
	// queue is full. Packet events use this.
	TryPost(ev Event) bool
}

// call runs a function on the loop goroutine.
type call struct {
	fn   func()
	done chan struct{}
}

// Loop is the production Scheduler backed by a buffered channel.
type Loop struct {
	events   chan Event
	handlers []Handler
	logger   *slog.Logger
	metrics  *metrics.Metrics
	stopped  chan struct{}
	dropped  atomic.Uint64
	running  atomic.Bool
}

// New creates a loop with the given queue size.
func New(size int, logger *slog.Logger, m *metrics.Metrics) *Loop {
	if size <= 0 {
		size = 1024
	}
	return &Loop{
		events:  make(chan Event, size),
		logger:  logger.With("component", "eventloop"),
		metrics: m,
		stopped: make(chan struct{}),
	}
}

// Register adds a handler. It must be called before Run.
func (l *Loop) Register(h Handler) {
	l.handlers = append(l.handlers, h)
}

// Run processes events until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	defer close(l.stopped)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-l.events:
			l.dispatch(ev)
		}
	}
}

func (l *Loop) dispatch(ev Event) {
	defer recovery.RecoverWithCallback(l.logger, "event-loop", func(interface{}) {
		if l.metrics != nil {
			l.metrics.RecordLoopPanic()
		}
	})

	if c, ok := ev.(*call); ok {
		c.fn()
		close(c.done)
		return
	}

	dispatchTo(l.handlers, ev, l.logger)
}

func dispatchTo(handlers []Handler, ev Event, logger *slog.Logger) {
	for _, h := range handlers {
		if h.HandleEvent(ev) {
			return
		}
	}
	logger.Warn("unhandled event", "type", fmt.Sprintf("%T", ev))
}

// Post implements Scheduler.
func (l *Loop) Post(ev Event) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}

	select {
	case l.events <- ev:
		return true
	case <-l.stopped:
		return false
	}
}

// TryPost implements Scheduler.
func (l *Loop) TryPost(ev Event) bool {
	select {
	case l.events <- ev:
		return true
	default:
		l.dropped.Add(1)
		if l.metrics != nil {
			l.metrics.RecordLoopDrop()
		}
		return false
	}
}

// Call runs fn on the loop goroutine and waits for it to finish.
// Introspection uses this to read state owned by the loop.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	c := &call{fn: fn, done: make(chan struct{})}

	select {
	case l.events <- c:
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-c.done:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events dropped by TryPost.
func (l *Loop) Dropped() uint64 {
	return l.dropped.Load()
}

// Pending returns the number of queued events.
func (l *Loop) Pending() int {
	return len(l.events)
}

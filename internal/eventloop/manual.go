package eventloop

import (
	"log/slog"
	"time"

	"github.com/postalsys/metroo-turn/internal/logging"
)

// Manual is a Scheduler that queues events until the owner drains them.
// Tests use it to drive handlers deterministically from the test goroutine.
type Manual struct {
	events   chan Event
	handlers []Handler
	logger   *slog.Logger
}

// NewManual creates a manual scheduler with room for size pending events.
func NewManual(size int) *Manual {
	return &Manual{
		events: make(chan Event, size),
		logger: logging.NopLogger(),
	}
}

// Register adds a handler.
func (m *Manual) Register(h Handler) {
	m.handlers = append(m.handlers, h)
}

// Post implements Scheduler.
func (m *Manual) Post(ev Event) bool {
	m.events <- ev
	return true
}

// TryPost implements Scheduler.
func (m *Manual) TryPost(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	default:
		return false
	}
}

// RunPending dispatches every queued event, including events queued by
// handlers while draining, and returns how many ran.
func (m *Manual) RunPending() int {
	n := 0
	for {
		select {
		case ev := <-m.events:
			m.dispatch(ev)
			n++
		default:
			return n
		}
	}
}

// RunNext waits up to timeout for one event and dispatches it.
func (m *Manual) RunNext(timeout time.Duration) bool {
	select {
	case ev := <-m.events:
		m.dispatch(ev)
		return true
	case <-time.After(timeout):
		return false
	}
}

// Pending returns the number of queued events.
func (m *Manual) Pending() int {
	return len(m.events)
}

func (m *Manual) dispatch(ev Event) {
	if c, ok := ev.(*call); ok {
		c.fn()
		close(c.done)
		return
	}
	dispatchTo(m.handlers, ev, m.logger)
}

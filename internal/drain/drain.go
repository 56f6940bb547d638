// Package drain implements the admission gate used to take a relay out of
// rotation: while draining, existing allocations keep working but no new
// ones are created or extended.
package drain

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/postalsys/metroo-turn/internal/logging"
)

// Gate is safe for concurrent use. The zero value is open.
type Gate struct {
	draining atomic.Bool
	since    atomic.Int64
	logger   *slog.Logger
}

// New creates an open gate.
func New(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Gate{logger: logger.With(logging.KeyComponent, "drain")}
}

// Enable starts draining. It reports whether the state changed.
func (g *Gate) Enable() bool {
	if !g.draining.CompareAndSwap(false, true) {
		return false
	}
	g.since.Store(time.Now().UnixNano())
	g.log("drain mode enabled")
	return true
}

// Disable stops draining. It reports whether the state changed.
func (g *Gate) Disable() bool {
	if !g.draining.CompareAndSwap(true, false) {
		return false
	}
	g.since.Store(0)
	g.log("drain mode disabled")
	return true
}

// Draining reports whether the gate is closed to new allocations.
func (g *Gate) Draining() bool {
	return g.draining.Load()
}

// State is the gate state as reported over HTTP.
type State struct {
	Draining bool      `json:"draining"`
	Since    time.Time `json:"since,omitzero"`
}

// State returns the current state.
func (g *Gate) State() State {
	st := State{Draining: g.draining.Load()}
	if ns := g.since.Load(); st.Draining && ns != 0 {
		st.Since = time.Unix(0, ns)
	}
	return st
}

func (g *Gate) log(msg string) {
	if g.logger != nil {
		g.logger.Info(msg)
	}
}

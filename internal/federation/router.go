// Package federation relays TURN traffic between cooperating relay nodes.
//
// Allocations made by federation clients register with the Router and get
// a random 16-bit connection ID. Frames carrying that ID are delivered to
// the allocation; frames for unknown IDs are dropped.
package federation

import (
	"errors"
	"log/slog"
	"math/rand"
	"net/netip"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/metroo-turn/internal/eventloop"
	"github.com/postalsys/metroo-turn/internal/metrics"
	"github.com/postalsys/metroo-turn/internal/protocol"
)

// ErrNoTransport is returned when sending without a configured transport
var ErrNoTransport = errors.New("federation transport not configured")

// Endpoint receives payloads addressed to its connection ID.
type Endpoint interface {
	DeliverFederated(payload []byte)
	String() string
}

// Transport carries frames between relay nodes. Received frames are
// posted to the event loop as FrameReceived events.
type Transport interface {
	Start() error
	Send(peer netip.AddrPort, payload []byte) error
	LocalAddr() netip.AddrPort
	Close() error
}

// FrameReceived is posted by transports for every inbound frame.
type FrameReceived struct {
	From netip.AddrPort
	Data []byte
}

// Router maps connection IDs to endpoints. It is owned by the event loop.
type Router struct {
	transport Transport
	conns     map[uint16]Endpoint
	ids       map[Endpoint]uint16
	random    func() uint16
	logger    *slog.Logger
	metrics   *metrics.Metrics
	missLog   rate.Sometimes
}

// NewRouter creates a router sending through t.
func NewRouter(t Transport, logger *slog.Logger, m *metrics.Metrics) *Router {
	return &Router{
		transport: t,
		conns:     make(map[uint16]Endpoint),
		ids:       make(map[Endpoint]uint16),
		random:    func() uint16 { return uint16(rand.Uint32()) },
		logger:    logger.With("component", "federation"),
		metrics:   m,
		missLog:   rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
}

// AddConnection registers ep and returns its connection ID. Registering
// the same endpoint again returns the existing ID. IDs are never zero and
// never shared by two live endpoints.
func (r *Router) AddConnection(ep Endpoint) uint16 {
	if id, ok := r.ids[ep]; ok {
		return id
	}

	var id uint16
	for {
		id = r.random()
		if id == 0 {
			continue
		}
		if _, taken := r.conns[id]; !taken {
			break
		}
	}

	r.conns[id] = ep
	r.ids[ep] = id
	r.metrics.SetFederationConnections(len(r.conns))
	r.logger.Debug("federation connection added", "conn_id", id, "endpoint", ep.String())
	return id
}

// RemoveConnection unregisters id. The ID may be handed out again.
func (r *Router) RemoveConnection(id uint16) {
	ep, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	delete(r.ids, ep)
	r.metrics.SetFederationConnections(len(r.conns))
	r.logger.Debug("federation connection removed", "conn_id", id)
}

// Len returns the number of registered connections.
func (r *Router) Len() int {
	return len(r.conns)
}

// Send passes a raw payload to the transport.
func (r *Router) Send(peer netip.AddrPort, payload []byte) error {
	if r.transport == nil {
		return ErrNoTransport
	}
	return r.transport.Send(peer, payload)
}

// SendFrame frames payload for the remote connection connID on peer.
func (r *Router) SendFrame(peer netip.AddrPort, connID uint16, payload []byte) error {
	f := &protocol.Frame{ConnID: connID, Payload: payload}
	buf, err := f.Encode()
	if err != nil {
		r.metrics.RecordFederationFrame(metrics.DirectionOutbound, "too_large")
		return err
	}

	if err := r.Send(peer, buf); err != nil {
		r.metrics.RecordFederationFrame(metrics.DirectionOutbound, "error")
		return err
	}
	r.metrics.RecordFederationFrame(metrics.DirectionOutbound, "ok")
	return nil
}

// Receive parses a frame and delivers its payload.
func (r *Router) Receive(from netip.AddrPort, data []byte) {
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		r.metrics.RecordFederationFrame(metrics.DirectionInbound, "malformed")
		r.missLog.Do(func() {
			r.logger.Debug("malformed federation frame", "peer", from, "len", len(data), "error", err)
		})
		return
	}

	ep, ok := r.conns[f.ConnID]
	if !ok {
		r.metrics.RecordFederationFrame(metrics.DirectionInbound, "unknown_conn")
		r.missLog.Do(func() {
			r.logger.Info("federation frame for unknown connection", "peer", from, "conn_id", f.ConnID)
		})
		return
	}

	r.metrics.RecordFederationFrame(metrics.DirectionInbound, "ok")
	ep.DeliverFederated(f.Payload)
}

// LocalAddr returns the address peers reach this node on.
func (r *Router) LocalAddr() netip.AddrPort {
	if r.transport == nil {
		return netip.AddrPort{}
	}
	return r.transport.LocalAddr()
}

// HandleEvent implements eventloop.Handler. Link events are forwarded to
// transports that manage links.
func (r *Router) HandleEvent(ev eventloop.Event) bool {
	if fr, ok := ev.(FrameReceived); ok {
		r.Receive(fr.From, fr.Data)
		return true
	}
	if h, ok := r.transport.(eventloop.Handler); ok {
		return h.HandleEvent(ev)
	}
	return false
}

// ConnectionInfo describes one registered connection.
type ConnectionInfo struct {
	ConnID   uint16 `json:"conn_id"`
	Endpoint string `json:"endpoint"`
}

// Connections returns the registered connections sorted by ID.
func (r *Router) Connections() []ConnectionInfo {
	out := make([]ConnectionInfo, 0, len(r.conns))
	for id, ep := range r.conns {
		out = append(out, ConnectionInfo{ConnID: id, Endpoint: ep.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// Links returns the secure links of the transport, if it keeps any.
func (r *Router) Links() []LinkInfo {
	if st, ok := r.transport.(*SecureTransport); ok {
		return st.Links()
	}
	return nil
}

// Close shuts the transport down.
func (r *Router) Close() error {
	if r.transport == nil {
		return nil
	}
	return r.transport.Close()
}

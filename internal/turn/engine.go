// Package turn implements the TURN allocation and relay engine.
//
// All engine state is owned by the event loop. Listener, relay socket and
// timer goroutines only post events; the engine handles them one at a
// time, so no locks are taken on the relay path.
package turn

import (
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/stun"
	"golang.org/x/time/rate"

	"github.com/postalsys/metroo-turn/internal/codec"
	"github.com/postalsys/metroo-turn/internal/eventloop"
	"github.com/postalsys/metroo-turn/internal/federation"
	"github.com/postalsys/metroo-turn/internal/logging"
	"github.com/postalsys/metroo-turn/internal/metrics"
	"github.com/postalsys/metroo-turn/internal/protocol"
	"github.com/postalsys/metroo-turn/internal/transport"
)

// Federation is the part of the federation router the engine uses.
type Federation interface {
	AddConnection(ep federation.Endpoint) uint16
	RemoveConnection(id uint16)
	SendFrame(peer netip.AddrPort, connID uint16, payload []byte) error
	LocalAddr() netip.AddrPort
}

// Authenticator checks long-term credentials on TURN requests. It returns
// the key responses are signed with, or a *codec.StatusError.
type Authenticator interface {
	Authenticate(req *codec.Request) ([]byte, error)
}

// Gate reports whether the server is draining.
type Gate interface {
	Draining() bool
}

// Options configures an Engine.
type Options struct {
	Config    Config
	Scheduler eventloop.Scheduler
	Binder    Binder
	Clock     clock.Clock

	// Federation is nil when federation is disabled.
	Federation Federation

	// Auth is nil when requests are not authenticated.
	Auth Authenticator

	// Gate is nil when drain mode is not available.
	Gate Gate

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Engine handles TURN requests and relays data for allocations.
type Engine struct {
	cfg     Config
	sched   eventloop.Scheduler
	clock   clock.Clock
	ports   *PortAllocator
	table   *Table
	fed     Federation
	auth    Authenticator
	gate    Gate
	stats   *Stats
	metrics *metrics.Metrics
	logger  *slog.Logger
	dropLog rate.Sometimes
}

// NewEngine creates an engine. Register it with the event loop and hand it
// to the client listeners as their transport.Handler.
func NewEngine(opts Options) *Engine {
	cfg := opts.Config
	cfg.applyDefaults()

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With(logging.KeyComponent, "turn")

	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Engine{
		cfg:     cfg,
		sched:   opts.Scheduler,
		clock:   clk,
		ports:   NewPortAllocator(opts.Binder, cfg.RelayIPv4, cfg.RelayIPv6, logger),
		table:   NewTable(),
		fed:     opts.Federation,
		auth:    opts.Auth,
		gate:    opts.Gate,
		stats:   newStats(clk.Now()),
		metrics: m,
		logger:  logger,
		dropLog: rate.Sometimes{First: 10, Interval: 10 * time.Second},
	}
}

// HandlePacket implements transport.Handler. A full event queue drops
// the packet.
func (e *Engine) HandlePacket(conn transport.Conn, data []byte) {
	e.sched.TryPost(ClientPacket{Conn: conn, Data: data})
}

// HandleClose implements transport.Handler.
func (e *Engine) HandleClose(conn transport.Conn) {
	e.sched.Post(ClientClosed{Conn: conn})
}

// HandleEvent implements eventloop.Handler.
func (e *Engine) HandleEvent(ev eventloop.Event) bool {
	switch ev := ev.(type) {
	case ClientPacket:
		e.handleClient(ev.Conn, ev.Data)
	case ClientClosed:
		if al := e.table.Lookup(KeyOf(ev.Conn)); al != nil && al.conn == ev.Conn {
			e.destroy(al, "client_closed")
		}
	case RelayPacket:
		if !ev.Alloc.destroyed {
			e.fromRelay(ev.Alloc, ev.Peer, ev.Data)
		}
	case ExpiryFired:
		al := ev.Alloc
		if !al.destroyed && ev.Gen == al.timerGen {
			e.destroy(al, "expired")
		}
	default:
		return false
	}
	return true
}

func (e *Engine) handleClient(conn transport.Conn, data []byte) {
	if protocol.IsChannelData(data) {
		e.fromClientChannelData(conn, data)
		return
	}
	if !protocol.IsSTUN(data) {
		e.metrics.RecordDrop(metrics.DirectionToPeer, "malformed")
		return
	}

	req, err := codec.Parse(data)
	if err != nil {
		e.metrics.RecordDrop(metrics.DirectionToPeer, "malformed")
		e.dropLog.Do(func() {
			e.logger.Debug("dropping malformed message", logging.KeyClient, conn.RemoteAddr(), logging.KeyError, err)
		})
		return
	}

	switch req.Class() {
	case stun.ClassIndication:
		if req.Method() == stun.MethodSend {
			e.fromClientSend(conn, req)
		}
	case stun.ClassRequest:
		e.handleRequest(&transaction{conn: conn, req: req})
	}
}

// transaction is one request being answered.
type transaction struct {
	conn transport.Conn
	req  *codec.Request
	key  []byte
}

func (e *Engine) handleRequest(tx *transaction) {
	method := tx.req.Method()
	if method == stun.MethodBinding {
		e.reply(tx, codec.MappedAddress(tx.conn.RemoteAddr()))
		return
	}

	switch method {
	case stun.MethodAllocate, stun.MethodRefresh, stun.MethodCreatePermission, stun.MethodChannelBind:
	default:
		e.fail(tx, 400, "Bad Request")
		return
	}

	if e.draining(tx.req) {
		e.logger.Info("rejecting request while draining",
			logging.KeyMethod, method.String(),
			logging.KeyClient, tx.conn.RemoteAddr())
		e.fail(tx, 508, "Draining")
		return
	}

	if e.auth != nil {
		key, err := e.auth.Authenticate(tx.req)
		if err != nil {
			e.replyError(tx, err)
			return
		}
		tx.key = key
	}

	if method == stun.MethodAllocate {
		e.allocate(tx)
		return
	}

	al := e.table.Lookup(KeyOf(tx.conn))
	if al == nil {
		e.fail(tx, 437, "Allocation Mismatch")
		return
	}
	if tx.key != nil && al.Username != tx.req.Username {
		e.metrics.RecordAuthFailure("wrong_credentials")
		e.fail(tx, 441, "Wrong Credentials")
		return
	}

	switch method {
	case stun.MethodRefresh:
		e.refresh(tx, al)
	case stun.MethodCreatePermission:
		e.createPermission(tx, al)
	case stun.MethodChannelBind:
		e.channelBind(tx, al)
	}
}

// draining reports whether req is refused by drain mode: every Allocate,
// and every Refresh asking for a non-zero lifetime.
func (e *Engine) draining(req *codec.Request) bool {
	if e.gate == nil || !e.gate.Draining() {
		return false
	}
	switch req.Method() {
	case stun.MethodAllocate:
		return true
	case stun.MethodRefresh:
		return req.HasLifetime && req.Lifetime > 0
	}
	return false
}

func (e *Engine) reply(tx *transaction, setters ...stun.Setter) {
	e.send(tx, 0, func(r codec.Reply) ([]byte, error) {
		return r.Success(tx.req, setters...)
	})
}

func (e *Engine) fail(tx *transaction, code int, reason string, setters ...stun.Setter) {
	e.send(tx, code, func(r codec.Reply) ([]byte, error) {
		return r.Error(tx.req, code, reason, setters...)
	})
}

// replyError translates err into an error response.
func (e *Engine) replyError(tx *transaction, err error) {
	var se *codec.StatusError
	if errors.As(err, &se) {
		e.fail(tx, se.Code, se.Reason, se.Attrs...)
		return
	}
	e.logger.Error("request failed", logging.KeyMethod, tx.req.Method().String(), logging.KeyError, err)
	e.fail(tx, 500, "Server Error")
}

func (e *Engine) send(tx *transaction, code int, build func(codec.Reply) ([]byte, error)) {
	method := tx.req.Method().String()
	e.stats.recordReply(code)
	e.metrics.RecordReply(method, code)

	msg, err := build(codec.Reply{Software: e.cfg.Software, Key: tx.key})
	if err != nil {
		e.logger.Error("failed to build response", logging.KeyMethod, method, logging.KeyCode, code, logging.KeyError, err)
		return
	}
	if err := tx.conn.Send(msg); err != nil {
		e.logger.Debug("failed to send response", logging.KeyClient, tx.conn.RemoteAddr(), logging.KeyError, err)
	}
}

// isFederationUser reports whether username belongs to a federation client.
func (e *Engine) isFederationUser(username string) bool {
	return e.cfg.FederationPrefix != "" && strings.HasPrefix(username, e.cfg.FederationPrefix)
}

// destroy tears al down: timer, relay socket and reservation, federation
// connection, then the table entry.
func (e *Engine) destroy(al *Allocation, reason string) {
	if al.destroyed {
		e.logger.Error("allocation destroyed twice", logging.KeyAllocationID, al.ID)
		return
	}
	al.destroyed = true

	al.stopTimer()
	if al.relay != nil {
		if err := al.relay.Close(); err != nil {
			e.logger.Debug("relay close failed", logging.KeyAllocationID, al.ID, logging.KeyError, err)
		}
	}
	e.ports.Release(al.reservation)
	if al.ConnID != 0 && e.fed != nil {
		e.fed.RemoveConnection(al.ConnID)
	}

	if !e.table.Remove(al) {
		e.logger.Error("destroyed allocation was not registered", logging.KeyAllocationID, al.ID)
		return
	}
	e.stats.AllocationsCurrent--
	e.metrics.RecordAllocationClose(reason)

	e.logger.Info("allocation destroyed",
		logging.KeyAllocationID, al.ID,
		logging.KeyClient, al.Key.String(),
		logging.KeyRelay, al.RelayAddr,
		logging.KeyReason, reason,
		"bytes_tx", al.BytesTx,
		"bytes_rx", al.BytesRx)
}

// Lookup returns the allocation of a client, or nil.
func (e *Engine) Lookup(key Key) *Allocation {
	return e.table.Lookup(key)
}

// Len returns the number of active allocations.
func (e *Engine) Len() int {
	return e.table.Len()
}

// Status is a point-in-time dump of the engine.
type Status struct {
	Stats       StatsSnapshot    `json:"stats"`
	Allocations []AllocationInfo `json:"allocations"`
}

// Status returns the counters and allocations. Call it on the event loop.
func (e *Engine) Status() Status {
	now := e.clock.Now()
	snap := e.stats.Snapshot(now)
	snap.Reservations = e.ports.Reservations()
	return Status{
		Stats:       snap,
		Allocations: e.table.Snapshot(now),
	}
}

// Close destroys every allocation. Call it on the event loop or after the
// loop has stopped.
func (e *Engine) Close() {
	for _, al := range e.table.allocs {
		e.destroy(al, "shutdown")
	}
}

package turn

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/stun"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/metroo-turn/internal/codec"
	"github.com/postalsys/metroo-turn/internal/eventloop"
	"github.com/postalsys/metroo-turn/internal/federation"
	"github.com/postalsys/metroo-turn/internal/logging"
	"github.com/postalsys/metroo-turn/internal/metrics"
	"github.com/postalsys/metroo-turn/internal/transport"
)

var errAddrInUse = errors.New("address already in use")

type datagram struct {
	peer netip.AddrPort
	data []byte
}

type fakeSocket struct {
	binder   *fakeBinder
	local    netip.AddrPort
	onPacket func(netip.AddrPort, []byte)
	written  []datagram
	closed   bool
}

func (s *fakeSocket) LocalAddr() netip.AddrPort { return s.local }

func (s *fakeSocket) WriteTo(b []byte, peer netip.AddrPort) error {
	if s.closed {
		return net.ErrClosed
	}
	s.written = append(s.written, datagram{peer: peer, data: append([]byte(nil), b...)})
	return nil
}

func (s *fakeSocket) Start(onPacket func(netip.AddrPort, []byte)) {
	s.onPacket = onPacket
}

func (s *fakeSocket) Close() error {
	if s.closed {
		return net.ErrClosed
	}
	s.closed = true
	delete(s.binder.bound, s.local)
	return nil
}

// fakeBinder hands out ephemeral ports from queue first, then counting up
// from next.
type fakeBinder struct {
	queue   []uint16
	next    uint16
	bound   map[netip.AddrPort]*fakeSocket
	sockets []*fakeSocket
	fail    error
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{next: 50000, bound: make(map[netip.AddrPort]*fakeSocket)}
}

func (b *fakeBinder) Bind(addr netip.AddrPort) (RelaySocket, error) {
	if b.fail != nil {
		return nil, b.fail
	}

	port := addr.Port()
	if port == 0 {
		if len(b.queue) > 0 {
			port, b.queue = b.queue[0], b.queue[1:]
		} else {
			port = b.next
			b.next++
		}
	}

	local := netip.AddrPortFrom(addr.Addr(), port)
	if _, busy := b.bound[local]; busy {
		return nil, errAddrInUse
	}

	s := &fakeSocket{binder: b, local: local}
	b.bound[local] = s
	b.sockets = append(b.sockets, s)
	return s, nil
}

func (b *fakeBinder) socket(addr netip.AddrPort) *fakeSocket {
	for _, s := range b.sockets {
		if s.local == addr {
			return s
		}
	}
	return nil
}

type fakeConn struct {
	proto   transport.Proto
	local   netip.AddrPort
	remote  netip.AddrPort
	sent    [][]byte
	queued  int
	sendErr error
}

func newUDPClient(remote string) *fakeConn {
	return &fakeConn{
		proto:  transport.ProtoUDP,
		local:  netip.MustParseAddrPort("192.0.2.1:3478"),
		remote: netip.MustParseAddrPort(remote),
	}
}

func newTCPClient(remote string) *fakeConn {
	c := newUDPClient(remote)
	c.proto = transport.ProtoTCP
	return c
}

func (c *fakeConn) Send(b []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), b...))
	return nil
}

func (c *fakeConn) Proto() transport.Proto { return c.proto }
func (c *fakeConn) LocalAddr() netip.AddrPort { return c.local }
func (c *fakeConn) RemoteAddr() netip.AddrPort { return c.remote }
func (c *fakeConn) QueuedBytes() int { return c.queued }

func (c *fakeConn) last(t *testing.T) []byte {
	t.Helper()
	if len(c.sent) == 0 {
		t.Fatal("nothing sent to client")
	}
	return c.sent[len(c.sent)-1]
}

type sentFrame struct {
	peer    netip.AddrPort
	connID  uint16
	payload []byte
}

type fakeFederation struct {
	local   netip.AddrPort
	next    uint16
	conns   map[uint16]federation.Endpoint
	removed []uint16
	frames  []sentFrame
}

func newFakeFederation() *fakeFederation {
	return &fakeFederation{
		local: netip.MustParseAddrPort("192.0.2.1:3479"),
		next:  0x1234,
		conns: make(map[uint16]federation.Endpoint),
	}
}

func (f *fakeFederation) AddConnection(ep federation.Endpoint) uint16 {
	for id, cur := range f.conns {
		if cur == ep {
			return id
		}
	}
	id := f.next
	f.next++
	f.conns[id] = ep
	return id
}

func (f *fakeFederation) RemoveConnection(id uint16) {
	delete(f.conns, id)
	f.removed = append(f.removed, id)
}

func (f *fakeFederation) SendFrame(peer netip.AddrPort, connID uint16, payload []byte) error {
	f.frames = append(f.frames, sentFrame{peer: peer, connID: connID, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeFederation) LocalAddr() netip.AddrPort { return f.local }

type fakeGate struct{ draining bool }

func (g *fakeGate) Draining() bool { return g.draining }

var (
	relayIPv4 = netip.MustParseAddr("192.0.2.10")
	relayIPv6 = netip.MustParseAddr("2001:db8::10")
	peerAddr  = netip.MustParseAddrPort("198.51.100.1:5000")
)

type fixture struct {
	t       *testing.T
	clock   *clock.Mock
	sched   *eventloop.Manual
	binder  *fakeBinder
	metrics *metrics.Metrics
	engine  *Engine
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()

	f := &fixture{
		t:       t,
		clock:   clock.NewMock(),
		sched:   eventloop.NewManual(64),
		binder:  newFakeBinder(),
		metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	}

	cfg := DefaultConfig()
	cfg.Software = "metroo-turn test"
	cfg.RelayIPv4 = relayIPv4
	cfg.RelayIPv6 = relayIPv6

	opts := Options{
		Config:    cfg,
		Scheduler: f.sched,
		Binder:    f.binder,
		Clock:     f.clock,
		Metrics:   f.metrics,
		Logger:    logging.NopLogger(),
	}
	for _, fn := range configure {
		fn(&opts)
	}

	f.engine = NewEngine(opts)
	f.sched.Register(f.engine)
	return f
}

// do hands raw to the engine and returns the single response.
func (f *fixture) do(conn *fakeConn, raw []byte) *stun.Message {
	f.t.Helper()
	before := len(conn.sent)
	f.engine.HandleEvent(ClientPacket{Conn: conn, Data: raw})
	if len(conn.sent) != before+1 {
		f.t.Fatalf("got %d responses, want 1", len(conn.sent)-before)
	}
	return decode(f.t, conn.last(f.t))
}

// deliver hands raw to the engine and expects no response.
func (f *fixture) deliver(conn *fakeConn, raw []byte) {
	f.t.Helper()
	before := len(conn.sent)
	f.engine.HandleEvent(ClientPacket{Conn: conn, Data: raw})
	if len(conn.sent) != before {
		f.t.Fatalf("unexpected response to indication or channel data")
	}
}

// allocate performs a plain UDP Allocate and returns the allocation.
func (f *fixture) allocate(conn *fakeConn, setters ...stun.Setter) *Allocation {
	f.t.Helper()
	setters = append([]stun.Setter{codec.RequestedTransport(codec.ProtoUDP)}, setters...)
	res := f.do(conn, request(f.t, stun.MethodAllocate, setters...))
	if code := errorCode(res); code != 0 {
		f.t.Fatalf("Allocate failed with %d", code)
	}
	al := f.engine.Lookup(KeyOf(conn))
	if al == nil {
		f.t.Fatal("allocation not registered")
	}
	return al
}

func request(t *testing.T, method stun.Method, setters ...stun.Setter) []byte {
	t.Helper()
	all := append([]stun.Setter{stun.TransactionID, stun.NewType(method, stun.ClassRequest)}, setters...)
	m, err := stun.Build(all...)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return m.Raw
}

func decode(t *testing.T, raw []byte) *stun.Message {
	t.Helper()
	m := &stun.Message{Raw: append([]byte(nil), raw...)}
	if err := m.Decode(); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return m
}

// errorCode returns the response code, 0 for success.
func errorCode(m *stun.Message) int {
	if m.Type.Class != stun.ClassErrorResponse {
		return 0
	}
	var ec stun.ErrorCodeAttribute
	if err := ec.GetFrom(m); err != nil {
		return -1
	}
	return int(ec.Code)
}

func errorReason(m *stun.Message) string {
	var ec stun.ErrorCodeAttribute
	if err := ec.GetFrom(m); err != nil {
		return ""
	}
	return string(ec.Reason)
}

func xorAddr(t *testing.T, m *stun.Message, at stun.AttrType) netip.AddrPort {
	t.Helper()
	var xa stun.XORMappedAddress
	if err := xa.GetFromAs(m, at); err != nil {
		t.Fatalf("GetFromAs(%s) error = %v", at, err)
	}
	addr, ok := netip.AddrFromSlice(xa.IP)
	if !ok {
		t.Fatalf("bad address %v", xa.IP)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(xa.Port))
}

func lifetimeOf(t *testing.T, m *stun.Message) time.Duration {
	t.Helper()
	v, err := m.Get(codec.AttrLifetime)
	if err != nil {
		t.Fatalf("LIFETIME missing: %v", err)
	}
	return time.Duration(binary.BigEndian.Uint32(v)) * time.Second
}

func tokenOf(m *stun.Message) (uint64, bool) {
	v, err := m.Get(codec.AttrReservationToken)
	if err != nil || len(v) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

func channelOf(m *stun.Message) (uint16, bool) {
	v, err := m.Get(codec.AttrChannelNumber)
	if err != nil || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

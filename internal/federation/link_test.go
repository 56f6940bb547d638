package federation

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/metroo-turn/internal/eventloop"
	"github.com/postalsys/metroo-turn/internal/logging"
	"github.com/postalsys/metroo-turn/internal/metrics"
	"github.com/postalsys/metroo-turn/internal/protocol"
)

type fakeConn struct {
	remote   netip.AddrPort
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn(remote netip.AddrPort) *fakeConn {
	return &fakeConn{
		remote:   remote,
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Send(b []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), b...))
	return nil
}

func (c *fakeConn) Serve(onReceive func([]byte)) error {
	for {
		select {
		case b := <-c.incoming:
			onReceive(b)
		case <-c.closed:
			return net.ErrClosed
		}
	}
}

func (c *fakeConn) RemoteAddr() netip.AddrPort { return c.remote }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentStrings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, b := range c.sent {
		out[i] = string(b)
	}
	return out
}

type dialResult struct {
	conn SecureConn
	err  error
}

// fakeProvider completes dials with whatever the test pushes to dials.
type fakeProvider struct {
	local    netip.AddrPort
	dials    chan dialResult
	onAccept func(SecureConn)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		local: netip.MustParseAddrPort("192.0.2.1:3479"),
		dials: make(chan dialResult, 4),
	}
}

func (p *fakeProvider) Listen(onAccept func(SecureConn)) error {
	p.onAccept = onAccept
	return nil
}

func (p *fakeProvider) Connect(ctx context.Context, peer netip.AddrPort) (SecureConn, error) {
	select {
	case r := <-p.dials:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *fakeProvider) LocalAddr() netip.AddrPort { return p.local }
func (p *fakeProvider) Close() error { return nil }

type linkFixture struct {
	provider  *fakeProvider
	sched     *eventloop.Manual
	clock     *clock.Mock
	metrics   *metrics.Metrics
	transport *SecureTransport
	router    *Router
}

func newLinkFixture(t *testing.T) *linkFixture {
	t.Helper()

	f := &linkFixture{
		provider: newFakeProvider(),
		sched:    eventloop.NewManual(64),
		clock:    clock.NewMock(),
		metrics:  newTestMetrics(),
	}
	f.transport = NewSecureTransport(f.provider, f.sched, f.clock, 2*time.Second, logging.NopLogger(), f.metrics)
	f.router = NewRouter(f.transport, logging.NopLogger(), f.metrics)
	f.sched.Register(f.router)

	if err := f.transport.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { f.transport.Close() })
	return f
}

// next dispatches one event posted by a background goroutine.
func (f *linkFixture) next(t *testing.T) {
	t.Helper()
	if !f.sched.RunNext(2 * time.Second) {
		t.Fatal("no event posted")
	}
}

var testPeer = netip.MustParseAddrPort("198.51.100.7:3479")

func TestSecureTransport_FlushesQueueInOrder(t *testing.T) {
	f := newLinkFixture(t)

	for _, p := range []string{"one", "two", "three"} {
		if err := f.transport.Send(testPeer, []byte(p)); err != nil {
			t.Fatalf("Send(%s) error = %v", p, err)
		}
	}

	l := f.transport.Link(testPeer)
	if l == nil || l.State != LinkConnecting {
		t.Fatalf("link = %+v, want connecting", l)
	}
	if l.QueueLen() != 3 {
		t.Fatalf("QueueLen() = %d, want 3", l.QueueLen())
	}

	conn := newFakeConn(testPeer)
	f.provider.dials <- dialResult{conn: conn}
	f.next(t)

	if l.State != LinkUp {
		t.Fatalf("State = %v, want established", l.State)
	}
	if l.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d after flush, want 0", l.QueueLen())
	}

	if err := f.transport.Send(testPeer, []byte("four")); err != nil {
		t.Fatalf("Send(four) error = %v", err)
	}

	want := []string{"one", "two", "three", "four"}
	got := conn.sentStrings()
	if len(got) != len(want) {
		t.Fatalf("sent = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if v := testutil.ToFloat64(f.metrics.FederationLinks); v != 1 {
		t.Errorf("FederationLinks = %v, want 1", v)
	}
}

func TestSecureTransport_TimeoutDropsQueue(t *testing.T) {
	f := newLinkFixture(t)

	f.transport.Send(testPeer, []byte("a"))
	f.transport.Send(testPeer, []byte("b"))

	f.clock.Add(2 * time.Second)
	f.next(t)

	if l := f.transport.Link(testPeer); l != nil {
		t.Fatalf("link still present after timeout: %+v", l)
	}
	if v := testutil.ToFloat64(f.metrics.FederationLinkErrors.WithLabelValues("timeout")); v != 1 {
		t.Errorf("timeout errors = %v, want 1", v)
	}
	if v := testutil.ToFloat64(f.metrics.FederationQueueDrops); v != 2 {
		t.Errorf("queue drops = %v, want 2", v)
	}

	// The abandoned dial reports failure; it must not touch a new link.
	f.next(t)
	if l := f.transport.Link(testPeer); l != nil {
		t.Fatalf("late failure recreated link: %+v", l)
	}

	// A later send starts a fresh handshake.
	f.transport.Send(testPeer, []byte("c"))
	l := f.transport.Link(testPeer)
	if l == nil || l.QueueLen() != 1 {
		t.Fatalf("link = %+v, want fresh connecting link with one payload", l)
	}
}

func TestSecureTransport_FailureDropsQueue(t *testing.T) {
	f := newLinkFixture(t)

	f.transport.Send(testPeer, []byte("a"))
	f.provider.dials <- dialResult{err: errors.New("handshake failure")}
	f.next(t)

	if l := f.transport.Link(testPeer); l != nil {
		t.Fatalf("link still present after failure: %+v", l)
	}
	if v := testutil.ToFloat64(f.metrics.FederationLinkErrors.WithLabelValues("handshake")); v != 1 {
		t.Errorf("handshake errors = %v, want 1", v)
	}
	if v := testutil.ToFloat64(f.metrics.FederationQueueDrops); v != 1 {
		t.Errorf("queue drops = %v, want 1", v)
	}

	// The timer was stopped; advancing the clock posts nothing.
	f.clock.Add(5 * time.Second)
	if n := f.sched.RunPending(); n != 0 {
		t.Errorf("RunPending() = %d, want 0", n)
	}
}

func TestSecureTransport_QueueLimit(t *testing.T) {
	f := newLinkFixture(t)

	for i := 0; i < MaxLinkQueue; i++ {
		if err := f.transport.Send(testPeer, []byte{byte(i)}); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}
	if err := f.transport.Send(testPeer, []byte("overflow")); !errors.Is(err, ErrLinkQueueFull) {
		t.Errorf("Send() error = %v, want ErrLinkQueueFull", err)
	}
}

func TestSecureTransport_AcceptWhileConnecting(t *testing.T) {
	f := newLinkFixture(t)

	f.transport.Send(testPeer, []byte("queued"))

	inbound := newFakeConn(testPeer)
	f.provider.onAccept(inbound)
	f.next(t)

	l := f.transport.Link(testPeer)
	if l == nil || l.State != LinkUp || !l.Inbound {
		t.Fatalf("link = %+v, want established inbound", l)
	}
	if got := inbound.sentStrings(); len(got) != 1 || got[0] != "queued" {
		t.Errorf("inbound sent = %q, want [queued]", got)
	}

	// The cancelled outbound dial fails and is ignored.
	f.next(t)
	if f.transport.Link(testPeer) != l {
		t.Error("cancelled dial replaced the accepted link")
	}
}

func TestSecureTransport_InboundReplacesEstablished(t *testing.T) {
	f := newLinkFixture(t)

	f.transport.Send(testPeer, []byte("a"))
	outbound := newFakeConn(testPeer)
	f.provider.dials <- dialResult{conn: outbound}
	f.next(t)

	l := f.transport.Link(testPeer)
	if l == nil || l.State != LinkUp || l.Inbound {
		t.Fatalf("link = %+v, want established outbound", l)
	}

	// The peer restarted and dialed in again.
	inbound := newFakeConn(testPeer)
	f.provider.onAccept(inbound)
	f.next(t)

	if !outbound.isClosed() {
		t.Error("old session left open")
	}
	if f.transport.Link(testPeer) != l || !l.Inbound {
		t.Fatalf("link = %+v, want the same link now inbound", l)
	}
	if err := f.transport.Send(testPeer, []byte("b")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := inbound.sentStrings(); len(got) != 1 || got[0] != "b" {
		t.Errorf("inbound sent = %q, want [b]", got)
	}

	// The old reader exits; that must not tear down the new session.
	f.next(t)
	if f.transport.Link(testPeer) != l || inbound.isClosed() {
		t.Fatal("old session close removed the replacement")
	}

	f.transport.Close()
	if !inbound.isClosed() {
		t.Error("Close() did not reach the replacement session")
	}
}

func TestSecureTransport_ReceiveAndClose(t *testing.T) {
	f := newLinkFixture(t)

	ep := &testEndpoint{name: "alloc"}
	id := f.router.AddConnection(ep)

	inbound := newFakeConn(testPeer)
	f.provider.onAccept(inbound)
	f.next(t)

	frame, _ := (&protocol.Frame{ConnID: id, Payload: []byte("secure")}).Encode()
	inbound.incoming <- frame
	f.next(t)

	if len(ep.received) != 1 || string(ep.received[0]) != "secure" {
		t.Fatalf("received = %q, want [secure]", ep.received)
	}

	inbound.Close()
	f.next(t)

	if l := f.transport.Link(testPeer); l != nil {
		t.Errorf("link still present after close: %+v", l)
	}
}

func TestSecureTransport_EstablishedAfterTimeoutIsClosed(t *testing.T) {
	f := newLinkFixture(t)

	f.transport.Send(testPeer, []byte("a"))
	f.clock.Add(2 * time.Second)
	f.next(t)

	// The handshake goroutine already returned through ctx cancellation;
	// deliver a stale success directly.
	f.next(t)
	late := newFakeConn(testPeer)
	stale := &Link{Peer: testPeer, State: LinkConnecting}
	f.transport.HandleEvent(LinkEstablished{Link: stale, Conn: late})

	if !late.isClosed() {
		t.Error("stale session not closed")
	}
	if f.transport.Link(testPeer) != nil {
		t.Error("stale session installed a link")
	}
}

func TestSecureTransport_Links(t *testing.T) {
	f := newLinkFixture(t)

	f.transport.Send(testPeer, []byte("a"))
	f.clock.Add(500 * time.Millisecond)

	links := f.router.Links()
	if len(links) != 1 {
		t.Fatalf("len = %d, want 1", len(links))
	}
	if links[0].State != "connecting" || links[0].Queued != 1 || links[0].Age != 500*time.Millisecond {
		t.Errorf("links[0] = %+v", links[0])
	}
}

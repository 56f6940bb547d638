package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/postalsys/metroo-turn/internal/eventloop"
	"github.com/postalsys/metroo-turn/internal/metrics"
	"github.com/postalsys/metroo-turn/internal/recovery"
)

// DefaultConnectTimeout bounds the secure handshake with a peer.
const DefaultConnectTimeout = 2 * time.Second

// MaxLinkQueue bounds payloads buffered while a link is connecting.
const MaxLinkQueue = 1024

// ErrLinkQueueFull is returned when a connecting link cannot buffer more.
var ErrLinkQueueFull = errors.New("federation link queue full")

// SecureConn is an established secure session with a peer.
type SecureConn interface {
	Send(b []byte) error

	// Serve reads records until the session ends.
	Serve(onReceive func([]byte)) error

	RemoteAddr() netip.AddrPort
	Close() error
}

// SecureProvider creates secure sessions.
type SecureProvider interface {
	// Listen accepts inbound sessions, calling onAccept once each is
	// established. It must not block.
	Listen(onAccept func(SecureConn)) error

	// Connect dials peer and completes the handshake or fails.
	Connect(ctx context.Context, peer netip.AddrPort) (SecureConn, error)

	LocalAddr() netip.AddrPort
	Close() error
}

// LinkState is the lifecycle state of a link.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkUp
)

// String returns the state name.
func (s LinkState) String() string {
	if s == LinkUp {
		return "established"
	}
	return "connecting"
}

// Link is the secure session with one peer address.
type Link struct {
	Peer    netip.AddrPort
	State   LinkState
	Inbound bool
	Created time.Time

	queue  [][]byte
	conn   SecureConn
	timer  *clock.Timer
	cancel context.CancelFunc
}

// Link lifecycle events, posted from handshake and reader goroutines.
type (
	LinkEstablished struct {
		Link *Link
		Conn SecureConn
	}

	LinkFailed struct {
		Link *Link
		Err  error
	}

	LinkTimeout struct {
		Link *Link
	}

	LinkAccepted struct {
		Conn SecureConn
	}

	LinkClosed struct {
		Peer netip.AddrPort
		Conn SecureConn
	}
)

// SecureTransport keeps one secure link per peer. Payloads sent while a
// link is connecting are queued and flushed in order once it is
// established; a failed or timed-out link discards its queue.
type SecureTransport struct {
	provider SecureProvider
	links    map[netip.AddrPort]*Link
	sched    eventloop.Scheduler
	clock    clock.Clock
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewSecureTransport creates a link manager over provider.
func NewSecureTransport(provider SecureProvider, sched eventloop.Scheduler, clk clock.Clock, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *SecureTransport {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &SecureTransport{
		provider: provider,
		links:    make(map[netip.AddrPort]*Link),
		sched:    sched,
		clock:    clk,
		timeout:  timeout,
		logger:   logger.With("component", "federation-link"),
		metrics:  m,
	}
}

// Start accepts inbound links.
func (t *SecureTransport) Start() error {
	return t.provider.Listen(func(conn SecureConn) {
		if !t.sched.Post(LinkAccepted{Conn: conn}) {
			conn.Close()
		}
	})
}

// Send delivers payload to peer, opening a link if needed. Returns nil
// when the payload was sent or queued.
func (t *SecureTransport) Send(peer netip.AddrPort, payload []byte) error {
	l := t.links[peer]
	if l == nil {
		l = t.connect(peer)
	}

	if l.State == LinkConnecting {
		if len(l.queue) >= MaxLinkQueue {
			return ErrLinkQueueFull
		}
		l.queue = append(l.queue, append([]byte(nil), payload...))
		return nil
	}

	if err := l.conn.Send(payload); err != nil {
		t.destroy(l, "send")
		return fmt.Errorf("federation send to %s: %w", peer, err)
	}
	return nil
}

func (t *SecureTransport) connect(peer netip.AddrPort) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		Peer:    peer,
		State:   LinkConnecting,
		Created: t.clock.Now(),
		cancel:  cancel,
	}
	t.links[peer] = l
	t.metrics.SetFederationLinks(len(t.links))

	l.timer = t.clock.AfterFunc(t.timeout, func() {
		t.sched.Post(LinkTimeout{Link: l})
	})

	t.logger.Debug("connecting federation link", "peer", peer)
	recovery.Go(t.logger, "federation-connect", func() {
		conn, err := t.provider.Connect(ctx, peer)
		if err != nil {
			t.sched.Post(LinkFailed{Link: l, Err: err})
			return
		}
		if !t.sched.Post(LinkEstablished{Link: l, Conn: conn}) {
			conn.Close()
		}
	})

	return l
}

// HandleEvent implements eventloop.Handler.
func (t *SecureTransport) HandleEvent(ev eventloop.Event) bool {
	switch e := ev.(type) {
	case LinkEstablished:
		t.handleEstablished(e.Link, e.Conn)
	case LinkFailed:
		if t.links[e.Link.Peer] == e.Link && e.Link.State == LinkConnecting {
			t.logger.Warn("federation handshake failed", "peer", e.Link.Peer, "error", e.Err)
			t.destroy(e.Link, "handshake")
		}
	case LinkTimeout:
		if t.links[e.Link.Peer] == e.Link && e.Link.State == LinkConnecting {
			t.logger.Warn("federation handshake timed out", "peer", e.Link.Peer, "timeout", t.timeout)
			t.destroy(e.Link, "timeout")
		}
	case LinkAccepted:
		t.handleAccepted(e.Conn)
	case LinkClosed:
		if l := t.links[e.Peer]; l != nil && l.conn == e.Conn {
			t.logger.Info("federation link closed", "peer", e.Peer)
			t.remove(l)
		}
	default:
		return false
	}
	return true
}

func (t *SecureTransport) handleEstablished(l *Link, conn SecureConn) {
	if t.links[l.Peer] != l || l.State != LinkConnecting {
		// Timed out, failed, or superseded by an inbound session.
		conn.Close()
		return
	}

	l.timer.Stop()
	l.State = LinkUp
	l.conn = conn
	t.metrics.RecordHandshake(t.clock.Now().Sub(l.Created).Seconds())
	t.logger.Info("federation link established", "peer", l.Peer, "queued", len(l.queue))

	t.flush(l)
	if t.links[l.Peer] == l {
		t.serve(l.Peer, conn)
	}
}

func (t *SecureTransport) handleAccepted(conn SecureConn) {
	peer := conn.RemoteAddr()
	l := t.links[peer]

	switch {
	case l == nil:
		l = &Link{
			Peer:    peer,
			State:   LinkUp,
			Inbound: true,
			Created: t.clock.Now(),
			conn:    conn,
		}
		t.links[peer] = l
		t.metrics.SetFederationLinks(len(t.links))
		t.logger.Info("federation link accepted", "peer", peer)

	case l.State == LinkConnecting:
		// The peer dialed us first; use its session and abandon ours.
		l.timer.Stop()
		l.cancel()
		l.State = LinkUp
		l.Inbound = true
		l.conn = conn
		t.logger.Info("federation link accepted while connecting", "peer", peer, "queued", len(l.queue))
		t.flush(l)
		if t.links[peer] != l {
			return
		}

	default:
		// A peer that redials has dropped its end of the old session.
		old := l.conn
		l.conn = conn
		l.Inbound = true
		old.Close()
		t.logger.Info("federation link replaced by inbound session", "peer", peer)
	}

	t.serve(peer, conn)
}

func (t *SecureTransport) flush(l *Link) {
	queue := l.queue
	l.queue = nil
	for i, p := range queue {
		if err := l.conn.Send(p); err != nil {
			t.logger.Warn("federation flush failed", "peer", l.Peer, "error", err)
			l.queue = queue[i:]
			t.destroy(l, "send")
			return
		}
	}
}

func (t *SecureTransport) serve(peer netip.AddrPort, conn SecureConn) {
	recovery.Go(t.logger, "federation-reader", func() {
		err := conn.Serve(func(b []byte) {
			t.sched.TryPost(FrameReceived{From: peer, Data: b})
		})
		if err != nil {
			t.logger.Debug("federation reader stopped", "peer", peer, "error", err)
		}
		t.sched.Post(LinkClosed{Peer: peer, Conn: conn})
	})
}

// destroy tears a link down and discards whatever it had queued.
func (t *SecureTransport) destroy(l *Link, reason string) {
	dropped := len(l.queue)
	t.metrics.RecordLinkError(reason, dropped)
	if dropped > 0 {
		t.logger.Warn("discarding queued federation payloads", "peer", l.Peer, "count", dropped, "reason", reason)
	}
	t.remove(l)
}

func (t *SecureTransport) remove(l *Link) {
	if l.timer != nil {
		l.timer.Stop()
	}
	if l.cancel != nil {
		l.cancel()
	}
	if l.conn != nil {
		l.conn.Close()
	}
	l.queue = nil
	if t.links[l.Peer] == l {
		delete(t.links, l.Peer)
	}
	t.metrics.SetFederationLinks(len(t.links))
}

// Link returns the current link to peer, if any.
func (t *SecureTransport) Link(peer netip.AddrPort) *Link {
	return t.links[peer]
}

// QueueLen returns the number of payloads queued on l.
func (l *Link) QueueLen() int {
	return len(l.queue)
}

// LocalAddr returns the listening address.
func (t *SecureTransport) LocalAddr() netip.AddrPort {
	return t.provider.LocalAddr()
}

// Close tears down every link and the provider. Must run on the event
// loop or after it stopped.
func (t *SecureTransport) Close() error {
	for _, l := range t.links {
		t.remove(l)
	}
	return t.provider.Close()
}

// LinkInfo describes one link.
type LinkInfo struct {
	Peer    string        `json:"peer"`
	State   string        `json:"state"`
	Inbound bool          `json:"inbound"`
	Age     time.Duration `json:"age"`
	Queued  int           `json:"queued"`
}

// Links returns the current links sorted by peer.
func (t *SecureTransport) Links() []LinkInfo {
	now := t.clock.Now()
	out := make([]LinkInfo, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, LinkInfo{
			Peer:    l.Peer.String(),
			State:   l.State.String(),
			Inbound: l.Inbound,
			Age:     now.Sub(l.Created),
			Queued:  len(l.queue),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

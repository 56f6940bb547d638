package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/postalsys/metroo-turn/internal/protocol"
	"github.com/postalsys/metroo-turn/internal/recovery"
)

// StreamListener serves TURN over TCP or TLS.
type StreamListener struct {
	ln      net.Listener
	proto   Proto
	local   netip.AddrPort
	handler Handler
	opts    ListenOptions
	logger  *slog.Logger

	mu     sync.Mutex
	conns  map[*streamConn]struct{}
	closed atomic.Bool
}

// ListenTCP binds a TCP listener.
func ListenTCP(addr string, h Handler, opts ListenOptions) (*StreamListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return newStreamListener(ln, ProtoTCP, h, opts), nil
}

// ListenTLS binds a TLS listener. opts.TLSConfig must be set.
func ListenTLS(addr string, h Handler, opts ListenOptions) (*StreamListener, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tls %s: %w", addr, err)
	}
	return newStreamListener(tls.NewListener(ln, opts.TLSConfig), ProtoTLS, h, opts), nil
}

func newStreamListener(ln net.Listener, proto Proto, h Handler, opts ListenOptions) *StreamListener {
	opts.applyDefaults()
	return &StreamListener{
		ln:      ln,
		proto:   proto,
		local:   AddrPortOf(ln.Addr()),
		handler: h,
		opts:    opts,
		logger:  opts.Logger.With("component", proto.String()+"-listener"),
		conns:   make(map[*streamConn]struct{}),
	}
}

// Serve accepts connections until the listener is closed.
func (l *StreamListener) Serve(ctx context.Context) error {
	defer recovery.RecoverWithLog(l.logger, l.proto.String()+"-listener")

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		c, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Debug("accept error", "error", err)
			continue
		}

		sc := newStreamConn(c, l)
		if !l.track(sc) {
			c.Close()
			return nil
		}

		recovery.Go(l.logger, "stream-writer", sc.writeLoop)
		recovery.Go(l.logger, "stream-reader", sc.readLoop)
	}
}

func (l *StreamListener) track(sc *streamConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return false
	}
	l.conns[sc] = struct{}{}
	return true
}

func (l *StreamListener) untrack(sc *streamConn) {
	l.mu.Lock()
	delete(l.conns, sc)
	l.mu.Unlock()
}

// Addr returns the bound address.
func (l *StreamListener) Addr() netip.AddrPort {
	return l.local
}

// Proto returns ProtoTCP or ProtoTLS.
func (l *StreamListener) Proto() Proto {
	return l.proto
}

// Close stops accepting and closes every open connection.
func (l *StreamListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	err := l.ln.Close()

	l.mu.Lock()
	conns := make([]*streamConn, 0, len(l.conns))
	for sc := range l.conns {
		conns = append(conns, sc)
	}
	l.mu.Unlock()

	for _, sc := range conns {
		sc.close()
	}
	return err
}

// streamConn is one accepted client connection. Writes go through a
// bounded queue drained by a writer goroutine.
type streamConn struct {
	c      net.Conn
	l      *StreamListener
	local  netip.AddrPort
	remote netip.AddrPort

	queue     chan []byte
	queued    atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamConn(c net.Conn, l *StreamListener) *streamConn {
	return &streamConn{
		c:      c,
		l:      l,
		local:  AddrPortOf(c.LocalAddr()),
		remote: AddrPortOf(c.RemoteAddr()),
		queue:  make(chan []byte, l.opts.SendQueue),
		done:   make(chan struct{}),
	}
}

func (c *streamConn) Send(b []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	buf := make([]byte, len(b))
	copy(buf, b)

	c.queued.Add(int64(len(buf)))
	select {
	case c.queue <- buf:
		return nil
	case <-c.done:
		c.queued.Add(-int64(len(buf)))
		return ErrClosed
	default:
		c.queued.Add(-int64(len(buf)))
		return ErrQueueFull
	}
}

func (c *streamConn) Proto() Proto               { return c.l.proto }
func (c *streamConn) LocalAddr() netip.AddrPort  { return c.local }
func (c *streamConn) RemoteAddr() netip.AddrPort { return c.remote }
func (c *streamConn) QueuedBytes() int           { return int(c.queued.Load()) }

func (c *streamConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case buf := <-c.queue:
			_, err := c.c.Write(buf)
			c.queued.Add(-int64(len(buf)))
			if err != nil {
				c.l.logger.Debug("stream write failed", "client", c.remote, "error", err)
				c.close()
				return
			}
		}
	}
}

func (c *streamConn) readLoop() {
	defer func() {
		c.close()
		c.l.untrack(c)
		c.l.handler.HandleClose(c)
	}()

	r := bufio.NewReader(c.c)
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}

		size, err := protocol.StreamMessageLen(header)
		if err != nil || size > c.l.opts.MaxMessageSize {
			c.l.logger.Debug("closing stream with invalid framing", "client", c.remote, "size", size, "error", err)
			return
		}

		msg := make([]byte, size)
		copy(msg, header)
		if _, err := io.ReadFull(r, msg[4:]); err != nil {
			return
		}

		c.l.handler.HandlePacket(c, msg)
	}
}

func (c *streamConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.c.Close()
	})
}

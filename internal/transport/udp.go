package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/postalsys/metroo-turn/internal/recovery"
)

// UDPListener serves TURN over UDP. On wildcard binds it uses packet
// control messages to learn which local address each datagram hit, so
// responses leave from the address the client used.
type UDPListener struct {
	conn    *net.UDPConn
	pc4     *ipv4.PacketConn
	pc6     *ipv6.PacketConn
	local   netip.AddrPort
	handler Handler
	opts    ListenOptions
	logger  *slog.Logger
	closed  atomic.Bool
}

// ListenUDP binds a UDP listener.
func ListenUDP(addr string, h Handler, opts ListenOptions) (*UDPListener, error) {
	opts.applyDefaults()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}

	if opts.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(opts.ReadBuffer); err != nil {
			opts.Logger.Warn("failed to set UDP read buffer", "error", err)
		}
	}

	l := &UDPListener{
		conn:    conn,
		local:   AddrPortOf(conn.LocalAddr()),
		handler: h,
		opts:    opts,
		logger:  opts.Logger.With("component", "udp-listener"),
	}

	if l.local.Addr().Is4() {
		l.pc4 = ipv4.NewPacketConn(conn)
		if err := l.pc4.SetControlMessage(ipv4.FlagDst, true); err != nil {
			l.logger.Debug("destination control messages unavailable", "error", err)
			l.pc4 = nil
		}
	} else {
		l.pc6 = ipv6.NewPacketConn(conn)
		if err := l.pc6.SetControlMessage(ipv6.FlagDst, true); err != nil {
			l.logger.Debug("destination control messages unavailable", "error", err)
			l.pc6 = nil
		}
	}

	return l, nil
}

// Serve reads datagrams until the listener is closed.
func (l *UDPListener) Serve(ctx context.Context) error {
	defer recovery.RecoverWithLog(l.logger, "udp-listener")

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	buf := make([]byte, l.opts.MaxMessageSize)
	for {
		n, dst, src, err := l.read(buf)
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Debug("udp read error", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		l.handler.HandlePacket(&udpConn{l: l, local: dst, remote: src}, data)
	}
}

func (l *UDPListener) read(buf []byte) (int, netip.AddrPort, netip.AddrPort, error) {
	var (
		n   int
		src net.Addr
		dst net.IP
		err error
	)

	switch {
	case l.pc4 != nil:
		var cm *ipv4.ControlMessage
		n, cm, src, err = l.pc4.ReadFrom(buf)
		if cm != nil {
			dst = cm.Dst
		}
	case l.pc6 != nil:
		var cm *ipv6.ControlMessage
		n, cm, src, err = l.pc6.ReadFrom(buf)
		if cm != nil {
			dst = cm.Dst
		}
	default:
		var ap netip.AddrPort
		n, ap, err = l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return 0, netip.AddrPort{}, netip.AddrPort{}, err
		}
		return n, l.local, netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	if err != nil {
		return 0, netip.AddrPort{}, netip.AddrPort{}, err
	}

	local := l.local
	if ip, ok := netip.AddrFromSlice(dst); ok {
		local = netip.AddrPortFrom(ip.Unmap(), l.local.Port())
	}

	return n, local, AddrPortOf(src), nil
}

func (l *UDPListener) writeTo(b []byte, local, remote netip.AddrPort) error {
	dst := net.UDPAddrFromAddrPort(remote)

	// Pin the source address when bound to a wildcard.
	if l.local.Addr().IsUnspecified() && local.Addr().IsValid() && !local.Addr().IsUnspecified() {
		switch {
		case l.pc4 != nil:
			_, err := l.pc4.WriteTo(b, &ipv4.ControlMessage{Src: local.Addr().AsSlice()}, dst)
			return err
		case l.pc6 != nil:
			_, err := l.pc6.WriteTo(b, &ipv6.ControlMessage{Src: local.Addr().AsSlice()}, dst)
			return err
		}
	}

	_, err := l.conn.WriteToUDPAddrPort(b, remote)
	return err
}

// Addr returns the bound address.
func (l *UDPListener) Addr() netip.AddrPort {
	return l.local
}

// Proto returns ProtoUDP.
func (l *UDPListener) Proto() Proto {
	return ProtoUDP
}

// Close stops the listener.
func (l *UDPListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.conn.Close()
}

// udpConn addresses one client of a UDP listener.
type udpConn struct {
	l      *UDPListener
	local  netip.AddrPort
	remote netip.AddrPort
}

func (c *udpConn) Send(b []byte) error {
	if c.l.closed.Load() {
		return ErrClosed
	}
	return c.l.writeTo(b, c.local, c.remote)
}

func (c *udpConn) Proto() Proto               { return ProtoUDP }
func (c *udpConn) LocalAddr() netip.AddrPort  { return c.local }
func (c *udpConn) RemoteAddr() netip.AddrPort { return c.remote }
func (c *udpConn) QueuedBytes() int           { return 0 }

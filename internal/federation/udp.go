package federation

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/postalsys/metroo-turn/internal/eventloop"
	"github.com/postalsys/metroo-turn/internal/recovery"
	"github.com/postalsys/metroo-turn/internal/transport"
)

// UDPTransport exchanges frames as plain datagrams.
type UDPTransport struct {
	conn   *net.UDPConn
	local  netip.AddrPort
	sched  eventloop.Scheduler
	logger *slog.Logger
	closed atomic.Bool
}

// ListenUDP binds the federation socket.
func ListenUDP(addr string, sched eventloop.Scheduler, logger *slog.Logger) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen federation %s: %w", addr, err)
	}

	return &UDPTransport{
		conn:   conn,
		local:  transport.AddrPortOf(conn.LocalAddr()),
		sched:  sched,
		logger: logger.With("component", "federation-udp"),
	}, nil
}

// Start begins reading frames.
func (t *UDPTransport) Start() error {
	recovery.Go(t.logger, "federation-udp-reader", t.readLoop)
	return nil
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Debug("federation read error", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.sched.TryPost(FrameReceived{
			From: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
			Data: data,
		})
	}
}

// Send writes one frame to peer.
func (t *UDPTransport) Send(peer netip.AddrPort, payload []byte) error {
	_, err := t.conn.WriteToUDPAddrPort(payload, peer)
	return err
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.local
}

// Close closes the socket.
func (t *UDPTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

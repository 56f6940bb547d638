package turn

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/postalsys/metroo-turn/internal/recovery"
	"github.com/postalsys/metroo-turn/internal/transport"
)

// UDPBinder opens real UDP relay sockets.
type UDPBinder struct {
	// SocketBuffer sets send and receive buffers when positive.
	SocketBuffer int

	// MaxDatagram bounds the read buffer of each relay socket.
	MaxDatagram int

	Logger *slog.Logger
}

// Bind implements Binder.
func (b *UDPBinder) Bind(addr netip.AddrPort) (RelaySocket, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, err
	}

	if b.SocketBuffer > 0 {
		if err := conn.SetReadBuffer(b.SocketBuffer); err != nil {
			b.Logger.Debug("failed to set relay read buffer", "error", err)
		}
		if err := conn.SetWriteBuffer(b.SocketBuffer); err != nil {
			b.Logger.Debug("failed to set relay write buffer", "error", err)
		}
	}
	if err := allowFragmentation(conn, addr.Addr().Is6()); err != nil {
		b.Logger.Debug("failed to clear DF on relay socket", "error", err)
	}

	size := b.MaxDatagram
	if size <= 0 {
		size = 65536
	}

	return &udpRelaySocket{
		conn:   conn,
		local:  transport.AddrPortOf(conn.LocalAddr()),
		size:   size,
		logger: b.Logger,
	}, nil
}

type udpRelaySocket struct {
	conn      *net.UDPConn
	local     netip.AddrPort
	size      int
	logger    *slog.Logger
	startOnce sync.Once
}

func (s *udpRelaySocket) LocalAddr() netip.AddrPort {
	return s.local
}

func (s *udpRelaySocket) WriteTo(b []byte, peer netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(b, peer)
	return err
}

func (s *udpRelaySocket) Start(onPacket func(peer netip.AddrPort, payload []byte)) {
	s.startOnce.Do(func() {
		recovery.Go(s.logger, "relay-reader", func() {
			s.readLoop(onPacket)
		})
	})
}

func (s *udpRelaySocket) readLoop(onPacket func(peer netip.AddrPort, payload []byte)) {
	buf := make([]byte, s.size)
	for {
		n, peer, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("relay read error", "relay", s.local, "error", err)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		onPacket(netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port()), payload)
	}
}

func (s *udpRelaySocket) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close relay %s: %w", s.local, err)
	}
	return nil
}

// Package transport provides the client-facing TURN listeners: plain UDP,
// and TCP or TLS streams carrying framed STUN and ChannelData messages.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"github.com/postalsys/metroo-turn/internal/logging"
)

var (
	// ErrClosed is returned when sending on a closed connection
	ErrClosed = errors.New("connection closed")

	// ErrQueueFull is returned when a stream connection cannot accept more data
	ErrQueueFull = errors.New("send queue full")
)

// Proto identifies the client transport of a TURN session.
type Proto uint8

const (
	ProtoUDP Proto = iota + 1
	ProtoTCP
	ProtoTLS
)

// String returns the transport name.
func (p Proto) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	case ProtoTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// IsStream reports whether the transport is connection oriented.
func (p Proto) IsStream() bool {
	return p == ProtoTCP || p == ProtoTLS
}

// ParseProto parses a transport name.
func ParseProto(s string) (Proto, error) {
	switch strings.ToLower(s) {
	case "udp":
		return ProtoUDP, nil
	case "tcp":
		return ProtoTCP, nil
	case "tls":
		return ProtoTLS, nil
	default:
		return 0, fmt.Errorf("unknown transport %q", s)
	}
}

// Conn is the path back to a TURN client. For UDP it identifies the
// client's 5-tuple; for streams it is the accepted connection.
type Conn interface {
	// Send writes one complete STUN or ChannelData message.
	Send(b []byte) error

	// Proto returns the client transport.
	Proto() Proto

	// LocalAddr returns the server address the client reached.
	LocalAddr() netip.AddrPort

	// RemoteAddr returns the client address.
	RemoteAddr() netip.AddrPort

	// QueuedBytes returns bytes accepted by Send but not yet written.
	// Always zero for UDP.
	QueuedBytes() int
}

// Handler receives traffic from listeners. Calls arrive on listener
// goroutines; implementations hand the work to the event loop.
type Handler interface {
	// HandlePacket receives one message. data is owned by the handler.
	HandlePacket(conn Conn, data []byte)

	// HandleClose is called once when a stream connection ends.
	HandleClose(conn Conn)
}

// Listener accepts TURN client traffic.
type Listener interface {
	// Serve runs until ctx is cancelled or the listener is closed.
	Serve(ctx context.Context) error

	// Addr returns the bound address.
	Addr() netip.AddrPort

	// Proto returns the listener transport.
	Proto() Proto

	// Close stops the listener.
	Close() error
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is required for TLS listeners.
	TLSConfig *tls.Config

	// ReadBuffer sets the socket receive buffer for UDP listeners.
	ReadBuffer int

	// MaxMessageSize bounds a single STUN or ChannelData message.
	MaxMessageSize int

	// SendQueue is the number of messages buffered per stream connection.
	SendQueue int

	Logger *slog.Logger
}

// DefaultListenOptions returns ListenOptions with sensible defaults.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{
		ReadBuffer:     1 << 20,
		MaxMessageSize: 65536,
		SendQueue:      256,
		Logger:         logging.NopLogger(),
	}
}

func (o *ListenOptions) applyDefaults() {
	d := DefaultListenOptions()
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.SendQueue <= 0 {
		o.SendQueue = d.SendQueue
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
}

// Listen creates a listener for proto on addr.
func Listen(proto Proto, addr string, h Handler, opts ListenOptions) (Listener, error) {
	switch proto {
	case ProtoUDP:
		return ListenUDP(addr, h, opts)
	case ProtoTCP:
		return ListenTCP(addr, h, opts)
	case ProtoTLS:
		return ListenTLS(addr, h, opts)
	default:
		return nil, fmt.Errorf("unsupported transport %v", proto)
	}
}

// AddrPortOf converts a net.Addr from the UDP or TCP stacks.
func AddrPortOf(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	case *net.TCPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	default:
		ap, _ := netip.ParseAddrPort(addr.String())
		return ap
	}
}

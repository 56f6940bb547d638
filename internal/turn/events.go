package turn

import (
	"net/netip"

	"github.com/postalsys/metroo-turn/internal/transport"
)

// Events consumed by the engine on the event loop.
type (
	// ClientPacket is a STUN or ChannelData message from a client.
	ClientPacket struct {
		Conn transport.Conn
		Data []byte
	}

	// ClientClosed reports the end of a stream client connection.
	ClientClosed struct {
		Conn transport.Conn
	}

	// RelayPacket is a datagram received on a relay socket.
	RelayPacket struct {
		Alloc *Allocation
		Peer  netip.AddrPort
		Data  []byte
	}

	// ExpiryFired is posted by an allocation's lifetime timer.
	ExpiryFired struct {
		Alloc *Allocation
		Gen   uint64
	}
)

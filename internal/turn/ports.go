package turn

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/netip"

	"github.com/postalsys/metroo-turn/internal/codec"
)

// PortTryMax bounds the bind attempts made for one EVEN-PORT request.
const PortTryMax = 32

var (
	// ErrInsufficientCapacity is returned when no relay port could be bound
	ErrInsufficientCapacity = errors.New("insufficient port capacity")

	// ErrNoReservation is returned for unknown or already used tokens
	ErrNoReservation = errors.New("no such reservation")

	// ErrFamilyUnsupported is returned when no relay address exists for a family
	ErrFamilyUnsupported = errors.New("address family not supported")
)

// RelaySocket is a bound relay transport address.
type RelaySocket interface {
	// LocalAddr returns the bound relay address.
	LocalAddr() netip.AddrPort

	// WriteTo sends a datagram to peer.
	WriteTo(b []byte, peer netip.AddrPort) error

	// Start begins delivering received datagrams to onPacket from a
	// reader goroutine. Sockets held as reservations are not started.
	Start(onPacket func(peer netip.AddrPort, payload []byte))

	// Close releases the socket.
	Close() error
}

// Binder opens relay sockets. Port 0 requests an ephemeral port.
type Binder interface {
	Bind(addr netip.AddrPort) (RelaySocket, error)
}

// Reservation is a relay port held for a later allocation that presents
// its token.
type Reservation struct {
	Token uint64
	Addr  netip.AddrPort
	sock  RelaySocket
}

// Held reports whether the reservation still owns its socket.
func (r *Reservation) Held() bool {
	return r != nil && r.sock != nil
}

// PortAllocator binds relay sockets and tracks reserved ports.
type PortAllocator struct {
	binder       Binder
	ipv4         netip.Addr
	ipv6         netip.Addr
	reservations map[uint64]*Reservation
	logger       *slog.Logger
}

// NewPortAllocator creates an allocator binding on the given relay
// addresses. An invalid address disables that family.
func NewPortAllocator(binder Binder, ipv4, ipv6 netip.Addr, logger *slog.Logger) *PortAllocator {
	return &PortAllocator{
		binder:       binder,
		ipv4:         ipv4,
		ipv6:         ipv6,
		reservations: make(map[uint64]*Reservation),
		logger:       logger,
	}
}

// RelayIP returns the relay address for family f.
func (p *PortAllocator) RelayIP(f codec.Family) (netip.Addr, bool) {
	switch f {
	case codec.FamilyIPv4:
		return p.ipv4, p.ipv4.IsValid()
	case codec.FamilyIPv6:
		return p.ipv6, p.ipv6.IsValid()
	default:
		return netip.Addr{}, false
	}
}

// Allocate binds a relay socket for family f. With evenPort the relay port
// is even; with reserve the next port is bound too and registered as a
// reservation under a token derived from client.
func (p *PortAllocator) Allocate(f codec.Family, client netip.AddrPort, evenPort, reserve bool) (RelaySocket, *Reservation, error) {
	ip, ok := p.RelayIP(f)
	if !ok {
		return nil, nil, ErrFamilyUnsupported
	}

	if !evenPort {
		sock, err := p.binder.Bind(netip.AddrPortFrom(ip, 0))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInsufficientCapacity, err)
		}
		return sock, nil, nil
	}

	for i := 0; i < PortTryMax; i++ {
		sock, err := p.binder.Bind(netip.AddrPortFrom(ip, 0))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInsufficientCapacity, err)
		}

		port := sock.LocalAddr().Port()
		p.logger.Debug("even port attempt", "try", i, "relay", sock.LocalAddr())

		if port&1 != 0 {
			sock.Close()
			continue
		}
		if !reserve {
			return sock, nil, nil
		}
		pair, err := p.binder.Bind(netip.AddrPortFrom(ip, port+1))
		if err != nil {
			sock.Close()
			continue
		}

		res := &Reservation{Addr: pair.LocalAddr(), sock: pair}
		res.Token = ReservationToken(client, res.Addr)
		if _, exists := p.reservations[res.Token]; exists {
			// Only possible if the kernel handed out a port twice.
			pair.Close()
			sock.Close()
			return nil, nil, fmt.Errorf("%w: duplicate reservation token", ErrInsufficientCapacity)
		}
		p.reservations[res.Token] = res
		return sock, res, nil
	}

	return nil, nil, fmt.Errorf("%w: no even port after %d attempts", ErrInsufficientCapacity, PortTryMax)
}

// Adopt hands the socket of the reservation identified by token to the
// caller. A token can be adopted once.
func (p *PortAllocator) Adopt(token uint64) (RelaySocket, error) {
	res, ok := p.reservations[token]
	if !ok || res.sock == nil {
		return nil, ErrNoReservation
	}

	delete(p.reservations, token)
	sock := res.sock
	res.sock = nil
	return sock, nil
}

// Release closes a reservation that was never adopted.
func (p *PortAllocator) Release(res *Reservation) {
	if res == nil {
		return
	}
	if cur, ok := p.reservations[res.Token]; ok && cur == res {
		delete(p.reservations, res.Token)
	}
	if res.sock != nil {
		res.sock.Close()
		res.sock = nil
	}
}

// Reservations returns the number of reservations waiting for adoption.
func (p *PortAllocator) Reservations() int {
	return len(p.reservations)
}

// ReservationToken derives the RESERVATION-TOKEN for a reserved address:
// a hash of the client address in the upper 32 bits, then the STUN
// address family and the reserved port.
func ReservationToken(client, reserved netip.AddrPort) uint64 {
	h := fnv.New32a()
	b, _ := client.MarshalBinary()
	h.Write(b)

	token := uint64(h.Sum32()) << 32
	token |= uint64(codec.FamilyOf(reserved.Addr())) << 24
	token |= uint64(reserved.Port())
	return token
}

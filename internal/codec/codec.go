// Package codec parses and builds the TURN messages handled by the relay.
//
// STUN framing, message integrity and fingerprints are delegated to
// github.com/pion/stun. TURN attributes are encoded here because the relay
// needs full control over optional and repeated attributes.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/pion/stun"
)

// TURN attribute types (RFC 5766, RFC 6156).
const (
	AttrChannelNumber          = stun.AttrType(0x000C)
	AttrLifetime               = stun.AttrType(0x000D)
	AttrXORPeerAddress         = stun.AttrType(0x0012)
	AttrData                   = stun.AttrType(0x0013)
	AttrXORRelayedAddress      = stun.AttrType(0x0016)
	AttrRequestedAddressFamily = stun.AttrType(0x0017)
	AttrEvenPort               = stun.AttrType(0x0018)
	AttrRequestedTransport     = stun.AttrType(0x0019)
	AttrDontFragment           = stun.AttrType(0x001A)
	AttrReservationToken       = stun.AttrType(0x0022)
)

// ProtoUDP is the only REQUESTED-TRANSPORT value the relay serves.
const ProtoUDP uint8 = 17

const magicCookie uint32 = 0x2112A442

var (
	// ErrNotSTUN is returned when a buffer does not hold a STUN message
	ErrNotSTUN = errors.New("not a STUN message")

	// ErrMalformedAttribute is returned when a TURN attribute cannot be decoded
	ErrMalformedAttribute = errors.New("malformed attribute")
)

// Family is a STUN address family.
type Family uint8

// Address families
const (
	FamilyIPv4 Family = 0x01
	FamilyIPv6 Family = 0x02
)

// FamilyOf returns the address family of addr.
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// String returns the family name.
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Request is a decoded STUN request or indication with the TURN attributes
// the relay cares about. Absent attributes are reported through the Has*
// fields.
type Request struct {
	Message *stun.Message

	Lifetime    uint32
	HasLifetime bool

	Transport    uint8
	HasTransport bool

	Family    Family
	HasFamily bool

	EvenPort    bool
	ReservePair bool

	Token    uint64
	HasToken bool

	DontFragment bool

	Channel    uint16
	HasChannel bool

	Data    []byte
	HasData bool

	Peers []netip.AddrPort

	Username string
}

// Method returns the STUN method of the request.
func (r *Request) Method() stun.Method {
	return r.Message.Type.Method
}

// Class returns the STUN class of the request.
func (r *Request) Class() stun.MessageClass {
	return r.Message.Type.Class
}

// TransactionID returns the STUN transaction ID.
func (r *Request) TransactionID() [stun.TransactionIDSize]byte {
	return r.Message.TransactionID
}

// Parse decodes a STUN message and extracts its TURN attributes.
// The buffer is copied so the caller may reuse it.
func Parse(buf []byte) (*Request, error) {
	if !stun.IsMessage(buf) {
		return nil, ErrNotSTUN
	}

	m := &stun.Message{Raw: append([]byte(nil), buf...)}
	if err := m.Decode(); err != nil {
		return nil, fmt.Errorf("decode stun: %w", err)
	}

	req := &Request{Message: m}
	for _, attr := range m.Attributes {
		if err := req.decodeAttribute(attr); err != nil {
			return nil, fmt.Errorf("%s: %w", attr.Type, err)
		}
	}

	return req, nil
}

func (r *Request) decodeAttribute(attr stun.RawAttribute) error {
	v := attr.Value

	switch attr.Type {
	case AttrLifetime:
		if len(v) != 4 {
			return ErrMalformedAttribute
		}
		r.Lifetime = binary.BigEndian.Uint32(v)
		r.HasLifetime = true

	case AttrRequestedTransport:
		if len(v) != 4 {
			return ErrMalformedAttribute
		}
		r.Transport = v[0]
		r.HasTransport = true

	case AttrRequestedAddressFamily:
		if len(v) != 4 {
			return ErrMalformedAttribute
		}
		r.Family = Family(v[0])
		r.HasFamily = true

	case AttrEvenPort:
		if len(v) != 1 {
			return ErrMalformedAttribute
		}
		r.EvenPort = true
		r.ReservePair = v[0]&0x80 != 0

	case AttrReservationToken:
		if len(v) != 8 {
			return ErrMalformedAttribute
		}
		r.Token = binary.BigEndian.Uint64(v)
		r.HasToken = true

	case AttrDontFragment:
		r.DontFragment = true

	case AttrChannelNumber:
		if len(v) != 4 {
			return ErrMalformedAttribute
		}
		r.Channel = binary.BigEndian.Uint16(v[0:2])
		r.HasChannel = true

	case AttrData:
		r.Data = v
		r.HasData = true

	case AttrXORPeerAddress:
		peer, err := decodeXORAddress(v, r.Message.TransactionID)
		if err != nil {
			return err
		}
		r.Peers = append(r.Peers, peer)

	case stun.AttrUsername:
		r.Username = string(v)
	}

	return nil
}

// decodeXORAddress decodes an XOR-*-ADDRESS value. pion/stun only exposes
// the first instance of an attribute, while CreatePermission may carry many.
func decodeXORAddress(v []byte, tid [stun.TransactionIDSize]byte) (netip.AddrPort, error) {
	if len(v) < 4 {
		return netip.AddrPort{}, ErrMalformedAttribute
	}

	var key [16]byte
	binary.BigEndian.PutUint32(key[0:4], magicCookie)
	copy(key[4:], tid[:])

	port := binary.BigEndian.Uint16(v[2:4]) ^ uint16(magicCookie>>16)

	switch Family(v[1]) {
	case FamilyIPv4:
		if len(v) != 8 {
			return netip.AddrPort{}, ErrMalformedAttribute
		}
		var ip [4]byte
		for i := range ip {
			ip[i] = v[4+i] ^ key[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom4(ip), port), nil

	case FamilyIPv6:
		if len(v) != 20 {
			return netip.AddrPort{}, ErrMalformedAttribute
		}
		var ip [16]byte
		for i := range ip {
			ip[i] = v[4+i] ^ key[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom16(ip), port), nil

	default:
		return netip.AddrPort{}, ErrMalformedAttribute
	}
}

// xorAddress is a setter for XOR-encoded address attributes.
type xorAddress struct {
	t    stun.AttrType
	addr netip.AddrPort
}

func (a xorAddress) AddTo(m *stun.Message) error {
	xa := stun.XORMappedAddress{
		IP:   net.IP(a.addr.Addr().Unmap().AsSlice()),
		Port: int(a.addr.Port()),
	}
	return xa.AddToAs(m, a.t)
}

// rawAttribute is a setter for attributes with a precomputed value.
type rawAttribute struct {
	t stun.AttrType
	v []byte
}

func (a rawAttribute) AddTo(m *stun.Message) error {
	m.Add(a.t, a.v)
	return nil
}

// RelayedAddress returns an XOR-RELAYED-ADDRESS setter.
func RelayedAddress(addr netip.AddrPort) stun.Setter {
	return xorAddress{t: AttrXORRelayedAddress, addr: addr}
}

// MappedAddress returns an XOR-MAPPED-ADDRESS setter.
func MappedAddress(addr netip.AddrPort) stun.Setter {
	return xorAddress{t: stun.AttrXORMappedAddress, addr: addr}
}

// PeerAddress returns an XOR-PEER-ADDRESS setter.
func PeerAddress(addr netip.AddrPort) stun.Setter {
	return xorAddress{t: AttrXORPeerAddress, addr: addr}
}

// Lifetime returns a LIFETIME setter.
func Lifetime(seconds uint32) stun.Setter {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, seconds)
	return rawAttribute{t: AttrLifetime, v: v}
}

// ReservationToken returns a RESERVATION-TOKEN setter.
func ReservationToken(token uint64) stun.Setter {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, token)
	return rawAttribute{t: AttrReservationToken, v: v}
}

// ChannelNumber returns a CHANNEL-NUMBER setter.
func ChannelNumber(number uint16) stun.Setter {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v, number)
	return rawAttribute{t: AttrChannelNumber, v: v}
}

// RequestedTransport returns a REQUESTED-TRANSPORT setter.
func RequestedTransport(proto uint8) stun.Setter {
	return rawAttribute{t: AttrRequestedTransport, v: []byte{proto, 0, 0, 0}}
}

// RequestedFamily returns a REQUESTED-ADDRESS-FAMILY setter.
func RequestedFamily(f Family) stun.Setter {
	return rawAttribute{t: AttrRequestedAddressFamily, v: []byte{byte(f), 0, 0, 0}}
}

// EvenPort returns an EVEN-PORT setter.
func EvenPort(reserve bool) stun.Setter {
	var v byte
	if reserve {
		v = 0x80
	}
	return rawAttribute{t: AttrEvenPort, v: []byte{v}}
}

// DontFragment returns a DONT-FRAGMENT setter.
func DontFragment() stun.Setter {
	return rawAttribute{t: AttrDontFragment}
}

// Data returns a DATA setter.
func Data(payload []byte) stun.Setter {
	return rawAttribute{t: AttrData, v: payload}
}

// UnknownAttributes returns an UNKNOWN-ATTRIBUTES setter.
func UnknownAttributes(types ...stun.AttrType) stun.Setter {
	return stun.UnknownAttributes(types)
}

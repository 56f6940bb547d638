// Package protocol defines the framing used between TURN clients, the relay
// and federated peers: TURN ChannelData messages and federation frames.
package protocol

// Protocol constants
const (
	// ChannelDataHeaderSize is the size of a ChannelData header (number + length).
	ChannelDataHeaderSize = 4

	// FrameHeaderSize is the size of a federation frame header (conn id + length).
	FrameHeaderSize = 4

	// MaxPayloadSize is the largest payload either framing can carry.
	MaxPayloadSize = 0xFFFF

	// MinChannelNumber is the lowest channel number a client may bind.
	MinChannelNumber uint16 = 0x4000

	// MaxChannelNumber is the highest channel number a client may bind.
	MaxChannelNumber uint16 = 0x7FFE

	// FederatedChannel marks ChannelData delivered to a federation-relaxed
	// allocation. It lies outside the bindable range on purpose so the
	// client can tell federated traffic apart from bound peers.
	FederatedChannel uint16 = 0xFFFF
)

// IsValidChannelNumber reports whether n may be used in a ChannelBind request.
func IsValidChannelNumber(n uint16) bool {
	return n >= MinChannelNumber && n <= MaxChannelNumber
}

// IsChannelData reports whether buf starts like a ChannelData message.
// STUN messages always have the two most significant bits cleared, while
// channel numbers start at 0x4000.
func IsChannelData(buf []byte) bool {
	return len(buf) >= ChannelDataHeaderSize && buf[0]&0xC0 == 0x40
}

// IsSTUN reports whether buf starts like a STUN message header.
func IsSTUN(buf []byte) bool {
	return len(buf) >= 20 && buf[0]&0xC0 == 0
}

package turn

import (
	"errors"
	"net/netip"
	"sort"
	"time"

	"github.com/postalsys/metroo-turn/internal/protocol"
)

// ChannelLifetime is how long a channel binding stays valid after it is
// created or refreshed.
const ChannelLifetime = 600 * time.Second

var (
	// ErrInvalidChannel is returned for numbers outside 0x4000-0x7FFE
	ErrInvalidChannel = errors.New("channel number out of range")

	// ErrChannelInUse is returned when the number is bound to another peer
	ErrChannelInUse = errors.New("channel bound to a different peer")

	// ErrPeerBound is returned when the peer is bound to another number
	ErrPeerBound = errors.New("peer bound to a different channel")
)

// ChannelBinding maps a channel number to a peer transport address.
type ChannelBinding struct {
	Number  uint16
	Peer    netip.AddrPort
	Expires time.Time
}

// ChannelTable holds the channel bindings of one allocation. A number and
// a peer can each appear in at most one binding.
type ChannelTable struct {
	byNumber map[uint16]*ChannelBinding
	byPeer   map[netip.AddrPort]*ChannelBinding
}

// NewChannelTable creates an empty table.
func NewChannelTable() *ChannelTable {
	return &ChannelTable{
		byNumber: make(map[uint16]*ChannelBinding),
		byPeer:   make(map[netip.AddrPort]*ChannelBinding),
	}
}

// Bind creates or refreshes the binding of number to peer.
func (t *ChannelTable) Bind(number uint16, peer netip.AddrPort, now time.Time) (*ChannelBinding, error) {
	if !protocol.IsValidChannelNumber(number) {
		return nil, ErrInvalidChannel
	}
	peer = normalize(peer)

	if b := t.live(t.byNumber[number], now); b != nil {
		if b.Peer != peer {
			return nil, ErrChannelInUse
		}
		b.Expires = now.Add(ChannelLifetime)
		return b, nil
	}
	if b := t.live(t.byPeer[peer], now); b != nil {
		return nil, ErrPeerBound
	}

	b := &ChannelBinding{Number: number, Peer: peer, Expires: now.Add(ChannelLifetime)}
	t.byNumber[number] = b
	t.byPeer[peer] = b
	return b, nil
}

// ByNumber returns the live binding for number, or nil.
func (t *ChannelTable) ByNumber(number uint16, now time.Time) *ChannelBinding {
	return t.live(t.byNumber[number], now)
}

// ByPeer returns the live binding for peer, or nil.
func (t *ChannelTable) ByPeer(peer netip.AddrPort, now time.Time) *ChannelBinding {
	return t.live(t.byPeer[normalize(peer)], now)
}

// live drops b from the table if it has expired.
func (t *ChannelTable) live(b *ChannelBinding, now time.Time) *ChannelBinding {
	if b == nil {
		return nil
	}
	if !now.Before(b.Expires) {
		delete(t.byNumber, b.Number)
		delete(t.byPeer, b.Peer)
		return nil
	}
	return b
}

// Len returns the number of stored bindings, expired or not.
func (t *ChannelTable) Len() int {
	return len(t.byNumber)
}

// Snapshot returns copies of the live bindings sorted by number.
func (t *ChannelTable) Snapshot(now time.Time) []ChannelBinding {
	out := make([]ChannelBinding, 0, len(t.byNumber))
	for _, b := range t.byNumber {
		if now.Before(b.Expires) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

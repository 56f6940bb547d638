package turn

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/stun"

	"github.com/postalsys/metroo-turn/internal/transport"
)

// Key identifies an allocation by client transport and address.
type Key struct {
	Proto  transport.Proto
	Client netip.AddrPort
}

// String returns "proto/addr".
func (k Key) String() string {
	return k.Proto.String() + "/" + k.Client.String()
}

// KeyOf returns the allocation key for traffic arriving on conn.
func KeyOf(conn transport.Conn) Key {
	return Key{Proto: conn.Proto(), Client: conn.RemoteAddr()}
}

// Allocation is the relay state of one client. It is owned by the event
// loop and must only be touched from there.
type Allocation struct {
	ID            uuid.UUID
	Key           Key
	ServerAddr    netip.AddrPort
	RelayAddr     netip.AddrPort
	TransactionID [stun.TransactionIDSize]byte
	Username      string
	Created       time.Time
	Expires       time.Time

	// Relaxed allocations belong to federation clients. They skip peer
	// permission checks and receive all traffic as ChannelData.
	Relaxed bool
	ConnID  uint16

	BytesTx   uint64
	BytesRx   uint64
	DroppedTx uint64
	DroppedRx uint64

	conn        transport.Conn
	relay       RelaySocket
	reservation *Reservation
	perms       *PermissionSet
	chans       *ChannelTable

	timer     *clock.Timer
	timerGen  uint64
	destroyed bool

	// deliver hands federated payloads to the data path.
	deliver func(al *Allocation, payload []byte)
}

func newAllocation(conn transport.Conn, txID [stun.TransactionIDSize]byte, username string, now time.Time) *Allocation {
	return &Allocation{
		ID:            uuid.New(),
		Key:           KeyOf(conn),
		ServerAddr:    conn.LocalAddr(),
		TransactionID: txID,
		Username:      username,
		Created:       now,
		conn:          conn,
		perms:         NewPermissionSet(),
		chans:         NewChannelTable(),
	}
}

// DeliverFederated receives a payload routed by the federation router.
func (a *Allocation) DeliverFederated(payload []byte) {
	if a.destroyed || a.deliver == nil {
		return
	}
	a.deliver(a, payload)
}

// String identifies the allocation in logs and federation dumps.
func (a *Allocation) String() string {
	return fmt.Sprintf("%s (%s)", a.Key, a.ID.String()[:8])
}

// Conn returns the client connection.
func (a *Allocation) Conn() transport.Conn {
	return a.conn
}

// Permissions returns the permission set.
func (a *Allocation) Permissions() *PermissionSet {
	return a.perms
}

// Channels returns the channel binding table.
func (a *Allocation) Channels() *ChannelTable {
	return a.chans
}

// Reservation returns the reservation this allocation still holds, if any.
func (a *Allocation) Reservation() *Reservation {
	if a.reservation.Held() {
		return a.reservation
	}
	return nil
}

// Destroyed reports whether the allocation has been torn down.
func (a *Allocation) Destroyed() bool {
	return a.destroyed
}

// Remaining returns the lifetime left at now, in whole seconds.
func (a *Allocation) Remaining(now time.Time) uint32 {
	d := a.Expires.Sub(now)
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Second)
}

// arm (re)starts the expiry timer. Each arm bumps the generation so a
// timer that already fired for an older lifetime is ignored.
func (a *Allocation) arm(clk clock.Clock, lifetime time.Duration, fire func(gen uint64)) {
	a.stopTimer()
	a.timerGen++
	gen := a.timerGen
	a.Expires = clk.Now().Add(lifetime)
	a.timer = clk.AfterFunc(lifetime, func() { fire(gen) })
}

func (a *Allocation) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// AllocationInfo is a point-in-time view of an allocation for status dumps.
type AllocationInfo struct {
	ID          string           `json:"id"`
	Transport   string           `json:"transport"`
	Client      string           `json:"client"`
	Server      string           `json:"server"`
	Relay       string           `json:"relay"`
	Reserved    string           `json:"reserved,omitempty"`
	Username    string           `json:"username,omitempty"`
	Relaxed     bool             `json:"relaxed"`
	ConnID      uint16           `json:"conn_id,omitempty"`
	Age         time.Duration    `json:"age"`
	ExpiresIn   time.Duration    `json:"expires_in"`
	BytesTx     uint64           `json:"bytes_tx"`
	BytesRx     uint64           `json:"bytes_rx"`
	DroppedTx   uint64           `json:"dropped_tx"`
	DroppedRx   uint64           `json:"dropped_rx"`
	Permissions []PermissionInfo `json:"permissions"`
	Channels    []ChannelInfo    `json:"channels"`
}

// PermissionInfo describes one permission.
type PermissionInfo struct {
	Peer      string        `json:"peer"`
	ExpiresIn time.Duration `json:"expires_in"`
	BytesTx   uint64        `json:"bytes_tx"`
	BytesRx   uint64        `json:"bytes_rx"`
}

// ChannelInfo describes one channel binding.
type ChannelInfo struct {
	Number    uint16        `json:"number"`
	Peer      string        `json:"peer"`
	ExpiresIn time.Duration `json:"expires_in"`
}

// Info returns a snapshot of the allocation.
func (a *Allocation) Info(now time.Time) AllocationInfo {
	info := AllocationInfo{
		ID:        a.ID.String(),
		Transport: a.Key.Proto.String(),
		Client:    a.Key.Client.String(),
		Server:    a.ServerAddr.String(),
		Relay:     a.RelayAddr.String(),
		Username:  a.Username,
		Relaxed:   a.Relaxed,
		ConnID:    a.ConnID,
		Age:       now.Sub(a.Created),
		ExpiresIn: a.Expires.Sub(now),
		BytesTx:   a.BytesTx,
		BytesRx:   a.BytesRx,
		DroppedTx: a.DroppedTx,
		DroppedRx: a.DroppedRx,
	}
	if res := a.Reservation(); res != nil {
		info.Reserved = res.Addr.String()
	}
	for _, p := range a.perms.Snapshot(now) {
		info.Permissions = append(info.Permissions, PermissionInfo{
			Peer:      p.Peer.String(),
			ExpiresIn: p.Expires.Sub(now),
			BytesTx:   p.BytesTx,
			BytesRx:   p.BytesRx,
		})
	}
	for _, c := range a.chans.Snapshot(now) {
		info.Channels = append(info.Channels, ChannelInfo{
			Number:    c.Number,
			Peer:      c.Peer.String(),
			ExpiresIn: c.Expires.Sub(now),
		})
	}
	return info
}

package turn

import (
	"errors"
	"net/netip"
	"time"

	"github.com/pion/stun"

	"github.com/postalsys/metroo-turn/internal/codec"
	"github.com/postalsys/metroo-turn/internal/logging"
)

// allocate runs the Allocate admission sequence. Every failure after the
// allocation is registered tears it down again.
func (e *Engine) allocate(tx *transaction) {
	req := tx.req
	key := KeyOf(tx.conn)
	now := e.clock.Now()

	if al := e.table.Lookup(key); al != nil {
		if key.Proto.IsStream() || al.TransactionID != req.TransactionID() {
			e.logger.Debug("allocation already exists", logging.KeyClient, key.String())
			e.fail(tx, 437, "Allocation TID Mismatch")
			return
		}
		// Retransmission: repeat the answer with what is left of the lifetime.
		e.reply(tx, e.allocateReply(al, al.Remaining(now))...)
		return
	}

	family := codec.FamilyIPv4
	if req.HasFamily {
		family = req.Family
	}
	if _, ok := e.ports.RelayIP(family); !ok {
		e.logger.Info("unsupported address family", logging.KeyClient, key.String(), "family", family)
		e.fail(tx, 440, "Address Family not Supported")
		return
	}

	if !req.HasTransport {
		e.fail(tx, 400, "Requested Transport Missing")
		return
	}
	if req.Transport != codec.ProtoUDP {
		e.logger.Info("unsupported transport protocol", logging.KeyClient, key.String(), "protocol", req.Transport)
		e.fail(tx, 442, "Unsupported Transport Protocol")
		return
	}

	if req.DontFragment {
		e.fail(tx, 420, "Unknown Attribute", codec.UnknownAttributes(codec.AttrDontFragment))
		return
	}

	if req.HasToken && (req.EvenPort || req.HasFamily) {
		e.logger.Info("even-port or address family requested with reservation token", logging.KeyClient, key.String())
		e.fail(tx, 400, "Bad Request")
		return
	}

	lifetime := e.cfg.clampLifetime(req.Lifetime, req.HasLifetime, false)

	al := newAllocation(tx.conn, req.TransactionID(), req.Username, now)
	al.deliver = e.fromFederation
	if err := e.table.Add(al); err != nil {
		e.logger.Error("allocation registration failed", logging.KeyClient, key.String(), logging.KeyError, err)
		e.fail(tx, 500, "Server Error")
		return
	}
	e.stats.AllocationsCurrent++
	e.stats.AllocationsTotal++
	e.metrics.RecordAllocationOpen()
	e.armExpiry(al, lifetime)

	if e.isFederationUser(req.Username) {
		al.Relaxed = true
		if e.fed != nil {
			al.ConnID = e.fed.AddConnection(al)
		}
	}

	if err := e.bindRelay(al, req, family); err != nil {
		e.logger.Warn("relay setup failed", logging.KeyClient, key.String(), logging.KeyError, err)
		if errors.Is(err, ErrInsufficientCapacity) || errors.Is(err, ErrNoReservation) {
			e.fail(tx, 508, "Insufficient Port Capacity")
		} else {
			e.fail(tx, 500, "Server Error")
		}
		e.destroy(al, "setup_failed")
		return
	}

	e.logger.Info("allocation created",
		logging.KeyAllocationID, al.ID,
		logging.KeyClient, key.String(),
		logging.KeyRelay, al.RelayAddr,
		logging.KeyUsername, al.Username,
		logging.KeyLifetime, lifetime)

	e.reply(tx, e.allocateReply(al, uint32(lifetime/time.Second))...)
}

// bindRelay gives al its relay socket, adopting a reservation when the
// request carries a token.
func (e *Engine) bindRelay(al *Allocation, req *codec.Request, family codec.Family) error {
	var (
		sock RelaySocket
		err  error
	)
	if req.HasToken {
		sock, err = e.ports.Adopt(req.Token)
	} else {
		sock, al.reservation, err = e.ports.Allocate(family, al.Key.Client, req.EvenPort, req.ReservePair)
	}
	if err != nil {
		return err
	}

	al.relay = sock
	al.RelayAddr = sock.LocalAddr()
	sock.Start(func(peer netip.AddrPort, payload []byte) {
		e.sched.TryPost(RelayPacket{Alloc: al, Peer: peer, Data: payload})
	})
	return nil
}

// allocateReply returns the attributes of a successful Allocate response.
func (e *Engine) allocateReply(al *Allocation, lifetime uint32) []stun.Setter {
	relayed := al.RelayAddr
	switch {
	case al.ConnID != 0 && e.fed != nil:
		relayed = e.fed.LocalAddr()
	case relayed.Addr().Is4() && e.cfg.PublicIPv4.IsValid():
		relayed = netip.AddrPortFrom(e.cfg.PublicIPv4, relayed.Port())
	}

	setters := []stun.Setter{
		codec.RelayedAddress(relayed),
		codec.Lifetime(lifetime),
	}
	if res := al.Reservation(); res != nil {
		setters = append(setters, codec.ReservationToken(res.Token))
	}
	setters = append(setters, codec.MappedAddress(al.Key.Client))
	if al.ConnID != 0 && e.fed != nil {
		setters = append(setters, codec.ChannelNumber(al.ConnID))
	}
	return setters
}

func (e *Engine) armExpiry(al *Allocation, lifetime time.Duration) {
	al.arm(e.clock, lifetime, func(gen uint64) {
		e.sched.Post(ExpiryFired{Alloc: al, Gen: gen})
	})
}

// refresh extends or ends an allocation. A zero lifetime destroys it once
// the response is sent.
func (e *Engine) refresh(tx *transaction, al *Allocation) {
	req := tx.req
	if req.HasFamily && req.Family != codec.FamilyOf(al.RelayAddr.Addr()) {
		e.logger.Info("refresh address family mismatch", logging.KeyAllocationID, al.ID)
		e.fail(tx, 443, "Peer Address Family Mismatch")
		return
	}

	lifetime := e.cfg.clampLifetime(req.Lifetime, req.HasLifetime, true)
	if lifetime == 0 {
		e.reply(tx, codec.Lifetime(0))
		e.destroy(al, "refresh")
		return
	}

	e.armExpiry(al, lifetime)
	e.logger.Debug("allocation refreshed", logging.KeyAllocationID, al.ID, logging.KeyLifetime, lifetime)
	e.reply(tx, codec.Lifetime(uint32(lifetime/time.Second)))
}

// createPermission installs or refreshes a permission for every
// XOR-PEER-ADDRESS in the request.
func (e *Engine) createPermission(tx *transaction, al *Allocation) {
	peers := tx.req.Peers
	if len(peers) == 0 {
		e.fail(tx, 400, "Bad Request")
		return
	}

	relayFamily := codec.FamilyOf(al.RelayAddr.Addr())
	for _, peer := range peers {
		if codec.FamilyOf(peer.Addr()) != relayFamily {
			e.fail(tx, 443, "Peer Address Family Mismatch")
			return
		}
	}

	now := e.clock.Now()
	// expired entries are otherwise only dropped when their peer is looked up
	if n := al.perms.Prune(now); n > 0 {
		e.logger.Debug("expired permissions pruned", logging.KeyAllocationID, al.ID, logging.KeyCount, n)
	}
	for _, peer := range peers {
		al.perms.Install(peer.Addr(), now)
		e.metrics.RecordPermission()
		e.logger.Debug("permission installed", logging.KeyAllocationID, al.ID, logging.KeyPeer, peer.Addr())
	}
	e.reply(tx)
}

// channelBind binds a channel number to a peer and installs the matching
// permission.
func (e *Engine) channelBind(tx *transaction, al *Allocation) {
	req := tx.req
	if !req.HasChannel || len(req.Peers) == 0 {
		e.fail(tx, 400, "Bad Request")
		return
	}

	peer := req.Peers[0]
	if codec.FamilyOf(peer.Addr()) != codec.FamilyOf(al.RelayAddr.Addr()) {
		e.fail(tx, 443, "Peer Address Family Mismatch")
		return
	}

	now := e.clock.Now()
	if _, err := al.chans.Bind(req.Channel, peer, now); err != nil {
		e.logger.Debug("channel bind rejected",
			logging.KeyAllocationID, al.ID,
			logging.KeyChannel, req.Channel,
			logging.KeyPeer, peer,
			logging.KeyError, err)
		e.fail(tx, 400, "Bad Request")
		return
	}
	al.perms.Install(peer.Addr(), now)
	e.metrics.RecordChannelBind()
	e.metrics.RecordPermission()

	e.logger.Debug("channel bound", logging.KeyAllocationID, al.ID, logging.KeyChannel, req.Channel, logging.KeyPeer, peer)
	e.reply(tx)
}

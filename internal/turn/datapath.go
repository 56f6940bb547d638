package turn

import (
	"net/netip"

	"github.com/postalsys/metroo-turn/internal/codec"
	"github.com/postalsys/metroo-turn/internal/logging"
	"github.com/postalsys/metroo-turn/internal/metrics"
	"github.com/postalsys/metroo-turn/internal/protocol"
	"github.com/postalsys/metroo-turn/internal/transport"
)

// Drop reasons reported in metrics.
const (
	dropNoAllocation = "no_allocation"
	dropNoPermission = "no_permission"
	dropNoChannel    = "no_channel"
	dropBadRequest   = "bad_request"
	dropFamily       = "family_mismatch"
	dropBackpressure = "backpressure"
	dropWriteError   = "write_error"
)

// fromRelay handles a datagram a peer sent to al's relay address.
func (e *Engine) fromRelay(al *Allocation, peer netip.AddrPort, payload []byte) {
	if e.congested(al) {
		return
	}

	var (
		perm *Permission
		ch   *ChannelBinding
	)
	if !al.Relaxed {
		now := e.clock.Now()
		if perm = al.perms.Lookup(peer.Addr(), now); perm == nil {
			al.DroppedRx++
			e.metrics.RecordDrop(metrics.DirectionToClient, dropNoPermission)
			e.dropLog.Do(func() {
				e.logger.Debug("dropping packet from peer without permission",
					logging.KeyAllocationID, al.ID,
					logging.KeyPeer, peer)
			})
			return
		}
		ch = al.chans.ByPeer(peer, now)
	}

	e.toClient(al, perm, ch, peer, payload)
}

// fromFederation handles a payload routed to al by the federation router.
// Permissions are enforced by the node that owns the client side.
func (e *Engine) fromFederation(al *Allocation, payload []byte) {
	if e.congested(al) {
		return
	}
	e.toClient(al, nil, nil, netip.AddrPort{}, payload)
}

// congested reports whether a stream client has too much queued to take
// another packet. The packet is counted as dropped.
func (e *Engine) congested(al *Allocation) bool {
	if !al.Key.Proto.IsStream() || al.conn.QueuedBytes() <= e.cfg.StreamQueueLimit {
		return false
	}
	al.DroppedRx++
	e.metrics.RecordDrop(metrics.DirectionToClient, dropBackpressure)
	return true
}

// toClient frames payload for the client: ChannelData on a bound channel
// or for relaxed allocations, a Data indication otherwise.
func (e *Engine) toClient(al *Allocation, perm *Permission, ch *ChannelBinding, peer netip.AddrPort, payload []byte) {
	var (
		msg []byte
		err error
	)
	stream := al.Key.Proto.IsStream()
	switch {
	case ch != nil:
		msg, err = protocol.EncodeChannelData(ch.Number, payload, stream)
	case al.Relaxed:
		msg, err = protocol.EncodeChannelData(protocol.FederatedChannel, payload, stream)
	default:
		msg, err = codec.DataIndication(peer, payload)
	}
	if err == nil {
		err = al.conn.Send(msg)
	}
	if err != nil {
		e.stats.ErrorsRx++
		al.DroppedRx++
		e.metrics.RecordDrop(metrics.DirectionToClient, dropWriteError)
		e.dropLog.Do(func() {
			e.logger.Debug("failed to relay to client", logging.KeyAllocationID, al.ID, logging.KeyError, err)
		})
		return
	}

	n := uint64(len(payload))
	al.BytesRx += n
	e.stats.BytesRx += n
	if perm != nil {
		perm.BytesRx += n
	}
	e.metrics.RecordRelayed(metrics.DirectionToClient, len(payload))
}

// fromClientSend handles a Send indication.
func (e *Engine) fromClientSend(conn transport.Conn, req *codec.Request) {
	al := e.table.Lookup(KeyOf(conn))
	if al == nil {
		e.metrics.RecordDrop(metrics.DirectionToPeer, dropNoAllocation)
		return
	}
	if !req.HasData || len(req.Peers) == 0 {
		al.DroppedTx++
		e.metrics.RecordDrop(metrics.DirectionToPeer, dropBadRequest)
		return
	}
	peer := req.Peers[0]

	// Federation clients address a remote allocation by its connection ID.
	if al.Relaxed && req.HasChannel && e.fed != nil {
		if err := e.fed.SendFrame(peer, req.Channel, req.Data); err != nil {
			e.stats.ErrorsTx++
			al.DroppedTx++
			e.metrics.RecordDrop(metrics.DirectionToPeer, dropWriteError)
			e.dropLog.Do(func() {
				e.logger.Debug("federation send failed",
					logging.KeyAllocationID, al.ID,
					logging.KeyPeer, peer,
					logging.KeyConnID, req.Channel,
					logging.KeyError, err)
			})
			return
		}
		e.countTx(al, nil, len(req.Data))
		return
	}

	e.toPeer(al, peer, req.Data)
}

// fromClientChannelData handles a ChannelData message from a client.
func (e *Engine) fromClientChannelData(conn transport.Conn, data []byte) {
	al := e.table.Lookup(KeyOf(conn))
	if al == nil {
		e.metrics.RecordDrop(metrics.DirectionToPeer, dropNoAllocation)
		return
	}

	number, payload, err := protocol.DecodeChannelData(data)
	if err != nil {
		al.DroppedTx++
		e.metrics.RecordDrop(metrics.DirectionToPeer, dropBadRequest)
		return
	}

	ch := al.chans.ByNumber(number, e.clock.Now())
	if ch == nil {
		al.DroppedTx++
		e.metrics.RecordDrop(metrics.DirectionToPeer, dropNoChannel)
		return
	}

	e.toPeer(al, ch.Peer, payload)
}

// toPeer writes payload to peer through al's relay socket. Unless al is
// relaxed the peer needs a permission, which the send refreshes.
func (e *Engine) toPeer(al *Allocation, peer netip.AddrPort, payload []byte) {
	if codec.FamilyOf(peer.Addr()) != codec.FamilyOf(al.RelayAddr.Addr()) {
		al.DroppedTx++
		e.metrics.RecordDrop(metrics.DirectionToPeer, dropFamily)
		return
	}

	now := e.clock.Now()
	var perm *Permission
	if !al.Relaxed {
		if perm = al.perms.Lookup(peer.Addr(), now); perm == nil {
			al.DroppedTx++
			e.metrics.RecordDrop(metrics.DirectionToPeer, dropNoPermission)
			return
		}
	}

	if err := al.relay.WriteTo(payload, peer); err != nil {
		e.stats.ErrorsTx++
		al.DroppedTx++
		e.metrics.RecordDrop(metrics.DirectionToPeer, dropWriteError)
		e.dropLog.Do(func() {
			e.logger.Debug("relay write failed", logging.KeyAllocationID, al.ID, logging.KeyPeer, peer, logging.KeyError, err)
		})
		return
	}

	if perm != nil {
		al.perms.Refresh(perm, now)
	}
	e.countTx(al, perm, len(payload))
}

func (e *Engine) countTx(al *Allocation, perm *Permission, size int) {
	n := uint64(size)
	al.BytesTx += n
	e.stats.BytesTx += n
	if perm != nil {
		perm.BytesTx += n
	}
	e.metrics.RecordRelayed(metrics.DirectionToPeer, size)
}

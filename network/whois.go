package network

import (
	"github.com/Arceliar/phony"
	"github.com/ef-ds/deque"
	"github.com/rs/zerolog"

	"github.com/zerotier/ZeroTierOne-sub058/types"
)

// whoisQueue holds packets from senders whose identity is not known yet and asks the best
// root to resolve them. A query is retried every WHOIS service interval and given up after
// whoisRetryMax attempts, discarding its packets. At most whoisMaxPending addresses are
// queried at once.
type whoisQueue struct {
	phony.Inbox
	node  *Node
	log   zerolog.Logger
	items map[types.Address]*whoisItem
}

type whoisItem struct {
	pending deque.Deque // *queuedPacket, oldest first
	retries int
	gate    intervalGate
}

// queuedPacket is a complete, still armored packet waiting for its sender's identity.
type queuedPacket struct {
	path *Path
	pkt  []byte // from the pool, owned by the queue
}

func (w *whoisQueue) init(n *Node) {
	w.node = n
	w.log = n.log.With().Str("component", "whois").Logger()
	w.items = make(map[types.Address]*whoisItem)
}

// query registers interest in addr, holding qp (if not nil) until addr is resolved.
func (w *whoisQueue) query(addr types.Address, qp *queuedPacket) {
	w.Act(nil, func() {
		w._query(addr, qp)
	})
}

func (w *whoisQueue) _query(addr types.Address, qp *queuedPacket) {
	cfg := &w.node.config
	now := w.node.env.TimeTicks()
	item := w.items[addr]
	if item == nil {
		if len(w.items) >= cfg.whoisMaxPending {
			if qp != nil {
				freeBytes(qp.pkt)
				cfg.metrics.DatagramDropped(dropWhoisQueue)
			}
			w.log.Debug().Stringer("address", addr).Msg("too many pending WHOIS queries")
			return
		}
		item = &whoisItem{gate: newIntervalGate(cfg.whoisServiceInterval.Milliseconds())}
		w.items[addr] = item
	}
	if qp != nil {
		if item.pending.Len() >= cfg.whoisMaxWaitingPackets {
			if v, ok := item.pending.PopFront(); ok {
				freeBytes(v.(*queuedPacket).pkt)
				cfg.metrics.DatagramDropped(dropWhoisQueue)
			}
		}
		item.pending.PushBack(qp)
	}
	if item.retries < cfg.whoisRetryMax && item.gate.gate(now) {
		item.retries++
		w._sendRequests([]types.Address{addr})
	}
}

// service retries queries whose interval has passed and drops those out of retries.
func (w *whoisQueue) service(now int64) {
	w.Act(nil, func() {
		w._service(now)
	})
}

func (w *whoisQueue) _service(now int64) {
	cfg := &w.node.config
	var retry []types.Address
	for addr, item := range w.items {
		if !item.gate.gate(now) {
			continue
		}
		if item.retries >= cfg.whoisRetryMax {
			w._expire(addr, item)
			continue
		}
		item.retries++
		retry = append(retry, addr)
	}
	if len(retry) > 0 {
		w._sendRequests(retry)
	}
}

func (w *whoisQueue) _expire(addr types.Address, item *whoisItem) {
	delete(w.items, addr)
	for item.pending.Len() > 0 {
		v, _ := item.pending.PopFront()
		freeBytes(v.(*queuedPacket).pkt)
	}
	w.node.config.metrics.WhoisExpired()
	w.log.Debug().Stringer("address", addr).Msg("WHOIS expired")
}

func (w *whoisQueue) _sendRequests(addrs []types.Address) {
	root := w.node.whoisTarget()
	if root == nil {
		w.log.Debug().Int("addresses", len(addrs)).Msg("no root to send WHOIS to")
		return
	}
	perPacket := (w.node.config.pathMTU - packetMinSize) / types.AddressSize
	for len(addrs) > 0 {
		batch := addrs
		if len(batch) > perPacket {
			batch = batch[:perPacket]
		}
		addrs = addrs[len(batch):]
		payload := make([]byte, 0, len(batch)*types.AddressSize)
		for _, addr := range batch {
			b := addr.Bytes()
			payload = append(payload, b[:]...)
		}
		if root.Send(VerbWHOIS, payload) {
			w.node.config.metrics.WhoisSent()
		}
	}
}

// handleResponse accepts identities from a root and delivers every packet waiting on them.
func (w *whoisQueue) handleResponse(from *Peer, ids []*types.Identity) {
	w.Act(nil, func() {
		w._handleResponse(from, ids)
	})
}

func (w *whoisQueue) _handleResponse(from *Peer, ids []*types.Identity) {
	n := w.node
	if !n.roots.isRoot(from) {
		w.log.Debug().Stringer("from", from.Address()).Msg("ignoring WHOIS reply from non-root")
		return
	}
	now := n.env.TimeTicks()
	for _, id := range ids {
		item := w.items[id.Address()]
		if item == nil {
			continue
		}
		p, err := n.peerFor(id, now)
		if err != nil {
			w.log.Warn().Err(err).Stringer("address", id.Address()).Msg("rejected WHOIS identity")
			continue
		}
		delete(w.items, id.Address())
		n.config.metrics.WhoisResolved()
		for item.pending.Len() > 0 {
			v, _ := item.pending.PopFront()
			qp := v.(*queuedPacket)
			p.receive(qp.path, qp.pkt, now)
			freeBytes(qp.pkt)
		}
	}
}

func (w *whoisQueue) pending() map[types.Address]int {
	out := make(map[types.Address]int)
	phony.Block(w, func() {
		for addr, item := range w.items {
			out[addr] = item.pending.Len()
		}
	})
	return out
}

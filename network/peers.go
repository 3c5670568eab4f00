package network

import (
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/zerotier/ZeroTierOne-sub058/types"
)

const (
	protocolVersion = 1
	peerMaxPaths    = 16
)

type peers struct {
	mutex sync.RWMutex
	peers map[types.Address]*Peer
}

func (ps *peers) init() {
	ps.peers = make(map[types.Address]*Peer)
}

func (ps *peers) peer(addr types.Address) *Peer {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	return ps.peers[addr]
}

// addPeer inserts p unless a peer with the same address already exists, and returns
// whichever peer ends up in the table.
func (ps *peers) addPeer(p *Peer) *Peer {
	addr := p.Address()
	ps.mutex.RLock()
	existing := ps.peers[addr]
	ps.mutex.RUnlock()
	if existing != nil {
		return existing
	}
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	if existing = ps.peers[addr]; existing != nil {
		return existing
	}
	ps.peers[addr] = p
	return p
}

func (ps *peers) removePeer(p *Peer) bool {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	if ps.peers[p.Address()] != p {
		return false
	}
	delete(ps.peers, p.Address())
	return true
}

func (ps *peers) all() []*Peer {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	out := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p)
	}
	return out
}

func (ps *peers) count() int {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	return len(ps.peers)
}

// Peer is an authenticated relationship with one remote node.
type Peer struct {
	node           *Node
	identity       *types.Identity
	key            sharedKey
	created        int64
	lastReceive    atomic.Int64
	lastSend       atomic.Int64
	lastHelloSent  atomic.Int64
	lastHelloReply atomic.Int64
	log            zerolog.Logger
	mutex          sync.RWMutex
	paths          []*Path // most recently active first
	reported       types.Endpoint
}

// newPeer derives the session key for id. The peer is not added to the peer table.
func newPeer(n *Node, id *types.Identity, now int64) (*Peer, error) {
	if err := id.Validate(); err != nil {
		return nil, ErrBadIdentity
	}
	key, err := n.identity.Agree(id)
	if err != nil {
		return nil, ErrBadIdentity
	}
	p := &Peer{
		node:     n,
		identity: id.PublicOnly(),
		key:      key,
		created:  now,
		log:      n.log.With().Str("component", "peers").Stringer("peer", id.Address()).Logger(),
	}
	return p, nil
}

func (p *Peer) Identity() *types.Identity { return p.identity }

func (p *Peer) Address() types.Address { return p.identity.Address() }

func (p *Peer) LastReceiveTicks() int64 { return p.lastReceive.Load() }

// LastHelloReplyTicks is the tick of the latest OK(HELLO) from this peer, or 0 if none.
func (p *Peer) LastHelloReplyTicks() int64 { return p.lastHelloReply.Load() }

// ReportedEndpoint is this node's own endpoint as most recently seen by the peer.
func (p *Peer) ReportedEndpoint() types.Endpoint {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.reported
}

func (p *Peer) Paths() []*Path {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return append([]*Path(nil), p.paths...)
}

func (p *Peer) bestPath() *Path {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	var best *Path
	for _, path := range p.paths {
		if best == nil || path.LastReceiveTicks() > best.LastReceiveTicks() {
			best = path
		}
	}
	return best
}

func (p *Peer) learnPath(path *Path) {
	if !p.node.env.CheckPath(p.identity, path.endpoint, path.socket, path.iface) {
		return
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for idx, known := range p.paths {
		if known == path {
			copy(p.paths[1:idx+1], p.paths[:idx])
			p.paths[0] = path
			return
		}
	}
	if len(p.paths) >= peerMaxPaths {
		p.paths = p.paths[:peerMaxPaths-1]
	}
	p.paths = append([]*Path{path}, p.paths...)
}

func (p *Peer) forgetPaths(removed map[*Path]struct{}) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	live := p.paths[:0]
	for _, path := range p.paths {
		if _, isIn := removed[path]; !isIn {
			live = append(live, path)
		}
	}
	for idx := len(live); idx < len(p.paths); idx++ {
		p.paths[idx] = nil
	}
	p.paths = live
}

// receive authenticates and handles one complete packet. The packet is decrypted in place.
func (p *Peer) receive(path *Path, pkt []byte, now int64) {
	if !p.key.dearmor(pkt) {
		p.node.config.metrics.DatagramDropped(dropAuth)
		p.log.Trace().Stringer("endpoint", path.endpoint).Msg("packet failed authentication")
		return
	}
	p.handle(path, pkt, now)
}

// handle processes a packet that has already been authenticated and decrypted.
func (p *Peer) handle(path *Path, pkt []byte, now int64) {
	h := wireHeader(pkt)
	verb := pkt[packetIdxVerb]
	if h.cipher() == cipherNone && verb&verbMask != VerbHELLO {
		p.log.Trace().Uint8("verb", verb).Msg("unencrypted packet other than HELLO")
		return
	}
	if verb&verbFlagCompressed != 0 {
		p.log.Trace().Msg("compressed payloads are not supported")
		return
	}
	p.lastReceive.Store(now)
	p.learnPath(path)

	id := h.packetID()
	payload := pkt[packetMinSize:]
	extendedAuth := verb&verbFlagExtendedAuth != 0
	switch verb & verbMask {
	case VerbNOP:
	case VerbHELLO:
		p.handleHello(path, id, payload, now)
	case VerbOK:
		p.handleOK(path, payload, now)
	case VerbERROR:
		var inReVerb, code byte
		var inReID uint64
		if !wireChopByte(&inReVerb, &payload) || !wireChopUint64(&inReID, &payload) || !wireChopByte(&code, &payload) {
			return
		}
		p.node.inner.HandleError(p, path, inReVerb, inReID, code, payload)
	case VerbWHOIS:
		p.node.answerWhois(p, path, id, payload, now)
	default:
		p.node.inner.HandlePacket(p, path, false, extendedAuth, verb&verbMask, payload)
	}
}

// HELLO payload: version, timestamp, sender identity, the endpoint the sender sent to.
func helloPayload(id *types.Identity, ep types.Endpoint, now int64) []byte {
	out := []byte{protocolVersion}
	out = wireAppendUint64(out, uint64(now))
	out = id.AppendBinary(out, false)
	return ep.AppendBinary(out)
}

func parseHello(payload []byte) (version byte, timestamp uint64, id *types.Identity, ep types.Endpoint, ok bool) {
	if !wireChopByte(&version, &payload) || !wireChopUint64(&timestamp, &payload) {
		return
	}
	var l int
	var err error
	if id, l, err = types.IdentityFromBinary(payload); err != nil {
		return
	}
	payload = payload[l:]
	if len(payload) > 0 {
		if err = ep.UnmarshalBinary(payload); err != nil {
			return
		}
	}
	ok = true
	return
}

func (p *Peer) handleHello(path *Path, id uint64, payload []byte, now int64) {
	version, timestamp, ident, _, ok := parseHello(payload)
	if !ok || !ident.Equal(p.identity) {
		p.log.Debug().Msg("malformed HELLO or identity mismatch")
		return
	}
	reply := []byte{VerbHELLO}
	reply = wireAppendUint64(reply, id)
	reply = wireAppendUint64(reply, timestamp)
	reply = append(reply, protocolVersion)
	reply = path.endpoint.AppendBinary(reply)
	p.log.Trace().Uint8("version", version).Stringer("endpoint", path.endpoint).Msg("HELLO")
	p.sendOn(path, cipherChaCha20Blake2b, VerbOK, reply, now)
}

func (p *Peer) handleOK(path *Path, payload []byte, now int64) {
	var inReVerb byte
	var inReID uint64
	if !wireChopByte(&inReVerb, &payload) || !wireChopUint64(&inReID, &payload) {
		return
	}
	switch inReVerb {
	case VerbHELLO:
		var timestamp uint64
		var version byte
		if !wireChopUint64(&timestamp, &payload) || !wireChopByte(&version, &payload) {
			return
		}
		var reported types.Endpoint
		if len(payload) > 0 && reported.UnmarshalBinary(payload) != nil {
			return
		}
		p.lastHelloReply.Store(now)
		if p.node.roots.isRoot(p) {
			p.node.roots.updateBestRoot()
		}
		p.mutex.Lock()
		p.reported = reported
		p.mutex.Unlock()
		p.log.Trace().
			Int64("latency", now-int64(timestamp)).
			Stringer("reported", reported).
			Msg("OK(HELLO)")
	case VerbWHOIS:
		var ids []*types.Identity
		for len(payload) > 0 {
			id, l, err := types.IdentityFromBinary(payload)
			if err != nil {
				break
			}
			ids = append(ids, id)
			payload = payload[l:]
		}
		p.node.whois.handleResponse(p, ids)
	default:
		p.node.inner.HandleOK(p, path, inReVerb, inReID, payload)
	}
}

// Send sends a verb and payload to the peer over its best path.
func (p *Peer) Send(verb byte, payload []byte) bool {
	path := p.bestPath()
	if path == nil {
		return false
	}
	return p.sendOn(path, cipherChaCha20Blake2b, verb, payload, p.node.env.TimeTicks())
}

// sendOn builds, armors and sends a packet on path, fragmenting it if it exceeds the MTU.
func (p *Peer) sendOn(path *Path, cipher byte, verb byte, payload []byte, now int64) bool {
	ok := p.sendTo(path.endpoint, path.socket, path.iface, cipher, verb, payload)
	if ok {
		path.LogSendAnything(now)
		p.lastSend.Store(now)
	}
	return ok
}

func (p *Peer) sendTo(ep types.Endpoint, socket LocalSocket, iface LocalInterface, cipher byte, verb byte, payload []byte) bool {
	n := p.node
	mtu := n.config.pathMTU
	id := n.nextPacketID()
	pkt := wireAppendPacketHeader(allocBytes(0), id, p.Address(), n.Address(), cipher, verb)
	pkt = append(pkt, payload...)
	defer freeBytes(pkt)
	if len(pkt) <= mtu {
		p.key.armor(pkt)
		return n.env.WireSend(ep, socket, iface, [][]byte{pkt}, 0)
	}
	chunk := mtu - fragmentHeaderSize
	rest := len(pkt) - mtu
	total := 1 + (rest+chunk-1)/chunk
	if total > fragmentCountMax {
		p.log.Debug().Int("size", len(pkt)).Msg("packet too large to fragment")
		return false
	}
	pkt[packetIdxFlags] |= headerFlagFragmented
	p.key.armor(pkt)
	if !n.env.WireSend(ep, socket, iface, [][]byte{pkt[:mtu]}, 0) {
		return false
	}
	var hdr [fragmentHeaderSize]byte
	for no, data := 1, pkt[mtu:]; len(data) > 0; no++ {
		l := chunk
		if len(data) < l {
			l = len(data)
		}
		h := wireAppendFragmentHeader(hdr[:0], id, p.Address(), uint8(no), uint8(total))
		if !n.env.WireSend(ep, socket, iface, [][]byte{h, data[:l]}, 0) {
			return false
		}
		data = data[l:]
	}
	return true
}

// sendHello sends a HELLO directly to an endpoint, whether or not a path to it exists.
func (p *Peer) sendHello(ep types.Endpoint, socket LocalSocket, iface LocalInterface, now int64) bool {
	p.lastHelloSent.Store(now)
	return p.sendTo(ep, socket, iface, cipherNone, VerbHELLO, helloPayload(p.node.identity, ep, now))
}

// forward relays an already formed datagram to the peer without touching it.
func (p *Peer) forward(data []byte, now int64) bool {
	path := p.bestPath()
	if path == nil {
		return false
	}
	if !p.node.env.WireSend(path.endpoint, path.socket, path.iface, [][]byte{data}, 0) {
		return false
	}
	path.LogSendAnything(now)
	return true
}

// service forgets dead paths, sends a HELLO when one is due and returns false once the peer
// has been silent for longer than the peer expiration.
func (p *Peer) service(now int64) bool {
	p.mutex.Lock()
	live := p.paths[:0]
	for _, path := range p.paths {
		if now-path.LastReceiveTicks() < pathExpiration {
			live = append(live, path)
		}
	}
	for idx := len(live); idx < len(p.paths); idx++ {
		p.paths[idx] = nil
	}
	p.paths = live
	p.mutex.Unlock()

	cfg := &p.node.config
	if now-p.lastHelloSent.Load() >= cfg.peerHelloInterval.Milliseconds() {
		if path := p.bestPath(); path != nil {
			p.sendHello(path.endpoint, path.socket, path.iface, now)
		} else {
			for _, ep := range p.node.env.PathHints(p.identity) {
				p.sendHello(ep, 0, 0, now)
			}
		}
	}

	last := p.lastReceive.Load()
	if last < p.created {
		last = p.created
	}
	return now-last < cfg.peerExpiration.Milliseconds()
}

package network

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/zerotier/ZeroTierOne-sub058/types"
)

// Node is the local instance of the overlay. It is safe for concurrent use: HandleWireData
// may be called from many goroutines at once, alongside DoBackgroundTasks.
type Node struct {
	env          Environment
	inner        InnerProtocol
	config       config
	log          zerolog.Logger
	rootsLog     zerolog.Logger
	identity     *types.Identity
	peers        peers
	paths        pathTable
	roots        roots
	whois        whoisQueue
	whoisLimiter *rate.Limiter
	packetID     atomic.Uint64
	online       atomic.Bool
	gates        struct {
		mutex        sync.Mutex
		rootSync     intervalGate
		rootHello    intervalGate
		peerService  intervalGate
		pathService  intervalGate
		whoisService intervalGate
	}
	Debug Debug
}

// NewNode loads the node's identity from env, generating and saving a new one if none is
// stored or the stored one is unusable.
func NewNode(env Environment, inner InnerProtocol, opts ...Option) (*Node, error) {
	n := new(Node)
	n.env = env
	n.inner = inner
	for _, opt := range append([]Option{configDefaults()}, opts...) {
		opt(&n.config)
	}
	n.log = n.config.logger.With().Str("component", "node").Logger()
	n.rootsLog = n.config.logger.With().Str("component", "roots").Logger()

	if err := n.initIdentity(); err != nil {
		env.Event(Event{Kind: EventFatalError, Message: err.Error()})
		return nil, err
	}
	n.log = n.log.With().Stringer("address", n.Address()).Logger()

	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("could not seed packet ids: %w", err)
	}
	n.packetID.Store(binary.BigEndian.Uint64(seed[:]))

	n.peers.init()
	n.paths.init(n.config.fragmentMaxInbound)
	n.roots.init()
	n.whois.init(n)
	n.whoisLimiter = rate.NewLimiter(n.config.whoisResponseRate, n.config.whoisResponseBurst)
	n.gates.rootSync = newIntervalGate(n.config.rootSyncInterval.Milliseconds())
	n.gates.rootHello = newIntervalGate(n.config.rootHelloInterval.Milliseconds())
	n.gates.peerService = newIntervalGate(n.config.peerServiceInterval.Milliseconds())
	n.gates.pathService = newIntervalGate(n.config.pathServiceInterval.Milliseconds())
	n.gates.whoisService = newIntervalGate(n.config.whoisServiceInterval.Milliseconds())
	n.Debug.init(n)
	n.log.Info().Msg("node started")
	return n, nil
}

func (n *Node) initIdentity() error {
	if data := n.env.LoadNodeIdentity(); len(data) > 0 {
		id, err := types.ParseIdentity(string(data))
		switch {
		case err != nil:
			n.log.Warn().Err(err).Msg("stored identity could not be parsed")
		case !id.HasSecret():
			n.log.Warn().Msg("stored identity has no secret keys")
		case id.Validate() != nil:
			n.log.Warn().Msg("stored identity is invalid")
		default:
			n.identity = id
		}
	}
	if n.identity == nil {
		id, err := types.GenerateIdentity()
		if err != nil {
			return fmt.Errorf("%w: %v", IdentityGenerationError{}, err)
		}
		n.identity = id
		n.env.SaveNodeIdentity(id)
		n.env.Event(Event{Kind: EventIdentityAutoGenerated, Address: id.Address(), Identity: id.PublicOnly()})
	}
	if err := n.identity.Validate(); err != nil {
		return fmt.Errorf("%w: own identity failed validation: %v", ErrBadIdentity, err)
	}
	return nil
}

// Identity returns the public part of the node's identity.
func (n *Node) Identity() *types.Identity { return n.identity.PublicOnly() }

func (n *Node) Address() types.Address { return n.identity.Address() }

// Online is true while the best root has been heard from within the peer expiration.
func (n *Node) Online() bool { return n.online.Load() }

func (n *Node) Peer(addr types.Address) *Peer { return n.peers.peer(addr) }

func (n *Node) Peers() []*Peer { return n.peers.all() }

func (n *Node) nextPacketID() uint64 { return n.packetID.Inc() }

// HandleWireData processes one inbound datagram. data may be modified in place and is not
// retained after the call returns.
func (n *Node) HandleWireData(socket LocalSocket, iface LocalInterface, ep types.Endpoint, data []byte) {
	cfg := &n.config
	cfg.metrics.DatagramReceived()
	now := n.env.TimeTicks()

	h, ok := wireHeaderFrom(data)
	if !ok {
		if len(data) < fragmentHeaderSize {
			// keepalive
			if path := n.paths.existing(ep, socket); path != nil {
				path.LogReceiveAnything(now)
				return
			}
		}
		cfg.metrics.DatagramDropped(dropMalformed)
		n.log.Trace().Int("size", len(data)).Stringer("endpoint", ep).Msg("malformed datagram")
		return
	}
	dest, ok := h.dest()
	if !ok {
		cfg.metrics.DatagramDropped(dropMalformed)
		return
	}
	if dest != n.Address() {
		n.relay(h, dest, now)
		return
	}

	path := n.paths.canonical(ep, socket, iface, now)
	path.LogReceiveAnything(now)
	switch {
	case h.isFragment():
		frags := path.ReceiveFragment(h.packetID(), h.fragmentNo(), h.totalFragments(), data[fragmentHeaderSize:], now)
		if frags != nil {
			n.receiveAssembled(path, frags, now)
		}
	case h.isFragmented():
		frags := path.ReceiveFragment(h.packetID(), 0, 0, data, now)
		if frags != nil {
			n.receiveAssembled(path, frags, now)
		}
	default:
		n.receivePacket(path, data, false, now)
	}
}

// receiveAssembled joins a head and its fragment payloads into one pooled packet.
func (n *Node) receiveAssembled(path *Path, frags [][]byte, now int64) {
	n.config.metrics.FragmentedPacketCompleted()
	pkt := allocBytes(0)
	for _, f := range frags {
		pkt = append(pkt, f...)
	}
	freeFragments(frags)
	n.receivePacket(path, pkt, true, now)
}

// receivePacket routes a complete packet to its sender's Peer, or queues it on a WHOIS when
// the sender is unknown. A pooled pkt is owned by this call.
func (n *Node) receivePacket(path *Path, pkt []byte, pooled bool, now int64) {
	release := func() {
		if pooled {
			freeBytes(pkt)
		}
	}
	if len(pkt) < packetMinSize {
		n.config.metrics.DatagramDropped(dropMalformed)
		release()
		return
	}
	src, ok := wireHeader(pkt).source()
	if !ok {
		n.config.metrics.DatagramDropped(dropMalformed)
		release()
		return
	}
	if p := n.peers.peer(src); p != nil {
		p.receive(path, pkt, now)
		release()
		return
	}
	if n.admitHello(path, src, pkt, now) {
		release()
		return
	}
	if !pooled {
		pkt = append(allocBytes(0), pkt...)
	}
	n.whois.query(src, &queuedPacket{path: path, pkt: pkt})
}

// admitHello creates a peer for an unknown sender whose packet is a HELLO carrying an
// identity that matches its source address and authenticates the packet. It returns true if
// the packet was consumed, whether or not the sender was admitted.
func (n *Node) admitHello(path *Path, src types.Address, pkt []byte, now int64) bool {
	h := wireHeader(pkt)
	if h.cipher() != cipherNone || pkt[packetIdxVerb]&verbMask != VerbHELLO {
		return false
	}
	_, _, id, _, ok := parseHello(pkt[packetMinSize:])
	if !ok || id.Address() != src {
		n.config.metrics.DatagramDropped(dropMalformed)
		return true
	}
	if !n.IsRoot() && !n.inner.ShouldCommunicateWith(id) {
		n.config.metrics.DatagramDropped(dropUnsolicited)
		n.log.Debug().Stringer("from", src).Msg("HELLO from unknown node refused")
		return true
	}
	p, err := newPeer(n, id, now)
	if err != nil {
		n.config.metrics.DatagramDropped(dropAuth)
		n.log.Debug().Err(err).Stringer("from", src).Msg("HELLO with invalid identity")
		return true
	}
	if !p.key.dearmor(pkt) {
		n.config.metrics.DatagramDropped(dropAuth)
		return true
	}
	canonical := n.peers.addPeer(p)
	if !canonical.identity.Equal(id) {
		msg := fmt.Sprintf("HELLO from %s with an identity different from the known peer", src)
		n.log.Warn().Stringer("address", src).Msg(msg)
		n.env.Event(Event{Kind: EventSecurityWarning, Message: msg, Address: src, Identity: id})
		return true
	}
	n.config.metrics.Peers(n.peers.count())
	canonical.handle(path, pkt, now)
	return true
}

// peerFor returns the peer for id, creating it if the address is not known yet. It fails if
// the address is already held by a different identity.
func (n *Node) peerFor(id *types.Identity, now int64) (*Peer, error) {
	p := n.peers.peer(id.Address())
	if p == nil {
		created, err := newPeer(n, id, now)
		if err != nil {
			return nil, err
		}
		p = n.peers.addPeer(created)
	}
	if !p.identity.Equal(id) {
		return nil, fmt.Errorf("%w: address %s is held by another identity", ErrBadIdentity, id.Address())
	}
	return p, nil
}

// relay forwards a datagram addressed to another node, after bumping its hop count.
func (n *Node) relay(h wireHeader, dest types.Address, now int64) {
	if hops := h.incrementHops(); hops > n.config.forwardMaxHops {
		n.config.metrics.DatagramDropped(dropHops)
		return
	}
	p := n.peers.peer(dest)
	if p == nil {
		n.config.metrics.DatagramDropped(dropNoRoute)
		return
	}
	if p.forward(h, now) {
		n.config.metrics.DatagramForwarded()
	}
}

// answerWhois replies with every requested identity this node knows.
func (n *Node) answerWhois(from *Peer, path *Path, id uint64, payload []byte, now int64) {
	if !n.whoisLimiter.Allow() {
		n.log.Debug().Stringer("from", from.Address()).Msg("WHOIS rate limited")
		return
	}
	limit := n.config.pathMTU - packetMinSize
	reply := []byte{VerbWHOIS}
	reply = wireAppendUint64(reply, id)
	header := len(reply)
	for len(payload) >= types.AddressSize {
		addr, ok := types.AddressFromBytes(payload[:types.AddressSize])
		payload = payload[types.AddressSize:]
		if !ok {
			continue
		}
		var ident *types.Identity
		if addr == n.Address() {
			ident = n.identity
		} else if p := n.peers.peer(addr); p != nil {
			ident = p.identity
		}
		if ident == nil {
			continue
		}
		next := ident.AppendBinary(reply, false)
		if len(next) > limit {
			break
		}
		reply = next
	}
	if len(reply) == header {
		notFound := []byte{VerbWHOIS}
		notFound = wireAppendUint64(notFound, id)
		notFound = append(notFound, ErrorCodeObjectNotFound)
		from.sendOn(path, cipherChaCha20Blake2b, VerbERROR, notFound, now)
		return
	}
	from.sendOn(path, cipherChaCha20Blake2b, VerbOK, reply, now)
}

// DoBackgroundTasks runs whatever periodic maintenance is due and returns how long the
// caller should wait before calling it again.
func (n *Node) DoBackgroundTasks() time.Duration {
	now := n.env.TimeTicks()
	n.gates.mutex.Lock()
	rootSync := n.gates.rootSync.gate(now)
	rootHello := n.gates.rootHello.gate(now)
	peerService := n.gates.peerService.gate(now)
	pathService := n.gates.pathService.gate(now)
	whoisService := n.gates.whoisService.gate(now)
	n.gates.mutex.Unlock()

	if rootSync {
		n.reconcileRoots(now)
	}
	if rootHello {
		n.helloRoots(now)
	}
	if peerService {
		n.servicePeers(now)
	}
	if pathService {
		n.servicePaths(now)
	}
	if whoisService {
		n.whois.service(now)
	}
	n.updateOnline(now)
	return n.config.shortestInterval() / 2
}

// helloRoots sends a HELLO to every endpoint of every root, so each root can report the
// address it sees on each path.
func (n *Node) helloRoots(now int64) {
	eps := make(map[*Peer][]types.Endpoint)
	n.roots.mutex.RLock()
	for p, e := range n.roots.roots {
		eps[p] = append([]types.Endpoint(nil), e...)
	}
	n.roots.mutex.RUnlock()
	for p, e := range eps {
		for _, ep := range e {
			p.sendHello(ep, 0, 0, now)
		}
	}
}

func (n *Node) servicePeers(now int64) {
	for _, p := range n.peers.all() {
		if p.service(now) || n.roots.isRoot(p) {
			continue
		}
		if n.peers.removePeer(p) {
			n.log.Debug().Stringer("peer", p.Address()).Msg("peer expired")
		}
	}
	n.config.metrics.Peers(n.peers.count())
}

// servicePaths sends due keepalives and removes dead paths and paths on invalid sockets,
// both from the table and from every peer.
func (n *Node) servicePaths(now int64) {
	removed := make(map[*Path]struct{})
	for _, path := range n.paths.all() {
		if !n.env.LocalSocketIsValid(path.socket) {
			n.paths.remove(path)
			removed[path] = struct{}{}
			continue
		}
		switch path.Service(now) {
		case PathDead:
			n.paths.remove(path)
			removed[path] = struct{}{}
		case PathNeedsKeepalive:
			n.env.WireSend(path.endpoint, path.socket, path.iface, [][]byte{{0}}, 0)
		}
	}
	if len(removed) > 0 {
		for _, p := range n.peers.all() {
			p.forgetPaths(removed)
		}
	}
	n.config.metrics.Paths(n.paths.count())
}

func (n *Node) updateOnline(now int64) {
	online := false
	if best := n.BestRoot(); best != nil {
		online = now-best.LastReceiveTicks() < n.config.peerExpiration.Milliseconds()
	}
	if n.online.Swap(online) == online {
		return
	}
	kind := EventOffline
	if online {
		kind = EventOnline
	}
	n.log.Info().Bool("online", online).Msg("connectivity changed")
	n.env.Event(Event{Kind: kind})
}

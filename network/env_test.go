package network

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/Arceliar/phony"
	"github.com/stretchr/testify/require"

	"github.com/zerotier/ZeroTierOne-sub058/types"
)

type testSend struct {
	ep     types.Endpoint
	socket LocalSocket
	data   []byte
}

type testEnv struct {
	mutex         sync.Mutex
	ticks         int64
	stored        []byte
	saved         *types.Identity
	events        []Event
	sent          []testSend
	deadSockets   map[LocalSocket]bool
	forbiddenPath map[types.Endpoint]bool
	hints         []types.Endpoint
	self          types.Endpoint
	net           *testNetwork
}

func newTestEnv() *testEnv {
	return &testEnv{
		ticks:         1000,
		deadSockets:   make(map[LocalSocket]bool),
		forbiddenPath: make(map[types.Endpoint]bool),
	}
}

func (e *testEnv) Event(ev Event) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.events = append(e.events, ev)
}

func (e *testEnv) LoadNodeIdentity() []byte {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.stored
}

func (e *testEnv) SaveNodeIdentity(id *types.Identity) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.saved = id
	e.stored = []byte(id.SecretString())
}

func (e *testEnv) LocalSocketIsValid(socket LocalSocket) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return !e.deadSockets[socket]
}

func (e *testEnv) WireSend(ep types.Endpoint, socket LocalSocket, iface LocalInterface, data [][]byte, ttl uint8) bool {
	var buf []byte
	for _, d := range data {
		buf = append(buf, d...)
	}
	e.mutex.Lock()
	e.sent = append(e.sent, testSend{ep: ep, socket: socket, data: buf})
	e.mutex.Unlock()
	if e.net != nil {
		e.net.enqueue(e.self, ep, buf)
	}
	return true
}

func (e *testEnv) CheckPath(id *types.Identity, ep types.Endpoint, socket LocalSocket, iface LocalInterface) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return !e.forbiddenPath[ep]
}

func (e *testEnv) PathHints(id *types.Identity) []types.Endpoint {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.hints
}

func (e *testEnv) TimeTicks() int64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.ticks
}

func (e *testEnv) TimeClock() int64 {
	return e.TimeTicks() + 1700000000000
}

func (e *testEnv) advance(ms int64) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.ticks += ms
}

func (e *testEnv) takeSent() []testSend {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	sent := e.sent
	e.sent = nil
	return sent
}

func (e *testEnv) eventsOf(kind EventKind) []Event {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type testPacket struct {
	verb    byte
	payload []byte
	from    types.Address
}

type testInner struct {
	mutex   sync.Mutex
	trusted bool
	packets []testPacket
}

func (i *testInner) HandlePacket(peer *Peer, path *Path, forwardSecrecy, extendedAuth bool, verb byte, payload []byte) bool {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	i.packets = append(i.packets, testPacket{verb: verb, payload: append([]byte(nil), payload...), from: peer.Address()})
	return true
}

func (i *testInner) HandleOK(peer *Peer, path *Path, inReVerb byte, inReID uint64, payload []byte) bool {
	return true
}

func (i *testInner) HandleError(peer *Peer, path *Path, inReVerb byte, inReID uint64, code byte, payload []byte) bool {
	return true
}

func (i *testInner) ShouldCommunicateWith(id *types.Identity) bool {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.trusted
}

func (i *testInner) received() []testPacket {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return append([]testPacket(nil), i.packets...)
}

// testNetwork delivers datagrams between nodes by endpoint. Delivery only happens in flush,
// so no node is re-entered from inside a send.
type testNetwork struct {
	mutex   sync.Mutex
	nodes   map[types.Endpoint]*testMember
	pending []testDatagram
}

type testMember struct {
	node  *Node
	env   *testEnv
	inner *testInner
}

type testDatagram struct {
	from, to types.Endpoint
	data     []byte
}

func newTestNetwork() *testNetwork {
	return &testNetwork{nodes: make(map[types.Endpoint]*testMember)}
}

func (tn *testNetwork) enqueue(from, to types.Endpoint, data []byte) {
	tn.mutex.Lock()
	defer tn.mutex.Unlock()
	tn.pending = append(tn.pending, testDatagram{from: from, to: to, data: data})
}

func (tn *testNetwork) add(t *testing.T, ep string, opts ...Option) *testMember {
	m := &testMember{env: newTestEnv(), inner: new(testInner)}
	m.env.self = testEndpoint(t, ep)
	m.env.net = tn
	var err error
	m.node, err = NewNode(m.env, m.inner, opts...)
	require.NoError(t, err)
	tn.mutex.Lock()
	tn.nodes[m.env.self] = m
	tn.mutex.Unlock()
	return m
}

// advance moves every member's clock forward.
func (tn *testNetwork) advance(ms int64) {
	for _, m := range tn.members() {
		m.env.advance(ms)
	}
}

func (tn *testNetwork) members() []*testMember {
	tn.mutex.Lock()
	defer tn.mutex.Unlock()
	out := make([]*testMember, 0, len(tn.nodes))
	for _, m := range tn.nodes {
		out = append(out, m)
	}
	return out
}

// flush delivers datagrams until the network is quiet, including anything sent by WHOIS actors.
func (tn *testNetwork) flush() {
	for rounds := 0; rounds < 100; rounds++ {
		for _, m := range tn.members() {
			phony.Block(&m.node.whois, func() {})
		}
		tn.mutex.Lock()
		pending := tn.pending
		tn.pending = nil
		tn.mutex.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, d := range pending {
			tn.mutex.Lock()
			m := tn.nodes[d.to]
			tn.mutex.Unlock()
			if m != nil {
				m.node.HandleWireData(1, 1, d.from, d.data)
			}
		}
	}
	panic("network did not quiesce")
}

func testEndpoint(t testing.TB, s string) types.Endpoint {
	return types.EndpointFromUDP(netip.MustParseAddrPort(s))
}

func testIdentity(t testing.TB) *types.Identity {
	id, err := types.GenerateIdentity()
	require.NoError(t, err)
	return id
}

func testNode(t testing.TB, opts ...Option) (*Node, *testEnv, *testInner) {
	env := newTestEnv()
	inner := new(testInner)
	n, err := NewNode(env, inner, opts...)
	require.NoError(t, err)
	return n, env, inner
}

// testRootSet builds a root set signed by every member.
func testRootSet(t testing.TB, name string, revision uint64, members map[*types.Identity][]types.Endpoint) *types.RootSet {
	rs := types.NewRootSet(name, "", revision)
	for id, eps := range members {
		rs.AddMember(id, eps, 0)
	}
	for id := range members {
		require.NoError(t, rs.Sign(id))
	}
	return rs
}

// testKnownPeer puts a peer for id in n's table, reachable over ep.
func testKnownPeer(t testing.TB, n *Node, id *types.Identity, ep types.Endpoint) *Peer {
	now := n.env.TimeTicks()
	p, err := n.peerFor(id, now)
	require.NoError(t, err)
	path := n.paths.canonical(ep, 1, 1, now)
	path.LogReceiveAnything(now)
	p.learnPath(path)
	return p
}

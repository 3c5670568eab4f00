package network

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"

	"github.com/zerotier/ZeroTierOne-sub058/types"
)

// Path timing, in milliseconds.
const (
	pathKeepaliveInterval = 20000
	pathExpiration        = pathKeepaliveInterval*2 + 10000
	fragmentExpiration    = 1500
)

// Ids of completed packets are remembered so late duplicate fragments do not restart an assembly.
const pathCompletedMemory = 128

type PathState int

const (
	PathOk PathState = iota
	PathDead
	PathNeedsKeepalive
)

func (s PathState) String() string {
	switch s {
	case PathOk:
		return "ok"
	case PathDead:
		return "dead"
	case PathNeedsKeepalive:
		return "needs_keepalive"
	}
	return "unknown"
}

// Path is a physical route, an endpoint reached through one local socket. Paths are shared
// between every peer and packet that uses the same route.
type Path struct {
	endpoint    types.Endpoint
	socket      LocalSocket
	iface       LocalInterface
	created     int64
	lastReceive atomic.Int64
	lastSend    atomic.Int64
	maxInbound  int
	mutex       sync.Mutex
	fragments   map[uint64]*fragmentAssembly
	completed   *lru.Cache[uint64, struct{}]
}

type fragmentAssembly struct {
	created int64
	total   uint8
	have    uint8 // bitmask of received fragment numbers
	count   uint8
	frags   [fragmentCountMax][]byte
}

func newPath(ep types.Endpoint, socket LocalSocket, iface LocalInterface, maxInbound int, now int64) *Path {
	completed, err := lru.New[uint64, struct{}](pathCompletedMemory)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	p := &Path{
		endpoint:   ep,
		socket:     socket,
		iface:      iface,
		created:    now,
		maxInbound: maxInbound,
		fragments:  make(map[uint64]*fragmentAssembly),
		completed:  completed,
	}
	p.lastReceive.Store(now)
	p.lastSend.Store(now)
	return p
}

func (p *Path) Endpoint() types.Endpoint { return p.endpoint }

func (p *Path) LocalSocket() LocalSocket { return p.socket }

func (p *Path) LocalInterface() LocalInterface { return p.iface }

func (p *Path) LastReceiveTicks() int64 { return p.lastReceive.Load() }

func (p *Path) LastSendTicks() int64 { return p.lastSend.Load() }

// LogReceiveAnything records that something arrived over this path.
func (p *Path) LogReceiveAnything(now int64) {
	p.lastReceive.Store(now)
}

func (p *Path) LogSendAnything(now int64) {
	p.lastSend.Store(now)
}

// ReceiveFragment adds one piece of a fragmented packet. The head (fragment 0) comes from a
// packet header and does not know the total, so it is passed with total 0. When the last
// missing fragment arrives the pieces are returned in order, exactly once; otherwise nil is
// returned. buf is copied, and the returned buffers come from the pool.
func (p *Path) ReceiveFragment(id uint64, no, total uint8, buf []byte, now int64) [][]byte {
	switch {
	case no >= fragmentCountMax || total > fragmentCountMax:
		return nil
	case no == 0 && total != 0:
		return nil
	case no != 0 && (total < 2 || no >= total):
		return nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.completed.Contains(id) {
		return nil
	}
	asm := p.fragments[id]
	if asm == nil {
		if len(p.fragments) >= p.maxInbound {
			p._dropOldestAssemblies()
		}
		asm = &fragmentAssembly{created: now}
		p.fragments[id] = asm
	}
	if total != 0 {
		if asm.total != 0 && asm.total != total {
			return nil
		}
		asm.total = total
	}
	bit := uint8(1) << no
	if asm.have&bit != 0 {
		return nil
	}
	asm.have |= bit
	asm.count++
	asm.frags[no] = append(allocBytes(0), buf...)

	if asm.total == 0 || asm.count != asm.total {
		return nil
	}
	delete(p.fragments, id)
	p.completed.Add(id, struct{}{})
	out := make([][]byte, asm.total)
	copy(out, asm.frags[:asm.total])
	return out
}

// _dropOldestAssemblies removes the oldest third of the in-flight assemblies.
func (p *Path) _dropOldestAssemblies() {
	type entry struct {
		id      uint64
		created int64
	}
	entries := make([]entry, 0, len(p.fragments))
	for id, asm := range p.fragments {
		entries = append(entries, entry{id, asm.created})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].created < entries[j].created
	})
	drop := len(entries) / 3
	if drop == 0 {
		drop = 1
	}
	for _, e := range entries[:drop] {
		freeFragments(p.fragments[e.id].frags[:])
		delete(p.fragments, e.id)
	}
}

// Service expires stale fragment assemblies and reports whether the path is still alive.
// A keepalive is considered sent when PathNeedsKeepalive is returned.
func (p *Path) Service(now int64) PathState {
	p.mutex.Lock()
	for id, asm := range p.fragments {
		if now-asm.created > fragmentExpiration {
			freeFragments(asm.frags[:])
			delete(p.fragments, id)
		}
	}
	p.mutex.Unlock()

	if now-p.lastReceive.Load() >= pathExpiration {
		return PathDead
	}
	if now-p.lastSend.Load() >= pathKeepaliveInterval {
		p.lastSend.Store(now)
		return PathNeedsKeepalive
	}
	return PathOk
}

func (p *Path) inFlightAssemblies() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.fragments)
}

// pathKey identifies a path. Endpoint is a comparable value, so lookups never allocate.
type pathKey struct {
	endpoint types.Endpoint
	socket   LocalSocket
}

type pathTable struct {
	mutex      sync.RWMutex
	paths      map[pathKey]*Path
	maxInbound int
}

func (pt *pathTable) init(maxInbound int) {
	pt.paths = make(map[pathKey]*Path)
	pt.maxInbound = maxInbound
}

// canonical returns the one Path for (ep, socket), creating it on first use.
func (pt *pathTable) canonical(ep types.Endpoint, socket LocalSocket, iface LocalInterface, now int64) *Path {
	key := pathKey{endpoint: ep, socket: socket}
	pt.mutex.RLock()
	p := pt.paths[key]
	pt.mutex.RUnlock()
	if p != nil {
		return p
	}
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	if p = pt.paths[key]; p == nil {
		p = newPath(ep, socket, iface, pt.maxInbound, now)
		pt.paths[key] = p
	}
	return p
}

// existing returns the Path for (ep, socket) without creating one.
func (pt *pathTable) existing(ep types.Endpoint, socket LocalSocket) *Path {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()
	return pt.paths[pathKey{endpoint: ep, socket: socket}]
}

func (pt *pathTable) all() []*Path {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()
	out := make([]*Path, 0, len(pt.paths))
	for _, p := range pt.paths {
		out = append(out, p)
	}
	return out
}

// remove deletes the table entry if it still refers to p. Handles held elsewhere stay usable.
func (pt *pathTable) remove(p *Path) {
	key := pathKey{endpoint: p.endpoint, socket: p.socket}
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	if pt.paths[key] == p {
		delete(pt.paths, key)
	}
}

func (pt *pathTable) count() int {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()
	return len(pt.paths)
}

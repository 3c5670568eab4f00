package network

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zerotier/ZeroTierOne-sub058/types"
)

type roots struct {
	mutex        sync.RWMutex
	sets         map[string]*types.RootSet
	roots        map[*Peer][]types.Endpoint // replaced wholesale, never modified
	thisRootSets map[string]struct{}        // sets listing this node as a member
	best         *Peer
	modified     bool
	generation   uint64 // bumped whenever root membership changes
}

func (rs *roots) init() {
	rs.sets = make(map[string]*types.RootSet)
	rs.roots = make(map[*Peer][]types.Endpoint)
	rs.thisRootSets = make(map[string]struct{})
}

func (rs *roots) isRoot(p *Peer) bool {
	rs.mutex.RLock()
	defer rs.mutex.RUnlock()
	_, isIn := rs.roots[p]
	return isIn
}

// _updateBestRoot picks the root with the most recent HELLO reply. A root that never replied
// is never chosen, and the previous choice stands until some root has replied.
func (rs *roots) _updateBestRoot() {
	var best *Peer
	var bestTicks int64
	for p := range rs.roots {
		if t := p.LastHelloReplyTicks(); t > bestTicks {
			best, bestTicks = p, t
		}
	}
	if best != nil {
		rs.best = best
	} else if _, isIn := rs.roots[rs.best]; !isIn {
		rs.best = nil
	}
}

func (rs *roots) updateBestRoot() {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs._updateBestRoot()
}

// AddUpdateRootSet verifies set and stores it, unless a set of the same name is already
// known and set does not qualify to replace it. It returns true if set was stored. Stored
// sets take effect at the next root sync.
func (n *Node) AddUpdateRootSet(set *types.RootSet) (bool, error) {
	if err := set.Verify(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadRootSet, err)
	}
	rs := &n.roots
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	if previous, isIn := rs.sets[set.Name]; isIn && !set.ShouldReplace(previous) {
		return false, nil
	}
	rs.sets[set.Name] = set.Clone()
	rs.modified = true
	return true, nil
}

type rootCandidate struct {
	peer      *Peer
	endpoints []types.Endpoint
}

// reconcileRoots rebuilds the root membership from every root set if any set changed since
// the last pass. Addresses claimed by more than one identity, among root members, known
// peers and this node, are excluded.
func (n *Node) reconcileRoots(now int64) {
	rs := &n.roots
	rs.mutex.Lock()
	if !rs.modified {
		rs.mutex.Unlock()
		return
	}
	rs.modified = false
	sets := make([]*types.RootSet, 0, len(rs.sets))
	for _, set := range rs.sets {
		sets = append(sets, set)
	}
	oldRoots := make([]*types.Identity, 0, len(rs.roots))
	for p := range rs.roots {
		oldRoots = append(oldRoots, p.identity)
	}
	rs.mutex.Unlock()
	sort.Slice(sets, func(i, j int) bool { return sets[i].Name < sets[j].Name })

	var events []Event
	warn := func(addr types.Address, id *types.Identity, msg string) {
		n.rootsLog.Warn().Stringer("address", addr).Msg(msg)
		events = append(events, Event{Kind: EventSecurityWarning, Message: msg, Address: addr, Identity: id})
	}

	byAddress := map[types.Address]*types.Identity{n.Address(): n.identity}
	blacklist := make(map[types.Address]struct{})
	claim := func(id *types.Identity) {
		addr := id.Address()
		if known, isIn := byAddress[addr]; isIn {
			if !known.Equal(id) {
				blacklist[addr] = struct{}{}
			}
			return
		}
		byAddress[addr] = id
	}
	for _, set := range sets {
		for _, m := range set.Members {
			claim(m.Identity)
		}
	}
	for _, p := range n.peers.all() {
		claim(p.identity)
	}
	for addr := range blacklist {
		warn(addr, nil, fmt.Sprintf("address collision for %s, excluded from roots", addr))
	}

	thisRootSets := make(map[string]struct{})
	candidates := make(map[types.Address]*rootCandidate)
	for _, set := range sets {
		for _, m := range set.Members {
			addr := m.Identity.Address()
			if _, isIn := blacklist[addr]; isIn {
				continue
			}
			if m.Identity.Equal(n.identity) {
				thisRootSets[set.Name] = struct{}{}
				continue
			}
			if len(m.Endpoints) == 0 {
				continue
			}
			c := candidates[addr]
			if c == nil {
				p := n.peers.peer(addr)
				if p == nil {
					var err error
					if p, err = newPeer(n, m.Identity, now); err != nil {
						warn(addr, m.Identity, fmt.Sprintf("invalid identity for root %s in set %q", addr, set.Name))
						continue
					}
				}
				c = &rootCandidate{peer: p}
				candidates[addr] = c
			}
			for _, ep := range m.Endpoints {
				if !containsEndpoint(c.endpoints, ep) {
					c.endpoints = append(c.endpoints, ep)
				}
			}
		}
	}

	newRoots := make([]*types.Identity, 0, len(candidates))
	for _, c := range candidates {
		newRoots = append(newRoots, c.peer.identity)
	}
	sortIdentities(oldRoots)
	sortIdentities(newRoots)
	changed := !equalIdentities(oldRoots, newRoots)

	if changed {
		for addr, c := range candidates {
			p := n.peers.addPeer(c.peer)
			if !p.identity.Equal(c.peer.identity) {
				// another identity claimed the address since the collision check
				warn(addr, c.peer.identity, fmt.Sprintf("address collision for %s, excluded from roots", addr))
				delete(candidates, addr)
				continue
			}
			c.peer = p
		}
		newRoots = newRoots[:0]
		for _, c := range candidates {
			newRoots = append(newRoots, c.peer.identity)
		}
		sortIdentities(newRoots)
	}

	rootMap := make(map[*Peer][]types.Endpoint, len(candidates))
	for _, c := range candidates {
		rootMap[c.peer] = c.endpoints
	}

	rs.mutex.Lock()
	rs.thisRootSets = thisRootSets
	if changed {
		rs.roots = rootMap
		rs.generation++
		rs._updateBestRoot()
	} else {
		// same members, possibly with new endpoints
		byAddr := make(map[types.Address][]types.Endpoint, len(rootMap))
		for p, eps := range rootMap {
			byAddr[p.Address()] = eps
		}
		refreshed := make(map[*Peer][]types.Endpoint, len(rs.roots))
		for p := range rs.roots {
			refreshed[p] = byAddr[p.Address()]
		}
		rs.roots = refreshed
	}
	count := len(rs.roots)
	rs.mutex.Unlock()

	n.config.metrics.Roots(count)
	if changed {
		events = append(events, Event{Kind: EventUpdatedRoots, OldRoots: oldRoots, NewRoots: newRoots})
	}
	for _, ev := range events {
		n.env.Event(ev)
	}
}

func containsEndpoint(eps []types.Endpoint, ep types.Endpoint) bool {
	for _, e := range eps {
		if e == ep {
			return true
		}
	}
	return false
}

func sortIdentities(ids []*types.Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
}

func equalIdentities(a, b []*types.Identity) bool {
	if len(a) != len(b) {
		return false
	}
	for idx := range a {
		if !a[idx].Equal(b[idx]) {
			return false
		}
	}
	return true
}

// BestRoot returns the most responsive root, or nil if no root has replied to a HELLO yet.
func (n *Node) BestRoot() *Peer {
	n.roots.mutex.RLock()
	defer n.roots.mutex.RUnlock()
	return n.roots.best
}

// IsRoot returns true if this node is a member of any root set.
func (n *Node) IsRoot() bool {
	n.roots.mutex.RLock()
	defer n.roots.mutex.RUnlock()
	return len(n.roots.thisRootSets) > 0
}

// ThisRootSets returns the names of the root sets this node is a member of.
func (n *Node) ThisRootSets() []string {
	n.roots.mutex.RLock()
	defer n.roots.mutex.RUnlock()
	names := make([]string, 0, len(n.roots.thisRootSets))
	for name := range n.roots.thisRootSets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Roots returns the current root peers.
func (n *Node) Roots() []*Peer {
	n.roots.mutex.RLock()
	defer n.roots.mutex.RUnlock()
	out := make([]*Peer, 0, len(n.roots.roots))
	for p := range n.roots.roots {
		out = append(out, p)
	}
	return out
}

// RootEndpoints returns a copy of the root to endpoints map, keyed by address.
func (n *Node) RootEndpoints() map[types.Address][]types.Endpoint {
	n.roots.mutex.RLock()
	defer n.roots.mutex.RUnlock()
	out := make(map[types.Address][]types.Endpoint, len(n.roots.roots))
	for p, eps := range n.roots.roots {
		out[p.Address()] = append([]types.Endpoint(nil), eps...)
	}
	return out
}

// RootSets returns copies of every stored root set.
func (n *Node) RootSets() []*types.RootSet {
	n.roots.mutex.RLock()
	defer n.roots.mutex.RUnlock()
	out := make([]*types.RootSet, 0, len(n.roots.sets))
	for _, set := range n.roots.sets {
		out = append(out, set.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// whoisTarget is the best root, or failing that any root with a usable path.
func (n *Node) whoisTarget() *Peer {
	if best := n.BestRoot(); best != nil {
		return best
	}
	for _, p := range n.Roots() {
		if p.bestPath() != nil {
			return p
		}
	}
	return nil
}

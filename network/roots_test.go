package network

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerotier/ZeroTierOne-sub058/types"
)

// forgeIdentity returns an identity claiming victim's address with unrelated keys. It fails
// validation, so it can only reach a node by bypassing root set verification.
func forgeIdentity(t *testing.T, victim *types.Identity) *types.Identity {
	other := testIdentity(t)
	text := other.String()
	forged, err := types.ParseIdentity(victim.Address().String() + text[types.AddressSize*2:])
	require.NoError(t, err)
	require.Equal(t, victim.Address(), forged.Address())
	require.False(t, forged.Equal(victim))
	return forged
}

// storeUnverified installs a root set without verification, as if it had been signed.
func storeUnverified(n *Node, set *types.RootSet) {
	n.roots.mutex.Lock()
	defer n.roots.mutex.Unlock()
	n.roots.sets[set.Name] = set
	n.roots.modified = true
}

func TestRootEndToEnd(t *testing.T) {
	n, env, _ := testNode(t)
	r := testIdentity(t)
	e := testEndpoint(t, "192.0.2.1:9993")
	ok, err := n.AddUpdateRootSet(testRootSet(t, "S1", 1, map[*types.Identity][]types.Endpoint{r: {e}}))
	require.NoError(t, err)
	require.True(t, ok)

	n.reconcileRoots(env.TimeTicks())
	require.Equal(t, map[types.Address][]types.Endpoint{r.Address(): {e}}, n.RootEndpoints())
	require.Nil(t, n.BestRoot())
	require.Len(t, env.eventsOf(EventUpdatedRoots), 1)

	root := n.Peer(r.Address())
	require.NotNil(t, root)
	root.lastHelloReply.Store(env.TimeTicks())
	n.roots.updateBestRoot()
	require.Same(t, root, n.BestRoot())
}

func TestRootSetReplacement(t *testing.T) {
	n, _, _ := testNode(t)
	a, b, c := testIdentity(t), testIdentity(t), testIdentity(t)
	ep := []types.Endpoint{testEndpoint(t, "192.0.2.1:9993")}

	ok, err := n.AddUpdateRootSet(testRootSet(t, "S", 2, map[*types.Identity][]types.Endpoint{a: ep, b: ep}))
	require.NoError(t, err)
	require.True(t, ok)

	// same or older revision
	ok, err = n.AddUpdateRootSet(testRootSet(t, "S", 2, map[*types.Identity][]types.Endpoint{a: ep, b: ep, c: ep}))
	require.NoError(t, err)
	require.False(t, ok)
	// newer, but keeps only half of the members
	ok, err = n.AddUpdateRootSet(testRootSet(t, "S", 3, map[*types.Identity][]types.Endpoint{a: ep, c: ep}))
	require.NoError(t, err)
	require.False(t, ok)
	// newer, keeps both
	ok, err = n.AddUpdateRootSet(testRootSet(t, "S", 3, map[*types.Identity][]types.Endpoint{a: ep, b: ep, c: ep}))
	require.NoError(t, err)
	require.True(t, ok)

	unsigned := types.NewRootSet("U", "", 1)
	unsigned.AddMember(a, ep, 0)
	_, err = n.AddUpdateRootSet(unsigned)
	require.True(t, errors.Is(err, ErrBadRootSet))

	sets := n.RootSets()
	require.Len(t, sets, 1)
	require.Equal(t, uint64(3), sets[0].Revision)
	require.Len(t, sets[0].Members, 3)
}

func TestRootCollisionAcrossSets(t *testing.T) {
	n, env, _ := testNode(t)
	victim, other, bystander := testIdentity(t), testIdentity(t), testIdentity(t)
	forged := forgeIdentity(t, victim)
	e1 := testEndpoint(t, "192.0.2.1:9993")
	e2 := testEndpoint(t, "192.0.2.2:9993")
	e3 := testEndpoint(t, "192.0.2.3:9993")

	s1 := types.NewRootSet("S1", "", 1)
	s1.AddMember(victim, []types.Endpoint{e1}, 0)
	s1.AddMember(other, []types.Endpoint{e2}, 0)
	s2 := types.NewRootSet("S2", "", 1)
	s2.AddMember(forged, []types.Endpoint{e1}, 0)
	s2.AddMember(bystander, []types.Endpoint{e3}, 0)
	storeUnverified(n, s1)
	storeUnverified(n, s2)

	n.reconcileRoots(env.TimeTicks())
	roots := n.RootEndpoints()
	require.NotContains(t, roots, victim.Address())
	require.Equal(t, []types.Endpoint{e2}, roots[other.Address()])
	require.Equal(t, []types.Endpoint{e3}, roots[bystander.Address()])
	require.Nil(t, n.Peer(victim.Address()))

	warnings := env.eventsOf(EventSecurityWarning)
	require.Len(t, warnings, 1)
	require.Equal(t, victim.Address(), warnings[0].Address)
}

func TestRootCollisionWithKnownPeer(t *testing.T) {
	n, env, _ := testNode(t)
	victim, other := testIdentity(t), testIdentity(t)
	impostor := &Peer{node: n, identity: forgeIdentity(t, victim)}
	n.peers.addPeer(impostor)
	e1 := testEndpoint(t, "192.0.2.1:9993")
	e2 := testEndpoint(t, "192.0.2.2:9993")

	_, err := n.AddUpdateRootSet(testRootSet(t, "S1", 1, map[*types.Identity][]types.Endpoint{victim: {e1}, other: {e2}}))
	require.NoError(t, err)
	n.reconcileRoots(env.TimeTicks())

	roots := n.RootEndpoints()
	require.NotContains(t, roots, victim.Address())
	require.Contains(t, roots, other.Address())
	require.Same(t, impostor, n.Peer(victim.Address()))
	require.Len(t, env.eventsOf(EventSecurityWarning), 1)
}

func TestRootCollisionWithSelf(t *testing.T) {
	n, env, _ := testNode(t)
	forged := forgeIdentity(t, n.identity)
	s := types.NewRootSet("S", "", 1)
	s.AddMember(forged, []types.Endpoint{testEndpoint(t, "192.0.2.1:9993")}, 0)
	storeUnverified(n, s)

	n.reconcileRoots(env.TimeTicks())
	require.Empty(t, n.RootEndpoints())
	require.False(t, n.IsRoot())
	require.Len(t, env.eventsOf(EventSecurityWarning), 1)
}

func TestRootReconcileIdempotent(t *testing.T) {
	n, env, _ := testNode(t)
	r1, r2 := testIdentity(t), testIdentity(t)
	set := testRootSet(t, "S1", 1, map[*types.Identity][]types.Endpoint{
		r1: {testEndpoint(t, "192.0.2.1:9993")},
		r2: {testEndpoint(t, "192.0.2.2:9993")},
	})
	_, err := n.AddUpdateRootSet(set)
	require.NoError(t, err)
	n.reconcileRoots(env.TimeTicks())
	generation := n.roots.generation
	peers := n.Peers()
	require.Len(t, peers, 2)

	// nothing changed: no pass at all
	n.reconcileRoots(env.TimeTicks())
	require.Equal(t, generation, n.roots.generation)

	// a newer revision with the same members: a pass runs but changes nothing
	n.Peer(r1.Address()).lastHelloReply.Store(5)
	set2 := testRootSet(t, "S1", 2, map[*types.Identity][]types.Endpoint{
		r1: {testEndpoint(t, "192.0.2.1:9993")},
		r2: {testEndpoint(t, "192.0.2.2:9993")},
	})
	ok, err := n.AddUpdateRootSet(set2)
	require.NoError(t, err)
	require.True(t, ok)
	n.reconcileRoots(env.TimeTicks())
	require.Equal(t, generation, n.roots.generation)
	require.Nil(t, n.BestRoot(), "selection must not run when membership is unchanged")
	require.ElementsMatch(t, peers, n.Peers())
	require.Len(t, env.eventsOf(EventUpdatedRoots), 1)
}

func TestRootEndpointsMergedAcrossSets(t *testing.T) {
	n, env, _ := testNode(t)
	r := testIdentity(t)
	e1 := testEndpoint(t, "192.0.2.1:9993")
	e2 := testEndpoint(t, "[2001:db8::1]:9993")
	_, err := n.AddUpdateRootSet(testRootSet(t, "A", 1, map[*types.Identity][]types.Endpoint{r: {e1}}))
	require.NoError(t, err)
	_, err = n.AddUpdateRootSet(testRootSet(t, "B", 1, map[*types.Identity][]types.Endpoint{r: {e1, e2}}))
	require.NoError(t, err)
	n.reconcileRoots(env.TimeTicks())
	require.Equal(t, []types.Endpoint{e1, e2}, n.RootEndpoints()[r.Address()])
}

func TestRootMembersWithoutEndpointsSkipped(t *testing.T) {
	n, env, _ := testNode(t)
	r, silent := testIdentity(t), testIdentity(t)
	_, err := n.AddUpdateRootSet(testRootSet(t, "S", 1, map[*types.Identity][]types.Endpoint{
		r:      {testEndpoint(t, "192.0.2.1:9993")},
		silent: nil,
	}))
	require.NoError(t, err)
	n.reconcileRoots(env.TimeTicks())
	require.Len(t, n.RootEndpoints(), 1)
	require.Nil(t, n.Peer(silent.Address()))
}

func TestThisNodeAsRoot(t *testing.T) {
	n, env, _ := testNode(t)
	other := testIdentity(t)
	self := n.identity
	_, err := n.AddUpdateRootSet(testRootSet(t, "S", 1, map[*types.Identity][]types.Endpoint{
		self:  {testEndpoint(t, "192.0.2.9:9993")},
		other: {testEndpoint(t, "192.0.2.1:9993")},
	}))
	require.NoError(t, err)
	n.reconcileRoots(env.TimeTicks())
	require.True(t, n.IsRoot())
	require.Equal(t, []string{"S"}, n.ThisRootSets())
	require.NotContains(t, n.RootEndpoints(), n.Address())
	require.Contains(t, n.RootEndpoints(), other.Address())
}

func TestBestRootMonotonic(t *testing.T) {
	n, env, _ := testNode(t)
	r1, r2, r3 := testIdentity(t), testIdentity(t), testIdentity(t)
	eps := map[*types.Identity][]types.Endpoint{
		r1: {testEndpoint(t, "192.0.2.1:9993")},
		r2: {testEndpoint(t, "192.0.2.2:9993")},
		r3: {testEndpoint(t, "192.0.2.3:9993")},
	}
	_, err := n.AddUpdateRootSet(testRootSet(t, "S", 1, eps))
	require.NoError(t, err)
	n.reconcileRoots(env.TimeTicks())
	p1, p2 := n.Peer(r1.Address()), n.Peer(r2.Address())
	p1.lastHelloReply.Store(100)
	p2.lastHelloReply.Store(200)
	n.roots.updateBestRoot()
	require.Same(t, p2, n.BestRoot())

	// losing the peer entry does not change the choice by itself
	n.peers.removePeer(p2)
	require.Same(t, p2, n.BestRoot())

	// r2 leaves the set; the next pass moves to r1
	delete(eps, r2)
	ok, err := n.AddUpdateRootSet(testRootSet(t, "S", 2, eps))
	require.NoError(t, err)
	require.True(t, ok)
	n.reconcileRoots(env.TimeTicks())
	require.Same(t, p1, n.BestRoot())

	// a root that has not replied never displaces one that has
	n.roots.updateBestRoot()
	require.Same(t, p1, n.BestRoot())
}

func TestBestRootStaysWithoutReplies(t *testing.T) {
	n, env, _ := testNode(t)
	r1, r2 := testIdentity(t), testIdentity(t)
	_, err := n.AddUpdateRootSet(testRootSet(t, "S", 1, map[*types.Identity][]types.Endpoint{
		r1: {testEndpoint(t, "192.0.2.1:9993")},
		r2: {testEndpoint(t, "192.0.2.2:9993")},
	}))
	require.NoError(t, err)
	n.reconcileRoots(env.TimeTicks())
	n.roots.updateBestRoot()
	require.Nil(t, n.BestRoot())
}

func TestRootInvalidMemberSkipped(t *testing.T) {
	n, env, _ := testNode(t)
	// claims an address nobody else holds, so only identity validation can reject it
	invalid := forgeIdentity(t, testIdentity(t))
	valid := testIdentity(t)
	e1 := testEndpoint(t, "192.0.2.1:9993")
	e2 := testEndpoint(t, "192.0.2.2:9993")

	s := types.NewRootSet("S", "", 1)
	s.AddMember(invalid, []types.Endpoint{e1}, 0)
	s.AddMember(valid, []types.Endpoint{e2}, 0)
	storeUnverified(n, s)

	n.reconcileRoots(env.TimeTicks())
	require.Equal(t, map[types.Address][]types.Endpoint{valid.Address(): {e2}}, n.RootEndpoints())
	require.Nil(t, n.Peer(invalid.Address()))
	require.NotNil(t, n.Peer(valid.Address()))

	warnings := env.eventsOf(EventSecurityWarning)
	require.Len(t, warnings, 1)
	require.Equal(t, invalid.Address(), warnings[0].Address)
	require.Len(t, env.eventsOf(EventUpdatedRoots), 1)
}

func TestRootEndpointRefreshReplacesMap(t *testing.T) {
	n, env, _ := testNode(t)
	r := testIdentity(t)
	e1 := testEndpoint(t, "192.0.2.1:9993")
	e2 := testEndpoint(t, "192.0.2.2:9993")
	_, err := n.AddUpdateRootSet(testRootSet(t, "S", 1, map[*types.Identity][]types.Endpoint{r: {e1}}))
	require.NoError(t, err)
	n.reconcileRoots(env.TimeTicks())
	n.roots.mutex.RLock()
	before := n.roots.roots
	n.roots.mutex.RUnlock()

	ok, err := n.AddUpdateRootSet(testRootSet(t, "S", 2, map[*types.Identity][]types.Endpoint{r: {e2}}))
	require.NoError(t, err)
	require.True(t, ok)
	generation := n.roots.generation
	n.reconcileRoots(env.TimeTicks())
	require.Equal(t, generation, n.roots.generation)
	require.Equal(t, []types.Endpoint{e2}, n.RootEndpoints()[r.Address()])

	// a snapshot taken earlier is never written to
	require.Equal(t, []types.Endpoint{e1}, before[n.Peer(r.Address())])
}

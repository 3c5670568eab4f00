package network

import (
	"sort"

	"github.com/zerotier/ZeroTierOne-sub058/types"
)

type Debug struct {
	n *Node
}

func (d *Debug) init(n *Node) {
	d.n = n
}

type DebugSelfInfo struct {
	Address      types.Address
	Identity     string
	Online       bool
	ThisRootSets []string
	Peers        int
	Paths        int
}

type DebugPeerInfo struct {
	Address        types.Address
	Root           bool
	LastReceive    int64
	LastHelloReply int64
	Reported       types.Endpoint
	Paths          []types.Endpoint
}

type DebugPathInfo struct {
	Endpoint    types.Endpoint
	Socket      LocalSocket
	Interface   LocalInterface
	LastReceive int64
	LastSend    int64
	Assemblies  int
}

type DebugRootInfo struct {
	Address   types.Address
	Best      bool
	Endpoints []types.Endpoint
}

type DebugWhoisInfo struct {
	Address types.Address
	Waiting int
}

func (d *Debug) GetSelf() (info DebugSelfInfo) {
	info.Address = d.n.Address()
	info.Identity = d.n.identity.String()
	info.Online = d.n.Online()
	info.ThisRootSets = d.n.ThisRootSets()
	info.Peers = d.n.peers.count()
	info.Paths = d.n.paths.count()
	return
}

func (d *Debug) GetPeers() (infos []DebugPeerInfo) {
	for _, p := range d.n.peers.all() {
		var info DebugPeerInfo
		info.Address = p.Address()
		info.Root = d.n.roots.isRoot(p)
		info.LastReceive = p.LastReceiveTicks()
		info.LastHelloReply = p.LastHelloReplyTicks()
		info.Reported = p.ReportedEndpoint()
		for _, path := range p.Paths() {
			info.Paths = append(info.Paths, path.Endpoint())
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Address < infos[j].Address })
	return
}

func (d *Debug) GetPaths() (infos []DebugPathInfo) {
	for _, path := range d.n.paths.all() {
		var info DebugPathInfo
		info.Endpoint = path.Endpoint()
		info.Socket = path.LocalSocket()
		info.Interface = path.LocalInterface()
		info.LastReceive = path.LastReceiveTicks()
		info.LastSend = path.LastSendTicks()
		info.Assemblies = path.inFlightAssemblies()
		infos = append(infos, info)
	}
	return
}

func (d *Debug) GetRoots() (infos []DebugRootInfo) {
	best := d.n.BestRoot()
	for addr, eps := range d.n.RootEndpoints() {
		infos = append(infos, DebugRootInfo{
			Address:   addr,
			Best:      best != nil && best.Address() == addr,
			Endpoints: eps,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Address < infos[j].Address })
	return
}

func (d *Debug) GetWhois() (infos []DebugWhoisInfo) {
	for addr, waiting := range d.n.whois.pending() {
		infos = append(infos, DebugWhoisInfo{Address: addr, Waiting: waiting})
	}
	return
}

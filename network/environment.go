package network

import "github.com/zerotier/ZeroTierOne-sub058/types"

// LocalSocket is an opaque handle to a local socket owned by the Environment. Zero means unspecified.
type LocalSocket uint64

// LocalInterface is an opaque handle to a local network interface. Zero means unspecified.
type LocalInterface uint64

// Environment is everything the node needs from its host: I/O, clocks, persistence and event reporting.
// Calls into the Environment are never made while the node holds one of its own locks.
type Environment interface {
	// Event reports a diagnostic or security event.
	Event(ev Event)
	// LoadNodeIdentity returns the persisted secret identity text, or nil if there is none.
	LoadNodeIdentity() []byte
	// SaveNodeIdentity persists the node's secret identity.
	SaveNodeIdentity(id *types.Identity)
	// LocalSocketIsValid returns false once a socket has been closed or is otherwise unusable.
	LocalSocketIsValid(socket LocalSocket) bool
	// WireSend sends one datagram made of the concatenation of data. The ttl is a hint, 0 for default.
	// data must not be retained after the call. A false return is not retried.
	WireSend(ep types.Endpoint, socket LocalSocket, iface LocalInterface, data [][]byte, ttl uint8) bool
	// CheckPath returns false to forbid use of a physical path to a node.
	CheckPath(id *types.Identity, ep types.Endpoint, socket LocalSocket, iface LocalInterface) bool
	// PathHints returns statically configured or remembered endpoints for a node.
	PathHints(id *types.Identity) []types.Endpoint
	// TimeTicks returns a monotonic clock in milliseconds.
	TimeTicks() int64
	// TimeClock returns the wall clock in milliseconds since the epoch.
	TimeClock() int64
}

// InnerProtocol handles the verbs the node itself does not consume.
type InnerProtocol interface {
	HandlePacket(peer *Peer, path *Path, forwardSecrecy, extendedAuth bool, verb byte, payload []byte) bool
	HandleOK(peer *Peer, path *Path, inReVerb byte, inReID uint64, payload []byte) bool
	HandleError(peer *Peer, path *Path, inReVerb byte, inReID uint64, code byte, payload []byte) bool
	// ShouldCommunicateWith decides whether an unsolicited HELLO from an unknown node is accepted.
	ShouldCommunicateWith(id *types.Identity) bool
}

type EventKind int

const (
	EventDebug EventKind = iota
	EventIdentityAutoGenerated
	EventSecurityWarning
	EventOnline
	EventOffline
	EventFatalError
	EventUpdatedRoots
)

func (k EventKind) String() string {
	switch k {
	case EventDebug:
		return "debug"
	case EventIdentityAutoGenerated:
		return "identity_auto_generated"
	case EventSecurityWarning:
		return "security_warning"
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	case EventFatalError:
		return "fatal_error"
	case EventUpdatedRoots:
		return "updated_roots"
	}
	return "unknown"
}

// Event is a structured notification to the Environment. Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	Message  string
	Address  types.Address
	Identity *types.Identity
	OldRoots []*types.Identity
	NewRoots []*types.Identity
}

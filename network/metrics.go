package network

import "github.com/zerotier/ZeroTierOne-sub058/metrics"

// Metrics receives counters and gauges about node activity.
type Metrics interface {
	DatagramReceived()
	DatagramForwarded()
	DatagramDropped(reason string)
	FragmentedPacketCompleted()
	WhoisSent()
	WhoisResolved()
	WhoisExpired()
	Peers(n int)
	Paths(n int)
	Roots(n int)
}

var (
	_ Metrics = (*metrics.NetworkCollector)(nil)
	_ Metrics = (*metrics.NoopCollector)(nil)
)

const (
	dropMalformed   = metrics.DropMalformed
	dropHops        = metrics.DropHops
	dropNoRoute     = metrics.DropNoRoute
	dropAuth        = metrics.DropAuth
	dropWhoisQueue  = metrics.DropWhoisQueue
	dropUnsolicited = metrics.DropUnsolicited
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespaceOverlay = "overlay"
	subsystemNode    = "node"
	subsystemWhois   = "whois"

	LabelReason = "reason"
)

// Drop reasons reported with DatagramDropped.
const (
	DropMalformed   = "malformed"
	DropHops        = "hops"
	DropNoRoute     = "no_route"
	DropAuth        = "auth"
	DropWhoisQueue  = "whois_queue"
	DropUnsolicited = "unsolicited"
)

// NetworkCollector records node activity in prometheus.
type NetworkCollector struct {
	received           prometheus.Counter
	forwarded          prometheus.Counter
	dropped            *prometheus.CounterVec
	fragmentsCompleted prometheus.Counter
	whoisSent          prometheus.Counter
	whoisResolved      prometheus.Counter
	whoisExpired       prometheus.Counter
	peers              prometheus.Gauge
	paths              prometheus.Gauge
	roots              prometheus.Gauge
}

// NewNetworkCollector registers the node metrics with reg.
func NewNetworkCollector(reg prometheus.Registerer) *NetworkCollector {
	f := promauto.With(reg)
	nc := &NetworkCollector{
		received: f.NewCounter(prometheus.CounterOpts{
			Name:      "datagrams_received_total",
			Namespace: namespaceOverlay,
			Subsystem: subsystemNode,
			Help:      "the number of datagrams handed to the node",
		}),
		forwarded: f.NewCounter(prometheus.CounterOpts{
			Name:      "datagrams_forwarded_total",
			Namespace: namespaceOverlay,
			Subsystem: subsystemNode,
			Help:      "the number of datagrams relayed to another node",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "datagrams_dropped_total",
			Namespace: namespaceOverlay,
			Subsystem: subsystemNode,
			Help:      "the number of datagrams dropped, by reason",
		}, []string{LabelReason}),
		fragmentsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name:      "fragmented_packets_completed_total",
			Namespace: namespaceOverlay,
			Subsystem: subsystemNode,
			Help:      "the number of fragmented packets fully reassembled",
		}),
		whoisSent: f.NewCounter(prometheus.CounterOpts{
			Name:      "requests_sent_total",
			Namespace: namespaceOverlay,
			Subsystem: subsystemWhois,
			Help:      "the number of WHOIS requests sent to roots",
		}),
		whoisResolved: f.NewCounter(prometheus.CounterOpts{
			Name:      "resolved_total",
			Namespace: namespaceOverlay,
			Subsystem: subsystemWhois,
			Help:      "the number of addresses resolved by WHOIS",
		}),
		whoisExpired: f.NewCounter(prometheus.CounterOpts{
			Name:      "expired_total",
			Namespace: namespaceOverlay,
			Subsystem: subsystemWhois,
			Help:      "the number of WHOIS queries given up on",
		}),
		peers: f.NewGauge(prometheus.GaugeOpts{
			Name:      "peers",
			Namespace: namespaceOverlay,
			Subsystem: subsystemNode,
			Help:      "the number of peers in the peer table",
		}),
		paths: f.NewGauge(prometheus.GaugeOpts{
			Name:      "paths",
			Namespace: namespaceOverlay,
			Subsystem: subsystemNode,
			Help:      "the number of paths in the path table",
		}),
		roots: f.NewGauge(prometheus.GaugeOpts{
			Name:      "roots",
			Namespace: namespaceOverlay,
			Subsystem: subsystemNode,
			Help:      "the number of current roots",
		}),
	}
	return nc
}

func (nc *NetworkCollector) DatagramReceived()  { nc.received.Inc() }
func (nc *NetworkCollector) DatagramForwarded() { nc.forwarded.Inc() }

func (nc *NetworkCollector) DatagramDropped(reason string) {
	nc.dropped.With(prometheus.Labels{LabelReason: reason}).Inc()
}

func (nc *NetworkCollector) FragmentedPacketCompleted() { nc.fragmentsCompleted.Inc() }
func (nc *NetworkCollector) WhoisSent()                 { nc.whoisSent.Inc() }
func (nc *NetworkCollector) WhoisResolved()             { nc.whoisResolved.Inc() }
func (nc *NetworkCollector) WhoisExpired()              { nc.whoisExpired.Inc() }
func (nc *NetworkCollector) Peers(n int)                { nc.peers.Set(float64(n)) }
func (nc *NetworkCollector) Paths(n int)                { nc.paths.Set(float64(n)) }
func (nc *NetworkCollector) Roots(n int)                { nc.roots.Set(float64(n)) }

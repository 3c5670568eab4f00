package network

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/zerotier/ZeroTierOne-sub058/metrics"
)

type config struct {
	logger                 zerolog.Logger
	metrics                Metrics
	rootSyncInterval       time.Duration
	rootHelloInterval      time.Duration
	peerServiceInterval    time.Duration
	pathServiceInterval    time.Duration
	whoisServiceInterval   time.Duration
	forwardMaxHops         uint8
	whoisRetryMax          int
	whoisMaxWaitingPackets int
	whoisMaxPending        int
	fragmentMaxInbound     int
	whoisResponseRate      rate.Limit
	whoisResponseBurst     int
	peerExpiration         time.Duration
	peerHelloInterval      time.Duration
	pathMTU                int
}

type Option func(*config)

func configDefaults() Option {
	return func(c *config) {
		c.logger = zerolog.Nop()
		c.metrics = metrics.NewNoopCollector()
		c.rootSyncInterval = time.Second
		c.rootHelloInterval = time.Minute
		c.peerServiceInterval = 10 * time.Second
		c.pathServiceInterval = pathKeepaliveInterval * time.Millisecond
		c.whoisServiceInterval = time.Second
		c.forwardMaxHops = 3
		c.whoisRetryMax = 3
		c.whoisMaxWaitingPackets = 64
		c.whoisMaxPending = 256
		c.fragmentMaxInbound = 32
		c.whoisResponseRate = 64
		c.whoisResponseBurst = 16
		c.peerExpiration = 10 * time.Minute
		c.peerHelloInterval = 2 * time.Minute
		c.pathMTU = defaultPathMTU
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

func WithRootSyncInterval(duration time.Duration) Option {
	return func(c *config) {
		c.rootSyncInterval = duration
	}
}

func WithRootHelloInterval(duration time.Duration) Option {
	return func(c *config) {
		c.rootHelloInterval = duration
	}
}

func WithPeerServiceInterval(duration time.Duration) Option {
	return func(c *config) {
		c.peerServiceInterval = duration
	}
}

func WithPathServiceInterval(duration time.Duration) Option {
	return func(c *config) {
		c.pathServiceInterval = duration
	}
}

func WithWhoisServiceInterval(duration time.Duration) Option {
	return func(c *config) {
		c.whoisServiceInterval = duration
	}
}

// WithForwardMaxHops sets the hop count above which relayed packets are dropped. The hop
// counter is 3 bits wide, so values above 7 are clamped.
func WithForwardMaxHops(hops uint8) Option {
	return func(c *config) {
		if hops > headerHopsMask {
			hops = headerHopsMask
		}
		c.forwardMaxHops = hops
	}
}

func WithWhoisRetryMax(retries int) Option {
	return func(c *config) {
		c.whoisRetryMax = retries
	}
}

func WithWhoisMaxWaitingPackets(packets int) Option {
	return func(c *config) {
		c.whoisMaxWaitingPackets = packets
	}
}

// WithWhoisMaxPending limits how many unknown addresses may await a WHOIS reply at once.
// Packets from further unknown senders are dropped until some query resolves or expires.
func WithWhoisMaxPending(addresses int) Option {
	return func(c *config) {
		c.whoisMaxPending = addresses
	}
}

func WithFragmentMaxInboundPacketsPerPath(packets int) Option {
	return func(c *config) {
		c.fragmentMaxInbound = packets
	}
}

// WithWhoisResponseRate limits how many WHOIS requests per second this node answers.
func WithWhoisResponseRate(limit rate.Limit, burst int) Option {
	return func(c *config) {
		c.whoisResponseRate = limit
		c.whoisResponseBurst = burst
	}
}

func WithPeerExpiration(duration time.Duration) Option {
	return func(c *config) {
		c.peerExpiration = duration
	}
}

func WithPeerHelloInterval(duration time.Duration) Option {
	return func(c *config) {
		c.peerHelloInterval = duration
	}
}

func WithPathMTU(mtu int) Option {
	return func(c *config) {
		if mtu >= minPathMTU {
			c.pathMTU = mtu
		}
	}
}

func (c *config) shortestInterval() time.Duration {
	shortest := c.rootSyncInterval
	for _, d := range []time.Duration{c.rootHelloInterval, c.peerServiceInterval, c.pathServiceInterval, c.whoisServiceInterval} {
		if d < shortest {
			shortest = d
		}
	}
	return shortest
}

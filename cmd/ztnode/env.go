package main

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/zerotier/ZeroTierOne-sub058/network"
	"github.com/zerotier/ZeroTierOne-sub058/types"
)

const (
	identitySecretFile = "identity.secret"
	identityPublicFile = "identity.public"
	udpReadBufferSize  = 16384
	defaultTTL         = 64
	readErrorBackoff   = 100 * time.Millisecond
)

// udpSocket is one bound UDP socket. Its id is the network.LocalSocket handed to the node.
type udpSocket struct {
	id     network.LocalSocket
	iface  network.LocalInterface
	local  netip.AddrPort
	conn   *net.UDPConn
	v4     *ipv4.PacketConn
	v6     *ipv6.PacketConn
	ttl    sync.Mutex // held while a send uses a non-default TTL
	closed atomic.Bool
}

func (s *udpSocket) accepts(ep netip.AddrPort) bool {
	if !s.local.Addr().IsUnspecified() {
		return s.local.Addr().Is4() == ep.Addr().Is4()
	}
	return true
}

func (s *udpSocket) write(ep netip.AddrPort, data []byte, ttl uint8) error {
	if ttl == 0 {
		_, err := s.conn.WriteToUDPAddrPort(data, ep)
		return err
	}
	s.ttl.Lock()
	defer s.ttl.Unlock()
	if ep.Addr().Is4() {
		_ = s.v4.SetTTL(int(ttl))
		defer func() { _ = s.v4.SetTTL(defaultTTL) }()
	} else {
		_ = s.v6.SetHopLimit(int(ttl))
		defer func() { _ = s.v6.SetHopLimit(defaultTTL) }()
	}
	_, err := s.conn.WriteToUDPAddrPort(data, ep)
	return err
}

// udpEnvironment runs a node over plain UDP sockets, keeping its identity in a home directory.
type udpEnvironment struct {
	log     zerolog.Logger
	home    string
	start   time.Time
	epoch   int64
	hints   map[types.Address][]types.Endpoint
	mutex   sync.RWMutex
	sockets []*udpSocket
}

func newUDPEnvironment(log zerolog.Logger, home string, hints map[types.Address][]types.Endpoint) *udpEnvironment {
	now := time.Now()
	return &udpEnvironment{
		log:   log.With().Str("component", "environment").Logger(),
		home:  home,
		start: now,
		epoch: now.UnixMilli(),
		hints: hints,
	}
}

// listen binds a socket on port for each usable local address, or a single wildcard socket
// when none can be enumerated.
func (e *udpEnvironment) listen(ctx context.Context, port uint16) error {
	addrs := localAddresses(e.log)
	if len(addrs) == 0 {
		addrs = []localAddress{{addr: netip.IPv6Unspecified()}}
	}
	lc := net.ListenConfig{Control: socketControl}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for _, la := range addrs {
		bind := netip.AddrPortFrom(la.addr, port)
		pc, err := lc.ListenPacket(ctx, "udp", bind.String())
		if err != nil {
			e.log.Warn().Err(err).Stringer("address", bind).Msg("could not bind")
			continue
		}
		conn := pc.(*net.UDPConn)
		s := &udpSocket{
			id:    network.LocalSocket(len(e.sockets) + 1),
			iface: la.iface,
			local: bind,
			conn:  conn,
			v4:    ipv4.NewPacketConn(conn),
			v6:    ipv6.NewPacketConn(conn),
		}
		e.sockets = append(e.sockets, s)
		e.log.Info().Stringer("address", bind).Uint64("socket", uint64(s.id)).Msg("listening")
	}
	if len(e.sockets) == 0 {
		return errors.New("no UDP socket could be bound")
	}
	return nil
}

// serve reads datagrams from every socket and passes them to handle until the sockets are
// closed. A socket stops being read once its connection is closed, by close or otherwise.
func (e *udpEnvironment) serve(handle func(socket network.LocalSocket, iface network.LocalInterface, ep types.Endpoint, data []byte)) {
	e.mutex.RLock()
	sockets := append([]*udpSocket(nil), e.sockets...)
	e.mutex.RUnlock()
	var wg sync.WaitGroup
	for _, s := range sockets {
		wg.Add(1)
		go func(s *udpSocket) {
			defer wg.Done()
			buf := make([]byte, udpReadBufferSize)
			for {
				n, from, err := s.conn.ReadFromUDPAddrPort(buf)
				if err != nil {
					if s.closed.Load() || errors.Is(err, net.ErrClosed) {
						return
					}
					e.log.Debug().Err(err).Msg("read failed")
					time.Sleep(readErrorBackoff)
					continue
				}
				handle(s.id, s.iface, types.EndpointFromUDP(from), append([]byte(nil), buf[:n]...))
			}
		}(s)
	}
	wg.Wait()
}

func (e *udpEnvironment) close() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for _, s := range e.sockets {
		s.closed.Store(true)
		_ = s.conn.Close()
	}
}

func (e *udpEnvironment) socket(id network.LocalSocket) *udpSocket {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	if id == 0 || int(id) > len(e.sockets) {
		return nil
	}
	return e.sockets[id-1]
}

func (e *udpEnvironment) Event(ev network.Event) {
	switch ev.Kind {
	case network.EventSecurityWarning:
		e.log.Warn().Stringer("address", ev.Address).Msg(ev.Message)
	case network.EventFatalError:
		e.log.Error().Msg(ev.Message)
	case network.EventIdentityAutoGenerated:
		e.log.Info().Stringer("address", ev.Address).Msg("generated a new identity")
	case network.EventUpdatedRoots:
		e.log.Info().Int("old", len(ev.OldRoots)).Int("new", len(ev.NewRoots)).Msg("roots updated")
	case network.EventOnline, network.EventOffline:
		e.log.Info().Stringer("event", ev.Kind).Msg("connectivity changed")
	default:
		e.log.Debug().Stringer("event", ev.Kind).Msg(ev.Message)
	}
}

func (e *udpEnvironment) LoadNodeIdentity() []byte {
	data, err := os.ReadFile(filepath.Join(e.home, identitySecretFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.log.Warn().Err(err).Msg("could not read identity")
		}
		return nil
	}
	return data
}

func (e *udpEnvironment) SaveNodeIdentity(id *types.Identity) {
	if err := writeIdentity(filepath.Join(e.home, identitySecretFile), id); err != nil {
		e.log.Error().Err(err).Msg("could not save identity")
		return
	}
	if err := os.WriteFile(filepath.Join(e.home, identityPublicFile), []byte(id.String()+"\n"), 0644); err != nil {
		e.log.Warn().Err(err).Msg("could not save public identity")
	}
}

func (e *udpEnvironment) LocalSocketIsValid(id network.LocalSocket) bool {
	s := e.socket(id)
	return s != nil && !s.closed.Load()
}

func (e *udpEnvironment) WireSend(ep types.Endpoint, id network.LocalSocket, iface network.LocalInterface, data [][]byte, ttl uint8) bool {
	ap, ok := ep.AddrPort()
	if !ok || ep.Type() != types.EndpointIPUDP {
		return false
	}
	var buf []byte
	if len(data) == 1 {
		buf = data[0]
	} else {
		for _, d := range data {
			buf = append(buf, d...)
		}
	}
	if s := e.socket(id); s != nil {
		return s.write(ap, buf, ttl) == nil
	}
	e.mutex.RLock()
	sockets := append([]*udpSocket(nil), e.sockets...)
	e.mutex.RUnlock()
	for _, s := range sockets {
		if s.closed.Load() || !s.accepts(ap) {
			continue
		}
		if err := s.write(ap, buf, ttl); err == nil {
			return true
		}
	}
	return false
}

func (e *udpEnvironment) CheckPath(id *types.Identity, ep types.Endpoint, socket network.LocalSocket, iface network.LocalInterface) bool {
	ap, ok := ep.AddrPort()
	if !ok {
		return false
	}
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	for _, s := range e.sockets {
		if s.local == ap {
			return false
		}
	}
	return true
}

func (e *udpEnvironment) PathHints(id *types.Identity) []types.Endpoint {
	return e.hints[id.Address()]
}

func (e *udpEnvironment) TimeTicks() int64 {
	return e.epoch + time.Since(e.start).Milliseconds()
}

func (e *udpEnvironment) TimeClock() int64 {
	return time.Now().UnixMilli()
}

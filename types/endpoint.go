package types

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/vmihailenco/msgpack/v4"
)

// EndpointType identifies the kind of physical locator an Endpoint holds.
type EndpointType uint8

const (
	EndpointNil EndpointType = iota
	EndpointZeroTier
	EndpointEthernet
	EndpointIP
	EndpointIPUDP
	EndpointIPTCP
	EndpointHTTP
)

const endpointMaxURLSize = 1024

var endpointPrefixes = map[EndpointType]string{
	EndpointNil:      "nil",
	EndpointZeroTier: "zt",
	EndpointEthernet: "eth",
	EndpointIP:       "ip",
	EndpointIPUDP:    "udp",
	EndpointIPTCP:    "tcp",
	EndpointHTTP:     "http",
}

// Endpoint is a physical transport locator. It is a comparable value and can be used as a map key.
type Endpoint struct {
	typ EndpointType
	ip  netip.AddrPort
	zt  Address
	mac [6]byte
	url string
}

// NilEndpoint is the empty endpoint.
var NilEndpoint = Endpoint{}

func EndpointFromUDP(ap netip.AddrPort) Endpoint {
	return Endpoint{typ: EndpointIPUDP, ip: normalizeAddrPort(ap)}
}

func EndpointFromTCP(ap netip.AddrPort) Endpoint {
	return Endpoint{typ: EndpointIPTCP, ip: normalizeAddrPort(ap)}
}

func EndpointFromIP(ip netip.Addr) Endpoint {
	return Endpoint{typ: EndpointIP, ip: netip.AddrPortFrom(ip.Unmap(), 0)}
}

func EndpointFromZeroTier(a Address) Endpoint {
	return Endpoint{typ: EndpointZeroTier, zt: a}
}

func EndpointFromMAC(mac net.HardwareAddr) Endpoint {
	e := Endpoint{typ: EndpointEthernet}
	copy(e.mac[:], mac)
	return e
}

func EndpointFromURL(url string) Endpoint {
	return Endpoint{typ: EndpointHTTP, url: url}
}

// EndpointFromUDPAddr converts a *net.UDPAddr, returning NilEndpoint for nil or unusable input.
func EndpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	if addr == nil {
		return NilEndpoint
	}
	ap := addr.AddrPort()
	if !ap.IsValid() {
		return NilEndpoint
	}
	return EndpointFromUDP(ap)
}

func normalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (e Endpoint) Type() EndpointType { return e.typ }

func (e Endpoint) IsNil() bool { return e.typ == EndpointNil }

// AddrPort returns the IP address and port of IP, UDP and TCP endpoints.
func (e Endpoint) AddrPort() (netip.AddrPort, bool) {
	switch e.typ {
	case EndpointIP, EndpointIPUDP, EndpointIPTCP:
		return e.ip, true
	}
	return netip.AddrPort{}, false
}

// UDPAddr returns the endpoint as a *net.UDPAddr, or nil if it is not a UDP endpoint.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	if e.typ != EndpointIPUDP {
		return nil
	}
	return net.UDPAddrFromAddrPort(e.ip)
}

func (e Endpoint) String() string {
	prefix := endpointPrefixes[e.typ]
	switch e.typ {
	case EndpointZeroTier:
		return prefix + "/" + e.zt.String()
	case EndpointEthernet:
		return prefix + "/" + net.HardwareAddr(e.mac[:]).String()
	case EndpointIP:
		return prefix + "/" + e.ip.Addr().String()
	case EndpointIPUDP, EndpointIPTCP:
		return prefix + "/" + e.ip.String()
	case EndpointHTTP:
		return prefix + "/" + e.url
	}
	return prefix
}

// ParseEndpoint parses the String form. A bare ip:port is taken to be a UDP endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	if s == "" || s == "nil" {
		return NilEndpoint, nil
	}
	kind, rest, found := strings.Cut(s, "/")
	if !found {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return NilEndpoint, fmt.Errorf("%w: endpoint %q: %v", ErrDecode, s, err)
		}
		return EndpointFromUDP(ap), nil
	}
	switch kind {
	case "zt":
		a, err := ParseAddress(rest)
		if err != nil {
			return NilEndpoint, err
		}
		return EndpointFromZeroTier(a), nil
	case "eth":
		mac, err := net.ParseMAC(rest)
		if err != nil || len(mac) != 6 {
			return NilEndpoint, fmt.Errorf("%w: endpoint %q", ErrDecode, s)
		}
		return EndpointFromMAC(mac), nil
	case "ip":
		ip, err := netip.ParseAddr(rest)
		if err != nil {
			return NilEndpoint, fmt.Errorf("%w: endpoint %q: %v", ErrDecode, s, err)
		}
		return EndpointFromIP(ip), nil
	case "udp", "tcp":
		ap, err := netip.ParseAddrPort(rest)
		if err != nil {
			return NilEndpoint, fmt.Errorf("%w: endpoint %q: %v", ErrDecode, s, err)
		}
		if kind == "tcp" {
			return EndpointFromTCP(ap), nil
		}
		return EndpointFromUDP(ap), nil
	case "http":
		if len(rest) == 0 || len(rest) > endpointMaxURLSize {
			return NilEndpoint, fmt.Errorf("%w: endpoint %q", ErrDecode, s)
		}
		return EndpointFromURL(rest), nil
	}
	return NilEndpoint, fmt.Errorf("%w: unknown endpoint type %q", ErrDecode, kind)
}

// AppendBinary appends the binary wire form of the endpoint.
func (e Endpoint) AppendBinary(out []byte) []byte {
	out = append(out, byte(e.typ))
	switch e.typ {
	case EndpointZeroTier:
		b := e.zt.Bytes()
		out = append(out, b[:]...)
	case EndpointEthernet:
		out = append(out, e.mac[:]...)
	case EndpointIP, EndpointIPUDP, EndpointIPTCP:
		out = wireAppendBytes(out, e.ip.Addr().AsSlice())
		var port [2]byte
		binary.BigEndian.PutUint16(port[:], e.ip.Port())
		out = append(out, port[:]...)
	case EndpointHTTP:
		out = wireAppendBytes(out, []byte(e.url))
	}
	return out
}

func (e *Endpoint) chop(data *[]byte) bool {
	var tmp Endpoint
	var t byte
	if !wireChopByte(&t, data) {
		return false
	}
	tmp.typ = EndpointType(t)
	switch tmp.typ {
	case EndpointNil:
	case EndpointZeroTier:
		var b [AddressSize]byte
		var ok bool
		if !wireChopSlice(b[:], data) {
			return false
		} else if tmp.zt, ok = AddressFromBytes(b[:]); !ok {
			return false
		}
	case EndpointEthernet:
		if !wireChopSlice(tmp.mac[:], data) {
			return false
		}
	case EndpointIP, EndpointIPUDP, EndpointIPTCP:
		var ipb []byte
		var port [2]byte
		if !wireChopVarBytes(&ipb, data, 16) {
			return false
		} else if !wireChopSlice(port[:], data) {
			return false
		}
		ip, ok := netip.AddrFromSlice(ipb)
		if !ok {
			return false
		}
		tmp.ip = netip.AddrPortFrom(ip.Unmap(), binary.BigEndian.Uint16(port[:]))
	case EndpointHTTP:
		var url []byte
		if !wireChopVarBytes(&url, data, endpointMaxURLSize) || len(url) == 0 {
			return false
		}
		tmp.url = string(url)
	default:
		return false
	}
	*e = tmp
	return true
}

// MarshalBinary encodes the endpoint in its binary wire form.
func (e Endpoint) MarshalBinary() ([]byte, error) {
	return e.AppendBinary(nil), nil
}

// UnmarshalBinary decodes an endpoint, rejecting trailing data.
func (e *Endpoint) UnmarshalBinary(data []byte) error {
	if !e.chop(&data) || len(data) != 0 {
		return ErrDecode
	}
	return nil
}

func (e Endpoint) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Endpoint) UnmarshalText(text []byte) error {
	tmp, err := ParseEndpoint(string(text))
	if err != nil {
		return err
	}
	*e = tmp
	return nil
}

func (e Endpoint) MarshalMsgpack() ([]byte, error) {
	return msgpack.Marshal(e.AppendBinary(nil))
}

func (e *Endpoint) UnmarshalMsgpack(b []byte) error {
	var bs []byte
	if err := msgpack.Unmarshal(b, &bs); err != nil {
		return fmt.Errorf("could not decode msgpack: %w", err)
	}
	return e.UnmarshalBinary(bs)
}

//go:build linux

package main

import (
	"net"
	"net/netip"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/zerotier/ZeroTierOne-sub058/network"
)

type localAddress struct {
	addr  netip.Addr
	iface network.LocalInterface
}

// localAddresses lists the global unicast addresses of every interface that is up.
func localAddresses(log zerolog.Logger) []localAddress {
	links, err := netlink.LinkList()
	if err != nil {
		log.Debug().Err(err).Msg("could not list links")
		return nil
	}
	var out []localAddress
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagUp == 0 || attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			log.Debug().Err(err).Str("link", attrs.Name).Msg("could not list addresses")
			continue
		}
		for _, a := range addrs {
			ip, ok := netip.AddrFromSlice(a.IP)
			if !ok {
				continue
			}
			ip = ip.Unmap()
			if !ip.IsGlobalUnicast() {
				continue
			}
			out = append(out, localAddress{addr: ip, iface: network.LocalInterface(attrs.Index)})
		}
	}
	return out
}

func socketControl(network, address string, c syscall.RawConn) (err error) {
	cerr := c.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err == nil {
		err = cerr
	}
	return
}

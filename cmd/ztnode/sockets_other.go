//go:build !linux

package main

import (
	"net/netip"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/zerotier/ZeroTierOne-sub058/network"
)

type localAddress struct {
	addr  netip.Addr
	iface network.LocalInterface
}

// localAddresses is only implemented on linux; elsewhere a wildcard socket is used.
func localAddresses(log zerolog.Logger) []localAddress {
	return nil
}

func socketControl(network, address string, c syscall.RawConn) error {
	return nil
}

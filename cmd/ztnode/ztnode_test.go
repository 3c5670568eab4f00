package main

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zerotier/ZeroTierOne-sub058/network"
	"github.com/zerotier/ZeroTierOne-sub058/types"
)

func TestParseHints(t *testing.T) {
	hints, err := parseHints([]string{
		"89e92ceee5@udp/192.0.2.1:9993",
		"89e92ceee5@[2001:db8::1]:9993",
	})
	require.NoError(t, err)
	require.Equal(t, []types.Endpoint{
		types.EndpointFromUDP(netip.MustParseAddrPort("192.0.2.1:9993")),
		types.EndpointFromUDP(netip.MustParseAddrPort("[2001:db8::1]:9993")),
	}, hints[types.Address(0x89e92ceee5)])

	for _, bad := range []string{"89e92ceee5", "xyz@udp/192.0.2.1:9993", "89e92ceee5@bogus/1"} {
		_, err := parseHints([]string{bad})
		require.Error(t, err, bad)
	}
}

func TestReadRootSetsCollectsErrors(t *testing.T) {
	dir := t.TempDir()
	id, err := types.GenerateIdentity()
	require.NoError(t, err)
	rs := types.NewRootSet("earth", "", 1)
	rs.AddMember(id, []types.Endpoint{types.EndpointFromUDP(netip.MustParseAddrPort("192.0.2.1:9993"))}, 0)
	require.NoError(t, rs.Sign(id))

	good := filepath.Join(dir, "earth.rootset")
	require.NoError(t, writeRootSet(good, rs))
	garbage := filepath.Join(dir, "garbage.rootset")
	require.NoError(t, os.WriteFile(garbage, []byte{0xc1}, 0644))
	missing := filepath.Join(dir, "missing.rootset")

	sets, err := readRootSets([]string{good, garbage, missing})
	require.Len(t, sets, 1)
	require.NoError(t, sets[0].Verify())
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	require.Len(t, merr.Errors, 2)
	require.ErrorIs(t, merr.Errors[0], types.ErrDecode)
	require.ErrorIs(t, merr.Errors[1], os.ErrNotExist)

	sets, err = readRootSets(nil)
	require.NoError(t, err)
	require.Empty(t, sets)
}

func TestEnvironmentIdentityPersistence(t *testing.T) {
	env := newUDPEnvironment(zerolog.Nop(), t.TempDir(), nil)
	require.Nil(t, env.LoadNodeIdentity())

	id, err := types.GenerateIdentity()
	require.NoError(t, err)
	env.SaveNodeIdentity(id)
	loaded, err := types.ParseIdentity(string(env.LoadNodeIdentity()))
	require.NoError(t, err)
	require.True(t, loaded.HasSecret())
	require.Equal(t, id.SecretString(), loaded.SecretString())

	public, err := readIdentity(filepath.Join(env.home, identityPublicFile))
	require.NoError(t, err)
	require.False(t, public.HasSecret())
	require.True(t, public.Equal(id))
}

func TestEnvironmentWithoutSockets(t *testing.T) {
	env := newUDPEnvironment(zerolog.Nop(), t.TempDir(), nil)
	ep := types.EndpointFromUDP(netip.MustParseAddrPort("192.0.2.1:9993"))
	require.False(t, env.LocalSocketIsValid(1))
	require.False(t, env.WireSend(ep, 0, 0, [][]byte{{0}}, 0))
	require.False(t, env.WireSend(types.EndpointFromURL("https://example.com"), 0, 0, [][]byte{{0}}, 0))
	require.True(t, env.CheckPath(nil, ep, 0, 0))
	require.False(t, env.CheckPath(nil, types.EndpointFromZeroTier(0x89e92ceee5), 0, 0))
	require.Less(t, env.TimeTicks()-env.TimeClock(), int64(1000))
}

func TestServeStopsOnClosedConn(t *testing.T) {
	env := newUDPEnvironment(zerolog.Nop(), t.TempDir(), nil)
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	env.sockets = append(env.sockets, &udpSocket{id: 1, local: local, conn: conn})

	received := make(chan []byte, 1)
	served := make(chan struct{})
	go func() {
		defer close(served)
		env.serve(func(socket network.LocalSocket, iface network.LocalInterface, ep types.Endpoint, data []byte) {
			received <- data
		})
	}()

	require.True(t, env.WireSend(types.EndpointFromUDP(local), 1, 0, [][]byte{[]byte("ping")}, 0))
	select {
	case data := <-received:
		require.Equal(t, []byte("ping"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("datagram not received")
	}

	// closed underneath the environment, without close
	require.NoError(t, conn.Close())
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("serve kept reading a closed connection")
	}
}

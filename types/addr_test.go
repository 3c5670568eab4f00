package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressText(t *testing.T) {
	a, err := ParseAddress("89e92ceee5")
	require.NoError(t, err)
	require.Equal(t, Address(0x89e92ceee5), a)
	require.Equal(t, "89e92ceee5", a.String())
	require.Equal(t, "0000000001", Address(1).String())

	for _, bad := range []string{"", "89e92ceee", "89e92ceee5a", "zz00000000", "0000000000", "ff00000001"} {
		_, err := ParseAddress(bad)
		require.True(t, errors.Is(err, ErrDecode), bad)
	}
}

func TestAddressBytes(t *testing.T) {
	a := Address(0x0102030405)
	b := a.Bytes()
	require.Equal(t, [AddressSize]byte{1, 2, 3, 4, 5}, b)
	out := make([]byte, 8)
	a.PutBytes(out[1:])
	require.Equal(t, []byte{0, 1, 2, 3, 4, 5, 0, 0}, out)

	got, ok := AddressFromBytes(b[:])
	require.True(t, ok)
	require.Equal(t, a, got)
	_, ok = AddressFromBytes(b[:4])
	require.False(t, ok)
	_, ok = AddressFromBytes([]byte{0xff, 0, 0, 0, 1})
	require.False(t, ok)
	_, ok = AddressFromBytes(make([]byte, AddressSize))
	require.False(t, ok)
}

package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityGenerate(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	require.True(t, id.HasSecret())
	require.NoError(t, id.Validate())
	require.False(t, id.Address().IsReserved())

	pub := id.PublicOnly()
	require.False(t, pub.HasSecret())
	require.True(t, pub.Equal(id))
	require.NoError(t, pub.Validate())
	_, err = pub.Sign([]byte("x"))
	require.True(t, errors.Is(err, ErrNoSecret))
}

func TestIdentityText(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	pub, err := ParseIdentity(id.String())
	require.NoError(t, err)
	require.False(t, pub.HasSecret())
	require.True(t, pub.Equal(id))

	full, err := ParseIdentity(id.SecretString() + "\n")
	require.NoError(t, err)
	require.True(t, full.HasSecret())
	require.NoError(t, full.Validate())
	require.Equal(t, id.SecretString(), full.SecretString())

	for _, bad := range []string{"", "89e92ceee5:0", "89e92ceee5:1:00", id.String() + ":00"} {
		_, err := ParseIdentity(bad)
		require.True(t, errors.Is(err, ErrDecode), bad)
	}
}

func TestIdentityValidateRejectsForgedAddress(t *testing.T) {
	a, err := GenerateIdentity()
	require.NoError(t, err)
	b, err := GenerateIdentity()
	require.NoError(t, err)

	forged, err := ParseIdentity(a.Address().String() + b.String()[AddressSize*2:])
	require.NoError(t, err)
	require.True(t, errors.Is(forged.Validate(), ErrInvalidIdentity))

	mixed, err := ParseIdentity(a.String() + b.SecretString()[len(b.String()):])
	require.NoError(t, err)
	require.True(t, errors.Is(mixed.Validate(), ErrInvalidIdentity))
}

func TestIdentityAgreeIsSymmetric(t *testing.T) {
	a, err := GenerateIdentity()
	require.NoError(t, err)
	b, err := GenerateIdentity()
	require.NoError(t, err)

	ab, err := a.Agree(b.PublicOnly())
	require.NoError(t, err)
	ba, err := b.Agree(a.PublicOnly())
	require.NoError(t, err)
	require.Equal(t, ab, ba)

	_, err = a.PublicOnly().Agree(b)
	require.True(t, errors.Is(err, ErrNoSecret))
}

func TestIdentitySignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	msg := []byte("root set")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	require.True(t, id.PublicOnly().Verify(msg, sig))
	require.False(t, id.Verify([]byte("other"), sig))
	require.False(t, id.Verify(msg, sig[1:]))
}

func TestIdentityBinary(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	data := id.AppendBinary([]byte{0xaa}, true)
	got, l, err := IdentityFromBinary(append(data[1:], 0xbb))
	require.NoError(t, err)
	require.Equal(t, len(data)-1, l)
	require.True(t, got.HasSecret())
	require.NoError(t, got.Validate())

	pub, err := id.MarshalBinary()
	require.NoError(t, err)
	var decoded Identity
	require.NoError(t, decoded.UnmarshalBinary(pub))
	require.True(t, decoded.Equal(id))
	require.False(t, decoded.HasSecret())
	require.Error(t, decoded.UnmarshalBinary(pub[:len(pub)-1]))
	require.Error(t, decoded.UnmarshalBinary(append(pub, 0)))
}

func TestIdentityCompare(t *testing.T) {
	a, err := GenerateIdentity()
	require.NoError(t, err)
	b, err := GenerateIdentity()
	require.NoError(t, err)
	require.Zero(t, a.Compare(a.PublicOnly()))
	require.Equal(t, -a.Compare(b), b.Compare(a))
	require.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	require.Equal(t, a.Fingerprint(), a.PublicOnly().Fingerprint())
}

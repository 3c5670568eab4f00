package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v4"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

const (
	IdentityTypeC25519 = 0

	identityKeySize = 32
	// Derivation digests whose first byte is not below this value are rejected, which makes
	// grinding for a chosen address cost roughly 15 key generations per attempt.
	identityWorkThreshold = 17

	identityPublicSize = AddressSize + 1 + identityKeySize*2
	identitySecretSize = identityKeySize + ed25519.SeedSize

	// SharedKeySize is the size of the symmetric key produced by Identity.Agree.
	SharedKeySize = 32
	// FingerprintSize is the size of an identity fingerprint.
	FingerprintSize = 48
)

// Fingerprint is a collision resistant hash of an identity's public keys.
type Fingerprint [FingerprintSize]byte

// Identity is a node's cryptographic identity: an x25519 key agreement key and an ed25519
// signing key, plus the Address derived from both. Secret keys are optional.
type Identity struct {
	address Address
	x25519  [identityKeySize]byte
	ed      [identityKeySize]byte
	secret  *identitySecret
}

type identitySecret struct {
	x25519 [identityKeySize]byte
	ed     ed25519.PrivateKey
}

// GenerateIdentity creates a new identity with secret keys, retrying until the derived
// address passes the work check.
func GenerateIdentity() (*Identity, error) {
	for {
		edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		var xs [identityKeySize]byte
		if _, err := rand.Read(xs[:]); err != nil {
			return nil, err
		}
		xp, err := curve25519.X25519(xs[:], curve25519.Basepoint)
		if err != nil {
			return nil, err
		}
		id := new(Identity)
		copy(id.x25519[:], xp)
		copy(id.ed[:], edPub)
		addr, ok := deriveAddress(id.x25519[:], id.ed[:])
		if !ok {
			continue
		}
		id.address = addr
		id.secret = &identitySecret{x25519: xs, ed: edPriv}
		return id, nil
	}
}

func deriveAddress(x, ed []byte) (Address, bool) {
	h := sha3.New512()
	h.Write(x)
	h.Write(ed)
	digest := h.Sum(nil)
	if digest[0] >= identityWorkThreshold {
		return 0, false
	}
	return AddressFromBytes(digest[59:64])
}

// Validate recomputes the address derivation and checks the secret keys, if present, match.
func (id *Identity) Validate() error {
	addr, ok := deriveAddress(id.x25519[:], id.ed[:])
	if !ok || addr != id.address {
		return fmt.Errorf("%w: address %s does not match its keys", ErrInvalidIdentity, id.address)
	}
	if id.secret != nil {
		xp, err := curve25519.X25519(id.secret.x25519[:], curve25519.Basepoint)
		if err != nil || !bytes.Equal(xp, id.x25519[:]) {
			return fmt.Errorf("%w: x25519 secret does not match", ErrInvalidIdentity)
		}
		if !bytes.Equal(id.secret.ed.Public().(ed25519.PublicKey), id.ed[:]) {
			return fmt.Errorf("%w: ed25519 secret does not match", ErrInvalidIdentity)
		}
	}
	return nil
}

func (id *Identity) Address() Address { return id.address }

func (id *Identity) HasSecret() bool { return id.secret != nil }

// Ed25519Public returns a copy of the signing public key.
func (id *Identity) Ed25519Public() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), id.ed[:]...)
}

// PublicOnly returns a copy of the identity without secret keys.
func (id *Identity) PublicOnly() *Identity {
	return &Identity{address: id.address, x25519: id.x25519, ed: id.ed}
}

// Equal compares public keys and address only.
func (id *Identity) Equal(other *Identity) bool {
	if id == nil || other == nil {
		return id == other
	}
	return id.address == other.address && id.x25519 == other.x25519 && id.ed == other.ed
}

// Compare is a total order over identities, by address and then by public keys.
func (id *Identity) Compare(other *Identity) int {
	switch {
	case id.address < other.address:
		return -1
	case id.address > other.address:
		return 1
	}
	if c := bytes.Compare(id.x25519[:], other.x25519[:]); c != 0 {
		return c
	}
	return bytes.Compare(id.ed[:], other.ed[:])
}

func (id *Identity) Fingerprint() Fingerprint {
	return Fingerprint(sha3.Sum384(id.AppendBinary(nil, false)))
}

// Sign signs msg with the ed25519 secret key.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if id.secret == nil {
		return nil, ErrNoSecret
	}
	return ed25519.Sign(id.secret.ed, msg), nil
}

func (id *Identity) Verify(msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(id.ed[:], msg, sig)
}

// Agree performs x25519 key agreement with other and returns a symmetric key.
func (id *Identity) Agree(other *Identity) ([SharedKeySize]byte, error) {
	var key [SharedKeySize]byte
	if id.secret == nil {
		return key, ErrNoSecret
	}
	shared, err := curve25519.X25519(id.secret.x25519[:], other.x25519[:])
	if err != nil {
		return key, fmt.Errorf("%w: key agreement: %v", ErrInvalidIdentity, err)
	}
	digest := sha3.Sum512(shared)
	copy(key[:], digest[:SharedKeySize])
	return key, nil
}

// AppendBinary appends the binary form, including secrets only if asked and present.
func (id *Identity) AppendBinary(out []byte, includeSecret bool) []byte {
	a := id.address.Bytes()
	out = append(out, a[:]...)
	out = append(out, IdentityTypeC25519)
	out = append(out, id.x25519[:]...)
	out = append(out, id.ed[:]...)
	if includeSecret && id.secret != nil {
		out = append(out, identitySecretSize)
		out = append(out, id.secret.x25519[:]...)
		out = append(out, id.secret.ed.Seed()...)
	} else {
		out = append(out, 0)
	}
	return out
}

func (id *Identity) chop(data *[]byte) bool {
	var tmp Identity
	var a [AddressSize]byte
	var t, secretSize byte
	var ok bool
	if !wireChopSlice(a[:], data) {
		return false
	} else if tmp.address, ok = AddressFromBytes(a[:]); !ok {
		return false
	} else if !wireChopByte(&t, data) || t != IdentityTypeC25519 {
		return false
	} else if !wireChopSlice(tmp.x25519[:], data) {
		return false
	} else if !wireChopSlice(tmp.ed[:], data) {
		return false
	} else if !wireChopByte(&secretSize, data) {
		return false
	}
	switch secretSize {
	case 0:
	case identitySecretSize:
		var s identitySecret
		seed := make([]byte, ed25519.SeedSize)
		if !wireChopSlice(s.x25519[:], data) || !wireChopSlice(seed, data) {
			return false
		}
		s.ed = ed25519.NewKeyFromSeed(seed)
		tmp.secret = &s
	default:
		return false
	}
	*id = tmp
	return true
}

// IdentityFromBinary decodes an identity and returns the number of bytes consumed.
func IdentityFromBinary(data []byte) (*Identity, int, error) {
	orig := len(data)
	id := new(Identity)
	if !id.chop(&data) {
		return nil, 0, fmt.Errorf("%w: identity", ErrDecode)
	}
	return id, orig - len(data), nil
}

func (id *Identity) MarshalBinary() ([]byte, error) {
	return id.AppendBinary(nil, false), nil
}

func (id *Identity) UnmarshalBinary(data []byte) error {
	if !id.chop(&data) || len(data) != 0 {
		return fmt.Errorf("%w: identity", ErrDecode)
	}
	return nil
}

func (id *Identity) MarshalMsgpack() ([]byte, error) {
	return msgpack.Marshal(id.AppendBinary(nil, false))
}

func (id *Identity) UnmarshalMsgpack(b []byte) error {
	var bs []byte
	if err := msgpack.Unmarshal(b, &bs); err != nil {
		return fmt.Errorf("could not decode msgpack: %w", err)
	}
	return id.UnmarshalBinary(bs)
}

// String returns the public text form.
func (id *Identity) String() string {
	return id.text(false)
}

// SecretString returns the text form including secret keys, if present.
func (id *Identity) SecretString() string {
	return id.text(true)
}

func (id *Identity) text(includeSecret bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:%d:%s%s", id.address, IdentityTypeC25519, hex.EncodeToString(id.x25519[:]), hex.EncodeToString(id.ed[:]))
	if includeSecret && id.secret != nil {
		fmt.Fprintf(&sb, ":%s%s", hex.EncodeToString(id.secret.x25519[:]), hex.EncodeToString(id.secret.ed.Seed()))
	}
	return sb.String()
}

// ParseIdentity parses the text form. It does not run Validate.
func ParseIdentity(s string) (*Identity, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 && len(parts) != 4 {
		return nil, fmt.Errorf("%w: identity must have 3 or 4 fields", ErrDecode)
	}
	addr, err := ParseAddress(parts[0])
	if err != nil {
		return nil, err
	}
	if parts[1] != "0" {
		return nil, fmt.Errorf("%w: unsupported identity type %q", ErrDecode, parts[1])
	}
	pub, err := hex.DecodeString(parts[2])
	if err != nil || len(pub) != identityKeySize*2 {
		return nil, fmt.Errorf("%w: identity public keys", ErrDecode)
	}
	id := &Identity{address: addr}
	copy(id.x25519[:], pub[:identityKeySize])
	copy(id.ed[:], pub[identityKeySize:])
	if len(parts) == 4 {
		sec, err := hex.DecodeString(parts[3])
		if err != nil || len(sec) != identitySecretSize {
			return nil, fmt.Errorf("%w: identity secret keys", ErrDecode)
		}
		s := &identitySecret{ed: ed25519.NewKeyFromSeed(sec[identityKeySize:])}
		copy(s.x25519[:], sec[:identityKeySize])
		id.secret = s
	}
	return id, nil
}

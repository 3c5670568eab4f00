package network

import (
	"crypto/subtle"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"

	"github.com/zerotier/ZeroTierOne-sub058/types"
)

type sharedKey [types.SharedKeySize]byte

// packetCipher returns a stream cipher keyed for one packet, and the MAC key taken from the
// first 32 bytes of its keystream.
func (key *sharedKey) packetCipher(id uint64) (*chacha20.Cipher, [32]byte) {
	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], id)
	var macKey [32]byte
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		panic(err) // key and nonce sizes are fixed
	}
	c.XORKeyStream(macKey[:], macKey[:])
	return c, macKey
}

// packetMAC covers the header except the MAC itself and the hop counter, which relays change.
func packetMAC(pkt []byte, macKey *[32]byte) []byte {
	h, err := blake2b.New(packetMACSize, macKey[:])
	if err != nil {
		panic(err)
	}
	h.Write(pkt[:packetIdxFlags])
	h.Write([]byte{pkt[packetIdxFlags] &^ headerHopsMask})
	h.Write(pkt[packetIdxVerb:])
	return h.Sum(nil)
}

// armor encrypts (for cipherChaCha20Blake2b) and then MACs a complete packet in place. The
// cipher must already be set in the header flags.
func (key *sharedKey) armor(pkt []byte) {
	h := wireHeader(pkt)
	c, macKey := key.packetCipher(h.packetID())
	if h.cipher() == cipherChaCha20Blake2b {
		c.XORKeyStream(pkt[packetIdxVerb:], pkt[packetIdxVerb:])
	}
	copy(pkt[packetIdxMAC:packetIdxVerb], packetMAC(pkt, &macKey))
}

// dearmor authenticates a complete packet and decrypts it in place. Nothing is modified if
// authentication fails.
func (key *sharedKey) dearmor(pkt []byte) bool {
	if len(pkt) < packetMinSize {
		return false
	}
	h := wireHeader(pkt)
	c, macKey := key.packetCipher(h.packetID())
	if subtle.ConstantTimeCompare(packetMAC(pkt, &macKey), pkt[packetIdxMAC:packetIdxVerb]) != 1 {
		return false
	}
	switch h.cipher() {
	case cipherNone:
	case cipherChaCha20Blake2b:
		c.XORKeyStream(pkt[packetIdxVerb:], pkt[packetIdxVerb:])
	default:
		return false
	}
	return true
}

package types

import (
	"encoding/hex"
	"fmt"
	"net"
)

// AddressSize is the length in bytes of a node Address on the wire.
const AddressSize = 5

// AddressReservedPrefix is the first byte of addresses that are reserved and never assigned.
const AddressReservedPrefix = 0xff

const addressMask = 0xffffffffff

// Address implements the `net.Addr` interface for the 40-bit node address derived from an Identity.
type Address uint64

var _ net.Addr = Address(0)

// AddressFromBytes reads a 5-byte address. It fails on short input and on the nil or a reserved address.
func AddressFromBytes(b []byte) (Address, bool) {
	if len(b) < AddressSize {
		return 0, false
	}
	a := Address(uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4]))
	if a.IsReserved() {
		return 0, false
	}
	return a, true
}

// ParseAddress parses the 10 hex digit form of an address.
func ParseAddress(s string) (Address, error) {
	if len(s) != AddressSize*2 {
		return 0, fmt.Errorf("%w: address must be %d hex digits", ErrDecode, AddressSize*2)
	}
	var b [AddressSize]byte
	if _, err := hex.Decode(b[:], []byte(s)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	a, ok := AddressFromBytes(b[:])
	if !ok {
		return 0, fmt.Errorf("%w: reserved address %s", ErrDecode, s)
	}
	return a, nil
}

// IsReserved returns true for the nil address and for addresses in the reserved range.
func (a Address) IsReserved() bool {
	return a == 0 || (a>>32)&0xff == AddressReservedPrefix || a > addressMask
}

// Bytes returns the 5-byte wire form.
func (a Address) Bytes() (b [AddressSize]byte) {
	b[0] = byte(a >> 32)
	b[1] = byte(a >> 24)
	b[2] = byte(a >> 16)
	b[3] = byte(a >> 8)
	b[4] = byte(a)
	return
}

// PutBytes writes the 5-byte wire form into out, which must be at least AddressSize long.
func (a Address) PutBytes(out []byte) {
	b := a.Bytes()
	copy(out[:AddressSize], b[:])
}

// Network returns "zerotier" as a string, but is otherwise unused.
func (a Address) Network() string {
	return "zerotier"
}

// String returns the address as 10 hexadecimal digits.
func (a Address) String() string {
	return fmt.Sprintf("%010x", uint64(a)&addressMask)
}

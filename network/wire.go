package network

import (
	"encoding/binary"

	"github.com/zerotier/ZeroTierOne-sub058/types"
)

// Packet header: id[0:8] dest[8:13] src[13:18] flags[18] mac[19:27], then the verb.
const (
	packetIdxID     = 0
	packetIdxDest   = 8
	packetIdxSource = 13
	packetIdxFlags  = 18
	packetIdxMAC    = 19
	packetIdxVerb   = 27

	packetHeaderSize = 27
	packetMinSize    = packetIdxVerb + 1
	packetMACSize    = 8

	headerHopsMask       = 0x07
	headerCipherMask     = 0x38
	headerCipherShift    = 3
	headerFlagFragmented = 0x40
)

// Fragment header: id[0:8] dest[8:13] 0xff[13] total<<4|no[14] hops[15].
const (
	fragmentIdxIndicator = 13
	fragmentIdxCounts    = 14
	fragmentIdxHops      = 15

	fragmentHeaderSize = 16
	fragmentIndicator  = 0xff
	fragmentCountMax   = 8
)

const (
	defaultPathMTU = 1432
	minPathMTU     = 576
)

const (
	cipherNone            byte = 0 // authenticated but not encrypted
	cipherChaCha20Blake2b byte = 1
)

const (
	VerbNOP   byte = 0x00
	VerbHELLO byte = 0x01
	VerbERROR byte = 0x02
	VerbOK    byte = 0x03
	VerbWHOIS byte = 0x04

	verbMask             = 0x1f
	verbFlagExtendedAuth = 0x40
	verbFlagCompressed   = 0x80
)

// Error codes carried in ERROR replies.
const (
	ErrorCodeNone             byte = 0x00
	ErrorCodeInvalidRequest   byte = 0x01
	ErrorCodeBadProtocol      byte = 0x02
	ErrorCodeObjectNotFound   byte = 0x03
	ErrorCodeUnsupportedOp    byte = 0x05
	ErrorCodeNeedMembershipCt byte = 0x06
)

// wireHeader is a view over the first bytes of a datagram, which may be either a packet or a fragment.
type wireHeader []byte

// wireHeaderFrom returns a view if data is long enough for the header it claims to carry.
func wireHeaderFrom(data []byte) (wireHeader, bool) {
	if len(data) < fragmentHeaderSize {
		return nil, false
	}
	h := wireHeader(data)
	if !h.isFragment() && len(data) < packetMinSize {
		return nil, false
	}
	return h, true
}

func (h wireHeader) packetID() uint64 {
	return binary.BigEndian.Uint64(h[packetIdxID:])
}

func (h wireHeader) dest() (types.Address, bool) {
	return types.AddressFromBytes(h[packetIdxDest:packetIdxSource])
}

// isFragment is true for a non-head fragment. A packet's source can never start with 0xff.
func (h wireHeader) isFragment() bool {
	return h[fragmentIdxIndicator] == fragmentIndicator
}

func (h wireHeader) fragmentNo() uint8 {
	return h[fragmentIdxCounts] & 0x0f
}

func (h wireHeader) totalFragments() uint8 {
	return h[fragmentIdxCounts] >> 4
}

func (h wireHeader) hopsIdx() int {
	if h.isFragment() {
		return fragmentIdxHops
	}
	return packetIdxFlags
}

func (h wireHeader) hops() uint8 {
	return h[h.hopsIdx()] & headerHopsMask
}

// incrementHops bumps the hop counter in place and returns the new count. A counter that
// would overflow is left untouched and the overflowed value is returned.
func (h wireHeader) incrementHops() uint8 {
	idx := h.hopsIdx()
	hops := (h[idx] & headerHopsMask) + 1
	if hops > headerHopsMask {
		return hops
	}
	h[idx] = (h[idx] &^ headerHopsMask) | hops
	return hops
}

// The following are only meaningful on packets, not fragments.

func (h wireHeader) source() (types.Address, bool) {
	return types.AddressFromBytes(h[packetIdxSource:packetIdxFlags])
}

func (h wireHeader) cipher() byte {
	return (h[packetIdxFlags] & headerCipherMask) >> headerCipherShift
}

func (h wireHeader) isFragmented() bool {
	return h[packetIdxFlags]&headerFlagFragmented != 0
}

// wireAppendPacketHeader appends a packet header and verb with a zero MAC.
func wireAppendPacketHeader(out []byte, id uint64, dest, source types.Address, cipher byte, verb byte) []byte {
	var h [packetMinSize]byte
	binary.BigEndian.PutUint64(h[packetIdxID:], id)
	dest.PutBytes(h[packetIdxDest:])
	source.PutBytes(h[packetIdxSource:])
	h[packetIdxFlags] = (cipher << headerCipherShift) & headerCipherMask
	h[packetIdxVerb] = verb
	return append(out, h[:]...)
}

func wireAppendFragmentHeader(out []byte, id uint64, dest types.Address, no, total uint8) []byte {
	var h [fragmentHeaderSize]byte
	binary.BigEndian.PutUint64(h[packetIdxID:], id)
	dest.PutBytes(h[packetIdxDest:])
	h[fragmentIdxIndicator] = fragmentIndicator
	h[fragmentIdxCounts] = total<<4 | (no & 0x0f)
	return append(out, h[:]...)
}

func wireChopSlice(out []byte, data *[]byte) bool {
	if len(*data) < len(out) {
		return false
	}
	copy(out, *data)
	*data = (*data)[len(out):]
	return true
}

func wireChopByte(out *byte, data *[]byte) bool {
	if len(*data) < 1 {
		return false
	}
	*out = (*data)[0]
	*data = (*data)[1:]
	return true
}

func wireChopUint64(out *uint64, data *[]byte) bool {
	var b [8]byte
	if !wireChopSlice(b[:], data) {
		return false
	}
	*out = binary.BigEndian.Uint64(b[:])
	return true
}

func wireAppendUint64(out []byte, u uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], u)
	return append(out, b[:]...)
}

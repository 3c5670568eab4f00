package types

import "encoding/binary"

func wireChopSlice(out []byte, data *[]byte) bool {
	if len(*data) < len(out) {
		return false
	}
	copy(out, *data)
	*data = (*data)[len(out):]
	return true
}

func wireChopBytes(out *[]byte, data *[]byte, size int) bool {
	if size < 0 || len(*data) < size {
		return false
	}
	*out = append((*out)[:0], (*data)[:size]...)
	*data = (*data)[size:]
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

func wireChopUvarint(out *uint64, data *[]byte) bool {
	var u uint64
	var l int
	if u, l = binary.Uvarint(*data); l <= 0 {
		return false
	}
	*out, *data = u, (*data)[l:]
	return true
}

func wireAppendUvarint(dest []byte, u uint64) []byte {
	var b [binary.MaxVarintLen64]byte
	l := binary.PutUvarint(b[:], u)
	return append(dest, b[:l]...)
}

func wireAppendBytes(dest []byte, bs []byte) []byte {
	dest = wireAppendUvarint(dest, uint64(len(bs)))
	return append(dest, bs...)
}

func wireChopVarBytes(out *[]byte, data *[]byte, max int) bool {
	var l uint64
	if !wireChopUvarint(&l, data) || l > uint64(max) {
		return false
	}
	return wireChopBytes(out, data, int(l))
}

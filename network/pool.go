package network

import "sync"

// packetBufferSize covers the largest packet that can be reassembled from fragments.
const packetBufferSize = 16384

var bytePool = sync.Pool{New: func() interface{} { return make([]byte, 0, packetBufferSize) }}

func allocBytes(size int) []byte {
	bs := bytePool.Get().([]byte)
	if cap(bs) < size {
		bs = make([]byte, size)
	}
	return bs[:size]
}

func freeBytes(bs []byte) {
	if cap(bs) > packetBufferSize {
		return
	}
	bytePool.Put(bs[:0])
}

// freeFragments returns every fragment of an assembled or pending packet to the pool.
func freeFragments(frags [][]byte) {
	for _, f := range frags {
		if f != nil {
			freeBytes(f)
		}
	}
}

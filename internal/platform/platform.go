// Package platform holds low-level file I/O helpers tuned per
// operating system: pooled copy buffers and best-effort disk
// preallocation for files about to be written.
package platform

import "sync"

// BufferSize is the length of a pooled copy buffer.
const BufferSize = 1 << 20 // 1 MiB

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, BufferSize)
		return &b
	},
}

// GetBuffer returns a copy buffer from the pool. Callers hand it back
// with PutBuffer once the copy is done.
func GetBuffer() *[]byte {
	return bufPool.Get().(*[]byte)
}

// PutBuffer returns a buffer obtained from GetBuffer to the pool.
func PutBuffer(b *[]byte) {
	bufPool.Put(b)
}

package rasterstream

import (
	"sync"
)

// Buffer pools for the compressed bytes of tiles and strips. Decoded tiles live in
// the tile cache and are never returned here.

const (
	smallBufferSize  = 64 * 1024       // 64KB
	mediumBufferSize = 256 * 1024      // 256KB
	largeBufferSize  = 1024 * 1024     // 1MB
	xlargeBufferSize = 4 * 1024 * 1024 // 4MB
)

var bufferTiers = []struct {
	size int
	pool *sync.Pool
}{
	{smallBufferSize, newSlicePool(smallBufferSize)},
	{mediumBufferSize, newSlicePool(mediumBufferSize)},
	{largeBufferSize, newSlicePool(largeBufferSize)},
	{xlargeBufferSize, newSlicePool(xlargeBufferSize)},
}

func newSlicePool(size int) *sync.Pool {
	return &sync.Pool{
		New: func() any {
			buf := make([]byte, size)
			return &buf
		},
	}
}

// GetBuffer returns a byte slice of length size from the pool.
// Call PutBuffer when done to return it to the pool.
func GetBuffer(size int) []byte {
	for _, tier := range bufferTiers {
		if size <= tier.size {
			return (*tier.pool.Get().(*[]byte))[:size]
		}
	}
	// too large to pool
	return make([]byte, size)
}

// PutBuffer returns a buffer obtained from GetBuffer to the pool.
// The buffer must not be used afterwards.
func PutBuffer(buf []byte) {
	c := cap(buf)
	for _, tier := range bufferTiers {
		if c == tier.size {
			buf = buf[:c]
			tier.pool.Put(&buf)
			return
		}
	}
}

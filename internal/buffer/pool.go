package buffer

import (
	"sync"
)

// BytePool provides object pooling for segment backing storage. Buffers are
// bucketed by power-of-two capacity from 4KB up to MaxCapacity.
type BytePool struct {
	pools map[int]*sync.Pool
	sizes []int
}

// NewBytePool creates a new byte pool with power-of-two size buckets
func NewBytePool() *BytePool {
	var sizes []int
	for size := 4096; size <= MaxCapacity+1; size <<= 1 {
		sizes = append(sizes, size)
	}

	pools := make(map[int]*sync.Pool, len(sizes))
	for _, size := range sizes {
		size := size
		pools[size] = &sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		}
	}

	return &BytePool{
		pools: pools,
		sizes: sizes,
	}
}

// Get retrieves a zeroed byte slice of exactly size bytes
func (p *BytePool) Get(size int) []byte {
	for _, bucketSize := range p.sizes {
		if bucketSize >= size {
			buf := *(p.pools[bucketSize].Get().(*[]byte))
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns a byte slice to the pool for reuse. Slices whose capacity does
// not match a bucket are left to the garbage collector.
func (p *BytePool) Put(buf []byte) {
	if buf == nil {
		return
	}

	pool, exists := p.pools[cap(buf)]
	if !exists {
		return
	}
	buf = buf[:cap(buf)]
	clear(buf)
	pool.Put(&buf)
}

// PoolStats describes the pool's bucket layout
type PoolStats struct {
	PoolSizes     []int `json:"pool_sizes"`
	MaxBufferSize int   `json:"max_buffer_size"`
	MinBufferSize int   `json:"min_buffer_size"`
}

// GetStats returns the pool's bucket layout
func (p *BytePool) GetStats() PoolStats {
	stats := PoolStats{PoolSizes: append([]int(nil), p.sizes...)}
	if len(p.sizes) > 0 {
		stats.MinBufferSize = p.sizes[0]
		stats.MaxBufferSize = p.sizes[len(p.sizes)-1]
	}
	return stats
}

package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytePool_GetPut(t *testing.T) {
	p := NewBytePool()

	buf := p.Get(5000)
	require.Len(t, buf, 5000)
	assert.Equal(t, 8192, cap(buf))

	buf[0] = 0xff
	p.Put(buf)

	again := p.Get(100)
	require.Len(t, again, 100)
	assert.Equal(t, byte(0), again[0], "pooled buffers come back zeroed")

	// odd capacities are dropped rather than pooled
	p.Put(make([]byte, 10))
	p.Put(nil)
}

func TestBytePool_Stats(t *testing.T) {
	stats := NewBytePool().GetStats()

	assert.Equal(t, 4096, stats.MinBufferSize)
	assert.Equal(t, MaxCapacity+1, stats.MaxBufferSize)
	assert.Equal(t, stats.MinBufferSize, stats.PoolSizes[0])
}

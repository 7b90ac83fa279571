package buffer

import (
	"sync"
	"sync/atomic"
)

// PartPool recycles the fixed-size buffers multipart flushes assemble
// parts into, so concurrent flushes of large files do not churn the heap.
type PartPool struct {
	size int
	pool sync.Pool

	gets   atomic.Int64
	allocs atomic.Int64
}

// PoolStats reports pool usage.
type PoolStats struct {
	BufferSize int   `json:"buffer_size"`
	Gets       int64 `json:"gets"`
	Allocs     int64 `json:"allocs"`
}

// NewPartPool creates a pool of buffers of size bytes.
func NewPartPool(size int) *PartPool {
	p := &PartPool{size: size}
	p.pool.New = func() interface{} {
		p.allocs.Add(1)
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size returns the buffer size.
func (p *PartPool) Size() int { return p.size }

// Get returns a zeroed buffer of length n. Requests larger than the pool
// size are allocated directly.
func (p *PartPool) Get(n int) []byte {
	if n > p.size {
		return make([]byte, n)
	}
	p.gets.Add(1)
	buf := *(p.pool.Get().(*[]byte))
	buf = buf[:n]
	clear(buf)
	return buf
}

// Put returns buf to the pool. Buffers of a foreign capacity are dropped.
func (p *PartPool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

// Stats returns pool usage counters.
func (p *PartPool) Stats() PoolStats {
	return PoolStats{
		BufferSize: p.size,
		Gets:       p.gets.Load(),
		Allocs:     p.allocs.Load(),
	}
}

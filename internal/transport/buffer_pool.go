package transport

import (
	"sync"
	"sync/atomic"
)

// BufferPool pools the byte slices the envelope decoders splice ciphertext
// and authentication tags into. Buffers are zeroized before being returned to
// the pool so a previous request's plaintext never lingers in a reused slice.
type BufferPool struct {
	pool32  *sync.Pool // 32-byte buffers, for Get(32) requests
	pool64K *sync.Pool // chunk-sized buffers (ciphertext + tag splicing)

	hits32, misses32   int64
	hits64K, misses64K int64
}

var globalBufferPool = &BufferPool{
	// No New funcs: an empty pool returns nil so Get32/get64K can count misses.
	pool32:  &sync.Pool{},
	pool64K: &sync.Pool{},
}

// GetGlobalBufferPool returns the package-wide buffer pool instance.
func GetGlobalBufferPool() *BufferPool {
	return globalBufferPool
}

// Get returns a buffer of at least the requested size, reusing a pooled
// buffer when one fits.
func (p *BufferPool) Get(size int) []byte {
	if size == 32 {
		return p.Get32()
	}
	if size <= 64*1024+128 {
		buf := p.get64K()
		if cap(buf) >= size {
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to the pool matching its capacity, if any.
func (p *BufferPool) Put(buf []byte) {
	c := cap(buf)
	if c >= 64*1024 && c <= 64*1024+128 {
		p.put64K(buf)
		return
	}
	if c == 32 {
		p.Put32(buf)
		return
	}
	// No matching pool; let GC reclaim it.
}

// Get32 returns a 32-byte buffer from the pool.
func (p *BufferPool) Get32() []byte {
	if buf := p.pool32.Get(); buf != nil {
		atomic.AddInt64(&p.hits32, 1)
		return buf.([]byte)
	}
	atomic.AddInt64(&p.misses32, 1)
	return make([]byte, 32)
}

// Put32 zeroizes and returns a 32-byte buffer to the pool.
func (p *BufferPool) Put32(buf []byte) {
	if cap(buf) != 32 {
		return
	}
	zero(buf)
	p.pool32.Put(buf[:32])
}

func (p *BufferPool) get64K() []byte {
	if buf := p.pool64K.Get(); buf != nil {
		atomic.AddInt64(&p.hits64K, 1)
		return buf.([]byte)
	}
	atomic.AddInt64(&p.misses64K, 1)
	return make([]byte, 64*1024+128)
}

func (p *BufferPool) put64K(buf []byte) {
	if cap(buf) < 64*1024 {
		return
	}
	zero(buf)
	p.pool64K.Put(buf[:cap(buf)])
}

func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// BufferPoolMetrics reports pool hit/miss counters, surfaced via internal/metrics.
type BufferPoolMetrics struct {
	Hits32, Misses32   int64
	Hits64K, Misses64K int64
}

func (p *BufferPool) GetMetrics() BufferPoolMetrics {
	return BufferPoolMetrics{
		Hits32:    atomic.LoadInt64(&p.hits32),
		Misses32:  atomic.LoadInt64(&p.misses32),
		Hits64K:   atomic.LoadInt64(&p.hits64K),
		Misses64K: atomic.LoadInt64(&p.misses64K),
	}
}

package engine

import (
	"io"
	"sync"
)

// DefaultBufferSize matches a typical SSH channel window so one copy buffer
// fills one window.
const DefaultBufferSize = 256 * 1024

// BufferPool manages reusable byte buffers for stream copies.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates a BufferPool of size-byte buffers. If size is <= 0,
// DefaultBufferSize is used.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get retrieves a buffer. The caller must Put it back when finished.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(b *[]byte) {
	if b != nil {
		bp.pool.Put(b)
	}
}

// Copy is io.CopyBuffer with a pooled buffer.
func (bp *BufferPool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	b := bp.Get()
	defer bp.Put(b)
	return io.CopyBuffer(dst, src, *b)
}

var defaultPool = NewBufferPool(DefaultBufferSize)

// Copy copies src to dst using the package's shared buffer pool.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	return defaultPool.Copy(dst, src)
}

package utils

import (
	"io"
	"sync"
)

// Buffer wraps a byte slice for use in sync.Pool
type Buffer struct {
	B []byte
}

// BufferPool provides a pool of reusable byte buffers.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool creates a new buffer pool with buffers of the specified size.
func NewBufferPool(bufferSize int) *BufferPool {
	return &BufferPool{
		size: bufferSize,
		pool: sync.Pool{
			New: func() any {
				return &Buffer{B: make([]byte, bufferSize)}
			},
		},
	}
}

// Get retrieves a buffer from the pool.
func (p *BufferPool) Get() *Buffer {
	buf := p.pool.Get().(*Buffer)
	buf.B = buf.B[:p.size]
	return buf
}

// Put returns a buffer to the pool.
func (p *BufferPool) Put(buf *Buffer) {
	if cap(buf.B) == p.size {
		p.pool.Put(buf)
	}
}

// Copy copies src to dst through a pooled buffer.
func (p *BufferPool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := p.Get()
	defer p.Put(buf)
	return io.CopyBuffer(dst, src, buf.B)
}

// DefaultBufferPool is a default buffer pool with 32KB buffers.
var DefaultBufferPool = NewBufferPool(32 * 1024)

// Package pool provides byte-buffer reuse for output capture paths
// where per-task allocations would add GC pressure.
package pool

import (
	"sync"
)

const (
	// initialBufferSize seeds fresh buffers (8KB).
	initialBufferSize = 8 * 1024
	// maxPooledSize keeps oversized capture buffers out of the pool so a
	// single chatty tool cannot pin memory for the whole gateway.
	maxPooledSize = 1024 * 1024
)

// ByteBufferPool provides reusable byte slices for output capture.
type ByteBufferPool struct {
	pool sync.Pool
}

// NewByteBufferPool creates a byte buffer pool.
func NewByteBufferPool() *ByteBufferPool {
	return &ByteBufferPool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, 0, initialBufferSize)
				return &b
			},
		},
	}
}

// Get retrieves a zero-length byte slice from the pool.
func (p *ByteBufferPool) Get() []byte {
	if p == nil {
		return make([]byte, 0, initialBufferSize)
	}
	bp := p.pool.Get().(*[]byte)
	return (*bp)[:0]
}

// Put returns a byte slice to the pool. The slice must not be used
// after this call.
func (p *ByteBufferPool) Put(b []byte) {
	if p == nil || cap(b) == 0 || cap(b) > maxPooledSize {
		return
	}
	p.pool.Put(&b)
}

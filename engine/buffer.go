package engine

import (
	"sync"
)

// DefaultBufferSize is the size of the copy buffers used to stream downloads.
const DefaultBufferSize = 1 * 1024 * 1024

// DefaultPartSize is the multipart part size. The storage side requires at
// least 5 MiB for every part except the last.
const DefaultPartSize = 10 * 1024 * 1024

// BufferPool manages reusable byte buffers so concurrent part uploads do not
// allocate a fresh part-sized slice per part.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a new BufferPool that allocates buffers of the specified size.
// If size is <= 0, DefaultBufferSize is used.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &BufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size returns the length of the buffers handed out by Get.
func (bp *BufferPool) Size() int {
	return bp.size
}

// Get retrieves a reusable byte buffer from the pool.
// The caller should defer calling Put on this buffer once finished.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns the byte buffer to the pool so it can be reused.
func (bp *BufferPool) Put(b *[]byte) {
	if b != nil && len(*b) == bp.size {
		bp.pool.Put(b)
	}
}

package protocol

import "sync"

// Frame buffers are drawn from three size classes. Most control messages
// (hello, action tokens, small queries and outcomes) fit the small class;
// file chunks land in the large one.
const (
	smallBufferSize  = 4 << 10  // 4KB
	mediumBufferSize = 64 << 10 // 64KB
	largeBufferSize  = 1 << 20  // 1MB
)

type bufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

func newSizedPool(size int) sync.Pool {
	return sync.Pool{
		New: func() any {
			buf := make([]byte, size)
			return &buf
		},
	}
}

var globalBufferPool = &bufferPool{
	small:  newSizedPool(smallBufferSize),
	medium: newSizedPool(mediumBufferSize),
	large:  newSizedPool(largeBufferSize),
}

// Get returns a slice of length size. Sizes above the large class are
// allocated directly and never pooled.
func (p *bufferPool) Get(size uint32) []byte {
	var bufPtr *[]byte

	switch {
	case size <= smallBufferSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= mediumBufferSize:
		bufPtr = p.medium.Get().(*[]byte)
	case size <= largeBufferSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		return make([]byte, size)
	}

	buf := *bufPtr
	return buf[:size]
}

// Put returns buf to the pool matching its capacity. Buffers of any other
// capacity are left to the GC.
func (p *bufferPool) Put(buf []byte) {
	if buf == nil {
		return
	}

	full := buf[:cap(buf)]
	switch cap(buf) {
	case smallBufferSize:
		p.small.Put(&full)
	case mediumBufferSize:
		p.medium.Put(&full)
	case largeBufferSize:
		p.large.Put(&full)
	}
}

// GetBuffer acquires a buffer from the global pool.
//
//	buf := GetBuffer(size)
//	defer PutBuffer(buf)
func GetBuffer(size uint32) []byte {
	return globalBufferPool.Get(size)
}

// PutBuffer returns a buffer obtained from GetBuffer or ReadMessage.
func PutBuffer(buf []byte) {
	globalBufferPool.Put(buf)
}

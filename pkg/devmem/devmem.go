package devmem

// Package devmem tracks device memory buffers with explicit ownership.
// A buffer is checked out of a Pool by exactly one stage at a time, and
// returned to a free-list on completion. This keeps all sizing and lifetime
// bookkeeping on the Go side, where we can test it; the actual allocation is
// behind the Allocator interface (CUDA in production, a counting fake in tests).

import (
	"errors"
	"fmt"
	"sync"
)

var ErrPoolClosed = errors.New("devmem: pool is closed")

// Allocator performs the raw device allocations for a Pool
type Allocator interface {
	Alloc(size int) (uintptr, error)
	Free(ptr uintptr, size int)
}

// Buffer is a device memory buffer owned by whoever holds the value.
// Do not retain a Buffer after returning it to its pool.
type Buffer struct {
	Ptr  uintptr
	Size int
}

func (b Buffer) IsZero() bool {
	return b.Ptr == 0
}

// Pool is a size-bucketed free-list of device buffers.
// Checkout reuses a free buffer of the exact requested size if one exists,
// otherwise it allocates. Buffers are only released back to the device by
// Close, which the owner must call after draining all outstanding device work;
// freeing device memory with asynchronous work still referencing it is
// undefined behavior.
type Pool struct {
	lock        sync.Mutex
	alloc       Allocator
	free        map[int][]Buffer
	outstanding int
	totalBytes  int64
	closed      bool
}

func NewPool(alloc Allocator) *Pool {
	return &Pool{
		alloc: alloc,
		free:  map[int][]Buffer{},
	}
}

// Checkout hands ownership of a buffer of exactly 'size' bytes to the caller
func (p *Pool) Checkout(size int) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, fmt.Errorf("devmem: invalid buffer size %v", size)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return Buffer{}, ErrPoolClosed
	}
	if list := p.free[size]; len(list) != 0 {
		buf := list[len(list)-1]
		p.free[size] = list[:len(list)-1]
		p.outstanding++
		return buf, nil
	}
	ptr, err := p.alloc.Alloc(size)
	if err != nil {
		return Buffer{}, err
	}
	p.totalBytes += int64(size)
	p.outstanding++
	return Buffer{Ptr: ptr, Size: size}, nil
}

// Return gives a buffer back to the free-list. The caller must not touch the
// buffer afterwards, and no in-flight device work may still reference it.
func (p *Pool) Return(buf Buffer) {
	if buf.IsZero() {
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.free[buf.Size] = append(p.free[buf.Size], buf)
	p.outstanding--
	if p.outstanding < 0 {
		panic("devmem: more buffers returned than checked out")
	}
}

// TotalBytes is the number of device bytes currently allocated by this pool,
// whether checked out or on the free-list
func (p *Pool) TotalBytes() int64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.totalBytes
}

// Outstanding is the number of buffers currently checked out
func (p *Pool) Outstanding() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.outstanding
}

// Close frees all buffers on the free-list and shuts the pool.
// It is an error to Close with buffers still checked out.
func (p *Pool) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return nil
	}
	if p.outstanding != 0 {
		return fmt.Errorf("devmem: closing pool with %v buffers still checked out", p.outstanding)
	}
	for size, list := range p.free {
		for _, buf := range list {
			p.alloc.Free(buf.Ptr, buf.Size)
			p.totalBytes -= int64(size)
		}
	}
	p.free = map[int][]Buffer{}
	p.closed = true
	return nil
}

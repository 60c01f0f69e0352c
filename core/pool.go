package core

import "sync"

// GenericPool is a generic wrapper around sync.Pool
type GenericPool[T any] struct {
	pool sync.Pool
}

// NewGenericPool creates a new GenericPool with a function to create new items.
func NewGenericPool[T any](newItem func() T) *GenericPool[T] {
	return &GenericPool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return newItem()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an item to the pool.
func (p *GenericPool[T]) Put(item T) {
	p.pool.Put(item)
}

// BytesPool pools scratch byte slices for frame encoding. Slices that grew
// beyond maxRetain are dropped on Put so one large document does not pin
// its buffer for the life of the process.
type BytesPool struct {
	pool      *GenericPool[*[]byte]
	maxRetain int
}

// NewBytesPool creates a pool of slices with initialCap capacity.
func NewBytesPool(initialCap, maxRetain int) *BytesPool {
	return &BytesPool{
		pool: NewGenericPool(func() *[]byte {
			b := make([]byte, 0, initialCap)
			return &b
		}),
		maxRetain: maxRetain,
	}
}

// Get returns an empty slice.
func (p *BytesPool) Get() *[]byte {
	b := p.pool.Get()
	*b = (*b)[:0]
	return b
}

// Put returns b to the pool unless it is larger than the retain limit.
func (p *BytesPool) Put(b *[]byte) {
	if b == nil || cap(*b) > p.maxRetain {
		return
	}
	*b = (*b)[:0]
	p.pool.Put(b)
}

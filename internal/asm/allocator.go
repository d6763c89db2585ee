package asm

import "github.com/gojit/dynarec/internal/platform"

// Allocator provides the memory backing a CodeBuffer.
type Allocator interface {
	// Reallocate returns a region of at least newSize bytes whose first
	// oldSize bytes are a copy of old. A nil old requests a fresh region.
	// The returned region may start at a different address than old, which
	// is no longer valid once the call returns successfully.
	Reallocate(old []byte, oldSize, newSize int) ([]byte, error)

	// Release returns a region obtained from Reallocate.
	Release(region []byte) error
}

// ExecutableAllocator maps readable, writable and executable memory pages
// outside of the Go heap.
var ExecutableAllocator Allocator = executableAllocator{}

type executableAllocator struct{}

func (executableAllocator) Reallocate(old []byte, _, newSize int) ([]byte, error) {
	return platform.RemapCodeSegment(old, newSize)
}

func (executableAllocator) Release(region []byte) error {
	return platform.MunmapCodeSegment(region)
}

// HeapAllocator allocates regular Go memory. Code written to it cannot be
// executed, which makes it suitable for tools and tests which only inspect
// the encoded bytes, on any platform.
var HeapAllocator Allocator = heapAllocator{}

type heapAllocator struct{}

func (heapAllocator) Reallocate(old []byte, oldSize, newSize int) ([]byte, error) {
	b := make([]byte, newSize)
	copy(b, old[:oldSize])
	return b, nil
}

func (heapAllocator) Release([]byte) error {
	return nil
}

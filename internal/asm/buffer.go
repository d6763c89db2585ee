package asm

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// DefaultGrowthIncrement is the number of bytes a CodeBuffer grows by each
// time a write does not fit in its current capacity.
const DefaultGrowthIncrement = 8192

// CodeBuffer represents a growable region of executable memory where native
// CPU instructions are appended.
//
// The capacity of the buffer is always a whole number of growth increments.
// When a write would exceed it, the buffer is reallocated by as many
// increments as needed and the bytes already written are preserved. The base
// address may change on growth: absolute addresses into the buffer must be
// derived from Addr after the growth, never cached across writes. Listeners
// registered with OnMove are notified of every base change.
//
// Growth failures are not recoverable mid-instruction, so the write methods
// panic with an *AllocationError which the caller is expected to recover at
// the boundary of a translation unit.
//
// Instances of CodeBuffer hold references to memory which is NOT managed by
// the garbage collector and therefore must be released *manually* by calling
// Release.
//
// The zero value is a valid, empty code buffer backed by ExecutableAllocator
// and growing by DefaultGrowthIncrement.
type CodeBuffer struct {
	alloc     Allocator
	increment int
	code      []byte
	size      int
	grows     int
	listeners []func(oldBase, newBase uintptr)
}

// NewCodeBuffer constructs an empty CodeBuffer. A nil alloc selects
// ExecutableAllocator and a non-positive increment selects
// DefaultGrowthIncrement.
func NewCodeBuffer(alloc Allocator, increment int) *CodeBuffer {
	return &CodeBuffer{alloc: alloc, increment: increment}
}

// Addr returns the address of the beginning of the buffer, or zero if no
// memory was allocated yet.
func (buf *CodeBuffer) Addr() uintptr {
	if len(buf.code) > 0 {
		return uintptr(unsafe.Pointer(&buf.code[0]))
	}
	return 0
}

// Len returns the number of bytes written, which is also the offset of the
// next write.
func (buf *CodeBuffer) Len() int {
	return buf.size
}

// Cap returns the number of bytes allocated.
func (buf *CodeBuffer) Cap() int {
	return len(buf.code)
}

// Grows returns how many times the buffer was reallocated.
func (buf *CodeBuffer) Grows() int {
	return buf.grows
}

// Bytes returns the bytes written so far, which is never nil.
//
// The returned slice remains valid until more bytes are written to the
// buffer, or Release is called.
func (buf *CodeBuffer) Bytes() []byte {
	if buf.code == nil {
		return []byte{}
	}
	return buf.code[:buf.size:buf.size]
}

// OnMove registers fn to be called after every reallocation which changed the
// base address of the buffer.
func (buf *CodeBuffer) OnMove(fn func(oldBase, newBase uintptr)) {
	buf.listeners = append(buf.listeners, fn)
}

// Reset discards the bytes written while keeping the allocated memory.
func (buf *CodeBuffer) Reset() {
	buf.size = 0
}

// Truncate discards the bytes written at or after offset off, keeping the
// allocated memory.
func (buf *CodeBuffer) Truncate(off int) {
	if off < 0 || off > buf.size {
		panic(fmt.Sprintf("BUG: truncation at offset %d is outside of code buffer of length %d", off, buf.size))
	}
	buf.size = off
}

// Release returns the memory of the buffer to its allocator, clearing its
// state back to an empty buffer. The buffer is still usable afterwards.
func (buf *CodeBuffer) Release() error {
	if buf.code != nil {
		if err := buf.allocator().Release(buf.code); err != nil {
			return err
		}
		buf.code = nil
		buf.size = 0
	}
	return nil
}

// AppendByte writes b at the end of the buffer.
func (buf *CodeBuffer) AppendByte(b byte) {
	buf.append(1)[0] = b
}

// AppendUint16 writes v in little endian at the end of the buffer.
func (buf *CodeBuffer) AppendUint16(v uint16) {
	binary.LittleEndian.PutUint16(buf.append(2), v)
}

// AppendUint32 writes v in little endian at the end of the buffer.
func (buf *CodeBuffer) AppendUint32(v uint32) {
	binary.LittleEndian.PutUint32(buf.append(4), v)
}

// AppendUint64 writes v in little endian at the end of the buffer.
func (buf *CodeBuffer) AppendUint64(v uint64) {
	binary.LittleEndian.PutUint64(buf.append(8), v)
}

// AppendBytes writes b at the end of the buffer.
func (buf *CodeBuffer) AppendBytes(b ...byte) {
	copy(buf.append(len(b)), b)
}

// PatchUint8At overwrites the byte at offset off.
func (buf *CodeBuffer) PatchUint8At(off int, v uint8) {
	buf.at(off, 1)[0] = v
}

// PatchUint32At overwrites the 4 bytes at offset off with v in little endian.
func (buf *CodeBuffer) PatchUint32At(off int, v uint32) {
	binary.LittleEndian.PutUint32(buf.at(off, 4), v)
}

// PatchUint64At overwrites the 8 bytes at offset off with v in little endian.
func (buf *CodeBuffer) PatchUint64At(off int, v uint64) {
	binary.LittleEndian.PutUint64(buf.at(off, 8), v)
}

// Uint32At reads the 4 bytes at offset off in little endian.
func (buf *CodeBuffer) Uint32At(off int) uint32 {
	return binary.LittleEndian.Uint32(buf.at(off, 4))
}

// Uint64At reads the 8 bytes at offset off in little endian.
func (buf *CodeBuffer) Uint64At(off int) uint64 {
	return binary.LittleEndian.Uint64(buf.at(off, 8))
}

func (buf *CodeBuffer) at(off, n int) []byte {
	if off < 0 || off+n > buf.size {
		panic(fmt.Sprintf("BUG: access of %d bytes at offset %d is outside of code buffer of length %d", n, off, buf.size))
	}
	return buf.code[off : off+n : off+n]
}

func (buf *CodeBuffer) append(n int) []byte {
	i := buf.size
	j := buf.size + n
	if j > len(buf.code) {
		buf.grow(j)
	}
	buf.size = j
	return buf.code[i:j:j]
}

func (buf *CodeBuffer) grow(want int) {
	increment := buf.increment
	if increment <= 0 {
		increment = DefaultGrowthIncrement
	}
	size := len(buf.code)
	for size < want {
		size += increment
	}
	oldBase := buf.Addr()
	b, err := buf.allocator().Reallocate(buf.code, buf.size, size)
	if err != nil {
		panic(&AllocationError{Size: size, Err: err})
	}
	buf.code = b
	buf.grows++
	if newBase := buf.Addr(); oldBase != 0 && newBase != oldBase {
		for _, fn := range buf.listeners {
			fn(oldBase, newBase)
		}
	}
}

func (buf *CodeBuffer) allocator() Allocator {
	if buf.alloc == nil {
		return ExecutableAllocator
	}
	return buf.alloc
}

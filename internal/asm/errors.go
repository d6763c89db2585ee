package asm

import (
	"errors"
	"fmt"
)

var (
	// ErrDisplacementOutOfRange is matched by errors.Is for a *DisplacementRangeError.
	ErrDisplacementOutOfRange = errors.New("displacement out of range")
	// ErrJumpOutOfRange is matched by errors.Is for a *JumpRangeError.
	ErrJumpOutOfRange = errors.New("jump out of range")
	// ErrUnresolved is matched by errors.Is for an *UnresolvedError.
	ErrUnresolved = errors.New("unresolved relocations")
	// ErrAllocation is matched by errors.Is for an *AllocationError.
	ErrAllocation = errors.New("code buffer allocation failed")
)

// DisplacementRangeError is returned when a memory operand cannot express the
// distance between Target and Base in Bits.
type DisplacementRangeError struct {
	Target, Base uintptr
	Bits         int
}

// Error implements error.
func (e *DisplacementRangeError) Error() string {
	return fmt.Sprintf("displacement from 0x%x to 0x%x does not fit in %d bits", e.Base, e.Target, e.Bits)
}

// Is allows errors.Is(err, ErrDisplacementOutOfRange).
func (e *DisplacementRangeError) Is(target error) bool {
	return target == ErrDisplacementOutOfRange
}

// JumpRangeError is returned when a jump site at Site cannot reach its
// destination with a Bits-wide displacement.
type JumpRangeError struct {
	Site         int
	Displacement int64
	Bits         int
}

// Error implements error.
func (e *JumpRangeError) Error() string {
	return fmt.Sprintf("jump at offset %d: displacement %d does not fit in %d bits", e.Site, e.Displacement, e.Bits)
}

// Is allows errors.Is(err, ErrJumpOutOfRange).
func (e *JumpRangeError) Is(target error) bool {
	return target == ErrJumpOutOfRange
}

// UnresolvedError lists guest addresses which still have pending relocations.
type UnresolvedError struct {
	Targets []GuestAddress
}

// Error implements error.
func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("%d unresolved relocation targets, first 0x%08x", len(e.Targets), e.Targets[0])
}

// Is allows errors.Is(err, ErrUnresolved).
func (e *UnresolvedError) Is(target error) bool {
	return target == ErrUnresolved
}

// AllocationError is the panic value of a CodeBuffer which could not grow.
type AllocationError struct {
	Size int
	Err  error
}

// Error implements error.
func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocating %d bytes of executable memory: %v", e.Size, e.Err)
}

// Unwrap returns the allocator error.
func (e *AllocationError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, ErrAllocation).
func (e *AllocationError) Is(target error) bool {
	return target == ErrAllocation
}

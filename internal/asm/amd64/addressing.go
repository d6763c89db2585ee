package asm_amd64

import (
	"fmt"
	"math"

	"github.com/gojit/dynarec/internal/asm"
)

// AddressingMode decides how State operands are encoded and which host the
// code targets.
type AddressingMode interface {
	fmt.Stringer

	// Wide returns true if code is emitted for a 64-bit host, where REX
	// prefixes and registers above RegDI are available.
	Wide() bool

	// BaseRegister returns the register reserved to hold the state base, or
	// asm.NilRegister if State operands are absolute addresses.
	BaseRegister() asm.Register

	// BaseValue returns the value the base register is expected to hold.
	BaseValue() uintptr

	// stateOperand returns the ModRM encoding of the state field at addr.
	stateOperand(addr uintptr) (modRM, error)
}

// AbsoluteAddressing returns the addressing mode of 32-bit hosts: State
// operands are encoded as 32-bit absolute addresses (ModRM mod=00 r/m=101).
func AbsoluteAddressing() AddressingMode {
	return absoluteAddressing{}
}

type absoluteAddressing struct{}

func (absoluteAddressing) String() string             { return "absolute" }
func (absoluteAddressing) Wide() bool                 { return false }
func (absoluteAddressing) BaseRegister() asm.Register { return asm.NilRegister }
func (absoluteAddressing) BaseValue() uintptr         { return 0 }

func (absoluteAddressing) stateOperand(addr uintptr) (modRM, error) {
	if uint64(addr) > math.MaxUint32 {
		return modRM{}, &asm.DisplacementRangeError{Target: addr, Bits: 32}
	}
	return modRM{mod: 0b00_000_101, disp: int32(uint32(addr)), dispWidth: 32}, nil
}

// BaseRelativeAddressing returns the addressing mode of 64-bit hosts: the
// register base permanently holds baseValue, and State operands are encoded
// as [base + disp32] with the displacement computed from baseValue.
//
// The displacement is always 32 bits wide, even when it would fit in 8, so
// every access to the state has the same length.
func BaseRelativeAddressing(base asm.Register, baseValue uintptr) AddressingMode {
	if !isGeneralPurpose(base) || base == RegSP {
		panic(fmt.Sprintf("BUG: %s cannot hold the state base", RegisterName(base)))
	}
	return &baseRelativeAddressing{base: base, value: baseValue}
}

type baseRelativeAddressing struct {
	base  asm.Register
	value uintptr
}

func (m *baseRelativeAddressing) String() string {
	return fmt.Sprintf("base-relative(%s=%#x)", RegisterName(m.base), m.value)
}

func (*baseRelativeAddressing) Wide() bool                   { return true }
func (m *baseRelativeAddressing) BaseRegister() asm.Register { return m.base }
func (m *baseRelativeAddressing) BaseValue() uintptr         { return m.value }

func (m *baseRelativeAddressing) stateOperand(addr uintptr) (modRM, error) {
	disp, err := asm.ResolveDisplacement(addr, m.value)
	if err != nil {
		return modRM{}, err
	}
	return memoryOperand(m.base, asm.NilRegister, 0, disp, true)
}

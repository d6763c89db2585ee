package asm_amd64

import (
	"fmt"
	"strings"

	"github.com/gojit/dynarec/internal/asm"
)

// OperandKind is the kind of an Operand.
type OperandKind byte

const (
	OperandNone OperandKind = iota
	// OperandRegister is a general purpose or x87 register.
	OperandRegister
	// OperandImmediate is a constant encoded in the instruction.
	OperandImmediate
	// OperandMemory is [Base + Index*Scale + Disp].
	OperandMemory
	// OperandState is a field of the emulated processor state at an absolute
	// host address, encoded according to the AddressingMode of the Assembler.
	OperandState
	// OperandAbsolute is a full-width host address, only usable by MOVABS.
	OperandAbsolute
)

// Operand is one operand of a Request. Use the constructor functions rather
// than building values by hand.
type Operand struct {
	Kind OperandKind
	// Reg is the register of OperandRegister, or the base of OperandMemory.
	Reg   asm.Register
	Index asm.Register
	Scale byte
	Disp  int32
	// Imm is the value of OperandImmediate, truncated to ImmWidth on encoding.
	Imm      int64
	ImmWidth Width
	// Addr is the host address of OperandState and OperandAbsolute.
	Addr uintptr
}

// Reg returns a register operand.
func Reg(r asm.Register) Operand {
	return Operand{Kind: OperandRegister, Reg: r}
}

// Imm8 returns an 8-bit immediate. Instructions with wider operands sign
// extend it.
func Imm8(v int64) Operand {
	return Operand{Kind: OperandImmediate, Imm: v, ImmWidth: Width8}
}

// Imm16 returns a 16-bit immediate.
func Imm16(v int64) Operand {
	return Operand{Kind: OperandImmediate, Imm: v, ImmWidth: Width16}
}

// Imm32 returns a 32-bit immediate.
func Imm32(v int64) Operand {
	return Operand{Kind: OperandImmediate, Imm: v, ImmWidth: Width32}
}

// Imm64 returns a 64-bit immediate, only accepted by MOV to a register.
func Imm64(v int64) Operand {
	return Operand{Kind: OperandImmediate, Imm: v, ImmWidth: Width64}
}

// Mem returns the memory operand [base + disp].
func Mem(base asm.Register, disp int32) Operand {
	return Operand{Kind: OperandMemory, Reg: base, Disp: disp}
}

// MemIndex returns the memory operand [base + index*scale + disp]. The scale
// must be 1, 2, 4 or 8.
func MemIndex(base, index asm.Register, scale byte, disp int32) Operand {
	return Operand{Kind: OperandMemory, Reg: base, Index: index, Scale: scale, Disp: disp}
}

// State returns the operand of the emulated processor state field located at
// the host address addr.
func State(addr uintptr) Operand {
	return Operand{Kind: OperandState, Addr: addr}
}

// Abs returns the full-width host address operand of MOVABS.
func Abs(addr uintptr) Operand {
	return Operand{Kind: OperandAbsolute, Addr: addr}
}

func (o Operand) isReg(r asm.Register) bool {
	return o.Kind == OperandRegister && o.Reg == r
}

// isRM returns true if the operand can be encoded in ModRM:r/m.
func (o Operand) isRM() bool {
	return o.Kind == OperandRegister || o.Kind == OperandMemory || o.Kind == OperandState
}

func (o Operand) isMemory() bool {
	return o.Kind == OperandMemory || o.Kind == OperandState
}

// String implements fmt.Stringer.
func (o Operand) String() string {
	switch o.Kind {
	case OperandNone:
		return ""
	case OperandRegister:
		return RegisterName(o.Reg)
	case OperandImmediate:
		return fmt.Sprintf("$%#x:%d", o.Imm, o.ImmWidth)
	case OperandMemory:
		var b strings.Builder
		b.WriteString("[")
		b.WriteString(RegisterName(o.Reg))
		if o.Index != asm.NilRegister {
			fmt.Fprintf(&b, "+%s*%d", RegisterName(o.Index), o.Scale)
		}
		if o.Disp != 0 {
			fmt.Fprintf(&b, "%+#x", o.Disp)
		}
		b.WriteString("]")
		return b.String()
	case OperandState:
		return fmt.Sprintf("state[%#x]", o.Addr)
	case OperandAbsolute:
		return fmt.Sprintf("abs[%#x]", o.Addr)
	default:
		return fmt.Sprintf("Operand(%d)", o.Kind)
	}
}

// Request describes one instruction: the family, the operand width, and up
// to three operands. Dst is the operand written by the instruction, Src the
// one read. Aux is the third operand of SHLD, SHRD and three-operand IMUL.
// Cond is only read by SETCC and CMOVCC.
type Request struct {
	Op       Op
	Width    Width
	Cond     Cond
	Dst, Src Operand
	Aux      Operand
}

// String implements fmt.Stringer.
//
// The format is "OP.width dst, src, aux" with operands omitted when absent.
func (r Request) String() string {
	name := r.Op.String()
	if r.Op == SETCC || r.Op == CMOVCC {
		name = strings.TrimSuffix(name, "CC") + r.Cond.String()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s.%d", name, r.Width)
	sep := " "
	for _, o := range [...]Operand{r.Dst, r.Src, r.Aux} {
		if o.Kind == OperandNone {
			continue
		}
		b.WriteString(sep)
		b.WriteString(o.String())
		sep = ", "
	}
	return b.String()
}

package asm_amd64

import (
	"fmt"

	"github.com/gojit/dynarec/internal/asm"
)

type rexPrefix = byte

const (
	rexPrefixNone    rexPrefix = 0x0000_0000 // Indicates that the instruction doesn't need RexPrefix.
	rexPrefixDefault rexPrefix = 0b0100_0000
	rexPrefixW                 = 0b0000_1000 | rexPrefixDefault // REX.W
	rexPrefixR                 = 0b0000_0100 | rexPrefixDefault // REX.R
	rexPrefixX                 = 0b0000_0010 | rexPrefixDefault // REX.X
	rexPrefixB                 = 0b0000_0001 | rexPrefixDefault // REX.B
)

// operandSizePrefix switches an instruction to 16-bit operands.
const operandSizePrefix = 0x66

// modRM is an operand encoded in the ModRM:r/m field, with its optional SIB
// byte and displacement. The reg field is filled in on emission.
type modRM struct {
	mod       byte // mod and r/m bits
	rex       rexPrefix
	sib       byte
	hasSIB    bool
	disp      int32
	dispWidth byte // 0, 8 or 32
}

// register3bits returns the 3-bit encoding of reg, and whether it needs the
// REX extension bit.
func register3bits(reg asm.Register) (bits byte, ext bool, err error) {
	switch {
	case isGeneralPurpose(reg):
		i := byte(reg - RegAX)
		return i & 0b111, i >= 8, nil
	case isX87(reg):
		return byte(reg - RegST0), false, nil
	default:
		return 0, false, fmt.Errorf("invalid register [%s]", RegisterName(reg))
	}
}

func fitInSigned8bit(v int64) bool {
	return -128 <= v && v <= 127
}

func scaleBits(scale byte) (byte, error) {
	switch scale {
	case 1:
		return 0b00, nil
	case 2:
		return 0b01, nil
	case 4:
		return 0b10, nil
	case 8:
		return 0b11, nil
	default:
		return 0, fmt.Errorf("scale must be 1, 2, 4 or 8 but was %d", scale)
	}
}

// registerOperand returns the ModRM encoding of a register in r/m.
func registerOperand(reg asm.Register) (modRM, error) {
	bits, ext, err := register3bits(reg)
	if err != nil {
		return modRM{}, err
	}
	m := modRM{mod: 0b11_000_000 | bits}
	if ext {
		m.rex = rexPrefixB
	}
	return m, nil
}

// memoryOperand returns the ModRM encoding of [base + index*scale + disp].
// With forceDisp32 the displacement is always encoded on 32 bits.
func memoryOperand(base, index asm.Register, scale byte, disp int32, forceDisp32 bool) (m modRM, err error) {
	if !isGeneralPurpose(base) {
		err = fmt.Errorf("invalid base register [%s]", RegisterName(base))
		return
	}
	baseBits, baseExt, _ := register3bits(base)
	if baseExt {
		m.rex |= rexPrefixB
	}

	m.disp = disp
	switch {
	case forceDisp32:
		m.mod = 0b10_000_000 // [R/M + disp32]
		m.dispWidth = 32
	// BP and R13 have no [R/M] form, mod=00 r/m=101 means [disp32] instead.
	case disp == 0 && baseBits != 0b101:
		m.mod = 0b00_000_000 // [R/M]
	case fitInSigned8bit(int64(disp)):
		m.mod = 0b01_000_000 // [R/M + disp8]
		m.dispWidth = 8
	default:
		m.mod = 0b10_000_000 // [R/M + disp32]
		m.dispWidth = 32
	}

	if index == asm.NilRegister {
		m.mod |= baseBits
		// SP and R12 in r/m select a SIB byte, so they need one with no index.
		// https://wiki.osdev.org/X86-64_Instruction_Encoding#32.2F64-bit_addressing
		if baseBits == 0b100 {
			m.hasSIB = true
			m.sib = 0b00_100_100
		}
		return
	}

	if index == RegSP {
		err = fmt.Errorf("SP cannot be used for SIB index")
		return
	}
	if !isGeneralPurpose(index) {
		err = fmt.Errorf("invalid index register [%s]", RegisterName(index))
		return
	}
	var ss byte
	if ss, err = scaleBits(scale); err != nil {
		return
	}
	indexBits, indexExt, _ := register3bits(index)
	if indexExt {
		m.rex |= rexPrefixX
	}
	m.mod |= 0b100 // Indicate that the memory location is specified by SIB.
	m.hasSIB = true
	m.sib = ss<<6 | indexBits<<3 | baseBits
	return
}

// instruction is an encoded instruction waiting to be written: the legacy
// prefix, the REX prefix, the opcode, the ModRM byte with its SIB and
// displacement, and a trailing immediate.
type instruction struct {
	prefix   byte // operandSizePrefix or zero
	rex      rexPrefix
	opcode   []byte
	hasModRM bool
	rm       modRM
	reg      byte // ModRM:reg bits, either a register or an opcode extension
	imm      int64
	immWidth Width // zero if no immediate
}

package asm_amd64

import (
	"fmt"

	"github.com/gojit/dynarec/internal/asm"
)

// AMD64-specific registers.
//
// Note: naming convention follows the Intel manuals. The general purpose
// registers from RegR8 and above only exist on 64-bit hosts.
const (
	// RegAX is the accumulator, also used implicitly by MUL, DIV and CDQ.
	RegAX = asm.NilRegister + 1 + iota
	// RegCX holds the count of variable shifts.
	RegCX
	RegDX
	RegBX
	RegSP
	RegBP
	RegSI
	RegDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15

	// x87 stack registers, relative to the top of the stack.
	RegST0
	RegST1
	RegST2
	RegST3
	RegST4
	RegST5
	RegST6
	RegST7
)

var registerNames = [...]string{
	RegAX:  "AX",
	RegCX:  "CX",
	RegDX:  "DX",
	RegBX:  "BX",
	RegSP:  "SP",
	RegBP:  "BP",
	RegSI:  "SI",
	RegDI:  "DI",
	RegR8:  "R8",
	RegR9:  "R9",
	RegR10: "R10",
	RegR11: "R11",
	RegR12: "R12",
	RegR13: "R13",
	RegR14: "R14",
	RegR15: "R15",
	RegST0: "ST0",
	RegST1: "ST1",
	RegST2: "ST2",
	RegST3: "ST3",
	RegST4: "ST4",
	RegST5: "ST5",
	RegST6: "ST6",
	RegST7: "ST7",
}

// RegisterName returns the name of the given register.
func RegisterName(reg asm.Register) string {
	if int(reg) < len(registerNames) && registerNames[reg] != "" {
		return registerNames[reg]
	}
	if reg == asm.NilRegister {
		return "nil"
	}
	return fmt.Sprintf("Register(%d)", reg)
}

// RegisterByName returns the register with the given name, as returned by
// RegisterName.
func RegisterByName(name string) (asm.Register, bool) {
	for reg, n := range registerNames {
		if n != "" && n == name {
			return asm.Register(reg), true
		}
	}
	return asm.NilRegister, false
}

func isGeneralPurpose(reg asm.Register) bool {
	return RegAX <= reg && reg <= RegR15
}

func isX87(reg asm.Register) bool {
	return RegST0 <= reg && reg <= RegST7
}

// Width is the operand size of an instruction in bits.
type Width byte

const (
	Width8  Width = 8
	Width16 Width = 16
	Width32 Width = 32
	Width64 Width = 64
)

func (w Width) valid() bool {
	return w == Width8 || w == Width16 || w == Width32 || w == Width64
}

// Cond is an x86 condition code, as encoded in the low nibble of Jcc, SETcc
// and CMOVcc opcodes.
type Cond byte

// AMD64-specific conditions.
// https://www.felixcloutier.com/x86/jcc
const (
	CondO  Cond = iota // OF
	CondNO             // !OF
	CondB              // CF below (unsigned <)
	CondAE             // !CF above or equal (unsigned >=)
	CondE              // ZF equal
	CondNE             // !ZF not equal
	CondBE             // CF | ZF below or equal (unsigned <=)
	CondA              // !CF & !ZF above (unsigned >)
	CondS              // SF negative
	CondNS             // !SF non-negative
	CondP              // PF parity even
	CondNP             // !PF parity odd
	CondL              // SF xor OF less (signed <)
	CondGE             // !(SF xor OF) greater or equal (signed >=)
	CondLE             // (SF xor OF) | ZF less or equal (signed <=)
	CondG              // !(SF xor OF) & !ZF greater (signed >)

	// CondAlways selects the unconditional form of a jump.
	CondAlways Cond = 0xff
)

var condNames = [...]string{
	CondO: "O", CondNO: "NO", CondB: "B", CondAE: "AE",
	CondE: "E", CondNE: "NE", CondBE: "BE", CondA: "A",
	CondS: "S", CondNS: "NS", CondP: "P", CondNP: "NP",
	CondL: "L", CondGE: "GE", CondLE: "LE", CondG: "G",
}

// String implements fmt.Stringer.
func (c Cond) String() string {
	if c == CondAlways {
		return "ALWAYS"
	}
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("Cond(%d)", c)
}

// CondByName returns the condition with the given name, as returned by
// String, ignoring CondAlways.
func CondByName(name string) (Cond, bool) {
	for c, n := range condNames {
		if n == name {
			return Cond(c), true
		}
	}
	return 0, false
}

// Invert returns the opposite condition.
func (c Cond) Invert() Cond {
	if c == CondAlways {
		panic("BUG: CondAlways cannot be inverted")
	}
	return c ^ 1
}

// Op is an instruction family. Together with a Width it selects the opcode.
//
// Note: naming convention is close to the Intel mnemonics, except that
// condition codes are carried separately by Request.Cond.
type Op byte

// AMD64-specific instructions.
// https://www.felixcloutier.com/x86/index.html
const (
	NONE Op = iota
	ADC
	ADD
	AND
	CALL
	CDQ
	CMOVCC
	CMP
	DEC
	DIV
	FABS
	FADD
	FCHS
	FCOMIP
	FDIV
	FFREE
	FILD
	FISTP
	FLD
	FLDCW
	FMUL
	FSQRT
	FST
	FSTP
	FSUB
	FUCOMIP
	IDIV
	IMUL
	INC
	JMP
	LEA
	MOV
	MOVABS
	MOVSXB
	MOVSXD
	MOVSXW
	MOVZXB
	MOVZXW
	MUL
	NEG
	NOP
	NOT
	OR
	POP
	PUSH
	RET
	ROL
	ROR
	SAR
	SBB
	SETCC
	SHL
	SHLD
	SHR
	SHRD
	SUB
	TEST
	XOR
)

var opNames = [...]string{
	NONE:    "NONE",
	ADC:     "ADC",
	ADD:     "ADD",
	AND:     "AND",
	CALL:    "CALL",
	CDQ:     "CDQ",
	CMOVCC:  "CMOVCC",
	CMP:     "CMP",
	DEC:     "DEC",
	DIV:     "DIV",
	FABS:    "FABS",
	FADD:    "FADD",
	FCHS:    "FCHS",
	FCOMIP:  "FCOMIP",
	FDIV:    "FDIV",
	FFREE:   "FFREE",
	FILD:    "FILD",
	FISTP:   "FISTP",
	FLD:     "FLD",
	FLDCW:   "FLDCW",
	FMUL:    "FMUL",
	FSQRT:   "FSQRT",
	FST:     "FST",
	FSTP:    "FSTP",
	FSUB:    "FSUB",
	FUCOMIP: "FUCOMIP",
	IDIV:    "IDIV",
	IMUL:    "IMUL",
	INC:     "INC",
	JMP:     "JMP",
	LEA:     "LEA",
	MOV:     "MOV",
	MOVABS:  "MOVABS",
	MOVSXB:  "MOVSXB",
	MOVSXD:  "MOVSXD",
	MOVSXW:  "MOVSXW",
	MOVZXB:  "MOVZXB",
	MOVZXW:  "MOVZXW",
	MUL:     "MUL",
	NEG:     "NEG",
	NOP:     "NOP",
	NOT:     "NOT",
	OR:      "OR",
	POP:     "POP",
	PUSH:    "PUSH",
	RET:     "RET",
	ROL:     "ROL",
	ROR:     "ROR",
	SAR:     "SAR",
	SBB:     "SBB",
	SETCC:   "SETCC",
	SHL:     "SHL",
	SHLD:    "SHLD",
	SHR:     "SHR",
	SHRD:    "SHRD",
	SUB:     "SUB",
	TEST:    "TEST",
	XOR:     "XOR",
}

// String implements fmt.Stringer.
func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", o)
}

// OpByName returns the instruction family with the given name, as returned
// by String.
func OpByName(name string) (Op, bool) {
	for o, n := range opNames {
		if n == name && Op(o) != NONE {
			return Op(o), true
		}
	}
	return NONE, false
}

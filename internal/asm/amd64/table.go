package asm_amd64

// aluOpcodeBase holds the "r/m8 op= r8" opcode of each group 1 instruction.
// The other forms derive from it: +1 for r/m op= r, +2 and +3 for the
// reversed direction, +5 for the accumulator with an immediate. The ModRM
// extension of the 80, 81 and 83 immediate forms is base>>3.
// https://www.felixcloutier.com/x86/add
var aluOpcodeBase = map[Op]byte{
	ADD: 0x00,
	OR:  0x08,
	ADC: 0x10,
	SBB: 0x18,
	AND: 0x20,
	SUB: 0x28,
	XOR: 0x30,
	CMP: 0x38,
}

// unaryExtension holds the ModRM extension of the F6/F7 group 3 instructions.
var unaryExtension = map[Op]byte{
	NOT:  2,
	NEG:  3,
	MUL:  4,
	IMUL: 5,
	DIV:  6,
	IDIV: 7,
}

// incDecExtension holds the ModRM extension of the FE/FF group 4 and 5 instructions.
var incDecExtension = map[Op]byte{
	INC: 0,
	DEC: 1,
}

// shiftExtension holds the ModRM extension of the C0/C1/D2/D3 group 2 instructions.
var shiftExtension = map[Op]byte{
	ROL: 0,
	ROR: 1,
	SHL: 4,
	SHR: 5,
	SAR: 7,
}

// doubleShiftOpcode holds the second opcode byte of the immediate count form.
// The CL form is the next opcode.
var doubleShiftOpcode = map[Op]byte{
	SHLD: 0xa4,
	SHRD: 0xac,
}

type extendOpcode struct {
	opcode   []byte
	srcWidth Width
}

var extendOpcodes = map[Op]extendOpcode{
	MOVSXB: {opcode: []byte{0x0f, 0xbe}, srcWidth: Width8},
	MOVSXW: {opcode: []byte{0x0f, 0xbf}, srcWidth: Width16},
	MOVZXB: {opcode: []byte{0x0f, 0xb6}, srcWidth: Width8},
	MOVZXW: {opcode: []byte{0x0f, 0xb7}, srcWidth: Width16},
	MOVSXD: {opcode: []byte{0x63}, srcWidth: Width32},
}

type x87MemoryOpcode struct {
	opcode    byte
	extension byte
}

// x87MemoryOpcodes holds the forms with a memory operand, by operand width.
// Float ops take 32 and 64-bit reals, FILD and FISTP 32 and 64-bit integers.
// https://www.felixcloutier.com/x86/fld
var x87MemoryOpcodes = map[Op]map[Width]x87MemoryOpcode{
	FLD:   {Width32: {0xd9, 0}, Width64: {0xdd, 0}},
	FST:   {Width32: {0xd9, 2}, Width64: {0xdd, 2}},
	FSTP:  {Width32: {0xd9, 3}, Width64: {0xdd, 3}},
	FILD:  {Width32: {0xdb, 0}, Width64: {0xdf, 5}},
	FISTP: {Width32: {0xdb, 3}, Width64: {0xdf, 7}},
	FADD:  {Width32: {0xd8, 0}, Width64: {0xdc, 0}},
	FMUL:  {Width32: {0xd8, 1}, Width64: {0xdc, 1}},
	FSUB:  {Width32: {0xd8, 4}, Width64: {0xdc, 4}},
	FDIV:  {Width32: {0xd8, 6}, Width64: {0xdc, 6}},
	FLDCW: {Width16: {0xd9, 5}},
}

// x87StackOpcodes holds the forms taking ST(i), which is added to the second byte.
var x87StackOpcodes = map[Op][2]byte{
	FCOMIP:  {0xdf, 0xf0},
	FUCOMIP: {0xdf, 0xe8},
	FFREE:   {0xdd, 0xc0},
}

// standaloneOpcodes holds the instructions without operands.
var standaloneOpcodes = map[Op][]byte{
	NOP:   {0x90},
	RET:   {0xc3},
	FCHS:  {0xd9, 0xe0},
	FABS:  {0xd9, 0xe1},
	FSQRT: {0xd9, 0xfa},
}

type encoder func(a *Assembler, r Request) error

// encoders dispatches a Request to the function encoding its family.
var encoders = map[Op]encoder{
	ADD:     (*Assembler).encodeALU,
	OR:      (*Assembler).encodeALU,
	ADC:     (*Assembler).encodeALU,
	SBB:     (*Assembler).encodeALU,
	AND:     (*Assembler).encodeALU,
	SUB:     (*Assembler).encodeALU,
	XOR:     (*Assembler).encodeALU,
	CMP:     (*Assembler).encodeALU,
	MOV:     (*Assembler).encodeMOV,
	MOVABS:  (*Assembler).encodeMOVABS,
	TEST:    (*Assembler).encodeTEST,
	NOT:     (*Assembler).encodeUnary,
	NEG:     (*Assembler).encodeUnary,
	MUL:     (*Assembler).encodeUnary,
	DIV:     (*Assembler).encodeUnary,
	IDIV:    (*Assembler).encodeUnary,
	IMUL:    (*Assembler).encodeIMUL,
	INC:     (*Assembler).encodeIncDec,
	DEC:     (*Assembler).encodeIncDec,
	ROL:     (*Assembler).encodeShift,
	ROR:     (*Assembler).encodeShift,
	SHL:     (*Assembler).encodeShift,
	SHR:     (*Assembler).encodeShift,
	SAR:     (*Assembler).encodeShift,
	SHLD:    (*Assembler).encodeDoubleShift,
	SHRD:    (*Assembler).encodeDoubleShift,
	MOVSXB:  (*Assembler).encodeExtend,
	MOVSXW:  (*Assembler).encodeExtend,
	MOVZXB:  (*Assembler).encodeExtend,
	MOVZXW:  (*Assembler).encodeExtend,
	MOVSXD:  (*Assembler).encodeExtend,
	LEA:     (*Assembler).encodeLEA,
	SETCC:   (*Assembler).encodeSETCC,
	CMOVCC:  (*Assembler).encodeCMOVCC,
	CDQ:     (*Assembler).encodeCDQ,
	CALL:    (*Assembler).encodeIndirectBranch,
	JMP:     (*Assembler).encodeIndirectBranch,
	PUSH:    (*Assembler).encodePushPop,
	POP:     (*Assembler).encodePushPop,
	NOP:     (*Assembler).encodeStandalone,
	RET:     (*Assembler).encodeStandalone,
	FCHS:    (*Assembler).encodeStandalone,
	FABS:    (*Assembler).encodeStandalone,
	FSQRT:   (*Assembler).encodeStandalone,
	FLD:     (*Assembler).encodeX87Memory,
	FST:     (*Assembler).encodeX87Memory,
	FSTP:    (*Assembler).encodeX87Memory,
	FILD:    (*Assembler).encodeX87Memory,
	FISTP:   (*Assembler).encodeX87Memory,
	FADD:    (*Assembler).encodeX87Memory,
	FMUL:    (*Assembler).encodeX87Memory,
	FSUB:    (*Assembler).encodeX87Memory,
	FDIV:    (*Assembler).encodeX87Memory,
	FLDCW:   (*Assembler).encodeX87Memory,
	FCOMIP:  (*Assembler).encodeX87Stack,
	FUCOMIP: (*Assembler).encodeX87Stack,
	FFREE:   (*Assembler).encodeX87Stack,
}

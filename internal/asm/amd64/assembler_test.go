package asm_amd64

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gojit/dynarec/internal/asm"
)

const testStateBase = 0x1000_0000

func newTestAssembler(mode AddressingMode) *Assembler {
	buf := asm.NewCodeBuffer(asm.HeapAllocator, 0)
	return NewAssembler(buf, asm.NewRelocationTable(buf), mode)
}

func wideMode() AddressingMode {
	return BaseRelativeAddressing(RegR15, testStateBase)
}

func state(off uintptr) Operand {
	return State(testStateBase + off)
}

func TestAssembler_Encode_wide(t *testing.T) {
	for _, tc := range []struct {
		name string
		r    Request
		exp  []byte
	}{
		// Group 1.
		{name: "add eax, ebx", r: Request{Op: ADD, Width: Width32, Dst: Reg(RegAX), Src: Reg(RegBX)}, exp: []byte{0x01, 0xd8}},
		{name: "add r8, r9", r: Request{Op: ADD, Width: Width64, Dst: Reg(RegR8), Src: Reg(RegR9)}, exp: []byte{0x4d, 0x01, 0xc8}},
		{name: "sub ecx, 1", r: Request{Op: SUB, Width: Width32, Dst: Reg(RegCX), Src: Imm8(1)}, exp: []byte{0x83, 0xe9, 0x01}},
		{name: "sub eax, 0x1000", r: Request{Op: SUB, Width: Width32, Dst: Reg(RegAX), Src: Imm32(0x1000)}, exp: []byte{0x2d, 0x00, 0x10, 0x00, 0x00}},
		{name: "cmp eax, 0x12345678", r: Request{Op: CMP, Width: Width32, Dst: Reg(RegAX), Src: Imm32(0x12345678)}, exp: []byte{0x3d, 0x78, 0x56, 0x34, 0x12}},
		{name: "and rdx, 0xff", r: Request{Op: AND, Width: Width64, Dst: Reg(RegDX), Src: Imm32(0xff)}, exp: []byte{0x48, 0x81, 0xe2, 0xff, 0x00, 0x00, 0x00}},
		{name: "or bx, 0x8000", r: Request{Op: OR, Width: Width16, Dst: Reg(RegBX), Src: Imm16(0x8000)}, exp: []byte{0x66, 0x81, 0xcb, 0x00, 0x80}},
		{name: "xor sil, 1", r: Request{Op: XOR, Width: Width8, Dst: Reg(RegSI), Src: Imm8(1)}, exp: []byte{0x40, 0x80, 0xf6, 0x01}},
		{name: "adc al, bl", r: Request{Op: ADC, Width: Width8, Dst: Reg(RegAX), Src: Reg(RegBX)}, exp: []byte{0x10, 0xd8}},
		{name: "cmp eax, state", r: Request{Op: CMP, Width: Width32, Dst: Reg(RegAX), Src: state(0x10)}, exp: []byte{0x41, 0x3b, 0x87, 0x10, 0x00, 0x00, 0x00}},
		{name: "sbb state, edx", r: Request{Op: SBB, Width: Width32, Dst: state(0x10), Src: Reg(RegDX)}, exp: []byte{0x41, 0x19, 0x97, 0x10, 0x00, 0x00, 0x00}},
		{name: "add state, 4", r: Request{Op: ADD, Width: Width32, Dst: state(0x8), Src: Imm8(4)}, exp: []byte{0x41, 0x83, 0x87, 0x08, 0x00, 0x00, 0x00, 0x04}},

		// MOV.
		{name: "mov state, ecx", r: Request{Op: MOV, Width: Width32, Dst: state(0x20), Src: Reg(RegCX)}, exp: []byte{0x41, 0x89, 0x8f, 0x20, 0x00, 0x00, 0x00}},
		{name: "mov r11, state", r: Request{Op: MOV, Width: Width64, Dst: Reg(RegR11), Src: state(0x100)}, exp: []byte{0x4d, 0x8b, 0x9f, 0x00, 0x01, 0x00, 0x00}},
		{name: "mov state below base", r: Request{Op: MOV, Width: Width32, Dst: Reg(RegAX), Src: State(testStateBase - 4)}, exp: []byte{0x41, 0x8b, 0x87, 0xfc, 0xff, 0xff, 0xff}},
		{name: "mov rax, imm64", r: Request{Op: MOV, Width: Width64, Dst: Reg(RegAX), Src: Imm64(0x1122334455667788)}, exp: []byte{0x48, 0xb8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}},
		{name: "mov r10, -1", r: Request{Op: MOV, Width: Width64, Dst: Reg(RegR10), Src: Imm32(-1)}, exp: []byte{0x49, 0xc7, 0xc2, 0xff, 0xff, 0xff, 0xff}},
		{name: "mov r9d, 0x1234", r: Request{Op: MOV, Width: Width32, Dst: Reg(RegR9), Src: Imm32(0x1234)}, exp: []byte{0x41, 0xb9, 0x34, 0x12, 0x00, 0x00}},
		{name: "mov dil, 5", r: Request{Op: MOV, Width: Width8, Dst: Reg(RegDI), Src: Imm8(5)}, exp: []byte{0x40, 0xb7, 0x05}},
		{name: "mov ax, 0x1234", r: Request{Op: MOV, Width: Width16, Dst: Reg(RegAX), Src: Imm16(0x1234)}, exp: []byte{0x66, 0xb8, 0x34, 0x12}},
		{name: "mov state, 0x1234", r: Request{Op: MOV, Width: Width32, Dst: state(0), Src: Imm32(0x1234)}, exp: []byte{0x41, 0xc7, 0x87, 0x00, 0x00, 0x00, 0x00, 0x34, 0x12, 0x00, 0x00}},
		{name: "mov byte state, 1", r: Request{Op: MOV, Width: Width8, Dst: state(1), Src: Imm8(1)}, exp: []byte{0x41, 0xc6, 0x87, 0x01, 0x00, 0x00, 0x00, 0x01}},
		{name: "mov [rsp+8], eax", r: Request{Op: MOV, Width: Width32, Dst: Mem(RegSP, 8), Src: Reg(RegAX)}, exp: []byte{0x89, 0x44, 0x24, 0x08}},
		{name: "mov rax, [r13]", r: Request{Op: MOV, Width: Width64, Dst: Reg(RegAX), Src: Mem(RegR13, 0)}, exp: []byte{0x49, 0x8b, 0x45, 0x00}},
		{name: "mov eax, [rbx]", r: Request{Op: MOV, Width: Width32, Dst: Reg(RegAX), Src: Mem(RegBX, 0)}, exp: []byte{0x8b, 0x03}},
		{name: "mov eax, [rbx+rsi*4+0x100]", r: Request{Op: MOV, Width: Width32, Dst: Reg(RegAX), Src: MemIndex(RegBX, RegSI, 4, 0x100)}, exp: []byte{0x8b, 0x84, 0xb3, 0x00, 0x01, 0x00, 0x00}},
		{name: "mov rax, [rax+r9*8]", r: Request{Op: MOV, Width: Width64, Dst: Reg(RegAX), Src: MemIndex(RegAX, RegR9, 8, 0)}, exp: []byte{0x4a, 0x8b, 0x04, 0xc8}},
		{name: "mov rax, rax", r: Request{Op: MOV, Width: Width64, Dst: Reg(RegAX), Src: Reg(RegAX)}, exp: []byte{}},
		{name: "mov eax, eax", r: Request{Op: MOV, Width: Width32, Dst: Reg(RegAX), Src: Reg(RegAX)}, exp: []byte{0x89, 0xc0}},
		{name: "mov ecx, edx", r: Request{Op: MOV, Width: Width32, Dst: Reg(RegCX), Src: Reg(RegDX)}, exp: []byte{0x89, 0xd1}},
		{name: "movabs eax, [abs]", r: Request{Op: MOVABS, Width: Width32, Dst: Reg(RegAX), Src: Abs(0x11223344)}, exp: []byte{0xa1, 0x44, 0x33, 0x22, 0x11, 0x00, 0x00, 0x00, 0x00}},
		{name: "movabs [abs], rax", r: Request{Op: MOVABS, Width: Width64, Dst: Abs(0x11223344), Src: Reg(RegAX)}, exp: []byte{0x48, 0xa3, 0x44, 0x33, 0x22, 0x11, 0x00, 0x00, 0x00, 0x00}},

		// TEST.
		{name: "test eax, 0x80", r: Request{Op: TEST, Width: Width32, Dst: Reg(RegAX), Src: Imm32(0x80)}, exp: []byte{0xa9, 0x80, 0x00, 0x00, 0x00}},
		{name: "test ecx, edx", r: Request{Op: TEST, Width: Width32, Dst: Reg(RegCX), Src: Reg(RegDX)}, exp: []byte{0x85, 0xd1}},
		{name: "test ebx, 1", r: Request{Op: TEST, Width: Width32, Dst: Reg(RegBX), Src: Imm32(1)}, exp: []byte{0xf7, 0xc3, 0x01, 0x00, 0x00, 0x00}},
		{name: "test byte state, 1", r: Request{Op: TEST, Width: Width8, Dst: state(3), Src: Imm8(1)}, exp: []byte{0x41, 0xf6, 0x87, 0x03, 0x00, 0x00, 0x00, 0x01}},

		// Group 3.
		{name: "neg eax", r: Request{Op: NEG, Width: Width32, Dst: Reg(RegAX)}, exp: []byte{0xf7, 0xd8}},
		{name: "not r11", r: Request{Op: NOT, Width: Width64, Dst: Reg(RegR11)}, exp: []byte{0x49, 0xf7, 0xd3}},
		{name: "mul ecx", r: Request{Op: MUL, Width: Width32, Dst: Reg(RegCX)}, exp: []byte{0xf7, 0xe1}},
		{name: "idiv state", r: Request{Op: IDIV, Width: Width32, Dst: state(8)}, exp: []byte{0x41, 0xf7, 0xbf, 0x08, 0x00, 0x00, 0x00}},
		{name: "div rbx", r: Request{Op: DIV, Width: Width64, Dst: Reg(RegBX)}, exp: []byte{0x48, 0xf7, 0xf3}},
		{name: "imul ecx", r: Request{Op: IMUL, Width: Width32, Dst: Reg(RegCX)}, exp: []byte{0xf7, 0xe9}},
		{name: "imul eax, ecx", r: Request{Op: IMUL, Width: Width32, Dst: Reg(RegAX), Src: Reg(RegCX)}, exp: []byte{0x0f, 0xaf, 0xc1}},
		{name: "imul edx, edx, 10", r: Request{Op: IMUL, Width: Width32, Dst: Reg(RegDX), Src: Reg(RegDX), Aux: Imm8(10)}, exp: []byte{0x6b, 0xd2, 0x0a}},
		{name: "imul rax, state, 0x1000", r: Request{Op: IMUL, Width: Width64, Dst: Reg(RegAX), Src: state(0), Aux: Imm32(0x1000)}, exp: []byte{0x49, 0x69, 0x87, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00}},

		// INC and DEC.
		{name: "inc state", r: Request{Op: INC, Width: Width32, Dst: state(0)}, exp: []byte{0x41, 0xff, 0x87, 0x00, 0x00, 0x00, 0x00}},
		{name: "dec al", r: Request{Op: DEC, Width: Width8, Dst: Reg(RegAX)}, exp: []byte{0xfe, 0xc8}},

		// Shifts.
		{name: "shl eax, 3", r: Request{Op: SHL, Width: Width32, Dst: Reg(RegAX), Src: Imm8(3)}, exp: []byte{0xc1, 0xe0, 0x03}},
		{name: "sar rdx, cl", r: Request{Op: SAR, Width: Width64, Dst: Reg(RegDX), Src: Reg(RegCX)}, exp: []byte{0x48, 0xd3, 0xfa}},
		{name: "ror ebx, 8", r: Request{Op: ROR, Width: Width32, Dst: Reg(RegBX), Src: Imm8(8)}, exp: []byte{0xc1, 0xcb, 0x08}},
		{name: "shr byte state, 1", r: Request{Op: SHR, Width: Width8, Dst: state(2), Src: Imm8(1)}, exp: []byte{0x41, 0xc0, 0xaf, 0x02, 0x00, 0x00, 0x00, 0x01}},
		{name: "rol state, cl", r: Request{Op: ROL, Width: Width32, Dst: state(4), Src: Reg(RegCX)}, exp: []byte{0x41, 0xd3, 0x87, 0x04, 0x00, 0x00, 0x00}},
		{name: "shld eax, edx, 4", r: Request{Op: SHLD, Width: Width32, Dst: Reg(RegAX), Src: Reg(RegDX), Aux: Imm8(4)}, exp: []byte{0x0f, 0xa4, 0xd0, 0x04}},
		{name: "shrd eax, edx, cl", r: Request{Op: SHRD, Width: Width32, Dst: Reg(RegAX), Src: Reg(RegDX), Aux: Reg(RegCX)}, exp: []byte{0x0f, 0xad, 0xd0}},

		// Extensions.
		{name: "movsx eax, sil", r: Request{Op: MOVSXB, Width: Width32, Dst: Reg(RegAX), Src: Reg(RegSI)}, exp: []byte{0x40, 0x0f, 0xbe, 0xc6}},
		{name: "movzx ecx, word state", r: Request{Op: MOVZXW, Width: Width32, Dst: Reg(RegCX), Src: state(2)}, exp: []byte{0x41, 0x0f, 0xb7, 0x8f, 0x02, 0x00, 0x00, 0x00}},
		{name: "movzx eax, bl", r: Request{Op: MOVZXB, Width: Width32, Dst: Reg(RegAX), Src: Reg(RegBX)}, exp: []byte{0x0f, 0xb6, 0xc3}},
		{name: "movsx rax, word [rbx]", r: Request{Op: MOVSXW, Width: Width64, Dst: Reg(RegAX), Src: Mem(RegBX, 0)}, exp: []byte{0x48, 0x0f, 0xbf, 0x03}},
		{name: "movsxd rax, ecx", r: Request{Op: MOVSXD, Width: Width64, Dst: Reg(RegAX), Src: Reg(RegCX)}, exp: []byte{0x48, 0x63, 0xc1}},

		// LEA.
		{name: "lea rax, [rbx+0x10]", r: Request{Op: LEA, Width: Width64, Dst: Reg(RegAX), Src: Mem(RegBX, 0x10)}, exp: []byte{0x48, 0x8d, 0x43, 0x10}},
		{name: "lea eax, [rax+rax*2]", r: Request{Op: LEA, Width: Width32, Dst: Reg(RegAX), Src: MemIndex(RegAX, RegAX, 2, 0)}, exp: []byte{0x8d, 0x04, 0x40}},

		// Conditions.
		{name: "sete al", r: Request{Op: SETCC, Cond: CondE, Dst: Reg(RegAX)}, exp: []byte{0x0f, 0x94, 0xc0}},
		{name: "setg sil", r: Request{Op: SETCC, Width: Width8, Cond: CondG, Dst: Reg(RegSI)}, exp: []byte{0x40, 0x0f, 0x9f, 0xc6}},
		{name: "setb state", r: Request{Op: SETCC, Cond: CondB, Dst: state(0x30)}, exp: []byte{0x41, 0x0f, 0x92, 0x87, 0x30, 0x00, 0x00, 0x00}},
		{name: "cmovl eax, ecx", r: Request{Op: CMOVCC, Width: Width32, Cond: CondL, Dst: Reg(RegAX), Src: Reg(RegCX)}, exp: []byte{0x0f, 0x4c, 0xc1}},

		// Misc.
		{name: "cwd", r: Request{Op: CDQ, Width: Width16}, exp: []byte{0x66, 0x99}},
		{name: "cdq", r: Request{Op: CDQ, Width: Width32}, exp: []byte{0x99}},
		{name: "cqo", r: Request{Op: CDQ, Width: Width64}, exp: []byte{0x48, 0x99}},
		{name: "call rax", r: Request{Op: CALL, Dst: Reg(RegAX)}, exp: []byte{0xff, 0xd0}},
		{name: "jmp [r15+0x40]", r: Request{Op: JMP, Dst: Mem(RegR15, 0x40)}, exp: []byte{0x41, 0xff, 0x67, 0x40}},
		{name: "push r12", r: Request{Op: PUSH, Dst: Reg(RegR12)}, exp: []byte{0x41, 0x54}},
		{name: "pop rbp", r: Request{Op: POP, Dst: Reg(RegBP)}, exp: []byte{0x5d}},
		{name: "nop", r: Request{Op: NOP}, exp: []byte{0x90}},
		{name: "ret", r: Request{Op: RET}, exp: []byte{0xc3}},

		// x87.
		{name: "fld qword state", r: Request{Op: FLD, Width: Width64, Src: state(0x18)}, exp: []byte{0x41, 0xdd, 0x87, 0x18, 0x00, 0x00, 0x00}},
		{name: "fstp dword [rax]", r: Request{Op: FSTP, Width: Width32, Dst: Mem(RegAX, 0)}, exp: []byte{0xd9, 0x18}},
		{name: "fild qword [rsp]", r: Request{Op: FILD, Width: Width64, Src: Mem(RegSP, 0)}, exp: []byte{0xdf, 0x2c, 0x24}},
		{name: "fistp dword [rbx+4]", r: Request{Op: FISTP, Width: Width32, Dst: Mem(RegBX, 4)}, exp: []byte{0xdb, 0x5b, 0x04}},
		{name: "fadd qword [rbx]", r: Request{Op: FADD, Width: Width64, Src: Mem(RegBX, 0)}, exp: []byte{0xdc, 0x03}},
		{name: "fdiv dword [rbx]", r: Request{Op: FDIV, Width: Width32, Src: Mem(RegBX, 0)}, exp: []byte{0xd8, 0x33}},
		{name: "fldcw [rbx]", r: Request{Op: FLDCW, Width: Width16, Src: Mem(RegBX, 0)}, exp: []byte{0xd9, 0x2b}},
		{name: "fcomip st1", r: Request{Op: FCOMIP, Src: Reg(RegST1)}, exp: []byte{0xdf, 0xf1}},
		{name: "fucomip st0", r: Request{Op: FUCOMIP, Src: Reg(RegST0)}, exp: []byte{0xdf, 0xe8}},
		{name: "ffree st3", r: Request{Op: FFREE, Dst: Reg(RegST3)}, exp: []byte{0xdd, 0xc3}},
		{name: "fchs", r: Request{Op: FCHS}, exp: []byte{0xd9, 0xe0}},
		{name: "fabs", r: Request{Op: FABS}, exp: []byte{0xd9, 0xe1}},
		{name: "fsqrt", r: Request{Op: FSQRT}, exp: []byte{0xd9, 0xfa}},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAssembler(wideMode())
			require.NoError(t, a.Encode(tc.r))
			require.Equal(t, tc.exp, a.Buffer().Bytes())
		})
	}
}

func TestAssembler_Encode_narrow(t *testing.T) {
	for _, tc := range []struct {
		name string
		r    Request
		exp  []byte
	}{
		{name: "add eax, [abs]", r: Request{Op: ADD, Width: Width32, Dst: Reg(RegAX), Src: State(0x1000_0010)}, exp: []byte{0x03, 0x05, 0x10, 0x00, 0x00, 0x10}},
		{name: "mov [abs], ecx", r: Request{Op: MOV, Width: Width32, Dst: State(0x2000), Src: Reg(RegCX)}, exp: []byte{0x89, 0x0d, 0x00, 0x20, 0x00, 0x00}},
		{name: "mov [abs], 0x1234", r: Request{Op: MOV, Width: Width32, Dst: State(0x2000), Src: Imm32(0x1234)}, exp: []byte{0xc7, 0x05, 0x00, 0x20, 0x00, 0x00, 0x34, 0x12, 0x00, 0x00}},
		{name: "mov eax, eax", r: Request{Op: MOV, Width: Width32, Dst: Reg(RegAX), Src: Reg(RegAX)}, exp: []byte{}},
		{name: "mov bh, 1", r: Request{Op: MOV, Width: Width8, Dst: Reg(RegDI), Src: Imm8(1)}, exp: []byte{0xb7, 0x01}},
		{name: "mov eax, 0x1234", r: Request{Op: MOV, Width: Width32, Dst: Reg(RegAX), Src: Imm32(0x1234)}, exp: []byte{0xb8, 0x34, 0x12, 0x00, 0x00}},
		{name: "movabs [abs], eax", r: Request{Op: MOVABS, Width: Width32, Dst: Abs(0x1234), Src: Reg(RegAX)}, exp: []byte{0xa3, 0x34, 0x12, 0x00, 0x00}},
		{name: "fld qword [abs]", r: Request{Op: FLD, Width: Width64, Src: State(0x3000)}, exp: []byte{0xdd, 0x05, 0x00, 0x30, 0x00, 0x00}},
		{name: "inc dword [abs]", r: Request{Op: INC, Width: Width32, Dst: State(0x3000)}, exp: []byte{0xff, 0x05, 0x00, 0x30, 0x00, 0x00}},
		{name: "push ebp", r: Request{Op: PUSH, Dst: Reg(RegBP)}, exp: []byte{0x55}},
		{name: "jmp [abs]", r: Request{Op: JMP, Dst: State(0x4000)}, exp: []byte{0xff, 0x25, 0x00, 0x40, 0x00, 0x00}},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAssembler(AbsoluteAddressing())
			require.NoError(t, a.Encode(tc.r))
			require.Equal(t, tc.exp, a.Buffer().Bytes())
		})
	}
}

func TestAssembler_Encode_errors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mode   AddressingMode
		r      Request
		expErr string
		is     error
	}{
		{
			name:   "64-bit operand on narrow host",
			mode:   AbsoluteAddressing(),
			r:      Request{Op: ADD, Width: Width64, Dst: Reg(RegAX), Src: Reg(RegBX)},
			expErr: "ADD.64 AX, BX: REX prefix 0x48 requires a 64-bit host",
		},
		{
			name:   "extended register on narrow host",
			mode:   AbsoluteAddressing(),
			r:      Request{Op: MOV, Width: Width32, Dst: Reg(RegR8), Src: Reg(RegAX)},
			expErr: "MOV.32 R8, AX: REX prefix 0x41 requires a 64-bit host",
		},
		{
			name: "state out of range",
			mode: wideMode(),
			r:    Request{Op: MOV, Width: Width32, Dst: Reg(RegAX), Src: state(0x8000_0000)},
			is:   asm.ErrDisplacementOutOfRange,
		},
		{
			name: "immediate destination",
			mode: wideMode(),
			r:    Request{Op: ADD, Width: Width32, Dst: Imm32(1), Src: Reg(RegAX)},
			is:   ErrUnsupported,
		},
		{
			name: "memory to memory",
			mode: wideMode(),
			r:    Request{Op: MOV, Width: Width32, Dst: Mem(RegAX, 0), Src: state(0)},
			is:   ErrUnsupported,
		},
		{
			name: "64-bit immediate to ALU",
			mode: wideMode(),
			r:    Request{Op: ADD, Width: Width64, Dst: Reg(RegAX), Src: Imm64(1)},
			is:   ErrUnsupported,
		},
		{
			name:   "x87 register in ALU",
			mode:   wideMode(),
			r:      Request{Op: ADD, Width: Width32, Dst: Reg(RegST0), Src: Reg(RegAX)},
			expErr: "ADD.32 ST0, AX: ST0 is not a general purpose register",
		},
		{
			name:   "SP index",
			mode:   wideMode(),
			r:      Request{Op: MOV, Width: Width32, Dst: Reg(RegAX), Src: MemIndex(RegBX, RegSP, 1, 0)},
			expErr: "MOV.32 AX, [BX+SP*1]: SP cannot be used for SIB index",
		},
		{
			name:   "invalid scale",
			mode:   wideMode(),
			r:      Request{Op: MOV, Width: Width32, Dst: Reg(RegAX), Src: MemIndex(RegBX, RegCX, 3, 0)},
			expErr: "MOV.32 AX, [BX+CX*3]: scale must be 1, 2, 4 or 8 but was 3",
		},
		{
			name: "wide SETcc",
			mode: wideMode(),
			r:    Request{Op: SETCC, Width: Width32, Cond: CondE, Dst: Reg(RegAX)},
			is:   ErrUnsupported,
		},
		{
			name: "byte CMOVcc",
			mode: wideMode(),
			r:    Request{Op: CMOVCC, Width: Width8, Cond: CondE, Dst: Reg(RegAX), Src: Reg(RegCX)},
			is:   ErrUnsupported,
		},
		{
			name: "word FLD",
			mode: wideMode(),
			r:    Request{Op: FLD, Width: Width16, Src: state(0)},
			is:   ErrUnsupported,
		},
		{
			name: "MOVSXD to 32 bits",
			mode: wideMode(),
			r:    Request{Op: MOVSXD, Width: Width32, Dst: Reg(RegAX), Src: Reg(RegCX)},
			is:   ErrUnsupported,
		},
		{
			name: "shift by register other than CL",
			mode: wideMode(),
			r:    Request{Op: SHL, Width: Width32, Dst: Reg(RegAX), Src: Reg(RegDX)},
			is:   ErrUnsupported,
		},
		{
			name:   "unknown instruction",
			mode:   wideMode(),
			r:      Request{Op: NONE},
			expErr: "unknown instruction NONE",
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAssembler(tc.mode)
			err := a.Encode(tc.r)
			require.Error(t, err)
			if tc.expErr != "" {
				require.EqualError(t, err, tc.expErr)
			}
			if tc.is != nil {
				require.True(t, errors.Is(err, tc.is), err.Error())
			}
			// Nothing is written on error.
			require.Equal(t, 0, a.Offset())
		})
	}
}

func TestBaseRelativeAddressing(t *testing.T) {
	t.Run("R12 base needs SIB", func(t *testing.T) {
		a := newTestAssembler(BaseRelativeAddressing(RegR12, testStateBase))
		require.NoError(t, a.Emit(MOV, Width32, Reg(RegAX), state(4)))
		require.Equal(t, []byte{0x41, 0x8b, 0x84, 0x24, 0x04, 0x00, 0x00, 0x00}, a.Buffer().Bytes())
	})
	t.Run("RBP base", func(t *testing.T) {
		a := newTestAssembler(BaseRelativeAddressing(RegBP, testStateBase))
		require.NoError(t, a.Emit(MOV, Width32, Reg(RegAX), state(0)))
		require.Equal(t, []byte{0x8b, 0x85, 0x00, 0x00, 0x00, 0x00}, a.Buffer().Bytes())
	})
	t.Run("displacement boundaries", func(t *testing.T) {
		a := newTestAssembler(wideMode())
		require.NoError(t, a.Emit(MOV, Width32, Reg(RegAX), state(0x7fff_ffff)))
		require.Equal(t, uint32(0x7fff_ffff), a.Buffer().Uint32At(3))
		require.NoError(t, a.Emit(MOV, Width32, Reg(RegAX), State(testStateBase-0x1000_0000)))
		require.Equal(t, uint32(0xf000_0000), a.Buffer().Uint32At(10))
	})
	t.Run("SP cannot be the base", func(t *testing.T) {
		require.PanicsWithValue(t, "BUG: SP cannot hold the state base", func() {
			BaseRelativeAddressing(RegSP, testStateBase)
		})
	})
	t.Run("String", func(t *testing.T) {
		require.Equal(t, "base-relative(R15=0x10000000)", wideMode().String())
		require.Equal(t, "absolute", AbsoluteAddressing().String())
	})
}

func TestAssembler_LoadStateBase(t *testing.T) {
	a := newTestAssembler(wideMode())
	require.NoError(t, a.LoadStateBase())
	require.Equal(t, []byte{0x49, 0xbf, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00}, a.Buffer().Bytes())

	a = newTestAssembler(AbsoluteAddressing())
	require.NoError(t, a.LoadStateBase())
	require.Equal(t, 0, a.Offset())
}

func TestAssembler_AllocatableRegisters(t *testing.T) {
	a := newTestAssembler(wideMode())
	regs := a.AllocatableRegisters()
	require.Len(t, regs, 14)
	require.NotContains(t, regs, RegSP)
	require.NotContains(t, regs, RegR15)
	require.Contains(t, regs, RegR14)

	a = newTestAssembler(AbsoluteAddressing())
	require.Equal(t, []asm.Register{RegAX, RegCX, RegDX, RegBX, RegBP, RegSI, RegDI}, a.AllocatableRegisters())
}

func TestRequest_String(t *testing.T) {
	for _, tc := range []struct {
		r   Request
		exp string
	}{
		{r: Request{Op: ADD, Width: Width32, Dst: Reg(RegAX), Src: Imm8(-1)}, exp: "ADD.32 AX, $-0x1:8"},
		{r: Request{Op: MOV, Width: Width64, Dst: MemIndex(RegBX, RegSI, 8, -16), Src: Reg(RegR9)}, exp: "MOV.64 [BX+SI*8-0x10], R9"},
		{r: Request{Op: SETCC, Width: Width8, Cond: CondNE, Dst: State(0x100)}, exp: "SETNE.8 state[0x100]"},
		{r: Request{Op: SHLD, Width: Width32, Dst: Reg(RegAX), Src: Reg(RegDX), Aux: Reg(RegCX)}, exp: "SHLD.32 AX, DX, CX"},
		{r: Request{Op: RET}, exp: "RET.0"},
	} {
		require.Equal(t, tc.exp, tc.r.String())
	}
}

func TestCond_String(t *testing.T) {
	for _, tc := range []struct {
		c   Cond
		exp string
	}{
		{c: CondO, exp: "O"},
		{c: CondNE, exp: "NE"},
		{c: CondG, exp: "G"},
		{c: CondAlways, exp: "ALWAYS"},
		{c: Cond(0x20), exp: "Cond(32)"},
	} {
		require.Equal(t, tc.exp, tc.c.String())
	}

	_, ok := CondByName("ALWAYS")
	require.False(t, ok)
	c, ok := CondByName("GE")
	require.True(t, ok)
	require.Equal(t, CondGE, c)
	require.Equal(t, CondL, c.Invert())
}

package asm_amd64

import (
	"errors"
	"fmt"
	"math"

	"github.com/gojit/dynarec/internal/asm"
)

// ErrUnsupported is returned for a Request whose combination of operands and
// width has no encoding.
var ErrUnsupported = errors.New("unsupported instruction form")

// Assembler encodes instructions directly into a code buffer.
//
// It is the emission context of one translation session: the buffer receives
// the bytes, the relocation table receives the jump sites to guest addresses
// not translated yet, and the addressing mode decides how State operands are
// encoded.
//
// Encoding errors are detected before any byte is written, so a failed
// Encode leaves the buffer untouched. Growth of the buffer panics with an
// *asm.AllocationError, see asm.CodeBuffer.
type Assembler struct {
	buf    *asm.CodeBuffer
	relocs *asm.RelocationTable
	mode   AddressingMode
	// literals maps the offset of data embedded in the instruction stream to
	// its size, for Disassemble.
	literals map[int]int
}

// NewAssembler returns an Assembler writing to buf. relocs must be the
// relocation table of buf.
func NewAssembler(buf *asm.CodeBuffer, relocs *asm.RelocationTable, mode AddressingMode) *Assembler {
	return &Assembler{buf: buf, relocs: relocs, mode: mode, literals: map[int]int{}}
}

// Buffer returns the code buffer written by the Assembler.
func (a *Assembler) Buffer() *asm.CodeBuffer {
	return a.buf
}

// Mode returns the addressing mode of the Assembler.
func (a *Assembler) Mode() AddressingMode {
	return a.mode
}

// Offset returns the offset in the buffer of the next instruction.
func (a *Assembler) Offset() int {
	return a.buf.Len()
}

// Reset forgets the embedded data recorded so far. It must be called when
// the buffer is reset.
func (a *Assembler) Reset() {
	for k := range a.literals {
		delete(a.literals, k)
	}
}

// Truncate discards the code written at or after offset off together with
// its jump sites and embedded data. Jumps written before off which were
// patched to reach the discarded code become pending again.
func (a *Assembler) Truncate(off int) {
	a.relocs.Truncate(off)
	for k := range a.literals {
		if k >= off {
			delete(a.literals, k)
		}
	}
	a.buf.Truncate(off)
}

// AllocatableRegisters returns the general purpose registers available to
// the register allocator, which excludes the stack pointer and the state
// base register.
func (a *Assembler) AllocatableRegisters() []asm.Register {
	last := RegDI
	if a.mode.Wide() {
		last = RegR15
	}
	var ret []asm.Register
	for reg := RegAX; reg <= last; reg++ {
		if reg != RegSP && reg != a.mode.BaseRegister() {
			ret = append(ret, reg)
		}
	}
	return ret
}

// Encode writes the instruction described by r.
func (a *Assembler) Encode(r Request) error {
	enc, ok := encoders[r.Op]
	if !ok {
		return fmt.Errorf("unknown instruction %s", r.Op)
	}
	if err := enc(a, r); err != nil {
		return fmt.Errorf("%s: %w", r, err)
	}
	return nil
}

// Emit is a shorthand of Encode for the common two operand form.
func (a *Assembler) Emit(op Op, w Width, dst, src Operand) error {
	return a.Encode(Request{Op: op, Width: w, Dst: dst, Src: src})
}

// LoadStateBase loads the base register with the state base. It does
// nothing with AbsoluteAddressing.
func (a *Assembler) LoadStateBase() error {
	base := a.mode.BaseRegister()
	if base == asm.NilRegister {
		return nil
	}
	return a.Emit(MOV, Width64, Reg(base), Imm64(int64(a.mode.BaseValue())))
}

func (a *Assembler) write(ins instruction) error {
	rex := ins.rex
	if ins.hasModRM {
		rex |= ins.rm.rex
	}
	if rex != rexPrefixNone && !a.mode.Wide() {
		return fmt.Errorf("REX prefix %#x requires a 64-bit host", rex)
	}

	if ins.prefix != 0 {
		a.buf.AppendByte(ins.prefix)
	}
	if rex != rexPrefixNone {
		a.buf.AppendByte(rex)
	}
	a.buf.AppendBytes(ins.opcode...)
	if ins.hasModRM {
		a.buf.AppendByte(ins.rm.mod | ins.reg<<3)
		if ins.rm.hasSIB {
			a.buf.AppendByte(ins.rm.sib)
		}
		switch ins.rm.dispWidth {
		case 8:
			a.buf.AppendByte(byte(int8(ins.rm.disp)))
		case 32:
			a.buf.AppendUint32(uint32(ins.rm.disp))
		}
	}
	switch ins.immWidth {
	case Width8:
		a.buf.AppendByte(byte(ins.imm))
	case Width16:
		a.buf.AppendUint16(uint16(ins.imm))
	case Width32:
		a.buf.AppendUint32(uint32(ins.imm))
	case Width64:
		a.buf.AppendUint64(uint64(ins.imm))
	}
	return nil
}

// widthPrefix returns the prefixes selecting the operand width w.
func widthPrefix(w Width) (prefix byte, rex rexPrefix) {
	switch w {
	case Width16:
		prefix = operandSizePrefix
	case Width64:
		rex = rexPrefixW
	}
	return
}

// immediateWidth returns the size of the full immediate of an instruction
// with w-bit operands. 64-bit instructions sign extend a 32-bit immediate.
func immediateWidth(w Width) Width {
	if w == Width64 {
		return Width32
	}
	return w
}

// gpr returns the encoding of a general purpose register.
func gpr(reg asm.Register) (bits byte, ext bool, err error) {
	if !isGeneralPurpose(reg) {
		return 0, false, fmt.Errorf("%s is not a general purpose register", RegisterName(reg))
	}
	return register3bits(reg)
}

// byteRegisterREX returns the empty REX prefix which selects SPL, BPL, SIL
// and DIL instead of AH, CH, DH and BH for an 8-bit register operand. Narrow
// hosts have no REX, and keep the legacy meaning.
func (a *Assembler) byteRegisterREX(o Operand) rexPrefix {
	if a.mode.Wide() && o.Kind == OperandRegister && RegSP <= o.Reg && o.Reg <= RegDI {
		return rexPrefixDefault
	}
	return rexPrefixNone
}

// modRM returns the ModRM encoding of an r/m operand.
func (a *Assembler) modRM(o Operand) (modRM, error) {
	switch o.Kind {
	case OperandRegister:
		if !isGeneralPurpose(o.Reg) {
			return modRM{}, fmt.Errorf("%s is not a general purpose register", RegisterName(o.Reg))
		}
		return registerOperand(o.Reg)
	case OperandMemory:
		return memoryOperand(o.Reg, o.Index, o.Scale, o.Disp, false)
	case OperandState:
		return a.mode.stateOperand(o.Addr)
	default:
		return modRM{}, fmt.Errorf("%s cannot be encoded in ModRM: %w", o, ErrUnsupported)
	}
}

// rmReg returns "opcode /r" with rm in ModRM:r/m and reg in ModRM:reg.
func (a *Assembler) rmReg(w Width, opcode []byte, rm Operand, reg asm.Register) (ins instruction, err error) {
	var bits byte
	var ext bool
	if bits, ext, err = gpr(reg); err != nil {
		return
	}
	if ins.rm, err = a.modRM(rm); err != nil {
		return
	}
	ins.prefix, ins.rex = widthPrefix(w)
	if ext {
		ins.rex |= rexPrefixR
	}
	if w == Width8 {
		ins.rex |= a.byteRegisterREX(rm) | a.byteRegisterREX(Reg(reg))
	}
	ins.opcode, ins.hasModRM, ins.reg = opcode, true, bits
	return
}

// rmExt returns "opcode /ext" with rm in ModRM:r/m.
func (a *Assembler) rmExt(w Width, opcode []byte, rm Operand, ext byte) (ins instruction, err error) {
	if ins.rm, err = a.modRM(rm); err != nil {
		return
	}
	ins.prefix, ins.rex = widthPrefix(w)
	if w == Width8 {
		ins.rex |= a.byteRegisterREX(rm)
	}
	ins.opcode, ins.hasModRM, ins.reg = opcode, true, ext
	return
}

func (a *Assembler) emitRMReg(w Width, opcode []byte, rm Operand, reg asm.Register) error {
	ins, err := a.rmReg(w, opcode, rm, reg)
	if err != nil {
		return err
	}
	return a.write(ins)
}

func (a *Assembler) emitRMExt(w Width, opcode []byte, rm Operand, ext byte) error {
	ins, err := a.rmExt(w, opcode, rm, ext)
	if err != nil {
		return err
	}
	return a.write(ins)
}

func (a *Assembler) emitRMExtImm(w Width, opcode []byte, rm Operand, ext byte, imm int64, immWidth Width) error {
	ins, err := a.rmExt(w, opcode, rm, ext)
	if err != nil {
		return err
	}
	ins.imm, ins.immWidth = imm, immWidth
	return a.write(ins)
}

func requireWidth(w Width, allowed ...Width) error {
	for _, a := range allowed {
		if w == a {
			return nil
		}
	}
	return fmt.Errorf("width %d: %w", w, ErrUnsupported)
}

func unsupported(r Request) error {
	return fmt.Errorf("operands %s, %s: %w", r.Dst, r.Src, ErrUnsupported)
}

func (a *Assembler) encodeALU(r Request) error {
	w := r.Width
	if !w.valid() {
		return requireWidth(w)
	}
	base := aluOpcodeBase[r.Op]
	switch {
	case r.Dst.isRM() && r.Src.Kind == OperandRegister:
		opcode := base + 1
		if w == Width8 {
			opcode = base
		}
		return a.emitRMReg(w, []byte{opcode}, r.Dst, r.Src.Reg)
	case r.Dst.Kind == OperandRegister && r.Src.isMemory():
		opcode := base + 3
		if w == Width8 {
			opcode = base + 2
		}
		return a.emitRMReg(w, []byte{opcode}, r.Src, r.Dst.Reg)
	case r.Dst.isRM() && r.Src.Kind == OperandImmediate:
		if r.Src.ImmWidth == Width64 {
			return unsupported(r)
		}
		ext := base >> 3
		switch {
		case w == Width8:
			return a.emitRMExtImm(w, []byte{0x80}, r.Dst, ext, r.Src.Imm, Width8)
		case r.Src.ImmWidth == Width8:
			return a.emitRMExtImm(w, []byte{0x83}, r.Dst, ext, r.Src.Imm, Width8)
		case r.Dst.isReg(RegAX):
			// Short form with the accumulator, which has no ModRM byte.
			ins := instruction{opcode: []byte{base + 5}, imm: r.Src.Imm, immWidth: immediateWidth(w)}
			ins.prefix, ins.rex = widthPrefix(w)
			return a.write(ins)
		default:
			return a.emitRMExtImm(w, []byte{0x81}, r.Dst, ext, r.Src.Imm, immediateWidth(w))
		}
	}
	return unsupported(r)
}

func (a *Assembler) encodeMOV(r Request) error {
	w := r.Width
	if !w.valid() {
		return requireWidth(w)
	}
	switch {
	case r.Dst.Kind == OperandRegister && r.Src.Kind == OperandRegister:
		// Moving a register to itself only has an effect when a 32-bit
		// write clears the upper half of a 64-bit register.
		if r.Dst.Reg == r.Src.Reg && (w == Width64 || !a.mode.Wide()) {
			if _, _, err := gpr(r.Dst.Reg); err != nil {
				return err
			}
			return nil
		}
		fallthrough
	case r.Dst.isMemory() && r.Src.Kind == OperandRegister:
		opcode := byte(0x89)
		if w == Width8 {
			opcode = 0x88
		}
		return a.emitRMReg(w, []byte{opcode}, r.Dst, r.Src.Reg)
	case r.Dst.Kind == OperandRegister && r.Src.isMemory():
		opcode := byte(0x8b)
		if w == Width8 {
			opcode = 0x8a
		}
		return a.emitRMReg(w, []byte{opcode}, r.Src, r.Dst.Reg)
	case r.Dst.Kind == OperandRegister && r.Src.Kind == OperandImmediate:
		if w == Width64 && r.Src.ImmWidth != Width64 {
			// Sign extended 32-bit immediate.
			return a.emitRMExtImm(w, []byte{0xc7}, r.Dst, 0, r.Src.Imm, Width32)
		}
		if r.Src.ImmWidth == Width64 && w != Width64 {
			return unsupported(r)
		}
		bits, ext, err := gpr(r.Dst.Reg)
		if err != nil {
			return err
		}
		// The register is encoded in the opcode.
		ins := instruction{imm: r.Src.Imm, immWidth: w}
		ins.prefix, ins.rex = widthPrefix(w)
		if ext {
			ins.rex |= rexPrefixB
		}
		if w == Width8 {
			ins.rex |= a.byteRegisterREX(r.Dst)
			ins.opcode = []byte{0xb0 + bits}
		} else {
			ins.opcode = []byte{0xb8 + bits}
		}
		return a.write(ins)
	case r.Dst.isMemory() && r.Src.Kind == OperandImmediate:
		if r.Src.ImmWidth == Width64 {
			return unsupported(r)
		}
		if w == Width8 {
			return a.emitRMExtImm(w, []byte{0xc6}, r.Dst, 0, r.Src.Imm, Width8)
		}
		return a.emitRMExtImm(w, []byte{0xc7}, r.Dst, 0, r.Src.Imm, immediateWidth(w))
	}
	return unsupported(r)
}

// encodeMOVABS encodes the moffs forms of MOV between the accumulator and a
// host address, which is 64 bits wide on 64-bit hosts.
func (a *Assembler) encodeMOVABS(r Request) error {
	w := r.Width
	if !w.valid() {
		return requireWidth(w)
	}
	var opcode byte
	var addr uintptr
	switch {
	case r.Dst.isReg(RegAX) && r.Src.Kind == OperandAbsolute:
		opcode, addr = 0xa1, r.Src.Addr
	case r.Dst.Kind == OperandAbsolute && r.Src.isReg(RegAX):
		opcode, addr = 0xa3, r.Dst.Addr
	default:
		return unsupported(r)
	}
	if w == Width8 {
		opcode--
	}
	ins := instruction{opcode: []byte{opcode}, imm: int64(addr), immWidth: Width64}
	if !a.mode.Wide() {
		if uint64(addr) > math.MaxUint32 {
			return &asm.DisplacementRangeError{Target: addr, Bits: 32}
		}
		ins.immWidth = Width32
	}
	ins.prefix, ins.rex = widthPrefix(w)
	return a.write(ins)
}

func (a *Assembler) encodeTEST(r Request) error {
	w := r.Width
	if !w.valid() {
		return requireWidth(w)
	}
	switch {
	case r.Dst.isRM() && r.Src.Kind == OperandRegister:
		opcode := byte(0x85)
		if w == Width8 {
			opcode = 0x84
		}
		return a.emitRMReg(w, []byte{opcode}, r.Dst, r.Src.Reg)
	case r.Dst.isRM() && r.Src.Kind == OperandImmediate:
		if r.Src.ImmWidth == Width64 {
			return unsupported(r)
		}
		if w == Width8 {
			return a.emitRMExtImm(w, []byte{0xf6}, r.Dst, 0, r.Src.Imm, Width8)
		}
		if r.Dst.isReg(RegAX) {
			ins := instruction{opcode: []byte{0xa9}, imm: r.Src.Imm, immWidth: immediateWidth(w)}
			ins.prefix, ins.rex = widthPrefix(w)
			return a.write(ins)
		}
		return a.emitRMExtImm(w, []byte{0xf7}, r.Dst, 0, r.Src.Imm, immediateWidth(w))
	}
	return unsupported(r)
}

func (a *Assembler) encodeUnary(r Request) error {
	w := r.Width
	if !w.valid() {
		return requireWidth(w)
	}
	if !r.Dst.isRM() || r.Src.Kind != OperandNone {
		return unsupported(r)
	}
	opcode := byte(0xf7)
	if w == Width8 {
		opcode = 0xf6
	}
	return a.emitRMExt(w, []byte{opcode}, r.Dst, unaryExtension[r.Op])
}

// encodeIMUL encodes the one operand form (EDX:EAX = EAX * r/m), the two
// operand form (reg *= r/m) and the three operand form (reg = r/m * imm).
func (a *Assembler) encodeIMUL(r Request) error {
	if r.Src.Kind == OperandNone {
		return a.encodeUnary(r)
	}
	if err := requireWidth(r.Width, Width16, Width32, Width64); err != nil {
		return err
	}
	if r.Dst.Kind != OperandRegister || !r.Src.isRM() {
		return unsupported(r)
	}
	switch r.Aux.Kind {
	case OperandNone:
		return a.emitRMReg(r.Width, []byte{0x0f, 0xaf}, r.Src, r.Dst.Reg)
	case OperandImmediate:
		ins, err := a.rmReg(r.Width, []byte{0x69}, r.Src, r.Dst.Reg)
		if err != nil {
			return err
		}
		ins.imm, ins.immWidth = r.Aux.Imm, immediateWidth(r.Width)
		if r.Aux.ImmWidth == Width8 {
			ins.opcode, ins.immWidth = []byte{0x6b}, Width8
		}
		return a.write(ins)
	}
	return unsupported(r)
}

func (a *Assembler) encodeIncDec(r Request) error {
	w := r.Width
	if !w.valid() {
		return requireWidth(w)
	}
	if !r.Dst.isRM() || r.Src.Kind != OperandNone {
		return unsupported(r)
	}
	opcode := byte(0xff)
	if w == Width8 {
		opcode = 0xfe
	}
	return a.emitRMExt(w, []byte{opcode}, r.Dst, incDecExtension[r.Op])
}

func (a *Assembler) encodeShift(r Request) error {
	w := r.Width
	if !w.valid() {
		return requireWidth(w)
	}
	if !r.Dst.isRM() {
		return unsupported(r)
	}
	ext := shiftExtension[r.Op]
	switch {
	case r.Src.Kind == OperandImmediate:
		opcode := byte(0xc1)
		if w == Width8 {
			opcode = 0xc0
		}
		return a.emitRMExtImm(w, []byte{opcode}, r.Dst, ext, r.Src.Imm, Width8)
	case r.Src.isReg(RegCX):
		opcode := byte(0xd3)
		if w == Width8 {
			opcode = 0xd2
		}
		return a.emitRMExt(w, []byte{opcode}, r.Dst, ext)
	}
	return unsupported(r)
}

func (a *Assembler) encodeDoubleShift(r Request) error {
	if err := requireWidth(r.Width, Width16, Width32, Width64); err != nil {
		return err
	}
	if !r.Dst.isRM() || r.Src.Kind != OperandRegister {
		return unsupported(r)
	}
	opcode := doubleShiftOpcode[r.Op]
	switch {
	case r.Aux.Kind == OperandImmediate:
		ins, err := a.rmReg(r.Width, []byte{0x0f, opcode}, r.Dst, r.Src.Reg)
		if err != nil {
			return err
		}
		ins.imm, ins.immWidth = r.Aux.Imm, Width8
		return a.write(ins)
	case r.Aux.isReg(RegCX):
		return a.emitRMReg(r.Width, []byte{0x0f, opcode + 1}, r.Dst, r.Src.Reg)
	}
	return unsupported(r)
}

// encodeExtend encodes the sign and zero extensions, where Width is the size
// of the destination register.
func (a *Assembler) encodeExtend(r Request) error {
	ext := extendOpcodes[r.Op]
	if r.Width <= ext.srcWidth || !r.Width.valid() {
		return requireWidth(r.Width)
	}
	if r.Dst.Kind != OperandRegister || !r.Src.isRM() {
		return unsupported(r)
	}
	ins, err := a.rmReg(r.Width, ext.opcode, r.Src, r.Dst.Reg)
	if err != nil {
		return err
	}
	if ext.srcWidth == Width8 {
		ins.rex |= a.byteRegisterREX(r.Src)
	}
	return a.write(ins)
}

func (a *Assembler) encodeLEA(r Request) error {
	if err := requireWidth(r.Width, Width16, Width32, Width64); err != nil {
		return err
	}
	if r.Dst.Kind != OperandRegister || !r.Src.isMemory() {
		return unsupported(r)
	}
	return a.emitRMReg(r.Width, []byte{0x8d}, r.Src, r.Dst.Reg)
}

func (a *Assembler) encodeSETCC(r Request) error {
	if r.Width != 0 && r.Width != Width8 {
		return requireWidth(r.Width, Width8)
	}
	if r.Cond > CondG {
		return fmt.Errorf("condition %s: %w", r.Cond, ErrUnsupported)
	}
	if !r.Dst.isRM() || r.Src.Kind != OperandNone {
		return unsupported(r)
	}
	return a.emitRMExt(Width8, []byte{0x0f, 0x90 | byte(r.Cond)}, r.Dst, 0)
}

func (a *Assembler) encodeCMOVCC(r Request) error {
	if err := requireWidth(r.Width, Width16, Width32, Width64); err != nil {
		return err
	}
	if r.Cond > CondG {
		return fmt.Errorf("condition %s: %w", r.Cond, ErrUnsupported)
	}
	if r.Dst.Kind != OperandRegister || !r.Src.isRM() {
		return unsupported(r)
	}
	return a.emitRMReg(r.Width, []byte{0x0f, 0x40 | byte(r.Cond)}, r.Src, r.Dst.Reg)
}

// encodeCDQ sign extends the accumulator into DX: CWD, CDQ or CQO.
func (a *Assembler) encodeCDQ(r Request) error {
	if err := requireWidth(r.Width, Width16, Width32, Width64); err != nil {
		return err
	}
	ins := instruction{opcode: []byte{0x99}}
	ins.prefix, ins.rex = widthPrefix(r.Width)
	return a.write(ins)
}

// encodeIndirectBranch encodes CALL and JMP through an r/m operand, which is
// always as wide as a host pointer.
func (a *Assembler) encodeIndirectBranch(r Request) error {
	if !r.Dst.isRM() || r.Src.Kind != OperandNone {
		return unsupported(r)
	}
	ext := byte(2)
	if r.Op == JMP {
		ext = 4
	}
	return a.emitRMExt(Width32, []byte{0xff}, r.Dst, ext)
}

func (a *Assembler) encodePushPop(r Request) error {
	if r.Dst.Kind != OperandRegister || r.Src.Kind != OperandNone {
		return unsupported(r)
	}
	bits, ext, err := gpr(r.Dst.Reg)
	if err != nil {
		return err
	}
	opcode := byte(0x50)
	if r.Op == POP {
		opcode = 0x58
	}
	ins := instruction{opcode: []byte{opcode + bits}}
	if ext {
		ins.rex = rexPrefixB
	}
	return a.write(ins)
}

func (a *Assembler) encodeStandalone(r Request) error {
	if r.Dst.Kind != OperandNone || r.Src.Kind != OperandNone {
		return unsupported(r)
	}
	return a.write(instruction{opcode: standaloneOpcodes[r.Op]})
}

// x87Operand returns the single operand of an x87 instruction, which may be
// given either as Dst or Src.
func x87Operand(r Request) (Operand, bool) {
	switch {
	case r.Dst.Kind != OperandNone && r.Src.Kind == OperandNone:
		return r.Dst, true
	case r.Dst.Kind == OperandNone && r.Src.Kind != OperandNone:
		return r.Src, true
	}
	return Operand{}, false
}

// encodeX87Memory encodes the x87 instructions with a memory operand, where
// Width is the size of the value in memory.
func (a *Assembler) encodeX87Memory(r Request) error {
	o, ok := x87Operand(r)
	if !ok || !o.isMemory() {
		return unsupported(r)
	}
	opcode, ok := x87MemoryOpcodes[r.Op][r.Width]
	if !ok {
		return requireWidth(r.Width)
	}
	// The width is in the opcode, there is no operand size prefix.
	return a.emitRMExt(Width32, []byte{opcode.opcode}, o, opcode.extension)
}

func (a *Assembler) encodeX87Stack(r Request) error {
	o, ok := x87Operand(r)
	if !ok || o.Kind != OperandRegister || !isX87(o.Reg) {
		return unsupported(r)
	}
	opcode := x87StackOpcodes[r.Op]
	return a.write(instruction{opcode: []byte{opcode[0], opcode[1] + byte(o.Reg-RegST0)}})
}

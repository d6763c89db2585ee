// Package golang_asm assembles amd64 requests with golang-asm, the assembler
// of the Go toolchain. It is the reference encoder the amd64 encoder is
// checked against in tests.
package golang_asm

import (
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/gojit/dynarec/internal/asm"
	amd64 "github.com/gojit/dynarec/internal/asm/amd64"
)

// instructions maps the families and widths with a Go assembler equivalent.
//
// Note: the Go assembler orders operands "from, to", which is the reverse of
// Request, except for CMP which compares from with to.
var instructions = map[amd64.Op]map[amd64.Width]obj.As{
	amd64.ADD:  {amd64.Width32: x86.AADDL, amd64.Width64: x86.AADDQ},
	amd64.ADC:  {amd64.Width32: x86.AADCL, amd64.Width64: x86.AADCQ},
	amd64.SBB:  {amd64.Width32: x86.ASBBL, amd64.Width64: x86.ASBBQ},
	amd64.SUB:  {amd64.Width32: x86.ASUBL, amd64.Width64: x86.ASUBQ},
	amd64.AND:  {amd64.Width32: x86.AANDL, amd64.Width64: x86.AANDQ},
	amd64.OR:   {amd64.Width32: x86.AORL, amd64.Width64: x86.AORQ},
	amd64.XOR:  {amd64.Width32: x86.AXORL, amd64.Width64: x86.AXORQ},
	amd64.CMP:  {amd64.Width32: x86.ACMPL, amd64.Width64: x86.ACMPQ},
	amd64.MOV:  {amd64.Width32: x86.AMOVL, amd64.Width64: x86.AMOVQ},
	amd64.SHL:  {amd64.Width32: x86.ASHLL, amd64.Width64: x86.ASHLQ},
	amd64.SHR:  {amd64.Width32: x86.ASHRL, amd64.Width64: x86.ASHRQ},
	amd64.SAR:  {amd64.Width32: x86.ASARL, amd64.Width64: x86.ASARQ},
	amd64.ROL:  {amd64.Width32: x86.AROLL, amd64.Width64: x86.AROLQ},
	amd64.ROR:  {amd64.Width32: x86.ARORL, amd64.Width64: x86.ARORQ},
	amd64.IMUL: {amd64.Width32: x86.AIMULL, amd64.Width64: x86.AIMULQ},
}

// Assembler accumulates instructions until Assemble is called.
type Assembler struct {
	b *goasm.Builder
}

// NewAssembler returns an empty Assembler.
func NewAssembler() (*Assembler, error) {
	b, err := goasm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	return &Assembler{b: b}, nil
}

// Supported returns true if r can be passed to Encode.
func Supported(r amd64.Request) bool {
	_, ok := instructions[r.Op][r.Width]
	return ok && r.Aux.Kind == amd64.OperandNone &&
		supportedOperand(r.Dst) && supportedOperand(r.Src)
}

func supportedOperand(o amd64.Operand) bool {
	switch o.Kind {
	case amd64.OperandRegister, amd64.OperandImmediate, amd64.OperandMemory:
		return true
	}
	return false
}

// Encode adds the instruction r.
func (a *Assembler) Encode(r amd64.Request) error {
	if !Supported(r) {
		return fmt.Errorf("%s has no golang-asm equivalent", r)
	}
	from, to := r.Src, r.Dst
	if r.Op == amd64.CMP {
		from, to = r.Dst, r.Src
	}
	p := a.b.NewProg()
	p.As = instructions[r.Op][r.Width]
	setAddr(&p.From, from)
	setAddr(&p.To, to)
	a.b.AddInstruction(p)
	return nil
}

// Assemble returns the machine code of the instructions added so far.
func (a *Assembler) Assemble() []byte {
	return a.b.Assemble()
}

func setAddr(addr *obj.Addr, o amd64.Operand) {
	switch o.Kind {
	case amd64.OperandRegister:
		addr.Type = obj.TYPE_REG
		addr.Reg = register(o.Reg)
	case amd64.OperandImmediate:
		addr.Type = obj.TYPE_CONST
		addr.Offset = o.Imm
	case amd64.OperandMemory:
		addr.Type = obj.TYPE_MEM
		addr.Reg = register(o.Reg)
		addr.Offset = int64(o.Disp)
		if o.Index != asm.NilRegister {
			addr.Index = register(o.Index)
			addr.Scale = int16(o.Scale)
		}
	}
}

// register converts a general purpose register, the Go assembler numbers them
// in the same order.
func register(reg asm.Register) int16 {
	return x86.REG_AX + int16(reg-amd64.RegAX)
}

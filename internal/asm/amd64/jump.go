package asm_amd64

import (
	"fmt"

	"github.com/gojit/dynarec/internal/asm"
)

// Jump is a forward jump whose displacement is written by SetJumpTarget.
type Jump struct {
	// site is the offset of the displacement field.
	site  int
	short bool
}

// absoluteJumpLength is the length of "FF 25 00000000" followed by the
// 8-byte absolute address it reads.
const absoluteJumpLength = 6 + 8

func shortJumpOpcode(c Cond) []byte {
	if c == CondAlways {
		return []byte{0xeb}
	}
	return []byte{0x70 | byte(c)}
}

func nearJumpOpcode(c Cond) []byte {
	if c == CondAlways {
		return []byte{0xe9}
	}
	return []byte{0x0f, 0x80 | byte(c)}
}

func checkCond(c Cond) {
	if c != CondAlways && c > CondG {
		panic(fmt.Sprintf("BUG: invalid condition %d", c))
	}
}

// JumpShort writes a jump with an 8-bit displacement relative to the end of
// the instruction. CondAlways writes an unconditional JMP.
func (a *Assembler) JumpShort(c Cond, rel int8) {
	checkCond(c)
	a.buf.AppendBytes(shortJumpOpcode(c)...)
	a.buf.AppendByte(byte(rel))
}

// JumpNear writes a jump with a 32-bit displacement relative to the end of
// the instruction. CondAlways writes an unconditional JMP.
func (a *Assembler) JumpNear(c Cond, rel int32) {
	checkCond(c)
	a.buf.AppendBytes(nearJumpOpcode(c)...)
	a.buf.AppendUint32(uint32(rel))
}

// JumpForward writes a jump to a location emitted later, with a zero
// displacement to be filled in by SetJumpTarget.
func (a *Assembler) JumpForward(c Cond, short bool) Jump {
	if short {
		a.JumpShort(c, 0)
		return Jump{site: a.Offset() - 1, short: true}
	}
	a.JumpNear(c, 0)
	return Jump{site: a.Offset() - 4}
}

// SetJumpTarget makes j jump to the current offset.
func (a *Assembler) SetJumpTarget(j Jump) error {
	if j.short {
		rel := a.Offset() - (j.site + 1)
		if !fitInSigned8bit(int64(rel)) {
			return &asm.JumpRangeError{Site: j.site, Displacement: int64(rel), Bits: 8}
		}
		a.buf.PatchUint8At(j.site, byte(int8(rel)))
		return nil
	}
	a.buf.PatchUint32At(j.site, uint32(int32(a.Offset()-(j.site+4))))
	return nil
}

// JumpBackward writes a jump to the instruction at offset, which has already
// been emitted. The short form is used when the displacement fits in 8 bits.
func (a *Assembler) JumpBackward(c Cond, offset int) {
	if offset > a.Offset() {
		panic(fmt.Sprintf("BUG: offset %d is not emitted yet", offset))
	}
	shortLength := 2
	if rel := offset - (a.Offset() + shortLength); fitInSigned8bit(int64(rel)) {
		a.JumpShort(c, int8(rel))
		return
	}
	nearLength := 5
	if c != CondAlways {
		nearLength = 6
	}
	a.JumpNear(c, int32(offset-(a.Offset()+nearLength)))
}

// JumpToGuest writes an unconditional jump to the host code of the guest
// address target, which is patched by the relocation table once known.
//
// On 64-bit hosts the jump reads an 8-byte absolute address placed right
// after it, so that the destination may be anywhere in the address space. On
// 32-bit hosts it is a plain JMP rel32.
func (a *Assembler) JumpToGuest(target asm.GuestAddress) {
	if a.mode.Wide() {
		// JMP [RIP+0]
		a.buf.AppendBytes(0xff, 0x25, 0, 0, 0, 0)
		site := a.Offset()
		a.buf.AppendUint64(0)
		a.literals[site] = 8
		a.relocs.RecordPending(site, target, asm.SiteAbs64)
		return
	}
	a.JumpNear(CondAlways, 0)
	a.relocs.RecordPending(a.Offset()-4, target, asm.SiteRel32)
}

// BranchToGuest is like JumpToGuest, taken only if c holds.
//
// 64-bit hosts have no conditional form of the absolute jump, so the
// opposite condition skips over an unconditional one.
func (a *Assembler) BranchToGuest(c Cond, target asm.GuestAddress) {
	if c == CondAlways {
		a.JumpToGuest(target)
		return
	}
	checkCond(c)
	if a.mode.Wide() {
		a.JumpShort(c.Invert(), absoluteJumpLength)
		a.JumpToGuest(target)
		return
	}
	a.JumpNear(c, 0)
	a.relocs.RecordPending(a.Offset()-4, target, asm.SiteRel32)
}

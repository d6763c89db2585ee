package asm_amd64

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble returns the listing of the code written so far, one
// instruction per line, with embedded addresses shown as data.
func (a *Assembler) Disassemble() string {
	return a.DisassembleFrom(0)
}

// DisassembleFrom is like Disassemble for the code written at or after
// offset, which must be the start of an instruction.
func (a *Assembler) DisassembleFrom(offset int) string {
	mode := 32
	if a.mode.Wide() {
		mode = 64
	}
	return disassemble(a.buf.Bytes(), offset, mode, a.literals)
}

// Disassemble decodes code for the given mode, 32 or 64. literals maps the
// offset of data embedded in code to its size, and may be nil.
func Disassemble(code []byte, mode int, literals map[int]int) string {
	return disassemble(code, 0, mode, literals)
}

func disassemble(code []byte, origin, mode int, literals map[int]int) string {
	var b strings.Builder
	offsets := make([]int, 0, len(literals))
	for off := range literals {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)

	for pc := origin; pc < len(code); {
		for len(offsets) > 0 && offsets[0] < pc {
			offsets = offsets[1:]
		}
		end := len(code)
		if len(offsets) > 0 {
			if offsets[0] == pc {
				n := literals[pc]
				if pc+n > len(code) {
					n = len(code) - pc
				}
				fmt.Fprintf(&b, "0x%04x: %-24x .data\n", pc, code[pc:pc+n])
				pc += n
				offsets = offsets[1:]
				continue
			}
			if offsets[0] > pc {
				end = offsets[0]
			}
		}
		inst, err := x86asm.Decode(code[pc:end], mode)
		if err != nil || inst.Len == 0 || inst.Op == 0 {
			fmt.Fprintf(&b, "0x%04x: %-24x (bad)\n", pc, code[pc:pc+1])
			pc++
			continue
		}
		fmt.Fprintf(&b, "0x%04x: %-24x %s\n", pc, code[pc:pc+inst.Len], x86asm.IntelSyntax(inst, uint64(pc), nil))
		pc += inst.Len
	}
	return b.String()
}

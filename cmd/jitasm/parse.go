package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gojit/dynarec/internal/asm"
	amd64 "github.com/gojit/dynarec/internal/asm/amd64"
)

// emitter writes one parsed line.
type emitter func(*amd64.Assembler) error

// block is the list of lines following a "block ADDR" line, or the start of
// the input.
type block struct {
	guest asm.GuestAddress
	lines []emitter
}

// parser turns lines of text into emitters. The syntax of a line is
//
//	OP[.width|.cond] [operand[, operand[, operand]]]
//
// where an operand is one of
//
//	ax, r8, st0       register
//	$0x10, $-1:8      immediate, optionally with its width in bits
//	[bx+si*8-0x10]    memory
//	state+0x10        guest state field
//	@0x1000           absolute address, for MOVABS
//
// "block ADDR" starts the block of a guest address, "goto ADDR" jumps to
// one and "branch.cond ADDR" jumps to one if cond holds. Anything after ';'
// is a comment.
type parser struct {
	stateBase uintptr
}

func (p *parser) parse(r io.Reader) ([]block, error) {
	var blocks []block
	cur := block{}
	started := false
	s := bufio.NewScanner(r)
	for n := 1; s.Scan(); n++ {
		line := s.Text()
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		mnemonic, rest, _ := strings.Cut(line, " ")
		if strings.EqualFold(mnemonic, "block") {
			guest, err := parseGuestAddress(strings.TrimSpace(rest))
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n, err)
			}
			if started || len(cur.lines) > 0 {
				blocks = append(blocks, cur)
			}
			cur, started = block{guest: guest}, true
			continue
		}
		e, err := p.parseLine(mnemonic, strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", n, line, err)
		}
		cur.lines = append(cur.lines, e)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if started || len(cur.lines) > 0 {
		blocks = append(blocks, cur)
	}
	return blocks, nil
}

func (p *parser) parseLine(mnemonic, rest string) (emitter, error) {
	name, suffix, hasSuffix := strings.Cut(strings.ToUpper(mnemonic), ".")

	switch name {
	case "GOTO":
		target, err := parseGuestAddress(rest)
		if err != nil {
			return nil, err
		}
		return func(a *amd64.Assembler) error {
			a.JumpToGuest(target)
			return nil
		}, nil
	case "BRANCH":
		c, ok := amd64.CondByName(suffix)
		if !ok {
			return nil, fmt.Errorf("invalid condition %q", suffix)
		}
		target, err := parseGuestAddress(rest)
		if err != nil {
			return nil, err
		}
		return func(a *amd64.Assembler) error {
			a.BranchToGuest(c, target)
			return nil
		}, nil
	}

	r, err := parseOp(name)
	if err != nil {
		return nil, err
	}
	if hasSuffix {
		bits, err := strconv.ParseUint(suffix, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid width %q", suffix)
		}
		r.Width = amd64.Width(bits)
	} else if r.Op != amd64.SETCC {
		r.Width = amd64.Width32
	}

	if rest != "" {
		operands := strings.Split(rest, ",")
		if len(operands) > 3 {
			return nil, fmt.Errorf("too many operands")
		}
		for i, text := range operands {
			o, err := p.parseOperand(strings.TrimSpace(text))
			if err != nil {
				return nil, err
			}
			switch i {
			case 0:
				r.Dst = o
			case 1:
				r.Src = o
			case 2:
				r.Aux = o
			}
		}
	}
	return func(a *amd64.Assembler) error { return a.Encode(r) }, nil
}

// parseOp parses an instruction name, where SETcc and CMOVcc carry their
// condition in the name.
func parseOp(name string) (amd64.Request, error) {
	if op, ok := amd64.OpByName(name); ok {
		return amd64.Request{Op: op}, nil
	}
	for prefix, op := range map[string]amd64.Op{"SET": amd64.SETCC, "CMOV": amd64.CMOVCC} {
		if cond, ok := strings.CutPrefix(name, prefix); ok {
			if c, ok := amd64.CondByName(cond); ok {
				return amd64.Request{Op: op, Cond: c}, nil
			}
		}
	}
	return amd64.Request{}, fmt.Errorf("unknown instruction %s", name)
}

func (p *parser) parseOperand(text string) (amd64.Operand, error) {
	switch {
	case text == "":
		return amd64.Operand{}, fmt.Errorf("missing operand")
	case text[0] == '$':
		return parseImmediate(text[1:])
	case text[0] == '@':
		addr, err := strconv.ParseUint(text[1:], 0, 64)
		if err != nil {
			return amd64.Operand{}, fmt.Errorf("invalid address %q", text[1:])
		}
		return amd64.Abs(uintptr(addr)), nil
	case text[0] == '[':
		if !strings.HasSuffix(text, "]") {
			return amd64.Operand{}, fmt.Errorf("unterminated memory operand %q", text)
		}
		return parseMemory(text[1 : len(text)-1])
	case strings.HasPrefix(strings.ToLower(text), "state"):
		off := int64(0)
		if rest := strings.TrimSpace(text[len("state"):]); rest != "" {
			v, err := strconv.ParseInt(strings.ReplaceAll(rest, " ", ""), 0, 64)
			if err != nil {
				return amd64.Operand{}, fmt.Errorf("invalid state offset %q", rest)
			}
			off = v
		}
		return amd64.State(p.stateBase + uintptr(off)), nil
	}
	reg, ok := amd64.RegisterByName(strings.ToUpper(text))
	if !ok {
		return amd64.Operand{}, fmt.Errorf("unknown register %s", text)
	}
	return amd64.Reg(reg), nil
}

func parseImmediate(text string) (amd64.Operand, error) {
	value, bits, hasBits := strings.Cut(text, ":")
	v, err := strconv.ParseInt(value, 0, 64)
	if err != nil {
		// Allow unsigned 64-bit values such as 0xffffffffffffffff.
		u, uerr := strconv.ParseUint(value, 0, 64)
		if uerr != nil {
			return amd64.Operand{}, fmt.Errorf("invalid immediate %q", value)
		}
		v = int64(u)
	}
	if !hasBits {
		switch {
		case v == int64(int8(v)):
			return amd64.Imm8(v), nil
		case v == int64(int32(v)):
			return amd64.Imm32(v), nil
		default:
			return amd64.Imm64(v), nil
		}
	}
	switch bits {
	case "8":
		return amd64.Imm8(v), nil
	case "16":
		return amd64.Imm16(v), nil
	case "32":
		return amd64.Imm32(v), nil
	case "64":
		return amd64.Imm64(v), nil
	default:
		return amd64.Operand{}, fmt.Errorf("invalid immediate width %q", bits)
	}
}

// parseMemory parses the inside of "[base+index*scale+disp]". Every part is
// optional, but at least one register must be given.
func parseMemory(text string) (amd64.Operand, error) {
	base, index := asm.NilRegister, asm.NilRegister
	scale := byte(1)
	var disp int64

	text = strings.ReplaceAll(text, " ", "")
	for len(text) > 0 {
		sign := int64(1)
		switch text[0] {
		case '+':
			text = text[1:]
		case '-':
			sign, text = -1, text[1:]
		}
		end := strings.IndexAny(text, "+-")
		if end < 0 {
			end = len(text)
		}
		term := text[:end]
		text = text[end:]

		name, factor, scaled := strings.Cut(term, "*")
		if reg, ok := amd64.RegisterByName(strings.ToUpper(name)); ok {
			if sign < 0 {
				return amd64.Operand{}, fmt.Errorf("register %s cannot be subtracted", name)
			}
			switch {
			case scaled || base != asm.NilRegister:
				if index != asm.NilRegister {
					return amd64.Operand{}, fmt.Errorf("too many registers")
				}
				index = reg
				if scaled {
					s, err := strconv.ParseUint(factor, 0, 8)
					if err != nil {
						return amd64.Operand{}, fmt.Errorf("invalid scale %q", factor)
					}
					scale = byte(s)
				}
			default:
				base = reg
			}
			continue
		}
		v, err := strconv.ParseInt(term, 0, 64)
		if err != nil {
			return amd64.Operand{}, fmt.Errorf("invalid memory term %q", term)
		}
		disp += sign * v
	}

	if disp != int64(int32(disp)) {
		return amd64.Operand{}, fmt.Errorf("displacement %#x does not fit in 32 bits", disp)
	}
	switch {
	case base == asm.NilRegister && index == asm.NilRegister:
		return amd64.Operand{}, fmt.Errorf("memory operand without register")
	case index == asm.NilRegister:
		return amd64.Mem(base, int32(disp)), nil
	default:
		return amd64.MemIndex(base, index, scale, int32(disp)), nil
	}
}

func parseGuestAddress(text string) (asm.GuestAddress, error) {
	v, err := strconv.ParseUint(text, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid guest address %q", text)
	}
	return asm.GuestAddress(v), nil
}

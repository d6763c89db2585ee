package asm

import (
	"fmt"
	"sort"
)

// SiteKind is the shape of a placeholder left in the code buffer for a jump
// whose destination is not known yet.
type SiteKind byte

const (
	// SiteRel32 is a 4-byte displacement relative to the end of the site,
	// as used by E9 and 0F 8x jumps.
	SiteRel32 SiteKind = iota + 1
	// SiteAbs64 is an 8-byte absolute address, as read by FF 25 jumps.
	SiteAbs64
)

// Size returns the number of bytes of the placeholder.
func (k SiteKind) Size() int {
	switch k {
	case SiteRel32:
		return 4
	case SiteAbs64:
		return 8
	default:
		panic(fmt.Sprintf("BUG: invalid site kind %d", k))
	}
}

// String implements fmt.Stringer.
func (k SiteKind) String() string {
	switch k {
	case SiteRel32:
		return "rel32"
	case SiteAbs64:
		return "abs64"
	default:
		return fmt.Sprintf("SiteKind(%d)", k)
	}
}

// PendingRelocation is a placeholder at offset Site in the code buffer
// waiting for the host code of guest address Target.
type PendingRelocation struct {
	Site   int
	Target GuestAddress
	Kind   SiteKind
}

// destination is where a patched site points to: an offset inside the code
// buffer, or an address outside of it.
type destination struct {
	internal bool
	offset   int
	host     uintptr
}

type patchedSite struct {
	site   int
	kind   SiteKind
	target GuestAddress
	dest   destination
}

// RelocationTable records jump sites whose guest target has not been
// translated yet, and patches them once the host code of the target is known.
//
// Every pending site is patched exactly once. Patched sites are remembered so
// that those whose encoding depends on the base address of the buffer are
// rewritten when the buffer moves: absolute sites pointing inside the buffer
// and relative sites pointing outside of it.
type RelocationTable struct {
	buf     *CodeBuffer
	pending []PendingRelocation
	patched []patchedSite
	// recorded and resolved count relocations over the lifetime of the table.
	recorded, resolved int
}

// NewRelocationTable constructs an empty table for sites in buf.
func NewRelocationTable(buf *CodeBuffer) *RelocationTable {
	t := &RelocationTable{buf: buf}
	buf.OnMove(t.rebase)
	return t
}

// RecordPending registers the zero-filled placeholder of the given kind at
// offset site as a jump to the guest address target.
func (t *RelocationTable) RecordPending(site int, target GuestAddress, kind SiteKind) {
	n := kind.Size()
	if site < 0 || site+n > t.buf.Len() {
		panic(fmt.Sprintf("BUG: %s site at offset %d is outside of code buffer of length %d", kind, site, t.buf.Len()))
	}
	for _, b := range t.buf.Bytes()[site : site+n] {
		if b != 0 {
			panic(fmt.Sprintf("BUG: %s site at offset %d is not a zero placeholder", kind, site))
		}
	}
	t.pending = append(t.pending, PendingRelocation{Site: site, Target: target, Kind: kind})
	t.recorded++
}

// Resolve patches every pending site jumping to target so that it reaches
// the absolute host address host, which lies outside of the buffer. It
// returns the number of sites patched. Resolving a target without pending
// sites does nothing.
//
// A *JumpRangeError is returned when a relative site cannot reach host; the
// offending site stays pending.
func (t *RelocationTable) Resolve(target GuestAddress, host uintptr) (int, error) {
	return t.resolve(target, destination{host: host})
}

// ResolveOffset is like Resolve, for a target translated at offset inside
// the buffer.
func (t *RelocationTable) ResolveOffset(target GuestAddress, offset int) (int, error) {
	if offset < 0 || offset > t.buf.Len() {
		panic(fmt.Sprintf("BUG: offset %d is outside of code buffer of length %d", offset, t.buf.Len()))
	}
	return t.resolve(target, destination{internal: true, offset: offset})
}

// ResolveKnown resolves the pending sites of every target for which lookup
// returns an offset inside the buffer.
func (t *RelocationTable) ResolveKnown(lookup func(GuestAddress) (offset int, ok bool)) (int, error) {
	var total int
	for _, target := range t.Targets() {
		offset, ok := lookup(target)
		if !ok {
			continue
		}
		n, err := t.ResolveOffset(target, offset)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (t *RelocationTable) resolve(target GuestAddress, dest destination) (n int, err error) {
	kept := t.pending[:0]
	for _, p := range t.pending {
		if p.Target != target || err != nil {
			kept = append(kept, p)
			continue
		}
		s := patchedSite{site: p.Site, kind: p.Kind, target: p.Target, dest: dest}
		if err = t.patch(s); err != nil {
			kept = append(kept, p)
			continue
		}
		t.patched = append(t.patched, s)
		n++
	}
	t.pending = kept
	t.resolved += n
	return
}

func (t *RelocationTable) patch(s patchedSite) error {
	base := t.buf.Addr()
	switch s.kind {
	case SiteRel32:
		var disp int64
		next := s.site + 4
		if s.dest.internal {
			disp = int64(s.dest.offset) - int64(next)
		} else {
			d, err := ResolveDisplacement(s.dest.host, base+uintptr(next))
			if err != nil {
				return &JumpRangeError{Site: s.site, Displacement: int64(s.dest.host) - int64(base+uintptr(next)), Bits: 32}
			}
			disp = int64(d)
		}
		t.buf.PatchUint32At(s.site, uint32(int32(disp)))
	case SiteAbs64:
		addr := s.dest.host
		if s.dest.internal {
			addr = base + uintptr(s.dest.offset)
		}
		t.buf.PatchUint64At(s.site, uint64(addr))
	}
	return nil
}

// rebase rewrites the patched sites whose bytes depend on the base address
// of the buffer. It panics with a *JumpRangeError when a relative site can
// no longer reach its destination.
func (t *RelocationTable) rebase(_, _ uintptr) {
	for _, s := range t.patched {
		if s.dest.internal == (s.kind == SiteRel32) {
			continue
		}
		if err := t.patch(s); err != nil {
			panic(err)
		}
	}
}

// Pending returns a copy of the pending relocations in recording order.
func (t *RelocationTable) Pending() []PendingRelocation {
	return append([]PendingRelocation(nil), t.pending...)
}

// Targets returns the distinct guest addresses with pending relocations, in
// ascending order.
func (t *RelocationTable) Targets() []GuestAddress {
	seen := make(map[GuestAddress]struct{}, len(t.pending))
	var ret []GuestAddress
	for _, p := range t.pending {
		if _, ok := seen[p.Target]; !ok {
			seen[p.Target] = struct{}{}
			ret = append(ret, p.Target)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// Len returns the number of pending relocations.
func (t *RelocationTable) Len() int {
	return len(t.pending)
}

// Recorded returns the number of relocations recorded since the table was
// created.
func (t *RelocationTable) Recorded() int {
	return t.recorded
}

// Resolved returns the number of relocations patched since the table was
// created.
func (t *RelocationTable) Resolved() int {
	return t.resolved
}

// Verify returns an *UnresolvedError if any relocation is still pending.
func (t *RelocationTable) Verify() error {
	if len(t.pending) == 0 {
		return nil
	}
	return &UnresolvedError{Targets: t.Targets()}
}

// Truncate forgets the sites at or after offset off, which is about to be
// truncated from the code buffer. Sites before off which were patched to a
// destination at or after off are cleared back to zero placeholders and
// become pending again.
func (t *RelocationTable) Truncate(off int) {
	pending := t.pending[:0]
	for _, p := range t.pending {
		if p.Site < off {
			pending = append(pending, p)
		}
	}
	t.pending = pending

	patched := t.patched[:0]
	for _, s := range t.patched {
		switch {
		case s.site >= off:
		case s.dest.internal && s.dest.offset >= off:
			switch s.kind {
			case SiteRel32:
				t.buf.PatchUint32At(s.site, 0)
			case SiteAbs64:
				t.buf.PatchUint64At(s.site, 0)
			}
			t.pending = append(t.pending, PendingRelocation{Site: s.site, Target: s.target, Kind: s.kind})
		default:
			patched = append(patched, s)
		}
	}
	t.patched = patched
	sort.SliceStable(t.pending, func(i, j int) bool { return t.pending[i].Site < t.pending[j].Site })
}

// Reset forgets all relocations, pending and patched. It must be called when
// the code buffer is reset.
func (t *RelocationTable) Reset() {
	t.pending = t.pending[:0]
	t.patched = t.patched[:0]
}

// Package asm holds the architecture independent parts of the host code
// generator: the executable code buffer, the relocation table which patches
// jumps to guest addresses once they are translated, and the typed errors
// shared by the encoders.
package asm

// Register represents an architecture-specific register.
type Register byte

// NilRegister is the only architecture-independent register, and
// can be used to indicate that no register is specified.
const NilRegister Register = 0

// GuestAddress is an address in the emulated processor's address space.
type GuestAddress uint32

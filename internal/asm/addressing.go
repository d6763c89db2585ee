package asm

import "math"

// ResolveDisplacement returns the signed 32-bit displacement which reaches
// target from base. A *DisplacementRangeError is returned when the magnitude
// of the distance exceeds math.MaxInt32, so -0x80000000 is rejected as well.
func ResolveDisplacement(target, base uintptr) (int32, error) {
	if target >= base {
		if d := uint64(target - base); d <= math.MaxInt32 {
			return int32(d), nil
		}
	} else {
		if d := uint64(base - target); d <= math.MaxInt32 {
			return -int32(d), nil
		}
	}
	return 0, &DisplacementRangeError{Target: target, Base: base, Bits: 32}
}

//go:build !amd64

package dynarec

const defaultHostMode = ModeNarrow

package dynarec

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gojit/dynarec/internal/asm"
	amd64 "github.com/gojit/dynarec/internal/asm/amd64"
	"github.com/gojit/dynarec/internal/logging"
)

// HostMode selects the host instruction set translated code is emitted for.
type HostMode byte

const (
	// ModeNarrow emits 32-bit x86 code. Guest state is addressed with
	// absolute 32-bit addresses and guest jumps use 32-bit displacements.
	ModeNarrow HostMode = iota + 1
	// ModeWide emits x86-64 code. Guest state is addressed relative to a
	// reserved base register and guest jumps go through 64-bit absolute
	// addresses.
	ModeWide
)

// String implements fmt.Stringer.
func (m HostMode) String() string {
	switch m {
	case ModeNarrow:
		return "narrow"
	case ModeWide:
		return "wide"
	default:
		return fmt.Sprintf("HostMode(%d)", m)
	}
}

// Config controls session behavior, with the default implementation as NewConfig.
type Config struct {
	mode            HostMode
	stateBase       uintptr
	baseRegister    asm.Register
	growthIncrement int
	allocator       asm.Allocator
	logger          *slog.Logger
	logScopes       logging.LogScopes
	registerer      prometheus.Registerer
}

// defaultConfig helps avoid copy/pasting the wrong defaults.
var defaultConfig = &Config{
	mode:            defaultHostMode,
	baseRegister:    amd64.RegR15,
	growthIncrement: asm.DefaultGrowthIncrement,
	allocator:       asm.ExecutableAllocator,
	logScopes:       logging.LogScopeAll,
}

// NewConfig returns the default configuration: wide mode when the host is
// amd64 and narrow mode otherwise, R15 as the state base register, buffers
// of executable memory growing by 8192 bytes, no logging and no metrics.
func NewConfig() *Config {
	return defaultConfig.clone()
}

// clone ensures all fields are copied even if nil.
func (c *Config) clone() *Config {
	ret := *c
	return &ret
}

// WithHostMode sets the host instruction set.
func (c *Config) WithHostMode(mode HostMode) *Config {
	ret := c.clone()
	ret.mode = mode
	return ret
}

// WithStateBase sets the address of the guest state file. State operands
// are resolved against it: absolute in narrow mode, relative to the base
// register in wide mode.
func (c *Config) WithStateBase(base uintptr) *Config {
	ret := c.clone()
	ret.stateBase = base
	return ret
}

// WithBaseRegister sets the register reserved to hold the state base in
// wide mode. It is removed from the allocatable registers. Defaults to R15.
func (c *Config) WithBaseRegister(reg asm.Register) *Config {
	ret := c.clone()
	ret.baseRegister = reg
	return ret
}

// WithGrowthIncrement sets the number of bytes the code buffer grows by.
// Non-positive values select asm.DefaultGrowthIncrement.
func (c *Config) WithGrowthIncrement(n int) *Config {
	if n <= 0 {
		n = asm.DefaultGrowthIncrement
	}
	ret := c.clone()
	ret.growthIncrement = n
	return ret
}

// WithAllocator sets the allocator of the code buffer. Defaults to
// asm.ExecutableAllocator if nil.
func (c *Config) WithAllocator(alloc asm.Allocator) *Config {
	if alloc == nil {
		alloc = asm.ExecutableAllocator
	}
	ret := c.clone()
	ret.allocator = alloc
	return ret
}

// WithLogger sets the logger of translation events. Defaults to discarding
// everything if nil.
func (c *Config) WithLogger(l *slog.Logger) *Config {
	ret := c.clone()
	ret.logger = l
	return ret
}

// WithLogScopes restricts logging to the given scopes. Defaults to all.
func (c *Config) WithLogScopes(scopes logging.LogScopes) *Config {
	ret := c.clone()
	ret.logScopes = scopes
	return ret
}

// WithMetricsRegisterer registers the session metrics on reg. Sessions
// sharing reg add up into the same metrics. Metrics are not collected if nil.
func (c *Config) WithMetricsRegisterer(reg prometheus.Registerer) *Config {
	ret := c.clone()
	ret.registerer = reg
	return ret
}

// addressingMode validates c and returns the addressing mode it selects.
func (c *Config) addressingMode() (amd64.AddressingMode, error) {
	switch c.mode {
	case ModeNarrow:
		if uint64(c.stateBase) > 0xffffffff {
			return nil, fmt.Errorf("state base %#x is not addressable in %s mode", c.stateBase, c.mode)
		}
		return amd64.AbsoluteAddressing(), nil
	case ModeWide:
		if c.baseRegister < amd64.RegAX || c.baseRegister > amd64.RegR15 || c.baseRegister == amd64.RegSP {
			return nil, fmt.Errorf("%s cannot hold the state base", amd64.RegisterName(c.baseRegister))
		}
		return amd64.BaseRelativeAddressing(c.baseRegister, c.stateBase), nil
	default:
		return nil, fmt.Errorf("invalid host mode %d", c.mode)
	}
}

// Package logging includes utilities used to log translation events. This is
// in an independent package to avoid dependency cycles.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/gojit/dynarec/internal/asm"
)

// LevelTrace is below slog.LevelDebug and enables per-block disassembly.
const LevelTrace slog.Level = slog.LevelDebug - 4

type LogScopes uint64

const (
	LogScopeNone            = LogScopes(0)
	LogScopeBlock LogScopes = 1 << iota
	LogScopeReloc
	LogScopeBuffer
	LogScopeAll = LogScopes(0xffffffffffffffff)
)

func scopeName(s LogScopes) string {
	switch s {
	case LogScopeBlock:
		return "block"
	case LogScopeReloc:
		return "reloc"
	case LogScopeBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("<unknown=%d>", s)
	}
}

// IsEnabled returns true if the scope (or group of scopes) is enabled.
func (f LogScopes) IsEnabled(scope LogScopes) bool {
	return f&scope != 0
}

// String implements fmt.Stringer by returning each enabled log scope.
func (f LogScopes) String() string {
	if f == LogScopeAll {
		return "all"
	}
	var builder strings.Builder
	for i := 0; i <= 63; i++ { // cycle through all bits to reduce code and maintenance
		target := LogScopes(1 << i)
		if f.IsEnabled(target) {
			if name := scopeName(target); name != "" {
				if builder.Len() > 0 {
					builder.WriteByte('|')
				}
				builder.WriteString(name)
			}
		}
	}
	return builder.String()
}

// ParseScopes parses a '|' or ',' separated list of scope names, or "all".
func ParseScopes(s string) (LogScopes, error) {
	var scopes LogScopes
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.TrimSpace(name) {
		case "all":
			scopes = LogScopeAll
		case "block":
			scopes |= LogScopeBlock
		case "reloc":
			scopes |= LogScopeReloc
		case "buffer":
			scopes |= LogScopeBuffer
		default:
			return LogScopeNone, fmt.Errorf("invalid log scope: %s", name)
		}
	}
	return scopes, nil
}

// ParseLevel parses a level name such as "debug" or "trace".
func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid level: %s", lvl)
	}
}

type discardHandler struct{}

// DiscardHandler returns a handler that drops every record.
func DiscardHandler() slog.Handler { return discardHandler{} }

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

// NewTextLogger returns a text logger writing records at or above level to w.
func NewTextLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok && l == LevelTrace {
					return slog.String(slog.LevelKey, "TRACE")
				}
			}
			return a
		},
	}))
}

// Logger filters records by scope before handing them to slog.
type Logger struct {
	l      *slog.Logger
	scopes LogScopes
}

// New returns a Logger for the given scopes. A nil slog.Logger discards.
func New(l *slog.Logger, scopes LogScopes) *Logger {
	if l == nil {
		l = slog.New(DiscardHandler())
	}
	return &Logger{l: l, scopes: scopes}
}

// Scopes returns the enabled scopes.
func (g *Logger) Scopes() LogScopes { return g.scopes }

// Enabled reports whether a record in scope at level would be written.
func (g *Logger) Enabled(scope LogScopes, level slog.Level) bool {
	return g.scopes.IsEnabled(scope) && g.l.Enabled(context.Background(), level)
}

// Log writes msg with attrs when scope and level are enabled.
func (g *Logger) Log(scope LogScopes, level slog.Level, msg string, attrs ...slog.Attr) {
	if !g.Enabled(scope, level) {
		return
	}
	g.l.LogAttrs(context.Background(), level, msg, append(attrs, slog.String("scope", scopeName(scope)))...)
}

// Guest returns the attribute for a guest address.
func Guest(addr asm.GuestAddress) slog.Attr {
	return slog.String("guest", fmt.Sprintf("0x%08x", uint32(addr)))
}

// Host returns the attribute for a host address.
func Host(addr uintptr) slog.Attr {
	return slog.String("host", fmt.Sprintf("%#x", addr))
}

// Offset returns the attribute for a code buffer offset.
func Offset(off int) slog.Attr {
	return slog.Int("offset", off)
}

// Size returns the attribute for a byte count.
func Size(n int) slog.Attr {
	return slog.Int("size", n)
}

package dynarec

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gojit/dynarec/internal/asm"
	amd64 "github.com/gojit/dynarec/internal/asm/amd64"
	"github.com/gojit/dynarec/internal/logging"
	"github.com/gojit/dynarec/internal/metrics"
)

// ErrBlockExists is returned by Session.Block for a guest address which was
// already translated.
var ErrBlockExists = errors.New("block already translated")

// Session is the emission context of a translator: one code buffer, its
// relocation table and the map from guest addresses to the host code
// translated for them.
//
// A Session must not be used from more than one goroutine. It holds memory
// which is not managed by the garbage collector, and must be closed with
// Close.
type Session struct {
	cfg     *Config
	buf     *asm.CodeBuffer
	relocs  *asm.RelocationTable
	a       *amd64.Assembler
	blocks  map[asm.GuestAddress]int
	logger  *logging.Logger
	metrics *metrics.Metrics
	// failed is the error which left code outside of a block inconsistent,
	// until Reset.
	failed error
}

// NewSession returns a Session configured by cfg, or NewConfig if nil.
func NewSession(cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	mode, err := cfg.addressingMode()
	if err != nil {
		return nil, err
	}
	m, err := metrics.New(cfg.registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	s := &Session{
		cfg:     cfg,
		buf:     asm.NewCodeBuffer(cfg.allocator, cfg.growthIncrement),
		blocks:  map[asm.GuestAddress]int{},
		logger:  logging.New(cfg.logger, cfg.logScopes),
		metrics: m,
	}
	s.relocs = asm.NewRelocationTable(s.buf)
	s.a = amd64.NewAssembler(s.buf, s.relocs, mode)
	s.buf.OnMove(s.moved)
	return s, nil
}

// Mode returns the host mode of the session.
func (s *Session) Mode() HostMode {
	return s.cfg.mode
}

// AddressingMode returns how guest state operands are encoded.
func (s *Session) AddressingMode() amd64.AddressingMode {
	return s.a.Mode()
}

// StateField returns the address of the guest state field at offset, to be
// used as an amd64.State operand.
func (s *Session) StateField(offset uintptr) uintptr {
	return s.cfg.stateBase + offset
}

// Block translates the host code of the guest address guest by calling emit
// with the assembler positioned at the end of the buffer.
//
// Pending jumps to guest are patched to the new code, as are jumps emitted by
// the block to guest addresses already translated, the block itself
// included. Jumps to addresses not translated yet stay pending.
//
// A failure of emit, of the code buffer or of jump patching aborts the block
// and is returned. The aborted block is rolled back: its code, its jump sites
// and its guest address are forgotten, and jumps of earlier blocks patched to
// it become pending again. The same happens before a panic of emit is
// propagated.
//
// A patched jump which cannot reach its destination after the buffer moved
// leaves code outside of the block inconsistent. The session then refuses
// further blocks until Reset.
func (s *Session) Block(guest asm.GuestAddress, emit func(*amd64.Assembler) error) (err error) {
	if s.failed != nil {
		return fmt.Errorf("session must be reset after a failed block: %w", s.failed)
	}
	if _, ok := s.blocks[guest]; ok {
		return fmt.Errorf("0x%08x: %w", uint32(guest), ErrBlockExists)
	}

	offset, grows := s.buf.Len(), s.buf.Grows()
	s.logger.Log(logging.LogScopeBlock, slog.LevelDebug, "block start", logging.Guest(guest), logging.Offset(offset))
	s.blocks[guest] = offset
	done := false
	defer func() {
		if !done {
			s.rollback(guest, offset)
		}
		if err != nil {
			s.logger.Log(logging.LogScopeBlock, slog.LevelError, "block failed", logging.Guest(guest), slog.Any("err", err))
		}
		s.observe()
	}()

	if err = s.guard(func() error { return emit(s.a) }); err != nil {
		return fmt.Errorf("translating 0x%08x: %w", uint32(guest), err)
	}
	var patched int
	if err = s.guard(func() (err error) {
		patched, err = s.relocs.ResolveKnown(s.Lookup)
		return
	}); err != nil {
		return fmt.Errorf("patching jumps of 0x%08x: %w", uint32(guest), err)
	}
	done = true

	if s.buf.Grows() != grows {
		s.logger.Log(logging.LogScopeBuffer, slog.LevelInfo, "code buffer grew",
			logging.Guest(guest), logging.Host(s.buf.Addr()), logging.Size(s.buf.Cap()))
	}
	size := s.buf.Len() - offset
	s.logger.Log(logging.LogScopeBlock, slog.LevelDebug, "block end",
		logging.Guest(guest), logging.Offset(offset), logging.Size(size))
	if patched > 0 {
		s.logger.Log(logging.LogScopeReloc, slog.LevelDebug, "jumps patched",
			logging.Guest(guest), slog.Int("count", patched), slog.Int("pending", s.relocs.Len()))
	}
	if s.logger.Enabled(logging.LogScopeBlock, logging.LevelTrace) {
		s.logger.Log(logging.LogScopeBlock, logging.LevelTrace, "block code",
			logging.Guest(guest), slog.String("disassembly", s.a.DisassembleFrom(offset)))
	}
	return nil
}

// rollback discards the code of the block of guest written from offset.
func (s *Session) rollback(guest asm.GuestAddress, offset int) {
	delete(s.blocks, guest)
	s.a.Truncate(offset)
	s.logger.Log(logging.LogScopeBlock, slog.LevelDebug, "block rolled back",
		logging.Guest(guest), logging.Offset(offset), slog.Int("pending", s.relocs.Len()))
}

// guard runs fn, returning as errors the panics of the code buffer and the
// relocation table. A *asm.JumpRangeError panic comes from rebasing the
// patched jumps after the buffer moved, which left them unable to reach their
// destination: the session is failed until Reset.
func (s *Session) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch e := r.(type) {
			case *asm.AllocationError:
				err = e
			case *asm.JumpRangeError:
				s.failed = e
				err = e
			default:
				panic(r)
			}
		}
	}()
	return fn()
}

// Prologue writes the instruction loading the state base register, to be
// run before entering translated code. It returns the offset of the
// instruction, and writes nothing in narrow mode.
func (s *Session) Prologue() (offset int, err error) {
	offset = s.buf.Len()
	err = s.guard(s.a.LoadStateBase)
	s.observe()
	return
}

// Lookup returns the offset in the code buffer of the host code of guest.
func (s *Session) Lookup(guest asm.GuestAddress) (offset int, ok bool) {
	offset, ok = s.blocks[guest]
	return
}

// HostAddress returns the address of the host code of guest. The address is
// only valid until the next block is translated, as the buffer may move.
func (s *Session) HostAddress(guest asm.GuestAddress) (uintptr, bool) {
	offset, ok := s.blocks[guest]
	if !ok {
		return 0, false
	}
	return s.buf.Addr() + uintptr(offset), true
}

// Resolve patches the pending jumps to guest so that they reach host, the
// address of code outside of the session, such as a dispatcher. It returns
// the number of jumps patched.
func (s *Session) Resolve(guest asm.GuestAddress, host uintptr) (int, error) {
	n, err := s.relocs.Resolve(guest, host)
	if n > 0 {
		s.logger.Log(logging.LogScopeReloc, slog.LevelDebug, "jumps patched",
			logging.Guest(guest), logging.Host(host), slog.Int("count", n), slog.Int("pending", s.relocs.Len()))
	}
	s.observe()
	return n, err
}

// Pending returns the jumps waiting for their guest target to be translated.
func (s *Session) Pending() []asm.PendingRelocation {
	return s.relocs.Pending()
}

// Verify returns an *asm.UnresolvedError if any jump is still pending.
func (s *Session) Verify() error {
	return s.relocs.Verify()
}

// Code returns the host code written so far. The slice is only valid until
// the next block is translated.
func (s *Session) Code() []byte {
	return s.buf.Bytes()
}

// Disassemble returns the listing of the host code written so far.
func (s *Session) Disassemble() string {
	return s.a.Disassemble()
}

// Stats returns the cumulative statistics of the session.
func (s *Session) Stats() metrics.Stats {
	return metrics.Stats{
		Blocks:              len(s.blocks),
		BufferGrows:         s.buf.Grows(),
		RelocationsRecorded: s.relocs.Recorded(),
		RelocationsPatched:  s.relocs.Resolved(),
		RelocationsPending:  s.relocs.Len(),
		CodeBytes:           s.buf.Len(),
		CodeCapacity:        s.buf.Cap(),
	}
}

// Reset discards the translated code and the block map while keeping the
// memory of the code buffer.
func (s *Session) Reset() {
	s.buf.Reset()
	s.relocs.Reset()
	s.a.Reset()
	for k := range s.blocks {
		delete(s.blocks, k)
	}
	s.failed = nil
	s.logger.Log(logging.LogScopeBuffer, slog.LevelDebug, "session reset", logging.Size(s.buf.Cap()))
}

// Close releases the code buffer and withdraws the session from the shared
// gauges. The session must not be used afterwards.
func (s *Session) Close() error {
	s.metrics.Close()
	return s.buf.Release()
}

func (s *Session) moved(oldBase, newBase uintptr) {
	s.logger.Log(logging.LogScopeBuffer, slog.LevelDebug, "code buffer moved",
		slog.String("from", fmt.Sprintf("%#x", oldBase)), slog.String("to", fmt.Sprintf("%#x", newBase)),
		logging.Size(s.buf.Cap()))
}

func (s *Session) observe() {
	s.metrics.Observe(s.Stats())
}

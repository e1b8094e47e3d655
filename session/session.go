// Package session wires the disassembler, block store, symbol table,
// and emitter into the project's single public entry point.
package session

import (
	"fmt"
	"log"

	"github.com/klauspost/cpuid/v2"

	"github.com/binrw/pestab/block"
	"github.com/binrw/pestab/disasm"
	"github.com/binrw/pestab/emit"
	"github.com/binrw/pestab/peimage"
	"github.com/binrw/pestab/sym"
)

// UnsupportedHost reports that the running CPU lacks a capability this
// project assumes unconditionally (AMD64 long mode, SSE2).
type UnsupportedHost struct {
	Missing string
}

func (e *UnsupportedHost) Error() string {
	return fmt.Sprintf("session: host CPU lacks required capability: %s", e.Missing)
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithVerbose enables progress logging to l, or to log.Default() if l is
// nil, for each stage the Session runs (disassembly seed and block counts,
// the start of emission, and the entry point's final address).
func WithVerbose(l *log.Logger) Option {
	return func(s *Session) {
		if l == nil {
			l = log.Default()
		}
		s.logger = l
	}
}

// WithInterruptsAsData forwards to disasm.WithInterruptsAsData: treat
// INT3/INT1 as inline data (e.g. padding) rather than block terminators.
func WithInterruptsAsData(asData bool) Option {
	return func(s *Session) {
		s.disasmOpts = append(s.disasmOpts, disasm.WithInterruptsAsData(asData))
	}
}

// Session is the project's entry point: load a PE image, disassemble it
// into a symbolic IR, then lay it out and emit it into caller-supplied
// memory regions.
type Session struct {
	image  *peimage.Image
	blocks block.Store
	syms   sym.Table

	disasmOpts []disasm.Option
	emitter    *emit.Emitter

	logger *log.Logger
}

// New parses peBytes and checks that the host can run what this project
// is about to ask of it. It does not disassemble; call Disassemble next.
func New(peBytes []byte, opts ...Option) (*Session, error) {
	if err := checkHostCapable(); err != nil {
		return nil, err
	}

	img, err := peimage.Load(peBytes)
	if err != nil {
		return nil, err
	}

	s := &Session{image: img}
	for _, opt := range opts {
		opt(s)
	}
	s.emitter = emit.New(&s.blocks, &s.syms)
	return s, nil
}

func checkHostCapable() error {
	if cpuid.CPU.X64Level() < 1 {
		return &UnsupportedHost{Missing: "x86-64 baseline (v1)"}
	}
	if !cpuid.CPU.Supports(cpuid.SSE2) {
		return &UnsupportedHost{Missing: "SSE2"}
	}
	return nil
}

// AddCodeRegion registers a block of executable memory the emitter may
// place code blocks into, in the order regions are added.
func (s *Session) AddCodeRegion(base uint64, buf []byte) {
	s.emitter.AddCodeRegion(base, buf)
}

// AddDataRegion registers a block of memory the emitter may place data
// blocks and import thunk slots into, in the order regions are added.
func (s *Session) AddDataRegion(base uint64, buf []byte) {
	s.emitter.AddDataRegion(base, buf)
}

// Disassemble runs the recursive disassembler from the image's seed
// RVAs (exception directory plus entry point) and returns any
// per-instruction or per-block diagnostics encountered; diagnostics do
// not stop disassembly of the rest of the image.
func (s *Session) Disassemble() []error {
	if s.logger != nil {
		s.logger.Printf("session: disassembling, %d seed(s)", len(s.image.SeedRVAs()))
	}
	d := disasm.New(s.image, &s.blocks, &s.syms, s.disasmOpts...)
	diags := d.Run()
	if s.logger != nil {
		s.logger.Printf("session: disassembly produced %d code block(s), %d data block(s), %d diagnostic(s)",
			len(s.blocks.CodeBlocks()), len(s.blocks.DataBlocks()), len(diags))
	}
	return diags
}

// Emit lays out every disassembled block into the registered regions,
// re-encoding relative instructions for their final addresses and
// resolving import references through resolver, then returns the
// entry point's final address.
func (s *Session) Emit(resolver emit.Resolver) (entryPoint uint64, err error) {
	if s.logger != nil {
		s.logger.Printf("session: emitting")
	}
	if err := s.emitter.Emit(resolver); err != nil {
		return 0, err
	}

	id, ok := s.blocks.FindByRVA(s.image.EntryRVA())
	if !ok {
		return 0, fmt.Errorf("session: entry point rva %#x was never disassembled into a block", s.image.EntryRVA())
	}
	cb, err := s.blocks.CodeBlock(id)
	if err != nil {
		return 0, err
	}
	if !cb.HasFinalAddress || cb.OriginalRVA != s.image.EntryRVA() {
		return 0, fmt.Errorf("session: entry point rva %#x did not land at a block start", s.image.EntryRVA())
	}
	if s.logger != nil {
		s.logger.Printf("session: entry point final address %#x", cb.FinalAddress)
	}
	return cb.FinalAddress, nil
}

// Blocks exposes the disassembled code and data blocks directly, for
// callers that want to inspect or programmatically construct additional
// IR before emission rather than only consuming the rewritten image.
func (s *Session) Blocks() *block.Store { return &s.blocks }

// Symbols exposes the symbol table backing Blocks, for the same
// programmatic-construction use case.
func (s *Session) Symbols() *sym.Table { return &s.syms }

// Image returns the parsed source PE image.
func (s *Session) Image() *peimage.Image { return s.image }

// Package disasm implements the rewriter's recursive disassembler: a
// worklist-driven traversal from seed RVAs into a set of basic blocks with
// a symbolic IR, built on golang.org/x/arch/x86/x86asm.
package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/binrw/pestab/block"
	"github.com/binrw/pestab/ir"
	"github.com/binrw/pestab/sym"
)

// Section is the minimal section-table information the disassembler needs
// to translate an RVA into a byte range of Image.Bytes.
type Section struct {
	Name           string
	VirtualAddress uint64
	VirtualSize    uint64
	FileOffset     uint64
	FileSize       uint64
	Executable     bool
}

// Image is the input contract a PE parser must satisfy for Disassembler
// to run. peimage.Image implements this; callers with their own parser
// may implement it directly and skip peimage entirely.
type Image interface {
	// Bytes returns the raw file image, indexed by file offset (not RVA).
	Bytes() []byte
	// Sections returns the section table, used to translate RVAs to file
	// offsets.
	Sections() []Section
	// SeedRVAs returns every a priori known basic-block start: exception
	// directory BeginAddresses plus the entry point. When the exception
	// directory is absent or empty it returns no seeds, and Run falls back
	// to EntryRVA alone and reports LowCoverage.
	SeedRVAs() []uint64
	// EntryRVA returns AddressOfEntryPoint.
	EntryRVA() uint64
	// ImportThunks returns the RVA of every import address table slot,
	// with the module/routine it's bound to. A RIP-relative operand
	// landing on one of these RVAs is a call through the IAT and
	// symbolizes to an import symbol rather than a data symbol
	// (spec.md §4.3.4).
	ImportThunks() []ImportThunk
}

// ImportThunk names one slot in the import address table.
type ImportThunk struct {
	RVA     uint64
	Module  string
	Routine string
}

// DecodeFailure reports that an instruction could not be decoded at rva.
type DecodeFailure struct {
	RVA uint64
	Err error
}

func (e *DecodeFailure) Error() string {
	return fmt.Sprintf("disasm: decode failure at rva %#x: %v", e.RVA, e.Err)
}

func (e *DecodeFailure) Unwrap() error { return e.Err }

// IncompleteBlock reports that a block was truncated by a decode failure
// before reaching a natural terminator.
type IncompleteBlock struct {
	RVA uint64 // the block's original_rva
}

func (e *IncompleteBlock) Error() string {
	return fmt.Sprintf("disasm: block at rva %#x truncated by decode failure", e.RVA)
}

// IncompleteCoverage reports that a branch/call target could not be
// attributed to any discovered code block. Disassembly continues; the
// operand is left pointing at a placeholder symbol, and resolving it at
// emit time is fatal (see emit.IncompleteCoverage).
type IncompleteCoverage struct {
	RVA uint64
}

func (e *IncompleteCoverage) Error() string {
	return fmt.Sprintf("disasm: no code block covers target rva %#x", e.RVA)
}

// LowCoverage reports that the exception directory was absent or empty,
// so disassembly proceeded from the entry point alone.
type LowCoverage struct{}

func (e *LowCoverage) Error() string {
	return "disasm: exception directory absent or empty; disassembled from entry point only"
}

// Option configures a Disassembler.
type Option func(*Disassembler)

// WithInterruptsAsData controls whether INT/INT1/INT3/UD2 instructions
// terminate their block (the default, matching spec.md's Open Question
// decision) or are treated as non-terminating padding interior to a
// block.
func WithInterruptsAsData(asData bool) Option {
	return func(d *Disassembler) {
		d.interruptsAreData = asData
	}
}

// Disassembler drives recursive disassembly of an Image into a
// block.Store and sym.Table.
type Disassembler struct {
	image  Image
	blocks *block.Store
	syms   *sym.Table

	interruptsAreData bool

	visited  map[uint64]bool
	worklist []uint64

	importByRVA map[uint64]ImportThunk

	diagnostics []error
}

// New returns a Disassembler that will disassemble image into blocks and
// syms.
func New(image Image, blocks *block.Store, syms *sym.Table, opts ...Option) *Disassembler {
	d := &Disassembler{
		image:       image,
		blocks:      blocks,
		syms:        syms,
		visited:     make(map[uint64]bool),
		importByRVA: make(map[uint64]ImportThunk),
	}
	for _, t := range image.ImportThunks() {
		d.importByRVA[t.RVA] = t
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run performs the full recursive-traversal algorithm (spec.md §4.3):
// seeding the worklist, decoding blocks, splitting on interior seeds,
// materializing data blocks, and symbolizing every relative operand. It
// returns the collected non-fatal diagnostics.
func (d *Disassembler) Run() []error {
	d.materializeDataBlocks()

	seeds := d.image.SeedRVAs()
	if len(seeds) == 0 {
		d.diagnostics = append(d.diagnostics, &LowCoverage{})
		seeds = []uint64{d.image.EntryRVA()}
	}
	for _, rva := range seeds {
		d.enqueue(rva)
	}

	for len(d.worklist) > 0 {
		rva := d.worklist[len(d.worklist)-1]
		d.worklist = d.worklist[:len(d.worklist)-1]
		d.processSeed(rva)
	}

	d.symbolize()

	return d.diagnostics
}

func (d *Disassembler) enqueue(rva uint64) {
	d.worklist = append(d.worklist, rva)
}

// processSeed implements one iteration of spec.md §4.3.2's traversal: skip
// if already disassembled, split if the seed lands inside an existing
// block, otherwise decode a fresh block.
func (d *Disassembler) processSeed(rva uint64) {
	if d.visited[rva] {
		return
	}

	if existing, ok := d.blocks.FindByRVA(rva); ok {
		eb, err := d.blocks.CodeBlock(existing)
		if err == nil && eb.OriginalRVA != rva {
			d.splitAt(rva, existing)
		}
		d.visited[rva] = true
		return
	}

	d.visited[rva] = true
	d.decodeBlock(rva)
}

// splitAt implements spec.md §4.3.3: a seed landed inside coveringID, so
// the block is split and a synthetic unconditional jump links the prefix
// to the new suffix (the control flow that previously just fell through
// into the suffix is now explicit).
func (d *Disassembler) splitAt(rva uint64, coveringID block.CodeID) {
	_, split, err := d.blocks.SplitCodeBlock(rva)
	if err != nil || !split {
		return
	}

	jmp := ir.Instruction{
		Bytes:    []byte{0xe9, 0, 0, 0, 0}, // placeholder rel32 JMP; re-encoded at emit time
		Category: ir.UncondBranch,
		// Addend carries the raw target rva, like every other operand
		// prior to symbolize(); symbolize resolves it to the suffix
		// block's symbol once all splitting is done.
		Rel: &ir.RelOperand{Addend: int64(rva)},
	}
	// Appended to the prefix's instruction list directly rather than via
	// AppendInstruction: the jump has no original bytes, and
	// AppendInstruction would extend the prefix's RVA index entry over the
	// suffix's range, so FindByRVA(rva) would no longer name the suffix.
	if prefix, err := d.blocks.CodeBlock(coveringID); err == nil {
		prefix.Instructions = append(prefix.Instructions, jmp)
	}
}

// decodeBlock implements spec.md §4.3.2 steps 2–4: create a block at rva
// and decode instructions into it until a terminator, a decode failure,
// or the end of the covering section.
func (d *Disassembler) decodeBlock(rva uint64) {
	sec, ok := d.sectionFor(rva)
	if !ok {
		d.diagnostics = append(d.diagnostics, &DecodeFailure{RVA: rva, Err: fmt.Errorf("rva not in any section")})
		return
	}

	fileOff := sec.FileOffset + (rva - sec.VirtualAddress)
	blockID := d.blocks.AddCodeBlock(rva, fileOff)

	cur := rva
	sectionEnd := sec.VirtualAddress + sec.VirtualSize
	for cur < sectionEnd {
		data, ok := d.readAt(cur, 15) // x86 max instruction length
		if !ok || len(data) == 0 {
			d.diagnostics = append(d.diagnostics, &IncompleteBlock{RVA: rva})
			return
		}

		inst, err := x86asm.Decode(data, 64)
		if err != nil || inst.Len == 0 || inst.Op == 0 {
			d.diagnostics = append(d.diagnostics, &DecodeFailure{RVA: cur, Err: err})
			d.diagnostics = append(d.diagnostics, &IncompleteBlock{RVA: rva})
			return
		}

		instRVA := cur
		bytes := append([]byte(nil), data[:inst.Len]...)
		category := classify(inst, d.interruptsAreData)

		in := ir.Instruction{
			Bytes:       bytes,
			OriginalRVA: instRVA,
			Category:    category,
		}

		if target, hasTarget := relTarget(inst, instRVA); hasTarget &&
			(category == ir.Call || category == ir.CondBranch || category == ir.UncondBranch) {
			in.Rel = &ir.RelOperand{} // Symbol filled in during symbolize()
			in.DispOffset = inst.PCRelOff
			d.enqueue(target)
			// Stash the raw target on the instruction's addend slot until
			// symbolize() rewrites it into a real symbol id.
			in.Rel.Addend = int64(target)
		}

		if ripRVA, ok := ripRelTarget(inst, instRVA); ok {
			in.RIPRel = &ir.RelOperand{Addend: int64(ripRVA)}
			if in.DispOffset == 0 {
				in.DispOffset = inst.PCRelOff
			}
		}

		if err := d.blocks.AppendInstruction(blockID, in); err != nil {
			return
		}

		if category.Terminates() {
			return
		}

		cur += uint64(inst.Len)
	}
}

// classify maps an x86asm opcode to an ir.Category per spec.md §4.3.2 /
// SPEC_FULL.md §4.3.
func classify(inst x86asm.Inst, interruptsAreData bool) ir.Category {
	switch inst.Op {
	case x86asm.CALL:
		return ir.Call
	case x86asm.JMP:
		return ir.UncondBranch
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ,
		x86asm.JRCXZ, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return ir.CondBranch
	case x86asm.RET:
		return ir.Return
	case x86asm.INT, x86asm.UD2:
		// x86asm folds INT1/INT3 into Op INT with an immediate operand
		// (0xCC decodes as INT 3); there is no separate opcode constant
		// to match on.
		if interruptsAreData {
			return ir.Normal
		}
		return ir.Interrupt
	default:
		return ir.Normal
	}
}

// relTarget returns the target RVA of an immediate branch/call operand,
// computed as rva_of_instr + length + imm (spec.md §4.3.2b), and whether
// the instruction has one.
func relTarget(inst x86asm.Inst, instRVA uint64) (uint64, bool) {
	for _, arg := range inst.Args {
		if rel, ok := arg.(x86asm.Rel); ok {
			return uint64(int64(instRVA) + int64(inst.Len) + int64(rel)), true
		}
	}
	return 0, false
}

// ripRelTarget returns the RVA a RIP-relative memory operand addresses,
// and whether the instruction has one.
func ripRelTarget(inst x86asm.Inst, instRVA uint64) (uint64, bool) {
	for _, arg := range inst.Args {
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return uint64(int64(instRVA) + int64(inst.Len) + mem.Disp), true
		}
	}
	return 0, false
}

func (d *Disassembler) sectionFor(rva uint64) (Section, bool) {
	for _, s := range d.image.Sections() {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			return s, true
		}
	}
	return Section{}, false
}

// readAt returns up to n bytes of the image starting at rva, clipped to
// the section's file-backed extent (bytes beyond FileSize, within
// VirtualSize, are the zero-filled tail and are never valid code).
func (d *Disassembler) readAt(rva uint64, n int) ([]byte, bool) {
	sec, ok := d.sectionFor(rva)
	if !ok {
		return nil, false
	}
	within := rva - sec.VirtualAddress
	if within >= sec.FileSize {
		return nil, false
	}
	fileOff := sec.FileOffset + within
	avail := sec.FileSize - within
	if uint64(n) > avail {
		n = int(avail)
	}
	raw := d.image.Bytes()
	if fileOff+uint64(n) > uint64(len(raw)) {
		if fileOff >= uint64(len(raw)) {
			return nil, false
		}
		n = len(raw) - int(fileOff)
	}
	return raw[fileOff : fileOff+uint64(n)], true
}

func (d *Disassembler) materializeDataBlocks() {
	for _, s := range d.image.Sections() {
		if s.Executable {
			continue
		}
		fileSize := s.FileSize
		raw := d.image.Bytes()
		if s.FileOffset+fileSize > uint64(len(raw)) {
			if s.FileOffset >= uint64(len(raw)) {
				fileSize = 0
			} else {
				fileSize = uint64(len(raw)) - s.FileOffset
			}
		}
		data := append([]byte(nil), raw[s.FileOffset:s.FileOffset+fileSize]...)
		d.blocks.AddDataBlock(s.VirtualAddress, s.FileOffset, data, int(s.VirtualSize))
	}
}

// symbolize implements spec.md §4.3.4: rewrite every relative operand
// from a raw target RVA to (symbol_id, addend).
func (d *Disassembler) symbolize() {
	for _, b := range d.blocks.CodeBlocks() {
		for i := range b.Instructions {
			in := &b.Instructions[i]
			if in.Rel != nil {
				in.Rel.Symbol, in.Rel.Addend = d.symbolForBranchTarget(uint64(in.Rel.Addend))
			}
			if in.RIPRel != nil {
				in.RIPRel.Symbol, in.RIPRel.Addend = d.symbolForDataRef(uint64(in.RIPRel.Addend))
			}
		}
	}
}

// symbolForBranchTarget resolves a call/branch target RVA to a code
// symbol, or to a placeholder symbol (with an IncompleteCoverage
// diagnostic) if no code block covers it.
func (d *Disassembler) symbolForBranchTarget(rva uint64) (sym.ID, int64) {
	if id, ok := d.blocks.FindByRVA(rva); ok {
		b, err := d.blocks.CodeBlock(id)
		if err == nil {
			return d.syms.InternCode(uint32(id), ""), int64(rva - b.OriginalRVA)
		}
	}
	d.diagnostics = append(d.diagnostics, &IncompleteCoverage{RVA: rva})
	return d.syms.InternPlaceholder(rva), 0
}

// symbolForDataRef resolves a RIP-relative memory target RVA: an import
// symbol if rva names an IAT thunk slot (spec.md §4.3.4), otherwise a
// data symbol, otherwise a placeholder with an IncompleteCoverage
// diagnostic.
func (d *Disassembler) symbolForDataRef(rva uint64) (sym.ID, int64) {
	if thunk, ok := d.importByRVA[rva]; ok {
		return d.syms.InternImport(thunk.Module, thunk.Routine), 0
	}
	for _, db := range d.blocks.DataBlocks() {
		if rva >= db.OriginalRVA && rva < db.End() {
			return d.syms.InternData(uint32(db.ID), int64(rva-db.OriginalRVA), ""), 0
		}
	}
	d.diagnostics = append(d.diagnostics, &IncompleteCoverage{RVA: rva})
	return d.syms.InternPlaceholder(rva), 0
}

// Package emit lays out code and data blocks into caller-supplied memory
// regions and re-encodes every relative operand for its new address.
//
// Data blocks are written first, in their original order, so that by the
// time code emission begins every data and import target is fully
// resolved; only forward references between code blocks need patching,
// tracked with a container/heap priority queue ordered by target RVA and
// drained as each covering block finishes emission.
package emit

import (
	"container/heap"
	"fmt"

	"github.com/binrw/pestab/block"
	"github.com/binrw/pestab/sym"
)

// Region is one caller-owned span of writable memory the emitter may
// place blocks into. Base is the region's eventual runtime address; Buf
// is the backing storage the caller allocated there (e.g. via a system
// mmap call, which this package deliberately has no opinion about).
type Region struct {
	Base uint64
	Buf  []byte
}

// Resolver resolves an imported routine to its absolute runtime address.
// It is called once per unique import after code emission completes.
type Resolver func(module, routine string) (uint64, error)

// OutOfSpace is returned when no remaining region has room for the next
// block (Kind is "code" or "data").
type OutOfSpace struct {
	Kind string
}

func (e *OutOfSpace) Error() string {
	return fmt.Sprintf("emit: out of space in %s regions", e.Kind)
}

// BranchOutOfRange is returned when a relative branch/call's displacement
// does not fit any available encoding of its opcode.
type BranchOutOfRange struct {
	RVA uint64
}

func (e *BranchOutOfRange) Error() string {
	return fmt.Sprintf("emit: branch at rva %#x is out of encodable range", e.RVA)
}

// DispOutOfRange is returned when a RIP-relative memory operand's new
// displacement no longer fits in 32 bits.
type DispOutOfRange struct {
	RVA uint64
}

func (e *DispOutOfRange) Error() string {
	return fmt.Sprintf("emit: rip-relative displacement at rva %#x is out of range", e.RVA)
}

// ErrUnresolvedForwardRef is returned by Emit if any forward code
// reference was never drained, meaning its target block was never
// emitted (should not happen for a store populated entirely by disasm,
// but is possible for a hand-built session.Blocks()/Symbols() program).
var ErrUnresolvedForwardRef = fmt.Errorf("emit: unresolved forward reference")

// IncompleteCoverage is returned when an instruction's operand resolves
// to a placeholder symbol: disassembly could not attribute the target to
// any block, so emission cannot proceed.
type IncompleteCoverage struct {
	RVA uint64
}

func (e *IncompleteCoverage) Error() string {
	return fmt.Sprintf("emit: operand targets unresolved rva %#x", e.RVA)
}

// ImportResolveFailure is returned when resolver fails or returns a null
// address for an imported routine.
type ImportResolveFailure struct {
	Module, Routine string
}

func (e *ImportResolveFailure) Error() string {
	return fmt.Sprintf("emit: failed to resolve import %s!%s", e.Module, e.Routine)
}

type importSlot struct {
	finalAddr uint64
}

// patchRecord is a queued rewrite of a not-yet-resolved relative operand,
// applied once its target block is emitted.
type patchRecord struct {
	targetRVA      uint64
	regionIdx      int
	bufOffset      int // offset of the immediate field within that region's Buf
	instrStartAddr uint64
	instrLen       int // total encoded length used to pick the field width
	fieldWidth     int // 1 (rel8) or 4 (rel32)
}

type patchHeap []*patchRecord

func (h patchHeap) Len() int            { return len(h) }
func (h patchHeap) Less(i, j int) bool  { return h[i].targetRVA < h[j].targetRVA }
func (h patchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *patchHeap) Push(x interface{}) { *h = append(*h, x.(*patchRecord)) }
func (h *patchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Emitter lays out the blocks owned by a block.Store, resolved through a
// sym.Table, into a set of code and data regions.
type Emitter struct {
	blocks *block.Store
	syms   *sym.Table

	codeRegions []Region
	dataRegions []Region

	curCodeRegion int
	curCodeAddr   uint64
	curDataRegion int
	curDataAddr   uint64

	importSlots map[sym.ID]importSlot
	patches     patchHeap
}

// New creates an Emitter over blocks and syms. AddCodeRegion/AddDataRegion
// must be called at least once each before Emit.
func New(blocks *block.Store, syms *sym.Table) *Emitter {
	return &Emitter{blocks: blocks, syms: syms}
}

// AddCodeRegion appends a region the emitter may place code blocks into.
func (e *Emitter) AddCodeRegion(base uint64, buf []byte) {
	e.codeRegions = append(e.codeRegions, Region{Base: base, Buf: buf})
}

// AddDataRegion appends a region the emitter may place data blocks and
// the import thunk table into.
func (e *Emitter) AddDataRegion(base uint64, buf []byte) {
	e.dataRegions = append(e.dataRegions, Region{Base: base, Buf: buf})
}

// Emit lays out every data block, the import thunk table, and every code
// block, then resolves every import through resolver. It returns the
// first fatal error encountered; regions are left partially written on
// failure.
func (e *Emitter) Emit(resolver Resolver) error {
	e.blocks.BeginEmission()
	heap.Init(&e.patches)

	if err := e.emitDataBlocks(); err != nil {
		return err
	}
	if err := e.emitImportSlots(); err != nil {
		return err
	}
	if err := e.emitCodeBlocks(); err != nil {
		return err
	}
	if e.patches.Len() > 0 {
		return ErrUnresolvedForwardRef
	}
	return e.resolveImports(resolver)
}

// writeData copies (or, if content is nil, zero-fills) n bytes
// sequentially into the current data region, advancing to the next
// region when the current one lacks room.
func (e *Emitter) writeData(content []byte, n int) (addr uint64, regionIdx, bufOffset int, err error) {
	for {
		if e.curDataRegion >= len(e.dataRegions) {
			return 0, 0, 0, &OutOfSpace{Kind: "data"}
		}
		region := &e.dataRegions[e.curDataRegion]
		remaining := uint64(len(region.Buf)) - e.curDataAddr
		if uint64(n) <= remaining {
			off := e.curDataAddr
			if content != nil {
				copy(region.Buf[off:], content)
			} else {
				for i := uint64(0); i < uint64(n); i++ {
					region.Buf[off+i] = 0
				}
			}
			addr = region.Base + off
			e.curDataAddr += uint64(n)
			return addr, e.curDataRegion, int(off), nil
		}
		e.curDataRegion++
		e.curDataAddr = 0
	}
}

func (e *Emitter) emitDataBlocks() error {
	for _, db := range e.blocks.DataBlocks() {
		content := make([]byte, db.VirtualSize)
		n := db.FileSize
		if n > len(db.Data) {
			n = len(db.Data)
		}
		copy(content, db.Data[:n])
		addr, _, _, err := e.writeData(content, db.VirtualSize)
		if err != nil {
			return err
		}
		db.FinalAddress = addr
		db.HasFinalAddress = true
	}
	return nil
}

func (e *Emitter) emitImportSlots() error {
	imports := e.syms.Imports()
	if len(imports) == 0 {
		return nil
	}
	e.importSlots = make(map[sym.ID]importSlot, len(imports))
	for _, s := range imports {
		addr, _, _, err := e.writeData(nil, 8)
		if err != nil {
			return err
		}
		e.importSlots[s.ID] = importSlot{finalAddr: addr}
	}
	return nil
}

func (e *Emitter) resolveImports(resolver Resolver) error {
	for _, s := range e.syms.Imports() {
		addr, err := resolver(s.Import.Module, s.Import.Routine)
		if err != nil || addr == 0 {
			return &ImportResolveFailure{Module: s.Import.Module, Routine: s.Import.Routine}
		}
		slot := e.importSlots[s.ID]
		if err := e.pokeAbsoluteAddr(slot.finalAddr, addr); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) pokeAbsoluteAddr(slotAddr, value uint64) error {
	region, off, ok := e.regionOffsetFor(e.dataRegions, slotAddr)
	if !ok {
		return fmt.Errorf("emit: import slot address %#x not in any data region", slotAddr)
	}
	buf := region.Buf[off:]
	for i := 0; i < 8; i++ {
		buf[i] = byte(value >> (8 * uint(i)))
	}
	return nil
}

func (e *Emitter) regionOffsetFor(regions []Region, addr uint64) (*Region, int, bool) {
	for i := range regions {
		r := &regions[i]
		if addr >= r.Base && addr-r.Base < uint64(len(r.Buf)) {
			return r, int(addr - r.Base), true
		}
	}
	return nil, 0, false
}

// codeRoomFor reports whether n more bytes fit in the current code
// region without advancing.
func (e *Emitter) codeRoomFor(n int) bool {
	if e.curCodeRegion >= len(e.codeRegions) {
		return false
	}
	region := &e.codeRegions[e.curCodeRegion]
	return uint64(n) <= uint64(len(region.Buf))-e.curCodeAddr
}

// advanceCodeRegion emits an unconditional rel32 jump at the current
// write position targeting the start of the next code region, then
// switches the cursor there.
func (e *Emitter) advanceCodeRegion() error {
	if !e.codeRoomFor(5) {
		return &OutOfSpace{Kind: "code"}
	}
	if e.curCodeRegion+1 >= len(e.codeRegions) {
		return &OutOfSpace{Kind: "code"}
	}
	next := &e.codeRegions[e.curCodeRegion+1]
	jmpAddr := e.codeRegions[e.curCodeRegion].Base + e.curCodeAddr
	rel := int64(next.Base) - int64(jmpAddr) - 5
	if rel > 0x7fffffff || rel < -0x80000000 {
		return &OutOfSpace{Kind: "code"}
	}
	jmp := []byte{0xe9, byte(rel), byte(rel >> 8), byte(rel >> 16), byte(rel >> 24)}
	region := &e.codeRegions[e.curCodeRegion]
	copy(region.Buf[e.curCodeAddr:], jmp)
	e.curCodeRegion++
	e.curCodeAddr = 0
	return nil
}

func (e *Emitter) writeCodeBytes(b []byte) (addr uint64, regionIdx int, bufOffset int) {
	region := &e.codeRegions[e.curCodeRegion]
	off := e.curCodeAddr
	copy(region.Buf[off:], b)
	addr = region.Base + off
	e.curCodeAddr += uint64(len(b))
	return addr, e.curCodeRegion, int(off)
}

func (e *Emitter) emitCodeBlocks() error {
	for _, b := range e.blocks.CodeBlocks() {
		if err := e.emitCodeBlock(b); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) emitCodeBlock(b *block.CodeBlock) error {
	first := true
	total := 0
	for i := range b.Instructions {
		in := &b.Instructions[i]

		// Only a relative branch can grow when re-encoded; a RIP-relative
		// memory operand keeps its original length.
		needed := len(in.Bytes)
		if in.Rel != nil {
			needed += block.RelMargin
		}
		for !e.codeRoomFor(needed) {
			if err := e.advanceCodeRegion(); err != nil {
				return err
			}
		}

		w := e.codeRegions[e.curCodeRegion].Base + e.curCodeAddr
		encoded, patch, err := e.encodeInstruction(b, in, w)
		if err != nil {
			return err
		}

		addr, regionIdx, bufOffset := e.writeCodeBytes(encoded)
		total += len(encoded)
		if first {
			b.FinalAddress = addr
			b.HasFinalAddress = true
			first = false
		}
		if patch != nil {
			patch.instrStartAddr = addr
			patch.regionIdx = regionIdx
			patch.bufOffset = bufOffset + patch.bufOffset // bufOffset currently holds the field's offset within encoded
			heap.Push(&e.patches, patch)
		}
	}
	b.FinalSize = total
	e.drainPatches(b)
	return nil
}

// drainPatches applies every queued patch whose target rva falls within
// b's original range, now that b.FinalAddress is known.
func (e *Emitter) drainPatches(b *block.CodeBlock) {
	blockEnd := b.End()
	// Blocks are emitted in creation order, not RVA order, so patches
	// targeting lower RVAs may still be pending; set them aside so they do
	// not hide the ones targeting b, and re-queue them afterwards.
	var below []*patchRecord
	for e.patches.Len() > 0 && e.patches[0].targetRVA < b.OriginalRVA {
		below = append(below, heap.Pop(&e.patches).(*patchRecord))
	}
	for e.patches.Len() > 0 && e.patches[0].targetRVA < blockEnd {
		p := heap.Pop(&e.patches).(*patchRecord)
		targetFinal := b.FinalAddress + (p.targetRVA - b.OriginalRVA)
		actual := int64(targetFinal) - int64(p.instrStartAddr) - int64(p.instrLen)
		region := &e.codeRegions[p.regionIdx]
		writeImm(region.Buf[p.bufOffset:], p.fieldWidth, actual)
	}
	for _, p := range below {
		heap.Push(&e.patches, p)
	}
}

// resolveTarget resolves sym to its final address. resolved is false
// only for a KindCode symbol whose block has not been emitted yet
// (a forward reference); data and import symbols are always resolved by
// the time code emission begins.
func (e *Emitter) resolveTarget(id sym.ID) (addr uint64, resolved bool, err error) {
	s, err := e.syms.Lookup(id)
	if err != nil {
		return 0, false, err
	}
	switch s.Kind {
	case sym.KindData:
		db, err := e.blocks.DataBlock(block.DataID(s.Data.Block))
		if err != nil {
			return 0, false, err
		}
		return db.FinalAddress + uint64(s.Data.Offset), true, nil
	case sym.KindImport:
		slot, ok := e.importSlots[id]
		if !ok {
			return 0, false, fmt.Errorf("emit: missing thunk slot for import symbol %d", id)
		}
		return slot.finalAddr, true, nil
	case sym.KindCode:
		cb, err := e.blocks.CodeBlock(block.CodeID(s.Code.Block))
		if err != nil {
			return 0, false, err
		}
		if cb.HasFinalAddress {
			return cb.FinalAddress, true, nil
		}
		return 0, false, nil
	case sym.KindPlaceholder:
		return 0, false, &IncompleteCoverage{RVA: s.Placeholder.RVA}
	default:
		return 0, false, fmt.Errorf("emit: symbol %d has invalid kind", id)
	}
}

// pessimisticForwardDelta upper-bounds the distance from cur's position to
// a not-yet-emitted target block, by summing the estimated size of every
// block from cur through target inclusive (in creation order). Using
// cur's full estimated_size rather than only its unwritten remainder is a
// deliberate over-approximation: it is simpler to compute and can only
// make the estimate larger, never smaller, which is all the pessimistic
// delta needs to guarantee.
func (e *Emitter) pessimisticForwardDelta(cur *block.CodeBlock, targetID sym.ID) (int64, uint64, error) {
	s, err := e.syms.Lookup(targetID)
	if err != nil {
		return 0, 0, err
	}
	target, err := e.blocks.CodeBlock(block.CodeID(s.Code.Block))
	if err != nil {
		return 0, 0, err
	}
	blocks := e.blocks.CodeBlocks()
	sum := int64(0)
	counting := false
	for _, b := range blocks {
		if b.ID == cur.ID {
			counting = true
		}
		if counting {
			sum += int64(b.EstimatedSize())
		}
		if b.ID == target.ID {
			break
		}
	}
	return sum, target.OriginalRVA, nil
}

func writeImm(buf []byte, width int, v int64) {
	switch width {
	case 1:
		buf[0] = byte(int8(v))
	case 4:
		u := uint32(int32(v))
		buf[0] = byte(u)
		buf[1] = byte(u >> 8)
		buf[2] = byte(u >> 16)
		buf[3] = byte(u >> 24)
	}
}

func fitsInt8(v int64) bool  { return v >= -128 && v <= 127 }
func fitsInt32(v int64) bool { return v >= -0x80000000 && v <= 0x7fffffff }

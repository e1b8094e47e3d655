// Package block implements the rewriter's block store: the owner of every
// basic block and data block discovered during disassembly.
package block

import (
	"fmt"

	"github.com/binrw/pestab/internal/imap"
	"github.com/binrw/pestab/ir"
)

// CodeID is a handle to a CodeBlock, stable for the life of a Store.
type CodeID uint32

// DataID is a handle to a DataBlock, stable for the life of a Store.
type DataID uint32

// RelMargin is the per-relative-instruction slack added to a block's
// estimated_size to accommodate potential short-to-long branch expansion.
// The emit package reserves the same margin when deciding whether a
// relative branch needs a region advance before it is actually encoded, so
// the two packages share this constant rather than each guessing 32.
const RelMargin = 32

// CodeBlock is a contiguous, originally straight-line run of decoded
// instructions.
type CodeBlock struct {
	ID          CodeID
	OriginalRVA uint64
	FileOffset  uint64

	Instructions []ir.Instruction
	terminated   bool // a terminating instruction has been appended

	FinalAddress    uint64
	HasFinalAddress bool
	FinalSize       int
}

// Terminated reports whether this block already ends with a terminating
// instruction (return, unconditional branch, or interrupt-as-terminator).
func (b *CodeBlock) Terminated() bool {
	return b.terminated
}

// EstimatedSize is the pessimistic upper bound on this block's emitted
// size: the sum of instruction lengths plus RelMargin bytes per relative
// instruction, to cover possible short→long branch-form expansion.
func (b *CodeBlock) EstimatedSize() int {
	size := 0
	for _, in := range b.Instructions {
		size += in.Len()
		if in.Rel != nil || in.RIPRel != nil {
			size += RelMargin
		}
	}
	return size
}

// End returns the original RVA one past this block's last decoded byte.
func (b *CodeBlock) End() uint64 {
	end := b.OriginalRVA
	for _, in := range b.Instructions {
		end += uint64(in.Len())
	}
	return end
}

// DataBlock is a contiguous region of a non-executable PE section.
type DataBlock struct {
	ID          DataID
	OriginalRVA uint64
	FileOffset  uint64
	FileSize    int
	VirtualSize int
	Data        []byte // FileSize bytes of initialized content

	FinalAddress    uint64
	HasFinalAddress bool
}

// End returns the original RVA one past this data block's virtual extent.
func (b *DataBlock) End() uint64 {
	return b.OriginalRVA + uint64(b.VirtualSize)
}

// ErrBlockFinalized is returned by AppendInstruction when the target
// block already has a terminating instruction, or the store's emission
// phase has begun.
var ErrBlockFinalized = fmt.Errorf("block: block is finalized")

// ErrUnknownBlock is returned by operations given a CodeID/DataID that
// does not name a block in the store.
var ErrUnknownBlock = fmt.Errorf("block: unknown block id")

// ErrSplitNotAligned is returned by SplitCodeBlock when rva does not fall
// on an instruction boundary of the block that covers it.
var ErrSplitNotAligned = fmt.Errorf("block: split rva is not an instruction boundary")

// Store owns every code and data block created during a rewriting
// session. The zero value is a ready-to-use, empty store.
type Store struct {
	code      []*CodeBlock
	data      []*DataBlock
	codeIndex imap.Imap[CodeID]

	emissionStarted bool
}

// AddCodeBlock creates a new, empty code block at originalRVA and returns
// its id.
func (s *Store) AddCodeBlock(originalRVA, fileOffset uint64) CodeID {
	id := CodeID(len(s.code) + 1)
	s.code = append(s.code, &CodeBlock{ID: id, OriginalRVA: originalRVA, FileOffset: fileOffset})
	return id
}

// AddDataBlock creates a new data block covering [originalRVA,
// originalRVA+virtualSize) and returns its id. data must hold exactly
// fileSize bytes; fileSize may be less than virtualSize, in which case
// the tail is understood to be zero-filled.
func (s *Store) AddDataBlock(originalRVA, fileOffset uint64, data []byte, virtualSize int) DataID {
	id := DataID(len(s.data) + 1)
	s.data = append(s.data, &DataBlock{
		ID:          id,
		OriginalRVA: originalRVA,
		FileOffset:  fileOffset,
		FileSize:    len(data),
		VirtualSize: virtualSize,
		Data:        data,
	})
	return id
}

// CodeBlock returns the block named by id.
func (s *Store) CodeBlock(id CodeID) (*CodeBlock, error) {
	if id == 0 || int(id) > len(s.code) {
		return nil, ErrUnknownBlock
	}
	return s.code[id-1], nil
}

// DataBlock returns the data block named by id.
func (s *Store) DataBlock(id DataID) (*DataBlock, error) {
	if id == 0 || int(id) > len(s.data) {
		return nil, ErrUnknownBlock
	}
	return s.data[id-1], nil
}

// CodeBlocks returns every code block, in creation order. The slice and
// its elements must not be mutated by the caller after emission has
// begun.
func (s *Store) CodeBlocks() []*CodeBlock {
	return s.code
}

// DataBlocks returns every data block, in creation order.
func (s *Store) DataBlocks() []*DataBlock {
	return s.data
}

// AppendInstruction appends in to the block named by id. It fails with
// ErrBlockFinalized if the block already has a terminating instruction
// or if emission has begun, and with ErrUnknownBlock if id is invalid.
func (s *Store) AppendInstruction(id CodeID, in ir.Instruction) error {
	b, err := s.CodeBlock(id)
	if err != nil {
		return err
	}
	if s.emissionStarted || b.terminated {
		return ErrBlockFinalized
	}

	oldEnd := b.End()
	b.Instructions = append(b.Instructions, in)
	newEnd := oldEnd + uint64(in.Len())
	s.codeIndex.Insert(imap.Interval{Low: oldEnd, High: newEnd}, id)

	if in.Category.Terminates() {
		b.terminated = true
	}
	return nil
}

// FindByRVA returns the code block whose original range covers rva. If
// more than one candidate range is adjacent at rva (which cannot happen
// for disjoint blocks, but is defensive), the block starting exactly at
// rva is preferred.
func (s *Store) FindByRVA(rva uint64) (CodeID, bool) {
	_, id, ok := s.codeIndex.Find(rva)
	return id, ok
}

// SplitCodeBlock splits the code block covering rva at rva: the prefix
// (up to but not including the instruction at rva) keeps id; a new block
// is created for the suffix (rva onward) and its id is returned. If rva
// already names a block's start, no split is needed and that block's id
// is returned with split=false. Inserting a synthetic control-flow
// instruction linking the prefix to the suffix is the caller's
// responsibility (the store has no symbol table to construct one with).
func (s *Store) SplitCodeBlock(rva uint64) (suffix CodeID, split bool, err error) {
	coveringID, ok := s.FindByRVA(rva)
	if !ok {
		return 0, false, ErrUnknownBlock
	}
	covering, err := s.CodeBlock(coveringID)
	if err != nil {
		return 0, false, err
	}
	if covering.OriginalRVA == rva {
		return coveringID, false, nil
	}

	idx := -1
	addr := covering.OriginalRVA
	for i, in := range covering.Instructions {
		if addr == rva {
			idx = i
			break
		}
		addr += uint64(in.Len())
	}
	if idx < 0 {
		return 0, false, ErrSplitNotAligned
	}

	suffixInsns := covering.Instructions[idx:]
	prefixInsns := covering.Instructions[:idx]
	oldEnd := covering.End()

	suffixID := CodeID(len(s.code) + 1)
	suffixBlock := &CodeBlock{
		ID:           suffixID,
		OriginalRVA:  rva,
		FileOffset:   covering.FileOffset + (rva - covering.OriginalRVA),
		Instructions: append([]ir.Instruction(nil), suffixInsns...),
		terminated:   covering.terminated,
	}
	s.code = append(s.code, suffixBlock)

	covering.Instructions = prefixInsns
	covering.terminated = false // prefix now falls through; caller appends a synthetic jump

	// Carving the suffix's range out of the index with a distinct value
	// shrinks the existing coveringID interval to exactly the prefix's
	// new range as a side effect of Imap.Insert's overlap handling.
	s.codeIndex.Insert(imap.Interval{Low: rva, High: oldEnd}, suffixID)

	return suffixID, true, nil
}

// BeginEmission marks the store finalized: no further AppendInstruction
// calls will succeed. The emit package calls this before laying out any
// block.
func (s *Store) BeginEmission() {
	s.emissionStarted = true
}

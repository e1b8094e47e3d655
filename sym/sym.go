// Package sym implements the rewriter's symbol table: the owner of every
// symbolic handle an instruction's relative operand can reference.
//
// Symbols are never resolved to addresses themselves; they name a block
// (plus, for data, an offset; for imports, a module/routine pair) that the
// emit package resolves once layout is known.
package sym

import "fmt"

// ID is a dense, session-unique handle into a Table. The zero value,
// Invalid, is never returned by a successful intern call.
type ID uint32

// Invalid is the reserved symbol id that never names a real symbol.
const Invalid ID = 0

// Kind classifies what a symbol's target refers to.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindCode
	KindData
	KindImport
	// KindPlaceholder names a branch/call target that disassembly could
	// not attribute to any code block (spec.md's IncompleteCoverage
	// case): the operand keeps its symbolic form, but resolving it at
	// emit time always fails.
	KindPlaceholder
)

func (k Kind) String() string {
	switch k {
	case KindCode:
		return "code"
	case KindData:
		return "data"
	case KindImport:
		return "import"
	case KindPlaceholder:
		return "placeholder"
	default:
		return "invalid"
	}
}

// CodeTarget identifies the basic block a code symbol names.
type CodeTarget struct {
	Block uint32 // block.CodeID, kept untyped here to avoid an import cycle
}

// DataTarget identifies the data block and byte offset a data symbol names.
type DataTarget struct {
	Block  uint32 // block.DataID
	Offset int64
}

// ImportTarget identifies the module/routine an import symbol names, plus
// the slot index it occupies in that module's thunk table.
type ImportTarget struct {
	Module  string
	Routine string
	Slot    int
}

// PlaceholderTarget records the RVA a placeholder symbol could not be
// attributed to a block for.
type PlaceholderTarget struct {
	RVA uint64
}

// Symbol is one entry in a Table. Exactly one of Code, Data, Import, or
// Placeholder is meaningful, selected by Kind.
type Symbol struct {
	ID   ID
	Kind Kind
	Name string

	Code        CodeTarget
	Data        DataTarget
	Import      ImportTarget
	Placeholder PlaceholderTarget
}

// ErrInvalidSymbol is returned by Lookup for the invalid id or any id that
// does not name a symbol in the table.
var ErrInvalidSymbol = fmt.Errorf("sym: invalid symbol id")

type importKey struct {
	module  string
	routine string
}

// Table owns every symbol created during a rewriting session. The zero
// value is a ready-to-use, empty table.
type Table struct {
	symbols []Symbol // indexed by ID-1; symbols[0] corresponds to ID 1
	imports map[importKey]ID
}

// InternCode creates a new symbol naming block. Code symbols are never
// deduplicated: two calls with the same block yield two distinct ids.
func (t *Table) InternCode(block uint32, name string) ID {
	return t.intern(Symbol{Kind: KindCode, Name: name, Code: CodeTarget{Block: block}})
}

// InternData creates a new symbol naming a byte offset within block. Data
// symbols are never deduplicated.
func (t *Table) InternData(block uint32, offset int64, name string) ID {
	return t.intern(Symbol{Kind: KindData, Name: name, Data: DataTarget{Block: block, Offset: offset}})
}

// InternImport returns the symbol naming the (module, routine) pair,
// creating it and assigning it the next thunk slot if this is the first
// time that pair has been interned. Unlike InternCode/InternData, import
// symbols are deduplicated by (module, routine).
func (t *Table) InternImport(module, routine string) ID {
	key := importKey{module, routine}
	if id, ok := t.imports[key]; ok {
		return id
	}
	slot := t.importSlotCount(module)
	id := t.intern(Symbol{
		Kind: KindImport,
		Name: routine,
		Import: ImportTarget{
			Module:  module,
			Routine: routine,
			Slot:    slot,
		},
	})
	if t.imports == nil {
		t.imports = make(map[importKey]ID)
	}
	t.imports[key] = id
	return id
}

// InternPlaceholder creates a placeholder symbol for a branch/call target
// that could not be attributed to any code block. Placeholder symbols are
// never deduplicated: the caller is expected to intern one per occurrence
// so each carries its own originating rva for diagnostics.
func (t *Table) InternPlaceholder(rva uint64) ID {
	return t.intern(Symbol{Kind: KindPlaceholder, Placeholder: PlaceholderTarget{RVA: rva}})
}

func (t *Table) importSlotCount(module string) int {
	n := 0
	for _, s := range t.symbols {
		if s.Kind == KindImport && s.Import.Module == module {
			n++
		}
	}
	return n
}

func (t *Table) intern(s Symbol) ID {
	id := ID(len(t.symbols) + 1)
	s.ID = id
	t.symbols = append(t.symbols, s)
	return id
}

// Lookup returns the symbol named by id, or ErrInvalidSymbol if id is
// Invalid or does not name a symbol in t.
func (t *Table) Lookup(id ID) (Symbol, error) {
	if id == Invalid || int(id) > len(t.symbols) {
		return Symbol{}, ErrInvalidSymbol
	}
	return t.symbols[id-1], nil
}

// Len returns the number of symbols interned so far.
func (t *Table) Len() int {
	return len(t.symbols)
}

// Imports returns every import symbol in the table, in interning order.
func (t *Table) Imports() []Symbol {
	var out []Symbol
	for _, s := range t.symbols {
		if s.Kind == KindImport {
			out = append(out, s)
		}
	}
	return out
}

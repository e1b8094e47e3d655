// Package ir defines the symbolic instruction representation the
// disassembler produces and the emitter consumes.
//
// Every instruction that references another address does so through a
// RelOperand naming a symbol, never a raw RVA — once disasm finishes its
// symbolization pass, no instruction carries a bare numeric target.
package ir

import "github.com/binrw/pestab/sym"

// Category classifies an instruction's control-flow behavior.
type Category uint8

const (
	// Normal is any instruction that falls through to the next one.
	Normal Category = iota
	// CondBranch is a Jcc/LOOP-family instruction: may fall through or
	// branch to RelOperand's target.
	CondBranch
	// UncondBranch is a JMP: always transfers control to RelOperand's
	// target and terminates the block.
	UncondBranch
	// Call is a CALL: transfers control to RelOperand's target but
	// returns, so it does not terminate the block.
	Call
	// Return is a RET: terminates the block with no successor.
	Return
	// Interrupt is INT/INT1/INT3/UD2. Whether it terminates the block is
	// controlled by disasm.WithInterruptsAsData.
	Interrupt
)

func (c Category) String() string {
	switch c {
	case CondBranch:
		return "cond-branch"
	case UncondBranch:
		return "uncond-branch"
	case Call:
		return "call"
	case Return:
		return "return"
	case Interrupt:
		return "interrupt"
	default:
		return "normal"
	}
}

// Terminates reports whether an instruction of this category ends its
// basic block unconditionally (independent of the interrupts-as-data
// option, which is applied by the caller before checking this).
func (c Category) Terminates() bool {
	switch c {
	case UncondBranch, Return, Interrupt:
		return true
	default:
		return false
	}
}

// RelOperand is the symbolic form of a relative operand: a branch/call
// target, or the data address of a RIP-relative memory operand.
type RelOperand struct {
	Symbol sym.ID
	Addend int64
}

// Instruction is one decoded instruction in a basic block's IR.
type Instruction struct {
	// Bytes holds the instruction exactly as originally disassembled,
	// byte-for-byte from the input image. Re-encoding (for relative
	// operands) happens at emit time from this plus Rel/RIPRel; Bytes
	// itself is never mutated.
	Bytes []byte

	// OriginalRVA is the address this instruction was decoded from.
	OriginalRVA uint64

	// Category classifies this instruction's control-flow role.
	Category Category

	// Rel is non-nil when Category is CondBranch, UncondBranch, or Call
	// with an immediate (as opposed to indirect) target.
	Rel *RelOperand

	// RIPRel is non-nil when the instruction has a RIP-relative memory
	// operand (e.g. LEA RAX,[RIP+x] or CALL [RIP+x] through an IAT
	// thunk). RIPRel is independent of Category — a call
	// through an IAT thunk is Category Call with RIPRel pointing at the
	// thunk slot and Rel unset (the target is indirect, resolved through
	// RIPRel, not through an immediate displacement).
	RIPRel *RelOperand

	// DispOffset is the byte offset within Bytes of the 32-bit
	// displacement field patched during re-encoding of a RIP-relative
	// operand. Meaningful only when RIPRel != nil.
	DispOffset int
}

// Len returns the instruction's encoded length as originally decoded.
func (in *Instruction) Len() int {
	return len(in.Bytes)
}

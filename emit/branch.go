package emit

import (
	"github.com/binrw/pestab/block"
	"github.com/binrw/pestab/ir"
)

// branchKind classifies the opcode family a relative branch/call
// instruction belongs to, which determines which re-encoded forms are
// legal. Re-encoding is derived entirely from the instruction's own
// original bytes; it never needs the decoder that produced them.
type branchKind int

const (
	kindJmp branchKind = iota
	kindCall
	kindJcc
	kindLoop // LOOP/LOOPE/LOOPNE/JCXZ family: hardware has no rel32 form
)

var legacyPrefixes = map[byte]bool{
	0x2e: true, 0x36: true, 0x3e: true, 0x26: true,
	0x64: true, 0x65: true, 0x66: true, 0x67: true,
	0xf0: true, 0xf2: true, 0xf3: true,
}

// classifyBranchOpcode scans past legacy/REX prefixes and identifies the
// branch family, condition-code nibble (for Jcc), and original opcode
// byte (for the loop family, whose opcode is preserved verbatim).
func classifyBranchOpcode(bytes []byte) (kind branchKind, prefixCount int, cc byte, origOpcode byte, err error) {
	i := 0
	for i < len(bytes) && (legacyPrefixes[bytes[i]] || bytes[i]&0xf0 == 0x40) {
		i++
	}
	prefixCount = i
	if i >= len(bytes) {
		return 0, 0, 0, 0, &BranchOutOfRange{}
	}
	op0 := bytes[i]
	switch {
	case op0 == 0xe8:
		return kindCall, prefixCount, 0, op0, nil
	case op0 == 0xe9 || op0 == 0xeb:
		return kindJmp, prefixCount, 0, op0, nil
	case op0 >= 0x70 && op0 <= 0x7f:
		return kindJcc, prefixCount, op0 & 0x0f, op0, nil
	case op0 == 0x0f && i+1 < len(bytes) && bytes[i+1] >= 0x80 && bytes[i+1] <= 0x8f:
		return kindJcc, prefixCount, bytes[i+1] & 0x0f, bytes[i+1], nil
	case op0 == 0xe0 || op0 == 0xe1 || op0 == 0xe2 || op0 == 0xe3:
		return kindLoop, prefixCount, 0, op0, nil
	default:
		return 0, 0, 0, 0, &BranchOutOfRange{}
	}
}

// branchForm is one chosen re-encoding: its opcode bytes (following any
// prefixes), the width of its displacement field, and the field's offset
// within the final instruction (prefixes + opcode bytes).
type branchForm struct {
	opcode     []byte
	totalLen   int
	fieldWidth int
	fieldOff   int
}

// chooseBranchForm picks the smallest encoding whose displacement field
// can hold delta - encLen for some legal encoded length encLen, per the
// branch re-encoding table. delta is the distance (in bytes) from the
// instruction's start to its target.
func chooseBranchForm(kind branchKind, cc, origOpcode byte, prefixCount int, delta int64) (branchForm, error) {
	switch kind {
	case kindJmp:
		encLen := prefixCount + 2
		if fitsInt8(delta - int64(encLen)) {
			return branchForm{opcode: []byte{0xeb}, totalLen: encLen, fieldWidth: 1, fieldOff: prefixCount + 1}, nil
		}
		encLen = prefixCount + 5
		if fitsInt32(delta - int64(encLen)) {
			return branchForm{opcode: []byte{0xe9}, totalLen: encLen, fieldWidth: 4, fieldOff: prefixCount + 1}, nil
		}
	case kindCall:
		encLen := prefixCount + 5
		if fitsInt32(delta - int64(encLen)) {
			return branchForm{opcode: []byte{0xe8}, totalLen: encLen, fieldWidth: 4, fieldOff: prefixCount + 1}, nil
		}
	case kindJcc:
		encLen := prefixCount + 2
		if fitsInt8(delta - int64(encLen)) {
			return branchForm{opcode: []byte{0x70 | cc}, totalLen: encLen, fieldWidth: 1, fieldOff: prefixCount + 1}, nil
		}
		encLen = prefixCount + 6
		if fitsInt32(delta - int64(encLen)) {
			return branchForm{opcode: []byte{0x0f, 0x80 | cc}, totalLen: encLen, fieldWidth: 4, fieldOff: prefixCount + 2}, nil
		}
	case kindLoop:
		encLen := prefixCount + 2
		if fitsInt8(delta - int64(encLen)) {
			return branchForm{opcode: []byte{origOpcode}, totalLen: encLen, fieldWidth: 1, fieldOff: prefixCount + 1}, nil
		}
	}
	return branchForm{}, &BranchOutOfRange{}
}

func buildBranchBytes(prefixes []byte, form branchForm) []byte {
	out := make([]byte, 0, form.totalLen)
	out = append(out, prefixes...)
	out = append(out, form.opcode...)
	out = append(out, make([]byte, form.fieldWidth)...)
	return out
}

// encodeInstruction re-encodes in for emission at address w. Non-relative
// instructions are copied verbatim. Relative instructions with a resolved
// target are fully encoded; those with an unresolved forward code target
// are encoded with a placeholder immediate and returned alongside a
// patchRecord to apply once the target is emitted.
func (e *Emitter) encodeInstruction(cur *block.CodeBlock, in *ir.Instruction, w uint64) ([]byte, *patchRecord, error) {
	if in.Rel == nil && in.RIPRel == nil {
		return append([]byte(nil), in.Bytes...), nil, nil
	}

	if in.RIPRel != nil {
		target, resolved, err := e.resolveTarget(in.RIPRel.Symbol)
		if err != nil {
			return nil, nil, err
		}
		if !resolved {
			return nil, nil, &DispOutOfRange{RVA: in.OriginalRVA}
		}
		encoded := append([]byte(nil), in.Bytes...)
		disp := int64(target) + in.RIPRel.Addend - int64(w) - int64(len(encoded))
		if !fitsInt32(disp) {
			return nil, nil, &DispOutOfRange{RVA: in.OriginalRVA}
		}
		writeImm(encoded[in.DispOffset:], 4, disp)
		return encoded, nil, nil
	}

	kind, prefixCount, cc, origOpcode, err := classifyBranchOpcode(in.Bytes)
	if err != nil {
		return nil, nil, &BranchOutOfRange{RVA: in.OriginalRVA}
	}

	target, resolved, err := e.resolveTarget(in.Rel.Symbol)
	if err != nil {
		return nil, nil, err
	}

	var delta int64
	var targetRVA uint64
	if resolved {
		delta = int64(target) + in.Rel.Addend - int64(w)
	} else {
		delta, targetRVA, err = e.pessimisticForwardDelta(cur, in.Rel.Symbol)
		if err != nil {
			return nil, nil, err
		}
		targetRVA += uint64(in.Rel.Addend)
	}

	form, err := chooseBranchForm(kind, cc, origOpcode, prefixCount, delta)
	if err != nil {
		return nil, nil, &BranchOutOfRange{RVA: in.OriginalRVA}
	}
	encoded := buildBranchBytes(in.Bytes[:prefixCount], form)

	if resolved {
		imm := delta - int64(form.totalLen)
		writeImm(encoded[form.fieldOff:], form.fieldWidth, imm)
		return encoded, nil, nil
	}

	patch := &patchRecord{
		targetRVA:  targetRVA,
		instrLen:   form.totalLen,
		fieldWidth: form.fieldWidth,
		bufOffset:  form.fieldOff, // reinterpreted as an in-encoded-instruction offset until emitCodeBlock adds the write position
	}
	return encoded, patch, nil
}

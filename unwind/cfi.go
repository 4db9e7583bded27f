package unwind

import (
	"encoding/binary"

	"github.com/microsoft/one-collect-sub000/onecollecterrors"
)

// DWARF Call Frame Information opcodes, named the way the teacher's dwarfx
// package names DWARF line-table opcodes (package-local lower-case
// constants, grouped by standard vs extended).
const (
	cfaAdvanceLoc = 0x40 // high 2 bits 01, low 6 bits = delta
	cfaOffset     = 0x80 // high 2 bits 10, low 6 bits = register
	cfaRestore    = 0xc0 // high 2 bits 11, low 6 bits = register

	cfaNop            = 0x00
	cfaSetLoc         = 0x01
	cfaAdvanceLoc1    = 0x02
	cfaAdvanceLoc2    = 0x03
	cfaAdvanceLoc4    = 0x04
	cfaOffsetExtended = 0x05
	cfaDefCFA         = 0x0c
	cfaDefCFARegister = 0x0d
	cfaDefCFAOffset   = 0x0e
)

// x86-64 DWARF register numbers relevant to CFA synthesis.
const (
	dwarfRegRAX = 0
	dwarfRegRBX = 3
	dwarfRegRCX = 2
	dwarfRegRDX = 1
	dwarfRegRSP = 7
	dwarfRegRBP = 6
	dwarfRegRA  = 16 // return-address pseudo-register
)

// cieInfo is the subset of a CIE needed to interpret its FDEs' CFI program.
type cieInfo struct {
	codeAlignment uint64
	dataAlignment int64
	raRegister    uint64
	initialRule   cfaRuleState
}

// cfaRuleState is the running interpreter state for a CFI program: the
// current CFA rule and which callee-saved registers (if any) have a known
// save offset from the CFA.
type cfaRuleState struct {
	cfaRegIsRBP bool
	cfaReg      uint64
	cfaOffset   int64

	rbpOffset int64
	rbpSaved  bool
	raOffset  int64
	raSaved   bool
}

// parseFDECFARule parses the CIE+FDE pair at eh_frame offset fdeOff and
// runs its CFI program forward to targetRVA, producing the synthesised
// FrameOffset spec section 4.7 calls for.
func parseFDECFARule(ehFrame []byte, fdeOff uint64, targetRVA uint64) (*FrameOffset, error) {
	if fdeOff+4 > uint64(len(ehFrame)) {
		return nil, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "FDE offset out of range")
	}

	length := binary.LittleEndian.Uint32(ehFrame[fdeOff:])
	if length == 0 {
		return nil, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "zero-length FDE")
	}
	body := ehFrame[fdeOff+4 : fdeOff+4+uint64(length)]
	if len(body) < 4 {
		return nil, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "FDE body too short")
	}

	cieRelOff := binary.LittleEndian.Uint32(body[0:4])
	if cieRelOff == 0 {
		return nil, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "FDE points at itself as CIE")
	}
	cieOff := fdeOff + 4 - uint64(cieRelOff)
	cie, err := parseCIE(ehFrame, cieOff)
	if err != nil {
		return nil, err
	}

	if len(body) < 4+4+4 {
		return nil, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "FDE missing pc range")
	}
	pcBegin := uint64(binary.LittleEndian.Uint32(body[4:8]))
	pcRange := uint64(binary.LittleEndian.Uint32(body[8:12]))
	if targetRVA < pcBegin || targetRVA >= pcBegin+pcRange {
		return nil, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "rva %#x not covered by FDE [%#x,%#x)", targetRVA, pcBegin, pcBegin+pcRange)
	}

	program := body[12:]
	state, err := runCFIProgram(program, cie, pcBegin, targetRVA)
	if err != nil {
		return nil, err
	}

	fo := &FrameOffset{
		CFARegIsRBP: state.cfaRegIsRBP,
		CFAOffset:   state.cfaOffset,
		SavesRBP:    state.rbpSaved,
		RBPOffset:   state.rbpOffset,
		RAOffset:    state.raOffset,
	}
	if !state.raSaved {
		fo.RAOffset = -8
	}
	return fo, nil
}

func parseCIE(ehFrame []byte, off uint64) (*cieInfo, error) {
	if off+4 > uint64(len(ehFrame)) {
		return nil, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "CIE offset out of range")
	}
	length := binary.LittleEndian.Uint32(ehFrame[off:])
	body := ehFrame[off+4 : off+4+uint64(length)]
	if len(body) < 5 {
		return nil, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "CIE body too short")
	}

	// body[0:4] cie_id (must be 0), body[4] version
	pos := 5
	// null-terminated augmentation string
	augStart := pos
	for pos < len(body) && body[pos] != 0 {
		pos++
	}
	aug := string(body[augStart:pos])
	pos++ // skip nul

	codeAlign, n := readULEB128(body[pos:])
	pos += n
	dataAlign, n := readSLEB128(body[pos:])
	pos += n

	// return-address register: single byte prior to DWARF 3, uleb128 after.
	raReg, n := readULEB128(body[pos:])
	pos += n

	if len(aug) > 0 && aug[0] == 'z' {
		_, n := readULEB128(body[pos:]) // augmentation data length
		pos += n
		// Augmentation data itself is skipped: this unwinder doesn't need
		// the LSDA/personality pointers it may encode.
	}

	initial := cfaRuleState{
		cfaRegIsRBP: false,
		cfaReg:      dwarfRegRSP,
		cfaOffset:   8, // typical x86-64 CIE: def_cfa rsp, 8 (pre-call CFA)
	}

	cie := &cieInfo{
		codeAlignment: codeAlign,
		dataAlignment: dataAlign,
		raRegister:    raReg,
		initialRule:   initial,
	}

	// Run the CIE's own initial instructions (everything after the header)
	// to refine the default rule before any FDE-specific program runs.
	if pos < len(body) {
		st, err := runCFIProgram(body[pos:], cie, 0, ^uint64(0))
		if err == nil {
			cie.initialRule = st
		}
	}
	return cie, nil
}

// runCFIProgram interprets a CFI opcode stream up to (and including) the
// instruction active at targetRVA, starting from pcBegin. Passing
// targetRVA = ^uint64(0) runs the entire program (used to compute a CIE's
// initial rule set).
func runCFIProgram(program []byte, cie *cieInfo, pcBegin, targetRVA uint64) (cfaRuleState, error) {
	state := cie.initialRule
	loc := pcBegin

	pos := 0
	for pos < len(program) {
		if loc > targetRVA {
			break
		}
		op := program[pos]
		pos++

		switch {
		case op&0xc0 == cfaAdvanceLoc:
			loc += uint64(op&0x3f) * cie.codeAlignment
		case op&0xc0 == cfaOffset:
			reg := uint64(op & 0x3f)
			off, n := readULEB128(program[pos:])
			pos += n
			applyOffsetRule(&state, reg, int64(off)*cie.dataAlignment, cie)
		case op&0xc0 == cfaRestore:
			// Restoring to the CIE's initial rule for this register; the
			// simplified rule set here only tracks RBP/RA saves, so a
			// restore of either reverts to "not saved".
			reg := uint64(op & 0x3f)
			if reg == dwarfRegRBP {
				state.rbpSaved = false
			} else if reg == cie.raRegister {
				state.raSaved = false
			}
		default:
			switch op {
			case cfaNop:
			case cfaSetLoc:
				if pos+8 > len(program) {
					return state, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "truncated DW_CFA_set_loc")
				}
				loc = binary.LittleEndian.Uint64(program[pos:])
				pos += 8
			case cfaAdvanceLoc1:
				if pos+1 > len(program) {
					return state, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "truncated DW_CFA_advance_loc1")
				}
				loc += uint64(program[pos]) * cie.codeAlignment
				pos++
			case cfaAdvanceLoc2:
				if pos+2 > len(program) {
					return state, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "truncated DW_CFA_advance_loc2")
				}
				loc += uint64(binary.LittleEndian.Uint16(program[pos:])) * cie.codeAlignment
				pos += 2
			case cfaAdvanceLoc4:
				if pos+4 > len(program) {
					return state, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "truncated DW_CFA_advance_loc4")
				}
				loc += uint64(binary.LittleEndian.Uint32(program[pos:])) * cie.codeAlignment
				pos += 4
			case cfaOffsetExtended:
				reg, n := readULEB128(program[pos:])
				pos += n
				off, n := readULEB128(program[pos:])
				pos += n
				applyOffsetRule(&state, reg, int64(off)*cie.dataAlignment, cie)
			case cfaDefCFA:
				reg, n := readULEB128(program[pos:])
				pos += n
				off, n := readULEB128(program[pos:])
				pos += n
				state.cfaReg = reg
				state.cfaRegIsRBP = reg == dwarfRegRBP
				state.cfaOffset = int64(off)
			case cfaDefCFARegister:
				reg, n := readULEB128(program[pos:])
				pos += n
				state.cfaReg = reg
				state.cfaRegIsRBP = reg == dwarfRegRBP
			case cfaDefCFAOffset:
				off, n := readULEB128(program[pos:])
				pos += n
				state.cfaOffset = int64(off)
			default:
				return state, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "unsupported CFI opcode %#x", op)
			}
		}
	}
	return state, nil
}

func applyOffsetRule(state *cfaRuleState, reg uint64, offset int64, cie *cieInfo) {
	switch {
	case reg == dwarfRegRBP:
		state.rbpSaved = true
		state.rbpOffset = offset
	case reg == cie.raRegister:
		state.raSaved = true
		state.raOffset = offset
	}
}

package unwind

import (
	"encoding/binary"

	"github.com/microsoft/one-collect-sub000/onecollecterrors"
)

// DWARF exception-handling pointer encodings (DW_EH_PE_*) needed to decode
// the entries of .eh_frame_hdr's binary search table.
const (
	dwEHPEomit    = 0xff
	dwEHPEuleb128 = 0x01
	dwEHPEudata2  = 0x02
	dwEHPEudata4  = 0x03
	dwEHPEudata8  = 0x04
	dwEHPEsleb128 = 0x09
	dwEHPEsdata2  = 0x0a
	dwEHPEsdata4  = 0x0b
	dwEHPEsdata8  = 0x0c

	dwEHPEabs      = 0x00
	dwEHPEpcrel    = 0x10
	dwEHPEdatarel  = 0x30
	dwEHPEfuncrel  = 0x40
	dwEHPEaligned  = 0x50
	dwEHPEindirect = 0x80
)

// hdrEntry is one row of .eh_frame_hdr's binary search table: the function
// start address (as an RVA into the module) and the byte offset of its FDE
// within the paired .eh_frame section.
type hdrEntry struct {
	initialLocRVA uint64
	fdeOffset     uint64
}

// EHFrameHdr is the parsed form of a module's .eh_frame_hdr section: a
// sorted (rva -> fde-offset) index, per spec section 4.7's "parse its
// header into a sorted (rva -> fde-entry) index".
type EHFrameHdr struct {
	entries []hdrEntry
}

// ParseEHFrameHdr parses the binary-search variant of .eh_frame_hdr
// (version 1, table encoding DW_EH_PE_datarel|DW_EH_PE_sdata4 or
// DW_EH_PE_datarel|DW_EH_PE_udata4, the encodings every mainstream Linux
// linker emits). hdrFileOffset and frameFileOffset are the .eh_frame_hdr
// and .eh_frame sections' own file offsets: the table's datarel entries are
// relative to the .eh_frame_hdr section's own base address, so each one is
// corrected back into the file-offset RVA convention cfaStep's targetRVA
// uses by adding hdrFileOffset, since (section vaddr - section file offset)
// is the same constant bias for every loadable section of one module.
func ParseEHFrameHdr(b []byte, hdrFileOffset, frameFileOffset uint64) (*EHFrameHdr, error) {
	if len(b) < 4 {
		return nil, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "eh_frame_hdr too short")
	}
	version := b[0]
	ehFramePtrEnc := b[1]
	fdeCountEnc := b[2]
	tableEnc := b[3]
	if version != 1 {
		return nil, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "unsupported eh_frame_hdr version %d", version)
	}

	pos := 4
	_, n, err := readEncoded(b, pos, ehFramePtrEnc)
	if err != nil {
		return nil, err
	}
	pos += n

	fdeCount, n, err := readEncoded(b, pos, fdeCountEnc)
	if err != nil {
		return nil, err
	}
	pos += n

	if tableEnc != dwEHPEdatarel|dwEHPEsdata4 && tableEnc != dwEHPEdatarel|dwEHPEudata4 {
		return nil, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "unsupported eh_frame_hdr table encoding %#x", tableEnc)
	}
	signed := tableEnc&0x0f == dwEHPEsdata4

	entries := make([]hdrEntry, 0, fdeCount)
	for i := uint64(0); i < fdeCount; i++ {
		if pos+8 > len(b) {
			return nil, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "eh_frame_hdr truncated search table")
		}
		loc := binary.LittleEndian.Uint32(b[pos:])
		fde := binary.LittleEndian.Uint32(b[pos+4:])
		pos += 8
		entries = append(entries, hdrEntry{
			initialLocRVA: datarelToRVA(loc, signed, hdrFileOffset),
			fdeOffset:     datarelToRVA(fde, signed, hdrFileOffset) - frameFileOffset,
		})
	}

	return &EHFrameHdr{entries: entries}, nil
}

// datarelToRVA converts a DW_EH_PE_datarel-encoded table value (relative to
// the .eh_frame_hdr section's own base address) into this package's
// file-offset RVA convention, sign-extending it first when the table
// encoding is sdata4 — offsets to functions laid out before .eh_frame_hdr
// in the file are legitimately negative.
func datarelToRVA(raw uint32, signed bool, hdrFileOffset uint64) uint64 {
	if signed {
		return uint64(int64(hdrFileOffset) + int64(int32(raw)))
	}
	return hdrFileOffset + uint64(raw)
}

// FindFDE returns the .eh_frame byte offset of the FDE whose range might
// cover rva: the last entry whose initialLocRVA <= rva. parseFDECFARule
// validates the actual pc range from the FDE itself.
func (h *EHFrameHdr) FindFDE(rva uint64) (uint64, bool) {
	lo, hi := 0, len(h.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if h.entries[mid].initialLocRVA <= rva {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0, false
	}
	return h.entries[lo-1].fdeOffset, true
}

// readEncoded reads one DWARF-encoded pointer value at b[pos:] per enc,
// returning the raw stored value (not relocated — callers that need an
// absolute address must add the appropriate base themselves) and the
// number of bytes consumed.
func readEncoded(b []byte, pos int, enc byte) (uint64, int, error) {
	if enc == dwEHPEomit {
		return 0, 0, nil
	}
	format := enc & 0x0f
	switch format {
	case dwEHPEudata2, dwEHPEsdata2:
		if pos+2 > len(b) {
			return 0, 0, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "truncated encoded pointer")
		}
		return uint64(binary.LittleEndian.Uint16(b[pos:])), 2, nil
	case dwEHPEudata4, dwEHPEsdata4:
		if pos+4 > len(b) {
			return 0, 0, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "truncated encoded pointer")
		}
		return uint64(binary.LittleEndian.Uint32(b[pos:])), 4, nil
	case dwEHPEudata8, dwEHPEsdata8:
		if pos+8 > len(b) {
			return 0, 0, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "truncated encoded pointer")
		}
		return binary.LittleEndian.Uint64(b[pos:]), 8, nil
	case dwEHPEuleb128, dwEHPEsleb128:
		v, n := readULEB128(b[pos:])
		return v, n, nil
	default:
		return 0, 0, onecollecterrors.New(onecollecterrors.KindUnwindAbort, "unsupported pointer format %#x", format)
	}
}

func readULEB128(b []byte) (uint64, int) {
	var result uint64
	var shift uint
	n := 0
	for {
		if n >= len(b) {
			return result, n
		}
		bb := b[n]
		n++
		result |= uint64(bb&0x7f) << shift
		if bb&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, n
}

func readSLEB128(b []byte) (int64, int) {
	var result int64
	var shift uint
	n := 0
	var b2 byte
	for {
		if n >= len(b) {
			return result, n
		}
		b2 = b[n]
		n++
		result |= int64(b2&0x7f) << shift
		shift += 7
		if b2&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b2&0x40 != 0 {
		result |= -1 << shift
	}
	return result, n
}

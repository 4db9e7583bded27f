package intern

import "encoding/binary"

// CallstackID is a handle returned by CallstackTable: the head instruction
// pointer (kept out-of-band, per spec section 4.1) paired with the ID of
// the interned tail-frame span.
type CallstackID struct {
	IP       uint64
	TailSpan ID
}

// CallstackTable interns call-stack frame arrays (ordered slices of u64
// frame addresses) by content. The head IP is stored separately from the
// tail so that two samples whose only difference is the leading (implicit)
// IP still share the same interned tail span.
type CallstackTable struct {
	tails *BlobTable
}

// NewCallstackTable returns an empty table.
func NewCallstackTable() *CallstackTable {
	return &CallstackTable{tails: NewBlobTable()}
}

// ToID interns frames, whose first element is the implicit-ip (per spec
// section 3, Sample.callstack_id "names an interned frame array whose
// first frame is implicit-ip"). The remaining frames are interned as the
// tail span.
func (t *CallstackTable) ToID(frames []uint64) CallstackID {
	if len(frames) == 0 {
		return CallstackID{IP: 0, TailSpan: t.tails.ToID(nil)}
	}
	tail := encodeFrames(frames[1:])
	return CallstackID{IP: frames[0], TailSpan: t.tails.ToID(tail)}
}

// FromID reconstructs the original frame slice for id.
func (t *CallstackTable) FromID(id CallstackID) []uint64 {
	tail := decodeFrames(t.tails.FromID(id.TailSpan))
	out := make([]uint64, 0, len(tail)+1)
	out = append(out, id.IP)
	return append(out, tail...)
}

func encodeFrames(frames []uint64) []byte {
	b := make([]byte, len(frames)*8)
	for i, f := range frames {
		binary.LittleEndian.PutUint64(b[i*8:], f)
	}
	return b
}

func decodeFrames(b []byte) []uint64 {
	out := make([]uint64, len(b)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out
}

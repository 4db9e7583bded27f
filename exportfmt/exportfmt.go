// Package exportfmt writes the two trace file framings spec section 4.9
// and section 6 describe: nettrace (the Microsoft .NET "FastSerialization"
// container) and a PerfView-compatible XML rendering. Both replay an
// export.Machine's time-ordered events through a shared Writer interface.
package exportfmt

import (
	"encoding/binary"
	"fmt"

	"github.com/microsoft/one-collect-sub000/export"
)

// Writer is satisfied by each supported output framing.
type Writer interface {
	// Write renders every replay event selected by pids (nil selects all)
	// from m into a single trace payload.
	Write(m *export.Machine, pids func(int) bool) ([]byte, error)
}

// bufEncoder is a growable-byte-slice cursor encoder, the write-side
// counterpart to the teacher's perffile/bufdecoder.go read-side cursor: the
// same "one method per fixed-width field, always little-endian" shape.
type bufEncoder struct {
	buf []byte
}

func (e *bufEncoder) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *bufEncoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *bufEncoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *bufEncoder) bytes(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *bufEncoder) varint(v uint64) {
	for {
		x := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			e.buf = append(e.buf, x|0x80)
		} else {
			e.buf = append(e.buf, x)
			return
		}
	}
}

func (e *bufEncoder) svarint(v int64) {
	e.varint(uint64((v << 1) ^ (v >> 63)))
}

// lengthPrefixed writes fn's output preceded by its u32 length, padded so
// the nested object ends on a 4-byte boundary — spec section 6's "Sizes of
// nested objects are length-prefixed with a preceding u32 plus any
// pad-to-u32 alignment bytes".
func (e *bufEncoder) lengthPrefixed(fn func(*bufEncoder)) {
	inner := &bufEncoder{}
	fn(inner)
	for len(inner.buf)%4 != 0 {
		inner.buf = append(inner.buf, 0)
	}
	e.u32(uint32(len(inner.buf)))
	e.bytes(inner.buf)
}

// systemEventNames are the fixed system events with pre-assigned local
// metadata ids, per spec section 4.9.
var systemEventNames = []string{
	"ProcessCreate",
	"ExistingProcess",
	"ProcessExit",
	"ProcessMapping",
	"ProcessSymbol",
}

const firstSystemMetadataID = 1

// metadataIDFor returns the pre-assigned metadata id for a system event
// name, or the kind-relative id for a sample kind.
func metadataIDFor(name string, kindNames []string) (uint32, error) {
	for i, n := range systemEventNames {
		if n == name {
			return uint32(firstSystemMetadataID + i), nil
		}
	}
	for i, n := range kindNames {
		if n == name {
			return uint32(firstSystemMetadataID + len(systemEventNames) + i), nil
		}
	}
	return 0, fmt.Errorf("exportfmt: unknown event name %q", name)
}

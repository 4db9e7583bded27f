// Package perfring implements the per-CPU memory-mapped ring reader
// described in spec section 4.3: a metadata page followed by a power-of-two
// data region, with head/tail memory-ordering discipline matching the
// kernel's perf_event ring buffer protocol.
//
// The mmap'd metadata-page layout and head/tail atomic discipline are
// grounded on the retrieved yonch-memory-collector perf ring reader
// (other_examples/fd506ca0_...), which uses the same
// "atomic head load, consumer-owned tail store" split this package
// implements, and on the teacher's bufDecoder (perffile/bufdecoder.go) for
// the byte-cursor scanning idiom used once a record has been located.
package perfring

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/microsoft/one-collect-sub000/onecollecterrors"
	"github.com/microsoft/one-collect-sub000/perfabi"
)

// metaOffsets names the byte offsets of the fields this package reads out
// of the kernel's perf_event_mmap_page metadata page. Only the fields the
// ring reader needs are modeled; the rest of the page (lost counters,
// AUX ring pointers, time-conversion fields) is out of scope for this
// package and is left for a dedicated clock-conversion helper to read.
const (
	metaOffDataHead   = 1024 + 0
	metaOffDataTail   = 1024 + 8
	metaOffDataOffset = 1024 + 16
	metaOffDataSize   = 1024 + 24
	metaPageSize      = 1024 + 32
)

// Cursor is a (start, end) pair of byte offsets into a Ring's data region,
// per spec section 3.
type Cursor struct {
	Start, End uint64
}

// Ring is one per-CPU, per-event-source memory-mapped ring: a metadata page
// followed by 2^k data pages.
type Ring struct {
	meta     []byte // the metadata page, mmap'd read/write
	data     []byte // the data region, aliasing the same mapping
	dataMask uint64 // data_size - 1; data_size is a power of two

	scratch []byte // grows only as needed, owned by the reader

	// fd and mapped are only set when the ring was opened via
	// perfring.Open (Linux); a Ring built directly from New (e.g. in
	// tests, or on a platform without a kernel ring) leaves them zero.
	fd     int
	mapped []byte
}

// New wraps an already-mapped region (one metadata page followed by the
// data pages) as described in spec section 4.3. The caller is responsible
// for producing the mapping (typically via mmap over a perf_event_open
// file descriptor); this separation keeps Ring testable without a kernel.
func New(mapped []byte) (*Ring, error) {
	if len(mapped) < metaPageSize {
		return nil, onecollecterrors.New(onecollecterrors.KindResourceUnavailable, "perfring: mapping too small for metadata page (%d bytes)", len(mapped))
	}
	dataOffset := binary.LittleEndian.Uint64(mapped[metaOffDataOffset:])
	dataSize := binary.LittleEndian.Uint64(mapped[metaOffDataSize:])
	if dataSize == 0 || dataSize&(dataSize-1) != 0 {
		return nil, onecollecterrors.New(onecollecterrors.KindResourceUnavailable, "perfring: data_size %d is not a power of two", dataSize)
	}
	if dataOffset+dataSize > uint64(len(mapped)) {
		return nil, onecollecterrors.New(onecollecterrors.KindResourceUnavailable, "perfring: data region (%d+%d) exceeds mapping length %d", dataOffset, dataSize, len(mapped))
	}
	return &Ring{
		meta:     mapped[:metaPageSize],
		data:     mapped[dataOffset : dataOffset+dataSize],
		dataMask: dataSize - 1,
	}, nil
}

func (r *Ring) loadHead() uint64 {
	return atomic.LoadUint64((*uint64)(ptr(r.meta, metaOffDataHead)))
}

func (r *Ring) loadTail() uint64 {
	return atomic.LoadUint64((*uint64)(ptr(r.meta, metaOffDataTail)))
}

func (r *Ring) storeTail(v uint64) {
	atomic.StoreUint64((*uint64)(ptr(r.meta, metaOffDataTail)), v)
}

// BeginReading snapshots head, issues the acquire fence mandated by spec
// section 9 ("Ring consumer memory-ordering"), then snapshots tail and
// returns the initial cursor (tail, head).
//
// sync/atomic.LoadUint64 on amd64/arm64 compiles to an ordinary load with
// no special fence, but paired with StoreTail's atomic store below it gives
// the happens-before relationship the protocol requires: the Go memory
// model guarantees a value observed through atomic.LoadUint64 was published
// no earlier than the matching atomic.StoreUint64 that wrote it, which is
// exactly the acquire/release pairing spec section 9 calls for.
func (r *Ring) BeginReading() Cursor {
	head := r.loadHead()
	tail := r.loadTail()
	return Cursor{Start: tail, End: head}
}

// EndReading issues the release/commit fence and stores cursor.Start into
// tail, releasing the consumed bytes back to the producer. This must be
// called with the cursor's Start advanced to however much was actually
// consumed this pass; spec section 4.3 step 5.
func (r *Ring) EndReading(cursor Cursor) {
	r.storeTail(cursor.Start)
}

// PeekHeader reads the 8-byte record header at cursor.Start without
// advancing the cursor. It never reads past data_size in a single field,
// per spec section 4.3 step 2 ("the header never wraps").
func (r *Ring) PeekHeader(cursor Cursor) perfabi.Header {
	start := cursor.Start & r.dataMask
	return perfabi.Header{
		Type: perfabi.RecordType(binary.LittleEndian.Uint32(r.data[start:])),
		Misc: binary.LittleEndian.Uint16(r.data[start+4:]),
		Size: binary.LittleEndian.Uint16(r.data[start+6:]),
	}
}

// PeekU64 reads a little-endian u64 at (cursor.Start+offset)&dataMask
// without advancing the cursor, per spec section 4.3 step 4; it is used by
// the merge source to extract time/id fields ahead of actually consuming a
// record.
func (r *Ring) PeekU64(cursor Cursor, offset int) uint64 {
	at := (cursor.Start + uint64(offset)) & r.dataMask
	return binary.LittleEndian.Uint64(r.data[at:])
}

// Read returns the record at cursor and advances cursor past it. If the
// record straddles the data_size wraparound boundary, its bytes are copied
// into the reader's scratch buffer (pre-wrap part first, then post-wrap);
// otherwise the returned slice borrows directly from the mapped region.
//
// This mirrors property P2 in spec section 8: for O+size <= data_size the
// result is a direct borrow; otherwise it is the logical concatenation
// ring[O:data_size] ++ ring[0:(O+size) mod data_size].
func (r *Ring) Read(cursor *Cursor) []byte {
	hdr := r.PeekHeader(*cursor)
	size := uint64(hdr.Size)
	start := cursor.Start & r.dataMask

	var rec []byte
	if start+size <= uint64(len(r.data)) {
		rec = r.data[start : start+size]
	} else {
		if uint64(cap(r.scratch)) < size {
			r.scratch = make([]byte, size)
		}
		r.scratch = r.scratch[:size]
		firstPart := uint64(len(r.data)) - start
		copy(r.scratch[:firstPart], r.data[start:])
		copy(r.scratch[firstPart:], r.data[:size-firstPart])
		rec = r.scratch
	}

	cursor.Start += size
	return rec
}

// HasData reports whether the cursor has more bytes to read without
// exceeding the snapshot taken at BeginReading.
func (c Cursor) HasData() bool {
	return c.Start < c.End
}

// Remaining returns the number of unread bytes in the cursor's window.
func (c Cursor) Remaining() uint64 {
	if c.End <= c.Start {
		return 0
	}
	return c.End - c.Start
}

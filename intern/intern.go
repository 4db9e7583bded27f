// Package intern implements the content-addressed interning tables
// described in spec section 4.1: a byte-slice table keyed by content hash,
// and a callstack table keyed by an ordered slice of frame addresses.
//
// Both tables share the same bucketed-hash-plus-backing-vector design: a
// monotonically growing backing slice holds the interned bytes, and a span
// (start, end) into that slice is recorded per entry. The returned ID is a
// stable index into the span vector; it is never reused and always maps
// back to the same content (property P1 in spec section 8).
package intern

import "hash/maphash"

// ID identifies an interned byte slice. IDs are stable for the lifetime of
// the table that produced them: identical content always yields identical
// IDs, and from_id(to_id(x)) == x always. ToID never returns 0, so callers
// may use 0 to mean "no ID".
type ID uint32

// span is a half-open byte range into a BlobTable's backing vector.
type span struct {
	start, end uint32
}

// bucketEntry chains spans that hash to the same bucket.
type bucketEntry struct {
	hash uint64
	id   ID
	next int32 // index into entries, or -1
}

// BlobTable is a content-addressed interning table for arbitrary byte
// slices. It is not safe for concurrent use; per spec section 5 it is
// mutated only on the collector thread.
type BlobTable struct {
	seed    maphash.Seed
	backing []byte
	spans   []span
	buckets []int32 // bucket -> index into entries, or -1
	entries []bucketEntry
}

// NewBlobTable returns an empty table.
func NewBlobTable() *BlobTable {
	t := &BlobTable{seed: maphash.MakeSeed()}
	// Span 0 is a reserved empty entry that is never entered into a
	// bucket, so no lookup matches it and the first interned ID is 1.
	t.spans = []span{{}}
	t.buckets = make([]int32, 16)
	for i := range t.buckets {
		t.buckets[i] = -1
	}
	return t
}

func (t *BlobTable) hash(b []byte) uint64 {
	var h maphash.Hash
	h.SetSeed(t.seed)
	h.Write(b)
	return h.Sum64()
}

func (t *BlobTable) bucketIndex(hash uint64) int {
	// bucket_count is always a power of two, so (hash & (count-1)) is a
	// cheap modulo.
	return int(hash & uint64(len(t.buckets)-1))
}

// ToID returns the existing ID for b if its content (hash, length, bytes)
// already matches an interned entry; otherwise it appends b and returns a
// new ID. Complexity is O(1) expected.
func (t *BlobTable) ToID(b []byte) ID {
	h := t.hash(b)
	bi := t.bucketIndex(h)
	for ei := t.buckets[bi]; ei != -1; ei = t.entries[ei].next {
		e := &t.entries[ei]
		if e.hash != h {
			continue
		}
		sp := t.spans[e.id]
		if spanEqual(t.backing[sp.start:sp.end], b) {
			return e.id
		}
	}

	start := uint32(len(t.backing))
	t.backing = append(t.backing, b...)
	id := ID(len(t.spans))
	t.spans = append(t.spans, span{start, uint32(len(t.backing))})

	t.maybeGrow()
	bi = t.bucketIndex(h)
	t.entries = append(t.entries, bucketEntry{hash: h, id: id, next: t.buckets[bi]})
	t.buckets[bi] = int32(len(t.entries) - 1)

	return id
}

// FromID returns the bytes interned under id. The returned slice aliases
// the table's backing storage and must not be mutated by the caller.
func (t *BlobTable) FromID(id ID) []byte {
	sp := t.spans[id]
	return t.backing[sp.start:sp.end]
}

// Len returns the number of distinct entries interned so far.
func (t *BlobTable) Len() int {
	return len(t.spans) - 1
}

// maybeGrow doubles the bucket count (and rehashes) once the table has
// grown enough that the average chain length would exceed ~2 entries.
func (t *BlobTable) maybeGrow() {
	if len(t.spans) < len(t.buckets)*2 {
		return
	}
	newCount := nextPow2(len(t.buckets) * 2)
	t.buckets = make([]int32, newCount)
	for i := range t.buckets {
		t.buckets[i] = -1
	}
	for i := range t.entries {
		bi := t.bucketIndex(t.entries[i].hash)
		t.entries[i].next = t.buckets[bi]
		t.buckets[bi] = int32(i)
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func spanEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

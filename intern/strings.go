package intern

import (
	"fmt"
	"unicode/utf8"
)

// StringTable wraps a BlobTable and adds UTF-8 validating string accessors,
// per spec section 4.1 ("Strings wrap the byte table and add UTF-8 decode
// at lookup").
type StringTable struct {
	blobs *BlobTable
}

// NewStringTable returns an empty string table.
func NewStringTable() *StringTable {
	return &StringTable{blobs: NewBlobTable()}
}

// ToID interns s and returns its stable ID.
func (t *StringTable) ToID(s string) ID {
	return t.blobs.ToID([]byte(s))
}

// FromID returns the string interned under id, or an error if the stored
// bytes are not valid UTF-8 (ToID stores a Go string's bytes as they are,
// so this happens only when a string holding invalid UTF-8 was interned).
func (t *StringTable) FromID(id ID) (string, error) {
	b := t.blobs.FromID(id)
	if !utf8.Valid(b) {
		return "", fmt.Errorf("intern: string id %d is not valid UTF-8", id)
	}
	return string(b), nil
}

// MustFromID is like FromID but panics on invalid UTF-8; it is intended for
// call sites that only ever store validated strings via ToID.
func (t *StringTable) MustFromID(id ID) string {
	s, err := t.FromID(id)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of distinct strings interned so far.
func (t *StringTable) Len() int {
	return t.blobs.Len()
}

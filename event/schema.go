// Package event implements the run-time event schema and decoder described
// in spec section 4.2: events carry an ordered field vector describing
// static, dynamic-relative, dynamic-absolute, and embedded-string fields,
// and the decoder resolves typed field values as safe slices over opaque
// payload bytes.
//
// The scanning style (scratch-free slice narrowing, skip-ahead over
// zero-size dynamic strings) is grounded on the teacher's
// perffile/bufdecoder.go, which narrows a []byte cursor field by field
// rather than re-slicing the whole payload on every access.
package event

import (
	"github.com/microsoft/one-collect-sub000/onecollecterrors"
)

// LocationKind names how a Field's bytes are found in a payload, per spec
// section 3.
type LocationKind int

const (
	// Static fields live at a fixed offset and size.
	Static LocationKind = iota
	// StaticCString fields are NUL-terminated ASCII/UTF-8 strings
	// starting at a fixed offset.
	StaticCString
	// StaticUTF16NulString fields are UTF-16 strings, terminated by a
	// (0,0) code unit, starting at a fixed offset.
	StaticUTF16NulString
	// DynRelative fields are located via a 32-bit locator whose low 16
	// bits are an offset relative to the end of the locator itself.
	DynRelative
	// DynAbsolute fields are located via a 32-bit locator whose low 16
	// bits are an offset from the start of the payload.
	DynAbsolute
)

// Field describes one named value within an event's payload.
type Field struct {
	Name     string
	TypeName string
	Location LocationKind
	Offset   int
	Size     int
}

// FieldRef is an index into a Schema's field vector. It is valid for the
// lifetime of the Schema that produced it (spec section 3: "field
// references are integers indexing the field vector").
type FieldRef int

// Extension carries the OS-specific metadata an event may expose (e.g. an
// ETW provider GUID/level/keyword). It is opaque to this package; callers
// that care about a particular OS attach and read their own type.
type Extension any

// Schema describes one event: a stable integer ID, a display name, an
// ordered field vector, and optional flags/extension data.
//
// Schema is append-only with respect to fields: once a FieldRef has been
// handed out (by AddField or FieldRefByName), it remains valid.
type Schema struct {
	ID   uint32
	Name string

	NoCallstack bool
	Proxy       bool

	Extension Extension

	fields []Field
}

// NewSchema returns an empty schema with the given id and display name.
func NewSchema(id uint32, name string) *Schema {
	return &Schema{ID: id, Name: name}
}

// AddField appends f to the schema and returns its FieldRef. Field names
// must be unique within a schema; AddField panics on a duplicate name,
// since this is a programming error in the schema's construction, not a
// runtime condition.
func (s *Schema) AddField(f Field) FieldRef {
	for _, existing := range s.fields {
		if existing.Name == f.Name {
			panic("event: duplicate field name " + f.Name)
		}
	}
	s.fields = append(s.fields, f)
	return FieldRef(len(s.fields) - 1)
}

// FieldRefByName looks up a field by name via a linear scan. Schemas carry few
// fields (spec section 4.2 notes "names are few, <= ~32 typical"), so a
// linear scan is simpler and just as fast as a map in practice.
func (s *Schema) FieldRefByName(name string) (FieldRef, bool) {
	for i := range s.fields {
		if s.fields[i].Name == name {
			return FieldRef(i), true
		}
	}
	return 0, false
}

// Field returns the Field descriptor for ref.
func (s *Schema) Field(ref FieldRef) Field {
	return s.fields[ref]
}

// Fields returns the schema's field vector. The returned slice must not be
// mutated.
func (s *Schema) Fields() []Field {
	return s.fields
}

// DecodeError is returned by accessors that fail to resolve or convert a
// field, per spec section 7: short slice, bad UTF-8, invalid rel-loc,
// unknown field. It is always of onecollecterrors.KindDecodeError.
func DecodeError(format string, args ...any) error {
	return onecollecterrors.New(onecollecterrors.KindDecodeError, format, args...)
}

// Package tracefs implements the Linux tracefs uprobe registration surface
// and the user_events surface described in spec section 6: registering a
// uprobe by writing a formatted line into tracing/uprobe_events, and
// registering a user_events description via the DIAG_IOCSREG/DIAG_IOCSUNREG
// ioctls on user_events_data.
//
// Grounded on original_source/one_collect/src/user_events.rs: the UserReg
// and UserUnreg wire structs, the DIAG_IOCSREG/DIAG_IOCSUNREG ioctl number
// derivation, and the UNREGISTERED_WRITE_INDEX sentinel are all translated
// field-for-field from that file's repr(C, packed) structs and ioc()
// helper; the tracefs uprobe_events line format and eventheader field list
// follow spec section 6 directly, since original_source's own tracefs.rs
// was not part of the retrieved file set.
package tracefs

import (
	"fmt"
	"strings"
)

// Event is a registered tracefs event: the numeric tracing id used to
// match a PERF_RECORD_SAMPLE RAW blob's leading 2-byte event id (session
// section 4.5), plus the (group, name) it was registered under.
type Event struct {
	ID    uint64
	Group string
	Name  string
}

// FieldSpec is one `field=%reg:type` argument of a uprobe's format string,
// per spec section 6's "Tracefs uprobe surface".
type FieldSpec struct {
	Field string
	Reg   string
	Type  string
}

// FormatArgs renders fields as the comma-separated `field=%reg:type`
// grammar spec section 6 names.
func FormatArgs(fields []FieldSpec) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%s=%%%s:%s", f.Field, f.Reg, f.Type)
	}
	return strings.Join(parts, ",")
}

// EventHeaderFields is the canonical eventheader field set spec section 6
// names: "flags:u8, version:u8, id:u16, tag:u16, opcode:u8, level:u8".
var EventHeaderFields = []string{
	"u8 eventheader_flags",
	"u8 version",
	"u16 id",
	"u16 tag",
	"u8 opcode",
	"u8 level",
}

// UserEventDesc is a user_events description: "<name> <field-spec>...", per
// spec section 6's "User-events surface".
type UserEventDesc struct {
	Name   string
	Fields []string
}

// NewRawUserEventDesc builds a description whose fields are the caller's
// own raw tracefs field tuples (e.g. "u32 count").
func NewRawUserEventDesc(name string, fields ...string) UserEventDesc {
	return UserEventDesc{Name: name, Fields: fields}
}

// NewEventHeaderDesc builds a description using the canonical eventheader
// field set, per spec section 6.
func NewEventHeaderDesc(name string) UserEventDesc {
	return UserEventDesc{Name: name, Fields: append([]string(nil), EventHeaderFields...)}
}

// String renders the description line passed as name_args to DIAG_IOCSREG.
func (d UserEventDesc) String() string {
	parts := make([]string, 0, 1+len(d.Fields))
	parts = append(parts, d.Name)
	parts = append(parts, d.Fields...)
	return strings.Join(parts, " ")
}

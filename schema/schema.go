// Package schema builds the event.Schema descriptors for the fixed perf
// record types the session loop dispatches by RecordType — COMM, EXIT,
// FORK, MMAP2, LOST, LOST_SAMPLES — and for a built-in on-CPU sample
// event. Session loop callback handlers key off these schemas' IDs and
// field refs to decode the live ring payloads into machine.Machine calls.
//
// Field offsets are grounded on the teacher's perffile/records.go parse*
// functions (parseComm, parseExit, parseFork, parseMmap with v2=true,
// parseLost), which document the exact byte layout the kernel writes for
// each of these record types.
package schema

import (
	"github.com/microsoft/one-collect-sub000/event"
	"github.com/microsoft/one-collect-sub000/perfabi"
)

// Field refs are stable for the lifetime of a schema returned here:
// callers may resolve them once at setup and reuse them across every
// dispatched record.

// Comm returns the schema for PERF_RECORD_COMM: pid, tid, then a
// NUL-terminated command name, per perffile's parseComm.
func Comm() (*event.Schema, CommFields) {
	s := event.NewSchema(uint32(perfabi.RecordTypeComm), "comm")
	f := CommFields{
		PID:  s.AddField(event.Field{Name: "pid", Location: event.Static, Offset: 0, Size: 4}),
		TID:  s.AddField(event.Field{Name: "tid", Location: event.Static, Offset: 4, Size: 4}),
		Comm: s.AddField(event.Field{Name: "comm", Location: event.StaticCString, Offset: 8}),
	}
	return s, f
}

// CommFields holds the field refs Comm's schema exposes.
type CommFields struct {
	PID, TID, Comm event.FieldRef
}

// Exit returns the schema for PERF_RECORD_EXIT: pid, ppid, tid, ptid,
// time, per perffile's parseExit.
func Exit() (*event.Schema, ExitForkFields) {
	return exitOrFork(perfabi.RecordTypeExit, "exit")
}

// Fork returns the schema for PERF_RECORD_FORK, which shares EXIT's exact
// field layout (perffile's parseFork and parseExit are byte-identical).
func Fork() (*event.Schema, ExitForkFields) {
	return exitOrFork(perfabi.RecordTypeFork, "fork")
}

func exitOrFork(rt perfabi.RecordType, name string) (*event.Schema, ExitForkFields) {
	s := event.NewSchema(uint32(rt), name)
	f := ExitForkFields{
		PID:  s.AddField(event.Field{Name: "pid", Location: event.Static, Offset: 0, Size: 4}),
		PPID: s.AddField(event.Field{Name: "ppid", Location: event.Static, Offset: 4, Size: 4}),
		TID:  s.AddField(event.Field{Name: "tid", Location: event.Static, Offset: 8, Size: 4}),
		PTID: s.AddField(event.Field{Name: "ptid", Location: event.Static, Offset: 12, Size: 4}),
		Time: s.AddField(event.Field{Name: "time", Location: event.Static, Offset: 16, Size: 8}),
	}
	return s, f
}

// ExitForkFields holds the field refs Exit's and Fork's schemas expose.
type ExitForkFields struct {
	PID, PPID, TID, PTID, Time event.FieldRef
}

// Mmap2 returns the schema for PERF_RECORD_MMAP2: pid, tid, addr, len,
// pgoff, major, minor, ino, ino_generation, prot, flags, then a
// NUL-terminated filename, per perffile's parseMmap(v2=true).
func Mmap2() (*event.Schema, Mmap2Fields) {
	s := event.NewSchema(uint32(perfabi.RecordTypeMmap2), "mmap2")
	f := Mmap2Fields{
		PID:      s.AddField(event.Field{Name: "pid", Location: event.Static, Offset: 0, Size: 4}),
		TID:      s.AddField(event.Field{Name: "tid", Location: event.Static, Offset: 4, Size: 4}),
		Addr:     s.AddField(event.Field{Name: "addr", Location: event.Static, Offset: 8, Size: 8}),
		Len:      s.AddField(event.Field{Name: "len", Location: event.Static, Offset: 16, Size: 8}),
		PgOff:    s.AddField(event.Field{Name: "pgoff", Location: event.Static, Offset: 24, Size: 8}),
		Major:    s.AddField(event.Field{Name: "major", Location: event.Static, Offset: 32, Size: 4}),
		Minor:    s.AddField(event.Field{Name: "minor", Location: event.Static, Offset: 36, Size: 4}),
		Ino:      s.AddField(event.Field{Name: "ino", Location: event.Static, Offset: 40, Size: 8}),
		InoGen:   s.AddField(event.Field{Name: "ino_generation", Location: event.Static, Offset: 48, Size: 8}),
		Prot:     s.AddField(event.Field{Name: "prot", Location: event.Static, Offset: 56, Size: 4}),
		Flags:    s.AddField(event.Field{Name: "flags", Location: event.Static, Offset: 60, Size: 4}),
		Filename: s.AddField(event.Field{Name: "filename", Location: event.StaticCString, Offset: 64}),
	}
	return s, f
}

// Mmap2Fields holds the field refs Mmap2's schema exposes.
type Mmap2Fields struct {
	PID, TID                  event.FieldRef
	Addr, Len, PgOff          event.FieldRef
	Major, Minor, Ino, InoGen event.FieldRef
	Prot, Flags               event.FieldRef
	Filename                  event.FieldRef
}

// Lost returns the schema shared by PERF_RECORD_LOST and
// PERF_RECORD_LOST_SAMPLES: an 8-byte id (ignored by the live path, which
// has no attr-ID table to resolve it against) followed by an 8-byte lost
// count, per perffile's parseLost.
func Lost(rt perfabi.RecordType, name string) (*event.Schema, LostFields) {
	s := event.NewSchema(uint32(rt), name)
	f := LostFields{
		ID:      s.AddField(event.Field{Name: "id", Location: event.Static, Offset: 0, Size: 8}),
		NumLost: s.AddField(event.Field{Name: "num_lost", Location: event.Static, Offset: 8, Size: 8}),
	}
	return s, f
}

// LostFields holds the field refs Lost's schema exposes.
type LostFields struct {
	ID, NumLost event.FieldRef
}

// builtinSampleSchemaID is the schema ID session.Loop's built-in,
// RAW-absent SAMPLE path dispatches under — distinct from any
// perfabi.RecordType value, since PERF_RECORD_SAMPLE's own numeric id
// (perfabi.RecordTypeSample) is reserved for the session loop's own
// dispatch decision, never handed to a schema.
const builtinSampleSchemaID = 1 << 16

// CPUSample returns the schema for a built-in, RAW-absent on-CPU profile
// sample: the payload is whatever the sample format's attribute spans
// supply, so this schema carries no static fields of its own — callers
// read the Loop's shared Ancillary.Fields instead of this schema's field
// vector, matching spec section 4.5's "ancillary object... used by
// callbacks" for built-in samples.
func CPUSample() *event.Schema {
	return event.NewSchema(builtinSampleSchemaID, "cpu-profile")
}

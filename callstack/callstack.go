// Package callstack is the glue of spec section 4.11: it binds an
// unwind.Unwinder to a machine.Machine and an export.Machine, giving each
// sample a reusable frame buffer that gets reset, populated by the
// unwinder, then interned and appended via the export machine.
package callstack

import (
	"github.com/microsoft/one-collect-sub000/export"
	"github.com/microsoft/one-collect-sub000/machine"
	"github.com/microsoft/one-collect-sub000/unwind"
)

// RawSample is the input the collector hands to a Resolver for one
// profiling event: the register snapshot and the captured user-stack
// bytes needed to unwind it.
type RawSample struct {
	PID, TID      int
	Time          uint64
	Value         int64
	CPU           int
	Kind          uint32
	RIP, RBP, RSP uint64
	Stack         []byte
}

// CodeReader supplies the raw bytes preceding a candidate return address,
// when available, for isCallSite validation of anonymous-region frames.
type CodeReader interface {
	// CodeBefore returns up to 15 bytes ending at (but excluding) ip
	// within proc's address space, or ok=false if unavailable.
	CodeBefore(proc *machine.Process, ip uint64) (code []byte, ok bool)
}

// Resolver owns the reusable frame buffer and glues together the
// unwinder, the live machine model, and the export machine's interning +
// sample append, per spec section 4.11.
type Resolver struct {
	unwinder *unwind.Unwinder
	machine  *machine.Machine
	export   *export.Machine
	code     CodeReader // optional

	frames []uint64
}

func NewResolver(u *unwind.Unwinder, m *machine.Machine, ex *export.Machine) *Resolver {
	return &Resolver{unwinder: u, machine: m, export: ex}
}

// WithCodeReader attaches an optional CodeReader used to extra-validate
// the outermost (last unwound) frame of each resolved stack when that
// frame lies in a JIT/anonymous mapping.
func (r *Resolver) WithCodeReader(c CodeReader) *Resolver {
	r.code = c
	return r
}

// Resolve unwinds s's call stack and appends the resulting sample to the
// export machine, returning the recorded export.Sample.
func (r *Resolver) Resolve(s RawSample) export.Sample {
	proc := r.machine.Lookup(s.PID)
	if proc == nil {
		proc = r.machine.EnsureProcess(s.PID)
	}

	// Unwind itself pushes the sample's own IP as frame 0 once it confirms
	// the IP belongs to a known mapping, so the resulting slice already
	// matches CallstackTable.ToID's "frames[0] is the implicit head IP"
	// convention — nothing to pre-seed here.
	r.frames = r.unwinder.Unwind(proc, s.RIP, s.RBP, s.RSP, s.Stack, r.frames[:0])

	// A JIT/anonymous-region frame was accepted by the unwinder's
	// prolog-scan heuristic alone; when a CodeReader is wired in and the
	// last unwound frame is such a frame, give it one more check by
	// confirming it is actually a
	// return address (i.e. immediately preceded by a CALL instruction)
	// before trusting it. Frames validated by CFI data need no such check.
	if r.code != nil && len(r.frames) > 1 {
		last := r.frames[len(r.frames)-1]
		if mapping := proc.LookupMapping(last); mapping != nil && mapping.Anon {
			if code, ok := r.code.CodeBefore(proc, last); ok && !isCallSite(code) {
				r.frames = r.frames[:len(r.frames)-1]
			}
		}
	}

	return r.export.IngestSample(s.PID, s.Time, s.Value, s.CPU, s.Kind, s.TID, s.RIP, r.frames)
}

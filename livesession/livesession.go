//go:build linux

// Package livesession assembles the per-CPU ring sources, merge, session
// loop, and machine model into the live-collection path spec section 6's
// reference CLI drives: open one leader ring per CPU (spec section 4.3's
// "ring-buffer binding"), merge them in time order (perfmerge), dispatch
// records through a session.Loop, and update a machine.Machine / export
// machine from the built-in COMM/EXIT/FORK/MMAP2/LOST callbacks.
//
// The ring-open path (perfabi.Open, perfring.Open) is Linux-only, the same
// as the kernel ABI it drives, so this file is built only on linux; on any
// other platform livesession_other.go's Open returns a
// KindResourceUnavailable error instead.
package livesession

import (
	"context"
	"encoding/binary"

	"github.com/microsoft/one-collect-sub000/callstack"
	"github.com/microsoft/one-collect-sub000/config"
	"github.com/microsoft/one-collect-sub000/event"
	"github.com/microsoft/one-collect-sub000/export"
	"github.com/microsoft/one-collect-sub000/machine"
	"github.com/microsoft/one-collect-sub000/onecollecterrors"
	"github.com/microsoft/one-collect-sub000/perfabi"
	"github.com/microsoft/one-collect-sub000/perfmerge"
	"github.com/microsoft/one-collect-sub000/perfring"
	"github.com/microsoft/one-collect-sub000/schema"
	"github.com/microsoft/one-collect-sub000/session"
	"github.com/microsoft/one-collect-sub000/unwind"
)

// defaultPageCount is the ring's data page count, passed to perfring.Open
// (which requires a power of two and maps one extra metadata page); 8 data
// pages is a modest default for a reference front end, not a tuned value.
const defaultPageCount = 8

// stackUserCaptureSize is the sample_stack_user dump size requested per
// on-CPU sample: generous enough to cover most native call stacks in one
// capture without the kernel truncating to dyn_size on every sample.
const stackUserCaptureSize = 8192

// Handler receives a decoded machine-model event as the live session
// observes it, used by cmd/onecollect's debug command to print activity.
type Handler struct {
	OnComm      func(pid, tid int, comm string)
	OnExit      func(pid, tid int)
	OnCPUSample func(cpu int, tid int, ip uint64)
	OnLost      func(name string, numLost uint64)
}

// Session is a live, ring-backed collection session: one source per CPU,
// merged and dispatched through a session.Loop into a machine.Machine and
// export.Machine, with an optional Handler for debug-style observation.
type Session struct {
	loop    *session.Loop
	machine *machine.Machine
	export  *export.Machine
}

// Machine returns the live process/mapping model the session updates.
func (s *Session) Machine() *machine.Machine { return s.machine }

// Export returns the export-side replay model the session feeds.
func (s *Session) Export() *export.Machine { return s.export }

// Open builds a Session for cfg: one leader ring per CPU in cpus, sampling
// on-CPU (cfg.OnCPU) and/or tracking context switches for off-CPU analysis
// (cfg.OffCPU), wired through a session.Loop whose fixed and built-in
// schemas update a fresh machine.Machine/export.Machine and, if h is
// non-nil, invoke h's callbacks.
func Open(cfg *config.Session, cpus []int, h *Handler) (*Session, error) {
	if !cfg.OnCPU && !cfg.OffCPU {
		return nil, onecollecterrors.New(onecollecterrors.KindResourceUnavailable, "livesession: at least one of on-cpu/off-cpu is required")
	}

	format := perfabi.SampleFormatIP | perfabi.SampleFormatTID | perfabi.SampleFormatTime | perfabi.SampleFormatCPU |
		perfabi.SampleFormatRegsUser | perfabi.SampleFormatStackUser
	flags := perfabi.EventFlagMmap2 | perfabi.EventFlagComm | perfabi.EventFlagCommExec | perfabi.EventFlagTask | perfabi.EventFlagSampleIDAll
	if cfg.OffCPU {
		flags |= perfabi.EventFlagContextSwitch
	}

	attr := perfabi.Attr{
		Type:                perfabi.EventTypeSoftware,
		Config:              uint64(perfabi.EventSoftwareCPUClock),
		SamplePeriodOrFreq:  99,
		SampleFormat:        format,
		Flags:               flags | perfabi.EventFlagFreq,
		WakeupEvents:        1,
		SampleRegsUser:      perfabi.RegsUserMaskUnwind,
		SampleStackUserSize: stackUserCaptureSize,
	}

	sources := make([]perfmerge.Source, 0, len(cpus))
	for _, cpu := range cpus {
		fd, err := perfabi.Open(attr, -1, cpu, -1)
		if err != nil {
			return nil, err
		}
		ring, err := perfring.Open(fd, defaultPageCount)
		if err != nil {
			return nil, err
		}
		if err := ring.Enable(); err != nil {
			return nil, onecollecterrors.Wrap(onecollecterrors.KindResourceUnavailable, err)
		}
		sources = append(sources, perfmerge.NewSource(cpu, ring, format, flags&perfabi.EventFlagSampleIDAll != 0))
	}

	merge := perfmerge.New(sources)
	loop := session.New(merge, format, perfabi.RegsUserMaskUnwind)
	m := machine.New()
	ex := export.NewMachine()

	unwinder := unwind.NewUnwinder(unwind.NewELFModuleResolver(m))
	resolver := callstack.NewResolver(unwinder, m, ex)

	registerFixedSchemas(loop, m, ex, h)
	registerCPUSample(loop, resolver, ex, h)

	return &Session{loop: loop, machine: m, export: ex}, nil
}

// Run drains the session's merge source until ctx is done or shouldStop
// reports true, returning any collected (non-fatal) errors.
func (s *Session) Run(ctx context.Context, shouldStop func() bool) []error {
	return s.loop.Run(ctx, shouldStop)
}

func registerFixedSchemas(loop *session.Loop, m *machine.Machine, ex *export.Machine, h *Handler) {
	commSchema, commFields := schema.Comm()
	loop.RegisterFixedEvent(perfabi.RecordTypeComm, commSchema)
	loop.Callbacks().Register(commSchema.ID, func(d event.Data) error {
		pid, err := commSchema.GetU32(commFields.PID, d.Payload)
		if err != nil {
			return err
		}
		tid, err := commSchema.GetU32(commFields.TID, d.Payload)
		if err != nil {
			return err
		}
		name, err := commSchema.GetString(commFields.Comm, d.Payload)
		if err != nil {
			return err
		}
		nameID := ex.Strings.ToID(name)
		m.SetComm(int(pid), uint32(nameID))
		ex.ObserveCreate(int(pid), m.Lookup(int(pid)), 0)
		if h != nil && h.OnComm != nil {
			h.OnComm(int(pid), int(tid), name)
		}
		return nil
	})

	exitSchema, exitFields := schema.Exit()
	loop.RegisterFixedEvent(perfabi.RecordTypeExit, exitSchema)
	loop.Callbacks().Register(exitSchema.ID, func(d event.Data) error {
		pid, err := exitSchema.GetU32(exitFields.PID, d.Payload)
		if err != nil {
			return err
		}
		tid, err := exitSchema.GetU32(exitFields.TID, d.Payload)
		if err != nil {
			return err
		}
		t, err := exitSchema.GetU64(exitFields.Time, d.Payload)
		if err != nil {
			return err
		}
		ex.ObserveExit(int(pid), t)
		m.Exit(int(pid))
		if h != nil && h.OnExit != nil {
			h.OnExit(int(pid), int(tid))
		}
		return nil
	})

	forkSchema, forkFields := schema.Fork()
	loop.RegisterFixedEvent(perfabi.RecordTypeFork, forkSchema)
	loop.Callbacks().Register(forkSchema.ID, func(d event.Data) error {
		pid, err := forkSchema.GetU32(forkFields.PID, d.Payload)
		if err != nil {
			return err
		}
		ppid, err := forkSchema.GetU32(forkFields.PPID, d.Payload)
		if err != nil {
			return err
		}
		m.Fork(int(ppid), int(pid))
		return nil
	})

	mmapSchema, mmapFields := schema.Mmap2()
	loop.RegisterFixedEvent(perfabi.RecordTypeMmap2, mmapSchema)
	loop.Callbacks().Register(mmapSchema.ID, func(d event.Data) error {
		pid, err := mmapSchema.GetU32(mmapFields.PID, d.Payload)
		if err != nil {
			return err
		}
		addr, err := mmapSchema.GetU64(mmapFields.Addr, d.Payload)
		if err != nil {
			return err
		}
		length, err := mmapSchema.GetU64(mmapFields.Len, d.Payload)
		if err != nil {
			return err
		}
		pgoff, err := mmapSchema.GetU64(mmapFields.PgOff, d.Payload)
		if err != nil {
			return err
		}
		ino, err := mmapSchema.GetU64(mmapFields.Ino, d.Payload)
		if err != nil {
			return err
		}
		filename, err := mmapSchema.GetString(mmapFields.Filename, d.Payload)
		if err != nil {
			return err
		}
		filenameID := ex.Strings.ToID(filename)
		mm := m.MmapExec(int(pid), machine.MmapExecParams{
			Start:      addr,
			Len:        length,
			FileOffset: pgoff,
			Inode:      ino,
			Filename:   filename,
			FilenameID: uint32(filenameID),
		})
		ex.ObserveMapping(int(pid), mm, 0)
		return nil
	})

	registerLost(loop, perfabi.RecordTypeLost, "lost", h)
	registerLost(loop, perfabi.RecordTypeLostSamples, "lost_samples", h)
}

func registerLost(loop *session.Loop, rt perfabi.RecordType, name string, h *Handler) {
	s, f := schema.Lost(rt, name)
	loop.RegisterFixedEvent(rt, s)
	loop.Callbacks().Register(s.ID, func(d event.Data) error {
		n, err := s.GetU64(f.NumLost, d.Payload)
		if err != nil {
			return err
		}
		if h != nil && h.OnLost != nil {
			h.OnLost(name, n)
		}
		return nil
	})
}

// registerCPUSample wires the built-in on-CPU schema through resolver
// instead of appending samples with no call stack: every sample now also
// carries the register snapshot and captured user stack (perfabi.Open
// requested SampleFormatRegsUser|SampleFormatStackUser above), so
// resolver.Resolve can unwind it before the sample is recorded.
func registerCPUSample(loop *session.Loop, resolver *callstack.Resolver, ex *export.Machine, h *Handler) {
	s := schema.CPUSample()
	loop.SetBuiltinSample(s)
	kind := ex.KindID("cpu-profile")
	loop.Callbacks().Register(s.ID, func(d event.Data) error {
		anc := loop.Ancillary()
		ipSpan := anc.Fields.Span(session.AttrIP)
		tidSpan := anc.Fields.Span(session.AttrTID)
		timeSpan := anc.Fields.Span(session.AttrTime)
		if ipSpan == nil || tidSpan == nil || timeSpan == nil {
			return nil
		}
		// The TID attribute span packs pid and tid as two adjacent i32s,
		// per spec section 4.4 / the teacher's parseCommon trailer decode.
		ip := binary.LittleEndian.Uint64(ipSpan)
		pid := int(int32(binary.LittleEndian.Uint32(tidSpan[0:4])))
		tid := int(int32(binary.LittleEndian.Uint32(tidSpan[4:8])))
		t := binary.LittleEndian.Uint64(timeSpan)

		raw := callstack.RawSample{PID: pid, TID: tid, Time: t, Value: 1, CPU: anc.CPU, Kind: kind, RIP: ip}
		// regs_user's layout is one u64 per set bit of sample_regs_user in
		// ascending bit order (perfabi.RegsUserMaskUnwind: rbp, rsp, rip).
		if regs := anc.Fields.Span(session.AttrRegsUser); len(regs) >= 24 {
			raw.RBP = binary.LittleEndian.Uint64(regs[0:8])
			raw.RSP = binary.LittleEndian.Uint64(regs[8:16])
			raw.RIP = binary.LittleEndian.Uint64(regs[16:24])
		}
		if stack := anc.Fields.Span(session.AttrStackUser); stack != nil {
			raw.Stack = stack[:stackUserDynSize(anc, len(stack))]
		}

		resolver.Resolve(raw)
		if h != nil && h.OnCPUSample != nil {
			h.OnCPUSample(anc.CPU, tid, ip)
		}
		return nil
	})
}

// stackUserDynSize reads the PERF_SAMPLE_STACK_USER trailer's actual
// captured-bytes count, clamped to fallback (the requested buffer's own
// length) if the trailer is absent or out of range.
func stackUserDynSize(anc *session.Ancillary, fallback int) int {
	dyn := anc.Fields.Span(session.AttrStackUserDynSize)
	if dyn == nil {
		return fallback
	}
	n := int(binary.LittleEndian.Uint64(dyn))
	if n < 0 || n > fallback {
		return fallback
	}
	return n
}

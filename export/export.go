// Package export implements the export machine of spec section 4.8: it
// owns the interning tables, a kind-name vector, a process map, module
// metadata lookup, and the wall-clock/monotonic anchors a trace file's
// header requires, and replays collected samples and machine-model
// transitions in time order for the exporter formats (package exportfmt).
package export

import (
	"sort"

	"github.com/microsoft/one-collect-sub000/intern"
	"github.com/microsoft/one-collect-sub000/machine"
)

// Sample is one recorded event, as spec section 4.8 defines it.
type Sample struct {
	Time        uint64
	Value       int64
	CPU         int
	Kind        uint32 // index into Machine.KindNames
	TID         int
	IP          uint64
	CallstackID intern.CallstackID
}

// MappingEvent records when a mapping was added to a process, for replay.
type MappingEvent struct {
	Time    uint64
	Mapping *machine.Mapping
}

// processHistory is everything the export machine retains about one pid
// across its lifetime, independent of the live machine.Process entry
// (which machine.Machine.Exit removes on process exit).
type processHistory struct {
	proc      *machine.Process
	pid       int
	created   uint64
	hasCreate bool
	exited    uint64
	hasExit   bool
	samples   []Sample
	mappings  []MappingEvent
}

// Machine is the export-side counterpart to machine.Machine: it never
// forgets a process once it has been observed, so replay can still emit
// exit/mapping history for pids the live model has already dropped.
type Machine struct {
	Strings    *intern.StringTable
	Blobs      *intern.BlobTable
	Callstacks *intern.CallstackTable

	KindNames []string
	kindIndex map[string]uint32

	histories map[int]*processHistory

	startWall uint64 // wall-clock anchor, ns since epoch
	startMono uint64 // monotonic anchor, ns
	endMono   uint64
	marked    bool
	ended     bool
}

// NewMachine returns an empty export Machine.
func NewMachine() *Machine {
	return &Machine{
		Strings:    intern.NewStringTable(),
		Blobs:      intern.NewBlobTable(),
		Callstacks: intern.NewCallstackTable(),
		kindIndex:  make(map[string]uint32),
		histories:  make(map[int]*processHistory),
	}
}

// MarkStart records the wall-clock/monotonic anchor at collection start.
func (m *Machine) MarkStart(wallNs, monoNs uint64) {
	m.startWall, m.startMono = wallNs, monoNs
	m.marked = true
}

// MarkEnd records the monotonic time at collection end.
func (m *Machine) MarkEnd(monoNs uint64) {
	m.endMono = monoNs
	m.ended = true
}

// Anchors returns the anchors recorded by MarkStart/MarkEnd, and whether
// both have been set (an exporter must refuse to run without them, per
// spec section 4.9).
func (m *Machine) Anchors() (startWall, startMono, endMono uint64, ok bool) {
	return m.startWall, m.startMono, m.endMono, m.marked && m.ended
}

// KindID interns kind by name, assigning it the next index if unseen.
func (m *Machine) KindID(kind string) uint32 {
	if id, ok := m.kindIndex[kind]; ok {
		return id
	}
	id := uint32(len(m.KindNames))
	m.KindNames = append(m.KindNames, kind)
	m.kindIndex[kind] = id
	return id
}

func (m *Machine) history(pid int) *processHistory {
	h, ok := m.histories[pid]
	if !ok {
		h = &processHistory{pid: pid}
		m.histories[pid] = h
	}
	return h
}

// ObserveCreate records that pid was created/first seen at time t.
func (m *Machine) ObserveCreate(pid int, proc *machine.Process, t uint64) {
	h := m.history(pid)
	h.proc = proc
	if !h.hasCreate {
		h.created = t
		h.hasCreate = true
	}
}

// ObserveExit records that pid exited at time t; its history is retained
// for replay (spec section 4.6's "export replay retains the process
// entity for emission").
func (m *Machine) ObserveExit(pid int, t uint64) {
	h := m.history(pid)
	h.exited = t
	h.hasExit = true
}

// ObserveMapping records a new mapping for pid at time t.
func (m *Machine) ObserveMapping(pid int, mm *machine.Mapping, t uint64) {
	h := m.history(pid)
	h.mappings = append(h.mappings, MappingEvent{Time: t, Mapping: mm})
}

// IngestSample interns frames to produce a callstack id, and appends the
// resulting Sample to pid's history, per spec section 4.8's sample ingest.
func (m *Machine) IngestSample(pid int, time uint64, value int64, cpu int, kind uint32, tid int, ip uint64, frames []uint64) Sample {
	var cs intern.CallstackID
	if len(frames) > 0 {
		cs = m.Callstacks.ToID(frames)
	}
	s := Sample{Time: time, Value: value, CPU: cpu, Kind: kind, TID: tid, IP: ip, CallstackID: cs}
	h := m.history(pid)
	h.samples = append(h.samples, s)
	return s
}

// SplitProcessesByComm implements spec section 4.8's split_processes_by_comm:
// groups known pids by comm-id, with key 0 as the bucket for pids that
// never had a comm recorded.
func (m *Machine) SplitProcessesByComm() map[uint32][]int {
	out := make(map[uint32][]int)
	for pid, h := range m.histories {
		if h.proc != nil && h.proc.HasComm {
			out[h.proc.CommID] = append(out[h.proc.CommID], pid)
		} else {
			out[0] = append(out[0], pid) // 0 = "unknown" bucket; interned comm ids are never 0
		}
	}
	for _, pids := range out {
		sort.Ints(pids)
	}
	return out
}

// Package machine implements the live process/mapping model described in
// spec section 4.6 and the data model in spec section 3: a machine tracks
// processes keyed by pid, mappings inherited on fork and dropped on exit,
// and dev-inode keyed module metadata shared across processes.
//
// The fork/mmap/exit state machine is grounded directly on the teacher's
// perfsession.Session/PIDInfo (perfsession/session.go): PIDInfo.fork's
// "clone mappings by value, then diverge independently" behavior is
// exactly spec section 3's fork invariant, and the implicit kernel PID -1
// sentinel (used here as Machine's kernel process) mirrors
// perfsession.Session's kernel *PIDInfo fallback for mapping lookups.
package machine

// KernelPID is the implicit pid used for kernel-attributed samples and
// mappings, mirroring the teacher's "The kernel is implicitly PID -1".
const KernelPID = -1

// Mapping is one mmap'd region within a process's address space.
type Mapping struct {
	Start, End   uint64
	FileOffset   uint64
	Anon         bool
	Dev, Inode   uint64
	FilenameID   uint32 // interned filename string ID as passed to MmapExec; 0 if none was passed
	CreationTime uint64
	Symbols      []Symbol // populated by the symbol-resolution post-pass
}

// Len returns the mapping's length in bytes.
func (m *Mapping) Len() uint64 { return m.End - m.Start }

// Contains reports whether addr falls within [Start, End).
func (m *Mapping) Contains(addr uint64) bool {
	return m.Start <= addr && addr < m.End
}

// DevInode is the key used to coalesce identical file-backed modules
// across processes (spec section 3, "Dev-inode keys are used to coalesce
// identical file-backed modules").
type DevInode struct {
	Dev, Inode uint64
}

// Symbol is one resolved name/address-range pair attached to a mapping by
// the symbol-resolution post-pass (package symbol).
type Symbol struct {
	Start, End uint64
	NameID     uint32
}

// Process models one live (or recently exited, during export replay)
// process: its identity, namespace pid, exec name, and ordered mappings.
type Process struct {
	PID      int
	NSPID    int // 0 if not namespaced
	CommID   uint32
	HasComm  bool
	Mappings []*Mapping

	// Samples and exit/create bookkeeping used by the export replay
	// (package export) are intentionally NOT stored here: Process is
	// the live machine-model entity; export.Machine keeps its own
	// per-process sample/mapping history so that Machine.Exit (below)
	// can drop the live entry without losing replay data.
}

// mmapExecAnon reports whether a filename indicates an anonymous mapping,
// per spec section 4.6: empty, or starting with "[", "/memfd:", "//anon".
func mmapExecAnon(filename string) bool {
	if filename == "" {
		return true
	}
	if filename[0] == '[' {
		return true
	}
	for _, prefix := range []string{"/memfd:", "//anon"} {
		if len(filename) >= len(prefix) && filename[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Machine tracks the live set of processes and a table of dev-inode keyed
// module metadata shared across them.
type Machine struct {
	processes map[int]*Process
	kernel    *Process
	modules   map[DevInode]*ModuleInfo
}

// ModuleInfo is the shared, dev-inode keyed metadata for a file-backed
// module (spec section 4.6's last sentence: "enabling a single shared
// metadata entry").
type ModuleInfo struct {
	Key      DevInode
	Filename string
}

// New returns an empty Machine with an implicit kernel process at
// KernelPID.
func New() *Machine {
	kernel := &Process{PID: KernelPID}
	return &Machine{
		processes: map[int]*Process{KernelPID: kernel},
		kernel:    kernel,
		modules:   make(map[DevInode]*ModuleInfo),
	}
}

// EnsureProcess returns the process for pid, creating it (per spec section
// 4.6, "A process is created on the first comm-exec or on explicit
// injection") if it does not already exist.
func (m *Machine) EnsureProcess(pid int) *Process {
	if p, ok := m.processes[pid]; ok {
		return p
	}
	p := &Process{PID: pid}
	m.processes[pid] = p
	return p
}

// Lookup returns the live process for pid, or nil if it is not (or no
// longer) live.
func (m *Machine) Lookup(pid int) *Process {
	return m.processes[pid]
}

// Kernel returns the implicit kernel process.
func (m *Machine) Kernel() *Process {
	return m.kernel
}

// Fork implements spec section 4.6's fork operation and property P8: the
// child receives a value-copy of the parent's mapping list and comm id;
// afterward parent and child mutate independently.
func (m *Machine) Fork(parentPID, childPID int) *Process {
	parent := m.EnsureProcess(parentPID)
	child := &Process{
		PID:     childPID,
		CommID:  parent.CommID,
		HasComm: parent.HasComm,
	}
	child.Mappings = make([]*Mapping, len(parent.Mappings))
	for i, pm := range parent.Mappings {
		cp := *pm
		cp.Symbols = append([]Symbol(nil), pm.Symbols...)
		child.Mappings[i] = &cp
	}
	m.processes[childPID] = child
	return child
}

// SetComm records pid's exec name, creating the process if needed.
func (m *Machine) SetComm(pid int, commID uint32) {
	m.EnsureProcess(pid).setComm(commID)
}

func (p *Process) setComm(commID uint32) {
	p.CommID = commID
	p.HasComm = true
}

// MmapExecParams bundles the fields spec section 4.6's mmap_exec operation
// takes.
type MmapExecParams struct {
	Start, Len, FileOffset uint64
	Dev, Inode             uint64
	Filename               string
	FilenameID             uint32
	Time                   uint64
}

// MmapExec appends a mapping to pid's process, per spec section 4.6. The
// anon flag is derived from Filename via mmapExecAnon. If Filename names a
// known dev-inode module, it is registered (or reused) in the Machine's
// shared module table.
func (m *Machine) MmapExec(pid int, p MmapExecParams) *Mapping {
	proc := m.EnsureProcess(pid)
	anon := mmapExecAnon(p.Filename)

	mapping := &Mapping{
		Start:        p.Start,
		End:          p.Start + p.Len,
		FileOffset:   p.FileOffset,
		Anon:         anon,
		Dev:          p.Dev,
		Inode:        p.Inode,
		FilenameID:   p.FilenameID,
		CreationTime: p.Time,
	}
	proc.Mappings = append(proc.Mappings, mapping)

	if !anon {
		key := DevInode{p.Dev, p.Inode}
		if _, ok := m.modules[key]; !ok {
			m.modules[key] = &ModuleInfo{Key: key, Filename: p.Filename}
		}
	}
	return mapping
}

// Module looks up shared module metadata by dev-inode key.
func (m *Machine) Module(key DevInode) *ModuleInfo {
	return m.modules[key]
}

// Exit removes pid from the live process map, per spec section 4.6:
// "export replay retains the process entity for emission" — callers that
// need to keep replaying a process's history must retain their own
// reference (export.Machine does) before calling Exit.
func (m *Machine) Exit(pid int) {
	delete(m.processes, pid)
}

// LookupMapping finds the mapping containing addr within p's own mappings
// only (no kernel fallback) — used by the unwinder, which only ever walks
// user-mode addresses against the process it belongs to.
func (p *Process) LookupMapping(addr uint64) *Mapping {
	return findMapping(p.Mappings, addr)
}

// LookupMapping finds the mapping containing addr in pid's process,
// falling back to the kernel process's mappings if pid has none covering
// addr — mirroring the teacher's PIDInfo.LookupMmap kernel fallback.
func (m *Machine) LookupMapping(pid int, addr uint64) *Mapping {
	if p := m.processes[pid]; p != nil {
		if mm := findMapping(p.Mappings, addr); mm != nil {
			return mm
		}
	}
	return findMapping(m.kernel.Mappings, addr)
}

// findMapping performs the sorted-by-start, newest-wins lookup described in
// spec section 4.6: mappings are sorted by start once per call and searched
// via ordered partition, with ties (same start) broken in favor of the
// latest insertion — a shadowing exec mapping supersedes whatever used to
// occupy the same start address.
func findMapping(mappings []*Mapping, addr uint64) *Mapping {
	sorted := sortedByStart(mappings)

	// Binary search (ordered partition) for the last mapping whose
	// Start <= addr.
	lo, hi := 0, len(sorted)
	for lo < hi {
		mid := (lo + hi) / 2
		if sorted[mid].Start <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	for i := lo - 1; i >= 0; {
		start := sorted[i].Start
		// sortedByStart is stable, so among equal starts the latest
		// insertion is the one at the highest index — i.e. sorted[i]
		// itself here — and it supersedes every older mapping at the
		// same start regardless of whether it itself contains addr.
		if sorted[i].Contains(addr) {
			return sorted[i]
		}
		j := i
		for j >= 0 && sorted[j].Start == start {
			j--
		}
		i = j
	}
	return nil
}

// sortedByStart returns mappings sorted by Start ascending; ties preserve
// later-inserted mappings later in the slice so "ties broken in favour of
// the latest insertion" falls out of a stable sort.
func sortedByStart(mappings []*Mapping) []*Mapping {
	out := append([]*Mapping(nil), mappings...)
	// Insertion sort: mapping counts per process are small, and this
	// keeps the sort stable without importing sort for a one-line need.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Start < out[j-1].Start; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

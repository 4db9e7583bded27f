package unwind

import (
	"debug/elf"
	"sync"

	"github.com/microsoft/one-collect-sub000/machine"
)

// ELFModuleResolver implements ModuleResolver against a live
// machine.Machine's module table: a module's .eh_frame_hdr/.eh_frame
// sections are read straight from its backing file the first time its
// dev-inode is unwound, and cached (including failures) for every
// subsequent call, mirroring Unwinder.tables' own per-module-once cache.
type ELFModuleResolver struct {
	machine *machine.Machine

	mu    sync.Mutex
	cache map[machine.DevInode]elfModuleEntry
}

type elfModuleEntry struct {
	sections ModuleSections
	ok       bool
}

// NewELFModuleResolver returns a ModuleResolver that resolves a module's
// unwind-info sections from the file machine.Machine.Module(key) names for
// key.
func NewELFModuleResolver(m *machine.Machine) *ELFModuleResolver {
	return &ELFModuleResolver{machine: m, cache: make(map[machine.DevInode]elfModuleEntry)}
}

func (r *ELFModuleResolver) EHFrames(key machine.DevInode) (ModuleSections, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.cache[key]; ok {
		return e.sections, e.ok
	}

	e := r.load(key)
	r.cache[key] = e
	return e.sections, e.ok
}

func (r *ELFModuleResolver) load(key machine.DevInode) elfModuleEntry {
	info := r.machine.Module(key)
	if info == nil || info.Filename == "" {
		return elfModuleEntry{}
	}

	f, err := elf.Open(info.Filename)
	if err != nil {
		return elfModuleEntry{}
	}
	defer f.Close()

	hdrSection := f.Section(".eh_frame_hdr")
	frameSection := f.Section(".eh_frame")
	if hdrSection == nil || frameSection == nil {
		return elfModuleEntry{}
	}

	hdrBytes, err := hdrSection.Data()
	if err != nil {
		return elfModuleEntry{}
	}
	frameBytes, err := frameSection.Data()
	if err != nil {
		return elfModuleEntry{}
	}

	return elfModuleEntry{
		sections: ModuleSections{
			EHFrameHdr:       hdrBytes,
			EHFrameHdrOffset: hdrSection.Offset,
			EHFrame:          frameBytes,
			EHFrameOffset:    frameSection.Offset,
		},
		ok: true,
	}
}

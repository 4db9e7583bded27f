package symbol

import (
	"debug/dwarf"
	"debug/elf"

	"github.com/ianlancetaylor/demangle"
)

// ELFReader is a Reader over an ELF file's DWARF TagSubprogram entries,
// adapted from the teacher's perfsession/symbolize.go:dwarfFuncTable — walk
// DWARF for TagSubprogram, pull (name, lowpc, highpc), sort by lowpc. Unlike
// the teacher, this reader demangles every name through
// github.com/ianlancetaylor/demangle before handing it back, since the
// teacher never exercised that dependency despite it being in its module
// graph.
type ELFReader struct {
	path    string
	entries []funcRange
	idx     int
}

type funcRange struct {
	name   string
	lo, hi uint64
}

func NewELFReader(path string) *ELFReader {
	return &ELFReader{path: path}
}

func (e *ELFReader) Reset() error {
	f, err := elf.Open(e.path)
	if err != nil {
		return err
	}
	defer f.Close()

	if f.Section(".debug_info") == nil {
		e.entries = nil
		e.idx = -1
		return nil
	}

	dwarff, err := f.DWARF()
	if err != nil {
		return err
	}

	e.entries = funcTable(dwarff)
	e.idx = -1
	return nil
}

func funcTable(dwarff *dwarf.Data) []funcRange {
	r := dwarff.Reader()
	var out []funcRange
	for {
		ent, err := r.Next()
		if ent == nil || err != nil {
			break
		}
		switch ent.Tag {
		case dwarf.TagSubprogram:
			r.SkipChildren()
			name, ok := ent.Val(dwarf.AttrName).(string)
			if !ok {
				continue
			}
			lowpc, ok := ent.Val(dwarf.AttrLowpc).(uint64)
			if !ok {
				continue
			}
			var highpc uint64
			switch hv := ent.Val(dwarf.AttrHighpc).(type) {
			case uint64:
				highpc = hv
			case int64:
				highpc = lowpc + uint64(hv)
			default:
				continue
			}
			out = append(out, funcRange{name: demangleName(name), lo: lowpc, hi: highpc})

		case dwarf.TagCompileUnit, dwarf.TagModule, dwarf.TagNamespace:
			continue

		default:
			r.SkipChildren()
		}
	}

	sortFuncRanges(out)
	return out
}

// demangleName demangles an Itanium C++ mangled name (the common case for
// DWARF-emitting C++ toolchains); names demangle doesn't recognize pass
// through unchanged.
func demangleName(name string) string {
	if result, err := demangle.ToString(name); err == nil {
		return result
	}
	return name
}

func sortFuncRanges(e []funcRange) {
	for i := 1; i < len(e); i++ {
		for j := i; j > 0 && e[j].lo < e[j-1].lo; j-- {
			e[j], e[j-1] = e[j-1], e[j]
		}
	}
}

func (e *ELFReader) Next() bool {
	e.idx++
	return e.idx < len(e.entries)
}

func (e *ELFReader) Start() uint64 { return e.entries[e.idx].lo }
func (e *ELFReader) End() uint64   { return e.entries[e.idx].hi }
func (e *ELFReader) Name() string  { return e.entries[e.idx].name }

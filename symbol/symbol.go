// Package symbol implements the pull-style symbol iterators described in
// spec section 4.10: kernel (/proc/kallsyms), ELF (debug/dwarf + debug/elf,
// demangled via ianlancetaylor/demangle), and perf-map (JIT) readers, each
// merged into a mapping's symbol table by the caller.
//
// The ELF+DWARF function-table construction is adapted directly from the
// teacher's perfsession/symbolize.go (dwarfFuncTable): walk DWARF
// TagSubprogram entries, record (name, lowpc, highpc), sort by lowpc. This
// package demangles names through ianlancetaylor/demangle (a teacher
// dependency that perfsession/symbolize.go itself never exercised) so C++
// and Rust mangled names resolve to readable function names.
package symbol

// Reader is the pull-style iterator contract spec section 4.10 names:
// reset, next, and accessors for the current entry.
type Reader interface {
	Reset() error
	Next() bool
	Start() uint64
	End() uint64
	Name() string
}

// MergeInto merges every entry in r into dst's symbol list that overlaps at
// least one address in sampleIPs (spec section 4.10: "correlating against
// the unique set of sample IPs that fall inside the mapping"), then sorts
// dst by start.
//
// dst is a pointer to the caller's symbol slice (e.g. &mapping.Symbols);
// MergeInto appends to it directly.
func MergeInto(r Reader, dst *[]Entry, sampleIPs []uint64, nameID func(string) uint32) error {
	if err := r.Reset(); err != nil {
		return err
	}

	for r.Next() {
		start, end := r.Start(), r.End()
		if !anyIPInRange(sampleIPs, start, end) {
			continue
		}
		*dst = append(*dst, Entry{Start: start, End: end, NameID: nameID(r.Name())})
	}

	sortEntries(*dst)
	return nil
}

// Entry is one resolved symbol, ready to attach to a mapping.
type Entry struct {
	Start, End uint64
	NameID     uint32
}

func anyIPInRange(ips []uint64, start, end uint64) bool {
	for _, ip := range ips {
		if ip >= start && ip < end {
			return true
		}
	}
	return false
}

func sortEntries(e []Entry) {
	for i := 1; i < len(e); i++ {
		for j := i; j > 0 && e[j].Start < e[j-1].Start; j-- {
			e[j], e[j-1] = e[j-1], e[j]
		}
	}
}

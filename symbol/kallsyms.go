package symbol

import (
	"bufio"
	"io"
	"os"
	"strconv"
)

// KallsymsReader is a Reader over /proc/kallsyms (or an arbitrary kallsyms
// formatted stream), producing one entry per exported kernel symbol with
// code type 'T' or 't' (text). End is synthesized as the next symbol's
// start, matching how kernel symbol tables carry no explicit length.
type KallsymsReader struct {
	path string
	f    *os.File
	sc   *bufio.Scanner

	pending []kallsymEntry
	idx     int
}

type kallsymEntry struct {
	addr uint64
	name string
}

// NewKallsymsReader opens path (typically "/proc/kallsyms") lazily; no I/O
// happens until Reset is called.
func NewKallsymsReader(path string) *KallsymsReader {
	return &KallsymsReader{path: path}
}

func (k *KallsymsReader) Reset() error {
	if k.f != nil {
		k.f.Close()
	}
	f, err := os.Open(k.path)
	if err != nil {
		return err
	}
	k.f = f

	var entries []kallsymEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := splitFields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		typ := fields[1]
		if typ != "T" && typ != "t" {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		entries = append(entries, kallsymEntry{addr: addr, name: fields[2]})
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return err
	}

	sortKallsyms(entries)
	k.pending = entries
	k.idx = -1
	return nil
}

func (k *KallsymsReader) Next() bool {
	k.idx++
	return k.idx < len(k.pending)
}

func (k *KallsymsReader) Start() uint64 {
	return k.pending[k.idx].addr
}

// End returns the address of the next symbol in the sorted table, or
// Start()+1 for the last entry (an unbounded tail symbol still occupies at
// least one byte).
func (k *KallsymsReader) End() uint64 {
	if k.idx+1 < len(k.pending) {
		return k.pending[k.idx+1].addr
	}
	return k.pending[k.idx].addr + 1
}

func (k *KallsymsReader) Name() string {
	return k.pending[k.idx].name
}

func splitFields(line string) []string {
	var fields []string
	start := -1
	for i, c := range line {
		if c == ' ' || c == '\t' {
			if start >= 0 {
				fields = append(fields, line[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, line[start:])
	}
	return fields
}

func sortKallsyms(e []kallsymEntry) {
	for i := 1; i < len(e); i++ {
		for j := i; j > 0 && e[j].addr < e[j-1].addr; j-- {
			e[j], e[j-1] = e[j-1], e[j]
		}
	}
}

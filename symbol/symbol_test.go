package symbol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestKallsymsReaderFiltersToText(t *testing.T) {
	path := writeTemp(t, "kallsyms", ""+
		"ffffffff81000000 T startup_64\n"+
		"ffffffff81001000 t local_helper\n"+
		"ffffffff82000000 D some_data\n"+
		"ffffffff81002000 T second_func\n")

	r := NewKallsymsReader(path)
	require.NoError(t, r.Reset())

	var names []string
	for r.Next() {
		names = append(names, r.Name())
		require.Less(t, r.Start(), r.End())
	}
	require.Equal(t, []string{"startup_64", "local_helper", "second_func"}, names)
}

func TestKallsymsReaderEndIsNextStart(t *testing.T) {
	path := writeTemp(t, "kallsyms", ""+
		"0000000000001000 T a\n"+
		"0000000000002000 T b\n")
	r := NewKallsymsReader(path)
	require.NoError(t, r.Reset())

	require.True(t, r.Next())
	require.Equal(t, uint64(0x1000), r.Start())
	require.Equal(t, uint64(0x2000), r.End())

	require.True(t, r.Next())
	require.Equal(t, uint64(0x2000), r.Start())
	require.Equal(t, uint64(0x2001), r.End())

	require.False(t, r.Next())
}

func TestPerfMapReader(t *testing.T) {
	path := writeTemp(t, "ignored.map", ""+
		"1000 100 Method::Name(int)\n"+
		"2000 50 Other::Thing()\n")
	r := &PerfMapReader{path: path}
	require.NoError(t, r.Reset())

	require.True(t, r.Next())
	require.Equal(t, uint64(0x1000), r.Start())
	require.Equal(t, uint64(0x1100), r.End())
	require.Equal(t, "Method::Name(int)", r.Name())

	require.True(t, r.Next())
	require.Equal(t, "Other::Thing()", r.Name())
	require.False(t, r.Next())
}

func TestMergeIntoFiltersByIPOverlap(t *testing.T) {
	path := writeTemp(t, "kallsyms", ""+
		"0000000000001000 T in_range\n"+
		"0000000000005000 T out_of_range\n")
	r := NewKallsymsReader(path)

	var dst []Entry
	names := map[uint32]string{}
	nextID := uint32(1)
	nameID := func(s string) uint32 {
		id := nextID
		nextID++
		names[id] = s
		return id
	}

	err := MergeInto(r, &dst, []uint64{0x1500}, nameID)
	require.NoError(t, err)
	require.Len(t, dst, 1)
	require.Equal(t, "in_range", names[dst[0].NameID])
}

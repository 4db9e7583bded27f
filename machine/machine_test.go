package machine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPropertyP8 mirrors spec section 8 property P8: fork inheritance.
func TestPropertyP8(t *testing.T) {
	m := New()
	m.MmapExec(1, MmapExecParams{Start: 0x1000, Len: 0x1000, Filename: "/bin/prog"})
	m.SetComm(1, 42)

	m.Fork(1, 2)

	parent := m.Lookup(1)
	child := m.Lookup(2)

	require.Equal(t, len(parent.Mappings), len(child.Mappings))
	for i := range parent.Mappings {
		require.Equal(t, *parent.Mappings[i], *child.Mappings[i])
	}
	require.Equal(t, parent.CommID, child.CommID)

	// After further mmap_exec on the child, the parent is unchanged.
	m.MmapExec(2, MmapExecParams{Start: 0x5000, Len: 0x1000, Filename: "/lib/libc.so"})
	require.Len(t, parent.Mappings, 1)
	require.Len(t, child.Mappings, 2)
}

func TestMmapExecAnonDetection(t *testing.T) {
	m := New()
	anonCases := []string{"", "[heap]", "[stack]", "/memfd:foo", "//anon"}
	for _, fn := range anonCases {
		mm := m.MmapExec(10, MmapExecParams{Start: 0x1000, Len: 0x1000, Filename: fn})
		require.Truef(t, mm.Anon, "expected %q to be anon", fn)
	}

	mm := m.MmapExec(10, MmapExecParams{Start: 0x9000, Len: 0x1000, Filename: "/usr/bin/real"})
	require.False(t, mm.Anon)
}

func TestExitRetainsNothingLive(t *testing.T) {
	m := New()
	m.EnsureProcess(5)
	require.NotNil(t, m.Lookup(5))
	m.Exit(5)
	require.Nil(t, m.Lookup(5))
}

func TestLookupMappingFallsBackToKernel(t *testing.T) {
	m := New()
	m.MmapExec(KernelPID, MmapExecParams{Start: 0xffff0000, Len: 0x1000, Filename: "[kernel.kallsyms]"})

	mm := m.LookupMapping(123, 0xffff0010)
	require.NotNil(t, mm)
	require.True(t, mm.Contains(0xffff0010))
}

func TestShadowMappingSupersedesAtSameStart(t *testing.T) {
	m := New()
	m.MmapExec(1, MmapExecParams{Start: 0x1000, Len: 0x2000, Filename: "/bin/old"})
	newer := m.MmapExec(1, MmapExecParams{Start: 0x1000, Len: 0x500, Filename: "/bin/new"})

	got := m.LookupMapping(1, 0x1400)
	require.Same(t, newer, got)

	// An address only the old (shadowed) mapping covered is no longer
	// found, since the new mapping at the same start supersedes it.
	require.Nil(t, m.LookupMapping(1, 0x2500))
}

func TestDevInodeModuleSharing(t *testing.T) {
	m := New()
	m.MmapExec(1, MmapExecParams{Start: 0x1000, Len: 0x1000, Dev: 8, Inode: 99, Filename: "/lib/libc.so"})
	m.MmapExec(2, MmapExecParams{Start: 0x7000, Len: 0x1000, Dev: 8, Inode: 99, Filename: "/lib/libc.so"})

	mod := m.Module(DevInode{8, 99})
	require.NotNil(t, mod)
	require.Equal(t, "/lib/libc.so", mod.Filename)
}

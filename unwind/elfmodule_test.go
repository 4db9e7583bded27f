package unwind

import (
	"testing"

	"github.com/microsoft/one-collect-sub000/machine"
	"github.com/stretchr/testify/require"
)

func TestELFModuleResolverUnknownModuleReportsNotOK(t *testing.T) {
	m := machine.New()
	r := NewELFModuleResolver(m)

	_, ok := r.EHFrames(machine.DevInode{Dev: 1, Inode: 2})
	require.False(t, ok)
}

func TestELFModuleResolverCachesMissingFile(t *testing.T) {
	m := machine.New()
	m.MmapExec(1, machine.MmapExecParams{
		Start: 0x400000, Len: 0x1000,
		Dev: 7, Inode: 9,
		Filename: "/nonexistent/path/to/module",
	})

	r := NewELFModuleResolver(m)
	key := machine.DevInode{Dev: 7, Inode: 9}

	_, ok := r.EHFrames(key)
	require.False(t, ok)

	// Second call must hit the cached (failed) entry rather than retrying
	// the filesystem; same key keeps returning the same negative result.
	_, ok = r.EHFrames(key)
	require.False(t, ok)
}

func TestELFModuleResolverAnonModuleHasNoFilename(t *testing.T) {
	m := machine.New()
	m.MmapExec(1, machine.MmapExecParams{Start: 0x8000000, Len: 0x1000})

	r := NewELFModuleResolver(m)
	_, ok := r.EHFrames(machine.DevInode{})
	require.False(t, ok)
}

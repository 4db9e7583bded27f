package callstack

import (
	"encoding/binary"
	"testing"

	"github.com/microsoft/one-collect-sub000/export"
	"github.com/microsoft/one-collect-sub000/machine"
	"github.com/microsoft/one-collect-sub000/unwind"
	"github.com/stretchr/testify/require"
)

// nopResolver never has eh_frame data, so a file-backed mapping's unwind
// step always aborts; the tests here map only anonymous regions, which take
// the prolog-scan path — enough for exercising Resolver.Resolve without a
// real ELF-backed module.
type nopResolver struct{}

func (nopResolver) EHFrames(machine.DevInode) (unwind.ModuleSections, bool) {
	return unwind.ModuleSections{}, false
}

func TestResolverResolveSingleFrame(t *testing.T) {
	m := machine.New()
	m.MmapExec(1, machine.MmapExecParams{Start: 0x1000, Len: 0x1000})

	u := unwind.NewUnwinder(nopResolver{})
	ex := export.NewMachine()
	r := NewResolver(u, m, ex)

	sample := r.Resolve(RawSample{
		PID: 1, TID: 1,
		Time: 100, Value: 1, CPU: 0, Kind: 0,
		RIP: 0x1010, RBP: 0, RSP: 0x7000,
		Stack: make([]byte, 64),
	})

	require.Equal(t, uint64(0x1010), sample.IP)
	require.NotZero(t, sample.CallstackID.TailSpan)
}

func TestResolverResolveUnmappedIPYieldsEmptyCallstack(t *testing.T) {
	m := machine.New()
	u := unwind.NewUnwinder(nopResolver{})
	ex := export.NewMachine()
	r := NewResolver(u, m, ex)

	sample := r.Resolve(RawSample{
		PID: 1, TID: 1,
		Time: 100, Value: 1, CPU: 0, Kind: 0,
		RIP: 0xdead, RBP: 0, RSP: 0x7000,
		Stack: make([]byte, 64),
	})

	require.Zero(t, sample.CallstackID.TailSpan)
}

// rejectAll always reports the supplied code as not ending on a CALL, so
// any CodeReader-gated outermost anonymous frame should be dropped.
type rejectAllCodeReader struct{ called bool }

func (r *rejectAllCodeReader) CodeBefore(*machine.Process, uint64) ([]byte, bool) {
	r.called = true
	return []byte{0x90, 0x90, 0x90}, true // NOP NOP NOP — never a CALL
}

func TestResolverDropsUnvalidatedAnonFrame(t *testing.T) {
	m := machine.New()
	m.MmapExec(1, machine.MmapExecParams{Start: 0x1000, Len: 0x1000}) // anon: no filename

	stack := make([]byte, 64)
	rsp := uint64(0x7000)
	// Plant a (candidate-rsp, candidate-ip) pair at slot 0 so prolog-scan
	// finds a second, anon-mapped frame.
	binary.LittleEndian.PutUint64(stack[0:], rsp+8)
	binary.LittleEndian.PutUint64(stack[8:], 0x1020)

	u := unwind.NewUnwinder(nopResolver{})
	ex := export.NewMachine()
	code := &rejectAllCodeReader{}
	r := NewResolver(u, m, ex).WithCodeReader(code)

	sample := r.Resolve(RawSample{
		PID: 1, TID: 1,
		Time: 100, Value: 1, CPU: 0, Kind: 0,
		RIP: 0x1010, RBP: 0, RSP: rsp,
		Stack: stack,
	})

	require.True(t, code.called)
	require.Equal(t, 1, len(r.frames))
	require.NotZero(t, sample.CallstackID.TailSpan)
}

func TestIsCallSiteAcceptsE8RelativeCall(t *testing.T) {
	// E8 rel32: a 5-byte CALL instruction.
	code := []byte{0xE8, 0x01, 0x02, 0x03, 0x04}
	require.True(t, isCallSite(code))
}

func TestIsCallSiteRejectsNonCallBytes(t *testing.T) {
	code := []byte{0x90, 0x90, 0x90, 0x90, 0x90}
	require.False(t, isCallSite(code))
}

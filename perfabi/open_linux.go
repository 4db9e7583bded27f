//go:build linux

package perfabi

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/microsoft/one-collect-sub000/onecollecterrors"
)

// Open issues perf_event_open(2) for attr, scoped to pid (-1 for "any
// process on cpu") on the given cpu, with an optional group leader fd (-1
// for none), returning the resulting event file descriptor. The field
// mapping here (Sample/Sample_type/Bits/Wakeup/Bp_type) is
// golang.org/x/sys/unix's own PerfEventAttr naming for the kernel's
// anonymous-union perf_event_attr fields, the same struct other_examples'
// ebpf perf-ring reader opens a leader event with.
func Open(attr Attr, pid, cpu, groupFD int) (int, error) {
	var ua unix.PerfEventAttr
	ua.Type = uint32(attr.Type)
	ua.Size = uint32(unsafe.Sizeof(ua))
	ua.Config = attr.Config
	ua.Sample = attr.SamplePeriodOrFreq
	ua.Sample_type = uint64(attr.SampleFormat)
	ua.Read_format = attr.ReadFormat
	ua.Bits = uint64(attr.Flags)
	ua.Wakeup = attr.WakeupEvents
	ua.Bp_type = attr.BPType
	ua.Sample_regs_user = attr.SampleRegsUser
	ua.Sample_stack_user = attr.SampleStackUserSize

	fd, err := unix.PerfEventOpen(&ua, pid, cpu, groupFD, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, onecollecterrors.Wrap(onecollecterrors.KindResourceUnavailable, err)
	}
	return fd, nil
}

//go:build linux

package perfring

import (
	"github.com/microsoft/one-collect-sub000/onecollecterrors"
	"golang.org/x/sys/unix"
)

// Ioctl numbers for PERF_EVENT_IOC_*, per spec section 6's
// "Ring-buffer binding": enable, disable, and redirect-output (used by the
// merge source, perfmerge.RedirectOutput, to fan additional event sources
// into a CPU's leader ring).
const (
	iocEnable      = 0x2400
	iocDisable     = 0x2401
	iocSetOutput   = 0x2403
	iocSetFilter   = 0x2406
	iocSetBPF      = 0x2408
	iocPauseOutput = 0x2409
)

// Open memory-maps the already-opened perf_event descriptor eventFD with
// 1+pageCount pages (page 0 is metadata; pageCount must be a power of
// two), per spec section 6. It issues no ioctl; Enable, Disable and
// RedirectOutputTo do that.
func Open(eventFD int, pageCount int) (*Ring, error) {
	if pageCount == 0 || pageCount&(pageCount-1) != 0 {
		return nil, onecollecterrors.New(onecollecterrors.KindResourceUnavailable, "perfring: page count %d is not a power of two", pageCount)
	}
	pageSize := unix.Getpagesize()
	total := pageSize * (1 + pageCount)

	mapped, err := unix.Mmap(eventFD, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, onecollecterrors.Wrap(onecollecterrors.KindResourceUnavailable, err)
	}
	ring, err := New(mapped)
	if err != nil {
		unix.Munmap(mapped)
		return nil, err
	}
	ring.fd = eventFD
	ring.mapped = mapped
	return ring, nil
}

// Close unmaps the ring's backing memory. It is a no-op for rings
// constructed directly via New (e.g. in tests) that never held a mapping.
func (r *Ring) Close() error {
	if r.mapped == nil {
		return nil
	}
	err := unix.Munmap(r.mapped)
	r.mapped = nil
	return err
}

// Enable arms the underlying perf_event descriptor.
func (r *Ring) Enable() error {
	return unix.IoctlSetInt(r.fd, iocEnable, 0)
}

// Disable disarms the underlying perf_event descriptor.
func (r *Ring) Disable() error {
	return unix.IoctlSetInt(r.fd, iocDisable, 0)
}

// RedirectOutputTo redirects this ring's samples into leader's ring buffer,
// per spec section 4.4's leader/redirect topology.
func (r *Ring) RedirectOutputTo(leader *Ring) error {
	return unix.IoctlSetInt(r.fd, iocSetOutput, leader.fd)
}

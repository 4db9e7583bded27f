package perfring

import "unsafe"

// ptr returns a pointer to the uint64 at byte offset off within b. The
// metadata page is required by the kernel ABI to be 8-byte aligned, so this
// is safe for the offsets this package uses (all multiples of 8).
func ptr(b []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[off]))
}

//go:build linux

package tracefs

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/microsoft/one-collect-sub000/onecollecterrors"
)

// UnregisteredWriteIndex is the write_index sentinel spec section 6 names
// for "unregistered" (u32::MAX in the original source).
const UnregisteredWriteIndex uint32 = 0xFFFFFFFF

const userEventsDataPath = "/sys/kernel/tracing/user_events_data"

// userReg mirrors original_source's repr(C, packed) UserReg: the
// user_events ABI's registration request/response struct.
type userReg struct {
	Size       uint32
	EnableBit  uint8
	EnableSize uint8
	Flags      uint16
	EnableAddr uint64
	NameArgs   uint64
	WriteIndex uint32
}

// userUnreg mirrors original_source's repr(C, packed) UserUnreg.
type userUnreg struct {
	Size        uint32
	DisableBit  uint8
	Reserved    uint8
	Reserved2   uint16
	DisableAddr uint64
}

const (
	iocWrite     = 1
	iocRead      = 2
	diagIOCMagic = '*'

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

// ioc reproduces original_source's ioc() helper bit-for-bit, including its
// use of pointer width (not the registration struct's own size) for the
// IOC_SIZE field.
func ioc(dir, typ, nr, size uint32) uint32 {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

var (
	diagIOCSReg   = ioc(iocWrite|iocRead, diagIOCMagic, 0, uint32(unsafe.Sizeof(uintptr(0))))
	diagIOCSUnreg = ioc(iocWrite, diagIOCMagic, 2, uint32(unsafe.Sizeof(uintptr(0))))
)

// OpenUserEventsData opens the shared user_events_data file descriptor
// registrations and writes are issued against.
func OpenUserEventsData() (*os.File, error) {
	f, err := os.OpenFile(userEventsDataPath, os.O_RDWR, 0)
	if err != nil {
		return nil, onecollecterrors.Wrap(onecollecterrors.KindResourceUnavailable, err)
	}
	return f, nil
}

// UserEvent is a registered user_events event: the stable write_index used
// to tag subsequent writes, and the kernel-owned "enabled" flag word
// toggled when a consumer attaches.
type UserEvent struct {
	WriteIndex uint32
	enabled    uint32
}

// RegisterUserEvent issues DIAG_IOCSREG against userEventsData for desc,
// returning a UserEvent whose WriteIndex is the kernel-assigned index on
// success, and a nil UserEvent with the error on failure.
func RegisterUserEvent(userEventsData *os.File, desc UserEventDesc) (*UserEvent, error) {
	nameArgs, err := unix.BytePtrFromString(desc.String())
	if err != nil {
		return nil, onecollecterrors.Wrap(onecollecterrors.KindDecodeError, err)
	}

	ev := &UserEvent{WriteIndex: UnregisteredWriteIndex}
	reg := userReg{
		Size:       uint32(unsafe.Sizeof(userReg{})),
		EnableBit:  0,
		EnableSize: 4,
		Flags:      0,
		EnableAddr: uint64(uintptr(unsafe.Pointer(&ev.enabled))),
		NameArgs:   uint64(uintptr(unsafe.Pointer(nameArgs))),
		WriteIndex: UnregisteredWriteIndex,
	}

	if err := ioctl(userEventsData.Fd(), diagIOCSReg, unsafe.Pointer(&reg)); err != nil {
		return nil, onecollecterrors.Wrap(onecollecterrors.KindResourceUnavailable, err)
	}

	ev.WriteIndex = reg.WriteIndex
	return ev, nil
}

// UnregisterUserEvent issues DIAG_IOCSUNREG for ev, after which
// ev.WriteIndex is reset to UnregisteredWriteIndex.
func UnregisterUserEvent(userEventsData *os.File, ev *UserEvent) error {
	unreg := userUnreg{
		Size:        uint32(unsafe.Sizeof(userUnreg{})),
		DisableBit:  0,
		DisableAddr: uint64(uintptr(unsafe.Pointer(&ev.enabled))),
	}
	if err := ioctl(userEventsData.Fd(), diagIOCSUnreg, unsafe.Pointer(&unreg)); err != nil {
		return onecollecterrors.Wrap(onecollecterrors.KindResourceUnavailable, err)
	}
	ev.WriteIndex = UnregisteredWriteIndex
	return nil
}

func ioctl(fd uintptr, cmd uint32, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(cmd), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

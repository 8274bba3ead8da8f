// Copyright 2026 The UTPX Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package pagefault

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers for the userfaultfd(2) API, from
// <linux/userfaultfd.h>. Values follow the kernel's _IOWR/_IOR encoding
// over the 0xAA ioctl type reserved for uffd.
const (
	uffdioAPIIoctl        = 0xc018aa3f
	uffdioRegisterIoctl   = 0xc020aa00
	uffdioUnregisterIoctl = 0x8010aa01
	uffdioCopyIoctl       = 0xc028aa03
	uffdioZeropageIoctl   = 0xc020aa04
)

// uffdAPIVersion is the userfaultfd API version this package speaks.
const uffdAPIVersion = 0xAA

// UFFD_EVENT_PAGEFAULT identifies a page-fault event read back from the
// uffd file descriptor.
const uffdEventPagefault = 0x12

// UFFDIO_REGISTER_MODE_MISSING requests notification on faults against
// pages with no backing (i.e. those evicted by madvise(MADV_DONTNEED)
// after registration).
const uffdioRegisterModeMissing = 1 << 0

// uffdioAPIStruct is UFFDIO_API's argument, struct uffdio_api.
type uffdioAPIStruct struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

// uffdioRange is struct uffdio_range.
type uffdioRange struct {
	Start uint64
	Len   uint64
}

// uffdioRegisterStruct is UFFDIO_REGISTER's argument, struct uffdio_register.
type uffdioRegisterStruct struct {
	Range  uffdioRange
	Mode   uint64
	Ioctls uint64
}

// uffdioCopyStruct is UFFDIO_COPY's argument, struct uffdio_copy.
type uffdioCopyStruct struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

// uffdMsg is struct uffd_msg: a tagged union of event payloads, all
// carried in a fixed 24-byte Data field regardless of Event.
type uffdMsg struct {
	Event uint8
	_pad  [7]byte
	Data  [24]byte
}

// uffdMsgPagefault overlays uffdMsg.Data for Event == UFFD_EVENT_PAGEFAULT.
type uffdMsgPagefault struct {
	Flags   uint64
	Address uint64
	Ptid    uint32
	_pad    uint32
}

func (m *uffdMsg) pagefault() *uffdMsgPagefault {
	return (*uffdMsgPagefault)(unsafe.Pointer(&m.Data[0]))
}

const uffdMsgSize = 32

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}

// openUserfaultfd creates a new userfaultfd instance, preferring the
// userfaultfd(2) syscall and falling back to /dev/userfaultfd, mirroring
// the two supported creation paths documented for the syscall.
func openUserfaultfd() (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno == 0 {
		return int(fd), nil
	}
	if errno != unix.ENOSYS && errno != unix.EPERM {
		return 0, os.NewSyscallError("userfaultfd", errno)
	}

	dev, err := os.OpenFile("/dev/userfaultfd", os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer dev.Close()

	const usserfaultfdIocNew = 0xaa00 // _IO(0xAA, 0x00) on the /dev/userfaultfd miscdevice
	rfd, _, errno := unix.Syscall(unix.SYS_IOCTL, dev.Fd(), usserfaultfdIocNew, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK))
	if errno != 0 {
		return 0, os.NewSyscallError("ioctl(USERFAULTFD_IOC_NEW)", errno)
	}
	return int(rfd), nil
}

// ProbeUffd reports whether userfaultfd(2) is usable on this system: the
// syscall must exist and the caller must have permission (some hosts
// require CAP_SYS_PTRACE or a permissive
// vm.unprivileged_userfaultfd sysctl). Tests use this to skip rather
// than fail when the kernel or sandbox doesn't allow it.
func ProbeUffd() bool {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return false
	}
	unix.Close(int(fd))
	return true
}

func uffdAPIHandshake(fd int) error {
	api := uffdioAPIStruct{API: uint64(uffdAPIVersion), Features: 0}
	return ioctl(uintptr(fd), uffdioAPIIoctl, unsafe.Pointer(&api))
}

func uffdRegister(fd int, base, size uintptr) error {
	reg := uffdioRegisterStruct{
		Range:  uffdioRange{Start: uint64(base), Len: uint64(size)},
		Mode:   uffdioRegisterModeMissing,
	}
	return ioctl(uintptr(fd), uffdioRegisterIoctl, unsafe.Pointer(&reg))
}

func uffdUnregister(fd int, base, size uintptr) error {
	r := uffdioRange{Start: uint64(base), Len: uint64(size)}
	return ioctl(uintptr(fd), uffdioUnregisterIoctl, unsafe.Pointer(&r))
}

// uffdCopy installs src into [dst, dst+len) of a uffd-registered range,
// resolving any fault pending in that range and waking the faulting
// thread. src must be at least len bytes.
func uffdCopy(fd int, dst uintptr, src []byte, length uintptr) error {
	c := uffdioCopyStruct{
		Dst: uint64(dst),
		Src: uint64(uintptr(unsafe.Pointer(&src[0]))),
		Len: uint64(length),
	}
	return ioctl(uintptr(fd), uffdioCopyIoctl, unsafe.Pointer(&c))
}

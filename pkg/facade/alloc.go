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

package facade

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/UoB-HPC/utpx/internal/ulog"
	"github.com/UoB-HPC/utpx/pkg/hipabi"
	"github.com/UoB-HPC/utpx/pkg/mode"
)

// ManagedAlloc implements managed_alloc(size, flags): its per-mode
// behavior is documented on each of the three helpers below.
func (f *Facade) ManagedAlloc(size uintptr, flags hipabi.AllocFlags) (uintptr, hipabi.Status) {
	switch f.Mode {
	case mode.Advise:
		return f.managedAllocAdvise(size, flags)
	case mode.Device:
		return f.managedAllocDevice(size)
	default:
		return f.managedAllocMirror(size, flags)
	}
}

// managedAllocAdvise calls through to the underlying managed allocator,
// registers the pointer in the Mirror Registry with no device pointer of
// its own (mirroring is meaningless under ADVISE — the returned pointer is
// already valid on host and device), and issues the three advisory hints.
// Hint failures are logged and otherwise ignored.
func (f *Facade) managedAllocAdvise(size uintptr, flags hipabi.AllocFlags) (uintptr, hipabi.Status) {
	ptr, st := f.Backend.ManagedMalloc(size, flags)
	if st != hipabi.StatusSuccess {
		return ptr, st
	}

	f.Registry.Lock()
	f.Registry.Insert(ptr, size)
	f.Registry.Unlock()

	device, dst := f.Backend.GetDevice()
	if dst != hipabi.StatusSuccess {
		ulog.Warningf("utpx: facade: GetDevice failed while issuing advice for %#x: %v", ptr, dst)
		return ptr, hipabi.StatusSuccess
	}
	for _, advice := range []hipabi.MemAdvise{
		hipabi.AdviseSetReadMostly,
		hipabi.AdviseSetPreferredLocation,
		hipabi.AdviseSetAccessedBy,
	} {
		if hst := f.Backend.MemAdvise(ptr, size, advice, device); hst != hipabi.StatusSuccess {
			ulog.Warningf("utpx: facade: MemAdvise(%#x, %v) failed: %v", ptr, advice, hst)
		}
	}
	return ptr, hipabi.StatusSuccess
}

// managedAllocDevice replaces the managed allocation with a pure device
// allocation: the Mirror Registry entry's device pointer coincides with the
// pointer handed back to the caller, since there is no separate host side.
func (f *Facade) managedAllocDevice(size uintptr) (uintptr, hipabi.Status) {
	ptr, st := f.Backend.DeviceMalloc(size)
	if st != hipabi.StatusSuccess {
		return ptr, st
	}
	f.Registry.Lock()
	e := f.Registry.Insert(ptr, size)
	e.DevicePtr = ptr
	f.Registry.Unlock()
	return ptr, hipabi.StatusSuccess
}

// managedAllocMirror allocates a host-side, page-aligned mmap region for
// allocations at least a page in size, registering it as an unmirrored
// entry; the device side is created lazily on first kernel launch that
// reaches it (pkg/rewriter). Sub-page allocations delegate unchanged to the
// underlying managed allocator and are never registered: the page-fault
// subsystem cannot protect anything smaller than a page anyway.
func (f *Facade) managedAllocMirror(size uintptr, flags hipabi.AllocFlags) (uintptr, hipabi.Status) {
	if size < f.PageSize {
		return f.Backend.ManagedMalloc(size, flags)
	}

	// One extra page of slack avoids two independently mmap'd mirrors
	// ending up adjacent, which would let a stray access to the tail of
	// one range land on a live page of the next and mask a bug as a
	// benign fault instead of a fault outside the registered range.
	buf, err := unix.Mmap(-1, 0, int(size+f.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		ulog.Warningf("utpx: facade: mmap(%d) for managed mirror failed: %v", size, err)
		return 0, hipabi.StatusOutOfMemory
	}
	base := uintptr(unsafe.Pointer(&buf[0]))

	f.Registry.Lock()
	f.Registry.Insert(base, size)
	f.Registry.Unlock()

	return base, hipabi.StatusSuccess
}

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

package runtime

import (
	"testing"
	"unsafe"

	"github.com/UoB-HPC/utpx/pkg/adapter/faketest"
	"github.com/UoB-HPC/utpx/pkg/facade"
	"github.com/UoB-HPC/utpx/pkg/hipabi"
	"github.com/UoB-HPC/utpx/pkg/mode"
	"github.com/UoB-HPC/utpx/pkg/pagefault"
)

func TestInitializeAdviseSkipsPageFault(t *testing.T) {
	t.Setenv(mode.EnvVar, "ADVISE")
	rt := Initialize(faketest.New())
	defer rt.Terminate()

	if rt.PageFault != nil {
		t.Fatal("ADVISE mode should not start the page-fault subsystem")
	}
	if rt.Facade.Mode != mode.Advise {
		t.Fatalf("Facade.Mode = %v, want Advise", rt.Facade.Mode)
	}
}

func TestInitializeDeviceSkipsPageFault(t *testing.T) {
	t.Setenv(mode.EnvVar, "DEVICE")
	rt := Initialize(faketest.New())
	defer rt.Terminate()

	if rt.PageFault != nil {
		t.Fatal("DEVICE mode should not start the page-fault subsystem")
	}
}

func TestOnFaultCopiesDeviceContentWhenMirrored(t *testing.T) {
	be := faketest.New()
	rt := &Runtime{Mode: mode.Mirror, Backend: be}
	rt.Facade = facade.New(mode.Mirror, be, nil, 4096)

	host := make([]byte, 64)
	base := uintptr(unsafe.Pointer(&host[0]))
	rt.Facade.Registry.Lock()
	e := rt.Facade.Registry.Insert(base, uintptr(len(host)))
	st := rt.Facade.Registry.Ensure(e)
	rt.Facade.Registry.Unlock()
	if st != hipabi.StatusSuccess {
		t.Fatalf("Ensure: %v", st)
	}

	pattern := make([]byte, 64)
	for i := range pattern {
		pattern[i] = 0x7b
	}
	if st := be.Memcpy(e.DevicePtr, uintptr(unsafe.Pointer(&pattern[0])), 64, hipabi.MemcpyHostToDevice); st != hipabi.StatusSuccess {
		t.Fatalf("priming device content: %v", st)
	}

	dst := make([]byte, 64)
	rt.onFault(base, base, 64, dst)

	for i, b := range dst {
		if b != 0x7b {
			t.Fatalf("dst[%d] = %#x, want 0x7b", i, b)
		}
	}
}

func TestOnFaultCopiesOnlyAllocationSizeNotPageRoundedSize(t *testing.T) {
	be := faketest.New()
	rt := &Runtime{Mode: mode.Mirror, Backend: be}
	rt.Facade = facade.New(mode.Mirror, be, nil, 4096)

	// An entry whose size is not a multiple of the page size: e.Size (100)
	// is strictly less than the page-rounded fault span (4096) the guard
	// worker allocates dst at.
	host := make([]byte, 100)
	base := uintptr(unsafe.Pointer(&host[0]))
	rt.Facade.Registry.Lock()
	e := rt.Facade.Registry.Insert(base, uintptr(len(host)))
	st := rt.Facade.Registry.Ensure(e)
	rt.Facade.Registry.Unlock()
	if st != hipabi.StatusSuccess {
		t.Fatalf("Ensure: %v", st)
	}

	pattern := make([]byte, e.Size)
	for i := range pattern {
		pattern[i] = 0x7b
	}
	if st := be.Memcpy(e.DevicePtr, uintptr(unsafe.Pointer(&pattern[0])), e.Size, hipabi.MemcpyHostToDevice); st != hipabi.StatusSuccess {
		t.Fatalf("priming device content: %v", st)
	}

	const pageSize = 4096
	dst := make([]byte, pageSize)
	rt.onFault(base, base, pageSize, dst)

	for i := uintptr(0); i < e.Size; i++ {
		if dst[i] != 0x7b {
			t.Fatalf("dst[%d] = %#x, want 0x7b", i, dst[i])
		}
	}
	for i := e.Size; i < pageSize; i++ {
		if dst[i] != 0 {
			t.Fatalf("dst[%d] = %#x, want 0 (page tail beyond the device allocation must not be read from the device)", i, dst[i])
		}
	}
}

func TestOnFaultLeavesZeroedWhenNeverMirrored(t *testing.T) {
	be := faketest.New()
	rt := &Runtime{Mode: mode.Mirror, Backend: be}
	rt.Facade = facade.New(mode.Mirror, be, nil, 4096)

	host := make([]byte, 64)
	base := uintptr(unsafe.Pointer(&host[0]))
	rt.Facade.Registry.Lock()
	rt.Facade.Registry.Insert(base, uintptr(len(host)))
	rt.Facade.Registry.Unlock()

	dst := make([]byte, 64)
	rt.onFault(base, base, 64, dst)

	for i, b := range dst {
		if b != 0 {
			t.Fatalf("dst[%d] = %#x, want 0 (untouched mirror has no device content yet)", i, b)
		}
	}
}

func TestFaultDrivenWritebackThroughRuntime(t *testing.T) {
	if !pagefault.ProbeUffd() {
		t.Skip("userfaultfd(2) unavailable on this host (missing capability or disabled by sysctl)")
	}
	t.Setenv(mode.EnvVar, "MIRROR")

	be := faketest.New()
	rt := Initialize(be)
	defer rt.Terminate()

	const size = 4096
	ptr, st := rt.Facade.ManagedAlloc(size, 0)
	if st != hipabi.StatusSuccess {
		t.Fatalf("ManagedAlloc: %v", st)
	}
	defer rt.Facade.Free(ptr)

	e, ok := rt.Facade.Registry.LookupExact(ptr)
	if !ok {
		t.Fatal("mirror allocation was not registered")
	}

	rt.Facade.Registry.Lock()
	st = rt.Facade.Registry.Ensure(e)
	rt.Facade.Registry.Unlock()
	if st != hipabi.StatusSuccess {
		t.Fatalf("Ensure: %v", st)
	}

	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = 0x5a
	}
	if st := be.Memcpy(e.DevicePtr, uintptr(unsafe.Pointer(&pattern[0])), size, hipabi.MemcpyHostToDevice); st != hipabi.StatusSuccess {
		t.Fatalf("priming device content: %v", st)
	}

	if err := rt.PageFault.RegisterPage(ptr, size); err != nil {
		t.Fatalf("RegisterPage: %v", err)
	}

	// Touching the page blocks until the guard worker resolves the fault
	// and installs the device content via UFFDIO_COPY.
	got := *(*byte)(unsafe.Pointer(ptr))
	if got != 0x5a {
		t.Fatalf("host byte after fault-driven writeback = %#x, want 0x5a", got)
	}
	if _, _, ok := rt.PageFault.LookupRegistered(ptr); ok {
		t.Fatal("range is still registered after the fault resolved it")
	}
}

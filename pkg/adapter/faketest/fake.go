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

// Package faketest provides a simulated GPU backend implementing
// adapter.Backend entirely in Go heap memory, so the mirror registry,
// coherence protocol, and rewriter can be exercised by package tests
// without real hardware or libamdhip64.so present.
package faketest

import (
	"sync"
	"unsafe"

	"github.com/UoB-HPC/utpx/pkg/hipabi"
)

// Backend is a fake adapter.Backend. "Device" allocations are ordinary Go
// byte slices pinned by address in a side table; "device pointers" are
// synthetic addresses drawn from an incrementing counter rather than real
// virtual addresses, which is sufficient since nothing in this module
// dereferences a device pointer from host code — only from other fake
// backend calls and from pkg/rewriter's bookkeeping.
type Backend struct {
	mu       sync.Mutex
	next     uintptr
	mem      map[uintptr][]byte
	attrs    map[uintptr]hipabi.PointerAttributes
	device   int32
	LastKind hipabi.MemcpyKind // last kind passed to Memcpy, for assertions
	Launches []LaunchCall

	nextModule uintptr
	nextReader uintptr
	modules    map[uintptr][]byte

	// Registrations records every RegisterFunction call, for tests that
	// assert on the (hostFn, deviceName) pairing the facade indexed.
	Registrations []Registration
}

// Registration records one RegisterFunction call.
type Registration struct {
	HostFn     uintptr
	DeviceFn   uintptr
	DeviceName string
}

// New returns a fresh fake backend with an empty device heap.
func New() *Backend {
	return &Backend{
		// Start well away from zero so a synthetic device pointer can
		// never be confused with the null pointer or with small test
		// constants used for host addresses in unit tests.
		next:       0x7f0000000000,
		mem:        make(map[uintptr][]byte),
		attrs:      make(map[uintptr]hipabi.PointerAttributes),
		nextModule: 0x600000000000,
		nextReader: 0x500000000000,
		modules:    make(map[uintptr][]byte),
	}
}

func (b *Backend) alloc(size uintptr) uintptr {
	p := b.next
	b.next += (size + 63) &^ 63
	b.mem[p] = make([]byte, size)
	return p
}

// bytesAt returns the backing slice for a device pointer previously
// returned by ManagedMalloc/DeviceMalloc, or nil if ptr is not a live
// device allocation (e.g. it is a host address).
func (b *Backend) bytesAt(ptr uintptr) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mem[ptr]
}

func (b *Backend) ManagedMalloc(size uintptr, flags hipabi.AllocFlags) (uintptr, hipabi.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.alloc(size)
	b.attrs[p] = hipabi.PointerAttributes{Device: b.device, DevicePtr: p, HostPtr: p, IsManaged: 1}
	return p, hipabi.StatusSuccess
}

func (b *Backend) DeviceMalloc(size uintptr) (uintptr, hipabi.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size == 0 {
		return 0, hipabi.StatusInvalidValue
	}
	p := b.alloc(size)
	b.attrs[p] = hipabi.PointerAttributes{Device: b.device, DevicePtr: p, IsManaged: 0}
	return p, hipabi.StatusSuccess
}

// hostRead views n bytes starting at a real host address as a []byte.
// Used only for the "one side is a fake device buffer, the other is a
// real host address" branches of Memcpy/Memset below.
func hostRead(addr uintptr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func (b *Backend) Memcpy(dst, src uintptr, n uintptr, kind hipabi.MemcpyKind) hipabi.Status {
	b.mu.Lock()
	b.LastKind = kind
	dstBuf := b.mem[dst]
	srcBuf := b.mem[src]
	b.mu.Unlock()

	switch {
	case dstBuf != nil && srcBuf != nil:
		copy(dstBuf, srcBuf[:n])
	case dstBuf != nil:
		copy(dstBuf, hostRead(src, n))
	case srcBuf != nil:
		copy(hostRead(dst, n), srcBuf[:n])
	default:
		copy(hostRead(dst, n), hostRead(src, n))
	}
	return hipabi.StatusSuccess
}

func (b *Backend) Memset(ptr uintptr, value byte, n uintptr) hipabi.Status {
	b.mu.Lock()
	buf := b.mem[ptr]
	b.mu.Unlock()
	var dst []byte
	if buf != nil {
		dst = buf[:n]
	} else {
		dst = hostRead(ptr, n)
	}
	for i := range dst {
		dst[i] = value
	}
	return hipabi.StatusSuccess
}

func (b *Backend) Free(ptr uintptr) hipabi.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ptr == 0 {
		return hipabi.StatusSuccess
	}
	delete(b.mem, ptr)
	delete(b.attrs, ptr)
	return hipabi.StatusSuccess
}

func (b *Backend) PointerGetAttributes(ptr uintptr) (hipabi.PointerAttributes, hipabi.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.attrs[ptr]
	if !ok {
		return hipabi.PointerAttributes{}, hipabi.StatusInvalidDevicePointer
	}
	return a, hipabi.StatusSuccess
}

func (b *Backend) MemAdvise(ptr uintptr, size uintptr, advice hipabi.MemAdvise, device int32) hipabi.Status {
	return hipabi.StatusSuccess
}

func (b *Backend) MemPrefetchAsync(ptr uintptr, size uintptr, device int32, stream uintptr) hipabi.Status {
	return hipabi.StatusSuccess
}

func (b *Backend) GetDevice() (int32, hipabi.Status) {
	return b.device, hipabi.StatusSuccess
}

// LaunchCall records one call to LaunchKernel/ModuleLaunchKernel, for
// tests to assert on what the rewriter handed to the backend.
type LaunchCall struct {
	Fn     uintptr
	Args   []uintptr
	Params []uintptr
}

func (b *Backend) LaunchKernel(fn uintptr, gridX, gridY, gridZ, blockX, blockY, blockZ uint32, args []uintptr, sharedBytes uint32, stream uintptr) hipabi.Status {
	b.mu.Lock()
	b.Launches = append(b.Launches, LaunchCall{Fn: fn, Args: append([]uintptr{}, args...)})
	b.mu.Unlock()
	return hipabi.StatusSuccess
}

func (b *Backend) ModuleLaunchKernel(fn uintptr, gridX, gridY, gridZ, blockX, blockY, blockZ uint32, sharedBytes uint32, stream uintptr, params []uintptr, extra []byte) hipabi.Status {
	b.mu.Lock()
	b.Launches = append(b.Launches, LaunchCall{Fn: fn, Params: append([]uintptr{}, params...)})
	b.mu.Unlock()
	return hipabi.StatusSuccess
}

// ModuleLoadDataEx records image under a fresh synthetic module handle.
func (b *Backend) ModuleLoadDataEx(image []byte) (uintptr, hipabi.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.nextModule
	b.nextModule++
	b.modules[h] = append([]byte(nil), image...)
	return h, hipabi.StatusSuccess
}

// RegisterFunction records the pairing for test assertions; the real
// runtime returns nothing and never fails.
func (b *Backend) RegisterFunction(modules, hostFn, deviceFn uintptr, deviceName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Registrations = append(b.Registrations, Registration{HostFn: hostFn, DeviceFn: deviceFn, DeviceName: deviceName})
}

// CodeObjectReaderCreateFromMemory returns a fresh synthetic reader handle;
// the fake never fails this call.
func (b *Backend) CodeObjectReaderCreateFromMemory(buf []byte) (uintptr, hipabi.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.nextReader
	b.nextReader++
	return h, hipabi.StatusSuccess
}

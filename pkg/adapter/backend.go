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

package adapter

import (
	"unsafe"

	"github.com/UoB-HPC/utpx/pkg/hipabi"
)

// Backend is the subset of underlying GPU runtime entry points the rest
// of this module calls into directly (as opposed to merely intercepting
// the application's own calls to them). It exists so package facade and
// package runtime can be exercised against a simulated device
// (pkg/adapter/faketest) instead of requiring real hardware and the real
// HIP runtime to be present.
type Backend interface {
	ManagedMalloc(size uintptr, flags hipabi.AllocFlags) (uintptr, hipabi.Status)
	DeviceMalloc(size uintptr) (uintptr, hipabi.Status)
	Memcpy(dst, src uintptr, n uintptr, kind hipabi.MemcpyKind) hipabi.Status
	Memset(ptr uintptr, value byte, n uintptr) hipabi.Status
	Free(ptr uintptr) hipabi.Status
	PointerGetAttributes(ptr uintptr) (hipabi.PointerAttributes, hipabi.Status)
	MemAdvise(ptr uintptr, size uintptr, advice hipabi.MemAdvise, device int32) hipabi.Status
	MemPrefetchAsync(ptr uintptr, size uintptr, device int32, stream uintptr) hipabi.Status
	GetDevice() (int32, hipabi.Status)
	LaunchKernel(fn uintptr, gridX, gridY, gridZ, blockX, blockY, blockZ uint32, args []uintptr, sharedBytes uint32, stream uintptr) hipabi.Status
	ModuleLaunchKernel(fn uintptr, gridX, gridY, gridZ, blockX, blockY, blockZ uint32, sharedBytes uint32, stream uintptr, params []uintptr, extra []byte) hipabi.Status

	// ModuleLoadDataEx loads a code object image, returning the runtime's
	// opaque module handle.
	ModuleLoadDataEx(image []byte) (module uintptr, status hipabi.Status)
	// RegisterFunction is void in the real ABI: the underlying runtime
	// records the (hostFn, deviceName) pairing and never reports failure.
	RegisterFunction(modules, hostFn, deviceFn uintptr, deviceName string)
	// CodeObjectReaderCreateFromMemory wraps buf in a reader handle the
	// runtime consumes internally during module load / registration.
	CodeObjectReaderCreateFromMemory(buf []byte) (reader uintptr, status hipabi.Status)
}

type realFn struct {
	hipMallocManaged                    func(*uintptr, uintptr, uint32) int32
	hipMalloc                           func(*uintptr, uintptr) int32
	hipMemcpy                           func(uintptr, uintptr, uintptr, int32) int32
	hipMemset                           func(uintptr, int32, uintptr) int32
	hipFree                             func(uintptr) int32
	hipPointerGetAttributes             func(*hipabi.PointerAttributes, uintptr) int32
	hipMemAdvise                        func(uintptr, uintptr, int32, int32) int32
	hipMemPrefetchAsync                 func(uintptr, uintptr, int32, uintptr) int32
	hipGetDevice                        func(*int32) int32
	hipLaunchKernel                     func(uintptr, uint32, uint32, uint32, uint32, uint32, uint32, uintptr, uint32, uintptr) int32
	hipModuleLaunchKernel               func(uintptr, uint32, uint32, uint32, uint32, uint32, uint32, uint32, uintptr, uintptr, uintptr) int32
	hipModuleLoadDataEx                 func(module *uintptr, image unsafe.Pointer) int32
	registerFunction                    func(modules, hostFn, deviceFn uintptr, deviceName *byte)
	hipCodeObjectReaderCreateFromMemory func(reader *uintptr, image unsafe.Pointer, size uintptr) int32
}

// realBackend calls through to the real HIP runtime via the resolved
// symbols, for use by cmd/libutpx outside of tests.
type realBackend struct {
	fn realFn
}

// NewRealBackend resolves every symbol realBackend needs and returns a
// Backend that dispatches to the real underlying runtime.
func NewRealBackend() Backend {
	return &realBackend{fn: realFn{
		hipMallocManaged:                    Resolve[func(*uintptr, uintptr, uint32) int32]("hipMallocManaged"),
		hipMalloc:                           Resolve[func(*uintptr, uintptr) int32]("hipMalloc"),
		hipMemcpy:                           Resolve[func(uintptr, uintptr, uintptr, int32) int32]("hipMemcpy"),
		hipMemset:                           Resolve[func(uintptr, int32, uintptr) int32]("hipMemset"),
		hipFree:                             Resolve[func(uintptr) int32]("hipFree"),
		hipPointerGetAttributes:             Resolve[func(*hipabi.PointerAttributes, uintptr) int32]("hipPointerGetAttributes"),
		hipMemAdvise:                        Resolve[func(uintptr, uintptr, int32, int32) int32]("hipMemAdvise"),
		hipMemPrefetchAsync:                 Resolve[func(uintptr, uintptr, int32, uintptr) int32]("hipMemPrefetchAsync"),
		hipGetDevice:                        Resolve[func(*int32) int32]("hipGetDevice"),
		hipLaunchKernel:                     Resolve[func(uintptr, uint32, uint32, uint32, uint32, uint32, uint32, uintptr, uint32, uintptr) int32]("hipLaunchKernel"),
		hipModuleLaunchKernel:               Resolve[func(uintptr, uint32, uint32, uint32, uint32, uint32, uint32, uint32, uintptr, uintptr, uintptr) int32]("hipModuleLaunchKernel"),
		hipModuleLoadDataEx:                 Resolve[func(*uintptr, unsafe.Pointer) int32]("hipModuleLoadDataEx"),
		registerFunction:                    Resolve[func(uintptr, uintptr, uintptr, *byte)]("__hipRegisterFunction"),
		hipCodeObjectReaderCreateFromMemory: Resolve[func(*uintptr, unsafe.Pointer, uintptr) int32]("hipCodeObjectReaderCreateFromMemory"),
	}}
}

func (b *realBackend) ManagedMalloc(size uintptr, flags hipabi.AllocFlags) (uintptr, hipabi.Status) {
	var p uintptr
	st := b.fn.hipMallocManaged(&p, size, uint32(flags))
	return p, hipabi.Status(st)
}

func (b *realBackend) DeviceMalloc(size uintptr) (uintptr, hipabi.Status) {
	var p uintptr
	st := b.fn.hipMalloc(&p, size)
	return p, hipabi.Status(st)
}

func (b *realBackend) Memcpy(dst, src uintptr, n uintptr, kind hipabi.MemcpyKind) hipabi.Status {
	return hipabi.Status(b.fn.hipMemcpy(dst, src, n, int32(kind)))
}

func (b *realBackend) Memset(ptr uintptr, value byte, n uintptr) hipabi.Status {
	return hipabi.Status(b.fn.hipMemset(ptr, int32(value), n))
}

func (b *realBackend) Free(ptr uintptr) hipabi.Status {
	return hipabi.Status(b.fn.hipFree(ptr))
}

func (b *realBackend) PointerGetAttributes(ptr uintptr) (hipabi.PointerAttributes, hipabi.Status) {
	var attrs hipabi.PointerAttributes
	st := b.fn.hipPointerGetAttributes(&attrs, ptr)
	return attrs, hipabi.Status(st)
}

func (b *realBackend) MemAdvise(ptr uintptr, size uintptr, advice hipabi.MemAdvise, device int32) hipabi.Status {
	return hipabi.Status(b.fn.hipMemAdvise(ptr, size, int32(advice), device))
}

func (b *realBackend) MemPrefetchAsync(ptr uintptr, size uintptr, device int32, stream uintptr) hipabi.Status {
	return hipabi.Status(b.fn.hipMemPrefetchAsync(ptr, size, device, stream))
}

func (b *realBackend) GetDevice() (int32, hipabi.Status) {
	var d int32
	st := b.fn.hipGetDevice(&d)
	return d, hipabi.Status(st)
}

func (b *realBackend) LaunchKernel(fn uintptr, gridX, gridY, gridZ, blockX, blockY, blockZ uint32, args []uintptr, sharedBytes uint32, stream uintptr) hipabi.Status {
	var argsPtr uintptr
	if len(args) > 0 {
		argsPtr = uintptr(unsafe.Pointer(&args[0]))
	}
	st := b.fn.hipLaunchKernel(fn, gridX, gridY, gridZ, blockX, blockY, blockZ, argsPtr, sharedBytes, stream)
	return hipabi.Status(st)
}

// The extra-array tag values HIP_LAUNCH_PARAM_BUFFER_POINTER,
// HIP_LAUNCH_PARAM_BUFFER_SIZE, and HIP_LAUNCH_PARAM_END: sentinel
// pointer values, per the real ABI, never dereferenced as pointers.
var (
	hipLaunchParamBufferPointer = unsafe.Pointer(uintptr(0x01))
	hipLaunchParamBufferSize    = unsafe.Pointer(uintptr(0x02))
	hipLaunchParamEnd           = unsafe.Pointer(uintptr(0x00))
)

func (b *realBackend) ModuleLaunchKernel(fn uintptr, gridX, gridY, gridZ, blockX, blockY, blockZ uint32, sharedBytes uint32, stream uintptr, params []uintptr, extra []byte) hipabi.Status {
	var paramsPtr uintptr
	if len(params) > 0 {
		paramsPtr = uintptr(unsafe.Pointer(&params[0]))
	}
	// extra is the already-rewritten kernarg buffer's bytes, not the raw
	// extra-array the application passed in: the buffer they point to is
	// the same memory (rewriting happens in place), so the tagged array
	// is rebuilt fresh here rather than threading the caller's original
	// array through the facade layer.
	var extraPtr uintptr
	if len(extra) > 0 {
		size := uintptr(len(extra))
		tagged := [5]unsafe.Pointer{
			hipLaunchParamBufferPointer,
			unsafe.Pointer(&extra[0]),
			hipLaunchParamBufferSize,
			unsafe.Pointer(&size),
			hipLaunchParamEnd,
		}
		extraPtr = uintptr(unsafe.Pointer(&tagged[0]))
	}
	st := b.fn.hipModuleLaunchKernel(fn, gridX, gridY, gridZ, blockX, blockY, blockZ, sharedBytes, stream, paramsPtr, extraPtr)
	return hipabi.Status(st)
}

func (b *realBackend) ModuleLoadDataEx(image []byte) (uintptr, hipabi.Status) {
	var module uintptr
	var p unsafe.Pointer
	if len(image) > 0 {
		p = unsafe.Pointer(&image[0])
	}
	st := b.fn.hipModuleLoadDataEx(&module, p)
	return module, hipabi.Status(st)
}

func (b *realBackend) RegisterFunction(modules, hostFn, deviceFn uintptr, deviceName string) {
	b.fn.registerFunction(modules, hostFn, deviceFn, cString(deviceName))
}

func (b *realBackend) CodeObjectReaderCreateFromMemory(buf []byte) (uintptr, hipabi.Status) {
	var reader uintptr
	var p unsafe.Pointer
	if len(buf) > 0 {
		p = unsafe.Pointer(&buf[0])
	}
	st := b.fn.hipCodeObjectReaderCreateFromMemory(&reader, p, uintptr(len(buf)))
	return reader, hipabi.Status(st)
}

// cString returns a NUL-terminated copy of s suitable for a *byte C-string
// argument. purego has no string marshaling of its own (see the pack's
// CUDA driver bindings, which take *byte for every name argument).
func cString(s string) *byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return &b[0]
}

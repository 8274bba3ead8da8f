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
	"os"
	"testing"
	"unsafe"

	"github.com/UoB-HPC/utpx/pkg/adapter/faketest"
	"github.com/UoB-HPC/utpx/pkg/hipabi"
	"github.com/UoB-HPC/utpx/pkg/mode"
)

const testPageSize = 4096

func TestManagedAllocAdvise(t *testing.T) {
	be := faketest.New()
	f := New(mode.Advise, be, nil, testPageSize)

	ptr, st := f.ManagedAlloc(1024, 0)
	if st != hipabi.StatusSuccess {
		t.Fatalf("ManagedAlloc: %v", st)
	}
	e, ok := f.Registry.LookupExact(ptr)
	if !ok {
		t.Fatal("advise allocation was not registered")
	}
	if e.DevicePtr != 0 {
		t.Fatal("advise allocation should not carry a separate device pointer")
	}
}

func TestManagedAllocDevice(t *testing.T) {
	be := faketest.New()
	f := New(mode.Device, be, nil, testPageSize)

	ptr, st := f.ManagedAlloc(1024, 0)
	if st != hipabi.StatusSuccess {
		t.Fatalf("ManagedAlloc: %v", st)
	}
	e, ok := f.Registry.LookupExact(ptr)
	if !ok {
		t.Fatal("device allocation was not registered")
	}
	if e.DevicePtr != ptr {
		t.Fatalf("device pointer = %#x, want it to coincide with the returned pointer %#x", e.DevicePtr, ptr)
	}
}

func TestManagedAllocMirrorSmallBypassesRegistration(t *testing.T) {
	be := faketest.New()
	f := New(mode.Mirror, be, nil, testPageSize)

	ptr, st := f.ManagedAlloc(64, 0)
	if st != hipabi.StatusSuccess {
		t.Fatalf("ManagedAlloc: %v", st)
	}
	if _, ok := f.Registry.LookupExact(ptr); ok {
		t.Fatal("sub-page mirror allocation should not be registered")
	}
}

func TestManagedAllocMirrorLarge(t *testing.T) {
	be := faketest.New()
	f := New(mode.Mirror, be, nil, testPageSize)

	ptr, st := f.ManagedAlloc(testPageSize*2, 0)
	if st != hipabi.StatusSuccess {
		t.Fatalf("ManagedAlloc: %v", st)
	}
	e, ok := f.Registry.LookupExact(ptr)
	if !ok {
		t.Fatal("page-or-larger mirror allocation should be registered")
	}
	if e.DevicePtr != 0 {
		t.Fatal("mirror device pointer must stay unset until first launch or copy")
	}

	if st := f.Free(ptr); st != hipabi.StatusSuccess {
		t.Fatalf("Free: %v", st)
	}
	if _, ok := f.Registry.LookupExact(ptr); ok {
		t.Fatal("Free did not remove the mirror entry")
	}
}

func TestMemsetMirrorWritesHostAndDevice(t *testing.T) {
	be := faketest.New()
	f := New(mode.Mirror, be, nil, testPageSize)

	ptr, st := f.ManagedAlloc(testPageSize, 0)
	if st != hipabi.StatusSuccess {
		t.Fatalf("ManagedAlloc: %v", st)
	}
	defer f.Free(ptr)

	if st := f.Memset(ptr, 0x5a, testPageSize); st != hipabi.StatusSuccess {
		t.Fatalf("Memset: %v", st)
	}

	host := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), testPageSize)
	for i, b := range host {
		if b != 0x5a {
			t.Fatalf("host[%d] = %#x, want 0x5a", i, b)
		}
	}

	e, _ := f.Registry.LookupExact(ptr)
	if e.DevicePtr == 0 {
		t.Fatal("Memset should have materialized the device mirror")
	}
}

func TestMemcpyMirrorBothMirrored(t *testing.T) {
	be := faketest.New()
	f := New(mode.Mirror, be, nil, testPageSize)

	dst, st := f.ManagedAlloc(testPageSize, 0)
	if st != hipabi.StatusSuccess {
		t.Fatalf("ManagedAlloc dst: %v", st)
	}
	defer f.Free(dst)
	src, st := f.ManagedAlloc(testPageSize, 0)
	if st != hipabi.StatusSuccess {
		t.Fatalf("ManagedAlloc src: %v", st)
	}
	defer f.Free(src)

	if st := f.Memcpy(dst, src, testPageSize, hipabi.MemcpyDefault); st != hipabi.StatusSuccess {
		t.Fatalf("Memcpy: %v", st)
	}
	if be.LastKind != hipabi.MemcpyDeviceToDevice {
		t.Fatalf("Memcpy issued kind %v to the backend, want DeviceToDevice", be.LastKind)
	}

	dstE, _ := f.Registry.LookupExact(dst)
	srcE, _ := f.Registry.LookupExact(src)
	if dstE.DevicePtr == 0 || srcE.DevicePtr == 0 {
		t.Fatal("both sides of a mirrored memcpy must have materialized device pointers")
	}
}

func TestMemcpyMirrorPassthroughWhenNeitherRegistered(t *testing.T) {
	be := faketest.New()
	f := New(mode.Mirror, be, nil, testPageSize)

	host := make([]byte, 16)
	dst := uintptr(unsafe.Pointer(&host[0]))
	src := make([]byte, 16)
	for i := range src {
		src[i] = byte(i)
	}
	srcAddr := uintptr(unsafe.Pointer(&src[0]))

	if st := f.Memcpy(dst, srcAddr, 16, hipabi.MemcpyHostToHost); st != hipabi.StatusSuccess {
		t.Fatalf("Memcpy: %v", st)
	}
	for i := range host {
		if host[i] != src[i] {
			t.Fatalf("host[%d] = %d, want %d", i, host[i], src[i])
		}
	}
}

func TestPointerGetAttributesMirror(t *testing.T) {
	be := faketest.New()
	f := New(mode.Mirror, be, nil, testPageSize)

	ptr, st := f.ManagedAlloc(testPageSize, 0)
	if st != hipabi.StatusSuccess {
		t.Fatalf("ManagedAlloc: %v", st)
	}
	defer f.Free(ptr)

	attrs, st := f.PointerGetAttributes(ptr)
	if st != hipabi.StatusSuccess {
		t.Fatalf("PointerGetAttributes: %v", st)
	}
	if attrs.IsManaged != 1 {
		t.Fatal("mirror-backed pointer must report IsManaged, regardless of the underlying runtime's view")
	}
	if attrs.HostPtr != ptr {
		t.Fatalf("HostPtr = %#x, want %#x", attrs.HostPtr, ptr)
	}
}

func TestIndexSchemaMostRecentMatchWins(t *testing.T) {
	f := &Facade{kernels: make(map[uintptr]*hipabi.KernelArgSchema)}
	f.schemas = []hipabi.KernelArgSchema{
		{RawName: "_Z3fooPi", KernargSize: 8},
		{RawName: "_Z3fooPi", KernargSize: 16},
	}
	f.indexSchema(0x1000, "_Z3fooPi")

	s, ok := f.KernelSchema(0x1000)
	if !ok {
		t.Fatal("schema not indexed")
	}
	if s.KernargSize != 16 {
		t.Fatalf("indexed schema KernargSize = %d, want 16 (the most recently added match)", s.KernargSize)
	}
}

// observingBackend wraps a fake backend to let tests observe facade state
// from inside a call the facade makes into the backend, the way the real
// underlying runtime would nest a code-object-reader call inside function
// registration.
type observingBackend struct {
	*faketest.Backend
	f            *Facade
	sawRecording bool
	sawEnvValue  string
}

func (b *observingBackend) RegisterFunction(modules, hostFn, deviceFn uintptr, deviceName string) {
	b.sawRecording = b.f.recordMetadata.Load()
	b.sawEnvValue = os.Getenv(deferredLoadingEnvVar)
	b.Backend.RegisterFunction(modules, hostFn, deviceFn, deviceName)
}

func TestRegisterFunctionSetsRecordMetadataDuringCall(t *testing.T) {
	ob := &observingBackend{Backend: faketest.New()}
	f := New(mode.Mirror, ob, nil, testPageSize)
	ob.f = f

	f.RegisterFunction(0, 0x1234, 0x5678, "kernelName")

	if !ob.sawRecording {
		t.Fatal("recordMetadata was not set during the nested RegisterFunction call")
	}
	if f.recordMetadata.Load() {
		t.Fatal("recordMetadata still set after RegisterFunction returned")
	}
}

func TestRegisterFunctionRestoresDeferredLoadingEnv(t *testing.T) {
	os.Setenv(deferredLoadingEnvVar, "1")
	defer os.Unsetenv(deferredLoadingEnvVar)

	ob := &observingBackend{Backend: faketest.New()}
	f := New(mode.Mirror, ob, nil, testPageSize)
	ob.f = f

	f.RegisterFunction(0, 0x1234, 0x5678, "kernelName")

	if ob.sawEnvValue != "0" {
		t.Fatalf("env during call = %q, want \"0\"", ob.sawEnvValue)
	}
	if got := os.Getenv(deferredLoadingEnvVar); got != "1" {
		t.Fatalf("env after call = %q, want restored value \"1\"", got)
	}
}

func TestRegisterFunctionUnsetsDeferredLoadingEnvWhenAbsentBefore(t *testing.T) {
	os.Unsetenv(deferredLoadingEnvVar)

	ob := &observingBackend{Backend: faketest.New()}
	f := New(mode.Mirror, ob, nil, testPageSize)
	ob.f = f

	f.RegisterFunction(0, 0x1234, 0x5678, "kernelName")

	if _, ok := os.LookupEnv(deferredLoadingEnvVar); ok {
		t.Fatal("env var should be unset again after RegisterFunction, since it was unset before")
	}
}

// failingReaderBackend makes CodeObjectReaderCreateFromMemory fail, so
// tests can assert the facade never parses a buffer whose reader creation
// did not succeed.
type failingReaderBackend struct {
	*faketest.Backend
}

func (b *failingReaderBackend) CodeObjectReaderCreateFromMemory(buf []byte) (uintptr, hipabi.Status) {
	return 0, hipabi.StatusInvalidValue
}

func TestCodeObjectReaderSkipsParseOnFailure(t *testing.T) {
	be := &failingReaderBackend{Backend: faketest.New()}
	f := New(mode.Mirror, be, nil, testPageSize)
	f.recordMetadata.Store(true)

	_, st := f.CodeObjectReaderCreateFromMemory([]byte("not an ELF object"))
	if st == hipabi.StatusSuccess {
		t.Fatal("expected the synthesized failure status to propagate")
	}
	if len(f.schemas) != 0 {
		t.Fatal("schemas were populated despite reader creation failing")
	}
}

func TestLaunchKernelRewritesRegisteredSchema(t *testing.T) {
	be := faketest.New()
	f := New(mode.Mirror, be, nil, testPageSize)

	host := make([]byte, testPageSize)
	hostPtr := uintptr(unsafe.Pointer(&host[0]))
	f.Registry.Lock()
	f.Registry.Insert(hostPtr, uintptr(len(host)))
	f.Registry.Unlock()

	schema := &hipabi.KernelArgSchema{
		RawName:     "_Z6kernelPi",
		KernargSize: 8,
		Args:        []hipabi.KernelArg{{Offset: 0, Size: 8, Kind: hipabi.ArgGlobalBuffer}},
	}
	f.schemaMu.Lock()
	f.schemas = append(f.schemas, *schema)
	f.schemaMu.Unlock()
	f.indexSchema(0xdead, "_Z6kernelPi")

	argSlot := make([]byte, 8)
	*(*uintptr)(unsafe.Pointer(&argSlot[0])) = hostPtr
	args := []uintptr{uintptr(unsafe.Pointer(&argSlot[0]))}

	if st := f.LaunchKernel(0xdead, 1, 1, 1, 1, 1, 1, args, 0, 0); st != hipabi.StatusSuccess {
		t.Fatalf("LaunchKernel: %v", st)
	}

	rewritten := *(*uintptr)(unsafe.Pointer(&argSlot[0]))
	if rewritten == hostPtr {
		t.Fatal("argument slot still holds the host pointer after launch")
	}
	e, _ := f.Registry.LookupExact(hostPtr)
	if rewritten != e.DevicePtr {
		t.Fatalf("rewritten arg = %#x, want device pointer %#x", rewritten, e.DevicePtr)
	}
	if len(be.Launches) != 1 {
		t.Fatalf("backend saw %d launches, want 1", len(be.Launches))
	}
}

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

package rewriter

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/UoB-HPC/utpx/pkg/adapter/faketest"
	"github.com/UoB-HPC/utpx/pkg/hipabi"
	"github.com/UoB-HPC/utpx/pkg/mirror"
)

func addrOf(b []byte) uintptr { return uintptr(unsafe.Pointer(&b[0])) }

func TestRewriteScalarPointer(t *testing.T) {
	registry := mirror.New(faketest.New())
	rw := New(registry, nil, 4096)

	host := make([]byte, 8192)
	hostBase := addrOf(host)
	for i := 0; i < 8; i++ {
		host[i] = byte(i)
	}

	registry.Lock()
	registry.Insert(hostBase, uintptr(len(host)))
	registry.Unlock()

	schema := &hipabi.KernelArgSchema{
		KernargSize: 8,
		Args:        []hipabi.KernelArg{{Offset: 0, Size: 8, Kind: hipabi.ArgGlobalBuffer}},
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(hostBase))

	if err := rw.Rewrite(buf, schema, nil); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	got := binary.LittleEndian.Uint64(buf)
	if got == uint64(hostBase) {
		t.Fatal("argument slot still holds the host address, was not rewritten")
	}
	e, ok := registry.LookupExact(hostBase)
	if !ok {
		t.Fatal("mirror entry vanished")
	}
	if got != uint64(e.DevicePtr) {
		t.Fatalf("argument slot = %#x, want device pointer %#x", got, e.DevicePtr)
	}

	// The mirror should now be materialized with the current host bytes.
	fb, _ := registry.LookupExact(hostBase)
	if fb.DevicePtr == 0 {
		t.Fatal("DevicePtr not set after Rewrite")
	}
}

func TestRewriteUnknownKindAborts(t *testing.T) {
	registry := mirror.New(faketest.New())
	rw := New(registry, nil, 4096)

	schema := &hipabi.KernelArgSchema{
		KernargSize: 8,
		Args:        []hipabi.KernelArg{{Offset: 0, Size: 8, Kind: hipabi.ArgUnknown}},
	}
	buf := make([]byte, 8)
	if err := rw.Rewrite(buf, schema, nil); err != ErrUnknownArgKind {
		t.Fatalf("Rewrite with unknown kind = %v, want ErrUnknownArgKind", err)
	}
}

func TestRewriteHiddenSkipped(t *testing.T) {
	registry := mirror.New(faketest.New())
	rw := New(registry, nil, 4096)

	host := make([]byte, 4096)
	hostBase := addrOf(host)
	registry.Lock()
	registry.Insert(hostBase, uintptr(len(host)))
	registry.Unlock()

	schema := &hipabi.KernelArgSchema{
		KernargSize: 8,
		Args:        []hipabi.KernelArg{{Offset: 0, Size: 8, Kind: hipabi.ArgHidden}},
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(hostBase))

	if err := rw.Rewrite(buf, schema, nil); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if binary.LittleEndian.Uint64(buf) != uint64(hostBase) {
		t.Fatal("hidden argument was rewritten but should have been skipped untouched")
	}
}

func TestScanAggregatePackedRewritesBothPointers(t *testing.T) {
	registry := mirror.New(faketest.New())
	rw := New(registry, nil, 4096)

	a := make([]byte, 4096)
	b := make([]byte, 4096)
	aBase, bBase := addrOf(a), addrOf(b)

	registry.Lock()
	registry.Insert(aBase, uintptr(len(a)))
	registry.Insert(bBase, uintptr(len(b)))
	registry.Unlock()

	// Packed struct: two 8-byte pointers back to back, no padding.
	schema := &hipabi.KernelArgSchema{
		KernargSize: 16,
		Args:        []hipabi.KernelArg{{Offset: 0, Size: 16, Kind: hipabi.ArgByValue}},
	}
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(aBase))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(bBase))

	if err := rw.Rewrite(buf, schema, nil); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	ea, _ := registry.LookupExact(aBase)
	eb, _ := registry.LookupExact(bBase)
	if binary.LittleEndian.Uint64(buf[0:8]) != uint64(ea.DevicePtr) {
		t.Errorf("buf[0:8] not rewritten to A's device pointer")
	}
	if binary.LittleEndian.Uint64(buf[8:16]) != uint64(eb.DevicePtr) {
		t.Errorf("buf[8:16] not rewritten to B's device pointer")
	}
}

func TestScanAggregateUnpackedSkipsOddOffset(t *testing.T) {
	registry := mirror.New(faketest.New())
	rw := New(registry, nil, 4096)

	host := make([]byte, 4096)
	hostBase := addrOf(host)
	registry.Lock()
	registry.Insert(hostBase, uintptr(len(host)))
	registry.Unlock()

	// Unpacked (stride 2) 16-byte struct with the pointer embedded at an
	// odd offset — the stride-2 scan must never land on it.
	schema := &hipabi.KernelArgSchema{
		KernargSize: 32, // total exceeds this one arg's end, so Packed(0) == false
		Args:        []hipabi.KernelArg{{Offset: 0, Size: 16, Kind: hipabi.ArgByValue}},
	}
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(hostBase))

	if err := rw.Rewrite(buf, schema, nil); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if binary.LittleEndian.Uint64(buf[1:9]) != uint64(hostBase) {
		t.Fatal("odd-offset pointer was rewritten despite the argument not being packed")
	}
}

func TestEnsureMirroredSuspendBrackets(t *testing.T) {
	registry := mirror.New(faketest.New())
	rw := New(registry, nil, 4096)

	host := make([]byte, 4096)
	hostBase := addrOf(host)
	registry.Lock()
	registry.Insert(hostBase, uintptr(len(host)))
	registry.Unlock()

	schema := &hipabi.KernelArgSchema{
		KernargSize: 8,
		Args:        []hipabi.KernelArg{{Offset: 0, Size: 8, Kind: hipabi.ArgGlobalBuffer}},
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(hostBase))

	var calls []bool
	suspend := func(v bool) { calls = append(calls, v) }

	if err := rw.Rewrite(buf, schema, suspend); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if len(calls) != 2 || calls[0] != true || calls[1] != false {
		t.Fatalf("suspend calls = %v, want [true false]", calls)
	}
}

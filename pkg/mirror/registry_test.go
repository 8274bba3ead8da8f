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

package mirror

import (
	"testing"
	"unsafe"

	"github.com/UoB-HPC/utpx/pkg/adapter/faketest"
	"github.com/UoB-HPC/utpx/pkg/hipabi"
)

func hostAddrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func TestInsertLookupRemove(t *testing.T) {
	r := New(faketest.New())

	r.Lock()
	e := r.Insert(0x1000, 4096)
	r.Unlock()

	got, ok := r.LookupExact(0x1000)
	if !ok || got != e {
		t.Fatalf("LookupExact(0x1000) = %v, %v", got, ok)
	}

	c, ok := r.LookupContaining(0x1000 + 10)
	if !ok || c != e {
		t.Fatalf("LookupContaining(0x100a) = %v, %v", c, ok)
	}

	if _, ok := r.LookupContaining(0x2000); ok {
		t.Fatal("LookupContaining(0x2000) found an entry that shouldn't exist")
	}

	r.Lock()
	r.Remove(0x1000)
	r.Unlock()

	if r.Len() != 0 {
		t.Fatalf("Len() = %d after Remove, want 0", r.Len())
	}
}

func TestEnsureIdempotent(t *testing.T) {
	r := New(faketest.New())
	r.Lock()
	defer r.Unlock()

	e := r.Insert(0x2000, 4096)
	if st := r.Ensure(e); st != hipabi.StatusSuccess {
		t.Fatalf("first Ensure: %v", st)
	}
	first := e.DevicePtr
	if first == 0 {
		t.Fatal("Ensure left DevicePtr unset")
	}
	if st := r.Ensure(e); st != hipabi.StatusSuccess {
		t.Fatalf("second Ensure: %v", st)
	}
	if e.DevicePtr != first {
		t.Fatalf("second Ensure changed DevicePtr from %#x to %#x", first, e.DevicePtr)
	}
}

func TestMirrorFromHostRoundTrip(t *testing.T) {
	fb := faketest.New()
	r := New(fb)

	buf := make([]byte, 4096)
	for i := range buf[:8] {
		buf[i] = byte(i)
	}
	hostBase := hostAddrOf(buf)

	r.Lock()
	e := r.Insert(hostBase, uintptr(len(buf)))
	if st := r.MirrorFromHost(e); st != hipabi.StatusSuccess {
		r.Unlock()
		t.Fatalf("MirrorFromHost: %v", st)
	}
	r.Unlock()

	if st := fb.Memcpy(hostBase, e.DevicePtr, 8, hipabi.MemcpyDeviceToHost); st != hipabi.StatusSuccess {
		t.Fatalf("device->host copy: %v", st)
	}
	for i := 0; i < 8; i++ {
		if buf[i] != byte(i) {
			t.Fatalf("byte %d = %d, want %d after round trip", i, buf[i], i)
		}
	}
}

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

// Package mirror is the registry mapping host virtual-address ranges to
// their paired device allocations.
package mirror

import (
	"sync"

	"github.com/UoB-HPC/utpx/pkg/adapter"
	"github.com/UoB-HPC/utpx/pkg/hipabi"
)

// Entry is one mirrored allocation: a host range and its device pair.
// DevicePtr is 0 until Ensure or MirrorFromHost is called on the entry —
// device-side creation is lazy. Once non-zero, DevicePtr never changes
// for the lifetime of the entry: it is released exactly once, when the
// entry is removed from the Registry.
type Entry struct {
	HostBase  uintptr
	Size      uintptr
	DevicePtr uintptr
}

// deviceSet reports whether the device side of e has been created.
func (e *Entry) deviceSet() bool { return e.DevicePtr != 0 }

// Registry is the concurrent map from host base address to Entry. All
// mutation (insert, remove, and the device-creation transitions of Ensure
// and MirrorFromHost) requires the write lock; lookups require only the
// read lock.
//
// +checklocks:mu guards entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[uintptr]*Entry
	backend adapter.Backend
}

// New returns an empty Registry that issues device-side allocations and
// copies through backend.
func New(backend adapter.Backend) *Registry {
	return &Registry{
		entries: make(map[uintptr]*Entry),
		backend: backend,
	}
}

// Insert registers a new mirror for [hostBase, hostBase+size) with no
// device pointer yet allocated. The caller must already hold Lock.
func (r *Registry) Insert(hostBase, size uintptr) *Entry {
	e := &Entry{HostBase: hostBase, Size: size}
	r.entries[hostBase] = e
	return e
}

// LookupExact returns the entry whose host base is exactly hostBase, used
// by the free/memcpy fast path.
func (r *Registry) LookupExact(hostBase uintptr) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.LookupExactLocked(hostBase)
}

// LookupExactLocked is LookupExact for a caller that already holds Lock or
// RLock — the rewriter's launch-argument pass and the facade's memcpy path
// both look up entries while already holding the write lock for the
// surrounding mutation, and calling the locking form from there would
// deadlock on the registry's own (non-reentrant) mutex.
func (r *Registry) LookupExactLocked(hostBase uintptr) (*Entry, bool) {
	e, ok := r.entries[hostBase]
	return e, ok
}

// LookupContaining finds the unique entry e such that
// e.HostBase <= addr < e.HostBase+e.Size. The registry's documented
// cardinality (tens to low hundreds of live mirrors) makes a linear scan
// the right tool; an interval tree would be premature machinery for that
// scale.
func (r *Registry) LookupContaining(addr uintptr) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.LookupContainingLocked(addr)
}

// LookupContainingLocked is LookupContaining for a caller that already
// holds Lock or RLock (see LookupExactLocked).
func (r *Registry) LookupContainingLocked(addr uintptr) (*Entry, bool) {
	for _, e := range r.entries {
		if addr >= e.HostBase && addr < e.HostBase+e.Size {
			return e, true
		}
	}
	return nil, false
}

// Remove deletes the entry for hostBase. The caller must already hold
// Lock and must have released the entry's device pointer (if set) and
// its registered page (if any) beforehand.
func (r *Registry) Remove(hostBase uintptr) {
	delete(r.entries, hostBase)
}

// Len reports the number of live mirrors, for tests asserting round-trip
// invariants ("free returns the registry to its prior size").
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Lock acquires the registry for mutation: insertion, removal, or a call
// to Ensure/MirrorFromHost. Also held for the whole of a kernel-launch
// argument rewrite pass, since that pass may itself insert entries.
func (r *Registry) Lock() { r.mu.Lock() }

// Unlock releases a lock taken with Lock.
func (r *Registry) Unlock() { r.mu.Unlock() }

// Ensure allocates e's device buffer if it has none yet. Idempotent: a
// second call on an already-mirrored entry is a no-op. Must be called
// with the write lock held, since on the allocation path it may cascade
// into further GPU-runtime calls.
//
// +checklocks:r.mu
func (r *Registry) Ensure(e *Entry) hipabi.Status {
	if e.deviceSet() {
		return hipabi.StatusSuccess
	}
	ptr, st := r.backend.DeviceMalloc(e.Size)
	if st != hipabi.StatusSuccess {
		return st
	}
	e.DevicePtr = ptr
	return hipabi.StatusSuccess
}

// MirrorFromHost ensures e's device side exists, then copies the current
// host bytes to it. Must be called with the write lock held.
//
// +checklocks:r.mu
func (r *Registry) MirrorFromHost(e *Entry) hipabi.Status {
	if st := r.Ensure(e); st != hipabi.StatusSuccess {
		return st
	}
	return r.backend.Memcpy(e.DevicePtr, e.HostBase, e.Size, hipabi.MemcpyHostToDevice)
}

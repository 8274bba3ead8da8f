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

// Package rewriter substitutes host pointers reaching a kernel launch
// with their device-side mirrors.
package rewriter

import (
	"encoding/binary"
	"errors"

	"github.com/UoB-HPC/utpx/internal/ulog"
	"github.com/UoB-HPC/utpx/pkg/hipabi"
	"github.com/UoB-HPC/utpx/pkg/mirror"
	"github.com/UoB-HPC/utpx/pkg/pagefault"
)

// ErrUnknownArgKind is returned when a kernel's schema contains an
// argument whose ABI kind the metadata parser could not classify: this
// is treated as an attempt to launch a kernel this module cannot safely
// analyze.
var ErrUnknownArgKind = errors.New("rewriter: kernel argument of unrecognized ABI kind")

// Rewriter walks a kernel's argument schema against its argument buffer,
// detecting embedded host pointers into mirrored ranges and substituting
// their device counterparts.
type Rewriter struct {
	registry *mirror.Registry
	pf       *pagefault.Subsystem
	pageSize uintptr
}

// New returns a Rewriter that resolves mirrors in registry and, when pf
// is non-nil, registers newly mirrored ranges for page-fault writeback
// (pf is nil under modes that never protect pages, e.g. ADVISE/DEVICE,
// where Rewrite is not called at all — see pkg/facade).
func New(registry *mirror.Registry, pf *pagefault.Subsystem, pageSize uintptr) *Rewriter {
	return &Rewriter{registry: registry, pf: pf, pageSize: pageSize}
}

// Rewrite mutates buf in place: for each of schema's arguments it
// substitutes any value that falls inside a live mirrored host range
// with that mirror's device pointer, lazily creating the mirror and
// registering its host page if this is the first time it becomes
// visible to the device.
//
// Rewrite holds the Mirror Registry's write lock for its entire pass, so
// a concurrent free cannot invalidate a rewritten pointer between
// rewrite and the launch that follows.
//
// suspend, if non-nil, is invoked with true immediately before and false
// immediately after any mirror-creation work that recurses into the
// underlying runtime (Ensure/MirrorFromHost) — the caller's launch
// interception should treat calls made in between as passthrough, since
// the underlying host->device copy may itself enqueue internal kernels
// that would otherwise recurse back into this rewriter.
func (rw *Rewriter) Rewrite(buf []byte, schema *hipabi.KernelArgSchema, suspend func(bool)) error {
	rw.registry.Lock()
	defer rw.registry.Unlock()

	for i := range schema.Args {
		arg := schema.Args[i]
		slot := buf[arg.Offset : arg.Offset+arg.Size]
		if err := rw.rewriteOneLocked(slot, arg, schema.Packed(i), suspend); err != nil {
			return err
		}
	}
	return nil
}

// RewriteOneLocked rewrites a single argument already isolated to its own
// backing bytes (slot holds exactly arg.Size bytes, with no offset of its
// own). The caller must already hold the Mirror Registry's write lock.
//
// This is used directly by pkg/facade's classic launch_kernel path, where
// each argument lives at its own independently-allocated host address
// (an array of pointers-to-value) rather than packed into one contiguous
// kernarg buffer the way module_launch_kernel's extra blob is.
func (rw *Rewriter) RewriteOneLocked(slot []byte, arg hipabi.KernelArg, packed bool, suspend func(bool)) error {
	return rw.rewriteOneLocked(slot, arg, packed, suspend)
}

func (rw *Rewriter) rewriteOneLocked(slot []byte, arg hipabi.KernelArg, packed bool, suspend func(bool)) error {
	switch arg.Kind {
	case hipabi.ArgHidden:
		return nil
	case hipabi.ArgUnknown:
		return ErrUnknownArgKind
	}
	if arg.Size < hipabi.PointerSize {
		return nil
	}
	if arg.Size == hipabi.PointerSize {
		rw.rewriteScalar(slot, suspend)
		return nil
	}
	stride := 2
	if packed {
		stride = 1
	}
	rw.scanAggregate(slot, stride, suspend)
	return nil
}

// rewriteScalar handles a pointer-sized argument slot: its bytes are the
// candidate host address the kernel would otherwise see directly.
func (rw *Rewriter) rewriteScalar(slot []byte, suspend func(bool)) {
	candidate := uintptr(binary.LittleEndian.Uint64(slot))
	e, ok := rw.registry.LookupContainingLocked(candidate)
	if candidate == 0 || !ok {
		return
	}
	rw.ensureMirrored(e, suspend)
	binary.LittleEndian.PutUint64(slot, uint64(e.DevicePtr))
}

// scanAggregate walks a by-value aggregate argument in byte strides,
// checking each pointer_size-aligned-by-stride window for a value that
// falls inside a live mirror. Candidate detection reads from a snapshot
// taken before any rewrite in this call, so a rewritten device pointer
// at one offset can never be misread as a fresh candidate by an
// overlapping window at a later offset in the same pass.
func (rw *Rewriter) scanAggregate(slot []byte, stride int, suspend func(bool)) {
	original := append([]byte(nil), slot...)
	for off := 0; off+hipabi.PointerSize <= len(slot); off += stride {
		candidate := uintptr(binary.LittleEndian.Uint64(original[off : off+hipabi.PointerSize]))
		if candidate == 0 {
			continue
		}
		e, ok := rw.registry.LookupContainingLocked(candidate)
		if !ok {
			continue
		}
		rw.ensureMirrored(e, suspend)
		binary.LittleEndian.PutUint64(slot[off:off+hipabi.PointerSize], uint64(e.DevicePtr))
	}
}

// ensureMirrored materializes e's device side (if not already present)
// and (re-)registers its host page with the page-fault subsystem, so the
// next host write is caught for writeback. Must be called with the
// registry's write lock held.
func (rw *Rewriter) ensureMirrored(e *mirror.Entry, suspend func(bool)) {
	alreadyMirrored := e.DevicePtr != 0

	if suspend != nil {
		suspend(true)
		defer suspend(false)
	}

	if !alreadyMirrored {
		if st := rw.registry.MirrorFromHost(e); st != hipabi.StatusSuccess {
			ulog.Fatalf("utpx: rewriter: mirror creation for host range %#x (%d bytes) failed: %v", e.HostBase, e.Size, st)
		}
	}
	if rw.pf == nil {
		return
	}
	base := alignDown(e.HostBase, rw.pageSize)
	size := pageRoundUp(e.HostBase, e.Size, rw.pageSize)
	if err := rw.pf.RegisterPage(base, size); err != nil {
		ulog.Fatalf("utpx: rewriter: RegisterPage(%#x, %#x): %v", base, size, err)
	}
}

func alignDown(addr, pageSize uintptr) uintptr {
	return addr &^ (pageSize - 1)
}

func pageRoundUp(base, size, pageSize uintptr) uintptr {
	start := alignDown(base, pageSize)
	end := alignDown(base+size+pageSize-1, pageSize)
	return end - start
}

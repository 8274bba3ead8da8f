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

// Package facade implements the intercepted entry points: allocate,
// free, copy, fill, launch, query pointer attributes, register function,
// and load module. Every operation dispatches on the interposer's Mode.
package facade

import (
	"sync"
	"sync/atomic"

	"github.com/UoB-HPC/utpx/pkg/adapter"
	"github.com/UoB-HPC/utpx/pkg/hipabi"
	"github.com/UoB-HPC/utpx/pkg/mirror"
	"github.com/UoB-HPC/utpx/pkg/mode"
	"github.com/UoB-HPC/utpx/pkg/pagefault"
	"github.com/UoB-HPC/utpx/pkg/rewriter"
)

// Facade is the interposer's interception surface: one instance per
// process, owned by pkg/runtime.Runtime.
type Facade struct {
	Mode      mode.Mode
	Registry  *mirror.Registry
	Backend   adapter.Backend
	PageFault *pagefault.Subsystem // nil under Advise/Device, which never register pages
	Rewriter  *rewriter.Rewriter   // nil under Advise/Device, which never rewrite arguments
	PageSize  uintptr

	// recordMetadata is consulted by CodeObjectReaderCreateFromMemory. It
	// is a plain atomic rather than a flag threaded through the call
	// chain because the underlying runtime may service that call from an
	// internal thread of its own, outside the call stack that set it.
	recordMetadata atomic.Bool

	schemaMu sync.Mutex
	// schemas accumulates every kernel schema parsed from a code object
	// loaded while recordMetadata was set, for RegisterFunction to index
	// by name afterwards.
	schemas []hipabi.KernelArgSchema

	kernelMu sync.RWMutex
	// kernels maps a host function pointer (the launch key) to the
	// schema last matched for it by RegisterFunction.
	kernels map[uintptr]*hipabi.KernelArgSchema
}

// New constructs a Facade for the given mode, wiring backend as the
// underlying runtime's entry points and pf (nil for Advise/Device) as
// the page-fault subsystem the Mirror-mode rewriter registers pages
// with.
func New(m mode.Mode, backend adapter.Backend, pf *pagefault.Subsystem, pageSize uintptr) *Facade {
	f := &Facade{
		Mode:      m,
		Registry:  mirror.New(backend),
		Backend:   backend,
		PageFault: pf,
		PageSize:  pageSize,
		kernels:   make(map[uintptr]*hipabi.KernelArgSchema),
	}
	if m == mode.Mirror {
		f.Rewriter = rewriter.New(f.Registry, pf, pageSize)
	}
	return f
}

// KernelSchema returns the argument schema registered for hostFn, if
// any.
func (f *Facade) KernelSchema(hostFn uintptr) (*hipabi.KernelArgSchema, bool) {
	f.kernelMu.RLock()
	defer f.kernelMu.RUnlock()
	s, ok := f.kernels[hostFn]
	return s, ok
}

func pageAlign(addr, pageSize uintptr) uintptr {
	return addr &^ (pageSize - 1)
}

// pageRoundedRange returns the page-aligned [base, base+size) range that
// covers e's host range, for RegisterPage calls that must span whole pages.
func pageRoundedRange(e *mirror.Entry, pageSize uintptr) (base, size uintptr) {
	base = pageAlign(e.HostBase, pageSize)
	end := pageAlign(e.HostBase+e.Size+pageSize-1, pageSize)
	return base, end - base
}

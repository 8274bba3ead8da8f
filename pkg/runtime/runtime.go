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

// Package runtime holds the single process-wide value that ties the
// mode, the mirror registry, the page-fault subsystem, and the
// interception facade together, so cmd/libutpx's exported entry points
// have exactly one thing to reach into instead of a scatter of package
// globals.
package runtime

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/UoB-HPC/utpx/internal/ulog"
	"github.com/UoB-HPC/utpx/pkg/adapter"
	"github.com/UoB-HPC/utpx/pkg/facade"
	"github.com/UoB-HPC/utpx/pkg/hipabi"
	"github.com/UoB-HPC/utpx/pkg/mode"
	"github.com/UoB-HPC/utpx/pkg/pagefault"
)

// logLevelEnvVar controls internal/ulog's verbosity, read once alongside
// mode.EnvVar.
const logLevelEnvVar = "UTPX_LOG_LEVEL"

// Runtime is the process-scope state a cgo-exported entry point needs.
// Exactly one is constructed, by Initialize, and lives for the process's
// lifetime.
type Runtime struct {
	Mode      mode.Mode
	Backend   adapter.Backend
	PageFault *pagefault.Subsystem // nil under Advise/Device
	Facade    *facade.Facade
}

// Initialize reads UTPX_MODE and UTPX_LOG_LEVEL, builds the Facade over
// the given backend, and — under Mirror — starts the page-fault
// subsystem and wires its coherence callback. Calling Initialize more
// than once per process is a program error, exactly as
// pagefault.Subsystem.Initialize documents for its own double-call case.
func Initialize(backend adapter.Backend) *Runtime {
	ulog.SetLevel(ulog.ParseLevel(os.Getenv(logLevelEnvVar)))
	m := mode.FromEnv()
	ulog.Infof("utpx: runtime: mode=%s", m)

	rt := &Runtime{Mode: m, Backend: backend}

	pageSize := uintptr(unix.Getpagesize())
	var pf *pagefault.Subsystem
	if m == mode.Mirror {
		pf = pagefault.New()
		pf.SetCallback(rt.onFault)
		if err := pf.Initialize(); err != nil {
			ulog.Fatalf("utpx: runtime: pagefault.Initialize: %v", err)
		}
		pageSize = uintptr(pf.PageSize())
		rt.PageFault = pf
	}

	rt.Facade = facade.New(m, backend, pf, pageSize)
	return rt
}

// Terminate stops the page-fault subsystem, if one is running. Safe to
// call on a Runtime built under Advise/Device, where it is a no-op.
func (rt *Runtime) Terminate() {
	if rt.PageFault != nil {
		rt.PageFault.Terminate()
	}
}

// onFault is the page-fault coherence callback: it fills dst, already
// sized to the whole page-rounded registered range, with what the host
// should observe there. A range whose mirror was never made
// device-authoritative (DevicePtr still 0 — the first touch of a fresh
// mirror allocation) is left as the zero-filled dst the subsystem
// already handed us, matching what a freshly mmap'd anonymous page would
// read as anyway.
//
// The device allocation backing e is exactly e.Size bytes (Registry.Ensure
// calls DeviceMalloc(e.Size)) while dst spans the page-rounded registration
// size, which for an allocation whose size isn't a page multiple is larger
// than e.Size. Only the first e.Size bytes of dst are filled from the
// device; the page-alignment tail is left zeroed rather than read from
// one byte past the end of the device allocation.
func (rt *Runtime) onFault(faultAddr, base, size uintptr, dst []byte) {
	e, ok := rt.Facade.Registry.LookupExact(base)
	if !ok || e.DevicePtr == 0 {
		return
	}
	if st := rt.Backend.Memcpy(uintptr(unsafe.Pointer(&dst[0])), e.DevicePtr, e.Size, hipabi.MemcpyDeviceToHost); st != hipabi.StatusSuccess {
		ulog.Fatalf("utpx: runtime: coherence copy for fault at %#x (range %#x, %d bytes): %v", faultAddr, base, size, st)
	}
}

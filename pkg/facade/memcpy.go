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
	"github.com/UoB-HPC/utpx/internal/ulog"
	"github.com/UoB-HPC/utpx/pkg/hipabi"
	"github.com/UoB-HPC/utpx/pkg/mirror"
	"github.com/UoB-HPC/utpx/pkg/mode"
)

// Memcpy implements memcpy(dst, src, n, kind).
func (f *Facade) Memcpy(dst, src, n uintptr, kind hipabi.MemcpyKind) hipabi.Status {
	switch f.Mode {
	case mode.Advise:
		return f.Backend.Memcpy(dst, src, n, kind)
	case mode.Device:
		return f.Backend.Memcpy(dst, src, n, hipabi.MemcpyDefault)
	default:
		return f.memcpyMirror(dst, src, n, kind)
	}
}

func (f *Facade) memcpyMirror(dst, src, n uintptr, kind hipabi.MemcpyKind) hipabi.Status {
	if kind == hipabi.MemcpyHostToHost || kind == hipabi.MemcpyDeviceToDevice {
		return f.Backend.Memcpy(dst, src, n, kind)
	}

	f.Registry.Lock()
	defer f.Registry.Unlock()

	dstE, dstOK := f.Registry.LookupExactLocked(dst)
	srcE, srcOK := f.Registry.LookupExactLocked(src)

	switch {
	case dstOK && srcOK:
		if st := f.Registry.Ensure(dstE); st != hipabi.StatusSuccess {
			return st
		}
		if st := f.Registry.Ensure(srcE); st != hipabi.StatusSuccess {
			return st
		}
		if st := f.Backend.Memcpy(dstE.DevicePtr, srcE.DevicePtr, n, hipabi.MemcpyDeviceToDevice); st != hipabi.StatusSuccess {
			return st
		}
		f.reprotect(dstE)
		return hipabi.StatusSuccess

	case srcOK:
		// Device is authoritative for a mirrored source: any writes since
		// the mirror was created happened through the device.
		if st := f.Registry.Ensure(srcE); st != hipabi.StatusSuccess {
			return st
		}
		return f.Backend.Memcpy(dst, srcE.DevicePtr, n, hipabi.MemcpyDeviceToHost)

	case dstOK:
		if st := f.Registry.Ensure(dstE); st != hipabi.StatusSuccess {
			return st
		}
		if st := f.Backend.Memcpy(dstE.DevicePtr, src, n, hipabi.MemcpyHostToDevice); st != hipabi.StatusSuccess {
			return st
		}
		f.reprotect(dstE)
		return hipabi.StatusSuccess

	default:
		return f.Backend.Memcpy(dst, src, n, kind)
	}
}

// reprotect re-registers e's host range with the Page-Fault Subsystem after
// a copy makes the device side authoritative, so the next host access
// faults and pulls the fresh content instead of reading stale host bytes.
func (f *Facade) reprotect(e *mirror.Entry) {
	if f.PageFault == nil {
		return
	}
	base, size := pageRoundedRange(e, f.PageSize)
	if err := f.PageFault.RegisterPage(base, size); err != nil {
		ulog.Warningf("utpx: facade: re-protecting %#x after device-authoritative copy: %v", e.HostBase, err)
	}
}

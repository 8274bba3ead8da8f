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
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/UoB-HPC/utpx/internal/ulog"
	"github.com/UoB-HPC/utpx/pkg/hipabi"
	"github.com/UoB-HPC/utpx/pkg/mode"
)

// Free implements free(ptr). The null pointer always delegates: the
// underlying runtime treats it as an implicit synchronization point, not a
// no-op, so it must reach the real free even though it can never be a
// registered mirror.
func (f *Facade) Free(ptr uintptr) hipabi.Status {
	if ptr == 0 || f.Mode != mode.Mirror {
		return f.Backend.Free(ptr)
	}

	f.Registry.Lock()
	e, ok := f.Registry.LookupExactLocked(ptr)
	if !ok {
		f.Registry.Unlock()
		return f.Backend.Free(ptr)
	}

	if f.PageFault != nil {
		base, _ := pageRoundedRange(e, f.PageSize)
		if _, _, regOK := f.PageFault.LookupRegistered(base); regOK {
			if err := f.PageFault.UnregisterPage(base); err != nil {
				ulog.Warningf("utpx: facade: UnregisterPage(%#x) during free: %v", base, err)
			}
		}
	}

	mmapLen := int(e.Size + f.PageSize)
	hostBuf := unsafe.Slice((*byte)(unsafe.Pointer(e.HostBase)), mmapLen)
	if err := unix.Munmap(hostBuf); err != nil {
		ulog.Warningf("utpx: facade: munmap(%#x, %d) during free: %v", e.HostBase, mmapLen, err)
	}

	st := hipabi.StatusSuccess
	if e.DevicePtr != 0 {
		st = f.Backend.Free(e.DevicePtr)
	}
	f.Registry.Remove(ptr)
	f.Registry.Unlock()
	return st
}
